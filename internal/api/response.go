package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BTreeMap/ForwardPipe/internal/models"
)

// busyRetryAfter is advertised to submitters turned away while every
// dispatch worker is occupied or the process is draining.
const busyRetryAfter = 5 * time.Second

var fallbackErrorResponse = mustMarshal(models.Error("Internal server error"))

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic("api: marshal fallback response: " + err.Error())
	}
	return b
}

// writeJSONResponse marshals response before touching headers so an encoding
// failure can still produce a well-formed 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response any) {
	body, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		body = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSONResponse(w, statusCode, models.Error(message))
}

// writeBusy rejects a submission the dispatcher cannot take right now. The
// sender keeps the message and retries after Retry-After.
func writeBusy(w http.ResponseWriter, message string) {
	w.Header().Set("Retry-After", strconv.Itoa(int(busyRetryAfter/time.Second)))
	writeError(w, http.StatusServiceUnavailable, message)
}
