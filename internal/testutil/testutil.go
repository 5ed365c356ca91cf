// Package testutil provides common test utilities and helpers for ForwardPipe tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/ForwardPipe/internal/store"
)

// Envelope is the decoded form of every JSON API response.
type Envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes the response envelope and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) Envelope {
	t.Helper()
	var env Envelope
	if err := json.NewDecoder(rr.Body).Decode(&env); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if env.Status != expectedStatus {
		t.Errorf("expected status '%s', got '%s' (message %q)", expectedStatus, env.Status, env.Message)
	}
	return env
}

// CreateHTTPRequest creates an HTTP request with a raw JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// SeedBacklog enqueues one PENDING entry per origin and returns their ids.
func SeedBacklog(t *testing.T, repo store.BacklogRepo, capType string, origins ...string) []int64 {
	t.Helper()
	ids := make([]int64, 0, len(origins))
	for i, origin := range origins {
		id, err := repo.EnqueueBacklogEntry(store.BacklogEntry{
			Origin:           origin,
			Content:          "seeded message",
			Timestamp:        time.Now().Add(-time.Duration(len(origins)-i) * time.Minute),
			CapabilityType:   capType,
			CapabilityConfig: "{}",
		})
		if err != nil {
			t.Fatalf("failed to seed backlog entry: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

// AssertBacklogCount validates the number of backlog entries with the given status.
func AssertBacklogCount(t *testing.T, repo store.BacklogRepo, status store.BacklogStatus, expected int, context string) {
	t.Helper()
	counts, err := repo.CountByStatus()
	if err != nil {
		t.Fatalf("%s: failed to count backlog: %v", context, err)
	}
	if counts[status] != expected {
		t.Errorf("%s: expected %d %s entries, got %d", context, expected, status, counts[status])
	}
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
