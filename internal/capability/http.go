package capability

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	neturl "net/url"
	"time"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body when a secret is set.
const SignatureHeader = "X-ForwardPipe-Signature"

// maxErrorBody bounds how much of an error response is kept in the error message.
const maxErrorBody = 512

// classifyStatus turns a non-2xx status into an error. Client errors other than
// 408 and 429 are permanent.
func classifyStatus(code int, body string) error {
	if code >= 200 && code < 300 {
		return nil
	}
	err := fmt.Errorf("endpoint returned %d: %s", code, body)
	if code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
		return Permanent(err)
	}
	return err
}

func readErrorBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return string(bytes.TrimSpace(data))
}

// httpRelay posts the message as JSON to a configured URL.
type httpRelay struct {
	cfg    HTTPRelayConfig
	client *http.Client
}

type httpRelayPayload struct {
	Origin    string `json:"origin"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

func newHTTPRelay(cfg HTTPRelayConfig, client *http.Client) *httpRelay {
	return &httpRelay{cfg: cfg, client: client}
}

func (r *httpRelay) Type() Type { return TypeHTTPRelay }

func (r *httpRelay) Deliver(ctx context.Context, origin, content string, timestamp time.Time) error {
	body, err := json.Marshal(httpRelayPayload{Origin: origin, Content: content, Timestamp: timestamp.UnixMilli()})
	if err != nil {
		return Permanent(fmt.Errorf("http relay: marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, r.cfg.Method, r.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("http relay: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.Secret != "" {
		mac := hmac.New(sha256.New, []byte(r.cfg.Secret))
		mac.Write(body)
		req.Header.Set(SignatureHeader, "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("http relay: %s %s: %w", r.cfg.Method, r.cfg.URL, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, readErrorBody(resp.Body)); err != nil {
		return fmt.Errorf("http relay: %w", err)
	}
	slog.Debug("httpRelay.Deliver: delivered", "url", r.cfg.URL, "status", resp.StatusCode)
	return nil
}

// chatBot sends the message through a Telegram-compatible bot API.
type chatBot struct {
	cfg    ChatBotConfig
	client *http.Client
}

type chatBotRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type chatBotResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func newChatBot(cfg ChatBotConfig, client *http.Client) *chatBot {
	return &chatBot{cfg: cfg, client: client}
}

func (b *chatBot) Type() Type { return TypeChatBot }

func (b *chatBot) Deliver(ctx context.Context, origin, content string, timestamp time.Time) error {
	body, err := json.Marshal(chatBotRequest{ChatID: b.cfg.ChatID, Text: FormatMessage(origin, content, timestamp)})
	if err != nil {
		return Permanent(fmt.Errorf("chat bot: marshal request: %w", err))
	}

	url := b.cfg.APIBase + "/bot" + b.cfg.Token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("chat bot: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		// The URL embeds the bot token; report the API base and the underlying cause only.
		var urlErr *neturl.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return fmt.Errorf("chat bot: post to %s: %w", b.cfg.APIBase, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("chat bot: %w", classifyStatus(resp.StatusCode, readErrorBody(resp.Body)))
	}

	var parsed chatBotResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&parsed); err != nil {
		return fmt.Errorf("chat bot: decode response: %w", err)
	}
	if !parsed.OK {
		return fmt.Errorf("chat bot: api rejected message: %s", parsed.Description)
	}
	slog.Debug("chatBot.Deliver: delivered", "chat_id", b.cfg.ChatID)
	return nil
}
