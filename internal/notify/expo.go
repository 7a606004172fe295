package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultExpoURL is the Expo push API endpoint.
const DefaultExpoURL = "https://exp.host/--/api/v2/push/send"

// ExpoSender delivers push payloads through the Expo push API. One HTTP POST
// carries the messages for all of a user's device tokens.
type ExpoSender struct {
	url    string
	client *http.Client
}

// NewExpoSender creates an ExpoSender. An empty url uses DefaultExpoURL.
func NewExpoSender(url string) *ExpoSender {
	if url == "" {
		url = DefaultExpoURL
	}
	return &ExpoSender{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// expoMessage is one entry of the Expo push request body.
type expoMessage struct {
	To    string            `json:"to"`
	Sound string            `json:"sound"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Send posts the payload to the Expo push API for every token. A non-2xx
// response or transport error is returned to the caller, which logs and
// swallows it per the dispatcher's best-effort contract.
func (s *ExpoSender) Send(ctx context.Context, tokens []string, payload Payload) error {
	msgs := make([]expoMessage, 0, len(tokens))
	for _, token := range tokens {
		msgs = append(msgs, expoMessage{
			To:    token,
			Sound: "default",
			Title: payload.Title,
			Body:  payload.Body,
			Data:  payload.Data,
		})
	}

	body, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("notify: marshal expo request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build expo request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: expo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notify: expo push returned %d: %s", resp.StatusCode, snippet)
	}
	return nil
}
