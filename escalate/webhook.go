package escalate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookSink files issues by POSTing the ticket as JSON to a configured
// endpoint. The endpoint must answer 200 or 201 with a JSON body containing
// an issue_ref (or id) field.
type WebhookSink struct {
	url    string
	token  string
	client *http.Client
}

// NewWebhookSink creates a sink for the given endpoint. token, when
// non-empty, is sent as a bearer Authorization header.
func NewWebhookSink(url, token string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &WebhookSink{
		url:   url,
		token: token,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type webhookResponse struct {
	IssueRef string `json:"issue_ref"`
	ID       string `json:"id"`
}

// CreateIssue implements Sink.
func (s *WebhookSink) CreateIssue(ctx context.Context, t Ticket) (string, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.url, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("posting to %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading sink response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("sink error %d: %s", resp.StatusCode, string(body))
	}

	var wr webhookResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return "", fmt.Errorf("decoding sink response: %w", err)
	}
	if wr.IssueRef != "" {
		return wr.IssueRef, nil
	}
	return wr.ID, nil
}
