package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tasklife/nag/internal/task"
)

// WebhookSender posts the notification payload to a provider-facing
// webhook. Any 2xx answer counts as accepted; the provider's id is read
// from an {"id": "..."} response body when present, otherwise one is
// generated so the dispatch ledger always has a reference.
type WebhookSender struct {
	url     string
	channel task.Channel
	client  *http.Client
}

func NewWebhookSender(url string, ch task.Channel, timeout time.Duration) *WebhookSender {
	return &WebhookSender{
		url:     url,
		channel: ch,
		client:  &http.Client{Timeout: timeout},
	}
}

func (w *WebhookSender) Send(ctx context.Context, t task.Task) (string, error) {
	body, err := json.Marshal(NewPayload(t, w.channel))
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s webhook: %w", w.channel, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%s webhook returned %d: %s", w.channel, resp.StatusCode, bytes.TrimSpace(raw))
	}

	var ack struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &ack); err == nil && ack.ID != "" {
		return ack.ID, nil
	}
	return uuid.NewString(), nil
}
