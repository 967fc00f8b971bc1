package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"CMMPayWatch/internal/models"
)

// Webhook posts OnOrderFullyPaid to the order collaborator.
type Webhook struct {
	URL          string
	Autocomplete bool
	Retries      int
	Backoff      time.Duration
	Client       *http.Client
}

type webhookPayload struct {
	Event        string `json:"event"`
	Autocomplete bool   `json:"autocomplete"`
	models.Completion
}

func NewWebhook(url string, autocomplete bool, retries int) *Webhook {
	return &Webhook{
		URL:          url,
		Autocomplete: autocomplete,
		Retries:      retries,
		Backoff:      500 * time.Millisecond,
		Client:       &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *Webhook) NotifyCompleted(ctx context.Context, c models.Completion) error {
	body, err := json.Marshal(webhookPayload{
		Event:        "OnOrderFullyPaid",
		Autocomplete: w.Autocomplete,
		Completion:   c,
	})
	if err != nil {
		return err
	}

	attempts := w.Retries
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.Backoff * time.Duration(1<<(i-1))):
			}
		}
		retry, err := w.post(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return fmt.Errorf("webhook %s: %w", w.URL, lastErr)
}

// post reports whether a failure is worth retrying.
func (w *Webhook) post(ctx context.Context, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests, err
}
