// Package notify tells external systems that a comic finished.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"comicgen/internal/domain"
	"comicgen/internal/infra"
)

// Notifier matches pipeline.Notifier.
type Notifier interface {
	Notify(ctx context.Context, job *domain.Job) error
}

type webhookPayload struct {
	ComicID string `json:"comic_id"`
}

// Webhook POSTs {"comic_id": id} to a fixed URL.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook returns nil when url is empty so callers can skip wiring it.
func NewWebhook(url string, timeout time.Duration, client *http.Client) *Webhook {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil
	}
	if client == nil {
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Webhook{url: url, client: client}
}

func (w *Webhook) Notify(ctx context.Context, job *domain.Job) error {
	body, err := json.Marshal(webhookPayload{ComicID: job.ID})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

// Multi fans a notification out to every notifier. All are attempted and
// their errors joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, job *domain.Job) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, job); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Logged wraps a notifier with a completion log line.
type Logged struct {
	Next   Notifier
	Logger infra.Logger
}

func (l Logged) Notify(ctx context.Context, job *domain.Job) error {
	err := l.Next.Notify(ctx, job)
	event := l.Logger.Debug()
	if err != nil {
		event = l.Logger.Warn().Err(err)
	}
	event.Str("job_id", job.ID).Msg("notify: completion delivered")
	return err
}

// Build assembles the configured notifiers. It returns nil when none are set.
func Build(notifiers ...Notifier) Notifier {
	var out Multi
	for _, n := range notifiers {
		if n == nil || isNilNotifier(n) {
			continue
		}
		out = append(out, n)
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	default:
		return out
	}
}

func isNilNotifier(n Notifier) bool {
	switch v := n.(type) {
	case *Webhook:
		return v == nil
	case *AMQPPublisher:
		return v == nil
	}
	return false
}
