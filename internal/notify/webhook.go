// Package notify posts reply notifications to an optional webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jimmingcheng/pi-robot/internal/util"
)

// Event names sent in the payload.
const (
	EventReplyCompleted = "reply_completed"
	EventReplyFailed    = "reply_failed"
	EventTest           = "test"
)

const webhookTimeout = 10 * time.Second

// ErrNotConfigured is returned by SendTest when no URL is set.
var ErrNotConfigured = errors.New("webhook URL not configured")

// Payload represents the data sent to webhook endpoints.
type Payload struct {
	Event           string   `json:"event"`
	Robot           string   `json:"robot,omitempty"`
	UtteranceID     string   `json:"utterance_id,omitempty"`
	UserTranscript  string   `json:"user_transcript,omitempty"`  // Local transcript of the utterance
	ReplyTranscript string   `json:"reply_transcript,omitempty"` // Transcript of the spoken reply
	Commands        []string `json:"commands,omitempty"`
	DurationMs      int64    `json:"duration_ms,omitempty"`
	Message         string   `json:"message,omitempty"`
	Error           string   `json:"error,omitempty"`
	Timestamp       string   `json:"timestamp"`
}

// Reply describes one finished reply cycle.
type Reply struct {
	UtteranceID     string
	UserTranscript  string
	ReplyTranscript string
	Commands        []string
	Duration        time.Duration
	Err             error
}

// Webhook delivers notifications to one URL.
type Webhook struct {
	url    string
	robot  string
	client *http.Client
	now    func() time.Time
}

// NewWebhook returns a webhook for url. An empty url disables delivery.
func NewWebhook(url, robotName string) *Webhook {
	return &Webhook{
		url:    url,
		robot:  robotName,
		client: &http.Client{Timeout: webhookTimeout},
		now:    time.Now,
	}
}

// Configured reports whether a URL is set.
func (w *Webhook) Configured() bool {
	return w != nil && util.IsConfigured(w.url)
}

// SendReply notifies the webhook of a finished reply.
func (w *Webhook) SendReply(ctx context.Context, r Reply) error {
	p := &Payload{
		Event:           EventReplyCompleted,
		UtteranceID:     r.UtteranceID,
		UserTranscript:  r.UserTranscript,
		ReplyTranscript: r.ReplyTranscript,
		Commands:        r.Commands,
		DurationMs:      r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		p.Event = EventReplyFailed
		p.Error = r.Err.Error()
	}
	return w.send(ctx, p)
}

// SendTest sends a test notification.
func (w *Webhook) SendTest(ctx context.Context) error {
	if !w.Configured() {
		return ErrNotConfigured
	}
	return w.send(ctx, &Payload{
		Event:   EventTest,
		Message: "This is a test notification from " + w.robot,
	})
}

// send delivers a notification to the configured webhook endpoint.
func (w *Webhook) send(ctx context.Context, payload *Payload) error {
	if !w.Configured() {
		return nil // Silently skip if not configured
	}
	payload.Robot = w.robot
	payload.Timestamp = w.now().UTC().Format(time.RFC3339)

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return util.WrapError("marshal payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(jsonData))
	if err != nil {
		return util.WrapError("create webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return util.WrapError("send webhook request", err)
	}
	defer util.SafeCloseFunc(resp.Body, "webhook response body")()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
