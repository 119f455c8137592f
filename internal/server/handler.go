// Package server handles commands sent over the status WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jimmingcheng/pi-robot/internal/eventlog"
	"github.com/jimmingcheng/pi-robot/internal/types"
	"github.com/jimmingcheng/pi-robot/internal/util"
)

// testTimeout bounds a notification test.
const testTimeout = 15 * time.Second

// ErrUnknownCommand is reported for command types the handler does not know.
var ErrUnknownCommand = errors.New("unknown command")

// validate is the shared validator instance for request validation.
var validate = util.NewValidator()

// WSCommand is a command received from a WebSocket client.
type WSCommand struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// WebhookTester sends a test notification.
type WebhookTester interface {
	Configured() bool
	SendTest(ctx context.Context) error
}

// EventReader reads the event log newest first.
type EventReader interface {
	ReadLast(n, offset int, filter eventlog.TypeFilter) ([]eventlog.Event, bool, error)
}

// EventReaderFunc adapts a function to EventReader.
type EventReaderFunc func(n, offset int, filter eventlog.TypeFilter) ([]eventlog.Event, bool, error)

// ReadLast calls f.
func (f EventReaderFunc) ReadLast(n, offset int, filter eventlog.TypeFilter) ([]eventlog.Event, bool, error) {
	return f(n, offset, filter)
}

// CommandHandler processes WebSocket commands.
type CommandHandler struct {
	webhook WebhookTester
	events  EventReader
	logger  *slog.Logger
}

// NewCommandHandler creates a new command handler. Either dependency may be nil.
func NewCommandHandler(webhook WebhookTester, events EventReader, logger *slog.Logger) *CommandHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandHandler{
		webhook: webhook,
		events:  events,
		logger:  logger.With("component", "ws"),
	}
}

// outbox delivers responses to one client. Responses produced after the
// client disconnected are dropped.
type outbox struct {
	send   chan<- any
	done   <-chan struct{}
	logger *slog.Logger
}

// put sends msg without blocking.
func (o outbox) put(cmdType string, msg any) {
	select {
	case <-o.done:
		return
	default:
	}
	select {
	case o.send <- msg:
	case <-o.done:
	default:
		o.logger.Warn("failed to send response: channel full", "type", cmdType)
	}
}

// success sends a success response for a command.
func (o outbox) success(cmdType string, data any) {
	o.put(cmdType, types.WSCommandResult{
		Type:    cmdType + "_result",
		Success: true,
		Data:    data,
	})
}

// fail sends an error response for a command.
func (o outbox) fail(cmdType string, err error) {
	verr := types.NewValidationError()
	verr.Add("", err.Error(), nil)
	o.put(cmdType, types.WSCommandResult{
		Type:  cmdType + "_result",
		Error: verr,
	})
}

// invalid converts validator errors to field errors and sends them.
func (o outbox) invalid(cmdType string, err error) {
	o.put(cmdType, types.WSCommandResult{
		Type:  cmdType + "_result",
		Error: util.ToValidationError(err),
	})
}

// Handle processes a WebSocket command and performs the requested action.
// Commands use slash-style format: namespace/action (e.g., "events/get").
// Responses go to send until done is closed; send is never closed by the
// handler.
func (h *CommandHandler) Handle(cmd WSCommand, send chan<- any, done <-chan struct{}, triggerStatusUpdate func()) {
	out := outbox{send: send, done: done, logger: h.logger}

	switch cmd.Type {
	case "status/get":
		// Explicit get triggers an immediate status update
	case "events/get":
		h.handleEvents(cmd, out)
	case "notifications/webhook/test":
		h.handleTestWebhook(cmd, out)
	default:
		h.logger.Warn("unknown WebSocket command", "type", cmd.Type)
		out.fail(cmd.Type, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Type))
	}

	triggerStatusUpdate()
}

// handleEvents returns a page of the event log.
func (h *CommandHandler) handleEvents(cmd WSCommand, out outbox) {
	var req EventsRequest
	if len(cmd.Data) > 0 && !decodeAndValidate(cmd, out, &req) {
		return
	}
	if h.events == nil {
		out.fail(cmd.Type, errors.New("event log not configured"))
		return
	}

	events, hasMore, err := req.ReadEvents(h.events)
	if err != nil {
		out.fail(cmd.Type, fmt.Errorf("read event log: %w", err))
		return
	}
	out.success(cmd.Type, EventsResult{Events: events, HasMore: hasMore})
}

// handleTestWebhook sends a test notification in the background and reports
// the outcome to the client.
func (h *CommandHandler) handleTestWebhook(cmd WSCommand, out outbox) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("panic in test handler", "command", cmd.Type, "panic", r)
			}
		}()

		result := types.WSTestResult{
			Type:     "test_result",
			TestType: "webhook",
			Success:  true,
		}

		if err := h.testWebhook(); err != nil {
			h.logger.Error("test failed", "command", cmd.Type, "error", err)
			result.Success = false
			result.Error = err.Error()
		} else {
			h.logger.Info("test succeeded", "command", cmd.Type)
		}

		out.put(cmd.Type, result)
	}()
}

func (h *CommandHandler) testWebhook() error {
	if h.webhook == nil || !h.webhook.Configured() {
		return errors.New("webhook URL not configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	return h.webhook.SendTest(ctx)
}

// decodeAndValidate decodes JSON and validates the struct.
// Returns true if successful, false if an error response was already sent.
func decodeAndValidate[T any](cmd WSCommand, out outbox, data *T) bool {
	if err := json.Unmarshal(cmd.Data, data); err != nil {
		out.fail(cmd.Type, fmt.Errorf("invalid JSON: %w", err))
		return false
	}

	if err := validate.Struct(data); err != nil {
		out.invalid(cmd.Type, err)
		return false
	}

	return true
}
