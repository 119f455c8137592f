// Package realtime is a websocket client for an OpenAI-realtime-style
// speech-to-speech service. It implements only the events needed to send one
// utterance and stream back one spoken reply.
package realtime

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"
)

// Service defaults.
const (
	DefaultURL           = "wss://api.openai.com/v1/realtime"
	DefaultModel         = "gpt-4o-mini-realtime-preview"
	DefaultVoice         = "sage"
	DefaultTurnDetection = "server_vad"
	DefaultReadTimeout   = 30 * time.Second
	// InputRate is the PCM16 rate the service expects and returns.
	InputRate = 24000

	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	// appendChunkBytes caps the raw audio carried by one append event.
	appendChunkBytes = 128 * 1024
)

// ErrNotConnected is returned when the client has been closed.
var ErrNotConnected = errors.New("realtime client not connected")

// Config holds the session settings sent with every reply.
type Config struct {
	URL           string
	Model         string
	Instructions  string
	Voice         string
	TurnDetection string // "none" disables server-side turn detection
	Tools         []Tool
	ReadTimeout   time.Duration
}

// AudioFunc receives one reply audio delta as PCM16 at InputRate.
type AudioFunc func(pcm []byte) error

// Client holds one websocket connection to the service. Replies are strictly
// sequential; Reply must not be called concurrently.
type Client struct {
	cfg    Config
	tokens oauth2.TokenSource
	dialer *websocket.Dialer
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// New creates a client. The connection is opened lazily by Connect or Reply.
func New(cfg Config, tokens oauth2.TokenSource, logger *slog.Logger) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Voice == "" {
		cfg.Voice = DefaultVoice
	}
	if cfg.TurnDetection == "" {
		cfg.TurnDetection = DefaultTurnDetection
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		tokens: tokens,
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		logger: logger.With("component", "realtime"),
	}
}

// InputRate returns the sample rate Reply expects.
func (c *Client) InputRate() int {
	return InputRate
}

// Connected reports whether a connection is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect opens the websocket if it is not already open.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.connection(ctx)
	return err
}

func (c *Client) connection(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrNotConnected
	}
	if c.conn != nil {
		return c.conn, nil
	}

	endpoint, err := c.endpoint()
	if err != nil {
		return nil, err
	}
	header, err := authHeader(c.tokens)
	if err != nil {
		return nil, fmt.Errorf("fetch token: %w", err)
	}

	conn, resp, err := c.dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.logger.Info("connected", "url", c.cfg.URL, "model", c.cfg.Model)
	c.conn = conn
	return conn, nil
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("model", c.cfg.Model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Reply sends one utterance and streams the spoken answer to onAudio in
// arrival order. It returns at the first response.done event. Any error
// leaves the connection in an unknown state; callers should Disconnect.
func (c *Client) Reply(ctx context.Context, pcm []byte, onAudio AudioFunc) (Completion, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return Completion{}, err
	}

	if err := c.send(conn, c.sessionUpdate()); err != nil {
		return Completion{}, err
	}
	for start := 0; start < len(pcm); start += appendChunkBytes {
		end := min(start+appendChunkBytes, len(pcm))
		if err := c.send(conn, audioAppendEvent{
			Type:  eventAudioAppend,
			Audio: base64.StdEncoding.EncodeToString(pcm[start:end]),
		}); err != nil {
			return Completion{}, err
		}
	}
	if err := c.send(conn, simpleEvent{Type: eventAudioCommit}); err != nil {
		return Completion{}, err
	}
	if err := c.send(conn, simpleEvent{Type: eventResponseCreate}); err != nil {
		return Completion{}, err
	}

	return c.receive(ctx, conn, onAudio)
}

func (c *Client) receive(ctx context.Context, conn *websocket.Conn, onAudio AudioFunc) (Completion, error) {
	// Unblock the pending read when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	audioBytes := 0
	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
			return Completion{}, fmt.Errorf("set read deadline: %w", err)
		}
		if ctx.Err() != nil {
			return Completion{}, ctx.Err()
		}

		var event serverEvent
		if err := conn.ReadJSON(&event); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Completion{}, ctxErr
			}
			return Completion{}, fmt.Errorf("read event: %w", err)
		}

		switch event.Type {
		case eventAudioDelta, eventOutputAudioDelta:
			pcm, err := base64.StdEncoding.DecodeString(event.Delta)
			if err != nil {
				return Completion{}, fmt.Errorf("decode audio delta: %w", err)
			}
			audioBytes += len(pcm)
			if onAudio != nil {
				if err := onAudio(pcm); err != nil {
					return Completion{}, err
				}
			}

		case eventResponseDone:
			if event.Response == nil {
				return Completion{AudioBytes: audioBytes}, nil
			}
			if d := event.Response.StatusDetails; event.Response.Status == "failed" && d != nil && d.Error != nil {
				return Completion{}, d.Error
			}
			completion := event.Response.completion()
			completion.AudioBytes = audioBytes
			return completion, nil

		case eventError:
			if event.Error == nil {
				return Completion{}, &ServiceError{Type: "unknown", EventID: event.EventID}
			}
			if benignErrorCodes[event.Error.Code] {
				c.logger.Debug("ignoring service error", "code", event.Error.Code, "message", event.Error.Message)
				continue
			}
			return Completion{}, event.Error

		default:
			c.logger.Debug("ignoring event", "type", event.Type)
		}
	}
}

// Acknowledge reports the outcome of function calls back to the service.
// outputs maps call IDs to the text returned to the model.
func (c *Client) Acknowledge(ctx context.Context, outputs map[string]string) error {
	if len(outputs) == 0 {
		return nil
	}
	conn, err := c.connection(ctx)
	if err != nil {
		return err
	}
	for callID, output := range outputs {
		if err := c.send(conn, conversationItemEvent{
			Type: eventConversationCreate,
			Item: functionOutputItem{Type: "function_call_output", CallID: callID, Output: output},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) sessionUpdate() sessionUpdateEvent {
	var td *turnDetection
	if c.cfg.TurnDetection != "none" {
		td = &turnDetection{Type: c.cfg.TurnDetection}
	}
	session := sessionConfig{
		Modalities:        []string{"audio", "text"},
		Instructions:      c.cfg.Instructions,
		Voice:             c.cfg.Voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     td,
		Tools:             c.cfg.Tools,
	}
	if len(session.Tools) > 0 {
		session.ToolChoice = "auto"
	}
	return sessionUpdateEvent{Type: eventSessionUpdate, Session: session}
}

func (c *Client) send(conn *websocket.Conn, event any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteJSON(event); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Disconnect drops the current connection. The next call reconnects.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeConnLocked()
}

// Close closes the connection. The client cannot be reused.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.closeConnLocked()
}

func (c *Client) closeConnLocked() error {
	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("close connection: %w", err)
	}
	c.logger.Info("disconnected")
	return nil
}
