package realtime

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"
)

// fakeService records client events and answers response.create with script.
type fakeService struct {
	t      *testing.T
	script []map[string]any
	hold   bool // never answer, to exercise cancellation

	mu       sync.Mutex
	received []map[string]any
	headers  http.Header
}

func (f *fakeService) handler(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	f.mu.Lock()
	f.headers = r.Header.Clone()
	f.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.t.Logf("upgrade failed: %v", err)
		return
	}
	defer func() { _ = conn.Close() }()

	for {
		var event map[string]any
		if err := conn.ReadJSON(&event); err != nil {
			return
		}
		f.mu.Lock()
		f.received = append(f.received, event)
		f.mu.Unlock()

		if event["type"] != eventResponseCreate || f.hold {
			continue
		}
		for _, reply := range f.script {
			if err := conn.WriteJSON(reply); err != nil {
				return
			}
		}
	}
}

func (f *fakeService) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.received))
	for _, e := range f.received {
		out = append(out, e["type"].(string))
	}
	return out
}

func startService(t *testing.T, f *fakeService) string {
	t.Helper()
	f.t = t
	srv := httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestClient(url string, cfg Config) *Client {
	cfg.URL = url
	tokens := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "sk-test", TokenType: "Bearer"})
	return New(cfg, tokens, nil)
}

func delta(pcm []byte) map[string]any {
	return map[string]any{"type": eventAudioDelta, "delta": base64.StdEncoding.EncodeToString(pcm)}
}

func TestReplyStreamsAudioAndCompletes(t *testing.T) {
	svc := &fakeService{script: []map[string]any{
		{"type": "response.created"},
		delta([]byte{1, 0, 2, 0}),
		{"type": "response.audio_transcript.delta", "delta": "Hel"},
		delta([]byte{3, 0}),
		{"type": eventResponseDone, "response": map[string]any{
			"id":     "resp_1",
			"status": "completed",
			"output": []any{
				map[string]any{"type": "message", "content": []any{
					map[string]any{"type": "audio", "transcript": "Hello there"},
				}},
				map[string]any{"type": "function_call", "name": "move_face", "call_id": "call_1", "arguments": `{"action":"blink"}`},
			},
		}},
	}}
	url := startService(t, svc)

	client := newTestClient(url, Config{
		Instructions: "Your name is Robot.",
		Tools:        []Tool{{Type: "function", Name: "move_face"}},
	})
	defer func() { _ = client.Close() }()

	var played bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	input := bytes.Repeat([]byte{7, 0}, appendChunkBytes) // two append events
	completion, err := client.Reply(ctx, input, func(pcm []byte) error {
		played.Write(pcm)
		return nil
	})
	if err != nil {
		t.Fatalf("Reply() error = %v", err)
	}

	if !bytes.Equal(played.Bytes(), []byte{1, 0, 2, 0, 3, 0}) {
		t.Errorf("played %v, want deltas in order", played.Bytes())
	}
	if completion.Transcript != "Hello there" {
		t.Errorf("Transcript = %q", completion.Transcript)
	}
	if completion.ResponseID != "resp_1" || completion.AudioBytes != 6 {
		t.Errorf("completion = %+v", completion)
	}
	if len(completion.FunctionCalls) != 1 || completion.FunctionCalls[0].CallID != "call_1" {
		t.Fatalf("FunctionCalls = %+v", completion.FunctionCalls)
	}

	wantTypes := []string{eventSessionUpdate, eventAudioAppend, eventAudioAppend, eventAudioCommit, eventResponseCreate}
	if got := svc.types(); strings.Join(got, ",") != strings.Join(wantTypes, ",") {
		t.Errorf("client events = %v, want %v", got, wantTypes)
	}

	svc.mu.Lock()
	session := svc.received[0]["session"].(map[string]any)
	auth := svc.headers.Get("Authorization")
	beta := svc.headers.Get("OpenAI-Beta")
	svc.mu.Unlock()

	if session["voice"] != DefaultVoice || session["instructions"] != "Your name is Robot." {
		t.Errorf("session.update = %v", session)
	}
	if td := session["turn_detection"].(map[string]any); td["type"] != DefaultTurnDetection {
		t.Errorf("turn_detection = %v", td)
	}
	if auth != "Bearer sk-test" || beta != "realtime=v1" {
		t.Errorf("handshake headers Authorization=%q OpenAI-Beta=%q", auth, beta)
	}
}

func TestReplyServiceError(t *testing.T) {
	svc := &fakeService{script: []map[string]any{
		{"type": eventError, "error": map[string]any{"type": "invalid_request_error", "code": "input_audio_buffer_commit_empty", "message": "buffer too small"}},
		{"type": eventError, "error": map[string]any{"type": "server_error", "code": "boom", "message": "try later"}},
	}}
	client := newTestClient(startService(t, svc), Config{})
	defer func() { _ = client.Close() }()

	_, err := client.Reply(context.Background(), []byte{0, 0}, nil)
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("Reply() error = %v, want *ServiceError", err)
	}
	if svcErr.Code != "boom" {
		t.Errorf("Code = %q, want the first non-benign error", svcErr.Code)
	}
}

func TestReplyFailedResponse(t *testing.T) {
	svc := &fakeService{script: []map[string]any{
		{"type": eventResponseDone, "response": map[string]any{
			"status": "failed",
			"status_details": map[string]any{
				"type":  "failed",
				"error": map[string]any{"type": "server_error", "message": "overloaded"},
			},
		}},
	}}
	client := newTestClient(startService(t, svc), Config{})
	defer func() { _ = client.Close() }()

	_, err := client.Reply(context.Background(), []byte{0, 0}, nil)
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) || svcErr.Message != "overloaded" {
		t.Fatalf("Reply() error = %v, want overloaded service error", err)
	}
}

func TestReplyAudioCallbackError(t *testing.T) {
	svc := &fakeService{script: []map[string]any{
		delta([]byte{1, 0}),
		{"type": eventResponseDone, "response": map[string]any{"status": "completed"}},
	}}
	client := newTestClient(startService(t, svc), Config{})
	defer func() { _ = client.Close() }()

	sinkErr := errors.New("device gone")
	_, err := client.Reply(context.Background(), []byte{0, 0}, func([]byte) error { return sinkErr })
	if !errors.Is(err, sinkErr) {
		t.Fatalf("Reply() error = %v, want %v", err, sinkErr)
	}
}

func TestReplyHonoursContext(t *testing.T) {
	svc := &fakeService{hold: true}
	client := newTestClient(startService(t, svc), Config{ReadTimeout: time.Minute})
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Reply(ctx, []byte{0, 0}, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Reply() error = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Reply() took %v to notice cancellation", elapsed)
	}
}

func TestReplyReadTimeout(t *testing.T) {
	svc := &fakeService{hold: true}
	client := newTestClient(startService(t, svc), Config{ReadTimeout: 50 * time.Millisecond})
	defer func() { _ = client.Close() }()

	if _, err := client.Reply(context.Background(), []byte{0, 0}, nil); err == nil {
		t.Fatal("Reply() returned nil error after read timeout")
	}
}

func TestAcknowledgeAndReconnect(t *testing.T) {
	svc := &fakeService{}
	client := newTestClient(startService(t, svc), Config{})
	defer func() { _ = client.Close() }()

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := client.Acknowledge(ctx, map[string]string{"call_1": "ok"}); err != nil {
		t.Fatalf("Acknowledge() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(svc.types()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("acknowledgement never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}
	svc.mu.Lock()
	item := svc.received[0]["item"].(map[string]any)
	svc.mu.Unlock()
	if item["type"] != "function_call_output" || item["call_id"] != "call_1" || item["output"] != "ok" {
		t.Errorf("item = %v", item)
	}

	client.Disconnect()
	if client.Connected() {
		t.Fatal("Connected() after Disconnect")
	}
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("reconnect error = %v", err)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := client.Connect(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Connect() after Close error = %v, want ErrNotConnected", err)
	}
}

func TestSessionUpdateWithoutTurnDetection(t *testing.T) {
	client := New(Config{TurnDetection: "none"}, nil, nil)
	data, err := json.Marshal(client.sessionUpdate())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"turn_detection":null`) {
		t.Errorf("session.update = %s, want null turn_detection", data)
	}
}

func TestEndpoint(t *testing.T) {
	client := New(Config{URL: "https://example.com/v1/realtime", Model: "m1"}, nil, nil)
	got, err := client.endpoint()
	if err != nil {
		t.Fatal(err)
	}
	if got != "wss://example.com/v1/realtime?model=m1" {
		t.Errorf("endpoint() = %q", got)
	}
}
