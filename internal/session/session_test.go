package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/jimmingcheng/pi-robot/internal/audio"
	"github.com/jimmingcheng/pi-robot/internal/body"
	"github.com/jimmingcheng/pi-robot/internal/eventlog"
	"github.com/jimmingcheng/pi-robot/internal/notify"
	"github.com/jimmingcheng/pi-robot/internal/realtime"
	"github.com/jimmingcheng/pi-robot/internal/types"
)

const testRate = 24000

// chunkOf returns a 100ms chunk with every sample set to amplitude.
func chunkOf(amplitude int16) audio.Chunk {
	samples := make([]int16, testRate/10)
	for i := range samples {
		samples[i] = amplitude
	}
	return audio.Chunk{Data: audio.SamplesToBytes(samples), SampleRate: testRate}
}

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(name string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

type fakeClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeSource struct {
	chunks chan audio.Chunk
	errs   chan error
	done   chan struct{}
	once   sync.Once
	rec    *recorder
}

func newFakeSource(rec *recorder) *fakeSource {
	return &fakeSource{
		chunks: make(chan audio.Chunk, 32),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
		rec:    rec,
	}
}

func (f *fakeSource) Read() (audio.Chunk, error) {
	select {
	case c := <-f.chunks:
		return c, nil
	case err := <-f.errs:
		return audio.Chunk{}, err
	case <-f.done:
		return audio.Chunk{}, audio.ErrStreamClosed
	}
}

func (f *fakeSource) Close() error {
	f.once.Do(func() { close(f.done) })
	f.rec.add("source")
	return nil
}

type fakeSink struct {
	mu      sync.Mutex
	written [][]byte
	flushes int
	rate    int
	rec     *recorder
}

func (f *fakeSink) SampleRate() int {
	if f.rate == 0 {
		return testRate
	}
	return f.rate
}

func (f *fakeSink) Write(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, pcm)
	return nil
}

func (f *fakeSink) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

func (f *fakeSink) Close() error {
	f.rec.add("sink")
	return nil
}

type fakeReplier struct {
	mu          sync.Mutex
	inputs      [][]byte
	deltas      [][]byte
	completion  realtime.Completion
	err         error
	acks        []map[string]string
	disconnects int
	connected   bool
	replied     chan struct{}
	rec         *recorder
}

func newFakeReplier(rec *recorder) *fakeReplier {
	return &fakeReplier{replied: make(chan struct{}, 8), rec: rec}
}

func (f *fakeReplier) Reply(_ context.Context, pcm []byte, onAudio realtime.AudioFunc) (realtime.Completion, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, pcm)
	deltas, completion, err := f.deltas, f.completion, f.err
	f.connected = true
	f.mu.Unlock()
	defer func() { f.replied <- struct{}{} }()

	if err != nil {
		return realtime.Completion{}, err
	}
	for _, d := range deltas {
		if err := onAudio(d); err != nil {
			return realtime.Completion{}, err
		}
	}
	return completion, nil
}

func (f *fakeReplier) Acknowledge(_ context.Context, outputs map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, outputs)
	return nil
}

func (f *fakeReplier) InputRate() int { return testRate }

func (f *fakeReplier) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeReplier) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
}

func (f *fakeReplier) Close() error {
	f.rec.add("replier")
	return nil
}

type fakeIndicator struct {
	mu     sync.Mutex
	levels []float64
}

func (f *fakeIndicator) Set(level float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.levels = append(f.levels, level)
}

type fakeBody struct {
	mu       sync.Mutex
	commands []body.Command
	rec      *recorder
}

func (f *fakeBody) Dispatch(cmd body.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakeBody) Close() error {
	f.rec.add("body")
	return nil
}

type fakeArchive struct {
	mu    sync.Mutex
	saved []audio.Utterance
}

func (f *fakeArchive) Save(u audio.Utterance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, u)
	return nil
}

type fakeTranscriber struct {
	text string
}

func (f *fakeTranscriber) Transcribe(context.Context, audio.Utterance) (string, error) {
	return f.text, nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	replies []notify.Reply
}

func (f *fakeNotifier) SendReply(_ context.Context, r notify.Reply) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, r)
	return nil
}

type harness struct {
	session   *Session
	clock     *fakeClock
	source    *fakeSource
	sink      *fakeSink
	replier   *fakeReplier
	indicator *fakeIndicator
	body      *fakeBody
	archive   *fakeArchive
	notifier  *fakeNotifier
	rec       *recorder
}

func newHarness(t *testing.T, step time.Duration) *harness {
	t.Helper()
	rec := &recorder{}
	h := &harness{
		clock:     &fakeClock{t: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC), step: step},
		source:    newFakeSource(rec),
		sink:      &fakeSink{rec: rec},
		replier:   newFakeReplier(rec),
		indicator: &fakeIndicator{},
		body:      &fakeBody{rec: rec},
		archive:   &fakeArchive{},
		notifier:  &fakeNotifier{},
		rec:       rec,
	}

	s, err := New(Config{
		Detector: audio.DetectorConfig{
			SilenceThreshold:  500,
			SilenceDuration:   300 * time.Millisecond,
			MinSpeechDuration: 500 * time.Millisecond,
		},
		MaxVolume:      3000,
		TranscriptWait: time.Second,
	}, Deps{
		Source:      h.source,
		Sink:        h.sink,
		Replier:     h.replier,
		Indicator:   h.indicator,
		Body:        h.body,
		Archive:     h.archive,
		Transcriber: &fakeTranscriber{text: "hello robot"},
		Notifier:    h.notifier,
		Logger:      slog.New(slog.DiscardHandler),
		Now:         h.clock.Now,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.session = s
	t.Cleanup(func() { _ = s.Close() })
	return h
}

// speak feeds a completed utterance through handleChunk with the clock
// advanced 100ms per chunk. It returns the bytes fed.
func (h *harness) speak(t *testing.T, loud, quiet int) []byte {
	t.Helper()
	if h.session.chunks == nil {
		h.session.chunks = make(chan audio.Chunk, h.session.cfg.QueueSize)
	}
	var fed bytes.Buffer
	for i := range loud + quiet {
		c := chunkOf(0)
		if i < loud {
			c = chunkOf(3000)
		}
		fed.Write(c.Data)
		h.clock.Advance(100 * time.Millisecond)
		h.session.handleChunk(context.Background(), c)
	}
	return fed.Bytes()
}

func TestNewRequiresDependencies(t *testing.T) {
	rec := &recorder{}
	tests := []struct {
		name string
		deps Deps
	}{
		{"source", Deps{Sink: &fakeSink{}, Replier: newFakeReplier(rec)}},
		{"sink", Deps{Source: newFakeSource(rec), Replier: newFakeReplier(rec)}},
		{"replier", Deps{Source: newFakeSource(rec), Sink: &fakeSink{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(Config{}, tt.deps); !errors.Is(err, ErrMissingDependency) {
				t.Errorf("New() error = %v, want ErrMissingDependency", err)
			}
		})
	}
}

func TestReplyCycle(t *testing.T) {
	h := newHarness(t, 0)
	delta := chunkOf(3000).Data
	h.replier.deltas = [][]byte{delta, delta}
	h.replier.completion = realtime.Completion{
		ResponseID: "resp_1",
		Transcript: "Hi there!",
		FunctionCalls: []realtime.FunctionCall{
			{Name: body.ToolName, CallID: "call_1", Arguments: `{"action":"blink","repeat":2}`},
			{Name: "launch_rocket", CallID: "call_2", Arguments: `{}`},
		},
		AudioBytes: 2 * len(delta),
	}

	fed := h.speak(t, 3, 4)

	if len(h.replier.inputs) != 1 {
		t.Fatalf("Reply called %d times, want 1", len(h.replier.inputs))
	}
	if !bytes.Equal(h.replier.inputs[0], fed) {
		t.Errorf("Reply input = %d bytes, want the %d bytes fed", len(h.replier.inputs[0]), len(fed))
	}
	if len(h.sink.written) != 2 || h.sink.flushes != 1 {
		t.Errorf("sink writes = %d flushes = %d, want 2 and 1", len(h.sink.written), h.sink.flushes)
	}
	if want := []float64{1, 0, 1, 0, 0}; !slices.Equal(h.indicator.levels, want) {
		t.Errorf("indicator levels = %v, want %v", h.indicator.levels, want)
	}
	if len(h.body.commands) != 1 || h.body.commands[0] != (body.Command{Kind: body.Blink, Repeat: 2}) {
		t.Errorf("body commands = %v, want [blink x2]", h.body.commands)
	}
	if len(h.replier.acks) != 1 {
		t.Fatalf("Acknowledge called %d times, want 1", len(h.replier.acks))
	}
	ack := h.replier.acks[0]
	if ack["call_1"] != "ok" || ack["call_2"] == "ok" || ack["call_2"] == "" {
		t.Errorf("acknowledged outputs = %v", ack)
	}
	if len(h.archive.saved) != 1 || !bytes.Equal(h.archive.saved[0].Audio, fed) {
		t.Errorf("archived %d utterances, want the fed audio once", len(h.archive.saved))
	}
	if got := h.session.detector.Len(); got != 0 {
		t.Errorf("detector holds %d chunks after reply, want 0", got)
	}

	status := h.session.Status()
	if status.Utterances != 1 || status.Replies != 1 || status.LastTranscript != "Hi there!" || !status.Connected {
		t.Errorf("status = %+v", status)
	}
	if status.State != types.StateStopped && status.State != types.StateListening {
		t.Errorf("status.State = %q after reply", status.State)
	}
	if status.DetectorState != string(audio.StateIdle) && status.DetectorState != string(audio.StateTrailingSilence) {
		t.Errorf("status.DetectorState = %q", status.DetectorState)
	}
}

func TestReplyResampledToSpeakerRate(t *testing.T) {
	h := newHarness(t, 0)
	h.sink.rate = 2 * testRate
	delta := chunkOf(3000).Data
	h.replier.deltas = [][]byte{delta}

	h.speak(t, 3, 4)

	if len(h.sink.written) != 1 {
		t.Fatalf("sink writes = %d, want 1", len(h.sink.written))
	}
	played := audio.BytesToSamples(h.sink.written[0])
	// Twice the delta's sample count.
	if want := len(delta); len(played) != want {
		t.Errorf("played %d samples, want %d", len(played), want)
	}
	for i, v := range played {
		if v < 2990 || v > 3010 {
			t.Fatalf("sample %d = %d, want about 3000", i, v)
		}
	}
	if want := []float64{1, 0, 0}; !slices.Equal(h.indicator.levels, want) {
		t.Errorf("indicator levels = %v, want %v", h.indicator.levels, want)
	}
}

func TestReplyNotifiesWithTranscript(t *testing.T) {
	h := newHarness(t, 0)
	h.replier.completion = realtime.Completion{Transcript: "Hello human."}

	h.speak(t, 3, 4)
	if err := h.session.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if len(h.notifier.replies) != 1 {
		t.Fatalf("notifier got %d replies, want 1", len(h.notifier.replies))
	}
	r := h.notifier.replies[0]
	if r.UserTranscript != "hello robot" || r.ReplyTranscript != "Hello human." || r.Err != nil {
		t.Errorf("notified reply = %+v", r)
	}
	if got := h.session.Status().LastUserTranscript; got != "hello robot" {
		t.Errorf("LastUserTranscript = %q", got)
	}
}

func TestDiscardedUtterances(t *testing.T) {
	h := newHarness(t, 0)

	// A single loud chunk followed by silence ends before the minimum
	// speech duration has elapsed.
	h.speak(t, 1, 4)
	// Pure silence.
	h.speak(t, 0, 5)

	if len(h.replier.inputs) != 0 {
		t.Fatalf("Reply called %d times, want 0", len(h.replier.inputs))
	}
	status := h.session.Status()
	if status.Discarded != 1 || status.Utterances != 0 {
		t.Errorf("discarded = %d utterances = %d, want 1 and 0", status.Discarded, status.Utterances)
	}
	if len(h.archive.saved) != 0 {
		t.Errorf("archived %d utterances, want 0", len(h.archive.saved))
	}
}

func TestSilenceRunsLoggedAtMostOncePerInterval(t *testing.T) {
	h := newHarness(t, 0)
	fs := afero.NewMemMapFs()
	events, err := eventlog.NewLogger(fs, "events.jsonl")
	if err != nil {
		t.Fatal(err)
	}
	h.session.deps.Events = events

	// Each run of four silent chunks is one silence verdict.
	h.speak(t, 0, 4)
	h.speak(t, 0, 8)
	h.clock.Advance(silenceEventInterval)
	h.speak(t, 0, 4)

	logged, _, err := eventlog.ReadLast(fs, "events.jsonl", 10, 0, eventlog.FilterUtterance)
	if err != nil {
		t.Fatal(err)
	}
	if len(logged) != 2 {
		t.Fatalf("logged %d silence events, want 2", len(logged))
	}
	// Details decode as a generic map.
	counts := []any{}
	for _, e := range logged {
		details, _ := e.Details.(map[string]any)
		if e.Type != eventlog.UtteranceDiscarded || details["verdict"] != "silence" {
			t.Errorf("event = %+v", e)
		}
		counts = append(counts, details["count"])
	}
	if want := []any{3.0, 1.0}; !slices.Equal(counts, want) {
		t.Errorf("silence counts = %v, want %v", counts, want)
	}
}

func TestReplyFailureBacksOff(t *testing.T) {
	h := newHarness(t, 0)
	h.replier.err = errors.New("connection reset")

	h.speak(t, 3, 4)

	status := h.session.Status()
	if status.ReplyErrors != 1 || status.LastError != "connection reset" || status.RetryIn != "1s" || status.Connected {
		t.Errorf("status = %+v", status)
	}
	if h.replier.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", h.replier.disconnects)
	}
	if got := h.session.detector.Len(); got != 0 {
		t.Errorf("detector holds %d chunks after failed reply, want 0", got)
	}
	if want := []float64{0}; !slices.Equal(h.indicator.levels, want) {
		t.Errorf("indicator levels = %v, want %v", h.indicator.levels, want)
	}

	// The second failure doubles the delay once the first has elapsed.
	h.clock.Advance(2 * time.Second)
	h.speak(t, 3, 4)
	if got := h.session.Status().RetryIn; got != "2s" {
		t.Errorf("RetryIn = %q, want 2s", got)
	}

	// Success resets the backoff.
	h.clock.Advance(3 * time.Second)
	h.replier.err = nil
	h.speak(t, 3, 4)
	if got := h.session.backoff.Current(); got != types.InitialRetryDelay {
		t.Errorf("backoff = %v after success, want %v", got, types.InitialRetryDelay)
	}
	if got := h.session.Status(); got.Replies != 1 || got.LastError != "" || got.RetryIn != "" {
		t.Errorf("status after recovery = %+v", got)
	}
}

func TestQueuedChunksDrainedAfterReply(t *testing.T) {
	h := newHarness(t, 0)
	h.session.chunks = make(chan audio.Chunk, 8)
	for range 5 {
		h.session.chunks <- chunkOf(3000)
	}

	h.speak(t, 3, 4)

	if n := len(h.session.chunks); n != 0 {
		t.Errorf("%d chunks still queued after reply, want 0", n)
	}
}

func TestRun(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond)
	h.replier.completion = realtime.Completion{Transcript: "ok"}

	for range 3 {
		h.source.chunks <- chunkOf(3000)
	}
	for range 5 {
		h.source.chunks <- chunkOf(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.session.Run(ctx) }()

	select {
	case <-h.replier.replied:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if err := h.session.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if got := h.session.Status().State; got != types.StateStopped {
		t.Errorf("State = %q after Run, want stopped", got)
	}
}

func TestRunReturnsSourceError(t *testing.T) {
	h := newHarness(t, 0)
	h.source.errs <- io.ErrUnexpectedEOF

	err := h.session.Run(context.Background())
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Run() error = %v, want ErrUnexpectedEOF", err)
	}
}

func TestRunToleratesOverflow(t *testing.T) {
	h := newHarness(t, 0)
	h.source.errs <- audio.ErrOverflow

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := h.session.Run(ctx); err != nil {
		t.Errorf("Run() error = %v, want nil", err)
	}
}

func TestCloseOrder(t *testing.T) {
	h := newHarness(t, 0)

	if err := h.session.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := h.session.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	want := []string{"source", "sink", "replier", "body"}
	if got := h.rec.snapshot(); !slices.Equal(got, want) {
		t.Errorf("close order = %v, want %v", got, want)
	}
}
