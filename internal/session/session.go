// Package session runs the duplex voice loop: it reads the microphone, feeds
// the utterance detector, and when an utterance completes sends it to the
// remote reply service while the reply is played and mirrored on the mouth
// indicator.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jimmingcheng/pi-robot/internal/audio"
	"github.com/jimmingcheng/pi-robot/internal/body"
	"github.com/jimmingcheng/pi-robot/internal/eventlog"
	"github.com/jimmingcheng/pi-robot/internal/metrics"
	"github.com/jimmingcheng/pi-robot/internal/notify"
	"github.com/jimmingcheng/pi-robot/internal/realtime"
	"github.com/jimmingcheng/pi-robot/internal/types"
	"github.com/jimmingcheng/pi-robot/internal/util"
)

// Defaults.
const (
	DefaultQueueSize      = 64
	DefaultReplyTimeout   = 2 * time.Minute
	DefaultTranscriptWait = 30 * time.Second
	notifyTimeout         = 15 * time.Second
	acknowledgeTimeout    = 10 * time.Second

	// silenceEventInterval limits silence entries in the event log.
	silenceEventInterval = time.Minute
)

// ErrMissingDependency is returned by New when a required collaborator is nil.
var ErrMissingDependency = errors.New("missing session dependency")

// Source delivers microphone chunks. Read blocks until a chunk is available.
type Source interface {
	Read() (audio.Chunk, error)
	Close() error
}

// Sink plays PCM16 audio at its own sample rate. Write blocks until accepted.
type Sink interface {
	Write(pcm []byte) error
	SampleRate() int
	Close() error
}

// flusher is implemented by sinks that buffer a partial period.
type flusher interface {
	Flush() error
}

// Replier sends one utterance and streams the spoken answer back.
type Replier interface {
	Reply(ctx context.Context, pcm []byte, onAudio realtime.AudioFunc) (realtime.Completion, error)
	Acknowledge(ctx context.Context, outputs map[string]string) error
	InputRate() int
	Connected() bool
	Disconnect()
	Close() error
}

// Indicator shows a brightness level. Set must not block.
type Indicator interface {
	Set(level float64)
}

// Body executes physical commands asynchronously.
type Body interface {
	Dispatch(cmd body.Command) error
	Close() error
}

// Archiver keeps a copy of completed utterances. Save must not block.
type Archiver interface {
	Save(u audio.Utterance) error
}

// Transcriber produces a local transcript of an utterance.
type Transcriber interface {
	Transcribe(ctx context.Context, u audio.Utterance) (string, error)
}

// Notifier reports finished replies.
type Notifier interface {
	SendReply(ctx context.Context, r notify.Reply) error
}

// Config holds the session parameters.
type Config struct {
	Detector       audio.DetectorConfig
	MaxVolume      float64
	QueueSize      int
	ReplyTimeout   time.Duration
	TranscriptWait time.Duration // how long a webhook waits for the local transcript
	RetryInitial   time.Duration
	RetryMax       time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = DefaultReplyTimeout
	}
	if c.TranscriptWait <= 0 {
		c.TranscriptWait = DefaultTranscriptWait
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = types.InitialRetryDelay
	}
	if c.RetryMax <= 0 {
		c.RetryMax = types.MaxRetryDelay
	}
	return c
}

// Deps are the collaborators of a session. Source, Sink and Replier are
// required; the rest are optional.
type Deps struct {
	Source      Source
	Sink        Sink
	Replier     Replier
	Indicator   Indicator
	Body        Body
	Archive     Archiver
	Transcriber Transcriber
	Notifier    Notifier
	Events      *eventlog.Logger
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

// Session owns the detector and drives one read-detect-reply-reset loop.
type Session struct {
	cfg  Config
	deps Deps

	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	detector *audio.Detector
	mapper   audio.VolumeMapper
	peaks    *audio.PeakHolder
	backoff  *util.Backoff

	// Session goroutine only.
	chunks          chan audio.Chunk
	retryAt         time.Time
	silenceRuns     int
	silenceLoggedAt time.Time

	readerWg sync.WaitGroup
	async    sync.WaitGroup
	readErr  chan error

	mu     sync.Mutex
	status types.SessionStatus
	start  time.Time

	closeOnce sync.Once
	closeErr  error
}

// New validates deps and creates a session.
func New(cfg Config, deps Deps) (*Session, error) {
	switch {
	case deps.Source == nil:
		return nil, fmt.Errorf("%w: source", ErrMissingDependency)
	case deps.Sink == nil:
		return nil, fmt.Errorf("%w: sink", ErrMissingDependency)
	case deps.Replier == nil:
		return nil, fmt.Errorf("%w: replier", ErrMissingDependency)
	}

	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Session{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.With("component", "session"),
		metrics:  deps.Metrics,
		now:      deps.Now,
		detector: audio.NewDetector(cfg.Detector),
		mapper:   audio.VolumeMapper{MaxVolume: cfg.MaxVolume},
		peaks:    audio.NewPeakHolder(),
		backoff:  util.NewBackoff(cfg.RetryInitial, cfg.RetryMax),
		readErr:  make(chan error, 1),
		status: types.SessionStatus{
			State:         types.StateStopped,
			DetectorState: string(audio.StateIdle),
		},
	}, nil
}

// Run reads and processes chunks until ctx is cancelled or the source fails.
// It returns nil on cancellation. Run must be called at most once.
func (s *Session) Run(ctx context.Context) error {
	s.chunks = make(chan audio.Chunk, s.cfg.QueueSize)

	s.mu.Lock()
	s.start = s.now()
	s.status.State = types.StateListening
	s.mu.Unlock()

	detector := s.detector.Config()
	s.logger.Info("session started",
		"silence_threshold", detector.SilenceThreshold,
		"silence_duration", detector.SilenceDuration,
		"min_speech_duration", detector.MinSpeechDuration)
	_ = s.deps.Events.LogSession(eventlog.SessionStarted, "listening")

	s.readerWg.Go(func() { s.readLoop(ctx) })

	defer func() {
		s.setState(types.StateStopped)
		_ = s.deps.Events.LogSession(eventlog.SessionStopped, "")
		s.logger.Info("session stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-s.readErr:
			return fmt.Errorf("read microphone: %w", err)
		case chunk := <-s.chunks:
			s.handleChunk(ctx, chunk)
		}
	}
}

// readLoop blocks on the source and forwards chunks to the session goroutine.
// Chunks that arrive while the queue is full are dropped; they would be
// drained after the reply anyway.
func (s *Session) readLoop(ctx context.Context) {
	for {
		chunk, err := s.deps.Source.Read()
		switch {
		case err == nil:
		case errors.Is(err, audio.ErrOverflow):
			s.metrics.CaptureOverflows.Inc()
			s.logger.Warn("microphone input overflowed", "error", err)
		case ctx.Err() != nil || errors.Is(err, audio.ErrStreamClosed):
			return
		default:
			s.readErr <- err
			return
		}
		if len(chunk.Data) == 0 {
			continue
		}
		s.metrics.ChunksCaptured.Inc()

		select {
		case s.chunks <- chunk:
		case <-ctx.Done():
			return
		default:
			s.metrics.ChunksDrained.Inc()
		}
	}
}

// handleChunk meters one chunk, feeds the detector and acts on its verdict.
func (s *Session) handleChunk(ctx context.Context, chunk audio.Chunk) {
	now := s.now()
	levels := audio.MeasureLevels(chunk.Data)
	s.detector.Ingest(chunk, levels.RMS, now)
	s.updateLevels(levels, now)

	verdict := s.detector.Check(now)
	switch verdict {
	case audio.VerdictPending:
		return
	case audio.VerdictSilence:
		s.metrics.Utterances.WithLabelValues(verdict.String()).Inc()
		s.logger.Debug("discarded silence")
		s.silenceRuns++
		if now.Sub(s.silenceLoggedAt) >= silenceEventInterval {
			_ = s.deps.Events.LogUtterance(eventlog.UtteranceDiscarded, eventlog.UtteranceDetails{
				Verdict: verdict.String(),
				Count:   s.silenceRuns,
			})
			s.silenceRuns = 0
			s.silenceLoggedAt = now
		}
	case audio.VerdictTooShort:
		s.metrics.Utterances.WithLabelValues(verdict.String()).Inc()
		s.logger.Debug("discarded short utterance")
		_ = s.deps.Events.LogUtterance(eventlog.UtteranceDiscarded, eventlog.UtteranceDetails{Verdict: verdict.String()})
		s.mu.Lock()
		s.status.Discarded++
		s.mu.Unlock()
	case audio.VerdictComplete:
		s.metrics.Utterances.WithLabelValues(verdict.String()).Inc()
		u := audio.NewUtterance(s.detector.Audio(), chunk.SampleRate, now)
		s.respond(ctx, u)
		s.detector.Reset()
		s.drain()
	}
}

// respond runs one reply cycle for u. Errors are logged and recorded; the
// session keeps listening.
func (s *Session) respond(ctx context.Context, u audio.Utterance) {
	log := s.logger.With("utterance_id", u.ShortID())
	log.Info("utterance complete", "duration", u.Duration)
	s.metrics.UtteranceDuration.Observe(u.Duration.Seconds())
	_ = s.deps.Events.LogUtterance(eventlog.UtteranceCompleted, eventlog.UtteranceDetails{
		UtteranceID: u.ID,
		Verdict:     audio.VerdictComplete.String(),
		DurationMs:  u.Duration.Milliseconds(),
		Bytes:       len(u.Audio),
	})

	s.mu.Lock()
	s.status.State = types.StateReplying
	s.status.Utterances++
	s.status.LastUtteranceID = u.ID
	s.mu.Unlock()
	defer s.setState(types.StateListening)

	if s.deps.Archive != nil {
		if err := s.deps.Archive.Save(u); err != nil {
			log.Warn("failed to archive utterance", "error", err)
		}
	}
	transcript := s.transcribe(ctx, u)

	if err := s.waitRetry(ctx); err != nil {
		return
	}

	start := s.now()
	completion, err := s.reply(ctx, u)
	elapsed := s.now().Sub(start)
	if err != nil {
		if ctx.Err() != nil {
			log.Debug("reply interrupted by shutdown", "error", err)
			return
		}
		s.replyFailed(log, u, err, elapsed, transcript)
		return
	}
	s.backoff.Reset()

	commands := s.dispatch(ctx, log, u, completion.FunctionCalls)

	log.Info("reply complete",
		"transcript", completion.Transcript,
		"commands", len(commands),
		"audio_bytes", completion.AudioBytes,
		"elapsed", elapsed)
	s.metrics.Replies.WithLabelValues(metrics.StatusCompleted).Inc()
	s.metrics.ReplyDuration.Observe(elapsed.Seconds())
	s.metrics.ReplyAudioBytes.Add(float64(completion.AudioBytes))
	_ = s.deps.Events.LogReply(eventlog.ReplyCompleted, eventlog.ReplyDetails{
		UtteranceID: u.ID,
		ResponseID:  completion.ResponseID,
		Transcript:  completion.Transcript,
		Commands:    commands,
		AudioBytes:  completion.AudioBytes,
		LatencyMs:   elapsed.Milliseconds(),
	})

	s.mu.Lock()
	s.status.Replies++
	s.status.LastTranscript = completion.Transcript
	s.status.LastError = ""
	s.status.RetryIn = ""
	s.mu.Unlock()

	s.notify(notify.Reply{
		UtteranceID:     u.ID,
		ReplyTranscript: completion.Transcript,
		Commands:        commands,
		Duration:        elapsed,
	}, transcript)
}

// reply resamples u to the replier's rate and plays the streamed answer.
func (s *Session) reply(ctx context.Context, u audio.Utterance) (realtime.Completion, error) {
	pcm, err := audio.Resample(u.Audio, u.SampleRate, s.deps.Replier.InputRate())
	if err != nil {
		return realtime.Completion{}, err
	}

	ctx, cancel := context.WithTimeoutCause(ctx, s.cfg.ReplyTimeout, errors.New("reply timeout"))
	defer cancel()

	completion, err := s.deps.Replier.Reply(ctx, pcm, s.play)
	if f, ok := s.deps.Sink.(flusher); ok {
		if ferr := f.Flush(); ferr != nil && err == nil {
			err = fmt.Errorf("flush playback: %w", ferr)
		}
	}
	s.setIndicator(0)
	return completion, err
}

// play routes one reply delta to the indicator and the speaker, converting
// it from the replier's rate to the speaker's.
func (s *Session) play(pcm []byte) error {
	s.setIndicator(s.mapper.Level(audio.RMS(pcm)))
	defer s.setIndicator(0)

	if from, to := s.deps.Replier.InputRate(), s.deps.Sink.SampleRate(); from != to {
		var err error
		if pcm, err = audio.Resample(pcm, from, to); err != nil {
			return fmt.Errorf("resample reply audio: %w", err)
		}
	}
	return s.deps.Sink.Write(pcm)
}

func (s *Session) setIndicator(level float64) {
	if s.deps.Indicator == nil {
		return
	}
	s.deps.Indicator.Set(level)
	s.metrics.IndicatorLevel.Set(level)
}

// replyFailed drops the remote connection and schedules the next attempt.
func (s *Session) replyFailed(log *slog.Logger, u audio.Utterance, err error, elapsed time.Duration, transcript <-chan string) {
	s.deps.Replier.Disconnect()
	delay := s.backoff.Next()
	s.retryAt = s.now().Add(delay)

	log.Error("reply failed", "error", err, "retry_in", delay)
	s.metrics.Replies.WithLabelValues(metrics.StatusFailed).Inc()
	s.metrics.Reconnects.Inc()
	_ = s.deps.Events.LogReply(eventlog.ReplyFailed, eventlog.ReplyDetails{
		UtteranceID: u.ID,
		LatencyMs:   elapsed.Milliseconds(),
		Error:       err.Error(),
	})

	s.mu.Lock()
	s.status.ReplyErrors++
	s.status.LastError = err.Error()
	s.status.RetryIn = delay.String()
	s.mu.Unlock()

	s.notify(notify.Reply{UtteranceID: u.ID, Duration: elapsed, Err: err}, transcript)
}

// waitRetry blocks until the reconnect backoff has elapsed.
func (s *Session) waitRetry(ctx context.Context) error {
	wait := s.retryAt.Sub(s.now())
	if wait <= 0 {
		return nil
	}
	s.logger.Info("waiting before reconnecting", "delay", wait)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// dispatch turns function calls into body commands and acknowledges them.
// It returns the accepted commands as strings.
func (s *Session) dispatch(ctx context.Context, log *slog.Logger, u audio.Utterance, calls []realtime.FunctionCall) []string {
	if len(calls) == 0 {
		return nil
	}

	var commands []string
	outputs := make(map[string]string, len(calls))
	for _, call := range calls {
		cmd, err := body.ParseCommand(call.Name, call.Arguments)
		if err != nil {
			log.Warn("ignoring function call", "name", call.Name, "arguments", call.Arguments, "error", err)
			s.metrics.CommandsReceived.WithLabelValues(call.Name, metrics.StatusFailed).Inc()
			outputs[call.CallID] = "error: " + err.Error()
			continue
		}

		if s.deps.Body != nil {
			err = s.deps.Body.Dispatch(cmd)
		}
		s.metrics.CommandsReceived.WithLabelValues(string(cmd.Kind), metrics.Status(err)).Inc()
		if err != nil {
			outputs[call.CallID] = "error: " + err.Error()
			continue
		}

		outputs[call.CallID] = "ok"
		commands = append(commands, cmd.String())
		_ = s.deps.Events.LogReply(eventlog.CommandDispatched, eventlog.ReplyDetails{
			UtteranceID: u.ID,
			Commands:    []string{cmd.String()},
		})
	}

	ackCtx, cancel := context.WithTimeout(ctx, acknowledgeTimeout)
	defer cancel()
	if err := s.deps.Replier.Acknowledge(ackCtx, outputs); err != nil {
		log.Warn("failed to acknowledge function calls", "error", err)
		s.deps.Replier.Disconnect()
	}
	return commands
}

// transcribe runs the local transcriber in the background. The returned
// channel yields the transcript or is closed empty on failure.
func (s *Session) transcribe(ctx context.Context, u audio.Utterance) <-chan string {
	out := make(chan string, 1)
	if s.deps.Transcriber == nil {
		close(out)
		return out
	}

	s.async.Go(func() {
		defer close(out)
		text, err := s.deps.Transcriber.Transcribe(ctx, u)
		s.metrics.Transcriptions.WithLabelValues(metrics.Status(err)).Inc()
		details := eventlog.UtteranceDetails{UtteranceID: u.ID, Transcript: text}
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("transcription failed", "utterance_id", u.ShortID(), "error", err)
			}
			details.Error = err.Error()
			_ = s.deps.Events.LogUtterance(eventlog.Transcribed, details)
			return
		}

		s.logger.Info("heard", "utterance_id", u.ShortID(), "transcript", text)
		_ = s.deps.Events.LogUtterance(eventlog.Transcribed, details)
		s.mu.Lock()
		s.status.LastUserTranscript = text
		s.mu.Unlock()
		out <- text
	})
	return out
}

// notify posts r to the notifier once the local transcript is known.
func (s *Session) notify(r notify.Reply, transcript <-chan string) {
	if s.deps.Notifier == nil {
		return
	}

	s.async.Go(func() {
		timer := time.NewTimer(s.cfg.TranscriptWait)
		defer timer.Stop()
		select {
		case r.UserTranscript = <-transcript:
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		util.LogNotifyResult(s.logger, func() error {
			err := s.deps.Notifier.SendReply(ctx, r)
			s.metrics.Webhooks.WithLabelValues(metrics.Status(err)).Inc()
			return err
		}, "webhook")
	})
}

// drain discards chunks queued while the reply played, so the robot does
// not hear its own voice.
func (s *Session) drain() {
	drained := 0
	for {
		select {
		case <-s.chunks:
			drained++
		default:
			if drained > 0 {
				s.metrics.ChunksDrained.Add(float64(drained))
				s.logger.Debug("drained queued chunks", "count", drained)
			}
			return
		}
	}
}

func (s *Session) updateLevels(levels audio.Levels, now time.Time) {
	peak := s.peaks.Update(levels.Peak, now)
	state := s.detector.State()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.DetectorState = string(state)
	s.status.Levels = types.AudioLevels{
		RMS:    levels.RMS,
		RMSDB:  levels.RMSDB,
		PeakDB: peak,
		Clips:  levels.Clips,
		Voiced: levels.RMS > s.cfg.Detector.SilenceThreshold,
	}
}

func (s *Session) setState(state types.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.State = state
}

// Status returns a snapshot of the session state.
func (s *Session) Status() types.SessionStatus {
	connected := s.deps.Replier.Connected()

	s.mu.Lock()
	defer s.mu.Unlock()
	status := s.status
	status.Connected = connected
	if !s.start.IsZero() && status.State != types.StateStopped {
		status.Uptime = util.FormatDuration(s.now().Sub(s.start).Milliseconds())
	}
	return status
}

// Close releases the collaborators in order: microphone, speaker, remote
// connection, body. It waits for the reader and background work to finish.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		errs := []error{s.deps.Source.Close()}
		s.readerWg.Wait()
		errs = append(errs, s.deps.Sink.Close(), s.deps.Replier.Close())
		s.async.Wait()
		if s.deps.Body != nil {
			errs = append(errs, s.deps.Body.Close())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
