// Package transcribe produces a local text transcript of a user utterance
// with whisper.cpp. The transcript is informational: it feeds the logs, the
// event log and the webhook, never the reply itself.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/jimmingcheng/pi-robot/internal/audio"
)

// SampleRate is the rate whisper models are trained on.
const SampleRate = 16000

// ErrNoModel is returned when no model path is configured.
var ErrNoModel = errors.New("whisper model path not configured")

// Config configures the transcriber.
type Config struct {
	ModelPath string `json:"model_path" yaml:"model_path"`
	Language  string `json:"language,omitempty" yaml:"language,omitempty"` // "" or "auto" detects
}

// recognizer turns 16 kHz float samples into segments.
type recognizer interface {
	recognize(samples []float32) ([]whisper.Segment, error)
}

// Transcriber runs one transcription at a time against a loaded model.
type Transcriber struct {
	rec    recognizer
	closer io.Closer
	logger *slog.Logger

	mu sync.Mutex
}

// Open loads the model at cfg.ModelPath.
func Open(cfg Config, logger *slog.Logger) (*Transcriber, error) {
	if cfg.ModelPath == "" {
		return nil, ErrNoModel
	}
	if logger == nil {
		logger = slog.Default()
	}

	model, err := whisper.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model %s: %w", cfg.ModelPath, err)
	}
	logger.Info("whisper model loaded", "path", cfg.ModelPath, "multilingual", model.IsMultilingual())

	return newTranscriber(&whisperRecognizer{model: model, language: cfg.Language}, model, logger), nil
}

func newTranscriber(rec recognizer, closer io.Closer, logger *slog.Logger) *Transcriber {
	return &Transcriber{
		rec:    rec,
		closer: closer,
		logger: logger.With("component", "transcribe"),
	}
}

// Transcribe returns the text spoken in u. Whisper itself cannot be
// interrupted; ctx is checked before and after the model runs.
func (t *Transcriber) Transcribe(ctx context.Context, u audio.Utterance) (string, error) {
	pcm, err := audio.Resample(u.Audio, u.SampleRate, SampleRate)
	if err != nil {
		return "", fmt.Errorf("resample to %d Hz: %w", SampleRate, err)
	}
	samples := toFloat32(audio.BytesToSamples(pcm))
	if len(samples) == 0 {
		return "", nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	segments, err := t.rec.recognize(samples)
	if err != nil {
		return "", fmt.Errorf("whisper: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	text := joinSegments(segments)
	t.logger.Debug("transcribed", "utterance_id", u.ID, "segments", len(segments), "chars", len(text))
	return text, nil
}

// Close releases the model.
func (t *Transcriber) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closer == nil {
		return nil
	}
	err := t.closer.Close()
	t.closer = nil
	return err
}

type whisperRecognizer struct {
	model    whisper.Model
	language string
}

func (w *whisperRecognizer) recognize(samples []float32) ([]whisper.Segment, error) {
	wctx, err := w.model.NewContext()
	if err != nil {
		return nil, err
	}
	if w.language != "" && w.language != "auto" {
		if err := wctx.SetLanguage(w.language); err != nil {
			return nil, fmt.Errorf("set language %q: %w", w.language, err)
		}
	}

	if err := wctx.Process(samples, nil); err != nil {
		return nil, err
	}

	var segments []whisper.Segment
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			return segments, nil
		} else if err != nil {
			return nil, err
		}
		segments = append(segments, segment)
	}
}

// toFloat32 scales PCM16 samples to [-1, 1).
func toFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}

// joinSegments concatenates segment text, dropping annotations such as
// "[BLANK_AUDIO]" or "(music)" and repeated segments.
func joinSegments(segments []whisper.Segment) string {
	seen := make(map[string]bool)
	parts := make([]string, 0, len(segments))
	for _, segment := range segments {
		text := strings.TrimSpace(segment.Text)
		if text == "" || isAnnotation(text) || seen[text] {
			continue
		}
		seen[text] = true
		parts = append(parts, text)
	}
	return strings.Join(parts, " ")
}

func isAnnotation(text string) bool {
	first, last := text[0], text[len(text)-1]
	return first == '(' || first == '[' || last == ')' || last == ']'
}
