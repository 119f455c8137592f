package audio

import (
	"bytes"
	"time"
)

// DetectorConfig holds the thresholds for utterance detection.
type DetectorConfig struct {
	SilenceThreshold  float64       // RMS level at or below which a chunk counts as silence
	SilenceDuration   time.Duration // unbroken silence that ends an utterance
	MinSpeechDuration time.Duration // elapsed speech required for a real utterance
}

// DetectorState is the phase derived from the detector's fields.
type DetectorState string

// Detector phases.
const (
	StateIdle            DetectorState = "idle"             // no speech yet
	StateSpeaking        DetectorState = "speaking"         // speech, no silence run
	StateTrailingSilence DetectorState = "trailing_silence" // speech followed by a silence run
)

// Verdict is the outcome of a completion check.
type Verdict int

// Completion check outcomes.
const (
	// VerdictPending means audio is still accumulating.
	VerdictPending Verdict = iota
	// VerdictComplete means an utterance ended; the caller takes the audio and resets.
	VerdictComplete
	// VerdictTooShort means the voiced run was a blip. The detector has been reset.
	VerdictTooShort
	// VerdictSilence means only ambient silence was heard. The detector has been reset.
	VerdictSilence
)

// Complete reports whether the verdict signals a finished utterance.
func (v Verdict) Complete() bool {
	return v == VerdictComplete
}

func (v Verdict) String() string {
	switch v {
	case VerdictPending:
		return "pending"
	case VerdictComplete:
		return "complete"
	case VerdictTooShort:
		return "too_short"
	case VerdictSilence:
		return "silence"
	default:
		return "unknown"
	}
}

// Detector decides from a stream of chunks when the user started and
// stopped speaking. It is not safe for concurrent use; one goroutine owns it.
type Detector struct {
	cfg DetectorConfig

	frames         []Chunk
	silenceStart   time.Time // zero when not in a silence run
	speechStart    time.Time // zero until speech is heard
	speechDetected bool
}

// NewDetector creates a detector in the idle state.
func NewDetector(cfg DetectorConfig) *Detector {
	return &Detector{cfg: cfg}
}

// Config returns the thresholds the detector was created with.
func (d *Detector) Config() DetectorConfig {
	return d.cfg
}

// Ingest appends a chunk and updates the speech and silence timers.
func (d *Detector) Ingest(chunk Chunk, rms float64, now time.Time) {
	d.frames = append(d.frames, chunk)

	if rms > d.cfg.SilenceThreshold {
		if !d.speechDetected {
			d.speechDetected = true
			d.speechStart = now
		}
		d.silenceStart = time.Time{}
		return
	}

	if d.silenceStart.IsZero() {
		d.silenceStart = now
	}
}

// Check evaluates whether the current utterance is complete.
// Discard verdicts reset the detector before returning. A complete verdict
// leaves the state in place so the caller can read Audio before Reset.
func (d *Detector) Check(now time.Time) Verdict {
	if d.silenceStart.IsZero() || now.Sub(d.silenceStart) < d.cfg.SilenceDuration {
		return VerdictPending
	}

	if !d.speechDetected {
		d.Reset()
		return VerdictSilence
	}

	if !d.speechStart.IsZero() && now.Sub(d.speechStart) >= d.cfg.MinSpeechDuration {
		return VerdictComplete
	}

	d.Reset()
	return VerdictTooShort
}

// Audio returns the byte-exact concatenation of all chunks since the last reset.
func (d *Detector) Audio() []byte {
	size := 0
	for _, f := range d.frames {
		size += len(f.Data)
	}
	var buf bytes.Buffer
	buf.Grow(size)
	for _, f := range d.frames {
		buf.Write(f.Data)
	}
	return buf.Bytes()
}

// Len returns the number of chunks accumulated since the last reset.
func (d *Detector) Len() int {
	return len(d.frames)
}

// State returns the phase derived from the detector's fields.
func (d *Detector) State() DetectorState {
	switch {
	case !d.speechDetected:
		return StateIdle
	case d.silenceStart.IsZero():
		return StateSpeaking
	default:
		return StateTrailingSilence
	}
}

// Reset clears the accumulated audio and both timers together.
func (d *Detector) Reset() {
	d.frames = nil
	d.silenceStart = time.Time{}
	d.speechStart = time.Time{}
	d.speechDetected = false
}
