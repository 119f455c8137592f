package audio

import (
	"time"

	"github.com/google/uuid"
)

// Utterance is one completed stretch of speech taken from the Detector.
type Utterance struct {
	ID         string
	Audio      []byte
	SampleRate int
	CapturedAt time.Time
	Duration   time.Duration
}

// NewUtterance wraps pcm captured at sampleRate and completed at capturedAt.
func NewUtterance(pcm []byte, sampleRate int, capturedAt time.Time) Utterance {
	return Utterance{
		ID:         uuid.NewString(),
		Audio:      pcm,
		SampleRate: sampleRate,
		CapturedAt: capturedAt,
		Duration:   DurationOf(len(pcm), sampleRate),
	}
}

// ShortID returns the first eight characters of the ID.
func (u Utterance) ShortID() string {
	if len(u.ID) <= 8 {
		return u.ID
	}
	return u.ID[:8]
}
