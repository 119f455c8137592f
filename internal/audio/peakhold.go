package audio

import (
	"sync"
	"time"
)

// DefaultPeakHoldDuration is the default duration that peak values are held before decaying.
const DefaultPeakHoldDuration = 3000 * time.Millisecond

// PeakHolder tracks the held microphone peak shown on the status page.
// It is safe for concurrent use.
type PeakHolder struct {
	mu           sync.Mutex
	heldPeak     float64
	heldAt       time.Time
	holdDuration time.Duration
}

// NewPeakHolder creates a new peak holder initialized to MinDB with the default duration.
func NewPeakHolder() *PeakHolder {
	return &PeakHolder{
		heldPeak:     MinDB,
		holdDuration: DefaultPeakHoldDuration,
	}
}

// Update records a new peak in dB and returns the held peak.
func (p *PeakHolder) Update(peak float64, now time.Time) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if peak >= p.heldPeak || now.Sub(p.heldAt) > p.holdDuration {
		p.heldPeak = peak
		p.heldAt = now
	}
	return p.heldPeak
}

// SetHoldDuration updates the peak hold duration.
func (p *PeakHolder) SetHoldDuration(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holdDuration = d
}

// Reset clears the held peak.
func (p *PeakHolder) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heldPeak = MinDB
	p.heldAt = time.Time{}
}
