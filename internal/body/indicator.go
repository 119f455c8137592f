package body

import (
	"log/slog"
	"sync"
)

// Dimmer is anything with a brightness level in [0,1].
type Dimmer interface {
	SetLevel(level float64) error
}

// Indicator forwards brightness levels to a Dimmer from its own goroutine.
// Set never blocks: when the worker is busy the pending level is replaced by
// the newest one.
type Indicator struct {
	dimmer Dimmer
	logger *slog.Logger

	levels  chan float64
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewIndicator starts the indicator worker. A nil dimmer discards levels.
func NewIndicator(dimmer Dimmer, logger *slog.Logger) *Indicator {
	if logger == nil {
		logger = slog.Default()
	}
	ind := &Indicator{
		dimmer:  dimmer,
		logger:  logger.With("component", "indicator"),
		levels:  make(chan float64, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go ind.run()
	return ind
}

// Set requests a new level.
func (ind *Indicator) Set(level float64) {
	select {
	case <-ind.done:
		return
	default:
	}

	for {
		select {
		case ind.levels <- level:
			return
		default:
		}
		// Drop the stale pending level.
		select {
		case <-ind.levels:
		default:
		}
	}
}

func (ind *Indicator) run() {
	defer close(ind.stopped)
	for {
		select {
		case <-ind.done:
			ind.apply(0)
			return
		case level := <-ind.levels:
			ind.apply(level)
		}
	}
}

func (ind *Indicator) apply(level float64) {
	if ind.dimmer == nil {
		return
	}
	if err := ind.dimmer.SetLevel(level); err != nil {
		ind.logger.Debug("indicator write failed", "level", level, "error", err)
	}
}

// Close stops the worker and switches the indicator off.
func (ind *Indicator) Close() error {
	ind.once.Do(func() { close(ind.done) })
	<-ind.stopped
	return nil
}
