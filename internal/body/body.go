package body

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// Movement timing.
const (
	blinkInterval   = 100 * time.Millisecond
	wiggleSweep     = 200 * time.Millisecond
	wiggleSteps     = 100
	wiggleMaxAngle  = 45.0
	glowDuration    = 500 * time.Millisecond
	commandQueueLen = 8
)

// ErrQueueFull is returned by Dispatch when the command queue is full.
var ErrQueueFull = errors.New("body command queue full")

// Positioner is anything that can move to an angle in degrees.
type Positioner interface {
	SetAngle(degrees float64) error
}

// Config wires body features to PWM channels. Nil channels are absent
// features; their commands are logged and skipped.
type Config struct {
	Eyes          *PWMConfig
	LeftEyebrow   *PWMConfig
	RightEyebrow  *PWMConfig
	Mouth         *PWMConfig
	QueueCapacity int
}

// Body runs movement commands one at a time on a worker goroutine.
type Body struct {
	eyes     Dimmer
	eyebrows []Positioner
	closers  []io.Closer
	logger   *slog.Logger

	mouth *Indicator

	queue  chan Command
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	sleep func(ctx context.Context, d time.Duration) error
}

// New builds the body from sysfs PWM channels on fs and starts its worker.
func New(fs afero.Fs, cfg Config, logger *slog.Logger) *Body {
	var eyes Dimmer
	var eyebrows []Positioner
	var closers []io.Closer

	if cfg.Eyes != nil {
		led := NewLED(fs, *cfg.Eyes)
		eyes = led
		closers = append(closers, led)
	}
	if cfg.LeftEyebrow != nil && cfg.RightEyebrow != nil {
		left := NewServo(fs, *cfg.LeftEyebrow)
		right := NewServo(fs, *cfg.RightEyebrow)
		eyebrows = []Positioner{left, right}
		closers = append(closers, left, right)
	}

	var mouth Dimmer
	if cfg.Mouth != nil {
		led := NewLED(fs, *cfg.Mouth)
		mouth = led
		closers = append(closers, led)
	}

	return newBody(eyes, eyebrows, mouth, closers, cfg.QueueCapacity, logger)
}

func newBody(eyes Dimmer, eyebrows []Positioner, mouth Dimmer, closers []io.Closer, queueLen int, logger *slog.Logger) *Body {
	if logger == nil {
		logger = slog.Default()
	}
	if queueLen <= 0 {
		queueLen = commandQueueLen
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Body{
		eyes:     eyes,
		eyebrows: eyebrows,
		closers:  closers,
		logger:   logger.With("component", "body"),
		mouth:    NewIndicator(mouth, logger),
		queue:    make(chan Command, queueLen),
		ctx:      ctx,
		cancel:   cancel,
		sleep:    sleepCtx,
	}

	b.wg.Go(b.run)
	return b
}

// Indicator returns the mouth indicator.
func (b *Body) Indicator() *Indicator {
	return b.mouth
}

// Dispatch queues a command without blocking.
func (b *Body) Dispatch(cmd Command) error {
	select {
	case <-b.ctx.Done():
		return context.Canceled
	default:
	}

	select {
	case b.queue <- cmd:
		return nil
	default:
		b.logger.Warn("dropping body command", "command", cmd.String(), "reason", "queue full")
		return ErrQueueFull
	}
}

func (b *Body) run() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case cmd := <-b.queue:
			if err := b.Execute(b.ctx, cmd); err != nil && !errors.Is(err, context.Canceled) {
				b.logger.Warn("body command failed", "command", cmd.String(), "error", err)
			}
		}
	}
}

// Execute performs a command synchronously.
func (b *Body) Execute(ctx context.Context, cmd Command) error {
	b.logger.Info("moving", "command", cmd.String())
	switch cmd.Kind {
	case Blink:
		return b.blink(ctx, cmd.Repeat)
	case Wiggle:
		return b.wiggle(ctx, cmd.Repeat)
	case Glow:
		return b.glow(ctx, cmd.Repeat)
	case Neutral:
		return b.neutral()
	default:
		return ErrUnknownCommand
	}
}

func (b *Body) blink(ctx context.Context, repeat int) error {
	if b.eyes == nil {
		b.logger.Debug("no eyes wired, skipping blink")
		return nil
	}
	for range repeat {
		if err := b.eyes.SetLevel(1); err != nil {
			return err
		}
		if err := b.sleep(ctx, blinkInterval); err != nil {
			return errors.Join(err, b.eyes.SetLevel(0))
		}
		if err := b.eyes.SetLevel(0); err != nil {
			return err
		}
		if err := b.sleep(ctx, blinkInterval); err != nil {
			return err
		}
	}
	return nil
}

func (b *Body) wiggle(ctx context.Context, repeat int) error {
	if len(b.eyebrows) == 0 {
		b.logger.Debug("no eyebrows wired, skipping wiggle")
		return nil
	}
	step := wiggleSweep / wiggleSteps / 2
	for range repeat {
		for i := 0; i <= wiggleSteps; i++ {
			if err := b.setEyebrows(float64(i) * wiggleMaxAngle / wiggleSteps); err != nil {
				return err
			}
			if err := b.sleep(ctx, step); err != nil {
				return err
			}
		}
		for i := wiggleSteps; i >= 0; i-- {
			if err := b.setEyebrows(float64(i) * wiggleMaxAngle / wiggleSteps); err != nil {
				return err
			}
			if err := b.sleep(ctx, step); err != nil {
				return err
			}
		}
	}
	return nil
}

// glow flashes the mouth through its indicator, so a reply that starts
// playing takes the light over.
func (b *Body) glow(ctx context.Context, repeat int) error {
	if b.mouth.dimmer == nil {
		b.logger.Debug("no mouth wired, skipping glow")
		return nil
	}
	defer b.mouth.Set(0)
	for range repeat {
		b.mouth.Set(1)
		if err := b.sleep(ctx, glowDuration); err != nil {
			return err
		}
		b.mouth.Set(0)
		if err := b.sleep(ctx, blinkInterval); err != nil {
			return err
		}
	}
	return nil
}

func (b *Body) neutral() error {
	var errs []error
	if b.eyes != nil {
		errs = append(errs, b.eyes.SetLevel(0))
	}
	if len(b.eyebrows) > 0 {
		errs = append(errs, b.setEyebrows(0))
	}
	return errors.Join(errs...)
}

func (b *Body) setEyebrows(angle float64) error {
	for _, brow := range b.eyebrows {
		if err := brow.SetAngle(angle); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the worker, returns to neutral and releases the channels.
func (b *Body) Close() error {
	var err error
	b.once.Do(func() {
		b.cancel()
		b.wg.Wait()
		errs := []error{b.mouth.Close(), b.neutral()}
		for _, c := range b.closers {
			errs = append(errs, c.Close())
		}
		err = errors.Join(errs...)
	})
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
