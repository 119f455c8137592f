package body

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"time"

	"github.com/spf13/afero"
)

// SysfsGPIORoot is where Linux exposes GPIO lines.
const SysfsGPIORoot = "/sys/class/gpio"

// DefaultButtonPoll is how often button lines are read.
const DefaultButtonPoll = 20 * time.Millisecond

// ButtonConfig binds a push button on a GPIO line to a movement. Buttons are
// wired to ground with a pull-up, so a pressed button reads 0 unless
// ActiveHigh is set.
type ButtonConfig struct {
	Name       string `json:"name" yaml:"name" validate:"required"`
	Pin        int    `json:"pin" yaml:"pin" validate:"gte=0"`
	ActiveHigh bool   `json:"active_high,omitempty" yaml:"active_high,omitempty"`
	Action     Kind   `json:"action" yaml:"action" validate:"oneof=blink wiggle neutral glow"`
	Repeat     int    `json:"repeat,omitempty" yaml:"repeat,omitempty" validate:"gte=0,lte=10"`
}

// Dispatcher queues body commands.
type Dispatcher interface {
	Dispatch(cmd Command) error
}

type button struct {
	cfg     ButtonConfig
	cmd     Command
	value   string
	pressed bool
	failing bool
}

// Buttons polls GPIO push buttons and dispatches a command on each press.
type Buttons struct {
	fs       afero.Fs
	buttons  []*button
	dispatch Dispatcher
	interval time.Duration
	logger   *slog.Logger
}

// NewButtons returns a poller for the configured buttons.
func NewButtons(fs afero.Fs, cfgs []ButtonConfig, dispatch Dispatcher, logger *slog.Logger) (*Buttons, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Buttons{
		fs:       fs,
		dispatch: dispatch,
		interval: DefaultButtonPoll,
		logger:   logger.With("component", "buttons"),
	}
	for _, cfg := range cfgs {
		cmd, err := Command{Kind: cfg.Action, Repeat: cfg.Repeat}.normalize()
		if err != nil {
			return nil, fmt.Errorf("button %s: %w", cfg.Name, err)
		}
		b.buttons = append(b.buttons, &button{
			cfg:   cfg,
			cmd:   cmd,
			value: path.Join(SysfsGPIORoot, fmt.Sprintf("gpio%d", cfg.Pin), "value"),
		})
	}
	return b, nil
}

// Run exports the button lines as inputs and polls them until ctx is done.
func (b *Buttons) Run(ctx context.Context) error {
	if len(b.buttons) == 0 {
		return nil
	}
	var errs []error
	for _, btn := range b.buttons {
		if err := b.export(btn.cfg.Pin); err != nil {
			errs = append(errs, fmt.Errorf("button %s: %w", btn.cfg.Name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	b.logger.Info("listening for buttons", "count", len(b.buttons))

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.poll()
		}
	}
}

func (b *Buttons) export(pin int) error {
	dir := path.Join(SysfsGPIORoot, fmt.Sprintf("gpio%d", pin))
	exists, err := afero.DirExists(b.fs, dir)
	if err != nil {
		return fmt.Errorf("stat %s: %w", dir, err)
	}
	if !exists {
		if err := afero.WriteFile(b.fs, path.Join(SysfsGPIORoot, "export"), []byte(strconv.Itoa(pin)), 0o200); err != nil {
			return fmt.Errorf("export gpio%d: %w", pin, err)
		}
	}
	if err := afero.WriteFile(b.fs, path.Join(dir, "direction"), []byte("in"), 0o644); err != nil {
		return fmt.Errorf("set gpio%d direction: %w", pin, err)
	}
	return nil
}

// poll reads every line once and dispatches on released-to-pressed edges.
func (b *Buttons) poll() {
	for _, btn := range b.buttons {
		data, err := afero.ReadFile(b.fs, btn.value)
		if err != nil {
			if !btn.failing {
				b.logger.Warn("button read failed", "button", btn.cfg.Name, "error", err)
				btn.failing = true
			}
			btn.pressed = false
			continue
		}
		btn.failing = false

		pressed := bytes.Equal(bytes.TrimSpace(data), []byte("1")) == btn.cfg.ActiveHigh
		if pressed && !btn.pressed {
			b.logger.Debug("button pressed", "button", btn.cfg.Name, "command", btn.cmd.String())
			if err := b.dispatch.Dispatch(btn.cmd); err != nil {
				b.logger.Debug("button command dropped", "button", btn.cfg.Name, "error", err)
			}
		}
		btn.pressed = pressed
	}
}
