package body

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// SysfsPWMRoot is where Linux exposes PWM chips.
const SysfsPWMRoot = "/sys/class/pwm"

// Default PWM periods.
const (
	LEDPeriod   = time.Millisecond      // 1 kHz
	ServoPeriod = 20 * time.Millisecond // 50 Hz
)

// Servo pulse widths for 0 and 180 degrees.
const (
	servoMinPulse = 500 * time.Microsecond
	servoMaxPulse = 2500 * time.Microsecond
)

// PWMConfig addresses one channel of a sysfs PWM chip.
type PWMConfig struct {
	Chip    int `json:"chip" yaml:"chip" validate:"gte=0"`
	Channel int `json:"channel" yaml:"channel" validate:"gte=0"`
}

func (c PWMConfig) String() string {
	return fmt.Sprintf("pwmchip%d/pwm%d", c.Chip, c.Channel)
}

// PWM is a sysfs PWM channel.
type PWM struct {
	mu      sync.Mutex
	fs      afero.Fs
	chipDir string
	dir     string
	channel int
	period  time.Duration
	enabled bool
}

// NewPWM returns a channel handle. Nothing is written until first use.
func NewPWM(fs afero.Fs, cfg PWMConfig, period time.Duration) *PWM {
	chipDir := path.Join(SysfsPWMRoot, fmt.Sprintf("pwmchip%d", cfg.Chip))
	return &PWM{
		fs:      fs,
		chipDir: chipDir,
		dir:     path.Join(chipDir, fmt.Sprintf("pwm%d", cfg.Channel)),
		channel: cfg.Channel,
		period:  period,
	}
}

// SetDuty sets the high fraction of the period, clamped to [0,1].
func (p *PWM) SetDuty(fraction float64) error {
	fraction = min(max(fraction, 0), 1)
	return p.SetPulse(time.Duration(fraction * float64(p.period)))
}

// SetPulse sets the high time of each period.
func (p *PWM) SetPulse(width time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enableLocked(); err != nil {
		return err
	}
	width = min(max(width, 0), p.period)
	return p.write("duty_cycle", strconv.FormatInt(width.Nanoseconds(), 10))
}

// Disable turns the channel output off.
func (p *PWM) Disable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return nil
	}
	p.enabled = false
	return p.write("enable", "0")
}

func (p *PWM) enableLocked() error {
	if p.enabled {
		return nil
	}

	exists, err := afero.DirExists(p.fs, p.dir)
	if err != nil {
		return fmt.Errorf("stat %s: %w", p.dir, err)
	}
	if !exists {
		exportPath := path.Join(p.chipDir, "export")
		if err := afero.WriteFile(p.fs, exportPath, []byte(strconv.Itoa(p.channel)), 0o200); err != nil {
			return fmt.Errorf("export %s: %w", p.dir, err)
		}
	}

	if err := p.write("period", strconv.FormatInt(p.period.Nanoseconds(), 10)); err != nil {
		return err
	}
	if err := p.write("enable", "1"); err != nil {
		return err
	}
	p.enabled = true
	return nil
}

func (p *PWM) write(attr, value string) error {
	file := path.Join(p.dir, attr)
	if err := afero.WriteFile(p.fs, file, []byte(value), 0o644); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("write %s: channel not exported: %w", file, err)
		}
		return fmt.Errorf("write %s: %w", file, err)
	}
	return nil
}

// LED is a dimmable light on a PWM channel.
type LED struct {
	pwm *PWM
}

// NewLED returns an LED on the given channel.
func NewLED(fs afero.Fs, cfg PWMConfig) *LED {
	return &LED{pwm: NewPWM(fs, cfg, LEDPeriod)}
}

// SetLevel sets brightness in [0,1].
func (l *LED) SetLevel(level float64) error {
	return l.pwm.SetDuty(level)
}

// Close switches the LED off.
func (l *LED) Close() error {
	return errors.Join(l.pwm.SetDuty(0), l.pwm.Disable())
}

// Servo is a hobby servo on a PWM channel.
type Servo struct {
	pwm *PWM
}

// NewServo returns a servo on the given channel.
func NewServo(fs afero.Fs, cfg PWMConfig) *Servo {
	return &Servo{pwm: NewPWM(fs, cfg, ServoPeriod)}
}

// SetAngle moves the servo to degrees in [0,180].
func (s *Servo) SetAngle(degrees float64) error {
	degrees = min(max(degrees, 0), 180)
	pulse := servoMinPulse + time.Duration(degrees/180*float64(servoMaxPulse-servoMinPulse))
	return s.pwm.SetPulse(pulse)
}

// Close releases the servo.
func (s *Servo) Close() error {
	return s.pwm.Disable()
}
