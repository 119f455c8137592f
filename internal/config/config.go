// Package config provides application configuration management.
package config

import (
	"cmp"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/jimmingcheng/pi-robot/internal/archive"
	"github.com/jimmingcheng/pi-robot/internal/audio"
	"github.com/jimmingcheng/pi-robot/internal/body"
	"github.com/jimmingcheng/pi-robot/internal/eventlog"
	"github.com/jimmingcheng/pi-robot/internal/realtime"
	"github.com/jimmingcheng/pi-robot/internal/session"
	"github.com/jimmingcheng/pi-robot/internal/transcribe"
	"github.com/jimmingcheng/pi-robot/internal/types"
	"github.com/jimmingcheng/pi-robot/internal/util"
)

// Configuration defaults are used when values are not specified.
const (
	DefaultPath                = "config.json"
	DefaultName                = "Robot"
	DefaultSilenceThreshold    = 500.0
	DefaultSilenceDurationMs   = 2000
	DefaultMinSpeechDurationMs = 500
	DefaultMaxVolume           = 6000.0
	DefaultReplyTimeoutMs      = 120000
	DefaultWebPort             = 8080

	// APIKeyEnv is read when realtime.api_key is empty.
	APIKeyEnv = "OPENAI_API_KEY"
)

// DefaultInstructions is used when no instructions are configured. %s is
// replaced with the robot's name.
const DefaultInstructions = `Your name is %s.

You are a cute little robot with eyes that can blink and eyebrows that can move.

You can also hold a conversation, tell jokes, and answer questions.

Always speak English. You are lively and witty.

- if asked to move your face, just do it without excessive verbal confirmation
- by default wiggle eyebrows or blink eyes at least 4 times
- if the conversation is funny, laugh and move your face in a way that shows you're laughing`

// AudioConfig holds microphone and speaker settings. Device names match by
// substring; empty selects the system default.
type AudioConfig struct {
	InputDevice    string `json:"input_device" yaml:"input_device"`
	OutputDevice   string `json:"output_device" yaml:"output_device"`
	CaptureRate    int    `json:"capture_rate" yaml:"capture_rate" validate:"gte=8000,lte=192000"`
	OutputRate     int    `json:"output_rate" yaml:"output_rate" validate:"gte=8000,lte=192000"`
	FramesPerChunk int    `json:"frames_per_chunk" yaml:"frames_per_chunk" validate:"gte=64"`
	QueueSize      int    `json:"queue_size" yaml:"queue_size" validate:"gte=1"`
}

// DetectionConfig holds utterance detection thresholds. A chunk whose RMS is
// at or below SilenceThreshold is silence; SilenceDurationMs of unbroken
// silence ends an utterance, which is kept only when MinSpeechDurationMs have
// passed since speech started.
type DetectionConfig struct {
	SilenceThreshold    float64 `json:"silence_threshold" yaml:"silence_threshold" validate:"gt=0"`
	SilenceDurationMs   int64   `json:"silence_duration_ms" yaml:"silence_duration_ms" validate:"gt=0"`
	MinSpeechDurationMs *int64  `json:"min_speech_duration_ms" yaml:"min_speech_duration_ms" validate:"omitempty,gte=0"` // 0 keeps every utterance
}

// IndicatorConfig holds mouth indicator settings.
type IndicatorConfig struct {
	MaxVolume float64         `json:"max_volume" yaml:"max_volume" validate:"gt=0"` // RMS mapped to full brightness
	MouthPWM  *body.PWMConfig `json:"mouth_pwm,omitempty" yaml:"mouth_pwm,omitempty"`
}

// BodyConfig holds the PWM channels of the face actuators and the GPIO push
// buttons that trigger movements.
type BodyConfig struct {
	EyesPWM         *body.PWMConfig     `json:"eyes_pwm,omitempty" yaml:"eyes_pwm,omitempty"`
	LeftEyebrowPWM  *body.PWMConfig     `json:"left_eyebrow_pwm,omitempty" yaml:"left_eyebrow_pwm,omitempty"`
	RightEyebrowPWM *body.PWMConfig     `json:"right_eyebrow_pwm,omitempty" yaml:"right_eyebrow_pwm,omitempty"`
	Buttons         []body.ButtonConfig `json:"buttons,omitempty" yaml:"buttons,omitempty" validate:"dive"`
}

// OAuthConfig holds client credentials for the realtime service.
type OAuthConfig struct {
	TokenURL     string   `json:"token_url,omitempty" yaml:"token_url,omitempty" validate:"omitempty,url"`
	ClientID     string   `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty" yaml:"client_secret,omitempty"`
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
}

// RealtimeConfig holds the remote reply service settings.
type RealtimeConfig struct {
	URL            string      `json:"url" yaml:"url" validate:"required,url"`
	Model          string      `json:"model" yaml:"model" validate:"required"`
	APIKey         string      `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Voice          string      `json:"voice" yaml:"voice" validate:"required"`
	TurnDetection  string      `json:"turn_detection" yaml:"turn_detection" validate:"oneof=server_vad semantic_vad none"`
	ReadTimeoutMs  int64       `json:"read_timeout_ms" yaml:"read_timeout_ms" validate:"gt=0"`
	ReplyTimeoutMs int64       `json:"reply_timeout_ms" yaml:"reply_timeout_ms" validate:"gt=0"`
	OAuth          OAuthConfig `json:"oauth" yaml:"oauth"`
}

// NotificationsConfig holds notification channel settings.
type NotificationsConfig struct {
	WebhookURL string `json:"webhook_url,omitempty" yaml:"webhook_url,omitempty" validate:"omitempty,url"`
}

// EventLogConfig holds the structured event log settings.
type EventLogConfig struct {
	Path string `json:"path" yaml:"path"`
}

// ServerConfig holds the status server settings.
type ServerConfig struct {
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Port     int  `json:"port" yaml:"port" validate:"gte=1,lte=65535"`
}

// Config holds all application configuration. It is read once at startup.
type Config struct {
	Name          string              `json:"name" yaml:"name" validate:"required,max=64"`
	Instructions  string              `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	Audio         AudioConfig         `json:"audio" yaml:"audio"`
	Detection     DetectionConfig     `json:"detection" yaml:"detection"`
	Indicator     IndicatorConfig     `json:"indicator" yaml:"indicator"`
	Body          BodyConfig          `json:"body" yaml:"body"`
	Realtime      RealtimeConfig      `json:"realtime" yaml:"realtime"`
	Archive       archive.Config      `json:"archive" yaml:"archive"`
	Transcriber   transcribe.Config   `json:"transcriber" yaml:"transcriber"`
	Notifications NotificationsConfig `json:"notifications" yaml:"notifications"`
	EventLog      EventLogConfig      `json:"event_log" yaml:"event_log"`
	Server        ServerConfig        `json:"server" yaml:"server"`

	fs       afero.Fs
	filePath string
	getenv   func(string) string
}

// New creates a new Config with default values backed by fs.
func New(fs afero.Fs, filePath string) *Config {
	c := &Config{
		fs:       fs,
		filePath: cmp.Or(filePath, DefaultPath),
		getenv:   os.Getenv,
	}
	c.applyDefaults()
	return c
}

// Path returns the file the configuration is read from.
func (c *Config) Path() string {
	return c.filePath
}

// Load reads config from file, creating a default if none exists. The
// result is validated either way, so a missing API key is reported on the
// first run.
func (c *Config) Load() error {
	data, err := afero.ReadFile(c.fs, c.filePath)
	switch {
	case os.IsNotExist(err):
		if err := c.save(); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("failed to read config: %w", err)
	default:
		if err := c.unmarshal(data); err != nil {
			return util.WrapError("parse config", err)
		}
	}

	c.applyDefaults()
	if c.Realtime.APIKey == "" {
		c.Realtime.APIKey = c.getenv(APIKeyEnv)
	}

	return c.validate()
}

func (c *Config) isYAML() bool {
	switch strings.ToLower(filepath.Ext(c.filePath)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func (c *Config) unmarshal(data []byte) error {
	if c.isYAML() {
		return yaml.Unmarshal(data, c)
	}
	return json.Unmarshal(data, c)
}

func (c *Config) marshal() ([]byte, error) {
	if c.isYAML() {
		return yaml.Marshal(c)
	}
	return json.MarshalIndent(c, "", "  ")
}

// save persists the configuration.
func (c *Config) save() error {
	data, err := c.marshal()
	if err != nil {
		return util.WrapError("marshal config", err)
	}

	if err := c.fs.MkdirAll(filepath.Dir(c.filePath), 0o755); err != nil {
		return util.WrapError("create config directory", err)
	}

	if err := afero.WriteFile(c.fs, c.filePath, data, 0o600); err != nil {
		return util.WrapError("write config", err)
	}

	return nil
}

// applyDefaults sets default values for zero-value fields.
func (c *Config) applyDefaults() {
	c.Name = cmp.Or(c.Name, DefaultName)

	// Audio defaults
	c.Audio.CaptureRate = cmp.Or(c.Audio.CaptureRate, audio.DefaultCaptureRate)
	c.Audio.OutputRate = cmp.Or(c.Audio.OutputRate, audio.DefaultOutputRate)
	c.Audio.FramesPerChunk = cmp.Or(c.Audio.FramesPerChunk, audio.DefaultFramesPerChunk)
	c.Audio.QueueSize = cmp.Or(c.Audio.QueueSize, session.DefaultQueueSize)

	// Detection defaults
	c.Detection.SilenceThreshold = cmp.Or(c.Detection.SilenceThreshold, DefaultSilenceThreshold)
	c.Detection.SilenceDurationMs = cmp.Or(c.Detection.SilenceDurationMs, DefaultSilenceDurationMs)
	if c.Detection.MinSpeechDurationMs == nil {
		ms := int64(DefaultMinSpeechDurationMs)
		c.Detection.MinSpeechDurationMs = &ms
	}
	c.Indicator.MaxVolume = cmp.Or(c.Indicator.MaxVolume, DefaultMaxVolume)

	// Realtime defaults
	c.Realtime.URL = cmp.Or(c.Realtime.URL, realtime.DefaultURL)
	c.Realtime.Model = cmp.Or(c.Realtime.Model, realtime.DefaultModel)
	c.Realtime.Voice = cmp.Or(c.Realtime.Voice, realtime.DefaultVoice)
	c.Realtime.TurnDetection = cmp.Or(c.Realtime.TurnDetection, realtime.DefaultTurnDetection)
	c.Realtime.ReadTimeoutMs = cmp.Or(c.Realtime.ReadTimeoutMs, realtime.DefaultReadTimeout.Milliseconds())
	c.Realtime.ReplyTimeoutMs = cmp.Or(c.Realtime.ReplyTimeoutMs, DefaultReplyTimeoutMs)

	// Storage defaults
	c.Archive.Dir = cmp.Or(c.Archive.Dir, archive.DefaultDir)
	c.Archive.StorageMode = cmp.Or(c.Archive.StorageMode, archive.StorageLocal)
	c.EventLog.Path = cmp.Or(c.EventLog.Path, eventlog.DefaultLogPath)

	c.Server.Port = cmp.Or(c.Server.Port, DefaultWebPort)
}

// --- Validation ---

// validate is the shared validator instance.
var validate = util.NewValidator()

// validate checks all configuration fields for correctness.
func (c *Config) validate() error {
	verr := types.NewValidationError()
	if err := validate.Struct(c); err != nil {
		verr = util.ToValidationError(err)
	}

	if c.Realtime.APIKey == "" && !c.AuthConfig().HasOAuth() {
		verr.Add("realtime.api_key", fmt.Sprintf("is required (or set %s, or configure realtime.oauth)", APIKeyEnv), "")
	}
	if err := util.ValidatePath("archive.dir", c.Archive.Dir); err != nil {
		verr.Add("archive.dir", "must not be empty or contain '..'", c.Archive.Dir)
	}
	if c.Archive.StorageMode != archive.StorageLocal && !c.Archive.S3.IsConfigured() {
		verr.Add("archive.s3", "bucket and credentials are required for storage_mode "+string(c.Archive.StorageMode), nil)
	}

	if verr.HasErrors() {
		return verr
	}
	return nil
}

// --- Component configuration ---

// RobotInstructions returns the configured instructions or the default
// template filled with the robot's name.
func (c *Config) RobotInstructions() string {
	if c.Instructions != "" {
		return c.Instructions
	}
	return fmt.Sprintf(DefaultInstructions, c.Name)
}

// DetectorConfig returns the utterance detector thresholds.
func (c *Config) DetectorConfig() audio.DetectorConfig {
	return audio.DetectorConfig{
		SilenceThreshold:  c.Detection.SilenceThreshold,
		SilenceDuration:   time.Duration(c.Detection.SilenceDurationMs) * time.Millisecond,
		MinSpeechDuration: time.Duration(*c.Detection.MinSpeechDurationMs) * time.Millisecond,
	}
}

// CaptureConfig returns the microphone settings.
func (c *Config) CaptureConfig() audio.CaptureConfig {
	return audio.CaptureConfig{
		Device:         c.Audio.InputDevice,
		SampleRate:     c.Audio.CaptureRate,
		FramesPerChunk: c.Audio.FramesPerChunk,
	}
}

// PlaybackConfig returns the speaker settings.
func (c *Config) PlaybackConfig() audio.PlaybackConfig {
	return audio.PlaybackConfig{
		Device:     c.Audio.OutputDevice,
		SampleRate: c.Audio.OutputRate,
	}
}

// BodyConfig returns the actuator wiring, mouth included.
func (c *Config) BodyConfig() body.Config {
	return body.Config{
		Eyes:         c.Body.EyesPWM,
		LeftEyebrow:  c.Body.LeftEyebrowPWM,
		RightEyebrow: c.Body.RightEyebrowPWM,
		Mouth:        c.Indicator.MouthPWM,
	}
}

// HasButtons reports whether any push buttons are wired.
func (c *Config) HasButtons() bool {
	return len(c.Body.Buttons) > 0
}

// RealtimeConfig returns the reply service settings with the given tools.
func (c *Config) RealtimeConfig(tools []realtime.Tool) realtime.Config {
	return realtime.Config{
		URL:           c.Realtime.URL,
		Model:         c.Realtime.Model,
		Instructions:  c.RobotInstructions(),
		Voice:         c.Realtime.Voice,
		TurnDetection: c.Realtime.TurnDetection,
		Tools:         tools,
		ReadTimeout:   time.Duration(c.Realtime.ReadTimeoutMs) * time.Millisecond,
	}
}

// AuthConfig returns the reply service credentials.
func (c *Config) AuthConfig() realtime.AuthConfig {
	return realtime.AuthConfig{
		APIKey:       c.Realtime.APIKey,
		TokenURL:     c.Realtime.OAuth.TokenURL,
		ClientID:     c.Realtime.OAuth.ClientID,
		ClientSecret: c.Realtime.OAuth.ClientSecret,
		Scopes:       c.Realtime.OAuth.Scopes,
	}
}

// SessionConfig returns the session loop settings.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		Detector:     c.DetectorConfig(),
		MaxVolume:    c.Indicator.MaxVolume,
		QueueSize:    c.Audio.QueueSize,
		ReplyTimeout: time.Duration(c.Realtime.ReplyTimeoutMs) * time.Millisecond,
		RetryInitial: types.InitialRetryDelay,
		RetryMax:     types.MaxRetryDelay,
	}
}

// HasWebhook reports whether a webhook URL is configured.
func (c *Config) HasWebhook() bool {
	return c.Notifications.WebhookURL != ""
}

// HasTranscriber reports whether a whisper model is configured.
func (c *Config) HasTranscriber() bool {
	return c.Transcriber.ModelPath != ""
}
