// Package archive stores completed utterances as WAV files, optionally
// uploads them to S3-compatible storage, and prunes both by retention.
package archive

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for archive operations.
var (
	// ErrQueueFull is returned when Save cannot enqueue without blocking.
	ErrQueueFull = errors.New("archive queue full")
	// ErrClosed is returned by Save after Close.
	ErrClosed = errors.New("archive closed")
	// ErrS3NotConfigured is returned when the storage mode needs S3 but it is not set up.
	ErrS3NotConfigured = errors.New("S3 is not configured")
)

// StorageMode selects where archived utterances are kept.
type StorageMode string

const (
	// StorageLocal keeps WAV files in Dir only.
	StorageLocal StorageMode = "local"
	// StorageS3 uploads and then removes the local file.
	StorageS3 StorageMode = "s3"
	// StorageBoth uploads and keeps the local file until retention cleanup.
	StorageBoth StorageMode = "both"
)

// Defaults.
const (
	DefaultDir       = "utterances"
	DefaultQueueSize = 16
	filePrefix       = "utterance-"
	keyDir           = "utterances/"
	contentType      = "audio/wav"
)

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint        string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`                   // Custom S3 endpoint (empty for AWS)
	Bucket          string `json:"bucket,omitempty" yaml:"bucket,omitempty"`                       // S3 bucket name
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`         // AWS access key ID
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"` // AWS secret access key
	Prefix          string `json:"prefix,omitempty" yaml:"prefix,omitempty"`                       // Key prefix, e.g. "robot-1/"
}

// IsConfigured returns true if S3 settings are configured.
func (c *S3Config) IsConfigured() bool {
	return c.Bucket != "" && c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// Config configures an Archive.
type Config struct {
	Dir           string      `json:"dir" yaml:"dir"`
	StorageMode   StorageMode `json:"storage_mode" yaml:"storage_mode" validate:"omitempty,oneof=local s3 both"`
	RetentionDays int         `json:"retention_days" yaml:"retention_days" validate:"gte=0"` // 0 keeps files forever
	QueueSize     int         `json:"queue_size,omitempty" yaml:"queue_size,omitempty" validate:"gte=0"`
	S3            S3Config    `json:"s3" yaml:"s3"`
}

func (c Config) withDefaults() Config {
	if c.Dir == "" {
		c.Dir = DefaultDir
	}
	if c.StorageMode == "" {
		c.StorageMode = StorageLocal
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	return c
}

func (c Config) usesS3() bool {
	return c.StorageMode == StorageS3 || c.StorageMode == StorageBoth
}

func (c Config) usesLocal() bool {
	return c.StorageMode == StorageLocal || c.StorageMode == StorageBoth
}

// Filename returns the archive file name for an utterance captured at t.
// The date in the name drives retention cleanup.
func Filename(t time.Time, shortID string) string {
	return fmt.Sprintf("%s%s-%s.wav", filePrefix, t.Format("2006-01-02-15-04-05"), shortID)
}

// objectKey creates the S3 object key for a file name.
func (c Config) objectKey(filename string) string {
	prefix := c.S3.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + keyDir + filename
}
