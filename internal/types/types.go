// Package types provides shared type definitions used across the robot.
package types

import (
	"time"
)

// SessionState represents the current state of the voice session.
type SessionState string

const (
	// StateStopped indicates the session is not running.
	StateStopped SessionState = "stopped"
	// StateListening indicates the session is reading the microphone.
	StateListening SessionState = "listening"
	// StateReplying indicates a reply is being fetched and played.
	StateReplying SessionState = "replying"
)

const (
	// InitialRetryDelay is the starting delay before reconnecting to the remote service.
	InitialRetryDelay = 1000 * time.Millisecond
	// MaxRetryDelay is the maximum delay before reconnecting.
	MaxRetryDelay = 60000 * time.Millisecond
	// ShutdownTimeout is the duration to wait for graceful shutdown.
	ShutdownTimeout = 3000 * time.Millisecond
)

// AudioLevels contains the latest microphone level measurements.
type AudioLevels struct {
	RMS    float64 `json:"rms"`              // Linear RMS of the last chunk
	RMSDB  float64 `json:"rms_db"`           // RMS level in dBFS
	PeakDB float64 `json:"peak_db"`          // Held peak level in dBFS
	Clips  int     `json:"clips,omitzero"`   // Clipped samples in the last chunk
	Voiced bool    `json:"voiced,omitempty"` // RMS above the silence threshold
}

// SessionStatus contains a summary of the session's current state.
type SessionStatus struct {
	State              SessionState `json:"state"`                         // Current session state
	DetectorState      string       `json:"detector_state"`                // idle, speaking or trailing_silence
	Connected          bool         `json:"connected"`                     // Remote reply service connection open
	Uptime             string       `json:"uptime,omitzero"`               // Time since start
	Utterances         int          `json:"utterances"`                    // Completed utterances
	Discarded          int          `json:"discarded"`                     // Too-short utterances
	Replies            int          `json:"replies"`                       // Successful replies
	ReplyErrors        int          `json:"reply_errors,omitzero"`         // Failed replies
	LastUtteranceID    string       `json:"last_utterance_id,omitzero"`    // Most recent utterance
	LastTranscript     string       `json:"last_transcript,omitzero"`      // Most recent reply transcript
	LastUserTranscript string       `json:"last_user_transcript,omitzero"` // Most recent local transcript
	LastError          string       `json:"last_error,omitzero"`           // Most recent error
	RetryIn            string       `json:"retry_in,omitzero"`             // Time until the next reconnect attempt
	Levels             AudioLevels  `json:"levels"`                        // Latest microphone levels
}

// WSStatusResponse is sent to clients with the full session status.
type WSStatusResponse struct {
	Type    string        `json:"type"`    // Message type identifier
	Robot   string        `json:"robot"`   // Configured robot name
	Session SessionStatus `json:"session"` // Session status
	Version VersionInfo   `json:"version"` // Version information
}

// WSLevelsResponse is sent to clients with audio level updates.
type WSLevelsResponse struct {
	Type   string      `json:"type"`   // Message type identifier
	Levels AudioLevels `json:"levels"` // Current audio levels
}

// WSTestResult is sent to clients after a test operation completes.
type WSTestResult struct {
	Type     string `json:"type"`            // Message type identifier
	TestType string `json:"test_type"`       // Type of test performed
	Success  bool   `json:"success"`         // Test succeeded
	Error    string `json:"error,omitempty"` // Error message if failed
}

// VersionInfo contains version comparison data.
type VersionInfo struct {
	Current     string `json:"current"`              // Current version
	Latest      string `json:"latest,omitempty"`     // Latest available version
	UpdateAvail bool   `json:"update_available"`     // Update is available
	Commit      string `json:"commit,omitempty"`     // Git commit hash
	BuildTime   string `json:"build_time,omitempty"` // Build timestamp
}
