// Package eventlog records session events in a single JSON lines file: the
// session lifecycle, every utterance verdict, every reply and the archive
// uploads and cleanups that follow.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// EventType represents the type of event.
type EventType string

// Session event types.
const (
	SessionStarted EventType = "session_started"
	SessionStopped EventType = "session_stopped"
)

// Utterance event types.
const (
	UtteranceCompleted EventType = "utterance_completed"
	UtteranceDiscarded EventType = "utterance_discarded"
	Transcribed        EventType = "transcribed"
)

// Reply event types.
const (
	ReplyCompleted    EventType = "reply_completed"
	ReplyFailed       EventType = "reply_failed"
	CommandDispatched EventType = "command_dispatched"
)

// Archive event types.
const (
	UtteranceSaved   EventType = "utterance_saved"
	UploadCompleted  EventType = "upload_completed"
	UploadFailed     EventType = "upload_failed"
	CleanupCompleted EventType = "cleanup_completed"
)

// DefaultLogPath is used when the configuration leaves the path empty.
const DefaultLogPath = "logs/robot.jsonl"

// Event represents a single log entry with type-specific details.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Type      EventType `json:"type"`
	Message   string    `json:"msg,omitempty"`
	Details   any       `json:"details,omitempty"`
}

// UtteranceDetails describes a detector verdict or a transcript.
type UtteranceDetails struct {
	UtteranceID string `json:"utterance_id,omitempty"`
	Verdict     string `json:"verdict,omitempty"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
	Bytes       int    `json:"bytes,omitempty"`
	Count       int    `json:"count,omitempty"` // silence runs folded into one entry
	Transcript  string `json:"transcript,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ReplyDetails describes one reply cycle.
type ReplyDetails struct {
	UtteranceID string   `json:"utterance_id,omitempty"`
	ResponseID  string   `json:"response_id,omitempty"`
	Transcript  string   `json:"transcript,omitempty"`
	Commands    []string `json:"commands,omitempty"`
	AudioBytes  int      `json:"audio_bytes,omitempty"`
	LatencyMs   int64    `json:"latency_ms,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// ArchiveDetails describes a saved file, an upload or a cleanup run.
type ArchiveDetails struct {
	Filename     string `json:"filename,omitempty"`
	S3Key        string `json:"s3_key,omitempty"`
	Error        string `json:"error,omitempty"`
	FilesDeleted int    `json:"files_deleted,omitempty"`
	StorageType  string `json:"storage_type,omitempty"` // "local" or "s3" for cleanup
}

// Logger writes events to a JSON lines file. A nil *Logger discards events.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     afero.File
	encoder  *json.Encoder
	now      func() time.Time
}

// NewLogger creates a new event logger at the specified path.
func NewLogger(fs afero.Fs, filePath string) (*Logger, error) {
	if filePath == "" {
		filePath = DefaultLogPath
	}
	if err := fs.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := fs.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{
		filePath: filePath,
		file:     file,
		encoder:  json.NewEncoder(file),
		now:      time.Now,
	}, nil
}

// Log writes an event to the log file.
func (l *Logger) Log(event *Event) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}
	return l.encoder.Encode(event)
}

// LogSession logs a session lifecycle event.
func (l *Logger) LogSession(eventType EventType, message string) error {
	return l.Log(&Event{Type: eventType, Message: message})
}

// LogUtterance logs a detector verdict or transcript.
func (l *Logger) LogUtterance(eventType EventType, details UtteranceDetails) error {
	return l.Log(&Event{Type: eventType, Details: &details})
}

// LogReply logs a reply cycle or a dispatched command.
func (l *Logger) LogReply(eventType EventType, details ReplyDetails) error {
	return l.Log(&Event{Type: eventType, Details: &details})
}

// LogArchive logs an archive event.
func (l *Logger) LogArchive(eventType EventType, details ArchiveDetails) error {
	return l.Log(&Event{Type: eventType, Details: &details})
}

// Close closes the log file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Path returns the path to the log file.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.filePath
}

// TypeFilter specifies which event types to include when reading.
type TypeFilter string

// Filter constants for ReadLast.
const (
	FilterAll       TypeFilter = ""
	FilterSession   TypeFilter = "session"
	FilterUtterance TypeFilter = "utterance"
	FilterReply     TypeFilter = "reply"
	FilterArchive   TypeFilter = "archive"
)

// MaxReadLimit is the maximum number of events that can be read at once.
const MaxReadLimit = 500

// ReadLast reads events newest first, skipping offset matching events and
// returning at most n. The boolean reports whether older events remain.
func ReadLast(fs afero.Fs, filePath string, n, offset int, filter TypeFilter) ([]Event, bool, error) {
	n = min(n, MaxReadLimit)
	if n <= 0 {
		return []Event{}, false, nil
	}

	file, err := fs.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, false, nil
		}
		return nil, false, err
	}
	defer file.Close() //nolint:errcheck // Read-only operation, close error not critical

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	events := make([]Event, 0, n)
	skipped := 0
	for i := len(lines) - 1; i >= 0; i-- {
		var event Event
		if err := json.Unmarshal([]byte(lines[i]), &event); err != nil {
			continue // Skip malformed lines
		}
		if !filter.Matches(event.Type) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(events) == n {
			return events, true, nil
		}
		events = append(events, event)
	}

	return events, false, nil
}

// Matches reports whether t belongs to the filter's category.
func (f TypeFilter) Matches(t EventType) bool {
	switch f {
	case FilterAll:
		return true
	case FilterSession:
		return t == SessionStarted || t == SessionStopped
	case FilterUtterance:
		return t == UtteranceCompleted || t == UtteranceDiscarded || t == Transcribed
	case FilterReply:
		return t == ReplyCompleted || t == ReplyFailed || t == CommandDispatched
	case FilterArchive:
		return t == UtteranceSaved || t == UploadCompleted || t == UploadFailed || t == CleanupCompleted
	default:
		return false
	}
}
