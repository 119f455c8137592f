package archive

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/jimmingcheng/pi-robot/internal/audio"
	"github.com/jimmingcheng/pi-robot/internal/eventlog"
	"github.com/jimmingcheng/pi-robot/internal/metrics"
)

// Archive writes utterances to disk on a background worker and uploads them
// when S3 is configured. Save never blocks the caller.
type Archive struct {
	fs      afero.Fs
	cfg     Config
	store   objectStore
	events  *eventlog.Logger
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	closed bool
	queue  chan audio.Utterance

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an archive rooted at cfg.Dir. Start must be called before
// utterances are written.
func New(fs afero.Fs, cfg Config, events *eventlog.Logger, m *metrics.Metrics, logger *slog.Logger) (*Archive, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New(nil)
	}

	var store objectStore
	if cfg.usesS3() {
		if !cfg.S3.IsConfigured() {
			return nil, fmt.Errorf("storage mode %s: %w", cfg.StorageMode, ErrS3NotConfigured)
		}
		store = createS3Client(&cfg.S3)
	}

	return newArchive(fs, cfg, store, events, m, logger)
}

func newArchive(fs afero.Fs, cfg Config, store objectStore, events *eventlog.Logger, m *metrics.Metrics, logger *slog.Logger) (*Archive, error) {
	if err := fs.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &Archive{
		fs:      fs,
		cfg:     cfg,
		store:   store,
		events:  events,
		metrics: m,
		logger:  logger.With("component", "archive"),
		now:     time.Now,
		queue:   make(chan audio.Utterance, cfg.QueueSize),
		stopCh:  make(chan struct{}),
	}, nil
}

// Start launches the write/upload worker and the daily cleanup scheduler.
func (a *Archive) Start() {
	a.wg.Go(a.worker)
	if a.cfg.RetentionDays > 0 {
		a.wg.Go(a.cleanupScheduler)
	}
	a.logger.Info("archive started",
		"dir", a.cfg.Dir,
		"storage_mode", a.cfg.StorageMode,
		"retention_days", a.cfg.RetentionDays)
}

// Save queues u for writing. It returns ErrQueueFull instead of blocking.
func (a *Archive) Save(u audio.Utterance) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}

	select {
	case a.queue <- u:
		return nil
	default:
		a.logger.Warn("archive queue full, dropping utterance", "utterance_id", u.ID)
		return ErrQueueFull
	}
}

// worker processes the queue, draining remaining items on shutdown.
func (a *Archive) worker() {
	for {
		select {
		case <-a.stopCh:
			for {
				select {
				case u := <-a.queue:
					a.persist(u)
				default:
					return
				}
			}
		case u := <-a.queue:
			a.persist(u)
		}
	}
}

// persist writes one utterance and uploads it if needed.
func (a *Archive) persist(u audio.Utterance) {
	capturedAt := u.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = a.now()
	}
	filename := Filename(capturedAt, u.ShortID())
	path := filepath.Join(a.cfg.Dir, filename)

	size, err := writeWAV(a.fs, path, u.Audio, u.SampleRate)
	if err != nil {
		a.logger.Error("failed to write utterance", "utterance_id", u.ID, "error", err)
		_ = a.events.LogArchive(eventlog.UtteranceSaved, eventlog.ArchiveDetails{Filename: filename, Error: err.Error()})
		return
	}
	a.logger.Debug("utterance saved", "file", filename, "bytes", size)
	_ = a.events.LogArchive(eventlog.UtteranceSaved, eventlog.ArchiveDetails{Filename: filename})

	if a.store != nil {
		a.uploadFile(path)
	}
}

// Close stops accepting utterances, writes those already queued and waits
// for the worker and scheduler to exit.
func (a *Archive) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	close(a.stopCh)
	a.wg.Wait()
	a.logger.Info("archive stopped")
	return nil
}
