// Package main runs a voice-interactive robot: it listens on the microphone,
// sends each spoken utterance to a realtime speech service, plays the spoken
// reply while the mouth light follows its volume, and moves the face when the
// service asks it to.
//
// Usage:
//
//	pi-robot [-config path/to/config.json] [-list-devices] [-v]
//
// If -config is not specified, the robot looks for config.json in the same
// directory as the binary. YAML files (.yaml, .yml) are also accepted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"

	"github.com/jimmingcheng/pi-robot/internal/archive"
	"github.com/jimmingcheng/pi-robot/internal/audio"
	"github.com/jimmingcheng/pi-robot/internal/body"
	"github.com/jimmingcheng/pi-robot/internal/config"
	"github.com/jimmingcheng/pi-robot/internal/eventlog"
	"github.com/jimmingcheng/pi-robot/internal/metrics"
	"github.com/jimmingcheng/pi-robot/internal/notify"
	"github.com/jimmingcheng/pi-robot/internal/realtime"
	"github.com/jimmingcheng/pi-robot/internal/server"
	"github.com/jimmingcheng/pi-robot/internal/session"
	"github.com/jimmingcheng/pi-robot/internal/transcribe"
	"github.com/jimmingcheng/pi-robot/internal/types"
	"github.com/jimmingcheng/pi-robot/internal/util"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: config.json next to binary)")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	listDevices := flag.Bool("list-devices", false, "List audio devices and exit")
	verbose := flag.Bool("v", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *showVersion {
		logger.Info("version info", "version", Version, "commit", Commit, "build_time", BuildTime)
		return
	}

	if *listDevices {
		if err := printDevices(); err != nil {
			logger.Error("failed to list audio devices", "error", err)
			os.Exit(1)
		}
		return
	}

	if *configPath == "" {
		execPath, err := os.Executable()
		if err != nil {
			logger.Error("failed to get executable path", "error", err)
			os.Exit(1)
		}
		*configPath = filepath.Join(filepath.Dir(execPath), config.DefaultPath)
	}

	if err := run(*configPath, logger); err != nil {
		logger.Error("robot stopped", "error", err)
		os.Exit(1)
	}
}

// printDevices writes the host's audio devices to stdout.
func printDevices() error {
	host, err := audio.OpenHost()
	if err != nil {
		return err
	}
	defer util.SafeCloseFunc(host, "audio host")()

	devices, err := host.Devices()
	if err != nil {
		return err
	}
	for _, d := range devices {
		fmt.Printf("%-40s in=%d out=%d rate=%.0f\n", d.Name, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate)
	}
	return nil
}

// run wires the robot together and blocks until a shutdown signal arrives or
// the session fails.
func run(configPath string, logger *slog.Logger) error {
	fs := afero.NewOsFs()

	cfg := config.New(fs, configPath)
	logger.Info("using config file", "path", cfg.Path())
	if err := cfg.Load(); err != nil {
		return util.WrapError("load config", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), util.ShutdownSignals()...)
	defer stop()

	m := metrics.New(prometheus.NewRegistry())
	m.RegisterRuntime()

	events, err := eventlog.NewLogger(fs, cfg.EventLog.Path)
	if err != nil {
		return util.WrapError("open event log", err)
	}
	defer util.SafeCloseFunc(events, "event log")()

	host, err := audio.OpenHost()
	if err != nil {
		return err
	}
	defer util.SafeCloseFunc(host, "audio host")()

	mic, err := host.OpenCapture(cfg.CaptureConfig())
	if err != nil {
		return util.WrapError("open microphone", err)
	}
	speaker, err := host.OpenPlayback(cfg.PlaybackConfig())
	if err != nil {
		_ = mic.Close()
		return util.WrapError("open speaker", err)
	}

	face := body.New(fs, cfg.BodyConfig(), logger)
	if cfg.HasButtons() {
		buttons, err := body.NewButtons(fs, cfg.Body.Buttons, face, logger)
		if err != nil {
			_ = errors.Join(mic.Close(), speaker.Close(), face.Close())
			return util.WrapError("set up buttons", err)
		}
		go func() {
			if err := buttons.Run(ctx); err != nil {
				logger.Warn("buttons disabled", "error", err)
			}
		}()
	}

	tokens, err := realtime.NewTokenSource(ctx, cfg.AuthConfig())
	if err != nil {
		_ = errors.Join(mic.Close(), speaker.Close(), face.Close())
		return util.WrapError("create token source", err)
	}
	client := realtime.New(cfg.RealtimeConfig([]realtime.Tool{{
		Type:        "function",
		Name:        body.ToolName,
		Description: body.ToolDescription,
		Parameters:  body.ToolParameters(),
	}}), tokens, logger)
	if err := client.Connect(ctx); err != nil {
		logger.Warn("realtime service unreachable, retrying on the first utterance", "error", err)
	}

	store, err := openArchive(ctx, fs, cfg, events, m, logger)
	if err != nil {
		_ = errors.Join(mic.Close(), speaker.Close(), client.Close(), face.Close())
		return err
	}
	defer util.SafeCloseFunc(store, "archive")()

	deps := session.Deps{
		Source:    mic,
		Sink:      speaker,
		Replier:   client,
		Indicator: face.Indicator(),
		Body:      face,
		Archive:   store,
		Events:    events,
		Metrics:   m,
		Logger:    logger,
	}

	if cfg.HasTranscriber() {
		tr, err := transcribe.Open(cfg.Transcriber, logger)
		if err != nil {
			logger.Warn("local transcription disabled", "error", err)
		} else {
			defer util.SafeCloseFunc(tr, "transcriber")()
			deps.Transcriber = tr
		}
	}

	webhook := notify.NewWebhook(cfg.Notifications.WebhookURL, cfg.Name)
	if cfg.HasWebhook() {
		deps.Notifier = webhook
	}

	sess, err := session.New(cfg.SessionConfig(), deps)
	if err != nil {
		_ = errors.Join(mic.Close(), speaker.Close(), client.Close(), face.Close())
		return err
	}

	version := NewVersionChecker(logger)
	defer version.Stop()

	if !cfg.Server.Disabled {
		srv := NewServer(cfg.Name, ServerDeps{
			Status:  sess,
			Metrics: m,
			Events: server.EventReaderFunc(func(n, offset int, filter eventlog.TypeFilter) ([]eventlog.Event, bool, error) {
				return eventlog.ReadLast(fs, events.Path(), n, offset, filter)
			}),
			Webhook: webhook,
			Devices: host,
			Version: version,
			Logger:  logger,
		})
		httpServer := srv.Start(cfg.Server.Port)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), types.ShutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("HTTP server shutdown error", "error", err)
			}
		}()
	}

	logger.Info("robot ready", "name", cfg.Name, "model", cfg.Realtime.Model)
	runErr := sess.Run(ctx)

	logger.Info("shutting down")
	if err := sess.Close(); err != nil {
		logger.Error("error closing session", "error", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	logger.Info("shutdown complete")
	return nil
}

// openArchive checks the archive destinations and starts the archive.
// Connection problems are logged; the archive still keeps local files.
func openArchive(ctx context.Context, fs afero.Fs, cfg *config.Config, events *eventlog.Logger, m *metrics.Metrics, logger *slog.Logger) (*archive.Archive, error) {
	if err := util.CheckPathWritable(fs, cfg.Archive.Dir); err != nil {
		return nil, util.WrapError("check archive directory", err)
	}
	if cfg.Archive.StorageMode != "" && cfg.Archive.StorageMode != archive.StorageLocal {
		if err := archive.CheckS3Connection(ctx, &cfg.Archive.S3); err != nil {
			logger.Warn("S3 connection check failed", "bucket", cfg.Archive.S3.Bucket, "error", err)
		}
	}

	store, err := archive.New(fs, cfg.Archive, events, m, logger)
	if err != nil {
		return nil, util.WrapError("create archive", err)
	}
	store.Start()
	return store, nil
}
