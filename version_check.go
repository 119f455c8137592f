package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"github.com/jimmingcheng/pi-robot/internal/types"
	"github.com/jimmingcheng/pi-robot/internal/util"
)

const (
	latestReleaseURL = "https://api.github.com/repos/jimmingcheng/pi-robot/releases/latest"

	releasePollInterval = 24 * time.Hour
	releaseFirstPoll    = 30 * time.Second
	releaseRetryDelay   = time.Minute
	releaseMaxAttempts  = 3
	releaseTimeout      = 30 * time.Second
)

// errReleaseUnavailable marks a poll worth retrying: rate limits, server
// errors and network failures.
var errReleaseUnavailable = errors.New("release information unavailable")

// VersionChecker polls for the latest published release in the background.
// A nil checker reports only the running version.
type VersionChecker struct {
	url    string
	client *http.Client
	logger *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	latest string
	etag   string
}

// NewVersionChecker starts polling the GitHub releases API.
func NewVersionChecker(logger *slog.Logger) *VersionChecker {
	vc := newVersionChecker(latestReleaseURL, logger)
	ctx, cancel := context.WithCancel(context.Background())
	vc.cancel = cancel
	vc.wg.Go(func() { vc.run(ctx) })
	return vc
}

func newVersionChecker(url string, logger *slog.Logger) *VersionChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &VersionChecker{
		url:    url,
		client: &http.Client{Timeout: releaseTimeout},
		logger: logger.With("component", "version"),
	}
}

// Stop ends polling and waits for an in-flight request.
func (vc *VersionChecker) Stop() {
	if vc == nil || vc.cancel == nil {
		return
	}
	vc.cancel()
	vc.wg.Wait()
}

// run polls once after a short delay, then daily. Failed polls are retried
// a few times a minute apart before waiting for the next day.
func (vc *VersionChecker) run(ctx context.Context) {
	timer := time.NewTimer(releaseFirstPoll)
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		next := releasePollInterval
		if err := vc.poll(ctx); err != nil {
			failures++
			if failures < releaseMaxAttempts {
				next = releaseRetryDelay
			} else {
				vc.logger.Debug("release check failed", "attempts", failures, "error", err)
				failures = 0
			}
		} else {
			failures = 0
		}
		timer.Reset(next)
	}
}

// poll asks for the latest release once. It returns an error wrapping
// errReleaseUnavailable when the request should be retried.
func (vc *VersionChecker) poll(ctx context.Context) error {
	ctx, cancel := context.WithTimeoutCause(ctx, releaseTimeout, errors.New("release request timeout"))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, vc.url, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "pi-robot/"+Version)
	vc.mu.RLock()
	if vc.etag != "" {
		req.Header.Set("If-None-Match", vc.etag)
	}
	vc.mu.RUnlock()

	resp, err := vc.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", errReleaseUnavailable, err)
	}
	defer util.SafeCloseFunc(resp.Body, "release response")()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s", errReleaseUnavailable, resp.Status)
	default:
		// 304 means unchanged; 404 means nothing published yet.
		return nil
	}

	var release struct {
		TagName    string `json:"tag_name"`
		Draft      bool   `json:"draft"`
		Prerelease bool   `json:"prerelease"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return fmt.Errorf("%w: decode release: %w", errReleaseUnavailable, err)
	}
	if release.Draft || release.Prerelease || release.TagName == "" {
		return nil
	}

	vc.mu.Lock()
	vc.latest = strings.TrimPrefix(release.TagName, "v")
	vc.etag = resp.Header.Get("ETag")
	vc.mu.Unlock()
	vc.logger.Debug("latest release", "version", release.TagName)
	return nil
}

// Info returns the running and latest known versions.
func (vc *VersionChecker) Info() types.VersionInfo {
	info := types.VersionInfo{
		Current:   strings.TrimPrefix(strings.TrimSpace(Version), "v"),
		Commit:    Commit,
		BuildTime: util.FormatHumanTime(BuildTime),
	}
	if vc == nil {
		return info
	}

	vc.mu.RLock()
	info.Latest = vc.latest
	vc.mu.RUnlock()
	info.UpdateAvail = info.Latest != "" && isNewerVersion(info.Latest, info.Current)
	return info
}

// isNewerVersion reports whether latest is a newer semantic version than
// current. Builds without a semantic version never see an update.
func isNewerVersion(latest, current string) bool {
	l, c := "v"+strings.TrimPrefix(latest, "v"), "v"+strings.TrimPrefix(current, "v")
	return semver.IsValid(l) && semver.IsValid(c) && semver.Compare(l, c) > 0
}
