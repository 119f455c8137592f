package archive

import (
	"context"
	"errors"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/afero"

	"github.com/jimmingcheng/pi-robot/internal/eventlog"
	"github.com/jimmingcheng/pi-robot/internal/metrics"
	"github.com/jimmingcheng/pi-robot/internal/util"
)

// cleanupHour is the local hour the daily cleanup runs at.
const cleanupHour = 3

// nextCleanup returns the next cleanup time after now.
func nextCleanup(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), cleanupHour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// cleanupScheduler runs Cleanup daily until Close.
func (a *Archive) cleanupScheduler() {
	for {
		next := nextCleanup(a.now())
		a.logger.Info("cleanup scheduler: next run scheduled", "at", next.Format(time.DateTime))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
			a.Cleanup(context.Background())
		case <-a.stopCh:
			timer.Stop()
			a.logger.Info("cleanup scheduler stopped")
			return
		}
	}
}

// Cleanup removes archived files older than the retention period, locally
// and in S3. It returns the number of files removed from each.
func (a *Archive) Cleanup(ctx context.Context) (local, remote int) {
	if a.cfg.RetentionDays <= 0 {
		return 0, 0
	}
	cutoff := a.now().AddDate(0, 0, -a.cfg.RetentionDays)

	// S3-only mode still leaves files behind when an upload failed.
	local = a.cleanupLocalFiles(cutoff)
	if a.store != nil {
		remote = a.cleanupS3Files(ctx, cutoff)
	}

	if local > 0 {
		a.metrics.FilesCleaned.WithLabelValues(metrics.StorageLocal).Add(float64(local))
		_ = a.events.LogArchive(eventlog.CleanupCompleted, eventlog.ArchiveDetails{FilesDeleted: local, StorageType: metrics.StorageLocal})
	}
	if remote > 0 {
		a.metrics.FilesCleaned.WithLabelValues(metrics.StorageS3).Add(float64(remote))
		_ = a.events.LogArchive(eventlog.CleanupCompleted, eventlog.ArchiveDetails{FilesDeleted: remote, StorageType: metrics.StorageS3})
	}
	a.logger.Info("cleanup completed", "local_deleted", local, "s3_deleted", remote)
	return local, remote
}

// cleanupLocalFiles removes local files older than cutoff.
func (a *Archive) cleanupLocalFiles(cutoff time.Time) int {
	entries, err := afero.ReadDir(a.fs, a.cfg.Dir)
	if err != nil {
		a.logger.Warn("cleanup: failed to read local directory", "path", a.cfg.Dir, "error", err)
		return 0
	}

	var deleted int
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) {
			continue
		}

		fileDate, ok := util.ExtractDateFromFilename(name)
		if !ok || !fileDate.Before(cutoff) {
			continue
		}

		filePath := filepath.Join(a.cfg.Dir, name)
		if err := a.fs.Remove(filePath); err != nil {
			a.logger.Warn("cleanup: failed to delete local file", "path", filePath, "error", err)
			continue
		}
		deleted++
		a.logger.Debug("cleanup: deleted local file", "file", name)
	}
	return deleted
}

// cleanupS3Files removes S3 objects older than cutoff.
func (a *Archive) cleanupS3Files(ctx context.Context, cutoff time.Time) int {
	ctx, cancel := context.WithTimeoutCause(ctx, 5*time.Minute, errors.New("s3 cleanup timeout"))
	defer cancel()

	prefix := a.cfg.objectKey("")
	var deleted int
	var continuationToken *string

	for {
		output, err := a.store.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(a.cfg.S3.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			a.logger.Warn("cleanup: failed to list S3 objects", "bucket", a.cfg.S3.Bucket, "error", err)
			return deleted
		}

		for _, obj := range output.Contents {
			key := aws.ToString(obj.Key)
			fileDate, ok := util.ExtractDateFromFilename(path.Base(key))
			if !ok || !fileDate.Before(cutoff) {
				continue
			}

			if _, err := a.store.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(a.cfg.S3.Bucket),
				Key:    obj.Key,
			}); err != nil {
				a.logger.Warn("cleanup: failed to delete S3 object", "key", key, "error", err)
				continue
			}
			deleted++
			a.logger.Debug("cleanup: deleted S3 object", "key", key)
		}

		if !aws.ToBool(output.IsTruncated) {
			return deleted
		}
		continuationToken = output.NextContinuationToken
	}
}
