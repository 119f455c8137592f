package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/jimmingcheng/pi-robot/internal/eventlog"
	"github.com/jimmingcheng/pi-robot/internal/metrics"
)

// uploadTimeout bounds a single PutObject.
const uploadTimeout = 5 * time.Minute

// objectStore is the subset of *s3.Client the archive uses.
type objectStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// createS3Client creates an S3 client with the given configuration.
func createS3Client(cfg *S3Config) *s3.Client {
	creds := credentials.NewStaticCredentialsProvider(
		cfg.AccessKeyID,
		cfg.SecretAccessKey,
		"",
	)

	options := []func(*s3.Options){
		func(o *s3.Options) {
			o.Credentials = creds
			o.Region = "auto"
		},
	}

	if cfg.Endpoint != "" {
		options = append(options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return s3.New(s3.Options{}, options...)
}

// CheckS3Connection verifies the bucket is writable by uploading and deleting
// a small marker object.
func CheckS3Connection(ctx context.Context, cfg *S3Config) error {
	if !cfg.IsConfigured() {
		return ErrS3NotConfigured
	}
	return checkStore(ctx, createS3Client(cfg), cfg.Bucket)
}

func checkStore(ctx context.Context, store objectStore, bucket string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	testKey := fmt.Sprintf("test-connection-%d.txt", time.Now().UnixNano())
	testContent := []byte("robot archive connection test")

	_, err := store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(testKey),
		Body:          bytes.NewReader(testContent),
		ContentLength: aws.Int64(int64(len(testContent))),
	})
	if err != nil {
		return fmt.Errorf("upload test file: %w", err)
	}

	if _, err := store.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(testKey),
	}); err != nil {
		return fmt.Errorf("delete test file: %w", err)
	}
	return nil
}

// uploadFile uploads a local WAV file and, in S3-only mode, removes it.
func (a *Archive) uploadFile(localPath string) {
	filename := filepath.Base(localPath)
	key := a.cfg.objectKey(filename)

	err := a.putFile(localPath, key)
	if err != nil {
		a.logger.Error("upload failed", "s3_key", key, "error", err)
		a.metrics.Uploads.WithLabelValues(metrics.StatusFailed).Inc()
		_ = a.events.LogArchive(eventlog.UploadFailed, eventlog.ArchiveDetails{Filename: filename, S3Key: key, Error: err.Error()})
		return
	}

	a.logger.Info("upload completed", "s3_key", key)
	a.metrics.Uploads.WithLabelValues(metrics.StatusCompleted).Inc()
	_ = a.events.LogArchive(eventlog.UploadCompleted, eventlog.ArchiveDetails{Filename: filename, S3Key: key})

	// For "both" mode the file stays until retention cleanup.
	if a.cfg.StorageMode == StorageS3 {
		if err := a.fs.Remove(localPath); err != nil {
			a.logger.Warn("failed to delete local file after upload", "path", localPath, "error", err)
		}
	}
}

func (a *Archive) putFile(localPath, key string) error {
	ctx, cancel := context.WithTimeoutCause(
		context.Background(),
		uploadTimeout,
		errors.New("s3 upload timeout"),
	)
	defer cancel()

	file, err := a.fs.Open(localPath)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			a.logger.Warn("failed to close file after upload", "path", localPath, "error", err)
		}
	}()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}

	_, err = a.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.cfg.S3.Bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType),
	})
	return err
}
