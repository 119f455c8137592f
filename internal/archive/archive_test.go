package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"

	"github.com/jimmingcheng/pi-robot/internal/audio"
	"github.com/jimmingcheng/pi-robot/internal/eventlog"
	"github.com/jimmingcheng/pi-robot/internal/metrics"
)

// fakeStore is an in-memory objectStore.
type fakeStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	types    map[string]string
	putErr   error
	pageSize int
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}, types: map[string]string{}, pageSize: 2}
}

func (f *fakeStore) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != aws.ToInt64(in.ContentLength) {
		return nil, fmt.Errorf("content length %d, read %d", aws.ToInt64(in.ContentLength), len(data))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.types[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeStore) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeStore) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	// The token is the last key of the previous page.
	start := 0
	if in.ContinuationToken != nil {
		start = sort.SearchStrings(keys, *in.ContinuationToken)
		if start < len(keys) && keys[start] == *in.ContinuationToken {
			start++
		}
	}
	end := min(start+f.pageSize, len(keys))
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end-1])
	}
	return out, nil
}

func (f *fakeStore) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newTestArchive(t *testing.T, fs afero.Fs, cfg Config, store objectStore) *Archive {
	t.Helper()
	a, err := newArchive(fs, cfg.withDefaults(), store, nil, metrics.New(nil), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("newArchive() error = %v", err)
	}
	return a
}

func testUtterance(at time.Time) audio.Utterance {
	samples := make([]int16, 2400)
	for i := range samples {
		samples[i] = int16(i%200*100 - 10000)
	}
	return audio.Utterance{
		ID:         "1a2b3c4d-0000-0000-0000-000000000000",
		Audio:      audio.SamplesToBytes(samples),
		SampleRate: 24000,
		CapturedAt: at,
	}
}

func TestSaveWritesWAV(t *testing.T) {
	fs := afero.NewMemMapFs()
	a := newTestArchive(t, fs, Config{Dir: "/data/utterances"}, nil)
	a.Start()

	at := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
	u := testUtterance(at)
	if err := a.Save(u); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join("/data/utterances", "utterance-2025-03-14-15-09-26-1a2b3c4d.wav")
	f, err := fs.Open(path)
	if err != nil {
		t.Fatalf("archived file missing: %v", err)
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	buf, err := d.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.SampleRate != 24000 || d.NumChans != 1 || d.BitDepth != 16 {
		t.Errorf("header = %d Hz, %d ch, %d bit", d.SampleRate, d.NumChans, d.BitDepth)
	}
	want := u.Audio
	got := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		got[i] = int16(v)
	}
	if string(audio.SamplesToBytes(got)) != string(want) {
		t.Error("decoded samples differ from the utterance")
	}
}

func TestSaveAfterClose(t *testing.T) {
	a := newTestArchive(t, afero.NewMemMapFs(), Config{}, nil)
	a.Start()
	_ = a.Close()
	if err := a.Save(testUtterance(time.Now())); !errors.Is(err, ErrClosed) {
		t.Errorf("Save() after Close error = %v, want ErrClosed", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestSaveQueueFull(t *testing.T) {
	// Not started: nothing drains the queue.
	a := newTestArchive(t, afero.NewMemMapFs(), Config{QueueSize: 1}, nil)
	if err := a.Save(testUtterance(time.Now())); err != nil {
		t.Fatalf("first Save() error = %v", err)
	}
	if err := a.Save(testUtterance(time.Now())); !errors.Is(err, ErrQueueFull) {
		t.Errorf("second Save() error = %v, want ErrQueueFull", err)
	}
}

func TestUploadModes(t *testing.T) {
	tests := []struct {
		mode      StorageMode
		keepLocal bool
	}{
		{StorageS3, false},
		{StorageBoth, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			fs := afero.NewMemMapFs()
			store := newFakeStore()
			a := newTestArchive(t, fs, Config{
				Dir:         "/arc",
				StorageMode: tt.mode,
				S3:          S3Config{Bucket: "b", Prefix: "robot-1"},
			}, store)
			a.Start()

			at := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
			if err := a.Save(testUtterance(at)); err != nil {
				t.Fatal(err)
			}
			_ = a.Close()

			wantKey := "robot-1/utterances/utterance-2025-03-14-15-09-26-1a2b3c4d.wav"
			if keys := store.keys(); len(keys) != 1 || keys[0] != wantKey {
				t.Fatalf("uploaded keys = %v, want [%s]", keys, wantKey)
			}
			if store.types[wantKey] != "audio/wav" {
				t.Errorf("content type = %q", store.types[wantKey])
			}
			exists, _ := afero.Exists(fs, "/arc/utterance-2025-03-14-15-09-26-1a2b3c4d.wav")
			if exists != tt.keepLocal {
				t.Errorf("local file exists = %v, want %v", exists, tt.keepLocal)
			}
		})
	}
}

func TestUploadFailureKeepsLocalFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := newFakeStore()
	store.putErr = errors.New("503 slow down")

	logFs := afero.NewMemMapFs()
	events, err := eventlog.NewLogger(logFs, "/events.jsonl")
	if err != nil {
		t.Fatal(err)
	}
	a, err := newArchive(fs, Config{Dir: "/arc", StorageMode: StorageS3, S3: S3Config{Bucket: "b"}}.withDefaults(),
		store, events, metrics.New(nil), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	a.Start()
	_ = a.Save(testUtterance(time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)))
	_ = a.Close()
	_ = events.Close()

	if exists, _ := afero.Exists(fs, "/arc/utterance-2025-01-02-03-04-05-1a2b3c4d.wav"); !exists {
		t.Error("local file removed after failed upload")
	}
	got, _, err := eventlog.ReadLast(logFs, "/events.jsonl", 10, 0, eventlog.FilterArchive)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Type != eventlog.UploadFailed || got[1].Type != eventlog.UtteranceSaved {
		t.Errorf("events = %+v", got)
	}
}

func TestCleanup(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := newFakeStore()
	a := newTestArchive(t, fs, Config{
		Dir:           "/arc",
		StorageMode:   StorageBoth,
		RetentionDays: 7,
		S3:            S3Config{Bucket: "b"},
	}, store)
	a.now = func() time.Time { return time.Date(2025, 6, 20, 12, 0, 0, 0, time.UTC) }

	files := []string{
		"utterance-2025-06-01-10-00-00-aaaaaaaa.wav", // old
		"utterance-2025-06-12-23-59-59-bbbbbbbb.wav", // old
		"utterance-2025-06-14-00-00-00-cccccccc.wav", // kept
		"utterance-2025-06-19-08-00-00-dddddddd.wav", // recent
		"notes-2020-01-01.txt",                       // not ours
	}
	for _, name := range files {
		_ = afero.WriteFile(fs, filepath.Join("/arc", name), []byte("x"), 0o644)
		if strings.HasPrefix(name, "utterance-") {
			store.objects["utterances/"+name] = []byte("x")
		}
	}
	store.objects["elsewhere/utterance-2020-01-01-00-00-00-eeeeeeee.wav"] = []byte("x")

	local, remote := a.Cleanup(context.Background())
	if local != 2 || remote != 2 {
		t.Errorf("Cleanup() = (%d, %d), want (2, 2)", local, remote)
	}

	for _, name := range files[2:] {
		if exists, _ := afero.Exists(fs, filepath.Join("/arc", name)); !exists {
			t.Errorf("%s removed", name)
		}
	}
	wantKeys := []string{
		"elsewhere/utterance-2020-01-01-00-00-00-eeeeeeee.wav",
		"utterances/utterance-2025-06-14-00-00-00-cccccccc.wav",
		"utterances/utterance-2025-06-19-08-00-00-dddddddd.wav",
	}
	if got := store.keys(); strings.Join(got, ",") != strings.Join(wantKeys, ",") {
		t.Errorf("remaining keys = %v", got)
	}
}

func TestCleanupDisabled(t *testing.T) {
	a := newTestArchive(t, afero.NewMemMapFs(), Config{}, nil)
	if l, r := a.Cleanup(context.Background()); l != 0 || r != 0 {
		t.Errorf("Cleanup() = (%d, %d) with retention 0", l, r)
	}
}

func TestNextCleanup(t *testing.T) {
	tests := []struct {
		now, want time.Time
	}{
		{time.Date(2025, 1, 1, 1, 0, 0, 0, time.UTC), time.Date(2025, 1, 1, 3, 0, 0, 0, time.UTC)},
		{time.Date(2025, 1, 1, 3, 0, 0, 0, time.UTC), time.Date(2025, 1, 2, 3, 0, 0, 0, time.UTC)},
		{time.Date(2025, 12, 31, 22, 0, 0, 0, time.UTC), time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := nextCleanup(tt.now); !got.Equal(tt.want) {
			t.Errorf("nextCleanup(%v) = %v, want %v", tt.now, got, tt.want)
		}
	}
}

func TestNewRequiresS3(t *testing.T) {
	_, err := New(afero.NewMemMapFs(), Config{StorageMode: StorageS3}, nil, nil, nil)
	if !errors.Is(err, ErrS3NotConfigured) {
		t.Errorf("New() error = %v, want ErrS3NotConfigured", err)
	}
}

func TestCheckStore(t *testing.T) {
	store := newFakeStore()
	if err := checkStore(context.Background(), store, "b"); err != nil {
		t.Fatalf("checkStore() error = %v", err)
	}
	if keys := store.keys(); len(keys) != 0 {
		t.Errorf("test object left behind: %v", keys)
	}

	store.putErr = errors.New("denied")
	if err := checkStore(context.Background(), store, "b"); err == nil {
		t.Error("checkStore() succeeded with failing PutObject")
	}
}
