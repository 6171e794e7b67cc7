package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/muniplan/internal/store"
)

// mockSnapshotStore implements the SnapshotStore interface for testing.
type mockSnapshotStore struct {
	mu               sync.Mutex
	generateCalls    int
	generateErr      error
	generateDuration time.Duration
	path             string
	pathErr          error
}

func (m *mockSnapshotStore) GenerateSnapshot(ctx context.Context) error {
	m.mu.Lock()
	m.generateCalls++
	duration := m.generateDuration
	err := m.generateErr
	m.mu.Unlock()

	// Runs to completion once started, like VACUUM INTO.
	if duration > 0 {
		time.Sleep(duration)
	}
	return err
}

func (m *mockSnapshotStore) SnapshotPath(ctx context.Context) (string, error) {
	return m.path, m.pathErr
}

func (m *mockSnapshotStore) GetGenerateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generateCalls
}

// mockUploader records uploads.
type mockUploader struct {
	mu      sync.Mutex
	paths   []string
	times   []time.Time
	err     error
	presign string
}

func (m *mockUploader) Upload(_ context.Context, filePath string, takenAt time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.paths = append(m.paths, filePath)
	m.times = append(m.times, takenAt)
	return "archive/key.db", nil
}

func (m *mockUploader) PresignedURL(context.Context) (string, time.Time, error) {
	return m.presign, time.Now(), nil
}

func (m *mockUploader) uploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.paths)
}

// runFor runs fn in a goroutine for d, then cancels and waits for it.
func runFor(d time.Duration, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fn(ctx)
		close(done)
	}()
	time.Sleep(d)
	cancel()
	<-done
}

func TestSnapshotWorker_GeneratesOnStart(t *testing.T) {
	store := &mockSnapshotStore{}
	worker := NewSnapshotWorker(store, 1*time.Hour, nil)

	runFor(50*time.Millisecond, worker.Run)

	if store.GetGenerateCalls() < 1 {
		t.Errorf("Expected at least 1 GenerateSnapshot call on start, got %d", store.GetGenerateCalls())
	}
}

func TestSnapshotWorker_GeneratesOnInterval(t *testing.T) {
	store := &mockSnapshotStore{}
	worker := NewSnapshotWorker(store, 50*time.Millisecond, nil)

	// Wait for initial + at least 2 interval ticks
	runFor(150*time.Millisecond, worker.Run)

	if calls := store.GetGenerateCalls(); calls < 3 {
		t.Errorf("Expected at least 3 GenerateSnapshot calls (initial + 2 intervals), got %d", calls)
	}
}

func TestSnapshotWorker_StopsOnContextCancel(t *testing.T) {
	worker := NewSnapshotWorker(&mockSnapshotStore{}, 1*time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Worker did not stop on context cancellation")
	}
}

func TestSnapshotWorker_ContinuesAfterErrors(t *testing.T) {
	store := &mockSnapshotStore{generateErr: errors.New("disk full")}
	uploader := &mockUploader{}
	worker := NewSnapshotWorker(store, 50*time.Millisecond, uploader)

	runFor(120*time.Millisecond, worker.Run)

	if calls := store.GetGenerateCalls(); calls < 2 {
		t.Errorf("Expected multiple GenerateSnapshot calls even with errors, got %d", calls)
	}
	if uploader.uploads() != 0 {
		t.Error("failed snapshots must not be uploaded")
	}
}

func TestSnapshotWorker_CompletesInProgressOnShutdown(t *testing.T) {
	store := &mockSnapshotStore{generateDuration: 100 * time.Millisecond}
	worker := NewSnapshotWorker(store, 1*time.Hour, nil)

	startTime := time.Now()
	runFor(30*time.Millisecond, worker.Run)

	// Generation takes 100ms and we cancelled at 30ms.
	if duration := time.Since(startTime); duration < 80*time.Millisecond {
		t.Errorf("Worker did not complete in-progress snapshot, duration: %v", duration)
	}
}

func TestSnapshotWorker_UploadsAfterGeneration(t *testing.T) {
	store := &mockSnapshotStore{path: "/data/snapshots/current.db"}
	uploader := &mockUploader{}
	worker := NewSnapshotWorker(store, 1*time.Hour, uploader)
	fixed := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	worker.now = func() time.Time { return fixed }

	runFor(50*time.Millisecond, worker.Run)

	if uploader.uploads() != 1 {
		t.Fatalf("uploads = %d, want 1", uploader.uploads())
	}
	if uploader.paths[0] != "/data/snapshots/current.db" {
		t.Errorf("path = %q", uploader.paths[0])
	}
	if !uploader.times[0].Equal(fixed) {
		t.Errorf("takenAt = %v, want %v", uploader.times[0], fixed)
	}
}

func TestSnapshotWorker_UploadFailureIsNotFatal(t *testing.T) {
	store := &mockSnapshotStore{path: "/x.db"}
	uploader := &mockUploader{err: errors.New("bucket missing")}
	worker := NewSnapshotWorker(store, 30*time.Millisecond, uploader)

	runFor(100*time.Millisecond, worker.Run)

	if store.GetGenerateCalls() < 2 {
		t.Errorf("worker should keep generating after upload failures, got %d calls", store.GetGenerateCalls())
	}
}

func TestSnapshotWorker_SkipsUploadWithoutPath(t *testing.T) {
	store := &mockSnapshotStore{pathErr: errors.New("no snapshot")}
	uploader := &mockUploader{}
	worker := NewSnapshotWorker(store, 1*time.Hour, uploader)

	runFor(30*time.Millisecond, worker.Run)

	if uploader.uploads() != 0 {
		t.Errorf("uploads = %d, want 0", uploader.uploads())
	}
}

func TestSnapshotWorker_Integration_SQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "muniplan.db")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	uploader := &mockUploader{}
	worker := NewSnapshotWorker(s, 1*time.Hour, uploader)
	runFor(200*time.Millisecond, worker.Run)

	path, err := s.SnapshotPath(context.Background())
	if err != nil {
		t.Fatalf("SnapshotPath() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("snapshot file missing: %v", err)
	}
	if uploader.uploads() != 1 || uploader.paths[0] != path {
		t.Errorf("uploaded %v, want [%s]", uploader.paths, path)
	}
}
