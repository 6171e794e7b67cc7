package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// GenerateSnapshot writes a self-contained copy of the SQLite database to
// SnapshotPath. The copy is built in a temporary file and renamed into
// place so readers never see a partial snapshot.
func (s *SQLStore) GenerateSnapshot(ctx context.Context) error {
	if s.dialect.Name != SQLite.Name || s.snapshotPath == "" {
		return ErrSnapshotUnavailable
	}

	dir := filepath.Dir(s.snapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp := filepath.Join(dir, fmt.Sprintf(".snapshot-%d.db", nowFunc().UnixNano()))
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", tmp); err != nil {
		os.Remove(tmp)
		return classify("vacuum into", err)
	}

	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// SnapshotPath returns the path of the current snapshot file.
// It returns ErrSnapshotUnavailable when no snapshot has been generated.
func (s *SQLStore) SnapshotPath(ctx context.Context) (string, error) {
	if s.snapshotPath == "" {
		return "", ErrSnapshotUnavailable
	}
	if _, err := os.Stat(s.snapshotPath); err != nil {
		if os.IsNotExist(err) {
			return "", ErrSnapshotUnavailable
		}
		return "", fmt.Errorf("stat snapshot: %w", err)
	}
	return s.snapshotPath, nil
}
