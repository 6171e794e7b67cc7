package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hyperengineering/muniplan/internal/types"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// SQLStore is the database/sql implementation of Store for both dialects.
type SQLStore struct {
	db           *sql.DB
	dialect      Dialect
	snapshotPath string
}

// Open opens the store for the named driver. For sqlite, source is a file
// path or ":memory:"; for postgres it is a connection string.
func Open(driver, source string) (*SQLStore, error) {
	switch driver {
	case SQLite.Name, "":
		return NewSQLiteStore(source)
	case Postgres.Name:
		return NewPostgresStore(source)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}

// NewSQLiteStore creates a SQLite-backed store.
// Every connection gets the pragmas and an immediate transaction lock;
// migrations are applied before the store is returned.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	inMemory := dbPath == ":memory:"

	// Ensure parent directory exists
	if !inMemory {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open(SQLite.DriverName, sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if inMemory {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := RunMigrations(db, SQLite); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &SQLStore{db: db, dialect: SQLite}
	if !inMemory {
		s.snapshotPath = filepath.Join(filepath.Dir(dbPath), "snapshots", "current.db")
	}
	return s, nil
}

// sqliteDSN appends the connection parameters understood by modernc.org/sqlite.
func sqliteDSN(path string) string {
	params := []string{
		"_pragma=busy_timeout(5000)",
		"_pragma=foreign_keys(1)",
		"_txlock=immediate",
	}
	if path != ":memory:" {
		params = append(params,
			"_pragma=journal_mode(WAL)",
			"_pragma=synchronous(NORMAL)",
		)
	}
	return path + "?" + strings.Join(params, "&")
}

// NewPostgresStore creates a PostgreSQL-backed store through pgx's
// database/sql driver and applies migrations.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open(Postgres.DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)

	if err := RunMigrations(db, Postgres); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLStore{db: db, dialect: Postgres}, nil
}

// New wraps an already opened database. Migrations are not run.
func New(db *sql.DB, d Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d}
}

// WithSnapshotPath sets where GenerateSnapshot writes its file.
func (s *SQLStore) WithSnapshotPath(path string) *SQLStore {
	s.snapshotPath = path
	return s
}

// DB exposes the underlying handle for migrations tooling and tests.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// DriverName returns the dialect name ("sqlite" or "postgres").
func (s *SQLStore) DriverName() string {
	return s.dialect.Name
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// RunInTx runs fn inside a transaction. Any error returned by fn, or a
// panic, rolls the transaction back.
func (s *SQLStore) RunInTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{q: tx, d: s.dialect}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify("commit transaction", err)
	}
	return nil
}

// GetProject retrieves a project by ID without locking it.
func (s *SQLStore) GetProject(ctx context.Context, id int64) (*types.Project, error) {
	return getProject(ctx, s.db, s.dialect, id, false)
}

// ListMilestones returns a project's milestones in position order.
func (s *SQLStore) ListMilestones(ctx context.Context, projectID int64) ([]types.Milestone, error) {
	return listMilestones(ctx, s.db, s.dialect, projectID)
}

// CountProjects returns the number of projects.
func (s *SQLStore) CountProjects(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM projects").Scan(&n); err != nil {
		return 0, classify("count projects", err)
	}
	return n, nil
}

// ListProjectIDs returns every project id in ascending order.
func (s *SQLStore) ListProjectIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM projects ORDER BY id")
	if err != nil {
		return nil, classify("list projects", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, classify("scan project id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list projects", err)
	}
	return ids, nil
}
