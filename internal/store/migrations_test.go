package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openRawSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunMigrations_FreshDatabase(t *testing.T) {
	// Given: A fresh database with no tables
	db := openRawSQLite(t)

	// When: RunMigrations is called
	if err := RunMigrations(db, SQLite); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}

	// Then: Every table exists with its required columns
	queries := map[string]string{
		"projects": `SELECT id, name, description, budget_estimated, budget_actual, currency,
			completion, start_date, end_date, created_at, updated_at FROM projects LIMIT 0`,
		"milestones": `SELECT id, project_id, name, status, position, start_date, end_date,
			created_at, updated_at FROM milestones LIMIT 0`,
		"tasks": `SELECT id, project_id, milestone_id, title, status, assignee, due_date,
			created_at, updated_at FROM tasks LIMIT 0`,
		"expenses": `SELECT id, project_id, category, amount, date, description, requested_by,
			status, version, created_at, updated_at FROM expenses LIMIT 0`,
		"budget_history": `SELECT id, project_id, expense_id, delta, balance_before, balance_after,
			reason, created_at FROM budget_history LIMIT 0`,
		"outbox_events": `SELECT id, aggregate_type, aggregate_id, routing_key, payload, status,
			retry_count, next_retry_at, last_error, created_at, updated_at FROM outbox_events LIMIT 0`,
	}
	for table, q := range queries {
		if _, err := db.Exec(q); err != nil {
			t.Errorf("%s missing required columns: %v", table, err)
		}
	}

	version, err := MigrationVersion(db, SQLite)
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if version != 3 {
		t.Errorf("schema version = %d, want 3", version)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	// Given: A database that has already been migrated
	db := openRawSQLite(t)
	if err := RunMigrations(db, SQLite); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}

	// When: RunMigrations is called again
	err := RunMigrations(db, SQLite)

	// Then: No error occurs (idempotent)
	if err != nil {
		t.Fatalf("second migration should be idempotent, got error: %v", err)
	}
}

func TestRunMigrations_PreservesData(t *testing.T) {
	db := openRawSQLite(t)
	if err := RunMigrations(db, SQLite); err != nil {
		t.Fatalf("initial migration failed: %v", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.Exec(`INSERT INTO projects (name, created_at, updated_at) VALUES ('Bridge', ?, ?)`, now, now)
	if err != nil {
		t.Fatalf("failed to insert test data: %v", err)
	}

	if err := RunMigrations(db, SQLite); err != nil {
		t.Fatalf("re-migration failed: %v", err)
	}

	var name string
	if err := db.QueryRow(`SELECT name FROM projects WHERE name = 'Bridge'`).Scan(&name); err != nil {
		t.Fatalf("data not preserved after migration: %v", err)
	}
}

func TestSchema_Indexes(t *testing.T) {
	db := openRawSQLite(t)
	if err := RunMigrations(db, SQLite); err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	expectedIndexes := []string{
		"idx_milestones_project",
		"idx_tasks_project",
		"idx_expenses_project_date",
		"idx_expenses_project_status",
		"idx_budget_history_project",
	}

	for _, idx := range expectedIndexes {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='index' AND name=?`, idx).Scan(&name)
		if err != nil {
			t.Errorf("index %s not found: %v", idx, err)
		}
	}
}

func TestSchema_DefaultValues(t *testing.T) {
	db := openRawSQLite(t)
	if err := RunMigrations(db, SQLite); err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := db.Exec(`INSERT INTO projects (name, created_at, updated_at) VALUES ('Park', ?, ?)`, now, now)
	if err != nil {
		t.Fatalf("insert project: %v", err)
	}
	projectID, _ := res.LastInsertId()

	_, err = db.Exec(`
		INSERT INTO expenses (project_id, category, amount, date, created_at, updated_at)
		VALUES (?, 'Materials', '10.00', '2024-03-01', ?, ?)
	`, projectID, now, now)
	if err != nil {
		t.Fatalf("failed to insert with minimal fields: %v", err)
	}

	var budgetActual, currency, status string
	var completion, version int
	err = db.QueryRow(`SELECT budget_actual, currency, completion FROM projects WHERE id = ?`, projectID).
		Scan(&budgetActual, &currency, &completion)
	if err != nil {
		t.Fatalf("query project defaults: %v", err)
	}
	if budgetActual != "0" || currency != "USD" || completion != 0 {
		t.Errorf("project defaults = (%q, %q, %d), want (\"0\", \"USD\", 0)", budgetActual, currency, completion)
	}

	err = db.QueryRow(`SELECT status, version FROM expenses WHERE project_id = ?`, projectID).Scan(&status, &version)
	if err != nil {
		t.Fatalf("query expense defaults: %v", err)
	}
	if status != "Pending" || version != 1 {
		t.Errorf("expense defaults = (%q, %d), want (\"Pending\", 1)", status, version)
	}
}

func TestSchema_RejectsUnknownStatus(t *testing.T) {
	db := openRawSQLite(t)
	if err := RunMigrations(db, SQLite); err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.Exec(`INSERT INTO projects (name, completion, created_at, updated_at) VALUES ('x', 101, ?, ?)`, now, now)
	if err == nil {
		t.Error("completion above 100 should violate the check constraint")
	}
	_, err = db.Exec(`INSERT INTO projects (name, created_at, updated_at) VALUES ('x', ?, ?)`, now, now)
	if err != nil {
		t.Fatalf("insert project: %v", err)
	}
	_, err = db.Exec(`
		INSERT INTO expenses (project_id, category, amount, date, status, created_at, updated_at)
		VALUES (1, 'c', '1', '2024-01-01', 'Paid', ?, ?)`, now, now)
	if err == nil {
		t.Error("unknown expense status should violate the check constraint")
	}
}

func TestWALMode_Enabled(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	var journalMode string
	if err := store.db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("expected journal_mode 'wal', got %q", journalMode)
	}
}

func TestPragmas_Applied(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	var busyTimeout int
	if err := store.db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("failed to query busy_timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Errorf("expected busy_timeout 5000, got %d", busyTimeout)
	}

	var foreignKeys int
	if err := store.db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		t.Fatalf("failed to query foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Errorf("expected foreign_keys 1, got %d", foreignKeys)
	}

	var synchronous int
	if err := store.db.QueryRow("PRAGMA synchronous").Scan(&synchronous); err != nil {
		t.Fatalf("failed to query synchronous: %v", err)
	}
	if synchronous != 1 {
		t.Errorf("expected synchronous 1 (NORMAL), got %d", synchronous)
	}
}

func TestNewSQLiteStore_CreatesParentDirectories(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("failed to create store with nested path: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open("oracle", "x"); err == nil {
		t.Error("expected error for unknown driver")
	}
}
