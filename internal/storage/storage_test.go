package storage

import (
	"os"
	"path/filepath"
	"testing"
)

// newTestStorage opens a migrated SQLite store in a temp dir.
func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "escrow-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}

func TestNew(t *testing.T) {
	store := newTestStorage(t)

	if _, err := os.Stat(store.Path()); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if filepath.Base(store.Path()) != "escrow.db" {
		t.Errorf("Path() = %s, want escrow.db", store.Path())
	}
	if store.DB() == nil {
		t.Error("DB() returned nil")
	}
	if store.Driver() != DriverSQLite {
		t.Errorf("Driver() = %s, want %s", store.Driver(), DriverSQLite)
	}
}

func TestStorageSchema(t *testing.T) {
	store := newTestStorage(t)

	tables := []string{"offers", "offers_archive", "notification_outbox", "processed_operations"}
	for _, table := range tables {
		var name string
		err := store.DB().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}

	version, err := store.MigrationVersion()
	if err != nil {
		t.Fatalf("MigrationVersion() error = %v", err)
	}
	if version != 2 {
		t.Errorf("MigrationVersion() = %d, want 2", version)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	store := newTestStorage(t)

	if err := store.Migrate(); err != nil {
		t.Errorf("second Migrate() error = %v", err)
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	if _, err := Open(&Config{Driver: "mysql"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
	if _, err := Open(&Config{Driver: "postgres"}); err == nil {
		t.Error("expected error for postgres without dsn")
	}
}

func TestRebind(t *testing.T) {
	sqlite := &Storage{driver: DriverSQLite}
	pg := &Storage{driver: DriverPostgres}

	query := "SELECT * FROM offers WHERE id = ? AND status IN (?, ?)"
	if got := sqlite.rebind(query); got != query {
		t.Errorf("sqlite rebind = %s, want unchanged", got)
	}
	want := "SELECT * FROM offers WHERE id = $1 AND status IN ($2, $3)"
	if got := pg.rebind(query); got != want {
		t.Errorf("postgres rebind = %s, want %s", got, want)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := expandPath("~/.test"); got != filepath.Join(home, ".test") {
		t.Errorf("expandPath(~/.test) = %s", got)
	}
	if got := expandPath("/tmp/x"); got != "/tmp/x" {
		t.Errorf("expandPath(/tmp/x) = %s", got)
	}
}

func TestPlaceholders(t *testing.T) {
	if got := placeholders(3); got != "?, ?, ?" {
		t.Errorf("placeholders(3) = %q", got)
	}
	if got := placeholders(0); got != "" {
		t.Errorf("placeholders(0) = %q", got)
	}
}
