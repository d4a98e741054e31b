// Package storage provides persistent storage for offers, archived offers,
// the notification outbox and processed chain operations. SQLite is the
// default backend; PostgreSQL is supported for multi-host deployments.
package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/Klingon-tech/escrowd/pkg/logging"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

// Driver names a database/sql driver.
type Driver string

const (
	DriverSQLite   Driver = "sqlite3"
	DriverPostgres Driver = "postgres"
)

// Storage provides persistent storage for the escrow daemon.
type Storage struct {
	db     *sql.DB
	driver Driver
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	Driver  string `yaml:"driver"`
	DataDir string `yaml:"data_dir"`
	// DSN is the PostgreSQL connection string. Ignored for SQLite.
	DSN string `yaml:"dsn,omitempty"`
}

// New opens the database and applies pending migrations.
func New(cfg *Config) (*Storage, error) {
	s, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(); err != nil {
		s.db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return s, nil
}

// Open opens the database without touching the schema.
func Open(cfg *Config) (*Storage, error) {
	driver := Driver(cfg.Driver)
	if driver == "" {
		driver = DriverSQLite
	}

	var (
		db     *sql.DB
		dbPath string
		err    error
	)

	switch driver {
	case DriverSQLite:
		dataDir := expandPath(cfg.DataDir)
		if err := os.MkdirAll(dataDir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		dbPath = filepath.Join(dataDir, "escrow.db")
		db, err = sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(1) // SQLite only supports one writer
		db.SetMaxIdleConns(1)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres driver requires a dsn")
		}
		db, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{db: db, driver: driver, dbPath: dbPath}, nil
}

// Migrate applies all pending schema migrations.
func (s *Storage) Migrate() error {
	if err := s.prepareGoose(); err != nil {
		return err
	}
	return goose.Up(s.db, s.migrationsDir())
}

// MigrationVersion returns the current schema version.
func (s *Storage) MigrationVersion() (int64, error) {
	if err := s.prepareGoose(); err != nil {
		return 0, err
	}
	return goose.GetDBVersion(s.db)
}

// MigrationStatus prints the status of every migration through the
// default logger.
func (s *Storage) MigrationStatus() error {
	if err := s.prepareGoose(); err != nil {
		return err
	}
	return goose.Status(s.db, s.migrationsDir())
}

func (s *Storage) prepareGoose() error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{logging.GetDefault().Component("migrate")})
	if err := goose.SetDialect(string(s.driver)); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	return nil
}

func (s *Storage) migrationsDir() string {
	if s.driver == DriverPostgres {
		return "migrations/postgres"
	}
	return "migrations/sqlite"
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Driver returns the database driver in use.
func (s *Storage) Driver() Driver {
	return s.driver
}

// Path returns the SQLite database file, or "" for PostgreSQL.
func (s *Storage) Path() string {
	return s.dbPath
}

// rebind converts ? placeholders to $n for PostgreSQL.
func (s *Storage) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// forUpdate returns the row-lock suffix for a transactional select.
// SQLite serializes writers on its own.
func (s *Storage) forUpdate() string {
	if s.driver == DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// isUniqueViolation reports whether err is a unique constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// gooseLogger routes migration output through the component logger.
type gooseLogger struct {
	log *logging.Logger
}

func (g gooseLogger) Fatalf(format string, v ...interface{}) { g.log.Fatalf(format, v...) }
func (g gooseLogger) Printf(format string, v ...interface{}) {
	g.log.Infof(strings.TrimSuffix(format, "\n"), v...)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
