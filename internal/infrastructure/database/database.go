package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	dirMode  = 0o750
	fileMode = 0o600

	pingTimeout        = 5 * time.Second
	defaultBusyTimeout = 5 * time.Second
)

// ErrNoPath is returned by Open when Config.Path is empty.
var ErrNoPath = errors.New("database: path is required")

// DB is the history store's SQLite handle.
//
// SQLite allows one writer; the pool is pinned to a single connection so
// the recorder and the API never contend for the file lock inside this
// process.
type DB struct {
	*sql.DB
	path string
	wal  bool
}

// Config selects the database file and its journal settings.
type Config struct {
	// Path is the SQLite file. Its directory is created if missing.
	Path string

	// WALMode journals to a write-ahead log with NORMAL sync.
	WALMode bool

	// BusyTimeout is how long a statement waits for the file lock.
	// Zero means five seconds.
	BusyTimeout time.Duration
}

// dsn builds the go-sqlite3 connection string.
func (c Config) dsn() string {
	busy := c.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	q := url.Values{}
	q.Set("_busy_timeout", strconv.FormatInt(busy.Milliseconds(), 10))
	q.Set("_foreign_keys", "on")
	if c.WALMode {
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "NORMAL")
	}
	return "file:" + c.Path + "?" + q.Encode()
}

// Open creates the file and its directory when needed and pings it.
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, ErrNoPath
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirMode); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite3", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("opening database %s: %w", cfg.Path, err)
	}
	_ = os.Chmod(cfg.Path, fileMode)

	return &DB{DB: sqlDB, path: cfg.Path, wal: cfg.WALMode}, nil
}

// Close closes the handle. Closing a zero DB is a no-op.
func (db *DB) Close() error {
	if db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Path returns the database file.
func (db *DB) Path() string {
	return db.path
}

// HealthCheck reports whether the file still answers a query.
func (db *DB) HealthCheck(ctx context.Context) error {
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	return nil
}

// Checkpoint folds the write-ahead log back into the main file and
// truncates it. History pruning calls it so deleted rows stop occupying the
// log. Without WAL it does nothing.
func (db *DB) Checkpoint(ctx context.Context) error {
	if !db.wal {
		return nil
	}
	var busy, logFrames, checkpointed int
	err := db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &logFrames, &checkpointed)
	if err != nil {
		return fmt.Errorf("checkpointing database: %w", err)
	}
	if busy != 0 {
		return fmt.Errorf("checkpointing database: %d readers blocked the checkpoint", busy)
	}
	return nil
}

// Size returns the bytes on disk of the database file and its log.
func (db *DB) Size() int64 {
	var total int64
	for _, p := range []string{db.path, db.path + "-wal"} {
		if fi, err := os.Stat(p); err == nil {
			total += fi.Size()
		}
	}
	return total
}
