package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	busyTimeout = 5 * time.Second

	// readerConns bounds the read-only pool. WAL allows arbitrarily
	// many readers; four covers the gateway's transcript endpoints
	// without hoarding file handles.
	readerConns = 4
)

// sqliteDSN builds the connection string. Both sides share foreign-key
// enforcement, a busy timeout and the shared page cache; the writer
// additionally creates the file and switches the journal to WAL.
func sqliteDSN(path string, readOnly bool) string {
	mode := "rwc"
	journal := "&_journal_mode=WAL&_synchronous=NORMAL"
	if readOnly {
		mode = "ro"
		// journal_mode and synchronous are database-level settings
		// owned by the writer.
		journal = ""
	}
	return fmt.Sprintf("file:%s?_mode=%s&_foreign_keys=on&_busy_timeout=%d&_cache=shared%s",
		path, mode, int(busyTimeout/time.Millisecond), journal)
}

// OpenSQLite opens the write side: a single connection so concurrent
// inserts queue instead of erroring. Missing parent directories and
// the database file itself are created.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	path := absPath(dbPath)
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create archive directory: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create archive file: %w", err)
	}
	_ = file.Close()

	conn, err := sql.Open("sqlite3", sqliteDSN(path, false))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return conn, nil
}

// OpenSQLiteReader opens the read side: a read-only pool that serves
// SELECTs from WAL snapshots without blocking the writer.
func OpenSQLiteReader(dbPath string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", sqliteDSN(absPath(dbPath), true))
	if err != nil {
		return nil, fmt.Errorf("open archive reader: %w", err)
	}
	conn.SetMaxOpenConns(readerConns)
	conn.SetMaxIdleConns(readerConns)
	return conn, nil
}

func absPath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	if abs, err := filepath.Abs(dbPath); err == nil {
		return abs
	}
	return dbPath
}
