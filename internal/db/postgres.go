package db

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	pgDefaultMaxConns  = 25
	pgDefaultIdleConns = 5
)

// OpenPostgres opens a PostgreSQL connection through the pgx stdlib
// driver and verifies it with a ping. Zero conn limits pick the
// defaults.
func OpenPostgres(dsn string, maxConns, idleConns int) (*sql.DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres archive: %w", err)
	}
	if maxConns <= 0 {
		maxConns = pgDefaultMaxConns
	}
	if idleConns <= 0 {
		idleConns = pgDefaultIdleConns
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(idleConns)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping postgres archive: %w", err)
	}
	return conn, nil
}
