// Package db opens the relational backends behind the history
// archive: SQLite for the default single-node install, PostgreSQL when
// the deployment already runs one. SQLite gets a split pool so the
// recorder's writes and transcript reads never queue behind each
// other.
package db

import "github.com/jmoiron/sqlx"

// Pool pairs a write connection with a read pool.
//
// SQLite in WAL mode supports one writer and many readers; the writer
// side is capped at a single connection so inserts serialize in the
// driver instead of failing with SQLITE_BUSY. Postgres pools
// internally, so both sides share one *sqlx.DB there.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer is the connection for INSERT, UPDATE and DELETE.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader is the pool for SELECT queries. Under SQLite these run on
// read-only connections against WAL snapshots, concurrent with the
// writer.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both sides, once when they are the same connection.
func (p *Pool) Close() error {
	err := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); err == nil {
			err = rErr
		}
	}
	return err
}
