// Package history persists agent event streams to a relational
// archive. The live fanout hub keeps nothing once an event is
// delivered; the archive is the durable record, queryable per agent
// long after the network is gone from memory. It is optional and
// configured under the history section: SQLite by default, Postgres
// for deployments that already run one.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/troupe-dev/troupe/internal/common/config"
	"github.com/troupe-dev/troupe/internal/common/logger"
	troupedb "github.com/troupe-dev/troupe/internal/db"
	"github.com/troupe-dev/troupe/internal/db/dialect"
	"github.com/troupe-dev/troupe/internal/stream"
)

// DefaultListLimit caps ListByAgent results when the caller does not
// pick a limit.
const DefaultListLimit = 200

// Archive is the durable event store. Writes go through a single
// writer connection (SQLite) or a shared pool (Postgres); reads use a
// separate read pool so listing a transcript never contends with the
// recorder.
type Archive struct {
	pool   *troupedb.Pool
	driver string
	log    *logger.Logger
}

// Open creates the archive for the configured driver and ensures the
// schema exists. An empty SQLite DSN places the database under the
// runtime root directory.
func Open(cfg config.HistoryConfig, rootDir string, log *logger.Logger) (*Archive, error) {
	var (
		pool   *troupedb.Pool
		driver string
	)

	switch cfg.Driver {
	case "", "sqlite":
		path := cfg.DSN
		if path == "" {
			path = filepath.Join(rootDir, "history.db")
		}
		writerConn, err := troupedb.OpenSQLite(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open history database: %w", err)
		}
		readerConn, err := troupedb.OpenSQLiteReader(path)
		if err != nil {
			_ = writerConn.Close()
			return nil, fmt.Errorf("failed to open history reader: %w", err)
		}
		driver = dialect.SQLite3
		pool = troupedb.NewPool(sqlx.NewDb(writerConn, driver), sqlx.NewDb(readerConn, driver))

	case "postgres":
		conn, err := troupedb.OpenPostgres(cfg.DSN, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to open history database: %w", err)
		}
		driver = dialect.PGX
		shared := sqlx.NewDb(conn, driver)
		pool = troupedb.NewPool(shared, shared)

	default:
		return nil, fmt.Errorf("unsupported history driver: %s", cfg.Driver)
	}

	a := &Archive{
		pool:   pool,
		driver: driver,
		log:    log.WithComponent("history"),
	}
	if err := a.initSchema(); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return a, nil
}

func (a *Archive) initSchema() error {
	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	timeType := "DATETIME"
	if dialect.IsPostgres(a.driver) {
		idColumn = "BIGSERIAL PRIMARY KEY"
		timeType = "TIMESTAMPTZ"
	}

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS agent_events (
			id %s,
			network_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			seq INTEGER NOT NULL DEFAULT 0,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at %s NOT NULL
		)`, idColumn, timeType),

		`CREATE INDEX IF NOT EXISTS idx_agent_events_agent
			ON agent_events(agent_id, id)`,

		`CREATE INDEX IF NOT EXISTS idx_agent_events_network
			ON agent_events(network_id)`,
	}

	for _, stmt := range statements {
		if _, err := a.pool.Writer().Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Record appends one event to the archive. The full envelope is kept
// as JSON so a replayed transcript matches what live subscribers saw.
func (a *Archive) Record(ctx context.Context, ev stream.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	createdAt := ev.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	writer := a.pool.Writer()
	_, err = writer.ExecContext(ctx, writer.Rebind(`
		INSERT INTO agent_events (network_id, agent_id, seq, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), ev.NetworkID, ev.AgentID, ev.Seq, string(ev.Type), string(payload), createdAt)
	return err
}

// ListByAgent returns the most recent events for one agent in
// chronological order. A limit of zero or less falls back to
// DefaultListLimit.
func (a *Archive) ListByAgent(ctx context.Context, agentID string, limit int) ([]stream.Event, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return a.queryEvents(ctx, `
		SELECT payload FROM agent_events
		WHERE agent_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, agentID, limit)
}

// Search returns the most recent events for one agent whose message
// text matches the query, case-insensitively, in chronological order.
// Only the payload's text field is searched, so transcripts match but
// tool payloads and metadata do not.
func (a *Archive) Search(ctx context.Context, agentID, query string, limit int) ([]stream.Event, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	stmt := fmt.Sprintf(`
		SELECT payload FROM agent_events
		WHERE agent_id = ? AND %s %s ?
		ORDER BY id DESC
		LIMIT ?
	`, dialect.JSONExtract(a.driver, "payload", "text"), dialect.Like(a.driver))
	return a.queryEvents(ctx, stmt, agentID, "%"+query+"%", limit)
}

// queryEvents runs a newest-first payload query and hands the rows
// back oldest first, the order a transcript reader wants.
func (a *Archive) queryEvents(ctx context.Context, query string, args ...any) ([]stream.Event, error) {
	reader := a.pool.Reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []stream.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev stream.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("failed to deserialize event payload: %w", err)
		}
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.Reverse(result)
	return result, nil
}

// Prune deletes events older than the retention window and reports how
// many rows went. Retentions under an hour are treated as "keep
// everything".
func (a *Archive) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	hours := int64(retention / time.Hour)
	if hours <= 0 {
		return 0, nil
	}
	writer := a.pool.Writer()
	result, err := writer.ExecContext(ctx, writer.Rebind(fmt.Sprintf(
		`DELETE FROM agent_events WHERE created_at < %s`,
		dialect.NowMinusHours(a.driver, "?"),
	)), hours)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return rows, nil
}

// PurgeNetwork deletes every archived event belonging to a network.
func (a *Archive) PurgeNetwork(ctx context.Context, networkID string) error {
	writer := a.pool.Writer()
	result, err := writer.ExecContext(ctx, writer.Rebind(
		`DELETE FROM agent_events WHERE network_id = ?`,
	), networkID)
	if err != nil {
		return err
	}
	if rows, raErr := result.RowsAffected(); raErr == nil && rows > 0 {
		a.log.Debug("purged network history",
			zap.String("network_id", networkID),
			zap.Int64("events", rows))
	}
	return nil
}

// Close closes the underlying database connections.
func (a *Archive) Close() error {
	return a.pool.Close()
}
