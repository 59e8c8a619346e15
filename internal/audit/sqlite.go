package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp      INTEGER NOT NULL,
	actor          TEXT NOT NULL,
	target         TEXT NOT NULL,
	action         TEXT NOT NULL,
	parameters     TEXT,
	result         TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	policy         TEXT,
	severity       TEXT,
	detail         TEXT
);
CREATE INDEX IF NOT EXISTS audit_records_policy ON audit_records(policy, timestamp);
CREATE INDEX IF NOT EXISTS audit_records_target ON audit_records(target, timestamp);
`

// SQLiteStore keeps audit records in a local SQLite database so they can be
// queried by policy, target and time range. Rows are only ever inserted.
type SQLiteStore struct {
	pool *sqlitex.Pool
	path string
}

// OpenSQLiteStore opens or creates the database at path.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("audit store: path is required")
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    2,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("audit store: opening %s: %w", path, err)
	}
	s := &SQLiteStore{pool: pool, path: path}

	conn, err := pool.Take(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit store: take: %w", err)
	}
	err = sqlitex.ExecuteScript(conn, sqliteSchema, nil)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit store: create schema: %w", err)
	}
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("audit store: %s: %w", pragma, err)
		}
	}
	return nil
}

// Append inserts r.
func (s *SQLiteStore) Append(ctx context.Context, r Record) error {
	var params any
	if len(r.Parameters) > 0 {
		data, err := json.Marshal(r.Parameters)
		if err != nil {
			return fmt.Errorf("audit store: marshal parameters: %w", err)
		}
		params = string(data)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("audit store: take: %w", err)
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn, `INSERT INTO audit_records
		(timestamp, actor, target, action, parameters, result,
		 correlation_id, policy, severity, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			r.Timestamp.UnixNano(),
			r.Actor,
			r.Target,
			r.Action,
			params,
			string(r.Result),
			r.CorrelationID,
			r.Policy,
			r.Severity,
			r.Detail,
		},
	})
}

// Query returns matching records, newest first.
func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if f.Policy != "" {
		where = append(where, "policy = ?")
		args = append(args, f.Policy)
	}
	if f.Target != "" {
		where = append(where, "target = ?")
		args = append(args, f.Target)
	}
	if f.Result != "" {
		where = append(where, "result = ?")
		args = append(args, string(f.Result))
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "timestamp < ?")
		args = append(args, f.Until.UnixNano())
	}
	query := `SELECT timestamp, actor, target, action, parameters, result,
		correlation_id, policy, severity, detail FROM audit_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit store: take: %w", err)
	}
	defer s.pool.Put(conn)

	var out []Record
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			r := Record{
				Timestamp:     time.Unix(0, stmt.ColumnInt64(0)).UTC(),
				Actor:         stmt.ColumnText(1),
				Target:        stmt.ColumnText(2),
				Action:        stmt.ColumnText(3),
				Result:        Result(stmt.ColumnText(5)),
				CorrelationID: stmt.ColumnText(6),
				Policy:        stmt.ColumnText(7),
				Severity:      stmt.ColumnText(8),
				Detail:        stmt.ColumnText(9),
			}
			if raw := stmt.ColumnText(4); raw != "" {
				if err := json.Unmarshal([]byte(raw), &r.Parameters); err != nil {
					return fmt.Errorf("decode parameters: %w", err)
				}
			}
			out = append(out, r)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("audit store: query: %w", err)
	}
	return out, nil
}

// Close closes the pool.
func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("audit store: closing %s: %w", s.path, err)
	}
	return nil
}
