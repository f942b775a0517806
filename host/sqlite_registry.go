package host

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteRegistry persists the ensured-running agent set per conversation
// in a `runner_registry` table, using the same sqlite3 driver
// and single-writer connection pattern as eventlog.SQLiteStore so the two
// can safely share one database file.
type SQLiteRegistry struct {
	db *sql.DB
}

// OpenSQLiteRegistry opens db (already configured by the caller, typically
// the same *sql.DB backing an eventlog.SQLiteStore) and ensures the
// runner_registry schema exists.
func OpenSQLiteRegistry(db *sql.DB) (*SQLiteRegistry, error) {
	r := &SQLiteRegistry{db: db}
	if err := r.ensureSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

var _ Registry = (*SQLiteRegistry)(nil)

func (r *SQLiteRegistry) ensureSchema() error {
	_, err := r.db.Exec(`CREATE TABLE IF NOT EXISTS runner_registry (
		conversation INTEGER NOT NULL,
		agent_id TEXT NOT NULL,
		PRIMARY KEY (conversation, agent_id)
	)`)
	if err != nil {
		return fmt.Errorf("ensure runner_registry schema: %w", err)
	}
	return nil
}

func (r *SQLiteRegistry) Record(ctx context.Context, convID int64, agentIDs []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, id := range agentIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO runner_registry (conversation, agent_id) VALUES (?, ?)`,
			convID, id); err != nil {
			return fmt.Errorf("record %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (r *SQLiteRegistry) Forget(ctx context.Context, convID int64, agentIDs []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("forget: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, id := range agentIDs {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM runner_registry WHERE conversation = ? AND agent_id = ?`,
			convID, id); err != nil {
			return fmt.Errorf("forget %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (r *SQLiteRegistry) All(ctx context.Context) (map[int64][]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT conversation, agent_id FROM runner_registry ORDER BY conversation`)
	if err != nil {
		return nil, fmt.Errorf("all: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]string)
	for rows.Next() {
		var convID int64
		var agentID string
		if err := rows.Scan(&convID, &agentID); err != nil {
			return nil, err
		}
		out[convID] = append(out[convID], agentID)
	}
	return out, rows.Err()
}
