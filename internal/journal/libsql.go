package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"
)

// LibSQLJournal stores the incident journal in libSQL (embedded SQLite fork).
type LibSQLJournal struct {
	db *sql.DB
}

// NewLibSQLJournal opens a libSQL database at the given path and runs
// migrations. The path should be a file URI, e.g. "file:/path/to/remedy.db".
func NewLibSQLJournal(ctx context.Context, dbPath string) (*LibSQLJournal, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &LibSQLJournal{db: db}, nil
}

// Close closes the database.
func (j *LibSQLJournal) Close() error { return j.db.Close() }

// Append inserts an entry with a monotonically increasing per-workflow
// sequence. The sequence read and insert share a transaction so concurrent
// appenders cannot interleave.
func (j *LibSQLJournal) Append(ctx context.Context, entry *Entry) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM incident_events WHERE workflow_id = ?`,
		entry.WorkflowID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	entry.Sequence = seq

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	payload, err := nullablePayload(entry.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO incident_events (workflow_id, incident_id, stage, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.WorkflowID, nullStr(entry.IncidentID), nullStr(entry.Stage),
		entry.EventType, payload, entry.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// Events returns entries for a workflow with sequence > since, ordered by
// sequence ASC.
func (j *LibSQLJournal) Events(ctx context.Context, workflowID string, since int64) ([]*Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, workflow_id, incident_id, stage, event_type, payload, timestamp, sequence
		 FROM incident_events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC`,
		workflowID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Query returns entries matching the filter, most recent first.
func (j *LibSQLJournal) Query(ctx context.Context, filter Filter) ([]*Entry, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, workflow_id, incident_id, stage, event_type, payload, timestamp, sequence FROM incident_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var incidentID, stage, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowID, &incidentID, &stage, &e.EventType, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.IncidentID = incidentID.String
		e.Stage = stage.String
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload for event %d: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullablePayload(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}
