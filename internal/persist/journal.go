// Package persist implements durable storage for workflow runs: file-based
// state snapshots and checkpoints, and a libSQL-backed append-only event
// journal.
package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowstate/pkg/schema"
)

// JournalEvent is one persisted row of the event journal.
type JournalEvent struct {
	ID         int64            `json:"id"`
	WorkflowID string           `json:"workflow_id"`
	ActionID   string           `json:"action_id,omitempty"`
	Type       schema.EventType `json:"event_type"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
	Sequence   int64            `json:"sequence"`
}

// ActionOutcome is the per-action view rebuilt by replaying a workflow's
// journal.
type ActionOutcome struct {
	ActionID    string           `json:"action_id"`
	Status      schema.EventType `json:"status"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	DurationMs  int64            `json:"duration_ms,omitempty"`
}

// Journal is an append-only lifecycle event log backed by libSQL (embedded
// SQLite fork). It satisfies the engine's EventSink interface.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens (or creates) a journal database at the given path and
// applies pending migrations. The path should be a file URI, e.g.
// "file:/path/to/journal.db".
func OpenJournal(ctx context.Context, dbPath string) (*Journal, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
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
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error { return j.db.Close() }

// Append records an event with a monotonically increasing per-workflow
// sequence. The write-intent statement forces immediate lock acquisition so
// concurrent writers cannot interleave sequence reads and inserts.
func (j *Journal) Append(ctx context.Context, rec *schema.EventRecord) error {
	if rec == nil {
		return schema.NewError(schema.ErrCodeValidation, "event record is nil")
	}
	if rec.WorkflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event record has no workflow id")
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction; a noop write
	// upgrades it to an immediate one before the sequence read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE workflow_id = ?`, rec.WorkflowID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	var payload sql.NullString
	if len(rec.Data) > 0 {
		b, err := json.Marshal(rec.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}

	actionID, _ := rec.Data["action_id"].(string)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (workflow_id, action_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.WorkflowID, nullStr(actionID), string(rec.EventType), payload, ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// Events returns events for a workflow with sequence > since, ordered by
// sequence ascending.
func (j *Journal) Events(ctx context.Context, workflowID string, since int64) ([]*JournalEvent, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, workflow_id, action_id, event_type, payload, timestamp, sequence
		 FROM events WHERE workflow_id = ? AND sequence > ?
		 ORDER BY sequence ASC`, workflowID, since)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*JournalEvent
	for rows.Next() {
		ev := &JournalEvent{}
		var actionID, payload sql.NullString
		var eventType string
		if err := rows.Scan(&ev.ID, &ev.WorkflowID, &actionID, &eventType, &payload, &ev.Timestamp, &ev.Sequence); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = schema.EventType(eventType)
		if actionID.Valid {
			ev.ActionID = actionID.String
		}
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Replay walks a workflow's journal and rebuilds the per-action outcome
// view. Sequence gaps fail with STORE_ERROR.
func (j *Journal) Replay(ctx context.Context, workflowID string) (map[string]*ActionOutcome, error) {
	events, err := j.Events(ctx, workflowID, 0)
	if err != nil {
		return nil, err
	}

	outcomes := make(map[string]*ActionOutcome)
	for i, ev := range events {
		if expected := int64(i + 1); ev.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in workflow %s: expected %d, got %d", workflowID, expected, ev.Sequence)
		}
		if ev.ActionID == "" {
			continue
		}

		oc, ok := outcomes[ev.ActionID]
		if !ok {
			oc = &ActionOutcome{ActionID: ev.ActionID}
			outcomes[ev.ActionID] = oc
		}

		switch ev.Type {
		case schema.EventActionStarted:
			oc.Status = ev.Type
			ts := ev.Timestamp
			oc.StartedAt = &ts

		case schema.EventActionCompleted, schema.EventActionFailed:
			oc.Status = ev.Type
			ts := ev.Timestamp
			oc.CompletedAt = &ts
			if oc.StartedAt != nil {
				oc.DurationMs = ts.Sub(*oc.StartedAt).Milliseconds()
			}

		case schema.EventActionSkipped:
			oc.Status = ev.Type
		}
	}
	return outcomes, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
