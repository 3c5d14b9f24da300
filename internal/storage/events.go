package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
)

// InsertEvents appends observability events to the durable audit trail using
// the COPY protocol. Payloads are marshaled to JSONB here so the audit buffer
// can hand over events exactly as they were emitted.
func (db *DB) InsertEvents(ctx context.Context, events []model.Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	columns := []string{"id", "event_id", "thread_id", "run_id", "kind", "ts", "payload"}

	rows := make([][]any, len(events))
	for i, e := range events {
		var payload []byte
		if e.Payload != nil {
			b, err := json.Marshal(e.Payload)
			if err != nil {
				return 0, fmt.Errorf("storage: marshal event payload: %w", err)
			}
			payload = b
		}
		rows[i] = []any{
			uuid.New(),
			e.EventID,
			e.ThreadID,
			e.RunID,
			string(e.Kind),
			e.Timestamp,
			payload,
		}
	}

	// Dedicated 30s COPY timeout prevents a hung Postgres from blocking the
	// audit-buffer flush loop indefinitely.
	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	copyCount, err := db.pool.CopyFrom(
		copyCtx,
		pgx.Identifier{"analysis_events"},
		columns,
		pgx.CopyFromRows(rows),
	)
	copyCancel()
	if err != nil {
		return 0, fmt.Errorf("storage: copy events: %w", err)
	}
	return copyCount, nil
}

// EventsByThread retrieves the audited events for a thread in emission order.
// The limit caps the number of rows; if limit <= 0, it defaults to 1000.
func (db *DB) EventsByThread(ctx context.Context, threadID uuid.UUID, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := db.pool.Query(ctx,
		`SELECT event_id, thread_id, run_id, kind, ts, payload
		 FROM analysis_events WHERE thread_id = $1
		 ORDER BY event_id ASC
		 LIMIT $2`, threadID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: events by thread: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var kind string
		var payload []byte
		if err := rows.Scan(&e.EventID, &e.ThreadID, &e.RunID, &kind, &e.Timestamp, &payload); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		e.Kind = model.EventKind(kind)
		if len(payload) > 0 {
			var p map[string]any
			if err := json.Unmarshal(payload, &p); err != nil {
				return nil, fmt.Errorf("storage: unmarshal event payload: %w", err)
			}
			e.Payload = p
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
