package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"stexchange/internal/event"
)

// EventLogWriter writes sealed events to Postgres using multi-row INSERT.
// ON CONFLICT DO NOTHING on the sequence key makes redelivered batches
// idempotent, so the worker can retry freely.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	ComputationID  sql.NullInt64
	Payload        []byte
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// RowFromEnvelope converts a sealed envelope into its storage row.
func RowFromEnvelope(env *event.Envelope) EventRow {
	row := EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        env.Payload,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
		Timestamp:      env.Timestamp,
	}
	if env.ComputationID != nil {
		row.ComputationID = sql.NullInt64{Int64: int64(*env.ComputationID), Valid: true}
	}
	return row
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch of events inside the given transaction.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, computation_id, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*8)

	for i, e := range events {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.ComputationID,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// DB exposes the connection for transaction control by the worker.
func (w *EventLogWriter) DB() *sql.DB {
	return w.db
}
