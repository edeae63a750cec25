package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotManager handles creating and loading state snapshots for warm
// restarts. A snapshot carries the full in-memory state: balances, supplies,
// orders, settlement cursors, provider mode, sequence counter, hash chain
// tip, and recent idempotency keys for LRU warming.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serialized form of the core state at one sequence.
type SnapshotData struct {
	Sequence        int64            `json:"sequence"`
	ChainTip        []byte           `json:"chain_tip"`
	Balances        []BalanceSnap    `json:"balances"`
	Supplies        []SupplySnap     `json:"supplies"`
	Orders          []OrderSnap      `json:"orders"`
	Cursors         []CursorSnap     `json:"cursors"`
	ProviderMode    string           `json:"provider_mode"`
	IdempotencyKeys []string         `json:"idempotency_keys"`
	CreatedAt       time.Time        `json:"created_at"`
}

// BalanceSnap is one escrow balance cell.
type BalanceSnap struct {
	Owner  string `json:"owner"`
	Symbol string `json:"symbol"`
	Kind   string `json:"kind"`
	Sub    string `json:"sub"`
	Amount uint64 `json:"amount"`
}

// SupplySnap is one asset's tracked supply.
type SupplySnap struct {
	Symbol string `json:"symbol"`
	Kind   string `json:"kind"`
	Amount uint64 `json:"amount"`
}

// OrderSnap is a serializable order.
type OrderSnap struct {
	ID         uint64 `json:"id"`
	Owner      string `json:"owner"`
	Symbol     string `json:"symbol"`
	Kind       string `json:"kind"`
	Amount     uint64 `json:"amount"`
	Remaining  uint64 `json:"remaining"`
	LimitPrice uint64 `json:"limit_price"`
	Side       string `json:"side"`
	Status     string `json:"status"`
}

// CursorSnap is one settlement cursor.
type CursorSnap struct {
	Computation uint64 `json:"computation_id"`
	NextIndex   int    `json:"next_index"`
	Complete    bool   `json:"complete"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. Snapshots are written unverified and
// marked verified separately; restart only trusts verified rows.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, chain_tip, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, chain_tip = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.ChainTip, formatVersion, len(data), snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot. A nil result
// with nil error means cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified after the integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads events from a given sequence for replay.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, computation_id, payload,
		       state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.ComputationID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
