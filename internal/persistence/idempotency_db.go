package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresIdempotencyChecker implements the cold-path dedup lookup against
// the event log. Keys that aged out of the in-memory LRU are still caught
// here.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db}
}

// IsDuplicate checks whether any event for this command key was persisted.
func (pic *PostgresIdempotencyChecker) IsDuplicate(commandKind string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM event_log.events
		WHERE idempotency_key = $1
		LIMIT 1
	`, idempotencyKey).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentKeys loads the newest composite keys for LRU warming on restart.
// The LRU is keyed by the producing command, so persisted event types map
// back to command kinds. Settlement events are not warmed: settlement
// re-invocation is already idempotent through the cursor, and a cold key
// falls through to the DB lookup anyway.
func (pic *PostgresIdempotencyChecker) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT event_type, idempotency_key
		FROM event_log.events
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var eventType, key string
		if err := rows.Scan(&eventType, &key); err != nil {
			return nil, err
		}
		if kind, ok := commandKindForEventType(eventType); ok {
			keys = append(keys, kind+":"+key)
		}
	}
	return keys, rows.Err()
}

func commandKindForEventType(eventType string) (string, bool) {
	switch eventType {
	case "Deposited":
		return "Deposit", true
	case "Withdrawn":
		return "Withdraw", true
	case "OrderPlaced":
		return "PlaceOrder", true
	case "OrderCancelled":
		return "CancelOrder", true
	case "ProviderModeChanged":
		return "SetProviderMode", true
	default:
		return "", false
	}
}
