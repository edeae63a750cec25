package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"stexchange/internal/core"
	"stexchange/internal/event"
)

// Worker updates the projection tables from processed events. The core feeds
// it over a non-blocking channel and drops on full: projections are
// eventually consistent and can be rebuilt from the event log.
type Worker struct {
	db      *sql.DB
	input   <-chan core.Output
	log     zerolog.Logger
	lastSeq int64
}

func NewWorker(db *sql.DB, input <-chan core.Output, log zerolog.Logger) *Worker {
	return &Worker{
		db:    db,
		input: input,
		log:   log,
	}
}

// Run starts the projection worker loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-w.input:
			if !ok {
				return nil
			}

			if err := w.processOutput(ctx, output); err != nil {
				// Keep going: the rebuild path recovers anything missed.
				w.log.Warn().
					Err(err).
					Int64("sequence", output.Envelope.Sequence).
					Msg("projection update failed")
			}
			w.lastSeq = output.Envelope.Sequence
		}
	}
}

func (w *Worker) processOutput(ctx context.Context, output core.Output) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq := output.Envelope.Sequence

	switch evt := output.Event.(type) {
	case *event.Deposited:
		err = w.adjustBalance(ctx, tx, evt.Owner.String(), evt.Asset, evt.Kind, int64(evt.Amount), 0, seq)
	case *event.Withdrawn:
		err = w.adjustBalance(ctx, tx, evt.Owner.String(), evt.Asset, evt.Kind, -int64(evt.Amount), 0, seq)
	case *event.OrderPlaced:
		err = w.applyOrderPlaced(ctx, tx, evt, seq)
	case *event.OrderCancelled:
		err = w.applyOrderCancelled(ctx, tx, evt, seq)
	case *event.TradeExecuted:
		err = w.applyTradeExecuted(ctx, tx, evt, output, seq)
	case *event.TradeSkipped:
		err = w.upsertCursor(ctx, tx, evt.Computation, int64(evt.TradeIndex)+1, false, seq)
	case *event.SettlementCompleted:
		err = w.markCursorComplete(ctx, tx, evt.Computation, seq)
	case *event.ProviderModeChanged:
		// No projection state.
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// adjustBalance applies signed deltas to one owner/asset balance row.
func (w *Worker) adjustBalance(ctx context.Context, tx *sql.Tx, owner, symbol, kind string, availableDelta, reservedDelta int64, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (owner, symbol, kind, available, reserved, last_seq)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner, symbol, kind)
		DO UPDATE SET
			available = projections.balances.available + $4,
			reserved  = projections.balances.reserved + $5,
			last_seq  = $6
	`, owner, symbol, kind, availableDelta, reservedDelta, seq)
	return err
}

func (w *Worker) applyOrderPlaced(ctx context.Context, tx *sql.Tx, evt *event.OrderPlaced, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.orders
			(order_id, owner, symbol, amount, remaining, limit_price, side, status, last_seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'active', $8)
		ON CONFLICT (order_id) DO NOTHING
	`, evt.OrderID, evt.Owner.String(), evt.Asset, evt.Amount, evt.Amount, evt.LimitPrice, evt.Side, seq); err != nil {
		return fmt.Errorf("order insert: %w", err)
	}

	// Sell placement locks funds in escrow.
	if evt.Side == "sell" {
		return w.adjustBalance(ctx, tx, evt.Owner.String(), evt.Asset, "token", -int64(evt.Amount), int64(evt.Amount), seq)
	}
	return nil
}

func (w *Worker) applyOrderCancelled(ctx context.Context, tx *sql.Tx, evt *event.OrderCancelled, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE projections.orders SET status = 'cancelled', last_seq = $2 WHERE order_id = $1
	`, evt.OrderID, seq); err != nil {
		return fmt.Errorf("order cancel: %w", err)
	}

	if evt.Released > 0 {
		return w.adjustBalance(ctx, tx, evt.Owner.String(), evt.Asset, evt.Kind, int64(evt.Released), -int64(evt.Released), seq)
	}
	return nil
}

func (w *Worker) applyTradeExecuted(ctx context.Context, tx *sql.Tx, evt *event.TradeExecuted, output core.Output, seq int64) error {
	// Seller's reserved asset moves to the buyer's available.
	if err := w.adjustBalance(ctx, tx, evt.Seller.String(), evt.Asset, "token", 0, -int64(evt.Amount), seq); err != nil {
		return err
	}
	if err := w.adjustBalance(ctx, tx, evt.Buyer.String(), evt.Asset, "token", int64(evt.Amount), 0, seq); err != nil {
		return err
	}

	// Buyer's native quote moves to the seller.
	if err := w.adjustBalance(ctx, tx, evt.Buyer.String(), "ETH", "native", -int64(evt.Cost), 0, seq); err != nil {
		return err
	}
	if err := w.adjustBalance(ctx, tx, evt.Seller.String(), "ETH", "native", int64(evt.Cost), 0, seq); err != nil {
		return err
	}

	for _, fill := range []struct {
		orderID uint64
		filled  bool
	}{
		{evt.BuyOrderID, evt.BuyFilled},
		{evt.SellOrderID, evt.SellFilled},
	} {
		status := "active"
		if fill.filled {
			status = "filled"
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.orders
			SET remaining = remaining - $2, status = $3, last_seq = $4
			WHERE order_id = $1
		`, fill.orderID, evt.Amount, status, seq); err != nil {
			return fmt.Errorf("order fill update: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.trades
			(sequence, computation_id, trade_index, buy_order_id, sell_order_id,
			 buyer, seller, symbol, price, amount, cost, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (sequence) DO NOTHING
	`, seq, evt.Computation, evt.TradeIndex, evt.BuyOrderID, evt.SellOrderID,
		evt.Buyer.String(), evt.Seller.String(), evt.Asset, evt.Price, evt.Amount, evt.Cost,
		output.Envelope.Timestamp); err != nil {
		return fmt.Errorf("trade insert: %w", err)
	}

	return w.upsertCursor(ctx, tx, evt.Computation, int64(evt.TradeIndex)+1, false, seq)
}

func (w *Worker) upsertCursor(ctx context.Context, tx *sql.Tx, computation uint64, nextIndex int64, complete bool, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.settlement_cursors (computation_id, next_index, complete, last_seq)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (computation_id)
		DO UPDATE SET
			next_index = GREATEST(projections.settlement_cursors.next_index, $2),
			complete   = projections.settlement_cursors.complete OR $3,
			last_seq   = $4
	`, computation, nextIndex, complete, seq)
	return err
}

func (w *Worker) markCursorComplete(ctx context.Context, tx *sql.Tx, computation uint64, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.settlement_cursors (computation_id, next_index, complete, last_seq)
		VALUES ($1, 0, TRUE, $2)
		ON CONFLICT (computation_id)
		DO UPDATE SET complete = TRUE, last_seq = $2
	`, computation, seq)
	return err
}

// Rebuild truncates all projection tables and replays the event log into
// them through the normal apply path.
func Rebuild(ctx context.Context, db *sql.DB, log zerolog.Logger) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.orders`,
		`TRUNCATE projections.settlement_cursors`,
		`TRUNCATE projections.trades`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	log.Info().Msg("projection tables truncated; replay the event log to rebuild")
	return nil
}
