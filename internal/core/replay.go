package core

import (
	"encoding/json"
	"fmt"

	"stexchange/internal/book"
	"stexchange/internal/compute"
	"stexchange/internal/escrow"
	"stexchange/internal/event"
	"stexchange/internal/persistence"
)

// ReplayEvents applies sealed events from the log to rebuild in-memory state
// for the gap between the last snapshot and the log head. Events were already
// validated when first applied, so replay mutates state directly without
// re-running command checks. Must run before the request loop starts.
func (c *Core) ReplayEvents(rows []persistence.EventRow) error {
	for _, row := range rows {
		if err := c.replayRow(row); err != nil {
			return fmt.Errorf("replay sequence %d (%s): %w", row.Sequence, row.EventType, err)
		}

		c.sequence = row.Sequence + 1
		if len(row.StateHash) == 32 {
			var tip [32]byte
			copy(tip[:], row.StateHash)
			c.hasher.Restore(tip)
		}
	}

	if err := c.ledger.CheckConservation(); err != nil {
		return fmt.Errorf("replay failed conservation audit: %w", err)
	}
	return nil
}

func (c *Core) replayRow(row persistence.EventRow) error {
	switch row.EventType {
	case event.TypeDeposited.String():
		var evt event.Deposited
		if err := json.Unmarshal(row.Payload, &evt); err != nil {
			return err
		}
		asset, err := parseAsset(evt.Asset, evt.Kind)
		if err != nil {
			return err
		}
		return c.ledger.Deposit(evt.Owner, asset, evt.Amount)

	case event.TypeWithdrawn.String():
		var evt event.Withdrawn
		if err := json.Unmarshal(row.Payload, &evt); err != nil {
			return err
		}
		asset, err := parseAsset(evt.Asset, evt.Kind)
		if err != nil {
			return err
		}
		return c.ledger.Withdraw(evt.Owner, asset, evt.Amount)

	case event.TypeOrderPlaced.String():
		var evt event.OrderPlaced
		if err := json.Unmarshal(row.Payload, &evt); err != nil {
			return err
		}
		asset := escrow.TokenAsset(evt.Asset)
		side, err := parseSide(evt.Side)
		if err != nil {
			return err
		}
		if side == book.SideSell {
			if err := c.ledger.Reserve(evt.Owner, asset, evt.Amount); err != nil {
				return err
			}
		}
		c.book.SetOrder(&book.Order{
			ID:         evt.OrderID,
			Owner:      evt.Owner,
			Asset:      asset,
			Amount:     evt.Amount,
			Remaining:  evt.Amount,
			LimitPrice: evt.LimitPrice,
			Side:       side,
			Status:     book.StatusActive,
		})
		return nil

	case event.TypeOrderCancelled.String():
		var evt event.OrderCancelled
		if err := json.Unmarshal(row.Payload, &evt); err != nil {
			return err
		}
		if _, err := c.book.Cancel(evt.Owner, evt.OrderID); err != nil {
			return err
		}
		if evt.Released > 0 {
			asset, err := parseAsset(evt.Asset, evt.Kind)
			if err != nil {
				return err
			}
			return c.ledger.Release(evt.Owner, asset, evt.Released)
		}
		return nil

	case event.TypeTradeExecuted.String():
		var evt event.TradeExecuted
		if err := json.Unmarshal(row.Payload, &evt); err != nil {
			return err
		}
		asset := escrow.TokenAsset(evt.Asset)
		if err := c.ledger.DebitReserved(evt.Seller, asset, evt.Amount); err != nil {
			return err
		}
		if err := c.ledger.DebitAvailable(evt.Buyer, escrow.NativeAsset, evt.Cost); err != nil {
			return err
		}
		if err := c.ledger.CreditAvailable(evt.Buyer, asset, evt.Amount); err != nil {
			return err
		}
		if err := c.ledger.CreditAvailable(evt.Seller, escrow.NativeAsset, evt.Cost); err != nil {
			return err
		}
		if _, err := c.book.ApplyFill(evt.BuyOrderID, evt.Amount); err != nil {
			return err
		}
		if _, err := c.book.ApplyFill(evt.SellOrderID, evt.Amount); err != nil {
			return err
		}
		c.advanceCursor(evt.Computation, evt.TradeIndex+1)
		return nil

	case event.TypeTradeSkipped.String():
		var evt event.TradeSkipped
		if err := json.Unmarshal(row.Payload, &evt); err != nil {
			return err
		}
		c.advanceCursor(evt.Computation, evt.TradeIndex+1)
		return nil

	case event.TypeSettlementCompleted.String():
		var evt event.SettlementCompleted
		if err := json.Unmarshal(row.Payload, &evt); err != nil {
			return err
		}
		cursor, _ := c.settler.Cursor(evt.Computation)
		cursor.Complete = true
		c.settler.SetCursor(evt.Computation, cursor)
		return nil

	case event.TypeProviderModeChanged.String():
		var evt event.ProviderModeChanged
		if err := json.Unmarshal(row.Payload, &evt); err != nil {
			return err
		}
		mode, err := compute.ParseMode(evt.Mode)
		if err != nil {
			return err
		}
		c.gateway.SetMode(mode)
		return nil

	default:
		return fmt.Errorf("unknown event type %q", row.EventType)
	}
}

func (c *Core) advanceCursor(computation uint64, nextIndex int) {
	cursor, _ := c.settler.Cursor(computation)
	if nextIndex > cursor.NextIndex {
		cursor.NextIndex = nextIndex
	}
	c.settler.SetCursor(computation, cursor)
}
