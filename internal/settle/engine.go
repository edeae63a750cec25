package settle

import (
	"context"
	"fmt"

	"stexchange/internal/book"
	"stexchange/internal/compute"
	"stexchange/internal/escrow"
	"stexchange/internal/event"
	"stexchange/internal/math"
)

// Policy selects how ineligible match entries are charged against the
// per-call trade budget.
type Policy int

const (
	// PolicySequential walks the match list in strict array order; every
	// entry attempted — applied or skipped — consumes budget.
	PolicySequential Policy = iota

	// PolicyPrioritized passes over entries whose orders are already
	// non-Active before they consume budget, so a batch full of stale
	// entries cannot starve genuinely-pending trades.
	PolicyPrioritized
)

func (p Policy) String() string {
	if p == PolicyPrioritized {
		return "prioritized"
	}
	return "sequential"
}

// Cursor is the persisted progress marker for one computation. It is the
// sole source of "how far settlement has progressed": monotonically
// non-decreasing, terminal once Complete.
type Cursor struct {
	NextIndex int
	Complete  bool
}

// Report is the outcome of one settlement call.
type Report struct {
	// Processed counts trades charged against maxTrades this call,
	// applied or skipped. Callers use it for next-call bookkeeping.
	Processed int

	// Applied counts trades whose ledger effects were committed.
	Applied int

	// Skipped counts stale or ineligible entries passed over.
	Skipped int

	// NextIndex and Complete mirror the cursor after this call.
	NextIndex int
	Complete  bool

	// Events emitted by this call, in application order.
	Events []event.Event
}

// Engine is the resumable batch settlement state machine. Each call loads
// the cursor for a computation, applies up to maxTrades entries from the
// finalized result, and commits the advanced cursor — or, on a fatal
// arithmetic fault, unwinds every mutation of the call and commits nothing.
//
// Not thread-safe — only invoked from the single-threaded core, which is
// what serializes back-to-back calls through the cursor read-modify-write.
type Engine struct {
	ledger  *escrow.Ledger
	book    *book.Book
	results compute.ResultProvider
	cursors map[uint64]Cursor
}

func NewEngine(ledger *escrow.Ledger, orders *book.Book, results compute.ResultProvider) *Engine {
	return &Engine{
		ledger:  ledger,
		book:    orders,
		results: results,
		cursors: make(map[uint64]Cursor),
	}
}

// Settle advances the cursor for computationID by up to maxTrades entries.
// Re-invocation on a Complete computation is an idempotent no-op. maxTrades
// of zero (or less) returns a zero report with the cursor unchanged.
func (e *Engine) Settle(ctx context.Context, computationID uint64, maxTrades int, policy Policy) (*Report, error) {
	result, err := e.results.GetResult(ctx, computationID)
	if err != nil {
		return nil, fmt.Errorf("fetch result %d: %w", computationID, err)
	}
	if !result.Exists || !result.Finalized {
		return nil, fmt.Errorf("computation %d: %w", computationID, compute.ErrResultNotReady)
	}

	cursor := e.cursors[computationID] // Zero value is the lazily-created Unstarted cursor.
	if cursor.Complete {
		return &Report{NextIndex: cursor.NextIndex, Complete: true}, nil
	}
	if maxTrades <= 0 {
		return &Report{NextIndex: cursor.NextIndex}, nil
	}

	report := &Report{}
	undo := &undoLog{ledger: e.ledger, book: e.book}
	budget := maxTrades

	for cursor.NextIndex < len(result.Matches) && budget > 0 {
		index := cursor.NextIndex
		trade := result.Matches[index]

		eligible, reason := e.checkEligibility(trade)
		if !eligible {
			report.Skipped++
			report.Events = append(report.Events, skipEvent(computationID, index, trade, reason))
			cursor.NextIndex++
			if policy == PolicySequential {
				// A stale entry still costs budget and still advances the
				// cursor, so a malformed entry can never re-block settlement.
				budget--
				report.Processed++
			}
			continue
		}

		applied, reason, err := e.applyTrade(computationID, index, trade, undo, report)
		if err != nil {
			// Fatal (overflow class): unwind every mutation of this call.
			// No cursor advance, no events; the caller sees zero progress.
			undo.rollback()
			return nil, fmt.Errorf("settle %d at index %d: %w", computationID, index, err)
		}
		if !applied {
			report.Skipped++
			report.Events = append(report.Events, skipEvent(computationID, index, trade, reason))
		}

		cursor.NextIndex++
		budget--
		report.Processed++
	}

	if cursor.NextIndex == len(result.Matches) {
		cursor.Complete = true
		report.Events = append(report.Events, &event.SettlementCompleted{
			Computation: computationID,
			Trades:      len(result.Matches),
		})
	}

	e.cursors[computationID] = cursor
	report.NextIndex = cursor.NextIndex
	report.Complete = cursor.Complete
	return report, nil
}

// checkEligibility is the cheap pre-screen shared by both policies: both
// orders must exist, be Active, sit on the stated sides of the stated asset,
// and belong to the trade's counterparties.
func (e *Engine) checkEligibility(trade compute.Trade) (bool, string) {
	buy, ok := e.book.Get(trade.BuyOrderID)
	if !ok {
		return false, "buy order not found"
	}
	sell, ok := e.book.Get(trade.SellOrderID)
	if !ok {
		return false, "sell order not found"
	}

	if buy.Status != book.StatusActive {
		return false, fmt.Sprintf("buy order %s", buy.Status)
	}
	if sell.Status != book.StatusActive {
		return false, fmt.Sprintf("sell order %s", sell.Status)
	}
	if buy.Side != book.SideBuy || sell.Side != book.SideSell {
		return false, "side mismatch"
	}
	if buy.Asset != trade.Asset || sell.Asset != trade.Asset {
		return false, "asset mismatch"
	}
	if buy.Owner != trade.Buyer || sell.Owner != trade.Seller {
		return false, "owner mismatch"
	}
	if trade.Amount == 0 {
		return false, "zero amount"
	}
	if trade.Amount > buy.Remaining || trade.Amount > sell.Remaining {
		return false, "amount exceeds remaining"
	}
	return true, ""
}

// applyTrade settles one eligible trade: the seller's reserved asset moves to
// the buyer, the buyer's native quote balance moves to the seller at the
// trade's recorded price, and fully-consumed orders become Filled.
//
// Every skip condition is decided before the first mutation, so a skipped
// trade leaves no trace. A non-nil error is fatal to the whole call; it is
// reserved for balance-credit overflow, which indicates corrupted state
// rather than a malformed entry.
func (e *Engine) applyTrade(computationID uint64, index int, trade compute.Trade, undo *undoLog, report *Report) (bool, string, error) {
	// A cost beyond uint64 can never be paid from a uint64 balance, so the
	// entry is permanently unsettleable and must not re-block the cursor.
	cost, err := math.CheckedMul(trade.Amount, trade.Price)
	if err != nil {
		return false, "cost overflow", nil
	}

	// Quote funds are not reserved at placement: the proceeds side is not
	// pre-computed off-chain, so the buyer's balance is verified here.
	if e.ledger.Reserved(trade.Seller, trade.Asset) < trade.Amount {
		return false, "seller underfunded", nil
	}
	if e.ledger.Available(trade.Buyer, escrow.NativeAsset) < cost {
		return false, "buyer underfunded", nil
	}

	// Credit overflow is fatal, and checked before any mutation so the trade
	// is all-or-nothing.
	if _, err := math.CheckedAdd(e.ledger.Available(trade.Buyer, trade.Asset), trade.Amount); err != nil {
		return false, "", fmt.Errorf("buyer credit: %w", err)
	}
	if _, err := math.CheckedAdd(e.ledger.Available(trade.Seller, escrow.NativeAsset), cost); err != nil {
		return false, "", fmt.Errorf("seller credit: %w", err)
	}

	if err := e.applyLegs(trade, cost, undo); err != nil {
		return false, "", err
	}

	buyFilled, err := e.book.ApplyFill(trade.BuyOrderID, trade.Amount)
	if err != nil {
		return false, "", fmt.Errorf("fill buy order: %w", err)
	}
	undo.recordFill(trade.BuyOrderID, trade.Amount, buyFilled)

	sellFilled, err := e.book.ApplyFill(trade.SellOrderID, trade.Amount)
	if err != nil {
		return false, "", fmt.Errorf("fill sell order: %w", err)
	}
	undo.recordFill(trade.SellOrderID, trade.Amount, sellFilled)

	report.Applied++
	report.Events = append(report.Events, &event.TradeExecuted{
		Computation: computationID,
		TradeIndex:  index,
		BuyOrderID:  trade.BuyOrderID,
		SellOrderID: trade.SellOrderID,
		Buyer:       trade.Buyer,
		Seller:      trade.Seller,
		Asset:       trade.Asset.Symbol,
		Price:       trade.Price,
		Amount:      trade.Amount,
		Cost:        cost,
		BuyFilled:   buyFilled,
		SellFilled:  sellFilled,
	})
	return true, "", nil
}

// applyLegs performs the four balance movements, debits before credits.
func (e *Engine) applyLegs(trade compute.Trade, cost uint64, undo *undoLog) error {
	if err := e.ledger.DebitReserved(trade.Seller, trade.Asset, trade.Amount); err != nil {
		return err
	}
	undo.recordDebitReserved(trade.Seller, trade.Asset, trade.Amount)

	if err := e.ledger.DebitAvailable(trade.Buyer, escrow.NativeAsset, cost); err != nil {
		return err
	}
	undo.recordDebitAvailable(trade.Buyer, escrow.NativeAsset, cost)

	if err := e.ledger.CreditAvailable(trade.Buyer, trade.Asset, trade.Amount); err != nil {
		return err
	}
	undo.recordCreditAvailable(trade.Buyer, trade.Asset, trade.Amount)

	if err := e.ledger.CreditAvailable(trade.Seller, escrow.NativeAsset, cost); err != nil {
		return err
	}
	undo.recordCreditAvailable(trade.Seller, escrow.NativeAsset, cost)
	return nil
}

func skipEvent(computationID uint64, index int, trade compute.Trade, reason string) *event.TradeSkipped {
	return &event.TradeSkipped{
		Computation: computationID,
		TradeIndex:  index,
		BuyOrderID:  trade.BuyOrderID,
		SellOrderID: trade.SellOrderID,
		Reason:      reason,
	}
}

// Cursor returns the cursor for a computation. The zero cursor means
// Unstarted.
func (e *Engine) Cursor(computationID uint64) (Cursor, bool) {
	cursor, ok := e.cursors[computationID]
	return cursor, ok
}

// Cursors returns a copy of all cursors for snapshots.
func (e *Engine) Cursors() map[uint64]Cursor {
	out := make(map[uint64]Cursor, len(e.cursors))
	for id, c := range e.cursors {
		out[id] = c
	}
	return out
}

// SetCursor installs a cursor during snapshot restore.
func (e *Engine) SetCursor(computationID uint64, cursor Cursor) {
	e.cursors[computationID] = cursor
}
