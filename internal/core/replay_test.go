package core_test

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"stexchange/internal/book"
	"stexchange/internal/command"
	"stexchange/internal/compute"
	"stexchange/internal/core"
	"stexchange/internal/escrow"
	"stexchange/internal/persistence"
)

// replayRows converts the fixture's drained envelopes into event log rows,
// the same shape replay reads back from Postgres.
func replayRows(f *coreFixture) []persistence.EventRow {
	var rows []persistence.EventRow
	for _, env := range f.drain() {
		rows = append(rows, persistence.RowFromEnvelope(env))
	}
	return rows
}

func TestReplayRebuildsState(t *testing.T) {
	f := newCoreFixture(t)
	buyer := uuid.New()
	seller := uuid.New()
	token := escrow.TokenAsset("WIDGET")

	f.apply(t, depositCmd(buyer, escrow.NativeAsset, 100))
	f.apply(t, depositCmd(seller, token, 10))
	sellOutcome := f.apply(t, placeCmd(seller, token, 10, 5, book.SideSell))
	buyOutcome := f.apply(t, placeCmd(buyer, token, 10, 5, book.SideBuy))

	trade := compute.Trade{
		BuyOrderID:  buyOutcome.OrderID,
		SellOrderID: sellOutcome.OrderID,
		Buyer:       buyer,
		Seller:      seller,
		Asset:       token,
		Price:       5,
		Amount:      10,
	}
	if err := f.stub.InjectResult(7, []compute.Trade{trade}, true); err != nil {
		t.Fatal(err)
	}
	f.apply(t, settleCmd(7, 10))

	rows := replayRows(f)

	g := newCoreFixture(t)
	replayed := core.NewCore(0, compute.NewGateway(f.stub, compute.NewStubProvider(), compute.ModeStub),
		operatorToken, g.persist, nil, nil, nil)
	if err := replayed.ReplayEvents(rows); err != nil {
		t.Fatalf("replay: %v", err)
	}

	if replayed.Sequence() != f.core.Sequence() {
		t.Errorf("sequence = %d, want %d", replayed.Sequence(), f.core.Sequence())
	}
	if replayed.ChainTip() != f.core.ChainTip() {
		t.Error("chain tip not restored from replayed events")
	}
	if got := replayed.Ledger().Available(buyer, token); got != 10 {
		t.Errorf("buyer tokens = %d, want 10", got)
	}
	if got := replayed.Ledger().Available(seller, escrow.NativeAsset); got != 50 {
		t.Errorf("seller native = %d, want 50", got)
	}
	if got := replayed.Ledger().Available(buyer, escrow.NativeAsset); got != 50 {
		t.Errorf("buyer native = %d, want 50", got)
	}
	cursor, ok := replayed.Settler().Cursor(7)
	if !ok || cursor.NextIndex != 1 || !cursor.Complete {
		t.Fatalf("cursor = %+v ok=%v", cursor, ok)
	}

	sellOrder, ok := replayed.Book().Get(sellOutcome.OrderID)
	if !ok || sellOrder.Status != book.StatusFilled || sellOrder.Remaining != 0 {
		t.Fatalf("sell order after replay = %+v ok=%v", sellOrder, ok)
	}
}

func TestReplayCancelledOrderReleasesFunds(t *testing.T) {
	f := newCoreFixture(t)
	seller := uuid.New()
	token := escrow.TokenAsset("WIDGET")

	f.apply(t, depositCmd(seller, token, 10))
	sellOutcome := f.apply(t, placeCmd(seller, token, 10, 5, book.SideSell))
	f.apply(t, &command.CancelOrder{
		RequestID: uuid.New(), Caller: seller, OrderID: sellOutcome.OrderID, Timestamp: time.Now(),
	})

	rows := replayRows(f)

	g := newCoreFixture(t)
	replayed := core.NewCore(0, compute.NewGateway(compute.NewStubProvider(), compute.NewStubProvider(), compute.ModeStub),
		operatorToken, g.persist, nil, nil, nil)
	if err := replayed.ReplayEvents(rows); err != nil {
		t.Fatalf("replay: %v", err)
	}

	if got := replayed.Ledger().Available(seller, token); got != 10 {
		t.Errorf("seller tokens = %d, want 10", got)
	}
	if got := replayed.Ledger().Reserved(seller, token); got != 0 {
		t.Errorf("seller reserved = %d, want 0", got)
	}
	order, ok := replayed.Book().Get(sellOutcome.OrderID)
	if !ok || order.Status != book.StatusCancelled {
		t.Fatalf("order after replay = %+v ok=%v", order, ok)
	}
}

func TestReplayAfterSnapshotGap(t *testing.T) {
	f := newCoreFixture(t)
	owner := uuid.New()

	f.apply(t, depositCmd(owner, escrow.NativeAsset, 100))
	snap := f.core.BuildSnapshot()
	f.drain()

	// Events after the snapshot form the gap replay closes.
	f.apply(t, depositCmd(owner, escrow.NativeAsset, 25))
	f.apply(t, &command.Withdraw{
		RequestID: uuid.New(), Owner: owner, Asset: escrow.NativeAsset, Amount: 5, Timestamp: time.Now(),
	})
	gap := replayRows(f)

	g := newCoreFixture(t)
	restored := core.NewCore(0, compute.NewGateway(compute.NewStubProvider(), compute.NewStubProvider(), compute.ModeStub),
		operatorToken, g.persist, nil, nil, nil)
	if err := restored.RestoreSnapshot(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if err := restored.ReplayEvents(gap); err != nil {
		t.Fatalf("replay gap: %v", err)
	}

	if restored.Sequence() != f.core.Sequence() {
		t.Errorf("sequence = %d, want %d", restored.Sequence(), f.core.Sequence())
	}
	if restored.ChainTip() != f.core.ChainTip() {
		t.Error("chain tip diverged after snapshot+replay")
	}
	if got := restored.Ledger().Available(owner, escrow.NativeAsset); got != 120 {
		t.Errorf("available = %d, want 120", got)
	}
}
