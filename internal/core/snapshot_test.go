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
)

func TestSnapshotRoundTrip(t *testing.T) {
	f := newCoreFixture(t)
	buyer := uuid.New()
	seller := uuid.New()
	token := escrow.TokenAsset("WIDGET")

	f.apply(t, depositCmd(buyer, escrow.NativeAsset, 100))
	f.apply(t, depositCmd(seller, token, 10))
	sellOutcome := f.apply(t, placeCmd(seller, token, 10, 5, book.SideSell))
	f.apply(t, &command.SetProviderMode{
		RequestID: uuid.New(), OperatorToken: operatorToken, Mode: compute.ModeVerified, Timestamp: time.Now(),
	})

	// A half-finished settlement so the cursor has something to say.
	f.apply(t, &command.SetProviderMode{
		RequestID: uuid.New(), OperatorToken: operatorToken, Mode: compute.ModeStub, Timestamp: time.Now(),
	})
	trades := make([]compute.Trade, 2)
	for i := range trades {
		buyOutcome := f.apply(t, placeCmd(buyer, token, 5, 5, book.SideBuy))
		trades[i] = compute.Trade{
			BuyOrderID:  buyOutcome.OrderID,
			SellOrderID: sellOutcome.OrderID,
			Buyer:       buyer,
			Seller:      seller,
			Asset:       token,
			Price:       5,
			Amount:      5,
		}
	}
	if err := f.stub.InjectResult(3, trades, true); err != nil {
		t.Fatal(err)
	}
	f.apply(t, settleCmd(3, 1))

	snap := f.core.BuildSnapshot()

	// A restored core continues where the old one stopped. The stub provider
	// is shared, standing in for the replayed result store.
	g := newCoreFixture(t)
	restored := core.NewCore(0, compute.NewGateway(f.stub, compute.NewStubProvider(), compute.ModeStub),
		operatorToken, g.persist, nil, nil, nil)
	if err := restored.RestoreSnapshot(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if restored.Sequence() != f.core.Sequence() {
		t.Errorf("sequence = %d, want %d", restored.Sequence(), f.core.Sequence())
	}
	if restored.ChainTip() != f.core.ChainTip() {
		t.Error("chain tip not restored")
	}
	if got := restored.Ledger().Available(buyer, token); got != 5 {
		t.Errorf("buyer tokens = %d, want 5", got)
	}
	if got := restored.Ledger().Reserved(seller, token); got != 5 {
		t.Errorf("seller reserved = %d, want 5", got)
	}
	cursor, ok := restored.Settler().Cursor(3)
	if !ok || cursor.NextIndex != 1 || cursor.Complete {
		t.Fatalf("cursor = %+v ok=%v", cursor, ok)
	}

	outcome := restored.Apply(g.ctx, settleCmd(3, 10))
	if outcome.Err != nil {
		t.Fatalf("settle after restore: %v", outcome.Err)
	}
	if outcome.Outcome.Processed != 1 || !outcome.Outcome.Complete {
		t.Fatalf("outcome = %+v", outcome.Outcome)
	}
	if got := restored.Ledger().Available(buyer, token); got != 10 {
		t.Errorf("buyer tokens after resume = %d, want 10", got)
	}
	if err := restored.Ledger().CheckConservation(); err != nil {
		t.Error(err)
	}
}
