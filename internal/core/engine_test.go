package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"stexchange/internal/admin"
	"stexchange/internal/book"
	"stexchange/internal/command"
	"stexchange/internal/compute"
	"stexchange/internal/core"
	"stexchange/internal/escrow"
	"stexchange/internal/event"
)

const operatorToken = "test-operator-token"

type coreFixture struct {
	core    *core.Core
	stub    *compute.StubProvider
	persist chan core.Output
	ctx     context.Context
}

func newCoreFixture(t *testing.T) *coreFixture {
	t.Helper()
	stub := compute.NewStubProvider()
	gateway := compute.NewGateway(stub, compute.NewStubProvider(), compute.ModeStub)
	persist := make(chan core.Output, 1024)
	projection := make(chan core.Output, 1024)

	return &coreFixture{
		core:    core.NewCore(0, gateway, operatorToken, persist, projection, nil, nil),
		stub:    stub,
		persist: persist,
		ctx:     context.Background(),
	}
}

func (f *coreFixture) apply(t *testing.T, cmd command.Command) command.Outcome {
	t.Helper()
	resp := f.core.Apply(f.ctx, cmd)
	if resp.Err != nil {
		t.Fatalf("apply %s: %v", cmd.Kind(), resp.Err)
	}
	return resp.Outcome
}

// drain collects every envelope emitted so far.
func (f *coreFixture) drain() []*event.Envelope {
	var out []*event.Envelope
	for {
		select {
		case output := <-f.persist:
			out = append(out, output.Envelope)
		default:
			return out
		}
	}
}

func depositCmd(owner uuid.UUID, asset escrow.AssetRef, amount uint64) *command.Deposit {
	return &command.Deposit{
		RequestID: uuid.New(),
		Owner:     owner,
		Asset:     asset,
		Amount:    amount,
		Timestamp: time.Now(),
	}
}

func placeCmd(owner uuid.UUID, asset escrow.AssetRef, amount, price uint64, side book.Side) *command.PlaceOrder {
	return &command.PlaceOrder{
		RequestID:  uuid.New(),
		Owner:      owner,
		Asset:      asset,
		Amount:     amount,
		LimitPrice: price,
		Side:       side,
		Timestamp:  time.Now(),
	}
}

func settleCmd(computation uint64, maxTrades int) *command.SettleSequential {
	return &command.SettleSequential{
		RequestID:   uuid.New(),
		Computation: computation,
		MaxTrades:   maxTrades,
		Timestamp:   time.Now(),
	}
}

func TestDepositAndWithdraw(t *testing.T) {
	f := newCoreFixture(t)
	owner := uuid.New()

	f.apply(t, depositCmd(owner, escrow.NativeAsset, 100))
	if got := f.core.Ledger().Available(owner, escrow.NativeAsset); got != 100 {
		t.Fatalf("available = %d, want 100", got)
	}

	f.apply(t, &command.Withdraw{
		RequestID: uuid.New(), Owner: owner, Asset: escrow.NativeAsset, Amount: 40, Timestamp: time.Now(),
	})
	if got := f.core.Ledger().Available(owner, escrow.NativeAsset); got != 60 {
		t.Fatalf("available = %d, want 60", got)
	}

	resp := f.core.Apply(f.ctx, &command.Withdraw{
		RequestID: uuid.New(), Owner: owner, Asset: escrow.NativeAsset, Amount: 100, Timestamp: time.Now(),
	})
	if !errors.Is(resp.Err, escrow.ErrInsufficientBalance) {
		t.Fatalf("overdraw: got %v, want ErrInsufficientBalance", resp.Err)
	}
}

func TestDuplicateCommandSkipped(t *testing.T) {
	f := newCoreFixture(t)
	owner := uuid.New()

	cmd := depositCmd(owner, escrow.NativeAsset, 100)
	f.apply(t, cmd)

	resp := f.core.Apply(f.ctx, cmd)
	if resp.Err != nil || !resp.Outcome.Duplicate {
		t.Fatalf("redelivery: err=%v duplicate=%v", resp.Err, resp.Outcome.Duplicate)
	}
	if got := f.core.Ledger().Available(owner, escrow.NativeAsset); got != 100 {
		t.Fatalf("double-applied deposit: available = %d, want 100", got)
	}
}

func TestPlaceOrderReservesSellFunds(t *testing.T) {
	f := newCoreFixture(t)
	owner := uuid.New()
	token := escrow.TokenAsset("WIDGET")

	// No funds yet: sell placement must fail before the order exists.
	resp := f.core.Apply(f.ctx, placeCmd(owner, token, 10, 5, book.SideSell))
	if !errors.Is(resp.Err, escrow.ErrInsufficientBalance) {
		t.Fatalf("unfunded sell: got %v, want ErrInsufficientBalance", resp.Err)
	}
	if orders := f.core.Book().OwnerOrders(owner); len(orders) != 0 {
		t.Fatalf("order recorded despite failed reservation: %d", len(orders))
	}

	f.apply(t, depositCmd(owner, token, 10))
	outcome := f.apply(t, placeCmd(owner, token, 10, 5, book.SideSell))
	if outcome.OrderID == 0 {
		t.Fatal("no order id returned")
	}
	if got := f.core.Ledger().Reserved(owner, token); got != 10 {
		t.Fatalf("reserved = %d, want 10", got)
	}
	if got := f.core.Ledger().Available(owner, token); got != 0 {
		t.Fatalf("available = %d, want 0", got)
	}
}

func TestCancelOrderReleasesReservation(t *testing.T) {
	f := newCoreFixture(t)
	owner := uuid.New()
	stranger := uuid.New()
	token := escrow.TokenAsset("WIDGET")

	f.apply(t, depositCmd(owner, token, 10))
	outcome := f.apply(t, placeCmd(owner, token, 10, 5, book.SideSell))

	resp := f.core.Apply(f.ctx, &command.CancelOrder{
		RequestID: uuid.New(), Caller: stranger, OrderID: outcome.OrderID, Timestamp: time.Now(),
	})
	if !errors.Is(resp.Err, book.ErrNotOwner) {
		t.Fatalf("stranger cancel: got %v, want ErrNotOwner", resp.Err)
	}

	f.apply(t, &command.CancelOrder{
		RequestID: uuid.New(), Caller: owner, OrderID: outcome.OrderID, Timestamp: time.Now(),
	})
	if got := f.core.Ledger().Available(owner, token); got != 10 {
		t.Fatalf("available after cancel = %d, want 10", got)
	}
	if got := f.core.Ledger().Reserved(owner, token); got != 0 {
		t.Fatalf("reserved after cancel = %d, want 0", got)
	}

	// Cancelled is terminal.
	resp = f.core.Apply(f.ctx, &command.CancelOrder{
		RequestID: uuid.New(), Caller: owner, OrderID: outcome.OrderID, Timestamp: time.Now(),
	})
	if !errors.Is(resp.Err, book.ErrNotActive) {
		t.Fatalf("double cancel: got %v, want ErrNotActive", resp.Err)
	}
}

func TestSettlementEndToEnd(t *testing.T) {
	f := newCoreFixture(t)
	buyer := uuid.New()
	seller := uuid.New()
	token := escrow.TokenAsset("WIDGET")

	f.apply(t, depositCmd(buyer, escrow.NativeAsset, 100))
	f.apply(t, depositCmd(seller, token, 10))
	sellOutcome := f.apply(t, placeCmd(seller, token, 10, 5, book.SideSell))
	buyOutcome := f.apply(t, placeCmd(buyer, token, 10, 5, book.SideBuy))

	trades := []compute.Trade{{
		BuyOrderID:  buyOutcome.OrderID,
		SellOrderID: sellOutcome.OrderID,
		Buyer:       buyer,
		Seller:      seller,
		Asset:       token,
		Price:       5,
		Amount:      10,
	}}
	if err := f.stub.InjectResult(1, trades, true); err != nil {
		t.Fatal(err)
	}

	outcome := f.apply(t, settleCmd(1, 10))
	if outcome.Processed != 1 || outcome.Applied != 1 || !outcome.Complete {
		t.Fatalf("settle outcome = %+v", outcome)
	}

	ledger := f.core.Ledger()
	if got := ledger.Available(buyer, token); got != 10 {
		t.Errorf("buyer tokens = %d, want 10", got)
	}
	if got := ledger.Available(buyer, escrow.NativeAsset); got != 50 {
		t.Errorf("buyer native = %d, want 50", got)
	}
	if got := ledger.Available(seller, escrow.NativeAsset); got != 50 {
		t.Errorf("seller native = %d, want 50", got)
	}
	if err := ledger.CheckConservation(); err != nil {
		t.Error(err)
	}

	// The event log carries the whole story with an unbroken hash chain.
	envelopes := f.drain()
	wantTypes := []event.Type{
		event.TypeDeposited,
		event.TypeDeposited,
		event.TypeOrderPlaced,
		event.TypeOrderPlaced,
		event.TypeTradeExecuted,
		event.TypeSettlementCompleted,
	}
	if len(envelopes) != len(wantTypes) {
		t.Fatalf("envelope count = %d, want %d", len(envelopes), len(wantTypes))
	}
	for i, env := range envelopes {
		if env.EventType != wantTypes[i] {
			t.Errorf("envelope %d type = %s, want %s", i, env.EventType, wantTypes[i])
		}
		if env.Sequence != int64(i) {
			t.Errorf("envelope %d sequence = %d", i, env.Sequence)
		}
		if i > 0 && env.PrevHash != envelopes[i-1].StateHash {
			t.Errorf("envelope %d breaks the hash chain", i)
		}
	}
}

func TestChunkedSettlementExactlyOnce(t *testing.T) {
	f := newCoreFixture(t)
	buyer := uuid.New()
	seller := uuid.New()
	token := escrow.TokenAsset("WIDGET")

	f.apply(t, depositCmd(buyer, escrow.NativeAsset, 1000))
	f.apply(t, depositCmd(seller, token, 25))
	sellOutcome := f.apply(t, placeCmd(seller, token, 25, 2, book.SideSell))

	trades := make([]compute.Trade, 25)
	for i := range trades {
		buyOutcome := f.apply(t, placeCmd(buyer, token, 1, 2, book.SideBuy))
		trades[i] = compute.Trade{
			BuyOrderID:  buyOutcome.OrderID,
			SellOrderID: sellOutcome.OrderID,
			Buyer:       buyer,
			Seller:      seller,
			Asset:       token,
			Price:       2,
			Amount:      1,
		}
	}
	if err := f.stub.InjectResult(42, trades, true); err != nil {
		t.Fatal(err)
	}

	wantProcessed := []int{10, 10, 5}
	wantComplete := []bool{false, false, true}
	for call := range wantProcessed {
		outcome := f.apply(t, settleCmd(42, 10))
		if outcome.Processed != wantProcessed[call] || outcome.Complete != wantComplete[call] {
			t.Fatalf("call %d: outcome = %+v", call, outcome)
		}
	}

	// 25 units moved exactly once.
	if got := f.core.Ledger().Available(buyer, token); got != 25 {
		t.Errorf("buyer tokens = %d, want 25", got)
	}
	if got := f.core.Ledger().Available(seller, escrow.NativeAsset); got != 50 {
		t.Errorf("seller native = %d, want 50", got)
	}

	// Idempotent completion: a fresh request against the finished cursor.
	outcome := f.apply(t, settleCmd(42, 10))
	if outcome.Processed != 0 || !outcome.Complete {
		t.Fatalf("post-completion outcome = %+v", outcome)
	}
	if got := f.core.Ledger().Available(buyer, token); got != 25 {
		t.Errorf("buyer tokens after re-settle = %d, want 25", got)
	}
}

func TestSettleResultNotReadySurfaces(t *testing.T) {
	f := newCoreFixture(t)

	resp := f.core.Apply(f.ctx, settleCmd(99, 10))
	if !errors.Is(resp.Err, compute.ErrResultNotReady) {
		t.Fatalf("got %v, want ErrResultNotReady", resp.Err)
	}
}

func TestSetProviderModeRequiresToken(t *testing.T) {
	f := newCoreFixture(t)

	resp := f.core.Apply(f.ctx, &command.SetProviderMode{
		RequestID: uuid.New(), OperatorToken: "wrong", Mode: compute.ModeVerified, Timestamp: time.Now(),
	})
	if !errors.Is(resp.Err, admin.ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", resp.Err)
	}
	if got := f.core.Controller().Mode(); got != compute.ModeStub {
		t.Fatalf("mode changed by unauthorized caller: %v", got)
	}

	f.apply(t, &command.SetProviderMode{
		RequestID: uuid.New(), OperatorToken: operatorToken, Mode: compute.ModeVerified, Timestamp: time.Now(),
	})
	if got := f.core.Controller().Mode(); got != compute.ModeVerified {
		t.Fatalf("mode = %v, want verified", got)
	}
}

func TestRunLoopRepliesAndStops(t *testing.T) {
	f := newCoreFixture(t)
	owner := uuid.New()

	requests := make(chan command.Request, 4)
	done := make(chan error, 1)
	go func() {
		done <- f.core.Run(context.Background(), requests)
	}()

	req := command.NewRequest(depositCmd(owner, escrow.NativeAsset, 7))
	requests <- req

	select {
	case resp := <-req.ReplyTo:
		if resp.Err != nil {
			t.Fatalf("reply: %v", resp.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reply from run loop")
	}

	close(requests)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := f.core.Ledger().Available(owner, escrow.NativeAsset); got != 7 {
		t.Fatalf("available = %d, want 7", got)
	}
}
