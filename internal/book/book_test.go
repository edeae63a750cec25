package book_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"stexchange/internal/book"
	"stexchange/internal/escrow"
)

var acme = escrow.TokenAsset("ACME")

func TestPlace_AllocatesMonotonicIDs(t *testing.T) {
	b := book.NewBook()
	owner := uuid.New()

	first, err := b.Place(owner, acme, 10, 5, book.SideSell)
	if err != nil {
		t.Fatalf("place failed: %v", err)
	}
	second, err := b.Place(owner, acme, 20, 6, book.SideBuy)
	if err != nil {
		t.Fatalf("place failed: %v", err)
	}

	if first.ID != 1 || second.ID != 2 {
		t.Errorf("ids: got %d, %d, want 1, 2", first.ID, second.ID)
	}
	if first.Status != book.StatusActive {
		t.Errorf("new order should be active, got %s", first.Status)
	}
	if first.Remaining != first.Amount {
		t.Errorf("remaining should equal amount at placement")
	}
}

func TestPlace_RejectsZeroAmountOrPrice(t *testing.T) {
	b := book.NewBook()
	owner := uuid.New()

	if _, err := b.Place(owner, acme, 0, 5, book.SideBuy); !errors.Is(err, book.ErrInvalidOrder) {
		t.Errorf("zero amount: expected ErrInvalidOrder, got %v", err)
	}
	if _, err := b.Place(owner, acme, 10, 0, book.SideBuy); !errors.Is(err, book.ErrInvalidOrder) {
		t.Errorf("zero price: expected ErrInvalidOrder, got %v", err)
	}
}

func TestCancel_OwnerOnly(t *testing.T) {
	b := book.NewBook()
	owner := uuid.New()
	stranger := uuid.New()

	order, err := b.Place(owner, acme, 10, 5, book.SideSell)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := b.Cancel(stranger, order.ID); !errors.Is(err, book.ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}

	cancelled, err := b.Cancel(owner, order.ID)
	if err != nil {
		t.Fatalf("owner cancel failed: %v", err)
	}
	if cancelled.Status != book.StatusCancelled {
		t.Errorf("status: got %s, want cancelled", cancelled.Status)
	}
}

func TestCancel_Terminal(t *testing.T) {
	b := book.NewBook()
	owner := uuid.New()

	order, _ := b.Place(owner, acme, 10, 5, book.SideSell)
	if _, err := b.Cancel(owner, order.ID); err != nil {
		t.Fatal(err)
	}

	// Cancelling twice is NotActive, not NotFound.
	if _, err := b.Cancel(owner, order.ID); !errors.Is(err, book.ErrNotActive) {
		t.Errorf("expected ErrNotActive, got %v", err)
	}

	if _, err := b.Cancel(owner, 999); !errors.Is(err, book.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestApplyFill_PartialThenFilled(t *testing.T) {
	b := book.NewBook()
	owner := uuid.New()

	order, _ := b.Place(owner, acme, 10, 5, book.SideSell)

	filled, err := b.ApplyFill(order.ID, 4)
	if err != nil {
		t.Fatalf("partial fill failed: %v", err)
	}
	if filled {
		t.Error("partial fill should not mark order filled")
	}

	got, _ := b.Get(order.ID)
	if got.Remaining != 6 {
		t.Errorf("remaining: got %d, want 6", got.Remaining)
	}

	filled, err = b.ApplyFill(order.ID, 6)
	if err != nil {
		t.Fatalf("final fill failed: %v", err)
	}
	if !filled {
		t.Error("final fill should mark order filled")
	}
	got, _ = b.Get(order.ID)
	if got.Status != book.StatusFilled {
		t.Errorf("status: got %s, want filled", got.Status)
	}

	// Filled is terminal.
	if _, err := b.ApplyFill(order.ID, 1); !errors.Is(err, book.ErrNotActive) {
		t.Errorf("expected ErrNotActive on filled order, got %v", err)
	}
}

func TestApplyFill_BeyondRemaining_Rejected(t *testing.T) {
	b := book.NewBook()
	owner := uuid.New()

	order, _ := b.Place(owner, acme, 10, 5, book.SideSell)

	if _, err := b.ApplyFill(order.ID, 11); err == nil {
		t.Error("fill beyond remaining should fail")
	}
	got, _ := b.Get(order.ID)
	if got.Remaining != 10 {
		t.Errorf("rejected fill must not mutate: remaining=%d", got.Remaining)
	}
}

func TestUndoFill_RestoresState(t *testing.T) {
	b := book.NewBook()
	owner := uuid.New()

	order, _ := b.Place(owner, acme, 10, 5, book.SideSell)

	filled, err := b.ApplyFill(order.ID, 10)
	if err != nil || !filled {
		t.Fatalf("fill failed: filled=%v err=%v", filled, err)
	}

	b.UndoFill(order.ID, 10, true)

	got, _ := b.Get(order.ID)
	if got.Status != book.StatusActive || got.Remaining != 10 {
		t.Errorf("undo did not restore: status=%s remaining=%d", got.Status, got.Remaining)
	}
}

func TestSetOrder_AdvancesNextID(t *testing.T) {
	b := book.NewBook()

	b.SetOrder(&book.Order{
		ID:         7,
		Owner:      uuid.New(),
		Asset:      acme,
		Amount:     5,
		Remaining:  5,
		LimitPrice: 3,
		Side:       book.SideBuy,
		Status:     book.StatusActive,
	})

	if b.NextID() != 8 {
		t.Errorf("next id: got %d, want 8", b.NextID())
	}

	order, err := b.Place(uuid.New(), acme, 1, 1, book.SideBuy)
	if err != nil {
		t.Fatal(err)
	}
	if order.ID != 8 {
		t.Errorf("placed id: got %d, want 8", order.ID)
	}
}

func TestOwnerOrders_SortedCopies(t *testing.T) {
	b := book.NewBook()
	owner := uuid.New()

	b.Place(owner, acme, 1, 1, book.SideBuy)
	b.Place(uuid.New(), acme, 2, 2, book.SideSell)
	b.Place(owner, acme, 3, 3, book.SideSell)

	orders := b.OwnerOrders(owner)
	if len(orders) != 2 {
		t.Fatalf("got %d orders, want 2", len(orders))
	}
	if orders[0].ID > orders[1].ID {
		t.Error("orders not sorted by id")
	}

	// Mutating the returned copy must not affect the book.
	orders[0].Status = book.StatusCancelled
	stored, _ := b.Get(orders[0].ID)
	if stored.Status != book.StatusActive {
		t.Error("returned order is not a copy")
	}
}
