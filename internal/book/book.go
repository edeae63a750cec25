package book

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"stexchange/internal/escrow"
)

var (
	// ErrOrderNotFound is returned for unknown order ids.
	ErrOrderNotFound = errors.New("order not found")

	// ErrNotOwner is returned when a caller operates on someone else's order.
	ErrNotOwner = errors.New("caller is not the order owner")

	// ErrNotActive is returned when operating on a cancelled or filled order.
	ErrNotActive = errors.New("order is not active")

	// ErrInvalidOrder is returned for zero amount or zero limit price.
	ErrInvalidOrder = errors.New("order amount and price must be positive")
)

// Side is the order direction.
type Side uint8

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideSell {
		return "sell"
	}
	return "buy"
}

// Status is the order lifecycle state. Cancelled and Filled are terminal:
// a non-Active order is permanently excluded from settlement.
type Status uint8

const (
	StatusActive Status = iota
	StatusCancelled
	StatusFilled
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCancelled:
		return "cancelled"
	case StatusFilled:
		return "filled"
	default:
		return "unknown"
	}
}

// Order is a resting limit order. Remaining tracks the unfilled portion so
// the off-chain matcher can express partial fills as separate trade entries.
type Order struct {
	ID         uint64
	Owner      uuid.UUID
	Asset      escrow.AssetRef
	Amount     uint64
	Remaining  uint64
	LimitPrice uint64
	Side       Side
	Status     Status
}

// Book is the indexed order store that settlement mutates.
//
// Not thread-safe — only accessed from the single-threaded core.
type Book struct {
	orders map[uint64]*Order
	nextID uint64
}

func NewBook() *Book {
	return &Book{
		orders: make(map[uint64]*Order),
		nextID: 1,
	}
}

// Place creates a new Active order and allocates the next monotonic id.
// Sell-side fund reservation is the caller's responsibility: the core
// reserves against the escrow ledger before recording the order.
func (b *Book) Place(owner uuid.UUID, asset escrow.AssetRef, amount, limitPrice uint64, side Side) (*Order, error) {
	if amount == 0 || limitPrice == 0 {
		return nil, ErrInvalidOrder
	}

	order := &Order{
		ID:         b.nextID,
		Owner:      owner,
		Asset:      asset,
		Amount:     amount,
		Remaining:  amount,
		LimitPrice: limitPrice,
		Side:       side,
		Status:     StatusActive,
	}
	b.orders[order.ID] = order
	b.nextID++

	return order, nil
}

// Cancel transitions an Active order to Cancelled. Only the owner may cancel.
// Returns the order so the caller can release its remaining reservation.
func (b *Book) Cancel(caller uuid.UUID, orderID uint64) (*Order, error) {
	order, ok := b.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", orderID, ErrOrderNotFound)
	}
	if order.Owner != caller {
		return nil, fmt.Errorf("order %d: %w", orderID, ErrNotOwner)
	}
	if order.Status != StatusActive {
		return nil, fmt.Errorf("order %d is %s: %w", orderID, order.Status, ErrNotActive)
	}

	order.Status = StatusCancelled
	return order, nil
}

// Get returns an order by id.
func (b *Book) Get(orderID uint64) (*Order, bool) {
	order, ok := b.orders[orderID]
	return order, ok
}

// ApplyFill consumes part of an order's remaining amount and marks it Filled
// once fully consumed. The caller verifies eligibility first; a fill against
// a non-Active order or beyond the remaining amount is a programming error
// upstream and is rejected here without mutation.
func (b *Book) ApplyFill(orderID uint64, amount uint64) (filled bool, err error) {
	order, ok := b.orders[orderID]
	if !ok {
		return false, fmt.Errorf("order %d: %w", orderID, ErrOrderNotFound)
	}
	if order.Status != StatusActive {
		return false, fmt.Errorf("order %d is %s: %w", orderID, order.Status, ErrNotActive)
	}
	if amount == 0 || amount > order.Remaining {
		return false, fmt.Errorf("order %d: fill %d exceeds remaining %d", orderID, amount, order.Remaining)
	}

	order.Remaining -= amount
	if order.Remaining == 0 {
		order.Status = StatusFilled
		return true, nil
	}
	return false, nil
}

// UndoFill reverses a previous ApplyFill during whole-call rollback.
func (b *Book) UndoFill(orderID uint64, amount uint64, wasFilled bool) {
	order, ok := b.orders[orderID]
	if !ok {
		return
	}
	order.Remaining += amount
	if wasFilled {
		order.Status = StatusActive
	}
}

// Orders returns all orders sorted by id, for snapshots and queries.
func (b *Book) Orders() []*Order {
	out := make([]*Order, 0, len(b.orders))
	for _, o := range b.orders {
		copied := *o
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OwnerOrders returns an owner's orders sorted by id.
func (b *Book) OwnerOrders(owner uuid.UUID) []*Order {
	out := make([]*Order, 0)
	for _, o := range b.orders {
		if o.Owner == owner {
			copied := *o
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetOrder installs an order during snapshot restore.
func (b *Book) SetOrder(order *Order) {
	copied := *order
	b.orders[order.ID] = &copied
	if order.ID >= b.nextID {
		b.nextID = order.ID + 1
	}
}

// NextID returns the next order id to be allocated.
func (b *Book) NextID() uint64 {
	return b.nextID
}
