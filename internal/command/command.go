package command

import (
	"time"

	"github.com/google/uuid"

	"stexchange/internal/book"
	"stexchange/internal/compute"
	"stexchange/internal/escrow"
)

// Kind discriminates inbound commands.
type Kind int32

const (
	KindUnknown Kind = iota
	KindDeposit
	KindWithdraw
	KindPlaceOrder
	KindCancelOrder
	KindSettleSequential
	KindSettlePrioritized
	KindSetProviderMode
)

func (k Kind) String() string {
	switch k {
	case KindDeposit:
		return "Deposit"
	case KindWithdraw:
		return "Withdraw"
	case KindPlaceOrder:
		return "PlaceOrder"
	case KindCancelOrder:
		return "CancelOrder"
	case KindSettleSequential:
		return "SettleSequential"
	case KindSettlePrioritized:
		return "SettlePrioritized"
	case KindSetProviderMode:
		return "SetProviderMode"
	default:
		return "Unknown"
	}
}

// Command is the interface all inbound commands implement. Every command
// carries a stable idempotency key so redelivery cannot double-apply.
type Command interface {
	Kind() Kind
	IdempotencyKey() string
	Time() time.Time
}

// Outcome is the caller-visible result of an applied command.
type Outcome struct {
	// Sequence of the last event emitted for this command.
	Sequence int64

	// OrderID of a newly placed order (PlaceOrder only).
	OrderID uint64

	// Processed is the count of trades attempted this call — applied or
	// skipped — which callers use to compute the next call's expectations.
	Processed int

	// Applied is the count of trades whose ledger effects were committed.
	Applied int

	// Complete reports whether the settlement cursor reached the end.
	Complete bool

	// Duplicate reports that the command was already applied and skipped.
	Duplicate bool
}

// Response pairs an outcome with the command's terminal error.
type Response struct {
	Outcome Outcome
	Err     error
}

// Request is a command plus its reply channel. ReplyTo must be buffered
// (capacity 1) so the core never blocks on a departed caller.
type Request struct {
	Cmd     Command
	ReplyTo chan Response
}

// NewRequest wraps a command with a fresh reply channel.
func NewRequest(cmd Command) Request {
	return Request{Cmd: cmd, ReplyTo: make(chan Response, 1)}
}

// Deposit credits funds into escrow.
type Deposit struct {
	RequestID uuid.UUID
	Owner     uuid.UUID
	Asset     escrow.AssetRef
	Amount    uint64
	Timestamp time.Time
}

func (c *Deposit) Kind() Kind             { return KindDeposit }
func (c *Deposit) IdempotencyKey() string { return c.RequestID.String() }
func (c *Deposit) Time() time.Time        { return c.Timestamp }

// Withdraw debits available funds out of escrow.
type Withdraw struct {
	RequestID uuid.UUID
	Owner     uuid.UUID
	Asset     escrow.AssetRef
	Amount    uint64
	Timestamp time.Time
}

func (c *Withdraw) Kind() Kind             { return KindWithdraw }
func (c *Withdraw) IdempotencyKey() string { return c.RequestID.String() }
func (c *Withdraw) Time() time.Time        { return c.Timestamp }

// PlaceOrder creates a resting limit order.
type PlaceOrder struct {
	RequestID  uuid.UUID
	Owner      uuid.UUID
	Asset      escrow.AssetRef
	Amount     uint64
	LimitPrice uint64
	Side       book.Side
	Timestamp  time.Time
}

func (c *PlaceOrder) Kind() Kind             { return KindPlaceOrder }
func (c *PlaceOrder) IdempotencyKey() string { return c.RequestID.String() }
func (c *PlaceOrder) Time() time.Time        { return c.Timestamp }

// CancelOrder cancels the caller's own Active order.
type CancelOrder struct {
	RequestID uuid.UUID
	Caller    uuid.UUID
	OrderID   uint64
	Timestamp time.Time
}

func (c *CancelOrder) Kind() Kind             { return KindCancelOrder }
func (c *CancelOrder) IdempotencyKey() string { return c.RequestID.String() }
func (c *CancelOrder) Time() time.Time        { return c.Timestamp }

// SettleSequential advances settlement in strict array order.
// Settlement commands are idempotent through the cursor, not through the
// request id, so the key includes the cursor-independent request id only
// for log correlation.
type SettleSequential struct {
	RequestID   uuid.UUID
	Computation uint64
	MaxTrades   int
	Timestamp   time.Time
}

func (c *SettleSequential) Kind() Kind             { return KindSettleSequential }
func (c *SettleSequential) IdempotencyKey() string { return c.RequestID.String() }
func (c *SettleSequential) Time() time.Time        { return c.Timestamp }

// SettlePrioritized advances settlement, skipping stale entries before they
// consume budget.
type SettlePrioritized struct {
	RequestID   uuid.UUID
	Computation uint64
	MaxTrades   int
	Timestamp   time.Time
}

func (c *SettlePrioritized) Kind() Kind             { return KindSettlePrioritized }
func (c *SettlePrioritized) IdempotencyKey() string { return c.RequestID.String() }
func (c *SettlePrioritized) Time() time.Time        { return c.Timestamp }

// SetProviderMode swaps the result gateway backend. Operator-only.
type SetProviderMode struct {
	RequestID     uuid.UUID
	OperatorToken string
	Mode          compute.Mode
	Timestamp     time.Time
}

func (c *SetProviderMode) Kind() Kind             { return KindSetProviderMode }
func (c *SetProviderMode) IdempotencyKey() string { return c.RequestID.String() }
func (c *SetProviderMode) Time() time.Time        { return c.Timestamp }
