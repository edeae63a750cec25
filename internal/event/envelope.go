package event

import (
	"time"
)

// Type discriminator for emitted event payloads.
type Type int32

const (
	TypeUnknown Type = iota
	TypeDeposited
	TypeWithdrawn
	TypeOrderPlaced
	TypeOrderCancelled
	TypeTradeExecuted
	TypeTradeSkipped
	TypeSettlementCompleted
	TypeProviderModeChanged
)

func (t Type) String() string {
	switch t {
	case TypeDeposited:
		return "Deposited"
	case TypeWithdrawn:
		return "Withdrawn"
	case TypeOrderPlaced:
		return "OrderPlaced"
	case TypeOrderCancelled:
		return "OrderCancelled"
	case TypeTradeExecuted:
		return "TradeExecuted"
	case TypeTradeSkipped:
		return "TradeSkipped"
	case TypeSettlementCompleted:
		return "SettlementCompleted"
	case TypeProviderModeChanged:
		return "ProviderModeChanged"
	default:
		return "Unknown"
	}
}

// Envelope wraps every emitted event in the log.
type Envelope struct {
	// Global monotonic sequence assigned by the core.
	Sequence int64

	// Idempotency key of the command that produced this event.
	IdempotencyKey string

	// Event type discriminator.
	EventType Type

	// Computation context (nil for events outside settlement).
	ComputationID *uint64

	// Timestamp of the producing command.
	Timestamp time.Time

	// JSON-encoded event-specific data.
	Payload []byte

	// SHA-256 of state after applying the producing command (chain integrity).
	StateHash [32]byte
	PrevHash  [32]byte
}

// Event is the interface all emitted payloads implement.
type Event interface {
	// EventType returns the discriminator.
	EventType() Type

	// ComputationID returns the computation context (nil outside settlement).
	ComputationID() *uint64
}
