package event

import (
	"github.com/google/uuid"
)

// Deposited is emitted after funds are credited to escrow.
type Deposited struct {
	Owner  uuid.UUID `json:"owner"`
	Asset  string    `json:"asset"`
	Kind   string    `json:"kind"`
	Amount uint64    `json:"amount"`
}

func (e *Deposited) EventType() Type        { return TypeDeposited }
func (e *Deposited) ComputationID() *uint64 { return nil }

// Withdrawn is emitted after funds leave escrow.
type Withdrawn struct {
	Owner  uuid.UUID `json:"owner"`
	Asset  string    `json:"asset"`
	Kind   string    `json:"kind"`
	Amount uint64    `json:"amount"`
}

func (e *Withdrawn) EventType() Type        { return TypeWithdrawn }
func (e *Withdrawn) ComputationID() *uint64 { return nil }

// OrderPlaced is emitted when a new order becomes Active.
type OrderPlaced struct {
	OrderID    uint64    `json:"order_id"`
	Owner      uuid.UUID `json:"owner"`
	Asset      string    `json:"asset"`
	Amount     uint64    `json:"amount"`
	LimitPrice uint64    `json:"limit_price"`
	Side       string    `json:"side"`
}

func (e *OrderPlaced) EventType() Type        { return TypeOrderPlaced }
func (e *OrderPlaced) ComputationID() *uint64 { return nil }

// OrderCancelled is emitted when an owner cancels an Active order.
type OrderCancelled struct {
	OrderID  uint64    `json:"order_id"`
	Owner    uuid.UUID `json:"owner"`
	Asset    string    `json:"asset"`
	Kind     string    `json:"kind"`
	Released uint64    `json:"released"`
}

func (e *OrderCancelled) EventType() Type        { return TypeOrderCancelled }
func (e *OrderCancelled) ComputationID() *uint64 { return nil }

// TradeExecuted is emitted for every trade applied by settlement.
type TradeExecuted struct {
	Computation uint64    `json:"computation_id"`
	TradeIndex  int       `json:"trade_index"`
	BuyOrderID  uint64    `json:"buy_order_id"`
	SellOrderID uint64    `json:"sell_order_id"`
	Buyer       uuid.UUID `json:"buyer"`
	Seller      uuid.UUID `json:"seller"`
	Asset       string    `json:"asset"`
	Price       uint64    `json:"price"`
	Amount      uint64    `json:"amount"`
	Cost        uint64    `json:"cost"`
	BuyFilled   bool      `json:"buy_filled"`
	SellFilled  bool      `json:"sell_filled"`
}

func (e *TradeExecuted) EventType() Type        { return TypeTradeExecuted }
func (e *TradeExecuted) ComputationID() *uint64 { return &e.Computation }

// TradeSkipped is emitted when settlement passes over a stale or ineligible
// match entry. Expected under order-cancellation races; never an error.
type TradeSkipped struct {
	Computation uint64 `json:"computation_id"`
	TradeIndex  int    `json:"trade_index"`
	BuyOrderID  uint64 `json:"buy_order_id"`
	SellOrderID uint64 `json:"sell_order_id"`
	Reason      string `json:"reason"`
}

func (e *TradeSkipped) EventType() Type        { return TypeTradeSkipped }
func (e *TradeSkipped) ComputationID() *uint64 { return &e.Computation }

// SettlementCompleted is emitted once a cursor reaches the end of a result's
// match list.
type SettlementCompleted struct {
	Computation uint64 `json:"computation_id"`
	Trades      int    `json:"trades"`
}

func (e *SettlementCompleted) EventType() Type        { return TypeSettlementCompleted }
func (e *SettlementCompleted) ComputationID() *uint64 { return &e.Computation }

// ProviderModeChanged is emitted when the operator swaps the result backend.
type ProviderModeChanged struct {
	Mode string `json:"mode"`
}

func (e *ProviderModeChanged) EventType() Type        { return TypeProviderModeChanged }
func (e *ProviderModeChanged) ComputationID() *uint64 { return nil }
