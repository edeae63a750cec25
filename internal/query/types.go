package query

import (
	"time"

	"github.com/google/uuid"
)

// BalanceResponse is one owner/asset balance row. AsOfSequence reports how
// fresh the projection was when the query ran.
type BalanceResponse struct {
	Owner        uuid.UUID `json:"owner"`
	Asset        string    `json:"asset"`
	Kind         string    `json:"kind"`
	Available    uint64    `json:"available"`
	Reserved     uint64    `json:"reserved"`
	Total        uint64    `json:"total"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// OrderResponse is one order row.
type OrderResponse struct {
	OrderID      uint64    `json:"order_id"`
	Owner        uuid.UUID `json:"owner"`
	Asset        string    `json:"asset"`
	Amount       uint64    `json:"amount"`
	Remaining    uint64    `json:"remaining"`
	LimitPrice   uint64    `json:"limit_price"`
	Side         string    `json:"side"`
	Status       string    `json:"status"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// CursorResponse reports settlement progress for one computation.
type CursorResponse struct {
	Computation  uint64 `json:"computation_id"`
	NextIndex    int64  `json:"next_index"`
	Complete     bool   `json:"complete"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// TradeResponse is one executed trade.
type TradeResponse struct {
	Sequence     int64     `json:"sequence"`
	Computation  uint64    `json:"computation_id"`
	TradeIndex   int64     `json:"trade_index"`
	BuyOrderID   uint64    `json:"buy_order_id"`
	SellOrderID  uint64    `json:"sell_order_id"`
	Buyer        uuid.UUID `json:"buyer"`
	Seller       uuid.UUID `json:"seller"`
	Asset        string    `json:"asset"`
	Price        uint64    `json:"price"`
	Amount       uint64    `json:"amount"`
	Cost         uint64    `json:"cost"`
	ExecutedAt   time.Time `json:"executed_at"`
	AsOfSequence int64     `json:"as_of_sequence"`
}
