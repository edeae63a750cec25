package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stexchange/internal/book"
	"stexchange/internal/command"
	"stexchange/internal/escrow"
)

// ParseRawCommand converts a RawCommand (JSON bytes + command kind string)
// into a typed command.Command. The ingestion shell validates, parses, and
// converts raw messages before sending to the deterministic core.
func ParseRawCommand(raw RawCommand, commandKind string) (command.Command, error) {
	switch commandKind {
	case "Deposit":
		return parseDeposit(raw.Data)
	case "Withdraw":
		return parseWithdraw(raw.Data)
	case "PlaceOrder":
		return parsePlaceOrder(raw.Data)
	case "CancelOrder":
		return parseCancelOrder(raw.Data)
	case "SettleSequential":
		return parseSettle(raw.Data, false)
	case "SettlePrioritized":
		return parseSettle(raw.Data, true)
	default:
		return nil, fmt.Errorf("unknown command kind: %s", commandKind)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

type fundsJSON struct {
	RequestID   string `json:"request_id"`
	Owner       string `json:"owner"`
	Asset       string `json:"asset"`
	Kind        string `json:"kind"`
	Amount      uint64 `json:"amount"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDeposit(data []byte) (*command.Deposit, error) {
	var j fundsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Deposit: %w", err)
	}
	requestID, owner, asset, err := fundsFields(j)
	if err != nil {
		return nil, err
	}
	return &command.Deposit{
		RequestID: requestID,
		Owner:     owner,
		Asset:     asset,
		Amount:    j.Amount,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func parseWithdraw(data []byte) (*command.Withdraw, error) {
	var j fundsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Withdraw: %w", err)
	}
	requestID, owner, asset, err := fundsFields(j)
	if err != nil {
		return nil, err
	}
	return &command.Withdraw{
		RequestID: requestID,
		Owner:     owner,
		Asset:     asset,
		Amount:    j.Amount,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func fundsFields(j fundsJSON) (uuid.UUID, uuid.UUID, escrow.AssetRef, error) {
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return uuid.Nil, uuid.Nil, escrow.AssetRef{}, fmt.Errorf("parse request_id: %w", err)
	}
	owner, err := uuid.Parse(j.Owner)
	if err != nil {
		return uuid.Nil, uuid.Nil, escrow.AssetRef{}, fmt.Errorf("parse owner: %w", err)
	}
	asset, err := parseAssetRef(j.Asset, j.Kind)
	if err != nil {
		return uuid.Nil, uuid.Nil, escrow.AssetRef{}, err
	}
	return requestID, owner, asset, nil
}

type placeOrderJSON struct {
	RequestID   string `json:"request_id"`
	Owner       string `json:"owner"`
	Asset       string `json:"asset"`
	Amount      uint64 `json:"amount"`
	LimitPrice  uint64 `json:"limit_price"`
	Side        string `json:"side"` // "buy" or "sell"
	TimestampUs int64  `json:"timestamp_us"`
}

func parsePlaceOrder(data []byte) (*command.PlaceOrder, error) {
	var j placeOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PlaceOrder: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	owner, err := uuid.Parse(j.Owner)
	if err != nil {
		return nil, fmt.Errorf("parse owner: %w", err)
	}

	var side book.Side
	switch j.Side {
	case "buy":
		side = book.SideBuy
	case "sell":
		side = book.SideSell
	default:
		return nil, fmt.Errorf("parse side: %q is not buy or sell", j.Side)
	}

	return &command.PlaceOrder{
		RequestID:  requestID,
		Owner:      owner,
		Asset:      escrow.TokenAsset(j.Asset),
		Amount:     j.Amount,
		LimitPrice: j.LimitPrice,
		Side:       side,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type cancelOrderJSON struct {
	RequestID   string `json:"request_id"`
	Caller      string `json:"caller"`
	OrderID     uint64 `json:"order_id"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseCancelOrder(data []byte) (*command.CancelOrder, error) {
	var j cancelOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CancelOrder: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return nil, fmt.Errorf("parse caller: %w", err)
	}
	return &command.CancelOrder{
		RequestID: requestID,
		Caller:    caller,
		OrderID:   j.OrderID,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type settleJSON struct {
	RequestID     string `json:"request_id"`
	ComputationID uint64 `json:"computation_id"`
	MaxTrades     int    `json:"max_trades"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parseSettle(data []byte, prioritized bool) (command.Command, error) {
	var j settleJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse Settle: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}

	if prioritized {
		return &command.SettlePrioritized{
			RequestID:   requestID,
			Computation: j.ComputationID,
			MaxTrades:   j.MaxTrades,
			Timestamp:   time.UnixMicro(j.TimestampUs),
		}, nil
	}
	return &command.SettleSequential{
		RequestID:   requestID,
		Computation: j.ComputationID,
		MaxTrades:   j.MaxTrades,
		Timestamp:   time.UnixMicro(j.TimestampUs),
	}, nil
}

// parseAssetRef maps a wire symbol+kind pair to an asset reference. An empty
// kind defaults to token since deposits of the native currency are the
// exception, not the rule.
func parseAssetRef(symbol, kind string) (escrow.AssetRef, error) {
	if symbol == "" {
		return escrow.AssetRef{}, fmt.Errorf("parse asset: empty symbol")
	}
	switch kind {
	case "native":
		if symbol != escrow.NativeAsset.Symbol {
			return escrow.AssetRef{}, fmt.Errorf("parse asset: native kind requires symbol %s, got %s", escrow.NativeAsset.Symbol, symbol)
		}
		return escrow.NativeAsset, nil
	case "token", "":
		return escrow.TokenAsset(symbol), nil
	default:
		return escrow.AssetRef{}, fmt.Errorf("parse asset: unknown kind %q", kind)
	}
}
