package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stexchange/internal/observability"
)

// ErrNotFound is returned when the queried row does not exist.
var ErrNotFound = errors.New("not found")

// ErrStale is returned when the caller's min_sequence requirement exceeds the
// projection watermark. The caller retries or relaxes the requirement.
var ErrStale = errors.New("projection behind requested sequence")

// Service provides read-only access to the projection tables. Every response
// includes as_of_sequence: the projection watermark at query time. Callers
// needing read-your-writes pass the sequence returned by the write as
// minSequence.
type Service struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewService(db *sql.DB, metrics *observability.Metrics) *Service {
	return &Service{db: db, metrics: metrics}
}

// GetBalances returns all balances for an owner.
func (s *Service) GetBalances(ctx context.Context, owner uuid.UUID, minSequence int64) ([]BalanceResponse, error) {
	asOf, err := s.watermark(ctx, minSequence, "balances")
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, kind, available, reserved
		FROM projections.balances
		WHERE owner = $1
		ORDER BY symbol
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []BalanceResponse
	for rows.Next() {
		b := BalanceResponse{Owner: owner, AsOfSequence: asOf}
		if err := rows.Scan(&b.Asset, &b.Kind, &b.Available, &b.Reserved); err != nil {
			return nil, err
		}
		b.Total = b.Available + b.Reserved
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// GetOrder returns one order by id.
func (s *Service) GetOrder(ctx context.Context, orderID uint64, minSequence int64) (*OrderResponse, error) {
	asOf, err := s.watermark(ctx, minSequence, "order")
	if err != nil {
		return nil, err
	}

	o := OrderResponse{OrderID: orderID, AsOfSequence: asOf}
	var owner string
	err = s.db.QueryRowContext(ctx, `
		SELECT owner, symbol, amount, remaining, limit_price, side, status
		FROM projections.orders
		WHERE order_id = $1
	`, orderID).Scan(&owner, &o.Asset, &o.Amount, &o.Remaining, &o.LimitPrice, &o.Side, &o.Status)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %d: %w", orderID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	o.Owner, err = uuid.Parse(owner)
	if err != nil {
		return nil, fmt.Errorf("order %d owner: %w", orderID, err)
	}
	return &o, nil
}

// GetOwnerOrders returns all of an owner's orders.
func (s *Service) GetOwnerOrders(ctx context.Context, owner uuid.UUID, minSequence int64) ([]OrderResponse, error) {
	asOf, err := s.watermark(ctx, minSequence, "orders")
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, symbol, amount, remaining, limit_price, side, status
		FROM projections.orders
		WHERE owner = $1
		ORDER BY order_id
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []OrderResponse
	for rows.Next() {
		o := OrderResponse{Owner: owner, AsOfSequence: asOf}
		if err := rows.Scan(&o.OrderID, &o.Asset, &o.Amount, &o.Remaining, &o.LimitPrice, &o.Side, &o.Status); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetCursor returns settlement progress for one computation. An unknown
// computation reports the zero cursor rather than ErrNotFound: Unstarted is
// a legitimate state.
func (s *Service) GetCursor(ctx context.Context, computation uint64, minSequence int64) (*CursorResponse, error) {
	asOf, err := s.watermark(ctx, minSequence, "cursor")
	if err != nil {
		return nil, err
	}

	c := CursorResponse{Computation: computation, AsOfSequence: asOf}
	err = s.db.QueryRowContext(ctx, `
		SELECT next_index, complete
		FROM projections.settlement_cursors
		WHERE computation_id = $1
	`, computation).Scan(&c.NextIndex, &c.Complete)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	return &c, nil
}

// GetTrades returns the executed trades of one computation in application
// order.
func (s *Service) GetTrades(ctx context.Context, computation uint64, minSequence int64) ([]TradeResponse, error) {
	asOf, err := s.watermark(ctx, minSequence, "trades")
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, trade_index, buy_order_id, sell_order_id,
		       buyer, seller, symbol, price, amount, cost, executed_at
		FROM projections.trades
		WHERE computation_id = $1
		ORDER BY trade_index
	`, computation)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []TradeResponse
	for rows.Next() {
		tr := TradeResponse{Computation: computation, AsOfSequence: asOf}
		var buyer, seller string
		if err := rows.Scan(
			&tr.Sequence, &tr.TradeIndex, &tr.BuyOrderID, &tr.SellOrderID,
			&buyer, &seller, &tr.Asset, &tr.Price, &tr.Amount, &tr.Cost, &tr.ExecutedAt,
		); err != nil {
			return nil, err
		}
		if tr.Buyer, err = uuid.Parse(buyer); err != nil {
			return nil, err
		}
		if tr.Seller, err = uuid.Parse(seller); err != nil {
			return nil, err
		}
		trades = append(trades, tr)
	}
	return trades, rows.Err()
}

// watermark reads the projection high-water mark and enforces the caller's
// freshness requirement.
func (s *Service) watermark(ctx context.Context, minSequence int64, endpoint string) (int64, error) {
	start := time.Now()
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err != nil && err != sql.ErrNoRows {
		if s.metrics != nil {
			s.metrics.QueryErrors.WithLabelValues(endpoint, "watermark").Inc()
		}
		return 0, fmt.Errorf("watermark: %w", err)
	}

	asOf := int64(0)
	if seq.Valid {
		asOf = seq.Int64
	}
	if minSequence > 0 && asOf < minSequence {
		if s.metrics != nil {
			s.metrics.QueryErrors.WithLabelValues(endpoint, "stale").Inc()
		}
		return 0, fmt.Errorf("watermark %d < required %d: %w", asOf, minSequence, ErrStale)
	}

	if s.metrics != nil {
		s.metrics.QueryRequests.WithLabelValues(endpoint, "ok").Inc()
		s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
	return asOf, nil
}
