package compute

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"stexchange/internal/escrow"
)

// PostgresProvider is the verified production backend: the off-chain pipeline
// writes results into compute.results once computed, and flips finalized only
// after the dispute window has elapsed. This process only ever reads.
type PostgresProvider struct {
	db *sql.DB
}

func NewPostgresProvider(db *sql.DB) *PostgresProvider {
	return &PostgresProvider{db: db}
}

// tradeRow is the JSON wire format of a match entry as written by the
// off-chain pipeline. Field names use snake_case to match the producer.
type tradeRow struct {
	BuyOrderID  uint64 `json:"buy_order_id"`
	SellOrderID uint64 `json:"sell_order_id"`
	Buyer       string `json:"buyer"`
	Seller      string `json:"seller"`
	Asset       string `json:"asset"`
	AssetKind   string `json:"asset_kind"`
	Price       uint64 `json:"price"`
	Amount      uint64 `json:"amount"`
}

func (p *PostgresProvider) GetResult(ctx context.Context, computationID uint64) (*Result, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT finalized, matches
		FROM compute.results
		WHERE computation_id = $1
	`, int64(computationID))

	var finalized bool
	var matchesJSON []byte
	if err := row.Scan(&finalized, &matchesJSON); err != nil {
		if err == sql.ErrNoRows {
			return &Result{}, nil
		}
		return nil, fmt.Errorf("load result %d: %w", computationID, err)
	}

	var rows []tradeRow
	if err := json.Unmarshal(matchesJSON, &rows); err != nil {
		return nil, fmt.Errorf("decode matches for %d: %w", computationID, err)
	}

	matches := make([]Trade, 0, len(rows))
	for i, r := range rows {
		buyer, err := uuid.Parse(r.Buyer)
		if err != nil {
			return nil, fmt.Errorf("result %d match %d: parse buyer: %w", computationID, i, err)
		}
		seller, err := uuid.Parse(r.Seller)
		if err != nil {
			return nil, fmt.Errorf("result %d match %d: parse seller: %w", computationID, i, err)
		}

		asset := escrow.TokenAsset(r.Asset)
		if r.AssetKind == "native" {
			asset = escrow.AssetRef{Symbol: r.Asset, Kind: escrow.AssetKindNative}
		}

		matches = append(matches, Trade{
			BuyOrderID:  r.BuyOrderID,
			SellOrderID: r.SellOrderID,
			Buyer:       buyer,
			Seller:      seller,
			Asset:       asset,
			Price:       r.Price,
			Amount:      r.Amount,
		})
	}

	return &Result{
		Exists:    true,
		Finalized: finalized,
		Matches:   matches,
	}, nil
}
