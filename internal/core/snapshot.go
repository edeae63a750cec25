package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"stexchange/internal/book"
	"stexchange/internal/compute"
	"stexchange/internal/escrow"
	"stexchange/internal/persistence"
	"stexchange/internal/settle"
)

// BuildSnapshot serializes the full core state at the current sequence.
// Must run on the core goroutine.
func (c *Core) BuildSnapshot() *persistence.SnapshotData {
	balances, supplies := c.ledger.Snapshot()
	tip := c.hasher.PrevHash()

	snap := &persistence.SnapshotData{
		Sequence:     c.sequence,
		ChainTip:     append([]byte(nil), tip[:]...),
		ProviderMode: c.gateway.Mode().String(),
		CreatedAt:    time.Now(),
	}

	for key, amount := range balances {
		snap.Balances = append(snap.Balances, persistence.BalanceSnap{
			Owner:  key.Owner.String(),
			Symbol: key.Asset.Symbol,
			Kind:   key.Asset.Kind.String(),
			Sub:    key.Sub.String(),
			Amount: amount,
		})
	}
	for asset, amount := range supplies {
		snap.Supplies = append(snap.Supplies, persistence.SupplySnap{
			Symbol: asset.Symbol,
			Kind:   asset.Kind.String(),
			Amount: amount,
		})
	}
	for _, order := range c.book.Orders() {
		snap.Orders = append(snap.Orders, persistence.OrderSnap{
			ID:         order.ID,
			Owner:      order.Owner.String(),
			Symbol:     order.Asset.Symbol,
			Kind:       order.Asset.Kind.String(),
			Amount:     order.Amount,
			Remaining:  order.Remaining,
			LimitPrice: order.LimitPrice,
			Side:       order.Side.String(),
			Status:     order.Status.String(),
		})
	}
	for computation, cursor := range c.settler.Cursors() {
		snap.Cursors = append(snap.Cursors, persistence.CursorSnap{
			Computation: computation,
			NextIndex:   cursor.NextIndex,
			Complete:    cursor.Complete,
		})
	}

	return snap
}

// RestoreSnapshot installs a snapshot into a freshly constructed core.
// Must run before the request loop starts.
func (c *Core) RestoreSnapshot(snap *persistence.SnapshotData) error {
	for _, b := range snap.Balances {
		owner, err := uuid.Parse(b.Owner)
		if err != nil {
			return fmt.Errorf("snapshot balance owner %q: %w", b.Owner, err)
		}
		asset, err := parseAsset(b.Symbol, b.Kind)
		if err != nil {
			return err
		}
		sub, err := parseSub(b.Sub)
		if err != nil {
			return err
		}
		c.ledger.SetBalance(escrow.BalanceKey{Owner: owner, Asset: asset, Sub: sub}, b.Amount)
	}

	for _, s := range snap.Supplies {
		asset, err := parseAsset(s.Symbol, s.Kind)
		if err != nil {
			return err
		}
		c.ledger.SetSupply(asset, s.Amount)
	}

	for _, o := range snap.Orders {
		owner, err := uuid.Parse(o.Owner)
		if err != nil {
			return fmt.Errorf("snapshot order owner %q: %w", o.Owner, err)
		}
		asset, err := parseAsset(o.Symbol, o.Kind)
		if err != nil {
			return err
		}
		side, err := parseSide(o.Side)
		if err != nil {
			return err
		}
		status, err := parseStatus(o.Status)
		if err != nil {
			return err
		}
		c.book.SetOrder(&book.Order{
			ID:         o.ID,
			Owner:      owner,
			Asset:      asset,
			Amount:     o.Amount,
			Remaining:  o.Remaining,
			LimitPrice: o.LimitPrice,
			Side:       side,
			Status:     status,
		})
	}

	for _, cur := range snap.Cursors {
		c.settler.SetCursor(cur.Computation, settle.Cursor{
			NextIndex: cur.NextIndex,
			Complete:  cur.Complete,
		})
	}

	if snap.ProviderMode != "" {
		mode, err := compute.ParseMode(snap.ProviderMode)
		if err != nil {
			return err
		}
		c.gateway.SetMode(mode)
	}

	if len(snap.ChainTip) == 32 {
		var tip [32]byte
		copy(tip[:], snap.ChainTip)
		c.hasher.Restore(tip)
	}

	c.sequence = snap.Sequence
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)

	if err := c.ledger.CheckConservation(); err != nil {
		return fmt.Errorf("snapshot failed conservation audit: %w", err)
	}
	return nil
}

func parseAsset(symbol, kind string) (escrow.AssetRef, error) {
	switch kind {
	case escrow.AssetKindNative.String():
		return escrow.AssetRef{Symbol: symbol, Kind: escrow.AssetKindNative}, nil
	case escrow.AssetKindToken.String():
		return escrow.AssetRef{Symbol: symbol, Kind: escrow.AssetKindToken}, nil
	default:
		return escrow.AssetRef{}, fmt.Errorf("unknown asset kind %q", kind)
	}
}

func parseSub(s string) (escrow.SubAccount, error) {
	switch s {
	case escrow.SubAvailable.String():
		return escrow.SubAvailable, nil
	case escrow.SubReserved.String():
		return escrow.SubReserved, nil
	default:
		return 0, fmt.Errorf("unknown sub-account %q", s)
	}
}

func parseSide(s string) (book.Side, error) {
	switch s {
	case book.SideBuy.String():
		return book.SideBuy, nil
	case book.SideSell.String():
		return book.SideSell, nil
	default:
		return 0, fmt.Errorf("unknown order side %q", s)
	}
}

func parseStatus(s string) (book.Status, error) {
	switch s {
	case book.StatusActive.String():
		return book.StatusActive, nil
	case book.StatusCancelled.String():
		return book.StatusCancelled, nil
	case book.StatusFilled.String():
		return book.StatusFilled, nil
	default:
		return 0, fmt.Errorf("unknown order status %q", s)
	}
}
