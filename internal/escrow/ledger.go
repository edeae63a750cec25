package escrow

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"stexchange/internal/math"
)

var (
	// ErrInsufficientBalance is returned when a debit exceeds the funds held
	// in the relevant sub-account. Never silently truncated.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrZeroAmount is returned for zero-amount deposits and withdrawals.
	ErrZeroAmount = errors.New("amount must be positive")
)

// AssetKind distinguishes the chain-native currency from fungible tokens.
type AssetKind uint8

const (
	AssetKindNative AssetKind = iota
	AssetKindToken
)

func (k AssetKind) String() string {
	switch k {
	case AssetKindNative:
		return "native"
	case AssetKindToken:
		return "token"
	default:
		return "unknown"
	}
}

// AssetRef identifies an asset held in escrow.
type AssetRef struct {
	Symbol string
	Kind   AssetKind
}

// NativeAsset is the quote currency for all trades.
var NativeAsset = AssetRef{Symbol: "ETH", Kind: AssetKindNative}

// TokenAsset builds a fungible-token reference.
func TokenAsset(symbol string) AssetRef {
	return AssetRef{Symbol: symbol, Kind: AssetKindToken}
}

func (a AssetRef) String() string {
	return fmt.Sprintf("%s/%s", a.Kind, a.Symbol)
}

// SubAccount splits an owner's holdings into spendable and order-locked funds.
type SubAccount uint8

const (
	SubAvailable SubAccount = iota
	SubReserved
)

func (s SubAccount) String() string {
	if s == SubReserved {
		return "reserved"
	}
	return "available"
}

// BalanceKey is the in-memory key for balance tracking.
type BalanceKey struct {
	Owner uuid.UUID
	Asset AssetRef
	Sub   SubAccount
}

// AccountPath returns the string representation for storage and logging.
func (k BalanceKey) AccountPath() string {
	return fmt.Sprintf("user:%s:%s:%s", k.Owner, k.Sub, k.Asset)
}

// Ledger holds per-owner, per-asset escrow balances. All amounts are unsigned
// and every mutation goes through checked arithmetic, so wraparound surfaces
// as an error instead of corrupting balances.
//
// Not thread-safe — only accessed from the single-threaded core.
type Ledger struct {
	balances map[BalanceKey]uint64

	// supply tracks cumulative deposits minus withdrawals per asset.
	// Settlement moves value between owners and never touches it, which is
	// what the conservation check verifies.
	supply map[AssetRef]uint64
}

func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[BalanceKey]uint64),
		supply:   make(map[AssetRef]uint64),
	}
}

// Deposit credits an owner's available balance.
func (l *Ledger) Deposit(owner uuid.UUID, asset AssetRef, amount uint64) error {
	if amount == 0 {
		return ErrZeroAmount
	}

	key := BalanceKey{Owner: owner, Asset: asset, Sub: SubAvailable}
	next, err := math.CheckedAdd(l.balances[key], amount)
	if err != nil {
		return fmt.Errorf("deposit %s: %w", key.AccountPath(), err)
	}

	supply, err := math.CheckedAdd(l.supply[asset], amount)
	if err != nil {
		return fmt.Errorf("deposit supply %s: %w", asset, err)
	}

	l.balances[key] = next
	l.supply[asset] = supply
	return nil
}

// Withdraw debits an owner's available balance. Reserved funds are not
// withdrawable — cancelling the order releases them first.
func (l *Ledger) Withdraw(owner uuid.UUID, asset AssetRef, amount uint64) error {
	if amount == 0 {
		return ErrZeroAmount
	}

	key := BalanceKey{Owner: owner, Asset: asset, Sub: SubAvailable}
	if l.balances[key] < amount {
		return fmt.Errorf("withdraw %s: have=%d, need=%d: %w",
			key.AccountPath(), l.balances[key], amount, ErrInsufficientBalance)
	}

	l.balances[key] -= amount
	l.supply[asset] -= amount
	return nil
}

// Reserve moves funds from available to reserved when a sell order is placed.
func (l *Ledger) Reserve(owner uuid.UUID, asset AssetRef, amount uint64) error {
	avail := BalanceKey{Owner: owner, Asset: asset, Sub: SubAvailable}
	if l.balances[avail] < amount {
		return fmt.Errorf("reserve %s: have=%d, need=%d: %w",
			avail.AccountPath(), l.balances[avail], amount, ErrInsufficientBalance)
	}

	reserved := BalanceKey{Owner: owner, Asset: asset, Sub: SubReserved}
	next, err := math.CheckedAdd(l.balances[reserved], amount)
	if err != nil {
		return fmt.Errorf("reserve %s: %w", reserved.AccountPath(), err)
	}

	l.balances[avail] -= amount
	l.balances[reserved] = next
	return nil
}

// Release returns reserved funds to the available balance on cancellation.
func (l *Ledger) Release(owner uuid.UUID, asset AssetRef, amount uint64) error {
	reserved := BalanceKey{Owner: owner, Asset: asset, Sub: SubReserved}
	if l.balances[reserved] < amount {
		return fmt.Errorf("release %s: have=%d, need=%d: %w",
			reserved.AccountPath(), l.balances[reserved], amount, ErrInsufficientBalance)
	}

	avail := BalanceKey{Owner: owner, Asset: asset, Sub: SubAvailable}
	next, err := math.CheckedAdd(l.balances[avail], amount)
	if err != nil {
		return fmt.Errorf("release %s: %w", avail.AccountPath(), err)
	}

	l.balances[reserved] -= amount
	l.balances[avail] = next
	return nil
}

// DebitReserved removes order-locked funds from a matched seller.
// Trade-path mutator: invoked only by the settlement engine, which is the
// sole authorized writer for counterparty debits.
func (l *Ledger) DebitReserved(owner uuid.UUID, asset AssetRef, amount uint64) error {
	key := BalanceKey{Owner: owner, Asset: asset, Sub: SubReserved}
	if l.balances[key] < amount {
		return fmt.Errorf("trade debit %s: have=%d, need=%d: %w",
			key.AccountPath(), l.balances[key], amount, ErrInsufficientBalance)
	}
	l.balances[key] -= amount
	return nil
}

// DebitAvailable removes spendable funds from a matched buyer.
// Trade-path mutator: invoked only by the settlement engine.
func (l *Ledger) DebitAvailable(owner uuid.UUID, asset AssetRef, amount uint64) error {
	key := BalanceKey{Owner: owner, Asset: asset, Sub: SubAvailable}
	if l.balances[key] < amount {
		return fmt.Errorf("trade debit %s: have=%d, need=%d: %w",
			key.AccountPath(), l.balances[key], amount, ErrInsufficientBalance)
	}
	l.balances[key] -= amount
	return nil
}

// CreditAvailable adds settlement proceeds to a counterparty.
// Trade-path mutator: invoked only by the settlement engine.
func (l *Ledger) CreditAvailable(owner uuid.UUID, asset AssetRef, amount uint64) error {
	key := BalanceKey{Owner: owner, Asset: asset, Sub: SubAvailable}
	next, err := math.CheckedAdd(l.balances[key], amount)
	if err != nil {
		return fmt.Errorf("trade credit %s: %w", key.AccountPath(), err)
	}
	l.balances[key] = next
	return nil
}

// Available returns the spendable balance for an owner/asset.
func (l *Ledger) Available(owner uuid.UUID, asset AssetRef) uint64 {
	return l.balances[BalanceKey{Owner: owner, Asset: asset, Sub: SubAvailable}]
}

// Reserved returns the order-locked balance for an owner/asset.
func (l *Ledger) Reserved(owner uuid.UUID, asset AssetRef) uint64 {
	return l.balances[BalanceKey{Owner: owner, Asset: asset, Sub: SubReserved}]
}

// Total returns available + reserved.
func (l *Ledger) Total(owner uuid.UUID, asset AssetRef) uint64 {
	return l.Available(owner, asset) + l.Reserved(owner, asset)
}

// Supply returns cumulative deposits minus withdrawals for an asset.
func (l *Ledger) Supply(asset AssetRef) uint64 {
	return l.supply[asset]
}

// CheckConservation verifies that, per asset, the sum of all balances equals
// the tracked supply. Settlement only moves value between owners, so any
// divergence means a credit and debit were not paired.
func (l *Ledger) CheckConservation() error {
	sums := make(map[AssetRef]uint64)
	for key, bal := range l.balances {
		sums[key.Asset] += bal
	}

	for asset, supply := range l.supply {
		if sums[asset] != supply {
			return fmt.Errorf("conservation violated for %s: balances=%d, supply=%d",
				asset, sums[asset], supply)
		}
	}
	for asset, sum := range sums {
		if _, ok := l.supply[asset]; !ok && sum != 0 {
			return fmt.Errorf("conservation violated for %s: balances=%d with no supply", asset, sum)
		}
	}
	return nil
}

// Snapshot returns a copy of all balances and supplies for persistence.
func (l *Ledger) Snapshot() (map[BalanceKey]uint64, map[AssetRef]uint64) {
	balances := make(map[BalanceKey]uint64, len(l.balances))
	for k, v := range l.balances {
		balances[k] = v
	}
	supply := make(map[AssetRef]uint64, len(l.supply))
	for k, v := range l.supply {
		supply[k] = v
	}
	return balances, supply
}

// SetBalance overwrites a single balance during snapshot restore.
func (l *Ledger) SetBalance(key BalanceKey, amount uint64) {
	l.balances[key] = amount
}

// SetSupply overwrites an asset supply during snapshot restore.
func (l *Ledger) SetSupply(asset AssetRef, amount uint64) {
	l.supply[asset] = amount
}
