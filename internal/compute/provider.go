package compute

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"stexchange/internal/escrow"
)

// ErrResultNotReady is returned when settlement is attempted against a
// computation whose result does not exist or is not yet finalized.
// Finalization is the sole gate preventing settlement against a result that
// could still be disputed off-chain.
var ErrResultNotReady = errors.New("computation result not ready")

// ErrResultExists is returned on re-injection over an existing result.
// Results are immutable once injected.
var ErrResultExists = errors.New("result already injected for this computation")

// ErrResultMissing is returned when finalizing a computation that has no
// injected result.
var ErrResultMissing = errors.New("no result for this computation")

// Trade is a single match produced by the off-chain computation.
// The recorded price is the execution price: the matcher resolved any
// crossing spread, so it — not the orders' limit prices — is authoritative.
type Trade struct {
	BuyOrderID  uint64
	SellOrderID uint64
	Buyer       uuid.UUID
	Seller      uuid.UUID
	Asset       escrow.AssetRef
	Price       uint64
	Amount      uint64
}

// Result is the immutable output of one off-chain match computation.
// Only the Finalized flag may transition, and only false→true.
type Result struct {
	Exists    bool
	Finalized bool
	Matches   []Trade
}

// ResultProvider is the read-only interface over a result backend.
// The core never writes through this interface; results are produced
// entirely outside its control.
type ResultProvider interface {
	GetResult(ctx context.Context, computationID uint64) (*Result, error)
}

// StubProvider is the deterministic development backend: results are injected
// by an operator and returned immediately. Guarded by a mutex because
// injection happens on the ops surface while reads come from the core.
type StubProvider struct {
	mu      sync.RWMutex
	results map[uint64]*Result
}

func NewStubProvider() *StubProvider {
	return &StubProvider{
		results: make(map[uint64]*Result),
	}
}

// InjectResult stores a result for a computation id. Re-injection over an
// existing result is rejected to preserve result immutability.
func (p *StubProvider) InjectResult(computationID uint64, matches []Trade, finalized bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.results[computationID]; ok {
		return ErrResultExists
	}

	copied := make([]Trade, len(matches))
	copy(copied, matches)
	p.results[computationID] = &Result{
		Exists:    true,
		Finalized: finalized,
		Matches:   copied,
	}
	return nil
}

// Finalize flips a result's finalized flag, emulating the close of the
// dispute window.
func (p *StubProvider) Finalize(computationID uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	result, ok := p.results[computationID]
	if !ok {
		return ErrResultMissing
	}
	result.Finalized = true
	return nil
}

func (p *StubProvider) GetResult(ctx context.Context, computationID uint64) (*Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result, ok := p.results[computationID]
	if !ok {
		return &Result{}, nil
	}

	matches := make([]Trade, len(result.Matches))
	copy(matches, result.Matches)
	return &Result{
		Exists:    true,
		Finalized: result.Finalized,
		Matches:   matches,
	}, nil
}
