package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"stexchange/internal/admin"
	"stexchange/internal/book"
	"stexchange/internal/command"
	"stexchange/internal/compute"
	"stexchange/internal/escrow"
	"stexchange/internal/event"
	"stexchange/internal/observability"
	"stexchange/internal/settle"
)

// conservationAuditInterval is how many applied commands pass between full
// conservation sweeps. Settlement commands are always audited.
const conservationAuditInterval = 1000

// Output is what the core emits per event: the sequenced envelope plus the
// decoded payload for projection workers.
type Output struct {
	Envelope *event.Envelope
	Event    event.Event
}

// Core is the single-threaded command processor. All state mutation happens
// here; every other goroutine talks to it through the request channel or
// reads eventually-consistent projections.
type Core struct {
	sequence    int64
	hasher      *StateHasher
	ledger      *escrow.Ledger
	book        *book.Book
	settler     *settle.Engine
	gateway     *compute.Gateway
	controller  *admin.Controller
	idempotency *IdempotencyChecker

	metrics *observability.Metrics

	persistChan    chan<- Output
	projectionChan chan<- Output

	appliedSinceAudit int
}

func NewCore(
	startSequence int64,
	gateway *compute.Gateway,
	operatorToken string,
	persistChan, projectionChan chan<- Output,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *Core {
	ledger := escrow.NewLedger()
	orders := book.NewBook()

	return &Core{
		sequence:       startSequence,
		hasher:         NewStateHasher(),
		ledger:         ledger,
		book:           orders,
		settler:        settle.NewEngine(ledger, orders, gateway),
		gateway:        gateway,
		controller:     admin.NewController(operatorToken, gateway),
		idempotency:    NewIdempotencyChecker(1_000_000, dbChecker),
		metrics:        metrics,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
}

// Run drains the request channel until it closes or the context ends.
// This is the only goroutine that may touch core state.
func (c *Core) Run(ctx context.Context, requests <-chan command.Request) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req, ok := <-requests:
			if !ok {
				return nil
			}
			resp := c.Apply(ctx, req.Cmd)
			if req.ReplyTo != nil {
				req.ReplyTo <- resp
			}
		}
	}
}

// Apply is the main processing pipeline: dedup, dispatch, hash, emit.
func (c *Core) Apply(ctx context.Context, cmd command.Command) command.Response {
	start := time.Now()
	kind := cmd.Kind().String()
	key := cmd.IdempotencyKey()

	// Step 1: two-tier idempotency check.
	if c.idempotency.IsDuplicate(kind, key) {
		if c.metrics != nil {
			c.metrics.CoreCommandsRejected.WithLabelValues(kind, "duplicate").Inc()
		}
		return command.Response{Outcome: command.Outcome{Duplicate: true}}
	}

	// Step 2: dispatch to the domain handler.
	outcome, events, err := c.dispatch(ctx, cmd)
	if err != nil {
		if c.metrics != nil {
			c.metrics.CoreCommandsRejected.WithLabelValues(kind, "rejected").Inc()
		}
		return command.Response{Err: err}
	}

	// Step 3: conservation audit. Settlement moves funds between parties, so
	// it is audited on every call; everything else on a fixed cadence.
	c.appliedSinceAudit++
	if isSettlement(cmd) || c.appliedSinceAudit >= conservationAuditInterval {
		if auditErr := c.ledger.CheckConservation(); auditErr != nil {
			panic(fmt.Sprintf("FATAL: %v", auditErr))
		}
		c.appliedSinceAudit = 0
	}

	// Steps 4-5: seal each event into the hash chain and emit.
	outputs := make([]Output, 0, len(events))
	for _, evt := range events {
		envelope, sealErr := c.seal(cmd, evt)
		if sealErr != nil {
			panic(fmt.Sprintf("FATAL: cannot encode event %s: %v", evt.EventType(), sealErr))
		}
		outputs = append(outputs, Output{Envelope: envelope, Event: evt})
	}
	c.emit(outputs)
	if len(outputs) > 0 {
		outcome.Sequence = outputs[len(outputs)-1].Envelope.Sequence
	}

	// Step 6: mark processed only after the events are on the persist channel.
	c.idempotency.MarkProcessed(kind, key)

	if c.metrics != nil {
		c.metrics.CoreCommandsApplied.WithLabelValues(kind).Inc()
		c.metrics.CoreCommandDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.DedupLRUSize.Set(float64(c.idempotency.lru.Size()))
	}

	return command.Response{Outcome: outcome}
}

func (c *Core) dispatch(ctx context.Context, cmd command.Command) (command.Outcome, []event.Event, error) {
	switch cmd := cmd.(type) {
	case *command.Deposit:
		return c.handleDeposit(cmd)
	case *command.Withdraw:
		return c.handleWithdraw(cmd)
	case *command.PlaceOrder:
		return c.handlePlaceOrder(cmd)
	case *command.CancelOrder:
		return c.handleCancelOrder(cmd)
	case *command.SettleSequential:
		return c.handleSettle(ctx, cmd.Computation, cmd.MaxTrades, settle.PolicySequential)
	case *command.SettlePrioritized:
		return c.handleSettle(ctx, cmd.Computation, cmd.MaxTrades, settle.PolicyPrioritized)
	case *command.SetProviderMode:
		return c.handleSetProviderMode(cmd)
	default:
		return command.Outcome{}, nil, fmt.Errorf("unhandled command type %T", cmd)
	}
}

func (c *Core) handleDeposit(cmd *command.Deposit) (command.Outcome, []event.Event, error) {
	if err := c.ledger.Deposit(cmd.Owner, cmd.Asset, cmd.Amount); err != nil {
		return command.Outcome{}, nil, err
	}
	return command.Outcome{}, []event.Event{&event.Deposited{
		Owner:  cmd.Owner,
		Asset:  cmd.Asset.Symbol,
		Kind:   cmd.Asset.Kind.String(),
		Amount: cmd.Amount,
	}}, nil
}

func (c *Core) handleWithdraw(cmd *command.Withdraw) (command.Outcome, []event.Event, error) {
	if err := c.ledger.Withdraw(cmd.Owner, cmd.Asset, cmd.Amount); err != nil {
		return command.Outcome{}, nil, err
	}
	return command.Outcome{}, []event.Event{&event.Withdrawn{
		Owner:  cmd.Owner,
		Asset:  cmd.Asset.Symbol,
		Kind:   cmd.Asset.Kind.String(),
		Amount: cmd.Amount,
	}}, nil
}

// handlePlaceOrder reserves sell-side funds before the order exists, so an
// Active sell order always has its full remaining amount locked.
func (c *Core) handlePlaceOrder(cmd *command.PlaceOrder) (command.Outcome, []event.Event, error) {
	if cmd.Amount == 0 || cmd.LimitPrice == 0 {
		return command.Outcome{}, nil, book.ErrInvalidOrder
	}

	if cmd.Side == book.SideSell {
		if err := c.ledger.Reserve(cmd.Owner, cmd.Asset, cmd.Amount); err != nil {
			return command.Outcome{}, nil, err
		}
	}

	order, err := c.book.Place(cmd.Owner, cmd.Asset, cmd.Amount, cmd.LimitPrice, cmd.Side)
	if err != nil {
		// Unreachable after the validation above; restore the reservation if
		// it ever trips.
		if cmd.Side == book.SideSell {
			if relErr := c.ledger.Release(cmd.Owner, cmd.Asset, cmd.Amount); relErr != nil {
				panic(fmt.Sprintf("FATAL: cannot release failed placement: %v", relErr))
			}
		}
		return command.Outcome{}, nil, err
	}

	return command.Outcome{OrderID: order.ID}, []event.Event{&event.OrderPlaced{
		OrderID:    order.ID,
		Owner:      order.Owner,
		Asset:      order.Asset.Symbol,
		Amount:     order.Amount,
		LimitPrice: order.LimitPrice,
		Side:       order.Side.String(),
	}}, nil
}

func (c *Core) handleCancelOrder(cmd *command.CancelOrder) (command.Outcome, []event.Event, error) {
	order, err := c.book.Cancel(cmd.Caller, cmd.OrderID)
	if err != nil {
		return command.Outcome{}, nil, err
	}

	// Sell orders release the unfilled remainder; buy orders lock nothing.
	var released uint64
	if order.Side == book.SideSell && order.Remaining > 0 {
		if err := c.ledger.Release(order.Owner, order.Asset, order.Remaining); err != nil {
			panic(fmt.Sprintf("FATAL: reservation missing for cancelled order %d: %v", order.ID, err))
		}
		released = order.Remaining
	}

	return command.Outcome{OrderID: order.ID}, []event.Event{&event.OrderCancelled{
		OrderID:  order.ID,
		Owner:    order.Owner,
		Asset:    order.Asset.Symbol,
		Kind:     order.Asset.Kind.String(),
		Released: released,
	}}, nil
}

func (c *Core) handleSettle(ctx context.Context, computation uint64, maxTrades int, policy settle.Policy) (command.Outcome, []event.Event, error) {
	report, err := c.settler.Settle(ctx, computation, maxTrades, policy)
	if err != nil {
		if c.metrics != nil && !isNotReady(err) {
			c.metrics.SettleFatalRollbacks.Inc()
		}
		return command.Outcome{}, nil, err
	}

	if c.metrics != nil {
		label := policy.String()
		c.metrics.SettleTradesApplied.WithLabelValues(label).Add(float64(report.Applied))
		c.metrics.SettleTradesSkipped.WithLabelValues(label).Add(float64(report.Skipped))
		c.metrics.SettleCursorPosition.Set(float64(report.NextIndex))
		if report.Complete && report.Processed > 0 {
			c.metrics.SettleCompleted.Inc()
		}
	}

	outcome := command.Outcome{
		Processed: report.Processed,
		Applied:   report.Applied,
		Complete:  report.Complete,
	}
	return outcome, report.Events, nil
}

func (c *Core) handleSetProviderMode(cmd *command.SetProviderMode) (command.Outcome, []event.Event, error) {
	if err := c.controller.SetProviderMode(cmd.OperatorToken, cmd.Mode); err != nil {
		return command.Outcome{}, nil, err
	}
	return command.Outcome{}, []event.Event{&event.ProviderModeChanged{
		Mode: cmd.Mode.String(),
	}}, nil
}

// seal encodes an event, assigns the next sequence, and links it into the
// hash chain.
func (c *Core) seal(cmd command.Command, evt event.Event) (*event.Envelope, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}

	digest := make([]byte, 0, len(payload)+16)
	digest = append(digest, []byte(evt.EventType().String())...)
	digest = append(digest, payload...)

	prevHash := c.hasher.PrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, digest)

	envelope := &event.Envelope{
		Sequence:       c.sequence,
		IdempotencyKey: cmd.IdempotencyKey(),
		EventType:      evt.EventType(),
		ComputationID:  evt.ComputationID(),
		Timestamp:      cmd.Time(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	c.sequence++
	return envelope, nil
}

// emit pushes outputs downstream. The persist channel is a blocking send so
// the core stalls rather than lose an event; the projection channel drops on
// full and the projection rebuilds from the event log.
func (c *Core) emit(outputs []Output) {
	for _, output := range outputs {
		if c.persistChan != nil {
			c.persistChan <- output
		}

		if c.projectionChan != nil {
			select {
			case c.projectionChan <- output:
			default:
				if c.metrics != nil {
					c.metrics.ProjectionDrops.WithLabelValues("all").Inc()
				}
			}
		}
	}
}

func isSettlement(cmd command.Command) bool {
	kind := cmd.Kind()
	return kind == command.KindSettleSequential || kind == command.KindSettlePrioritized
}

func isNotReady(err error) bool {
	return errors.Is(err, compute.ErrResultNotReady)
}

// Sequence returns the next sequence number to be assigned.
func (c *Core) Sequence() int64 {
	return c.sequence
}

// Ledger exposes escrow state for snapshots and replay wiring.
func (c *Core) Ledger() *escrow.Ledger {
	return c.ledger
}

// Book exposes order state for snapshots and replay wiring.
func (c *Core) Book() *book.Book {
	return c.book
}

// Settler exposes settlement cursors for snapshots and replay wiring.
func (c *Core) Settler() *settle.Engine {
	return c.settler
}

// Controller exposes the admin surface for queries.
func (c *Core) Controller() *admin.Controller {
	return c.controller
}

// Idempotency exposes the dedup checker so restart can warm the LRU.
func (c *Core) Idempotency() *IdempotencyChecker {
	return c.idempotency
}

// RestoreHashChain resets the chain tip during snapshot restore.
func (c *Core) RestoreHashChain(tip [32]byte) {
	c.hasher.Restore(tip)
}

// ChainTip returns the current hash chain tip.
func (c *Core) ChainTip() [32]byte {
	return c.hasher.PrevHash()
}
