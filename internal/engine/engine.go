// Package engine orchestrates the trading core: signal intake, order
// submission, the sync loop that applies broker events, position
// aggregation, and protective order coordination. The engine is the only
// component that talks to the broker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"meridian/internal/broker"
	"meridian/internal/config"
	"meridian/internal/domain"
	"meridian/internal/ledger"
	"meridian/internal/order"
	"meridian/internal/position"
	"meridian/internal/protect"
	"meridian/internal/signal"
	"meridian/internal/store"
	"meridian/internal/util"
)

// Compile-time check: the engine is the coordinator's submitter.
var _ protect.Submitter = (*Engine)(nil)

// armSpec is the protective order plan remembered between entry acceptance
// and the first entry fill.
type armSpec struct {
	stopPrice   float64
	targetPrice float64
	product     domain.Product
}

// Engine wires the trading core together. One instance per process.
type Engine struct {
	cfg    *config.Config
	broker broker.Broker
	// sandbox is non-nil in paper mode; the sync loop pushes quotes through
	// it instead of polling order status.
	sandbox *broker.Sandbox

	book     *order.Book
	ledger   *ledger.Ledger
	agg      *position.Aggregator
	locks    *position.LockMap
	coord    *protect.Coordinator
	ingestor *signal.Ingestor
	store    store.Store
	archiver *ledger.Archiver
	limiter  *util.RateLimiter
	log      *slog.Logger

	mu sync.Mutex
	// pendingArm holds protective plans for positions awaiting their first
	// entry fill, keyed by position ID.
	pendingArm map[string]armSpec
	// pendingCancels tracks cancel request times; a cancel unconfirmed past
	// the timeout is committed optimistically.
	pendingCancels map[string]time.Time
	// watched is the set of symbols the sync loop samples prices for.
	watched map[string]bool
}

// New builds an Engine over the given broker and store. st may be nil for
// ephemeral (in-memory only) operation, as may arch.
func New(cfg *config.Config, b broker.Broker, st store.Store, arch *ledger.Archiver, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		cfg:            cfg,
		broker:         b,
		book:           order.NewBook(),
		ledger:         ledger.New(),
		agg:            position.NewAggregator(log),
		locks:          position.NewLockMap(),
		store:          st,
		archiver:       arch,
		log:            log.With("component", "engine"),
		pendingArm:     make(map[string]armSpec),
		pendingCancels: make(map[string]time.Time),
		watched:        make(map[string]bool),
	}
	e.ingestor = signal.NewIngestor(time.Duration(cfg.Trading.DedupWindowSec)*time.Second, log)
	e.coord = protect.NewCoordinator(e, e.book, e.agg, e.locks, log)
	if sb, ok := b.(*broker.Sandbox); ok {
		e.sandbox = sb
	}
	if cfg.Trading.StatusPollPerMin > 0 {
		e.limiter = util.NewRateLimiter(cfg.Trading.StatusPollPerMin)
	}
	return e
}

// Book exposes the order registry for read-side consumers.
func (e *Engine) Book() *order.Book { return e.book }

// Ledger exposes the trade ledger for read-side consumers.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Positions exposes the position aggregator for read-side consumers.
func (e *Engine) Positions() *position.Aggregator { return e.agg }

// IngestStats returns the signal intake counters.
func (e *Engine) IngestStats() signal.Stats { return e.ingestor.Stats() }

// ---------------------------------------------------------------------------
// Signal intake
// ---------------------------------------------------------------------------

// SignalResult reports what a signal submission did.
type SignalResult struct {
	// Duplicate is set when the signal ID was seen before; the IDs below
	// then refer to the original submission's outcome.
	Duplicate  bool   `json:"duplicate"`
	PositionID string `json:"position_id,omitempty"`
	OrderID    string `json:"order_id,omitempty"`
}

// SubmitSignal validates, deduplicates, and executes one signal. Duplicates
// are not errors: the result carries the original submission's IDs, keeping
// intake idempotent.
func (e *Engine) SubmitSignal(ctx context.Context, sig *domain.Signal) (SignalResult, error) {
	dup, err := e.ingestor.Accept(sig)
	if err != nil {
		return SignalResult{}, err
	}
	if dup {
		res := SignalResult{Duplicate: true}
		if pos, ok := e.agg.BySignal(sig.ID); ok {
			res.PositionID = pos.ID
			res.OrderID = pos.EntryOrderID
		}
		return res, nil
	}

	res, err := e.dispatch(ctx, sig)
	if err != nil {
		// A failed execution leaves nothing to deduplicate against; drop the
		// ID so the same signal can be retried.
		e.ingestor.Forget(sig.ID)
	}
	return res, err
}

// dispatch routes an accepted, non-duplicate signal to its operation.
func (e *Engine) dispatch(ctx context.Context, sig *domain.Signal) (SignalResult, error) {
	switch sig.Type {
	case domain.SignalTypeEntry:
		return e.executeEntry(ctx, sig)
	case domain.SignalTypeExit:
		pos, err := e.activeBySymbol(sig.Symbol)
		if err != nil {
			return SignalResult{}, err
		}
		orderID, err := e.Exit(ctx, pos.ID)
		if err != nil {
			return SignalResult{}, err
		}
		return SignalResult{PositionID: pos.ID, OrderID: orderID}, nil
	case domain.SignalTypeModifyStop:
		pos, err := e.activeBySymbol(sig.Symbol)
		if err != nil {
			return SignalResult{}, err
		}
		orderID, err := e.coord.Trail(ctx, pos.ID, sig.StopPrice)
		if err != nil {
			return SignalResult{}, err
		}
		return SignalResult{PositionID: pos.ID, OrderID: orderID}, nil
	case domain.SignalTypeModifyTarget:
		pos, err := e.activeBySymbol(sig.Symbol)
		if err != nil {
			return SignalResult{}, err
		}
		orderID, err := e.coord.ModifyTarget(ctx, pos.ID, sig.TargetPrice)
		if err != nil {
			return SignalResult{}, err
		}
		return SignalResult{PositionID: pos.ID, OrderID: orderID}, nil
	}
	return SignalResult{}, domain.MalformedSignal("signal_type", "unknown variant")
}

// executeEntry opens a PENDING_OPEN position and places the entry order.
// The protective plan is remembered and armed on the first entry fill.
func (e *Engine) executeEntry(ctx context.Context, sig *domain.Signal) (SignalResult, error) {
	product := domain.ProductMIS
	entry := signal.EntryIntent(sig, product)

	pos := e.agg.Create(sig.ID, sig.Symbol, sig.Exchange, sig.Side, entry.ID)
	entry.PositionID = pos.ID

	lock := e.locks.Get(pos.ID)
	lock.Lock()
	defer lock.Unlock()

	if sig.StopPrice > 0 || sig.TargetPrice > 0 {
		e.mu.Lock()
		e.pendingArm[pos.ID] = armSpec{stopPrice: sig.StopPrice, targetPrice: sig.TargetPrice, product: product}
		e.mu.Unlock()
	}

	if err := e.Submit(ctx, entry, order.ValidationContext{}); err != nil {
		e.mu.Lock()
		delete(e.pendingArm, pos.ID)
		e.mu.Unlock()
		if discarded := e.agg.OnEntryRejected(entry.ID); discarded != nil {
			e.log.Info("entry refused, position discarded",
				"signal_id", sig.ID, "order_id", entry.ID, "err", err)
		}
		return SignalResult{}, err
	}
	e.watch(sig.Symbol)
	e.persistPosition(ctx, pos.ID)
	return SignalResult{PositionID: pos.ID, OrderID: entry.ID}, nil
}

// activeBySymbol resolves the single ACTIVE position on a symbol.
func (e *Engine) activeBySymbol(symbol string) (domain.Position, error) {
	for _, p := range e.agg.List() {
		if p.Symbol == symbol && p.Status == domain.PositionActive {
			return p, nil
		}
	}
	return domain.Position{}, fmt.Errorf("%w: no active position on %s", domain.ErrUnknownPosition, symbol)
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// Exit closes a position at market: both protective orders are cancelled,
// then a market order for the open quantity is placed. Its fills close the
// position with reason MANUAL_EXIT.
func (e *Engine) Exit(ctx context.Context, positionID string) (string, error) {
	lock := e.locks.Get(positionID)
	lock.Lock()
	defer lock.Unlock()

	pos, ok := e.agg.Get(positionID)
	if !ok {
		return "", domain.ErrUnknownPosition
	}
	if pos.Quarantined {
		return "", domain.ErrQuarantined
	}
	if pos.Status != domain.PositionActive {
		return "", fmt.Errorf("%w: exit on %s position", domain.ErrInvalidTransition, pos.Status)
	}

	for _, id := range []string{pos.StopLossOrderID, pos.TargetOrderID} {
		if id == "" {
			continue
		}
		m, ok := e.book.Get(id)
		if !ok {
			continue
		}
		noop, err := m.BeginCancel()
		if err != nil || noop {
			continue
		}
		if err := e.Cancel(ctx, id); err != nil {
			e.log.Error("protective cancel failed during exit",
				"position_id", positionID, "order_id", id, "err", err)
		}
	}

	exit := &domain.Order{
		ID:         newOrderID(),
		SignalID:   pos.SignalID,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Exchange:   pos.Exchange,
		Side:       pos.Side.Opposite(),
		Type:       domain.OrderTypeMarket,
		Product:    domain.ProductMIS,
		Quantity:   pos.NetQty * int64(pos.Side.Sign()),
		Role:       domain.OrderRoleExit,
	}
	// Link first so the exit's fills route to the position.
	if err := e.agg.LinkOrder(exit.ID, pos.ID); err != nil {
		return "", err
	}
	if err := e.Submit(ctx, exit, order.ValidationContext{}); err != nil {
		return "", err
	}
	e.log.Info("manual exit placed", "position_id", positionID, "order_id", exit.ID)
	return exit.ID, nil
}

// ModifyStop tightens a position's stop. Loosening is refused.
func (e *Engine) ModifyStop(ctx context.Context, positionID string, newStopPrice float64) (string, error) {
	return e.coord.Trail(ctx, positionID, newStopPrice)
}

// ModifyTarget replaces a position's target price.
func (e *Engine) ModifyTarget(ctx context.Context, positionID string, newTargetPrice float64) (string, error) {
	return e.coord.ModifyTarget(ctx, positionID, newTargetPrice)
}

// ---------------------------------------------------------------------------
// protect.Submitter implementation
// ---------------------------------------------------------------------------

// Submit validates, registers, and places a new order. Validation failures
// and broker rejections leave the order terminal and are never retried;
// transient transport failures are retried with backoff.
func (e *Engine) Submit(ctx context.Context, o *domain.Order, vc order.ValidationContext) error {
	if max := e.cfg.Trading.MaxOrderQty; max > 0 && o.Quantity > max {
		return &domain.ValidationError{
			Field: "quantity",
			Msg:   fmt.Sprintf("%d exceeds the configured limit %d", o.Quantity, max),
		}
	}
	if err := order.Validate(o, vc); err != nil {
		return err
	}

	m := order.New(o)
	e.book.Add(m)
	e.ledger.Register(o.ID, o.Quantity)

	var ack broker.Ack
	err := util.Retry(ctx, e.cfg.Trading.RetryAttempts, e.retryBaseDelay(), func() error {
		var perr error
		ack, perr = e.broker.PlaceOrder(ctx, o)
		return perr
	})
	if err != nil {
		var rej *domain.BrokerRejection
		reason := "order could not be delivered to the broker"
		if errors.As(err, &rej) {
			reason = rej.Reason
		}
		if rerr := m.Reject(reason); rerr != nil {
			e.log.Error("reject transition failed", "order_id", o.ID, "err", rerr)
		}
		e.persistOrder(ctx, m)
		return err
	}

	if err := m.Accept(ack.BrokerID); err != nil {
		return err
	}
	e.persistOrder(ctx, m)
	e.log.Info("order placed", "order_id", o.ID, "broker_id", ack.BrokerID,
		"symbol", o.Symbol, "side", o.Side, "type", o.Type, "qty", o.Quantity, "role", o.Role)
	return nil
}

// Cancel requests cancellation and starts the confirmation timer. The order
// stays in its working state until the broker confirms or the timeout
// elapses, at which point it is marked CANCELLED optimistically.
func (e *Engine) Cancel(ctx context.Context, orderID string) error {
	err := util.Retry(ctx, e.cfg.Trading.RetryAttempts, e.retryBaseDelay(), func() error {
		return e.broker.CancelOrder(ctx, orderID)
	})
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.pendingCancels[orderID] = time.Now()
	e.mu.Unlock()
	return nil
}

// Modify re-validates locally, then replaces the working price/trigger at
// the broker.
func (e *Engine) Modify(ctx context.Context, orderID string, price, trigger float64, vc order.ValidationContext) error {
	m, ok := e.book.Get(orderID)
	if !ok {
		return domain.ErrUnknownOrder
	}
	if err := m.Modify(price, trigger, vc); err != nil {
		return err
	}
	err := util.Retry(ctx, e.cfg.Trading.RetryAttempts, e.retryBaseDelay(), func() error {
		return e.broker.ModifyOrder(ctx, orderID, 0, price, trigger)
	})
	if err != nil {
		return err
	}
	e.persistOrder(ctx, m)
	return nil
}

// Resize grows a working order's quantity, keeping the ledger's overfill
// bound in step with the new size.
func (e *Engine) Resize(ctx context.Context, orderID string, newQty int64) error {
	m, ok := e.book.Get(orderID)
	if !ok {
		return domain.ErrUnknownOrder
	}
	if err := m.Resize(newQty); err != nil {
		return err
	}
	e.ledger.Register(orderID, newQty)
	err := util.Retry(ctx, e.cfg.Trading.RetryAttempts, e.retryBaseDelay(), func() error {
		return e.broker.ModifyOrder(ctx, orderID, newQty, 0, 0)
	})
	if err != nil {
		return err
	}
	e.persistOrder(ctx, m)
	return nil
}

func (e *Engine) retryBaseDelay() time.Duration {
	return time.Duration(e.cfg.Trading.RetryBaseDelayMS) * time.Millisecond
}

// ---------------------------------------------------------------------------
// Restore and session expiry
// ---------------------------------------------------------------------------

// Restore rebuilds in-memory state from storage: positions, orders, and the
// trade ledger, in that order. Called once before the sync loop starts.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}

	positions, err := e.store.ListPositions(ctx, "")
	if err != nil {
		return fmt.Errorf("restoring positions: %w", err)
	}
	for i := range positions {
		p := positions[i]
		e.agg.Restore(&p)
		if p.Status == domain.PositionActive || p.Status == domain.PositionPendingOpen {
			e.watch(p.Symbol)
		}
	}

	orders, err := e.store.ListOrders(ctx, "")
	if err != nil {
		return fmt.Errorf("restoring orders: %w", err)
	}
	for i := range orders {
		o := orders[i]
		e.book.Add(order.Restore(&o))
		e.ledger.Register(o.ID, o.Quantity)
	}

	// Trades replay in ledger sequence order, so the global insertion
	// sequence is rebuilt consistently.
	trades, err := e.store.ListTrades(ctx, "")
	if err != nil {
		return fmt.Errorf("restoring trades: %w", err)
	}
	for i := range trades {
		t := trades[i]
		if err := e.ledger.Record(&t); err != nil {
			e.log.Error("trade replay refused", "trade_id", t.ID, "order_id", t.OrderID, "err", err)
		}
	}

	e.log.Info("state restored", "positions", len(positions), "orders", len(orders), "trades", len(trades))
	return nil
}

// ExpireSession closes out positions left over from an earlier trading day:
// their working orders are cancelled and the position is closed with reason
// EXPIRED. Intraday positions never survive into the next session.
func (e *Engine) ExpireSession(ctx context.Context, now time.Time) {
	sessionStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	for _, p := range e.agg.List() {
		if p.Status == domain.PositionClosed || !p.CreatedAt.Before(sessionStart) {
			continue
		}
		lock := e.locks.Get(p.ID)
		lock.Lock()

		for _, id := range []string{p.EntryOrderID, p.StopLossOrderID, p.TargetOrderID} {
			if id == "" {
				continue
			}
			m, ok := e.book.Get(id)
			if !ok {
				continue
			}
			if noop, err := m.BeginCancel(); err != nil || noop {
				continue
			}
			if err := e.broker.CancelOrder(ctx, id); err != nil {
				e.log.Error("expiry cancel failed", "order_id", id, "err", err)
			}
			if err := m.CommitCancel("session expired"); err == nil {
				e.persistOrder(ctx, m)
			}
		}

		if err := e.agg.Expire(p.ID); err == nil {
			e.log.Info("position expired", "position_id", p.ID, "symbol", p.Symbol)
			e.persistPosition(ctx, p.ID)
		}
		lock.Unlock()
	}
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

func (e *Engine) persistOrder(ctx context.Context, m *order.Machine) {
	if e.store == nil {
		return
	}
	snap := m.Snapshot()
	if err := e.store.SaveOrder(ctx, &snap); err != nil {
		e.log.Error("order persist failed", "order_id", snap.ID, "err", err)
	}
}

func (e *Engine) persistPosition(ctx context.Context, positionID string) {
	if e.store == nil {
		return
	}
	p, ok := e.agg.Get(positionID)
	if !ok {
		return
	}
	if err := e.store.SavePosition(ctx, &p); err != nil {
		e.log.Error("position persist failed", "position_id", positionID, "err", err)
	}
}

func (e *Engine) persistTrade(ctx context.Context, t *domain.Trade) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveTrade(ctx, t); err != nil {
		e.log.Error("trade persist failed", "trade_id", t.ID, "err", err)
	}
}

// archiveClosed writes a closed position's executions to the parquet
// archive. Best effort; the SQLite row remains authoritative.
func (e *Engine) archiveClosed(pos domain.Position, lastOrderID string) {
	if e.archiver == nil {
		return
	}
	var trades []domain.Trade
	for _, id := range []string{pos.EntryOrderID, pos.StopLossOrderID, pos.TargetOrderID, lastOrderID} {
		if id != "" {
			trades = append(trades, e.ledger.Trades(id)...)
		}
	}
	if err := e.archiver.Archive(pos.Symbol, trades); err != nil {
		e.log.Error("fill archive failed", "position_id", pos.ID, "err", err)
	}
}

// watch adds a symbol to the sync loop's quote sampling set.
func (e *Engine) watch(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.watched[symbol] = true
}
