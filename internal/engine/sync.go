package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"meridian/internal/broker"
	"meridian/internal/domain"
	"meridian/internal/order"
	"meridian/internal/util"
)

func newOrderID() string { return uuid.NewString() }

// Run drives the sync loop until the context is cancelled. In paper mode
// quotes arrive through PushQuote and each tick only expires stale cancels;
// in live mode each tick polls order status and samples quotes for the
// watched symbols.
func (e *Engine) Run(ctx context.Context) error {
	interval := time.Duration(e.cfg.Trading.TickIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.log.Info("sync loop started", "broker", e.broker.Name(), "interval", interval)
	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync loop stopped")
			return ctx.Err()
		case now := <-ticker.C:
			e.expireStaleCancels(ctx, now)
			if e.sandbox == nil {
				e.pollLive(ctx)
				e.sampleQuotes(ctx)
			}
		}
	}
}

// PushQuote feeds one market price sample into the engine. In paper mode the
// sample drives the sandbox and its resulting events are applied in order;
// in both modes the high-water anchors of positions on the symbol advance.
func (e *Engine) PushQuote(ctx context.Context, quote domain.Quote) {
	if e.sandbox != nil {
		for _, ev := range e.sandbox.Tick(quote) {
			e.applyEvent(ctx, ev)
		}
	}
	e.updateHighWater(ctx, quote)
}

// updateHighWater advances the most favorable price of every active
// position on the quoted symbol.
func (e *Engine) updateHighWater(ctx context.Context, quote domain.Quote) {
	price := quote.Price()
	if price <= 0 {
		return
	}
	for _, p := range e.agg.List() {
		if p.Symbol != quote.Symbol || p.Status != domain.PositionActive {
			continue
		}
		e.agg.UpdateHighWater(p.ID, price)
	}
}

// sampleQuotes pulls one quote per watched symbol from the live adapter.
func (e *Engine) sampleQuotes(ctx context.Context) {
	e.mu.Lock()
	symbols := make([]string, 0, len(e.watched))
	for s := range e.watched {
		symbols = append(symbols, s)
	}
	e.mu.Unlock()

	for _, symbol := range symbols {
		quote, err := e.broker.GetQuote(ctx, symbol)
		if err != nil {
			e.log.Warn("quote sample failed", "symbol", symbol, "err", err)
			continue
		}
		e.updateHighWater(ctx, quote)
	}
}

// pollLive reconciles every working order against the broker's reported
// state. Polling is rate limited; transient transport failures retry with
// backoff and otherwise skip the order until the next tick.
func (e *Engine) pollLive(ctx context.Context) {
	for _, snap := range e.book.Open() {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return
			}
		}

		var report broker.StatusReport
		err := util.Retry(ctx, e.cfg.Trading.RetryAttempts, e.retryBaseDelay(), func() error {
			var perr error
			report, perr = e.broker.GetOrderStatus(ctx, snap.ID)
			return perr
		})
		if err != nil {
			e.log.Warn("status poll failed", "order_id", snap.ID, "err", err)
			continue
		}
		for _, ev := range diffReport(snap, report) {
			e.applyEvent(ctx, ev)
		}
	}
}

// diffReport converts a polled status report into the events that bring the
// local order up to date: a synthesized fill for any quantity delta, then
// the status change itself.
func diffReport(snap domain.Order, report broker.StatusReport) []domain.OrderEvent {
	if report.Seq != 0 && report.Seq <= snap.Seq {
		return nil
	}
	var events []domain.OrderEvent

	if delta := report.FilledQty - snap.FilledQty; delta > 0 {
		// Back out the delta's price from the averages so partial progress
		// between polls is booked at the right level.
		price := report.AvgFillPrice
		if report.FilledQty > 0 {
			notional := report.AvgFillPrice*float64(report.FilledQty) -
				snap.AvgFillPrice*float64(snap.FilledQty)
			price = notional / float64(delta)
		}
		events = append(events, domain.OrderEvent{
			OrderID: snap.ID,
			Seq:     report.Seq,
			Status:  report.Status,
			Fill: &domain.Trade{
				OrderID:  snap.ID,
				Quantity: delta,
				Price:    price,
			},
		})
		return events
	}

	if report.Status != snap.Status {
		events = append(events, domain.OrderEvent{
			OrderID: snap.ID,
			Seq:     report.Seq,
			Status:  report.Status,
			Code:    report.Code,
			Reason:  report.Reason,
		})
	}
	return events
}

// applyEvent applies one normalized order event under the owning position's
// lock, in the fixed order: order machine, then ledger, then position
// aggregator, then protective coordination.
func (e *Engine) applyEvent(ctx context.Context, ev domain.OrderEvent) {
	m, ok := e.book.Get(ev.OrderID)
	if !ok {
		e.log.Warn("event for unknown order dropped", "order_id", ev.OrderID)
		return
	}

	pos, hasPos := e.agg.ByOrder(ev.OrderID)
	if hasPos {
		lock := e.locks.Get(pos.ID)
		lock.Lock()
		defer lock.Unlock()
		// Re-read under the lock.
		pos, _ = e.agg.Get(pos.ID)
	}

	prev := m.Snapshot()
	applied, err := m.Apply(ev)
	if err != nil {
		e.escalate(ctx, ev.OrderID, pos, hasPos, err)
		return
	}
	if !applied {
		return
	}

	if m.Status().Terminal() {
		e.mu.Lock()
		delete(e.pendingCancels, ev.OrderID)
		e.mu.Unlock()
	}
	e.persistOrder(ctx, m)

	if ev.Fill == nil {
		return
	}

	trade := *ev.Fill
	trade.OrderID = ev.OrderID
	if err := e.ledger.Record(&trade); err != nil {
		e.escalate(ctx, ev.OrderID, pos, hasPos, err)
		return
	}
	e.persistTrade(ctx, &trade)

	if !hasPos {
		return
	}
	e.routeFill(ctx, &trade, prev, pos)
}

// routeFill applies a recorded execution to the owning position according
// to the filled order's role.
func (e *Engine) routeFill(ctx context.Context, trade *domain.Trade, prev domain.Order, pos domain.Position) {
	switch prev.Role {
	case domain.OrderRoleEntry:
		if pos.Status == domain.PositionClosed {
			// The entry's remainder filled after the position already closed.
			// Recorded in the ledger, logged, never reopens the position.
			e.log.Error("entry fill after close",
				"position_id", pos.ID, "order_id", trade.OrderID, "qty", trade.Quantity)
			return
		}
		updated, err := e.agg.OnEntryFill(trade)
		if err != nil {
			e.log.Error("entry fill refused", "order_id", trade.OrderID, "err", err)
			return
		}
		if pos.Status == domain.PositionPendingOpen && updated.Status == domain.PositionActive {
			e.armPending(ctx, updated.ID)
		} else if err := e.coord.Extend(ctx, updated.ID, trade.Quantity); err != nil {
			e.log.Error("protective coverage lags the position",
				"position_id", updated.ID, "order_id", trade.OrderID, "err", err)
		}

	case domain.OrderRoleStopLoss, domain.OrderRoleTarget:
		if pos.Status == domain.PositionClosed {
			// The race's loser filled after the position already closed.
			// Recorded in the ledger, logged, never reopens the position.
			e.log.Error("protective fill after close",
				"position_id", pos.ID, "order_id", trade.OrderID, "qty", trade.Quantity)
			return
		}
		if prev.FilledQty == 0 {
			e.coord.OnTrigger(ctx, pos.ID, trade.OrderID)
		}
		updated, err := e.agg.OnProtectiveFill(trade, prev.Role)
		if err != nil {
			e.log.Error("protective fill refused", "order_id", trade.OrderID, "err", err)
			return
		}
		if updated.Status == domain.PositionActive {
			if m, ok := e.book.Get(trade.OrderID); ok && m.Status().Terminal() {
				e.log.Error("protective order exhausted with quantity still open",
					"position_id", updated.ID, "order_id", trade.OrderID, "net_qty", updated.NetQty)
			}
		}

	case domain.OrderRoleExit:
		if _, err := e.agg.OnManualExitFill(trade); err != nil {
			e.log.Error("exit fill refused", "order_id", trade.OrderID, "err", err)
			return
		}

	default:
		return
	}

	e.persistPosition(ctx, pos.ID)
	if updated, ok := e.agg.Get(pos.ID); ok && updated.Status == domain.PositionClosed {
		e.onPositionClosed(ctx, updated, trade.OrderID)
	}
}

// onPositionClosed cancels the entry order's unfilled remainder, so a late
// entry fill can never mutate a closed position, and archives the closed
// position's executions.
func (e *Engine) onPositionClosed(ctx context.Context, pos domain.Position, lastOrderID string) {
	if m, ok := e.book.Get(pos.EntryOrderID); ok {
		if noop, err := m.BeginCancel(); err == nil && !noop {
			if cerr := e.Cancel(ctx, pos.EntryOrderID); cerr != nil {
				e.log.Error("entry remainder cancel failed",
					"position_id", pos.ID, "order_id", pos.EntryOrderID, "err", cerr)
			} else {
				e.log.Info("entry remainder cancelled on close",
					"position_id", pos.ID, "order_id", pos.EntryOrderID)
			}
		}
	}
	e.archiveClosed(pos, lastOrderID)
}

// armPending submits the remembered protective plan after the first entry
// fill turned the position ACTIVE.
func (e *Engine) armPending(ctx context.Context, positionID string) {
	e.mu.Lock()
	spec, ok := e.pendingArm[positionID]
	if ok {
		delete(e.pendingArm, positionID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	if _, _, err := e.coord.Arm(ctx, positionID, spec.stopPrice, spec.targetPrice, spec.product); err != nil {
		e.log.Error("protective arming failed", "position_id", positionID, "err", err)
	} else {
		e.persistPosition(ctx, positionID)
	}
}

// escalate handles a consistency violation surfaced while applying an
// event: the owning position is quarantined and the violation logged.
// Quarantined positions are never silently repaired.
func (e *Engine) escalate(ctx context.Context, orderID string, pos domain.Position, hasPos bool, err error) {
	var overfill *domain.OverfillError
	fatal := errors.As(err, &overfill) || errors.Is(err, domain.ErrInvalidTransition)
	if !fatal {
		e.log.Error("event apply failed", "order_id", orderID, "err", err)
		return
	}

	inc := &domain.SyncInconsistency{OrderID: orderID, Msg: err.Error()}
	if hasPos {
		inc.PositionID = pos.ID
		e.agg.Quarantine(pos.ID, inc.Error())
		e.persistPosition(ctx, pos.ID)
	}
	e.log.Error("sync inconsistency", "order_id", orderID, "position_id", inc.PositionID, "err", err)
}

// expireStaleCancels commits cancellations the broker never confirmed
// within the timeout. If the broker later reports a conflicting state, the
// next event surfaces it as an invalid transition and the position is
// quarantined rather than silently repaired.
func (e *Engine) expireStaleCancels(ctx context.Context, now time.Time) {
	timeout := time.Duration(e.cfg.Trading.CancelTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		return
	}

	e.mu.Lock()
	var expired []string
	for id, at := range e.pendingCancels {
		if now.Sub(at) > timeout {
			expired = append(expired, id)
			delete(e.pendingCancels, id)
		}
	}
	e.mu.Unlock()

	for _, id := range expired {
		m, ok := e.book.Get(id)
		if !ok {
			continue
		}
		if pos, hasPos := e.agg.ByOrder(id); hasPos {
			lock := e.locks.Get(pos.ID)
			lock.Lock()
			e.commitStaleCancel(ctx, m, id)
			lock.Unlock()
		} else {
			e.commitStaleCancel(ctx, m, id)
		}
	}
}

func (e *Engine) commitStaleCancel(ctx context.Context, m *order.Machine, id string) {
	if m.Status().Terminal() {
		return
	}
	if err := m.CommitCancel("cancel unconfirmed within timeout"); err != nil {
		e.log.Error("optimistic cancel failed", "order_id", id, "err", err)
		return
	}
	e.log.Warn("cancel committed optimistically", "order_id", id)
	e.persistOrder(ctx, m)
}
