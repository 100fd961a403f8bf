// Package protect keeps exactly one stop-loss and one target order live per
// ACTIVE position and enforces mutual exclusivity on exit: the first
// fill-bound protective order wins and its sibling is cancelled before any
// further fill is processed.
package protect

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"meridian/internal/domain"
	"meridian/internal/order"
	"meridian/internal/position"
)

// Submitter is the slice of the engine the coordinator drives orders
// through. The engine implements it; the coordinator never talks to the
// broker directly so that submission, ledger registration, and persistence
// stay on one path.
type Submitter interface {
	// Submit validates, registers, and places a new order.
	Submit(ctx context.Context, o *domain.Order, vc order.ValidationContext) error
	// Cancel requests cancellation of a working order.
	Cancel(ctx context.Context, orderID string) error
	// Modify replaces the working price/trigger of an order.
	Modify(ctx context.Context, orderID string, price, trigger float64, vc order.ValidationContext) error
	// Resize grows the working quantity of an order.
	Resize(ctx context.Context, orderID string, newQty int64) error
}

// Coordinator manages the protective order pair bound to each position.
type Coordinator struct {
	sub   Submitter
	book  *order.Book
	agg   *position.Aggregator
	locks *position.LockMap
	log   *slog.Logger
}

// NewCoordinator wires a Coordinator. The lock map must be the same instance
// the engine serializes position mutation with.
func NewCoordinator(sub Submitter, book *order.Book, agg *position.Aggregator, locks *position.LockMap, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		sub:   sub,
		book:  book,
		agg:   agg,
		locks: locks,
		log:   log.With("component", "protect"),
	}
}

// Arm submits the stop-loss/target pair for an ACTIVE position and stores
// their IDs on it. The stop is a stop-market so a gapped market still exits
// at the traded price; the target is a plain limit. A zero price skips that
// leg, so a stop-only or target-only entry arms one order.
func (c *Coordinator) Arm(ctx context.Context, positionID string, stopPrice, targetPrice float64, product domain.Product) (stopID, targetID string, err error) {
	pos, ok := c.agg.Get(positionID)
	if !ok {
		return "", "", domain.ErrUnknownPosition
	}
	if pos.Status != domain.PositionActive {
		return "", "", fmt.Errorf("%w: arm on %s position", domain.ErrInvalidTransition, pos.Status)
	}

	exitSide := pos.Side.Opposite()
	qty := pos.NetQty * int64(pos.Side.Sign())
	vc := order.ValidationContext{PositionSide: pos.Side, RefPrice: pos.AvgPrice}

	if stopPrice > 0 {
		stop := &domain.Order{
			ID:           uuid.NewString(),
			SignalID:     pos.SignalID,
			PositionID:   pos.ID,
			Symbol:       pos.Symbol,
			Exchange:     pos.Exchange,
			Side:         exitSide,
			Type:         domain.OrderTypeStopMarket,
			Product:      product,
			Quantity:     qty,
			TriggerPrice: stopPrice,
			Role:         domain.OrderRoleStopLoss,
		}
		if err := c.sub.Submit(ctx, stop, vc); err != nil {
			return "", "", fmt.Errorf("arming stop-loss: %w", err)
		}
		stopID = stop.ID
	}

	if targetPrice > 0 {
		target := &domain.Order{
			ID:         uuid.NewString(),
			SignalID:   pos.SignalID,
			PositionID: pos.ID,
			Symbol:     pos.Symbol,
			Exchange:   pos.Exchange,
			Side:       exitSide,
			Type:       domain.OrderTypeLimit,
			Product:    product,
			Quantity:   qty,
			Price:      targetPrice,
			Role:       domain.OrderRoleTarget,
		}
		if err := c.sub.Submit(ctx, target, vc); err != nil {
			// Roll back the armed stop so the position never carries half a pair.
			if stopID != "" {
				if cerr := c.sub.Cancel(ctx, stopID); cerr != nil {
					c.log.Error("failed to cancel stop after target submission failed",
						"position_id", pos.ID, "order_id", stopID, "err", cerr)
				}
			}
			return "", "", fmt.Errorf("arming target: %w", err)
		}
		targetID = target.ID
	}

	if stopID == "" && targetID == "" {
		return "", "", nil
	}
	if err := c.agg.AttachProtective(pos.ID, stopID, targetID); err != nil {
		return "", "", err
	}
	c.log.Info("protective orders armed",
		"position_id", pos.ID, "stop_order_id", stopID, "target_order_id", targetID,
		"stop_price", stopPrice, "target_price", targetPrice)
	return stopID, targetID, nil
}

// Extend grows both protective legs by additional entry quantity, keeping
// the pair's unfilled remainder equal to the position's open quantity as
// later entry fills arrive. Legs already terminal are skipped. The caller
// must already hold the position's lock.
func (c *Coordinator) Extend(ctx context.Context, positionID string, qty int64) error {
	if qty <= 0 {
		return nil
	}
	pos, ok := c.agg.Get(positionID)
	if !ok {
		return domain.ErrUnknownPosition
	}

	var firstErr error
	for _, id := range []string{pos.StopLossOrderID, pos.TargetOrderID} {
		if id == "" {
			continue
		}
		m, ok := c.book.Get(id)
		if !ok || m.Status().Terminal() {
			continue
		}
		snap := m.Snapshot()
		if err := c.sub.Resize(ctx, id, snap.Quantity+qty); err != nil {
			c.log.Error("protective resize failed",
				"position_id", positionID, "order_id", id,
				"old_qty", snap.Quantity, "add_qty", qty, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// OnTrigger reacts to a protective order reporting fill-initiating progress:
// the sibling is cancelled immediately, before any further fill is
// processed. The caller must already hold the position's lock, the same
// lock the command intake uses, which closes the double-exit race.
func (c *Coordinator) OnTrigger(ctx context.Context, positionID, filledOrderID string) {
	pos, ok := c.agg.Get(positionID)
	if !ok {
		return
	}

	sibling := pos.TargetOrderID
	if filledOrderID == pos.TargetOrderID {
		sibling = pos.StopLossOrderID
	}
	if sibling == "" || sibling == filledOrderID {
		return
	}

	m, ok := c.book.Get(sibling)
	if !ok {
		return
	}
	noop, err := m.BeginCancel()
	if err != nil || noop {
		return
	}
	if err := c.sub.Cancel(ctx, sibling); err != nil {
		c.log.Error("sibling cancel failed; next sync reconciles",
			"position_id", positionID, "order_id", sibling, "err", err)
	} else {
		c.log.Info("sibling protective order cancelled",
			"position_id", positionID, "winner", filledOrderID, "cancelled", sibling)
	}
}

// Trail moves the stop order's trigger in the favorable direction only:
// upward for a long's sell stop, downward for a short's buy stop. A request
// that would widen risk fails with ErrInvalidTrailDirection and leaves the
// order unchanged; an equal price is a no-op.
func (c *Coordinator) Trail(ctx context.Context, positionID string, newStopPrice float64) (string, error) {
	lock := c.locks.Get(positionID)
	lock.Lock()
	defer lock.Unlock()

	pos, ok := c.agg.Get(positionID)
	if !ok {
		return "", domain.ErrUnknownPosition
	}
	if pos.Quarantined {
		return "", domain.ErrQuarantined
	}
	if pos.StopLossOrderID == "" {
		return "", domain.ErrUnknownOrder
	}

	m, ok := c.book.Get(pos.StopLossOrderID)
	if !ok {
		return "", domain.ErrUnknownOrder
	}
	cur := m.Snapshot()

	switch {
	case newStopPrice == cur.TriggerPrice:
		return cur.ID, nil
	case pos.Side == domain.SideBuy && newStopPrice < cur.TriggerPrice,
		pos.Side == domain.SideSell && newStopPrice > cur.TriggerPrice:
		return "", fmt.Errorf("%w: %.2f vs current %.2f",
			domain.ErrInvalidTrailDirection, newStopPrice, cur.TriggerPrice)
	}

	// Favorability already checked above; the directional trigger check is
	// skipped because a tightened stop may legitimately cross the entry
	// price (e.g. trailing to break-even).
	if err := c.sub.Modify(ctx, cur.ID, 0, newStopPrice, order.ValidationContext{}); err != nil {
		return "", err
	}
	c.log.Info("stop trailed", "position_id", positionID,
		"order_id", cur.ID, "old_trigger", cur.TriggerPrice, "new_trigger", newStopPrice)
	return cur.ID, nil
}

// ModifyTarget replaces the target order's limit price.
func (c *Coordinator) ModifyTarget(ctx context.Context, positionID string, newTargetPrice float64) (string, error) {
	lock := c.locks.Get(positionID)
	lock.Lock()
	defer lock.Unlock()

	pos, ok := c.agg.Get(positionID)
	if !ok {
		return "", domain.ErrUnknownPosition
	}
	if pos.Quarantined {
		return "", domain.ErrQuarantined
	}
	if pos.TargetOrderID == "" {
		return "", domain.ErrUnknownOrder
	}
	if newTargetPrice <= 0 {
		return "", &domain.ValidationError{Field: "price", Msg: "target price must be positive"}
	}

	if err := c.sub.Modify(ctx, pos.TargetOrderID, newTargetPrice, 0, order.ValidationContext{}); err != nil {
		return "", err
	}
	return pos.TargetOrderID, nil
}
