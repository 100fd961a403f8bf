// Package order implements the per-order state machine: the unit of broker
// interaction. Transitions are monotonic (an order never re-enters a
// non-terminal state after reaching a terminal one) and broker events apply
// in per-order sequence order, with stale sequences dropped.
package order

import (
	"fmt"
	"time"

	"meridian/internal/domain"
)

// ValidationContext carries the position-side context a protective order's
// trigger price is validated against.
type ValidationContext struct {
	// PositionSide is the owning position's entry direction; empty for
	// entry orders.
	PositionSide domain.Side
	// RefPrice is the current price context. Zero skips the directional
	// trigger check (no sample available yet).
	RefPrice float64
}

// Machine owns the lifecycle of a single order. All mutation goes through
// it; other components hold the order ID and read snapshots.
type Machine struct {
	o *domain.Order
}

// New wraps a freshly built order, placing it in CREATED. The order must
// already carry its identifiers; New stamps status and timestamps.
func New(o *domain.Order) *Machine {
	now := time.Now()
	o.Status = domain.OrderStatusCreated
	o.CreatedAt = now
	o.UpdatedAt = now
	return &Machine{o: o}
}

// Restore wraps an order reloaded from storage without touching its state.
func Restore(o *domain.Order) *Machine {
	return &Machine{o: o}
}

// Snapshot returns a copy of the order for readers.
func (m *Machine) Snapshot() domain.Order { return *m.o }

// ID returns the order's identifier.
func (m *Machine) ID() string { return m.o.ID }

// Status returns the current lifecycle state.
func (m *Machine) Status() domain.OrderStatus { return m.o.Status }

// Role returns the order's function for its position.
func (m *Machine) Role() domain.OrderRole { return m.o.Role }

// Validate checks the order's fields before any broker/sandbox call.
// Violations return a *domain.ValidationError and are never retried.
func Validate(o *domain.Order, vc ValidationContext) error {
	if o.Quantity <= 0 {
		return &domain.ValidationError{Field: "quantity", Msg: "must be positive"}
	}
	if o.Symbol == "" {
		return &domain.ValidationError{Field: "symbol", Msg: "must not be empty"}
	}
	switch o.Side {
	case domain.SideBuy, domain.SideSell:
	default:
		return &domain.ValidationError{Field: "side", Msg: fmt.Sprintf("unknown side %q", o.Side)}
	}
	if err := validateTypeProduct(o); err != nil {
		return err
	}
	if err := validatePrices(o); err != nil {
		return err
	}
	return validateTriggerDirection(o, vc)
}

// validateTypeProduct rejects illegal order_type/product combinations. Cover
// orders execute at market; they cannot carry a resting limit.
func validateTypeProduct(o *domain.Order) error {
	switch o.Product {
	case domain.ProductMIS, domain.ProductNRML, domain.ProductCNC:
	case domain.ProductCO:
		if o.Type == domain.OrderTypeLimit || o.Type == domain.OrderTypeStopLimit {
			return &domain.ValidationError{
				Field: "order_type",
				Msg:   fmt.Sprintf("%s not allowed with product CO", o.Type),
			}
		}
	default:
		return &domain.ValidationError{Field: "product", Msg: fmt.Sprintf("unknown product %q", o.Product)}
	}
	return nil
}

func validatePrices(o *domain.Order) error {
	switch o.Type {
	case domain.OrderTypeMarket:
	case domain.OrderTypeLimit:
		if o.Price <= 0 {
			return &domain.ValidationError{Field: "price", Msg: "limit order requires a positive price"}
		}
	case domain.OrderTypeStopMarket:
		if o.TriggerPrice <= 0 {
			return &domain.ValidationError{Field: "trigger_price", Msg: "stop order requires a positive trigger price"}
		}
	case domain.OrderTypeStopLimit:
		if o.TriggerPrice <= 0 {
			return &domain.ValidationError{Field: "trigger_price", Msg: "stop order requires a positive trigger price"}
		}
		if o.Price <= 0 {
			return &domain.ValidationError{Field: "price", Msg: "stop-limit order requires a positive price"}
		}
	default:
		return &domain.ValidationError{Field: "order_type", Msg: fmt.Sprintf("unknown order type %q", o.Type)}
	}
	return nil
}

// validateTriggerDirection checks a protective stop's trigger against the
// owning position's side: a long's protective stop sells below the price
// context, a short's buys above it.
func validateTriggerDirection(o *domain.Order, vc ValidationContext) error {
	if !o.Type.IsStop() || vc.PositionSide == "" || vc.RefPrice <= 0 {
		return nil
	}
	switch vc.PositionSide {
	case domain.SideBuy:
		if o.Side != domain.SideSell {
			return &domain.ValidationError{Field: "side", Msg: "protective stop for a long position must sell"}
		}
		if o.TriggerPrice >= vc.RefPrice {
			return &domain.ValidationError{
				Field: "trigger_price",
				Msg:   fmt.Sprintf("stop trigger %.2f must be below price context %.2f for a long", o.TriggerPrice, vc.RefPrice),
			}
		}
	case domain.SideSell:
		if o.Side != domain.SideBuy {
			return &domain.ValidationError{Field: "side", Msg: "protective stop for a short position must buy"}
		}
		if o.TriggerPrice <= vc.RefPrice {
			return &domain.ValidationError{
				Field: "trigger_price",
				Msg:   fmt.Sprintf("stop trigger %.2f must be above price context %.2f for a short", o.TriggerPrice, vc.RefPrice),
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Transitions
// ---------------------------------------------------------------------------

// canTransition encodes the legal moves:
//
//	CREATED → OPEN | REJECTED
//	OPEN → TRIGGER_PENDING | COMPLETE | CANCELLED | REJECTED
//	TRIGGER_PENDING → OPEN | CANCELLED | REJECTED
func canTransition(from, to domain.OrderStatus) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case domain.OrderStatusCreated:
		return to == domain.OrderStatusOpen || to == domain.OrderStatusRejected
	case domain.OrderStatusOpen:
		switch to {
		case domain.OrderStatusTriggerPending, domain.OrderStatusComplete,
			domain.OrderStatusCancelled, domain.OrderStatusRejected, domain.OrderStatusOpen:
			return true
		}
	case domain.OrderStatusTriggerPending:
		switch to {
		case domain.OrderStatusOpen, domain.OrderStatusCancelled, domain.OrderStatusRejected:
			return true
		}
	}
	return false
}

// Accept records broker acceptance: CREATED → OPEN.
func (m *Machine) Accept(brokerID string) error {
	if !canTransition(m.o.Status, domain.OrderStatusOpen) {
		return fmt.Errorf("%w: %s → OPEN", domain.ErrInvalidTransition, m.o.Status)
	}
	m.o.Status = domain.OrderStatusOpen
	m.o.BrokerID = brokerID
	m.touch()
	return nil
}

// Reject records broker refusal with the mapped friendly reason.
func (m *Machine) Reject(reason string) error {
	if !canTransition(m.o.Status, domain.OrderStatusRejected) {
		return fmt.Errorf("%w: %s → REJECTED", domain.ErrInvalidTransition, m.o.Status)
	}
	m.o.Status = domain.OrderStatusRejected
	m.o.Reason = reason
	m.touch()
	return nil
}

// ApplyFill applies one execution: filled quantity and average fill price
// are recomputed, and the order completes when fully filled. A fill beyond
// the order's quantity is refused with an *domain.OverfillError.
func (m *Machine) ApplyFill(trade *domain.Trade) error {
	if m.o.Status.Terminal() {
		return fmt.Errorf("%w: fill against %s order", domain.ErrInvalidTransition, m.o.Status)
	}
	if trade.Quantity <= 0 {
		return &domain.ValidationError{Field: "fill_quantity", Msg: "must be positive"}
	}
	if m.o.FilledQty+trade.Quantity > m.o.Quantity {
		return &domain.OverfillError{
			OrderID:   m.o.ID,
			Requested: m.o.Quantity,
			Attempted: m.o.FilledQty + trade.Quantity,
		}
	}

	total := m.o.FilledQty + trade.Quantity
	m.o.AvgFillPrice = (m.o.AvgFillPrice*float64(m.o.FilledQty) +
		trade.Price*float64(trade.Quantity)) / float64(total)
	m.o.FilledQty = total
	if m.o.FilledQty == m.o.Quantity {
		m.o.Status = domain.OrderStatusComplete
	}
	m.touch()
	return nil
}

// BeginCancel checks that a cancel request is legal. Cancelling an order
// that already completed or cancelled is a reported no-op (noop=true), so
// cancellation stays idempotent under retries.
func (m *Machine) BeginCancel() (noop bool, err error) {
	switch m.o.Status {
	case domain.OrderStatusOpen, domain.OrderStatusTriggerPending:
		return false, nil
	case domain.OrderStatusComplete, domain.OrderStatusCancelled:
		return true, nil
	default:
		return false, fmt.Errorf("%w: cancel from %s", domain.ErrInvalidTransition, m.o.Status)
	}
}

// CommitCancel marks the order CANCELLED, either because the terminal status
// was observed or because the cancel timeout elapsed (optimistic commit,
// reconciled on next sync if the broker disagrees).
func (m *Machine) CommitCancel(reason string) error {
	if m.o.Status == domain.OrderStatusCancelled {
		return nil
	}
	if !canTransition(m.o.Status, domain.OrderStatusCancelled) {
		return fmt.Errorf("%w: %s → CANCELLED", domain.ErrInvalidTransition, m.o.Status)
	}
	m.o.Status = domain.OrderStatusCancelled
	m.o.Reason = reason
	m.touch()
	return nil
}

// Modify re-validates and updates the working price/trigger. Legal only
// while the order is OPEN or TRIGGER_PENDING.
func (m *Machine) Modify(newPrice, newTrigger float64, vc ValidationContext) error {
	switch m.o.Status {
	case domain.OrderStatusOpen, domain.OrderStatusTriggerPending:
	default:
		return fmt.Errorf("%w: modify from %s", domain.ErrInvalidTransition, m.o.Status)
	}

	next := *m.o
	if newPrice > 0 {
		next.Price = newPrice
	}
	if newTrigger > 0 {
		next.TriggerPrice = newTrigger
	}
	if err := Validate(&next, vc); err != nil {
		return err
	}
	m.o.Price = next.Price
	m.o.TriggerPrice = next.TriggerPrice
	m.touch()
	return nil
}

// Resize updates the working quantity, growing a protective order as later
// entry fills raise the quantity it must cover. Legal only while the order
// is working and never below the quantity already filled.
func (m *Machine) Resize(newQty int64) error {
	switch m.o.Status {
	case domain.OrderStatusOpen, domain.OrderStatusTriggerPending:
	default:
		return fmt.Errorf("%w: resize from %s", domain.ErrInvalidTransition, m.o.Status)
	}
	if newQty <= 0 {
		return &domain.ValidationError{Field: "quantity", Msg: "must be positive"}
	}
	if newQty < m.o.FilledQty {
		return &domain.ValidationError{
			Field: "quantity",
			Msg:   fmt.Sprintf("%d is below the %d already filled", newQty, m.o.FilledQty),
		}
	}
	m.o.Quantity = newQty
	m.touch()
	return nil
}

// Apply consumes one broker/sandbox event. Events at or below the order's
// last applied sequence are stale and dropped (applied=false). A terminal
// order refusing a later event is an invalid transition, surfaced for the
// engine to escalate as a sync inconsistency.
func (m *Machine) Apply(ev domain.OrderEvent) (applied bool, err error) {
	if ev.Seq != 0 && ev.Seq <= m.o.Seq {
		return false, nil
	}

	if ev.Fill != nil {
		if err := m.ApplyFill(ev.Fill); err != nil {
			return false, err
		}
		// A terminal status arriving with the fill (broker-side cancel or
		// expiry after a partial execution) commits in the same event, or the
		// order would stay working forever once this sequence is consumed.
		if ev.Status.Terminal() && canTransition(m.o.Status, ev.Status) {
			m.o.Status = ev.Status
			if ev.Reason != "" {
				m.o.Reason = ev.Reason
			}
			m.touch()
		}
		m.o.Seq = ev.Seq
		return true, nil
	}

	switch ev.Status {
	case m.o.Status:
		// Status echo with a newer sequence; just advance.
	case domain.OrderStatusCancelled:
		if err := m.CommitCancel(ev.Reason); err != nil {
			return false, err
		}
	case domain.OrderStatusRejected:
		if err := m.Reject(ev.Reason); err != nil {
			return false, err
		}
	default:
		if !canTransition(m.o.Status, ev.Status) {
			return false, fmt.Errorf("%w: %s → %s", domain.ErrInvalidTransition, m.o.Status, ev.Status)
		}
		m.o.Status = ev.Status
		m.touch()
	}
	m.o.Seq = ev.Seq
	return true, nil
}

func (m *Machine) touch() { m.o.UpdatedAt = time.Now() }
