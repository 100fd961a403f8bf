// Package position derives position state from ledger executions and order
// events, and owns the P&L model: realized P&L locks in as quantity closes
// out, unrealized P&L is a pure function of the latest price.
package position

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"meridian/internal/domain"
)

// Aggregator tracks all positions. Mutation of a single position happens
// under the engine's per-position lock; the Aggregator's own mutex only
// guards its indexes.
type Aggregator struct {
	mu       sync.Mutex
	byID     map[string]*domain.Position
	bySignal map[string]string
	byOrder  map[string]string
	log      *slog.Logger
}

// NewAggregator creates an empty Aggregator.
func NewAggregator(log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		byID:     make(map[string]*domain.Position),
		bySignal: make(map[string]string),
		byOrder:  make(map[string]string),
		log:      log.With("component", "positions"),
	}
}

// Create opens a PENDING_OPEN position for an accepted entry order. It
// surfaces as ACTIVE only once the first entry fill arrives; if the entry is
// rejected with zero fills the position is discarded, never shown.
func (a *Aggregator) Create(signalID, symbol, exchange string, side domain.Side, entryOrderID string) *domain.Position {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	p := &domain.Position{
		ID:           uuid.NewString(),
		SignalID:     signalID,
		Symbol:       symbol,
		Exchange:     exchange,
		Side:         side,
		Status:       domain.PositionPendingOpen,
		EntryOrderID: entryOrderID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	a.byID[p.ID] = p
	a.bySignal[signalID] = p.ID
	a.byOrder[entryOrderID] = p.ID
	return p
}

// Restore re-registers a position reloaded from storage.
func (a *Aggregator) Restore(p *domain.Position) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.byID[p.ID] = p
	if p.SignalID != "" {
		a.bySignal[p.SignalID] = p.ID
	}
	for _, id := range []string{p.EntryOrderID, p.StopLossOrderID, p.TargetOrderID} {
		if id != "" {
			a.byOrder[id] = p.ID
		}
	}
}

// AttachProtective links the armed stop-loss and target order IDs.
func (a *Aggregator) AttachProtective(positionID, stopOrderID, targetOrderID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.byID[positionID]
	if !ok {
		return domain.ErrUnknownPosition
	}
	p.StopLossOrderID = stopOrderID
	p.TargetOrderID = targetOrderID
	if stopOrderID != "" {
		a.byOrder[stopOrderID] = positionID
	}
	if targetOrderID != "" {
		a.byOrder[targetOrderID] = positionID
	}
	p.UpdatedAt = time.Now()
	return nil
}

// LinkOrder indexes an additional order (e.g. a manual exit order) under its
// position so fills route to it.
func (a *Aggregator) LinkOrder(orderID, positionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.byID[positionID]; !ok {
		return domain.ErrUnknownPosition
	}
	a.byOrder[orderID] = positionID
	return nil
}

// OnEntryFill applies an entry execution: net quantity moves by the fill in
// the entry direction and the average price is recomputed as a quantity-
// weighted average over the currently open quantity. The position turns
// ACTIVE once net quantity is non-zero.
func (a *Aggregator) OnEntryFill(trade *domain.Trade) (*domain.Position, error) {
	p, err := a.mutable(trade.OrderID)
	if err != nil {
		return nil, err
	}
	if p.Status == domain.PositionClosed {
		return nil, fmt.Errorf("%w: entry fill on CLOSED position", domain.ErrInvalidTransition)
	}

	open := p.NetQty * int64(p.Side.Sign()) // open quantity, always >= 0
	total := open + trade.Quantity
	p.AvgPrice = (p.AvgPrice*float64(open) + trade.Price*float64(trade.Quantity)) / float64(total)
	p.NetQty += trade.Quantity * int64(p.Side.Sign())
	if p.Status == domain.PositionPendingOpen && p.NetQty != 0 {
		p.Status = domain.PositionActive
		p.HighWater = trade.Price
	}
	p.UpdatedAt = time.Now()
	return p, nil
}

// OnProtectiveFill applies an exit execution from a protective order,
// realizing P&L on the closed quantity. When the net quantity reaches zero
// the position closes with the reason derived from which role filled.
func (a *Aggregator) OnProtectiveFill(trade *domain.Trade, role domain.OrderRole) (*domain.Position, error) {
	reason := domain.CloseReasonSLHit
	if role == domain.OrderRoleTarget {
		reason = domain.CloseReasonTargetHit
	}
	return a.onExitFill(trade, reason)
}

// OnManualExitFill applies an exit execution from a direct exit command.
func (a *Aggregator) OnManualExitFill(trade *domain.Trade) (*domain.Position, error) {
	return a.onExitFill(trade, domain.CloseReasonManualExit)
}

func (a *Aggregator) onExitFill(trade *domain.Trade, reason domain.CloseReason) (*domain.Position, error) {
	p, err := a.mutable(trade.OrderID)
	if err != nil {
		return nil, err
	}

	sign := p.Side.Sign()
	p.RealizedPnL += (trade.Price - p.AvgPrice) * float64(trade.Quantity) * sign
	p.NetQty -= trade.Quantity * int64(sign)
	if p.NetQty == 0 {
		p.Status = domain.PositionClosed
		p.ClosedReason = reason
		p.ClosedAt = time.Now()
		a.log.Info("position closed",
			"position_id", p.ID,
			"symbol", p.Symbol,
			"reason", reason,
			"realized_pnl", p.RealizedPnL)
	}
	p.UpdatedAt = time.Now()
	return p, nil
}

// OnEntryRejected discards a PENDING_OPEN position whose entry was refused
// before any fill. Returns the discarded position, or nil if fills already
// arrived (the position stays, the broker rejection applies to the
// remainder only).
func (a *Aggregator) OnEntryRejected(entryOrderID string) *domain.Position {
	a.mu.Lock()
	defer a.mu.Unlock()

	id, ok := a.byOrder[entryOrderID]
	if !ok {
		return nil
	}
	p := a.byID[id]
	if p == nil || p.Status != domain.PositionPendingOpen || p.NetQty != 0 {
		return nil
	}
	delete(a.byID, id)
	delete(a.bySignal, p.SignalID)
	delete(a.byOrder, entryOrderID)
	return p
}

// Expire closes out a stale session's position without re-arming it.
func (a *Aggregator) Expire(positionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.byID[positionID]
	if !ok {
		return domain.ErrUnknownPosition
	}
	p.NetQty = 0
	p.Status = domain.PositionClosed
	p.ClosedReason = domain.CloseReasonExpired
	p.ClosedAt = time.Now()
	p.UpdatedAt = p.ClosedAt
	return nil
}

// Quarantine blocks further automated mutation of a position after a sync
// inconsistency. Never silently repaired.
func (a *Aggregator) Quarantine(positionID, msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.byID[positionID]
	if !ok {
		return
	}
	p.Quarantined = true
	p.UpdatedAt = time.Now()
	a.log.Error("position quarantined", "position_id", positionID, "detail", msg)
}

// UpdateHighWater advances the most favorable price seen since entry:
// highest for a long, lowest for a short.
func (a *Aggregator) UpdateHighWater(positionID string, price float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.byID[positionID]
	if !ok || p.Status != domain.PositionActive {
		return
	}
	if p.Side == domain.SideBuy && price > p.HighWater ||
		p.Side == domain.SideSell && (price < p.HighWater || p.HighWater == 0) {
		p.HighWater = price
	}
}

// Get returns a snapshot of a position.
func (a *Aggregator) Get(positionID string) (domain.Position, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.byID[positionID]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// BySignal returns the position created for a signal, if any.
func (a *Aggregator) BySignal(signalID string) (domain.Position, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.bySignal[signalID]
	if !ok {
		return domain.Position{}, false
	}
	return *a.byID[id], true
}

// ByOrder returns the position an order belongs to, if any.
func (a *Aggregator) ByOrder(orderID string) (domain.Position, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.byOrder[orderID]
	if !ok {
		return domain.Position{}, false
	}
	return *a.byID[id], true
}

// List returns snapshots of all tracked positions.
func (a *Aggregator) List() []domain.Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.Position, 0, len(a.byID))
	for _, p := range a.byID {
		out = append(out, *p)
	}
	return out
}

// mutable resolves the live position for an order and refuses mutation of
// quarantined positions.
func (a *Aggregator) mutable(orderID string) (*domain.Position, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id, ok := a.byOrder[orderID]
	if !ok {
		return nil, domain.ErrUnknownPosition
	}
	p := a.byID[id]
	if p.Quarantined {
		return nil, domain.ErrQuarantined
	}
	return p, nil
}
