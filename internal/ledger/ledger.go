// Package ledger is the append-only record of executions and the source of
// truth for filled quantities. It also assigns the global insertion sequence
// used to break the stop/target race.
package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"meridian/internal/domain"
)

// Ledger stores trades keyed by order ID, in insertion order. Appends across
// different orders are safe to issue concurrently.
type Ledger struct {
	mu sync.Mutex

	seq     uint64
	byOrder map[string][]domain.Trade
	// quantity is the requested quantity per registered order, the cap the
	// overfill check enforces.
	quantity map[string]int64
}

// New creates an empty Ledger.
func New() *Ledger {
	return &Ledger{
		byOrder:  make(map[string][]domain.Trade),
		quantity: make(map[string]int64),
	}
}

// Register declares an order and its requested quantity before any of its
// fills may be recorded.
func (l *Ledger) Register(orderID string, quantity int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.quantity[orderID] = quantity
}

// Record appends one execution. It assigns the trade's ID (when absent) and
// its global insertion sequence. If the cumulative filled quantity for the
// order would exceed its requested quantity, Record fails with an
// *domain.OverfillError, a fatal consistency violation that is never
// retried and halts further mutation of the order's position until manually
// reconciled.
func (l *Ledger) Record(t *domain.Trade) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	requested, ok := l.quantity[t.OrderID]
	if !ok {
		return domain.ErrUnknownOrder
	}

	filled := int64(0)
	for _, prev := range l.byOrder[t.OrderID] {
		filled += prev.Quantity
	}
	if filled+t.Quantity > requested {
		return &domain.OverfillError{
			OrderID:   t.OrderID,
			Requested: requested,
			Attempted: filled + t.Quantity,
		}
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.FilledAt.IsZero() {
		t.FilledAt = time.Now()
	}
	l.seq++
	t.Seq = l.seq
	l.byOrder[t.OrderID] = append(l.byOrder[t.OrderID], *t)
	return nil
}

// Trades returns the ordered executions recorded against an order.
func (l *Ledger) Trades(orderID string) []domain.Trade {
	l.mu.Lock()
	defer l.mu.Unlock()
	src := l.byOrder[orderID]
	out := make([]domain.Trade, len(src))
	copy(out, src)
	return out
}

// FilledQty returns the cumulative filled quantity for an order.
func (l *Ledger) FilledQty(orderID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total int64
	for _, t := range l.byOrder[orderID] {
		total += t.Quantity
	}
	return total
}

// AvgFillPrice returns the quantity-weighted average fill price for an
// order, or zero when nothing filled.
func (l *Ledger) AvgFillPrice(orderID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var qty int64
	var notional float64
	for _, t := range l.byOrder[orderID] {
		qty += t.Quantity
		notional += t.Price * float64(t.Quantity)
	}
	if qty == 0 {
		return 0
	}
	return notional / float64(qty)
}

// All returns every recorded trade in global insertion order.
func (l *Ledger) All() []domain.Trade {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Trade, 0, int(l.seq))
	for _, trades := range l.byOrder {
		out = append(out, trades...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}
