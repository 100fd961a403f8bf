package order

import (
	"sync"

	"meridian/internal/domain"
)

// Book is the registry of order machines, keyed by order ID. The Book's
// mutex guards only the index; mutation of an individual machine is
// serialized by the engine's per-position lock.
type Book struct {
	mu       sync.Mutex
	machines map[string]*Machine
}

// NewBook creates an empty Book.
func NewBook() *Book {
	return &Book{machines: make(map[string]*Machine)}
}

// Add registers a machine.
func (b *Book) Add(m *Machine) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.machines[m.ID()] = m
}

// Get returns the machine for an order ID.
func (b *Book) Get(orderID string) (*Machine, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.machines[orderID]
	return m, ok
}

// Snapshot returns a copy of one order.
func (b *Book) Snapshot(orderID string) (domain.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.machines[orderID]
	if !ok {
		return domain.Order{}, false
	}
	return m.Snapshot(), true
}

// Open returns snapshots of every order still working at the venue.
func (b *Book) Open() []domain.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Order
	for _, m := range b.machines {
		if s := m.Status(); s == domain.OrderStatusOpen || s == domain.OrderStatusTriggerPending {
			out = append(out, m.Snapshot())
		}
	}
	return out
}

// All returns snapshots of every tracked order.
func (b *Book) All() []domain.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Order, 0, len(b.machines))
	for _, m := range b.machines {
		out = append(out, m.Snapshot())
	}
	return out
}
