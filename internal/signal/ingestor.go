// Package signal validates and deduplicates incoming trade signals and
// converts accepted entry signals into order intents. Signals are consumed
// exactly once; after acceptance only the ID is retained for dedup.
package signal

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"meridian/internal/domain"
)

// Stats counts intake outcomes.
type Stats struct {
	Accepted         int64 `json:"accepted"`
	SkippedDuplicate int64 `json:"skipped_duplicate"`
	Invalid          int64 `json:"invalid"`
}

// Ingestor is the signal intake boundary.
type Ingestor struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
	stats  Stats
	log    *slog.Logger
}

// NewIngestor creates an Ingestor with the given duplicate-detection window.
func NewIngestor(window time.Duration, log *slog.Logger) *Ingestor {
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{
		window: window,
		seen:   make(map[string]time.Time),
		log:    log.With("component", "ingestor"),
	}
}

// Validate checks the signal's shape for its variant. Signals are a closed
// set of typed variants keyed by signal_type; unknown variants and missing
// or ill-typed required fields are rejected with ErrMalformedSignal.
func Validate(sig *domain.Signal) error {
	if sig.ID == "" {
		return domain.MalformedSignal("id", "required")
	}
	if sig.Symbol == "" {
		return domain.MalformedSignal("symbol", "required")
	}

	switch sig.Type {
	case domain.SignalTypeEntry:
		switch sig.Side {
		case domain.SideBuy, domain.SideSell:
		default:
			return domain.MalformedSignal("side", "must be BUY or SELL")
		}
		if sig.Quantity <= 0 {
			return domain.MalformedSignal("quantity", "must be positive")
		}
		if sig.StopPrice < 0 || sig.TargetPrice < 0 {
			return domain.MalformedSignal("stop_price/target_price", "must not be negative")
		}
		if sig.StopPrice > 0 && sig.TargetPrice > 0 {
			// For a long the target sits above the stop; mirrored for shorts.
			if sig.Side == domain.SideBuy && sig.TargetPrice <= sig.StopPrice {
				return domain.MalformedSignal("target_price", "must exceed stop_price for a BUY entry")
			}
			if sig.Side == domain.SideSell && sig.TargetPrice >= sig.StopPrice {
				return domain.MalformedSignal("target_price", "must be below stop_price for a SELL entry")
			}
		}
	case domain.SignalTypeExit:
		// Symbol plus id suffice; the engine resolves the open position.
	case domain.SignalTypeModifyStop:
		if sig.StopPrice <= 0 {
			return domain.MalformedSignal("stop_price", "must be positive")
		}
	case domain.SignalTypeModifyTarget:
		if sig.TargetPrice <= 0 {
			return domain.MalformedSignal("target_price", "must be positive")
		}
	default:
		return domain.MalformedSignal("signal_type", "unknown variant")
	}
	return nil
}

// Accept validates and deduplicates one signal. A duplicate within the
// window is not an error: the caller returns the existing order/position
// IDs, keeping signal submission idempotent.
func (i *Ingestor) Accept(sig *domain.Signal) (duplicate bool, err error) {
	if err := Validate(sig); err != nil {
		i.mu.Lock()
		i.stats.Invalid++
		i.mu.Unlock()
		return false, err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	now := time.Now()
	i.prune(now)

	if _, ok := i.seen[sig.ID]; ok {
		i.stats.SkippedDuplicate++
		i.log.Info("duplicate signal skipped", "signal_id", sig.ID, "symbol", sig.Symbol)
		return true, nil
	}
	i.seen[sig.ID] = now
	i.stats.Accepted++
	return false, nil
}

// Forget drops a signal ID from the dedup window. Called when execution of
// an accepted signal fails, so a resubmission retries instead of reporting a
// duplicate of nothing.
func (i *Ingestor) Forget(signalID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.seen, signalID)
}

// prune drops dedup entries older than the window.
func (i *Ingestor) prune(now time.Time) {
	if i.window <= 0 {
		return
	}
	for id, at := range i.seen {
		if now.Sub(at) > i.window {
			delete(i.seen, id)
		}
	}
}

// EntryIntent converts an accepted ENTRY signal into the entry order
// intent: a market order in the signal's direction.
func EntryIntent(sig *domain.Signal, product domain.Product) *domain.Order {
	return &domain.Order{
		ID:       uuid.NewString(),
		SignalID: sig.ID,
		Symbol:   sig.Symbol,
		Exchange: sig.Exchange,
		Side:     sig.Side,
		Type:     domain.OrderTypeMarket,
		Product:  product,
		Quantity: sig.Quantity,
		Role:     domain.OrderRoleEntry,
	}
}

// Stats returns a copy of the intake counters.
func (i *Ingestor) Stats() Stats {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stats
}
