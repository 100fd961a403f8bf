package order

import (
	"errors"
	"testing"

	"meridian/internal/domain"
)

func newTestOrder() *domain.Order {
	return &domain.Order{
		ID:       "ord-1",
		Symbol:   "AAPL",
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeMarket,
		Product:  domain.ProductMIS,
		Quantity: 100,
		Role:     domain.OrderRoleEntry,
	}
}

func TestValidateRejectsBadFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*domain.Order)
	}{
		{"zero quantity", func(o *domain.Order) { o.Quantity = 0 }},
		{"negative quantity", func(o *domain.Order) { o.Quantity = -5 }},
		{"empty symbol", func(o *domain.Order) { o.Symbol = "" }},
		{"unknown side", func(o *domain.Order) { o.Side = "HOLD" }},
		{"limit without price", func(o *domain.Order) { o.Type = domain.OrderTypeLimit }},
		{"stop without trigger", func(o *domain.Order) { o.Type = domain.OrderTypeStopMarket }},
		{"stop-limit without price", func(o *domain.Order) {
			o.Type = domain.OrderTypeStopLimit
			o.TriggerPrice = 95
		}},
		{"limit with CO product", func(o *domain.Order) {
			o.Type = domain.OrderTypeLimit
			o.Price = 100
			o.Product = domain.ProductCO
		}},
		{"unknown product", func(o *domain.Order) { o.Product = "DAY" }},
	}
	for _, c := range cases {
		o := newTestOrder()
		c.mutate(o)
		err := Validate(o, ValidationContext{})
		var valErr *domain.ValidationError
		if !errors.As(err, &valErr) {
			t.Errorf("%s: expected ValidationError, got %v", c.name, err)
		}
	}
}

func TestValidateTriggerDirection(t *testing.T) {
	// Protective stop for a long must sell below the price context.
	stop := &domain.Order{
		ID: "stop-1", Symbol: "AAPL", Side: domain.SideSell,
		Type: domain.OrderTypeStopMarket, Product: domain.ProductMIS,
		Quantity: 50, TriggerPrice: 110,
	}
	vc := ValidationContext{PositionSide: domain.SideBuy, RefPrice: 100}
	if err := Validate(stop, vc); err == nil {
		t.Error("long stop above price context should be rejected")
	}
	stop.TriggerPrice = 95
	if err := Validate(stop, vc); err != nil {
		t.Errorf("long stop below price context rejected: %v", err)
	}

	// Mirrored for a short: the protective stop buys above.
	buyStop := &domain.Order{
		ID: "stop-2", Symbol: "AAPL", Side: domain.SideBuy,
		Type: domain.OrderTypeStopMarket, Product: domain.ProductMIS,
		Quantity: 50, TriggerPrice: 95,
	}
	vc = ValidationContext{PositionSide: domain.SideSell, RefPrice: 100}
	if err := Validate(buyStop, vc); err == nil {
		t.Error("short stop below price context should be rejected")
	}
	buyStop.TriggerPrice = 105
	if err := Validate(buyStop, vc); err != nil {
		t.Errorf("short stop above price context rejected: %v", err)
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	m := New(newTestOrder())
	if m.Status() != domain.OrderStatusCreated {
		t.Fatalf("new order status: %s", m.Status())
	}
	if err := m.Accept("brk-1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if m.Status() != domain.OrderStatusOpen {
		t.Fatalf("after accept: %s", m.Status())
	}

	if err := m.ApplyFill(&domain.Trade{OrderID: "ord-1", Quantity: 40, Price: 100}); err != nil {
		t.Fatalf("partial fill: %v", err)
	}
	if m.Status() != domain.OrderStatusOpen {
		t.Fatalf("partial fill should keep OPEN, got %s", m.Status())
	}
	if err := m.ApplyFill(&domain.Trade{OrderID: "ord-1", Quantity: 60, Price: 110}); err != nil {
		t.Fatalf("final fill: %v", err)
	}
	if m.Status() != domain.OrderStatusComplete {
		t.Fatalf("after full fill: %s", m.Status())
	}

	snap := m.Snapshot()
	want := (100.0*40 + 110.0*60) / 100
	if snap.AvgFillPrice != want {
		t.Errorf("avg fill price: got %v, want %v", snap.AvgFillPrice, want)
	}
}

func TestTerminalStatesAreMonotonic(t *testing.T) {
	m := New(newTestOrder())
	m.Accept("brk-1")
	if _, err := m.Apply(domain.OrderEvent{OrderID: "ord-1", Seq: 1, Status: domain.OrderStatusCancelled}); err != nil {
		t.Fatalf("cancel event: %v", err)
	}

	// Any further transition from a terminal state is refused.
	_, err := m.Apply(domain.OrderEvent{OrderID: "ord-1", Seq: 2, Status: domain.OrderStatusOpen})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("reopen after cancel: expected ErrInvalidTransition, got %v", err)
	}
	if err := m.Accept("brk-2"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("accept after cancel: expected ErrInvalidTransition, got %v", err)
	}
}

func TestStaleEventsDropped(t *testing.T) {
	m := New(newTestOrder())
	m.Accept("brk-1")

	applied, err := m.Apply(domain.OrderEvent{OrderID: "ord-1", Seq: 5, Status: domain.OrderStatusOpen})
	if err != nil || !applied {
		t.Fatalf("seq 5: applied=%v err=%v", applied, err)
	}

	applied, err = m.Apply(domain.OrderEvent{OrderID: "ord-1", Seq: 3, Status: domain.OrderStatusCancelled})
	if err != nil {
		t.Fatalf("stale event errored: %v", err)
	}
	if applied {
		t.Error("stale event (seq 3 after 5) should be dropped")
	}
	if m.Status() != domain.OrderStatusOpen {
		t.Errorf("stale event mutated state: %s", m.Status())
	}
}

func TestOverfillRefused(t *testing.T) {
	m := New(newTestOrder())
	m.Accept("brk-1")
	if err := m.ApplyFill(&domain.Trade{OrderID: "ord-1", Quantity: 90, Price: 100}); err != nil {
		t.Fatalf("fill: %v", err)
	}
	err := m.ApplyFill(&domain.Trade{OrderID: "ord-1", Quantity: 20, Price: 100})
	var overfill *domain.OverfillError
	if !errors.As(err, &overfill) {
		t.Fatalf("expected OverfillError, got %v", err)
	}
	if overfill.Attempted != 110 || overfill.Requested != 100 {
		t.Errorf("overfill detail: %+v", overfill)
	}
}

func TestCancelIdempotent(t *testing.T) {
	m := New(newTestOrder())
	m.Accept("brk-1")

	noop, err := m.BeginCancel()
	if err != nil || noop {
		t.Fatalf("first cancel: noop=%v err=%v", noop, err)
	}
	if err := m.CommitCancel("user requested"); err != nil {
		t.Fatalf("commit cancel: %v", err)
	}

	noop, err = m.BeginCancel()
	if err != nil {
		t.Fatalf("second cancel errored: %v", err)
	}
	if !noop {
		t.Error("cancelling a cancelled order should be a no-op")
	}
	if err := m.CommitCancel("again"); err != nil {
		t.Errorf("repeat commit should be a no-op: %v", err)
	}
}

func TestCancelFromCreatedRefused(t *testing.T) {
	m := New(newTestOrder())
	if _, err := m.BeginCancel(); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("cancel from CREATED: expected ErrInvalidTransition, got %v", err)
	}
}

func TestModifyOnlyWhileWorking(t *testing.T) {
	o := newTestOrder()
	o.Type = domain.OrderTypeLimit
	o.Price = 100
	m := New(o)

	if err := m.Modify(105, 0, ValidationContext{}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("modify from CREATED: expected ErrInvalidTransition, got %v", err)
	}

	m.Accept("brk-1")
	if err := m.Modify(105, 0, ValidationContext{}); err != nil {
		t.Fatalf("modify while OPEN: %v", err)
	}
	if m.Snapshot().Price != 105 {
		t.Errorf("price not updated: %v", m.Snapshot().Price)
	}

	m.CommitCancel("done")
	if err := m.Modify(110, 0, ValidationContext{}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("modify after cancel: expected ErrInvalidTransition, got %v", err)
	}
}

func TestTriggerPendingRoundTrip(t *testing.T) {
	o := newTestOrder()
	o.Side = domain.SideSell
	o.Type = domain.OrderTypeStopMarket
	o.TriggerPrice = 95
	o.Role = domain.OrderRoleStopLoss
	m := New(o)
	m.Accept("brk-1")

	if _, err := m.Apply(domain.OrderEvent{OrderID: o.ID, Seq: 1, Status: domain.OrderStatusTriggerPending}); err != nil {
		t.Fatalf("to TRIGGER_PENDING: %v", err)
	}
	if _, err := m.Apply(domain.OrderEvent{OrderID: o.ID, Seq: 2, Status: domain.OrderStatusOpen}); err != nil {
		t.Fatalf("back to OPEN: %v", err)
	}
	if m.Status() != domain.OrderStatusOpen {
		t.Errorf("status after trigger crossing: %s", m.Status())
	}
}

func TestRejectCarriesReason(t *testing.T) {
	m := New(newTestOrder())
	if err := m.Reject("insufficient margin available for this order"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	snap := m.Snapshot()
	if snap.Status != domain.OrderStatusRejected {
		t.Errorf("status: %s", snap.Status)
	}
	if snap.Reason == "" {
		t.Error("rejection reason missing")
	}
}

func TestFillWithTerminalStatusCommitsBoth(t *testing.T) {
	// A broker-side cancel after a partial execution arrives as one event
	// carrying both the fill delta and the terminal status. Both must apply,
	// or the order stays OPEN forever once the sequence is consumed.
	m := New(newTestOrder())
	m.Accept("brk-1")

	ev := domain.OrderEvent{
		OrderID: "ord-1",
		Seq:     1,
		Status:  domain.OrderStatusCancelled,
		Reason:  "cancelled by venue",
		Fill:    &domain.Trade{OrderID: "ord-1", Quantity: 20, Price: 100},
	}
	applied, err := m.Apply(ev)
	if err != nil || !applied {
		t.Fatalf("apply: applied=%v err=%v", applied, err)
	}

	got := m.Snapshot()
	if got.FilledQty != 20 {
		t.Errorf("filled: got %d, want 20", got.FilledQty)
	}
	if got.Status != domain.OrderStatusCancelled {
		t.Errorf("status: got %s, want CANCELLED", got.Status)
	}
	if got.Reason != "cancelled by venue" {
		t.Errorf("reason: %q", got.Reason)
	}

	// The identical re-poll is stale, not an invalid transition.
	applied, err = m.Apply(ev)
	if err != nil || applied {
		t.Errorf("re-poll: applied=%v err=%v", applied, err)
	}
}

func TestResizeGrowsWorkingOrder(t *testing.T) {
	m := New(newTestOrder())
	m.Accept("brk-1")
	if err := m.ApplyFill(&domain.Trade{OrderID: "ord-1", Quantity: 40, Price: 100}); err != nil {
		t.Fatalf("fill: %v", err)
	}

	if err := m.Resize(150); err != nil {
		t.Fatalf("resize: %v", err)
	}
	if got := m.Snapshot().Quantity; got != 150 {
		t.Errorf("quantity: got %d, want 150", got)
	}

	// Never below the quantity already filled, never non-positive.
	var valErr *domain.ValidationError
	if err := m.Resize(30); !errors.As(err, &valErr) {
		t.Errorf("resize below filled: expected ValidationError, got %v", err)
	}
	if err := m.Resize(0); !errors.As(err, &valErr) {
		t.Errorf("resize to zero: expected ValidationError, got %v", err)
	}

	if err := m.CommitCancel("done"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := m.Resize(200); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("resize terminal: expected ErrInvalidTransition, got %v", err)
	}
}
