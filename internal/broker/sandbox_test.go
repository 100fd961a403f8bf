package broker

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"meridian/internal/config"
	"meridian/internal/domain"
)

func sandboxConfig() config.SandboxConfig {
	open := true
	return config.SandboxConfig{
		FillMode:         "immediate",
		PartialFillRatio: 0.5,
		MarginPolicy:     "infinite",
		Seed:             1,
		MarketOpen:       &open,
	}
}

func marketOrder(id string, side domain.Side, qty int64) *domain.Order {
	return &domain.Order{
		ID: id, Symbol: "AAPL", Side: side, Type: domain.OrderTypeMarket,
		Product: domain.ProductMIS, Quantity: qty, Role: domain.OrderRoleEntry,
	}
}

func TestImmediateFillAtSamplePrice(t *testing.T) {
	sb := NewSandbox(sandboxConfig(), DefaultReasonTable(), 0, nil)
	ctx := context.Background()

	ack, err := sb.PlaceOrder(ctx, marketOrder("o1", domain.SideBuy, 100))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if ack.Status != domain.OrderStatusOpen {
		t.Fatalf("ack status: %s", ack.Status)
	}

	events := sb.Tick(domain.Quote{Symbol: "AAPL", Last: 101.5})
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Status != domain.OrderStatusComplete || ev.Fill == nil {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Fill.Price != 101.5 || ev.Fill.Quantity != 100 {
		t.Errorf("fill: %+v", ev.Fill)
	}
}

func TestDeterministicFillSequences(t *testing.T) {
	cfg := sandboxConfig()
	cfg.FillMode = "stochastic"
	cfg.PartialFillProbability = 0.7

	run := func() []domain.OrderEvent {
		sb := NewSandbox(cfg, DefaultReasonTable(), 0, nil)
		ctx := context.Background()
		sb.PlaceOrder(ctx, marketOrder("o1", domain.SideBuy, 100))
		sb.PlaceOrder(ctx, marketOrder("o2", domain.SideSell, 50))

		var events []domain.OrderEvent
		for _, price := range []float64{100, 100.5, 101, 101.5, 102} {
			events = append(events, sb.Tick(domain.Quote{Symbol: "AAPL", Last: price})...)
		}
		return events
	}

	first, second := run(), run()
	if !reflect.DeepEqual(first, second) {
		t.Error("identical seed and inputs produced different fill sequences")
	}
	if len(first) == 0 {
		t.Fatal("no events produced")
	}
}

func TestStopTriggerPendingThenGapFill(t *testing.T) {
	sb := NewSandbox(sandboxConfig(), DefaultReasonTable(), 0, nil)
	ctx := context.Background()

	stop := &domain.Order{
		ID: "stop-1", Symbol: "AAPL", Side: domain.SideSell,
		Type: domain.OrderTypeStopMarket, Product: domain.ProductMIS,
		Quantity: 50, TriggerPrice: 90, Role: domain.OrderRoleStopLoss,
	}
	if _, err := sb.PlaceOrder(ctx, stop); err != nil {
		t.Fatalf("place stop: %v", err)
	}

	// Above the trigger: the stop parks in TRIGGER_PENDING, no fill.
	events := sb.Tick(domain.Quote{Symbol: "AAPL", Last: 100})
	if len(events) != 1 || events[0].Status != domain.OrderStatusTriggerPending {
		t.Fatalf("expected TRIGGER_PENDING, got %+v", events)
	}

	// No event repetition while still uncrossed.
	if events = sb.Tick(domain.Quote{Symbol: "AAPL", Last: 99}); len(events) != 0 {
		t.Fatalf("uncrossed stop emitted events: %+v", events)
	}

	// Market gaps through the trigger: re-open then fill at the sample
	// price, not the trigger price.
	events = sb.Tick(domain.Quote{Symbol: "AAPL", Last: 80})
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (open, fill)", len(events))
	}
	if events[0].Status != domain.OrderStatusOpen {
		t.Errorf("first event: %+v", events[0])
	}
	if events[1].Fill == nil || events[1].Fill.Price != 80 {
		t.Errorf("gap fill should execute at 80: %+v", events[1].Fill)
	}
}

func TestLimitWaitsForPrice(t *testing.T) {
	sb := NewSandbox(sandboxConfig(), DefaultReasonTable(), 0, nil)
	ctx := context.Background()

	limit := &domain.Order{
		ID: "lim-1", Symbol: "AAPL", Side: domain.SideSell,
		Type: domain.OrderTypeLimit, Product: domain.ProductMIS,
		Quantity: 50, Price: 120, Role: domain.OrderRoleTarget,
	}
	sb.PlaceOrder(ctx, limit)

	if events := sb.Tick(domain.Quote{Symbol: "AAPL", Last: 119}); len(events) != 0 {
		t.Fatalf("limit filled below its price: %+v", events)
	}
	events := sb.Tick(domain.Quote{Symbol: "AAPL", Last: 121})
	if len(events) != 1 || events[0].Fill == nil || events[0].Fill.Price != 121 {
		t.Fatalf("sell limit at 120 should fill at 121: %+v", events)
	}
}

func TestRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("market closed", func(t *testing.T) {
		cfg := sandboxConfig()
		closed := false
		cfg.MarketOpen = &closed
		sb := NewSandbox(cfg, DefaultReasonTable(), 0, nil)
		_, err := sb.PlaceOrder(ctx, marketOrder("o1", domain.SideBuy, 10))
		assertRejection(t, err, domain.RejectMarketClosed)
	})

	t.Run("invalid symbol", func(t *testing.T) {
		sb := NewSandbox(sandboxConfig(), DefaultReasonTable(), 0, []string{"MSFT"})
		_, err := sb.PlaceOrder(ctx, marketOrder("o1", domain.SideBuy, 10))
		assertRejection(t, err, domain.RejectInvalidSymbol)
	})

	t.Run("quantity limit", func(t *testing.T) {
		sb := NewSandbox(sandboxConfig(), DefaultReasonTable(), 100, nil)
		_, err := sb.PlaceOrder(ctx, marketOrder("o1", domain.SideBuy, 101))
		assertRejection(t, err, domain.RejectQuantityLimit)
	})

	t.Run("insufficient margin", func(t *testing.T) {
		cfg := sandboxConfig()
		cfg.MarginPolicy = "fixed"
		cfg.MarginAmount = 1000
		sb := NewSandbox(cfg, DefaultReasonTable(), 0, nil)
		sb.Tick(domain.Quote{Symbol: "AAPL", Last: 100}) // seed a price

		_, err := sb.PlaceOrder(ctx, marketOrder("o1", domain.SideBuy, 11)) // 1100 notional
		assertRejection(t, err, domain.RejectInsufficientMargin)

		if _, err := sb.PlaceOrder(ctx, marketOrder("o2", domain.SideBuy, 10)); err != nil {
			t.Errorf("1000 notional within margin rejected: %v", err)
		}
	})
}

func assertRejection(t *testing.T, err error, code domain.RejectCode) {
	t.Helper()
	var rej *domain.BrokerRejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected BrokerRejection, got %v", err)
	}
	if rej.Code != code {
		t.Errorf("code: got %s, want %s", rej.Code, code)
	}
	if rej.Reason == "" || rej.Reason == string(code) {
		t.Errorf("reason should be a friendly message, got %q", rej.Reason)
	}
}

func TestCancelDeliveredNextTick(t *testing.T) {
	sb := NewSandbox(sandboxConfig(), DefaultReasonTable(), 0, nil)
	ctx := context.Background()

	limit := &domain.Order{
		ID: "lim-1", Symbol: "AAPL", Side: domain.SideBuy,
		Type: domain.OrderTypeLimit, Product: domain.ProductMIS,
		Quantity: 10, Price: 90, Role: domain.OrderRoleEntry,
	}
	sb.PlaceOrder(ctx, limit)

	if err := sb.CancelOrder(ctx, "lim-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// Idempotent: cancelling a terminal order is a silent no-op.
	if err := sb.CancelOrder(ctx, "lim-1"); err != nil {
		t.Errorf("repeat cancel: %v", err)
	}

	events := sb.Tick(domain.Quote{Symbol: "AAPL", Last: 100})
	if len(events) != 1 || events[0].Status != domain.OrderStatusCancelled {
		t.Fatalf("expected CANCELLED event, got %+v", events)
	}
}

func TestPartialFillsInStochasticMode(t *testing.T) {
	cfg := sandboxConfig()
	cfg.FillMode = "stochastic"
	cfg.PartialFillProbability = 1.0 // force partials
	cfg.PartialFillRatio = 0.5
	sb := NewSandbox(cfg, DefaultReasonTable(), 0, nil)
	ctx := context.Background()

	sb.PlaceOrder(ctx, marketOrder("o1", domain.SideBuy, 100))

	events := sb.Tick(domain.Quote{Symbol: "AAPL", Last: 100})
	if len(events) != 1 || events[0].Fill == nil {
		t.Fatalf("first tick: %+v", events)
	}
	if events[0].Fill.Quantity != 50 {
		t.Errorf("partial quantity: got %d, want 50", events[0].Fill.Quantity)
	}
	if events[0].Status == domain.OrderStatusComplete {
		t.Error("partially filled order reported COMPLETE")
	}

	// Remaining quantity keeps filling on later ticks until complete.
	var total int64 = events[0].Fill.Quantity
	for i := 0; i < 20 && total < 100; i++ {
		for _, ev := range sb.Tick(domain.Quote{Symbol: "AAPL", Last: 100}) {
			if ev.Fill != nil {
				total += ev.Fill.Quantity
			}
		}
	}
	if total != 100 {
		t.Errorf("cumulative fills: got %d, want 100", total)
	}
}

func TestEventSequencesPerOrderIncrease(t *testing.T) {
	sb := NewSandbox(sandboxConfig(), DefaultReasonTable(), 0, nil)
	ctx := context.Background()

	stop := &domain.Order{
		ID: "stop-1", Symbol: "AAPL", Side: domain.SideSell,
		Type: domain.OrderTypeStopMarket, Product: domain.ProductMIS,
		Quantity: 10, TriggerPrice: 90, Role: domain.OrderRoleStopLoss,
	}
	sb.PlaceOrder(ctx, stop)

	var events []domain.OrderEvent
	for _, price := range []float64{100, 85} {
		events = append(events, sb.Tick(domain.Quote{Symbol: "AAPL", Last: price})...)
	}
	var last uint64
	for _, ev := range events {
		if ev.Seq <= last {
			t.Errorf("sequence not increasing: %d after %d", ev.Seq, last)
		}
		last = ev.Seq
	}
}
