package position

import (
	"errors"
	"math"
	"testing"

	"meridian/internal/domain"
)

func TestPendingOpenUntilFirstFill(t *testing.T) {
	a := NewAggregator(nil)
	p := a.Create("sig-1", "AAPL", "NASDAQ", domain.SideBuy, "entry-1")
	if p.Status != domain.PositionPendingOpen {
		t.Fatalf("new position status: %s", p.Status)
	}

	got, err := a.OnEntryFill(&domain.Trade{OrderID: "entry-1", Quantity: 50, Price: 100})
	if err != nil {
		t.Fatalf("entry fill: %v", err)
	}
	if got.Status != domain.PositionActive {
		t.Errorf("after first fill: %s", got.Status)
	}
	if got.NetQty != 50 || got.AvgPrice != 100 {
		t.Errorf("state after fill: qty=%d avg=%v", got.NetQty, got.AvgPrice)
	}
	if got.HighWater != 100 {
		t.Errorf("high water not initialized: %v", got.HighWater)
	}
}

func TestEntryFillsWeightedAverage(t *testing.T) {
	a := NewAggregator(nil)
	a.Create("sig-1", "AAPL", "", domain.SideBuy, "entry-1")

	a.OnEntryFill(&domain.Trade{OrderID: "entry-1", Quantity: 40, Price: 100})
	got, err := a.OnEntryFill(&domain.Trade{OrderID: "entry-1", Quantity: 60, Price: 110})
	if err != nil {
		t.Fatalf("second fill: %v", err)
	}
	want := (100.0*40 + 110.0*60) / 100
	if math.Abs(got.AvgPrice-want) > 1e-9 {
		t.Errorf("avg price: got %v, want %v", got.AvgPrice, want)
	}
	if got.NetQty != 100 {
		t.Errorf("net qty: got %d", got.NetQty)
	}
}

func TestLongRoundTripRealizedPnL(t *testing.T) {
	a := NewAggregator(nil)
	p := a.Create("sig-1", "AAPL", "", domain.SideBuy, "entry-1")
	a.AttachProtective(p.ID, "stop-1", "target-1")
	a.OnEntryFill(&domain.Trade{OrderID: "entry-1", Quantity: 50, Price: 100})

	got, err := a.OnProtectiveFill(&domain.Trade{OrderID: "target-1", Quantity: 50, Price: 120}, domain.OrderRoleTarget)
	if err != nil {
		t.Fatalf("target fill: %v", err)
	}
	if got.Status != domain.PositionClosed {
		t.Fatalf("status: %s", got.Status)
	}
	if got.ClosedReason != domain.CloseReasonTargetHit {
		t.Errorf("close reason: %s", got.ClosedReason)
	}
	if got.RealizedPnL != 1000 {
		t.Errorf("realized pnl: got %v, want 1000", got.RealizedPnL)
	}
	if got.NetQty != 0 {
		t.Errorf("net qty after close: %d", got.NetQty)
	}
}

func TestShortRoundTripRealizedPnL(t *testing.T) {
	a := NewAggregator(nil)
	p := a.Create("sig-1", "TSLA", "", domain.SideSell, "entry-1")
	a.AttachProtective(p.ID, "stop-1", "target-1")
	a.OnEntryFill(&domain.Trade{OrderID: "entry-1", Quantity: 30, Price: 200})

	got, _ := a.Get(p.ID)
	if got.NetQty != -30 {
		t.Fatalf("short net qty: got %d, want -30", got.NetQty)
	}

	// Short covers lower: profit.
	closed, err := a.OnProtectiveFill(&domain.Trade{OrderID: "target-1", Quantity: 30, Price: 180}, domain.OrderRoleTarget)
	if err != nil {
		t.Fatalf("cover fill: %v", err)
	}
	if closed.RealizedPnL != 600 {
		t.Errorf("short realized pnl: got %v, want 600", closed.RealizedPnL)
	}
}

func TestPartialExitRealizesIncrementally(t *testing.T) {
	a := NewAggregator(nil)
	p := a.Create("sig-1", "AAPL", "", domain.SideBuy, "entry-1")
	a.AttachProtective(p.ID, "stop-1", "target-1")
	a.OnEntryFill(&domain.Trade{OrderID: "entry-1", Quantity: 100, Price: 50})

	mid, err := a.OnProtectiveFill(&domain.Trade{OrderID: "target-1", Quantity: 40, Price: 60}, domain.OrderRoleTarget)
	if err != nil {
		t.Fatalf("partial exit: %v", err)
	}
	if mid.Status != domain.PositionActive {
		t.Errorf("partially exited position should stay ACTIVE: %s", mid.Status)
	}
	if mid.RealizedPnL != 400 {
		t.Errorf("partial realized: got %v, want 400", mid.RealizedPnL)
	}

	// Identity: realized + unrealized at exit price equals total P&L.
	total := mid.RealizedPnL + mid.UnrealizedPnL(60)
	if math.Abs(total-1000) > 1e-9 {
		t.Errorf("pnl identity: got %v, want 1000", total)
	}

	final, _ := a.OnProtectiveFill(&domain.Trade{OrderID: "target-1", Quantity: 60, Price: 60}, domain.OrderRoleTarget)
	if final.Status != domain.PositionClosed || final.RealizedPnL != 1000 {
		t.Errorf("final: status=%s pnl=%v", final.Status, final.RealizedPnL)
	}
}

func TestStopFillClosesWithSLHit(t *testing.T) {
	a := NewAggregator(nil)
	p := a.Create("sig-1", "AAPL", "", domain.SideBuy, "entry-1")
	a.AttachProtective(p.ID, "stop-1", "target-1")
	a.OnEntryFill(&domain.Trade{OrderID: "entry-1", Quantity: 50, Price: 100})

	got, err := a.OnProtectiveFill(&domain.Trade{OrderID: "stop-1", Quantity: 50, Price: 80}, domain.OrderRoleStopLoss)
	if err != nil {
		t.Fatalf("stop fill: %v", err)
	}
	if got.ClosedReason != domain.CloseReasonSLHit {
		t.Errorf("close reason: %s", got.ClosedReason)
	}
	if got.RealizedPnL != -1000 {
		t.Errorf("gap loss: got %v, want -1000", got.RealizedPnL)
	}
}

func TestManualExitCloseReason(t *testing.T) {
	a := NewAggregator(nil)
	p := a.Create("sig-1", "AAPL", "", domain.SideBuy, "entry-1")
	a.OnEntryFill(&domain.Trade{OrderID: "entry-1", Quantity: 10, Price: 100})
	a.LinkOrder("exit-1", p.ID)

	got, err := a.OnManualExitFill(&domain.Trade{OrderID: "exit-1", Quantity: 10, Price: 105})
	if err != nil {
		t.Fatalf("manual exit: %v", err)
	}
	if got.ClosedReason != domain.CloseReasonManualExit {
		t.Errorf("close reason: %s", got.ClosedReason)
	}
}

func TestEntryRejectedDiscardsPendingPosition(t *testing.T) {
	a := NewAggregator(nil)
	p := a.Create("sig-1", "AAPL", "", domain.SideBuy, "entry-1")

	discarded := a.OnEntryRejected("entry-1")
	if discarded == nil || discarded.ID != p.ID {
		t.Fatal("pending position not discarded")
	}
	if _, ok := a.Get(p.ID); ok {
		t.Error("discarded position still visible")
	}
	if _, ok := a.BySignal("sig-1"); ok {
		t.Error("signal index not cleaned")
	}
}

func TestEntryRejectedAfterFillKeepsPosition(t *testing.T) {
	a := NewAggregator(nil)
	p := a.Create("sig-1", "AAPL", "", domain.SideBuy, "entry-1")
	a.OnEntryFill(&domain.Trade{OrderID: "entry-1", Quantity: 10, Price: 100})

	if discarded := a.OnEntryRejected("entry-1"); discarded != nil {
		t.Error("position with fills must survive a remainder rejection")
	}
	if _, ok := a.Get(p.ID); !ok {
		t.Error("position vanished")
	}
}

func TestQuarantineBlocksMutation(t *testing.T) {
	a := NewAggregator(nil)
	p := a.Create("sig-1", "AAPL", "", domain.SideBuy, "entry-1")
	a.OnEntryFill(&domain.Trade{OrderID: "entry-1", Quantity: 10, Price: 100})
	a.Quarantine(p.ID, "overfill detected")

	_, err := a.OnEntryFill(&domain.Trade{OrderID: "entry-1", Quantity: 5, Price: 100})
	if err != domain.ErrQuarantined {
		t.Errorf("expected ErrQuarantined, got %v", err)
	}
}

func TestExpireClosesWithoutPnL(t *testing.T) {
	a := NewAggregator(nil)
	p := a.Create("sig-1", "AAPL", "", domain.SideBuy, "entry-1")
	a.OnEntryFill(&domain.Trade{OrderID: "entry-1", Quantity: 10, Price: 100})

	if err := a.Expire(p.ID); err != nil {
		t.Fatalf("expire: %v", err)
	}
	got, _ := a.Get(p.ID)
	if got.Status != domain.PositionClosed || got.ClosedReason != domain.CloseReasonExpired {
		t.Errorf("expired: status=%s reason=%s", got.Status, got.ClosedReason)
	}
}

func TestHighWaterTracksFavorableExtreme(t *testing.T) {
	a := NewAggregator(nil)
	long := a.Create("sig-1", "AAPL", "", domain.SideBuy, "entry-1")
	a.OnEntryFill(&domain.Trade{OrderID: "entry-1", Quantity: 10, Price: 100})

	a.UpdateHighWater(long.ID, 110)
	a.UpdateHighWater(long.ID, 105) // lower sample must not regress
	got, _ := a.Get(long.ID)
	if got.HighWater != 110 {
		t.Errorf("long high water: got %v, want 110", got.HighWater)
	}

	short := a.Create("sig-2", "TSLA", "", domain.SideSell, "entry-2")
	a.OnEntryFill(&domain.Trade{OrderID: "entry-2", Quantity: 10, Price: 200})
	a.UpdateHighWater(short.ID, 190)
	a.UpdateHighWater(short.ID, 195)
	got, _ = a.Get(short.ID)
	if got.HighWater != 190 {
		t.Errorf("short high water: got %v, want 190", got.HighWater)
	}
}

func TestEntryFillOnClosedPositionRefused(t *testing.T) {
	a := NewAggregator(nil)
	p := a.Create("sig-1", "AAPL", "", domain.SideBuy, "entry-1")
	a.AttachProtective(p.ID, "stop-1", "")
	a.OnEntryFill(&domain.Trade{OrderID: "entry-1", Quantity: 25, Price: 100})
	if _, err := a.OnProtectiveFill(&domain.Trade{OrderID: "stop-1", Quantity: 25, Price: 90}, domain.OrderRoleStopLoss); err != nil {
		t.Fatalf("stop fill: %v", err)
	}

	// A late fill from the entry's unfilled remainder must not reopen or
	// mutate the closed position.
	_, err := a.OnEntryFill(&domain.Trade{OrderID: "entry-1", Quantity: 25, Price: 100})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	got, _ := a.Get(p.ID)
	if got.Status != domain.PositionClosed || got.NetQty != 0 {
		t.Errorf("closed position mutated: status=%s net=%d", got.Status, got.NetQty)
	}
}
