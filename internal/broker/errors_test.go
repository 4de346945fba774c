package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		kind     Kind
		systemic bool
	}{
		{"transient", NewError(KindTransient, "status", "gateway timeout"), KindTransient, false},
		{"auth", NewError(KindAuth, "place", "session expired"), KindAuth, true},
		{"rejected", NewError(KindRejected, "place", "margin shortfall"), KindRejected, false},
		{"rate limited", NewError(KindRateLimited, "status", "too many requests"), KindRateLimited, true},
		{"unclassified defaults to transient", errors.New("connection reset"), KindTransient, false},
		{"wrapped keeps kind", fmt.Errorf("cycle: %w", NewError(KindAuth, "status", "token revoked")), KindAuth, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.kind {
				t.Errorf("KindOf() = %v, want %v", got, tt.kind)
			}
			if got := IsSystemic(tt.err); got != tt.systemic {
				t.Errorf("IsSystemic() = %v, want %v", got, tt.systemic)
			}
		})
	}
}

func TestReason(t *testing.T) {
	if got := Reason(NewError(KindRejected, "place", "margin shortfall")); got != "margin shortfall" {
		t.Errorf("Reason() = %q, want broker message", got)
	}
	plain := errors.New("connection reset")
	if got := Reason(plain); got != "connection reset" {
		t.Errorf("Reason() = %q, want error text fallback", got)
	}
	if got := Reason(nil); got != "" {
		t.Errorf("Reason(nil) = %q, want empty", got)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("tls handshake failed")
	err := WrapError(KindTransient, "status", cause)
	if !errors.Is(err, cause) {
		t.Error("wrapped cause must be reachable via errors.Is")
	}
}

func TestRequestGateMinInterval(t *testing.T) {
	gate := NewRequestGate(100*time.Millisecond, 0)
	clock := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	gate.now = func() time.Time { return clock }

	if ok, _ := gate.TryAcquire(); !ok {
		t.Fatal("first acquire must pass")
	}
	ok, wait := gate.TryAcquire()
	if ok {
		t.Fatal("second immediate acquire must be denied")
	}
	if wait != 100*time.Millisecond {
		t.Errorf("suggested wait = %v, want 100ms", wait)
	}

	clock = clock.Add(100 * time.Millisecond)
	if ok, _ := gate.TryAcquire(); !ok {
		t.Error("acquire after the interval must pass")
	}
}

func TestRequestGateBudget(t *testing.T) {
	gate := NewRequestGate(0, 3)
	clock := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	gate.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		if ok, _ := gate.TryAcquire(); !ok {
			t.Fatalf("acquire %d within budget must pass", i+1)
		}
	}
	ok, wait := gate.TryAcquire()
	if ok {
		t.Fatal("acquire over budget must be denied")
	}
	if wait <= 0 || wait > time.Minute {
		t.Errorf("suggested wait = %v, want within the current window", wait)
	}

	used, budget := gate.Usage()
	if used != 3 || budget != 3 {
		t.Errorf("Usage() = %d/%d, want 3/3", used, budget)
	}

	// Budget resets after the window.
	clock = clock.Add(61 * time.Second)
	if ok, _ := gate.TryAcquire(); !ok {
		t.Error("acquire in a fresh window must pass")
	}
}

func TestRequestGateWaitRespectsContext(t *testing.T) {
	gate := NewRequestGate(time.Hour, 0)
	if err := gate.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := gate.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() = %v, want deadline exceeded", err)
	}
}

func TestPaperGatewayMarketOrderFills(t *testing.T) {
	gw := NewPaperGateway(10000)
	gw.SetPrice("RELIANCE", 100)
	ctx := context.Background()

	id, err := gw.Place(ctx, OrderRequest{Symbol: "RELIANCE", Side: "BUY", Quantity: 10})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	state, err := gw.QueryStatus(ctx, id)
	if err != nil {
		t.Fatalf("QueryStatus: %v", err)
	}
	if state.Status != StatusComplete || state.FilledPrice != 100 {
		t.Errorf("state = %s @ %v, want COMPLETE @ 100", state.Status, state.FilledPrice)
	}

	funds, _ := gw.AvailableFunds(ctx)
	if funds != 9000 {
		t.Errorf("funds = %v, want 9000 after the fill", funds)
	}
	holdings, _ := gw.QueryHoldings(ctx)
	if len(holdings) != 1 || holdings[0].Quantity != 10 || holdings[0].AvgCost != 100 {
		t.Errorf("holdings = %+v, want 10 @ 100", holdings)
	}
}

func TestPaperGatewayMarketOrderNeedsPrice(t *testing.T) {
	gw := NewPaperGateway(10000)
	_, err := gw.Place(context.Background(), OrderRequest{Symbol: "UNKNOWN", Side: "BUY", Quantity: 1})
	if !IsRejected(err) {
		t.Errorf("Place without a price = %v, want rejection", err)
	}
}
