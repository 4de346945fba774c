package orders

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"equity-trading-engine/internal/broker"
	"equity-trading-engine/internal/events"
	"equity-trading-engine/internal/market"
)

type allowAllValidator struct{}

func (allowAllValidator) ValidatePlacement(ctx context.Context, order *Order) error { return nil }

type denyValidator struct{ reason string }

func (v denyValidator) ValidatePlacement(ctx context.Context, order *Order) error {
	return errors.New(v.reason)
}

func newRetryFixture(t *testing.T, validator PlacementValidator) (*RetryPolicy, *Manager, *broker.PaperGateway, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	gateway := broker.NewPaperGateway(100_000)
	manager := NewManager(store, gateway, events.NewEventBus(), zerolog.Nop())
	calendar, err := market.NewCalendar("America/New_York")
	if err != nil {
		t.Fatalf("NewCalendar: %v", err)
	}
	return NewRetryPolicy(manager, calendar, validator, zerolog.Nop()), manager, gateway, store
}

// failOrderAt creates a failed order with first_failed_at forced to the
// given moment
func failOrderAt(t *testing.T, manager *Manager, store *MemoryStore, symbol string, failedAt time.Time) *Order {
	t.Helper()
	ctx := context.Background()

	order, err := manager.Place(ctx, Intent{Symbol: symbol, Side: SideBuy, Quantity: 10, Price: floatPtr(50)})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if err := manager.MarkFailed(ctx, order.ID, "broker timeout"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	failed, _ := store.GetByID(ctx, order.ID)
	failed.FirstFailedAt = &failedAt
	if err := store.Update(ctx, failed); err != nil {
		t.Fatalf("Update: %v", err)
	}
	return failed
}

func nyTime(t *testing.T, year int, month time.Month, day, hour, min int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	return time.Date(year, month, day, hour, min, 0, 0, loc)
}

func TestListRetriableWithinWindow(t *testing.T) {
	policy, manager, _, store := newRetryFixture(t, allowAllValidator{})

	// Failed Monday 11:00; window runs to Tuesday 16:00.
	failedAt := nyTime(t, 2026, 8, 24, 11, 0)
	order := failOrderAt(t, manager, store, "ACME", failedAt)

	asOf := nyTime(t, 2026, 8, 25, 10, 0)
	retriable, err := policy.ListRetriable(context.Background(), asOf)
	if err != nil {
		t.Fatalf("ListRetriable: %v", err)
	}
	if len(retriable) != 1 || retriable[0].ID != order.ID {
		t.Fatalf("retriable = %v, want the failed order", retriable)
	}
}

func TestListRetriableExpiresStaleOrders(t *testing.T) {
	policy, manager, _, store := newRetryFixture(t, allowAllValidator{})
	ctx := context.Background()

	failedAt := nyTime(t, 2026, 8, 24, 11, 0)
	order := failOrderAt(t, manager, store, "ACME", failedAt)

	// Wednesday morning: past Tuesday's close.
	asOf := nyTime(t, 2026, 8, 26, 9, 0)
	retriable, err := policy.ListRetriable(ctx, asOf)
	if err != nil {
		t.Fatalf("ListRetriable: %v", err)
	}
	if len(retriable) != 0 {
		t.Fatalf("retriable = %v, want none", retriable)
	}

	// Expiry is a side effect of the listing call.
	expired, _ := store.GetByID(ctx, order.ID)
	if expired.Status != StatusCancelled {
		t.Errorf("status = %v, want cancelled", expired.Status)
	}
	if expired.Reason != "expired without retry" {
		t.Errorf("reason = %q, want %q", expired.Reason, "expired without retry")
	}
}

func TestSweepRetriesAndSucceeds(t *testing.T) {
	policy, manager, _, store := newRetryFixture(t, allowAllValidator{})
	ctx := context.Background()

	failedAt := nyTime(t, 2026, 8, 24, 11, 0)
	order := failOrderAt(t, manager, store, "ACME", failedAt)

	asOf := nyTime(t, 2026, 8, 24, 14, 0)
	if err := policy.Sweep(ctx, asOf); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	retried, _ := store.GetByID(ctx, order.ID)
	if retried.Status != StatusOngoing {
		t.Errorf("status = %v, want ongoing after successful retry", retried.Status)
	}
}

func TestSweepSkipsFailedValidation(t *testing.T) {
	policy, manager, _, store := newRetryFixture(t, denyValidator{reason: "insufficient balance"})
	ctx := context.Background()

	failedAt := nyTime(t, 2026, 8, 24, 11, 0)
	order := failOrderAt(t, manager, store, "ACME", failedAt)

	asOf := nyTime(t, 2026, 8, 24, 14, 0)
	if err := policy.Sweep(ctx, asOf); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	// Still failed, still eligible next sweep.
	kept, _ := store.GetByID(ctx, order.ID)
	if kept.Status != StatusFailed {
		t.Errorf("status = %v, want failed after skipped validation", kept.Status)
	}
}

func TestSweepLogsFreshRetryCount(t *testing.T) {
	store := NewMemoryStore()
	gateway := broker.NewPaperGateway(100_000)
	manager := NewManager(store, gateway, events.NewEventBus(), zerolog.Nop())
	calendar, err := market.NewCalendar("America/New_York")
	if err != nil {
		t.Fatalf("NewCalendar: %v", err)
	}
	var buf bytes.Buffer
	policy := NewRetryPolicy(manager, calendar, allowAllValidator{}, zerolog.New(&buf))
	ctx := context.Background()

	failedAt := nyTime(t, 2026, 8, 24, 11, 0)
	order := failOrderAt(t, manager, store, "ACME", failedAt)

	// The attempt fails again at the broker, bumping the stored count;
	// the sweep log must report the bumped value, not its stale snapshot.
	gateway.FailNext(broker.NewError(broker.KindTransient, "place", "gateway timeout"))
	if err := policy.Sweep(ctx, nyTime(t, 2026, 8, 24, 14, 0)); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	after, _ := store.GetByID(ctx, order.ID)
	want := fmt.Sprintf(`"retry_count":%d`, after.RetryCount)
	if !strings.Contains(buf.String(), want) {
		t.Errorf("log = %s, want %s from the stored row", buf.String(), want)
	}
}

func TestSweepSkipsRetryWhenSlotRetaken(t *testing.T) {
	policy, manager, _, store := newRetryFixture(t, allowAllValidator{})
	ctx := context.Background()

	failedAt := nyTime(t, 2026, 8, 24, 11, 0)
	stale := failOrderAt(t, manager, store, "ACME", failedAt)

	// A failed order does not hold the slot, so a fresh intent for the
	// same instrument+side can claim it before the next sweep.
	fresh, err := manager.Submit(ctx, Intent{Symbol: "ACME", Side: SideBuy, Quantity: 5, Price: floatPtr(48)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	asOf := nyTime(t, 2026, 8, 24, 14, 0)
	if err := policy.Sweep(ctx, asOf); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	kept, _ := store.GetByID(ctx, stale.ID)
	if kept.Status != StatusFailed {
		t.Errorf("stale order status = %v, want failed (retry loses to the fresh order)", kept.Status)
	}
	active, _ := store.GetByID(ctx, fresh.ID)
	if active.Status != StatusOngoing {
		t.Errorf("fresh order status = %v, want ongoing", active.Status)
	}
}

func TestSweepLeavesFailedOnBrokerError(t *testing.T) {
	policy, manager, gateway, store := newRetryFixture(t, allowAllValidator{})
	ctx := context.Background()

	failedAt := nyTime(t, 2026, 8, 24, 11, 0)
	order := failOrderAt(t, manager, store, "ACME", failedAt)
	before, _ := store.GetByID(ctx, order.ID)

	gateway.FailNext(broker.NewError(broker.KindTransient, "place", "gateway timeout"))

	asOf := nyTime(t, 2026, 8, 24, 14, 0)
	if err := policy.Sweep(ctx, asOf); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	after, _ := store.GetByID(ctx, order.ID)
	if after.Status != StatusFailed {
		t.Errorf("status = %v, want failed", after.Status)
	}
	if after.RetryCount != before.RetryCount+1 {
		t.Errorf("retry count = %d, want %d", after.RetryCount, before.RetryCount+1)
	}
	if !after.FirstFailedAt.Equal(*before.FirstFailedAt) {
		t.Error("failed retry must not reset the expiry clock")
	}
}
