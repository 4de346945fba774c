package orders

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"equity-trading-engine/internal/broker"
	"equity-trading-engine/internal/events"
)

func newTestManager(t *testing.T) (*Manager, *broker.PaperGateway, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	gateway := broker.NewPaperGateway(100_000)
	manager := NewManager(store, gateway, events.NewEventBus(), zerolog.Nop())
	return manager, gateway, store
}

func floatPtr(v float64) *float64 { return &v }

func TestPlaceCreatesPending(t *testing.T) {
	manager, _, _ := newTestManager(t)

	order, err := manager.Place(context.Background(), Intent{
		Symbol: "ACME", Side: SideBuy, Quantity: 10, Price: floatPtr(50),
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if order.Status != StatusPending {
		t.Errorf("status = %v, want pending", order.Status)
	}
	if order.ID == "" {
		t.Error("expected generated order id")
	}
	if order.BrokerOrderID != "" {
		t.Error("broker id must be empty before acknowledgement")
	}
}

func TestPlaceRejectsInvalidIntent(t *testing.T) {
	manager, _, _ := newTestManager(t)

	tests := []struct {
		name   string
		intent Intent
	}{
		{"empty symbol", Intent{Side: SideBuy, Quantity: 1}},
		{"zero quantity", Intent{Symbol: "ACME", Side: SideBuy}},
		{"negative quantity", Intent{Symbol: "ACME", Side: SideBuy, Quantity: -5}},
		{"bad side", Intent{Symbol: "ACME", Side: "hold", Quantity: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := manager.Place(context.Background(), tt.intent); !errors.Is(err, ErrInvalidIntent) {
				t.Errorf("Place(%+v) err = %v, want ErrInvalidIntent", tt.intent, err)
			}
		})
	}
}

func TestPlaceDuplicateIntent(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := manager.Place(ctx, Intent{Symbol: "ACME", Side: SideBuy, Quantity: 10, Price: floatPtr(50)}); err != nil {
		t.Fatalf("first Place: %v", err)
	}

	_, err := manager.Place(ctx, Intent{Symbol: "ACME", Side: SideBuy, Quantity: 5, Price: floatPtr(49)})
	if !errors.Is(err, ErrDuplicateIntent) {
		t.Fatalf("second Place err = %v, want ErrDuplicateIntent", err)
	}

	// The opposite side is a different slot.
	if _, err := manager.Place(ctx, Intent{Symbol: "ACME", Side: SideSell, Quantity: 10, Price: floatPtr(55)}); err != nil {
		t.Errorf("sell side Place: %v", err)
	}
}

func TestSubmitAcknowledges(t *testing.T) {
	manager, _, store := newTestManager(t)

	order, err := manager.Submit(context.Background(), Intent{
		Symbol: "ACME", Side: SideBuy, Quantity: 10, Price: floatPtr(50),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got, err := store.GetByID(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != StatusOngoing {
		t.Errorf("status = %v, want ongoing", got.Status)
	}
	if got.BrokerOrderID == "" {
		t.Error("expected broker id after acknowledgement")
	}
}

func TestSubmitBrokerRejection(t *testing.T) {
	manager, gateway, store := newTestManager(t)
	gateway.FailNext(broker.NewError(broker.KindRejected, "place", "symbol halted"))

	order, err := manager.Submit(context.Background(), Intent{
		Symbol: "ACME", Side: SideBuy, Quantity: 10, Price: floatPtr(50),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got, _ := store.GetByID(context.Background(), order.ID)
	if got.Status != StatusFailed {
		t.Errorf("status = %v, want failed", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", got.RetryCount)
	}
	if got.FirstFailedAt == nil {
		t.Error("expected first_failed_at to be stamped")
	}
}

func TestMarkFailedStampsFirstFailureOnce(t *testing.T) {
	manager, _, store := newTestManager(t)
	ctx := context.Background()

	order, _ := manager.Place(ctx, Intent{Symbol: "ACME", Side: SideBuy, Quantity: 10, Price: floatPtr(50)})

	if err := manager.MarkFailed(ctx, order.ID, "first"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	first, _ := store.GetByID(ctx, order.ID)
	stamp := *first.FirstFailedAt

	time.Sleep(5 * time.Millisecond)
	if err := manager.MarkFailed(ctx, order.ID, "second"); err != nil {
		t.Fatalf("MarkFailed again: %v", err)
	}

	second, _ := store.GetByID(ctx, order.ID)
	if !second.FirstFailedAt.Equal(stamp) {
		t.Error("second failure must not reset the expiry clock")
	}
	if second.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", second.RetryCount)
	}
}

func TestMarkExecutedFromTerminalFails(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	order, _ := manager.Place(ctx, Intent{Symbol: "ACME", Side: SideBuy, Quantity: 10, Price: floatPtr(50)})
	if err := manager.MarkCancelled(ctx, order.ID, "test"); err != nil {
		t.Fatalf("MarkCancelled: %v", err)
	}

	err := manager.MarkExecuted(ctx, order.ID, 50, time.Now())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("MarkExecuted after cancel err = %v, want ErrInvalidTransition", err)
	}
}

func TestRetryAttemptReusesRow(t *testing.T) {
	manager, gateway, store := newTestManager(t)
	ctx := context.Background()

	gateway.FailNext(broker.NewError(broker.KindTransient, "place", "timeout"))
	order, err := manager.Submit(ctx, Intent{Symbol: "ACME", Side: SideBuy, Quantity: 10, Price: floatPtr(50)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	failed, _ := store.GetByID(ctx, order.ID)
	if failed.Status != StatusFailed {
		t.Fatalf("status = %v, want failed", failed.Status)
	}
	firstFailedAt := *failed.FirstFailedAt

	if err := manager.RetryAttempt(ctx, order.ID); err != nil {
		t.Fatalf("RetryAttempt: %v", err)
	}

	retried, _ := store.GetByID(ctx, order.ID)
	if retried.Status != StatusOngoing {
		t.Errorf("status after retry = %v, want ongoing", retried.Status)
	}
	if !retried.FirstFailedAt.Equal(firstFailedAt) {
		t.Error("retry must preserve first_failed_at")
	}
	if store.Count() != 1 {
		t.Errorf("store rows = %d, retry must reuse the same row", store.Count())
	}
}

// stallingStore delays one armed FindActive result until released, to
// force a specific interleaving between a retry re-open and a fresh
// placement racing for the same slot.
type stallingStore struct {
	Store
	armed   atomic.Bool
	stalled chan struct{}
	release chan struct{}
}

func newStallingStore(inner Store) *stallingStore {
	return &stallingStore{
		Store:   inner,
		stalled: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *stallingStore) FindActive(ctx context.Context, symbol string, side Side) (*Order, error) {
	order, err := s.Store.FindActive(ctx, symbol, side)
	if s.armed.CompareAndSwap(true, false) {
		close(s.stalled)
		<-s.release
	}
	return order, err
}

func TestRetryHoldsSlotAgainstConcurrentPlacement(t *testing.T) {
	inner := NewMemoryStore()
	store := newStallingStore(inner)
	gateway := broker.NewPaperGateway(100_000)
	manager := NewManager(store, gateway, events.NewEventBus(), zerolog.Nop())
	ctx := context.Background()

	order, err := manager.Place(ctx, Intent{Symbol: "ACME", Side: SideBuy, Quantity: 10, Price: floatPtr(50)})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if err := manager.MarkFailed(ctx, order.ID, "broker timeout"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	// Stall the retry after it has computed "slot free" and launch a
	// fresh placement for the same slot while it is stalled.
	store.armed.Store(true)

	retryErr := make(chan error, 1)
	go func() { retryErr <- manager.RetryAttempt(ctx, order.ID) }()
	<-store.stalled

	placeErr := make(chan error, 1)
	go func() {
		_, err := manager.Submit(ctx, Intent{Symbol: "ACME", Side: SideBuy, Quantity: 5, Price: floatPtr(49)})
		placeErr <- err
	}()
	time.Sleep(10 * time.Millisecond)
	close(store.release)

	if err := <-retryErr; err != nil {
		t.Fatalf("RetryAttempt: %v", err)
	}
	if err := <-placeErr; !errors.Is(err, ErrDuplicateIntent) {
		t.Fatalf("concurrent Submit err = %v, want ErrDuplicateIntent", err)
	}

	active, err := inner.ListByStatus(ctx, StatusPending, StatusOngoing)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active orders = %d, want exactly 1", len(active))
	}
	if active[0].ID != order.ID {
		t.Errorf("active order = %s, want the retried order %s", active[0].ID, order.ID)
	}
}

func TestConcurrentRetryAndPlacementKeepOneActiveBuy(t *testing.T) {
	manager, _, store := newTestManager(t)
	ctx := context.Background()

	for round := 0; round < 40; round++ {
		order, err := manager.Place(ctx, Intent{Symbol: "ACME", Side: SideBuy, Quantity: 10, Price: floatPtr(50)})
		if err != nil {
			t.Fatalf("round %d Place: %v", round, err)
		}
		if err := manager.MarkFailed(ctx, order.ID, "broker timeout"); err != nil {
			t.Fatalf("round %d MarkFailed: %v", round, err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = manager.RetryAttempt(ctx, order.ID)
		}()
		go func() {
			defer wg.Done()
			_, _ = manager.Submit(ctx, Intent{Symbol: "ACME", Side: SideBuy, Quantity: 5, Price: floatPtr(49)})
		}()
		wg.Wait()

		active, err := store.ListByStatus(ctx, StatusPending, StatusOngoing)
		if err != nil {
			t.Fatalf("round %d ListByStatus: %v", round, err)
		}
		buys := 0
		for _, o := range active {
			if o.Symbol == "ACME" && o.Side == SideBuy {
				buys++
			}
		}
		if buys > 1 {
			t.Fatalf("round %d: %d active buy orders for ACME", round, buys)
		}

		// Drain for the next round; the loser may still sit failed.
		for _, o := range active {
			if err := manager.MarkCancelled(ctx, o.ID, "round reset"); err != nil {
				t.Fatalf("round %d reset active: %v", round, err)
			}
		}
		failed, _ := store.ListByStatus(ctx, StatusFailed)
		for _, o := range failed {
			if err := manager.MarkCancelled(ctx, o.ID, "round reset"); err != nil {
				t.Fatalf("round %d reset failed: %v", round, err)
			}
		}
	}
}

func TestRebindSwitchesBrokerID(t *testing.T) {
	manager, _, store := newTestManager(t)
	ctx := context.Background()

	order, err := manager.Submit(ctx, Intent{Symbol: "ACME", Side: SideSell, Quantity: 10, Price: floatPtr(55)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	acked, _ := store.GetByID(ctx, order.ID)
	oldBrokerID := acked.BrokerOrderID

	if err := manager.Rebind(ctx, order.ID, "SIM-999999", 53); err != nil {
		t.Fatalf("Rebind: %v", err)
	}

	rebound, _ := store.GetByID(ctx, order.ID)
	if rebound.BrokerOrderID != "SIM-999999" {
		t.Errorf("broker id = %s, want SIM-999999", rebound.BrokerOrderID)
	}
	if *rebound.Price != 53 {
		t.Errorf("price = %v, want 53", *rebound.Price)
	}

	// The old broker id mapping must be gone, the new one queryable.
	if _, err := store.GetByBrokerID(ctx, oldBrokerID); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("old broker id lookup err = %v, want ErrOrderNotFound", err)
	}
	byNew, err := store.GetByBrokerID(ctx, "SIM-999999")
	if err != nil || byNew.ID != order.ID {
		t.Errorf("new broker id lookup = (%v, %v), want original order", byNew, err)
	}
}

func TestCreateShadowIdempotent(t *testing.T) {
	manager, _, store := newTestManager(t)
	ctx := context.Background()

	state := broker.OrderState{
		BrokerOrderID: "EXT-000123",
		Symbol:        "ACME",
		Side:          broker.SideSell,
		Quantity:      25,
		Price:         61.5,
		Status:        "OPEN",
	}

	first, err := manager.CreateShadow(ctx, state)
	if err != nil {
		t.Fatalf("CreateShadow: %v", err)
	}
	if first.Status != StatusOngoing {
		t.Errorf("shadow status = %v, want ongoing", first.Status)
	}
	if first.Side != SideSell {
		t.Errorf("shadow side = %v, want sell", first.Side)
	}

	second, err := manager.CreateShadow(ctx, state)
	if err != nil {
		t.Fatalf("CreateShadow again: %v", err)
	}
	if second.ID != first.ID {
		t.Error("repeated CreateShadow must return the existing record")
	}
	if store.Count() != 1 {
		t.Errorf("store rows = %d, want 1", store.Count())
	}
}

func TestCreateShadowToleratesOccupiedSlot(t *testing.T) {
	manager, _, store := newTestManager(t)
	ctx := context.Background()

	engineOrder, err := manager.Submit(ctx, Intent{Symbol: "ACME", Side: SideBuy, Quantity: 10, Price: floatPtr(50)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Manual trading can hold the same slot the engine tracks; adopting
	// it must not trip the duplicate check.
	shadow, err := manager.CreateShadow(ctx, broker.OrderState{
		BrokerOrderID: "EXT-000777",
		Symbol:        "ACME",
		Side:          broker.SideBuy,
		Quantity:      5,
		Price:         49,
		Status:        "OPEN",
	})
	if err != nil {
		t.Fatalf("CreateShadow with occupied slot: %v", err)
	}
	if !shadow.Shadow {
		t.Error("adopted order must carry the shadow marker")
	}

	// The slot still belongs to the engine's own order.
	held, err := store.FindActive(ctx, "ACME", SideBuy)
	if err != nil {
		t.Fatalf("FindActive: %v", err)
	}
	if held == nil || held.ID != engineOrder.ID {
		t.Errorf("FindActive = %v, want engine order %s", held, engineOrder.ID)
	}
}

func TestShadowDoesNotHoldSlot(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := manager.CreateShadow(ctx, broker.OrderState{
		BrokerOrderID: "EXT-000555",
		Symbol:        "ACME",
		Side:          broker.SideBuy,
		Quantity:      5,
		Price:         49,
		Status:        "OPEN",
	}); err != nil {
		t.Fatalf("CreateShadow: %v", err)
	}

	// An open manual order on the symbol must not freeze engine
	// placement.
	if _, err := manager.Place(ctx, Intent{Symbol: "ACME", Side: SideBuy, Quantity: 10, Price: floatPtr(50)}); err != nil {
		t.Fatalf("Place with shadow on slot: %v", err)
	}
}

type rejectAllValidator struct{}

func (rejectAllValidator) ValidatePlacement(ctx context.Context, order *Order) error {
	return errors.New("portfolio at capacity")
}

func TestPlaceRunsValidator(t *testing.T) {
	manager, _, store := newTestManager(t)
	manager.SetValidator(rejectAllValidator{})

	_, err := manager.Place(context.Background(), Intent{Symbol: "ACME", Side: SideBuy, Quantity: 10, Price: floatPtr(50)})
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if store.Count() != 0 {
		t.Error("rejected placement must not write to the store")
	}
}
