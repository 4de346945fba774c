package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"equity-trading-engine/internal/broker"
	"equity-trading-engine/internal/events"
	"equity-trading-engine/internal/metrics"
)

// Manager is the order state machine. It owns every status transition,
// writes each mutation to the store, and emits one domain event per
// transition. The mutex serializes transitions against the store; broker
// calls are never made while it is held.
type Manager struct {
	mu sync.Mutex

	store     Store
	gateway   broker.Gateway
	bus       *events.EventBus
	validator PlacementValidator
	logger    zerolog.Logger
}

// NewManager creates the order state machine
func NewManager(store Store, gateway broker.Gateway, bus *events.EventBus, logger zerolog.Logger) *Manager {
	return &Manager{
		store:   store,
		gateway: gateway,
		bus:     bus,
		logger:  logger.With().Str("component", "OrderManager").Logger(),
	}
}

// Store exposes the underlying store for read paths
func (m *Manager) Store() Store {
	return m.store
}

// SetValidator installs the placement validator. Set after construction
// because the validator reads positions back through this manager.
func (m *Manager) SetValidator(v PlacementValidator) {
	m.validator = v
}

func (m *Manager) publish(eventType events.EventType, o *Order) {
	if m.bus == nil {
		return
	}
	m.bus.PublishOrderEvent(eventType, o.ID, o.Symbol, string(o.Side), string(o.Status), o.Reason)
}

// Place creates a pending order for the intent. It fails with
// ErrDuplicateIntent when an active order already occupies the
// instrument+side slot; the check and the insert are atomic.
func (m *Manager) Place(ctx context.Context, intent Intent) (*Order, error) {
	if intent.Symbol == "" || intent.Quantity <= 0 {
		return nil, fmt.Errorf("%w: symbol=%q qty=%v", ErrInvalidIntent, intent.Symbol, intent.Quantity)
	}
	if intent.Side != SideBuy && intent.Side != SideSell {
		return nil, fmt.Errorf("%w: side=%q", ErrInvalidIntent, intent.Side)
	}

	// Validation may call the broker for balances, so it runs before
	// the transition lock is taken.
	if m.validator != nil {
		probe := &Order{
			Symbol:   intent.Symbol,
			Side:     intent.Side,
			Quantity: intent.Quantity,
			Price:    intent.Price,
			Status:   StatusPending,
		}
		if err := m.validator.ValidatePlacement(ctx, probe); err != nil {
			return nil, fmt.Errorf("placement rejected: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.store.FindActive(ctx, intent.Symbol, intent.Side)
	if err != nil {
		return nil, fmt.Errorf("duplicate check: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s %s held by order %s", ErrDuplicateIntent, intent.Symbol, intent.Side, existing.ID)
	}

	now := time.Now()
	order := &Order{
		ID:        uuid.NewString(),
		Symbol:    intent.Symbol,
		Side:      intent.Side,
		Quantity:  intent.Quantity,
		Price:     intent.Price,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	m.logger.Info().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Float64("quantity", order.Quantity).
		Msg("Order intent created")

	m.publish(events.EventOrderCreated, order)
	return order, nil
}

// Submit places the intent locally and attempts the broker call. This is
// the single placement path used by fresh entries, re-entry, and exits.
func (m *Manager) Submit(ctx context.Context, intent Intent) (*Order, error) {
	order, err := m.Place(ctx, intent)
	if err != nil {
		return nil, err
	}
	return order, m.attempt(ctx, order)
}

// attempt performs the broker placement for an existing pending order.
// The gateway call happens outside the manager lock.
func (m *Manager) attempt(ctx context.Context, order *Order) error {
	brokerID, err := m.gateway.Place(ctx, broker.OrderRequest{
		Symbol:   order.Symbol,
		Side:     order.Side.BrokerSide(),
		Quantity: order.Quantity,
		Price:    order.Price,
	})
	if err != nil {
		if broker.IsRejected(err) {
			return m.MarkRejected(ctx, order.ID, broker.Reason(err))
		}
		return m.MarkFailed(ctx, order.ID, broker.Reason(err))
	}
	return m.Acknowledge(ctx, order.ID, brokerID)
}

// transition loads, validates, mutates, and persists one order under the lock
func (m *Manager) transition(ctx context.Context, id string, allowed func(Status) bool, mutate func(*Order)) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if allowed != nil && !allowed(order.Status) {
		return nil, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, id, order.Status)
	}

	mutate(order)
	order.UpdatedAt = time.Now()

	if err := m.store.Update(ctx, order); err != nil {
		return nil, fmt.Errorf("update order %s: %w", id, err)
	}
	return order, nil
}

// Acknowledge records the broker id and moves pending -> ongoing
func (m *Manager) Acknowledge(ctx context.Context, id, brokerOrderID string) error {
	order, err := m.transition(ctx, id,
		func(s Status) bool { return s == StatusPending },
		func(o *Order) {
			o.BrokerOrderID = brokerOrderID
			o.Status = StatusOngoing
			o.Reason = "acknowledged by broker"
		})
	if err != nil {
		return err
	}

	m.logger.Info().
		Str("order_id", order.ID).
		Str("broker_order_id", brokerOrderID).
		Msg("Order acknowledged")
	return nil
}

// Rebind points an active order at a replacement broker order, used
// when a modify falls back to cancel-and-replace. The local id and
// history stay intact; only the broker mapping and price move.
func (m *Manager) Rebind(ctx context.Context, id, brokerOrderID string, price float64) error {
	order, err := m.transition(ctx, id,
		func(s Status) bool { return s.Active() },
		func(o *Order) {
			o.BrokerOrderID = brokerOrderID
			o.Price = &price
			o.Status = StatusOngoing
			o.Reason = "replaced at broker"
		})
	if err != nil {
		return err
	}

	m.logger.Info().
		Str("order_id", order.ID).
		Str("broker_order_id", brokerOrderID).
		Float64("price", price).
		Msg("Order rebound to replacement")
	return nil
}

// MarkExecuted moves pending/ongoing -> closed, stamping the fill price
func (m *Manager) MarkExecuted(ctx context.Context, id string, price float64, at time.Time) error {
	order, err := m.transition(ctx, id,
		func(s Status) bool { return s.Active() },
		func(o *Order) {
			o.Status = StatusClosed
			o.Reason = fmt.Sprintf("filled at %.2f", price)
			o.FilledPrice = price
			filledAt := at
			o.FilledAt = &filledAt
		})
	if err != nil {
		return err
	}

	m.logger.Info().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Float64("price", price).
		Msg("Order executed")

	m.publish(events.EventOrderExecuted, order)
	metrics.Orders.WithLabelValues(string(order.Side), string(StatusClosed)).Inc()
	return nil
}

// MarkFailed transitions to failed, incrementing the retry count. The
// expiry clock starts on the first failure only; later failures never
// reset it.
func (m *Manager) MarkFailed(ctx context.Context, id, reason string) error {
	order, err := m.transition(ctx, id,
		func(s Status) bool { return s.Active() || s == StatusFailed },
		func(o *Order) {
			o.Status = StatusFailed
			o.Reason = reason
			o.RetryCount++
			if o.FirstFailedAt == nil {
				now := time.Now()
				o.FirstFailedAt = &now
			}
		})
	if err != nil {
		return err
	}

	m.logger.Warn().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("reason", reason).
		Int("retry_count", order.RetryCount).
		Msg("Order failed")

	m.publish(events.EventOrderFailed, order)
	metrics.Orders.WithLabelValues(string(order.Side), string(StatusFailed)).Inc()
	return nil
}

// MarkRejected records a broker rejection. Rejection and generic failure
// share one status to simplify downstream logic.
func (m *Manager) MarkRejected(ctx context.Context, id, brokerReason string) error {
	return m.MarkFailed(ctx, id, "rejected by broker: "+brokerReason)
}

// MarkCancelled is terminal and unconditional
func (m *Manager) MarkCancelled(ctx context.Context, id, reason string) error {
	order, err := m.transition(ctx, id, nil, func(o *Order) {
		o.Status = StatusCancelled
		o.Reason = reason
	})
	if err != nil {
		return err
	}

	m.logger.Info().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("reason", reason).
		Msg("Order cancelled")

	m.publish(events.EventOrderCancelled, order)
	metrics.Orders.WithLabelValues(string(order.Side), string(StatusCancelled)).Inc()
	return nil
}

// MarkRetrying re-opens a failed order to pending. FirstFailedAt is
// preserved so the expiry window keeps running. A fresh intent may have
// claimed the instrument+side slot while the order sat failed; the
// stale retry loses with ErrDuplicateIntent.
func (m *Manager) MarkRetrying(ctx context.Context, id string) error {
	order, err := m.reopenFailed(ctx, id)
	if err != nil {
		return err
	}

	m.publish(events.EventOrderRetried, order)
	metrics.OrderRetries.Inc()
	return nil
}

// reopenFailed performs the failed -> pending transition. The slot
// check and the write happen under the same lock Place holds across its
// check+insert, so a concurrent fresh placement cannot interleave
// between them.
func (m *Manager) reopenFailed(ctx context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.Status != StatusFailed {
		return nil, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, id, order.Status)
	}

	existing, err := m.store.FindActive(ctx, order.Symbol, order.Side)
	if err != nil {
		return nil, fmt.Errorf("duplicate check: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s %s held by order %s", ErrDuplicateIntent, order.Symbol, order.Side, existing.ID)
	}

	order.Status = StatusPending
	order.Reason = fmt.Sprintf("retry attempt %d", order.RetryCount)
	order.UpdatedAt = time.Now()
	if err := m.store.Update(ctx, order); err != nil {
		return nil, fmt.Errorf("update order %s: %w", id, err)
	}
	return order, nil
}

// RetryAttempt re-attempts the broker placement for a failed order. The
// same store row is reused; no second row is ever created.
func (m *Manager) RetryAttempt(ctx context.Context, id string) error {
	if err := m.MarkRetrying(ctx, id); err != nil {
		return err
	}
	order, err := m.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return m.attempt(ctx, order)
}

// CreateShadow records a broker-side order the engine never placed, so
// local state reflects manual or out-of-band activity.
func (m *Manager) CreateShadow(ctx context.Context, state broker.OrderState) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, _ := m.store.GetByBrokerID(ctx, state.BrokerOrderID); existing != nil {
		return existing, nil
	}

	side := SideBuy
	if state.Side == broker.SideSell {
		side = SideSell
	}

	// Shadow records sit outside the one-active-order-per-slot rule:
	// manual trading may legitimately hold the slot the engine tracks,
	// or several open orders on one instrument.
	now := time.Now()
	order := &Order{
		ID:            uuid.NewString(),
		BrokerOrderID: state.BrokerOrderID,
		Symbol:        state.Symbol,
		Side:          side,
		Quantity:      state.Quantity,
		Status:        StatusFromBroker(state.Status),
		Shadow:        true,
		Reason:        "shadow record for out-of-band broker order",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if state.Price > 0 {
		p := state.Price
		order.Price = &p
	}
	if order.Status == StatusClosed {
		order.FilledPrice = state.FilledPrice
		filledAt := state.UpdatedAt
		order.FilledAt = &filledAt
	}

	if err := m.store.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("create shadow order: %w", err)
	}

	m.logger.Warn().
		Str("order_id", order.ID).
		Str("broker_order_id", state.BrokerOrderID).
		Str("symbol", state.Symbol).
		Msg("Shadow record created for unknown broker order")

	m.publish(events.EventOrderCreated, order)
	return order, nil
}
