// Package reconcile closes the gap between the local order ledger and
// the broker's authoritative state. The broker is never assumed to have
// only our writes: out-of-band orders become shadow records.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"equity-trading-engine/internal/broker"
	"equity-trading-engine/internal/events"
	"equity-trading-engine/internal/market"
	"equity-trading-engine/internal/metrics"
	"equity-trading-engine/internal/orders"
)

// Config holds reconciler configuration
type Config struct {
	// Interval is how often the loop runs during market hours
	Interval time.Duration

	// AdoptUnknown controls whether broker orders with no local record
	// are written as shadow records
	AdoptUnknown bool
}

// DefaultConfig returns default reconciler configuration
func DefaultConfig() *Config {
	return &Config{
		Interval:     30 * time.Second,
		AdoptUnknown: true,
	}
}

// Reconciler periodically merges broker-reported order state into the
// local store
type Reconciler struct {
	config   *Config
	manager  *orders.Manager
	gateway  broker.Gateway
	calendar *market.Calendar
	bus      *events.EventBus
	logger   zerolog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	now func() time.Time
}

// NewReconciler creates a reconciler
func NewReconciler(config *Config, manager *orders.Manager, gateway broker.Gateway, calendar *market.Calendar, bus *events.EventBus, logger zerolog.Logger) *Reconciler {
	if config == nil {
		config = DefaultConfig()
	}
	return &Reconciler{
		config:   config,
		manager:  manager,
		gateway:  gateway,
		calendar: calendar,
		bus:      bus,
		logger:   logger.With().Str("component", "Reconciler").Logger(),
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reconciler already running")
	}
	r.running = true
	r.stopChan = make(chan struct{})
	r.mu.Unlock()

	r.logger.Info().Dur("interval", r.config.Interval).Msg("Starting reconciliation loop")

	r.wg.Add(1)
	go r.run()
	return nil
}

// Stop halts the loop, waiting for any in-flight cycle to finish
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopChan)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info().Msg("Reconciliation loop stopped")
}

func (r *Reconciler) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	// First cycle immediately so a restart converges without waiting
	// a full interval.
	r.cycle(context.Background())

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			if !r.calendar.IsOpen(r.now()) {
				continue
			}
			r.cycle(context.Background())
		}
	}
}

// Cycle runs one reconciliation pass; exported for the supervisor and
// for tests.
func (r *Reconciler) Cycle(ctx context.Context) error {
	return r.cycle(ctx)
}

func (r *Reconciler) cycle(ctx context.Context) error {
	active, err := r.manager.Store().ListByStatus(ctx, orders.StatusPending, orders.StatusOngoing)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list active orders")
		return err
	}

	merged, skipped := 0, 0
	reauthed := false
	for _, order := range active {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stopChan:
			return nil
		default:
		}

		if order.BrokerOrderID == "" {
			// Never acknowledged; nothing to query. The retry sweep
			// owns this order.
			skipped++
			continue
		}

		err := r.mergeOne(ctx, order)
		if err != nil && broker.IsAuth(err) && !reauthed {
			// One re-authentication per cycle; when it lands, the
			// order that surfaced the auth failure gets one more
			// attempt. A second auth error short-circuits below.
			reauthed = true
			if r.recover(ctx) {
				err = r.mergeOne(ctx, order)
			}
		}
		if err != nil {
			if broker.IsSystemic(err) {
				r.logger.Warn().Err(err).
					Int("remaining", len(active)-merged-skipped).
					Msg("Systemic gateway error, short-circuiting cycle")
				metrics.ReconcileCycles.WithLabelValues("short_circuit").Inc()
				return err
			}
			// Per-order failure: log and move on. One bad order must
			// not starve the rest of the book.
			r.logger.Error().Err(err).
				Str("order_id", order.ID).
				Str("broker_order_id", order.BrokerOrderID).
				Msg("Failed to reconcile order")
			continue
		}
		merged++
	}

	if r.config.AdoptUnknown {
		if err := r.adoptUnknown(ctx); err != nil {
			if broker.IsSystemic(err) {
				metrics.ReconcileCycles.WithLabelValues("short_circuit").Inc()
				return err
			}
			r.logger.Error().Err(err).Msg("Failed to scan for out-of-band orders")
		}
	}

	metrics.ReconcileCycles.WithLabelValues("ok").Inc()
	r.logger.Debug().Int("merged", merged).Int("skipped", skipped).Msg("Reconciliation cycle complete")
	return nil
}

// recover attempts one re-authentication. Rate limiting has no
// in-cycle remedy and never reaches here.
func (r *Reconciler) recover(ctx context.Context) bool {
	r.logger.Warn().Msg("Auth error from gateway, re-authenticating")
	if err := r.gateway.Authenticate(ctx); err != nil {
		r.logger.Error().Err(err).Msg("Re-authentication failed")
		return false
	}
	return true
}

// mergeOne pulls the broker's view of a single order and applies the
// corresponding local transition. Applying the same broker state twice
// is a no-op: every transition checked here is idempotent.
func (r *Reconciler) mergeOne(ctx context.Context, order *orders.Order) error {
	state, err := r.gateway.QueryStatus(ctx, order.BrokerOrderID)
	if err != nil {
		return err
	}

	status := orders.StatusFromBroker(state.Status)
	if status != order.Status {
		r.publishMismatch(order, state.Status, status)
	}

	switch status {
	case orders.StatusClosed:
		if err := r.manager.MarkExecuted(ctx, order.ID, state.FilledPrice, state.UpdatedAt); err != nil {
			return fmt.Errorf("mark executed: %w", err)
		}
		metrics.ReconcileMerges.WithLabelValues(string(orders.StatusClosed)).Inc()
	case orders.StatusFailed:
		if err := r.manager.MarkRejected(ctx, order.ID, state.Reason); err != nil {
			return fmt.Errorf("mark rejected: %w", err)
		}
		metrics.ReconcileMerges.WithLabelValues(string(orders.StatusFailed)).Inc()
	case orders.StatusCancelled:
		if err := r.manager.MarkCancelled(ctx, order.ID, "cancelled at broker"); err != nil {
			return fmt.Errorf("mark cancelled: %w", err)
		}
		metrics.ReconcileMerges.WithLabelValues(string(orders.StatusCancelled)).Inc()
	case orders.StatusOngoing:
		if order.Status == orders.StatusPending {
			if err := r.manager.Acknowledge(ctx, order.ID, order.BrokerOrderID); err != nil {
				return fmt.Errorf("acknowledge: %w", err)
			}
			metrics.ReconcileMerges.WithLabelValues(string(orders.StatusOngoing)).Inc()
		}
	}
	return nil
}

// adoptUnknown lists the broker's open orders and writes a shadow
// record for any the store has never seen.
func (r *Reconciler) adoptUnknown(ctx context.Context) error {
	open, err := r.gateway.OpenOrders(ctx)
	if err != nil {
		return err
	}

	for _, state := range open {
		if _, err := r.manager.Store().GetByBrokerID(ctx, state.BrokerOrderID); err == nil {
			continue
		}
		shadow, err := r.manager.CreateShadow(ctx, state)
		if err != nil {
			r.logger.Error().Err(err).
				Str("broker_order_id", state.BrokerOrderID).
				Msg("Failed to create shadow record")
			continue
		}
		metrics.ShadowOrders.Inc()
		r.logger.Warn().
			Str("order_id", shadow.ID).
			Str("broker_order_id", state.BrokerOrderID).
			Str("symbol", state.Symbol).
			Msg("Adopted out-of-band broker order")
	}
	return nil
}

func (r *Reconciler) publishMismatch(order *orders.Order, rawStatus string, resolved orders.Status) {
	r.bus.Publish(events.Event{
		Type: events.EventReconcileMismatch,
		Data: map[string]interface{}{
			"order_id":        order.ID,
			"broker_order_id": order.BrokerOrderID,
			"symbol":          order.Symbol,
			"local_status":    string(order.Status),
			"broker_status":   rawStatus,
			"resolved_status": string(resolved),
		},
	})
}
