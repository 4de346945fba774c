// Package exit drives trailing sell targets for open long positions.
// The invariant: a position's best target only ever moves down. A tick
// that computes a higher candidate is a no-op, so a price spike can
// never loosen an exit that an earlier tick tightened.
package exit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"equity-trading-engine/internal/broker"
	"equity-trading-engine/internal/events"
	"equity-trading-engine/internal/marketdata"
	"equity-trading-engine/internal/metrics"
	"equity-trading-engine/internal/orders"
)

// TargetStore persists best targets across restarts for dashboards and
// post-mortems. The engine never reads a persisted target back into its
// state machine: after a restart the first computed candidate wins.
type TargetStore interface {
	SaveTarget(ctx context.Context, symbol string, target float64) error
	DeleteTarget(ctx context.Context, symbol string) error
}

// Config holds trailing engine configuration
type Config struct {
	// Interval is the tick frequency
	Interval time.Duration

	// TrailPercent is the distance of the exit target above the live
	// price, e.g. 1.5 places the target 1.5% above last trade
	TrailPercent float64

	// IndicatorName optionally names a cached indicator (e.g. an ATR
	// series) blended into the candidate; empty disables it
	IndicatorName string

	// IndicatorWeight scales the indicator's contribution
	IndicatorWeight float64
}

// DefaultConfig returns default trailing configuration
func DefaultConfig() *Config {
	return &Config{
		Interval:     15 * time.Second,
		TrailPercent: 1.5,
	}
}

// trackedPosition is the per-symbol trailing state
type trackedPosition struct {
	symbol     string
	bestTarget float64 // zero until the first candidate is seen
	seeded     bool
	lastUpdate time.Time
}

// Engine recomputes exit targets on each tick and pushes improvements
// to the broker
type Engine struct {
	config  *Config
	manager *orders.Manager
	gateway broker.Gateway
	cache   *marketdata.Cache
	store   TargetStore
	bus     *events.EventBus
	logger  zerolog.Logger

	posMu     sync.Mutex
	positions map[string]*trackedPosition

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewEngine creates a trailing exit engine. store may be nil when
// persistence is not configured.
func NewEngine(config *Config, manager *orders.Manager, gateway broker.Gateway, cache *marketdata.Cache, store TargetStore, bus *events.EventBus, logger zerolog.Logger) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	return &Engine{
		config:    config,
		manager:   manager,
		gateway:   gateway,
		cache:     cache,
		store:     store,
		bus:       bus,
		logger:    logger.With().Str("component", "ExitEngine").Logger(),
		positions: make(map[string]*trackedPosition),
		stopChan:  make(chan struct{}),
	}
}

// Start begins the trailing tick loop
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("exit engine already running")
	}
	e.running = true
	e.stopChan = make(chan struct{})
	e.mu.Unlock()

	e.logger.Info().Dur("interval", e.config.Interval).
		Float64("trail_percent", e.config.TrailPercent).
		Msg("Starting trailing exit engine")

	e.wg.Add(1)
	go e.run()
	return nil
}

// Stop halts the loop, finishing the in-flight tick first
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopChan)
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info().Msg("Trailing exit engine stopped")
}

func (e *Engine) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	e.Tick(context.Background())

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.Tick(context.Background())
		}
	}
}

// Tick runs one trailing pass over all open positions with an active
// sell order. Exported for the supervisor and for tests.
func (e *Engine) Tick(ctx context.Context) {
	positions, err := e.manager.Positions(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to load positions")
		return
	}

	open := make(map[string]bool, len(positions))
	for _, pos := range positions {
		open[pos.Symbol] = true
		if err := e.tickSymbol(ctx, pos.Symbol); err != nil {
			e.logger.Error().Err(err).Str("symbol", pos.Symbol).Msg("Trailing update failed")
			e.bus.PublishError("ExitEngine", "trailing update failed for "+pos.Symbol, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-e.stopChan:
			return
		default:
		}
	}

	e.dropClosed(ctx, open)
}

// dropClosed forgets trailing state for symbols no longer held
func (e *Engine) dropClosed(ctx context.Context, open map[string]bool) {
	e.posMu.Lock()
	defer e.posMu.Unlock()
	for symbol := range e.positions {
		if open[symbol] {
			continue
		}
		delete(e.positions, symbol)
		if e.store != nil {
			if err := e.store.DeleteTarget(ctx, symbol); err != nil {
				e.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to clear persisted target")
			}
		}
		e.logger.Info().Str("symbol", symbol).Msg("Position closed, trailing state dropped")
	}
}

func (e *Engine) tickSymbol(ctx context.Context, symbol string) error {
	exitOrder, err := e.manager.Store().FindActive(ctx, symbol, orders.SideSell)
	if err != nil {
		return err
	}
	if exitOrder == nil || exitOrder.BrokerOrderID == "" {
		// No working sell order, or one not yet acknowledged; nothing
		// to trail.
		return nil
	}

	candidate, err := e.candidate(ctx, symbol)
	if err != nil {
		return err
	}

	e.posMu.Lock()
	tracked, ok := e.positions[symbol]
	if !ok {
		tracked = &trackedPosition{symbol: symbol}
		e.positions[symbol] = tracked
	}

	if !tracked.seeded {
		// First candidate after (re)start seeds the baseline. Seeding
		// from zero or +Inf would force a bogus first modify.
		tracked.bestTarget = candidate
		tracked.seeded = true
		tracked.lastUpdate = time.Now()
		e.posMu.Unlock()
		e.persist(ctx, symbol, candidate)
		e.logger.Info().Str("symbol", symbol).Float64("target", candidate).Msg("Trailing target seeded")
		return nil
	}

	if candidate >= tracked.bestTarget {
		e.posMu.Unlock()
		return nil
	}
	old := tracked.bestTarget
	e.posMu.Unlock()

	// Broker call happens outside the state lock.
	if err := e.pushTarget(ctx, exitOrder, candidate); err != nil {
		metrics.ExitModifies.WithLabelValues("failed").Inc()
		return err
	}

	e.posMu.Lock()
	tracked.bestTarget = candidate
	tracked.lastUpdate = time.Now()
	e.posMu.Unlock()

	e.persist(ctx, symbol, candidate)
	e.bus.PublishPositionExitUpdated(symbol, old, candidate)
	e.logger.Info().Str("symbol", symbol).
		Float64("old_target", old).
		Float64("new_target", candidate).
		Msg("Trailing target lowered")
	return nil
}

// candidate computes the current trailing exit price from the live
// quote, optionally tightened by a cached indicator
func (e *Engine) candidate(ctx context.Context, symbol string) (float64, error) {
	price, err := e.cache.Price(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("price for %s: %w", symbol, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("non-positive price %.4f for %s", price, symbol)
	}

	target := price * (1 + e.config.TrailPercent/100)
	if e.config.IndicatorName != "" {
		if v, ok := e.cache.GetIndicator(symbol, e.config.IndicatorName); ok && v > 0 {
			target = price + v*e.config.IndicatorWeight
		}
	}
	return target, nil
}

// pushTarget moves the working sell order to the new price. Modify is
// the primary path; cancel-then-replace is the degraded fallback, and
// the replacement keeps the local order's identity by re-pointing its
// broker id.
func (e *Engine) pushTarget(ctx context.Context, exitOrder *orders.Order, target float64) error {
	modErr := e.gateway.Modify(ctx, exitOrder.BrokerOrderID, broker.ModifyRequest{Price: &target})
	if modErr == nil {
		metrics.ExitModifies.WithLabelValues("modify").Inc()
		return nil
	}
	if broker.IsSystemic(modErr) {
		return modErr
	}

	e.logger.Warn().Err(modErr).
		Str("broker_order_id", exitOrder.BrokerOrderID).
		Msg("Modify failed, falling back to cancel and replace")

	if err := e.gateway.Cancel(ctx, exitOrder.BrokerOrderID); err != nil {
		return fmt.Errorf("modify failed (%v), cancel also failed: %w", modErr, err)
	}

	newID, err := e.gateway.Place(ctx, broker.OrderRequest{
		Symbol:   exitOrder.Symbol,
		Side:     exitOrder.Side.BrokerSide(),
		Quantity: exitOrder.Quantity,
		Price:    &target,
	})
	if err != nil {
		return fmt.Errorf("modify failed (%v), replacement failed: %w", modErr, err)
	}

	if err := e.manager.Rebind(ctx, exitOrder.ID, newID, target); err != nil {
		return fmt.Errorf("replacement placed as %s but rebind failed: %w", newID, err)
	}
	metrics.ExitModifies.WithLabelValues("cancel_replace").Inc()
	return nil
}

func (e *Engine) persist(ctx context.Context, symbol string, target float64) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveTarget(ctx, symbol, target); err != nil {
		e.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to persist trailing target")
	}
}

// BestTarget returns the current trailing target for a symbol, if any
func (e *Engine) BestTarget(symbol string) (float64, bool) {
	e.posMu.Lock()
	defer e.posMu.Unlock()
	tracked, ok := e.positions[symbol]
	if !ok || !tracked.seeded {
		return 0, false
	}
	return tracked.bestTarget, true
}
