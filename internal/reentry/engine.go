// Package reentry evaluates open positions for averaging down. It runs
// far less often than the trailing engine: position re-evaluation does
// not need per-minute granularity, and a skipped candidate waits for
// the next full cycle rather than being retried.
package reentry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"equity-trading-engine/internal/broker"
	"equity-trading-engine/internal/marketdata"
	"equity-trading-engine/internal/metrics"
	"equity-trading-engine/internal/orders"
	"equity-trading-engine/internal/risk"
)

// Config holds re-entry engine configuration
type Config struct {
	// Interval is the evaluation frequency
	Interval time.Duration

	// AdverseMovePercent is the drop from average cost that qualifies
	// a position for re-entry, e.g. 5.0 means 5% under water
	AdverseMovePercent float64

	// MaxReentriesPerSymbol caps how many averaging buys a position
	// may accumulate
	MaxReentriesPerSymbol int
}

// DefaultConfig returns default re-entry configuration
func DefaultConfig() *Config {
	return &Config{
		Interval:              10 * time.Minute,
		AdverseMovePercent:    5.0,
		MaxReentriesPerSymbol: 2,
	}
}

// Engine scans open positions and emits sized buy intents for those
// that moved adversely past the threshold
type Engine struct {
	config  *Config
	manager *orders.Manager
	gateway broker.Gateway
	cache   *marketdata.Cache
	risk    *risk.Manager
	logger  zerolog.Logger

	countMu sync.Mutex
	counts  map[string]int // re-entries emitted per symbol

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewEngine creates a re-entry engine
func NewEngine(config *Config, manager *orders.Manager, gateway broker.Gateway, cache *marketdata.Cache, riskManager *risk.Manager, logger zerolog.Logger) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	return &Engine{
		config:   config,
		manager:  manager,
		gateway:  gateway,
		cache:    cache,
		risk:     riskManager,
		logger:   logger.With().Str("component", "ReentryEngine").Logger(),
		counts:   make(map[string]int),
		stopChan: make(chan struct{}),
	}
}

// Start begins the evaluation loop
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("reentry engine already running")
	}
	e.running = true
	e.stopChan = make(chan struct{})
	e.mu.Unlock()

	e.logger.Info().Dur("interval", e.config.Interval).
		Float64("adverse_move_pct", e.config.AdverseMovePercent).
		Msg("Starting re-entry engine")

	e.wg.Add(1)
	go e.run()
	return nil
}

// Stop halts the loop
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
	e.logger.Info().Msg("Re-entry engine stopped")
}

func (e *Engine) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.Evaluate(context.Background())
		}
	}
}

// Evaluate runs one pass over open positions. Exported for the
// supervisor and for tests.
func (e *Engine) Evaluate(ctx context.Context) {
	positions, err := e.manager.Positions(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to load positions")
		return
	}

	// Best-effort pre-warm so the per-position checks below mostly hit
	// the cache instead of the metered upstream.
	symbols := make([]string, 0, len(positions))
	for _, pos := range positions {
		symbols = append(symbols, pos.Symbol)
	}
	e.cache.Warm(ctx, symbols)

	for _, pos := range positions {
		select {
		case <-ctx.Done():
			return
		case <-e.stopChan:
			return
		default:
		}

		if err := e.evaluateOne(ctx, pos); err != nil {
			// Skips are final for this cycle. No retry queue: the next
			// evaluation sees fresh prices and balances anyway.
			metrics.Reentries.WithLabelValues("skipped").Inc()
			e.logger.Info().Str("symbol", pos.Symbol).Err(err).Msg("Re-entry skipped")
		}
	}
}

func (e *Engine) evaluateOne(ctx context.Context, pos orders.Position) error {
	if pos.AvgCost <= 0 || pos.Quantity <= 0 {
		return fmt.Errorf("no cost basis")
	}

	e.countMu.Lock()
	used := e.counts[pos.Symbol]
	e.countMu.Unlock()
	if used >= e.config.MaxReentriesPerSymbol {
		return fmt.Errorf("re-entry cap reached (%d)", used)
	}

	price, err := e.cache.Price(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("price unavailable: %w", err)
	}

	movePct := (pos.AvgCost - price) / pos.AvgCost * 100
	if movePct < e.config.AdverseMovePercent {
		return fmt.Errorf("adverse move %.2f%% under threshold %.2f%%", movePct, e.config.AdverseMovePercent)
	}

	available, err := e.gateway.AvailableFunds(ctx)
	if err != nil {
		return fmt.Errorf("query funds: %w", err)
	}

	quantity := e.risk.SizeReentry(available, price)
	if quantity <= 0 {
		return fmt.Errorf("insufficient free capital (%.2f available)", available)
	}

	// Submit runs the same duplicate-intent, balance and portfolio
	// checks as a fresh placement.
	order, err := e.manager.Submit(ctx, orders.Intent{
		Symbol:   pos.Symbol,
		Side:     orders.SideBuy,
		Quantity: quantity,
		Price:    &price,
	})
	if err != nil {
		return err
	}

	e.countMu.Lock()
	e.counts[pos.Symbol]++
	e.countMu.Unlock()

	metrics.Reentries.WithLabelValues("placed").Inc()
	e.logger.Info().
		Str("symbol", pos.Symbol).
		Str("order_id", order.ID).
		Float64("price", price).
		Float64("quantity", quantity).
		Float64("adverse_move_pct", movePct).
		Msg("Re-entry placed")
	return nil
}
