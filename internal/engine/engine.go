// Package engine supervises the periodic tasks: reconciliation,
// trailing exit ticks, re-entry evaluation, and the failed-order retry
// sweep. Each task starts and stops independently; a wedged task never
// blocks the others from shutting down.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"equity-trading-engine/internal/events"
	"equity-trading-engine/internal/exit"
	"equity-trading-engine/internal/marketdata"
	"equity-trading-engine/internal/orders"
	"equity-trading-engine/internal/reconcile"
	"equity-trading-engine/internal/reentry"
)

// Config holds supervisor configuration
type Config struct {
	// RetryInterval is how often the failed-order sweep runs
	RetryInterval time.Duration

	// ExitEnabled and ReentryEnabled gate the optional engines
	ExitEnabled    bool
	ReentryEnabled bool
}

// DefaultConfig returns default supervisor configuration
func DefaultConfig() *Config {
	return &Config{
		RetryInterval:  5 * time.Minute,
		ExitEnabled:    true,
		ReentryEnabled: true,
	}
}

// Engine owns the lifecycle of all periodic tasks
type Engine struct {
	config      *Config
	reconciler  *reconcile.Reconciler
	exitEngine  *exit.Engine
	reentry     *reentry.Engine
	retryPolicy *orders.RetryPolicy
	feed        *marketdata.Feed // nil when the push feed is disabled
	bus         *events.EventBus
	logger      zerolog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates the supervisor. exitEngine, reentryEngine and feed may be
// nil when disabled.
func New(config *Config, reconciler *reconcile.Reconciler, exitEngine *exit.Engine, reentryEngine *reentry.Engine, retryPolicy *orders.RetryPolicy, feed *marketdata.Feed, bus *events.EventBus, logger zerolog.Logger) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	return &Engine{
		config:      config,
		reconciler:  reconciler,
		exitEngine:  exitEngine,
		reentry:     reentryEngine,
		retryPolicy: retryPolicy,
		feed:        feed,
		bus:         bus,
		logger:      logger.With().Str("component", "Engine").Logger(),
		stopChan:    make(chan struct{}),
	}
}

// Start launches every enabled task
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.stopChan = make(chan struct{})
	e.mu.Unlock()

	e.logger.Info().Msg("Starting engine")

	if e.feed != nil {
		if err := e.feed.Start(); err != nil {
			e.logger.Error().Err(err).Msg("Price feed failed to start, continuing without it")
		}
	}

	if err := e.reconciler.Start(); err != nil {
		return fmt.Errorf("start reconciler: %w", err)
	}

	if e.config.ExitEnabled && e.exitEngine != nil {
		if err := e.exitEngine.Start(); err != nil {
			return fmt.Errorf("start exit engine: %w", err)
		}
	}

	if e.config.ReentryEnabled && e.reentry != nil {
		if err := e.reentry.Start(); err != nil {
			return fmt.Errorf("start reentry engine: %w", err)
		}
	}

	e.wg.Add(1)
	go e.retryLoop()

	e.bus.Publish(events.Event{Type: events.EventEngineStarted})
	return nil
}

// Stop halts every task, letting each finish its current unit of work
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopChan)
	e.mu.Unlock()

	e.logger.Info().Msg("Stopping engine")

	if e.reentry != nil {
		e.reentry.Stop()
	}
	if e.exitEngine != nil {
		e.exitEngine.Stop()
	}
	e.reconciler.Stop()
	if e.feed != nil {
		e.feed.Stop()
	}
	e.wg.Wait()

	e.bus.Publish(events.Event{Type: events.EventEngineStopped})
	e.logger.Info().Msg("Engine stopped")
}

// retryLoop sweeps failed orders on a fixed interval. The sweep runs
// regardless of market session: order placement is valid in pre and
// post market, and the expiry window is enforced by the policy itself.
func (e *Engine) retryLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			if err := e.retryPolicy.Sweep(context.Background(), time.Now()); err != nil {
				e.logger.Error().Err(err).Msg("Retry sweep failed")
			}
		}
	}
}
