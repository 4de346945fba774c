package marketdata

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"equity-trading-engine/internal/metrics"
)

// Upstream is the push-feed side of the provider
type Upstream interface {
	Subscribe(symbols []string) error
	Unsubscribe(symbols []string) error
}

// SubscriptionStats tracks subscription statistics
type SubscriptionStats struct {
	ActiveSymbols        int       `json:"active_symbols"`
	TotalConsumers       int       `json:"total_consumers"`
	UpdatesReceived      int64     `json:"updates_received"`
	LastUpdateTime       time.Time `json:"last_update_time"`
	SubscriptionFailures int64     `json:"subscription_failures"`
}

// SubscriptionManager deduplicates live-price subscriptions across
// consumers. A symbol is subscribed upstream iff at least one consumer
// requires it; only empty<->non-empty transitions touch the upstream.
type SubscriptionManager struct {
	mu sync.Mutex

	// symbol -> set of consumer ids
	consumers map[string]map[string]bool

	upstream Upstream
	logger   zerolog.Logger

	updatesReceived      int64
	lastUpdateTime       time.Time
	subscriptionFailures int64
}

// NewSubscriptionManager creates a subscription manager over the upstream feed
func NewSubscriptionManager(upstream Upstream, logger zerolog.Logger) *SubscriptionManager {
	return &SubscriptionManager{
		consumers: make(map[string]map[string]bool),
		upstream:  upstream,
		logger:    logger.With().Str("component", "SubscriptionManager").Logger(),
	}
}

// Subscribe adds consumerID to each symbol's consumer set. Symbols whose
// set transitions from empty to non-empty are subscribed upstream in one
// batch; the consumer sets are updated even if the upstream call fails so
// a later sync can repair the feed.
func (m *SubscriptionManager) Subscribe(symbols []string, consumerID string) error {
	m.mu.Lock()

	var newUpstream []string
	for _, symbol := range symbols {
		symbol = strings.ToUpper(symbol)
		set := m.consumers[symbol]
		if set == nil {
			set = make(map[string]bool)
			m.consumers[symbol] = set
			newUpstream = append(newUpstream, symbol)
		}
		set[consumerID] = true
	}
	metrics.ActiveSubscriptions.Set(float64(len(m.consumers)))
	m.mu.Unlock()

	if len(newUpstream) == 0 {
		return nil
	}

	if err := m.upstream.Subscribe(newUpstream); err != nil {
		m.mu.Lock()
		m.subscriptionFailures++
		m.mu.Unlock()
		m.logger.Error().Err(err).Strs("symbols", newUpstream).Msg("Upstream subscribe failed")
		return err
	}

	m.logger.Debug().Strs("symbols", newUpstream).Str("consumer", consumerID).Msg("Subscribed upstream")
	return nil
}

// Unsubscribe removes consumerID from each symbol's consumer set. Only
// symbols transitioning to an empty set are unsubscribed upstream.
func (m *SubscriptionManager) Unsubscribe(symbols []string, consumerID string) error {
	m.mu.Lock()

	var droppedUpstream []string
	for _, symbol := range symbols {
		symbol = strings.ToUpper(symbol)
		set := m.consumers[symbol]
		if set == nil {
			continue
		}
		delete(set, consumerID)
		if len(set) == 0 {
			delete(m.consumers, symbol)
			droppedUpstream = append(droppedUpstream, symbol)
		}
	}
	metrics.ActiveSubscriptions.Set(float64(len(m.consumers)))
	m.mu.Unlock()

	if len(droppedUpstream) == 0 {
		return nil
	}

	if err := m.upstream.Unsubscribe(droppedUpstream); err != nil {
		m.mu.Lock()
		m.subscriptionFailures++
		m.mu.Unlock()
		m.logger.Error().Err(err).Strs("symbols", droppedUpstream).Msg("Upstream unsubscribe failed")
		return err
	}

	m.logger.Debug().Strs("symbols", droppedUpstream).Str("consumer", consumerID).Msg("Unsubscribed upstream")
	return nil
}

// IsSubscribed reports whether a symbol has any consumers
func (m *SubscriptionManager) IsSubscribed(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.consumers[strings.ToUpper(symbol)]) > 0
}

// ConsumerCount returns the number of consumers for a symbol
func (m *SubscriptionManager) ConsumerCount(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.consumers[strings.ToUpper(symbol)])
}

// ActiveSymbols returns all symbols with at least one consumer
func (m *SubscriptionManager) ActiveSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	symbols := make([]string, 0, len(m.consumers))
	for symbol := range m.consumers {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// SyncUpstream re-subscribes every active symbol. Called after the feed
// reconnects so push subscriptions match the desired state.
func (m *SubscriptionManager) SyncUpstream() error {
	symbols := m.ActiveSymbols()
	if len(symbols) == 0 {
		return nil
	}
	if err := m.upstream.Subscribe(symbols); err != nil {
		m.mu.Lock()
		m.subscriptionFailures++
		m.mu.Unlock()
		return err
	}
	m.logger.Info().Int("symbols", len(symbols)).Msg("Re-synced upstream subscriptions")
	return nil
}

// RecordUpdate records that a push update was received (for stats)
func (m *SubscriptionManager) RecordUpdate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updatesReceived++
	m.lastUpdateTime = time.Now()
}

// Stats returns subscription statistics
func (m *SubscriptionManager) Stats() SubscriptionStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, set := range m.consumers {
		total += len(set)
	}

	return SubscriptionStats{
		ActiveSymbols:        len(m.consumers),
		TotalConsumers:       total,
		UpdatesReceived:      m.updatesReceived,
		LastUpdateTime:       m.lastUpdateTime,
		SubscriptionFailures: m.subscriptionFailures,
	}
}
