package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"equity-trading-engine/internal/market"
	"equity-trading-engine/internal/metrics"
)

// TTLConfig holds freshness windows per value kind and market session.
// Open-session TTLs are short (fresh data, more upstream calls); closed
// sessions tolerate stale data to save metered calls.
type TTLConfig struct {
	RealtimeOpen     time.Duration
	RealtimeOffHours time.Duration // pre and post market
	RealtimeClosed   time.Duration
	HistoricalOpen   time.Duration
	HistoricalClosed time.Duration
}

// DefaultTTLConfig returns the default freshness windows
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		RealtimeOpen:     5 * time.Second,
		RealtimeOffHours: 30 * time.Second,
		RealtimeClosed:   5 * time.Minute,
		HistoricalOpen:   15 * time.Minute,
		HistoricalClosed: 6 * time.Hour,
	}
}

// entry pins the TTL that applied at write time. A session change during
// the entry's life does not retroactively change its freshness window.
type entry struct {
	value     interface{}
	fetchedAt time.Time
	ttl       time.Duration
}

// Cache is the shared price/indicator cache with adaptive TTLs
type Cache struct {
	quotes     sync.Map // symbol -> *entry (float64)
	bars       sync.Map // symbol -> *entry ([]Bar)
	indicators sync.Map // "symbol:name" -> *entry (float64)

	provider Provider
	calendar *market.Calendar
	ttl      TTLConfig
	logger   zerolog.Logger

	statsMu   sync.Mutex
	hitCount  int64
	missCount int64

	now func() time.Time
}

// NewCache creates a cache backed by the given provider and calendar
func NewCache(provider Provider, calendar *market.Calendar, ttl TTLConfig, logger zerolog.Logger) *Cache {
	return &Cache{
		provider: provider,
		calendar: calendar,
		ttl:      ttl,
		logger:   logger.With().Str("component", "MarketDataCache").Logger(),
		now:      time.Now,
	}
}

// ttlFor resolves the freshness window for a kind at the given moment
func (c *Cache) ttlFor(kind Kind, at time.Time) time.Duration {
	session := c.calendar.SessionAt(at)
	if kind == KindRealtime {
		switch session {
		case market.SessionOpen:
			return c.ttl.RealtimeOpen
		case market.SessionPreMarket, market.SessionPostMarket:
			return c.ttl.RealtimeOffHours
		default:
			return c.ttl.RealtimeClosed
		}
	}
	if session == market.SessionOpen {
		return c.ttl.HistoricalOpen
	}
	return c.ttl.HistoricalClosed
}

func (c *Cache) load(m *sync.Map, key string, kind Kind) (interface{}, bool) {
	val, ok := m.Load(key)
	if !ok {
		c.recordMiss(kind)
		return nil, false
	}
	e := val.(*entry)
	if c.now().Sub(e.fetchedAt) >= e.ttl {
		c.recordMiss(kind)
		return nil, false
	}
	c.recordHit(kind)
	return e.value, true
}

func (c *Cache) store(m *sync.Map, key string, value interface{}, kind Kind) {
	now := c.now()
	m.Store(key, &entry{
		value:     value,
		fetchedAt: now,
		ttl:       c.ttlFor(kind, now),
	})
}

// GetQuote returns a cached price if still fresh
func (c *Cache) GetQuote(symbol string) (float64, bool) {
	val, ok := c.load(&c.quotes, symbol, KindRealtime)
	if !ok {
		return 0, false
	}
	return val.(float64), true
}

// PutQuote caches a live price. The feed calls this on every tick.
func (c *Cache) PutQuote(symbol string, price float64) {
	c.store(&c.quotes, symbol, price, KindRealtime)
}

// Price returns the current price, fetching through the provider on a miss
func (c *Cache) Price(ctx context.Context, symbol string) (float64, error) {
	if price, ok := c.GetQuote(symbol); ok {
		return price, nil
	}
	price, err := c.provider.GetRealtime(ctx, symbol)
	if err != nil {
		return 0, err
	}
	c.PutQuote(symbol, price)
	return price, nil
}

// GetBars returns a cached bar series if still fresh
func (c *Cache) GetBars(symbol string) ([]Bar, bool) {
	val, ok := c.load(&c.bars, symbol, KindHistorical)
	if !ok {
		return nil, false
	}
	return val.([]Bar), true
}

// Bars returns a daily bar series, fetching through the provider on a miss
func (c *Cache) Bars(ctx context.Context, symbol string, days int) ([]Bar, error) {
	if bars, ok := c.GetBars(symbol); ok && len(bars) >= days {
		return bars[len(bars)-days:], nil
	}
	bars, err := c.provider.GetHistorical(ctx, symbol, days)
	if err != nil {
		return nil, err
	}
	c.store(&c.bars, symbol, bars, KindHistorical)
	return bars, nil
}

// GetIndicator returns a cached derived indicator if still fresh
func (c *Cache) GetIndicator(symbol, name string) (float64, bool) {
	val, ok := c.load(&c.indicators, symbol+":"+name, KindHistorical)
	if !ok {
		return 0, false
	}
	return val.(float64), true
}

// PutIndicator caches a derived indicator under the historical TTL class
func (c *Cache) PutIndicator(symbol, name string, value float64) {
	c.store(&c.indicators, symbol+":"+name, value, KindHistorical)
}

// Warm proactively populates quotes for a batch of symbols before a
// time-critical operation. Individual fetch failures are logged and
// skipped; warming is best-effort, never a precondition.
func (c *Cache) Warm(ctx context.Context, symbols []string) int {
	warmed := 0
	for _, symbol := range symbols {
		if _, ok := c.GetQuote(symbol); ok {
			warmed++
			continue
		}
		price, err := c.provider.GetRealtime(ctx, symbol)
		if err != nil {
			c.logger.Warn().Err(err).Str("symbol", symbol).Msg("Cache warm fetch failed, skipping symbol")
			continue
		}
		c.PutQuote(symbol, price)
		warmed++
	}
	return warmed
}

func (c *Cache) recordHit(kind Kind) {
	c.statsMu.Lock()
	c.hitCount++
	c.statsMu.Unlock()
	metrics.CacheRequests.WithLabelValues(string(kind), "hit").Inc()
}

func (c *Cache) recordMiss(kind Kind) {
	c.statsMu.Lock()
	c.missCount++
	c.statsMu.Unlock()
	metrics.CacheRequests.WithLabelValues(string(kind), "miss").Inc()
}

// Stats returns cache hit/miss statistics
func (c *Cache) Stats() (hits, misses int64, hitRate float64) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	hits = c.hitCount
	misses = c.missCount
	total := hits + misses
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	return
}
