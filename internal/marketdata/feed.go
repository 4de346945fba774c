package marketdata

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"equity-trading-engine/internal/events"
)

// Feed maintains the websocket connection to the market data push feed,
// writes every tick into the cache, and implements the Upstream interface
// for the subscription manager.
type Feed struct {
	mu sync.Mutex

	url    string
	conn   *websocket.Conn
	cache  *Cache
	bus    *events.EventBus
	logger zerolog.Logger

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup

	onReconnect func() // re-sync subscriptions after reconnect

	reconnects int64
}

// tick is one push message from the feed
type tick struct {
	Type   string  `json:"type"`
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// controlMessage subscribes or unsubscribes stream symbols
type controlMessage struct {
	Action  string   `json:"action"` // subscribe | unsubscribe
	Symbols []string `json:"symbols"`
}

// NewFeed creates a live-price feed client
func NewFeed(url string, cache *Cache, bus *events.EventBus, logger zerolog.Logger) *Feed {
	return &Feed{
		url:      url,
		cache:    cache,
		bus:      bus,
		logger:   logger.With().Str("component", "PriceFeed").Logger(),
		stopChan: make(chan struct{}),
	}
}

// SetOnReconnect registers a callback invoked after each reconnect,
// typically SubscriptionManager.SyncUpstream.
func (f *Feed) SetOnReconnect(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onReconnect = fn
}

// Start connects and begins the read loop
func (f *Feed) Start() error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("price feed already running")
	}
	f.running = true
	f.stopChan = make(chan struct{})
	f.mu.Unlock()

	if err := f.connect(); err != nil {
		f.logger.Warn().Err(err).Msg("Initial feed connect failed, will retry in read loop")
	}

	f.wg.Add(1)
	go f.readLoop()
	return nil
}

// Stop closes the connection and waits for the read loop to exit
func (f *Feed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	close(f.stopChan)
	if f.conn != nil {
		f.conn.Close()
	}
	f.mu.Unlock()

	f.wg.Wait()
	f.logger.Info().Msg("Price feed stopped")
}

func (f *Feed) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	onReconnect := f.onReconnect
	f.mu.Unlock()

	f.logger.Info().Str("url", f.url).Msg("Price feed connected")

	if onReconnect != nil {
		onReconnect()
	}
	return nil
}

// readLoop reads ticks and reconnects with backoff on failure
func (f *Feed) readLoop() {
	defer f.wg.Done()

	backoff := time.Second
	for {
		select {
		case <-f.stopChan:
			return
		default:
		}

		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()

		if conn == nil {
			if !f.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			if err := f.connect(); err != nil {
				f.logger.Warn().Err(err).Dur("backoff", backoff).Msg("Feed reconnect failed")
			} else {
				f.mu.Lock()
				f.reconnects++
				f.mu.Unlock()
				backoff = time.Second
			}
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.stopChan:
				return
			default:
			}
			f.logger.Warn().Err(err).Msg("Feed read error, reconnecting")
			f.mu.Lock()
			f.conn = nil
			f.mu.Unlock()
			conn.Close()
			continue
		}

		f.handleMessage(data)
	}
}

func (f *Feed) handleMessage(data []byte) {
	var t tick
	if err := json.Unmarshal(data, &t); err != nil {
		f.logger.Debug().Err(err).Msg("Skipping unparseable feed message")
		return
	}
	if t.Type != "" && t.Type != "tick" {
		return
	}
	if t.Symbol == "" || t.Price <= 0 {
		return
	}

	symbol := strings.ToUpper(t.Symbol)
	f.cache.PutQuote(symbol, t.Price)
	if f.bus != nil {
		f.bus.PublishPriceUpdate(symbol, t.Price)
	}
}

// sleep waits for d unless the feed is stopped first
func (f *Feed) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-f.stopChan:
		return false
	case <-timer.C:
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// Subscribe sends a subscribe control message for the symbols
func (f *Feed) Subscribe(symbols []string) error {
	return f.send(controlMessage{Action: "subscribe", Symbols: symbols})
}

// Unsubscribe sends an unsubscribe control message for the symbols
func (f *Feed) Unsubscribe(symbols []string) error {
	return f.send(controlMessage{Action: "unsubscribe", Symbols: symbols})
}

func (f *Feed) send(msg controlMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	return f.conn.WriteJSON(msg)
}
