package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventOrderCreated        EventType = "ORDER_CREATED"
	EventOrderExecuted       EventType = "ORDER_EXECUTED"
	EventOrderFailed         EventType = "ORDER_FAILED"
	EventOrderCancelled      EventType = "ORDER_CANCELLED"
	EventOrderRetried        EventType = "ORDER_RETRIED"
	EventPositionExitUpdated EventType = "POSITION_EXIT_UPDATED"
	EventPriceUpdate         EventType = "PRICE_UPDATE"
	EventReconcileMismatch   EventType = "RECONCILE_MISMATCH"
	EventEngineStarted       EventType = "ENGINE_STARTED"
	EventEngineStopped       EventType = "ENGINE_STOPPED"
	EventError               EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishOrderEvent publishes an order lifecycle event with the fields
// every terminal or retried state must surface: id, status, and reason.
func (eb *EventBus) PublishOrderEvent(eventType EventType, orderID, symbol, side, status, reason string) {
	eb.Publish(Event{
		Type: eventType,
		Data: map[string]interface{}{
			"order_id": orderID,
			"symbol":   symbol,
			"side":     side,
			"status":   status,
			"reason":   reason,
		},
	})
}

// PublishPositionExitUpdated publishes a trailing exit target change
func (eb *EventBus) PublishPositionExitUpdated(symbol string, oldTarget, newTarget float64) {
	eb.Publish(Event{
		Type: EventPositionExitUpdated,
		Data: map[string]interface{}{
			"symbol":     symbol,
			"old_target": oldTarget,
			"new_target": newTarget,
		},
	})
}

// PublishPriceUpdate publishes a live price tick
func (eb *EventBus) PublishPriceUpdate(symbol string, price float64) {
	eb.Publish(Event{
		Type: EventPriceUpdate,
		Data: map[string]interface{}{
			"symbol": symbol,
			"price":  price,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
