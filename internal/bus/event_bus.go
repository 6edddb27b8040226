package bus

import (
	"sync"

	"github.com/sirupsen/logrus"
)

type EventType string

const (
	EventMessageReceived     EventType = "messageReceived"
	EventMessageValidated    EventType = "messageValidated"
	EventMessageRouted       EventType = "messageRouted"
	EventMessageDelivered    EventType = "messageDelivered"
	EventMessageFailed       EventType = "messageFailed"
	EventMessageAcknowledged EventType = "messageAcknowledged"
	EventRoutingError        EventType = "routingError"
	EventRuleApplied         EventType = "ruleApplied"

	EventSessionUpdated EventType = "sessionUpdated"

	EventAgentRegistered    EventType = "agentRegistered"
	EventAgentUnregistered  EventType = "agentUnregistered"
	EventAgentStatusChanged EventType = "agentStatusChanged"

	EventRouterLog EventType = "routerLog"
)

// AllEventTypes lists every event type SubscribeAll attaches to.
var AllEventTypes = []EventType{
	EventMessageReceived,
	EventMessageValidated,
	EventMessageRouted,
	EventMessageDelivered,
	EventMessageFailed,
	EventMessageAcknowledged,
	EventRoutingError,
	EventRuleApplied,
	EventSessionUpdated,
	EventAgentRegistered,
	EventAgentUnregistered,
	EventAgentStatusChanged,
	EventRouterLog,
}

type Event struct {
	Type    EventType              `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}

type EventHandler func(event Event)

const defaultBufferSize = 100

// EventBus fans events out to subscribers. Publish never blocks: when the
// buffer is full the event is dropped.
type EventBus struct {
	mu        sync.RWMutex
	handlers  map[EventType][]EventHandler
	logger    *logrus.Logger
	eventChan chan Event
	stopChan  chan struct{}
	stopOnce  sync.Once
	dropped   uint64
}

func NewEventBus(logger *logrus.Logger) *EventBus {
	return NewEventBusWithBuffer(logger, defaultBufferSize)
}

func NewEventBusWithBuffer(logger *logrus.Logger, size int) *EventBus {
	if logger == nil {
		logger = logrus.New()
	}
	if size <= 0 {
		size = defaultBufferSize
	}
	eb := &EventBus{
		handlers:  make(map[EventType][]EventHandler),
		logger:    logger,
		eventChan: make(chan Event, size),
		stopChan:  make(chan struct{}),
	}

	go eb.processEvents()

	return eb
}

func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
	eb.logger.Debugf("Handler subscribed to event type: %s", eventType)
}

func (eb *EventBus) SubscribeAll(handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for _, eventType := range AllEventTypes {
		eb.handlers[eventType] = append(eb.handlers[eventType], handler)
	}

	eb.logger.Debug("Handler subscribed to all event types")
}

func (eb *EventBus) Publish(event Event) {
	select {
	case <-eb.stopChan:
		return
	default:
	}

	select {
	case eb.eventChan <- event:
	default:
		eb.mu.Lock()
		eb.dropped++
		eb.mu.Unlock()
		// Warn goes through the log hook, which publishes again; keep this at debug.
		eb.logger.Debugf("Event channel full, dropping event: %s", event.Type)
	}
}

// Emit is a shorthand for Publish(Event{Type: eventType, Payload: payload}).
func (eb *EventBus) Emit(eventType EventType, payload map[string]interface{}) {
	eb.Publish(Event{Type: eventType, Payload: payload})
}

// Dropped returns how many events were discarded because the buffer was full.
func (eb *EventBus) Dropped() uint64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.dropped
}

func (eb *EventBus) processEvents() {
	for {
		select {
		case event := <-eb.eventChan:
			eb.handleEvent(event)
		case <-eb.stopChan:
			eb.logger.Debug("EventBus stopped")
			return
		}
	}
}

func (eb *EventBus) handleEvent(event Event) {
	eb.mu.RLock()
	handlers := eb.handlers[event.Type]
	eb.mu.RUnlock()

	for _, handler := range handlers {
		func(h EventHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Errorf("Panic in event handler for %s: %v", event.Type, r)
				}
			}()
			h(event)
		}(handler)
	}
}

// Stop halts delivery. Events still buffered are discarded. Safe to call twice.
func (eb *EventBus) Stop() {
	eb.stopOnce.Do(func() {
		close(eb.stopChan)
	})
}
