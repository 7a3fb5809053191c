package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/dataplane-engine/log"
)

// Event types emitted for data flows.
const (
	EventFlowStateChanged = "flow.state_changed"
	EventFlowCompleted    = "flow.completed"
	EventFlowFailed       = "flow.failed"
)

const (
	// DefaultBufferSize is the capacity of the async queue.
	DefaultBufferSize = 100
	// DefaultSyncTimeout bounds PublishSync when no WithSyncTimeout option is given.
	DefaultSyncTimeout = 5 * time.Second
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel is full and cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
	// ErrHandlerPanic wraps a panic raised by a handler.
	ErrHandlerPanic = errors.New("event handler panicked")
)

// Event represents a data flow event.
type Event struct {
	ID     uint64                 // assigned on publish when the bus has a generator
	Type   string                 // e.g., "flow.state_changed", "flow.completed"
	FlowID string                 // DataFlow ID
	Time   time.Time              // set on publish when zero
	Data   map[string]interface{} // Additional event data
}

// EventHandler defines the interface for handling events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements the EventHandler interface.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// EventBus manages event subscriptions and publishing.
type EventBus struct {
	handlers     map[string][]EventHandler
	mu           sync.RWMutex
	eventCh      chan Event
	errHandler   func(event Event, err error)
	errHandlerMu sync.RWMutex
	wg           sync.WaitGroup
	closed       bool
	closeMu      sync.RWMutex
	ids          generator.Generator
	syncTimeout  time.Duration
}

// EventBusOption defines functional options for configuring EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets the async queue capacity. Non-positive sizes keep the default.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		if size > 0 {
			eb.eventCh = make(chan Event, size)
		}
	}
}

// WithErrorHandler sets a custom error handler function.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		eb.errHandlerMu.Lock()
		defer eb.errHandlerMu.Unlock()
		eb.errHandler = handler
	}
}

// WithIDGenerator assigns event ids from the given generator, e.g. a gkit snowflake.
func WithIDGenerator(ids generator.Generator) EventBusOption {
	return func(eb *EventBus) {
		eb.ids = ids
	}
}

// WithSyncTimeout overrides the timeout applied to PublishSync.
func WithSyncTimeout(d time.Duration) EventBusOption {
	return func(eb *EventBus) {
		if d > 0 {
			eb.syncTimeout = d
		}
	}
}

// NewEventBus starts a bus whose async events are delivered by a single
// goroutine in publish order. Handler errors of async events go to the error
// handler, which logs them by default.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		handlers:    make(map[string][]EventHandler),
		eventCh:     make(chan Event, DefaultBufferSize),
		errHandler:  defaultErrorHandler,
		syncTimeout: DefaultSyncTimeout,
	}
	for _, option := range options {
		option(eb)
	}

	eb.wg.Add(1)
	go eb.processEvents()
	return eb
}

// Subscribe subscribes a handler to an event type.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// SubscribeFunc subscribes a function as a handler to an event type.
func (eb *EventBus) SubscribeFunc(eventType string, handlerFunc func(ctx context.Context, event Event) error) {
	eb.Subscribe(eventType, EventHandlerFunc(handlerFunc))
}

// Unsubscribe removes a specific handler from an event type.
// Returns true if the handler was found and removed, false otherwise.
// If no handlers remain for the event type, the entry is deleted.
func (eb *EventBus) Unsubscribe(eventType string, handler EventHandler) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	handlers, exists := eb.handlers[eventType]
	if !exists {
		return false
	}

	for i, h := range handlers {
		if fmt.Sprintf("%p", h) == fmt.Sprintf("%p", handler) { // Compare pointer address
			handlers[i] = handlers[len(handlers)-1]
			eb.handlers[eventType] = handlers[:len(handlers)-1]
			if len(eb.handlers[eventType]) == 0 {
				delete(eb.handlers, eventType)
			}
			return true
		}
	}
	return false
}

// HasSubscribers checks if there are any subscribers for a given event type.
func (eb *EventBus) HasSubscribers(eventType string) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	handlers, exists := eb.handlers[eventType]
	return exists && len(handlers) > 0
}

// stamp fills in the id and time of an event about to be published.
func (eb *EventBus) stamp(event Event) (Event, error) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	if eb.ids != nil && event.ID == 0 {
		id, err := eb.ids.NextID()
		if err != nil {
			return event, fmt.Errorf("failed to generate event id: %w", err)
		}
		event.ID = id
	}
	return event, nil
}

// Publish publishes an event asynchronously to all subscribed handlers.
// Returns an error if the context is canceled, the bus is closed, or the channel is full.
// Does not guarantee immediate execution; handlers are invoked in a separate goroutine.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// held until the send so Stop cannot close the channel underneath us
	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}

	eb.mu.RLock()
	_, hasHandlers := eb.handlers[event.Type]
	eb.mu.RUnlock()

	if !hasHandlers {
		return ErrNoHandler
	}

	event, err := eb.stamp(event)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case eb.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// PublishSync publishes an event synchronously and returns all handler errors.
// Execution is subject to the sync timeout (5 seconds by default) unless the context ends sooner.
// Returns an error slice if the bus is closed, no handlers exist, or handlers fail.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) []error {
	eb.closeMu.RLock()
	if eb.closed {
		eb.closeMu.RUnlock()
		return []error{ErrBusClosed}
	}
	eb.closeMu.RUnlock()

	eb.mu.RLock()
	handlers, ok := eb.handlers[event.Type]
	eb.mu.RUnlock()

	if !ok || len(handlers) == 0 {
		return []error{ErrNoHandler}
	}

	event, err := eb.stamp(event)
	if err != nil {
		return []error{err}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, eb.syncTimeout)
	defer cancel()

	return eb.executeHandlers(timeoutCtx, handlers, event)
}

// Stop stops the event processing goroutine and waits for completion.
// Any unprocessed events are discarded to ensure a clean shutdown.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		// Drain remaining events to prevent blocking
		for len(eb.eventCh) > 0 {
			<-eb.eventCh
		}
		close(eb.eventCh)
	}
	eb.closeMu.Unlock()

	eb.wg.Wait()
}

// processEvents handles events asynchronously in a separate goroutine.
func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for event := range eb.eventCh {
		eb.mu.RLock()
		handlers, ok := eb.handlers[event.Type]
		eb.mu.RUnlock()

		if !ok || len(handlers) == 0 {
			continue
		}

		errs := eb.executeHandlers(context.Background(), handlers, event)

		eb.errHandlerMu.RLock()
		handler := eb.errHandler
		eb.errHandlerMu.RUnlock()

		for _, err := range errs {
			handler(event, err)
		}
	}
}

// executeHandlers executes all handlers for an event and collects errors.
// Handlers are run concurrently, and the function waits for all to complete.
func (eb *EventBus) executeHandlers(ctx context.Context, handlers []EventHandler, event Event) []error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h EventHandler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errCh <- fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			if err := h.Handle(ctx, event); err != nil {
				errCh <- err
			}
		}(handler)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}

	return errs
}

// defaultErrorHandler logs errors with stack traces for debugging.
func defaultErrorHandler(event Event, err error) {
	slog.Error("event handler failed",
		slog.String("event_type", event.Type),
		slog.Uint64("event_id", event.ID),
		log.FlowID(event.FlowID),
		log.Error(err),
		slog.String("stack", string(debug.Stack())),
	)
}
