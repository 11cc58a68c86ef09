package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/INLOpen/relayhub/core"
)

// EventType defines the type of a hook event.
type EventType string

// --- Event Type Constants ---
const (
	// Ingestion Events
	EventPreIngestReading   EventType = "PreIngestReading"
	EventPostIngestReading  EventType = "PostIngestReading"
	EventOnMalformedReading EventType = "OnMalformedReading"

	// Subscriber Lifecycle Events
	EventPostVerifyAccess EventType = "PostVerifyAccess"
	EventPostSubscribe    EventType = "PostSubscribe"
	EventPostUnsubscribe  EventType = "PostUnsubscribe"
)

// --- HookManager Interface and Implementation ---

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	// Pre-events always run synchronously and an error cancels the operation.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// ReadingPayload carries an accepted reading and the connection it arrived on.
type ReadingPayload struct {
	Reading    core.Reading
	RemoteAddr string
}

// NewPreIngestReadingEvent fires after parsing and before the reading is recorded or broadcast.
func NewPreIngestReadingEvent(payload ReadingPayload) HookEvent {
	return &BaseEvent{eventType: EventPreIngestReading, payload: payload}
}

// PostIngestReadingPayload reports where an accepted reading went.
type PostIngestReadingPayload struct {
	Reading    core.Reading
	RemoteAddr string
	Delivered  int
	Dropped    int
}

// NewPostIngestReadingEvent fires once the reading has been queued for the sink and broadcast.
func NewPostIngestReadingEvent(payload PostIngestReadingPayload) HookEvent {
	return &BaseEvent{eventType: EventPostIngestReading, payload: payload}
}

// MalformedReadingPayload describes a line that could not be parsed.
type MalformedReadingPayload struct {
	Line       []byte
	RemoteAddr string
	Error      error
}

// NewMalformedReadingEvent creates a new event for a rejected line.
func NewMalformedReadingEvent(payload MalformedReadingPayload) HookEvent {
	return &BaseEvent{eventType: EventOnMalformedReading, payload: payload}
}

// VerifyAccessPayload reports the outcome of an access check.
// Error is nil when access was granted.
type VerifyAccessPayload struct {
	Token      string
	RemoteAddr string
	Error      error
}

// NewPostVerifyAccessEvent creates a new event after an access token was checked.
func NewPostVerifyAccessEvent(payload VerifyAccessPayload) HookEvent {
	return &BaseEvent{eventType: EventPostVerifyAccess, payload: payload}
}

// SubscriberPayload identifies a subscriber session.
type SubscriberPayload struct {
	SubscriberID string
	RemoteAddr   string
	Filter       string
}

// NewPostSubscribeEvent creates a new event after a subscriber is registered.
func NewPostSubscribeEvent(payload SubscriberPayload) HookEvent {
	return &BaseEvent{eventType: EventPostSubscribe, payload: payload}
}

// NewPostUnsubscribeEvent creates a new event after a subscriber is removed.
func NewPostUnsubscribeEvent(payload SubscriberPayload) HookEvent {
	return &BaseEvent{eventType: EventPostUnsubscribe, payload: payload}
}

// --- HookListener Interface ---

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is triggered.
	// Returning an error from a "Pre" hook cancels the operation.
	// Errors from "Post" and "On" hooks are logged without affecting the operation.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for non-Pre events.
	IsAsync() bool
}

type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// Slices are kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger.With("component", "HookManager"),
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
// Listeners with equal priority run in registration order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{listener: listener, priority: listener.Priority()}
	l := m.listeners[eventType]

	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority > item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item

	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners := m.listeners[event.Type()]
	m.mu.RUnlock()

	if len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		isListenerAsync := item.listener.IsAsync()

		if isPreHook || !isListenerAsync {
			if isPreHook && isListenerAsync {
				m.logger.Warn("Listener for Pre-hook requested async execution, but Pre-hooks are always synchronous.", "event", event.Type(), "priority", item.priority)
			}
			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}

		m.wg.Add(1)
		go func(current *listenerWithPriority) {
			defer m.wg.Done()
			// Async listeners outlive the triggering request.
			if err := current.listener.OnEvent(context.WithoutCancel(ctx), event); err != nil {
				m.logger.Error("Error from asynchronous hook listener", "event", event.Type(), "priority", current.priority, "error", err)
			}
		}(item)
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
