package bus

import (
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a change notification published by the messaging core.
type Event struct {
	Type           string         // e.g. "message.appended", "unread.changed"
	Source         string         // originating component
	ConversationID string         // empty for viewer-scoped events
	Participants   []string       // participants the event concerns
	Payload        map[string]any // event-specific data, see Key* constants
	Timestamp      time.Time
}

// Involves reports whether the event concerns the given participant.
func (e Event) Involves(participantID string) bool {
	return slices.Contains(e.Participants, participantID)
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus is a topic-based publish/subscribe bus with wildcard
// subscriptions and a bounded history for replay.
type EventBus struct {
	handlers   map[string][]namedHandler
	mu         sync.RWMutex
	logger     *slog.Logger
	history    []Event
	maxHistory int
	nextID     atomic.Int64
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

// NewEventBus creates a new EventBus.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers:   make(map[string][]namedHandler),
		logger:     logger,
		maxHistory: 1000,
	}
}

// On registers a handler for the given event type. Use "*" to listen to all
// events. Returns the handler ID for Off.
func (eb *EventBus) On(eventType string, handler EventHandler) string {
	id := eventType + "-" + strconv.FormatInt(eb.nextID.Add(1), 10)
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(eventType, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[eventType]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit publishes an event to all registered handlers synchronously, in
// registration order. A panicking handler is logged and skipped.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	if len(eb.history) >= eb.maxHistory {
		eb.history = eb.history[1:]
	}
	eb.history = append(eb.history, event)
	handlers := make([]namedHandler, 0, len(eb.handlers[event.Type])+len(eb.handlers["*"]))
	handlers = append(handlers, eb.handlers[event.Type]...)
	handlers = append(handlers, eb.handlers["*"]...)
	eb.mu.Unlock()

	for _, h := range handlers {
		func(nh namedHandler) {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "event", event.Type, "handler", nh.ID, "panic", r)
				}
			}()
			nh.Handler(event)
		}(h)
	}
}

// Replay returns historical events matching the given type since the given
// time. Use "*" for all event types.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.history {
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == "*" || e.Type == eventType {
			result = append(result, e)
		}
	}
	return result
}

// HistoryLen returns the current number of events in the history buffer.
func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.history)
}

// Well-known event types.
const (
	EventConversationCreated = "conversation.created"
	EventMessageAppended     = "message.appended"
	EventMessageStatus       = "message.status"
	EventConversationRead    = "conversation.read"
	EventContextBound        = "context.bound"
	EventUnreadChanged       = "unread.changed"
	EventTyping              = "presence.typing"
)

// Payload keys.
const (
	KeyMessage = "message" // domain.Message
	KeyStatus  = "status"  // domain.MessageStatus
	KeyViewer  = "viewer"  // string
	KeyRead    = "read"    // int, messages transitioned to read
	KeyTotal   = "total"   // int
	KeyCounts  = "counts"  // map[string]int
	KeyContext = "context" // domain.ContextBinding
	KeyTyping  = "typing"  // bool
	KeyPeer    = "peer"    // string, participant who is typing
)
