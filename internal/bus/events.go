package bus

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
)

const defaultHistory = 1000

// Event is one question lifecycle or dispatch event.
type Event struct {
	Type      string         // e.g. "question.asked", "question.resolved", "event.unmatched"
	Source    string         // originating component
	Payload   map[string]any // event-specific data
	Timestamp time.Time      // when the event was created
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus is a synchronous topic bus for internal events. Patterns are an
// exact type, "*" for everything, or a "question.*" style prefix. The most
// recent events are kept in a ring for Replay.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]namedHandler // keyed by pattern
	seq      int
	logger   *slog.Logger

	ring []Event
	next int
	full bool
}

type namedHandler struct {
	ID      string
	Handler EventHandler
}

// NewEventBus creates a bus keeping the last 1000 events for replay.
func NewEventBus(logger *slog.Logger) *EventBus {
	return newEventBus(logger, defaultHistory)
}

func newEventBus(logger *slog.Logger, history int) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		handlers: make(map[string][]namedHandler),
		logger:   logger,
		ring:     make([]Event, history),
	}
}

// On registers a handler for pattern and returns its id for Off.
func (eb *EventBus) On(pattern string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.seq++
	id := pattern + "-" + strconv.Itoa(eb.seq)
	eb.handlers[pattern] = append(eb.handlers[pattern], namedHandler{ID: id, Handler: handler})
	return id
}

// Off removes a handler by its ID.
func (eb *EventBus) Off(pattern, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[pattern]
	for i, h := range handlers {
		if h.ID == handlerID {
			eb.handlers[pattern] = append(handlers[:i:i], handlers[i+1:]...)
			if len(eb.handlers[pattern]) == 0 {
				delete(eb.handlers, pattern)
			}
			return
		}
	}
}

// Emit records the event and calls every matching handler in the caller's
// goroutine. A panicking handler is logged and skipped. Emit on a nil bus
// is a no-op.
func (eb *EventBus) Emit(event Event) {
	if eb == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	eb.ring[eb.next] = event
	eb.next = (eb.next + 1) % len(eb.ring)
	if eb.next == 0 {
		eb.full = true
	}
	var handlers []namedHandler
	for pattern, hs := range eb.handlers {
		if matchType(pattern, event.Type) {
			handlers = append(handlers, hs...)
		}
	}
	eb.mu.Unlock()

	for _, h := range handlers {
		if r := panics.Try(func() { h.Handler(event) }); r != nil {
			eb.logger.Error("event handler panic", "event", event.Type, "handler", h.ID, "panic", r.Value)
		}
	}
}

// Replay returns recorded events matching pattern at or after since, oldest first.
func (eb *EventBus) Replay(pattern string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	for _, e := range eb.ordered() {
		if e.Timestamp.Before(since) || !matchType(pattern, e.Type) {
			continue
		}
		result = append(result, e)
	}
	return result
}

// HistoryLen returns the current number of recorded events.
func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.full {
		return len(eb.ring)
	}
	return eb.next
}

// ordered returns the ring oldest first. Caller holds mu.
func (eb *EventBus) ordered() []Event {
	if !eb.full {
		return eb.ring[:eb.next]
	}
	out := make([]Event, 0, len(eb.ring))
	out = append(out, eb.ring[eb.next:]...)
	return append(out, eb.ring[:eb.next]...)
}

func matchType(pattern, eventType string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	default:
		return pattern == eventType
	}
}

// Event types emitted by the engine and dispatcher.
const (
	EventQuestionAsked    = "question.asked"
	EventQuestionResolved = "question.resolved"
	EventQuestionTimedOut = "question.timed_out"
	EventQuestionCanceled = "question.canceled"
	EventReceived         = "event.received"
	EventUnmatched        = "event.unmatched"
	EventIgnored          = "event.ignored"
	EventDispatchPanic    = "event.dispatch_panic"
)
