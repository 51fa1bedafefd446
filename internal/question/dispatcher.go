package question

import (
	"context"
	"fmt"
	"log/slog"

	"askhuman/internal/bus"
	"askhuman/internal/domain"

	"github.com/sourcegraph/conc/panics"
)

// Outcome is what the dispatcher did with one inbound event.
type Outcome int

const (
	OutcomeResolved Outcome = iota
	OutcomeSelf
	OutcomeMalformed
	OutcomeNotThreaded
	OutcomeUnmatched
	OutcomePanic
)

func (o Outcome) String() string {
	switch o {
	case OutcomeResolved:
		return "resolved"
	case OutcomeSelf:
		return "self"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeNotThreaded:
		return "not_threaded"
	case OutcomeUnmatched:
		return "unmatched"
	case OutcomePanic:
		return "panic"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// DispatcherConfig configures the dispatcher.
type DispatcherConfig struct {
	Store  *Store
	Feed   <-chan domain.InboundEvent
	Events *bus.EventBus // optional
	Logger *slog.Logger
}

// Dispatcher drains the inbound feed and resolves pending questions.
type Dispatcher struct {
	store  *Store
	feed   <-chan domain.InboundEvent
	events *bus.EventBus
	logger *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		store:  cfg.Store,
		feed:   cfg.Feed,
		events: cfg.Events,
		logger: cfg.Logger,
	}
}

// Run processes events in arrival order until ctx is done or the feed closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return nil
		case ev, ok := <-d.feed:
			if !ok {
				d.logger.Info("inbound feed closed, dispatcher stopping")
				return nil
			}
			d.Dispatch(ev)
		}
	}
}

// Dispatch evaluates one event. A panic is contained to the event that caused it.
func (d *Dispatcher) Dispatch(ev domain.InboundEvent) Outcome {
	out := OutcomePanic
	recovered := panics.Try(func() {
		out = d.dispatch(ev)
	})
	if recovered != nil {
		d.logger.Error("event dispatch panicked, event skipped",
			"transport", ev.Transport,
			"message_id", ev.MessageID,
			"err", fmt.Errorf("%w: %w", ErrInvariantViolation, recovered.AsError()),
		)
		d.emit(bus.EventDispatchPanic, ev, nil)
		return OutcomePanic
	}
	return out
}

func (d *Dispatcher) dispatch(ev domain.InboundEvent) Outcome {
	d.emit(bus.EventReceived, ev, nil)

	if ev.SelfOriginated {
		d.logger.Debug("ignoring self-originated event", "message_id", ev.MessageID)
		d.emit(bus.EventIgnored, ev, map[string]any{"reason": "self"})
		return OutcomeSelf
	}
	if ev.SourceID == "" || ev.AuthorID == "" {
		d.logger.Warn("skipping malformed event",
			"transport", ev.Transport,
			"source", ev.SourceID,
			"author", ev.AuthorID,
			"message_id", ev.MessageID,
		)
		d.emit(bus.EventIgnored, ev, map[string]any{"reason": "malformed"})
		return OutcomeMalformed
	}
	if !ev.IsThreadReply() {
		d.logger.Debug("ignoring top-level message", "source", ev.SourceID, "author", ev.AuthorID)
		d.emit(bus.EventIgnored, ev, map[string]any{"reason": "not_threaded"})
		return OutcomeNotThreaded
	}

	entry, ok := d.store.ResolveOrRemember(ev)
	if !ok {
		d.logMismatch(ev)
		d.emit(bus.EventUnmatched, ev, nil)
		return OutcomeUnmatched
	}

	d.logger.Info("reply matched",
		"question_id", entry.ID,
		"anchor", entry.Anchor,
		"author", ev.AuthorID,
		"message_id", ev.MessageID,
	)
	return OutcomeResolved
}

// logMismatch reports a reply from the expected author in the right channel but
// another thread. It is never treated as an answer.
func (d *Dispatcher) logMismatch(ev domain.InboundEvent) {
	near, ok := d.store.FindWaitingMatching(func(e Entry) bool {
		return e.Anchor != "" && e.Destination == ev.SourceID && e.ExpectedAuthor == ev.AuthorID
	})
	if !ok {
		d.logger.Debug("no pending question for event",
			"source", ev.SourceID,
			"author", ev.AuthorID,
			"parent", ev.ParentMessageID,
		)
		return
	}
	d.logger.Info("reply in a different thread, not matched",
		"question_id", near.ID,
		"anchor", near.Anchor,
		"parent", ev.ParentMessageID,
	)
}

func (d *Dispatcher) emit(eventType string, ev domain.InboundEvent, payload map[string]any) {
	if d.events == nil {
		return
	}
	if payload == nil {
		payload = make(map[string]any, 3)
	}
	payload["transport"] = ev.Transport
	payload["source"] = ev.SourceID
	payload["message_id"] = ev.MessageID
	d.events.Emit(bus.Event{Type: eventType, Source: "dispatcher", Payload: payload})
}
