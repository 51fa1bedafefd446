package metrics

import (
	"askhuman/internal/bus"
)

// Questions holds the question lifecycle metrics.
type Questions struct {
	Asked     *Counter
	Resolved  *Counter
	TimedOut  *Counter
	Canceled  *Counter
	Received  *Counter
	Unmatched *Counter
	Ignored   *Counter
	Panics    *Counter
	Pending   *Gauge
	Latency   *Histogram
}

// NewQuestions registers the askhuman_* metrics on c.
func NewQuestions(c *Collector) *Questions {
	return &Questions{
		Asked:     c.Counter("askhuman_questions_asked_total", "Questions posted to a channel", ""),
		Resolved:  c.Counter("askhuman_questions_resolved_total", "Questions answered in thread", ""),
		TimedOut:  c.Counter("askhuman_questions_timed_out_total", "Questions that got no reply in time", ""),
		Canceled:  c.Counter("askhuman_questions_canceled_total", "Questions canceled by send failure or caller", ""),
		Received:  c.Counter("askhuman_events_received_total", "Inbound events seen by the dispatcher", ""),
		Unmatched: c.Counter("askhuman_events_unmatched_total", "Thread replies matching no pending question", ""),
		Ignored:   c.Counter("askhuman_events_ignored_total", "Inbound events dropped before matching", ""),
		Panics:    c.Counter("askhuman_dispatch_panics_total", "Inbound events whose handling panicked", ""),
		Pending:   c.Gauge("askhuman_pending_questions", "Questions posted and waiting for a reply", ""),
		Latency: c.Histogram("askhuman_answer_latency_seconds", "Time from ask to answer in seconds", "",
			[]float64{1, 2, 5, 10, 20, 30, 45, 60, 120}),
	}
}

// Subscribe updates the metrics from lifecycle events on events. It returns
// the handler id for EventBus.Off("*", id).
func (q *Questions) Subscribe(events *bus.EventBus) string {
	return events.On("*", q.Observe)
}

// Observe applies one event.
func (q *Questions) Observe(ev bus.Event) {
	switch ev.Type {
	case bus.EventQuestionAsked:
		q.Asked.Inc()
		q.Pending.Inc()
	case bus.EventQuestionResolved:
		q.Resolved.Inc()
		q.Pending.Dec()
		if secs, ok := ev.Payload["latency_seconds"].(float64); ok {
			q.Latency.Observe(secs)
		}
	case bus.EventQuestionTimedOut:
		q.TimedOut.Inc()
		q.Pending.Dec()
	case bus.EventQuestionCanceled:
		q.Canceled.Inc()
		// A failed send never reached the asked state.
		if ev.Payload["reason"] != "send_failed" {
			q.Pending.Dec()
		}
	case bus.EventReceived:
		q.Received.Inc()
	case bus.EventUnmatched:
		q.Unmatched.Inc()
	case bus.EventIgnored:
		q.Ignored.Inc()
	case bus.EventDispatchPanic:
		q.Panics.Inc()
	}
}
