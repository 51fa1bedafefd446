package metrics

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"askhuman/internal/bus"
)

func testMetricsLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCollector_RenderCountersAndGauges(t *testing.T) {
	c := NewCollector("askhuman")
	c.Counter("askhuman_a_total", "A things", "").Add(3)
	c.Counter("askhuman_b_total", "B things", `transport="slack"`).Inc()
	c.Gauge("askhuman_g", "G", "").Set(7)

	out := c.Render()
	for _, want := range []string{
		"askhuman_uptime_seconds ",
		"# TYPE askhuman_a_total counter",
		"askhuman_a_total 3",
		`askhuman_b_total{transport="slack"} 1`,
		"# TYPE askhuman_g gauge",
		"askhuman_g 7",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestCollector_SameKeyReturnsSameMetric(t *testing.T) {
	c := NewCollector("")
	a := c.Counter("x_total", "x", "")
	b := c.Counter("x_total", "x", "")
	if a != b {
		t.Fatal("expected the same counter for the same name and labels")
	}
	if strings.Contains(c.Render(), "uptime") {
		t.Error("no uptime gauge without a prefix")
	}
}

func TestHistogram_CumulativeBucketsWithInf(t *testing.T) {
	c := NewCollector("")
	h := c.Histogram("lat_seconds", "latency", "", []float64{5, 1})
	h.Observe(0.5)
	h.Observe(3)
	h.Observe(100)

	out := c.Render()
	for _, want := range []string{
		`lat_seconds_bucket{le="1"} 1`,
		`lat_seconds_bucket{le="5"} 2`,
		`lat_seconds_bucket{le="+Inf"} 3`,
		"lat_seconds_count 3",
		"lat_seconds_sum 103.500000",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestQuestions_LifecycleFromEvents(t *testing.T) {
	c := NewCollector("askhuman")
	q := NewQuestions(c)
	events := bus.NewEventBus(testMetricsLogger())
	q.Subscribe(events)

	emit := func(typ string, payload map[string]any) {
		events.Emit(bus.Event{Type: typ, Payload: payload})
	}
	emit(bus.EventQuestionAsked, map[string]any{})
	emit(bus.EventQuestionAsked, map[string]any{})
	emit(bus.EventQuestionAsked, map[string]any{})
	emit(bus.EventQuestionResolved, map[string]any{"latency_seconds": 2.5})
	emit(bus.EventQuestionTimedOut, map[string]any{})
	emit(bus.EventQuestionCanceled, map[string]any{"reason": "send_failed"})
	emit(bus.EventReceived, nil)
	emit(bus.EventReceived, nil)
	emit(bus.EventUnmatched, nil)
	emit(bus.EventIgnored, map[string]any{"reason": "self"})
	emit(bus.EventDispatchPanic, nil)

	checks := map[string][2]int64{
		"asked":     {q.Asked.Value(), 3},
		"resolved":  {q.Resolved.Value(), 1},
		"timedOut":  {q.TimedOut.Value(), 1},
		"canceled":  {q.Canceled.Value(), 1},
		"received":  {q.Received.Value(), 2},
		"unmatched": {q.Unmatched.Value(), 1},
		"ignored":   {q.Ignored.Value(), 1},
		"panics":    {q.Panics.Value(), 1},
		// send_failed never counted as pending
		"pending": {q.Pending.Value(), 1},
		"latency": {q.Latency.Count(), 1},
	}
	for name, v := range checks {
		if v[0] != v[1] {
			t.Errorf("%s: got %d, want %d", name, v[0], v[1])
		}
	}

	emit(bus.EventQuestionCanceled, map[string]any{"reason": "context"})
	if q.Pending.Value() != 0 {
		t.Errorf("pending after context cancel: %d", q.Pending.Value())
	}
}

func TestServer_Routes(t *testing.T) {
	c := NewCollector("askhuman")
	NewQuestions(c).Asked.Inc()
	events := bus.NewEventBus(testMetricsLogger())
	events.Emit(bus.Event{Type: bus.EventQuestionAsked, Source: "engine", Payload: map[string]any{"question_id": "q-1"}})
	events.Emit(bus.Event{Type: bus.EventReceived, Source: "dispatcher"})

	var ready atomic.Bool
	srv := NewServer(ServerConfig{
		Collector: c,
		Events:    events,
		Ready:     ready.Load,
		Logger:    testMetricsLogger(),
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "askhuman_questions_asked_total 1") {
		t.Errorf("unexpected metrics body:\n%s", body)
	}

	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 while not ready, got %d", resp.StatusCode)
	}
	ready.Store(true)
	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 when ready, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/debug/events?type=" + bus.EventQuestionAsked)
	if err != nil {
		t.Fatal(err)
	}
	var got []eventView
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(got) != 1 || got[0].Type != bus.EventQuestionAsked || got[0].Payload["question_id"] != "q-1" {
		t.Errorf("unexpected replay: %+v", got)
	}

	resp, err = http.Get(ts.URL + "/debug/events?since=yesterday")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad since, got %d", resp.StatusCode)
	}
}
