package question

import (
	"context"
	"testing"
	"time"

	"askhuman/internal/bus"
	"askhuman/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitingStore(t *testing.T, id, dest, author, anchor string) (*Store, *PendingQuestion) {
	t.Helper()
	s := NewStore(testQuestionLogger())
	q := NewPendingQuestion(id, dest, author)
	require.NoError(t, s.Insert(q))
	require.True(t, s.SetAnchor(id, anchor))
	return s, q
}

func TestDispatcher_ResolvesMatchingReply(t *testing.T) {
	s, q := waitingStore(t, "q1", "C1", "U1", "T1")
	d := NewDispatcher(DispatcherConfig{Store: s, Logger: testQuestionLogger()})

	assert.Equal(t, OutcomeResolved, d.Dispatch(reply("C1", "U1", "T1", "yes")))
	state, answer := s.Outcome(q)
	assert.Equal(t, StateResolved, state)
	assert.Equal(t, "yes", answer)
}

func TestDispatcher_SingleFieldMismatch(t *testing.T) {
	cases := []struct {
		name string
		ev   domain.InboundEvent
		want Outcome
	}{
		{"wrong source", reply("C2", "U1", "T1", "x"), OutcomeUnmatched},
		{"wrong author", reply("C1", "U2", "T1", "x"), OutcomeUnmatched},
		{"wrong thread", reply("C1", "U1", "T9", "x"), OutcomeUnmatched},
		{"no parent", reply("C1", "U1", "", "x"), OutcomeNotThreaded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, q := waitingStore(t, "q1", "C1", "U1", "T1")
			d := NewDispatcher(DispatcherConfig{Store: s, Logger: testQuestionLogger()})

			assert.Equal(t, tc.want, d.Dispatch(tc.ev))
			state, _ := s.Outcome(q)
			assert.Equal(t, StateWaiting, state)
		})
	}
}

func TestDispatcher_IgnoresSelfOriginated(t *testing.T) {
	s, q := waitingStore(t, "q1", "C1", "U1", "T1")
	d := NewDispatcher(DispatcherConfig{Store: s, Logger: testQuestionLogger()})

	ev := reply("C1", "U1", "T1", "echo")
	ev.SelfOriginated = true
	assert.Equal(t, OutcomeSelf, d.Dispatch(ev))

	state, _ := s.Outcome(q)
	assert.Equal(t, StateWaiting, state)
}

func TestDispatcher_Malformed(t *testing.T) {
	s, _ := waitingStore(t, "q1", "C1", "U1", "T1")
	d := NewDispatcher(DispatcherConfig{Store: s, Logger: testQuestionLogger()})

	assert.Equal(t, OutcomeMalformed, d.Dispatch(reply("", "U1", "T1", "x")))
	assert.Equal(t, OutcomeMalformed, d.Dispatch(reply("C1", "", "T1", "x")))
}

func TestDispatcher_DuplicateDeliveryResolvesOnce(t *testing.T) {
	s, q := waitingStore(t, "q1", "C1", "U1", "T1")
	d := NewDispatcher(DispatcherConfig{Store: s, Logger: testQuestionLogger()})

	ev := reply("C1", "U1", "T1", "first")
	assert.Equal(t, OutcomeResolved, d.Dispatch(ev))
	ev.Text = "second"
	assert.Equal(t, OutcomeUnmatched, d.Dispatch(ev))

	_, answer := s.Outcome(q)
	assert.Equal(t, "first", answer)
}

func TestDispatcher_ReplyAfterTimeoutDoesNotMutate(t *testing.T) {
	s, q := waitingStore(t, "q1", "C1", "U1", "T1")
	d := NewDispatcher(DispatcherConfig{Store: s, Logger: testQuestionLogger()})

	require.True(t, s.TryTimeout("q1"))
	assert.Equal(t, OutcomeUnmatched, d.Dispatch(reply("C1", "U1", "T1", "late")))

	state, answer := s.Outcome(q)
	assert.Equal(t, StateTimedOut, state)
	assert.Empty(t, answer)
}

func TestDispatcher_PanicIsContained(t *testing.T) {
	events := bus.NewEventBus(testQuestionLogger())
	d := NewDispatcher(DispatcherConfig{Store: nil, Events: events, Logger: testQuestionLogger()})

	assert.Equal(t, OutcomePanic, d.Dispatch(reply("C1", "U1", "T1", "boom")))
	assert.Len(t, events.Replay(bus.EventDispatchPanic, time.Time{}), 1)

	// Still usable for events that never reach the store.
	assert.Equal(t, OutcomeNotThreaded, d.Dispatch(reply("C1", "U1", "", "top")))
}

func TestDispatcher_EmitsReceivedAndUnmatched(t *testing.T) {
	s, _ := waitingStore(t, "q1", "C1", "U1", "T1")
	events := bus.NewEventBus(testQuestionLogger())
	d := NewDispatcher(DispatcherConfig{Store: s, Events: events, Logger: testQuestionLogger()})

	d.Dispatch(reply("C1", "U1", "T9", "other thread"))
	assert.Len(t, events.Replay(bus.EventReceived, time.Time{}), 1)
	unmatched := events.Replay(bus.EventUnmatched, time.Time{})
	require.Len(t, unmatched, 1)
	assert.Equal(t, "C1", unmatched[0].Payload["source"])
}

func TestDispatcher_RunDrainsFeedUntilClosed(t *testing.T) {
	s, q := waitingStore(t, "q1", "C1", "U1", "T1")
	feed := make(chan domain.InboundEvent, 4)
	d := NewDispatcher(DispatcherConfig{Store: s, Feed: feed, Logger: testQuestionLogger()})

	feed <- reply("C1", "U2", "T1", "not me")
	feed <- reply("C1", "U1", "T1", "me")
	close(feed)

	require.NoError(t, d.Run(context.Background()))
	_, answer := s.Outcome(q)
	assert.Equal(t, "me", answer)
}

func TestDispatcher_RunStopsOnContext(t *testing.T) {
	feed := make(chan domain.InboundEvent)
	d := NewDispatcher(DispatcherConfig{Store: NewStore(nil), Feed: feed, Logger: testQuestionLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "not_threaded", OutcomeNotThreaded.String())
	assert.Equal(t, "outcome(99)", Outcome(99).String())
}
