package question

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"askhuman/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQuestionLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func reply(source, author, parent, text string) domain.InboundEvent {
	return domain.InboundEvent{
		Transport:       "fake",
		SourceID:        source,
		AuthorID:        author,
		Text:            text,
		MessageID:       "m-" + text,
		ParentMessageID: parent,
		Timestamp:       time.Now(),
	}
}

func TestStore_InsertDuplicate(t *testing.T) {
	s := NewStore(testQuestionLogger())
	q := NewPendingQuestion("q1", "C1", "U1")
	require.NoError(t, s.Insert(q))

	err := s.Insert(NewPendingQuestion("q1", "C1", "U1"))
	require.ErrorIs(t, err, ErrInvariantViolation)
	assert.Equal(t, 1, s.Len())
}

func TestStore_RemoveUnknownIsNoop(t *testing.T) {
	s := NewStore(testQuestionLogger())
	require.NoError(t, s.Insert(NewPendingQuestion("q1", "C1", "U1")))
	s.Remove("missing")
	assert.Equal(t, 1, s.Len())
	s.Remove("q1")
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.Snapshot())
}

func TestStore_ClaimsAreExclusive(t *testing.T) {
	s := NewStore(testQuestionLogger())
	q := NewPendingQuestion("q1", "C1", "U1")
	require.NoError(t, s.Insert(q))

	require.True(t, s.TryTimeout("q1"))
	assert.False(t, s.TryResolve("q1", "late"))
	assert.False(t, s.TryCancel("q1"))

	state, answer := s.Outcome(q)
	assert.Equal(t, StateTimedOut, state)
	assert.Empty(t, answer)

	select {
	case <-q.Done():
	default:
		t.Fatal("done channel should be closed after a claim")
	}
}

func TestStore_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	for round := 0; round < 50; round++ {
		s := NewStore(testQuestionLogger())
		q := NewPendingQuestion("q", "C1", "U1")
		require.NoError(t, s.Insert(q))

		var wins atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		claims := []func() bool{
			func() bool { return s.TryResolve("q", "a") },
			func() bool { return s.TryResolve("q", "b") },
			func() bool { return s.TryTimeout("q") },
			func() bool { return s.TryCancel("q") },
		}
		for _, c := range claims {
			wg.Add(1)
			go func(claim func() bool) {
				defer wg.Done()
				<-start
				if claim() {
					wins.Add(1)
				}
			}(c)
		}
		close(start)
		wg.Wait()

		require.Equal(t, int32(1), wins.Load(), "round %d", round)
		state, _ := s.Outcome(q)
		assert.True(t, state.Terminal())
	}
}

func TestStore_FindWaitingMatchingOldestFirst(t *testing.T) {
	s := NewStore(testQuestionLogger())
	first := NewPendingQuestion("q1", "C1", "U1")
	second := NewPendingQuestion("q2", "C1", "U1")
	require.NoError(t, s.Insert(first))
	require.NoError(t, s.Insert(second))
	require.True(t, s.SetAnchor("q1", "A"))
	require.True(t, s.SetAnchor("q2", "A"))

	ev := reply("C1", "U1", "A", "x")
	e, ok := s.FindWaitingMatching(func(e Entry) bool { return e.Matches(ev) })
	require.True(t, ok)
	assert.Equal(t, "q1", e.ID)

	require.True(t, s.TryTimeout("q1"))
	e, ok = s.FindWaitingMatching(func(e Entry) bool { return e.Matches(ev) })
	require.True(t, ok)
	assert.Equal(t, "q2", e.ID)
}

func TestStore_SetAnchorReplaysEarlyReply(t *testing.T) {
	s := NewStore(testQuestionLogger())
	q := NewPendingQuestion("q1", "C1", "U1")
	require.NoError(t, s.Insert(q))

	// Reply observed before the send returned its message id.
	s.ResolveOrRemember(reply("C1", "U1", "A", "early"))
	require.True(t, s.SetAnchor("q1", "A"))

	state, answer := s.Outcome(q)
	assert.Equal(t, StateResolved, state)
	assert.Equal(t, "early", answer)
}

func TestStore_ReplyBeforeAnchorIsNotLost(t *testing.T) {
	s := NewStore(testQuestionLogger())
	q := NewPendingQuestion("q1", "C1", "U1")
	require.NoError(t, s.Insert(q))

	// Dispatcher sees the reply while the engine is still waiting for the
	// send to return, then the engine records the anchor.
	_, ok := s.ResolveOrRemember(reply("C1", "U1", "T1", "quick"))
	require.False(t, ok)
	require.True(t, s.SetAnchor("q1", "T1"))

	state, answer := s.Outcome(q)
	assert.Equal(t, StateResolved, state)
	assert.Equal(t, "quick", answer)
	assert.Empty(t, s.recent)
}

func TestStore_ResolveOrRememberAfterAnchor(t *testing.T) {
	s := NewStore(testQuestionLogger())
	q := NewPendingQuestion("q1", "C1", "U1")
	require.NoError(t, s.Insert(q))
	require.True(t, s.SetAnchor("q1", "T1"))

	e, ok := s.ResolveOrRemember(reply("C1", "U1", "T1", "yes"))
	require.True(t, ok)
	assert.Equal(t, "q1", e.ID)
	assert.Empty(t, s.recent)

	state, answer := s.Outcome(q)
	assert.Equal(t, StateResolved, state)
	assert.Equal(t, "yes", answer)
}

func TestStore_ResolveOrRememberRacesSetAnchor(t *testing.T) {
	for i := 0; i < 200; i++ {
		s := NewStore(testQuestionLogger())
		q := NewPendingQuestion("q1", "C1", "U1")
		require.NoError(t, s.Insert(q))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); s.ResolveOrRemember(reply("C1", "U1", "T1", "hi")) }()
		go func() { defer wg.Done(); s.SetAnchor("q1", "T1") }()
		wg.Wait()

		state, _ := s.Outcome(q)
		require.Equal(t, StateResolved, state, "iteration %d", i)
	}
}

func TestStore_SetAnchorIgnoresForeignRecentEvents(t *testing.T) {
	s := NewStore(testQuestionLogger())
	q := NewPendingQuestion("q1", "C1", "U1")
	require.NoError(t, s.Insert(q))

	s.ResolveOrRemember(reply("C2", "U1", "A", "other channel"))
	s.ResolveOrRemember(reply("C1", "U2", "A", "other author"))
	s.ResolveOrRemember(reply("C1", "U1", "B", "other thread"))
	require.True(t, s.SetAnchor("q1", "A"))

	state, _ := s.Outcome(q)
	assert.Equal(t, StateWaiting, state)
}

func TestStore_RecentEventsExpire(t *testing.T) {
	s := NewStore(testQuestionLogger())
	now := time.Now()
	s.now = func() time.Time { return now }

	s.ResolveOrRemember(reply("C1", "U1", "A", "stale"))
	now = now.Add(defaultRecentTTL + time.Second)

	q := NewPendingQuestion("q1", "C1", "U1")
	require.NoError(t, s.Insert(q))
	require.True(t, s.SetAnchor("q1", "A"))

	state, _ := s.Outcome(q)
	assert.Equal(t, StateWaiting, state)
}

func TestStore_RecentEventsBounded(t *testing.T) {
	s := NewStore(testQuestionLogger())
	s.recentMax = 2
	s.ResolveOrRemember(reply("C1", "U1", "A", "one"))
	s.ResolveOrRemember(reply("C1", "U1", "B", "two"))
	s.ResolveOrRemember(reply("C1", "U1", "C", "three"))
	assert.Len(t, s.recent, 2)
	assert.Equal(t, "two", s.recent[0].ev.Text)
}

func TestStore_RememberSkipsTopLevelAndSelf(t *testing.T) {
	s := NewStore(testQuestionLogger())
	s.ResolveOrRemember(reply("C1", "U1", "", "top level"))
	self := reply("C1", "U1", "A", "self")
	self.SelfOriginated = true
	s.ResolveOrRemember(self)
	assert.Empty(t, s.recent)
}

func TestStore_SetAnchorOnTerminal(t *testing.T) {
	s := NewStore(testQuestionLogger())
	require.NoError(t, s.Insert(NewPendingQuestion("q1", "C1", "U1")))
	require.True(t, s.TryCancel("q1"))
	assert.False(t, s.SetAnchor("q1", "A"))
	assert.False(t, s.SetAnchor("missing", "A"))
}

func TestEntry_MatchesRequiresEveryField(t *testing.T) {
	e := Entry{ID: "q1", Destination: "C1", ExpectedAuthor: "U1", Anchor: "A"}

	assert.True(t, e.Matches(reply("C1", "U1", "A", "ok")))
	assert.False(t, e.Matches(reply("C2", "U1", "A", "wrong source")))
	assert.False(t, e.Matches(reply("C1", "U2", "A", "wrong author")))
	assert.False(t, e.Matches(reply("C1", "U1", "B", "wrong thread")))
	assert.False(t, e.Matches(reply("C1", "U1", "", "top level")))

	self := reply("C1", "U1", "A", "self")
	self.SelfOriginated = true
	assert.False(t, e.Matches(self))

	noAnchor := Entry{ID: "q2", Destination: "C1", ExpectedAuthor: "U1"}
	assert.False(t, noAnchor.Matches(reply("C1", "U1", "", "empty parent")))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "waiting", StateWaiting.String())
	assert.Equal(t, "timed_out", StateTimedOut.String())
	assert.False(t, StateWaiting.Terminal())
	assert.True(t, StateCanceled.Terminal())
}
