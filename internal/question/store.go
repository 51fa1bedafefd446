package question

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"askhuman/internal/domain"
)

const (
	defaultRecentMax = 128
	defaultRecentTTL = 2 * time.Minute
)

// State is the lifecycle state of a pending question.
type State int

const (
	StateWaiting State = iota
	StateResolved
	StateTimedOut
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateResolved:
		return "resolved"
	case StateTimedOut:
		return "timed_out"
	case StateCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s != StateWaiting
}

// PendingQuestion is an in-flight question awaiting a reply.
// The exported fields are fixed at creation; everything else is guarded by the Store.
type PendingQuestion struct {
	ID             string
	Destination    string
	ExpectedAuthor string
	CreatedAt      time.Time

	anchor string
	state  State
	answer string
	done   chan struct{}
}

// NewPendingQuestion returns a Waiting question with no anchor yet.
func NewPendingQuestion(id, destination, expectedAuthor string) *PendingQuestion {
	return &PendingQuestion{
		ID:             id,
		Destination:    destination,
		ExpectedAuthor: expectedAuthor,
		CreatedAt:      time.Now(),
		state:          StateWaiting,
		done:           make(chan struct{}),
	}
}

// Done is closed when the question reaches a terminal state.
func (q *PendingQuestion) Done() <-chan struct{} {
	return q.done
}

// Entry is a point-in-time copy of a pending question.
type Entry struct {
	ID             string
	Destination    string
	ExpectedAuthor string
	Anchor         string
	State          State
	CreatedAt      time.Time
}

// Matches applies the correlation rule: same source, same author, and a thread
// reply whose parent is this question's anchor. Self-originated and top-level
// messages never match.
func (e Entry) Matches(ev domain.InboundEvent) bool {
	if ev.SelfOriginated {
		return false
	}
	if ev.SourceID != e.Destination {
		return false
	}
	if ev.AuthorID != e.ExpectedAuthor {
		return false
	}
	return e.Anchor != "" && ev.ParentMessageID == e.Anchor
}

type recentEvent struct {
	ev   domain.InboundEvent
	seen time.Time
}

// Store maps question ids to pending questions. It is the only shared mutable
// state between askers and the dispatcher; every operation holds one mutex so
// terminal claims have exactly one winner.
type Store struct {
	mu      sync.Mutex
	entries map[string]*PendingQuestion
	order   []string

	recent    []recentEvent
	recentMax int
	recentTTL time.Duration

	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates an empty store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		entries:   make(map[string]*PendingQuestion),
		recentMax: defaultRecentMax,
		recentTTL: defaultRecentTTL,
		logger:    logger,
		now:       time.Now,
	}
}

// Insert adds a Waiting question. Inserting an id twice is an invariant violation.
func (s *Store) Insert(q *PendingQuestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[q.ID]; exists {
		return fmt.Errorf("%w: duplicate question id %s", ErrInvariantViolation, q.ID)
	}
	if q.state != StateWaiting {
		return fmt.Errorf("%w: question %s inserted in state %s", ErrInvariantViolation, q.ID, q.state)
	}
	s.entries[q.ID] = q
	s.order = append(s.order, q.ID)
	return nil
}

// Remove deletes the entry. Removing an unknown id is a no-op.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return
	}
	delete(s.entries, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
}

// FindWaitingMatching returns the oldest Waiting entry accepted by pred.
// pred runs with the store locked and must not call back into the store.
func (s *Store) FindWaitingMatching(pred func(Entry) bool) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		q := s.entries[id]
		if q.state != StateWaiting {
			continue
		}
		if e := entryOf(q); pred(e) {
			return e, true
		}
	}
	return Entry{}, false
}

// SetAnchor records the outbound message id once the send returns. Threaded
// events the dispatcher saw before the anchor was known are replayed against
// the question, so a fast reply is not lost. Returns false if the question is
// unknown or already terminal.
func (s *Store) SetAnchor(id, anchor string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.entries[id]
	if !ok || q.state != StateWaiting {
		return false
	}
	q.anchor = anchor

	s.pruneRecentLocked()
	e := entryOf(q)
	for i, r := range s.recent {
		if !e.Matches(r.ev) {
			continue
		}
		s.recent = append(s.recent[:i:i], s.recent[i+1:]...)
		if s.claimLocked(q, StateResolved, r.ev.Text) {
			s.logger.Info("reply matched from recent events",
				"question_id", q.ID,
				"anchor", anchor,
				"message_id", r.ev.MessageID,
			)
		}
		break
	}
	return true
}

// ResolveOrRemember resolves the oldest Waiting question matching ev with its
// text, or keeps ev in the recent ring when none matches. Both happen under
// one lock so a concurrent SetAnchor either sees the event or is seen by it.
func (s *Store) ResolveOrRemember(ev domain.InboundEvent) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		q := s.entries[id]
		if q.state != StateWaiting {
			continue
		}
		if e := entryOf(q); e.Matches(ev) {
			s.claimLocked(q, StateResolved, ev.Text)
			return e, true
		}
	}
	s.rememberLocked(ev)
	return Entry{}, false
}

// rememberLocked keeps a threaded event that matched nothing for a short time
// so SetAnchor can replay it. Caller holds mu.
func (s *Store) rememberLocked(ev domain.InboundEvent) {
	if ev.SelfOriginated || !ev.IsThreadReply() {
		return
	}
	s.pruneRecentLocked()
	if len(s.recent) >= s.recentMax {
		s.recent = s.recent[1:]
	}
	s.recent = append(s.recent, recentEvent{ev: ev, seen: s.now()})
}

// TryResolve claims the question as Resolved with the answer text.
// It returns false if the question is unknown or already terminal.
func (s *Store) TryResolve(id, text string) bool {
	return s.claim(id, StateResolved, text)
}

// TryTimeout claims the question as TimedOut.
func (s *Store) TryTimeout(id string) bool {
	return s.claim(id, StateTimedOut, "")
}

// TryCancel claims the question as Canceled.
func (s *Store) TryCancel(id string) bool {
	return s.claim(id, StateCanceled, "")
}

// Outcome returns the question's state and answer.
func (s *Store) Outcome(q *PendingQuestion) (State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return q.state, q.answer
}

// Len returns the number of stored questions, terminal or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Snapshot returns all entries in creation order.
func (s *Store) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, entryOf(s.entries[id]))
	}
	return out
}

func (s *Store) claim(id string, to State, answer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.entries[id]
	if !ok {
		return false
	}
	return s.claimLocked(q, to, answer)
}

func (s *Store) claimLocked(q *PendingQuestion, to State, answer string) bool {
	if q.state != StateWaiting {
		return false
	}
	select {
	case <-q.done:
		s.logger.Error("question done while still waiting",
			"question_id", q.ID,
			"err", ErrInvariantViolation,
		)
		return false
	default:
	}
	q.state = to
	q.answer = answer
	close(q.done)
	return true
}

func (s *Store) pruneRecentLocked() {
	cutoff := s.now().Add(-s.recentTTL)
	i := 0
	for i < len(s.recent) && s.recent[i].seen.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.recent = append(s.recent[:0:0], s.recent[i:]...)
	}
}

func entryOf(q *PendingQuestion) Entry {
	return Entry{
		ID:             q.ID,
		Destination:    q.Destination,
		ExpectedAuthor: q.ExpectedAuthor,
		Anchor:         q.anchor,
		State:          q.state,
		CreatedAt:      q.CreatedAt,
	}
}
