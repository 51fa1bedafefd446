package question

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"askhuman/internal/bus"
	"askhuman/internal/domain"
)

// DefaultTimeout is how long Ask waits for a reply.
const DefaultTimeout = 60 * time.Second

// EngineConfig configures the question engine.
type EngineConfig struct {
	Transport      domain.Transport
	Store          *Store
	Events         *bus.EventBus // optional
	Destination    string
	ExpectedAuthor string
	Timeout        time.Duration
	Logger         *slog.Logger
}

// Engine posts questions and blocks until the expected author answers in the
// question's thread or the timeout elapses.
type Engine struct {
	transport      domain.Transport
	store          *Store
	events         *bus.EventBus
	destination    string
	expectedAuthor string
	timeout        time.Duration
	logger         *slog.Logger
}

var questionSeq atomic.Uint64

// NewEngine creates an engine. A nil Store gets a fresh one; the dispatcher
// must be given the same store.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Store == nil {
		cfg.Store = NewStore(cfg.Logger)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Engine{
		transport:      cfg.Transport,
		store:          cfg.Store,
		events:         cfg.Events,
		destination:    cfg.Destination,
		expectedAuthor: cfg.ExpectedAuthor,
		timeout:        cfg.Timeout,
		logger:         cfg.Logger,
	}
}

// Store returns the correlation store shared with the dispatcher.
func (e *Engine) Store() *Store { return e.store }

// Timeout returns the reply window.
func (e *Engine) Timeout() time.Duration { return e.timeout }

// Ask posts question to the destination, tagging the expected author, and
// returns the text of their threaded reply.
func (e *Engine) Ask(ctx context.Context, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrEmptyQuestion
	}
	if !e.transport.Ready() {
		e.logger.Warn("ask rejected, transport not ready", "transport", e.transport.Name())
		return "", ErrNotReady
	}

	q := NewPendingQuestion(e.nextID(), e.destination, e.expectedAuthor)
	if err := e.store.Insert(q); err != nil {
		e.logger.Error("question insert failed", "question_id", q.ID, "err", err)
		return "", err
	}
	defer e.store.Remove(q.ID)

	log := e.logger.With("question_id", q.ID, "destination", e.destination)

	text := question
	if mention := e.transport.Mention(e.expectedAuthor); mention != "" {
		text = mention + " " + question
	}

	anchor, err := e.transport.Send(ctx, e.destination, text)
	if err == nil && anchor == "" {
		err = fmt.Errorf("%s returned an empty message id", e.transport.Name())
	}
	if err != nil {
		e.store.TryCancel(q.ID)
		log.Error("question send failed", "transport", e.transport.Name(), "err", err)
		e.emit(bus.EventQuestionCanceled, q, map[string]any{"reason": "send_failed"})
		return "", fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	e.store.SetAnchor(q.ID, anchor)
	log.Info("question posted, waiting for reply", "anchor", anchor, "timeout", e.timeout)
	e.emit(bus.EventQuestionAsked, q, map[string]any{"anchor": anchor})

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case <-q.Done():
	case <-timer.C:
		e.store.TryTimeout(q.ID)
	case <-ctx.Done():
		e.store.TryCancel(q.ID)
	}

	// Whichever claim won decides the outcome; a lost timeout claim means the
	// reply arrived first.
	state, answer := e.store.Outcome(q)
	latency := time.Since(q.CreatedAt)
	switch state {
	case StateResolved:
		log.Info("question answered", "anchor", anchor, "latency", latency)
		e.emit(bus.EventQuestionResolved, q, map[string]any{"anchor": anchor, "latency_seconds": latency.Seconds()})
		return answer, nil
	case StateTimedOut:
		log.Warn("question timed out", "anchor", anchor, "timeout", e.timeout)
		e.emit(bus.EventQuestionTimedOut, q, map[string]any{"anchor": anchor})
		return "", fmt.Errorf("%w after %s", ErrTimeout, e.timeout)
	case StateCanceled:
		log.Info("question canceled", "anchor", anchor, "err", ctx.Err())
		e.emit(bus.EventQuestionCanceled, q, map[string]any{"anchor": anchor, "reason": "context"})
		return "", ctx.Err()
	default:
		log.Error("question left wait in non-terminal state", "state", state)
		return "", fmt.Errorf("%w: question %s still %s", ErrInvariantViolation, q.ID, state)
	}
}

// nextID is time based plus a process-wide counter; the counter alone keeps ids unique.
func (e *Engine) nextID() string {
	n := questionSeq.Add(1)
	return "q-" + strconv.FormatInt(time.Now().UnixNano(), 10) + "-" + strconv.FormatUint(n, 10)
}

func (e *Engine) emit(eventType string, q *PendingQuestion, payload map[string]any) {
	if e.events == nil {
		return
	}
	payload["question_id"] = q.ID
	payload["destination"] = q.Destination
	e.events.Emit(bus.Event{Type: eventType, Source: "engine", Payload: payload})
}
