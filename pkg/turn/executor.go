// Package turn drives one user-message → assistant-reply exchange against
// the planner backend: optimistic writes, the per-attempt timeout, stream
// consumption, and the bounded retry loop.
package turn

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/planwise/planner/pkg/apperr"
	"github.com/planwise/planner/pkg/backend"
	"github.com/planwise/planner/pkg/convo"
	"github.com/planwise/planner/pkg/domain"
	"github.com/planwise/planner/pkg/retry"
	"github.com/planwise/planner/pkg/stream"
)

// DefaultTimeout bounds each delivery attempt, matching session creation.
const DefaultTimeout = 30 * time.Second

// ErrTurnInFlight is returned when Send or Resend is called while another
// turn is still running. Callers must not fire overlapping turns against
// the same conversation; a new send is only expected via the retry path.
var ErrTurnInFlight = errors.New("turn already in flight")

// Sender is the slice of the backend client a turn needs.
type Sender interface {
	SendMessage(ctx context.Context, sessionID, message string) (*backend.TurnResponse, error)
}

// Executor runs turns. One turn at a time; state transitions are written
// exclusively through the conversation store.
type Executor struct {
	backend    Sender
	store      *convo.Store
	classifier *apperr.Classifier
	policy     retry.Policy

	// Timeout bounds each attempt. Zero means DefaultTimeout.
	Timeout time.Duration

	mu        sync.Mutex
	inFlight  bool
	cancel    context.CancelFunc
	cancelled bool
}

// NewExecutor creates an Executor.
func NewExecutor(b Sender, store *convo.Store, classifier *apperr.Classifier, policy retry.Policy) *Executor {
	return &Executor{
		backend:    b,
		store:      store,
		classifier: classifier,
		policy:     policy,
		Timeout:    DefaultTimeout,
	}
}

// Send runs a full turn for a new user message, starting at attempt 0.
// The optimistic user message and an empty assistant placeholder are
// visible in the store before any network traffic. The returned error is
// the terminal classified failure, or nil on completion.
func (e *Executor) Send(ctx context.Context, sessionID, text string) error {
	if err := e.begin(); err != nil {
		return err
	}

	now := time.Now().UTC()
	user := domain.Message{
		Ref:        domain.NewMessageRef(),
		SessionID:  sessionID,
		Role:       domain.RoleUser,
		Content:    text,
		Status:     domain.MessagePending,
		MaxRetries: e.policy.MaxRetries,
		Optimistic: true,
		CreatedAt:  now,
	}
	placeholder := domain.Message{
		Ref:        domain.NewMessageRef(),
		SessionID:  sessionID,
		Role:       domain.RoleAssistant,
		Status:     domain.MessageStreaming,
		MaxRetries: e.policy.MaxRetries,
		Optimistic: true,
		CreatedAt:  now,
	}
	e.store.AppendMessage(user)
	e.store.AppendMessage(placeholder)

	return e.run(ctx, sessionID, text, user.Ref.Key(), placeholder.Ref.Key(), 0)
}

// Resend re-submits a specific failed user message, reusing its temp id
// and incrementing its attempt number by one. The paired assistant
// placeholder (the reply following it in the log) is reused as well, so
// partial content from the failed attempt stays visible until new chunks
// overwrite it.
func (e *Executor) Resend(ctx context.Context, userKey string) error {
	msg, ok := e.store.MessageByKey(userKey)
	if !ok {
		return errors.New("no message with key " + userKey)
	}
	if msg.Role != domain.RoleUser || msg.Status != domain.MessageFailed {
		return errors.New("message is not a failed user message")
	}

	if err := e.begin(); err != nil {
		return err
	}

	asstKey := e.assistantKeyFor(userKey)
	if asstKey == "" {
		placeholder := domain.Message{
			Ref:        domain.NewMessageRef(),
			SessionID:  msg.SessionID,
			Role:       domain.RoleAssistant,
			Status:     domain.MessageStreaming,
			MaxRetries: e.policy.MaxRetries,
			Optimistic: true,
			CreatedAt:  time.Now().UTC(),
		}
		e.store.AppendMessage(placeholder)
		asstKey = placeholder.Ref.Key()
	}

	return e.run(ctx, msg.SessionID, msg.Content, userKey, asstKey, msg.Attempt+1)
}

// Cancel aborts the in-flight turn, if any. The partial assistant text
// already applied stays in place; loading and typing flags clear; the AI
// error state records a terminal cancelled error rather than a classified
// backend failure.
func (e *Executor) Cancel() {
	e.mu.Lock()
	cancel := e.cancel
	// The cancel func may not be installed yet when a turn has just
	// begun; the flag alone makes the cancel stick.
	if e.inFlight {
		e.cancelled = true
	}
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Executor) begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight {
		return ErrTurnInFlight
	}
	e.inFlight = true
	e.cancelled = false
	return nil
}

func (e *Executor) finish() {
	e.mu.Lock()
	e.inFlight = false
	e.cancel = nil
	e.mu.Unlock()
}

func (e *Executor) wasCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// assistantKeyFor returns the key of the assistant message immediately
// following the user message in the log.
func (e *Executor) assistantKeyFor(userKey string) string {
	view := e.store.Snapshot()
	for i, m := range view.Messages {
		if m.Ref.Key() == userKey && i+1 < len(view.Messages) {
			next := view.Messages[i+1]
			if next.Role == domain.RoleAssistant {
				return next.Ref.Key()
			}
		}
	}
	return ""
}

// run is the attempt loop. Each iteration is one delivery attempt; the
// loop exits on completion, cancellation, a non-transient failure, or
// exhaustion of the retry ceiling.
func (e *Executor) run(ctx context.Context, sessionID, text, userKey, asstKey string, startAttempt int) error {
	defer e.finish()

	tctx, cancelTurn := context.WithCancel(ctx)
	defer cancelTurn()
	e.mu.Lock()
	e.cancel = cancelTurn
	cancelled := e.cancelled
	e.mu.Unlock()

	// A Cancel issued between begin() and the install above has no
	// cancel func to call; honor the flag before any work happens.
	if cancelled {
		e.markFailed(userKey, asstKey)
		cerr := apperr.Cancelled()
		e.store.SetAIError(cerr)
		return cerr
	}

	e.store.SetLoading(true)
	e.store.SetTyping(true)
	e.store.SetAIError(nil)

	for attempt := startAttempt; ; attempt++ {
		e.enterSending(userKey, asstKey, attempt)

		err := e.attempt(tctx, sessionID, text, userKey, asstKey)
		if err == nil {
			e.store.SetLoading(false)
			e.store.SetTyping(false)
			e.store.SetEstimatedWait(0)
			return nil
		}

		if e.wasCancelled() {
			e.markFailed(userKey, asstKey)
			e.store.SetLoading(false)
			e.store.SetTyping(false)
			e.store.SetEstimatedWait(0)
			cerr := apperr.Cancelled()
			e.store.SetAIError(cerr)
			return cerr
		}

		cerr := e.classifier.Classify("send_message", err)
		e.markFailed(userKey, asstKey)

		if !e.policy.ShouldRetry(attempt, cerr.Transient) {
			e.store.SetLoading(false)
			e.store.SetTyping(false)
			e.store.SetEstimatedWait(0)
			e.store.SetAIError(cerr)
			return cerr
		}

		delay := e.policy.MessageBackoff(attempt)
		e.store.SetEstimatedWait(delay)
		select {
		case <-time.After(delay):
		case <-tctx.Done():
			e.store.SetLoading(false)
			e.store.SetTyping(false)
			e.store.SetEstimatedWait(0)
			if e.wasCancelled() {
				cancelled := apperr.Cancelled()
				e.store.SetAIError(cancelled)
				return cancelled
			}
			e.store.SetAIError(cerr)
			return cerr
		}
	}
}

// enterSending resets both messages for a fresh attempt. The first
// iteration of a Send is a no-op rewrite of the statuses the optimistic
// append already set.
func (e *Executor) enterSending(userKey, asstKey string, attempt int) {
	e.store.PatchMessage(userKey, func(m *domain.Message) {
		m.Status = domain.MessagePending
		m.Attempt = attempt
		if attempt > 0 {
			m.RetryCount = attempt
		}
	})
	e.store.PatchMessage(asstKey, func(m *domain.Message) {
		m.Status = domain.MessageStreaming
		m.Attempt = attempt
	})
	e.store.SetEstimatedWait(0)
}

// markFailed flips both messages to failed, preserving whatever partial
// assistant content has been applied.
func (e *Executor) markFailed(userKey, asstKey string) {
	e.store.PatchMessage(userKey, func(m *domain.Message) { m.Status = domain.MessageFailed })
	e.store.PatchMessage(asstKey, func(m *domain.Message) { m.Status = domain.MessageFailed })
}

// attempt performs one delivery attempt under the per-attempt timeout.
func (e *Executor) attempt(tctx context.Context, sessionID, text, userKey, asstKey string) error {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	actx, cancel := context.WithTimeout(tctx, timeout)
	defer cancel()

	resp, err := e.backend.SendMessage(actx, sessionID, text)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// 2xx with a readable body: the user message is confirmed.
	e.store.PatchMessage(userKey, func(m *domain.Message) {
		m.Status = domain.MessageCompleted
		m.Optimistic = false
		m.Ref = m.Ref.Confirm(resp.UserMessageID)
		m.Tokens = domain.EstimateTokens(m.Content)
	})

	full, err := stream.ReadAll(actx, resp.Body, func(accumulated string) {
		e.store.PatchMessage(asstKey, func(m *domain.Message) {
			m.Content = accumulated
		})
	})
	if err != nil {
		return err
	}

	e.store.PatchMessage(asstKey, func(m *domain.Message) {
		m.Content = full
		m.Status = domain.MessageCompleted
		m.Optimistic = false
		m.Ref = m.Ref.Confirm(resp.AssistantMessageID)
		m.Tokens = domain.EstimateTokens(full)
	})
	return nil
}

// readCloserSender adapts a plain stream-returning function to Sender.
// Used by tests and the static development wiring.
type readCloserSender func(ctx context.Context, sessionID, message string) (io.ReadCloser, error)

func (f readCloserSender) SendMessage(ctx context.Context, sessionID, message string) (*backend.TurnResponse, error) {
	body, err := f(ctx, sessionID, message)
	if err != nil {
		return nil, err
	}
	return &backend.TurnResponse{Body: body}, nil
}

// SenderFunc wraps a function returning a raw body as a Sender.
func SenderFunc(f func(ctx context.Context, sessionID, message string) (io.ReadCloser, error)) Sender {
	return readCloserSender(f)
}
