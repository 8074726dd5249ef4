// Package lifecycle owns planning sessions: validated creation with bounded
// backoff, hand-off of the first message to the turn executor, and
// selection, deletion and renaming against the backend.
package lifecycle

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/planwise/planner/pkg/apperr"
	"github.com/planwise/planner/pkg/convo"
	"github.com/planwise/planner/pkg/domain"
	"github.com/planwise/planner/pkg/retry"
)

// DefaultTimeout bounds each session-creation attempt, matching the turn
// executor's per-attempt timeout.
const DefaultTimeout = 30 * time.Second

// API is the slice of the backend client the manager needs.
type API interface {
	CreateSession(ctx context.Context, title string, sctx domain.SessionContext) (*domain.Session, error)
	ListSessions(ctx context.Context, limit, offset int) ([]domain.Session, error)
	ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error)
	DeleteSession(ctx context.Context, id string) error
	RenameSession(ctx context.Context, id, title string) (*domain.Session, error)
}

// TurnSender delivers the first message of a new session.
type TurnSender interface {
	Send(ctx context.Context, sessionID, text string) error
}

// Manager drives the session lifecycle. All observable state lands in the
// conversation store.
type Manager struct {
	api        API
	turns      TurnSender
	store      *convo.Store
	classifier *apperr.Classifier
	policy     retry.Policy

	// Timeout bounds each creation attempt. Zero means DefaultTimeout.
	Timeout time.Duration

	mu   sync.Mutex
	last *pendingCreate
}

// pendingCreate remembers the last failed creation so a user-initiated
// retry can re-issue it.
type pendingCreate struct {
	title        string
	sctx         domain.SessionContext
	firstMessage string
	nextAttempt  int
}

// NewManager creates a Manager.
func NewManager(api API, turns TurnSender, store *convo.Store, classifier *apperr.Classifier, policy retry.Policy) *Manager {
	return &Manager{
		api:        api,
		turns:      turns,
		store:      store,
		classifier: classifier,
		policy:     policy,
		Timeout:    DefaultTimeout,
	}
}

// validateContext checks the three required context fields. Whitespace-only
// values fail.
func validateContext(sctx domain.SessionContext) *apperr.Error {
	switch {
	case strings.TrimSpace(sctx.BusinessType) == "":
		return apperr.Validation("business type is required")
	case strings.TrimSpace(sctx.TargetMarket) == "":
		return apperr.Validation("target market is required")
	case strings.TrimSpace(sctx.Challenge) == "":
		return apperr.Validation("challenge is required")
	}
	return nil
}

// CreateSession validates the context, creates the session with bounded
// backoff, and on success immediately delivers firstMessage through the
// turn executor. Creation and first-message delivery are one logical
// operation: the returned error is whichever step failed terminally.
func (m *Manager) CreateSession(ctx context.Context, title string, sctx domain.SessionContext, firstMessage string) error {
	if verr := validateContext(sctx); verr != nil {
		// Local pre-flight failure: classified and surfaced with zero
		// network calls.
		cerr := m.classifier.Classify("create_session", verr)
		m.store.SetCreationRetry(convo.CreationRetryInfo{
			MaxRetries:  m.policy.MaxRetries,
			LastError:   cerr,
			LastAttempt: time.Now().UTC(),
		})
		m.store.SetError(cerr)
		return cerr
	}
	return m.create(ctx, title, sctx, firstMessage, 0)
}

// RetryCreate re-issues the last failed creation attempt. It only proceeds
// when the stored last error is transient and the retry ceiling has not
// been reached; otherwise the failure is final and the stored error state
// stands.
func (m *Manager) RetryCreate(ctx context.Context) error {
	m.mu.Lock()
	pending := m.last
	m.mu.Unlock()

	info := m.store.Snapshot().Creation
	if pending == nil || info.LastError == nil {
		return apperr.New(apperr.KindUnknown, "no failed session creation to retry")
	}
	if !info.LastError.Transient || info.RetryCount >= m.policy.MaxRetries {
		m.store.SetError(info.LastError)
		return info.LastError
	}
	return m.create(ctx, pending.title, pending.sctx, pending.firstMessage, pending.nextAttempt)
}

// create is the bounded attempt loop with exponentially growing backoff.
func (m *Manager) create(ctx context.Context, title string, sctx domain.SessionContext, firstMessage string, startAttempt int) error {
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	m.store.SetLoading(true)
	m.store.SetError(nil)

	var lastErr *apperr.Error
	for attempt := startAttempt; attempt <= m.policy.MaxRetries; attempt++ {
		m.store.SetCreationRetry(convo.CreationRetryInfo{
			RetryCount:  attempt,
			MaxRetries:  m.policy.MaxRetries,
			LastError:   lastErr,
			LastAttempt: time.Now().UTC(),
		})

		sess, err := m.createOnce(ctx, timeout, title, sctx)
		if err == nil {
			m.mu.Lock()
			m.last = nil
			m.mu.Unlock()

			m.store.ResetCreationRetry()
			m.store.UpsertSession(*sess)
			m.store.SetActiveSession(sess.ID)
			m.store.ClearMessages()
			m.store.SetLoading(false)
			m.store.SetError(nil)

			return m.turns.Send(ctx, sess.ID, firstMessage)
		}

		lastErr = m.classifier.Classify("create_session", err)
		m.store.SetCreationRetry(convo.CreationRetryInfo{
			RetryCount:  attempt,
			MaxRetries:  m.policy.MaxRetries,
			LastError:   lastErr,
			LastAttempt: time.Now().UTC(),
		})

		if !m.policy.ShouldRetry(attempt, lastErr.Transient) {
			break
		}

		delay := m.policy.SessionBackoff(attempt)
		m.store.SetEstimatedWait(delay)
		select {
		case <-time.After(delay):
			m.store.SetEstimatedWait(0)
		case <-ctx.Done():
			m.store.SetEstimatedWait(0)
			m.fail(title, sctx, firstMessage, attempt+1, lastErr)
			return lastErr
		}
	}

	if lastErr == nil {
		lastErr = apperr.New(apperr.KindUnknown, "session creation retry ceiling reached")
	}
	m.fail(title, sctx, firstMessage, m.store.Snapshot().Creation.RetryCount+1, lastErr)
	return lastErr
}

func (m *Manager) createOnce(ctx context.Context, timeout time.Duration, title string, sctx domain.SessionContext) (*domain.Session, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.api.CreateSession(actx, title, sctx)
}

// fail finalizes a creation failure: error state populated, loading
// cleared, and the attempt remembered for RetryCreate.
func (m *Manager) fail(title string, sctx domain.SessionContext, firstMessage string, nextAttempt int, cerr *apperr.Error) {
	m.mu.Lock()
	m.last = &pendingCreate{title: title, sctx: sctx, firstMessage: firstMessage, nextAttempt: nextAttempt}
	m.mu.Unlock()

	m.store.SetLoading(false)
	m.store.SetError(cerr)
}

// Refresh reloads the session list from the backend.
func (m *Manager) Refresh(ctx context.Context, limit, offset int) error {
	sessions, err := m.api.ListSessions(ctx, limit, offset)
	if err != nil {
		cerr := m.classifier.Classify("list_sessions", err)
		m.store.SetError(cerr)
		return cerr
	}
	m.store.SetSessions(sessions)
	return nil
}

// Select makes the session active and loads its persisted message log.
func (m *Manager) Select(ctx context.Context, id string) error {
	msgs, err := m.api.ListMessages(ctx, id)
	if err != nil {
		cerr := m.classifier.Classify("select_session", err)
		m.store.SetError(cerr)
		return cerr
	}
	m.store.SetActiveSession(id)
	m.store.SetMessages(msgs)
	return nil
}

// Delete removes the session from the backend and the local list.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.api.DeleteSession(ctx, id); err != nil {
		cerr := m.classifier.Classify("delete_session", err)
		m.store.SetError(cerr)
		return cerr
	}
	m.store.RemoveSession(id)
	return nil
}

// Rename updates the session title on the backend and mirrors the result.
func (m *Manager) Rename(ctx context.Context, id, title string) error {
	sess, err := m.api.RenameSession(ctx, id, title)
	if err != nil {
		cerr := m.classifier.Classify("rename_session", err)
		m.store.SetError(cerr)
		return cerr
	}
	m.store.UpsertSession(*sess)
	return nil
}
