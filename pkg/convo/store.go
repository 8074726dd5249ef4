// Package convo holds the conversation state store: the single source of
// truth for the session list, active session, message log and all transient
// UI-facing status flags. Every other component requests mutations through
// the store's methods; nothing else writes this state, which keeps
// reconciliation (matching a streamed reply back to its placeholder) a
// single-writer operation.
package convo

import (
	"sync"
	"time"

	"github.com/planwise/planner/pkg/apperr"
	"github.com/planwise/planner/pkg/domain"
)

// ErrorState is one UI-facing error slot. The store keeps two independent
// instances: a general one and one specific to AI responses.
type ErrorState struct {
	HasError  bool
	Err       *apperr.Error
	Message   string
	IsTimeout bool
}

// CreationRetryInfo tracks the in-flight session-creation operation only.
// It is reset on success.
type CreationRetryInfo struct {
	RetryCount  int
	MaxRetries  int
	LastError   *apperr.Error
	LastAttempt time.Time
}

// View is an immutable snapshot of the whole conversation state.
type View struct {
	Sessions        []domain.Session
	ActiveSessionID string
	Messages        []domain.Message

	Loading       bool
	Typing        bool
	EstimatedWait time.Duration

	Err      ErrorState
	AIError  ErrorState
	Creation CreationRetryInfo
}

// Store applies state transitions atomically. Each mutation takes the lock,
// transforms the full state, and notifies subscribers, so concurrent writers
// (streaming callback, lifecycle manager, a user-initiated retry) never
// interleave into an inconsistent partial state. Reads through Snapshot are
// consistent with the latest completed write.
type Store struct {
	mu    sync.Mutex
	state View
	subs  []chan struct{}
}

// NewStore returns an empty store. Stores are independent; tests create one
// per case rather than sharing an ambient singleton.
func NewStore() *Store {
	return &Store{}
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.state
	v.Sessions = append([]domain.Session(nil), s.state.Sessions...)
	v.Messages = append([]domain.Message(nil), s.state.Messages...)
	return v
}

// Subscribe returns a channel that receives a signal after every committed
// write. The channel has capacity 1 and signals coalesce; a subscriber that
// wakes up should re-read via Snapshot.
func (s *Store) Subscribe() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{}, 1)
	s.subs = append(s.subs, ch)
	return ch
}

// apply runs fn under the lock and notifies subscribers.
func (s *Store) apply(fn func(*View)) {
	s.mu.Lock()
	fn(&s.state)
	subs := s.subs
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// --- Sessions ---

// SetSessions replaces the session list.
func (s *Store) SetSessions(sessions []domain.Session) {
	s.apply(func(v *View) {
		v.Sessions = append([]domain.Session(nil), sessions...)
	})
}

// UpsertSession inserts the session at the front of the list, or replaces
// it in place if already present.
func (s *Store) UpsertSession(sess domain.Session) {
	s.apply(func(v *View) {
		for i := range v.Sessions {
			if v.Sessions[i].ID == sess.ID {
				v.Sessions[i] = sess
				return
			}
		}
		v.Sessions = append([]domain.Session{sess}, v.Sessions...)
	})
}

// RemoveSession drops the session from the list; if it was active, the
// active session becomes unset and its messages are cleared.
func (s *Store) RemoveSession(id string) {
	s.apply(func(v *View) {
		kept := v.Sessions[:0]
		for _, sess := range v.Sessions {
			if sess.ID != id {
				kept = append(kept, sess)
			}
		}
		v.Sessions = kept
		if v.ActiveSessionID == id {
			v.ActiveSessionID = ""
			v.Messages = nil
		}
	})
}

// SetActiveSession switches the active session. An empty id clears it.
func (s *Store) SetActiveSession(id string) {
	s.apply(func(v *View) { v.ActiveSessionID = id })
}

// --- Messages ---

// AppendMessage adds a message to the end of the log, preserving call order.
func (s *Store) AppendMessage(msg domain.Message) {
	s.apply(func(v *View) { v.Messages = append(v.Messages, msg) })
}

// PatchMessage applies fn to the message addressed by its stable key.
// Returns false if no message matches.
func (s *Store) PatchMessage(key string, fn func(*domain.Message)) bool {
	found := false
	s.apply(func(v *View) {
		for i := range v.Messages {
			if v.Messages[i].Ref.Key() == key {
				fn(&v.Messages[i])
				found = true
				return
			}
		}
	})
	return found
}

// MessageByKey returns a copy of the message addressed by key.
func (s *Store) MessageByKey(key string) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.Messages {
		if s.state.Messages[i].Ref.Key() == key {
			return s.state.Messages[i], true
		}
	}
	return domain.Message{}, false
}

// SetMessages replaces the message log, e.g. when selecting a session.
func (s *Store) SetMessages(msgs []domain.Message) {
	s.apply(func(v *View) {
		v.Messages = append([]domain.Message(nil), msgs...)
	})
}

// ClearMessages empties the message log.
func (s *Store) ClearMessages() {
	s.apply(func(v *View) { v.Messages = nil })
}

// --- Flags ---

// SetLoading sets the loading flag.
func (s *Store) SetLoading(on bool) {
	s.apply(func(v *View) { v.Loading = on })
}

// SetTyping sets the assistant-typing flag.
func (s *Store) SetTyping(on bool) {
	s.apply(func(v *View) { v.Typing = on })
}

// SetEstimatedWait publishes the expected wait before the next retry.
func (s *Store) SetEstimatedWait(d time.Duration) {
	s.apply(func(v *View) { v.EstimatedWait = d })
}

// --- Errors ---

func errState(err *apperr.Error) ErrorState {
	if err == nil {
		return ErrorState{}
	}
	return ErrorState{
		HasError:  true,
		Err:       err,
		Message:   err.Message,
		IsTimeout: err.IsTimeout(),
	}
}

// SetError populates the general error state; nil clears it.
func (s *Store) SetError(err *apperr.Error) {
	s.apply(func(v *View) { v.Err = errState(err) })
}

// SetAIError populates the AI-response error state; nil clears it.
func (s *Store) SetAIError(err *apperr.Error) {
	s.apply(func(v *View) { v.AIError = errState(err) })
}

// --- Session creation retry bookkeeping ---

// SetCreationRetry records the in-flight creation attempt state.
func (s *Store) SetCreationRetry(info CreationRetryInfo) {
	s.apply(func(v *View) { v.Creation = info })
}

// ResetCreationRetry clears creation bookkeeping after success.
func (s *Store) ResetCreationRetry() {
	s.apply(func(v *View) { v.Creation = CreationRetryInfo{} })
}
