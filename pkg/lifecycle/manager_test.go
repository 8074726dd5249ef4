package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/planwise/planner/pkg/apperr"
	"github.com/planwise/planner/pkg/convo"
	"github.com/planwise/planner/pkg/domain"
	"github.com/planwise/planner/pkg/retry"
)

func testPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:       3,
		MessageDelay:     time.Millisecond,
		SessionBaseDelay: time.Millisecond,
	}
}

func validContext() domain.SessionContext {
	return domain.SessionContext{
		BusinessType: "SaaS",
		TargetMarket: "SMBs",
		Challenge:    "retention",
	}
}

// fakeAPI scripts the backend surface the manager uses.
type fakeAPI struct {
	mu          sync.Mutex
	createCalls int
	createFn    func(call int) (*domain.Session, error)

	sessions []domain.Session
	listErr  error

	msgs    []domain.Message
	msgsErr error

	deleteErr error
	renameFn  func(id, title string) (*domain.Session, error)
}

func (f *fakeAPI) CreateSession(ctx context.Context, title string, sctx domain.SessionContext) (*domain.Session, error) {
	f.mu.Lock()
	f.createCalls++
	call := f.createCalls
	f.mu.Unlock()
	return f.createFn(call)
}

func (f *fakeAPI) ListSessions(ctx context.Context, limit, offset int) ([]domain.Session, error) {
	return f.sessions, f.listErr
}

func (f *fakeAPI) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	return f.msgs, f.msgsErr
}

func (f *fakeAPI) DeleteSession(ctx context.Context, id string) error {
	return f.deleteErr
}

func (f *fakeAPI) RenameSession(ctx context.Context, id, title string) (*domain.Session, error) {
	if f.renameFn != nil {
		return f.renameFn(id, title)
	}
	return &domain.Session{ID: id, Title: title}, nil
}

func (f *fakeAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

// fakeTurns records first-message hand-offs.
type fakeTurns struct {
	mu       sync.Mutex
	sessions []string
	texts    []string
	err      error
}

func (f *fakeTurns) Send(ctx context.Context, sessionID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, sessionID)
	f.texts = append(f.texts, text)
	return f.err
}

func newTestManager(api *fakeAPI, turns *fakeTurns) (*Manager, *convo.Store) {
	store := convo.NewStore()
	m := NewManager(api, turns, store, apperr.NewClassifier(nil), testPolicy())
	return m, store
}

func TestCreateSessionDeliversFirstMessage(t *testing.T) {
	api := &fakeAPI{createFn: func(int) (*domain.Session, error) {
		return &domain.Session{ID: "sess-1", Title: "retention — SaaS", Status: domain.SessionActive}, nil
	}}
	turns := &fakeTurns{}
	m, store := newTestManager(api, turns)

	err := m.CreateSession(context.Background(), "", validContext(), "How do I reduce churn?")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if api.calls() != 1 {
		t.Errorf("create calls = %d, want 1", api.calls())
	}
	if len(turns.sessions) != 1 || turns.sessions[0] != "sess-1" {
		t.Fatalf("turn hand-offs = %v, want [sess-1]", turns.sessions)
	}
	if turns.texts[0] != "How do I reduce churn?" {
		t.Errorf("first message = %q", turns.texts[0])
	}

	view := store.Snapshot()
	if view.ActiveSessionID != "sess-1" {
		t.Errorf("ActiveSessionID = %q, want sess-1", view.ActiveSessionID)
	}
	if len(view.Sessions) != 1 {
		t.Errorf("sessions = %d, want 1", len(view.Sessions))
	}
	if view.Err.HasError {
		t.Errorf("error state set after success: %+v", view.Err)
	}
	if view.Creation.LastError != nil || view.Creation.RetryCount != 0 {
		t.Errorf("creation bookkeeping not reset: %+v", view.Creation)
	}
	if view.Loading {
		t.Error("loading flag still set")
	}
}

func TestCreateSessionValidation(t *testing.T) {
	tests := []struct {
		name string
		sctx domain.SessionContext
	}{
		{"missing business type", domain.SessionContext{TargetMarket: "SMBs", Challenge: "retention"}},
		{"missing target market", domain.SessionContext{BusinessType: "SaaS", Challenge: "retention"}},
		{"missing challenge", domain.SessionContext{BusinessType: "SaaS", TargetMarket: "SMBs"}},
		{"whitespace only", domain.SessionContext{BusinessType: "   ", TargetMarket: "SMBs", Challenge: "retention"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{createFn: func(int) (*domain.Session, error) {
				t.Error("backend called despite invalid context")
				return nil, errors.New("unreachable")
			}}
			turns := &fakeTurns{}
			m, store := newTestManager(api, turns)

			err := m.CreateSession(context.Background(), "", tt.sctx, "hello")
			var cerr *apperr.Error
			if !errors.As(err, &cerr) {
				t.Fatalf("err = %v, want *apperr.Error", err)
			}
			if cerr.Kind != apperr.KindValidation {
				t.Errorf("Kind = %s, want VALIDATION_ERROR", cerr.Kind)
			}
			if cerr.Transient {
				t.Error("validation failures must not be transient")
			}
			if len(turns.sessions) != 0 {
				t.Error("first message delivered despite invalid context")
			}
			view := store.Snapshot()
			if !view.Err.HasError {
				t.Error("error state not surfaced")
			}
			if view.Creation.LastError == nil {
				t.Error("creation bookkeeping missing the validation error")
			}
		})
	}
}

func TestCreateSessionRetriesTransient(t *testing.T) {
	api := &fakeAPI{createFn: func(call int) (*domain.Session, error) {
		if call < 3 {
			return nil, &apperr.StatusError{Status: 500, Message: "boom"}
		}
		return &domain.Session{ID: "sess-1"}, nil
	}}
	turns := &fakeTurns{}
	m, store := newTestManager(api, turns)

	if err := m.CreateSession(context.Background(), "", validContext(), "hi"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if api.calls() != 3 {
		t.Errorf("create calls = %d, want 3", api.calls())
	}
	if store.Snapshot().ActiveSessionID != "sess-1" {
		t.Error("session not activated after eventual success")
	}
}

func TestCreateSessionRateLimitedExhausts(t *testing.T) {
	api := &fakeAPI{createFn: func(int) (*domain.Session, error) {
		return nil, &apperr.StatusError{Status: 429, Code: "rate_limited", Message: "slow down"}
	}}
	turns := &fakeTurns{}
	m, store := newTestManager(api, turns)

	err := m.CreateSession(context.Background(), "", validContext(), "hi")
	var cerr *apperr.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *apperr.Error", err)
	}
	if cerr.Kind != apperr.KindRateLimit {
		t.Errorf("Kind = %s, want RATE_LIMIT_EXCEEDED", cerr.Kind)
	}
	if !cerr.Transient {
		t.Error("rate limiting is transient")
	}

	// 1 initial attempt + 3 retries.
	if api.calls() != 4 {
		t.Errorf("create calls = %d, want 4", api.calls())
	}
	if len(turns.sessions) != 0 {
		t.Error("first message delivered despite creation failure")
	}

	view := store.Snapshot()
	if !view.Err.HasError {
		t.Error("error state not surfaced")
	}
	if view.Creation.LastError == nil || !view.Creation.LastError.Transient {
		t.Errorf("Creation.LastError = %+v", view.Creation.LastError)
	}

	// The ceiling is spent, so a user retry is refused without another call.
	if err := m.RetryCreate(context.Background()); err == nil {
		t.Error("RetryCreate succeeded past the ceiling")
	}
	if api.calls() != 4 {
		t.Errorf("RetryCreate hit the backend past the ceiling: %d calls", api.calls())
	}
}

func TestCreateSessionNonTransientStops(t *testing.T) {
	api := &fakeAPI{createFn: func(int) (*domain.Session, error) {
		return nil, &apperr.StatusError{Status: 400, Code: "validation_error", Message: "context rejected"}
	}}
	m, _ := newTestManager(api, &fakeTurns{})

	err := m.CreateSession(context.Background(), "", validContext(), "hi")
	var cerr *apperr.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *apperr.Error", err)
	}
	if cerr.Kind != apperr.KindAPI {
		t.Errorf("Kind = %s, want API_ERROR", cerr.Kind)
	}
	if api.calls() != 1 {
		t.Errorf("create calls = %d, want 1 (no retry on non-transient)", api.calls())
	}

	// Non-transient failures are final; RetryCreate refuses them too.
	if err := m.RetryCreate(context.Background()); err == nil {
		t.Error("RetryCreate proceeded on a non-transient failure")
	}
	if api.calls() != 1 {
		t.Errorf("RetryCreate hit the backend: %d calls", api.calls())
	}
}

func TestRetryCreateResumesAfterAbort(t *testing.T) {
	api := &fakeAPI{createFn: func(call int) (*domain.Session, error) {
		if call == 1 {
			return nil, &apperr.StatusError{Status: 503, Message: "unavailable"}
		}
		return &domain.Session{ID: "sess-1"}, nil
	}}
	turns := &fakeTurns{}
	m, store := newTestManager(api, turns)
	m.policy.SessionBaseDelay = 500 * time.Millisecond

	// Abort during the backoff wait: one attempt consumed, ceiling not
	// reached, so the failure stays retryable.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.CreateSession(ctx, "", validContext(), "hi"); err == nil {
		t.Fatal("CreateSession succeeded despite the aborted wait")
	}
	if api.calls() != 1 {
		t.Fatalf("create calls = %d, want 1", api.calls())
	}

	if err := m.RetryCreate(context.Background()); err != nil {
		t.Fatalf("RetryCreate: %v", err)
	}
	if api.calls() != 2 {
		t.Errorf("create calls = %d, want 2", api.calls())
	}
	if store.Snapshot().ActiveSessionID != "sess-1" {
		t.Error("session not activated after retry")
	}
	if len(turns.sessions) != 1 {
		t.Errorf("turn hand-offs = %v, want one", turns.sessions)
	}
}

func TestRetryCreateWithoutPending(t *testing.T) {
	m, _ := newTestManager(&fakeAPI{}, &fakeTurns{})
	if err := m.RetryCreate(context.Background()); err == nil {
		t.Error("RetryCreate with nothing pending should fail")
	}
}

func TestRefresh(t *testing.T) {
	api := &fakeAPI{sessions: []domain.Session{{ID: "a"}, {ID: "b"}}}
	m, store := newTestManager(api, &fakeTurns{})

	if err := m.Refresh(context.Background(), 0, 0); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := len(store.Snapshot().Sessions); got != 2 {
		t.Errorf("sessions = %d, want 2", got)
	}
}

func TestSelectLoadsMessages(t *testing.T) {
	api := &fakeAPI{msgs: []domain.Message{
		{Ref: domain.MessageRef{TempID: "m1"}, Role: domain.RoleUser, Content: "hi"},
		{Ref: domain.MessageRef{TempID: "m2"}, Role: domain.RoleAssistant, Content: "hello"},
	}}
	m, store := newTestManager(api, &fakeTurns{})

	if err := m.Select(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	view := store.Snapshot()
	if view.ActiveSessionID != "sess-1" {
		t.Errorf("ActiveSessionID = %q", view.ActiveSessionID)
	}
	if len(view.Messages) != 2 {
		t.Errorf("messages = %d, want 2", len(view.Messages))
	}
}

func TestSelectFailureLeavesActiveUnchanged(t *testing.T) {
	api := &fakeAPI{msgsErr: &apperr.StatusError{Status: 404, Code: "not_found", Message: "no such session"}}
	m, store := newTestManager(api, &fakeTurns{})
	store.SetActiveSession("current")

	if err := m.Select(context.Background(), "missing"); err == nil {
		t.Fatal("Select succeeded for a missing session")
	}
	view := store.Snapshot()
	if view.ActiveSessionID != "current" {
		t.Errorf("ActiveSessionID = %q, want current", view.ActiveSessionID)
	}
	if !view.Err.HasError {
		t.Error("error state not surfaced")
	}
}

func TestDeleteRemovesSession(t *testing.T) {
	m, store := newTestManager(&fakeAPI{}, &fakeTurns{})
	store.UpsertSession(domain.Session{ID: "a"})

	if err := m.Delete(context.Background(), "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := len(store.Snapshot().Sessions); got != 0 {
		t.Errorf("sessions = %d, want 0", got)
	}
}

func TestDeleteFailureKeepsSession(t *testing.T) {
	api := &fakeAPI{deleteErr: &apperr.StatusError{Status: 500, Message: "boom"}}
	m, store := newTestManager(api, &fakeTurns{})
	store.UpsertSession(domain.Session{ID: "a"})

	if err := m.Delete(context.Background(), "a"); err == nil {
		t.Fatal("Delete succeeded despite backend failure")
	}
	if got := len(store.Snapshot().Sessions); got != 1 {
		t.Errorf("sessions = %d, want 1", got)
	}
}

func TestRenameMirrorsResult(t *testing.T) {
	m, store := newTestManager(&fakeAPI{}, &fakeTurns{})
	store.UpsertSession(domain.Session{ID: "a", Title: "old"})

	if err := m.Rename(context.Background(), "a", "new"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	view := store.Snapshot()
	if len(view.Sessions) != 1 || view.Sessions[0].Title != "new" {
		t.Errorf("sessions = %+v, want one renamed", view.Sessions)
	}
}
