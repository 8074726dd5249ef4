package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
)

// recordingReporter captures Report calls for assertions.
type recordingReporter struct {
	mu  sync.Mutex
	ops []string
}

func (r *recordingReporter) Report(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}

type fakeNetError struct{ timeout bool }

func (e *fakeNetError) Error() string   { return "fake net error" }
func (e *fakeNetError) Timeout() bool   { return e.timeout }
func (e *fakeNetError) Temporary() bool { return true }

var _ net.Error = (*fakeNetError)(nil)

func TestClassifyKinds(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantKind      Kind
		wantTransient bool
	}{
		{
			name:          "deadline exceeded",
			err:           context.DeadlineExceeded,
			wantKind:      KindTimeout,
			wantTransient: true,
		},
		{
			name:          "wrapped deadline",
			err:           fmt.Errorf("doing request: %w", context.DeadlineExceeded),
			wantKind:      KindTimeout,
			wantTransient: true,
		},
		{
			name:          "net timeout",
			err:           &fakeNetError{timeout: true},
			wantKind:      KindTimeout,
			wantTransient: true,
		},
		{
			name:          "net failure",
			err:           &fakeNetError{},
			wantKind:      KindNetwork,
			wantTransient: true,
		},
		{
			name:          "http 429",
			err:           &StatusError{Status: 429, Code: "rate_limited", Message: "slow down"},
			wantKind:      KindRateLimit,
			wantTransient: true,
		},
		{
			name:          "http 500",
			err:           &StatusError{Status: 500, Message: "boom"},
			wantKind:      KindServer,
			wantTransient: true,
		},
		{
			name:          "http 503",
			err:           &StatusError{Status: 503, Message: "unavailable"},
			wantKind:      KindServer,
			wantTransient: true,
		},
		{
			name:          "http 400",
			err:           &StatusError{Status: 400, Code: "validation_error", Message: "bad"},
			wantKind:      KindAPI,
			wantTransient: false,
		},
		{
			name:          "http 401",
			err:           &StatusError{Status: 401, Code: "unauthenticated", Message: "who"},
			wantKind:      KindAPI,
			wantTransient: false,
		},
		{
			name:          "unrecognized",
			err:           errors.New("something odd"),
			wantKind:      KindUnknown,
			wantTransient: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClassifier(nil)
			got := c.Classify("op", tt.err)
			if got.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", got.Kind, tt.wantKind)
			}
			if got.Transient != tt.wantTransient {
				t.Errorf("Transient = %v, want %v", got.Transient, tt.wantTransient)
			}
		})
	}
}

func TestClassifyNil(t *testing.T) {
	c := NewClassifier(nil)
	if got := c.Classify("op", nil); got != nil {
		t.Errorf("Classify(nil) = %v, want nil", got)
	}
}

func TestClassifyPassthrough(t *testing.T) {
	c := NewClassifier(nil)
	orig := Validation("target market is required")
	got := c.Classify("op", fmt.Errorf("creating session: %w", orig))
	if got != orig {
		t.Errorf("expected already-classified error to pass through unchanged")
	}
	if got.Transient {
		t.Error("validation errors must not be transient")
	}
}

func TestClassifyReportsEveryError(t *testing.T) {
	rep := &recordingReporter{}
	c := NewClassifier(rep)

	c.Classify("send_message", context.DeadlineExceeded)
	c.Classify("create_session", &StatusError{Status: 400, Message: "bad"})

	if rep.count() != 2 {
		t.Fatalf("reporter saw %d reports, want 2", rep.count())
	}
	rep.mu.Lock()
	defer rep.mu.Unlock()
	if rep.ops[0] != "send_message" || rep.ops[1] != "create_session" {
		t.Errorf("reported ops = %v", rep.ops)
	}
}

func TestErrorAccessors(t *testing.T) {
	e := New(KindTimeout, "took too long")
	if !e.IsTimeout() {
		t.Error("IsTimeout() = false for TIMEOUT kind")
	}
	if !e.Transient {
		t.Error("TIMEOUT should be transient")
	}

	cancelled := Cancelled()
	if cancelled.Transient {
		t.Error("CANCELLED must not be transient")
	}
	if cancelled.IsTimeout() {
		t.Error("CANCELLED is not a timeout")
	}

	var target *Error
	wrapped := fmt.Errorf("outer: %w", e)
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As failed to find *Error in chain")
	}
	if target.Kind != KindTimeout {
		t.Errorf("unwrapped Kind = %s, want %s", target.Kind, KindTimeout)
	}
}

func TestStatusErrorMessage(t *testing.T) {
	e := &StatusError{Status: 429, Code: "rate_limited", Message: "slow down"}
	want := "backend returned status 429 (rate_limited): slow down"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
}

