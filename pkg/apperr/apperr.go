// Package apperr defines the failure taxonomy for the planner and the
// classifier that maps raw failures (network errors, HTTP statuses, timeouts)
// onto it. Retry decisions elsewhere key off the Transient flag, so the
// mapping here is the single place transience policy lives.
package apperr

import "fmt"

// Kind is the classified category of a failure.
type Kind string

const (
	KindValidation Kind = "VALIDATION_ERROR"
	KindTimeout    Kind = "TIMEOUT"
	KindNetwork    Kind = "NETWORK_ERROR"
	KindRateLimit  Kind = "RATE_LIMIT_EXCEEDED"
	KindServer     Kind = "SERVER_ERROR"
	KindAPI        Kind = "API_ERROR"
	KindUnknown    Kind = "UNKNOWN_ERROR"

	// KindCancelled is only produced by an explicit user cancel action,
	// never by classification of a backend failure.
	KindCancelled Kind = "CANCELLED"
)

// transient reports whether automatic retry is permitted for a kind.
func transient(k Kind) bool {
	switch k {
	case KindTimeout, KindNetwork, KindRateLimit, KindServer:
		return true
	}
	return false
}

// Error is a classified failure.
type Error struct {
	Kind      Kind
	Transient bool
	Message   string
	Status    int // HTTP status when the failure came from a response, else 0
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTimeout reports whether the failure was an aborted (timed out) call.
func (e *Error) IsTimeout() bool { return e.Kind == KindTimeout }

// New returns a classified error with transience derived from the kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Transient: transient(kind), Message: message}
}

// Validation returns the non-transient error used for failed local
// pre-flight checks. No network call should follow one of these.
func Validation(message string) *Error {
	return New(KindValidation, message)
}

// Cancelled returns the terminal error recorded when the user cancels an
// in-flight operation.
func Cancelled() *Error {
	return New(KindCancelled, "cancelled by user")
}

// StatusError is a non-2xx HTTP response carrying the backend's typed
// {code, message} error payload. The backend client returns these; the
// classifier folds them into the taxonomy.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend returned status %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.Status, e.Message)
}
