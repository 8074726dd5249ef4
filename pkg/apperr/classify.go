package apperr

import (
	"context"
	"errors"
	"net"
	"net/http"
)

// Reporter receives every classified error for delivery to the external
// logging collaborator. Implementations must be fire-and-forget: a Report
// call never blocks meaningfully and its failure never surfaces.
type Reporter interface {
	Report(op string, err error)
}

// NopReporter discards all reports.
type NopReporter struct{}

func (NopReporter) Report(string, error) {}

var _ Reporter = NopReporter{}

// Classifier maps raw failures onto the error taxonomy and forwards each
// one to the logging reporter as a side effect.
type Classifier struct {
	reporter Reporter
}

// NewClassifier creates a Classifier. A nil reporter disables reporting.
func NewClassifier(r Reporter) *Classifier {
	if r == nil {
		r = NopReporter{}
	}
	return &Classifier{reporter: r}
}

// Classify maps err to a classified Error and reports it under op.
// Returns nil for a nil error.
func (c *Classifier) Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	ce := classify(err)
	c.reporter.Report(op, ce)
	return ce
}

func classify(err error) *Error {
	// Already classified errors pass through unchanged.
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	// A fired timeout aborts the in-flight call; the deadline surfaces
	// through the request context.
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Transient: true, Message: "request timed out", Err: err}
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Status == http.StatusTooManyRequests:
			return &Error{Kind: KindRateLimit, Transient: true, Message: se.Message, Status: se.Status, Err: err}
		case se.Status >= 500:
			return &Error{Kind: KindServer, Transient: true, Message: se.Message, Status: se.Status, Err: err}
		default:
			return &Error{Kind: KindAPI, Transient: false, Message: se.Message, Status: se.Status, Err: err}
		}
	}

	// *url.Error implements net.Error, so this also covers failures
	// surfaced by net/http's client.
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return &Error{Kind: KindTimeout, Transient: true, Message: "request timed out", Err: err}
		}
		return &Error{Kind: KindNetwork, Transient: true, Message: "network error", Err: err}
	}

	return &Error{Kind: KindUnknown, Transient: false, Message: err.Error(), Err: err}
}
