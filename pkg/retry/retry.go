// Package retry holds the bounded backoff policy shared by message sending
// and session creation.
package retry

import "time"

// DefaultMaxRetries is the retry ceiling: 3 retries, 4 total attempts.
const DefaultMaxRetries = 3

// Policy decides whether a failed attempt is retried and how long to wait
// before the next one. Message sends wait a flat delay between attempts;
// session creation backs off with a delay that grows with the attempt
// number. The asymmetry matches the observed production behavior and is
// kept deliberately.
type Policy struct {
	// MaxRetries is the number of automatic retries after the first
	// attempt. Attempts are zero-indexed, so attempt MaxRetries is the
	// last one.
	MaxRetries int

	// MessageDelay is the flat wait between message-send attempts.
	MessageDelay time.Duration

	// SessionBaseDelay seeds the growing session-creation backoff.
	SessionBaseDelay time.Duration
}

// Default returns the production policy.
func Default() Policy {
	return Policy{
		MaxRetries:       DefaultMaxRetries,
		MessageDelay:     2 * time.Second,
		SessionBaseDelay: time.Second,
	}
}

// ShouldRetry reports whether the attempt numbered attempt (zero-indexed)
// may be followed by another. A non-transient error never retries,
// regardless of how many attempts remain.
func (p Policy) ShouldRetry(attempt int, transient bool) bool {
	if !transient {
		return false
	}
	return attempt < p.MaxRetries
}

// MessageBackoff returns the wait before re-sending a message after the
// given failed attempt.
func (p Policy) MessageBackoff(int) time.Duration {
	return p.MessageDelay
}

// SessionBackoff returns the wait before re-creating a session after the
// given failed attempt: base * (attempt + 1).
func (p Policy) SessionBackoff(attempt int) time.Duration {
	return p.SessionBaseDelay * time.Duration(attempt+1)
}
