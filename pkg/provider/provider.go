// Package provider abstracts the language model producing assistant
// replies. The server consumes replies as a plain text chunk stream;
// implementations live in subpackages, plus a scripted one here for
// development and tests.
package provider

import (
	"context"

	"github.com/planwise/planner/pkg/domain"
)

// Message is one prior exchange passed to the model as history.
type Message struct {
	Role    domain.Role
	Content string
}

// TextStream yields the assistant reply incrementally. Next returns io.EOF
// after the final chunk.
type TextStream interface {
	Next() (string, error)
	Close() error
}

// Provider produces a reply stream for a planning prompt.
type Provider interface {
	// Name returns the provider identifier (e.g. "gemini", "static").
	Name() string

	// Stream sends the session context, conversation history and the new
	// user prompt to the model and returns the reply as a chunk stream.
	Stream(ctx context.Context, sctx domain.SessionContext, history []Message, prompt string) (TextStream, error)
}
