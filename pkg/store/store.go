// Package store defines the server-side persistence interfaces for
// sessions and messages. Implementations live in subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/planwise/planner/pkg/domain"
)

// ErrNotFound is returned when a session or message does not exist.
var ErrNotFound = errors.New("not found")

// Message is a persisted conversation message. Unlike the client-side
// optimistic record, a stored message always has a durable id and a final
// status.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Role      domain.Role `json:"role"`
	Content   string      `json:"content"`
	Tokens    int         `json:"tokens"`
	CreatedAt time.Time   `json:"created_at"`
}

// Usage aggregates per-session counters.
type Usage struct {
	Messages int `json:"messages"`
	Tokens   int `json:"tokens"`
}

// SessionStore manages persistence of planning sessions.
type SessionStore interface {
	// CreateSession persists a new session. The ID field must be set by
	// the caller.
	CreateSession(ctx context.Context, sess *domain.Session) error

	// GetSession retrieves a session by id. Returns ErrNotFound if it
	// does not exist.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// ListSessions returns the owner's non-archived sessions, newest
	// first. limit <= 0 means no limit.
	ListSessions(ctx context.Context, ownerID string, limit, offset int) ([]domain.Session, error)

	// UpdateSession persists title and status changes.
	UpdateSession(ctx context.Context, sess *domain.Session) error

	// ArchiveSession marks a session archived. This is the normal
	// deletion path; the record stays in the database.
	ArchiveSession(ctx context.Context, id string) error

	// DeleteSession removes a session and its messages for good.
	DeleteSession(ctx context.Context, id string) error

	// CountActive returns the owner's number of active sessions, used to
	// enforce the session limit.
	CountActive(ctx context.Context, ownerID string) (int, error)
}

// MessageStore manages the append-only message log.
type MessageStore interface {
	// AppendMessage adds a message to the end of its session's log. The
	// ID field must be set by the caller.
	AppendMessage(ctx context.Context, msg *Message) error

	// ListMessages returns a session's messages in append order.
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)

	// SessionUsage returns the session's usage counters.
	SessionUsage(ctx context.Context, sessionID string) (Usage, error)

	// Subscribe returns a channel that emits session ids whenever a
	// message is appended. Used to push live updates to clients.
	Subscribe() <-chan string

	// Unsubscribe removes a channel returned by Subscribe. Callers must
	// unsubscribe when done or the store accumulates dead subscribers.
	Unsubscribe(ch <-chan string)
}
