package domain

import "time"

// SessionStatus tracks the lifecycle of a planning session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionArchived  SessionStatus = "archived"
)

// Role indicates the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageStatus tracks a message through a single delivery attempt.
// Within one attempt the status only moves forward:
// pending -> streaming -> completed, or -> failed.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageStreaming MessageStatus = "streaming"
	MessageCompleted MessageStatus = "completed"
	MessageFailed    MessageStatus = "failed"
)

// SessionContext is the business-planning context captured when a session
// is created. BusinessType, TargetMarket and Challenge are required.
type SessionContext struct {
	BusinessType string    `json:"business_type"`
	TargetMarket string    `json:"target_market"`
	Challenge    string    `json:"challenge"`
	Details      string    `json:"details,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

// Session represents one planning conversation.
type Session struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id"`
	Title     string         `json:"title"`
	Context   SessionContext `json:"context"`
	Status    SessionStatus  `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Message is a single entry in a session's conversation log.
type Message struct {
	Ref       MessageRef    `json:"ref"`
	SessionID string        `json:"session_id"`
	Role      Role          `json:"role"`
	Content   string        `json:"content"`
	Tokens    int           `json:"tokens,omitempty"`
	Status    MessageStatus `json:"status"`

	// Attempt is the zero-indexed delivery attempt this message is on.
	// RetryCount is the number of automatic retries consumed so far.
	Attempt    int `json:"attempt"`
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// Optimistic marks a message rendered before backend confirmation.
	Optimistic bool `json:"optimistic"`

	CreatedAt time.Time `json:"created_at"`
}
