package domain

import "github.com/google/uuid"

// MessageRef identifies a message across the optimistic-update cycle.
// The temp id is assigned client-side before any network call and stays
// stable across resubmits of the same message, so the UI keeps its
// position in the list. The durable id is set exactly once, when the
// backend confirms the message.
type MessageRef struct {
	TempID    string `json:"temp_id"`
	DurableID string `json:"durable_id,omitempty"`
}

// NewMessageRef returns a pending ref with a fresh client-assigned temp id.
func NewMessageRef() MessageRef {
	return MessageRef{TempID: uuid.New().String()}
}

// Confirmed reports whether the backend has assigned a durable id.
func (r MessageRef) Confirmed() bool { return r.DurableID != "" }

// Confirm returns a copy of the ref promoted with the durable id.
// Confirming an already-confirmed ref is a no-op; the first durable id wins.
func (r MessageRef) Confirm(id string) MessageRef {
	if r.DurableID == "" {
		r.DurableID = id
	}
	return r
}

// Key returns the stable identifier used to address the message in the
// conversation state store. This is always the temp id, for UI continuity.
func (r MessageRef) Key() string { return r.TempID }
