package domain

import (
	"slices"
	"time"
)

// ContextType names the kind of external business object a conversation is about.
type ContextType string

const (
	ContextSupport     ContextType = "support"
	ContextApplication ContextType = "application"
)

// Valid reports whether t is a known context type.
func (t ContextType) Valid() bool {
	return t == ContextSupport || t == ContextApplication
}

// ContextBinding links a conversation to an external entity. SubjectID is
// opaque to the messaging core.
type ContextBinding struct {
	Type      ContextType `json:"type"`
	SubjectID string      `json:"subject_id"`
}

// Equal compares two optional bindings; two nil bindings are equal.
func (b *ContextBinding) Equal(o *ContextBinding) bool {
	if b == nil || o == nil {
		return b == nil && o == nil
	}
	return *b == *o
}

// Conversation is a snapshot of a chat channel between two or more participants.
// UnreadCount is computed for the viewer the snapshot was produced for.
type Conversation struct {
	ID             string          `json:"id"`
	ParticipantIDs []string        `json:"participant_ids"`
	Messages       []Message       `json:"messages"`
	UnreadCount    int             `json:"unread_count"`
	LastMessageAt  time.Time       `json:"last_message_at"`
	CreatedAt      time.Time       `json:"created_at"`
	Context        *ContextBinding `json:"context,omitempty"`
}

// HasParticipant reports whether id is one of the conversation's participants.
func (c Conversation) HasParticipant(id string) bool {
	return slices.Contains(c.ParticipantIDs, id)
}

// UnreadFor counts messages not sent by viewerID that are not yet read.
func (c Conversation) UnreadFor(viewerID string) int {
	return CountUnread(c.Messages, viewerID)
}

// LastMessage returns the most recent message, if any.
func (c Conversation) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// CountUnread applies the unread rule to a message slice.
func CountUnread(msgs []Message, viewerID string) int {
	n := 0
	for _, m := range msgs {
		if m.SenderID != viewerID && m.Status != StatusRead {
			n++
		}
	}
	return n
}

// ConversationFilter selects conversations in list queries.
type ConversationFilter func(Conversation) bool
