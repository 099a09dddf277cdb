package domain

import "context"

// Repository persists the Entity Store's state. The store stays authoritative
// in memory and writes through on every mutation.
type Repository interface {
	SaveParticipant(ctx context.Context, p Participant) error
	ListParticipants(ctx context.Context) ([]Participant, error)

	CreateConversation(ctx context.Context, conv Conversation) error
	BindContext(ctx context.Context, conversationID string, b ContextBinding) error
	// LoadConversations returns every conversation with its messages in
	// timestamp order.
	LoadConversations(ctx context.Context) ([]Conversation, error)

	AppendMessage(ctx context.Context, msg Message) error
	UpdateMessageStatus(ctx context.Context, messageID string, status MessageStatus) error

	Close() error
}
