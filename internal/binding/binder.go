// Package binding attaches conversations to external business objects such as
// job applications or support requests. Subject ids are opaque here; turning
// them into readable text is delegated to a domain.SubjectResolver.
package binding

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"jobchat/internal/domain"
)

// ContextStore is the store surface the binder needs.
type ContextStore interface {
	FindOrCreateConversation(ctx context.Context, participantIDs []string, b *domain.ContextBinding) (domain.Conversation, bool, error)
	AppendMessage(ctx context.Context, conversationID, senderID, text string, attachments []string) (domain.Message, error)
	BindContext(ctx context.Context, conversationID string, b domain.ContextBinding) error
	Context(ctx context.Context, conversationID string) (*domain.ContextBinding, error)
}

// Summary is the read-only card shown above a context-bound conversation.
type Summary struct {
	Context  domain.ContextBinding `json:"context"`
	Text     string                `json:"text"`
	Resolved bool                  `json:"resolved"` // false when Text is the opaque fallback
}

// OpenRequest starts, or resumes, a context-bound conversation.
type OpenRequest struct {
	ParticipantIDs []string
	Context        domain.ContextBinding
	SenderID       string // author of the opening message
	Text           string // opening message; blank to open without one
}

// Binder exposes context binding to external flows.
type Binder struct {
	store    ContextStore
	resolver domain.SubjectResolver // optional
	logger   *slog.Logger
}

// New creates a Binder. resolver may be nil.
func New(store ContextStore, resolver domain.SubjectResolver, logger *slog.Logger) *Binder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Binder{store: store, resolver: resolver, logger: logger}
}

// BindContext attaches b to an existing conversation.
func (b *Binder) BindContext(ctx context.Context, conversationID string, c domain.ContextBinding) error {
	return b.store.BindContext(ctx, conversationID, c)
}

// GetContext returns the bound context, or nil when none is bound.
func (b *Binder) GetContext(ctx context.Context, conversationID string) (*domain.ContextBinding, error) {
	return b.store.Context(ctx, conversationID)
}

// Summary resolves the bound subject into readable text. A missing or
// failing resolver yields an opaque "<type> <subject>" fallback.
func (b *Binder) Summary(ctx context.Context, conversationID string) (Summary, error) {
	c, err := b.store.Context(ctx, conversationID)
	if err != nil {
		return Summary{}, err
	}
	if c == nil {
		return Summary{}, &domain.NotFoundError{Kind: "context", ID: conversationID}
	}
	return b.summarize(ctx, *c), nil
}

func (b *Binder) summarize(ctx context.Context, c domain.ContextBinding) Summary {
	s := Summary{Context: c, Text: fmt.Sprintf("%s %s", c.Type, c.SubjectID)}
	if b.resolver == nil {
		return s
	}
	text, err := b.resolver.Summarize(ctx, c)
	if err != nil {
		b.logger.Warn("subject summary unavailable", "type", c.Type, "subject", c.SubjectID, "error", err)
		return s
	}
	if text = strings.TrimSpace(text); text != "" {
		s.Text, s.Resolved = text, true
	}
	return s
}

// Open finds or creates the conversation for req and, when the conversation
// has no messages yet, appends req.Text as its first message.
func (b *Binder) Open(ctx context.Context, req OpenRequest) (domain.Conversation, *domain.Message, error) {
	c := req.Context
	conv, created, err := b.store.FindOrCreateConversation(ctx, req.ParticipantIDs, &c)
	if err != nil {
		return domain.Conversation{}, nil, err
	}
	if strings.TrimSpace(req.Text) == "" || len(conv.Messages) > 0 {
		return conv, nil, nil
	}
	if !conv.HasParticipant(req.SenderID) {
		return conv, nil, &domain.ValidationError{Field: "sender_id", Reason: req.SenderID + " is not a participant of conversation " + conv.ID}
	}
	msg, err := b.store.AppendMessage(ctx, conv.ID, req.SenderID, req.Text, nil)
	if err != nil {
		return conv, nil, fmt.Errorf("opening message: %w", err)
	}
	b.logger.Info("context conversation opened", "conversation", conv.ID, "type", c.Type, "created", created)
	conv.Messages = append(conv.Messages, msg)
	conv.LastMessageAt = msg.Timestamp
	return conv, &msg, nil
}

// Draft suggests an opening message for a context, using the resolved
// summary when one is available.
func (b *Binder) Draft(ctx context.Context, c domain.ContextBinding) string {
	s := b.summarize(ctx, c)
	switch c.Type {
	case domain.ContextApplication:
		return "Hello, I have a question about " + s.Text + "."
	case domain.ContextSupport:
		return "Hello, I need help with " + s.Text + "."
	}
	return ""
}
