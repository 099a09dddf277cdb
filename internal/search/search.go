// Package search selects a viewer's conversations by free text or by a named
// filter. Results keep the store's recency order.
package search

import (
	"context"
	"fmt"
	"strings"

	"jobchat/internal/domain"
)

// FilterKind names a predefined conversation filter.
type FilterKind string

const (
	FilterAll         FilterKind = "all"
	FilterUnread      FilterKind = "unread"
	FilterByRole      FilterKind = "by-participant-role"
	FilterByContext   FilterKind = "by-context-type"
	defaultFilterKind            = FilterAll
)

// Filter is a named filter with its argument, if any.
type Filter struct {
	Kind        FilterKind
	Role        domain.Role        // for FilterByRole
	ContextType domain.ContextType // for FilterByContext
}

// Query asks for conversations matching Text, or Filter when Text is blank.
type Query struct {
	Text   string
	Filter Filter
}

// Lister is the store surface the engine reads from.
type Lister interface {
	ListConversations(ctx context.Context, viewerID string, filter domain.ConversationFilter) ([]domain.Conversation, error)
}

// Engine runs queries against a viewer's conversations.
type Engine struct {
	lister       Lister
	participants domain.ParticipantLookup
}

// New creates an Engine.
func New(lister Lister, participants domain.ParticipantLookup) *Engine {
	return &Engine{lister: lister, participants: participants}
}

// Search returns the viewer's conversations matching q, most recent first.
// No match yields an empty, non-nil slice.
func (e *Engine) Search(ctx context.Context, viewerID string, q Query) ([]domain.Conversation, error) {
	pred, err := e.Predicate(viewerID, q)
	if err != nil {
		return nil, err
	}
	return e.lister.ListConversations(ctx, viewerID, pred)
}

// Predicate compiles q into a filter for viewerID. Free text takes precedence
// over the named filter.
func (e *Engine) Predicate(viewerID string, q Query) (domain.ConversationFilter, error) {
	if text := strings.TrimSpace(q.Text); text != "" {
		return e.textMatch(strings.ToLower(text)), nil
	}

	f := q.Filter
	if f.Kind == "" {
		f.Kind = defaultFilterKind
	}
	switch f.Kind {
	case FilterAll:
		return nil, nil
	case FilterUnread:
		return func(c domain.Conversation) bool { return c.UnreadCount > 0 }, nil
	case FilterByRole:
		if !f.Role.Valid() {
			return nil, &domain.ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", f.Role)}
		}
		return e.roleMatch(viewerID, f.Role), nil
	case FilterByContext:
		if !f.ContextType.Valid() {
			return nil, &domain.ValidationError{Field: "context_type", Reason: fmt.Sprintf("unknown context type %q", f.ContextType)}
		}
		return func(c domain.Conversation) bool {
			return c.Context != nil && c.Context.Type == f.ContextType
		}, nil
	}
	return nil, &domain.ValidationError{Field: "filter", Reason: fmt.Sprintf("unknown filter %q", f.Kind)}
}

// textMatch matches participant display names and message text. needle must
// already be lower-cased.
func (e *Engine) textMatch(needle string) domain.ConversationFilter {
	return func(c domain.Conversation) bool {
		for _, id := range c.ParticipantIDs {
			if p, ok := e.participants.Participant(id); ok && strings.Contains(strings.ToLower(p.DisplayName), needle) {
				return true
			}
		}
		for _, m := range c.Messages {
			if strings.Contains(strings.ToLower(m.Text), needle) {
				return true
			}
		}
		return false
	}
}

// roleMatch keeps conversations where someone other than the viewer has role.
func (e *Engine) roleMatch(viewerID string, role domain.Role) domain.ConversationFilter {
	return func(c domain.Conversation) bool {
		for _, id := range c.ParticipantIDs {
			if id == viewerID {
				continue
			}
			if p, ok := e.participants.Participant(id); ok && p.Role == role {
				return true
			}
		}
		return false
	}
}
