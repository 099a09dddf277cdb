package store

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sort"
	"strings"
	"time"

	"jobchat/internal/bus"
	"jobchat/internal/domain"
	"jobchat/internal/metrics"
)

// FindOrCreateConversation returns the conversation with the same unordered
// participant set and context, creating it when none exists. The second
// return value reports whether a conversation was created.
func (s *Store) FindOrCreateConversation(ctx context.Context, participantIDs []string, b *domain.ContextBinding) (domain.Conversation, bool, error) {
	ids := dedupe(participantIDs)
	if len(ids) < 2 {
		return domain.Conversation{}, false, &domain.ValidationError{Field: "participant_ids", Reason: "at least 2 distinct participants required"}
	}
	if b != nil {
		if err := validateBinding(*b); err != nil {
			return domain.Conversation{}, false, err
		}
	}
	for _, id := range ids {
		if _, ok := s.Participant(id); !ok {
			return domain.Conversation{}, false, &domain.NotFoundError{Kind: "participant", ID: id}
		}
	}

	key := lookupKey(ids, b)

	s.createMu.Lock()
	s.mu.RLock()
	existingID, found := s.index[key]
	s.mu.RUnlock()
	if found {
		s.createMu.Unlock()
		conv, err := s.GetConversation(ctx, existingID)
		return conv, false, err
	}

	c := newConversation(s.newID(), ids, s.clock(), b)
	if s.repo != nil {
		if err := s.repo.CreateConversation(ctx, c.snapshot("")); err != nil {
			s.createMu.Unlock()
			return domain.Conversation{}, false, fmt.Errorf("create conversation: %w", err)
		}
	}

	s.mu.Lock()
	s.conversations[c.id] = c
	s.index[key] = c.id
	s.mu.Unlock()
	s.createMu.Unlock()

	metrics.ConversationsNew.Inc()
	s.logger.Info("conversation created", "conversation", c.id, "participants", len(ids), "context", b != nil)

	c.mu.Lock()
	snap := c.snapshot("")
	events := []bus.Event{s.event(c, bus.EventConversationCreated, nil)}
	if b != nil {
		events = append(events, s.event(c, bus.EventContextBound, map[string]any{bus.KeyContext: *b}))
	}
	s.unlockAndEmit(c, events)
	return snap, true, nil
}

// GetConversation returns a snapshot of the conversation. UnreadCount is 0
// because no viewer is implied; use ConversationFor for a viewer's copy.
func (s *Store) GetConversation(_ context.Context, id string) (domain.Conversation, error) {
	c, err := s.get(id)
	if err != nil {
		return domain.Conversation{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot(""), nil
}

// ConversationFor returns the conversation as seen by viewerID, who must be a
// participant.
func (s *Store) ConversationFor(_ context.Context, id, viewerID string) (domain.Conversation, error) {
	c, err := s.get(id)
	if err != nil {
		return domain.Conversation{}, err
	}
	if !slices.Contains(c.participants, viewerID) {
		return domain.Conversation{}, &domain.NotFoundError{Kind: "conversation", ID: id}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot(viewerID), nil
}

// Conversations lazily yields the viewer's conversations ordered by
// LastMessageAt descending. Each range over the sequence starts afresh.
func (s *Store) Conversations(viewerID string) iter.Seq[domain.Conversation] {
	return func(yield func(domain.Conversation) bool) {
		for _, c := range s.ordered(viewerID) {
			c.mu.Lock()
			snap := c.snapshot(viewerID)
			c.mu.Unlock()
			if !yield(snap) {
				return
			}
		}
	}
}

// ListConversations returns the viewer's conversations accepted by filter
// (all when nil), ordered by LastMessageAt descending.
func (s *Store) ListConversations(_ context.Context, viewerID string, filter domain.ConversationFilter) ([]domain.Conversation, error) {
	if _, ok := s.Participant(viewerID); !ok {
		return nil, &domain.NotFoundError{Kind: "participant", ID: viewerID}
	}
	out := []domain.Conversation{}
	for conv := range s.Conversations(viewerID) {
		if filter == nil || filter(conv) {
			out = append(out, conv)
		}
	}
	return out, nil
}

type orderedConv struct {
	c    *conversation
	last time.Time
}

func (s *Store) ordered(viewerID string) []*conversation {
	s.mu.RLock()
	candidates := make([]*conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		if slices.Contains(c.participants, viewerID) {
			candidates = append(candidates, c)
		}
	}
	s.mu.RUnlock()

	keyed := make([]orderedConv, len(candidates))
	for i, c := range candidates {
		c.mu.Lock()
		keyed[i] = orderedConv{c: c, last: c.lastMessageAt()}
		c.mu.Unlock()
	}
	sort.Slice(keyed, func(i, j int) bool {
		if !keyed[i].last.Equal(keyed[j].last) {
			return keyed[i].last.After(keyed[j].last)
		}
		return keyed[i].c.id < keyed[j].c.id
	})

	out := make([]*conversation, len(keyed))
	for i, k := range keyed {
		out[i] = k.c
	}
	return out
}

// BindContext attaches b to the conversation. Binding the identical context
// again is a no-op; binding a different one fails with a ConflictError.
func (s *Store) BindContext(ctx context.Context, conversationID string, b domain.ContextBinding) error {
	if err := validateBinding(b); err != nil {
		return err
	}
	c, err := s.get(conversationID)
	if err != nil {
		return err
	}

	s.createMu.Lock()
	c.mu.Lock()
	if c.binding != nil {
		existing := *c.binding
		c.mu.Unlock()
		s.createMu.Unlock()
		if existing == b {
			return nil
		}
		return &domain.ConflictError{ConversationID: conversationID, Existing: existing, Requested: b}
	}
	if s.repo != nil {
		if err := s.repo.BindContext(ctx, conversationID, b); err != nil {
			c.mu.Unlock()
			s.createMu.Unlock()
			return fmt.Errorf("bind context: %w", err)
		}
	}
	bound := b
	c.binding = &bound

	oldKey := lookupKey(c.participants, nil)
	newKey := lookupKey(c.participants, &bound)
	s.mu.Lock()
	if s.index[oldKey] == c.id {
		delete(s.index, oldKey)
	}
	if _, taken := s.index[newKey]; !taken {
		s.index[newKey] = c.id
	}
	s.mu.Unlock()
	s.createMu.Unlock()

	s.logger.Info("context bound", "conversation", c.id, "type", b.Type, "subject", b.SubjectID)
	s.unlockAndEmit(c, []bus.Event{s.event(c, bus.EventContextBound, map[string]any{bus.KeyContext: b})})
	return nil
}

// Context returns the bound context, or nil when none is bound.
func (s *Store) Context(_ context.Context, conversationID string) (*domain.ContextBinding, error) {
	c, err := s.get(conversationID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.binding == nil {
		return nil, nil
	}
	b := *c.binding
	return &b, nil
}

func validateBinding(b domain.ContextBinding) error {
	if !b.Type.Valid() {
		return &domain.ValidationError{Field: "context.type", Reason: fmt.Sprintf("unknown context type %q", b.Type)}
	}
	if strings.TrimSpace(b.SubjectID) == "" {
		return &domain.ValidationError{Field: "context.subject_id", Reason: "must not be empty"}
	}
	return nil
}

// dedupe drops blanks and repeats, keeping first-seen order.
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// The caller must hold c.mu.
func (c *conversation) lastMessageAt() time.Time {
	if n := len(c.messages); n > 0 {
		return c.messages[n-1].Timestamp
	}
	return c.createdAt
}

// snapshot copies c for viewerID; an empty viewer yields UnreadCount 0.
// The caller must hold c.mu.
func (c *conversation) snapshot(viewerID string) domain.Conversation {
	msgs := make([]domain.Message, len(c.messages))
	for i, m := range c.messages {
		msgs[i] = m.Clone()
	}
	conv := domain.Conversation{
		ID:             c.id,
		ParticipantIDs: slices.Clone(c.participants),
		Messages:       msgs,
		LastMessageAt:  c.lastMessageAt(),
		CreatedAt:      c.createdAt,
	}
	if c.binding != nil {
		b := *c.binding
		conv.Context = &b
	}
	if viewerID != "" {
		conv.UnreadCount = c.unreadFor(viewerID)
	}
	return conv
}

// unreadFor serves the cached count, recomputing on a miss.
// The caller must hold c.mu.
func (c *conversation) unreadFor(viewerID string) int {
	if n, ok := c.unread[viewerID]; ok {
		return n
	}
	n := domain.CountUnread(c.messages, viewerID)
	c.unread[viewerID] = n
	metrics.UnreadRecomputes.Inc()
	return n
}
