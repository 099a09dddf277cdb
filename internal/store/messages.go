package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"jobchat/internal/bus"
	"jobchat/internal/domain"
	"jobchat/internal/metrics"
)

// AppendMessage validates and appends a new message in the sending state.
// Timestamps never go backwards within a conversation.
func (s *Store) AppendMessage(ctx context.Context, conversationID, senderID, text string, attachments []string) (domain.Message, error) {
	if err := validateText(text); err != nil {
		return domain.Message{}, err
	}
	var refs []string
	for _, a := range attachments {
		if a = strings.TrimSpace(a); a != "" {
			refs = append(refs, a)
		}
	}

	c, err := s.get(conversationID)
	if err != nil {
		return domain.Message{}, err
	}
	if !slices.Contains(c.participants, senderID) {
		return domain.Message{}, &domain.ValidationError{Field: "sender_id", Reason: senderID + " is not a participant of conversation " + conversationID}
	}

	c.mu.Lock()
	ts := s.clock()
	if last := c.lastMessageAt(); len(c.messages) > 0 && ts.Before(last) {
		ts = last
	}
	msg := domain.Message{
		ID:             s.newID(),
		ConversationID: c.id,
		SenderID:       senderID,
		Text:           text,
		Timestamp:      ts,
		Status:         domain.StatusSending,
		Attachments:    refs,
	}
	if s.repo != nil {
		if err := s.repo.AppendMessage(ctx, msg); err != nil {
			c.mu.Unlock()
			return domain.Message{}, fmt.Errorf("append message: %w", err)
		}
	}
	c.byID[msg.ID] = len(c.messages)
	c.messages = append(c.messages, msg)
	clear(c.unread)

	metrics.MessagesAppended.Inc()
	metrics.Collector.StatusTransitions(string(domain.StatusSending)).Inc()
	s.logger.Debug("message appended", "conversation", c.id, "message", msg.ID, "sender", senderID)

	out := msg.Clone()
	s.unlockAndEmit(c, []bus.Event{s.event(c, bus.EventMessageAppended, map[string]any{bus.KeyMessage: msg.Clone()})})
	return out, nil
}

// AdvanceStatus moves a message one step forward to sent or delivered.
// Requests for a status the message already reached are ignored; skipping a
// step or requesting read fails with ErrInvalidTransition. A delivery that
// lands while a recipient is viewing the conversation cascades to read.
func (s *Store) AdvanceStatus(ctx context.Context, conversationID, messageID string, to domain.MessageStatus) (domain.Message, error) {
	c, err := s.get(conversationID)
	if err != nil {
		return domain.Message{}, err
	}

	c.mu.Lock()
	idx, ok := c.byID[messageID]
	if !ok {
		c.mu.Unlock()
		return domain.Message{}, &domain.NotFoundError{Kind: "message", ID: messageID}
	}
	cur := c.messages[idx]
	if to.Valid() && to.Rank() <= cur.Status.Rank() {
		c.mu.Unlock()
		return cur.Clone(), nil
	}
	next, _ := cur.Status.Next()
	if to != next || to == domain.StatusRead {
		c.mu.Unlock()
		return domain.Message{}, fmt.Errorf("%w: %s -> %s for message %s", domain.ErrInvalidTransition, cur.Status, to, messageID)
	}

	var events []bus.Event
	if err := s.setStatus(ctx, c, idx, to); err != nil {
		c.mu.Unlock()
		return domain.Message{}, err
	}
	events = append(events, s.statusEvent(c, idx))

	if to == domain.StatusDelivered && c.viewedByRecipient(cur.SenderID) {
		if err := s.setStatus(ctx, c, idx, domain.StatusRead); err != nil {
			s.logger.Warn("deferred read failed", "conversation", c.id, "message", messageID, "error", err)
		} else {
			events = append(events, s.statusEvent(c, idx))
		}
	}

	out := c.messages[idx].Clone()
	s.unlockAndEmit(c, events)
	return out, nil
}

// MarkConversationRead marks every delivered message not sent by viewerID as
// read. It returns how many messages changed and is idempotent. Messages
// still in flight are only read on delivery while a view is open, see
// BeginView.
func (s *Store) MarkConversationRead(ctx context.Context, conversationID, viewerID string) (int, error) {
	c, err := s.get(conversationID)
	if err != nil {
		return 0, err
	}
	if !slices.Contains(c.participants, viewerID) {
		return 0, &domain.ValidationError{Field: "viewer_id", Reason: viewerID + " is not a participant of conversation " + conversationID}
	}

	c.mu.Lock()
	var events []bus.Event
	read := 0
	for i := range c.messages {
		m := c.messages[i]
		if m.SenderID == viewerID || m.Status != domain.StatusDelivered {
			continue
		}
		if err := s.setStatus(ctx, c, i, domain.StatusRead); err != nil {
			s.unlockAndEmit(c, events)
			return read, err
		}
		events = append(events, s.statusEvent(c, i))
		read++
	}
	events = append(events, s.event(c, bus.EventConversationRead, map[string]any{
		bus.KeyViewer: viewerID,
		bus.KeyRead:   read,
	}))
	if read > 0 {
		s.logger.Debug("conversation read", "conversation", c.id, "viewer", viewerID, "messages", read)
	}
	s.unlockAndEmit(c, events)
	return read, nil
}

// BeginView records that viewerID has the conversation open. Views are
// counted, so one viewer may hold several at once. Each BeginView must be
// paired with an EndView.
func (s *Store) BeginView(conversationID, viewerID string) error {
	c, err := s.get(conversationID)
	if err != nil {
		return err
	}
	if !slices.Contains(c.participants, viewerID) {
		return &domain.ValidationError{Field: "viewer_id", Reason: viewerID + " is not a participant of conversation " + conversationID}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viewing[viewerID]++
	return nil
}

// EndView releases one view taken by BeginView.
func (s *Store) EndView(conversationID, viewerID string) error {
	c, err := s.get(conversationID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.viewing[viewerID] <= 1 {
		delete(c.viewing, viewerID)
		return nil
	}
	c.viewing[viewerID]--
	return nil
}

// Viewing reports whether viewerID currently has the conversation open.
func (s *Store) Viewing(conversationID, viewerID string) bool {
	c, err := s.get(conversationID)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewing[viewerID] > 0
}

// UnreadCounts returns the viewer's unread count for each of their
// conversations that has unread messages.
func (s *Store) UnreadCounts(_ context.Context, viewerID string) (map[string]int, error) {
	if _, ok := s.Participant(viewerID); !ok {
		return nil, &domain.NotFoundError{Kind: "participant", ID: viewerID}
	}
	s.mu.RLock()
	convs := make([]*conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		if slices.Contains(c.participants, viewerID) {
			convs = append(convs, c)
		}
	}
	s.mu.RUnlock()

	counts := make(map[string]int)
	for _, c := range convs {
		c.mu.Lock()
		n := c.unreadFor(viewerID)
		c.mu.Unlock()
		if n > 0 {
			counts[c.id] = n
		}
	}
	return counts, nil
}

// UnreadTotal sums UnreadCounts.
func (s *Store) UnreadTotal(ctx context.Context, viewerID string) (int, error) {
	counts, err := s.UnreadCounts(ctx, viewerID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// PendingMessages returns every message that has not yet been delivered,
// for re-scheduling after a restart.
func (s *Store) PendingMessages() []domain.Message {
	s.mu.RLock()
	convs := make([]*conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		convs = append(convs, c)
	}
	s.mu.RUnlock()

	var out []domain.Message
	for _, c := range convs {
		c.mu.Lock()
		for _, m := range c.messages {
			if m.Status == domain.StatusSending || m.Status == domain.StatusSent {
				out = append(out, m.Clone())
			}
		}
		c.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b domain.Message) int { return a.Timestamp.Compare(b.Timestamp) })
	return out
}

// setStatus persists and applies a status change. The caller must hold c.mu.
func (s *Store) setStatus(ctx context.Context, c *conversation, idx int, to domain.MessageStatus) error {
	m := &c.messages[idx]
	if s.repo != nil {
		if err := s.repo.UpdateMessageStatus(ctx, m.ID, to); err != nil {
			return fmt.Errorf("update status of message %s: %w", m.ID, err)
		}
	}
	m.Status = to
	clear(c.unread)
	metrics.Collector.StatusTransitions(string(to)).Inc()
	return nil
}

// The caller must hold c.mu.
func (s *Store) statusEvent(c *conversation, idx int) bus.Event {
	m := c.messages[idx]
	return s.event(c, bus.EventMessageStatus, map[string]any{
		bus.KeyMessage: m.Clone(),
		bus.KeyStatus:  m.Status,
	})
}

// viewedByRecipient reports whether anyone other than senderID is viewing.
// The caller must hold c.mu.
func (c *conversation) viewedByRecipient(senderID string) bool {
	for id, n := range c.viewing {
		if n > 0 && id != senderID {
			return true
		}
	}
	return false
}

func validateText(text string) error {
	if utf8.RuneCountInString(strings.TrimSpace(text)) < domain.MinMessageRunes {
		return &domain.ValidationError{Field: "text", Reason: "must not be empty"}
	}
	if n := utf8.RuneCountInString(text); n > domain.MaxMessageRunes {
		return &domain.ValidationError{Field: "text", Reason: fmt.Sprintf("must be at most %d characters, got %d", domain.MaxMessageRunes, n)}
	}
	return nil
}
