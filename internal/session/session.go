// Package session drives one viewer's interaction with the messaging core:
// opening a conversation marks it read and arms presence for it, and switching
// or closing tears that down again.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"jobchat/internal/bus"
	"jobchat/internal/domain"
	"jobchat/internal/notify"
	"jobchat/internal/presence"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session closed")

// Store is the store surface a session uses.
type Store interface {
	ConversationFor(ctx context.Context, conversationID, viewerID string) (domain.Conversation, error)
	MarkConversationRead(ctx context.Context, conversationID, viewerID string) (int, error)
	BeginView(conversationID, viewerID string) error
	EndView(conversationID, viewerID string) error
	AppendMessage(ctx context.Context, conversationID, senderID, text string, attachments []string) (domain.Message, error)
}

// Config configures a Session.
type Config struct {
	Viewer   domain.Identity
	Store    Store
	Presence presence.Source      // defaults to presence.Off
	Relay    *presence.Relay      // optional; receives the viewer's own typing input
	Unread   notify.UnreadSource  // optional; enables the unread poller
	Interval time.Duration        // poller interval
	Bus      *bus.EventBus        // optional
	OnTyping func(presence.Signal) // optional
	Logger   *slog.Logger
}

// Session is a single viewer's active state. It is safe for concurrent use.
type Session struct {
	viewer   domain.Identity
	store    Store
	presence presence.Source
	relay    *presence.Relay
	bus      *bus.EventBus
	onTyping func(presence.Signal)
	poller   *notify.Poller
	logger   *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	focus  string
	armed  *arming
	closed bool
	wg     sync.WaitGroup
}

// arming is the set of presence watchers for the focused conversation.
type arming struct {
	conversationID string
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

// New creates a Session. Call Start before Open.
func New(cfg Config) *Session {
	if cfg.Presence == nil {
		cfg.Presence = presence.Off{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Session{
		viewer:   cfg.Viewer,
		store:    cfg.Store,
		presence: cfg.Presence,
		relay:    cfg.Relay,
		bus:      cfg.Bus,
		onTyping: cfg.OnTyping,
		logger:   cfg.Logger.With("viewer", cfg.Viewer.ID),
	}
	if cfg.Unread != nil {
		s.poller = notify.New(cfg.Unread, notify.Config{
			ViewerID: cfg.Viewer.ID,
			Interval: cfg.Interval,
			Bus:      cfg.Bus,
			Logger:   cfg.Logger,
		})
	}
	return s
}

// Viewer returns the identity the session acts for.
func (s *Session) Viewer() domain.Identity { return s.viewer }

// Start binds the session to ctx and starts the unread poller, if any.
// Cancelling ctx has the same effect as Close.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil || s.closed {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	if s.poller != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.poller.Start(s.ctx)
		}()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-s.ctx.Done()
		s.Close()
	}()
}

// SubscribeUnread registers fn for unread changes. It returns a no-op
// unsubscribe when the session has no poller.
func (s *Session) SubscribeUnread(fn func(notify.Update)) (unsubscribe func()) {
	if s.poller == nil {
		return func() {}
	}
	return s.poller.Subscribe(fn)
}

// Focused returns the id of the open conversation, or "".
func (s *Session) Focused() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focus
}

// Open focuses a conversation: it is marked read for the viewer, stays read
// while focused, and presence is armed for the other participants. The
// returned snapshot reflects the read.
func (s *Session) Open(ctx context.Context, conversationID string) (domain.Conversation, error) {
	conv, err := s.store.ConversationFor(ctx, conversationID, s.viewer.ID)
	if err != nil {
		return domain.Conversation{}, err
	}

	s.mu.Lock()
	if s.closed || s.ctx == nil {
		s.mu.Unlock()
		return domain.Conversation{}, ErrClosed
	}
	var old *arming
	if s.focus != conversationID {
		// The view opens before the read so nothing delivered in between
		// stays unread.
		if err := s.store.BeginView(conversationID, s.viewer.ID); err != nil {
			s.mu.Unlock()
			return domain.Conversation{}, err
		}
		old = s.leaveLocked()
		s.focus = conversationID
		s.armed = s.armLocked(conv)
	}
	s.mu.Unlock()
	waitDisarmed(old)

	if _, err := s.store.MarkConversationRead(ctx, conversationID, s.viewer.ID); err != nil {
		s.mu.Lock()
		var failed *arming
		if s.focus == conversationID {
			failed = s.leaveLocked()
		}
		s.mu.Unlock()
		waitDisarmed(failed)
		return domain.Conversation{}, err
	}

	s.logger.Debug("conversation opened", "conversation", conversationID)
	if s.poller != nil {
		s.poller.Trigger()
	}
	return s.store.ConversationFor(ctx, conversationID, s.viewer.ID)
}

// Leave unfocuses the open conversation, if any.
func (s *Session) Leave() {
	s.mu.Lock()
	old := s.leaveLocked()
	s.mu.Unlock()
	waitDisarmed(old)
}

// Send appends text to the focused conversation.
func (s *Session) Send(ctx context.Context, text string, attachments []string) (domain.Message, error) {
	s.mu.Lock()
	focus, closed := s.focus, s.closed
	s.mu.Unlock()
	if closed {
		return domain.Message{}, ErrClosed
	}
	if focus == "" {
		return domain.Message{}, &domain.ValidationError{Field: "conversation_id", Reason: "no conversation is open"}
	}
	if s.relay != nil {
		s.relay.Input(focus, s.viewer.ID, false)
	}
	return s.store.AppendMessage(ctx, focus, s.viewer.ID, text, attachments)
}

// Typing forwards the viewer's own typing activity to the relay, if any.
func (s *Session) Typing(typing bool) {
	if s.relay == nil {
		return
	}
	if focus := s.Focused(); focus != "" {
		s.relay.Input(focus, s.viewer.ID, typing)
	}
}

// Close leaves the focused conversation and stops all background work.
// It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	old := s.leaveLocked()
	cancel := s.cancel
	s.mu.Unlock()

	waitDisarmed(old)
	if cancel != nil {
		cancel()
	}
	if s.poller != nil {
		s.poller.Stop()
	}
	s.logger.Debug("session closed")
}

// leaveLocked clears the focus and cancels presence. The caller must hold
// s.mu and pass the result to waitDisarmed after unlocking.
func (s *Session) leaveLocked() *arming {
	if s.focus != "" {
		if err := s.store.EndView(s.focus, s.viewer.ID); err != nil {
			s.logger.Warn("end view failed", "conversation", s.focus, "error", err)
		}
	}
	s.focus = ""
	old := s.armed
	s.armed = nil
	if old != nil {
		old.cancel()
	}
	return old
}

func waitDisarmed(a *arming) {
	if a != nil {
		a.wg.Wait()
	}
}

// armLocked starts one watcher per other participant. The caller must hold s.mu.
func (s *Session) armLocked(conv domain.Conversation) *arming {
	ctx, cancel := context.WithCancel(s.ctx)
	a := &arming{conversationID: conv.ID, cancel: cancel}
	for _, peer := range conv.ParticipantIDs {
		if peer == s.viewer.ID {
			continue
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			s.presence.Watch(ctx, conv.ID, peer, func(sig presence.Signal) {
				s.publishTyping(conv, sig)
			})
		}()
	}
	return a
}

func (s *Session) publishTyping(conv domain.Conversation, sig presence.Signal) {
	if s.bus != nil {
		s.bus.Emit(bus.Event{
			Type:           bus.EventTyping,
			Source:         "presence",
			ConversationID: conv.ID,
			Participants:   []string{s.viewer.ID},
			Payload: map[string]any{
				bus.KeyPeer:   sig.PeerID,
				bus.KeyTyping: sig.Typing,
			},
			Timestamp: sig.At,
		})
	}
	if s.onTyping != nil {
		s.onTyping(sig)
	}
}
