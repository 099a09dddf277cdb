// Package store is the authoritative Entity Store for participants,
// conversations and messages.
//
// State lives in memory and is written through to an optional
// domain.Repository. Every mutation of a conversation is serialized by that
// conversation's own mutex, and change events for a conversation are
// published in the order the mutations were applied.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"jobchat/internal/bus"
	"jobchat/internal/domain"

	"github.com/google/uuid"
)

const source = "store"

// Config configures a Store.
type Config struct {
	Repository domain.Repository // optional write-through persistence
	Bus        *bus.EventBus     // optional change-event stream
	Clock      func() time.Time
	NewID      func() string
	Logger     *slog.Logger
}

// Store owns every Participant, Conversation and Message.
type Store struct {
	repo   domain.Repository
	bus    *bus.EventBus
	clock  func() time.Time
	newID  func() string
	logger *slog.Logger

	mu            sync.RWMutex
	participants  map[string]domain.Participant
	conversations map[string]*conversation
	index         map[string]string // lookup key -> conversation id

	createMu sync.Mutex // serializes find-or-create and context binding re-keying
}

// conversation is the mutable record behind a domain.Conversation snapshot.
type conversation struct {
	mu     sync.Mutex
	emitMu sync.Mutex // held from mutation until its events are published

	id           string
	participants []string
	messages     []domain.Message
	byID         map[string]int
	createdAt    time.Time
	binding      *domain.ContextBinding
	viewing      map[string]int // open views per viewer
	unread       map[string]int // per-viewer cache, cleared on every mutation
}

// New creates an empty Store.
func New(cfg Config) *Store {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		repo:          cfg.Repository,
		bus:           cfg.Bus,
		clock:         cfg.Clock,
		newID:         cfg.NewID,
		logger:        cfg.Logger,
		participants:  make(map[string]domain.Participant),
		conversations: make(map[string]*conversation),
		index:         make(map[string]string),
	}
}

// Load hydrates the store from its repository. It is a no-op without one.
func (s *Store) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	parts, err := s.repo.ListParticipants(ctx)
	if err != nil {
		return fmt.Errorf("load participants: %w", err)
	}
	convs, err := s.repo.LoadConversations(ctx)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range parts {
		s.participants[p.ID] = p
	}
	for _, c := range convs {
		rec := newConversation(c.ID, c.ParticipantIDs, c.CreatedAt, c.Context)
		for _, m := range c.Messages {
			rec.byID[m.ID] = len(rec.messages)
			rec.messages = append(rec.messages, m.Clone())
		}
		s.conversations[c.ID] = rec
		key := lookupKey(c.ParticipantIDs, c.Context)
		if _, taken := s.index[key]; !taken {
			s.index[key] = c.ID
		}
	}
	s.logger.Info("store loaded", "participants", len(parts), "conversations", len(convs))
	return nil
}

func newConversation(id string, participants []string, createdAt time.Time, b *domain.ContextBinding) *conversation {
	var binding *domain.ContextBinding
	if b != nil {
		cp := *b
		binding = &cp
	}
	return &conversation{
		id:           id,
		participants: slices.Clone(participants),
		byID:         make(map[string]int),
		createdAt:    createdAt,
		binding:      binding,
		viewing:      make(map[string]int),
		unread:       make(map[string]int),
	}
}

// RegisterParticipant adds an identity record. Registering the same record
// twice is a no-op; changing an existing record is rejected.
func (s *Store) RegisterParticipant(ctx context.Context, p domain.Participant) error {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return &domain.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(p.DisplayName) == "" {
		return &domain.ValidationError{Field: "display_name", Reason: "must not be empty"}
	}
	if !p.Role.Valid() {
		return &domain.ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", p.Role)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.participants[p.ID]; ok {
		if existing == p {
			return nil
		}
		return &domain.ValidationError{Field: "id", Reason: "participant " + p.ID + " is already registered with a different identity"}
	}
	if s.repo != nil {
		if err := s.repo.SaveParticipant(ctx, p); err != nil {
			return fmt.Errorf("save participant %s: %w", p.ID, err)
		}
	}
	s.participants[p.ID] = p
	return nil
}

// Participant implements domain.ParticipantLookup.
func (s *Store) Participant(id string) (domain.Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	return p, ok
}

// Participants returns every registered participant ordered by id.
func (s *Store) Participants() []domain.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) get(id string) (*conversation, error) {
	s.mu.RLock()
	c, ok := s.conversations[id]
	s.mu.RUnlock()
	if !ok {
		return nil, &domain.NotFoundError{Kind: "conversation", ID: id}
	}
	return c, nil
}

// unlockAndEmit releases c.mu and publishes events in mutation order.
// The caller must hold c.mu.
func (s *Store) unlockAndEmit(c *conversation, events []bus.Event) {
	c.emitMu.Lock()
	c.mu.Unlock()
	defer c.emitMu.Unlock()
	if s.bus == nil {
		return
	}
	for _, e := range events {
		s.bus.Emit(e)
	}
}

func (s *Store) event(c *conversation, eventType string, payload map[string]any) bus.Event {
	return bus.Event{
		Type:           eventType,
		Source:         source,
		ConversationID: c.id,
		Participants:   slices.Clone(c.participants),
		Payload:        payload,
		Timestamp:      s.clock(),
	}
}

// lookupKey identifies a conversation by unordered participant set and context.
func lookupKey(participants []string, b *domain.ContextBinding) string {
	ids := slices.Clone(participants)
	sort.Strings(ids)
	key := strings.Join(ids, "\x1f")
	if b != nil {
		key += "|" + string(b.Type) + ":" + b.SubjectID
	}
	return key
}
