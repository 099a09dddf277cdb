// Package delivery advances messages through sending, sent and delivered on
// deferred timers. The read transition is owned by the store.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"jobchat/internal/bus"
	"jobchat/internal/domain"
	"jobchat/internal/metrics"
)

// Advancer applies a single forward status transition.
type Advancer interface {
	AdvanceStatus(ctx context.Context, conversationID, messageID string, to domain.MessageStatus) (domain.Message, error)
}

// Config configures an Engine.
type Config struct {
	SentDelay      time.Duration // append -> sent
	DeliveredDelay time.Duration // append -> delivered, must exceed SentDelay
	MaxAttempts    int           // per transition, before giving up until Resume
	RetryBackoff   time.Duration
	Logger         *slog.Logger
}

// Engine schedules status transitions for messages in flight. Transitions run
// on timer goroutines, never on the caller of Track.
type Engine struct {
	store  Advancer
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	jobs      map[string]*job // message id -> scheduled transition
	stopped   bool
	bus       *bus.EventBus
	handlerID string
	wg        sync.WaitGroup
}

type job struct {
	conversationID string
	messageID      string
	to             domain.MessageStatus
	attempts       int
	appendedAt     time.Time
	timer          *time.Timer
}

// New creates an Engine. Zero delays fall back to 500ms and 1.5s.
func New(store Advancer, cfg Config) (*Engine, error) {
	if cfg.SentDelay <= 0 {
		cfg.SentDelay = 500 * time.Millisecond
	}
	if cfg.DeliveredDelay <= 0 {
		cfg.DeliveredDelay = 1500 * time.Millisecond
	}
	if cfg.DeliveredDelay <= cfg.SentDelay {
		return nil, fmt.Errorf("delivered delay %s must exceed sent delay %s", cfg.DeliveredDelay, cfg.SentDelay)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = cfg.SentDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		store:  store,
		cfg:    cfg,
		logger: cfg.Logger,
		jobs:   make(map[string]*job),
	}, nil
}

// Attach starts tracking every message appended on eb.
func (e *Engine) Attach(eb *bus.EventBus) {
	id := eb.On(bus.EventMessageAppended, func(ev bus.Event) {
		msg, ok := ev.Payload[bus.KeyMessage].(domain.Message)
		if !ok {
			e.logger.Warn("message.appended without message payload", "conversation", ev.ConversationID)
			return
		}
		e.Track(msg)
	})
	e.mu.Lock()
	e.bus, e.handlerID = eb, id
	e.mu.Unlock()
}

// Track schedules the next transition for msg. Messages already delivered or
// read are ignored, as are messages that are already scheduled.
func (e *Engine) Track(msg domain.Message) {
	var to domain.MessageStatus
	var delay time.Duration
	switch msg.Status {
	case domain.StatusSending:
		to, delay = domain.StatusSent, e.cfg.SentDelay
	case domain.StatusSent:
		to, delay = domain.StatusDelivered, e.cfg.DeliveredDelay-e.cfg.SentDelay
	default:
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	if _, exists := e.jobs[msg.ID]; exists {
		return
	}
	appendedAt := msg.Timestamp
	if appendedAt.IsZero() {
		appendedAt = time.Now()
	}
	e.scheduleLocked(&job{
		conversationID: msg.ConversationID,
		messageID:      msg.ID,
		to:             to,
		appendedAt:     appendedAt,
	}, delay)
}

// Resume re-schedules messages left undelivered by a previous run and
// returns how many were scheduled.
func (e *Engine) Resume(msgs []domain.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Status == domain.StatusSending || m.Status == domain.StatusSent {
			e.Track(m)
			n++
		}
	}
	if n > 0 {
		e.logger.Info("delivery resumed", "messages", n)
	}
	return n
}

// CancelConversation drops every scheduled transition for the conversation
// and returns how many were cancelled.
func (e *Engine) CancelConversation(conversationID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, j := range e.jobs {
		if j.conversationID != conversationID {
			continue
		}
		if j.timer.Stop() {
			e.wg.Done()
		}
		delete(e.jobs, id)
		n++
	}
	metrics.PendingDelivery.Set(int64(len(e.jobs)))
	return n
}

// Pending returns the number of messages with a scheduled transition.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

// Stop detaches from the bus, cancels all timers and waits for transitions
// already running to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	if e.bus != nil {
		e.bus.Off(bus.EventMessageAppended, e.handlerID)
	}
	for id, j := range e.jobs {
		if j.timer.Stop() {
			e.wg.Done()
		}
		delete(e.jobs, id)
	}
	metrics.PendingDelivery.Set(0)
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("delivery engine stopped")
}

// The caller must hold e.mu.
func (e *Engine) scheduleLocked(j *job, delay time.Duration) {
	e.wg.Add(1)
	j.timer = time.AfterFunc(delay, func() {
		defer e.wg.Done()
		e.fire(j)
	})
	e.jobs[j.messageID] = j
	metrics.PendingDelivery.Set(int64(len(e.jobs)))
}

func (e *Engine) fire(j *job) {
	e.mu.Lock()
	if e.stopped || e.jobs[j.messageID] != j {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	msg, err := e.advance(j)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped || e.jobs[j.messageID] != j {
		return
	}
	delete(e.jobs, j.messageID)
	metrics.PendingDelivery.Set(int64(len(e.jobs)))

	switch {
	case err == nil:
		if msg.Status == domain.StatusSent {
			e.scheduleLocked(&job{
				conversationID: j.conversationID,
				messageID:      j.messageID,
				to:             domain.StatusDelivered,
				appendedAt:     j.appendedAt,
			}, e.cfg.DeliveredDelay-e.cfg.SentDelay)
			return
		}
		if j.to == domain.StatusDelivered {
			metrics.DeliveryLatency.Observe(time.Since(j.appendedAt).Seconds())
		}
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrInvalidTransition):
		e.logger.Warn("delivery dropped", "conversation", j.conversationID, "message", j.messageID, "to", j.to, "error", err)
	default:
		j.attempts++
		if j.attempts >= e.cfg.MaxAttempts {
			e.logger.Error("delivery gave up", "conversation", j.conversationID, "message", j.messageID,
				"to", j.to, "attempts", j.attempts, "error", err)
			return
		}
		e.logger.Warn("delivery retry", "message", j.messageID, "to", j.to, "attempt", j.attempts, "error", err)
		e.scheduleLocked(j, e.cfg.RetryBackoff)
	}
}

// advance runs one transition, converting a panic into an error.
func (e *Engine) advance(j *job) (msg domain.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transition panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.store.AdvanceStatus(ctx, j.conversationID, j.messageID, j.to)
}
