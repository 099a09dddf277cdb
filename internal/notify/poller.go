// Package notify keeps a viewer's unread badge current by polling the store
// on an interval and recomputing immediately when a relevant change is seen.
package notify

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"jobchat/internal/bus"
	"jobchat/internal/metrics"
)

// UnreadSource reports per-conversation unread counts for a viewer.
type UnreadSource interface {
	UnreadCounts(ctx context.Context, viewerID string) (map[string]int, error)
}

// Update is a published unread snapshot. Counts omits conversations with
// nothing unread.
type Update struct {
	ViewerID string         `json:"viewer_id"`
	Total    int            `json:"total"`
	Counts   map[string]int `json:"counts"`
	At       time.Time      `json:"at"`
}

// Config configures a Poller.
type Config struct {
	ViewerID string
	Interval time.Duration // defaults to 15s
	Bus      *bus.EventBus // optional: out-of-band triggers and unread.changed events
	Logger   *slog.Logger
}

// Poller recomputes one viewer's unread counts. It never returns errors to
// its caller; failed reads are logged and retried on the next tick.
type Poller struct {
	src      UnreadSource
	viewerID string
	interval time.Duration
	bus      *bus.EventBus
	logger   *slog.Logger

	trigger chan struct{}

	mu        sync.Mutex
	observers map[int]func(Update)
	nextObs   int
	last      Update
	published bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a Poller for cfg.ViewerID.
func New(src UnreadSource, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Poller{
		src:       src,
		viewerID:  cfg.ViewerID,
		interval:  cfg.Interval,
		bus:       cfg.Bus,
		logger:    cfg.Logger.With("viewer", cfg.ViewerID),
		trigger:   make(chan struct{}, 1),
		observers: make(map[int]func(Update)),
	}
}

// Subscribe registers fn for every published change and returns a function
// that removes it.
func (p *Poller) Subscribe(fn func(Update)) (unsubscribe func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextObs
	p.nextObs++
	p.observers[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.observers, id)
	}
}

// Trigger requests an immediate recompute. Requests made while one is already
// queued are coalesced.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Last returns the most recently published update.
func (p *Poller) Last() (Update, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.published
}

// Start runs the polling loop until ctx is cancelled or Stop is called.
func (p *Poller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		cancel()
		p.logger.Warn("poller already running")
		return
	}
	p.cancel, p.done = cancel, done
	p.mu.Unlock()
	defer close(done)
	defer func() {
		p.mu.Lock()
		p.cancel, p.done = nil, nil
		p.mu.Unlock()
	}()
	defer cancel()

	if p.bus != nil {
		id := p.bus.On("*", p.onEvent)
		defer p.bus.Off("*", id)
	}

	p.logger.Debug("poller started", "interval", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("poller stopped")
			return
		case <-ticker.C:
			p.poll(ctx)
		case <-p.trigger:
			p.poll(ctx)
		}
	}
}

// Stop ends a running loop and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Poller) onEvent(e bus.Event) {
	switch e.Type {
	case bus.EventMessageAppended, bus.EventMessageStatus, bus.EventConversationRead, bus.EventConversationCreated:
		if e.Involves(p.viewerID) {
			p.Trigger()
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PollFailures.Inc()
			p.logger.Error("unread poll panic", "panic", r)
		}
	}()

	counts, err := p.src.UnreadCounts(ctx, p.viewerID)
	if err != nil {
		if ctx.Err() == nil {
			metrics.PollFailures.Inc()
			p.logger.Warn("unread poll failed", "error", err)
		}
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}

	p.mu.Lock()
	if p.published && p.last.Total == total && maps.Equal(p.last.Counts, counts) {
		p.mu.Unlock()
		return
	}
	u := Update{ViewerID: p.viewerID, Total: total, Counts: counts, At: time.Now()}
	p.last, p.published = u, true
	observers := make([]func(Update), 0, len(p.observers))
	for _, fn := range p.observers {
		observers = append(observers, fn)
	}
	p.mu.Unlock()

	for _, fn := range observers {
		p.notify(fn, u)
	}
	if p.bus != nil {
		p.bus.Emit(bus.Event{
			Type:         bus.EventUnreadChanged,
			Source:       "notify",
			Participants: []string{p.viewerID},
			Payload: map[string]any{
				bus.KeyViewer: p.viewerID,
				bus.KeyTotal:  total,
				bus.KeyCounts: maps.Clone(counts),
			},
		})
	}
}

func (p *Poller) notify(fn func(Update), u Update) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("unread observer panic", "panic", r)
		}
	}()
	u.Counts = maps.Clone(u.Counts)
	fn(u)
}
