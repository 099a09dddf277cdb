package presence

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// SimulatorConfig configures a Simulator. Zero Tick and Duration use 10s ticks
// and 3s typing windows. Probability is the chance per tick and is taken as
// given, so 0 never fires.
type SimulatorConfig struct {
	Tick        time.Duration
	Probability float64
	Duration    time.Duration
	Rand        func() float64 // in [0,1); defaults to math/rand/v2
	Logger      *slog.Logger
}

// Simulator raises typing windows at random. It is not derived from any real
// input activity.
type Simulator struct {
	tick        time.Duration
	probability float64
	duration    time.Duration
	rand        func() float64
	logger      *slog.Logger

	mu     sync.Mutex
	active map[string]bool // conversations with an open typing window
}

// NewSimulator creates a Simulator.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.Tick <= 0 {
		cfg.Tick = 10 * time.Second
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 3 * time.Second
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Simulator{
		tick:        cfg.Tick,
		probability: cfg.Probability,
		duration:    cfg.Duration,
		rand:        cfg.Rand,
		logger:      cfg.Logger,
		active:      make(map[string]bool),
	}
}

// Watch draws once per tick. At most one typing window is open per
// conversation, across all peers watched in it; draws while one is open are
// skipped.
func (s *Simulator) Watch(ctx context.Context, conversationID, peerID string, emit func(Signal)) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	var window *time.Timer
	var windowC <-chan time.Time
	defer func() {
		if window != nil {
			window.Stop()
			s.release(conversationID)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if windowC != nil || s.rand() >= s.probability || !s.acquire(conversationID) {
				continue
			}
			deliver(ctx, s.logger, emit, Signal{ConversationID: conversationID, PeerID: peerID, Typing: true})
			window = time.NewTimer(s.duration)
			windowC = window.C
		case <-windowC:
			window, windowC = nil, nil
			deliver(ctx, s.logger, emit, Signal{ConversationID: conversationID, PeerID: peerID, Typing: false})
			s.release(conversationID)
		}
	}
}

func (s *Simulator) acquire(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[conversationID] {
		return false
	}
	s.active[conversationID] = true
	return true
}

func (s *Simulator) release(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, conversationID)
}
