package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type watchKey struct {
	conversationID string
	peerID         string
}

// Relay turns typing input forwarded by a transport into signals. A peer
// stays typing until it reports a stop or IdleTimeout passes without input.
type Relay struct {
	idle   time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[watchKey]map[int]chan bool
	nextID   int
}

// NewRelay creates a Relay. A zero idleTimeout means 3s.
func NewRelay(idleTimeout time.Duration, logger *slog.Logger) *Relay {
	if idleTimeout <= 0 {
		idleTimeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		idle:     idleTimeout,
		logger:   logger,
		watchers: make(map[watchKey]map[int]chan bool),
	}
}

// Input records a typing report from peerID. It never blocks; when a
// watcher lags, the latest report replaces the one still queued.
func (r *Relay) Input(conversationID, peerID string, typing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.watchers[watchKey{conversationID, peerID}] {
		select {
		case ch <- typing:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- typing:
		default:
		}
	}
}

// Watch emits a start on the first report and a stop on an explicit stop
// report or after the idle timeout.
func (r *Relay) Watch(ctx context.Context, conversationID, peerID string, emit func(Signal)) {
	key := watchKey{conversationID, peerID}
	ch := make(chan bool, 1)

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	if r.watchers[key] == nil {
		r.watchers[key] = make(map[int]chan bool)
	}
	r.watchers[key][id] = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.watchers[key], id)
		if len(r.watchers[key]) == 0 {
			delete(r.watchers, key)
		}
		r.mu.Unlock()
	}()

	idle := time.NewTimer(r.idle)
	idle.Stop()
	defer idle.Stop()
	typing := false

	for {
		select {
		case <-ctx.Done():
			return
		case on := <-ch:
			if on {
				idle.Reset(r.idle)
				if !typing {
					typing = true
					deliver(ctx, r.logger, emit, Signal{ConversationID: conversationID, PeerID: peerID, Typing: true})
				}
				continue
			}
			idle.Stop()
			if typing {
				typing = false
				deliver(ctx, r.logger, emit, Signal{ConversationID: conversationID, PeerID: peerID, Typing: false})
			}
		case <-idle.C:
			if typing {
				typing = false
				deliver(ctx, r.logger, emit, Signal{ConversationID: conversationID, PeerID: peerID, Typing: false})
			}
		}
	}
}
