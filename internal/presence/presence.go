// Package presence produces transient "participant is typing" signals for the
// conversation a viewer has in focus.
//
// Simulator is a stand-in that draws typing windows at random. Relay is the
// real implementation, driven by input events forwarded from a transport.
// Both satisfy Source, so either can be armed by a session.
package presence

import (
	"context"
	"log/slog"
	"time"

	"jobchat/internal/metrics"
)

// Signal reports that PeerID started or stopped typing in ConversationID.
type Signal struct {
	ConversationID string    `json:"conversation_id"`
	PeerID         string    `json:"peer_id"`
	Typing         bool      `json:"typing"`
	At             time.Time `json:"at"`
}

// Source watches a peer in a conversation and emits signals until ctx is
// cancelled. Watch blocks; no signal is emitted after it returns.
type Source interface {
	Watch(ctx context.Context, conversationID, peerID string, emit func(Signal))
}

// Off never signals.
type Off struct{}

// Watch blocks until ctx is done.
func (Off) Watch(ctx context.Context, _, _ string, _ func(Signal)) {
	<-ctx.Done()
}

// deliver calls emit unless ctx is already done, recovering from panics.
func deliver(ctx context.Context, logger *slog.Logger, emit func(Signal), sig Signal) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("typing signal handler panic", "conversation", sig.ConversationID, "panic", r)
		}
	}()
	sig.At = time.Now()
	if sig.Typing {
		metrics.TypingSignals.Inc()
	}
	emit(sig)
}
