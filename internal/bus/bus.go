package bus

import (
	"sync"
	"time"
)

const streamSendTimeout = 250 * time.Millisecond

// Stream is a buffered channel subscription on an EventBus, for consumers
// that want to select on events instead of receiving callbacks.
type Stream struct {
	eb     *EventBus
	id     string
	ch     chan Event
	match  func(Event) bool
	mu     sync.RWMutex
	closed bool
}

// Subscribe returns a Stream receiving every event accepted by match (all
// events when match is nil). Close must be called to release it.
func (eb *EventBus) Subscribe(bufferSize int, match func(Event) bool) *Stream {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	s := &Stream{
		eb:    eb,
		ch:    make(chan Event, bufferSize),
		match: match,
	}
	s.id = eb.On("*", s.deliver)
	return s
}

// C returns the receive channel. It is closed by Close.
func (s *Stream) C() <-chan Event {
	return s.ch
}

// Blocks up to streamSendTimeout if the buffer is full, then drops.
func (s *Stream) deliver(e Event) {
	if s.match != nil && !s.match(e) {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}

	select {
	case s.ch <- e:
		return
	default:
	}

	timer := time.NewTimer(streamSendTimeout)
	defer timer.Stop()
	select {
	case s.ch <- e:
	case <-timer.C:
		s.eb.logger.Warn("event dropped: stream full", "event", e.Type, "conversation", e.ConversationID)
	}
}

// Close unsubscribes the stream and closes its channel.
func (s *Stream) Close() {
	s.eb.Off("*", s.id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
