package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testEBLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var received int32
	eb.On(EventMessageAppended, func(e Event) {
		atomic.AddInt32(&received, 1)
	})

	eb.Emit(Event{Type: EventMessageAppended, ConversationID: "c1"})
	eb.Emit(Event{Type: EventMessageStatus, ConversationID: "c1"})

	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("expected 1 event received, got %d", received)
	}
}

func TestEventBus_WildcardHandler(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var count int32
	eb.On("*", func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(Event{Type: EventMessageAppended})
	eb.Emit(Event{Type: EventTyping})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestEventBus_Off(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var count int32
	id := eb.On("test.event", func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(Event{Type: "test.event"})
	eb.Off("test.event", id)
	eb.Emit(Event{Type: "test.event"})

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 after unsubscribe, got %d", count)
	}
}

func TestEventBus_OffKeepsOtherHandlers(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var a, b int32
	idA := eb.On("x", func(e Event) { atomic.AddInt32(&a, 1) })
	eb.On("x", func(e Event) { atomic.AddInt32(&b, 1) })
	eb.Off("x", idA)

	// IDs must stay unique after removal.
	idC := eb.On("x", func(e Event) {})
	if idC == idA {
		t.Fatalf("handler id reused: %s", idC)
	}

	eb.Emit(Event{Type: "x"})
	if atomic.LoadInt32(&a) != 0 || atomic.LoadInt32(&b) != 1 {
		t.Errorf("unexpected counts a=%d b=%d", a, b)
	}
}

func TestEventBus_Replay(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	eb.Emit(Event{Type: "a"})
	eb.Emit(Event{Type: "b"})
	eb.Emit(Event{Type: "a"})

	if events := eb.Replay("a", time.Time{}); len(events) != 2 {
		t.Errorf("expected 2 'a' events, got %d", len(events))
	}
	if all := eb.Replay("*", time.Time{}); len(all) != 3 {
		t.Errorf("expected 3 total events, got %d", len(all))
	}
}

func TestEventBus_ReplaySince(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	eb.Emit(Event{Type: "old", Timestamp: time.Now().Add(-time.Hour)})
	threshold := time.Now()
	eb.Emit(Event{Type: "new"})

	if events := eb.Replay("*", threshold); len(events) != 1 {
		t.Errorf("expected 1 event since threshold, got %d", len(events))
	}
}

func TestEventBus_HistoryLimit(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	eb.maxHistory = 5

	for i := 0; i < 10; i++ {
		eb.Emit(Event{Type: "test"})
	}

	if eb.HistoryLen() != 5 {
		t.Errorf("expected 5, got %d", eb.HistoryLen())
	}
}

func TestEventBus_PanicRecovery(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var after int32
	eb.On("panic", func(e Event) {
		panic("test panic")
	})
	eb.On("panic", func(e Event) {
		atomic.AddInt32(&after, 1)
	})

	eb.Emit(Event{Type: "panic"})

	if atomic.LoadInt32(&after) != 1 {
		t.Error("handler after the panicking one should still run")
	}
}

func TestEvent_Involves(t *testing.T) {
	e := Event{Participants: []string{"a", "b"}}
	if !e.Involves("a") || e.Involves("c") {
		t.Errorf("unexpected Involves result for %v", e.Participants)
	}
}

func TestStream_ReceivesMatchingEvents(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	s := eb.Subscribe(4, func(e Event) bool { return e.Involves("b") })
	defer s.Close()

	eb.Emit(Event{Type: EventMessageAppended, Participants: []string{"a", "c"}})
	eb.Emit(Event{Type: EventMessageAppended, Participants: []string{"a", "b"}, ConversationID: "c1"})

	select {
	case e := <-s.C():
		if e.ConversationID != "c1" {
			t.Errorf("expected event for c1, got %q", e.ConversationID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case e := <-s.C():
		t.Fatalf("unexpected extra event %+v", e)
	default:
	}
}

func TestStream_CloseStopsDelivery(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	s := eb.Subscribe(1, nil)
	s.Close()

	// Emitting after close must not panic on the closed channel.
	eb.Emit(Event{Type: "x"})

	if _, ok := <-s.C(); ok {
		t.Error("expected closed channel")
	}
	s.Close()
}

func TestStream_DropsWhenFull(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	s := eb.Subscribe(1, nil)
	defer s.Close()

	start := time.Now()
	eb.Emit(Event{Type: "first"})
	eb.Emit(Event{Type: "second"})
	if time.Since(start) > 2*time.Second {
		t.Fatal("emit blocked far longer than the stream send timeout")
	}

	e := <-s.C()
	if e.Type != "first" {
		t.Errorf("expected first event to be kept, got %s", e.Type)
	}
}
