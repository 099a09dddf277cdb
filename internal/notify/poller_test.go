package notify

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jobchat/internal/bus"
	"jobchat/internal/domain"
	"jobchat/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

type scriptedSource struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
	calls  atomic.Int32
}

func (s *scriptedSource) set(counts map[string]int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts, s.err = counts, err
}

func (s *scriptedSource) UnreadCounts(context.Context, string) (map[string]int, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out, nil
}

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) add(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) snapshot() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.updates...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startPoller(t *testing.T, p *Poller) {
	t.Helper()
	go p.Start(context.Background())
	t.Cleanup(p.Stop)
}

func TestPoller_PublishesOnlyChanges(t *testing.T) {
	src := &scriptedSource{counts: map[string]int{"c1": 2}}
	p := New(src, Config{ViewerID: "b", Interval: 5 * time.Millisecond, Logger: testLogger()})
	rec := &recorder{}
	p.Subscribe(rec.add)
	startPoller(t, p)

	waitFor(t, "first update", func() bool { return len(rec.snapshot()) == 1 })
	waitFor(t, "several ticks", func() bool { return src.calls.Load() >= 5 })
	if n := len(rec.snapshot()); n != 1 {
		t.Fatalf("unchanged counts republished: %d updates", n)
	}

	// Same total, different distribution still counts as a change.
	src.set(map[string]int{"c2": 2}, nil)
	waitFor(t, "second update", func() bool { return len(rec.snapshot()) == 2 })
	got := rec.snapshot()[1]
	if got.Total != 2 || got.Counts["c2"] != 2 {
		t.Errorf("unexpected update %+v", got)
	}
}

func TestPoller_SurvivesFailedReads(t *testing.T) {
	src := &scriptedSource{err: errors.New("store unavailable")}
	p := New(src, Config{ViewerID: "b", Interval: 5 * time.Millisecond, Logger: testLogger()})
	rec := &recorder{}
	p.Subscribe(rec.add)
	startPoller(t, p)

	waitFor(t, "failing ticks", func() bool { return src.calls.Load() >= 3 })
	if len(rec.snapshot()) != 0 {
		t.Fatal("failed reads must not publish")
	}
	src.set(map[string]int{"c1": 1}, nil)
	waitFor(t, "recovery", func() bool { return len(rec.snapshot()) == 1 })
}

func TestPoller_ObserverPanicDoesNotStopLoop(t *testing.T) {
	src := &scriptedSource{counts: map[string]int{"c1": 1}}
	p := New(src, Config{ViewerID: "b", Interval: 5 * time.Millisecond, Logger: testLogger()})
	p.Subscribe(func(Update) { panic("badge renderer crashed") })
	rec := &recorder{}
	p.Subscribe(rec.add)
	startPoller(t, p)

	waitFor(t, "first", func() bool { return len(rec.snapshot()) == 1 })
	src.set(map[string]int{"c1": 3}, nil)
	waitFor(t, "second", func() bool { return len(rec.snapshot()) == 2 })
}

func TestPoller_Unsubscribe(t *testing.T) {
	src := &scriptedSource{counts: map[string]int{}}
	p := New(src, Config{ViewerID: "b", Interval: time.Hour, Logger: testLogger()})
	rec := &recorder{}
	unsubscribe := p.Subscribe(rec.add)
	unsubscribe()
	startPoller(t, p)

	waitFor(t, "initial poll", func() bool { _, ok := p.Last(); return ok })
	if len(rec.snapshot()) != 0 {
		t.Error("unsubscribed observer was called")
	}
}

func TestPoller_StopReleasesLoop(t *testing.T) {
	src := &scriptedSource{counts: map[string]int{}}
	p := New(src, Config{ViewerID: "b", Interval: time.Millisecond, Logger: testLogger()})

	done := make(chan struct{})
	go func() {
		p.Start(context.Background())
		close(done)
	}()
	waitFor(t, "running", func() bool { return src.calls.Load() > 0 })
	p.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
	calls := src.calls.Load()
	time.Sleep(10 * time.Millisecond)
	if src.calls.Load() != calls {
		t.Error("poller kept polling after Stop")
	}
}

func TestPoller_RecomputesOnStoreMutation(t *testing.T) {
	eb := bus.NewEventBus(testLogger())
	s := store.New(store.Config{Bus: eb, Logger: testLogger()})
	ctx := context.Background()
	_ = s.RegisterParticipant(ctx, domain.Participant{ID: "a", DisplayName: "A", Role: domain.RoleCandidate})
	_ = s.RegisterParticipant(ctx, domain.Participant{ID: "b", DisplayName: "B", Role: domain.RoleCompany})
	_ = s.RegisterParticipant(ctx, domain.Participant{ID: "c", DisplayName: "C", Role: domain.RoleAdmin})
	conv, _, _ := s.FindOrCreateConversation(ctx, []string{"a", "b"}, nil)
	other, _, _ := s.FindOrCreateConversation(ctx, []string{"a", "c"}, nil)

	// The interval is long, so only out-of-band triggers can explain updates.
	p := New(s, Config{ViewerID: "b", Interval: time.Hour, Bus: eb, Logger: testLogger()})
	rec := &recorder{}
	p.Subscribe(rec.add)

	changes := eb.Subscribe(8, func(e bus.Event) bool { return e.Type == bus.EventUnreadChanged })
	defer changes.Close()

	startPoller(t, p)
	waitFor(t, "initial", func() bool { return len(rec.snapshot()) == 1 })

	_, _ = s.AppendMessage(ctx, other.ID, "a", "not for b", nil)
	_, _ = s.AppendMessage(ctx, conv.ID, "a", "for b", nil)
	waitFor(t, "triggered update", func() bool { return len(rec.snapshot()) == 2 })

	got := rec.snapshot()[1]
	if got.Total != 1 || got.Counts[conv.ID] != 1 {
		t.Errorf("unexpected update %+v", got)
	}

	select {
	case e := <-changes.C():
		if !e.Involves("b") {
			t.Errorf("unread.changed should be scoped to b, got %v", e.Participants)
		}
	case <-time.After(time.Second):
		t.Fatal("no unread.changed event")
	}
}
