package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"jobchat/internal/binding"
	"jobchat/internal/bus"
	"jobchat/internal/config"
	"jobchat/internal/directory"
	"jobchat/internal/domain"
	"jobchat/internal/notify"
	"jobchat/internal/search"
	"jobchat/internal/session"

	"github.com/spf13/cobra"
)

func demoCmd() *cobra.Command {
	var watch time.Duration
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run an in-memory application conversation and print its events",
		Long: `Runs a company and a candidate through a context-bound conversation on an
in-memory core with short delivery delays, printing every change event.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), os.Stdout, watch)
		},
	}
	cmd.Flags().DurationVar(&watch, "watch", 2*time.Second, "how long to watch for typing indicators after the reply")
	return cmd
}

// syncWriter serializes writes from bus handlers running on timer goroutines.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func runDemo(ctx context.Context, w io.Writer, watch time.Duration) error {
	out := &syncWriter{w: w}
	tmp, err := os.MkdirTemp("", "jobchat-demo-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	seed := filepath.Join(tmp, "participants.yaml")
	if err := directory.Write(seed, sampleParticipants, sampleSubjects); err != nil {
		return err
	}

	cfg := config.Defaults()
	cfg.Storage.Enabled = false
	cfg.Directory.SeedFile = seed
	cfg.Delivery.SentDelayMs = 150
	cfg.Delivery.DeliveredDelayMs = 400
	cfg.Presence.Mode = config.PresenceSimulated
	cfg.Presence.TickSeconds = 1
	cfg.Presence.Probability = 0.5
	cfg.Presence.TypingSeconds = 1

	c, err := newCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()

	printer := c.bus.On("*", func(e bus.Event) { printEvent(out, e) })
	defer c.bus.Off("*", printer)

	app := domain.ContextBinding{Type: domain.ContextApplication, SubjectID: "app-1001"}
	fmt.Fprintf(out, "\n== acme opens the application conversation\n")
	conv, _, err := c.binder.Open(ctx, binding.OpenRequest{
		ParticipantIDs: []string{"acme", "ana"},
		Context:        app,
		SenderID:       "acme",
		Text:           "Olá Ana, recebemos sua candidatura. Podemos conversar?",
	})
	if err != nil {
		return err
	}

	time.Sleep(cfg.Delivery.DeliveredDelay() + 100*time.Millisecond)

	fmt.Fprintf(out, "\n== ana connects\n")
	ana := session.New(session.Config{
		Viewer:   domain.Identity{ID: "ana", Role: domain.RoleCandidate},
		Store:    c.store,
		Presence: c.presence,
		Unread:   c.store,
		Interval: time.Second,
		Bus:      c.bus,
		Logger:   logger,
	})
	ana.SubscribeUnread(func(u notify.Update) {
		fmt.Fprintf(out, "   ana unread: %d\n", u.Total)
	})
	ana.Start(ctx)
	defer ana.Close()

	sum, err := c.binder.Summary(ctx, conv.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "   summary card: %s\n", sum.Text)

	fmt.Fprintf(out, "\n== ana opens the conversation\n")
	if _, err := ana.Open(ctx, conv.ID); err != nil {
		return err
	}
	if _, err := ana.Send(ctx, "Olá! Sim, tenho interesse.", nil); err != nil {
		return err
	}

	time.Sleep(watch)

	fmt.Fprintf(out, "\n== acme searches its inbox\n")
	found, err := c.search.Search(ctx, "acme", search.Query{Text: "interesse"})
	if err != nil {
		return err
	}
	for _, fc := range found {
		last, ok := fc.LastMessage()
		if !ok {
			continue
		}
		fmt.Fprintf(out, "   %s  unread=%d  last=%q (%s)\n", short(fc.ID), fc.UnreadCount, last.Text, last.Status)
	}
	return nil
}

func printEvent(out io.Writer, e bus.Event) {
	detail := ""
	switch e.Type {
	case bus.EventMessageAppended, bus.EventMessageStatus:
		if m, ok := e.Payload[bus.KeyMessage].(domain.Message); ok {
			detail = fmt.Sprintf("%s %s from %s", short(m.ID), m.Status, m.SenderID)
		}
	case bus.EventConversationRead:
		detail = fmt.Sprintf("viewer=%v read=%v", e.Payload[bus.KeyViewer], e.Payload[bus.KeyRead])
	case bus.EventTyping:
		detail = fmt.Sprintf("peer=%v typing=%v", e.Payload[bus.KeyPeer], e.Payload[bus.KeyTyping])
	case bus.EventUnreadChanged:
		detail = fmt.Sprintf("viewer=%v total=%v", e.Payload[bus.KeyViewer], e.Payload[bus.KeyTotal])
	case bus.EventContextBound, bus.EventConversationCreated:
		if b, ok := e.Payload[bus.KeyContext].(domain.ContextBinding); ok {
			detail = fmt.Sprintf("context=%s/%s", b.Type, b.SubjectID)
		}
	}
	fmt.Fprintf(out, "%s  %-20s %s %s\n", e.Timestamp.Format("15:04:05.000"), e.Type, short(e.ConversationID), detail)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
