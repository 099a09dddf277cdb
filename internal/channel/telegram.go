package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"jobchat/internal/bus"
	"jobchat/internal/notify"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

const (
	telegramMaxSendRetries = 3
	// Bot API limit is about 30 messages per second across all chats.
	telegramSendRate  = rate.Limit(25)
	telegramSendBurst = 5
)

// TelegramSender is the part of *tgbotapi.BotAPI the notifier sends through.
type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramConfig configures the unread notifier.
type TelegramConfig struct {
	Token string
	// Chats maps a participant id to the chat that receives its notifications.
	Chats    map[string]int64
	Unread   notify.UnreadSource
	Bus      *bus.EventBus
	Interval time.Duration

	// Sender replaces the bot API client; the update loop is skipped when set.
	Sender  TelegramSender
	Backoff func(attempt int) time.Duration
	Logger  *slog.Logger
}

// TelegramNotifier pushes a participant's rising unread count to their
// Telegram chat. It runs one unread poller per configured participant.
type TelegramNotifier struct {
	cfg    TelegramConfig
	logger *slog.Logger

	limiter *rate.Limiter

	mu     sync.Mutex
	sender TelegramSender
	last   map[string]int
	chatOf map[int64]string
}

func NewTelegramNotifier(cfg TelegramConfig) *TelegramNotifier {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Backoff == nil {
		cfg.Backoff = func(attempt int) time.Duration { return time.Duration(attempt+1) * time.Second }
	}
	chatOf := make(map[int64]string, len(cfg.Chats))
	for pid, chat := range cfg.Chats {
		chatOf[chat] = pid
	}
	return &TelegramNotifier{
		cfg:     cfg,
		logger:  cfg.Logger,
		limiter: rate.NewLimiter(telegramSendRate, telegramSendBurst),
		sender:  cfg.Sender,
		last:    make(map[string]int),
		chatOf:  chatOf,
	}
}

func (t *TelegramNotifier) Name() string { return "telegram" }

// Start connects to Telegram, when no Sender was injected, and runs the
// pollers until ctx is cancelled.
func (t *TelegramNotifier) Start(ctx context.Context) error {
	var bot *tgbotapi.BotAPI
	if t.sender == nil {
		var err error
		bot, err = tgbotapi.NewBotAPI(t.cfg.Token)
		if err != nil {
			return fmt.Errorf("telegram bot init: %w", err)
		}
		t.sender = bot
		t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	}

	var wg sync.WaitGroup
	for pid := range t.cfg.Chats {
		p := notify.New(t.cfg.Unread, notify.Config{
			ViewerID: pid,
			Interval: t.cfg.Interval,
			Bus:      t.cfg.Bus,
			Logger:   t.logger,
		})
		p.Subscribe(func(u notify.Update) { t.onUpdate(ctx, u) })
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Start(ctx)
		}()
	}
	t.logger.Info("telegram notifier started", "participants", len(t.cfg.Chats))

	if bot != nil {
		t.listen(ctx, bot)
	} else {
		<-ctx.Done()
	}
	wg.Wait()
	t.logger.Info("telegram notifier stopping")
	return nil
}

// onUpdate notifies only when the total grows. The first update per
// participant sets the baseline silently so restarts do not re-announce.
func (t *TelegramNotifier) onUpdate(ctx context.Context, u notify.Update) {
	t.mu.Lock()
	prev, seen := t.last[u.ViewerID]
	t.last[u.ViewerID] = u.Total
	t.mu.Unlock()

	if !seen || u.Total <= prev {
		return
	}
	chat, ok := t.cfg.Chats[u.ViewerID]
	if !ok {
		return
	}
	t.send(ctx, chat, unreadText(u))
}

func unreadText(u notify.Update) string {
	noun := "message"
	if u.Total != 1 {
		noun = "messages"
	}
	convs := "conversation"
	if len(u.Counts) != 1 {
		convs = "conversations"
	}
	return fmt.Sprintf("You have %d unread %s in %d %s.", u.Total, noun, len(u.Counts), convs)
}

// listen answers /start with the chat id to put in the config, and /unread
// with the current count for a mapped chat.
func (t *TelegramNotifier) listen(ctx context.Context, bot *tgbotapi.BotAPI) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)
	for {
		select {
		case <-ctx.Done():
			bot.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || update.Message.Chat == nil || !update.Message.IsCommand() {
				continue
			}
			t.handleCommand(ctx, update.Message.Chat.ID, update.Message.Command())
		}
	}
}

func (t *TelegramNotifier) handleCommand(ctx context.Context, chatID int64, command string) {
	switch command {
	case "start":
		t.send(ctx, chatID, fmt.Sprintf("This chat's id is %d. Map it to your participant id under telegram.chats.", chatID))
	case "unread":
		pid, ok := t.chatOf[chatID]
		if !ok {
			t.send(ctx, chatID, "This chat is not linked to a participant.")
			return
		}
		counts, err := t.cfg.Unread.UnreadCounts(ctx, pid)
		if err != nil {
			t.logger.Warn("unread lookup failed", "participant", pid, "err", err)
			t.send(ctx, chatID, "Unread count is unavailable right now.")
			return
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		t.send(ctx, chatID, unreadText(notify.Update{ViewerID: pid, Total: total, Counts: counts}))
	default:
		t.send(ctx, chatID, "Commands: /start, /unread")
	}
}

// send paces requests under the Bot API limit and retries with backoff,
// waiting longer when Telegram reports rate limiting anyway.
func (t *TelegramNotifier) send(ctx context.Context, chatID int64, text string) {
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return
		}
		_, err := t.sender.Send(tgbotapi.NewMessage(chatID, text))
		if err == nil {
			return
		}
		if attempt == telegramMaxSendRetries {
			t.logger.Error("telegram send failed after retries", "chat", chatID, "err", err, "attempts", attempt+1)
			return
		}

		backoff := t.cfg.Backoff(attempt)
		if s := err.Error(); strings.Contains(s, "Too Many Requests") || strings.Contains(s, "429") {
			backoff *= 3
			t.logger.Warn("telegram rate limited, backing off", "retry_after", backoff, "attempt", attempt+1)
		} else {
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}
