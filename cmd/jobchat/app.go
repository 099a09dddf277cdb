package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"jobchat/internal/binding"
	"jobchat/internal/bus"
	"jobchat/internal/config"
	"jobchat/internal/delivery"
	"jobchat/internal/directory"
	"jobchat/internal/presence"
	"jobchat/internal/repository"
	"jobchat/internal/search"
	"jobchat/internal/store"
)

// core is the wired messaging core shared by serve and demo.
type core struct {
	bus      *bus.EventBus
	repo     *repository.SQLiteRepository // nil when storage is disabled
	store    *store.Store
	dir      *directory.Directory
	engine   *delivery.Engine
	presence presence.Source
	relay    *presence.Relay // set in relay mode only
	search   *search.Engine
	binder   *binding.Binder
}

// newCore opens storage, hydrates the store, seeds the directory and resumes
// deliveries that were in flight when the process last stopped.
func newCore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*core, error) {
	c := &core{bus: bus.NewEventBus(logger)}

	scfg := store.Config{Bus: c.bus, Logger: logger}
	if cfg.Storage.Enabled {
		repo, err := repository.Open(cfg.Storage.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		c.repo = repo
		scfg.Repository = repo
	}
	c.store = store.New(scfg)
	if err := c.store.Load(ctx); err != nil {
		c.close()
		return nil, fmt.Errorf("load store: %w", err)
	}

	dir, err := directory.Load(cfg.Directory.SeedFile, logger)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("load directory: %w", err)
	}
	c.dir = dir
	seeded := dir.Seed(ctx, c.store, logger)

	engine, err := delivery.New(c.store, delivery.Config{
		SentDelay:      cfg.Delivery.SentDelay(),
		DeliveredDelay: cfg.Delivery.DeliveredDelay(),
		MaxAttempts:    cfg.Delivery.MaxAttempts,
		Logger:         logger,
	})
	if err != nil {
		c.close()
		return nil, fmt.Errorf("delivery engine: %w", err)
	}
	c.engine = engine
	engine.Attach(c.bus)
	resumed := engine.Resume(c.store.PendingMessages())

	c.presence, c.relay = presenceSource(cfg.Presence, logger)
	c.search = search.New(c.store, c.store)
	c.binder = binding.New(c.store, dir, logger)

	logger.Info("core ready",
		"participants", len(c.store.Participants()),
		"seeded", seeded,
		"resumed", resumed,
		"presence", cfg.Presence.Mode,
		"storage", cfg.Storage.Enabled)
	return c, nil
}

func presenceSource(cfg config.PresenceConfig, logger *slog.Logger) (presence.Source, *presence.Relay) {
	typing := time.Duration(cfg.TypingSeconds) * time.Second
	switch cfg.Mode {
	case config.PresenceRelay:
		r := presence.NewRelay(typing, logger)
		return r, r
	case config.PresenceOff:
		return presence.Off{}, nil
	default:
		return presence.NewSimulator(presence.SimulatorConfig{
			Tick:        time.Duration(cfg.TickSeconds) * time.Second,
			Probability: cfg.Probability,
			Duration:    typing,
			Logger:      logger,
		}), nil
	}
}

func (c *core) close() {
	if c.engine != nil {
		c.engine.Stop()
	}
	if c.repo != nil {
		c.repo.Close()
	}
}

// newLogger builds the root logger. When logFile is set, output goes to both
// stderr and the file; the returned func closes the file.
func newLogger(cfg config.GeneralConfig) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	closer := func() {}
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closer = func() { f.Close() }
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closer, nil
}
