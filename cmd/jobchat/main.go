package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"jobchat/internal/channel"
	"jobchat/internal/config"
	"jobchat/internal/directory"
	"jobchat/internal/domain"
	"jobchat/internal/repository"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
	envFile    string
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "jobchat",
		Short: "jobchat: messaging core for a job board",
		Long:  "jobchat serves candidate and company conversations over REST and WebSocket, with delivery tracking, unread counts and Telegram notifications.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv()
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.jobchat/config.json)")
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file loaded before the config (default: ./.env if present)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(demoCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadEnv populates the environment from a dotenv file so ${VAR}
// references in the config resolve. A missing default .env is fine.
func loadEnv() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig reads the config and swaps the package logger for one built
// from it. Call the returned func on exit.
func loadConfig() (*config.Config, func(), error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	l, closeLog, err := newLogger(cfg.General)
	if err != nil {
		return nil, nil, err
	}
	logger = l
	slog.SetDefault(l)
	return cfg, closeLog, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and a sample participant directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}

			seed := config.ExpandPath(cfg.Directory.SeedFile)
			if _, err := os.Stat(seed); errors.Is(err, fs.ErrNotExist) {
				if err := directory.Write(seed, sampleParticipants, sampleSubjects); err != nil {
					return fmt.Errorf("write sample directory: %w", err)
				}
			}
			logger.Info("initialized", "config", cfgPath, "directory", seed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

var sampleParticipants = []domain.Participant{
	{ID: "ana", DisplayName: "Ana Souza", Role: domain.RoleCandidate},
	{ID: "bruno", DisplayName: "Bruno Lima", Role: domain.RoleCandidate},
	{ID: "acme", DisplayName: "Acme Tecnologia", Role: domain.RoleCompany},
	{ID: "globex", DisplayName: "Globex", Role: domain.RoleCompany},
	{ID: "support", DisplayName: "Support Team", Role: domain.RoleAdmin},
}

var sampleSubjects = []directory.Subject{
	{Type: domain.ContextApplication, ID: "app-1001", Summary: "Ana Souza applied for Backend Engineer at Acme Tecnologia"},
	{Type: domain.ContextSupport, ID: "ticket-42", Summary: "Cannot upload resume PDF"},
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the REST API, WebSocket stream and notifiers",
		Long:  "Starts every enabled surface on top of the messaging core. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := newCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()

	var ws *channel.WebSocket
	if cfg.WebSocket.Enabled {
		ws = channel.NewWebSocket(channel.WebSocketConfig{
			Store:        c.store,
			Bus:          c.bus,
			Presence:     c.presence,
			Relay:        c.relay,
			PollInterval: time.Duration(cfg.Notifications.PollIntervalSeconds) * time.Second,
			Logger:       logger,
		})
		// Hijacked connections outlive http.Server.Shutdown.
		defer ws.Close()
	}

	var channels []domain.Channel
	if cfg.API.Enabled {
		metricsEndpoint := ""
		if cfg.Metrics.Enabled {
			metricsEndpoint = cfg.Metrics.Endpoint
		}
		channels = append(channels, channel.NewAPI(channel.APIConfig{
			Host:            cfg.API.Host,
			Port:            cfg.API.Port,
			Store:           c.store,
			Search:          c.search,
			Binder:          c.binder,
			WebSocket:       ws,
			WSPath:          cfg.WebSocket.Path,
			MetricsEndpoint: metricsEndpoint,
			RateLimit:       cfg.API.RateLimit,
			Logger:          logger,
		}))
	}

	if cfg.Telegram.Enabled {
		chats := make(map[string]int64, len(cfg.Telegram.Chats))
		for pid, chat := range cfg.Telegram.Chats {
			if _, ok := c.store.Participant(pid); !ok {
				logger.Warn("telegram chat mapped to unknown participant", "participant", pid)
				continue
			}
			chats[pid] = int64(chat)
		}
		channels = append(channels, channel.NewTelegramNotifier(channel.TelegramConfig{
			Token:    cfg.Telegram.Token,
			Chats:    chats,
			Unread:   c.store,
			Bus:      c.bus,
			Interval: time.Duration(cfg.Notifications.PollIntervalSeconds) * time.Second,
			Logger:   logger,
		}))
	} else {
		logger.Info("telegram notifier disabled")
	}

	if len(channels) == 0 {
		logger.Warn("no channel enabled; the core runs until interrupted")
	}

	// A failing channel cancels gctx and takes the others down with it.
	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range channels {
		g.Go(func() error {
			if err := ch.Start(gctx); err != nil {
				return fmt.Errorf("%s: %w", ch.Name(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	logger.Info("jobchat started. Press Ctrl+C to stop.", "version", version, "channels", len(channels))

	err = g.Wait()
	logger.Info("shutting down", "pending_deliveries", c.engine.Pending())
	return err
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show config and storage status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("jobchat v%s\n", version)
			fmt.Printf("Config: %s\n", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				fmt.Printf("  Status: not loaded (%v)\n", err)
				fmt.Println("  Run 'jobchat init' to create one.")
				return nil
			}

			fmt.Printf("API:       %s (enabled: %v)\n", cfg.API.Addr(), cfg.API.Enabled)
			fmt.Printf("WebSocket: %s (enabled: %v)\n", cfg.WebSocket.Path, cfg.WebSocket.Enabled)
			fmt.Printf("Presence:  %s\n", cfg.Presence.Mode)
			fmt.Printf("Telegram:  enabled: %v, chats: %d\n", cfg.Telegram.Enabled, len(cfg.Telegram.Chats))
			fmt.Printf("Directory: %s\n", cfg.Directory.SeedFile)

			if !cfg.Storage.Enabled {
				fmt.Println("Storage:   disabled (in-memory only)")
				return nil
			}
			fmt.Printf("Storage:   %s\n", cfg.Storage.DBPath)
			if _, err := os.Stat(cfg.Storage.DBPath); err != nil {
				fmt.Println("  not created yet")
				return nil
			}
			repo, err := repository.Open(cfg.Storage.DBPath, logger)
			if err != nil {
				return err
			}
			defer repo.Close()
			st, err := repo.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("read stats: %w", err)
			}
			fmt.Printf("  schema v%d: %d participants, %d conversations, %d messages (%d not yet delivered)\n",
				st.SchemaVersion, st.Participants, st.Conversations, st.Messages, st.Undelivered)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read or modify configuration values",
		Long:  "Get, set, or list configuration values using dot-notation paths (e.g. delivery.sentDelayMs).",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <path>",
		Short: "Get a config value by dot-path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <path> <value>",
		Short: "Set a config value by dot-path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("invalid value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			paths := config.ListPaths(config.Sanitize(cfg))
			keys := make([]string, 0, len(paths))
			for k := range paths {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%-40s %v\n", k, paths[k])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
