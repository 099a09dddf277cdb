package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Storage: StorageConfig{
			Enabled: true,
			DBPath:  "~/.jobchat/jobchat.db",
		},
		Directory: DirectoryConfig{
			SeedFile: "~/.jobchat/participants.yaml",
		},
		Delivery: DeliveryConfig{
			SentDelayMs:      500,
			DeliveredDelayMs: 1500,
			MaxAttempts:      3,
		},
		Notifications: NotificationsConfig{
			PollIntervalSeconds: 15,
		},
		Presence: PresenceConfig{
			Mode:          PresenceSimulated,
			TickSeconds:   10,
			Probability:   0.2,
			TypingSeconds: 3,
		},
		API: APIConfig{
			Enabled:   true,
			Host:      "127.0.0.1",
			Port:      8080,
			RateLimit: 20,
		},
		WebSocket: WebSocketConfig{
			Enabled: true,
			Path:    "/ws",
		},
		Telegram: TelegramConfig{
			Enabled: false,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}
