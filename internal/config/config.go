package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration for jobchat.
type Config struct {
	General       GeneralConfig       `json:"general"`
	Storage       StorageConfig       `json:"storage"`
	Directory     DirectoryConfig     `json:"directory"`
	Delivery      DeliveryConfig      `json:"delivery"`
	Notifications NotificationsConfig `json:"notifications"`
	Presence      PresenceConfig      `json:"presence"`
	API           APIConfig           `json:"api"`
	WebSocket     WebSocketConfig     `json:"websocket"`
	Telegram      TelegramConfig      `json:"telegram"`
	Metrics       MetricsConfig       `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

type StorageConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"dbPath"`
}

type DirectoryConfig struct {
	SeedFile string `json:"seedFile"` // YAML file or directory of files
}

type DeliveryConfig struct {
	SentDelayMs      int `json:"sentDelayMs"`
	DeliveredDelayMs int `json:"deliveredDelayMs"` // measured from append, not from sent
	MaxAttempts      int `json:"maxAttempts"`
}

// SentDelay returns the configured sent delay.
func (d DeliveryConfig) SentDelay() time.Duration {
	return time.Duration(d.SentDelayMs) * time.Millisecond
}

// DeliveredDelay returns the configured delivered delay.
func (d DeliveryConfig) DeliveredDelay() time.Duration {
	return time.Duration(d.DeliveredDelayMs) * time.Millisecond
}

type NotificationsConfig struct {
	PollIntervalSeconds int `json:"pollIntervalSeconds"`
}

// Presence modes.
const (
	PresenceSimulated = "simulated"
	PresenceRelay     = "relay"
	PresenceOff       = "off"
)

type PresenceConfig struct {
	Mode          string  `json:"mode"` // "simulated" | "relay" | "off"
	TickSeconds   int     `json:"tickSeconds"`
	Probability   float64 `json:"probability"`
	TypingSeconds int     `json:"typingSeconds"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`

	// RateLimit is requests per second per viewer on /v1; 0 disables it.
	RateLimit float64 `json:"rateLimit"`
}

// Addr returns host:port.
func (a APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

type WebSocketConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	// Chats maps a participant id to the Telegram chat that receives its
	// unread notifications.
	Chats map[string]ChatID `json:"chats,omitempty"`
}

// ChatID is a Telegram chat id that can unmarshal from a JSON number or a
// numeric string (e.g. 123 and "123" are both accepted).
type ChatID int64

func (c *ChatID) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*c = ChatID(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("chat id must be a number or numeric string: %s", data)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return fmt.Errorf("chat id %q: %w", s, err)
	}
	*c = ChatID(n)
	return nil
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.jobchat).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".jobchat"
	}
	return filepath.Join(home, ".jobchat")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Storage.DBPath = ExpandPath(cfg.Storage.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Directory.SeedFile = ExpandPath(cfg.Directory.SeedFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match // keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// The file may carry the Telegram token.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Storage.Enabled && cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.dbPath is required when storage is enabled")
	}

	if cfg.Delivery.SentDelayMs < 0 {
		errs = append(errs, "delivery.sentDelayMs must be >= 0")
	}
	if cfg.Delivery.DeliveredDelayMs <= cfg.Delivery.SentDelayMs {
		errs = append(errs, "delivery.deliveredDelayMs must be greater than delivery.sentDelayMs")
	}
	if cfg.Delivery.MaxAttempts < 1 || cfg.Delivery.MaxAttempts > 20 {
		errs = append(errs, "delivery.maxAttempts must be between 1 and 20")
	}

	if cfg.Notifications.PollIntervalSeconds < 1 {
		errs = append(errs, "notifications.pollIntervalSeconds must be >= 1")
	}

	switch cfg.Presence.Mode {
	case PresenceSimulated, PresenceRelay, PresenceOff:
	default:
		errs = append(errs, "presence.mode must be one of: simulated, relay, off")
	}
	if cfg.Presence.TickSeconds < 1 {
		errs = append(errs, "presence.tickSeconds must be >= 1")
	}
	if cfg.Presence.Probability < 0 || cfg.Presence.Probability > 1 {
		errs = append(errs, "presence.probability must be between 0 and 1")
	}
	if cfg.Presence.TypingSeconds < 1 {
		errs = append(errs, "presence.typingSeconds must be >= 1")
	}

	if cfg.API.Port < 0 || cfg.API.Port > 65535 {
		errs = append(errs, "api.port must be between 0 and 65535")
	}
	if cfg.API.RateLimit < 0 {
		errs = append(errs, "api.rateLimit must be >= 0")
	}
	if cfg.WebSocket.Enabled {
		if !cfg.API.Enabled {
			errs = append(errs, "websocket requires api.enabled")
		}
		if !strings.HasPrefix(cfg.WebSocket.Path, "/") {
			errs = append(errs, "websocket.path must start with /")
		}
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if cfg.Telegram.Enabled && cfg.Telegram.Token == "" {
		errs = append(errs, "telegram.token is required when telegram is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
