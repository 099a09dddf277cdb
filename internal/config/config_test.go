package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_DeliveredMustFollowSent(t *testing.T) {
	cfg := Defaults()
	cfg.Delivery.DeliveredDelayMs = cfg.Delivery.SentDelayMs
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error when deliveredDelayMs == sentDelayMs")
	}

	cfg.Delivery.DeliveredDelayMs = cfg.Delivery.SentDelayMs + 1
	if err := Validate(cfg); err != nil {
		t.Fatalf("deliveredDelayMs one past sent should be valid: %v", err)
	}
}

func TestValidate_MaxAttempts_Boundary(t *testing.T) {
	cfg := Defaults()

	cfg.Delivery.MaxAttempts = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxAttempts=0")
	}

	cfg.Delivery.MaxAttempts = 1
	if err := Validate(cfg); err != nil {
		t.Fatalf("maxAttempts=1 should be valid: %v", err)
	}

	cfg.Delivery.MaxAttempts = 21
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxAttempts=21")
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.API.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.API.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_RateLimit(t *testing.T) {
	cfg := Defaults()
	cfg.API.RateLimit = 0
	if err := Validate(cfg); err != nil {
		t.Fatalf("zero rate limit disables throttling: %v", err)
	}
	cfg.API.RateLimit = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative rate limit")
	}
}

func TestValidate_PresenceModes(t *testing.T) {
	for _, mode := range []string{PresenceSimulated, PresenceRelay, PresenceOff} {
		cfg := Defaults()
		cfg.Presence.Mode = mode
		if err := Validate(cfg); err != nil {
			t.Fatalf("mode %q should be valid: %v", mode, err)
		}
	}

	cfg := Defaults()
	cfg.Presence.Mode = "psychic"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown presence mode")
	}
}

func TestValidate_Probability(t *testing.T) {
	for _, p := range []float64{-0.1, 1.5} {
		cfg := Defaults()
		cfg.Presence.Probability = p
		if err := Validate(cfg); err == nil {
			t.Fatalf("expected error for probability %v", p)
		}
	}
	for _, p := range []float64{0, 1} {
		cfg := Defaults()
		cfg.Presence.Probability = p
		if err := Validate(cfg); err != nil {
			t.Fatalf("probability %v should be valid: %v", p, err)
		}
	}
}

func TestValidate_PollInterval(t *testing.T) {
	cfg := Defaults()
	cfg.Notifications.PollIntervalSeconds = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for pollIntervalSeconds=0")
	}
}

func TestValidate_WebSocketNeedsAPI(t *testing.T) {
	cfg := Defaults()
	cfg.API.Enabled = false
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for websocket without api")
	}

	cfg.WebSocket.Enabled = false
	if err := Validate(cfg); err != nil {
		t.Fatalf("api and websocket both disabled should be valid: %v", err)
	}
}

func TestValidate_TelegramNeedsToken(t *testing.T) {
	cfg := Defaults()
	cfg.Telegram.Enabled = true
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for telegram without token")
	}
}

func TestValidate_LogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown log level")
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := Defaults()
	original.Presence.Mode = PresenceRelay
	original.Telegram.Chats = map[string]ChatID{"ana": 42}

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.Presence.Mode != PresenceRelay {
		t.Fatalf("expected relay mode, got %q", loaded.Presence.Mode)
	}
	if loaded.Telegram.Chats["ana"] != 42 {
		t.Fatalf("expected chat 42, got %v", loaded.Telegram.Chats)
	}
}

func TestSave_PrivatePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(path, Defaults()); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		t.Fatalf("config file should not be group/world readable, got %v", info.Mode().Perm())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(`{"delivery": {"sentDelayMs": 100, "deliveredDelayMs": 300}}`), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Delivery.SentDelay() != 100*time.Millisecond || cfg.Delivery.DeliveredDelay() != 300*time.Millisecond {
		t.Fatalf("unexpected delays %v %v", cfg.Delivery.SentDelay(), cfg.Delivery.DeliveredDelay())
	}
	if cfg.Delivery.MaxAttempts != 3 {
		t.Fatalf("maxAttempts default lost: %d", cfg.Delivery.MaxAttempts)
	}
	if cfg.Notifications.PollIntervalSeconds != 15 {
		t.Fatalf("poll interval default lost: %d", cfg.Notifications.PollIntervalSeconds)
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"delivery": {
			"sentDelayMs": 2000,
			"deliveredDelayMs": 1000
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgFile)
	if err == nil {
		t.Fatal("expected validation error for delivered before sent")
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_JOBCHAT_TOKEN", "123:abc")
	t.Setenv("TEST_JOBCHAT_DB", "/tmp/test-jobchat.db")

	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"storage": {"enabled": true, "dbPath": "${TEST_JOBCHAT_DB}"},
		"telegram": {"enabled": true, "token": "${TEST_JOBCHAT_TOKEN}", "chats": {"ana": "77"}}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.DBPath != "/tmp/test-jobchat.db" {
		t.Fatalf("expected dbPath '/tmp/test-jobchat.db', got %q", cfg.Storage.DBPath)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.Telegram.Chats["ana"] != 77 {
		t.Fatalf("telegram not expanded: %+v", cfg.Telegram)
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()

	val, err := GetByPath(cfg, "presence.mode")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != PresenceSimulated {
		t.Fatalf("expected 'simulated', got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	cfg := Defaults()
	_, err := GetByPath(cfg, "nonexistent.path")
	if err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_ValidPath(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "presence.mode", "off"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Presence.Mode != PresenceOff {
		t.Fatalf("expected 'off', got %q", cfg.Presence.Mode)
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "storage.enabled", "false"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if cfg.Storage.Enabled {
		t.Fatal("expected storage.enabled=false")
	}
}

func TestSetByPath_NumberConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "delivery.sentDelayMs", "250"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.Delivery.SentDelayMs != 250 {
		t.Fatalf("expected 250, got %d", cfg.Delivery.SentDelayMs)
	}
	if err := SetByPath(cfg, "presence.probability", "0.5"); err != nil {
		t.Fatalf("set float: %v", err)
	}
	if cfg.Presence.Probability != 0.5 {
		t.Fatalf("expected 0.5, got %v", cfg.Presence.Probability)
	}
}

func TestSetByPath_ChatMapEntry(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "telegram.chats.ana", "123456"); err != nil {
		t.Fatalf("set chat: %v", err)
	}
	if cfg.Telegram.Chats["ana"] != 123456 {
		t.Fatalf("expected chat 123456, got %v", cfg.Telegram.Chats)
	}
}

func TestSetByPath_UnknownKeyLeavesConfigUnchanged(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "api.prt", "9090"); err == nil {
		t.Fatal("expected error for unknown key")
	}
	if err := SetByPath(cfg, "api.port.value", "1"); err == nil {
		t.Fatal("expected error when traversing into a leaf")
	}
	if err := SetByPath(cfg, "api..port", "1"); err == nil {
		t.Fatal("expected error for empty path segment")
	}
	if cfg.API.Port != 8080 {
		t.Fatalf("config modified on error: port=%d", cfg.API.Port)
	}
}

func TestSetByPath_ClearOmittedField(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "general.logFile", "/var/log/jobchat.log"); err != nil {
		t.Fatal(err)
	}
	if err := SetByPath(cfg, "general.logFile", ""); err != nil {
		t.Fatalf("clearing logFile: %v", err)
	}
	if cfg.General.LogFile != "" {
		t.Fatalf("expected empty logFile, got %q", cfg.General.LogFile)
	}
}

// --- Sanitize ---

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Telegram.Token = "123456789:ABCdefGHIjklMNOpqrSTUvwxyz"

	sanitized := Sanitize(cfg)

	if sanitized.Telegram.Token == cfg.Telegram.Token {
		t.Fatal("telegram token should be masked")
	}
	if cfg.Telegram.Token != "123456789:ABCdefGHIjklMNOpqrSTUvwxyz" {
		t.Fatal("original config should not be modified")
	}

	cfg.Telegram.Chats = map[string]ChatID{"ana": 1}
	Sanitize(cfg).Telegram.Chats["ana"] = 2
	if cfg.Telegram.Chats["ana"] != 1 {
		t.Fatal("sanitized copy shares the chats map")
	}
}

func TestSanitize_ShortSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Telegram.Token = "short"
	sanitized := Sanitize(cfg)
	if sanitized.Telegram.Token != "***" {
		t.Fatalf("short secret should be '***', got %q", sanitized.Telegram.Token)
	}
}

// --- ListPaths ---

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	paths := ListPaths(Defaults())
	if len(paths) == 0 {
		t.Fatal("expected non-empty paths")
	}
	for _, expected := range []string{"general.logLevel", "storage.dbPath", "delivery.maxAttempts", "websocket.path"} {
		if _, ok := paths[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
		}
	}
}

// --- ChatID ---

func TestChatID_NumberAndString(t *testing.T) {
	var chats map[string]ChatID
	if err := json.Unmarshal([]byte(`{"a": 123, "b": "-100456"}`), &chats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if chats["a"] != 123 || chats["b"] != -100456 {
		t.Fatalf("unexpected chats %v", chats)
	}
}

func TestChatID_Invalid(t *testing.T) {
	var id ChatID
	if err := json.Unmarshal([]byte(`"not-a-number"`), &id); err == nil {
		t.Fatal("expected error for non-numeric chat id")
	}
	if err := json.Unmarshal([]byte(`true`), &id); err == nil {
		t.Fatal("expected error for bool chat id")
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_TOKEN", "sk-abc123")
	result := ExpandEnvVars(`{"token": "${TEST_TOKEN}"}`)
	expected := `{"token": "sk-abc123"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR_12345")
	result := ExpandEnvVars(`{"port": "${NONEXISTENT_VAR_12345:-8080}"}`)
	expected := `{"port": "8080"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_SetVarOverridesDefault(t *testing.T) {
	t.Setenv("MY_PORT", "9090")
	result := ExpandEnvVars(`{"port": "${MY_PORT:-8080}"}`)
	expected := `{"port": "9090"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")
	result := ExpandEnvVars(`"${TOTALLY_UNSET_VAR_XYZ}"`)
	expected := `"${TOTALLY_UNSET_VAR_XYZ}"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_EmptyVarUsesDefault(t *testing.T) {
	t.Setenv("EMPTY_VAR", "")
	result := ExpandEnvVars(`"${EMPTY_VAR:-fallback}"`)
	expected := `"fallback"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DollarSignWithoutBraces(t *testing.T) {
	input := `"$HOME is not substituted"`
	result := ExpandEnvVars(input)
	if result != input {
		t.Fatalf("expected no change for bare $VAR, got %q", result)
	}
}
