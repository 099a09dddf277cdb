package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"jobchat/internal/config"
)

func TestMain(m *testing.M) {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	os.Exit(m.Run())
}

func TestTarGz_RoundTrip(t *testing.T) {
	src := t.TempDir()
	cfgFile := filepath.Join(src, "config.json")
	dbFile := filepath.Join(src, "data.sqlite")
	os.WriteFile(cfgFile, []byte(`{"general":{"logLevel":"debug"}}`), 0o600)
	os.WriteFile(dbFile, []byte("sqlite bytes"), 0o644)

	archive := filepath.Join(t.TempDir(), "backup.tar.gz")
	if err := createTarGz(archive, map[string]string{archiveConfig: cfgFile, archiveDB: dbFile}); err != nil {
		t.Fatalf("createTarGz: %v", err)
	}

	dst := t.TempDir()
	targets := map[string]string{
		archiveConfig: filepath.Join(dst, "config.json"),
		archiveDB:     filepath.Join(dst, "nested", "jobchat.db"),
	}
	restored, err := extractTarGz(archive, targets)
	if err != nil {
		t.Fatalf("extractTarGz: %v", err)
	}
	if len(restored) != 2 {
		t.Fatalf("expected 2 restored files, got %v", restored)
	}

	data, _ := os.ReadFile(targets[archiveDB])
	if string(data) != "sqlite bytes" {
		t.Errorf("db content = %q", data)
	}
	info, err := os.Stat(targets[archiveConfig])
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config restored with %o, want 600", perm)
	}
}

func TestExtractTarGz_SkipsUnknownEntries(t *testing.T) {
	src := t.TempDir()
	other := filepath.Join(src, "notes.txt")
	os.WriteFile(other, []byte("x"), 0o644)

	archive := filepath.Join(t.TempDir(), "b.tar.gz")
	if err := createTarGz(archive, map[string]string{"notes.txt": other}); err != nil {
		t.Fatal(err)
	}
	restored, err := extractTarGz(archive, map[string]string{archiveDB: filepath.Join(t.TempDir(), "x.db")})
	if err != nil {
		t.Fatal(err)
	}
	if len(restored) != 0 {
		t.Errorf("expected nothing restored, got %v", restored)
	}
}

func TestExtractTarGz_NotGzip(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "bad.tar.gz")
	os.WriteFile(bad, []byte("plain text"), 0o644)
	if _, err := extractTarGz(bad, nil); err == nil {
		t.Fatal("expected error for non-gzip input")
	}
}

func TestRestoreTargets_FallsBackBesideConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "missing.json")
	targets := restoreTargets(cfgPath)
	if targets[archiveDB] != filepath.Join(filepath.Dir(cfgPath), archiveDB) {
		t.Errorf("db target = %s", targets[archiveDB])
	}
}

func TestHumanSize(t *testing.T) {
	cases := map[int64]string{
		512:             "512 B",
		2048:            "2.0 KB",
		5 * 1024 * 1024: "5.0 MB",
	}
	for in, want := range cases {
		if got := humanSize(in); got != want {
			t.Errorf("humanSize(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestNewLogger_WritesToFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "jobchat.log")
	l, closeLog, err := newLogger(config.GeneralConfig{LogLevel: "warn", LogFile: logFile})
	if err != nil {
		t.Fatal(err)
	}
	l.Info("hidden")
	l.Warn("visible")
	closeLog()

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "hidden") || !strings.Contains(string(data), "visible") {
		t.Errorf("unexpected log content: %s", data)
	}
}

func TestRunDemo(t *testing.T) {
	var out bytes.Buffer
	if err := runDemo(context.Background(), &out, 0); err != nil {
		t.Fatalf("runDemo: %v", err)
	}
	got := out.String()
	for _, want := range []string{
		"conversation.created",
		"context=application/app-1001",
		"delivered from acme",
		"summary card: Ana Souza applied for Backend Engineer",
		"conversation.read",
		"Olá! Sim, tenho interesse.",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("demo output missing %q:\n%s", want, got)
		}
	}
}

func TestInitWritesConfigAndDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	configPath = filepath.Join(dir, "cfg", "config.json")
	defer func() { configPath = "" }()

	cmd := initCmd()
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("init: %v", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if _, err := os.Stat(cfg.Directory.SeedFile); err != nil {
		t.Errorf("sample directory not written: %v", err)
	}

	again := initCmd()
	again.SetArgs([]string{})
	again.SilenceErrors = true
	if err := again.Execute(); err == nil {
		t.Error("second init without --force should fail")
	}
}
