package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/waypoint/internal/config"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, config.LogConfig{Level: "info", Format: "json"}).Info("hello", "component", "test")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("json logger output = %q", buf.String())
	}

	buf.Reset()
	newLogger(&buf, config.LogConfig{Level: "info", Format: "text"}).Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("text logger output = %q", buf.String())
	}

	buf.Reset()
	newLogger(&buf, config.LogConfig{Level: "warn", Format: "json"}).Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
}

func TestLogOutput_TeesToRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "waypoint.log")
	var buf bytes.Buffer
	out, closeLog := logOutput(&buf, config.LogConfig{File: path, MaxSizeMB: 1})

	newLogger(out, config.LogConfig{Level: "info", Format: "json"}).Info("teed")
	closeLog()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"teed"`) || !strings.Contains(buf.String(), `"msg":"teed"`) {
		t.Errorf("file = %q, stdout = %q", data, buf.String())
	}
}

func TestLogOutput_NoFile(t *testing.T) {
	var buf bytes.Buffer
	out, closeLog := logOutput(&buf, config.LogConfig{})
	defer closeLog()
	if out != &buf {
		t.Error("logOutput without a file should return the writer unchanged")
	}
}

func TestClientConfig_MapsSettings(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Path = "/data/w.db"
	cfg.Remote.BaseURL = "https://api.example.com/v1"
	cfg.Remote.APIKey = "k"
	cfg.Sync.StartOnline = true
	cfg.Backup.ClientID = "tablet-3"

	wc := clientConfig(cfg)
	if wc.LocalPath != "/data/w.db" || wc.RemoteURL != "https://api.example.com/v1" || wc.APIKey != "k" {
		t.Errorf("clientConfig() = %+v", wc)
	}
	if !wc.StartOnline || wc.ClientID != "tablet-3" {
		t.Errorf("clientConfig() = %+v", wc)
	}
	if wc.ClaimLease != 5*time.Minute || wc.CacheTTL != 7*24*time.Hour {
		t.Errorf("durations = %v, %v", wc.ClaimLease, wc.CacheTTL)
	}
	if wc.BackupInterval != 0 {
		t.Error("one-shot commands must not schedule backups")
	}
}

func TestLoadConfig_DBOverride(t *testing.T) {
	t.Setenv("WAYPOINT_CONFIG_PATH", t.TempDir()+"/absent.yaml")
	t.Setenv("WAYPOINT_DB_PATH", "/from/env.db")

	dbPathOverride = "/from/flag.db"
	defer func() { dbPathOverride = "" }()

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Database.Path != "/from/flag.db" {
		t.Errorf("path = %q, want flag value", cfg.Database.Path)
	}
}

func TestFormatSize(t *testing.T) {
	tests := map[int64]string{
		512:             "512 B",
		2048:            "2.0 KB",
		5 * 1024 * 1024: "5.0 MB",
	}
	for in, want := range tests {
		if got := formatSize(in); got != want {
			t.Errorf("formatSize(%d) = %q, want %q", in, got, want)
		}
	}
}
