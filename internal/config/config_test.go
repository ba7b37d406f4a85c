package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Worker.Command = ""
	cfg.Monitor.PollInterval = duration{100 * time.Millisecond}
	cfg.LogLevel = "loud"
	cfg.Watchlist = []WatchConfig{
		{Code: "600519", BuyPrice: 1500, Quantity: 100, Enabled: true},
		{Code: "600519", BuyPrice: 1500, Quantity: 100, Enabled: true},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	for _, want := range []string{"command must not be empty", "poll_interval", "log_level", "duplicate code"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
log_level = "debug"

[worker]
command = "python3"
args = ["daemon.py"]
command_timeout = "15s"

[[watchlist]]
code = "600519"
name = "Kweichow Moutai"
buy_price = 1500.0
quantity = 100
enabled = true
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("STOCKMON_WORKER_COMMAND", "python3.12")
	t.Setenv("STOCKMON_MONITOR_POLL_INTERVAL", "45s")
	t.Setenv("STOCKMON_SERVER_API_KEY", "sekrit")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Worker.Command != "python3.12" {
		t.Errorf("worker command = %q, want env override", cfg.Worker.Command)
	}
	if cfg.Worker.CommandTimeout.Duration != 15*time.Second {
		t.Errorf("command_timeout = %s, want 15s from file", cfg.Worker.CommandTimeout.Duration)
	}
	if cfg.Monitor.PollInterval.Duration != 45*time.Second {
		t.Errorf("poll_interval = %s, want 45s from env", cfg.Monitor.PollInterval.Duration)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q, want debug from file", cfg.LogLevel)
	}
	if len(cfg.Watchlist) != 1 || cfg.Watchlist[0].Code != "600519" {
		t.Errorf("watchlist not decoded: %+v", cfg.Watchlist)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("loaded config does not validate: %v", err)
	}
}

func TestBuildWorkerConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Monitor.PollInterval = duration{30 * time.Second}
	cfg.Watchlist = []WatchConfig{
		{Code: "600519", Name: "Kweichow Moutai", BuyPrice: 1500, Quantity: 100, Enabled: true},
		{Code: "000001", Name: "Ping An Bank", BuyPrice: 12, Quantity: 500, Enabled: false},
	}

	wc := cfg.BuildWorkerConfig()
	if wc.Version != "1.0" {
		t.Errorf("version = %q", wc.Version)
	}
	if wc.Settings.UpdateInterval != 30 {
		t.Errorf("updateInterval = %d, want 30", wc.Settings.UpdateInterval)
	}
	if len(wc.Stocks) != 2 {
		t.Fatalf("stocks = %d, want 2", len(wc.Stocks))
	}
	if wc.Stocks[1].Enabled {
		t.Error("disabled watch item came through enabled")
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "hunter2"
	cfg.Server.APIKey = "key"
	cfg.Notify.TelegramToken = "tok"

	red := RedactedConfig(&cfg)
	if red.Postgres.Password != "***" || red.Server.APIKey != "***" || red.Notify.TelegramToken != "***" {
		t.Errorf("secrets not redacted: %+v", red)
	}
	if cfg.Postgres.Password != "hunter2" {
		t.Error("redaction mutated the original")
	}
	if red.Redis.Password != "" {
		t.Error("empty secret should stay empty")
	}
}
