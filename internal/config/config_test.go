package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.LedgerPath != "data/truth/signal_truth.jsonl" || cfg.StateBackend != "file" {
		t.Fatalf("unexpected storage defaults: %+v", cfg)
	}
	if cfg.Decay.Baseline != 70 || cfg.Decay.Interval != 30*time.Second {
		t.Fatalf("unexpected decay defaults: %+v", cfg.Decay)
	}
	if cfg.Throttle.BaseML != 0.65 || cfg.Throttle.Interval != 10*time.Second {
		t.Fatalf("unexpected throttle defaults: %+v", cfg.Throttle)
	}
	if cfg.HTTPAddr != ":8090" || cfg.KafkaEnabled {
		t.Fatalf("unexpected service defaults: %+v", cfg)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DECAY_BASELINE", "72.5")
	t.Setenv("DECAY_INTERVAL", "45")
	t.Setenv("THROTTLE_INTERVAL", "15s")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("TELEGRAM_BOT_TOKEN", "token")
	t.Setenv("TELEGRAM_CHAT_ID", "-1001")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Decay.Baseline != 72.5 || cfg.Decay.Interval != 45*time.Second {
		t.Fatalf("decay env not applied: %+v", cfg.Decay)
	}
	if cfg.Throttle.Interval != 15*time.Second {
		t.Fatalf("throttle env not applied: %v", cfg.Throttle.Interval)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers: %v", cfg.KafkaBrokers)
	}
	if cfg.TelegramChatID != -1001 {
		t.Fatalf("unexpected chat id: %d", cfg.TelegramChatID)
	}
}

func TestYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "governor.yaml")
	doc := "decay:\n  baseline: 75\nthrottle:\n  nitrous_dwell: 3m\n  lockdown_tcs_cap: 90\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	t.Setenv("GOVERNOR_CONFIG_FILE", path)
	t.Setenv("THROTTLE_BASE_TCS", "68")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Decay.Baseline != 75 {
		t.Fatalf("overlay baseline not applied: %v", cfg.Decay.Baseline)
	}
	if cfg.Decay.Interval != 30*time.Second {
		t.Fatalf("keys absent from the overlay must keep their values, got %v", cfg.Decay.Interval)
	}
	if cfg.Throttle.NitrousDwell != 3*time.Minute || cfg.Throttle.LockdownTCSCap != 90 {
		t.Fatalf("throttle overlay not applied: %+v", cfg.Throttle)
	}
	if cfg.Throttle.BaseTCS != 68 {
		t.Fatalf("env value lost under overlay: %v", cfg.Throttle.BaseTCS)
	}
}

func TestMissingOverlayFails(t *testing.T) {
	t.Setenv("GOVERNOR_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for missing overlay file")
	}
}

func TestValidation(t *testing.T) {
	t.Setenv("STATE_BACKEND", "redis")
	t.Setenv("TELEGRAM_BOT_TOKEN", "token")
	t.Setenv("QUIET_HOURS_START", "24")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, field := range []string{"RedisAddr", "TelegramChatID", "QuietHoursStart"} {
		if !strings.Contains(err.Error(), field) {
			t.Fatalf("expected %s in error, got %v", field, err)
		}
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("SOME_INTERVAL", "bogus")
	if d := getEnvDuration("SOME_INTERVAL", time.Minute); d != time.Minute {
		t.Fatalf("invalid durations fall back to the default, got %v", d)
	}
	t.Setenv("SOME_INTERVAL", "1.5")
	if d := getEnvDuration("SOME_INTERVAL", time.Minute); d != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s, got %v", d)
	}
}
