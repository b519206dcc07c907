package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Env != "prod" {
		t.Errorf("Env = %q, want prod", cfg.Env)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Scheduler.Workers != 5 {
		t.Errorf("Scheduler.Workers = %d, want 5", cfg.Scheduler.Workers)
	}
	if cfg.Breaker.Threshold != 3 || cfg.Breaker.Cooldown != time.Minute {
		t.Errorf("Breaker = %+v", cfg.Breaker)
	}
	if cfg.Improve.TargetSuccessRate != 0.8 {
		t.Errorf("Improve.TargetSuccessRate = %v", cfg.Improve.TargetSuccessRate)
	}
	if cfg.Heartbeat.Interval != 30*time.Second {
		t.Errorf("Heartbeat.Interval = %v", cfg.Heartbeat.Interval)
	}
	if cfg.PlaybooksPath != "./playbooks.json" {
		t.Errorf("PlaybooksPath = %q", cfg.PlaybooksPath)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("AIOS_ENV", "test")
	t.Setenv("AIOS_SERVER_PORT", "9999")
	t.Setenv("AIOS_SCHEDULER_WORKERS", "2")
	t.Setenv("AIOS_NOTIFY_WEBHOOK_URL", "http://hooks.internal/aios")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Env != "test" {
		t.Errorf("Env = %q, want test", cfg.Env)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Scheduler.Workers != 2 {
		t.Errorf("Scheduler.Workers = %d, want 2", cfg.Scheduler.Workers)
	}
	if cfg.Notify.WebhookURL != "http://hooks.internal/aios" {
		t.Errorf("Notify.WebhookURL = %q", cfg.Notify.WebhookURL)
	}
}
