package config

import "testing"

func TestNewAppliesSpecDefaults(t *testing.T) {
	cfg := New()

	if cfg.Poller.IntervalSeconds != 5 {
		t.Fatalf("expected default poll interval 5s, got %d", cfg.Poller.IntervalSeconds)
	}
	if cfg.Poller.BatchSize != 10 {
		t.Fatalf("expected default batch size 10, got %d", cfg.Poller.BatchSize)
	}
	if cfg.Delivery.DefaultTimeoutMs != 10_000 {
		t.Fatalf("expected default delivery timeout 10s, got %dms", cfg.Delivery.DefaultTimeoutMs)
	}
	if cfg.Retry.DefaultMaxAttempts != 3 {
		t.Fatalf("expected default retry count 3, got %d", cfg.Retry.DefaultMaxAttempts)
	}
	if cfg.Circuit.Threshold != 10 || cfg.Circuit.AutoDisableThreshold != 50 {
		t.Fatalf("unexpected circuit defaults: %+v", cfg.Circuit)
	}
	if cfg.Scheduler.SkewSeconds != 60 {
		t.Fatalf("expected default scheduler skew 60s, got %d", cfg.Scheduler.SkewSeconds)
	}
}

func TestLoadDoesNotErrorWithoutEnvOverrides(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default server port 8080, got %d", cfg.Server.Port)
	}
}
