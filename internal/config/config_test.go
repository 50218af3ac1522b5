package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.BridgeURL != "ws://127.0.0.1:8290" {
		t.Fatalf("BridgeURL = %q", cfg.BridgeURL)
	}
	if cfg.WatchdogGrace() != 60*time.Second {
		t.Fatalf("WatchdogGrace = %v", cfg.WatchdogGrace())
	}
	if cfg.PollActive() != 2*time.Second {
		t.Fatalf("PollActive = %v", cfg.PollActive())
	}
	if cfg.PollIdle() != 2500*time.Millisecond {
		t.Fatalf("PollIdle = %v", cfg.PollIdle())
	}
	if cfg.ResyncDebounce() != 1500*time.Millisecond {
		t.Fatalf("ResyncDebounce = %v", cfg.ResyncDebounce())
	}
}

func TestLoadEnvOverrideWithMin(t *testing.T) {
	t.Setenv("CLAWDEX_RUN_WATCHDOG_GRACE_SEC", "1")
	cfg := Load()
	// min:"5" 生效
	if cfg.RunWatchdogGraceSec != 5 {
		t.Fatalf("RunWatchdogGraceSec = %d, want clamped 5", cfg.RunWatchdogGraceSec)
	}
}
