package util

import (
	"testing"
	"time"
)

func TestLoadFromEnv(t *testing.T) {
	type cfg struct {
		Name     string `env:"UTIL_TEST_NAME" default:"fallback"`
		Interval int    `env:"UTIL_TEST_INTERVAL" default:"2000" min:"100"`
		Enabled  bool   `env:"UTIL_TEST_ENABLED" default:"true"`
	}

	t.Setenv("UTIL_TEST_INTERVAL", "50")

	var c cfg
	LoadFromEnv(&c)
	if c.Name != "fallback" {
		t.Fatalf("Name = %q, want fallback", c.Name)
	}
	if c.Interval != 100 {
		t.Fatalf("Interval = %d, want clamped min 100", c.Interval)
	}
	if !c.Enabled {
		t.Fatal("Enabled = false, want default true")
	}
}

func TestSafeGoRecoversPanic(t *testing.T) {
	done := make(chan struct{})
	SafeGo(func() {
		defer close(done)
		panic("boom")
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SafeGo goroutine did not run")
	}
}
