package logger

import (
	"context"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		raw  string
		want slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.raw); got != tc.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestFromContextFallback(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext should fall back to default logger")
	}
}

func TestFromContextInjected(t *testing.T) {
	custom := slog.New(slog.NewTextHandler(discardWriter{}, nil))
	ctx := WithContext(context.Background(), custom)
	if FromContext(ctx) != custom {
		t.Fatal("FromContext should return injected logger")
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
