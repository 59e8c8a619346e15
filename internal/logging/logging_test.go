package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewWithOptionsJSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithOptions(&buf, "debug", "json")
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	l.Debug("hello", "gpu", "GPU-1")
	if !strings.Contains(buf.String(), `"gpu":"GPU-1"`) {
		t.Fatalf("unexpected output %q", buf.String())
	}
	if _, err := NewWithOptions(&buf, "info", "xml"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestContextRoundTrip(t *testing.T) {
	l := New()
	ctx := NewContext(context.Background(), l)
	if FromContext(ctx) != l {
		t.Fatalf("logger not retrieved from context")
	}
	if FromContext(context.Background()) != slog.Default() {
		t.Fatalf("expected default logger")
	}
}
