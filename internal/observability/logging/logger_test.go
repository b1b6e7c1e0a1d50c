package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewWritesServiceAndFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "api", "warn")

	logger.Info("hidden")
	logger.Warn("search_branch_failed", "branch", "keyword")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected one json line, got %q: %v", buf.String(), err)
	}
	if entry["service"] != "api" || entry["msg"] != "search_branch_failed" || entry["branch"] != "keyword" {
		t.Fatalf("unexpected entry: %#v", entry)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFromContext(t *testing.T) {
	fallback := slog.Default()
	if FromContext(context.Background(), fallback) != fallback {
		t.Fatalf("expected fallback logger")
	}

	scoped := fallback.With("request_id", "r-1")
	ctx := ContextWithLogger(context.Background(), scoped)
	if FromContext(ctx, fallback) != scoped {
		t.Fatalf("expected request scoped logger")
	}
}
