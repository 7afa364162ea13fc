package core

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestRunStatsLoggerLogsWhenRoomsExist(t *testing.T) {
	registry := NewRegistry()
	room := registry.GetOrCreate("ABCD")
	if _, _, err := room.Join("u1", "alice", 8); err != nil {
		t.Fatalf("join: %v", err)
	}

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunStatsLogger(ctx, registry, 50*time.Millisecond)
		close(done)
	}()

	time.Sleep(120 * time.Millisecond)
	cancel()
	<-done

	out := buf.String()
	if !strings.Contains(out, "room stats") {
		t.Errorf("expected room stats log line, got: %q", out)
	}
	if !strings.Contains(out, "rooms=1") {
		t.Errorf("expected rooms=1 in output, got: %q", out)
	}
	if !strings.Contains(out, "members=1") {
		t.Errorf("expected members=1 in output, got: %q", out)
	}
}

func TestRunStatsLoggerSilentWhenEmpty(t *testing.T) {
	registry := NewRegistry()

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunStatsLogger(ctx, registry, 50*time.Millisecond)
		close(done)
	}()

	time.Sleep(120 * time.Millisecond)
	cancel()
	<-done

	if buf.Len() != 0 {
		t.Errorf("expected no log output for empty registry, got: %q", buf.String())
	}
}
