package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nhle/mailcache/internal/model"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"loud", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(model.LogConfig{Level: "info", Format: "json"}, &buf)
	l.Debug("hidden")
	l.Info("shown", slog.String("k", "v"))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug record written at info level")
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"k":"v"`) {
		t.Errorf("output = %q", out)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("a  b\n c", 10); got != "a b c" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("héllo world", 5); got != "héll…" {
		t.Errorf("truncate = %q", got)
	}
}

func TestFlags(t *testing.T) {
	now := time.Now()
	c := model.Conversation{Pinned: true, ArchivedAt: &now}
	if got := flags(c); got != "P--A" {
		t.Errorf("flags = %q", got)
	}
}

func TestWatchReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watch(ctx, nil) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("watch = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
}
