package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wudi/svcgate/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svcgate.log")
	l, err := NewWithOptions(Options{
		Level:    "warn",
		Output:   path,
		Rotation: Rotation{MaxSize: 1, MaxBackups: 1},
	})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	l.Info("dropped by level")
	l.Warn("upstream slow", zap.String("service", "users"))
	_ = l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", data)
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["msg"] != "upstream slow" || entry["service"] != "users" || entry["level"] != "warn" {
		t.Errorf("entry = %v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Errorf("entry has no timestamp key: %v", entry)
	}
}

func TestStandardStreams(t *testing.T) {
	for _, out := range []string{"", "stdout", "stderr"} {
		l, err := NewWithOptions(Options{Output: out})
		if err != nil || l == nil {
			t.Errorf("NewWithOptions(%q) = %v, %v", out, l, err)
		}
	}
	if l, err := New("debug"); err != nil || !l.Core().Enabled(zapcore.DebugLevel) {
		t.Errorf("New(debug) = %v, %v", l, err)
	}
}

func TestGlobalHelpers(t *testing.T) {
	prev := Global()
	if prev == nil {
		t.Fatal("Global() is nil before SetGlobal")
	}
	core, logs := observer.New(zapcore.InfoLevel)
	SetGlobal(zap.New(core))
	t.Cleanup(func() { SetGlobal(prev) })

	Debug("hidden")
	Info("reloaded")
	Warn("slow")
	Error("failed")
	With(zap.String("component", "registry")).Info("watching")

	got := make([]string, 0, logs.Len())
	for _, e := range logs.All() {
		got = append(got, e.Level.String()+":"+e.Message)
	}
	if want := "info:reloaded warn:slow error:failed info:watching"; strings.Join(got, " ") != want {
		t.Errorf("entries = %q, want %q", strings.Join(got, " "), want)
	}
	if c := logs.FilterMessage("watching").All()[0].ContextMap()["component"]; c != "registry" {
		t.Errorf("component field = %v", c)
	}
}

func TestConfigureFollowsSetLevel(t *testing.T) {
	prev := Global()
	t.Cleanup(func() { SetGlobal(prev) })

	path := filepath.Join(t.TempDir(), "svcgate.log")
	l, err := Configure(config.LoggingConfig{Level: "error", Output: path})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if Global() != l {
		t.Error("Configure did not install the global logger")
	}
	if Level() != zapcore.ErrorLevel {
		t.Errorf("level = %v", Level())
	}

	Info("before")
	SetLevel("debug")
	Debug("after")
	_ = l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "before") || !strings.Contains(string(data), "after") {
		t.Errorf("log file = %q", data)
	}
}
