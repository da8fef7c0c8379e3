package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fruitsalade/remotetail/internal/config"
	"github.com/fruitsalade/remotetail/internal/sink"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "remote")
	if err := os.MkdirAll(filepath.Join(root, "logs"), 0o755); err != nil {
		t.Fatal(err)
	}
	return &config.Config{
		Remote:           config.Remote{Protocol: config.ProtocolLocal, LocalRoot: root},
		WorkingDirectory: "/",
		Recursive:        true,
		PollDelay:        time.Second,
		ProcessInUse:     true,
		FlushLines:       true,
		ChunkSize:        1024,
		MaxLineSize:      1024,
		StateBackend:     "file",
		StateLocation:    filepath.Join(dir, "state.json"),
		StateAgent:       "test",
		Sinks:            []string{"file"},
		SinkFile:         filepath.Join(dir, "out", "events.log"),
		SinkFormat:       "raw",
		SinkMaxSizeMB:    1,
	}
}

func TestAgentScanOnce(t *testing.T) {
	cfg := testConfig(t)
	logPath := filepath.Join(cfg.Remote.LocalRoot, "logs", "app.log")
	if err := os.WriteFile(logPath, []byte("one\ntwo\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	a, err := newAgent(ctx, cfg)
	if err != nil {
		t.Fatalf("newAgent: %v", err)
	}
	if err := a.poller.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	out, err := os.ReadFile(cfg.SinkFile)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "one\ntwo\n" {
		t.Errorf("sink output = %q", out)
	}

	// A second agent resumes from the saved position.
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("three\n")
	f.Close()

	a, err = newAgent(ctx, cfg)
	if err != nil {
		t.Fatalf("newAgent: %v", err)
	}
	if err := a.poller.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	a.Close()

	out, _ = os.ReadFile(cfg.SinkFile)
	if string(out) != "one\ntwo\nthree\n" {
		t.Errorf("sink output after resume = %q", out)
	}
	if got := a.poller.Files()["/logs/app.log"]; got != 14 {
		t.Errorf("tracked size = %d, want 14", got)
	}
}

func TestBuildSink(t *testing.T) {
	cfg := testConfig(t)

	cfg.Sinks = []string{"stdout"}
	a := &agent{cfg: cfg}
	s, err := a.buildSink()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*sink.Writer); !ok {
		t.Errorf("single sink should not be wrapped, got %T", s)
	}

	cfg.Sinks = []string{"stdout", "broadcast"}
	a = &agent{cfg: cfg}
	s, err = a.buildSink()
	if err != nil {
		t.Fatal(err)
	}
	if m, ok := s.(sink.Multi); !ok || len(m) != 2 {
		t.Errorf("expected a Multi of two sinks, got %T", s)
	}
	if a.broadcaster == nil {
		t.Error("broadcast sink should be kept for the admin server")
	}

	cfg.Sinks = []string{"kafka"}
	a = &agent{cfg: cfg}
	if _, err := a.buildSink(); err == nil {
		t.Error("expected error for unknown sink")
	}
}
