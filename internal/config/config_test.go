package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REMOTE_PROTOCOL", "local")
	t.Setenv("LOCAL_ROOT", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.PollDelay != 10*time.Second {
		t.Errorf("PollDelay = %v, want 10s", cfg.PollDelay)
	}
	if cfg.ExtraDelay != 10*time.Second {
		t.Errorf("ExtraDelay = %v, want 10s", cfg.ExtraDelay)
	}
	if !cfg.FlushLines || cfg.ChunkSize != 1024 {
		t.Errorf("expected line mode with 1024 chunk size, got flush=%v chunk=%d", cfg.FlushLines, cfg.ChunkSize)
	}
	if !cfg.Recursive || !cfg.ProcessInUse {
		t.Errorf("expected recursive and process-in-use defaults to be true")
	}
	if cfg.InUseTimeout != 60*time.Second {
		t.Errorf("InUseTimeout = %v, want 60s", cfg.InUseTimeout)
	}
	if !strings.HasSuffix(cfg.StateLocation, DefaultStateFile) {
		t.Errorf("StateLocation = %q, want suffix %q", cfg.StateLocation, DefaultStateFile)
	}
	if len(cfg.Sinks) != 1 || cfg.Sinks[0] != "stdout" {
		t.Errorf("Sinks = %v, want [stdout]", cfg.Sinks)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("REMOTE_PROTOCOL", "SFTP")
	t.Setenv("REMOTE_HOST", "files.example.com")
	t.Setenv("POLL_DELAY", "5")
	t.Setenv("PROCESS_IN_USE_TIMEOUT", "90s")
	t.Setenv("SINK", "stdout, broadcast")
	t.Setenv("COMPRESSION", "GZIP")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Remote.Protocol != ProtocolSFTP {
		t.Errorf("Protocol = %q, want sftp", cfg.Remote.Protocol)
	}
	if cfg.PollDelay != 5*time.Second {
		t.Errorf("PollDelay = %v, want 5s", cfg.PollDelay)
	}
	if cfg.InUseTimeout != 90*time.Second {
		t.Errorf("InUseTimeout = %v, want 90s", cfg.InUseTimeout)
	}
	if len(cfg.Sinks) != 2 || cfg.Sinks[1] != "broadcast" {
		t.Errorf("Sinks = %v", cfg.Sinks)
	}
	if cfg.Compression != "gzip" {
		t.Errorf("Compression = %q", cfg.Compression)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Remote:        Remote{Protocol: ProtocolFTP, Host: "ftp.example.com"},
			ChunkSize:     1024,
			MaxLineSize:   1024,
			StateBackend:  "file",
			StateLocation: "/tmp/state.json",
			Sinks:         []string{"stdout"},
			SinkFormat:    "json",
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing host", func(c *Config) { c.Remote.Host = "" }, "REMOTE_HOST"},
		{"unknown protocol", func(c *Config) { c.Remote.Protocol = "gopher" }, "REMOTE_PROTOCOL"},
		{"zero chunk", func(c *Config) { c.ChunkSize = 0 }, "CHUNK_SIZE"},
		{"bad compression", func(c *Config) { c.Compression = "bzip2" }, "COMPRESSION"},
		{"bad filter", func(c *Config) { c.FilterPattern = "(" }, "FILTER_PATTERN"},
		{"bad backend", func(c *Config) { c.StateBackend = "redis" }, "STATE_BACKEND"},
		{"file sink without path", func(c *Config) { c.Sinks = []string{"file"} }, "SINK_FILE"},
		{"negative delay", func(c *Config) { c.PollDelay = -time.Second }, "negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
