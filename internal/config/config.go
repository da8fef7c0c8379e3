// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Supported remote protocols.
const (
	ProtocolFTP   = "ftp"
	ProtocolFTPS  = "ftps"
	ProtocolSFTP  = "sftp"
	ProtocolS3    = "s3"
	ProtocolLocal = "local"
	ProtocolSMB   = "smb"
)

// DefaultStateFile is the state file name used when STATE_LOCATION is unset.
const DefaultStateFile = "default_file_track_status.json"

// Config holds all agent configuration.
type Config struct {
	// Logging
	LogLevel  string
	LogFormat string
	LogOutput string

	// Admin HTTP (health, metrics, status, SSE); empty disables it
	AdminAddr string

	Remote Remote

	// Discovery
	WorkingDirectory string
	Recursive        bool
	FilterPattern    string
	PollDelay        time.Duration
	ExtraDelay       time.Duration
	ProcessInUse     bool
	InUseTimeout     time.Duration

	// Reading
	FlushLines         bool
	ChunkSize          int
	MaxLineSize        int
	Compression        string
	DeleteOnCompletion bool

	// Persisted state
	StateBackend  string // file, postgres, sqlite
	StateLocation string
	StateAgent    string

	// Sinks
	Sinks          []string // stdout, file, broadcast
	SinkFile       string
	SinkFormat     string // json, raw
	SinkMaxSizeMB  int
	SinkMaxBackups int
}

// Remote holds connection parameters for every supported transport.
type Remote struct {
	Protocol string
	Host     string
	Port     int
	User     string
	Password string
	Timeout  time.Duration

	// SFTP
	KeyFile       string
	KnownHosts    string
	StrictHostKey bool

	// FTPS
	ImplicitTLS        bool
	InsecureSkipVerify bool

	// S3
	S3Endpoint  string
	S3Bucket    string
	S3Region    string
	S3AccessKey string
	S3SecretKey string

	// local / smb
	LocalRoot    string
	SMBServer    string
	SMBMountPath string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	home, _ := os.UserHomeDir()

	cfg := &Config{
		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogFormat: envOr("LOG_FORMAT", "json"),
		LogOutput: envOr("LOG_OUTPUT", "stderr"),
		AdminAddr: envOr("ADMIN_ADDR", ":9090"),
		Remote: Remote{
			Protocol:           strings.ToLower(envOr("REMOTE_PROTOCOL", ProtocolFTP)),
			Host:               envOr("REMOTE_HOST", ""),
			Port:               envInt("REMOTE_PORT", 0),
			User:               envOr("REMOTE_USER", ""),
			Password:           envOr("REMOTE_PASSWORD", ""),
			Timeout:            envDuration("REMOTE_TIMEOUT", 30*time.Second),
			KeyFile:            envOr("REMOTE_KEY_FILE", ""),
			KnownHosts:         envOr("REMOTE_KNOWN_HOSTS", filepath.Join(home, ".ssh", "known_hosts")),
			StrictHostKey:      envBool("REMOTE_STRICT_HOST_KEY", true),
			ImplicitTLS:        envBool("FTPS_IMPLICIT", false),
			InsecureSkipVerify: envBool("FTPS_INSECURE_SKIP_VERIFY", false),
			S3Endpoint:         envOr("S3_ENDPOINT", ""),
			S3Bucket:           envOr("S3_BUCKET", ""),
			S3Region:           envOr("S3_REGION", "us-east-1"),
			S3AccessKey:        envOr("S3_ACCESS_KEY", ""),
			S3SecretKey:        envOr("S3_SECRET_KEY", ""),
			LocalRoot:          envOr("LOCAL_ROOT", ""),
			SMBServer:          envOr("SMB_SERVER", ""),
			SMBMountPath:       envOr("SMB_MOUNT_PATH", ""),
		},
		WorkingDirectory:   envOr("WORKING_DIRECTORY", "/"),
		Recursive:          envBool("SEARCH_RECURSIVE", true),
		FilterPattern:      envOr("FILTER_PATTERN", ""),
		PollDelay:          envDuration("POLL_DELAY", 10*time.Second),
		ExtraDelay:         envDuration("BACKOFF_EXTRA_DELAY", 10*time.Second),
		ProcessInUse:       envBool("PROCESS_IN_USE", true),
		InUseTimeout:       envDuration("PROCESS_IN_USE_TIMEOUT", 60*time.Second),
		FlushLines:         envBool("FLUSH_LINES", true),
		ChunkSize:          envInt("CHUNK_SIZE", 1024),
		MaxLineSize:        envInt("MAX_LINE_SIZE", 1024*1024),
		Compression:        strings.ToLower(envOr("COMPRESSION", "")),
		DeleteOnCompletion: envBool("DELETE_ON_COMPLETION", false),
		StateBackend:       strings.ToLower(envOr("STATE_BACKEND", "file")),
		StateLocation:      envOr("STATE_LOCATION", filepath.Join(os.TempDir(), DefaultStateFile)),
		StateAgent:         envOr("STATE_AGENT", "default"),
		Sinks:              envList("SINK", []string{"stdout"}),
		SinkFile:           envOr("SINK_FILE", ""),
		SinkFormat:         strings.ToLower(envOr("SINK_FORMAT", "json")),
		SinkMaxSizeMB:      envInt("SINK_MAX_SIZE_MB", 100),
		SinkMaxBackups:     envInt("SINK_MAX_BACKUPS", 5),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks for settings the agent cannot run with.
func (c *Config) Validate() error {
	switch c.Remote.Protocol {
	case ProtocolFTP, ProtocolFTPS, ProtocolSFTP:
		if c.Remote.Host == "" {
			return fmt.Errorf("REMOTE_HOST is required for protocol %s", c.Remote.Protocol)
		}
	case ProtocolS3:
		if c.Remote.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for protocol s3")
		}
	case ProtocolLocal:
		if c.Remote.LocalRoot == "" {
			return fmt.Errorf("LOCAL_ROOT is required for protocol local")
		}
	case ProtocolSMB:
		if c.Remote.SMBMountPath == "" {
			return fmt.Errorf("SMB_MOUNT_PATH is required for protocol smb")
		}
	default:
		return fmt.Errorf("unknown REMOTE_PROTOCOL: %q", c.Remote.Protocol)
	}

	if c.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.ChunkSize)
	}
	if c.MaxLineSize <= 0 {
		return fmt.Errorf("MAX_LINE_SIZE must be positive, got %d", c.MaxLineSize)
	}
	if c.Compression != "" && c.Compression != "gzip" {
		return fmt.Errorf("unsupported COMPRESSION: %q", c.Compression)
	}
	if c.PollDelay < 0 || c.ExtraDelay < 0 || c.InUseTimeout < 0 {
		return fmt.Errorf("delays and timeouts must not be negative")
	}
	if _, err := regexp.Compile(c.FilterPattern); err != nil {
		return fmt.Errorf("invalid FILTER_PATTERN: %w", err)
	}

	switch c.StateBackend {
	case "file", "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown STATE_BACKEND: %q", c.StateBackend)
	}
	if c.StateLocation == "" {
		return fmt.Errorf("STATE_LOCATION must not be empty")
	}

	for _, s := range c.Sinks {
		switch s {
		case "stdout", "broadcast":
		case "file":
			if c.SinkFile == "" {
				return fmt.Errorf("SINK_FILE is required for the file sink")
			}
		default:
			return fmt.Errorf("unknown SINK: %q", s)
		}
	}
	if c.SinkFormat != "json" && c.SinkFormat != "raw" {
		return fmt.Errorf("unknown SINK_FORMAT: %q", c.SinkFormat)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

// envDuration accepts Go duration strings ("90s") or bare seconds ("90").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
