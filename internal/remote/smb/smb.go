// Package smb provides an SMB/CIFS network share transport.
// The share must be pre-mounted on the OS (via mount.cifs or fstab).
// This transport delegates to the local transport at the mount path.
package smb

import (
	"fmt"

	"github.com/fruitsalade/remotetail/internal/metrics"
	"github.com/fruitsalade/remotetail/internal/remote/local"
)

// Config holds SMB transport settings.
// Server is kept for log output; I/O goes through MountPath.
type Config struct {
	Server    string `json:"server"`     // SMB server path (e.g., //server/share)
	MountPath string `json:"mount_path"` // Local mount point where share is mounted
}

// Backend wraps a local.Backend at the SMB mount point.
type Backend struct {
	*local.Backend
	config Config
}

// New creates a new SMB transport from the given config.
func New(cfg Config, m *metrics.Counters) (*Backend, error) {
	if cfg.MountPath == "" {
		return nil, fmt.Errorf("mount_path is required")
	}

	lb, err := local.New(local.Config{RootPath: cfg.MountPath}, m)
	if err != nil {
		return nil, fmt.Errorf("smb transport at %s: %w", cfg.MountPath, err)
	}

	return &Backend{
		Backend: lb.WithType("smb"),
		config:  cfg,
	}, nil
}

// Server returns the configured share name.
func (b *Backend) Server() string { return b.config.Server }
