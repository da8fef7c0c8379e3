// Package local provides a FileSystem over a directory on the local machine.
// Remote paths are slash-separated and resolved below the configured root.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/fruitsalade/remotetail/internal/metrics"
	"github.com/fruitsalade/remotetail/internal/remote"
)

// Config holds local filesystem transport settings.
type Config struct {
	RootPath string `json:"root_path"`
}

// Backend implements remote.FileSystem using the local filesystem.
type Backend struct {
	rootPath string
	typ      string
	metrics  *metrics.Counters

	mu        sync.Mutex
	connected bool
	cwd       string
}

// New creates a new local filesystem transport.
func New(cfg Config, m *metrics.Counters) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}
	return &Backend{
		rootPath: cfg.RootPath,
		typ:      "local",
		metrics:  m,
		cwd:      "/",
	}, nil
}

// WithType returns b reporting typ from Type. Used by wrappers such as smb.
func (b *Backend) WithType(typ string) *Backend {
	b.typ = typ
	return b
}

func (b *Backend) fullPath(p string) string {
	return filepath.Join(b.rootPath, filepath.FromSlash(path.Clean("/"+p)))
}

// Connect verifies that the root exists and is a directory.
func (b *Backend) Connect(_ context.Context) error {
	start := time.Now()
	info, err := os.Stat(b.rootPath)
	if err == nil && !info.IsDir() {
		err = fmt.Errorf("root path %s is not a directory", b.rootPath)
	}
	b.metrics.RecordTransportOp(b.typ, "connect", time.Since(start), err)
	if err != nil {
		return remote.NewConnectionError("connect", err)
	}

	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	return nil
}

// Disconnect marks the backend as disconnected.
func (b *Backend) Disconnect() error {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	return nil
}

// IsConnected reports whether Connect has succeeded since the last Disconnect.
func (b *Backend) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// List reads a directory. Symlinks are reported as such, not followed.
func (b *Backend) List(_ context.Context, dir string) ([]remote.Entry, error) {
	if !b.IsConnected() {
		return nil, remote.NewConnectionError("list", remote.ErrNotConnected)
	}

	start := time.Now()
	dirEntries, err := os.ReadDir(b.fullPath(dir))
	b.metrics.RecordTransportOp(b.typ, "list", time.Since(start), err)
	if err != nil {
		return nil, remote.NewConnectionError("list "+dir, err)
	}

	entries := make([]remote.Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		full := filepath.Join(b.fullPath(dir), de.Name())
		e := remote.Entry{
			Name:    de.Name(),
			Dir:     dir,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Handle:  full,
		}
		switch mode := info.Mode(); {
		case mode.IsDir():
			e.Kind = remote.KindDirectory
		case mode.IsRegular():
			e.Kind = remote.KindRegular
		case mode&os.ModeSymlink != 0:
			e.Kind = remote.KindSymlink
			e.LinkTarget, _ = os.Readlink(full)
		default:
			e.Kind = remote.KindUnknown
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ChangeDir checks that dir exists and records it as the working directory.
func (b *Backend) ChangeDir(_ context.Context, dir string) error {
	if !b.IsConnected() {
		return remote.NewConnectionError("chdir", remote.ErrNotConnected)
	}
	info, err := os.Stat(b.fullPath(dir))
	if err != nil {
		return remote.NewConnectionError("chdir "+dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("chdir %s: not a directory", dir)
	}
	b.mu.Lock()
	b.cwd = dir
	b.mu.Unlock()
	return nil
}

// Open reads a file starting at offset.
func (b *Backend) Open(_ context.Context, entry remote.Entry, offset int64) (io.ReadCloser, error) {
	if !b.IsConnected() {
		return nil, remote.NewConnectionError("open", remote.ErrNotConnected)
	}

	start := time.Now()
	f, err := os.Open(b.handlePath(entry))
	if err == nil && offset > 0 {
		if _, err = f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
		}
	}
	b.metrics.RecordTransportOp(b.typ, "open", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", entry.Path(), err)
	}
	return f, nil
}

// Finalize is a no-op for local files.
func (b *Backend) Finalize(_ context.Context) error { return nil }

// Delete removes a file.
func (b *Backend) Delete(_ context.Context, entry remote.Entry) error {
	start := time.Now()
	err := os.Remove(b.handlePath(entry))
	b.metrics.RecordTransportOp(b.typ, "delete", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("delete %s: %w", entry.Path(), err)
	}
	return nil
}

// Type returns "local", or the type set with WithType.
func (b *Backend) Type() string { return b.typ }

func (b *Backend) handlePath(entry remote.Entry) string {
	if p, ok := entry.Handle.(string); ok && p != "" {
		return p
	}
	return b.fullPath(entry.Path())
}
