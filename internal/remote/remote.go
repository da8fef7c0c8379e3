// Package remote defines the FileSystem interface the agent uses to reach a
// remote file server. Each transport (FTP, FTPS, SFTP, S3, local, SMB) lives
// in its own subpackage and is selected at construction time by package dial.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Kind classifies a directory entry.
type Kind int

const (
	KindUnknown Kind = iota
	KindDirectory
	KindRegular
	KindSymlink
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindRegular:
		return "regular"
	case KindSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// Entry describes one remote directory entry.
type Entry struct {
	Name    string
	Dir     string
	Size    int64
	ModTime time.Time
	Kind    Kind

	// LinkTarget is set for symlinks when the transport can resolve it.
	LinkTarget string

	// Handle is transport-specific data needed to open or delete the entry.
	Handle any
}

// Path returns the entry's full path, the key used in persisted state.
func (e Entry) Path() string {
	return JoinPath(e.Dir, e.Name)
}

// JoinPath joins a remote directory and a name with a single slash.
func JoinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return strings.TrimSuffix(dir, "/") + "/" + name
}

// FileSystem is the capability set every transport provides.
type FileSystem interface {
	// Connect establishes (or re-establishes) the session.
	Connect(ctx context.Context) error

	// Disconnect closes the session. It is safe to call when not connected.
	Disconnect() error

	// IsConnected reports whether a session is believed to be open.
	IsConnected() bool

	// List returns the entries of dir, including "." and ".." where the
	// server reports them.
	List(ctx context.Context, dir string) ([]Entry, error)

	// ChangeDir makes dir the session's working directory.
	ChangeDir(ctx context.Context, dir string) error

	// Open returns a stream of the entry's bytes starting at offset.
	Open(ctx context.Context, entry Entry, offset int64) (io.ReadCloser, error)

	// Finalize completes a transfer after its stream has been closed.
	// Transports without such a step return nil.
	Finalize(ctx context.Context) error

	// Delete removes the entry from the server.
	Delete(ctx context.Context, entry Entry) error

	// Type returns the transport identifier ("ftp", "sftp", "s3", ...).
	Type() string
}

// ErrNotConnected is returned by operations attempted without a session.
var ErrNotConnected = errors.New("not connected")

// ConnectionError marks a failure of the transport itself, as opposed to a
// problem with one file. It drives reconnection in the poll loop.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// NewConnectionError wraps err as a ConnectionError unless it already is one.
func NewConnectionError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return err
	}
	return &ConnectionError{Op: op, Err: err}
}

// IsConnectionError reports whether err is, or wraps, a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
