// Package state persists the last recorded size of every tracked remote file
// so the agent resumes where it left off after a restart.
package state

import (
	"context"
	"fmt"
	"maps"
	"slices"
)

// Files maps a full remote path to the size recorded at its last successful
// read.
type Files map[string]int64

// Clone returns an independent copy of f.
func (f Files) Clone() Files {
	if f == nil {
		return Files{}
	}
	return maps.Clone(f)
}

// Paths returns the tracked paths in sorted order.
func (f Files) Paths() []string {
	return slices.Sorted(maps.Keys(f))
}

func (f Files) validate() error {
	for p, size := range f {
		if p == "" {
			return fmt.Errorf("empty path in state")
		}
		if size < 0 {
			return fmt.Errorf("negative size %d for %s", size, p)
		}
	}
	return nil
}

// Store loads and saves the full Files map. Save replaces the previous
// contents atomically.
type Store interface {
	Load(ctx context.Context) (Files, error)
	Save(ctx context.Context, files Files) error
	Close() error

	// Location describes where state is kept, for logs.
	Location() string
}

// Backend names accepted by Open.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Open returns the store for backend. location is a file path for the file
// and sqlite backends and a connection string for postgres. agent scopes rows
// in the SQL backends so several agents can share one database.
func Open(backend, location, agent string) (Store, error) {
	switch backend {
	case BackendFile, "":
		return NewFileStore(location)
	case BackendPostgres:
		return OpenPostgres(location, agent)
	case BackendSQLite:
		return OpenSQLite(location, agent)
	default:
		return nil, fmt.Errorf("unknown state backend: %s", backend)
	}
}
