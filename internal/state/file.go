package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const fileVersion = 1

type fileDocument struct {
	Version int   `json:"version"`
	Files   Files `json:"files"`
}

// FileStore keeps state in a JSON document on the local disk.
type FileStore struct {
	path string
}

// NewFileStore returns a store writing to path. The directory is created on
// the first Save.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("state file path cannot be empty")
	}
	return &FileStore{path: path}, nil
}

// Location returns the file path.
func (s *FileStore) Location() string { return s.path }

// Load reads the document. A missing file yields empty state.
func (s *FileStore) Load(_ context.Context) (Files, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Files{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode state file %s: %w", s.path, err)
	}
	if doc.Version != fileVersion {
		return nil, fmt.Errorf("state file %s: unsupported version %d", s.path, doc.Version)
	}
	if err := doc.Files.validate(); err != nil {
		return nil, fmt.Errorf("state file %s: %w", s.path, err)
	}
	if doc.Files == nil {
		doc.Files = Files{}
	}
	return doc.Files, nil
}

// Save writes files to a temp file in the same directory, syncs it and
// renames it over the target.
func (s *FileStore) Save(_ context.Context, files Files) error {
	if err := files.validate(); err != nil {
		return err
	}
	if files == nil {
		files = Files{}
	}

	data, err := json.MarshalIndent(fileDocument{Version: fileVersion, Files: files}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }
