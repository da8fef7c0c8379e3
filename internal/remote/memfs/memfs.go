// Package memfs is an in-memory remote.FileSystem for tests. It can inject
// connection failures and transfer errors.
package memfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fruitsalade/remotetail/internal/remote"
)

type node struct {
	data    []byte
	modTime time.Time
	kind    remote.Kind
	target  string
}

// FS is a thread-safe in-memory file tree rooted at "/".
type FS struct {
	mu        sync.Mutex
	nodes     map[string]*node
	connected bool
	cwd       string

	// ConnectFailures makes the next N Connect calls fail.
	ConnectFailures int
	// FailLists makes the next N List calls fail as a lost connection.
	FailLists int
	// FinalizeErr is returned (once) by the next Finalize.
	FinalizeErr error
	// DeleteErr is returned by every Delete while set.
	DeleteErr error
	// OpenErr maps a path to an error returned by Open.
	OpenErr map[string]error

	Connects  int
	Opens     []Open
	Finalizes int
	Deleted   []string
}

// Open records one Open call.
type Open struct {
	Path   string
	Offset int64
}

// New returns an empty FS with a root directory.
func New() *FS {
	return &FS{
		nodes: map[string]*node{"/": {kind: remote.KindDirectory}},
		cwd:   "/",
	}
}

func clean(p string) string {
	return path.Clean("/" + p)
}

func (f *FS) mkdirAllLocked(dir string) {
	for d := clean(dir); ; d = path.Dir(d) {
		if _, ok := f.nodes[d]; !ok {
			f.nodes[d] = &node{kind: remote.KindDirectory}
		}
		if d == "/" {
			return
		}
	}
}

// Mkdir creates dir and its parents.
func (f *FS) Mkdir(dir string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mkdirAllLocked(dir)
}

// WriteFile replaces the contents of p, creating parents as needed.
func (f *FS) WriteFile(p string, data []byte, modTime time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = clean(p)
	f.mkdirAllLocked(path.Dir(p))
	f.nodes[p] = &node{data: bytes.Clone(data), modTime: modTime, kind: remote.KindRegular}
}

// Append adds data to the end of p.
func (f *FS) Append(p string, data []byte, modTime time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = clean(p)
	n, ok := f.nodes[p]
	if !ok {
		f.mkdirAllLocked(path.Dir(p))
		n = &node{kind: remote.KindRegular}
		f.nodes[p] = n
	}
	n.data = append(n.data, data...)
	n.modTime = modTime
}

// Symlink creates a symlink at p pointing to target.
func (f *FS) Symlink(target, p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = clean(p)
	f.mkdirAllLocked(path.Dir(p))
	f.nodes[p] = &node{kind: remote.KindSymlink, target: target}
}

// Remove deletes p and everything below it.
func (f *FS) Remove(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p = clean(p)
	for k := range f.nodes {
		if k == p || strings.HasPrefix(k, p+"/") {
			delete(f.nodes, k)
		}
	}
}

// Exists reports whether p is present.
func (f *FS) Exists(p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.nodes[clean(p)]
	return ok
}

// Drop simulates a lost connection.
func (f *FS) Drop() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *FS) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Connects++
	if f.ConnectFailures > 0 {
		f.ConnectFailures--
		f.connected = false
		return remote.NewConnectionError("connect", errors.New("connection refused"))
	}
	f.connected = true
	return nil
}

func (f *FS) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *FS) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FS) List(_ context.Context, dir string) ([]remote.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, remote.NewConnectionError("list", remote.ErrNotConnected)
	}
	if f.FailLists > 0 {
		f.FailLists--
		f.connected = false
		return nil, remote.NewConnectionError("list "+dir, errors.New("connection reset by peer"))
	}

	d := clean(dir)
	n, ok := f.nodes[d]
	if !ok || n.kind != remote.KindDirectory {
		return nil, remote.NewConnectionError("list "+dir, fmt.Errorf("%s: no such directory", dir))
	}

	entries := []remote.Entry{
		{Name: ".", Dir: dir, Kind: remote.KindDirectory},
		{Name: "..", Dir: dir, Kind: remote.KindDirectory},
	}
	var names []string
	for k := range f.nodes {
		if k != "/" && path.Dir(k) == d {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	for _, k := range names {
		child := f.nodes[k]
		entries = append(entries, remote.Entry{
			Name:       path.Base(k),
			Dir:        dir,
			Size:       int64(len(child.data)),
			ModTime:    child.modTime,
			Kind:       child.kind,
			LinkTarget: child.target,
		})
	}
	return entries, nil
}

func (f *FS) ChangeDir(_ context.Context, dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return remote.NewConnectionError("chdir", remote.ErrNotConnected)
	}
	n, ok := f.nodes[clean(dir)]
	if !ok || n.kind != remote.KindDirectory {
		return fmt.Errorf("chdir %s: no such directory", dir)
	}
	f.cwd = clean(dir)
	return nil
}

func (f *FS) Open(_ context.Context, entry remote.Entry, offset int64) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, remote.NewConnectionError("open", remote.ErrNotConnected)
	}
	p := clean(entry.Path())
	f.Opens = append(f.Opens, Open{Path: p, Offset: offset})
	if err := f.OpenErr[p]; err != nil {
		return nil, err
	}
	n, ok := f.nodes[p]
	if !ok || n.kind != remote.KindRegular {
		return nil, fmt.Errorf("open %s: no such file", p)
	}
	if offset > int64(len(n.data)) {
		offset = int64(len(n.data))
	}
	return io.NopCloser(bytes.NewReader(bytes.Clone(n.data[offset:]))), nil
}

func (f *FS) Finalize(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Finalizes++
	err := f.FinalizeErr
	f.FinalizeErr = nil
	return err
}

func (f *FS) Delete(_ context.Context, entry remote.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return remote.NewConnectionError("delete", remote.ErrNotConnected)
	}
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	p := clean(entry.Path())
	delete(f.nodes, p)
	f.Deleted = append(f.Deleted, p)
	return nil
}

func (f *FS) Type() string { return "memfs" }

// Stats returns the recorded call counters under the lock.
func (f *FS) Stats() (connects, finalizes int, opens []Open) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connects, f.Finalizes, append([]Open(nil), f.Opens...)
}

// ResetOpens clears the recorded Open calls.
func (f *FS) ResetOpens() {
	f.mu.Lock()
	f.Opens = nil
	f.mu.Unlock()
}

// SetConnectFailures sets ConnectFailures under the lock.
func (f *FS) SetConnectFailures(n int) {
	f.mu.Lock()
	f.ConnectFailures = n
	f.mu.Unlock()
}

// SetFailLists sets FailLists under the lock.
func (f *FS) SetFailLists(n int) {
	f.mu.Lock()
	f.FailLists = n
	f.mu.Unlock()
}
