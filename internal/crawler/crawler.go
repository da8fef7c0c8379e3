// Package crawler walks a remote directory tree and classifies every regular
// file against the persisted state.
package crawler

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/remotetail/internal/logging"
	"github.com/fruitsalade/remotetail/internal/metrics"
	"github.com/fruitsalade/remotetail/internal/remote"
)

// Class is the outcome of comparing a listed file with its recorded size.
type Class int

const (
	ClassUnchanged Class = iota
	ClassNew
	ClassGrown
	ClassTruncated
)

func (c Class) String() string {
	switch c {
	case ClassNew:
		return "new"
	case ClassGrown:
		return "grown"
	case ClassTruncated:
		return "truncated"
	default:
		return "unchanged"
	}
}

// Classify compares the listed size with the recorded one.
func Classify(size, stored int64, known bool) Class {
	switch {
	case !known:
		return ClassNew
	case size > stored:
		return ClassGrown
	case size < stored:
		return ClassTruncated
	default:
		return ClassUnchanged
	}
}

// Discovery is a file that needs reading from Offset.
type Discovery struct {
	Path   string
	Entry  remote.Entry
	Class  Class
	Offset int64
}

// Snapshot is the set of regular-file paths seen during one walk.
type Snapshot map[string]struct{}

// Has reports whether p was seen.
func (s Snapshot) Has(p string) bool {
	_, ok := s[p]
	return ok
}

// Options controls what the walk visits.
type Options struct {
	Recursive bool

	// Filter is matched against entry names, directories included.
	// Nil matches everything.
	Filter *regexp.Regexp

	// ProcessInUse disables the in-use guard. When false, files modified
	// within InUseTimeout of Now are skipped for the cycle.
	ProcessInUse bool
	InUseTimeout time.Duration

	Now func() time.Time
}

// Lookup returns the recorded size of path.
type Lookup func(path string) (size int64, ok bool)

// Visit handles one New or Grown file. A returned error aborts the walk.
type Visit func(ctx context.Context, d Discovery) error

// Crawler walks one remote.FileSystem.
type Crawler struct {
	fs      remote.FileSystem
	opts    Options
	metrics *metrics.Counters
}

// New creates a crawler.
func New(fs remote.FileSystem, opts Options, m *metrics.Counters) *Crawler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Crawler{fs: fs, opts: opts, metrics: m}
}

// Crawl walks root depth-first, calling visit for each file that is new or
// has grown. It returns the paths of every eligible regular file seen,
// excluding truncated ones. Listing failures abort the walk with a
// remote.ConnectionError.
func (c *Crawler) Crawl(ctx context.Context, root string, lookup Lookup, visit Visit) (Snapshot, error) {
	snap := Snapshot{}
	if err := c.walk(ctx, root, lookup, visit, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (c *Crawler) walk(ctx context.Context, dir string, lookup Lookup, visit Visit, snap Snapshot) error {
	log := logging.WithContext(ctx)

	if err := c.fs.ChangeDir(ctx, dir); err != nil {
		return remote.NewConnectionError("chdir "+dir, err)
	}
	entries, err := c.fs.List(ctx, dir)
	if err != nil {
		return remote.NewConnectionError("list "+dir, err)
	}

	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		if c.opts.Filter != nil && !c.opts.Filter.MatchString(e.Name) {
			continue
		}

		switch e.Kind {
		case remote.KindDirectory:
			if c.opts.Recursive {
				if err := c.walk(ctx, e.Path(), lookup, visit, snap); err != nil {
					return err
				}
			}

		case remote.KindSymlink:
			log.Info("skipping symlink",
				logging.Path(e.Path()),
				zap.String("target", e.LinkTarget))

		case remote.KindRegular:
			if err := c.file(ctx, e, lookup, visit, snap); err != nil {
				return err
			}

		default:
			log.Debug("skipping entry of unknown type", logging.Path(e.Path()))
		}
	}
	return nil
}

func (c *Crawler) file(ctx context.Context, e remote.Entry, lookup Lookup, visit Visit, snap Snapshot) error {
	log := logging.WithContext(ctx)
	path := e.Path()

	if !c.opts.ProcessInUse && c.inUse(e) {
		log.Debug("file in use, skipping this cycle",
			logging.Path(path),
			zap.Time("mod_time", e.ModTime))
		return nil
	}

	snap[path] = struct{}{}

	stored, known := lookup(path)
	class := Classify(e.Size, stored, known)
	switch class {
	case ClassUnchanged:
		return nil

	case ClassTruncated:
		delete(snap, path)
		log.Info("file truncated, will be re-read from the start",
			logging.Path(path),
			zap.Int64("size", e.Size),
			zap.Int64("recorded", stored))
		return nil

	case ClassNew:
		c.metrics.IncFilesDiscovered()
		log.Info("discovered new file", logging.Path(path), zap.Int64("size", e.Size))
		stored = 0

	case ClassGrown:
		log.Info("file grew",
			logging.Path(path),
			zap.Int64("offset", stored),
			zap.Int64("size", e.Size))
	}

	if err := visit(ctx, Discovery{Path: path, Entry: e, Class: class, Offset: stored}); err != nil {
		return fmt.Errorf("visit %s: %w", path, err)
	}
	return nil
}

// inUse reports whether e was modified strictly after now minus the timeout.
func (c *Crawler) inUse(e remote.Entry) bool {
	return e.ModTime.After(c.opts.Now().Add(-c.opts.InUseTimeout))
}

// Prune deletes every key of files missing from snap and returns the removed
// paths in sorted order.
func Prune(files map[string]int64, snap Snapshot) []string {
	var removed []string
	for p := range files {
		if !snap.Has(p) {
			removed = append(removed, p)
		}
	}
	slices.Sort(removed)
	for _, p := range removed {
		delete(files, p)
	}
	return removed
}
