// Package poller runs the discovery cycle on a schedule and recovers from
// lost connections with a bounded reconnection state machine.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/remotetail/internal/crawler"
	"github.com/fruitsalade/remotetail/internal/logging"
	"github.com/fruitsalade/remotetail/internal/metrics"
	"github.com/fruitsalade/remotetail/internal/reader"
	"github.com/fruitsalade/remotetail/internal/remote"
	"github.com/fruitsalade/remotetail/internal/sink"
	"github.com/fruitsalade/remotetail/internal/state"
)

// MaxReconnectAttempts is the number of consecutive failed reconnections
// (or failed retries after a reconnection) before backing off.
const MaxReconnectAttempts = 3

// DefaultExtraDelay is added to the poll delay while backing off.
const DefaultExtraDelay = 10 * time.Second

// State is the connection state of the poll loop.
type State int

const (
	Connected State = iota
	Reconnecting
	BackingOff
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case BackingOff:
		return "backing_off"
	default:
		return "unknown"
	}
}

// Clock provides time and timers. Tests replace it.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Config holds the poll loop settings.
type Config struct {
	WorkingDirectory   string
	PollDelay          time.Duration
	ExtraDelay         time.Duration
	DeleteOnCompletion bool

	Crawler crawler.Options
	Reader  reader.Options
}

// Option configures a Poller.
type Option func(*Poller)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(p *Poller) { p.clock = c }
}

// Status is a point-in-time view of the poll loop.
type Status struct {
	State            string    `json:"state"`
	Transport        string    `json:"transport"`
	Connected        bool      `json:"connected"`
	WorkingDirectory string    `json:"working_directory"`
	ReconnectFailure int       `json:"reconnect_failures"`
	Cycles           uint64    `json:"cycles"`
	TrackedFiles     int       `json:"tracked_files"`
	LastCycle        time.Time `json:"last_cycle,omitzero"`
	LastError        string    `json:"last_error,omitempty"`
	StateLocation    string    `json:"state_location"`
}

// Poller owns the persisted state and drives discovery cycles.
type Poller struct {
	cfg     Config
	fs      remote.FileSystem
	store   state.Store
	reader  *reader.Reader
	metrics *metrics.Counters
	clock   Clock

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}

	// cycleMu is held for the whole of a cycle.
	cycleMu sync.Mutex

	filesMu sync.RWMutex
	files   state.Files

	mu        sync.Mutex
	state     State
	failures  int
	cycles    uint64
	lastCycle time.Time
	lastErr   string
}

// New creates a Poller. Setup (or Start/Run) must be called before cycling.
func New(cfg Config, fs remote.FileSystem, store state.Store, s sink.Sink, m *metrics.Counters, opts ...Option) *Poller {
	if cfg.WorkingDirectory == "" {
		cfg.WorkingDirectory = "/"
	}
	p := &Poller{
		cfg:     cfg,
		fs:      fs,
		store:   store,
		metrics: m,
		clock:   realClock{},
		files:   state.Files{},
		state:   Connected,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.cfg.Crawler.Now = p.clock.Now
	p.cfg.Reader.Now = p.clock.Now
	p.reader = reader.New(p.cfg.Reader, s, m)
	return p
}

// Setup loads persisted state and connects. A failed connection is logged
// and left to the reconnection logic of the first cycle.
func (p *Poller) Setup(ctx context.Context) error {
	files, err := p.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state from %s: %w", p.store.Location(), err)
	}
	p.setFiles(files)
	logging.Info("state loaded",
		zap.String("location", p.store.Location()),
		zap.Int("files", len(files)))

	if err := p.fs.Connect(ctx); err != nil {
		logging.Error("initial connection failed", zap.String("transport", p.fs.Type()), zap.Error(err))
	} else if err := p.fs.ChangeDir(ctx, p.cfg.WorkingDirectory); err != nil {
		logging.Warn("working directory not available",
			zap.String("dir", p.cfg.WorkingDirectory), zap.Error(err))
	}

	p.mu.Lock()
	p.state = Connected
	p.failures = 0
	p.mu.Unlock()
	return nil
}

// RunCycle walks the working directory once, reads every new or grown file,
// prunes vanished paths and saves the state. State is saved even when the
// cycle fails. The returned error is a remote.ConnectionError; per-file
// failures are logged and counted instead.
func (p *Poller) RunCycle(ctx context.Context) error {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	p.mu.Lock()
	p.cycles++
	id := p.cycles
	p.mu.Unlock()

	ctx = logging.WithCycle(ctx, id)
	log := logging.WithContext(ctx)
	start := p.clock.Now()

	err := p.cycle(ctx)
	if saveErr := p.save(ctx); saveErr != nil {
		log.Error("failed to save state", zap.Error(saveErr))
	}

	elapsed := p.clock.Now().Sub(start)
	p.metrics.RecordCycle(elapsed, err == nil)

	p.mu.Lock()
	p.lastCycle = p.clock.Now()
	if err != nil {
		p.lastErr = err.Error()
	} else {
		p.lastErr = ""
	}
	p.mu.Unlock()

	if err != nil {
		log.Warn("cycle failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		return err
	}
	log.Debug("cycle complete",
		zap.Duration("elapsed", elapsed),
		zap.Int("tracked", p.trackedCount()))
	return nil
}

func (p *Poller) cycle(ctx context.Context) error {
	log := logging.WithContext(ctx)
	c := crawler.New(p.fs, p.cfg.Crawler, p.metrics)

	snap, err := c.Crawl(ctx, p.cfg.WorkingDirectory, p.lookup, p.visit)
	if err != nil {
		if remote.IsConnectionError(err) {
			return err
		}
		return remote.NewConnectionError("crawl", err)
	}

	p.filesMu.Lock()
	removed := crawler.Prune(p.files, snap)
	tracked := len(p.files)
	p.filesMu.Unlock()

	for _, path := range removed {
		log.Info("file no longer present, removed from state", logging.Path(path))
	}
	p.metrics.SetTrackedFiles(tracked)
	return nil
}

func (p *Poller) lookup(path string) (int64, bool) {
	p.filesMu.RLock()
	defer p.filesMu.RUnlock()
	size, ok := p.files[path]
	return size, ok
}

func (p *Poller) visit(ctx context.Context, d crawler.Discovery) error {
	log := logging.WithContext(ctx).With(logging.Path(d.Path))

	records, err := p.reader.Read(ctx, p.fs, d.Entry, d.Offset)
	if err != nil {
		if remote.IsConnectionError(err) {
			return err
		}
		p.metrics.IncFilesFailed()
		log.Error("failed to process file",
			zap.Int64("offset", d.Offset),
			zap.String("class", d.Class.String()),
			zap.Error(err))
		return nil
	}

	p.filesMu.Lock()
	p.files[d.Path] = d.Entry.Size
	tracked := len(p.files)
	p.filesMu.Unlock()
	p.metrics.SetTrackedFiles(tracked)

	if err := p.save(ctx); err != nil {
		log.Error("failed to save state", zap.Error(err))
	}

	if d.Class == crawler.ClassNew {
		p.metrics.IncFilesProcessed()
	} else {
		p.metrics.IncFilesModified()
	}
	log.Info("file processed",
		zap.String("class", d.Class.String()),
		zap.Int64("offset", d.Offset),
		zap.Int64("size", d.Entry.Size),
		zap.Int("records", records))

	if p.cfg.DeleteOnCompletion {
		if err := p.reader.Remove(ctx, p.fs, d.Entry); err != nil {
			p.metrics.IncDeleteFailures()
			p.metrics.IncFilesFailed()
			log.Error("delete after read failed; file will not be re-read", zap.Error(err))
		}
	}
	return nil
}

// Step performs one transition of the state machine and returns how long
// to wait before the next one. Zero means continue immediately.
func (p *Poller) Step(ctx context.Context) time.Duration {
	switch p.State() {
	case Connected:
		err := p.RunCycle(ctx)
		if err == nil {
			return p.cfg.PollDelay
		}
		logging.Warn("connection lost, reconnecting", zap.Error(err))
		p.setState(Reconnecting)
		return 0

	case Reconnecting:
		if err := p.reconnect(ctx); err != nil {
			logging.Error("reconnection failed", zap.Error(err))
			p.fail()
			return 0
		}
		if err := p.RunCycle(ctx); err != nil {
			logging.Error("cycle failed after reconnection", zap.Error(err))
			p.fail()
			return 0
		}
		p.mu.Lock()
		p.failures = 0
		p.state = Connected
		p.mu.Unlock()
		return p.cfg.PollDelay

	case BackingOff:
		p.metrics.IncBackoffs()
		wait := p.cfg.PollDelay + p.cfg.ExtraDelay
		logging.Error("reached reconnection limit, backing off",
			zap.Int("attempts", MaxReconnectAttempts),
			zap.Duration("wait", wait))
		p.mu.Lock()
		p.failures = 0
		p.state = Connected
		p.mu.Unlock()
		return wait

	default:
		return p.cfg.PollDelay
	}
}

// fail counts a failed recovery attempt and backs off at the limit.
func (p *Poller) fail() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures++
	if p.failures >= MaxReconnectAttempts {
		p.state = BackingOff
	}
}

// reconnect re-establishes the session, reloads persisted state and checks
// the working directory.
func (p *Poller) reconnect(ctx context.Context) error {
	p.fs.Disconnect()
	if err := p.fs.Connect(ctx); err != nil {
		return err
	}
	p.metrics.IncReconnects()

	files, err := p.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("reload state: %w", err)
	}
	p.setFiles(files)

	if err := p.fs.ChangeDir(ctx, p.cfg.WorkingDirectory); err != nil {
		return fmt.Errorf("working directory %s: %w", p.cfg.WorkingDirectory, err)
	}
	logging.Info("reconnected", zap.String("transport", p.fs.Type()))
	return nil
}

// Run sets up the poller and cycles until ctx is cancelled, then saves
// state and disconnects. A cycle in progress is allowed to finish.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.Setup(ctx); err != nil {
		return err
	}
	p.loop(ctx)
	return p.shutdown()
}

// RunOnce sets up the poller, runs a single cycle without reconnection
// handling, then saves state and disconnects.
func (p *Poller) RunOnce(ctx context.Context) error {
	if err := p.Setup(ctx); err != nil {
		return err
	}
	cycleErr := p.RunCycle(ctx)
	return errors.Join(cycleErr, p.shutdown())
}

func (p *Poller) loop(ctx context.Context) {
	cycleCtx := context.WithoutCancel(ctx)
	for ctx.Err() == nil {
		wait := p.Step(cycleCtx)
		if wait <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
		case <-p.clock.After(wait):
		}
	}
}

func (p *Poller) shutdown() error {
	// Wait for any cycle started through RunCycle.
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	ctx := context.Background()
	var errs []error
	if err := p.save(ctx); err != nil {
		errs = append(errs, fmt.Errorf("save state: %w", err))
	}
	if err := p.fs.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("disconnect: %w", err))
	}
	logging.Info("poller stopped", zap.Int("tracked", p.trackedCount()))
	return errors.Join(errs...)
}

// Start runs the poller in the background.
func (p *Poller) Start(ctx context.Context) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if p.done != nil {
		return errors.New("poller already running")
	}
	if err := p.Setup(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done

	go func() {
		defer close(done)
		p.loop(runCtx)
	}()
	logging.Info("poller started",
		zap.String("transport", p.fs.Type()),
		zap.String("dir", p.cfg.WorkingDirectory),
		zap.Duration("poll_delay", p.cfg.PollDelay))
	return nil
}

// Stop interrupts the wait between cycles, lets a running cycle finish,
// saves state and disconnects.
func (p *Poller) Stop() error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if p.done == nil {
		return nil
	}
	p.cancel()
	<-p.done
	p.cancel = nil
	p.done = nil
	return p.shutdown()
}

func (p *Poller) save(ctx context.Context) error {
	p.filesMu.RLock()
	files := p.files.Clone()
	p.filesMu.RUnlock()
	return p.store.Save(ctx, files)
}

func (p *Poller) setFiles(files state.Files) {
	p.filesMu.Lock()
	p.files = files.Clone()
	n := len(p.files)
	p.filesMu.Unlock()
	p.metrics.SetTrackedFiles(n)
}

func (p *Poller) trackedCount() int {
	p.filesMu.RLock()
	defer p.filesMu.RUnlock()
	return len(p.files)
}

func (p *Poller) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// State returns the current connection state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Files returns a copy of the tracked files.
func (p *Poller) Files() state.Files {
	p.filesMu.RLock()
	defer p.filesMu.RUnlock()
	return p.files.Clone()
}

// Status reports the loop's current state.
func (p *Poller) Status() Status {
	p.mu.Lock()
	st := Status{
		State:            p.state.String(),
		ReconnectFailure: p.failures,
		Cycles:           p.cycles,
		LastCycle:        p.lastCycle,
		LastError:        p.lastErr,
	}
	p.mu.Unlock()

	st.Transport = p.fs.Type()
	st.Connected = p.fs.IsConnected()
	st.WorkingDirectory = p.cfg.WorkingDirectory
	st.TrackedFiles = p.trackedCount()
	st.StateLocation = p.store.Location()
	return st
}
