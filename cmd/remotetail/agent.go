package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fruitsalade/remotetail/internal/admin"
	"github.com/fruitsalade/remotetail/internal/config"
	"github.com/fruitsalade/remotetail/internal/crawler"
	"github.com/fruitsalade/remotetail/internal/logging"
	"github.com/fruitsalade/remotetail/internal/metrics"
	"github.com/fruitsalade/remotetail/internal/poller"
	"github.com/fruitsalade/remotetail/internal/reader"
	"github.com/fruitsalade/remotetail/internal/remote/dial"
	"github.com/fruitsalade/remotetail/internal/sink"
	"github.com/fruitsalade/remotetail/internal/state"
)

// agent is one fully wired poll loop plus the resources it owns.
type agent struct {
	cfg         *config.Config
	counters    *metrics.Counters
	registry    *prometheus.Registry
	store       state.Store
	broadcaster *sink.Broadcaster
	poller      *poller.Poller

	closers []io.Closer
}

func newAgent(ctx context.Context, cfg *config.Config) (*agent, error) {
	a := &agent{
		cfg:      cfg,
		counters: metrics.New(),
		registry: prometheus.NewRegistry(),
	}
	if err := a.counters.Register(a.registry); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	fs, err := dial.New(ctx, cfg.Remote, a.counters)
	if err != nil {
		return nil, err
	}

	store, err := state.Open(cfg.StateBackend, cfg.StateLocation, cfg.StateAgent)
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store)

	out, err := a.buildSink()
	if err != nil {
		a.Close()
		return nil, err
	}

	var filter *regexp.Regexp
	if cfg.FilterPattern != "" {
		filter = regexp.MustCompile(cfg.FilterPattern)
	}
	mode := reader.Chunks
	if cfg.FlushLines {
		mode = reader.Lines
	}

	a.poller = poller.New(poller.Config{
		WorkingDirectory:   cfg.WorkingDirectory,
		PollDelay:          cfg.PollDelay,
		ExtraDelay:         cfg.ExtraDelay,
		DeleteOnCompletion: cfg.DeleteOnCompletion,
		Crawler: crawler.Options{
			Recursive:    cfg.Recursive,
			Filter:       filter,
			ProcessInUse: cfg.ProcessInUse,
			InUseTimeout: cfg.InUseTimeout,
		},
		Reader: reader.Options{
			Mode:        mode,
			ChunkSize:   cfg.ChunkSize,
			MaxLineSize: cfg.MaxLineSize,
			Compression: cfg.Compression,
		},
	}, fs, store, out, a.counters)
	return a, nil
}

func (a *agent) buildSink() (sink.Sink, error) {
	var sinks sink.Multi
	for _, name := range a.cfg.Sinks {
		switch name {
		case "stdout":
			w, err := sink.NewWriter(os.Stdout, a.cfg.SinkFormat)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, w)
		case "file":
			w, err := sink.NewRotatingFile(a.cfg.SinkFile, a.cfg.SinkMaxSizeMB, a.cfg.SinkMaxBackups, a.cfg.SinkFormat)
			if err != nil {
				return nil, err
			}
			a.closers = append(a.closers, w)
			sinks = append(sinks, w)
		case "broadcast":
			a.broadcaster = sink.NewBroadcaster()
			sinks = append(sinks, a.broadcaster)
		default:
			return nil, fmt.Errorf("unknown sink: %s", name)
		}
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

// serveAdmin starts the admin server in the background if an address is
// configured. The returned function shuts it down.
func (a *agent) serveAdmin() func() {
	if a.cfg.AdminAddr == "" {
		return func() {}
	}
	srv := admin.NewServer(a.poller, a.counters, a.registry, a.broadcaster)
	go func() {
		if err := srv.ListenAndServe(a.cfg.AdminAddr); err != nil {
			logging.Error("admin server failed", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logging.Warn("admin server shutdown", zap.Error(err))
		}
	}
}

// Close releases the state store and file sinks.
func (a *agent) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
