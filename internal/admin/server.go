// Package admin serves health, metrics, status and a live event stream over
// HTTP.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fruitsalade/remotetail/internal/logging"
	"github.com/fruitsalade/remotetail/internal/metrics"
	"github.com/fruitsalade/remotetail/internal/poller"
	"github.com/fruitsalade/remotetail/internal/sink"
	"github.com/fruitsalade/remotetail/internal/state"
)

// Source is the poll loop as seen by the admin server.
type Source interface {
	Status() poller.Status
	Files() state.Files
}

// Server is the admin HTTP server.
type Server struct {
	source      Source
	counters    *metrics.Counters
	gatherer    prometheus.Gatherer
	broadcaster *sink.Broadcaster
	started     time.Time

	httpServer *http.Server
}

// NewServer creates a server. broadcaster may be nil, in which case the
// event stream endpoint is not registered.
func NewServer(src Source, counters *metrics.Counters, gatherer prometheus.Gatherer, broadcaster *sink.Broadcaster) *Server {
	return &Server{
		source:      src,
		counters:    counters,
		gatherer:    gatherer,
		broadcaster: broadcaster,
		started:     time.Now(),
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler(s.gatherer))
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/files", s.handleFiles)
	if s.broadcaster != nil {
		mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	}
	return logging.Middleware(mux)
}

// ListenAndServe serves on addr until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logging.Info("admin server listening", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server. Open event streams are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return s.httpServer.Close()
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.source.Status()
	code := http.StatusOK
	status := "ok"
	if st.State != poller.Connected.String() {
		code = http.StatusServiceUnavailable
		status = st.State
	}
	s.sendJSON(w, code, map[string]string{"status": status})
}

type statusResponse struct {
	poller.Status
	Uptime   string           `json:"uptime"`
	Counters metrics.Snapshot `json:"counters"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, statusResponse{
		Status:   s.source.Status(),
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Counters: s.counters.Snapshot(),
	})
}

type fileResponse struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// handleFiles lists tracked files, optionally limited to a path prefix.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	files := s.source.Files()
	prefix := r.URL.Query().Get("prefix")

	out := make([]fileResponse, 0, len(files))
	for _, p := range files.Paths() {
		if prefix != "" && !strings.HasPrefix(p, prefix) {
			continue
		}
		out = append(out, fileResponse{Path: p, Size: files[p]})
	}
	s.sendJSON(w, http.StatusOK, out)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := sink.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: record\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, map[string]any{"error": message, "code": code})
}
