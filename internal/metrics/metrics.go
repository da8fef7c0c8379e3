// Package metrics holds the agent's counters and exports them to Prometheus.
//
// Counters is an explicit object owned by the poll loop rather than package
// globals, so tests can inspect it deterministically. All methods are safe on
// a nil receiver.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "remotetail"

// Counters tracks discovery, processing and transport activity.
type Counters struct {
	filesDiscovered atomic.Int64
	filesProcessed  atomic.Int64
	filesModified   atomic.Int64
	filesFailed     atomic.Int64
	events          atomic.Int64
	bytesProcessed  atomic.Int64
	sinkRejections  atomic.Int64
	deleteFailures  atomic.Int64
	reconnects      atomic.Int64
	backoffs        atomic.Int64
	cycles          atomic.Int64
	trackedFiles    atomic.Int64
	lastEventUnix   atomic.Int64

	cycleDuration     *prometheus.HistogramVec
	transportOps      *prometheus.CounterVec
	transportDuration *prometheus.HistogramVec
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	FilesDiscovered int64 `json:"files_discovered"`
	FilesProcessed  int64 `json:"files_processed"`
	FilesModified   int64 `json:"files_modified"`
	FilesFailed     int64 `json:"files_failed"`
	Events          int64 `json:"events"`
	BytesProcessed  int64 `json:"bytes_processed"`
	SinkRejections  int64 `json:"sink_rejections"`
	DeleteFailures  int64 `json:"delete_failures"`
	Reconnects      int64 `json:"reconnects"`
	Backoffs        int64 `json:"backoffs"`
	Cycles          int64 `json:"cycles"`
	TrackedFiles    int64 `json:"tracked_files"`
	LastEventUnix   int64 `json:"last_event_unix,omitempty"`
}

// New creates an empty Counters.
func New() *Counters {
	return &Counters{
		cycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of discovery cycles in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		transportOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transport_operations_total",
				Help:      "Total remote transport operations",
			},
			[]string{"transport", "operation", "status"},
		),
		transportDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transport_operation_duration_seconds",
				Help:      "Remote transport operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"transport", "operation"},
		),
	}
}

// Register exposes the counters on reg.
func (c *Counters) Register(reg prometheus.Registerer) error {
	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(
			prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help},
			func() float64 { return float64(v.Load()) },
		)
	}
	collectors := []prometheus.Collector{
		counter("files_discovered_total", "Files seen for the first time", &c.filesDiscovered),
		counter("files_processed_total", "New files read from offset zero", &c.filesProcessed),
		counter("files_modified_total", "Grown files whose delta was read", &c.filesModified),
		counter("files_failed_total", "Per-file processing failures", &c.filesFailed),
		counter("events_total", "Records handed to the sink", &c.events),
		counter("bytes_processed_total", "Record bytes handed to the sink", &c.bytesProcessed),
		counter("sink_rejections_total", "Records the sink refused", &c.sinkRejections),
		counter("delete_failures_total", "Failed delete-on-completion attempts", &c.deleteFailures),
		counter("reconnects_total", "Successful reconnections", &c.reconnects),
		counter("backoffs_total", "Times the reconnection bound was reached", &c.backoffs),
		counter("cycles_total", "Completed discovery cycles", &c.cycles),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: namespace, Name: "tracked_files", Help: "Paths held in persisted state"},
			func() float64 { return float64(c.trackedFiles.Load()) },
		),
		c.cycleDuration,
		c.transportOps,
		c.transportDuration,
	}
	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns the Prometheus HTTP handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (c *Counters) IncFilesDiscovered() {
	if c != nil {
		c.filesDiscovered.Add(1)
	}
}

func (c *Counters) IncFilesProcessed() {
	if c != nil {
		c.filesProcessed.Add(1)
	}
}

func (c *Counters) IncFilesModified() {
	if c != nil {
		c.filesModified.Add(1)
	}
}

func (c *Counters) IncFilesFailed() {
	if c != nil {
		c.filesFailed.Add(1)
	}
}

func (c *Counters) IncSinkRejections() {
	if c != nil {
		c.sinkRejections.Add(1)
	}
}

func (c *Counters) IncDeleteFailures() {
	if c != nil {
		c.deleteFailures.Add(1)
	}
}

func (c *Counters) IncReconnects() {
	if c != nil {
		c.reconnects.Add(1)
	}
}

func (c *Counters) IncBackoffs() {
	if c != nil {
		c.backoffs.Add(1)
	}
}

// RecordEvent counts one record of size bytes handed to the sink.
func (c *Counters) RecordEvent(size int) {
	if c == nil {
		return
	}
	c.events.Add(1)
	c.bytesProcessed.Add(int64(size))
	c.lastEventUnix.Store(time.Now().Unix())
}

// SetTrackedFiles sets the number of paths in persisted state.
func (c *Counters) SetTrackedFiles(n int) {
	if c != nil {
		c.trackedFiles.Store(int64(n))
	}
}

// RecordCycle records a finished cycle.
func (c *Counters) RecordCycle(duration time.Duration, success bool) {
	if c == nil {
		return
	}
	status := "success"
	if success {
		c.cycles.Add(1)
	} else {
		status = "error"
	}
	c.cycleDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordTransportOp records one remote operation.
func (c *Counters) RecordTransportOp(transport, operation string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.transportOps.WithLabelValues(transport, operation, status).Inc()
	c.transportDuration.WithLabelValues(transport, operation).Observe(duration.Seconds())
}

// Snapshot returns the current counter values.
func (c *Counters) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	return Snapshot{
		FilesDiscovered: c.filesDiscovered.Load(),
		FilesProcessed:  c.filesProcessed.Load(),
		FilesModified:   c.filesModified.Load(),
		FilesFailed:     c.filesFailed.Load(),
		Events:          c.events.Load(),
		BytesProcessed:  c.bytesProcessed.Load(),
		SinkRejections:  c.sinkRejections.Load(),
		DeleteFailures:  c.deleteFailures.Load(),
		Reconnects:      c.reconnects.Load(),
		Backoffs:        c.backoffs.Load(),
		Cycles:          c.cycles.Load(),
		TrackedFiles:    c.trackedFiles.Load(),
		LastEventUnix:   c.lastEventUnix.Load(),
	}
}
