package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestSnapshot(t *testing.T) {
	c := New()
	c.IncFilesDiscovered()
	c.IncFilesProcessed()
	c.IncFilesModified()
	c.IncFilesFailed()
	c.IncSinkRejections()
	c.IncDeleteFailures()
	c.IncReconnects()
	c.IncBackoffs()
	c.RecordEvent(5)
	c.RecordEvent(7)
	c.SetTrackedFiles(3)
	c.RecordCycle(time.Second, true)
	c.RecordCycle(time.Second, false)

	s := c.Snapshot()
	if s.FilesDiscovered != 1 || s.FilesProcessed != 1 || s.FilesModified != 1 || s.FilesFailed != 1 {
		t.Errorf("unexpected file counters %+v", s)
	}
	if s.SinkRejections != 1 || s.DeleteFailures != 1 || s.Reconnects != 1 || s.Backoffs != 1 {
		t.Errorf("unexpected failure counters %+v", s)
	}
	if s.Events != 2 || s.BytesProcessed != 12 || s.LastEventUnix == 0 {
		t.Errorf("unexpected event counters %+v", s)
	}
	if s.TrackedFiles != 3 {
		t.Errorf("TrackedFiles = %d, want 3", s.TrackedFiles)
	}
	if s.Cycles != 1 {
		t.Errorf("Cycles = %d, want only successful cycles counted", s.Cycles)
	}
}

func TestNilCountersAreSafe(t *testing.T) {
	var c *Counters
	c.IncFilesDiscovered()
	c.IncReconnects()
	c.RecordEvent(1)
	c.SetTrackedFiles(1)
	c.RecordCycle(time.Second, true)
	c.RecordTransportOp("ftp", "list", time.Second, nil)
	if s := c.Snapshot(); s != (Snapshot{}) {
		t.Errorf("nil snapshot = %+v", s)
	}
}

func TestRegister(t *testing.T) {
	c := New()
	reg := prometheus.NewRegistry()
	if err := c.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := c.Register(reg); err == nil {
		t.Error("registering twice should fail")
	}

	c.RecordTransportOp("sftp", "list", 10*time.Millisecond, nil)
	c.RecordTransportOp("sftp", "list", 10*time.Millisecond, errors.New("boom"))
	var m dto.Metric
	if err := c.transportOps.WithLabelValues("sftp", "list", "error").Write(&m); err != nil {
		t.Fatal(err)
	}
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("error ops = %v, want 1", got)
	}

	c.IncBackoffs()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "remotetail_backoffs_total" {
			found = true
			if v := mf.GetMetric()[0].GetCounter().GetValue(); v != 1 {
				t.Errorf("backoffs_total = %v, want 1", v)
			}
		}
	}
	if !found {
		t.Error("remotetail_backoffs_total not gathered")
	}
}
