package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveStage("ChunkAudio", true, time.Second)
	m.ObserveStage("ChunkAudio", false, time.Second)
	m.Attempt("ChunkAudio")
	m.Attempt("ChunkAudio")
	m.InFlight("DiarizeChunks", 1)
	m.Trigger("started")

	if got := testutil.ToFloat64(m.StageInvocations.WithLabelValues("ChunkAudio", "failure")); got != 1 {
		t.Fatalf("failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.WorkerAttempts.WithLabelValues("ChunkAudio")); got != 2 {
		t.Fatalf("attempts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.FanOutInFlight.WithLabelValues("DiarizeChunks")); got != 1 {
		t.Fatalf("in flight = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveStage("x", true, 0)
	m.Attempt("x")
	m.InFlight("x", 1)
	m.RunFinished("failed")
	m.Trigger("ignored")
	m.Reconciled("failed")
}
