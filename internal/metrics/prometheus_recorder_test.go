package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusRecorderCounts(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)

	pr.IncJobDispatched("dev0")
	pr.IncJobDispatched("dev0")
	pr.IncJobOutcome("Success")
	pr.IncStageResult("recon", ResultFailed)
	pr.ObserveStageDuration("recon", 90*time.Second)
	pr.SetQueueDepth(4)
	pr.SetDevicesBusy(2)

	if got := testutil.ToFloat64(pr.jobsDispatched.WithLabelValues("dev0")); got != 2 {
		t.Fatalf("dispatched = %v, want 2", got)
	}
	if got := testutil.ToFloat64(pr.jobOutcomes.WithLabelValues("Success")); got != 1 {
		t.Fatalf("outcomes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(pr.queueDepth); got != 4 {
		t.Fatalf("queue depth = %v, want 4", got)
	}
	if n := testutil.CollectAndCount(pr.stageDuration); n != 1 {
		t.Fatalf("expected one stage histogram series, got %d", n)
	}
}

func TestWriteTextfile(t *testing.T) {
	pr := NewPrometheusRecorder(nil)
	pr.IncJobOutcome("ReconstructionError")
	path := filepath.Join(t.TempDir(), "proc", "metrics.prom")

	if err := pr.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `ctbb_job_outcomes_total{kind="ReconstructionError"} 1`) {
		t.Fatalf("unexpected textfile:\n%s", data)
	}
}

func TestNoopRecorderSatisfiesInterface(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.IncJobDispatched("dev0")
	r.ObserveStageDuration("fetch", time.Second)
}
