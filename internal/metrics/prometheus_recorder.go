package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// reconBuckets spans short stages (seconds) through long reconstructions (hours).
var reconBuckets = []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200, 14400}

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	registry       *prom.Registry
	jobsDispatched *prom.CounterVec
	jobOutcomes    *prom.CounterVec
	stageDuration  *prom.HistogramVec
	stageResults   *prom.CounterVec
	queueDepth     prom.Gauge
	devicesBusy    prom.Gauge
}

// NewPrometheusRecorder constructs and registers the metrics on reg, or on a
// fresh registry when reg is nil.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		registry: reg,
		jobsDispatched: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "ctbb",
			Name:      "jobs_dispatched_total",
			Help:      "Jobs handed to a worker, by device",
		}, []string{"device"}),
		jobOutcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "ctbb",
			Name:      "job_outcomes_total",
			Help:      "Finished jobs by outcome kind",
		}, []string{"kind"}),
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "ctbb",
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual worker stages",
			Buckets:   reconBuckets,
		}, []string{"stage"}),
		stageResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "ctbb",
			Name:      "stage_results_total",
			Help:      "Stage result counts by outcome",
		}, []string{"stage", "result"}),
		queueDepth: prom.NewGauge(prom.GaugeOpts{
			Namespace: "ctbb",
			Name:      "queue_depth",
			Help:      "Descriptors left in the queue after the last scheduler pass",
		}),
		devicesBusy: prom.NewGauge(prom.GaugeOpts{
			Namespace: "ctbb",
			Name:      "devices_busy",
			Help:      "Devices whose lock was held during the last scheduler pass",
		}),
	}
	reg.MustRegister(pr.jobsDispatched, pr.jobOutcomes, pr.stageDuration, pr.stageResults, pr.queueDepth, pr.devicesBusy)
	return pr
}

// Registry exposes the underlying registry.
func (p *PrometheusRecorder) Registry() *prom.Registry {
	return p.registry
}

func (p *PrometheusRecorder) IncJobDispatched(device string) {
	p.jobsDispatched.WithLabelValues(device).Inc()
}

func (p *PrometheusRecorder) IncJobOutcome(kind string) {
	p.jobOutcomes.WithLabelValues(kind).Inc()
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncStageResult(stage string, result ResultLabel) {
	p.stageResults.WithLabelValues(stage, string(result)).Inc()
}

func (p *PrometheusRecorder) SetQueueDepth(n int) {
	p.queueDepth.Set(float64(n))
}

func (p *PrometheusRecorder) SetDevicesBusy(n int) {
	p.devicesBusy.Set(float64(n))
}

// WriteTextfile exports the registry in the node_exporter textfile format.
// The write goes through a temp file and rename.
func (p *PrometheusRecorder) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prom.WriteToTextfile(path, p.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
