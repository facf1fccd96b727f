package metrics

import "time"

// ResultLabel enumerates stage result categories for counters.
type ResultLabel string

const (
	ResultSuccess ResultLabel = "success"
	ResultFailed  ResultLabel = "failed"
	ResultSkipped ResultLabel = "skipped"
)

// Recorder receives scheduler and worker observations. Implementations must
// be safe for concurrent use; workers report from their own goroutines.
type Recorder interface {
	IncJobDispatched(device string)
	IncJobOutcome(kind string)
	ObserveStageDuration(stage string, d time.Duration)
	IncStageResult(stage string, result ResultLabel)
	SetQueueDepth(n int)
	SetDevicesBusy(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are disabled).
type NoopRecorder struct{}

func (NoopRecorder) IncJobDispatched(string)                    {}
func (NoopRecorder) IncJobOutcome(string)                       {}
func (NoopRecorder) ObserveStageDuration(string, time.Duration) {}
func (NoopRecorder) IncStageResult(string, ResultLabel)         {}
func (NoopRecorder) SetQueueDepth(int)                          {}
func (NoopRecorder) SetDevicesBusy(int)                         {}
