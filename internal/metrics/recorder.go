package metrics

import "time"

// Recorder defines observability hooks for run, job, and daemon metrics.
// Implementations may forward to Prometheus, OpenTelemetry, etc. All
// methods must be safe on nil receivers so components can take an
// optional Recorder.
type Recorder interface {
	ObserveRunDuration(project, workflow, state string, d time.Duration)
	ObserveJobDuration(job, state string, d time.Duration)
	ObserveStepDuration(job, step string, d time.Duration)
	IncRunOutcome(project, state string) // state: succeeded|failed|canceled
	SetQueueDepth(n int)
	SetActiveRuns(n int)
	AddArtifactBytes(n int64)
	IncPublishUpload(outcome string) // outcome: published|skipped|failed
	IncWebhookRequest(status string) // status: accepted|rejected|ignored
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveRunDuration(string, string, string, time.Duration) {}
func (NoopRecorder) ObserveJobDuration(string, string, time.Duration)         {}
func (NoopRecorder) ObserveStepDuration(string, string, time.Duration)        {}
func (NoopRecorder) IncRunOutcome(string, string)                             {}
func (NoopRecorder) SetQueueDepth(int)                                        {}
func (NoopRecorder) SetActiveRuns(int)                                        {}
func (NoopRecorder) AddArtifactBytes(int64)                                   {}
func (NoopRecorder) IncPublishUpload(string)                                  {}
func (NoopRecorder) IncWebhookRequest(string)                                 {}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
