package metrics

import "time"

type testRecorder struct {
	runDurations int
	jobDurations map[string]int
	runOutcomes  map[string]int
	queueDepth   int
}

func newTestRecorder() *testRecorder {
	return &testRecorder{jobDurations: map[string]int{}, runOutcomes: map[string]int{}}
}

func (t *testRecorder) ObserveRunDuration(_, _, _ string, _ time.Duration) { t.runDurations++ }
func (t *testRecorder) ObserveJobDuration(job, _ string, _ time.Duration) {
	t.jobDurations[job]++
}
func (t *testRecorder) ObserveStepDuration(_, _ string, _ time.Duration) {}
func (t *testRecorder) IncRunOutcome(_, state string)                    { t.runOutcomes[state]++ }
func (t *testRecorder) SetQueueDepth(n int)                              { t.queueDepth = n }
func (t *testRecorder) SetActiveRuns(int)                                {}
func (t *testRecorder) AddArtifactBytes(int64)                           {}
func (t *testRecorder) IncPublishUpload(string)                          {}
func (t *testRecorder) IncWebhookRequest(string)                         {}

var _ Recorder = (*testRecorder)(nil)
var _ Recorder = NoopRecorder{}
