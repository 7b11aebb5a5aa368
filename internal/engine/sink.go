package engine

import "context"

// Sink receives run lifecycle notifications as the engine progresses. Job
// callbacks fire from node goroutines, so implementations must be safe for
// concurrent use and must not block for long; the engine calls them inline.
type Sink interface {
	RunStarted(ctx context.Context, run *Run)
	JobStarted(ctx context.Context, run *Run, job string)
	JobFinished(ctx context.Context, run *Run, job *JobResult)
	RunFinished(ctx context.Context, run *Run)
}

// NopSink discards all notifications.
type NopSink struct{}

func (NopSink) RunStarted(context.Context, *Run)              {}
func (NopSink) JobStarted(context.Context, *Run, string)      {}
func (NopSink) JobFinished(context.Context, *Run, *JobResult) {}
func (NopSink) RunFinished(context.Context, *Run)             {}

// MultiSink fans notifications out to every sink in order.
type MultiSink []Sink

func (m MultiSink) RunStarted(ctx context.Context, run *Run) {
	for _, s := range m {
		s.RunStarted(ctx, run)
	}
}

func (m MultiSink) JobStarted(ctx context.Context, run *Run, job string) {
	for _, s := range m {
		s.JobStarted(ctx, run, job)
	}
}

func (m MultiSink) JobFinished(ctx context.Context, run *Run, job *JobResult) {
	for _, s := range m {
		s.JobFinished(ctx, run, job)
	}
}

func (m MultiSink) RunFinished(ctx context.Context, run *Run) {
	for _, s := range m {
		s.RunFinished(ctx, run)
	}
}
