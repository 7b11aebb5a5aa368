package runstore

import (
	"context"
	"log/slog"

	"git.home.luguber.info/inful/conveyor/internal/engine"
	"git.home.luguber.info/inful/conveyor/internal/logfields"
)

// Sink records engine lifecycle notifications into the event log and keeps
// the history projection current. Store failures are logged and never fail
// a run; the run's own outcome does not depend on its bookkeeping.
type Sink struct {
	store      Store
	projection *HistoryProjection
	logger     *slog.Logger
}

// NewSink creates a sink writing to store. projection may be nil when no
// live read model is needed.
func NewSink(store Store, projection *HistoryProjection, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{store: store, projection: projection, logger: logger}
}

// RunQueued records acceptance into the queue. It is called by the queue
// before a worker owns the run, so it is not part of the engine Sink
// interface.
func (s *Sink) RunQueued(ctx context.Context, runID string, p RunQueuedPayload) {
	ev, err := NewRunQueued(runID, p)
	if err != nil {
		s.logger.Warn("failed to build run event", logfields.RunID(runID), logfields.Error(err))
		return
	}
	s.emit(ctx, ev)
}

// RunSkipped settles a run whose workflow does not fire for the triggering
// event. The engine never sees such runs, so the daemon records the terminal
// state directly.
func (s *Sink) RunSkipped(ctx context.Context, runID, reason string) {
	ev, err := NewRunFinished(runID, RunFinishedPayload{State: StateSkipped, Error: reason})
	if err != nil {
		s.logger.Warn("failed to build run event", logfields.RunID(runID), logfields.Error(err))
		return
	}
	s.emit(ctx, ev)
}

func (s *Sink) RunStarted(ctx context.Context, run *engine.Run) {
	ev, err := NewRunStarted(run.ID, RunStartedPayload{
		Project:  run.Project,
		Workflow: run.Workflow,
		Trigger:  string(run.Event.Kind),
		Ref:      run.Event.Ref,
		SHA:      run.Event.SHA,
	})
	if err != nil {
		s.logger.Warn("failed to build run event", logfields.RunID(run.ID), logfields.Error(err))
		return
	}
	s.emit(ctx, ev)
}

func (s *Sink) JobStarted(ctx context.Context, run *engine.Run, job string) {
	// Start notifications stay in-memory; the log records settled states only.
}

func (s *Sink) JobFinished(ctx context.Context, run *engine.Run, job *engine.JobResult) {
	ev, err := NewJobFinished(run.ID, JobFinishedPayload{
		Job:        job.Name,
		State:      string(job.State),
		Instances:  len(job.Instances),
		DurationMS: job.Duration.Milliseconds(),
		SkipReason: string(job.SkipReason),
		Error:      job.Error,
	})
	if err != nil {
		s.logger.Warn("failed to build run event", logfields.RunID(run.ID), logfields.Error(err))
		return
	}
	s.emit(ctx, ev)
}

func (s *Sink) RunFinished(ctx context.Context, run *engine.Run) {
	p := RunFinishedPayload{
		State:       string(run.State),
		Version:     run.Version,
		DurationMS:  run.Duration().Milliseconds(),
		JobsTotal:   len(run.Jobs),
		SummaryPath: run.SummaryPath,
	}
	for i := range run.Jobs {
		job := &run.Jobs[i]
		switch job.State {
		case engine.JobFailed, engine.JobCanceled:
			p.JobsFailed++
			if job.Error != "" {
				p.Error = job.Error
			}
		case engine.JobSkipped:
			p.JobsSkipped++
		}
		for _, a := range job.Artifacts {
			p.ArtifactBytes += a.Bytes
		}
	}
	for _, rep := range run.Publishes {
		p.Published += rep.Published
	}

	ev, err := NewRunFinished(run.ID, p)
	if err != nil {
		s.logger.Warn("failed to build run event", logfields.RunID(run.ID), logfields.Error(err))
		return
	}
	s.emit(ctx, ev)
}

// emit appends and applies one event. The append survives run cancellation;
// a canceled run still gets its terminal event persisted.
func (s *Sink) emit(ctx context.Context, ev Event) {
	ctx = context.WithoutCancel(ctx)
	if err := s.store.Append(ctx, ev.RunID(), ev.Type(), ev.Payload(), ev.Metadata()); err != nil {
		s.logger.Warn("failed to append run event",
			logfields.RunID(ev.RunID()),
			slog.String("event_type", ev.Type()),
			logfields.Error(err))
	}
	if s.projection != nil {
		s.projection.Apply(ev)
	}
}
