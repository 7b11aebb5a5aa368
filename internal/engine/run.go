package engine

import (
	"time"

	"git.home.luguber.info/inful/conveyor/internal/event"
	"git.home.luguber.info/inful/conveyor/internal/publish"
)

// RunState is the lifecycle state of a workflow run.
type RunState string

const (
	RunQueued    RunState = "queued"
	RunRunning   RunState = "running"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
	RunCanceled  RunState = "canceled"
)

// JobState is the lifecycle state of a single job node or instance.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobSkipped   JobState = "skipped"
	JobCanceled  JobState = "canceled"
)

// SkipReason records why a job never ran.
type SkipReason string

const (
	// SkipGated means the job's `if` gate did not match the triggering event.
	SkipGated SkipReason = "gated"
	// SkipBlocked means a dependency failed or was itself skipped.
	SkipBlocked SkipReason = "blocked"
)

// StepResult captures one executed step within a job instance.
type StepResult struct {
	Name     string
	State    JobState
	ExitCode int
	Duration time.Duration
	Output   string // trailing output, secrets already redacted
	Summary  string // markdown fragment written via CONVEYOR_STEP_SUMMARY
}

// InstanceResult captures one matrix instance of a job.
type InstanceResult struct {
	ID       string            // "build [python=3.11]" or the bare job name
	Matrix   map[string]string // nil for non-matrix jobs
	State    JobState
	Steps    []StepResult
	Uploads  []string // artifact names this instance harvested
	Error    string   // failure outside a step: env, restore, harvest, copy
	Duration time.Duration
}

// JobResult captures a job node after the run settles.
type JobResult struct {
	Name       string
	State      JobState
	SkipReason SkipReason // set only when State is JobSkipped
	Instances  []InstanceResult
	Artifacts  []ArtifactResult
	Error      string // failure before any instance ran, or job timeout
	Duration   time.Duration
}

// ArtifactResult describes one harvested artifact group.
type ArtifactResult struct {
	Name  string
	Files int
	Bytes int64
}

// Run is the complete record of a workflow execution.
type Run struct {
	ID       string
	Project  string
	Workflow string
	Event    event.Event
	State    RunState
	Version  string // stamped version, empty when no stamp step ran

	Jobs      []JobResult
	Publishes []*publish.Report

	StartedAt  time.Time
	FinishedAt time.Time

	SummaryPath string // filesystem path of the rendered run summary, if written
}

// Duration is the wall-clock span of the run.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Failed reports whether the run ended in a non-success terminal state.
func (r *Run) Failed() bool {
	return r.State == RunFailed || r.State == RunCanceled
}

// Job returns the result for the named job, or nil.
func (r *Run) Job(name string) *JobResult {
	for i := range r.Jobs {
		if r.Jobs[i].Name == name {
			return &r.Jobs[i]
		}
	}
	return nil
}
