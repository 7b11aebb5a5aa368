package runstore

import (
	"encoding/json"
	"time"

	"git.home.luguber.info/inful/conveyor/internal/errors"
	"git.home.luguber.info/inful/conveyor/internal/logfields"
)

// Event types recorded over a run's lifetime.
const (
	TypeRunQueued   = "RunQueued"
	TypeRunStarted  = "RunStarted"
	TypeJobFinished = "JobFinished"
	TypeRunFinished = "RunFinished"
)

// RunQueuedPayload describes a run accepted into the queue.
type RunQueuedPayload struct {
	Project  string `json:"project"`
	Workflow string `json:"workflow,omitempty"`
	Trigger  string `json:"trigger"`
	Ref      string `json:"ref"`
	SHA      string `json:"sha"`
	Priority int    `json:"priority"`
}

// RunStartedPayload describes a run picked up by a worker.
type RunStartedPayload struct {
	Project  string `json:"project"`
	Workflow string `json:"workflow"`
	Trigger  string `json:"trigger"`
	Ref      string `json:"ref"`
	SHA      string `json:"sha"`
}

// JobFinishedPayload describes one completed job of a run.
type JobFinishedPayload struct {
	Job        string `json:"job"`
	State      string `json:"state"`
	Instances  int    `json:"instances"`
	DurationMS int64  `json:"duration_ms"`
	SkipReason string `json:"skip_reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RunFinishedPayload closes out a run with its terminal state and totals.
type RunFinishedPayload struct {
	State         string `json:"state"`
	Version       string `json:"version,omitempty"`
	DurationMS    int64  `json:"duration_ms"`
	JobsTotal     int    `json:"jobs_total"`
	JobsFailed    int    `json:"jobs_failed"`
	JobsSkipped   int    `json:"jobs_skipped"`
	ArtifactBytes int64  `json:"artifact_bytes,omitempty"`
	Published     int    `json:"published,omitempty"`
	SummaryPath   string `json:"summary_path,omitempty"`
	Error         string `json:"error,omitempty"`
}

// RunQueued marks acceptance into the queue, before any worker owns the run.
type RunQueued struct {
	BaseEvent
	RunQueuedPayload
}

// RunStarted marks the moment a worker begins executing the run.
type RunStarted struct {
	BaseEvent
	RunStartedPayload
}

// JobFinished marks a job reaching a terminal state, including skips.
type JobFinished struct {
	BaseEvent
	JobFinishedPayload
}

// RunFinished marks the run reaching a terminal state.
type RunFinished struct {
	BaseEvent
	RunFinishedPayload
}

// NewRunQueued creates a RunQueued event for the given run.
func NewRunQueued(runID string, p RunQueuedPayload) (*RunQueued, error) {
	base, err := newBase(runID, TypeRunQueued, p)
	if err != nil {
		return nil, err
	}
	return &RunQueued{BaseEvent: base, RunQueuedPayload: p}, nil
}

// NewRunStarted creates a RunStarted event for the given run.
func NewRunStarted(runID string, p RunStartedPayload) (*RunStarted, error) {
	base, err := newBase(runID, TypeRunStarted, p)
	if err != nil {
		return nil, err
	}
	return &RunStarted{BaseEvent: base, RunStartedPayload: p}, nil
}

// NewJobFinished creates a JobFinished event for the given run.
func NewJobFinished(runID string, p JobFinishedPayload) (*JobFinished, error) {
	base, err := newBase(runID, TypeJobFinished, p)
	if err != nil {
		return nil, err
	}
	return &JobFinished{BaseEvent: base, JobFinishedPayload: p}, nil
}

// NewRunFinished creates a RunFinished event for the given run.
func NewRunFinished(runID string, p RunFinishedPayload) (*RunFinished, error) {
	base, err := newBase(runID, TypeRunFinished, p)
	if err != nil {
		return nil, err
	}
	return &RunFinished{BaseEvent: base, RunFinishedPayload: p}, nil
}

func newBase(runID, eventType string, payload any) (BaseEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return BaseEvent{}, errors.RunStoreError("failed to marshal event payload").
			WithContext(logfields.KeyRunID, runID).
			WithContext("event_type", eventType).
			WithCause(err).
			Build()
	}
	return BaseEvent{
		EventRunID:     runID,
		EventType:      eventType,
		EventTimestamp: time.Now().UTC(),
		EventPayload:   data,
	}, nil
}
