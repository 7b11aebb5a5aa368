package runstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"git.home.luguber.info/inful/conveyor/internal/errors"
)

// defaultHistorySize bounds how many finished runs the projection keeps.
const defaultHistorySize = 200

// Projection states for runs outside the engine's terminal vocabulary.
// Skipped marks runs whose workflow never fired for the triggering event.
const (
	StateQueued  = "queued"
	StateRunning = "running"
	StateSkipped = "skipped"
)

// RunSummary is the projected view of one run, built from its event log.
type RunSummary struct {
	RunID       string        `json:"run_id"`
	Project     string        `json:"project"`
	Workflow    string        `json:"workflow,omitempty"`
	State       string        `json:"state"`
	Trigger     string        `json:"trigger,omitempty"`
	Ref         string        `json:"ref,omitempty"`
	SHA         string        `json:"sha,omitempty"`
	Version     string        `json:"version,omitempty"`
	QueuedAt    time.Time     `json:"queued_at,omitzero"`
	StartedAt   time.Time     `json:"started_at,omitzero"`
	FinishedAt  time.Time     `json:"finished_at,omitzero"`
	Duration    time.Duration `json:"duration,omitempty"`
	JobsTotal   int           `json:"jobs_total,omitempty"`
	JobsFailed  int           `json:"jobs_failed,omitempty"`
	JobsSkipped int           `json:"jobs_skipped,omitempty"`
	Published   int           `json:"published,omitempty"`
	SummaryPath string        `json:"summary_path,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Terminal reports whether the run reached a final state.
func (s *RunSummary) Terminal() bool {
	return !s.FinishedAt.IsZero()
}

// HistoryProjection folds run events into per-run summaries and keeps a
// bounded, newest-first list of finished runs. Safe for concurrent use.
type HistoryProjection struct {
	store Store

	mu       sync.RWMutex
	runs     map[string]*RunSummary
	history  []string
	maxSize  int
	lastSync time.Time
}

// NewHistoryProjection creates a projection over the given store. A
// maxSize of 0 keeps the default history bound.
func NewHistoryProjection(store Store, maxSize int) *HistoryProjection {
	if maxSize <= 0 {
		maxSize = defaultHistorySize
	}
	return &HistoryProjection{
		store:   store,
		runs:    make(map[string]*RunSummary),
		maxSize: maxSize,
	}
}

// Rebuild replays the whole event log into a fresh in-memory state.
func (p *HistoryProjection) Rebuild(ctx context.Context) error {
	events, err := p.store.Range(ctx, time.Time{}, time.Now().Add(time.Hour))
	if err != nil {
		return errors.RunStoreError("failed to replay run events").
			WithCause(err).
			Build()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.runs = make(map[string]*RunSummary)
	p.history = nil
	for _, ev := range events {
		p.applyLocked(ev)
	}
	p.lastSync = time.Now()
	return nil
}

// Apply folds one live event into the projection.
func (p *HistoryProjection) Apply(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applyLocked(ev)
	p.lastSync = time.Now()
}

func (p *HistoryProjection) applyLocked(ev Event) {
	run := p.runs[ev.RunID()]
	if run == nil {
		run = &RunSummary{RunID: ev.RunID(), State: StateQueued}
		p.runs[ev.RunID()] = run
	}

	switch ev.Type() {
	case TypeRunQueued:
		var payload RunQueuedPayload
		if json.Unmarshal(ev.Payload(), &payload) != nil {
			return
		}
		// The queued event is recorded after the enqueue succeeds, so a
		// fast worker can land RunStarted first. Never regress the state.
		if run.State == "" || run.State == StateQueued {
			run.State = StateQueued
		}
		run.Project = payload.Project
		run.Trigger = payload.Trigger
		run.Ref = payload.Ref
		run.SHA = payload.SHA
		if payload.Workflow != "" {
			run.Workflow = payload.Workflow
		}
		run.QueuedAt = ev.Timestamp()

	case TypeRunStarted:
		var payload RunStartedPayload
		if json.Unmarshal(ev.Payload(), &payload) != nil {
			return
		}
		run.State = StateRunning
		run.Project = payload.Project
		run.Workflow = payload.Workflow
		run.Trigger = payload.Trigger
		run.Ref = payload.Ref
		run.SHA = payload.SHA
		run.StartedAt = ev.Timestamp()

	case TypeJobFinished:
		var payload JobFinishedPayload
		if json.Unmarshal(ev.Payload(), &payload) != nil {
			return
		}
		// Live counters; authoritative totals arrive with RunFinished.
		run.JobsTotal++
		switch payload.State {
		case "failed":
			run.JobsFailed++
			if payload.Error != "" {
				run.Error = payload.Error
			}
		case "skipped":
			run.JobsSkipped++
		}

	case TypeRunFinished:
		var payload RunFinishedPayload
		if json.Unmarshal(ev.Payload(), &payload) != nil {
			return
		}
		run.State = payload.State
		run.Version = payload.Version
		run.FinishedAt = ev.Timestamp()
		run.Duration = time.Duration(payload.DurationMS) * time.Millisecond
		run.JobsTotal = payload.JobsTotal
		run.JobsFailed = payload.JobsFailed
		run.JobsSkipped = payload.JobsSkipped
		run.Published = payload.Published
		run.SummaryPath = payload.SummaryPath
		if payload.Error != "" {
			run.Error = payload.Error
		}
		p.addToHistoryLocked(ev.RunID())
	}
}

func (p *HistoryProjection) addToHistoryLocked(runID string) {
	// Newest first. A replayed duplicate keeps its original position.
	for _, id := range p.history {
		if id == runID {
			return
		}
	}
	p.history = append([]string{runID}, p.history...)
	if len(p.history) > p.maxSize {
		evicted := p.history[p.maxSize:]
		p.history = p.history[:p.maxSize]
		for _, id := range evicted {
			delete(p.runs, id)
		}
	}
}

// Get returns the summary for one run.
func (p *HistoryProjection) Get(runID string) (*RunSummary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	run, ok := p.runs[runID]
	if !ok {
		return nil, false
	}
	cp := *run
	return &cp, true
}

// Recent returns up to limit finished runs, newest first. A limit of 0
// returns the full retained history.
func (p *HistoryProjection) Recent(limit int) []*RunSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if limit <= 0 || limit > len(p.history) {
		limit = len(p.history)
	}
	out := make([]*RunSummary, 0, limit)
	for _, id := range p.history[:limit] {
		if run, ok := p.runs[id]; ok {
			cp := *run
			out = append(out, &cp)
		}
	}
	return out
}

// ByProject returns up to limit finished runs of one project, newest first.
func (p *HistoryProjection) ByProject(project string, limit int) []*RunSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*RunSummary
	for _, id := range p.history {
		run, ok := p.runs[id]
		if !ok || run.Project != project {
			continue
		}
		cp := *run
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Active returns all runs that are queued or executing, oldest first.
func (p *HistoryProjection) Active() []*RunSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*RunSummary
	for _, run := range p.runs {
		if run.Terminal() {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return orderedAt(out[i]).Before(orderedAt(out[j]))
	})
	return out
}

// orderedAt is the queue time, falling back to start time for runs that
// bypassed the queue.
func orderedAt(r *RunSummary) time.Time {
	if !r.QueuedAt.IsZero() {
		return r.QueuedAt
	}
	return r.StartedAt
}

// LastSync returns when the projection last absorbed an event.
func (p *HistoryProjection) LastSync() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSync
}
