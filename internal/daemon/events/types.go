package events

import "time"

// RunEvent is implemented by every run lifecycle event so consumers like
// the SSE bridge can subscribe to the whole stream at once.
type RunEvent interface {
	EventRunID() string
	EventName() string
}

// RunQueued is published when the queue accepts a run.
type RunQueued struct {
	RunID    string    `json:"run_id"`
	Project  string    `json:"project"`
	Trigger  string    `json:"trigger"`
	Ref      string    `json:"ref"`
	SHA      string    `json:"sha"`
	Source   string    `json:"source"` // webhook, schedule, manual
	QueuedAt time.Time `json:"queued_at"`
}

// RunStarted is published when a worker picks a run up.
type RunStarted struct {
	RunID     string    `json:"run_id"`
	Project   string    `json:"project"`
	Workflow  string    `json:"workflow"`
	StartedAt time.Time `json:"started_at"`
}

// JobFinished is published as each job of a running run settles.
type JobFinished struct {
	RunID      string    `json:"run_id"`
	Project    string    `json:"project"`
	Job        string    `json:"job"`
	State      string    `json:"state"`
	FinishedAt time.Time `json:"finished_at"`
}

// RunFinished is published when a run reaches a terminal state.
type RunFinished struct {
	RunID      string        `json:"run_id"`
	Project    string        `json:"project"`
	State      string        `json:"state"`
	Version    string        `json:"version,omitempty"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finished_at"`
}

// ConfigReloaded is published after the watcher applies a config change.
type ConfigReloaded struct {
	Path       string    `json:"path"`
	Projects   int       `json:"projects"`
	ReloadedAt time.Time `json:"reloaded_at"`
}

func (e RunQueued) EventRunID() string   { return e.RunID }
func (e RunQueued) EventName() string    { return "queued" }
func (e RunStarted) EventRunID() string  { return e.RunID }
func (e RunStarted) EventName() string   { return "started" }
func (e JobFinished) EventRunID() string { return e.RunID }
func (e JobFinished) EventName() string  { return "job" }
func (e RunFinished) EventRunID() string { return e.RunID }
func (e RunFinished) EventName() string  { return "finished" }
