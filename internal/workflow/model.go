// Package workflow defines the declarative workflow model loaded from
// repository YAML files (conveyor.yml by default), together with parsing,
// validation, and ${{ ... }} expression interpolation.
package workflow

import (
	"time"

	"git.home.luguber.info/inful/conveyor/internal/event"
)

// DefaultFileName is the workflow file looked up in a repository when the
// project configuration does not name one.
const DefaultFileName = "conveyor.yml"

// Workflow is one parsed workflow document.
type Workflow struct {
	Name string            `yaml:"name"`
	On   Triggers          `yaml:"on"`
	Env  map[string]string `yaml:"env"`
	Jobs map[string]*Job   `yaml:"jobs"`

	// JobOrder preserves the document order of the jobs mapping so plans,
	// summaries, and graph output are deterministic.
	JobOrder []string `yaml:"-"`
}

// Triggers declares which events fire the workflow.
type Triggers struct {
	Push        *RefFilter     `yaml:"push"`
	PullRequest *RefFilter     `yaml:"pull_request"`
	Schedule    []ScheduleSpec `yaml:"schedule"`
	Manual      bool           `yaml:"manual"`
}

// RefFilter narrows a trigger to refs matching glob patterns. An empty
// filter matches every ref of the trigger's kind.
type RefFilter struct {
	Branches []string `yaml:"branches"`
	Tags     []string `yaml:"tags"`
}

// ScheduleSpec describes one cron-style trigger. Exactly one of Every or
// Cron must be set; Every uses Go duration syntax ("30m", "1h").
type ScheduleSpec struct {
	Every string `yaml:"every"`
	Cron  string `yaml:"cron"`
}

// Interval parses the Every field. Callers should only use it after
// validation has confirmed the spec is well-formed.
func (s ScheduleSpec) Interval() (time.Duration, error) {
	return time.ParseDuration(s.Every)
}

// Job is a named unit of the workflow graph. Name is filled from the jobs
// mapping key at load time.
type Job struct {
	Name           string            `yaml:"-"`
	Needs          []string          `yaml:"needs"`
	If             *Gate             `yaml:"if"`
	Strategy       *Strategy         `yaml:"strategy"`
	Env            map[string]string `yaml:"env"`
	Secrets        []string          `yaml:"secrets"`
	Steps          []*Step           `yaml:"steps"`
	Artifacts      *ArtifactSpec     `yaml:"artifacts"`
	TimeoutMinutes int               `yaml:"timeout-minutes"`
}

// Gate restricts a job to events matching the listed glob patterns.
// Tag patterns only ever match tag events and branch patterns only branch
// events, so a deploy gated on tags can never fire from a branch push.
type Gate struct {
	Refs     []string `yaml:"refs"`
	Branches []string `yaml:"branches"`
	Tags     []string `yaml:"tags"`
}

// Allows reports whether the gate admits the event. An empty gate admits
// everything.
func (g *Gate) Allows(evt event.Event) bool {
	if g == nil {
		return true
	}
	if len(g.Refs) == 0 && len(g.Branches) == 0 && len(g.Tags) == 0 {
		return true
	}
	if len(g.Refs) > 0 && matchAnyStrict(g.Refs, evt.Ref) {
		return true
	}
	if len(g.Tags) > 0 && evt.IsTag() && matchAnyStrict(g.Tags, evt.RefName) {
		return true
	}
	if len(g.Branches) > 0 && evt.IsBranch() && matchAnyStrict(g.Branches, evt.RefName) {
		return true
	}
	return false
}

// Strategy declares matrix expansion and its scheduling limits.
type Strategy struct {
	Matrix  map[string][]string `yaml:"matrix"`
	Include []map[string]string `yaml:"include"`
	Exclude []map[string]string `yaml:"exclude"`

	// MaxParallel bounds concurrently running matrix instances of one job.
	// Zero means "engine default" (all instances at once, capped by the
	// engine's own limit).
	MaxParallel int `yaml:"max-parallel"`

	// FailFast cancels a job's remaining matrix instances once one fails.
	// Off by default: sibling entries keep running to completion.
	FailFast bool `yaml:"fail-fast"`

	// MatrixAxes preserves the document order of the matrix mapping.
	MatrixAxes []string `yaml:"-"`
}

// Step is a single command or builtin invocation inside a job. Exactly one
// of Run or Uses is set.
type Step struct {
	Name            string            `yaml:"name"`
	Run             string            `yaml:"run"`
	Uses            string            `yaml:"uses"`
	With            map[string]string `yaml:"with"`
	Env             map[string]string `yaml:"env"`
	WorkingDir      string            `yaml:"working-dir"`
	TimeoutMinutes  int               `yaml:"timeout-minutes"`
	ContinueOnError bool              `yaml:"continue-on-error"`
}

// ArtifactSpec declares the artifact hand-off of a job.
type ArtifactSpec struct {
	Upload   []ArtifactUpload   `yaml:"upload"`
	Download []ArtifactDownload `yaml:"download"`
}

// ArtifactUpload names a set of workspace-relative glob patterns harvested
// into the artifact store after the job's steps succeed.
type ArtifactUpload struct {
	Name  string   `yaml:"name"`
	Paths []string `yaml:"paths"`
}

// ArtifactDownload restores a previously uploaded artifact (Name may be a
// glob matching several) into Dir before the job's steps run.
type ArtifactDownload struct {
	Name string `yaml:"name"`
	Dir  string `yaml:"dir"`
}

// Matches reports whether the workflow's triggers fire for the event.
// Manual events always reach workflows that declare manual: true; schedule
// events fire when any schedule is declared (tick routing happens in the
// daemon scheduler).
func (t Triggers) Matches(evt event.Event) bool {
	switch evt.Kind {
	case event.KindPush:
		return t.Push != nil && t.Push.matchesBranch(evt.RefName)
	case event.KindTag:
		return t.Push != nil && t.Push.matchesTag(evt.RefName)
	case event.KindPullRequest:
		return t.PullRequest != nil && t.PullRequest.matchesBranch(evt.RefName)
	case event.KindSchedule:
		return len(t.Schedule) > 0
	case event.KindManual:
		return t.Manual
	default:
		return false
	}
}

// matchesBranch implements push/pull_request filter semantics: a filter
// with only tag patterns never matches a branch event, a filter with no
// patterns matches every event of its kind.
func (f *RefFilter) matchesBranch(name string) bool {
	if len(f.Branches) == 0 && len(f.Tags) == 0 {
		return true
	}
	if len(f.Branches) == 0 {
		return false
	}
	return matchAnyStrict(f.Branches, name)
}

func (f *RefFilter) matchesTag(name string) bool {
	if len(f.Branches) == 0 && len(f.Tags) == 0 {
		return true
	}
	if len(f.Tags) == 0 {
		return false
	}
	return matchAnyStrict(f.Tags, name)
}

// matchAnyStrict is event.MatchAny without the empty-list-matches-all rule;
// filter presence is decided by the callers above.
func matchAnyStrict(patterns []string, name string) bool {
	for _, p := range patterns {
		if event.MatchRef(p, name) {
			return true
		}
	}
	return false
}

// Builtins enumerates the step names usable with `uses:`. Validation
// rejects anything else so typos fail at load time, not mid-run.
var Builtins = map[string]bool{
	"stamp":   true,
	"publish": true,
}

// IsBuiltin reports whether name is a known builtin step.
func IsBuiltin(name string) bool { return Builtins[name] }
