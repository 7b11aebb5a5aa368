package workflow

import (
	stderrors "errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"git.home.luguber.info/inful/conveyor/internal/errors"
	"git.home.luguber.info/inful/conveyor/internal/event"
)

var envNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks the workflow for structural problems: unknown needs
// references, dependency cycles, malformed steps, bad glob patterns, and
// inconsistent matrix or schedule declarations. All findings are returned
// joined, so a single validate pass reports every issue at once.
func Validate(wf *Workflow) error {
	var issues []error

	add := func(msg string, kv ...string) {
		b := errors.ValidationError(msg)
		for i := 0; i+1 < len(kv); i += 2 {
			b = b.WithContext(kv[i], kv[i+1])
		}
		issues = append(issues, b.Build())
	}

	if len(wf.Jobs) == 0 {
		add("workflow declares no jobs")
	}

	issues = append(issues, validateTriggers(&wf.On)...)

	jobNames := sortedJobNames(wf)
	for _, name := range jobNames {
		job := wf.Jobs[name]
		issues = append(issues, validateJob(name, job, wf)...)
	}

	if cycle := findCycle(wf); len(cycle) > 0 {
		add("dependency cycle between jobs", "cycle", strings.Join(cycle, " -> "))
	}

	return stderrors.Join(issues...)
}

func validateTriggers(t *Triggers) []error {
	var issues []error
	issues = append(issues, validatePatterns("on.push", t.Push)...)
	issues = append(issues, validatePatterns("on.pull_request", t.PullRequest)...)
	for i, s := range t.Schedule {
		field := fmt.Sprintf("on.schedule[%d]", i)
		switch {
		case s.Every == "" && s.Cron == "":
			issues = append(issues, errors.ValidationError("schedule needs either every or cron").
				WithContext("field", field).Build())
		case s.Every != "" && s.Cron != "":
			issues = append(issues, errors.ValidationError("schedule takes every or cron, not both").
				WithContext("field", field).Build())
		case s.Every != "":
			if d, err := s.Interval(); err != nil || d <= 0 {
				issues = append(issues, errors.ValidationError("invalid schedule interval").
					WithContext("field", field).WithContext("every", s.Every).Build())
			}
		}
	}
	return issues
}

func validatePatterns(field string, f *RefFilter) []error {
	if f == nil {
		return nil
	}
	var issues []error
	for _, p := range append(append([]string{}, f.Branches...), f.Tags...) {
		if err := event.ValidatePattern(p); err != nil {
			issues = append(issues, errors.ValidationError("invalid ref pattern").
				WithContext("field", field).WithContext("pattern", p).WithCause(err).Build())
		}
	}
	return issues
}

func validateJob(name string, job *Job, wf *Workflow) []error {
	var issues []error
	add := func(msg string, kv ...string) {
		b := errors.ValidationError(msg).WithContext("job", name)
		for i := 0; i+1 < len(kv); i += 2 {
			b = b.WithContext(kv[i], kv[i+1])
		}
		issues = append(issues, b.Build())
	}

	if len(job.Steps) == 0 {
		add("job has no steps")
	}
	if job.TimeoutMinutes < 0 {
		add("negative timeout-minutes")
	}

	for _, dep := range job.Needs {
		if dep == name {
			add("job depends on itself")
			continue
		}
		if _, ok := wf.Jobs[dep]; !ok {
			add("needs references unknown job", "needs", dep)
		}
	}

	if job.If != nil {
		for _, p := range gatePatterns(job.If) {
			if err := event.ValidatePattern(p); err != nil {
				add("invalid gate pattern", "pattern", p)
			}
		}
	}

	for _, secret := range job.Secrets {
		if !envNameRe.MatchString(secret) {
			add("invalid secret name", "secret", secret)
		}
	}

	issues = append(issues, validateStrategy(name, job.Strategy)...)
	issues = append(issues, validateArtifacts(name, job.Artifacts)...)

	for i, step := range job.Steps {
		label := fmt.Sprintf("%d", i+1)
		switch {
		case step.Run == "" && step.Uses == "":
			add("step has neither run nor uses", "step", label)
		case step.Run != "" && step.Uses != "":
			add("step has both run and uses", "step", label)
		case step.Uses != "" && !IsBuiltin(step.Uses):
			add("unknown builtin step", "step", label, "uses", step.Uses)
		}
		if step.Uses == "" && len(step.With) > 0 {
			add("with is only valid on builtin steps", "step", label)
		}
		if step.TimeoutMinutes < 0 {
			add("negative step timeout-minutes", "step", label)
		}
	}

	return issues
}

func validateStrategy(job string, s *Strategy) []error {
	if s == nil {
		return nil
	}
	var issues []error
	add := func(msg string, kv ...string) {
		b := errors.ValidationError(msg).WithContext("job", job)
		for i := 0; i+1 < len(kv); i += 2 {
			b = b.WithContext(kv[i], kv[i+1])
		}
		issues = append(issues, b.Build())
	}

	if s.MaxParallel < 0 {
		add("negative max-parallel")
	}
	if len(s.Matrix) == 0 && (len(s.Include) > 0 || len(s.Exclude) > 0) {
		add("include/exclude without a matrix")
	}
	for axis, values := range s.Matrix {
		if len(values) == 0 {
			add("matrix axis has no values", "axis", axis)
		}
	}
	for i, combo := range s.Exclude {
		for key := range combo {
			if _, ok := s.Matrix[key]; !ok {
				add("exclude key is not a matrix axis",
					"entry", fmt.Sprintf("exclude[%d]", i), "key", key)
			}
		}
	}
	// Include entries may introduce new keys (extra context values), but an
	// include made only of unknown keys is almost certainly a typo.
	for i, combo := range s.Include {
		known := false
		for key := range combo {
			if _, ok := s.Matrix[key]; ok {
				known = true
				break
			}
		}
		if !known && len(s.Matrix) > 0 {
			add("include entry shares no key with the matrix",
				"entry", fmt.Sprintf("include[%d]", i))
		}
	}
	return issues
}

func validateArtifacts(job string, spec *ArtifactSpec) []error {
	if spec == nil {
		return nil
	}
	var issues []error
	add := func(msg string, kv ...string) {
		b := errors.ValidationError(msg).WithContext("job", job)
		for i := 0; i+1 < len(kv); i += 2 {
			b = b.WithContext(kv[i], kv[i+1])
		}
		issues = append(issues, b.Build())
	}

	seen := make(map[string]bool)
	for _, up := range spec.Upload {
		if up.Name == "" {
			add("artifact upload needs a name")
			continue
		}
		if seen[up.Name] {
			add("duplicate artifact upload name", "artifact", up.Name)
		}
		seen[up.Name] = true
		if len(up.Paths) == 0 {
			add("artifact upload has no paths", "artifact", up.Name)
		}
	}
	for _, down := range spec.Download {
		if down.Name == "" {
			add("artifact download needs a name")
		}
		if strings.HasPrefix(down.Dir, "/") || strings.Contains(down.Dir, "..") {
			add("artifact download dir must stay inside the workspace",
				"artifact", down.Name, "dir", down.Dir)
		}
	}
	return issues
}

func gatePatterns(g *Gate) []string {
	out := append([]string{}, g.Refs...)
	out = append(out, g.Branches...)
	return append(out, g.Tags...)
}

func sortedJobNames(wf *Workflow) []string {
	if len(wf.JobOrder) == len(wf.Jobs) {
		return wf.JobOrder
	}
	names := make([]string, 0, len(wf.Jobs))
	for name := range wf.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// findCycle runs a depth-first search over needs edges and returns the
// first cycle found as a job path, closing back on the starting node.
func findCycle(wf *Workflow) []string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(wf.Jobs))
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		state[name] = inStack
		stack = append(stack, name)
		job := wf.Jobs[name]
		if job != nil {
			deps := append([]string{}, job.Needs...)
			sort.Strings(deps)
			for _, dep := range deps {
				if _, ok := wf.Jobs[dep]; !ok {
					continue
				}
				switch state[dep] {
				case inStack:
					start := 0
					for i, n := range stack {
						if n == dep {
							start = i
							break
						}
					}
					cycle = append(append([]string{}, stack[start:]...), dep)
					return true
				case unvisited:
					if visit(dep) {
						return true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		return false
	}

	for _, name := range sortedJobNames(wf) {
		if state[name] == unvisited {
			if visit(name) {
				return cycle
			}
		}
	}
	return nil
}
