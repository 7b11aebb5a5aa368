package engine

import (
	"os"
	"sort"
	"strings"

	"git.home.luguber.info/inful/conveyor/internal/errors"
	"git.home.luguber.info/inful/conveyor/internal/event"
	"git.home.luguber.info/inful/conveyor/internal/plan"
	"git.home.luguber.info/inful/conveyor/internal/stamp"
	"git.home.luguber.info/inful/conveyor/internal/workflow"
)

// instanceEnv is the resolved environment of one matrix instance. vars holds
// the merged non-secret layers (engine base, workflow env, job env, matrix);
// secrets holds the job's allowlisted secret values. expr resolves
// ${{ ... }} expressions against the same state.
type instanceEnv struct {
	vars    map[string]string
	secrets map[string]string
	expr    workflow.ExprContext
}

// buildInstanceEnv assembles the environment for one instance in documented
// override order: engine base (CONVEYOR_*), workflow env, job env, matrix
// axes (MATRIX_<AXIS>). Step env is layered on later, per step. Workflow and
// job env values may themselves contain expressions; each layer sees the
// layers merged before it.
func buildInstanceEnv(runID string, evt event.Event, st stamp.Context, wf *workflow.Workflow, job *workflow.Job, inst *plan.Instance, workDir string, secrets map[string]string) (*instanceEnv, error) {
	runNS := map[string]string{
		"id":        runID,
		"event":     string(evt.Kind),
		"ref":       evt.Ref,
		"ref_name":  evt.RefName,
		"sha":       evt.SHA,
		"short_sha": st.ShortSHA,
		"version":   st.Version,
	}

	vars := map[string]string{
		"CONVEYOR_RUN_ID":    runID,
		"CONVEYOR_EVENT":     string(evt.Kind),
		"CONVEYOR_REF":       evt.Ref,
		"CONVEYOR_REF_NAME":  evt.RefName,
		"CONVEYOR_SHA":       evt.SHA,
		"CONVEYOR_SHORT_SHA": st.ShortSHA,
		"CONVEYOR_VERSION":   st.Version,
		"CONVEYOR_WORKSPACE": workDir,
	}

	wfEnv, err := workflow.InterpolateMap(wf.Env, workflow.ExprContext{
		Run: runNS,
		Env: vars,
	})
	if err != nil {
		return nil, err
	}
	for k, v := range wfEnv {
		vars[k] = v
	}

	jobEnv, err := workflow.InterpolateMap(job.Env, workflow.ExprContext{
		Run:     runNS,
		Matrix:  inst.Matrix,
		Env:     vars,
		Secrets: secrets,
	})
	if err != nil {
		return nil, err
	}
	for k, v := range jobEnv {
		vars[k] = v
	}

	for _, axis := range inst.MatrixKeys {
		vars[matrixEnvKey(axis)] = inst.Matrix[axis]
	}

	return &instanceEnv{
		vars:    vars,
		secrets: secrets,
		expr: workflow.ExprContext{
			Run:     runNS,
			Matrix:  inst.Matrix,
			Env:     vars,
			Secrets: secrets,
		},
	}, nil
}

// resolveSecrets filters the run's secret set down to the job's allowlist.
// A listed name with no value is a configuration error; failing the node
// beats exporting an empty credential.
func resolveSecrets(job *workflow.Job, available map[string]string) (map[string]string, error) {
	if len(job.Secrets) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(job.Secrets))
	for _, name := range job.Secrets {
		v, ok := available[name]
		if !ok || v == "" {
			return nil, errors.ConfigError("job requires an undefined secret").
				WithContext("job", job.Name).
				WithContext("secret", name).
				Build()
		}
		out[name] = v
	}
	return out, nil
}

// processEnv renders the slice handed to the step process: host environment,
// merged vars, secrets, then extra (the step's own layer). os/exec keeps the
// last occurrence of a duplicated key, so append order is override order.
// Non-host entries are sorted for deterministic process environments.
func (e *instanceEnv) processEnv(extra map[string]string) []string {
	env := os.Environ()
	env = append(env, sortedPairs(e.vars)...)
	env = append(env, sortedPairs(e.secrets)...)
	env = append(env, sortedPairs(extra)...)
	return env
}

// lookup resolves name against the step env layer, then secrets, then the
// merged instance vars. Used by builtins that read credentials "from" a
// named variable.
func (e *instanceEnv) lookup(name string, extra map[string]string) (string, bool) {
	if v, ok := extra[name]; ok {
		return v, true
	}
	if v, ok := e.secrets[name]; ok {
		return v, true
	}
	v, ok := e.vars[name]
	return v, ok
}

// secretValues returns the secret values scrubbed from step output.
func (e *instanceEnv) secretValues() []string {
	if len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, v := range e.secrets {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// matrixEnvKey maps a matrix axis to its exported variable:
// "python" -> MATRIX_PYTHON, "node-version" -> MATRIX_NODE_VERSION.
func matrixEnvKey(axis string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - ('a' - 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, axis)
	return "MATRIX_" + mapped
}

func sortedPairs(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	pairs := make([]string, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return pairs
}
