package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/conveyor/internal/errors"
	"git.home.luguber.info/inful/conveyor/internal/event"
	"git.home.luguber.info/inful/conveyor/internal/plan"
	"git.home.luguber.info/inful/conveyor/internal/stamp"
)

func TestBuildInstanceEnvLayering(t *testing.T) {
	wf := parseWorkflow(t, `
env:
  GREETING: wf
  WHO: world
jobs:
  show:
    env:
      GREETING: job
      BUILD_TAG: demo-${{ run.short_sha }}
    steps:
      - run: "true"
`)
	evt := event.NewPushEvent("refs/heads/main", testSHA)
	st := stamp.Context{Version: "1.2.0.dev0+01234567", ShortSHA: "01234567"}
	env, err := buildInstanceEnv("run-1", evt, st, wf, wf.Jobs["show"], &plan.Instance{ID: "show"}, "/work", nil)
	require.NoError(t, err)

	assert.Equal(t, "job", env.vars["GREETING"])
	assert.Equal(t, "world", env.vars["WHO"])
	assert.Equal(t, "demo-01234567", env.vars["BUILD_TAG"])
	assert.Equal(t, "run-1", env.vars["CONVEYOR_RUN_ID"])
	assert.Equal(t, "push", env.vars["CONVEYOR_EVENT"])
	assert.Equal(t, "main", env.vars["CONVEYOR_REF_NAME"])
	assert.Equal(t, "01234567", env.vars["CONVEYOR_SHORT_SHA"])
	assert.Equal(t, "1.2.0.dev0+01234567", env.vars["CONVEYOR_VERSION"])
	assert.Equal(t, "/work", env.vars["CONVEYOR_WORKSPACE"])
}

func TestBuildInstanceEnvMatrixAxes(t *testing.T) {
	wf := parseWorkflow(t, `
jobs:
  build:
    strategy:
      matrix:
        python: ["3.12"]
        node-version: ["22"]
    steps:
      - run: "true"
`)
	inst := &plan.Instance{
		ID:         "build [python=3.12 node-version=22]",
		Matrix:     map[string]string{"python": "3.12", "node-version": "22"},
		MatrixKeys: []string{"python", "node-version"},
	}
	evt := event.NewPushEvent("refs/heads/main", testSHA)
	env, err := buildInstanceEnv("run-1", evt, stamp.Context{}, wf, wf.Jobs["build"], inst, "/work", nil)
	require.NoError(t, err)

	assert.Equal(t, "3.12", env.vars["MATRIX_PYTHON"])
	assert.Equal(t, "22", env.vars["MATRIX_NODE_VERSION"])
}

func TestResolveSecretsAllowlist(t *testing.T) {
	wf := parseWorkflow(t, `
jobs:
  deploy:
    secrets: [INDEX_TOKEN]
    steps:
      - run: "true"
`)
	available := map[string]string{"INDEX_TOKEN": "pypi-abc", "UNRELATED": "nope"}
	secrets, err := resolveSecrets(wf.Jobs["deploy"], available)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"INDEX_TOKEN": "pypi-abc"}, secrets)
}

func TestResolveSecretsNoAllowlist(t *testing.T) {
	wf := parseWorkflow(t, `
jobs:
  open:
    steps:
      - run: "true"
`)
	secrets, err := resolveSecrets(wf.Jobs["open"], map[string]string{"ANY": "value"})
	require.NoError(t, err)
	assert.Nil(t, secrets)
}

func TestResolveSecretsMissing(t *testing.T) {
	wf := parseWorkflow(t, `
jobs:
  deploy:
    secrets: [DEPLOY_KEY]
    steps:
      - run: "true"
`)
	_, err := resolveSecrets(wf.Jobs["deploy"], map[string]string{"DEPLOY_KEY": ""})
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryConfig))

	_, err = resolveSecrets(wf.Jobs["deploy"], nil)
	require.Error(t, err)
}

func TestProcessEnvLayerOrder(t *testing.T) {
	env := &instanceEnv{
		vars:    map[string]string{"LAYER": "vars", "KEEP": "yes"},
		secrets: map[string]string{"LAYER": "secret"},
	}
	pairs := env.processEnv(map[string]string{"LAYER": "step"})

	// os/exec keeps the last duplicate, so later layers must sort after
	// earlier ones in the slice.
	assert.Greater(t, indexOf(pairs, "LAYER=step"), indexOf(pairs, "LAYER=secret"))
	assert.Greater(t, indexOf(pairs, "LAYER=secret"), indexOf(pairs, "LAYER=vars"))
	assert.GreaterOrEqual(t, indexOf(pairs, "KEEP=yes"), 0)
}

func indexOf(pairs []string, want string) int {
	for i, p := range pairs {
		if p == want {
			return i
		}
	}
	return -1
}

func TestLookupPrecedence(t *testing.T) {
	env := &instanceEnv{
		vars:    map[string]string{"A": "vars", "C": "vars"},
		secrets: map[string]string{"A": "secret", "B": "secret"},
	}
	extra := map[string]string{"A": "step"}

	v, ok := env.lookup("A", extra)
	require.True(t, ok)
	assert.Equal(t, "step", v)

	v, ok = env.lookup("B", extra)
	require.True(t, ok)
	assert.Equal(t, "secret", v)

	v, ok = env.lookup("C", extra)
	require.True(t, ok)
	assert.Equal(t, "vars", v)

	_, ok = env.lookup("D", extra)
	assert.False(t, ok)
}

func TestMatrixEnvKey(t *testing.T) {
	cases := map[string]string{
		"python":       "MATRIX_PYTHON",
		"node-version": "MATRIX_NODE_VERSION",
		"os":           "MATRIX_OS",
		"abi3":         "MATRIX_ABI3",
	}
	for axis, want := range cases {
		assert.Equal(t, want, matrixEnvKey(axis), axis)
	}
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"build":                        "build",
		"build [python=3.11]":          "build-python-3.11",
		"build [python=3.11 os=linux]": "build-python-3.11-os-linux",
		"a/b":                          "a-b",
		"[x]":                          "x",
		"typecheck_3.12":               "typecheck_3.12",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeName(in), in)
	}
}

func TestExecuteEnvOverrideOrder(t *testing.T) {
	wf := parseWorkflow(t, `
env:
  GREETING: wf
  WHO: world
jobs:
  show:
    env:
      GREETING: job
    steps:
      - run: echo "$GREETING $WHO $CONVEYOR_EVENT"
        env:
          WHO: step
      - run: echo "tag=${{ env.GREETING }}-${{ run.short_sha }}"
      - run: test "$PWD" = "$CONVEYOR_WORKSPACE"
`)
	eng := newTestEngine(t, nil)
	run, err := eng.Execute(context.Background(), localRequest(t, wf, event.NewPushEvent("refs/heads/main", testSHA), pyprojectSource(t)))

	require.NoError(t, err)
	show := run.Job("show")
	require.NotNil(t, show)
	require.Len(t, show.Instances, 1)
	steps := show.Instances[0].Steps
	require.Len(t, steps, 3)
	assert.Contains(t, steps[0].Output, "job step push")
	assert.Contains(t, steps[1].Output, "tag=job-01234567")
	assert.Equal(t, JobSucceeded, steps[2].State)
}

func TestExecuteSecretsScopedAndRedacted(t *testing.T) {
	wf := parseWorkflow(t, `
jobs:
  trusted:
    secrets: [API_TOKEN]
    steps:
      - run: echo "token=$API_TOKEN"
  untrusted:
    steps:
      - run: echo "token=$API_TOKEN"
`)
	eng := newTestEngine(t, nil)
	req := localRequest(t, wf, event.NewPushEvent("refs/heads/main", testSHA), pyprojectSource(t))
	req.Secrets = map[string]string{"API_TOKEN": "s3cr3t-value-9000"}
	run, err := eng.Execute(context.Background(), req)

	require.NoError(t, err)

	trusted := run.Job("trusted")
	require.NotNil(t, trusted)
	require.Len(t, trusted.Instances, 1)
	out := trusted.Instances[0].Steps[0].Output
	assert.Contains(t, out, "token=***")
	assert.NotContains(t, out, "s3cr3t-value-9000")

	untrusted := run.Job("untrusted")
	require.NotNil(t, untrusted)
	require.Len(t, untrusted.Instances, 1)
	assert.NotContains(t, untrusted.Instances[0].Steps[0].Output, "s3cr3t-value-9000")
	assert.False(t, strings.Contains(untrusted.Instances[0].Steps[0].Output, "***"))
}

func TestExecuteMissingSecretFailsJob(t *testing.T) {
	wf := parseWorkflow(t, `
jobs:
  needy:
    secrets: [DEPLOY_KEY]
    steps:
      - run: echo never
`)
	eng := newTestEngine(t, nil)
	run, err := eng.Execute(context.Background(), localRequest(t, wf, event.NewPushEvent("refs/heads/main", testSHA), pyprojectSource(t)))

	require.Error(t, err)
	assert.Equal(t, RunFailed, run.State)
	needy := run.Job("needy")
	require.NotNil(t, needy)
	assert.Equal(t, JobFailed, needy.State)
	assert.Contains(t, needy.Error, "undefined secret")
	assert.Empty(t, needy.Instances)
}
