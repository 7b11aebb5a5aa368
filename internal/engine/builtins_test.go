package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/conveyor/internal/event"
	"git.home.luguber.info/inful/conveyor/internal/workflow"
)

// releaseWorkflow is the canonical build-then-publish shape: the deploy job
// is tag-gated and reads its index credentials from run secrets.
const releaseWorkflow = `
name: release
jobs:
  build:
    steps:
      - run: mkdir -p dist && echo wheel > "dist/demo-${{ run.version }}-py3-none-any.whl"
    artifacts:
      upload:
        - name: dist
          paths: ["dist/*.whl"]
  deploy:
    needs: [build]
    if:
      tags: ["v*"]
    secrets: [INDEX_USERNAME, INDEX_TOKEN]
    artifacts:
      download:
        - name: dist
          dir: dist
    steps:
      - uses: publish
        with:
          index-url: https://index.example/legacy/
`

func releaseRequest(t *testing.T, wf *workflow.Workflow, evt event.Event) RunRequest {
	t.Helper()
	req := localRequest(t, wf, evt, pyprojectSource(t))
	req.Secrets = map[string]string{
		"INDEX_USERNAME": "bob",
		"INDEX_TOKEN":    "pypi-AgEIcHlwaS5vcmc",
	}
	return req
}

func TestExecuteStampRewritesInstanceCopyOnly(t *testing.T) {
	wf := parseWorkflow(t, `
jobs:
  version:
    steps:
      - uses: stamp
      - run: cat pyproject.toml
`)
	eng := newTestEngine(t, nil)
	src := pyprojectSource(t)
	run, err := eng.Execute(context.Background(), localRequest(t, wf, event.NewPushEvent("refs/heads/main", testSHA), src))

	require.NoError(t, err)
	assert.Equal(t, "1.2.0.dev0+01234567", run.Version)

	version := run.Job("version")
	require.NotNil(t, version)
	require.Len(t, version.Instances, 1)
	steps := version.Instances[0].Steps
	require.Len(t, steps, 2)
	assert.Equal(t, "stamped pyproject.toml with version 1.2.0.dev0+01234567\n", steps[0].Output)
	assert.Contains(t, steps[1].Output, `version = "1.2.0.dev0+01234567"`)

	// The checkout itself keeps the committed version.
	original, err := os.ReadFile(filepath.Join(src, "pyproject.toml"))
	require.NoError(t, err)
	assert.Contains(t, string(original), `version = "1.2.0"`)
}

func TestExecuteStampTagEventUsesTagVersion(t *testing.T) {
	wf := parseWorkflow(t, `
jobs:
  version:
    steps:
      - uses: stamp
      - run: grep version pyproject.toml
`)
	eng := newTestEngine(t, nil)
	run, err := eng.Execute(context.Background(), localRequest(t, wf, event.NewTagEvent("refs/tags/v1.2.0", testSHA), pyprojectSource(t)))

	require.NoError(t, err)
	assert.Equal(t, "1.2.0", run.Version)
	version := run.Job("version")
	require.NotNil(t, version)
	assert.Contains(t, version.Instances[0].Steps[1].Output, `version = "1.2.0"`)
}

func TestExecuteStampSchemeOverride(t *testing.T) {
	wf := parseWorkflow(t, `
jobs:
  version:
    steps:
      - uses: stamp
        with:
          scheme: semver
`)
	eng := newTestEngine(t, nil)
	run, err := eng.Execute(context.Background(), localRequest(t, wf, event.NewPushEvent("refs/heads/main", testSHA), pyprojectSource(t)))

	require.NoError(t, err)
	assert.Equal(t, "1.2.0-dev.0+01234567", run.Version)
}

func TestExecuteStampExplicitFile(t *testing.T) {
	wf := parseWorkflow(t, `
jobs:
  version:
    steps:
      - uses: stamp
        with:
          file: VERSION
      - run: cat VERSION
`)
	src := writeTree(t, map[string]string{"VERSION": "0.9.1\n"})
	eng := newTestEngine(t, nil)
	run, err := eng.Execute(context.Background(), localRequest(t, wf, event.NewPushEvent("refs/heads/main", testSHA), src))

	require.NoError(t, err)
	assert.Equal(t, "0.9.1.dev0+01234567", run.Version)
	version := run.Job("version")
	require.NotNil(t, version)
	assert.Equal(t, "0.9.1.dev0+01234567\n", version.Instances[0].Steps[1].Output)
}

func TestExecuteTagRunPublishes(t *testing.T) {
	wf := parseWorkflow(t, releaseWorkflow)
	pub := &fakePublisher{}
	eng := newTestEngine(t, func(cfg *Config) { cfg.Publisher = pub })
	run, err := eng.Execute(context.Background(), releaseRequest(t, wf, event.NewTagEvent("refs/tags/v1.2.0", testSHA)))

	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, run.State)
	assert.Equal(t, "1.2.0", run.Version)

	require.Equal(t, 1, pub.callCount())
	call := pub.calls[0]
	assert.Equal(t, "https://index.example/legacy/", call.IndexURL)
	assert.Equal(t, "bob", call.Credentials.Username)
	assert.Equal(t, "pypi-AgEIcHlwaS5vcmc", call.Credentials.Token)
	assert.False(t, call.SkipExisting)
	require.Len(t, call.Files, 1)
	assert.Equal(t, "demo-1.2.0-py3-none-any.whl", filepath.Base(call.Files[0]))

	require.Len(t, run.Publishes, 1)
	assert.Equal(t, 1, run.Publishes[0].Published)

	deploy := run.Job("deploy")
	require.NotNil(t, deploy)
	require.Len(t, deploy.Instances, 1)
	out := deploy.Instances[0].Steps[0].Output
	assert.Contains(t, out, "demo-1.2.0-py3-none-any.whl")
	assert.Contains(t, out, "published 1, skipped 0, failed 0 of 1")
	assert.NotContains(t, out, "pypi-AgEIcHlwaS5vcmc")
}

func TestExecuteBranchPushNeverReachesPublisher(t *testing.T) {
	wf := parseWorkflow(t, releaseWorkflow)
	pub := &fakePublisher{}
	eng := newTestEngine(t, func(cfg *Config) { cfg.Publisher = pub })
	run, err := eng.Execute(context.Background(), releaseRequest(t, wf, event.NewPushEvent("refs/heads/main", testSHA)))

	// A gate skip is not a failure: the build half of the workflow ran.
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, run.State)
	assert.Equal(t, 0, pub.callCount())

	deploy := run.Job("deploy")
	require.NotNil(t, deploy)
	assert.Equal(t, JobSkipped, deploy.State)
	assert.Equal(t, SkipGated, deploy.SkipReason)
	assert.Empty(t, deploy.Instances)

	build := run.Job("build")
	require.NotNil(t, build)
	assert.Equal(t, JobSucceeded, build.State)
	require.Len(t, build.Artifacts, 1)
	assert.Equal(t, "dist", build.Artifacts[0].Name)
}

func TestExecuteFailedBuildNeverReachesPublisher(t *testing.T) {
	wf := parseWorkflow(t, `
name: release
jobs:
  build:
    steps:
      - run: exit 1
  deploy:
    needs: [build]
    if:
      tags: ["v*"]
    steps:
      - uses: publish
        with:
          index-url: https://index.example/legacy/
`)
	pub := &fakePublisher{}
	eng := newTestEngine(t, func(cfg *Config) { cfg.Publisher = pub })
	run, err := eng.Execute(context.Background(), releaseRequest(t, wf, event.NewTagEvent("refs/tags/v1.2.0", testSHA)))

	require.Error(t, err)
	assert.Equal(t, RunFailed, run.State)
	assert.Equal(t, 0, pub.callCount())

	deploy := run.Job("deploy")
	require.NotNil(t, deploy)
	assert.Equal(t, JobSkipped, deploy.State)
	assert.Equal(t, SkipBlocked, deploy.SkipReason)
}

func TestExecutePublishMissingCredentials(t *testing.T) {
	wf := parseWorkflow(t, `
jobs:
  deploy:
    steps:
      - uses: publish
        with:
          index-url: https://index.example/legacy/
`)
	pub := &fakePublisher{}
	eng := newTestEngine(t, func(cfg *Config) { cfg.Publisher = pub })
	run, err := eng.Execute(context.Background(), localRequest(t, wf, event.NewTagEvent("refs/tags/v1.2.0", testSHA), pyprojectSource(t)))

	require.Error(t, err)
	assert.Equal(t, RunFailed, run.State)
	assert.Equal(t, 0, pub.callCount())

	deploy := run.Job("deploy")
	require.NotNil(t, deploy)
	require.Len(t, deploy.Instances, 1)
	// Credentials are checked before files are even globbed.
	assert.Contains(t, deploy.Instances[0].Error, "credentials missing")
	assert.NotContains(t, deploy.Instances[0].Error, "no distributions")
}

func TestExecutePublishNoDistributions(t *testing.T) {
	wf := parseWorkflow(t, `
jobs:
  deploy:
    secrets: [INDEX_USERNAME, INDEX_TOKEN]
    steps:
      - uses: publish
        with:
          index-url: https://index.example/legacy/
`)
	pub := &fakePublisher{}
	eng := newTestEngine(t, func(cfg *Config) { cfg.Publisher = pub })
	run, err := eng.Execute(context.Background(), releaseRequest(t, wf, event.NewTagEvent("refs/tags/v1.2.0", testSHA)))

	require.Error(t, err)
	assert.Equal(t, 0, pub.callCount())
	deploy := run.Job("deploy")
	require.NotNil(t, deploy)
	assert.Contains(t, deploy.Instances[0].Error, "no distributions")
}

func TestExecutePublishWithoutPublisherConfigured(t *testing.T) {
	wf := parseWorkflow(t, `
jobs:
  deploy:
    steps:
      - uses: publish
        with:
          index-url: https://index.example/legacy/
`)
	eng := newTestEngine(t, nil)
	run, err := eng.Execute(context.Background(), localRequest(t, wf, event.NewTagEvent("refs/tags/v1.2.0", testSHA), pyprojectSource(t)))

	require.Error(t, err)
	deploy := run.Job("deploy")
	require.NotNil(t, deploy)
	assert.Contains(t, deploy.Instances[0].Error, "publisher not configured")
}
