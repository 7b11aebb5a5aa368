package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/conveyor/internal/event"
	"git.home.luguber.info/inful/conveyor/internal/workflow"
)

func TestStarterWorkflowParses(t *testing.T) {
	wf, err := workflow.Parse([]byte(starterWorkflow))
	require.NoError(t, err)

	require.Equal(t, "release", wf.Name)
	require.Len(t, wf.Jobs, 3)
	require.Equal(t, []string{"typecheck", "build", "deploy"}, wf.JobOrder)

	typecheck := wf.Jobs["typecheck"]
	require.NotNil(t, typecheck.Strategy)
	require.Equal(t, []string{"3.11", "3.12", "3.13"}, typecheck.Strategy.Matrix["python"])

	build := wf.Jobs["build"]
	require.Equal(t, []string{"typecheck"}, build.Needs)
	require.Equal(t, 2, build.Strategy.MaxParallel)
	require.Equal(t, "stamp", build.Steps[0].Uses)
	require.NotNil(t, build.Artifacts)
	require.Equal(t, "wheels-${{ matrix.python }}", build.Artifacts.Upload[0].Name)

	deploy := wf.Jobs["deploy"]
	require.Equal(t, []string{"build"}, deploy.Needs)
	require.NotNil(t, deploy.If)
	require.Equal(t, []string{"v*"}, deploy.If.Tags)
	require.Equal(t, []string{"INDEX_USERNAME", "INDEX_TOKEN"}, deploy.Secrets)
	last := deploy.Steps[len(deploy.Steps)-1]
	require.Equal(t, "publish", last.Uses)
	require.NotEmpty(t, last.With["index-url"])
}

func TestStarterWorkflowTriggers(t *testing.T) {
	wf, err := workflow.Parse([]byte(starterWorkflow))
	require.NoError(t, err)

	sha := "0123456789abcdef0123456789abcdef01234567"
	require.True(t, wf.On.Matches(event.NewPushEvent("refs/heads/main", sha)))
	require.True(t, wf.On.Matches(event.NewTagEvent("refs/tags/v1.2.0", sha)))
	require.True(t, wf.On.Matches(event.NewManualEvent("refs/heads/main", sha)))
	require.False(t, wf.On.Matches(event.NewPushEvent("refs/heads/feature/x", sha)))
	require.False(t, wf.On.Matches(event.NewTagEvent("refs/tags/nightly", sha)))
}

func TestWriteStarterWorkflow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conveyor.yml")

	require.NoError(t, writeStarterWorkflow(path, false))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	_, err = workflow.Parse(data)
	require.NoError(t, err)

	t.Run("refuses to overwrite", func(t *testing.T) {
		err := writeStarterWorkflow(path, false)
		require.Error(t, err)
		require.Contains(t, err.Error(), "already exists")
	})

	t.Run("force overwrites", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("name: scribble\n"), 0o644))
		require.NoError(t, writeStarterWorkflow(path, true))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Equal(t, starterWorkflow, string(data))
	})
}
