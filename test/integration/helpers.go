// Package integration exercises complete workflow runs end to end:
// plan scheduling, matrix expansion, version stamping, artifact hand-off,
// and the publish step against a live HTTP index stub. Golden files pin
// the rendered run summaries.
package integration

import (
	"flag"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/conveyor/internal/artifact"
	"git.home.luguber.info/inful/conveyor/internal/engine"
	"git.home.luguber.info/inful/conveyor/internal/event"
	"git.home.luguber.info/inful/conveyor/internal/summary"
	"git.home.luguber.info/inful/conveyor/internal/workflow"
)

var updateGolden = flag.Bool("update-golden", false, "Update golden files")

// testSHA is the commit every scenario pretends to run at; its first
// eight characters show up in dev versions and summaries.
const testSHA = "0123456789abcdef0123456789abcdef01234567"

// scenario is one end-to-end run: a fixture repository from
// testdata/repos, the triggering event, and the golden summary to pin.
type scenario struct {
	repo    string
	event   event.Event
	secrets map[string]string

	// publisher backs the publish builtin; nil for scenarios whose deploy
	// job never runs.
	publisher engine.IndexPublisher

	golden string

	// replace maps raw strings (listener URLs and the like) to stable
	// placeholders before the generic normalization pass.
	replace map[string]string
}

// runScenario copies the fixture repo into a fresh tree, executes the
// workflow against the scenario event, and compares the normalized run
// summary with the golden file. Returns the settled run and Execute's
// error so callers can assert on both.
func runScenario(t *testing.T, sc scenario) (*engine.Run, error) {
	t.Helper()

	src := t.TempDir()
	require.NoError(t, copyDir(filepath.Join("testdata", "repos", sc.repo), src))

	wf, err := workflow.Load(filepath.Join(src, workflow.DefaultFileName))
	require.NoError(t, err)
	require.True(t, wf.On.Matches(sc.event), "scenario event must fire the workflow")

	store, err := artifact.NewFSStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	eng := engine.New(engine.Config{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Artifacts: store,
		Publisher: sc.publisher,
		Summary:   summary.NewWriter(t.TempDir()),
	})

	run, execErr := eng.Execute(t.Context(), engine.RunRequest{
		Project:      "pydemo",
		Workflow:     wf,
		Event:        sc.event,
		Workspace:    t.TempDir(),
		SkipCheckout: true,
		SourceDir:    src,
		Secrets:      sc.secrets,
	})
	require.NotNil(t, run)
	compareGolden(t, run, sc)
	return run, execErr
}

// compareGolden normalizes the written summary and checks it against
// testdata/golden/<name>; -update-golden rewrites the file instead.
func compareGolden(t *testing.T, run *engine.Run, sc scenario) {
	t.Helper()

	require.NotEmpty(t, run.SummaryPath, "run summary was not written")
	raw, err := os.ReadFile(run.SummaryPath)
	require.NoError(t, err)

	got := normalizeSummary(string(raw), sc.replace)
	goldenPath := filepath.Join("testdata", "golden", sc.golden)

	if *updateGolden {
		require.NoError(t, os.MkdirAll(filepath.Dir(goldenPath), 0o755))
		require.NoError(t, os.WriteFile(goldenPath, []byte(got), 0o644))
		return
	}

	want, err := os.ReadFile(goldenPath)
	require.NoError(t, err, "golden file missing; run with -update-golden")
	require.Equal(t, string(want), got)
}

var (
	uuidRe     = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	shortIDRe  = regexp.MustCompile(`run [0-9a-f]{8}\b`)
	timeRe     = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2})`)
	durationRe = regexp.MustCompile(`\b\d+(?:\.\d+)?(?:ns|µs|us|ms|s|m|h)(?:\d+(?:\.\d+)?(?:ns|µs|us|ms|s|m|h))*\b`)
)

// normalizeSummary strips the run-specific noise (IDs, timestamps,
// durations, listener ports) so summaries compare stably across runs.
func normalizeSummary(s string, replace map[string]string) string {
	keys := make([]string, 0, len(replace))
	for k := range replace {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s = strings.ReplaceAll(s, k, replace[k])
	}

	s = uuidRe.ReplaceAllString(s, "RUN-ID")
	s = shortIDRe.ReplaceAllString(s, "run RUN-ID")
	s = timeRe.ReplaceAllString(s, "TIMESTAMP")
	s = durationRe.ReplaceAllString(s, "DUR")
	return s
}

// copyDir replicates a fixture tree into dst, preserving permission bits.
func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode().Perm())
	})
}
