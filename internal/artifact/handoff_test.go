package artifact

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"git.home.luguber.info/inful/conveyor/internal/errors"
)

func seedWorkspace(t *testing.T, files map[string]string) string {
	t.Helper()
	ws := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(ws, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
			t.Fatal(err)
		}
	}
	return ws
}

func TestHarvestAndRestore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ws := seedWorkspace(t, map[string]string{
		"dist/pkg-1.0-py3-none-any.whl": "wheel one",
		"dist/pkg-1.0.tar.gz":           "sdist",
		"notes.txt":                     "ignore me",
	})

	err := Harvest(ctx, store, ws, "run-1", []Upload{
		{Name: "dist", Paths: []string{"dist/*.whl", "dist/*.tar.gz"}},
	})
	if err != nil {
		t.Fatalf("Harvest() error = %v", err)
	}

	m, err := store.ReadManifest(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Artifacts["dist"]) != 2 {
		t.Fatalf("entries = %v", m.Artifacts["dist"])
	}
	for _, entry := range m.Artifacts["dist"] {
		if !strings.HasPrefix(entry.Path, "dist/") {
			t.Errorf("entry path %q should be workspace-relative", entry.Path)
		}
	}

	target := t.TempDir()
	err = Restore(ctx, store, target, "run-1", []Download{{Name: "dist", Dir: "incoming"}})
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(target, "incoming", "pkg-1.0-py3-none-any.whl"))
	if err != nil {
		t.Fatalf("restored wheel missing: %v", err)
	}
	if string(data) != "wheel one" {
		t.Errorf("restored content = %q", data)
	}
	info, err := os.Stat(filepath.Join(target, "incoming", "pkg-1.0.tar.gz"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Errorf("mode = %v, want 0640 preserved", info.Mode().Perm())
	}
}

func TestHarvestEmptyPatternFails(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ws := seedWorkspace(t, map[string]string{"src/main.py": ""})

	err := Harvest(ctx, store, ws, "run-1", []Upload{
		{Name: "dist", Paths: []string{"dist/*.whl"}},
	})
	if err == nil {
		t.Fatal("expected error for pattern with no matches")
	}
	if !errors.HasCategory(err, errors.CategoryArtifact) {
		t.Errorf("category = %v", errors.GetCategory(err))
	}
	if !strings.Contains(err.Error(), "dist/*.whl") {
		t.Errorf("error should name the pattern: %v", err)
	}
}

func TestRestoreGlobNames(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ws := seedWorkspace(t, map[string]string{
		"out/a.whl": "a",
		"out/b.whl": "b",
	})

	if err := Harvest(ctx, store, ws, "run-2", []Upload{
		{Name: "wheel-3.12", Paths: []string{"out/a.whl"}},
		{Name: "wheel-3.13", Paths: []string{"out/b.whl"}},
	}); err != nil {
		t.Fatal(err)
	}

	target := t.TempDir()
	if err := Restore(ctx, store, target, "run-2", []Download{{Name: "wheel-*", Dir: "dist"}}); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	for _, name := range []string{"a.whl", "b.whl"} {
		if _, err := os.Stat(filepath.Join(target, "dist", name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
}

func TestRestoreUnknownArtifact(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ws := seedWorkspace(t, map[string]string{"out/a.whl": "a"})
	if err := Harvest(ctx, store, ws, "run-3", []Upload{
		{Name: "wheels", Paths: []string{"out/*.whl"}},
	}); err != nil {
		t.Fatal(err)
	}

	err := Restore(ctx, store, t.TempDir(), "run-3", []Download{{Name: "sdist", Dir: "in"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsNotFound(err) {
		t.Errorf("IsNotFound() = false: %v", err)
	}
}

func TestRestoreEscapingDirFails(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ws := seedWorkspace(t, map[string]string{"out/a.whl": "a"})
	if err := Harvest(ctx, store, ws, "run-4", []Upload{
		{Name: "wheels", Paths: []string{"out/*.whl"}},
	}); err != nil {
		t.Fatal(err)
	}

	err := Restore(ctx, store, t.TempDir(), "run-4", []Download{{Name: "wheels", Dir: "../escape"}})
	if err == nil {
		t.Fatal("expected error for escaping dir")
	}
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i, runID := range []string{"run-old", "run-mid", "run-new"} {
		ws := seedWorkspace(t, map[string]string{
			"dist/file.whl": "content-" + runID,
		})
		if err := Harvest(ctx, store, ws, runID, []Upload{
			{Name: "dist", Paths: []string{"dist/*.whl"}},
		}); err != nil {
			t.Fatal(err)
		}
		// Manifest ordering is by mtime; pin it so the test is deterministic.
		manifestPath := filepath.Join(store.root, "manifests", runID+".json")
		when := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour)
		if err := os.Chtimes(manifestPath, when, when); err != nil {
			t.Fatal(err)
		}
	}

	prunedRuns, prunedObjects, err := Prune(ctx, store, 1)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if prunedRuns != 2 {
		t.Errorf("prunedRuns = %d, want 2", prunedRuns)
	}
	if prunedObjects != 2 {
		t.Errorf("prunedObjects = %d, want 2", prunedObjects)
	}

	if _, err := store.ReadManifest(ctx, "run-new"); err != nil {
		t.Errorf("newest run should survive: %v", err)
	}
	if _, err := store.ReadManifest(ctx, "run-old"); !IsNotFound(err) {
		t.Errorf("oldest run should be pruned, got %v", err)
	}
}
