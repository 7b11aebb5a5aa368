package artifact

import (
	"context"
	"os"
	"path"
	"path/filepath"

	"git.home.luguber.info/inful/conveyor/internal/errors"
	"git.home.luguber.info/inful/conveyor/internal/workspace"
)

// Upload is a resolved (interpolated) artifact declaration: name plus
// workspace-relative glob patterns.
type Upload struct {
	Name  string
	Paths []string
}

// Download requests restoration of artifacts whose name matches Name
// (exact or glob) into Dir, relative to the workspace.
type Download struct {
	Name string
	Dir  string
}

// Harvest glob-matches every upload pattern under ws, stores the matched
// files by content, and appends them to the run's manifest. A pattern that
// matches nothing is an error: declared outputs are contractual, and a
// silently empty artifact would only fail later in a consumer with a far
// worse message.
func Harvest(ctx context.Context, store Archive, ws, runID string, uploads []Upload) error {
	for _, up := range uploads {
		var entries []Entry
		for _, pattern := range up.Paths {
			matches, err := filepath.Glob(filepath.Join(ws, pattern))
			if err != nil {
				return errors.ArtifactError("invalid artifact pattern").
					WithContext("artifact", up.Name).WithContext("pattern", pattern).
					WithCause(err).Build()
			}
			found := 0
			for _, match := range matches {
				info, err := os.Stat(match)
				if err != nil {
					return errors.ArtifactError("failed to stat artifact file").
						WithContext("artifact", up.Name).WithContext("path", match).
						WithCause(err).Build()
				}
				if info.IsDir() {
					continue
				}
				data, err := os.ReadFile(match)
				if err != nil {
					return errors.ArtifactError("failed to read artifact file").
						WithContext("artifact", up.Name).WithContext("path", match).
						WithCause(err).Build()
				}
				hash, err := store.Put(ctx, Object{Data: data})
				if err != nil {
					return err
				}
				rel, err := filepath.Rel(ws, match)
				if err != nil {
					rel = filepath.Base(match)
				}
				entries = append(entries, Entry{
					Path: filepath.ToSlash(rel),
					Hash: hash,
					Size: info.Size(),
					Mode: info.Mode().Perm(),
				})
				found++
			}
			if found == 0 {
				return errors.ArtifactError("artifact pattern matched no files").
					WithContext("artifact", up.Name).WithContext("pattern", pattern).
					Build()
			}
		}
		if err := store.AppendManifest(ctx, runID, up.Name, entries); err != nil {
			return err
		}
	}
	return nil
}

// Restore writes previously harvested artifacts back into ws. Each
// download names an artifact exactly or by glob; files land in Dir with
// their original basenames and permission bits.
func Restore(ctx context.Context, store Archive, ws, runID string, downloads []Download) error {
	if len(downloads) == 0 {
		return nil
	}
	m, err := store.ReadManifest(ctx, runID)
	if err != nil {
		return err
	}

	for _, down := range downloads {
		var matched []string
		for name := range m.Artifacts {
			ok, globErr := path.Match(down.Name, name)
			if globErr != nil {
				return errors.ArtifactError("invalid artifact name pattern").
					WithContext("pattern", down.Name).WithCause(globErr).Build()
			}
			if ok {
				matched = append(matched, name)
			}
		}
		if len(matched) == 0 {
			return errors.ArtifactError("no artifact matches download").
				WithContext("pattern", down.Name).
				WithContext("run_id", runID).
				WithCause(&ErrNotFound{Kind: "artifact", Key: down.Name}).
				Build()
		}

		targetDir, err := workspace.SafeJoin(ws, down.Dir)
		if err != nil {
			return errors.ArtifactError("artifact download dir escapes workspace").
				WithContext("dir", down.Dir).WithCause(err).Build()
		}
		if err := os.MkdirAll(targetDir, 0o755); err != nil {
			return errors.ArtifactError("failed to create download dir").
				WithContext("dir", targetDir).WithCause(err).Build()
		}

		for _, name := range matched {
			for _, entry := range m.Artifacts[name] {
				obj, err := store.Get(ctx, entry.Hash)
				if err != nil {
					return err
				}
				mode := entry.Mode
				if mode == 0 {
					mode = 0o644
				}
				target := filepath.Join(targetDir, filepath.Base(entry.Path))
				if err := os.WriteFile(target, obj.Data, mode); err != nil {
					return errors.ArtifactError("failed to restore artifact file").
						WithContext("artifact", name).WithContext("path", target).
						WithCause(err).Build()
				}
			}
		}
	}
	return nil
}

// Prune drops manifests beyond keepRuns (newest first) and garbage
// collects objects no remaining manifest references. Returns how many runs
// and objects were removed.
func Prune(ctx context.Context, store Archive, keepRuns int) (prunedRuns, prunedObjects int, err error) {
	if keepRuns < 0 {
		keepRuns = 0
	}
	runIDs, err := store.ListManifests(ctx)
	if err != nil {
		return 0, 0, err
	}

	var keep, drop []string
	if len(runIDs) > keepRuns {
		keep = runIDs[:keepRuns]
		drop = runIDs[keepRuns:]
	} else {
		keep = runIDs
	}

	for _, runID := range drop {
		if err := store.DeleteManifest(ctx, runID); err != nil {
			return prunedRuns, prunedObjects, err
		}
		prunedRuns++
	}

	referenced := make(map[string]bool)
	for _, runID := range keep {
		m, err := store.ReadManifest(ctx, runID)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return prunedRuns, prunedObjects, err
		}
		for _, entries := range m.Artifacts {
			for _, entry := range entries {
				referenced[entry.Hash] = true
			}
		}
	}

	hashes, err := store.List(ctx, "")
	if err != nil {
		return prunedRuns, prunedObjects, err
	}
	for _, hash := range hashes {
		if referenced[hash] {
			continue
		}
		if err := store.Delete(ctx, hash); err != nil {
			return prunedRuns, prunedObjects, err
		}
		prunedObjects++
	}
	return prunedRuns, prunedObjects, nil
}
