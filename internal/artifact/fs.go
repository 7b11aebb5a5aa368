package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"git.home.luguber.info/inful/conveyor/internal/errors"
)

// FSStore keeps objects under <root>/objects/<2-char fanout>/<hash> and
// manifests under <root>/manifests/<runID>.json. Writes go through a temp
// file and an atomic rename, so a crashed daemon never leaves half an
// object behind.
type FSStore struct {
	root string

	// mu serializes manifest read-modify-write cycles; concurrent jobs of
	// one run append to the same manifest.
	mu sync.Mutex
}

// NewFSStore creates the store layout under root.
func NewFSStore(root string) (*FSStore, error) {
	for _, dir := range []string{
		filepath.Join(root, "objects"),
		filepath.Join(root, "manifests"),
		filepath.Join(root, "tmp"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.ArtifactError("failed to create artifact store").
				WithContext("path", dir).WithCause(err).Build()
		}
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) objectPath(hash string) string {
	return filepath.Join(s.root, "objects", hash[:2], hash)
}

func (s *FSStore) manifestPath(runID string) string {
	return filepath.Join(s.root, "manifests", runID+".json")
}

// HashBytes returns the store's content hash for data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *FSStore) Put(ctx context.Context, obj Object) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	hash := HashBytes(obj.Data)
	path := s.objectPath(hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.ArtifactError("failed to create object directory").
			WithContext("hash", hash).WithCause(err).Build()
	}
	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "obj-*")
	if err != nil {
		return "", errors.ArtifactError("failed to create temp object").WithCause(err).Build()
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(obj.Data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", errors.ArtifactError("failed to write object").
			WithContext("hash", hash).WithCause(err).Build()
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", errors.ArtifactError("failed to close temp object").
			WithContext("hash", hash).WithCause(err).Build()
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", errors.ArtifactError("failed to finalize object").
			WithContext("hash", hash).WithCause(err).Build()
	}
	return hash, nil
}

func (s *FSStore) Get(ctx context.Context, hash string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(hash) < 3 {
		return nil, errors.ArtifactError("invalid object hash").
			WithContext("hash", hash).Build()
	}
	data, err := os.ReadFile(s.objectPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ArtifactError("object missing from store").
				WithContext("hash", hash).
				WithCause(&ErrNotFound{Kind: "object", Key: hash}).
				Build()
		}
		return nil, errors.ArtifactError("failed to read object").
			WithContext("hash", hash).WithCause(err).Build()
	}
	return &Object{Hash: hash, Size: int64(len(data)), Data: data}, nil
}

func (s *FSStore) Exists(ctx context.Context, hash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if len(hash) < 3 {
		return false, nil
	}
	_, err := os.Stat(s.objectPath(hash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.ArtifactError("failed to stat object").
		WithContext("hash", hash).WithCause(err).Build()
}

func (s *FSStore) Delete(ctx context.Context, hash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(hash) < 3 {
		return nil
	}
	if err := os.Remove(s.objectPath(hash)); err != nil && !os.IsNotExist(err) {
		return errors.ArtifactError("failed to delete object").
			WithContext("hash", hash).WithCause(err).Build()
	}
	return nil
}

func (s *FSStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var hashes []string
	objectsRoot := filepath.Join(s.root, "objects")
	fanouts, err := os.ReadDir(objectsRoot)
	if err != nil {
		return nil, errors.ArtifactError("failed to list objects").WithCause(err).Build()
	}
	for _, fanout := range fanouts {
		if !fanout.IsDir() {
			continue
		}
		if prefix != "" && !strings.HasPrefix(prefix, fanout.Name()) &&
			!strings.HasPrefix(fanout.Name(), prefix) {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(objectsRoot, fanout.Name()))
		if err != nil {
			return nil, errors.ArtifactError("failed to list objects").
				WithContext("path", fanout.Name()).WithCause(err).Build()
		}
		for _, entry := range entries {
			if strings.HasPrefix(entry.Name(), prefix) {
				hashes = append(hashes, entry.Name())
			}
		}
	}
	sort.Strings(hashes)
	return hashes, nil
}

func (s *FSStore) Close() error { return nil }

// WriteManifest persists m atomically, replacing any previous manifest of
// the same run.
func (s *FSStore) WriteManifest(ctx context.Context, m *Manifest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.RunID == "" {
		return errors.ArtifactError("manifest has no run ID").Build()
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.ArtifactError("failed to encode manifest").
			WithContext("run_id", m.RunID).WithCause(err).Build()
	}
	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "manifest-*")
	if err != nil {
		return errors.ArtifactError("failed to create temp manifest").WithCause(err).Build()
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.ArtifactError("failed to write manifest").
			WithContext("run_id", m.RunID).WithCause(err).Build()
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.ArtifactError("failed to close temp manifest").WithCause(err).Build()
	}
	if err := os.Rename(tmpName, s.manifestPath(m.RunID)); err != nil {
		os.Remove(tmpName)
		return errors.ArtifactError("failed to finalize manifest").
			WithContext("run_id", m.RunID).WithCause(err).Build()
	}
	return nil
}

func (s *FSStore) ReadManifest(ctx context.Context, runID string) (*Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.manifestPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ArtifactError("run has no artifact manifest").
				WithContext("run_id", runID).
				WithCause(&ErrNotFound{Kind: "manifest", Key: runID}).
				Build()
		}
		return nil, errors.ArtifactError("failed to read manifest").
			WithContext("run_id", runID).WithCause(err).Build()
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.ArtifactError("corrupt manifest").
			WithContext("run_id", runID).WithCause(err).Build()
	}
	return &m, nil
}

// ListManifests returns run IDs, newest first by file modification time.
func (s *FSStore) ListManifests(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.root, "manifests"))
	if err != nil {
		return nil, errors.ArtifactError("failed to list manifests").WithCause(err).Build()
	}
	type stamped struct {
		runID string
		mtime time.Time
	}
	var all []stamped
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		all = append(all, stamped{
			runID: strings.TrimSuffix(name, ".json"),
			mtime: info.ModTime(),
		})
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].mtime.Equal(all[j].mtime) {
			return all[i].mtime.After(all[j].mtime)
		}
		return all[i].runID > all[j].runID
	})
	runIDs := make([]string, len(all))
	for i, entry := range all {
		runIDs[i] = entry.runID
	}
	return runIDs, nil
}

func (s *FSStore) DeleteManifest(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.manifestPath(runID)); err != nil && !os.IsNotExist(err) {
		return errors.ArtifactError("failed to delete manifest").
			WithContext("run_id", runID).WithCause(err).Build()
	}
	return nil
}

// AppendManifest merges new entries into the run manifest under lock.
func (s *FSStore) AppendManifest(ctx context.Context, runID, artifact string, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.ReadManifest(ctx, runID)
	if err != nil {
		if !IsNotFound(err) {
			return err
		}
		m = &Manifest{
			RunID:     runID,
			CreatedAt: time.Now().UTC(),
			Artifacts: make(map[string][]Entry),
		}
	}
	if m.Artifacts == nil {
		m.Artifacts = make(map[string][]Entry)
	}
	m.Artifacts[artifact] = append(m.Artifacts[artifact], entries...)
	return s.WriteManifest(ctx, m)
}

var _ Archive = (*FSStore)(nil)
