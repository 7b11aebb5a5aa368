// Package artifact stores job outputs content-addressed and hands them
// between jobs of a run through per-run manifests.
package artifact

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"time"
)

// Object is one content-addressed blob. Hash is the lowercase sha256 hex
// of Data; Put fills it in.
type Object struct {
	Hash string
	Size int64
	Data []byte
}

// Store is object-level storage. Implementations must be safe for
// concurrent use; matrix instances harvest in parallel.
type Store interface {
	// Put writes the object if it is not already present and returns its
	// content hash. Identical content is stored once.
	Put(ctx context.Context, obj Object) (string, error)
	Get(ctx context.Context, hash string) (*Object, error)
	Exists(ctx context.Context, hash string) (bool, error)
	Delete(ctx context.Context, hash string) error
	// List returns hashes starting with prefix; empty prefix lists all.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// ManifestStore persists the per-run artifact manifests.
type ManifestStore interface {
	WriteManifest(ctx context.Context, m *Manifest) error
	ReadManifest(ctx context.Context, runID string) (*Manifest, error)
	// AppendManifest merges entries into the run manifest under one
	// artifact name. Implementations serialize concurrent appends.
	AppendManifest(ctx context.Context, runID, artifact string, entries []Entry) error
	// ListManifests returns run IDs, newest first.
	ListManifests(ctx context.Context) ([]string, error)
	DeleteManifest(ctx context.Context, runID string) error
}

// Archive is the full artifact surface the engine and daemon wire in.
type Archive interface {
	Store
	ManifestStore
}

// Manifest records what a run uploaded, keyed by artifact name.
type Manifest struct {
	RunID     string             `json:"run_id"`
	CreatedAt time.Time          `json:"created_at"`
	Artifacts map[string][]Entry `json:"artifacts"`
}

// Entry is one stored file of an artifact.
type Entry struct {
	Path string      `json:"path"`
	Hash string      `json:"hash"`
	Size int64       `json:"size"`
	Mode fs.FileMode `json:"mode"`
}

// ErrNotFound reports a missing object, manifest, or named artifact.
type ErrNotFound struct {
	Kind string
	Key  string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("artifact %s not found: %s", e.Kind, e.Key)
}

// IsNotFound reports whether err wraps an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return stderrors.As(err, &nf)
}
