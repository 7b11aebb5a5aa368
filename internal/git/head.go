package git

import (
	"os"
	"path/filepath"
	"strings"

	"git.home.luguber.info/inful/conveyor/internal/errors"
	"git.home.luguber.info/inful/conveyor/internal/logfields"
)

// ResolveHead reads the current HEAD of a repository without opening it
// through go-git. Local runs that skip checkout use this to synthesize the
// triggering event from whatever the working directory points at.
//
// Returns the commit SHA and the full ref name; ref is empty for a
// detached HEAD.
func ResolveHead(dir string) (sha, ref string, err error) {
	headPath := filepath.Join(dir, ".git", "HEAD")
	data, err := os.ReadFile(headPath)
	if err != nil {
		return "", "", errors.WrapError(err, errors.CategoryGit, "failed to read HEAD").
			WithContext(logfields.KeyPath, dir).Build()
	}

	line := strings.TrimSpace(string(data))
	if !strings.HasPrefix(line, "ref:") {
		// Detached HEAD holds the commit hash directly.
		return line, "", nil
	}

	ref = strings.TrimSpace(strings.TrimPrefix(line, "ref:"))
	sha, err = resolveRef(dir, ref)
	if err != nil {
		return "", "", err
	}
	return sha, ref, nil
}

// resolveRef resolves a full ref name to a SHA, trying the loose ref file
// first and falling back to packed-refs.
func resolveRef(dir, ref string) (string, error) {
	loose := filepath.Join(dir, ".git", filepath.FromSlash(ref))
	if data, err := os.ReadFile(loose); err == nil {
		return strings.TrimSpace(string(data)), nil
	}

	packed, err := os.ReadFile(filepath.Join(dir, ".git", "packed-refs"))
	if err != nil {
		return "", errors.NotFoundError("ref not found").
			WithContext(logfields.KeyRef, ref).
			WithContext(logfields.KeyPath, dir).Build()
	}
	for _, line := range strings.Split(string(packed), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "^") {
			continue
		}
		hash, name, ok := strings.Cut(line, " ")
		if ok && name == ref {
			return hash, nil
		}
	}
	return "", errors.NotFoundError("ref not found").
		WithContext(logfields.KeyRef, ref).
		WithContext(logfields.KeyPath, dir).Build()
}
