// Package stamp derives the version identity of a run: tag builds carry
// the tag version, every other build gets a dev version tied to the
// commit, and the stamp builtin writes that version back into the
// project's version file.
package stamp

import (
	"fmt"
	"regexp"
	"strings"

	"git.home.luguber.info/inful/conveyor/internal/errors"
	"git.home.luguber.info/inful/conveyor/internal/event"
)

// Scheme selects the dev-version suffix syntax.
type Scheme string

const (
	SchemePEP440 Scheme = "pep440"
	SchemeSemver Scheme = "semver"
)

// ParseScheme maps a configuration string to a Scheme. Empty means pep440.
func ParseScheme(s string) (Scheme, error) {
	switch s {
	case "", string(SchemePEP440):
		return SchemePEP440, nil
	case string(SchemeSemver):
		return SchemeSemver, nil
	default:
		return "", errors.ValidationError("unknown version scheme").
			WithContext("scheme", s).Build()
	}
}

// Context is the per-run version identity, computed once and exported to
// every step as CONVEYOR_VERSION / run.version.
type Context struct {
	Version  string
	ShortSHA string
	IsTag    bool

	// Source records where the version came from: "tag", "file", or
	// "default" when the repository carries no version file.
	Source string
}

// Options tune Compute. Zero value means pep440 with tag prefix "v".
type Options struct {
	Scheme    Scheme
	TagPrefix string
}

const defaultTagPrefix = "v"

var (
	shaRe  = regexp.MustCompile(`^[0-9a-fA-F]{8,}$`)
	baseRe = regexp.MustCompile(`^\d+(?:\.\d+)*`)
)

// ShortSHA returns the first 8 hex characters of a commit SHA, lowercased.
// Anything shorter or non-hex is rejected: a malformed SHA would poison
// every stamped artifact of the run.
func ShortSHA(sha string) (string, error) {
	if !shaRe.MatchString(sha) {
		return "", errors.ValidationError("commit SHA must be at least 8 hex characters").
			WithContext("sha", sha).Build()
	}
	return strings.ToLower(sha[:8]), nil
}

// CleanBase strips pre-release, post, and dev suffixes from a version,
// keeping only the leading dotted-number run: "1.2.0rc1" -> "1.2.0",
// "2.0.0-rc.1" -> "2.0.0", "1.2.post1" -> "1.2".
func CleanBase(version string) (string, error) {
	base := baseRe.FindString(strings.TrimSpace(version))
	if base == "" {
		return "", errors.ValidationError("version has no numeric base").
			WithContext("version", version).Build()
	}
	return base, nil
}

// DevVersion builds the non-tag version for a commit:
// pep440 "1.2.0.dev0+deadbeef", semver "1.2.0-dev.0+deadbeef".
func DevVersion(base, sha string, scheme Scheme) (string, error) {
	short, err := ShortSHA(sha)
	if err != nil {
		return "", err
	}
	clean, err := CleanBase(base)
	if err != nil {
		return "", err
	}
	switch scheme {
	case SchemeSemver:
		return fmt.Sprintf("%s-dev.0+%s", clean, short), nil
	default:
		return fmt.Sprintf("%s.dev0+%s", clean, short), nil
	}
}

// Compute derives the run's version context from the triggering event and
// the version read from the repository (empty when none was found).
//
// Tag events use the tag itself, with the prefix stripped when present;
// when a file version exists its base must agree with the tag's base, so a
// tag 1.3.0 on a tree that still says 1.2.x fails loudly instead of
// shipping a mislabeled artifact. Non-tag events always produce a dev
// version derived from the commit.
func Compute(evt event.Event, fileVersion string, opts Options) (Context, error) {
	short, err := ShortSHA(evt.SHA)
	if err != nil {
		return Context{}, err
	}

	if evt.IsTag() {
		prefix := opts.TagPrefix
		if prefix == "" {
			prefix = defaultTagPrefix
		}
		version := strings.TrimPrefix(evt.RefName, prefix)
		if version == "" {
			return Context{}, errors.ValidationError("tag is empty after prefix strip").
				WithContext("tag", evt.RefName).Build()
		}
		tagBase, err := CleanBase(version)
		if err != nil {
			return Context{}, err
		}
		if fileVersion != "" {
			fileBase, err := CleanBase(fileVersion)
			if err != nil {
				return Context{}, err
			}
			if fileBase != tagBase {
				return Context{}, errors.ValidationError("tag version does not match the repository version").
					WithContext("tag", version).
					WithContext("file_version", fileVersion).
					Build()
			}
		}
		return Context{Version: version, ShortSHA: short, IsTag: true, Source: "tag"}, nil
	}

	base := fileVersion
	source := "file"
	if base == "" {
		base = "0.0.0"
		source = "default"
	}
	version, err := DevVersion(base, evt.SHA, opts.Scheme)
	if err != nil {
		return Context{}, err
	}
	return Context{Version: version, ShortSHA: short, Source: source}, nil
}
