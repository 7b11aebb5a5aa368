package stamp

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"git.home.luguber.info/inful/conveyor/internal/errors"
)

var (
	tomlVersionRe   = regexp.MustCompile(`(?m)^(\s*version\s*=\s*")[^"]*(")`)
	tomlExtractRe   = regexp.MustCompile(`(?m)^\s*version\s*=\s*"([^"]*)"`)
	pyVersionRe     = regexp.MustCompile(`(?m)^(__version__\s*=\s*["'])[^"']*(["'])`)
	bareVersionRe   = regexp.MustCompile(`^\s*v?\d[\w.+-]*\s*$`)
	versionFileList = []string{"pyproject.toml", "VERSION", "version.txt"}
)

// ReadVersion looks for the project version in conventional places under
// dir: a version assignment in pyproject.toml, or a bare VERSION /
// version.txt file. Returns the version and the file it came from, or
// empty strings when nothing was found (not an error; Compute falls back
// to a default base).
func ReadVersion(dir string) (version, source string, err error) {
	for _, name := range versionFileList {
		path := filepath.Join(dir, name)
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			if os.IsNotExist(readErr) {
				continue
			}
			return "", "", errors.WorkflowError("failed to read version file").
				WithContext("file", path).WithCause(readErr).Build()
		}
		content := string(data)
		if name == "pyproject.toml" {
			if m := tomlExtractRe.FindStringSubmatch(content); m != nil {
				return m[1], name, nil
			}
			continue
		}
		trimmed := strings.TrimSpace(content)
		if bareVersionRe.MatchString(trimmed) {
			return strings.TrimPrefix(trimmed, "v"), name, nil
		}
	}
	return "", "", nil
}

// RewriteFile replaces the version assignment in path with version,
// leaving every other byte untouched. Supported shapes, tried in order:
// `version = "..."` (pyproject.toml and friends), `__version__ = "..."`,
// and files whose whole content is a bare version. Only the first match
// is rewritten. No recognizable assignment is an error: silently stamping
// nothing would let an unversioned artifact through.
func RewriteFile(path, version string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.WorkflowError("failed to read version file").
			WithContext("file", path).WithCause(err).Build()
	}
	info, err := os.Stat(path)
	if err != nil {
		return errors.WorkflowError("failed to stat version file").
			WithContext("file", path).WithCause(err).Build()
	}

	content := string(data)
	rewritten, ok := replaceFirst(tomlVersionRe, content, version)
	if !ok {
		rewritten, ok = replaceFirst(pyVersionRe, content, version)
	}
	if !ok && bareVersionRe.MatchString(strings.TrimSpace(content)) {
		rewritten, ok = version+"\n", true
	}
	if !ok {
		return errors.ValidationError("no version assignment found in file").
			WithContext("file", path).Build()
	}

	if err := os.WriteFile(path, []byte(rewritten), info.Mode().Perm()); err != nil {
		return errors.WorkflowError("failed to write version file").
			WithContext("file", path).WithCause(err).Build()
	}
	return nil
}

// replaceFirst rewrites only the first regexp match, splicing version
// between the two capture groups.
func replaceFirst(re *regexp.Regexp, content, version string) (string, bool) {
	loc := re.FindStringSubmatchIndex(content)
	if loc == nil {
		return content, false
	}
	// loc[2:4] is group 1 (prefix), loc[4:6] group 2 (closing quote).
	var b strings.Builder
	b.Grow(len(content) + len(version))
	b.WriteString(content[:loc[3]])
	b.WriteString(version)
	b.WriteString(content[loc[4]:])
	return b.String(), true
}
