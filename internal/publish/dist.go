package publish

import (
	"path/filepath"
	"strings"

	"git.home.luguber.info/inful/conveyor/internal/errors"
)

// Dist is the index metadata derivable from a distribution filename.
type Dist struct {
	Name      string
	Version   string
	FileType  string // bdist_wheel or sdist
	PyVersion string // python tag for wheels, "source" for sdists
}

// ParseDist extracts upload metadata from a wheel or sdist filename.
// Wheel names follow PEP 427 (name-version[-build]-pytag-abitag-platform),
// sdists are name-version.tar.gz or .zip. Anything else is rejected before
// the upload starts.
func ParseDist(path string) (Dist, error) {
	base := filepath.Base(path)
	switch {
	case strings.HasSuffix(base, ".whl"):
		return parseWheel(base)
	case strings.HasSuffix(base, ".tar.gz"):
		return parseSdist(strings.TrimSuffix(base, ".tar.gz"))
	case strings.HasSuffix(base, ".zip"):
		return parseSdist(strings.TrimSuffix(base, ".zip"))
	default:
		return Dist{}, errors.ValidationError("unsupported distribution file").
			WithContext("file", base).Build()
	}
}

func parseWheel(base string) (Dist, error) {
	stem := strings.TrimSuffix(base, ".whl")
	parts := strings.Split(stem, "-")
	// name-version-pytag-abitag-platform, optional build tag after version.
	if len(parts) != 5 && len(parts) != 6 {
		return Dist{}, errors.ValidationError("malformed wheel filename").
			WithContext("file", base).Build()
	}
	return Dist{
		Name:      parts[0],
		Version:   parts[1],
		FileType:  "bdist_wheel",
		PyVersion: parts[len(parts)-3],
	}, nil
}

func parseSdist(stem string) (Dist, error) {
	idx := strings.LastIndex(stem, "-")
	if idx <= 0 || idx == len(stem)-1 {
		return Dist{}, errors.ValidationError("malformed sdist filename").
			WithContext("file", stem).Build()
	}
	return Dist{
		Name:      stem[:idx],
		Version:   stem[idx+1:],
		FileType:  "sdist",
		PyVersion: "source",
	}, nil
}
