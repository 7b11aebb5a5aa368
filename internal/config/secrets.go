package config

import (
	"os"

	"github.com/joho/godotenv"

	"git.home.luguber.info/inful/conveyor/internal/errors"
)

// LoadSecretsFile reads a dotenv-format secrets file into a run secret set.
// Values never enter the process environment; the engine injects them only
// into jobs that list the names in their secrets allowlist.
func LoadSecretsFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	secrets, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ConfigError("secrets file not found").
				WithContext("file", path).
				Build()
		}
		return nil, errors.ConfigError("failed to parse secrets file").
			WithContext("file", path).
			WithCause(err).
			Build()
	}
	return secrets, nil
}
