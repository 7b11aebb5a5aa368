package config

import "log/slog"

// Secret is a string that never renders its value. Formatting, JSON and
// YAML marshaling, and slog all see `***`; code that needs the real value
// calls Value.
type Secret string

const redacted = "***"

// Value returns the underlying secret material.
func (s Secret) Value() string { return string(s) }

// IsSet reports whether a value was configured.
func (s Secret) IsSet() bool { return s != "" }

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return []byte(`""`), nil
	}
	return []byte(`"` + redacted + `"`), nil
}

func (s Secret) MarshalYAML() (any, error) {
	if s == "" {
		return "", nil
	}
	return redacted, nil
}

func (s Secret) LogValue() slog.Value {
	return slog.StringValue(s.String())
}
