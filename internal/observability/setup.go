package observability

import (
	"io"
	"log/slog"
	"regexp"

	"github.com/m-mizutani/masq"
)

// LogFormat selects the slog handler used for process-wide logging.
type LogFormat string

const (
	FormatText LogFormat = "text"
	FormatJSON LogFormat = "json"
)

// bearerPattern matches "Bearer <token>" values that may leak into log fields.
var bearerPattern = regexp.MustCompile(`(?i)bearer\s+\S+`)

// tokenInlinePattern matches inline "token=<value>" or "password: <value>"
// fragments that may appear in arbitrary string fields.
var tokenInlinePattern = regexp.MustCompile(`(?i)(token|password|secret)\s*[:=]\s*\S+`)

// redactAttr returns a masq-powered ReplaceAttr function for slog.HandlerOptions.
// It redacts by field name for known credential fields and by regex for values
// that escape call-site redaction. Step output redaction happens separately in
// the exec runner; this layer catches credentials logged through attributes.
func redactAttr() func([]string, slog.Attr) slog.Attr {
	return masq.New(
		masq.WithFieldName("password"),
		masq.WithFieldName("token"),
		masq.WithFieldName("secret"),
		masq.WithFieldName("authorization"),
		masq.WithFieldPrefix("secret_"),
		masq.WithFieldPrefix("webhook_secret"),
		masq.WithRegex(bearerPattern),
		masq.WithRegex(tokenInlinePattern),
	)
}

// SetupLogging installs the process-wide default slog logger and returns it.
// All handlers carry the redaction layer so credential material never reaches
// a sink through structured attributes.
func SetupLogging(w io.Writer, level slog.Level, format LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactAttr(),
	}

	var handler slog.Handler
	switch format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
