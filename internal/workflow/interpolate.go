package workflow

import (
	"strings"

	"git.home.luguber.info/inful/conveyor/internal/errors"
)

// ExprContext holds the values visible to ${{ ... }} expressions. Each map
// is one namespace: run.*, matrix.*, env.*, secrets.*.
type ExprContext struct {
	Run     map[string]string
	Matrix  map[string]string
	Env     map[string]string
	Secrets map[string]string
}

// Interpolate replaces every ${{ namespace.key }} expression in s with its
// value from ctx. `$${{` escapes to a literal `${{`. Unknown namespaces or
// keys are validation errors so a typo fails the job instead of silently
// injecting an empty string.
func Interpolate(s string, ctx ExprContext) (string, error) {
	if !strings.Contains(s, "${{") {
		return s, nil
	}

	var out strings.Builder
	out.Grow(len(s))
	for i := 0; i < len(s); {
		if strings.HasPrefix(s[i:], "$${{") {
			out.WriteString("${{")
			i += 4
			continue
		}
		if !strings.HasPrefix(s[i:], "${{") {
			out.WriteByte(s[i])
			i++
			continue
		}
		end := strings.Index(s[i+3:], "}}")
		if end < 0 {
			return "", errors.ValidationError("unterminated ${{ expression").
				WithContext("input", s).Build()
		}
		expr := strings.TrimSpace(s[i+3 : i+3+end])
		value, err := resolve(expr, ctx)
		if err != nil {
			return "", err
		}
		out.WriteString(value)
		i += 3 + end + 2
	}
	return out.String(), nil
}

// InterpolateMap interpolates every value of m, returning a new map. Keys
// are left untouched.
func InterpolateMap(m map[string]string, ctx ExprContext) (map[string]string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		resolved, err := Interpolate(v, ctx)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

// InterpolateSlice interpolates every element of values.
func InterpolateSlice(values []string, ctx ExprContext) ([]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		resolved, err := Interpolate(v, ctx)
		if err != nil {
			return nil, err
		}
		out[i] = resolved
	}
	return out, nil
}

func resolve(expr string, ctx ExprContext) (string, error) {
	ns, key, ok := strings.Cut(expr, ".")
	if !ok || key == "" {
		return "", errors.ValidationError("expression must be namespace.key").
			WithContext("expression", expr).Build()
	}

	var src map[string]string
	switch ns {
	case "run":
		src = ctx.Run
	case "matrix":
		src = ctx.Matrix
	case "env":
		src = ctx.Env
	case "secrets":
		src = ctx.Secrets
	default:
		return "", errors.ValidationError("unknown expression namespace").
			WithContext("expression", expr).WithContext("namespace", ns).Build()
	}

	value, ok := src[key]
	if !ok {
		return "", errors.ValidationError("expression references unknown key").
			WithContext("expression", expr).Build()
	}
	return value, nil
}
