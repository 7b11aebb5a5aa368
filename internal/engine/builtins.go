package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"git.home.luguber.info/inful/conveyor/internal/errors"
	"git.home.luguber.info/inful/conveyor/internal/exec"
	"git.home.luguber.info/inful/conveyor/internal/logfields"
	"git.home.luguber.info/inful/conveyor/internal/publish"
	"git.home.luguber.info/inful/conveyor/internal/stamp"
	"git.home.luguber.info/inful/conveyor/internal/workflow"
	"git.home.luguber.info/inful/conveyor/internal/workspace"
)

// runBuiltin dispatches a uses: step. Validation rejects unknown names at
// load time; hitting one here means the registry and validator drifted.
func (e *Engine) runBuiltin(ctx context.Context, rc *runContext, env *instanceEnv, workDir string, step *workflow.Step, extra map[string]string, sr *StepResult) error {
	with, err := workflow.InterpolateMap(step.With, env.expr)
	if err != nil {
		sr.ExitCode = -1
		sr.Output = err.Error()
		return err
	}
	if step.TimeoutMinutes > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutMinutes)*time.Minute)
		defer cancel()
	}

	switch step.Uses {
	case "stamp":
		err = e.builtinStamp(rc, with, workDir, sr)
	case "publish":
		err = e.builtinPublish(ctx, rc, env, with, extra, workDir, sr)
	default:
		err = errors.InternalError("unknown builtin step").
			WithContext(logfields.KeyStep, step.Uses).Build()
	}

	if err != nil {
		sr.ExitCode = 1
		if sr.Output == "" {
			sr.Output = err.Error()
		}
	}
	sr.Output = exec.Redact(sr.Output, env.secretValues())
	return err
}

// builtinStamp rewrites the instance's version file to the run version.
// with.file defaults to the file the version was read from; scheme and
// tag-prefix were already consumed when the run's stamp context was
// computed, so the written version always matches CONVEYOR_VERSION.
func (e *Engine) builtinStamp(rc *runContext, with map[string]string, workDir string, sr *StepResult) error {
	file := with["file"]
	if file == "" {
		file = rc.versionFile
	}
	if file == "" {
		return errors.ValidationError("no version file found to stamp").
			WithContext(logfields.KeyPath, workDir).Build()
	}
	path, err := workspace.SafeJoin(workDir, file)
	if err != nil {
		return errors.WrapError(err, errors.CategoryValidation, "invalid stamp file path").
			WithContext(logfields.KeyFile, file).Build()
	}
	if err := stamp.RewriteFile(path, rc.stamp.Version); err != nil {
		return err
	}
	rc.logger.Info("stamped version file",
		logfields.File(file),
		logfields.Version(rc.stamp.Version))
	sr.Output = fmt.Sprintf("stamped %s with version %s\n", file, rc.stamp.Version)
	return nil
}

// builtinPublish resolves credentials and uploads the matched
// distributions. Credentials are checked before any file is read or any
// network traffic is sent; a gated deploy with no token must fail without
// touching the index.
func (e *Engine) builtinPublish(ctx context.Context, rc *runContext, env *instanceEnv, with, extra map[string]string, workDir string, sr *StepResult) error {
	if e.publisher == nil {
		return errors.ConfigError("publisher not configured").Build()
	}
	indexURL := with["index-url"]
	if indexURL == "" {
		return errors.ValidationError("publish step requires index-url").Build()
	}

	usernameFrom := withDefault(with, "username-from", "INDEX_USERNAME")
	tokenFrom := withDefault(with, "token-from", "INDEX_TOKEN")
	username, _ := env.lookup(usernameFrom, extra)
	token, _ := env.lookup(tokenFrom, extra)
	if username == "" || token == "" {
		return errors.AuthError("package index credentials missing").
			WithContext("username_from", usernameFrom).
			WithContext("token_from", tokenFrom).
			WithContext("index", indexURL).
			Build()
	}

	skipExisting := false
	if v := with["skip-existing"]; v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return errors.ValidationError("skip-existing must be a boolean").
				WithContext("value", v).Build()
		}
		skipExisting = parsed
	}

	patterns := strings.Fields(withDefault(with, "files", "dist/*"))
	var files []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(workDir, pattern))
		if err != nil {
			return errors.ValidationError("invalid publish file pattern").
				WithContext("pattern", pattern).WithCause(err).Build()
		}
		for _, match := range matches {
			if info, statErr := os.Stat(match); statErr == nil && !info.IsDir() {
				files = append(files, match)
			}
		}
	}
	if len(files) == 0 {
		return errors.ValidationError("no distributions matched publish patterns").
			WithContext("patterns", strings.Join(patterns, " ")).Build()
	}
	sort.Strings(files)

	report, err := e.publisher.Publish(ctx, publish.Request{
		IndexURL:     indexURL,
		Files:        files,
		Credentials:  publish.Credentials{Username: username, Token: token},
		SkipExisting: skipExisting,
	})
	if report != nil {
		rc.addPublish(report)
		for _, res := range report.Results {
			e.recorder.IncPublishUpload(string(res.Outcome))
		}
		sr.Output = renderPublishReport(report)
	}
	return err
}

// renderPublishReport formats per-file outcomes for the step output.
func renderPublishReport(report *publish.Report) string {
	var b strings.Builder
	for _, res := range report.Results {
		fmt.Fprintf(&b, "%-9s %s", res.Outcome, res.File)
		if res.Message != "" {
			fmt.Fprintf(&b, " (%s)", res.Message)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "published %d, skipped %d, failed %d of %d\n",
		report.Published, report.Skipped, report.Failed, report.Attempted)
	return b.String()
}

func withDefault(with map[string]string, key, def string) string {
	if v := with[key]; v != "" {
		return v
	}
	return def
}
