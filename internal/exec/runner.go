// Package exec runs workflow step commands as shell processes with
// bounded output capture, secret redaction, and process-group cleanup on
// cancellation.
package exec

import (
	"context"
	stderrors "errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"git.home.luguber.info/inful/conveyor/internal/errors"
)

// DefaultTailBytes bounds captured step output. Only the tail survives;
// failures almost always explain themselves in the last lines.
const DefaultTailBytes = 64 * 1024

// Spec describes one step process.
type Spec struct {
	Name    string
	Script  string
	Dir     string
	Env     []string
	Timeout time.Duration

	// Secrets are values (not names) scrubbed from captured output.
	Secrets []string

	// TailBytes overrides DefaultTailBytes when positive.
	TailBytes int
}

// Result is the observable outcome of a step process.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
	TimedOut bool
}

// Runner executes step specs.
type Runner struct{}

// NewRunner returns a process runner.
func NewRunner() *Runner { return &Runner{} }

// Run executes spec.Script via `sh -c` in spec.Dir. The child is placed in
// its own process group; on cancellation or timeout the whole group gets
// SIGKILL so stray grandchildren cannot outlive the step. A non-zero exit
// returns the Result alongside a classified exec error.
func (r *Runner) Run(ctx context.Context, spec Spec) (Result, error) {
	limit := spec.TailBytes
	if limit <= 0 {
		limit = DefaultTailBytes
	}
	tail := newTailBuffer(limit)

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.Command("sh", "-c", spec.Script)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = tail
	cmd.Stderr = tail
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, errors.ExecError("failed to start step process").
			WithContext("step", spec.Name).
			WithCause(err).
			Build()
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	interrupted := false
	select {
	case <-runCtx.Done():
		interrupted = true
		// Negative pid signals the whole process group.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
	case waitErr = <-done:
	}

	result := Result{
		Duration: time.Since(start),
		Output:   redact(tail.String(), spec.Secrets),
	}

	if interrupted {
		result.ExitCode = -1
		if stderrors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			result.TimedOut = true
			return result, errors.ExecError("step timed out").
				WithContext("step", spec.Name).
				WithContext("timeout", spec.Timeout.String()).
				Build()
		}
		return result, errors.ExecError("step canceled").
			Warning().
			WithContext("step", spec.Name).
			WithCause(ctx.Err()).
			Build()
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if stderrors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, errors.ExecError(fmt.Sprintf("step exited with code %d", result.ExitCode)).
				WithContext("step", spec.Name).
				Build()
		}
		result.ExitCode = -1
		return result, errors.ExecError("step process failed").
			WithContext("step", spec.Name).
			WithCause(waitErr).
			Build()
	}

	return result, nil
}

// redact replaces every secret value with *** so captured output can be
// stored and displayed safely.
func redact(output string, secrets []string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		output = strings.ReplaceAll(output, secret, "***")
	}
	return output
}

// Redact exposes output scrubbing for callers that surface step output
// through other channels (summaries, API responses).
func Redact(output string, secrets []string) string {
	return redact(output, secrets)
}
