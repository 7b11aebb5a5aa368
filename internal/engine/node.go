package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"git.home.luguber.info/inful/conveyor/internal/artifact"
	"git.home.luguber.info/inful/conveyor/internal/errors"
	"git.home.luguber.info/inful/conveyor/internal/exec"
	"git.home.luguber.info/inful/conveyor/internal/logfields"
	"git.home.luguber.info/inful/conveyor/internal/plan"
	"git.home.luguber.info/inful/conveyor/internal/workflow"
	"git.home.luguber.info/inful/conveyor/internal/workspace"
)

// runNode executes one plan node: resolves its secrets, runs every matrix
// instance on a bounded pool, and aggregates the instance states into the
// node's JobResult. The returned plan.Result feeds the scheduler's done map.
func (e *Engine) runNode(ctx context.Context, rc *runContext, node *plan.Node, jr *JobResult) plan.Result {
	start := time.Now()
	jr.State = JobRunning
	logger := rc.logger.With(logfields.Job(node.JobName))
	logger.Info("job started", slog.Int("instances", len(node.Instances)))
	e.sink.JobStarted(ctx, rc.run, node.JobName)

	result := e.runNodeInstances(ctx, rc, node, jr, logger)

	jr.Duration = time.Since(start)
	e.recorder.ObserveJobDuration(node.JobName, string(jr.State), jr.Duration)
	logger.Info("job finished",
		logfields.State(string(jr.State)),
		logfields.DurationMS(float64(jr.Duration.Milliseconds())))
	e.sink.JobFinished(ctx, rc.run, jr)
	return result
}

func (e *Engine) runNodeInstances(ctx context.Context, rc *runContext, node *plan.Node, jr *JobResult, logger *slog.Logger) plan.Result {
	secrets, err := resolveSecrets(node.Job, rc.req.Secrets)
	if err != nil {
		jr.State = JobFailed
		jr.Error = err.Error()
		logger.Error("job failed before any step ran", logfields.Error(err))
		return plan.ResultFailed
	}

	jobCtx := ctx
	var cancel context.CancelFunc
	if node.Job.TimeoutMinutes > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, time.Duration(node.Job.TimeoutMinutes)*time.Minute)
		defer cancel()
	}
	// fail-fast shares one cancel across the node's instances.
	instCtx, stopSiblings := context.WithCancel(jobCtx)
	defer stopSiblings()

	limit := len(node.Instances)
	if s := node.Job.Strategy; s != nil && s.MaxParallel > 0 && s.MaxParallel < limit {
		limit = s.MaxParallel
	}
	failFast := node.Job.Strategy != nil && node.Job.Strategy.FailFast

	jr.Instances = make([]InstanceResult, len(node.Instances))
	for i, inst := range node.Instances {
		jr.Instances[i] = InstanceResult{ID: inst.ID, Matrix: inst.Matrix, State: JobPending}
	}

	nodeSlots := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i := range node.Instances {
		inst := node.Instances[i]
		ir := &jr.Instances[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			nodeSlots <- struct{}{}
			defer func() { <-nodeSlots }()
			rc.sem <- struct{}{}
			defer func() { <-rc.sem }()

			if instCtx.Err() != nil {
				ir.State = JobCanceled
				return
			}
			e.runInstance(instCtx, rc, node, inst, secrets, ir)
			if ir.State == JobFailed && failFast {
				stopSiblings()
			}
		}()
	}
	wg.Wait()

	jr.State = JobSucceeded
	for i := range jr.Instances {
		switch jr.Instances[i].State {
		case JobFailed:
			jr.State = JobFailed
		case JobCanceled:
			if jr.State != JobFailed {
				jr.State = JobCanceled
			}
		}
	}

	// A node that blew its own timeout failed; cancellation from outside
	// (shutdown, signal) stays canceled.
	if jobCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		jr.State = JobFailed
		jr.Error = fmt.Sprintf("job exceeded timeout of %dm", node.Job.TimeoutMinutes)
	}
	// fail-fast cancellations are collateral of the failing instance.
	if failFast && jr.State == JobCanceled && ctx.Err() == nil {
		jr.State = JobFailed
	}

	e.collectArtifacts(ctx, rc, jr)

	switch jr.State {
	case JobSucceeded:
		return plan.ResultSuccess
	case JobCanceled:
		return plan.ResultCanceled
	default:
		return plan.ResultFailed
	}
}

// runInstance executes one matrix instance in its own copy of the source
// tree: restore declared downloads, run the steps in order, then harvest
// declared uploads. The pristine checkout is never executed in.
func (e *Engine) runInstance(ctx context.Context, rc *runContext, node *plan.Node, inst *plan.Instance, secrets map[string]string, ir *InstanceResult) {
	start := time.Now()
	defer func() { ir.Duration = time.Since(start) }()
	ir.State = JobRunning
	logger := rc.logger.With(logfields.Job(node.JobName), logfields.Instance(inst.ID))

	workDir := filepath.Join(rc.req.Workspace, "job", sanitizeName(inst.ID))
	if err := workspace.CopyTree(rc.srcDir, workDir); err != nil {
		ir.State = JobFailed
		ir.Error = err.Error()
		logger.Error("failed to prepare instance working copy", logfields.Error(err))
		return
	}

	env, err := buildInstanceEnv(rc.run.ID, rc.run.Event, rc.stamp, rc.req.Workflow, node.Job, inst, workDir, secrets)
	if err != nil {
		ir.State = JobFailed
		ir.Error = err.Error()
		logger.Error("failed to assemble environment", logfields.Error(err))
		return
	}

	if node.Job.Artifacts != nil && len(node.Job.Artifacts.Download) > 0 {
		downloads, err := resolveDownloads(node.Job.Artifacts.Download, env.expr)
		if err == nil {
			err = e.restore(ctx, workDir, rc.run.ID, downloads)
		}
		if err != nil {
			// Declared inputs are contractual: a missing artifact fails the
			// instance before its first step.
			ir.State = JobFailed
			ir.Error = err.Error()
			logger.Error("failed to restore artifacts", logfields.Error(err))
			return
		}
	}

	for idx, step := range node.Job.Steps {
		sr, err := e.runStep(ctx, rc, env, workDir, node, inst, idx, step)
		ir.Steps = append(ir.Steps, sr)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			ir.State = JobCanceled
			ir.Error = sr.Name + " canceled"
			return
		}
		if step.ContinueOnError {
			logger.Warn("step failed, continuing",
				logfields.Step(sr.Name),
				logfields.Error(err))
			continue
		}
		ir.State = JobFailed
		ir.Error = err.Error()
		return
	}

	if node.Job.Artifacts != nil && len(node.Job.Artifacts.Upload) > 0 {
		uploads, err := resolveUploads(node.Job.Artifacts.Upload, env.expr)
		if err == nil {
			err = e.harvest(ctx, workDir, rc.run.ID, uploads)
		}
		if err != nil {
			ir.State = JobFailed
			ir.Error = err.Error()
			logger.Error("failed to harvest artifacts", logfields.Error(err))
			return
		}
		for _, up := range uploads {
			ir.Uploads = append(ir.Uploads, up.Name)
		}
	}

	ir.State = JobSucceeded
}

// runStep executes one step: a builtin when uses is set, otherwise a shell
// script through the process runner. The returned error is nil only when
// the step succeeded.
func (e *Engine) runStep(ctx context.Context, rc *runContext, env *instanceEnv, workDir string, node *plan.Node, inst *plan.Instance, idx int, step *workflow.Step) (StepResult, error) {
	name := stepDisplayName(step, idx)
	sr := StepResult{Name: name}
	logger := rc.logger.With(
		logfields.Job(node.JobName),
		logfields.Instance(inst.ID),
		logfields.Step(name))

	stepEnv, err := workflow.InterpolateMap(step.Env, env.expr)
	if err != nil {
		sr.State = JobFailed
		sr.ExitCode = -1
		sr.Output = err.Error()
		return sr, err
	}
	summaryPath := filepath.Join(rc.sumDir, fmt.Sprintf("%s-%02d.md", sanitizeName(inst.ID), idx))
	extra := map[string]string{"CONVEYOR_STEP_SUMMARY": summaryPath}
	for k, v := range stepEnv {
		extra[k] = v
	}

	start := time.Now()
	if step.Uses != "" {
		err = e.runBuiltin(ctx, rc, env, workDir, step, extra, &sr)
		sr.Duration = time.Since(start)
	} else {
		err = e.runScript(ctx, env, workDir, step, extra, &sr)
	}

	if data, readErr := os.ReadFile(summaryPath); readErr == nil && len(data) > 0 {
		sr.Summary = exec.Redact(string(data), env.secretValues())
	}

	switch {
	case err == nil:
		sr.State = JobSucceeded
		logger.Info("step finished", logfields.DurationMS(float64(sr.Duration.Milliseconds())))
	case ctx.Err() != nil:
		sr.State = JobCanceled
		logger.Warn("step canceled")
	default:
		sr.State = JobFailed
		logger.Error("step failed",
			slog.Int("exit_code", sr.ExitCode),
			logfields.Error(err))
	}
	e.recorder.ObserveStepDuration(node.JobName, name, sr.Duration)
	return sr, err
}

// runScript interpolates and executes a run: step.
func (e *Engine) runScript(ctx context.Context, env *instanceEnv, workDir string, step *workflow.Step, extra map[string]string, sr *StepResult) error {
	script, err := workflow.Interpolate(step.Run, env.expr)
	if err != nil {
		sr.ExitCode = -1
		sr.Output = err.Error()
		return err
	}
	dir := workDir
	if step.WorkingDir != "" {
		rel, err := workflow.Interpolate(step.WorkingDir, env.expr)
		if err == nil {
			dir, err = workspace.SafeJoin(workDir, rel)
		}
		if err != nil {
			sr.ExitCode = -1
			sr.Output = err.Error()
			return errors.WrapError(err, errors.CategoryValidation, "invalid step working-dir").
				WithContext(logfields.KeyStep, sr.Name).Build()
		}
	}

	result, err := e.runner.Run(ctx, exec.Spec{
		Name:    sr.Name,
		Script:  script,
		Dir:     dir,
		Env:     env.processEnv(extra),
		Timeout: time.Duration(step.TimeoutMinutes) * time.Minute,
		Secrets: env.secretValues(),
	})
	sr.ExitCode = result.ExitCode
	sr.Output = result.Output
	sr.Duration = result.Duration
	return err
}

// collectArtifacts reads the run manifest back and summarizes what this
// job's instances uploaded (file counts and byte totals per artifact name).
func (e *Engine) collectArtifacts(ctx context.Context, rc *runContext, jr *JobResult) {
	names := map[string]bool{}
	for i := range jr.Instances {
		for _, name := range jr.Instances[i].Uploads {
			names[name] = true
		}
	}
	if len(names) == 0 || e.store == nil {
		return
	}
	m, err := e.store.ReadManifest(ctx, rc.run.ID)
	if err != nil {
		rc.logger.Warn("failed to read artifact manifest", logfields.Error(err))
		return
	}
	for name := range names {
		entries := m.Artifacts[name]
		res := ArtifactResult{Name: name, Files: len(entries)}
		for _, entry := range entries {
			res.Bytes += entry.Size
		}
		jr.Artifacts = append(jr.Artifacts, res)
		e.recorder.AddArtifactBytes(res.Bytes)
	}
	sort.Slice(jr.Artifacts, func(i, j int) bool { return jr.Artifacts[i].Name < jr.Artifacts[j].Name })
}

func (e *Engine) restore(ctx context.Context, workDir, runID string, downloads []artifact.Download) error {
	if e.store == nil {
		return errors.ConfigError("artifact store not configured").Build()
	}
	return artifact.Restore(ctx, e.store, workDir, runID, downloads)
}

func (e *Engine) harvest(ctx context.Context, workDir, runID string, uploads []artifact.Upload) error {
	if e.store == nil {
		return errors.ConfigError("artifact store not configured").Build()
	}
	return artifact.Harvest(ctx, e.store, workDir, runID, uploads)
}

// resolveUploads interpolates artifact names and path patterns.
func resolveUploads(specs []workflow.ArtifactUpload, expr workflow.ExprContext) ([]artifact.Upload, error) {
	out := make([]artifact.Upload, 0, len(specs))
	for _, spec := range specs {
		name, err := workflow.Interpolate(spec.Name, expr)
		if err != nil {
			return nil, err
		}
		paths, err := workflow.InterpolateSlice(spec.Paths, expr)
		if err != nil {
			return nil, err
		}
		out = append(out, artifact.Upload{Name: name, Paths: paths})
	}
	return out, nil
}

func resolveDownloads(specs []workflow.ArtifactDownload, expr workflow.ExprContext) ([]artifact.Download, error) {
	out := make([]artifact.Download, 0, len(specs))
	for _, spec := range specs {
		name, err := workflow.Interpolate(spec.Name, expr)
		if err != nil {
			return nil, err
		}
		dir, err := workflow.Interpolate(spec.Dir, expr)
		if err != nil {
			return nil, err
		}
		out = append(out, artifact.Download{Name: name, Dir: dir})
	}
	return out, nil
}

func stepDisplayName(step *workflow.Step, idx int) string {
	switch {
	case step.Name != "":
		return step.Name
	case step.Uses != "":
		return step.Uses
	default:
		return fmt.Sprintf("step %d", idx+1)
	}
}

// sanitizeName maps an instance ID to a filesystem-safe directory name:
// "build [python=3.11 os=linux]" -> "build-python-3.11-os-linux".
func sanitizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	dash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
