// Package engine executes workflow runs end to end: source checkout,
// version stamping, plan scheduling with bounded parallelism, artifact
// hand-off between jobs, and the credential-gated publish step.
package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/conveyor/internal/artifact"
	"git.home.luguber.info/inful/conveyor/internal/errors"
	"git.home.luguber.info/inful/conveyor/internal/event"
	"git.home.luguber.info/inful/conveyor/internal/exec"
	"git.home.luguber.info/inful/conveyor/internal/git"
	"git.home.luguber.info/inful/conveyor/internal/logfields"
	"git.home.luguber.info/inful/conveyor/internal/metrics"
	"git.home.luguber.info/inful/conveyor/internal/plan"
	"git.home.luguber.info/inful/conveyor/internal/publish"
	"git.home.luguber.info/inful/conveyor/internal/stamp"
	"git.home.luguber.info/inful/conveyor/internal/workflow"
)

// Syncer materializes a source checkout. *git.Client implements it.
type Syncer interface {
	Sync(ctx context.Context, dir string, repo git.Repo) (git.Checkout, error)
}

// IndexPublisher uploads built distributions to a package index.
// *publish.Publisher implements it.
type IndexPublisher interface {
	Publish(ctx context.Context, req publish.Request) (*publish.Report, error)
}

// SummaryWriter renders a settled run into a summary document and returns
// its path. Rendering failures never fail the run; Execute logs them.
type SummaryWriter interface {
	Write(run *Run) (string, error)
}

// DefaultMaxWorkers bounds concurrently running instances across a run
// when the config does not say otherwise.
const DefaultMaxWorkers = 4

// Config wires an Engine. Git may be nil when every request skips checkout
// and Publisher when no workflow uses the publish builtin; a run needing
// the missing collaborator fails with a config error. Nil Logger, Runner,
// Recorder, and Sink fall back to working defaults.
type Config struct {
	Logger    *slog.Logger
	Git       Syncer
	Runner    *exec.Runner
	Artifacts artifact.Archive
	Publisher IndexPublisher
	Recorder  metrics.Recorder
	Sink      Sink
	Summary   SummaryWriter

	// MaxWorkers caps concurrently running instances across the whole run,
	// on top of per-job max-parallel. Zero means DefaultMaxWorkers.
	MaxWorkers int
}

// Engine executes workflow runs.
type Engine struct {
	logger     *slog.Logger
	git        Syncer
	runner     *exec.Runner
	store      artifact.Archive
	publisher  IndexPublisher
	recorder   metrics.Recorder
	sink       Sink
	summary    SummaryWriter
	maxWorkers int
}

// New builds an engine from cfg.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runner := cfg.Runner
	if runner == nil {
		runner = exec.NewRunner()
	}
	sink := cfg.Sink
	if sink == nil {
		sink = NopSink{}
	}
	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = DefaultMaxWorkers
	}
	return &Engine{
		logger:     logger,
		git:        cfg.Git,
		runner:     runner,
		store:      cfg.Artifacts,
		publisher:  cfg.Publisher,
		recorder:   metrics.OrNoop(cfg.Recorder),
		sink:       sink,
		summary:    cfg.Summary,
		maxWorkers: workers,
	}
}

// RunRequest describes one run.
type RunRequest struct {
	// RunID pre-assigns the run's identifier so queued work can be tracked
	// before execution starts. Empty means a fresh UUID.
	RunID string

	Project  string
	Workflow *workflow.Workflow
	Event    event.Event

	// Repo is synced into <Workspace>/src at the event's SHA, or at the
	// event's ref tip when the event carries no SHA.
	Repo git.Repo

	// Workspace is the run's root directory. The checkout, per-instance
	// working copies, and step summaries all live beneath it.
	Workspace string

	// SkipCheckout uses SourceDir as the already-materialized source tree
	// instead of syncing Repo. Local runs set this; instances still work on
	// copies, so the caller's tree is never mutated.
	SkipCheckout bool
	SourceDir    string

	// Secrets is the run's secret set. Jobs see only the names they list.
	Secrets map[string]string

	// Stamp configures version computation. A stamp step's with block may
	// override scheme and tag-prefix (static values only).
	Stamp stamp.Options
}

// runContext is the per-run state shared by node goroutines.
type runContext struct {
	run         *Run
	req         *RunRequest
	stamp       stamp.Context
	versionFile string // version file name ReadVersion found, "" when none
	srcDir      string
	sumDir      string
	logger      *slog.Logger
	sem         chan struct{} // engine-wide instance slots

	mu sync.Mutex // guards run.Publishes
}

func (rc *runContext) addPublish(report *publish.Report) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.run.Publishes = append(rc.run.Publishes, report)
}

// Execute runs the workflow described by req and returns the settled run.
// The error is nil only when the run succeeded; skipped jobs alone do not
// fail a run.
func (e *Engine) Execute(ctx context.Context, req RunRequest) (*Run, error) {
	id := req.RunID
	if id == "" {
		id = uuid.NewString()
	}
	run := &Run{
		ID:        id,
		Project:   req.Project,
		Workflow:  req.Workflow.Name,
		Event:     req.Event,
		State:     RunRunning,
		StartedAt: time.Now(),
	}
	logger := e.logger.With(
		logfields.RunID(run.ID),
		logfields.Project(req.Project),
		logfields.Workflow(run.Workflow))

	logger.Info("run started",
		logfields.Trigger(string(req.Event.Kind)),
		logfields.Ref(req.Event.Ref),
		logfields.SHA(req.Event.SHA))
	e.sink.RunStarted(ctx, run)

	p, rc, err := e.prepare(ctx, &req, run, logger)
	if err != nil {
		return e.finish(ctx, run, logger, err)
	}
	logger.Info("plan built",
		slog.Int("jobs", len(p.Nodes)),
		slog.Int("instances", p.InstanceCount()),
		logfields.Version(run.Version))

	e.executePlan(ctx, rc, p)
	return e.finish(ctx, run, logger, nil)
}

// prepare materializes the workspace and source tree, computes the run's
// stamp context, and builds the plan. Failures here fail the run before any
// job starts.
func (e *Engine) prepare(ctx context.Context, req *RunRequest, run *Run, logger *slog.Logger) (*plan.Plan, *runContext, error) {
	if req.Workspace == "" {
		return nil, nil, errors.ConfigError("run workspace not set").Build()
	}
	sumDir := filepath.Join(req.Workspace, "summary")
	if err := os.MkdirAll(sumDir, 0o750); err != nil {
		return nil, nil, errors.RuntimeError("failed to create run workspace").
			WithContext(logfields.KeyPath, req.Workspace).
			WithCause(err).Build()
	}

	srcDir := req.SourceDir
	if req.SkipCheckout {
		if srcDir == "" {
			return nil, nil, errors.ConfigError("checkout skipped but no source directory given").Build()
		}
	} else {
		if e.git == nil {
			return nil, nil, errors.ConfigError("git client not configured").Build()
		}
		repo := req.Repo
		if repo.Ref == "" {
			repo.Ref = req.Event.Ref
		}
		if repo.SHA == "" {
			repo.SHA = req.Event.SHA
		}
		srcDir = filepath.Join(req.Workspace, "src")
		checkout, err := e.git.Sync(ctx, srcDir, repo)
		if err != nil {
			return nil, nil, err
		}
		if run.Event.SHA == "" {
			run.Event.SHA = checkout.SHA
		}
	}
	if run.Event.SHA == "" {
		return nil, nil, errors.ValidationError("event carries no commit SHA").
			WithContext(logfields.KeyRef, run.Event.Ref).Build()
	}

	fileVersion, versionFile, err := stamp.ReadVersion(srcDir)
	if err != nil {
		return nil, nil, err
	}
	opts, err := stampOptions(req, req.Workflow)
	if err != nil {
		return nil, nil, err
	}
	// A tag that disagrees with the repository version fails the run here,
	// before anything builds.
	stampCtx, err := stamp.Compute(run.Event, fileVersion, opts)
	if err != nil {
		return nil, nil, err
	}
	run.Version = stampCtx.Version

	p, err := plan.Build(req.Workflow, run.Event)
	if err != nil {
		return nil, nil, err
	}

	run.Jobs = make([]JobResult, len(p.Nodes))
	for i, node := range p.Nodes {
		run.Jobs[i] = JobResult{Name: node.JobName, State: JobPending}
	}

	return p, &runContext{
		run:         run,
		req:         req,
		stamp:       stampCtx,
		versionFile: versionFile,
		srcDir:      srcDir,
		sumDir:      sumDir,
		logger:      logger,
		sem:         make(chan struct{}, e.maxWorkers),
	}, nil
}

// stampOptions merges a stamp step's static with-overrides into the request
// options so the run-level version and the rewritten file always agree.
func stampOptions(req *RunRequest, wf *workflow.Workflow) (stamp.Options, error) {
	opts := req.Stamp
	step := findStampStep(wf)
	if step == nil {
		return opts, nil
	}
	if s := step.With["scheme"]; s != "" {
		scheme, err := stamp.ParseScheme(s)
		if err != nil {
			return stamp.Options{}, err
		}
		opts.Scheme = scheme
	}
	if p, ok := step.With["tag-prefix"]; ok {
		opts.TagPrefix = p
	}
	return opts, nil
}

func findStampStep(wf *workflow.Workflow) *workflow.Step {
	for _, name := range wf.JobOrder {
		for _, step := range wf.Jobs[name].Steps {
			if step.Uses == "stamp" {
				return step
			}
		}
	}
	return nil
}

// executePlan drives the ready-set loop: gate-skips settle first, blocked
// nodes cascade to skipped, every ready node launches concurrently, and the
// loop ends when nothing is running and nothing can become ready.
func (e *Engine) executePlan(ctx context.Context, rc *runContext, p *plan.Plan) {
	results := make(map[string]*JobResult, len(p.Nodes))
	for i := range rc.run.Jobs {
		results[rc.run.Jobs[i].Name] = &rc.run.Jobs[i]
	}

	done := make(map[string]plan.Result, len(p.Nodes))
	for _, node := range p.Nodes {
		if !node.Gated {
			continue
		}
		jr := results[node.JobName]
		jr.State = JobSkipped
		jr.SkipReason = SkipGated
		done[node.JobName] = plan.ResultSkipped
		rc.logger.Info("job gated for this event",
			logfields.Job(node.JobName),
			logfields.Trigger(string(rc.run.Event.Kind)),
			logfields.Ref(rc.run.Event.Ref))
		e.sink.JobFinished(ctx, rc.run, jr)
	}

	type nodeDone struct {
		name   string
		result plan.Result
	}
	finished := make(chan nodeDone)
	launched := make(map[string]bool, len(p.Nodes))
	running := 0

	for {
		// Skips cascade: a skipped node blocks its own dependents too.
		for {
			blocked := p.Blocked(done)
			if len(blocked) == 0 {
				break
			}
			for _, node := range blocked {
				jr := results[node.JobName]
				jr.State = JobSkipped
				jr.SkipReason = SkipBlocked
				done[node.JobName] = plan.ResultSkipped
				rc.logger.Info("job skipped, dependency did not succeed",
					logfields.Job(node.JobName))
				e.sink.JobFinished(ctx, rc.run, jr)
			}
		}

		for _, node := range p.Ready(done) {
			if launched[node.JobName] {
				continue
			}
			launched[node.JobName] = true
			running++
			go func(node *plan.Node) {
				finished <- nodeDone{node.JobName, e.runNode(ctx, rc, node, results[node.JobName])}
			}(node)
		}

		if running == 0 {
			return
		}
		settled := <-finished
		running--
		done[settled.name] = settled.result
	}
}

// finish settles the terminal run state, renders the summary, and emits the
// closing metrics and sink notifications. setupErr is a pre-plan failure.
func (e *Engine) finish(ctx context.Context, run *Run, logger *slog.Logger, setupErr error) (*Run, error) {
	run.FinishedAt = time.Now()

	var failed, canceled []string
	for i := range run.Jobs {
		switch run.Jobs[i].State {
		case JobFailed:
			failed = append(failed, run.Jobs[i].Name)
		case JobCanceled:
			canceled = append(canceled, run.Jobs[i].Name)
		}
	}
	switch {
	case setupErr != nil && ctx.Err() != nil:
		run.State = RunCanceled
	case setupErr != nil, len(failed) > 0:
		run.State = RunFailed
	case len(canceled) > 0:
		run.State = RunCanceled
	default:
		run.State = RunSucceeded
	}

	if e.summary != nil {
		path, err := e.summary.Write(run)
		if err != nil {
			logger.Warn("failed to write run summary", logfields.Error(err))
		} else {
			run.SummaryPath = path
		}
	}

	e.recorder.ObserveRunDuration(run.Project, run.Workflow, string(run.State), run.Duration())
	e.recorder.IncRunOutcome(run.Project, string(run.State))
	e.sink.RunFinished(ctx, run)
	logger.Info("run finished",
		logfields.State(string(run.State)),
		logfields.DurationMS(float64(run.Duration().Milliseconds())))

	switch {
	case setupErr != nil:
		return run, setupErr
	case run.State == RunFailed:
		return run, errors.WorkflowError("run failed").
			WithContext(logfields.KeyRunID, run.ID).
			WithContext("jobs", strings.Join(failed, ", ")).
			Build()
	case run.State == RunCanceled:
		cause := ctx.Err()
		if cause == nil {
			cause = context.Canceled
		}
		return run, errors.WrapError(cause, errors.CategoryWorkflow, "run canceled").
			WithContext(logfields.KeyRunID, run.ID).
			Build()
	default:
		return run, nil
	}
}
