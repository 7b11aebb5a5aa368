// Package daemon runs conveyor as a long-lived service: a priority queue
// feeding a bounded worker pool, webhook and schedule intake, live config
// reload, and the event plumbing that keeps run history and subscribers
// current.
package daemon

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/conveyor/internal/artifact"
	"git.home.luguber.info/inful/conveyor/internal/config"
	"git.home.luguber.info/inful/conveyor/internal/daemon/events"
	"git.home.luguber.info/inful/conveyor/internal/engine"
	"git.home.luguber.info/inful/conveyor/internal/errors"
	"git.home.luguber.info/inful/conveyor/internal/event"
	"git.home.luguber.info/inful/conveyor/internal/git"
	"git.home.luguber.info/inful/conveyor/internal/logfields"
	"git.home.luguber.info/inful/conveyor/internal/metrics"
	"git.home.luguber.info/inful/conveyor/internal/notify"
	"git.home.luguber.info/inful/conveyor/internal/publish"
	"git.home.luguber.info/inful/conveyor/internal/retry"
	"git.home.luguber.info/inful/conveyor/internal/runstore"
	"git.home.luguber.info/inful/conveyor/internal/summary"
	"git.home.luguber.info/inful/conveyor/internal/workflow"
)

// busPublishTimeout bounds in-process event delivery so a stalled
// subscriber cannot hold up engine callbacks.
const busPublishTimeout = time.Second

// Options carries collaborators the daemon does not construct itself.
type Options struct {
	// ConfigPath enables live reload of the daemon config when set.
	ConfigPath string
	Logger     *slog.Logger
	Recorder   metrics.Recorder
}

// Daemon owns the long-running service state. Construct with New, then
// Start; Stop drains in-flight runs before tearing components down.
type Daemon struct {
	configPath string
	dataDir    string
	logger     *slog.Logger
	recorder   metrics.Recorder

	mu       sync.RWMutex
	cfg      *config.Config
	projects map[string]config.ProjectConfig

	// regMu serializes schedule registration between startup and reloads.
	regMu sync.Mutex

	store      runstore.Store
	projection *runstore.HistoryProjection
	runSink    *runstore.Sink
	bus        *events.Bus
	notifier   *notify.Notifier
	git        *git.Client
	artifacts  artifact.Archive
	engine     *engine.Engine
	queue      *Queue
	scheduler  *Scheduler
	watcher    *Watcher

	runCtx    context.Context
	runCancel context.CancelFunc
	running   atomic.Bool
	startedAt time.Time
}

// New assembles a daemon from cfg. Nothing starts running until Start.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.ConfigError("daemon config is required").Build()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := metrics.OrNoop(opts.Recorder)

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, errors.DaemonError("failed to create data directory").
			WithContext(logfields.KeyPath, cfg.DataDir).
			WithCause(err).
			Build()
	}

	store, err := runstore.NewSQLiteStore(filepath.Join(cfg.DataDir, "runs.db"))
	if err != nil {
		return nil, err
	}
	projection := runstore.NewHistoryProjection(store, cfg.Retention.Runs)
	runSink := runstore.NewSink(store, projection, logger)

	artifacts, err := artifact.NewFSStore(filepath.Join(cfg.DataDir, "artifacts"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	d := &Daemon{
		configPath: opts.ConfigPath,
		dataDir:    cfg.DataDir,
		logger:     logger,
		recorder:   recorder,
		cfg:        cfg,
		projects:   projectMap(cfg),
		store:      store,
		projection: projection,
		runSink:    runSink,
		bus:        events.NewBus(),
		git:        git.NewClient(logger, retry.DefaultPolicy()),
		artifacts:  artifacts,
	}

	if cfg.NATS.Enabled {
		d.notifier, err = notify.New(notify.Config{
			URL:    cfg.NATS.URL,
			Stream: cfg.NATS.Stream,
		}, logger)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	sinks := engine.MultiSink{runSink, &busSink{bus: d.bus, logger: logger}}
	if d.notifier != nil {
		sinks = append(sinks, d.notifier)
	}

	d.engine = engine.New(engine.Config{
		Logger:    logger,
		Git:       d.git,
		Artifacts: artifacts,
		Publisher: publish.NewPublisher(logger, retry.DefaultPolicy()),
		Recorder:  recorder,
		Sink:      sinks,
		Summary:   summary.NewWriter(filepath.Join(cfg.DataDir, "summaries")),
	})

	d.queue = NewQueue(cfg.Queue.Size, cfg.Queue.Workers, runExecutor{d}, recorder, logger)

	d.scheduler, err = NewScheduler(d, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	if opts.ConfigPath != "" {
		d.watcher, err = NewWatcher(opts.ConfigPath, d.reloadConfig, logger)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	return d, nil
}

// Start brings the daemon up: rebuilds run history, starts the worker
// pool, registers schedules, and begins watching the config file. The
// given context only scopes startup; shutdown is driven by Stop.
func (d *Daemon) Start(ctx context.Context) error {
	d.runCtx, d.runCancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := d.projection.Rebuild(d.runCtx); err != nil {
		d.logger.Warn("failed to rebuild run history; starting empty", logfields.Error(err))
	}

	d.queue.Start(d.runCtx)
	d.registerSchedules(d.runCtx)
	d.scheduler.Start()

	if d.watcher != nil {
		if err := d.watcher.Start(d.runCtx); err != nil {
			d.logger.Error("config watcher failed to start; live reload disabled", logfields.Error(err))
		}
	}

	d.startedAt = time.Now()
	d.running.Store(true)

	cfg := d.Config()
	d.logger.Info("daemon started",
		slog.Int("projects", len(cfg.Projects)),
		slog.Int("queue_size", cfg.Queue.Size),
		slog.Int("workers", cfg.Queue.Workers),
		logfields.Path(d.dataDir))
	return nil
}

// Stop shuts the daemon down. New submissions are rejected immediately;
// in-flight runs get until ctx expires to finish before being canceled.
func (d *Daemon) Stop(ctx context.Context) error {
	if !d.running.CompareAndSwap(true, false) {
		return nil
	}
	d.logger.Info("daemon stopping")

	if d.watcher != nil {
		d.watcher.Stop()
	}
	if err := d.scheduler.Stop(); err != nil {
		d.logger.Warn("failed to stop scheduler", logfields.Error(err))
	}

	d.queue.Stop(ctx)

	if d.notifier != nil {
		if err := d.notifier.Close(); err != nil {
			d.logger.Warn("failed to close notifier", logfields.Error(err))
		}
	}
	d.bus.Close()
	if err := d.store.Close(); err != nil {
		d.logger.Warn("failed to close run store", logfields.Error(err))
	}
	d.runCancel()

	d.logger.Info("daemon stopped", slog.Duration("uptime", time.Since(d.startedAt)))
	return nil
}

// Ready reports whether the daemon accepts work.
func (d *Daemon) Ready() bool { return d.running.Load() }

// StartedAt returns when Start completed.
func (d *Daemon) StartedAt() time.Time { return d.startedAt }

// History returns the run history projection.
func (d *Daemon) History() *runstore.HistoryProjection { return d.projection }

// Store returns the append-only run event log.
func (d *Daemon) Store() runstore.Store { return d.store }

// Events returns the in-process event bus.
func (d *Daemon) Events() *events.Bus { return d.bus }

// Queue returns the run queue for status inspection.
func (d *Daemon) Queue() *Queue { return d.queue }

// Config returns the currently active configuration.
func (d *Daemon) Config() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Project looks up a configured project by name.
func (d *Daemon) Project(name string) (config.ProjectConfig, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.projects[name]
	return p, ok
}

// Projects returns the configured projects sorted by name.
func (d *Daemon) Projects() []config.ProjectConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]config.ProjectConfig, 0, len(d.projects))
	for _, p := range d.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Submit queues a run for project triggered by ev. The returned run ID is
// assigned here so callers can track the run before a worker picks it up.
func (d *Daemon) Submit(ctx context.Context, project string, ev event.Event, source string, priority Priority) (string, error) {
	if _, ok := d.Project(project); !ok {
		return "", errors.NotFoundError("project is not configured").
			WithContext(logfields.KeyProject, project).
			Build()
	}

	job := &RunJob{
		ID:        uuid.NewString(),
		Project:   project,
		Event:     ev,
		Priority:  priority,
		Source:    source,
		Status:    StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.queue.Enqueue(job); err != nil {
		return "", err
	}

	d.runSink.RunQueued(ctx, job.ID, runstore.RunQueuedPayload{
		Project:  project,
		Trigger:  string(ev.Kind),
		Ref:      ev.Ref,
		SHA:      ev.SHA,
		Priority: int(priority),
	})
	d.publish(ctx, events.RunQueued{
		RunID:    job.ID,
		Project:  project,
		Trigger:  string(ev.Kind),
		Ref:      ev.Ref,
		SHA:      ev.SHA,
		Source:   source,
		QueuedAt: job.CreatedAt,
	})

	d.logger.Info("run queued",
		logfields.RunID(job.ID),
		logfields.Project(project),
		logfields.Trigger(string(ev.Kind)),
		slog.String("source", source))
	return job.ID, nil
}

// executeRun materializes the source at the triggering commit, loads the
// workflow as of that commit, and hands the run to the engine. The
// checkout happens here rather than in the engine so the workflow file
// can be parsed before execution starts.
func (d *Daemon) executeRun(ctx context.Context, job *RunJob) (*engine.Run, error) {
	pc, ok := d.Project(job.Project)
	if !ok {
		return nil, errors.NotFoundError("project was removed from config").
			WithContext(logfields.KeyProject, job.Project).
			Build()
	}
	defaults := d.defaults()

	ws := filepath.Join(d.dataDir, "runs", job.ID)
	srcDir := filepath.Join(ws, "src")
	defer func() {
		if err := os.RemoveAll(ws); err != nil {
			d.logger.Warn("failed to remove run workspace",
				logfields.RunID(job.ID), logfields.Error(err))
		}
	}()

	repo := git.Repo{
		URL:   pc.URL,
		Ref:   job.Event.Ref,
		SHA:   job.Event.SHA,
		Depth: pc.Depth(defaults),
		Auth:  gitAuth(pc.Auth),
	}
	if repo.Ref == "" {
		repo.Ref = pc.Ref
	}

	checkout, err := d.git.Sync(ctx, srcDir, repo)
	if err != nil {
		return nil, err
	}
	ev := job.Event
	if ev.SHA == "" {
		ev.SHA = checkout.SHA
	}
	if ev.Repo == "" {
		ev.Repo = pc.URL
	}

	wf, err := workflow.Load(filepath.Join(srcDir, pc.WorkflowPath(defaults)))
	if err != nil {
		return nil, err
	}

	// The workflow file as of the triggering commit decides whether the run
	// fires. A push to a branch outside the declared filters settles as
	// skipped rather than failing.
	if !wf.On.Matches(ev) {
		d.logger.Info("run skipped, workflow does not fire for this event",
			logfields.RunID(job.ID),
			logfields.Project(job.Project),
			logfields.Trigger(string(ev.Kind)),
			logfields.Ref(ev.Ref))
		d.runSink.RunSkipped(ctx, job.ID, "workflow triggers do not match the event")
		d.publish(ctx, events.RunFinished{
			RunID:      job.ID,
			Project:    job.Project,
			State:      runstore.StateSkipped,
			FinishedAt: time.Now().UTC(),
		})
		return nil, nil
	}

	secrets, err := config.LoadSecretsFile(pc.SecretsFile)
	if err != nil {
		return nil, err
	}

	run, err := d.engine.Execute(ctx, engine.RunRequest{
		RunID:        job.ID,
		Project:      job.Project,
		Workflow:     wf,
		Event:        ev,
		Repo:         repo,
		Workspace:    ws,
		SkipCheckout: true,
		SourceDir:    srcDir,
		Secrets:      secrets,
	})

	d.pruneArtifacts(context.WithoutCancel(ctx))
	return run, err
}

func (d *Daemon) pruneArtifacts(ctx context.Context) {
	keep := d.retention()
	if keep <= 0 {
		return
	}
	runs, objects, err := artifact.Prune(ctx, d.artifacts, keep)
	if err != nil {
		d.logger.Warn("artifact pruning failed", logfields.Error(err))
		return
	}
	if runs > 0 {
		d.logger.Info("pruned artifacts",
			slog.Int("runs", runs), slog.Int("objects", objects))
	}
}

// registerSchedules syncs each project at its configured ref and registers
// the workflow's schedule triggers. A project whose repository cannot be
// reached keeps the daemon up; its schedules are simply absent until the
// next reload.
func (d *Daemon) registerSchedules(ctx context.Context) {
	d.regMu.Lock()
	defer d.regMu.Unlock()

	if err := d.scheduler.Clear(); err != nil {
		d.logger.Warn("failed to clear schedules", logfields.Error(err))
	}

	for _, pc := range d.Projects() {
		wf, err := d.projectWorkflow(ctx, pc)
		if err != nil {
			d.logger.Error("failed to load project workflow; schedules not registered",
				logfields.Project(pc.Name), logfields.Error(err))
			continue
		}
		if len(wf.On.Schedule) == 0 {
			continue
		}
		if err := d.scheduler.Register(pc.Name, pc.Ref, wf.On.Schedule); err != nil {
			d.logger.Error("failed to register schedules",
				logfields.Project(pc.Name), logfields.Error(err))
			continue
		}
		d.logger.Info("registered schedules",
			logfields.Project(pc.Name),
			logfields.Workflow(wf.Name),
			slog.Int("schedules", len(wf.On.Schedule)))
	}
}

// projectWorkflow syncs the project's registration checkout and parses its
// workflow. Runs use their own per-run checkout; this copy only feeds
// schedule registration.
func (d *Daemon) projectWorkflow(ctx context.Context, pc config.ProjectConfig) (*workflow.Workflow, error) {
	defaults := d.defaults()
	dir := filepath.Join(d.dataDir, "projects", pc.Name)
	repo := git.Repo{
		URL:   pc.URL,
		Ref:   pc.Ref,
		Depth: pc.Depth(defaults),
		Auth:  gitAuth(pc.Auth),
	}
	if _, err := d.git.Sync(ctx, dir, repo); err != nil {
		return nil, err
	}
	return workflow.Load(filepath.Join(dir, pc.WorkflowPath(defaults)))
}

// reloadConfig is the watcher callback. Project changes apply atomically;
// queue sizing and listener changes need a restart and are only logged.
func (d *Daemon) reloadConfig(ctx context.Context) error {
	cfg, err := config.Load(d.configPath)
	if err != nil {
		return err
	}

	d.mu.Lock()
	old := d.cfg
	d.cfg = cfg
	d.projects = projectMap(cfg)
	d.mu.Unlock()

	if old.Queue != cfg.Queue {
		d.logger.Warn("queue sizing changed; restart to apply",
			slog.Int("size", cfg.Queue.Size), slog.Int("workers", cfg.Queue.Workers))
	}
	if old.Server != cfg.Server || old.Metrics != cfg.Metrics {
		d.logger.Warn("listener config changed; restart to apply")
	}
	if old.NATS != cfg.NATS {
		d.logger.Warn("nats config changed; restart to apply")
	}

	added, removed, changed := diffProjects(old, cfg)
	d.registerSchedules(ctx)

	d.publish(ctx, events.ConfigReloaded{
		Path:       d.configPath,
		Projects:   len(cfg.Projects),
		ReloadedAt: time.Now().UTC(),
	})
	d.logger.Info("config reloaded",
		logfields.Path(d.configPath),
		slog.Any("added", added),
		slog.Any("removed", removed),
		slog.Any("changed", changed))
	return nil
}

func (d *Daemon) publish(ctx context.Context, ev any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), busPublishTimeout)
	defer cancel()
	if err := d.bus.Publish(ctx, ev); err != nil {
		d.logger.Warn("failed to publish event", logfields.Error(err))
	}
}

func (d *Daemon) defaults() config.DefaultsConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg.Defaults
}

func (d *Daemon) retention() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg.Retention.Runs
}

// runExecutor adapts the daemon to the queue's Executor interface.
type runExecutor struct{ d *Daemon }

func (x runExecutor) Execute(ctx context.Context, job *RunJob) (*engine.Run, error) {
	return x.d.executeRun(ctx, job)
}

func projectMap(cfg *config.Config) map[string]config.ProjectConfig {
	m := make(map[string]config.ProjectConfig, len(cfg.Projects))
	for _, p := range cfg.Projects {
		m[p.Name] = p
	}
	return m
}

func diffProjects(old, next *config.Config) (added, removed, changed []string) {
	oldM := projectMap(old)
	newM := projectMap(next)
	for name, np := range newM {
		op, ok := oldM[name]
		switch {
		case !ok:
			added = append(added, name)
		case !reflect.DeepEqual(op, np):
			changed = append(changed, name)
		}
	}
	for name := range oldM {
		if _, ok := newM[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(changed)
	return added, removed, changed
}

func gitAuth(ac *config.AuthConfig) *git.Auth {
	if ac == nil {
		return nil
	}
	return &git.Auth{
		Type:       ac.Type,
		Token:      ac.Token.Value(),
		Username:   ac.Username,
		Password:   ac.Password.Value(),
		KeyPath:    ac.KeyPath,
		Passphrase: ac.Passphrase.Value(),
	}
}

// busSink bridges engine lifecycle callbacks onto the event bus so API
// subscribers see run progress live.
type busSink struct {
	bus    *events.Bus
	logger *slog.Logger
}

func (s *busSink) RunStarted(ctx context.Context, run *engine.Run) {
	s.send(ctx, events.RunStarted{
		RunID:     run.ID,
		Project:   run.Project,
		Workflow:  run.Workflow,
		StartedAt: run.StartedAt,
	})
}

func (s *busSink) JobStarted(context.Context, *engine.Run, string) {}

func (s *busSink) JobFinished(ctx context.Context, run *engine.Run, job *engine.JobResult) {
	s.send(ctx, events.JobFinished{
		RunID:      run.ID,
		Project:    run.Project,
		Job:        job.Name,
		State:      string(job.State),
		FinishedAt: time.Now().UTC(),
	})
}

func (s *busSink) RunFinished(ctx context.Context, run *engine.Run) {
	s.send(ctx, events.RunFinished{
		RunID:      run.ID,
		Project:    run.Project,
		State:      string(run.State),
		Version:    run.Version,
		Duration:   run.Duration(),
		FinishedAt: run.FinishedAt,
	})
}

func (s *busSink) send(ctx context.Context, ev any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), busPublishTimeout)
	defer cancel()
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Warn("failed to publish run event", logfields.Error(err))
	}
}
