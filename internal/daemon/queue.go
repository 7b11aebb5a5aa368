package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"git.home.luguber.info/inful/conveyor/internal/engine"
	"git.home.luguber.info/inful/conveyor/internal/errors"
	"git.home.luguber.info/inful/conveyor/internal/event"
	"git.home.luguber.info/inful/conveyor/internal/logfields"
	"git.home.luguber.info/inful/conveyor/internal/metrics"
)

// Priority orders queued runs when lanes contend. Webhooks carry fresh
// commits someone is waiting on; scheduled runs are periodic; manual
// batches go last.
type Priority int

const (
	PriorityManual   Priority = 0
	PrioritySchedule Priority = 1
	PriorityWebhook  Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityWebhook:
		return "webhook"
	case PrioritySchedule:
		return "schedule"
	default:
		return "manual"
	}
}

// JobStatus is the queue-level state of a run job.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCanceled  JobStatus = "canceled"
)

// RunJob is one run waiting in or passing through the queue. Its ID is the
// engine run ID, assigned at submission so the job is trackable before a
// worker picks it up.
type RunJob struct {
	ID          string        `json:"id"`
	Project     string        `json:"project"`
	Event       event.Event   `json:"event"`
	Priority    Priority      `json:"priority"`
	Source      string        `json:"source"`
	Status      JobStatus     `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Error       string        `json:"error,omitempty"`

	cancel context.CancelFunc
}

// Executor turns a queued job into a finished run. The daemon's project
// runner implements it.
type Executor interface {
	Execute(ctx context.Context, job *RunJob) (*engine.Run, error)
}

const defaultHistoryRing = 50

// Queue feeds queued runs to a fixed pool of workers. Each priority has
// its own bounded lane; workers always drain higher lanes first.
type Queue struct {
	lanes    [3]chan *RunJob
	workers  int
	exec     Executor
	recorder metrics.Recorder
	logger   *slog.Logger

	mu          sync.RWMutex
	closed      bool
	active      map[string]*RunJob
	history     []*RunJob
	historySize int

	draining chan struct{}
	abort    chan struct{}
	wg       sync.WaitGroup
}

// NewQueue creates a queue with the given per-lane capacity and worker
// count. Zero or negative values fall back to 100 and 2.
func NewQueue(size, workers int, exec Executor, recorder metrics.Recorder, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = 100
	}
	if workers <= 0 {
		workers = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		workers:     workers,
		exec:        exec,
		recorder:    metrics.OrNoop(recorder),
		logger:      logger,
		active:      make(map[string]*RunJob),
		historySize: defaultHistoryRing,
		draining:    make(chan struct{}),
		abort:       make(chan struct{}),
	}
	for i := range q.lanes {
		q.lanes[i] = make(chan *RunJob, size)
	}
	return q
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) {
	q.logger.Info("run queue started",
		slog.Int("workers", q.workers),
		slog.Int("lane_capacity", cap(q.lanes[0])))

	for i := range q.workers {
		q.wg.Add(1)
		go q.worker(ctx, fmt.Sprintf("worker-%d", i))
	}
}

// Enqueue accepts a job into its priority lane. It fails when the lane is
// full or the queue is shutting down; webhook senders see the failure and
// redeliver.
func (q *Queue) Enqueue(job *RunJob) error {
	if job == nil || job.ID == "" {
		return errors.ValidationError("run job needs an id").Build()
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return errors.DaemonError("run queue is shutting down").Build()
	}

	job.Status = StatusQueued
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	select {
	case q.lane(job.Priority) <- job:
		q.recorder.SetQueueDepth(q.depthLocked())
		q.logger.Info("run queued",
			logfields.RunID(job.ID),
			logfields.Project(job.Project),
			logfields.Trigger(string(job.Event.Kind)),
			slog.String("priority", job.Priority.String()))
		return nil
	default:
		return errors.DaemonError("run queue is full").
			WithContext(logfields.KeyProject, job.Project).
			Build()
	}
}

// Stop drains queued jobs until ctx expires, then cancels whatever is
// still in flight and waits for the workers to exit.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.draining)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		q.logger.Warn("drain window expired, canceling in-flight runs")
		close(q.abort)
		q.mu.Lock()
		for _, job := range q.active {
			if job.cancel != nil {
				job.cancel()
			}
		}
		q.mu.Unlock()
		<-done
	}
	q.logger.Info("run queue stopped")
}

// Depth is the number of queued jobs across all lanes.
func (q *Queue) Depth() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.depthLocked()
}

func (q *Queue) depthLocked() int {
	n := 0
	for i := range q.lanes {
		n += len(q.lanes[i])
	}
	return n
}

// Active returns the jobs currently executing.
func (q *Queue) Active() []*RunJob {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]*RunJob, 0, len(q.active))
	for _, job := range q.active {
		out = append(out, job)
	}
	return out
}

// History returns recently finished jobs, oldest first.
func (q *Queue) History() []*RunJob {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]*RunJob, len(q.history))
	copy(out, q.history)
	return out
}

func (q *Queue) lane(p Priority) chan *RunJob {
	if p < PriorityManual || p > PriorityWebhook {
		p = PriorityManual
	}
	return q.lanes[p]
}

func (q *Queue) worker(ctx context.Context, name string) {
	defer q.wg.Done()

	for {
		job := q.next(ctx)
		if job == nil {
			q.logger.Debug("worker stopped", logfields.Worker(name))
			return
		}
		q.process(ctx, job, name)
	}
}

// next blocks until a job is available, preferring higher lanes whenever
// more than one holds work. It returns nil when the worker should exit.
func (q *Queue) next(ctx context.Context) *RunJob {
	for {
		if job := q.sweep(); job != nil {
			return job
		}
		select {
		case <-ctx.Done():
			return nil
		case <-q.abort:
			return nil
		case <-q.draining:
			// Enqueues finished before shutdown flipped may still sit in
			// a lane; one more sweep picks them up.
			return q.sweep()
		case job := <-q.lanes[PriorityWebhook]:
			return job
		case job := <-q.lanes[PrioritySchedule]:
			return job
		case job := <-q.lanes[PriorityManual]:
			return job
		}
	}
}

// sweep takes the first job from the highest non-empty lane.
func (q *Queue) sweep() *RunJob {
	for p := PriorityWebhook; p >= PriorityManual; p-- {
		select {
		case job := <-q.lanes[p]:
			return job
		default:
		}
	}
	return nil
}

func (q *Queue) process(ctx context.Context, job *RunJob, worker string) {
	jobCtx, cancel := context.WithCancel(ctx)
	job.cancel = cancel
	defer cancel()

	started := time.Now()
	job.StartedAt = &started
	job.Status = StatusRunning

	q.mu.Lock()
	q.active[job.ID] = job
	activeCount := len(q.active)
	q.mu.Unlock()
	q.recorder.SetActiveRuns(activeCount)
	q.recorder.SetQueueDepth(q.Depth())

	q.logger.Info("run started",
		logfields.RunID(job.ID),
		logfields.Project(job.Project),
		logfields.Worker(worker))

	run, err := q.exec.Execute(jobCtx, job)

	completed := time.Now()
	job.CompletedAt = &completed
	job.Duration = completed.Sub(started)
	job.Status = jobStatus(run, err)
	if err != nil {
		job.Error = err.Error()
	}

	q.mu.Lock()
	delete(q.active, job.ID)
	q.pushHistory(job)
	activeCount = len(q.active)
	q.mu.Unlock()
	q.recorder.SetActiveRuns(activeCount)

	if err != nil {
		q.logger.Error("run finished",
			logfields.RunID(job.ID),
			logfields.Project(job.Project),
			logfields.State(string(job.Status)),
			slog.Duration("duration", job.Duration),
			logfields.Error(err))
		return
	}
	q.logger.Info("run finished",
		logfields.RunID(job.ID),
		logfields.Project(job.Project),
		logfields.State(string(job.Status)),
		slog.Duration("duration", job.Duration))
}

// jobStatus maps the settled run onto the queue's status vocabulary. The
// engine returns the run even when it failed; only a setup crash leaves
// run nil.
func jobStatus(run *engine.Run, err error) JobStatus {
	if run != nil {
		switch run.State {
		case engine.RunSucceeded:
			return StatusCompleted
		case engine.RunCanceled:
			return StatusCanceled
		default:
			return StatusFailed
		}
	}
	if err != nil {
		return StatusFailed
	}
	return StatusCompleted
}

// pushHistory appends under q.mu, trimming the ring from the front.
func (q *Queue) pushHistory(job *RunJob) {
	q.history = append(q.history, job)
	if len(q.history) > q.historySize {
		copy(q.history, q.history[len(q.history)-q.historySize:])
		q.history = q.history[:q.historySize]
	}
}
