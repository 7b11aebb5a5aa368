package daemon

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/conveyor/internal/errors"
	"git.home.luguber.info/inful/conveyor/internal/event"
	"git.home.luguber.info/inful/conveyor/internal/logfields"
	"git.home.luguber.info/inful/conveyor/internal/workflow"
)

// Scheduler registers one gocron job per schedule trigger of each watched
// project's workflow and feeds ticks into the daemon as schedule events.
type Scheduler struct {
	scheduler gocron.Scheduler
	submit    Submitter
	logger    *slog.Logger
}

// NewScheduler creates an idle scheduler.
func NewScheduler(submit Submitter, logger *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, errors.DaemonError("failed to create scheduler").WithCause(err).Build()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{scheduler: s, submit: submit, logger: logger}, nil
}

// Register adds the workflow's schedule triggers for a project. ref is the
// project's configured branch ref; scheduled runs build its tip.
func (s *Scheduler) Register(project, ref string, triggers []workflow.ScheduleSpec) error {
	for i, spec := range triggers {
		name := fmt.Sprintf("%s/%s", project, scheduleLabel(spec, i))

		var def gocron.JobDefinition
		switch {
		case spec.Every != "":
			interval, err := spec.Interval()
			if err != nil {
				return errors.ConfigError("invalid schedule interval").
					WithContext(logfields.KeyProject, project).
					WithContext("every", spec.Every).
					WithCause(err).
					Build()
			}
			def = gocron.DurationJob(interval)
		case spec.Cron != "":
			def = gocron.CronJob(spec.Cron, false)
		default:
			continue
		}

		job, err := s.scheduler.NewJob(
			def,
			gocron.NewTask(s.tick, project, ref),
			gocron.WithName(name),
		)
		if err != nil {
			return errors.ConfigError("failed to register schedule").
				WithContext(logfields.KeyProject, project).
				WithContext("schedule", name).
				WithCause(err).
				Build()
		}

		s.logger.Info("schedule registered",
			logfields.Project(project),
			logfields.ScheduleID(job.ID().String()),
			slog.String("schedule", name))
	}
	return nil
}

// Clear removes every registered schedule, used before re-registering on a
// config reload.
func (s *Scheduler) Clear() error {
	for _, job := range s.scheduler.Jobs() {
		if err := s.scheduler.RemoveJob(job.ID()); err != nil {
			return errors.DaemonError("failed to remove schedule").
				WithContext(logfields.KeyScheduleID, job.ID().String()).
				WithCause(err).
				Build()
		}
	}
	return nil
}

// Start begins firing registered schedules.
func (s *Scheduler) Start() {
	s.scheduler.Start()
	s.logger.Info("scheduler started", slog.Int("schedules", len(s.scheduler.Jobs())))
}

// Stop shuts the scheduler down, waiting for running tasks.
func (s *Scheduler) Stop() error {
	if err := s.scheduler.Shutdown(); err != nil {
		return errors.DaemonError("failed to stop scheduler").WithCause(err).Build()
	}
	return nil
}

// tick is the gocron task body: it submits a schedule event for the
// project's configured ref at whatever its tip is when the run starts.
func (s *Scheduler) tick(project, ref string) {
	ev := event.NewScheduleEvent(ref, "")

	runID, err := s.submit.Submit(context.Background(), project, ev, "schedule", PrioritySchedule)
	if err != nil {
		s.logger.Error("scheduled run not accepted",
			logfields.Project(project),
			logfields.Error(err))
		return
	}
	s.logger.Info("scheduled run submitted",
		logfields.Project(project),
		logfields.RunID(runID),
		logfields.Ref(ref))
}

func scheduleLabel(spec workflow.ScheduleSpec, i int) string {
	if spec.Every != "" {
		return "every-" + spec.Every
	}
	if spec.Cron != "" {
		return fmt.Sprintf("cron-%d", i)
	}
	return fmt.Sprintf("schedule-%d", i)
}
