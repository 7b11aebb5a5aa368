package daemon

import (
	"testing"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/conveyor/internal/errors"
	"git.home.luguber.info/inful/conveyor/internal/event"
	"git.home.luguber.info/inful/conveyor/internal/workflow"
)

func TestSchedulerRegister(t *testing.T) {
	t.Run("registers interval and cron triggers", func(t *testing.T) {
		s, err := NewScheduler(&stubSubmitter{}, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Stop() })

		err = s.Register("demo", "refs/heads/main", []workflow.ScheduleSpec{
			{Every: "30m"},
			{Cron: "0 4 * * *"},
		})
		require.NoError(t, err)
		require.Len(t, s.scheduler.Jobs(), 2)
	})

	t.Run("rejects invalid interval", func(t *testing.T) {
		s, err := NewScheduler(&stubSubmitter{}, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Stop() })

		err = s.Register("demo", "", []workflow.ScheduleSpec{{Every: "sometimes"}})
		require.Error(t, err)
		require.True(t, errors.HasCategory(err, errors.CategoryConfig))
	})

	t.Run("rejects invalid cron expression", func(t *testing.T) {
		s, err := NewScheduler(&stubSubmitter{}, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Stop() })

		err = s.Register("demo", "", []workflow.ScheduleSpec{{Cron: "not a cron"}})
		require.Error(t, err)
	})
}

func TestSchedulerClear(t *testing.T) {
	s, err := NewScheduler(&stubSubmitter{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })

	require.NoError(t, s.Register("demo", "refs/heads/main", []workflow.ScheduleSpec{{Every: "1h"}}))
	require.NoError(t, s.Register("other", "refs/heads/main", []workflow.ScheduleSpec{{Every: "2h"}}))
	require.Len(t, s.scheduler.Jobs(), 2)

	require.NoError(t, s.Clear())
	require.Empty(t, s.scheduler.Jobs())
}

func TestSchedulerTickSubmitsScheduleEvent(t *testing.T) {
	sub := &stubSubmitter{}
	s, err := NewScheduler(sub, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop() })

	s.tick("demo", "refs/heads/main")

	require.Equal(t, 1, sub.calls)
	require.Equal(t, "demo", sub.project)
	require.Equal(t, "schedule", sub.source)
	require.Equal(t, PrioritySchedule, sub.priority)
	require.Equal(t, event.KindSchedule, sub.ev.Kind)
	require.Empty(t, sub.ev.SHA, "schedule events resolve the tip at checkout")
}
