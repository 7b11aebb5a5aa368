package runstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"git.home.luguber.info/inful/conveyor/internal/engine"
	"git.home.luguber.info/inful/conveyor/internal/event"
	"git.home.luguber.info/inful/conveyor/internal/publish"
)

func sinkFixtureRun() *engine.Run {
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &engine.Run{
		ID:       testRunID,
		Project:  "demo",
		Workflow: "release",
		Event:    event.NewTagEvent("refs/tags/v1.2.0", "0123456789abcdef0123456789abcdef01234567"),
		State:    engine.RunSucceeded,
		Version:  "1.2.0",
		Jobs: []engine.JobResult{
			{
				Name: "build", State: engine.JobSucceeded, Duration: 28 * time.Second,
				Instances: []engine.InstanceResult{{ID: "build [python=3.11]", State: engine.JobSucceeded}},
				Artifacts: []engine.ArtifactResult{{Name: "dist", Files: 2, Bytes: 2048}},
			},
			{Name: "announce", State: engine.JobSkipped, SkipReason: engine.SkipGated},
		},
		Publishes:   []*publish.Report{{Attempted: 2, Published: 2}},
		StartedAt:   started,
		FinishedAt:  started.Add(42 * time.Second),
		SummaryPath: "/var/lib/conveyor/summaries/" + testRunID + ".md",
	}
}

func TestSinkRecordsLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer func() { _ = store.Close() }()

	projection := NewHistoryProjection(store, 10)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sink := NewSink(store, projection, logger)

	ctx := t.Context()
	run := sinkFixtureRun()

	sink.RunQueued(ctx, run.ID, RunQueuedPayload{
		Project: run.Project, Trigger: "tag", Ref: run.Event.Ref, SHA: run.Event.SHA, Priority: 1,
	})
	sink.RunStarted(ctx, run)
	sink.JobStarted(ctx, run, "build")
	for i := range run.Jobs {
		sink.JobFinished(ctx, run, &run.Jobs[i])
	}
	sink.RunFinished(ctx, run)

	events, err := store.RunEvents(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run events: %v", err)
	}
	wantTypes := []string{TypeRunQueued, TypeRunStarted, TypeJobFinished, TypeJobFinished, TypeRunFinished}
	if len(events) != len(wantTypes) {
		t.Fatalf("expected %d events, got %d", len(wantTypes), len(events))
	}
	for i, want := range wantTypes {
		if events[i].Type() != want {
			t.Errorf("event %d: expected %s, got %s", i, want, events[i].Type())
		}
	}

	var finished RunFinishedPayload
	if err := json.Unmarshal(events[len(events)-1].Payload(), &finished); err != nil {
		t.Fatalf("failed to decode RunFinished payload: %v", err)
	}
	if finished.State != "succeeded" {
		t.Errorf("expected state succeeded, got %q", finished.State)
	}
	if finished.JobsTotal != 2 || finished.JobsSkipped != 1 || finished.JobsFailed != 0 {
		t.Errorf("unexpected job totals: %+v", finished)
	}
	if finished.ArtifactBytes != 2048 {
		t.Errorf("expected 2048 artifact bytes, got %d", finished.ArtifactBytes)
	}
	if finished.Published != 2 {
		t.Errorf("expected 2 published files, got %d", finished.Published)
	}
	if finished.DurationMS != 42000 {
		t.Errorf("expected 42000ms, got %d", finished.DurationMS)
	}

	summary, ok := projection.Get(run.ID)
	if !ok {
		t.Fatal("expected projection to track the run")
	}
	if summary.State != "succeeded" || !summary.Terminal() {
		t.Errorf("expected terminal succeeded summary, got %+v", summary)
	}
	if summary.QueuedAt.IsZero() {
		t.Error("expected QueuedAt from the queue event")
	}
	if summary.Published != 2 {
		t.Errorf("expected published count in summary, got %d", summary.Published)
	}
}

func TestSinkRunSkipped(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer func() { _ = store.Close() }()

	projection := NewHistoryProjection(store, 10)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sink := NewSink(store, projection, logger)

	ctx := t.Context()
	sink.RunQueued(ctx, testRunID, RunQueuedPayload{Project: "demo", Trigger: "push", Ref: "refs/heads/wip"})
	sink.RunSkipped(ctx, testRunID, "workflow triggers do not match the event")

	summary, ok := projection.Get(testRunID)
	if !ok {
		t.Fatal("expected projection to track the run")
	}
	if summary.State != StateSkipped {
		t.Errorf("expected state %s, got %q", StateSkipped, summary.State)
	}
	if !summary.Terminal() {
		t.Error("expected a skipped run to be terminal")
	}
	if summary.Error != "workflow triggers do not match the event" {
		t.Errorf("expected the skip reason in the summary, got %q", summary.Error)
	}
	if len(projection.Active()) != 0 {
		t.Error("expected no active runs after the skip settles")
	}
}

func TestSinkPersistsAfterCancellation(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer func() { _ = store.Close() }()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sink := NewSink(store, nil, logger)

	run := sinkFixtureRun()
	run.State = engine.RunCanceled

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	sink.RunFinished(ctx, run)

	events, err := store.RunEvents(t.Context(), run.ID)
	if err != nil {
		t.Fatalf("failed to get run events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected terminal event despite canceled context, got %d events", len(events))
	}
	if events[0].Type() != TypeRunFinished {
		t.Errorf("expected %s, got %s", TypeRunFinished, events[0].Type())
	}
}
