package exec

import (
	"context"
	"strings"
	"testing"
	"time"

	"git.home.luguber.info/inful/conveyor/internal/errors"
)

func TestRunCapturesOutput(t *testing.T) {
	r := NewRunner()
	res, err := r.Run(context.Background(), Spec{
		Name:   "echo",
		Script: "echo out; echo err >&2",
		Dir:    t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d", res.ExitCode)
	}
	if !strings.Contains(res.Output, "out") || !strings.Contains(res.Output, "err") {
		t.Errorf("Output = %q, want both streams", res.Output)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	r := NewRunner()
	res, err := r.Run(context.Background(), Spec{
		Name:   "fail",
		Script: "echo boom; exit 3",
		Dir:    t.TempDir(),
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.HasCategory(err, errors.CategoryExec) {
		t.Errorf("category = %v, want exec", errors.GetCategory(err))
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Output, "boom") {
		t.Errorf("Output = %q", res.Output)
	}
}

func TestRunUsesDirAndEnv(t *testing.T) {
	dir := t.TempDir()
	r := NewRunner()
	res, err := r.Run(context.Background(), Spec{
		Name:   "env",
		Script: "pwd; printf '%s\\n' \"$CONVEYOR_VERSION\"",
		Dir:    dir,
		Env:    []string{"PATH=/usr/bin:/bin", "CONVEYOR_VERSION=1.2.0"},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(res.Output, dir) {
		t.Errorf("Output %q missing working dir %q", res.Output, dir)
	}
	if !strings.Contains(res.Output, "1.2.0") {
		t.Errorf("Output %q missing env value", res.Output)
	}
}

func TestRunTimeoutKillsProcessGroup(t *testing.T) {
	r := NewRunner()
	start := time.Now()
	res, err := r.Run(context.Background(), Spec{
		Name:    "sleep",
		Script:  "sleep 30 & sleep 30",
		Dir:     t.TempDir(),
		Timeout: 200 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !res.TimedOut {
		t.Error("TimedOut = false")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("kill took too long: %v", elapsed)
	}
}

func TestRunCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	r := NewRunner()
	res, err := r.Run(ctx, Spec{
		Name:   "sleep",
		Script: "sleep 30",
		Dir:    t.TempDir(),
	})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if res.TimedOut {
		t.Error("cancellation should not count as timeout")
	}
}

func TestRunRedactsSecrets(t *testing.T) {
	r := NewRunner()
	res, err := r.Run(context.Background(), Spec{
		Name:    "leak",
		Script:  "echo token=hunter2",
		Dir:     t.TempDir(),
		Secrets: []string{"hunter2"},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if strings.Contains(res.Output, "hunter2") {
		t.Errorf("secret leaked: %q", res.Output)
	}
	if !strings.Contains(res.Output, "token=***") {
		t.Errorf("Output = %q, want redaction marker", res.Output)
	}
}

func TestRunKeepsOutputTail(t *testing.T) {
	r := NewRunner()
	res, err := r.Run(context.Background(), Spec{
		Name:      "spam",
		Script:    "for i in $(seq 1 200); do echo line-$i; done",
		Dir:       t.TempDir(),
		TailBytes: 100,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.HasPrefix(res.Output, "[output truncated]") {
		t.Errorf("Output should be marked truncated: %q", res.Output[:40])
	}
	if !strings.Contains(res.Output, "line-200") {
		t.Errorf("tail should keep the last line: %q", res.Output)
	}
	if strings.Contains(res.Output, "line-1\n") {
		t.Errorf("head should be dropped: %q", res.Output)
	}
}

func TestTailBufferExactFit(t *testing.T) {
	tb := newTailBuffer(5)
	if _, err := tb.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if tb.String() != "hello" {
		t.Errorf("String() = %q, want hello (no truncation marker)", tb.String())
	}
}
