package workflow

import (
	"os"
	"strings"
	"testing"

	"git.home.luguber.info/inful/conveyor/internal/errors"
	"git.home.luguber.info/inful/conveyor/internal/event"
)

const fullWorkflow = `
name: ci
on:
  push:
    branches: ["main", "release/*"]
    tags: ["v*"]
  schedule:
    - every: 30m
  manual: true
env:
  PIP_INDEX: https://pypi.org/simple
jobs:
  typecheck:
    strategy:
      matrix:
        python: ["3.11", "3.12", "3.13"]
    steps:
      - run: mypy src/
  build:
    needs: [typecheck]
    strategy:
      matrix:
        python: ["3.11", "3.12"]
        os: [linux, darwin]
      max-parallel: 4
    steps:
      - uses: stamp
      - name: build wheel
        run: python -m build --wheel
    artifacts:
      upload:
        - name: wheel-${{ matrix.python }}-${{ matrix.os }}
          paths: ["dist/*.whl"]
  deploy:
    needs: [build]
    if:
      tags: ["v*"]
    secrets: [PYPI_TOKEN]
    steps:
      - uses: publish
        with:
          repository-url: https://upload.example.org/legacy/
    artifacts:
      download:
        - name: "wheel-*"
          dir: dist
`

func TestParseFullWorkflow(t *testing.T) {
	wf, err := Parse([]byte(fullWorkflow))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if wf.Name != "ci" {
		t.Errorf("Name = %q, want ci", wf.Name)
	}
	if got := strings.Join(wf.JobOrder, ","); got != "typecheck,build,deploy" {
		t.Errorf("JobOrder = %q, want typecheck,build,deploy", got)
	}

	build := wf.Jobs["build"]
	if build == nil {
		t.Fatal("missing build job")
	}
	if got := strings.Join(build.Strategy.MatrixAxes, ","); got != "python,os" {
		t.Errorf("MatrixAxes = %q, want python,os", got)
	}
	if build.Strategy.MaxParallel != 4 {
		t.Errorf("MaxParallel = %d, want 4", build.Strategy.MaxParallel)
	}
	if build.Strategy.FailFast {
		t.Error("FailFast should default to false")
	}
	if build.Steps[0].Name != "stamp" {
		t.Errorf("builtin step name = %q, want stamp", build.Steps[0].Name)
	}
	if build.Steps[1].Name != "build wheel" {
		t.Errorf("named step name = %q", build.Steps[1].Name)
	}

	typecheck := wf.Jobs["typecheck"]
	if typecheck.Steps[0].Name != "mypy src/" {
		t.Errorf("default step name = %q, want run command", typecheck.Steps[0].Name)
	}

	deploy := wf.Jobs["deploy"]
	if deploy.If == nil || len(deploy.If.Tags) != 1 {
		t.Fatalf("deploy gate not parsed: %+v", deploy.If)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte(`
name: ci
jobs:
  lint:
    step:
      - run: true
`))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
	if !errors.HasCategory(err, errors.CategoryValidation) {
		t.Errorf("category = %v, want validation", errors.GetCategory(err))
	}
}

func TestParseEmptyDocument(t *testing.T) {
	if _, err := Parse(nil); err == nil {
		t.Fatal("expected error for empty document")
	}
}

func TestLoadDefaultsNameFromFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/release.yml"
	doc := "jobs:\n  ship:\n    steps:\n      - run: true\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	wf, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if wf.Name != "release" {
		t.Errorf("Name = %q, want release", wf.Name)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(t.TempDir() + "/nope.yml")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.HasCategory(err, errors.CategoryConfig) {
		t.Errorf("category = %v, want config", errors.GetCategory(err))
	}
}

func TestTriggerMatching(t *testing.T) {
	wf, err := Parse([]byte(fullWorkflow))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	tests := []struct {
		name string
		evt  event.Event
		want bool
	}{
		{"main push", event.NewPushEvent("refs/heads/main", "deadbeefcafe0000"), true},
		{"release push", event.NewPushEvent("refs/heads/release/1.2", "deadbeefcafe0000"), true},
		{"feature push filtered", event.NewPushEvent("refs/heads/feature/x", "deadbeefcafe0000"), false},
		{"tag push", event.NewTagEvent("refs/tags/v1.2.0", "deadbeefcafe0000"), true},
		{"other tag filtered", event.NewTagEvent("refs/tags/nightly", "deadbeefcafe0000"), false},
		{"schedule", event.NewScheduleEvent("refs/heads/main", "deadbeefcafe0000"), true},
		{"manual", event.NewManualEvent("refs/heads/main", "deadbeefcafe0000"), true},
		{"pull request not declared", event.NewPullRequestEvent("refs/heads/main", "deadbeefcafe0000"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := wf.On.Matches(tt.evt); got != tt.want {
				t.Errorf("Matches(%s %s) = %v, want %v", tt.evt.Kind, tt.evt.Ref, got, tt.want)
			}
		})
	}
}

func TestGateAllows(t *testing.T) {
	tagGate := &Gate{Tags: []string{"v*"}}
	branchGate := &Gate{Branches: []string{"main"}}
	refGate := &Gate{Refs: []string{"refs/heads/release/*"}}

	push := event.NewPushEvent("refs/heads/main", "deadbeefcafe0000")
	release := event.NewPushEvent("refs/heads/release/2.0", "deadbeefcafe0000")
	tag := event.NewTagEvent("refs/tags/v2.0.0", "deadbeefcafe0000")

	tests := []struct {
		name string
		gate *Gate
		evt  event.Event
		want bool
	}{
		{"nil gate admits all", nil, push, true},
		{"empty gate admits all", &Gate{}, push, true},
		{"tag gate blocks branch push", tagGate, push, false},
		{"tag gate admits tag", tagGate, tag, true},
		{"branch gate admits branch", branchGate, push, true},
		{"branch gate blocks tag", branchGate, tag, false},
		{"ref gate full ref", refGate, release, true},
		{"ref gate blocks others", refGate, push, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.gate.Allows(tt.evt); got != tt.want {
				t.Errorf("Allows() = %v, want %v", got, tt.want)
			}
		})
	}
}
