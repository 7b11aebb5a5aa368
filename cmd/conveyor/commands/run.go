package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/conveyor/internal/artifact"
	"git.home.luguber.info/inful/conveyor/internal/config"
	"git.home.luguber.info/inful/conveyor/internal/engine"
	"git.home.luguber.info/inful/conveyor/internal/errors"
	"git.home.luguber.info/inful/conveyor/internal/event"
	"git.home.luguber.info/inful/conveyor/internal/git"
	"git.home.luguber.info/inful/conveyor/internal/logfields"
	"git.home.luguber.info/inful/conveyor/internal/publish"
	"git.home.luguber.info/inful/conveyor/internal/retry"
	"git.home.luguber.info/inful/conveyor/internal/summary"
	"git.home.luguber.info/inful/conveyor/internal/workflow"
)

// RunCmd implements the 'run' command: one full engine run against a local
// working tree or a freshly cloned repository.
type RunCmd struct {
	Workflow      string `short:"w" help:"Workflow file to execute" default:"conveyor.yml"`
	Event         string `help:"Event kind the run simulates" enum:"push,tag,manual" default:"push"`
	Ref           string `help:"Full git ref for the event (e.g. refs/heads/main); defaults to HEAD's ref"`
	SHA           string `help:"Commit SHA for the event; defaults to HEAD"`
	Repo          string `help:"Clone this repository URL instead of running against the working tree"`
	NoCheckout    bool   `help:"Do not read git metadata from the working tree; requires --sha"`
	Secrets       string `help:"Dotenv file loaded into the run's secret set"`
	DataDir       string `help:"Keep run state (artifacts, summaries) under this directory instead of a temp dir"`
	KeepWorkspace bool   `help:"Keep the run workspace after the run finishes"`
	MaxWorkers    int    `help:"Concurrent instance limit across the run" default:"4"`
}

func (r *RunCmd) Run(g *Global, _ *CLI) error {
	if r.Repo != "" && r.NoCheckout {
		return errors.ValidationError("--repo and --no-checkout are mutually exclusive").Build()
	}
	if r.NoCheckout && r.SHA == "" {
		return errors.ValidationError("--no-checkout runs need --sha; version stamping uses the commit hash").Build()
	}

	logger := g.logger()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Run state lives in a throwaway temp dir unless --data-dir pins it.
	root := r.DataDir
	temp := root == ""
	var err error
	if temp {
		if root, err = os.MkdirTemp("", "conveyor-*"); err != nil {
			return errors.RuntimeError("failed to create run directory").WithCause(err).Build()
		}
	} else if root, err = filepath.Abs(root); err != nil {
		return errors.ValidationError("failed to resolve data directory").
			WithContext(logfields.KeyPath, r.DataDir).
			WithCause(err).
			Build()
	}

	runID := uuid.NewString()
	ws := filepath.Join(root, "runs", runID)

	scratch := ws
	if temp {
		scratch = root
	}
	defer func() {
		if r.KeepWorkspace {
			logger.Info("run workspace kept", logfields.RunID(runID), logfields.Path(scratch))
			return
		}
		if err := os.RemoveAll(scratch); err != nil {
			logger.Warn("failed to remove run workspace", logfields.Error(err))
		}
	}()

	ref, sha := r.Ref, r.SHA
	var wf *workflow.Workflow
	var srcDir, project string

	if r.Repo != "" {
		srcDir = filepath.Join(ws, "src")
		project = projectFromURL(r.Repo)
		checkout, err := git.NewClient(logger, retry.DefaultPolicy()).
			Sync(ctx, srcDir, git.Repo{URL: r.Repo, Ref: ref, SHA: sha, Depth: 1})
		if err != nil {
			return err
		}
		if sha == "" {
			sha = checkout.SHA
		}
		if ref == "" {
			ref = checkout.Ref
		}
		if wf, err = workflow.Load(filepath.Join(srcDir, r.Workflow)); err != nil {
			return err
		}
	} else {
		var wfPath string
		if wf, wfPath, err = loadWorkflow(r.Workflow); err != nil {
			return err
		}
		srcDir = filepath.Dir(wfPath)
		project = filepath.Base(srcDir)
		if !r.NoCheckout && (ref == "" || sha == "") {
			headSHA, headRef, err := git.ResolveHead(srcDir)
			if err != nil {
				return errors.ValidationError("could not resolve HEAD; pass --ref and --sha, or --no-checkout").
					WithContext(logfields.KeyPath, srcDir).
					WithCause(err).
					Build()
			}
			if sha == "" {
				sha = headSHA
			}
			if ref == "" {
				ref = headRef
			}
		}
	}

	ev, err := buildEvent(r.Event, ref, sha)
	if err != nil {
		return err
	}
	ev.Repo = r.Repo

	if !wf.On.Matches(ev) {
		logger.Warn("workflow does not declare this trigger; running anyway",
			logfields.Trigger(string(ev.Kind)),
			logfields.Ref(ev.Ref))
	}

	var secrets map[string]string
	if r.Secrets != "" {
		if secrets, err = config.LoadSecretsFile(r.Secrets); err != nil {
			return err
		}
	}

	artifacts, err := artifact.NewFSStore(filepath.Join(root, "artifacts"))
	if err != nil {
		return err
	}

	eng := engine.New(engine.Config{
		Logger:     logger,
		Artifacts:  artifacts,
		Publisher:  publish.NewPublisher(logger, retry.DefaultPolicy()),
		Summary:    summary.NewWriter(filepath.Join(root, "summaries")),
		MaxWorkers: r.MaxWorkers,
	})

	run, execErr := eng.Execute(ctx, engine.RunRequest{
		RunID:        runID,
		Project:      project,
		Workflow:     wf,
		Event:        ev,
		Workspace:    ws,
		SkipCheckout: true,
		SourceDir:    srcDir,
		Secrets:      secrets,
	})
	if run != nil {
		fmt.Print(summary.Render(run))
	}
	return execErr
}

// buildEvent synthesizes the triggering event from flags. Push and tag
// events carry ref semantics, so a mismatched ref fails here instead of
// producing an event no filter could fire on.
func buildEvent(kind, ref, sha string) (event.Event, error) {
	switch kind {
	case "tag":
		if ref == "" {
			return event.Event{}, errors.ValidationError("tag events need a ref; pass --ref").Build()
		}
		if strings.HasPrefix(ref, "refs/heads/") {
			return event.Event{}, errors.ValidationError("tag events need a tag ref").
				WithContext(logfields.KeyRef, ref).
				Build()
		}
		return event.NewTagEvent(ref, sha), nil
	case "manual":
		return event.NewManualEvent(ref, sha), nil
	default:
		if ref == "" {
			return event.Event{}, errors.ValidationError("push events need a ref; pass --ref or use --event manual").Build()
		}
		if strings.HasPrefix(ref, "refs/tags/") {
			return event.Event{}, errors.ValidationError("push events need a branch ref; use --event tag").
				WithContext(logfields.KeyRef, ref).
				Build()
		}
		return event.NewPushEvent(ref, sha), nil
	}
}

// projectFromURL derives a project name from a clone URL:
// "https://host/org/repo.git" and "git@host:org/repo.git" both yield "repo".
func projectFromURL(url string) string {
	name := strings.TrimSuffix(path.Base(strings.TrimSuffix(url, "/")), ".git")
	if name == "" || name == "." || name == "/" {
		return "run"
	}
	return name
}
