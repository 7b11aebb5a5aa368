package commands

import (
	"log/slog"
	"os"
	"path/filepath"

	"git.home.luguber.info/inful/conveyor/internal/errors"
	"git.home.luguber.info/inful/conveyor/internal/observability"
	"git.home.luguber.info/inful/conveyor/internal/workflow"
)

// Global carries state shared by subcommands.
type Global struct {
	Logger *slog.Logger
}

func (g *Global) logger() *slog.Logger {
	if g == nil || g.Logger == nil {
		return slog.Default()
	}
	return g.Logger
}

// CLI is the root command grammar with global flags.
type CLI struct {
	LogLevel  string `help:"Log level (debug, info, warn, error)" enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log output format" enum:"text,json" default:"text"`
	Config    string `short:"c" help:"Daemon configuration file path" default:"conveyor.daemon.yml"`

	Run      RunCmd      `cmd:"" help:"Execute a workflow locally and print its summary"`
	Validate ValidateCmd `cmd:"" help:"Load and validate a workflow file"`
	Graph    GraphCmd    `cmd:"" help:"Print the job graph of a workflow"`
	Init     InitCmd     `cmd:"" help:"Write a starter workflow file"`
	Daemon   DaemonCmd   `cmd:"" help:"Run the conveyor daemon"`
	History  HistoryCmd  `cmd:"" help:"List recorded runs from the run store"`
	Version  VersionCmd  `cmd:"" help:"Print version information"`
}

// AfterApply runs after flag parsing; it installs the process-wide logger
// so every command logs through the redaction layer.
func (c *CLI) AfterApply() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return errors.ValidationError("unknown log level").
			WithContext("level", c.LogLevel).
			WithCause(err).
			Build()
	}
	observability.SetupLogging(os.Stderr, level, observability.LogFormat(c.LogFormat))
	return nil
}

// loadWorkflow resolves path and loads the workflow it names. The absolute
// path is returned so callers can derive the source directory from it.
func loadWorkflow(path string) (*workflow.Workflow, string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, "", errors.ValidationError("failed to resolve workflow path").
			WithContext("path", path).
			WithCause(err).
			Build()
	}
	wf, err := workflow.Load(abs)
	if err != nil {
		return nil, "", err
	}
	return wf, abs, nil
}
