package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/conveyor/cmd/conveyor/commands"
	"git.home.luguber.info/inful/conveyor/internal/logfields"
)

func main() {
	var cli commands.CLI
	ctx := kong.Parse(&cli,
		kong.Name("conveyor"),
		kong.Description("Self-hosted CI: typecheck across interpreters, build wheel matrices, publish tagged releases."),
		kong.UsageOnError(),
	)

	if err := ctx.Run(&commands.Global{Logger: slog.Default()}, &cli); err != nil {
		slog.Error("command failed", logfields.Error(err))
		os.Exit(1)
	}
}
