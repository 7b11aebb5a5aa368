package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"git.home.luguber.info/inful/conveyor/internal/config"
	"git.home.luguber.info/inful/conveyor/internal/runstore"
)

// HistoryCmd implements the 'history' command.
type HistoryCmd struct {
	Limit   int    `help:"Maximum runs to list" default:"20"`
	Project string `help:"Only list runs of this project"`
	JSON    bool   `help:"Emit JSON instead of a table"`
	DataDir string `help:"Run store location (defaults to the daemon config's data_dir)"`
}

func (h *HistoryCmd) Run(_ *Global, root *CLI) error {
	dataDir := h.DataDir
	if dataDir == "" {
		cfg, err := config.Load(root.Config)
		if err != nil {
			return err
		}
		dataDir = cfg.DataDir
	}

	store, err := runstore.NewSQLiteStore(filepath.Join(dataDir, "runs.db"))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	// A project filter needs a deeper history pool than the listing limit.
	bound := 0
	if h.Project == "" {
		bound = h.Limit
	}
	projection := runstore.NewHistoryProjection(store, bound)
	if err := projection.Rebuild(context.Background()); err != nil {
		return err
	}

	runs := collectRuns(projection, h.Project, h.Limit)

	if h.JSON {
		if runs == nil {
			runs = []*runstore.RunSummary{}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}
	renderHistory(os.Stdout, runs)
	return nil
}

// collectRuns lists active runs newest-first followed by settled history,
// the same order the admin API serves.
func collectRuns(p *runstore.HistoryProjection, project string, limit int) []*runstore.RunSummary {
	var runs []*runstore.RunSummary
	active := p.Active()
	for i := len(active) - 1; i >= 0; i-- {
		if project != "" && active[i].Project != project {
			continue
		}
		runs = append(runs, active[i])
	}
	if project != "" {
		runs = append(runs, p.ByProject(project, limit)...)
	} else {
		runs = append(runs, p.Recent(limit)...)
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs
}

// renderHistory writes runs as an aligned table.
func renderHistory(w io.Writer, runs []*runstore.RunSummary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tPROJECT\tWORKFLOW\tSTATE\tTRIGGER\tVERSION\tJOBS\tDURATION\tFINISHED")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(run.RunID),
			run.Project,
			orDash(run.Workflow),
			run.State,
			orDash(run.Trigger),
			orDash(run.Version),
			jobsColumn(run),
			durationColumn(run),
			finishedColumn(run))
	}
	_ = tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func jobsColumn(run *runstore.RunSummary) string {
	if run.JobsTotal == 0 {
		return "-"
	}
	if run.JobsFailed > 0 {
		return fmt.Sprintf("%d (%d failed)", run.JobsTotal, run.JobsFailed)
	}
	return strconv.Itoa(run.JobsTotal)
}

func durationColumn(run *runstore.RunSummary) string {
	if run.Duration <= 0 {
		return "-"
	}
	d := run.Duration
	if d >= time.Second {
		d = d.Round(time.Second)
	} else {
		d = d.Round(time.Millisecond)
	}
	return d.String()
}

func finishedColumn(run *runstore.RunSummary) string {
	if run.FinishedAt.IsZero() {
		return "-"
	}
	return humanize.Time(run.FinishedAt)
}
