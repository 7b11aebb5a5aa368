// Package summary renders settled runs into markdown documents: job and
// instance tables, step results with failure excerpts, harvested artifacts,
// and publish reports. The daemon serves the same document as HTML.
package summary

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"git.home.luguber.info/inful/conveyor/internal/engine"
	"git.home.luguber.info/inful/conveyor/internal/errors"
)

// tailLineCount bounds the output excerpt rendered for a failed step.
const tailLineCount = 40

// Writer persists run summaries beneath a directory, one markdown file per
// run ID. It satisfies the engine's summary hook.
type Writer struct {
	dir string
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// Write renders run and stores it as <dir>/<run-id>.md.
func (w *Writer) Write(run *engine.Run) (string, error) {
	if err := os.MkdirAll(w.dir, 0o750); err != nil {
		return "", errors.RuntimeError("failed to create summary directory").
			WithContext("dir", w.dir).WithCause(err).Build()
	}
	path := filepath.Join(w.dir, run.ID+".md")
	if err := os.WriteFile(path, []byte(Render(run)), 0o644); err != nil {
		return "", errors.RuntimeError("failed to write run summary").
			WithContext("file", path).WithCause(err).Build()
	}
	return path, nil
}

// Render produces the markdown summary for a settled run.
func Render(run *engine.Run) string {
	var b strings.Builder
	title := cases.Title(language.English)

	name := run.Workflow
	if name == "" {
		name = run.Project
	}
	fmt.Fprintf(&b, "# %s: run %s\n\n", name, shortID(run.ID))
	fmt.Fprintf(&b, "**%s** in %s\n\n", run.State, fmtDuration(run.Duration()))

	fmt.Fprintf(&b, "- trigger: %s `%s` @ `%s`\n", run.Event.Kind, run.Event.Ref, shortSHA(run.Event.SHA))
	if run.Version != "" {
		fmt.Fprintf(&b, "- version: `%s`\n", run.Version)
	}
	if !run.StartedAt.IsZero() {
		fmt.Fprintf(&b, "- started: %s\n", run.StartedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "- run id: `%s`\n", run.ID)

	if len(run.Jobs) > 0 {
		b.WriteString("\n## Jobs\n\n")
		b.WriteString("| Job | State | Duration | Notes |\n")
		b.WriteString("|-----|-------|----------|-------|\n")
		for i := range run.Jobs {
			jr := &run.Jobs[i]
			fmt.Fprintf(&b, "| `%s` | %s | %s | %s |\n",
				jr.Name, jr.State, fmtDuration(jr.Duration), jobNote(jr))
		}
	}

	for i := range run.Jobs {
		renderJob(&b, title, &run.Jobs[i])
	}

	renderArtifacts(&b, run)
	renderPublishes(&b, run)

	return b.String()
}

func renderJob(b *strings.Builder, title cases.Caser, jr *engine.JobResult) {
	if len(jr.Instances) == 0 && jr.Error == "" {
		return
	}
	fmt.Fprintf(b, "\n### %s\n", title.String(strings.NewReplacer("-", " ", "_", " ").Replace(jr.Name)))
	if jr.Error != "" {
		fmt.Fprintf(b, "\n**%s**: %s\n", jr.State, jr.Error)
	}

	for i := range jr.Instances {
		ir := &jr.Instances[i]
		fmt.Fprintf(b, "\n**%s**: %s in %s\n", ir.ID, ir.State, fmtDuration(ir.Duration))
		if ir.Error != "" && len(ir.Steps) == 0 {
			fmt.Fprintf(b, "\n%s\n", ir.Error)
			continue
		}
		if len(ir.Steps) == 0 {
			continue
		}

		b.WriteString("\n| Step | State | Exit | Duration |\n")
		b.WriteString("|------|-------|------|----------|\n")
		for _, sr := range ir.Steps {
			fmt.Fprintf(b, "| %s | %s | %d | %s |\n",
				sr.Name, sr.State, sr.ExitCode, fmtDuration(sr.Duration))
		}

		for _, sr := range ir.Steps {
			if sr.Summary != "" {
				fmt.Fprintf(b, "\n%s\n", strings.TrimRight(sr.Summary, "\n"))
			}
		}
		for _, sr := range ir.Steps {
			if sr.State != engine.JobFailed || sr.Output == "" {
				continue
			}
			fmt.Fprintf(b, "\nOutput of `%s`:\n\n```\n%s\n```\n",
				sr.Name, tailLines(sr.Output, tailLineCount))
		}
	}
}

func renderArtifacts(b *strings.Builder, run *engine.Run) {
	type row struct {
		job string
		art engine.ArtifactResult
	}
	var rows []row
	for i := range run.Jobs {
		for _, art := range run.Jobs[i].Artifacts {
			rows = append(rows, row{job: run.Jobs[i].Name, art: art})
		}
	}
	if len(rows) == 0 {
		return
	}
	b.WriteString("\n## Artifacts\n\n")
	b.WriteString("| Artifact | Job | Files | Size |\n")
	b.WriteString("|----------|-----|-------|------|\n")
	for _, r := range rows {
		fmt.Fprintf(b, "| %s | `%s` | %d | %s |\n",
			r.art.Name, r.job, r.art.Files, humanize.Bytes(uint64(r.art.Bytes)))
	}
}

func renderPublishes(b *strings.Builder, run *engine.Run) {
	if len(run.Publishes) == 0 {
		return
	}
	b.WriteString("\n## Publish\n")
	for _, report := range run.Publishes {
		fmt.Fprintf(b, "\n`%s`: published %d, skipped %d, failed %d of %d\n",
			report.IndexURL, report.Published, report.Skipped, report.Failed, report.Attempted)
		if len(report.Results) == 0 {
			continue
		}
		b.WriteString("\n| Outcome | File | Message |\n")
		b.WriteString("|---------|------|---------|\n")
		for _, res := range report.Results {
			fmt.Fprintf(b, "| %s | %s | %s |\n", res.Outcome, res.File, res.Message)
		}
	}
}

func jobNote(jr *engine.JobResult) string {
	switch {
	case jr.State == engine.JobSkipped:
		return string(jr.SkipReason)
	case jr.Error != "":
		return firstLine(jr.Error)
	case len(jr.Instances) > 1:
		return fmt.Sprintf("%d instances", len(jr.Instances))
	default:
		return ""
	}
}

func fmtDuration(d time.Duration) string {
	switch {
	case d == 0:
		return "-"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	case d < time.Minute:
		return d.Round(100 * time.Millisecond).String()
	default:
		return d.Round(time.Second).String()
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// tailLines keeps the last n lines of s, mirroring what a terminal user
// would see at the end of a failed step.
func tailLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
