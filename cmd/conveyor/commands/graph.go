package commands

import (
	"fmt"
	"strings"

	"git.home.luguber.info/inful/conveyor/internal/event"
	"git.home.luguber.info/inful/conveyor/internal/plan"
	"git.home.luguber.info/inful/conveyor/internal/workflow"
)

// GraphCmd implements the 'graph' command.
type GraphCmd struct {
	Workflow string `short:"w" help:"Workflow file to graph" default:"conveyor.yml"`
	Format   string `short:"f" help:"Output format" enum:"text,dot" default:"text"`
}

func (g *GraphCmd) Run(_ *Global, _ *CLI) error {
	wf, _, err := loadWorkflow(g.Workflow)
	if err != nil {
		return err
	}
	p, err := plan.Build(wf, event.NewManualEvent("", ""))
	if err != nil {
		return err
	}
	switch g.Format {
	case "dot":
		fmt.Print(renderDot(p))
	default:
		fmt.Print(renderText(p))
	}
	return nil
}

// renderText prints one line per job in topological order, indented by
// dependency depth.
func renderText(p *plan.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "workflow %s: %d jobs, %d instances\n\n",
		p.Workflow.Name, len(p.Nodes), p.InstanceCount())
	for _, n := range p.Nodes {
		b.WriteString(strings.Repeat("  ", n.Depth))
		b.WriteString(n.JobName)
		if len(n.Instances) > 1 {
			fmt.Fprintf(&b, " (%d instances)", len(n.Instances))
		}
		if len(n.Needs) > 0 {
			fmt.Fprintf(&b, "  needs: %s", strings.Join(n.Needs, ", "))
		}
		if gate := gateLabel(n.Job.If); gate != "" {
			fmt.Fprintf(&b, "  [%s]", gate)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// renderDot emits the plan as a Graphviz digraph, one box per job with
// needs edges pointing from dependency to dependent.
func renderDot(p *plan.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "digraph %q {\n", p.Workflow.Name)
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  node [shape=box];\n")
	for _, n := range p.Nodes {
		label := n.JobName
		if len(n.Instances) > 1 {
			label = fmt.Sprintf("%s\\n%d instances", n.JobName, len(n.Instances))
		}
		if gate := gateLabel(n.Job.If); gate != "" {
			label += "\\n" + gate
		}
		fmt.Fprintf(&b, "  %q [label=\"%s\"];\n", n.JobName, label)
	}
	for _, n := range p.Nodes {
		for _, need := range n.Needs {
			fmt.Fprintf(&b, "  %q -> %q;\n", need, n.JobName)
		}
	}
	b.WriteString("}\n")
	return b.String()
}

func gateLabel(g *workflow.Gate) string {
	if g == nil {
		return ""
	}
	var parts []string
	if len(g.Refs) > 0 {
		parts = append(parts, "refs "+strings.Join(g.Refs, " "))
	}
	if len(g.Branches) > 0 {
		parts = append(parts, "branches "+strings.Join(g.Branches, " "))
	}
	if len(g.Tags) > 0 {
		parts = append(parts, "tags "+strings.Join(g.Tags, " "))
	}
	if len(parts) == 0 {
		return ""
	}
	return "if: " + strings.Join(parts, ", ")
}
