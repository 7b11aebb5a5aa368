// Package plan turns a parsed workflow plus a triggering event into an
// ordered execution plan: gated nodes resolved, matrices expanded, and
// dependency depth computed for the engine's ready-set loop.
package plan

import (
	"fmt"
	"sort"
	"strings"

	"git.home.luguber.info/inful/conveyor/internal/errors"
	"git.home.luguber.info/inful/conveyor/internal/event"
	"git.home.luguber.info/inful/conveyor/internal/workflow"
)

// Result is the terminal outcome of a node, as seen by Ready and Blocked.
type Result string

const (
	ResultSuccess  Result = "success"
	ResultFailed   Result = "failed"
	ResultSkipped  Result = "skipped"
	ResultCanceled Result = "canceled"
)

// Node is one job of the plan together with its expanded matrix instances.
type Node struct {
	JobName   string
	Job       *workflow.Job
	Needs     []string
	Depth     int
	Gated     bool
	Instances []*Instance
}

// Instance is a single schedulable unit of a node. Jobs without a matrix
// have exactly one instance whose Matrix is empty.
type Instance struct {
	// ID is "build" for plain jobs and "build [python=3.11 os=linux]" for
	// matrix entries, with keys in declaration order.
	ID         string
	Matrix     map[string]string
	MatrixKeys []string
}

// Plan is the ordered node set for one run.
type Plan struct {
	Workflow *workflow.Workflow
	Event    event.Event

	// Nodes is topologically ordered: depth ascending, name ascending
	// within a depth.
	Nodes []*Node

	byName map[string]*Node
}

// Build resolves the workflow's needs edges into an ordered plan for the
// given event. Unknown needs targets and cycles are reported as validation
// errors (the cycle error names the path). Gates are evaluated here so the
// engine only has to walk the graph.
func Build(wf *workflow.Workflow, evt event.Event) (*Plan, error) {
	indegree := make(map[string]int, len(wf.Jobs))
	dependents := make(map[string][]string, len(wf.Jobs))

	for name, job := range wf.Jobs {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, dep := range job.Needs {
			if _, ok := wf.Jobs[dep]; !ok {
				return nil, errors.ValidationError("needs references unknown job").
					WithContext("job", name).WithContext("needs", dep).Build()
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var queue []string
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}

	depth := make(map[string]int, len(wf.Jobs))
	var order []string
	for len(queue) > 0 {
		sort.Strings(queue)
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		for _, dep := range dependents[name] {
			if d := depth[name] + 1; d > depth[dep] {
				depth[dep] = d
			}
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(wf.Jobs) {
		return nil, errors.ValidationError("dependency cycle between jobs").
			WithContext("cycle", cyclePath(wf, indegree)).Build()
	}

	sort.SliceStable(order, func(i, j int) bool {
		if depth[order[i]] != depth[order[j]] {
			return depth[order[i]] < depth[order[j]]
		}
		return order[i] < order[j]
	})

	p := &Plan{
		Workflow: wf,
		Event:    evt,
		byName:   make(map[string]*Node, len(order)),
	}
	for _, name := range order {
		job := wf.Jobs[name]
		instances, err := ExpandMatrix(job.Strategy)
		if err != nil {
			return nil, err
		}
		if len(instances) == 0 {
			instances = []*Instance{{ID: name}}
		} else {
			for _, inst := range instances {
				inst.ID = instanceID(name, inst)
			}
		}
		node := &Node{
			JobName:   name,
			Job:       job,
			Needs:     append([]string{}, job.Needs...),
			Depth:     depth[name],
			Gated:     !job.If.Allows(evt),
			Instances: instances,
		}
		p.Nodes = append(p.Nodes, node)
		p.byName[name] = node
	}
	return p, nil
}

// Node returns the named node, or nil.
func (p *Plan) Node(name string) *Node {
	return p.byName[name]
}

// Ready returns nodes that have not finished and whose needs all finished
// successfully, in plan order. It is a pure function of done, so the
// engine can call it repeatedly as results land.
func (p *Plan) Ready(done map[string]Result) []*Node {
	var ready []*Node
	for _, node := range p.Nodes {
		if _, finished := done[node.JobName]; finished {
			continue
		}
		ok := true
		for _, need := range node.Needs {
			if done[need] != ResultSuccess {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, node)
		}
	}
	return ready
}

// Blocked returns unfinished nodes that can never become ready because a
// need already finished without success. Marking these done and calling
// again propagates skips through the whole downstream subgraph.
func (p *Plan) Blocked(done map[string]Result) []*Node {
	var blocked []*Node
	for _, node := range p.Nodes {
		if _, finished := done[node.JobName]; finished {
			continue
		}
		for _, need := range node.Needs {
			if r, finished := done[need]; finished && r != ResultSuccess {
				blocked = append(blocked, node)
				break
			}
		}
	}
	return blocked
}

// InstanceCount totals schedulable instances across all nodes.
func (p *Plan) InstanceCount() int {
	n := 0
	for _, node := range p.Nodes {
		n += len(node.Instances)
	}
	return n
}

func instanceID(job string, inst *Instance) string {
	if len(inst.MatrixKeys) == 0 {
		return job
	}
	parts := make([]string, 0, len(inst.MatrixKeys))
	for _, k := range inst.MatrixKeys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, inst.Matrix[k]))
	}
	return fmt.Sprintf("%s [%s]", job, strings.Join(parts, " "))
}

// cyclePath walks the nodes Kahn could not order and renders one cycle
// through them for the error message.
func cyclePath(wf *workflow.Workflow, indegree map[string]int) string {
	leftover := make(map[string]bool)
	var names []string
	for name, deg := range indegree {
		if deg > 0 {
			leftover[name] = true
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)

	start := names[0]
	path := []string{start}
	seen := map[string]bool{start: true}
	current := start
	for {
		next := ""
		deps := append([]string{}, wf.Jobs[current].Needs...)
		sort.Strings(deps)
		for _, dep := range deps {
			if leftover[dep] {
				next = dep
				break
			}
		}
		if next == "" {
			break
		}
		if seen[next] {
			path = append(path, next)
			break
		}
		seen[next] = true
		path = append(path, next)
		current = next
	}
	return strings.Join(path, " -> ")
}
