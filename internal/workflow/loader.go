package workflow

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/conveyor/internal/errors"
)

// Load reads and parses the workflow file at path. The workflow name
// defaults to the file's base name when the document does not set one.
func Load(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ConfigError("failed to read workflow file").
			WithContext("file", path).
			WithCause(err).
			Build()
	}
	wf, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if wf.Name == "" {
		base := filepath.Base(path)
		wf.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return wf, nil
}

// Parse decodes a workflow document. Unknown keys are rejected so typos
// like "need:" or "matrix_include:" fail loudly instead of being ignored.
// The returned workflow is validated and has defaults applied.
func Parse(data []byte) (*Workflow, error) {
	var wf Workflow
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&wf); err != nil {
		if err == io.EOF {
			return nil, errors.ValidationError("workflow file is empty").Build()
		}
		return nil, errors.ValidationError("invalid workflow YAML").WithCause(err).Build()
	}

	if err := captureOrder(data, &wf); err != nil {
		return nil, err
	}

	for name, job := range wf.Jobs {
		if job == nil {
			job = &Job{}
			wf.Jobs[name] = job
		}
		job.Name = name
	}

	applyDefaults(&wf)
	if err := Validate(&wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// captureOrder walks the raw document to record the order of the jobs
// mapping and of each matrix mapping. Go maps lose that order and the
// planner needs it for stable instance naming and topological tie-breaks.
func captureOrder(data []byte, wf *Workflow) error {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.ValidationError("invalid workflow YAML").WithCause(err).Build()
	}
	if len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	jobsNode := mappingValue(root, "jobs")
	if jobsNode == nil || jobsNode.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(jobsNode.Content); i += 2 {
		jobName := jobsNode.Content[i].Value
		wf.JobOrder = append(wf.JobOrder, jobName)

		job := wf.Jobs[jobName]
		if job == nil || job.Strategy == nil {
			continue
		}
		strategyNode := mappingValue(jobsNode.Content[i+1], "strategy")
		if strategyNode == nil {
			continue
		}
		matrixNode := mappingValue(strategyNode, "matrix")
		if matrixNode == nil || matrixNode.Kind != yaml.MappingNode {
			continue
		}
		for j := 0; j+1 < len(matrixNode.Content); j += 2 {
			job.Strategy.MatrixAxes = append(job.Strategy.MatrixAxes, matrixNode.Content[j].Value)
		}
	}
	return nil
}

// mappingValue returns the value node for key in a mapping node, or nil.
func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

func applyDefaults(wf *Workflow) {
	for _, job := range wf.Jobs {
		for i, step := range job.Steps {
			if step == nil {
				step = &Step{}
				job.Steps[i] = step
			}
			if step.Name == "" {
				switch {
				case step.Uses != "":
					step.Name = step.Uses
				case step.Run != "":
					step.Name = firstLine(step.Run)
				default:
					step.Name = fmt.Sprintf("step-%d", i+1)
				}
			}
		}
	}
}

// firstLine trims a run script down to a short display name.
func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	const max = 60
	if len(s) > max {
		s = s[:max]
	}
	return s
}
