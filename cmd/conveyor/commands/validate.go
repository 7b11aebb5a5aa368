package commands

import (
	"fmt"
)

// ValidateCmd implements the 'validate' command.
type ValidateCmd struct {
	Workflow string `short:"w" help:"Workflow file to validate" default:"conveyor.yml"`
}

func (v *ValidateCmd) Run(_ *Global, _ *CLI) error {
	wf, abs, err := loadWorkflow(v.Workflow)
	if err != nil {
		return err
	}
	fmt.Printf("%s: workflow %q is valid (%d jobs)\n", abs, wf.Name, len(wf.Jobs))
	return nil
}
