package commands

import (
	"fmt"
	"os"

	"git.home.luguber.info/inful/conveyor/internal/config"
	"git.home.luguber.info/inful/conveyor/internal/errors"
	"git.home.luguber.info/inful/conveyor/internal/workflow"
)

// InitCmd implements the 'init' command.
type InitCmd struct {
	Force  bool `help:"Overwrite an existing workflow file"`
	Daemon bool `help:"Also write an example daemon configuration"`
}

func (i *InitCmd) Run(_ *Global, root *CLI) error {
	if err := writeStarterWorkflow(workflow.DefaultFileName, i.Force); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", workflow.DefaultFileName)

	if i.Daemon {
		if err := config.Init(root.Config, i.Force); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", root.Config)
	}

	fmt.Println("edit the matrix and index settings, then try: conveyor validate")
	return nil
}

func writeStarterWorkflow(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return errors.ConfigError("workflow file already exists").
			WithContext("file", path).
			WithContext("hint", "use --force to overwrite").
			Build()
	}
	if err := os.WriteFile(path, []byte(starterWorkflow), 0o644); err != nil {
		return errors.ConfigError("failed to write workflow file").
			WithContext("file", path).
			WithCause(err).
			Build()
	}
	return nil
}

// starterWorkflow is the typecheck, build, deploy skeleton init writes. It
// must always pass workflow.Parse; init_test.go holds that invariant.
const starterWorkflow = `name: release

on:
  push:
    branches: [main]
    tags: ["v*"]
  manual: true

jobs:
  typecheck:
    strategy:
      matrix:
        python: ["3.11", "3.12", "3.13"]
    steps:
      - name: mypy
        run: python${{ matrix.python }} -m mypy src/

  build:
    needs: [typecheck]
    strategy:
      matrix:
        python: ["3.11", "3.12", "3.13"]
      max-parallel: 2
    steps:
      - uses: stamp
      - name: wheel
        run: python${{ matrix.python }} -m build --wheel
    artifacts:
      upload:
        - name: wheels-${{ matrix.python }}
          paths: [dist/*.whl]

  deploy:
    needs: [build]
    if:
      tags: ["v*"]
    secrets: [INDEX_USERNAME, INDEX_TOKEN]
    artifacts:
      download:
        - name: "wheels-*"
          dir: dist
    steps:
      - uses: publish
        with:
          index-url: https://pypi.example.org/simple/
`
