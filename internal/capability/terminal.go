package capability

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

const TerminalName = "terminal"

// Terminal runs a step's description as a bash command inside a per-plan
// sandbox directory, so steps of one plan share files through ./tmp without
// seeing other plans.
type Terminal struct {
	root string
}

func NewTerminal(root string) *Terminal {
	return &Terminal{root: root}
}

func (t *Terminal) Name() string { return TerminalName }
func (t *Terminal) Kind() Kind   { return KindTool }

func (t *Terminal) Execute(ctx context.Context, in Input) (string, error) {
	dir := filepath.Join(t.root, in.PlanID)
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), os.ModePerm); err != nil {
		return "", fmt.Errorf("sandbox: %w", err)
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", in.Description)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("output=[%s], error=[%w]", output, err)
	}
	if cmd.ProcessState.ExitCode() != 0 {
		return "", fmt.Errorf("output=[%s], process state=[%s]", output, cmd.ProcessState.String())
	}

	return string(output), nil
}
