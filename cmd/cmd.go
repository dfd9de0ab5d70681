package cmd

import (
	"context"
	"os/exec"
	"strings"
)

// Executor runs prepared commands. Tests substitute a fake to avoid touching
// the real toolchain.
type Executor interface {
	Run(cmd *exec.Cmd) error
	Output(cmd *exec.Cmd) ([]byte, error)
	CombinedOutput(cmd *exec.Cmd) ([]byte, error)
	LookPath(file string) (string, error)
}

// Exec is the os/exec backed Executor.
type Exec struct{}

func (e Exec) Run(cmd *exec.Cmd) error {
	return cmd.Run()
}

func (e Exec) Output(cmd *exec.Cmd) ([]byte, error) {
	return cmd.Output()
}

func (e Exec) CombinedOutput(cmd *exec.Cmd) ([]byte, error) {
	return cmd.CombinedOutput()
}

func (e Exec) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

func MakeExecutor() Executor {
	return Exec{}
}

// Command builds an *exec.Cmd bound to ctx with dir as its working directory.
func Command(ctx context.Context, dir, name string, args ...string) *exec.Cmd {
	c := exec.CommandContext(ctx, name, args...)
	c.Dir = dir
	return c
}

// ToString renders cmd for log messages.
func ToString(cmd *exec.Cmd) string {
	if cmd == nil {
		return "<nil>"
	}
	return strings.Join(cmd.Args, " ")
}
