//go:build !windows

package session

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup starts the agent in its own process group so helpers it
// spawns are signalled with it.
func setProcessGroup(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateProcess(c *exec.Cmd) error {
	return signalGroup(c, unix.SIGTERM)
}

func killProcess(c *exec.Cmd) error {
	return signalGroup(c, unix.SIGKILL)
}

func signalGroup(c *exec.Cmd, sig unix.Signal) error {
	if c.Process == nil {
		return nil
	}
	err := unix.Kill(-c.Process.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
