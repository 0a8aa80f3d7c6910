//go:build unix

package qengine

import (
	"os/exec"
	"syscall"
)

// killGroup starts the engine in its own process group so a cancel also
// reaches the workers it forks.
func killGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
