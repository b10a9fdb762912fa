//go:build unix

package relay

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// configureProcessGroup puts the transcoder in its own process group so a
// cancel takes down anything it forked too.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
}
