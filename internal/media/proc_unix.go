//go:build unix

package media

import (
	"errors"
	"os/exec"
	"syscall"
)

// ownProcessGroup puts the child in a new process group led by itself so the
// whole tree it forks can be signalled with one call.
func ownProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func terminateGroup(pgid int) error {
	return signalGroup(pgid, syscall.SIGTERM)
}

func killGroup(pgid int) error {
	return signalGroup(pgid, syscall.SIGKILL)
}

func groupAlive(pgid int) bool {
	return syscall.Kill(-pgid, 0) == nil
}

func signalGroup(pgid int, sig syscall.Signal) error {
	if pgid <= 0 {
		return nil
	}
	err := syscall.Kill(-pgid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
