//go:build !unix

package media

import (
	"os"
	"os/exec"
)

func ownProcessGroup(cmd *exec.Cmd) {}

func terminateGroup(pid int) error {
	return killGroup(pid)
}

func killGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}

// groupAlive cannot see process groups here; reaping falls back to the
// direct-child scan.
func groupAlive(pid int) bool {
	return false
}
