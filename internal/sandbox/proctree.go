package sandbox

import (
	"os/exec"
	"syscall"
)

// killProcessTree terminates a spawned root process and its descendants
// on timeout or cancellation. The process group
// created via Setpgid covers the common case; killDescendants is a
// belt-and-suspenders sweep for children that escaped the group, adapted
// from the usual pidInProcessGroup/signalSIGWINCHProcessTree pattern of
// not trusting pgid membership alone.
func killProcessTree(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid

	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
	killDescendants(pid)
	return cmd.Process.Kill()
}
