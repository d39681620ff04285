//go:build windows

package supervisor

import (
	"os/exec"
	"strconv"
)

func setProcAttr(cmd *exec.Cmd) {}

// killProcess force-kills the worker and its child tree. GenNBO helpers
// outlive a plain Process.Kill.
func killProcess(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := strconv.Itoa(cmd.Process.Pid)
	if err := exec.Command("taskkill", "/pid", pid, "/t", "/f").Run(); err != nil {
		_ = cmd.Process.Kill()
	}
}

func exitSignal(exitErr *exec.ExitError) (int, bool) {
	return 0, false
}
