//go:build windows

package supervisor

import "os/exec"

func configureProcess(cmd *exec.Cmd) {}

func signalGroup(cmd *exec.Cmd, force bool) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	// Windows has no SIGTERM; both stages kill.
	_ = cmd.Process.Kill()
}
