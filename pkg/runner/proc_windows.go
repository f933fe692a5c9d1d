//go:build windows

package runner

import "os/exec"

func configureProcess(_ *exec.Cmd) {}

// Windows has no SIGTERM for console processes; both steps kill.
func terminateProcess(cmd *exec.Cmd) {
	killProcess(cmd)
}

func killProcess(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
