//go:build unix

package ninja_go

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func shellCommand(command string) *exec.Cmd {
	return exec.Command("/bin/sh", "-c", command)
}

// setProcessGroup puts the child in its own process group, so a terminal
// ^C reaches only us and we decide how to stop the children.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func interruptProcess(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGINT); err != nil {
		cmd.Process.Signal(os.Interrupt)
	}
}

func interruptedBySignal(state *os.ProcessState) bool {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return false
	}
	switch ws.Signal() {
	case unix.SIGINT, unix.SIGTERM, unix.SIGHUP:
		return true
	}
	return false
}
