//go:build !unix

package ninja_go

import (
	"os"
	"os/exec"
)

func shellCommand(command string) *exec.Cmd {
	return exec.Command("cmd", "/c", command)
}

func setProcessGroup(cmd *exec.Cmd) {}

func interruptProcess(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
}

func interruptedBySignal(state *os.ProcessState) bool { return false }
