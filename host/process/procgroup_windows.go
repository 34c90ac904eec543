package process

import (
	"os"
	"os/exec"
)

// Only the child itself is killed on Windows, processes it spawned are left running.
func setProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(p *os.Process) error {
	return p.Kill()
}
