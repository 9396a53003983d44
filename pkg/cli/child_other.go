//go:build !unix

package cli

import (
	"os"
	"os/exec"
)

func configureProcessGroup(*exec.Cmd) {}

func killProcessGroup(process *os.Process) error {
	return process.Kill()
}
