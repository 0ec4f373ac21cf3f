//go:build !unix

package pipeline

import (
	"os"
	"os/exec"
)

// setProcessGroup keeps exec's default cancellation, which kills the
// direct child only.
func setProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return os.ErrProcessDone
	}
	return cmd.Process.Kill()
}
