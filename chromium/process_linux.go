//go:build linux

package chromium

import (
	"os/exec"
	"syscall"
)

// killAfterParent makes the browser process receive SIGKILL when this
// process dies, so no orphaned browsers pile up.
func killAfterParent(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Pdeathsig = syscall.SIGKILL
}
