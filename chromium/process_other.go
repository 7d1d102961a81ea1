//go:build !linux

package chromium

import "os/exec"

// killAfterParent is a no-op outside Linux; there is no parent-death
// signal to arm.
func killAfterParent(_ *exec.Cmd) {}
