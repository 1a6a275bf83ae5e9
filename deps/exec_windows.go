//go:build windows
// +build windows

package deps

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr hides the console window when running tools.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
}
