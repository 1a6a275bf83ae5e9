//go:build linux
// +build linux

package deps

import (
	"os/exec"
)

// configureSysProcAttr sets Linux-specific process attributes.
func configureSysProcAttr(cmd *exec.Cmd) {
	// No special configuration needed on Linux
}
