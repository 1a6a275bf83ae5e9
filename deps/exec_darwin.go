//go:build darwin
// +build darwin

package deps

import (
	"os/exec"
)

// configureSysProcAttr sets macOS-specific process attributes.
func configureSysProcAttr(cmd *exec.Cmd) {
	// No special configuration needed on macOS
}
