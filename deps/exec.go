package deps

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/mlardeux/histopipe/platform"
)

// GetExec builds an exec.Cmd for a dependency executable. It looks in
// the dependency's install directory first and falls back to the
// system PATH.
func GetExec(ctx context.Context, depID string, exeName string, args ...string) (*exec.Cmd, error) {
	exePath, err := GetExecutablePath(depID, exeName)
	if err == nil {
		if _, statErr := os.Stat(exePath); statErr == nil {
			cmd := exec.CommandContext(ctx, exePath, args...)
			configureSysProcAttr(cmd)
			return cmd, nil
		}
	}

	systemPath, lookupErr := exec.LookPath(exeName)
	if lookupErr != nil {
		return nil, fmt.Errorf("executable %q not found in dependency %q or system PATH: %v", exeName, depID, lookupErr)
	}
	cmd := exec.CommandContext(ctx, systemPath, args...)
	configureSysProcAttr(cmd)
	return cmd, nil
}

// GetExecutablePath returns the expected path of an executable within
// a dependency's install directory.
func GetExecutablePath(depID string, exeName string) (string, error) {
	dep, ok := Get(depID)
	if !ok {
		return "", fmt.Errorf("unknown dependency: %s", depID)
	}
	return filepath.Join(dep.TargetDir, exeName+platform.BinaryExtension()), nil
}

// GetExecutableName returns the platform-specific executable name.
func GetExecutableName(baseName string) string {
	return baseName + platform.BinaryExtension()
}

// GetFFmpegPath returns the path to the ffmpeg executable.
func GetFFmpegPath() string {
	path, _ := GetExecutablePath("ffmpeg", "ffmpeg")
	return path
}
