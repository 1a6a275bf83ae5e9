package deps

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"
)

var (
	qupathMu   sync.RWMutex
	qupathPath string
)

// SetQuPathPath points the registry at a configured QuPath install.
// Called at startup once the configuration is loaded.
func SetQuPathPath(path string) {
	qupathMu.Lock()
	defer qupathMu.Unlock()
	qupathPath = path
}

// GetQuPathPath returns the configured QuPath executable, falling back
// to the system PATH.
func GetQuPathPath() (string, error) {
	qupathMu.RLock()
	configured := qupathPath
	qupathMu.RUnlock()

	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("configured QuPath executable %s: %w", configured, err)
		}
		return configured, nil
	}
	return exec.LookPath("QuPath")
}

func init() {
	Register(&Dependency{
		ID:          "qupath",
		Name:        "QuPath",
		Description: "Whole-slide viewer used for pyramid conversion scripts and pixel classification",
		ManualOnly:  true,
		InstallURL:  "https://qupath.github.io",
		Check:       checkQuPath,
	})
}

// checkQuPath verifies QuPath is installed and responds to --version.
func checkQuPath(ctx context.Context) (bool, string, error) {
	exePath, err := GetQuPathPath()
	if err != nil {
		return false, "", nil
	}

	versionCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(versionCtx, exePath, "--version")
	configureSysProcAttr(cmd)
	output, err := cmd.CombinedOutput()
	if err != nil {
		// The binary exists; a failing version check is still an install.
		return true, "unknown", nil
	}
	return true, parseQuPathVersion(string(output)), nil
}

// parseQuPathVersion extracts the version from QuPath's --version output.
func parseQuPathVersion(output string) string {
	re := regexp.MustCompile(`QuPath v?([0-9][0-9a-zA-Z.\-]*)`)
	matches := re.FindStringSubmatch(strings.TrimSpace(output))
	if len(matches) > 1 {
		return matches[1]
	}
	return "unknown"
}
