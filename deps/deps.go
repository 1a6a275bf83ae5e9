// Package deps tracks the external tools and data the pipeline leans
// on: ffmpeg for assembling animations, QuPath for pyramid export and
// project scripting, the ONNX runtime library, and reference atlases.
package deps

import (
	"context"
	"fmt"
	"sync"

	"github.com/mlardeux/histopipe/downloads"
)

// Dependency represents an external tool or dataset that can be
// checked for and, for most of them, downloaded automatically.
type Dependency struct {
	ID          string
	Name        string
	Description string
	TargetDir   string
	DownloadURL string

	// Optional dependencies don't block pipeline setup.
	Optional bool
	// ManualOnly dependencies must be installed by hand; InstallURL
	// points at the instructions.
	ManualOnly bool
	InstallURL string

	// Check verifies the dependency exists and returns its version.
	Check func(ctx context.Context) (exists bool, version string, err error)

	// Download fetches and installs the dependency.
	Download func(ctx context.Context, progress downloads.ProgressCallback) error
}

var (
	registry = make(map[string]*Dependency)
	mu       sync.RWMutex
)

// Register adds a dependency to the global registry.
func Register(dep *Dependency) {
	mu.Lock()
	defer mu.Unlock()
	registry[dep.ID] = dep
}

// Get retrieves a dependency by its ID.
func Get(id string) (*Dependency, bool) {
	mu.RLock()
	defer mu.RUnlock()
	dep, ok := registry[id]
	return dep, ok
}

// GetAll returns all registered dependencies.
func GetAll() []*Dependency {
	mu.RLock()
	defer mu.RUnlock()
	deps := make([]*Dependency, 0, len(registry))
	for _, d := range registry {
		deps = append(deps, d)
	}
	return deps
}

// EnsureAvailable checks that a dependency is installed, downloading
// it first when that is possible.
func EnsureAvailable(ctx context.Context, depID string, progress downloads.ProgressCallback) error {
	dep, ok := Get(depID)
	if !ok {
		return fmt.Errorf("unknown dependency: %s", depID)
	}

	exists, _, err := dep.Check(ctx)
	if err != nil {
		return fmt.Errorf("failed to check dependency %s: %w", depID, err)
	}
	if exists {
		return nil
	}

	if dep.ManualOnly || dep.Download == nil {
		if dep.InstallURL != "" {
			return fmt.Errorf("dependency %s is not installed; install it manually from %s", dep.Name, dep.InstallURL)
		}
		return fmt.Errorf("dependency %s is not installed", dep.Name)
	}

	if err := dep.Download(ctx, progress); err != nil {
		return fmt.Errorf("failed to install dependency %s: %w", dep.Name, err)
	}

	exists, _, err = dep.Check(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("dependency %s still missing after install", dep.Name)
	}
	return nil
}

// CheckAnyMissing reports whether any required dependency is absent.
func CheckAnyMissing(ctx context.Context) bool {
	mu.RLock()
	defer mu.RUnlock()

	for _, dep := range registry {
		if dep.Optional {
			continue
		}
		exists, _, err := dep.Check(ctx)
		if err != nil || !exists {
			return true
		}
	}
	return false
}
