package deps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mlardeux/histopipe/downloads"
)

// Atlas packages are versioned upstream; bump when BrainGlobe
// republishes.
var atlasVersions = map[string]string{
	"allen_mouse_25um":  "1.2",
	"allen_mouse_10um":  "1.2",
	"allen_mouse_50um":  "1.2",
	"allen_mouse_100um": "1.2",
}

// RegisterAtlas adds a named reference atlas to the dependency
// registry. Safe to call with the configured atlas at startup.
func RegisterAtlas(atlasName string) {
	version, ok := atlasVersions[atlasName]
	if !ok {
		version = "1.2"
	}
	Register(&Dependency{
		ID:          "atlas-" + atlasName,
		Name:        "Atlas " + atlasName,
		Description: "Reference atlas volume and structure hierarchy",
		TargetDir:   GetDepsDir(filepath.Join("atlases", atlasName)),
		DownloadURL: GetAtlasDownloadURL(atlasName, version),
		Optional:    true,
		Check:       func(ctx context.Context) (bool, string, error) { return checkAtlas(atlasName) },
		Download: func(ctx context.Context, progress downloads.ProgressCallback) error {
			return downloadAtlas(ctx, atlasName, progress)
		},
	})
}

// AtlasDir returns the extracted directory of a named atlas.
func AtlasDir(atlasName string) string {
	return GetDepsDir(filepath.Join("atlases", atlasName))
}

// checkAtlas verifies the atlas directory holds the three files the
// loader needs.
func checkAtlas(atlasName string) (bool, string, error) {
	dir := AtlasDir(atlasName)
	for _, name := range []string{"metadata.json", "structures.json", "annotation.tiff"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false, "", nil
		}
	}
	version := atlasVersions[atlasName]
	return true, version, nil
}

// downloadAtlas fetches and extracts a BrainGlobe atlas package.
func downloadAtlas(ctx context.Context, atlasName string, progress downloads.ProgressCallback) error {
	dep, ok := Get("atlas-" + atlasName)
	if !ok {
		return fmt.Errorf("atlas %s not found in registry", atlasName)
	}
	if err := os.MkdirAll(dep.TargetDir, 0755); err != nil {
		return err
	}

	archivePath := filepath.Join(dep.TargetDir, atlasName+".tar.gz")
	if progress != nil {
		progress(downloads.Progress{Resource: dep.ID, Status: downloads.StatusDownloading,
			Message: "Downloading " + atlasName + "..."})
	}
	err := downloads.DownloadWithRetry(ctx, archivePath, dep.DownloadURL, func(done, total int64) {
		if progress != nil {
			progress(downloads.Progress{
				Resource:        dep.ID,
				Status:          downloads.StatusDownloading,
				BytesDownloaded: done,
				TotalBytes:      total,
			})
		}
	})
	if err != nil {
		return fmt.Errorf("atlas download failed: %w", err)
	}
	defer os.Remove(archivePath)

	if err := downloads.ExtractTarGz(archivePath, dep.TargetDir, progress); err != nil {
		return fmt.Errorf("atlas extraction failed: %w", err)
	}

	// Packages sometimes nest everything under a directory named after
	// the atlas; flatten that level.
	nested := filepath.Join(dep.TargetDir, atlasName)
	if fi, err := os.Stat(nested); err == nil && fi.IsDir() {
		entries, err := os.ReadDir(nested)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := os.Rename(filepath.Join(nested, e.Name()), filepath.Join(dep.TargetDir, e.Name())); err != nil {
				return err
			}
		}
		os.Remove(nested)
	}

	if progress != nil {
		progress(downloads.Progress{Resource: dep.ID, Status: downloads.StatusComplete,
			Message: atlasName + " installed"})
	}
	return nil
}

// AtlasIDFromName converts an atlas name to its dependency ID.
func AtlasIDFromName(atlasName string) string {
	return "atlas-" + strings.TrimPrefix(atlasName, "atlas-")
}
