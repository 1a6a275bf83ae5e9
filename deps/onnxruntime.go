package deps

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/mlardeux/histopipe/downloads"
)

// OnnxRuntimeVersion is the release fetched for the native pixel
// classifier.
var OnnxRuntimeVersion = "1.21.0"

func init() {
	Register(&Dependency{
		ID:          "onnxruntime",
		Name:        "ONNX Runtime",
		Description: "Shared library backing the native pixel classifier",
		TargetDir:   GetDepsDir("onnxruntime"),
		DownloadURL: GetOnnxRuntimeDownloadURL(OnnxRuntimeVersion, runtime.GOARCH),
		Optional:    true,
		Check:       checkOnnxRuntime,
		Download:    downloadOnnxRuntime,
	})
}

// GetOnnxRuntimeLibPath returns where the shared library is expected.
func GetOnnxRuntimeLibPath() string {
	return filepath.Join(GetDepsDir("onnxruntime"), GetOnnxRuntimeLibName())
}

func checkOnnxRuntime(ctx context.Context) (bool, string, error) {
	if _, err := os.Stat(GetOnnxRuntimeLibPath()); err != nil {
		if os.IsNotExist(err) {
			return false, "", nil
		}
		return false, "", err
	}
	return true, OnnxRuntimeVersion, nil
}

// downloadOnnxRuntime fetches an ONNX Runtime release and extracts
// just the shared library.
func downloadOnnxRuntime(ctx context.Context, progress downloads.ProgressCallback) error {
	dep, ok := Get("onnxruntime")
	if !ok {
		return fmt.Errorf("onnxruntime dependency not found in registry")
	}
	if err := os.MkdirAll(dep.TargetDir, 0755); err != nil {
		return err
	}

	isZip := runtime.GOOS == "windows"
	archiveName := "onnxruntime.tgz"
	if isZip {
		archiveName = "onnxruntime.zip"
	}
	archivePath := filepath.Join(dep.TargetDir, archiveName)

	err := downloads.DownloadWithRetry(ctx, archivePath, dep.DownloadURL, func(done, total int64) {
		if progress != nil {
			progress(downloads.Progress{
				Resource:        "onnxruntime",
				Status:          downloads.StatusDownloading,
				BytesDownloaded: done,
				TotalBytes:      total,
			})
		}
	})
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	defer os.Remove(archivePath)

	libName := GetOnnxRuntimeLibName()
	destPath := GetOnnxRuntimeLibPath()
	match := func(name string) bool {
		base := filepath.Base(name)
		// Releases ship versioned names like libonnxruntime.so.1.21.0.
		return base == libName || strings.HasPrefix(base, libName+".")
	}

	if isZip {
		err = downloads.ExtractFileFromZip(archivePath, destPath, match, progress)
	} else {
		err = downloads.ExtractTarGz(archivePath, dep.TargetDir, progress)
		if err == nil {
			err = locateExtractedLib(dep.TargetDir, destPath, match)
		}
	}
	if err != nil {
		return fmt.Errorf("extraction failed: %w", err)
	}
	return nil
}

// locateExtractedLib finds the shared library inside an extracted
// release tree and moves it to destPath.
func locateExtractedLib(root, destPath string, match func(string) bool) error {
	var found string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		if found == "" && match(path) {
			found = path
		}
		return nil
	})
	if err != nil {
		return err
	}
	if found == "" {
		return fmt.Errorf("shared library not found in extracted archive")
	}
	if found == destPath {
		return nil
	}
	return os.Rename(found, destPath)
}
