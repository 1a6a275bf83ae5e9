package deps

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"time"

	"github.com/mlardeux/histopipe/downloads"
)

func init() {
	Register(&Dependency{
		ID:          "ffmpeg",
		Name:        "FFmpeg",
		Description: "Assembles rendered animation frames into video files",
		TargetDir:   GetDepsDir("ffmpeg"),
		DownloadURL: GetFFmpegDownloadURL(),
		Check:       checkFFmpeg,
		Download:    downloadFFmpeg,
	})
}

// checkFFmpeg verifies the ffmpeg executable exists and can run.
func checkFFmpeg(ctx context.Context) (bool, string, error) {
	exePath := filepath.Join(GetDepsDir("ffmpeg"), GetExecutableName("ffmpeg"))
	if _, err := os.Stat(exePath); os.IsNotExist(err) {
		// A system install is just as good.
		systemPath, lookupErr := exec.LookPath("ffmpeg")
		if lookupErr != nil {
			return false, "", nil
		}
		exePath = systemPath
	} else if err != nil {
		return false, "", fmt.Errorf("error checking ffmpeg executable: %w", err)
	}

	versionCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(versionCtx, exePath, "-version")
	configureSysProcAttr(cmd)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return true, "unknown", nil
	}
	return true, parseFFmpegVersion(string(output)), nil
}

// parseFFmpegVersion extracts the version from ffmpeg's -version output.
func parseFFmpegVersion(output string) string {
	re := regexp.MustCompile(`ffmpeg version (\S+)`)
	matches := re.FindStringSubmatch(output)
	if len(matches) > 1 {
		return matches[1]
	}
	return "unknown"
}

// downloadFFmpeg fetches a static ffmpeg build and unpacks the
// binaries into the dependency directory.
func downloadFFmpeg(ctx context.Context, progress downloads.ProgressCallback) error {
	dep, ok := Get("ffmpeg")
	if !ok {
		return fmt.Errorf("ffmpeg dependency not found in registry")
	}
	if err := os.MkdirAll(dep.TargetDir, 0755); err != nil {
		return err
	}

	report := func(status downloads.Status, msg string) {
		if progress != nil {
			progress(downloads.Progress{Resource: "ffmpeg", Status: status, Message: msg})
		}
	}

	var archivePath string
	if runtime.GOOS == "windows" {
		archivePath = filepath.Join(dep.TargetDir, "ffmpeg.zip")
	} else {
		archivePath = filepath.Join(dep.TargetDir, "ffmpeg.tar.xz")
	}

	report(downloads.StatusDownloading, "Downloading FFmpeg...")
	err := downloads.DownloadWithRetry(ctx, archivePath, dep.DownloadURL, func(done, total int64) {
		if progress != nil {
			progress(downloads.Progress{
				Resource:        "ffmpeg",
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

	report(downloads.StatusExtracting, "Extracting FFmpeg...")
	if runtime.GOOS == "windows" {
		err = downloads.ExtractFileFromZip(archivePath,
			filepath.Join(dep.TargetDir, GetExecutableName("ffmpeg")),
			func(name string) bool { return filepath.Base(name) == GetExecutableName("ffmpeg") },
			progress)
	} else {
		// Static builds nest binaries two levels deep under bin/.
		err = downloads.ExtractTarXz(archivePath, dep.TargetDir, 2, "*/bin/*", progress)
	}
	if err != nil {
		return fmt.Errorf("extraction failed: %w", err)
	}

	report(downloads.StatusComplete, "FFmpeg installed")
	return nil
}
