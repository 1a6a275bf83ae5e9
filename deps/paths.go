package deps

import (
	"path/filepath"
	"runtime"

	"github.com/mlardeux/histopipe/platform"
)

// GetDepsDir returns the installation directory for a dependency,
// e.g. ~/.local/share/histopipe/ffmpeg on Linux.
func GetDepsDir(subdir string) string {
	return filepath.Join(platform.GetDataDir(), subdir)
}

// GetFFmpegDownloadURL returns the platform-specific ffmpeg build URL.
func GetFFmpegDownloadURL() string {
	if runtime.GOOS == "windows" {
		return "https://github.com/BtbN/FFmpeg-Builds/releases/download/latest/ffmpeg-master-latest-win64-gpl.zip"
	}
	return "https://github.com/BtbN/FFmpeg-Builds/releases/download/latest/ffmpeg-master-latest-linux64-gpl.tar.xz"
}

// GetOnnxRuntimeLibName returns the platform-specific ONNX Runtime
// shared library name.
func GetOnnxRuntimeLibName() string {
	return "libonnxruntime" + platform.SharedLibExtension()
}

// GetOnnxRuntimeDownloadURL returns the platform-specific download URL
// for an ONNX Runtime release.
func GetOnnxRuntimeDownloadURL(version, arch string) string {
	base := "https://github.com/microsoft/onnxruntime/releases/download/v" + version + "/onnxruntime-"
	switch runtime.GOOS {
	case "windows":
		if arch == "arm64" {
			return base + "win-arm64-" + version + ".zip"
		}
		return base + "win-x64-" + version + ".zip"
	case "darwin":
		if arch == "arm64" {
			return base + "osx-arm64-" + version + ".tgz"
		}
		return base + "osx-x86_64-" + version + ".tgz"
	default:
		if arch == "arm64" {
			return base + "linux-aarch64-" + version + ".tgz"
		}
		return base + "linux-x64-" + version + ".tgz"
	}
}

// GetAtlasDownloadURL returns the BrainGlobe package URL for a named
// atlas, versioned tarballs hosted on GIN.
func GetAtlasDownloadURL(atlasName, version string) string {
	return "https://gin.g-node.org/BrainGlobe/atlases/raw/master/" + atlasName + "_v" + version + ".tar.gz"
}
