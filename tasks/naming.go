package tasks

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Directory names of the fixed experiment layout.
const (
	zenExportDir      = "ZEN_EXPORT"
	stackDir          = "Stack_RIP"
	mergedOriginalDir = "merged_original"
	masksDir          = "Masks"
	previewsDir       = "Previews"
	cleanedSuffix     = "_cleaned"
	pyramidOutputDir  = "merged_cleaned_pyramid"
)

// sliceNumber extracts the slice number from a file name following the
// export convention <anything><prefix>N.<ext>. Returns false when the
// name does not match.
func sliceNumber(name, prefix, ext string) (int, bool) {
	re, err := regexp.Compile(regexp.QuoteMeta(prefix) + `(\d+)\.` + regexp.QuoteMeta(ext) + `$`)
	if err != nil {
		return 0, false
	}
	m := re.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// formatSliceName builds the canonical slice file name, e.g.
// formatSliceName("EXP01", "_s", 7, 3, "ome.tiff") -> "exp01_s007.ome.tiff".
func formatSliceName(expID, prefix string, n, digits int, ext string) string {
	return fmt.Sprintf("%s%s%0*d.%s", strings.ToLower(expID), prefix, digits, n, ext)
}

// sliceBase strips the extension from a slice file name; "ome.tiff"
// style double extensions are handled.
func sliceBase(name, ext string) string {
	return strings.TrimSuffix(name, "."+ext)
}

// channelDirName returns the per-channel directory name, e.g. "ch00".
func channelDirName(channel int) string {
	return fmt.Sprintf("ch%02d", channel)
}

// experimentDir resolves the root directory of an experiment.
func experimentDir(workDir, expID string) string {
	return filepath.Join(workDir, expID)
}
