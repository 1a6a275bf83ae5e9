package segmentation

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// WriteParameters records the segmentation settings next to the
// GeoJSON output so a run can be reproduced. It refuses to overwrite
// an existing file: parameter files document the run that produced the
// data sitting beside them.
func WriteParameters(path string, params map[string]string, filters map[string]string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	} else if !os.IsNotExist(err) {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# segmentation run %s\n", time.Now().Format(time.RFC3339))
	for _, k := range sortedKeys(params) {
		fmt.Fprintf(&b, "%s = %s\n", k, params[k])
	}
	if len(filters) > 0 {
		b.WriteString("\n[filters]\n")
		for _, k := range sortedKeys(filters) {
			fmt.Fprintf(&b, "%s = %s\n", k, filters[k])
		}
	}

	return os.WriteFile(path, []byte(b.String()), 0o644)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
