package tasks

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mlardeux/histopipe/appconfig"
	"github.com/mlardeux/histopipe/jobqueue"
)

// reverseMapping pairs a source slice name with its renumbered name.
type reverseMapping struct {
	src string
	dst string
}

// buildReverseMapping lists the slices of a directory and renumbers
// them back to front: slice 1 of N becomes slice N.
func buildReverseMapping(dir, prefix, ext string, digits int) ([]reverseMapping, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type numbered struct {
		name string
		n    int
	}
	var slices []numbered
	maxN := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, ok := sliceNumber(e.Name(), prefix, ext)
		if !ok {
			continue
		}
		slices = append(slices, numbered{name: e.Name(), n: n})
		if n > maxN {
			maxN = n
		}
	}
	if len(slices) == 0 {
		return nil, fmt.Errorf("no slices matching %s*.%s in %s", prefix, ext, dir)
	}
	sort.Slice(slices, func(i, j int) bool { return slices[i].n < slices[j].n })

	mappings := make([]reverseMapping, 0, len(slices))
	for _, s := range slices {
		flipped := maxN + 1 - s.n
		base := sliceBase(s.name, ext)
		stem := base
		if idx := strings.LastIndex(base, prefix); idx >= 0 {
			stem = base[:idx]
		}
		dst := fmt.Sprintf("%s%s%0*d.%s", stem, prefix, digits, flipped, ext)
		mappings = append(mappings, reverseMapping{src: s.name, dst: dst})
	}
	return mappings, nil
}

// reorderTask inverts the slice order of a directory, writing the
// renumbered files into <dir>_reversed. The job input is the directory.
// A -n / --dry-run argument prints the mapping without renaming.
func reorderTask(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
	cfg := appconfig.Get()
	dir := strings.TrimSpace(j.Input)
	if dir == "" {
		q.PushJobStdout(j.ID, "reorder: no directory provided")
		q.ErrorJob(j.ID)
		return fmt.Errorf("no directory provided")
	}
	dryRun := hasFlag(j.Arguments, "-n", "--dry-run")

	mappings, err := buildReverseMapping(dir, cfg.InputPrefix, cfg.InputExt, cfg.OutputDigits)
	if err != nil {
		q.PushJobStdout(j.ID, "reorder: "+err.Error())
		q.ErrorJob(j.ID)
		return err
	}

	outDir := strings.TrimRight(dir, string(filepath.Separator)) + "_reversed"
	if dryRun {
		for _, m := range mappings {
			q.PushJobStdout(j.ID, m.src+" -> "+m.dst)
		}
		q.PushJobStdout(j.ID, fmt.Sprintf("reorder: dry run, %d files would move to %s", len(mappings), outDir))
		q.CompleteJob(j.ID)
		return nil
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		q.PushJobStdout(j.ID, "reorder: "+err.Error())
		q.ErrorJob(j.ID)
		return err
	}
	for _, m := range mappings {
		select {
		case <-j.Ctx.Done():
			q.PushJobStdout(j.ID, "reorder: task canceled")
			return j.Ctx.Err()
		default:
		}
		if err := os.Rename(filepath.Join(dir, m.src), filepath.Join(outDir, m.dst)); err != nil {
			q.PushJobStdout(j.ID, "reorder: failed to move "+m.src+": "+err.Error())
			q.ErrorJob(j.ID)
			return err
		}
		q.PushJobStdout(j.ID, m.src+" -> "+m.dst)
	}

	q.PushJobStdout(j.ID, fmt.Sprintf("reorder: moved %d files to %s", len(mappings), outDir))
	q.CompleteJob(j.ID)
	return nil
}
