package tasks

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mlardeux/histopipe/appconfig"
	"github.com/mlardeux/histopipe/jobqueue"
)

// hasFlag reports whether any of args matches one of the given flags,
// case-insensitively.
func hasFlag(args []string, flags ...string) bool {
	for _, a := range args {
		for _, f := range flags {
			if strings.EqualFold(a, f) {
				return true
			}
		}
	}
	return false
}

// ingestTask renames raw exports of one experiment into the canonical
// slice naming scheme and moves them into Stack_RIP/merged_original.
// The job input is the experiment ID.
func ingestTask(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
	cfg := appconfig.Get()
	expID := strings.TrimSpace(j.Input)
	if expID == "" {
		q.PushJobStdout(j.ID, "ingest: no experiment ID provided")
		q.ErrorJob(j.ID)
		return fmt.Errorf("no experiment ID provided")
	}
	overwrite := hasFlag(j.Arguments, "-overwrite", "--overwrite")

	expDir := experimentDir(cfg.WorkDir, expID)
	srcDir := filepath.Join(expDir, zenExportDir)
	dstDir := filepath.Join(expDir, stackDir, mergedOriginalDir)

	entries, err := os.ReadDir(srcDir)
	if err != nil && !os.IsNotExist(err) {
		q.PushJobStdout(j.ID, "ingest: "+err.Error())
		q.ErrorJob(j.ID)
		return err
	}

	if len(entries) == 0 {
		// Nothing left to move; accept an earlier run's output.
		moved, err := filepath.Glob(filepath.Join(dstDir, "*."+cfg.InputExt))
		if err == nil && len(moved) > 0 {
			q.PushJobStdout(j.ID, fmt.Sprintf("ingest: export dir empty, found %d previously moved files", len(moved)))
			q.CompleteJob(j.ID)
			return nil
		}
		q.PushJobStdout(j.ID, "ingest: no files found in "+srcDir)
		q.ErrorJob(j.ID)
		return fmt.Errorf("no input files in %s", srcDir)
	}

	if err := os.MkdirAll(dstDir, 0755); err != nil {
		q.PushJobStdout(j.ID, "ingest: "+err.Error())
		q.ErrorJob(j.ID)
		return err
	}

	moved, skipped := 0, 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		select {
		case <-j.Ctx.Done():
			q.PushJobStdout(j.ID, "ingest: task canceled")
			return j.Ctx.Err()
		default:
		}

		n, ok := sliceNumber(e.Name(), cfg.InputPrefix, cfg.InputExt)
		if !ok {
			q.PushJobStdout(j.ID, "Warning: skipping unrecognized file "+e.Name())
			skipped++
			continue
		}

		dstName := formatSliceName(expID, cfg.InputPrefix, n, cfg.OutputDigits, cfg.InputExt)
		dstPath := filepath.Join(dstDir, dstName)
		if !overwrite {
			if _, err := os.Stat(dstPath); err == nil {
				q.PushJobStdout(j.ID, "ingest: exists, skipping "+dstName)
				skipped++
				continue
			}
		}

		if err := os.Rename(filepath.Join(srcDir, e.Name()), dstPath); err != nil {
			q.PushJobStdout(j.ID, "ingest: failed to move "+e.Name()+": "+err.Error())
			q.ErrorJob(j.ID)
			return err
		}
		q.PushJobStdout(j.ID, e.Name()+" -> "+dstName)
		moved++
	}

	q.PushJobStdout(j.ID, fmt.Sprintf("ingest: moved %d files, skipped %d", moved, skipped))
	q.CompleteJob(j.ID)
	return nil
}
