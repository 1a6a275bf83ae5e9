package tasks

import (
	"bufio"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/mlardeux/histopipe/appconfig"
	"github.com/mlardeux/histopipe/deps"
	"github.com/mlardeux/histopipe/jobqueue"
)

// parseExcludeList parses a comma-separated list of file names to skip.
func parseExcludeList(arg string) map[string]bool {
	excluded := make(map[string]bool)
	for _, part := range strings.Split(arg, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			excluded[part] = true
		}
	}
	return excluded
}

// qupathScriptTask runs a Groovy script through the QuPath console over
// every image of a directory, several QuPath processes in parallel. The
// job input is the image directory.
//
// Arguments:
//
//	--script PATH      Groovy script (default from config)
//	--processes N      parallel QuPath processes (default 1)
//	--exclude a,b,c    image file names to skip
func qupathScriptTask(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
	cfg := appconfig.Get()
	dir := strings.TrimSpace(j.Input)
	if dir == "" {
		q.PushJobStdout(j.ID, "qupath-script: no directory provided")
		q.ErrorJob(j.ID)
		return fmt.Errorf("no directory provided")
	}

	script := cfg.QuPath.ScriptPath
	if v, ok := flagValue(j.Arguments, "--script"); ok {
		script = v
	}
	if script == "" {
		q.PushJobStdout(j.ID, "qupath-script: no script configured")
		q.ErrorJob(j.ID)
		return fmt.Errorf("no script configured")
	}

	processes := 1
	if v, ok := flagValue(j.Arguments, "--processes"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			q.PushJobStdout(j.ID, "qupath-script: invalid process count "+v)
			q.ErrorJob(j.ID)
			return fmt.Errorf("invalid process count %q", v)
		}
		processes = n
	}

	excluded := map[string]bool{}
	if v, ok := flagValue(j.Arguments, "--exclude"); ok {
		excluded = parseExcludeList(v)
	}

	exe, err := deps.GetQuPathPath()
	if err != nil {
		q.PushJobStdout(j.ID, "qupath-script: "+err.Error())
		q.ErrorJob(j.ID)
		return err
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.tiff"))
	if err != nil || len(files) == 0 {
		q.PushJobStdout(j.ID, "qupath-script: no images in "+dir)
		q.ErrorJob(j.ID)
		return fmt.Errorf("no images in %s", dir)
	}
	sort.Strings(files)

	var selected []string
	for _, f := range files {
		if excluded[filepath.Base(f)] {
			q.PushJobStdout(j.ID, "qupath-script: excluded "+filepath.Base(f))
			continue
		}
		selected = append(selected, f)
	}
	if len(selected) == 0 {
		q.PushJobStdout(j.ID, "qupath-script: every image excluded")
		q.CompleteJob(j.ID)
		return nil
	}

	work := make(chan string)
	errs := make(chan error, len(selected))
	var wg sync.WaitGroup
	for w := 0; w < processes; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range work {
				if err := runQuPathScript(j, q, exe, script, path); err != nil {
					errs <- fmt.Errorf("%s: %w", filepath.Base(path), err)
				}
			}
		}()
	}

	for _, path := range selected {
		select {
		case <-j.Ctx.Done():
			close(work)
			wg.Wait()
			q.PushJobStdout(j.ID, "qupath-script: task canceled")
			return j.Ctx.Err()
		case work <- path:
		}
	}
	close(work)
	wg.Wait()
	close(errs)

	failures := 0
	for err := range errs {
		q.PushJobStdout(j.ID, "qupath-script: "+err.Error())
		failures++
	}
	if failures > 0 {
		q.ErrorJob(j.ID)
		return fmt.Errorf("%d of %d images failed", failures, len(selected))
	}
	q.PushJobStdout(j.ID, fmt.Sprintf("qupath-script: processed %d images", len(selected)))
	q.CompleteJob(j.ID)
	return nil
}

// runQuPathScript invokes one QuPath console process for one image.
func runQuPathScript(j *jobqueue.Job, q *jobqueue.Queue, exe, script, imagePath string) error {
	cmd := exec.CommandContext(j.Ctx, exe, "script", script, "--args", imagePath)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting QuPath: %w", err)
	}
	scan := bufio.NewScanner(stdout)
	for scan.Scan() {
		_ = q.PushJobStdout(j.ID, filepath.Base(imagePath)+": "+scan.Text())
	}
	return cmd.Wait()
}
