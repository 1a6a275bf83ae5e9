package tasks

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/mlardeux/histopipe/appconfig"
	"github.com/mlardeux/histopipe/jobqueue"
	"github.com/mlardeux/histopipe/tiffio"
)

// sliceSelection is a set of 1-based slice indices, or all of them.
type sliceSelection struct {
	all bool
	set map[int]bool
}

func (s sliceSelection) contains(n int) bool {
	return s.all || s.set[n]
}

// parseSliceSelection parses "all" or a comma-separated list of 1-based
// slice indices, e.g. "1,3,12".
func parseSliceSelection(arg string) (sliceSelection, error) {
	arg = strings.TrimSpace(arg)
	if strings.EqualFold(arg, "all") {
		return sliceSelection{all: true}, nil
	}
	sel := sliceSelection{set: make(map[int]bool)}
	for _, part := range strings.Split(arg, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 {
			return sel, fmt.Errorf("invalid slice index %q", part)
		}
		sel.set[n] = true
	}
	return sel, nil
}

// flagValue returns the value following a flag in args, if present.
func flagValue(args []string, flags ...string) (string, bool) {
	for i, a := range args {
		for _, f := range flags {
			if strings.EqualFold(a, f) && i+1 < len(args) {
				return args[i+1], true
			}
		}
	}
	return "", false
}

func mirrorHorizontal(img *image.Gray16) *image.Gray16 {
	b := img.Bounds()
	out := image.NewGray16(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.SetGray16(b.Max.X-1-(x-b.Min.X), y, img.Gray16At(x, y))
		}
	}
	return out
}

func mirrorVertical(img *image.Gray16) *image.Gray16 {
	b := img.Bounds()
	out := image.NewGray16(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.SetGray16(x, b.Max.Y-1-(y-b.Min.Y), img.Gray16At(x, y))
		}
	}
	return out
}

// splitTask splits each multichannel OME-TIFF of an experiment into
// per-channel single-page TIFFs under Stack_RIP/chNN. The job input is
// the experiment ID. Optional mirroring:
//
//	--mirror-h all        flip every slice horizontally
//	--mirror-v 1,3,12     flip the listed slices vertically
func splitTask(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
	cfg := appconfig.Get()
	expID := strings.TrimSpace(j.Input)
	if expID == "" {
		q.PushJobStdout(j.ID, "split: no experiment ID provided")
		q.ErrorJob(j.ID)
		return fmt.Errorf("no experiment ID provided")
	}
	overwrite := hasFlag(j.Arguments, "-overwrite", "--overwrite")

	var mirrorH, mirrorV sliceSelection
	if v, ok := flagValue(j.Arguments, "--mirror-h"); ok {
		sel, err := parseSliceSelection(v)
		if err != nil {
			q.PushJobStdout(j.ID, "split: "+err.Error())
			q.ErrorJob(j.ID)
			return err
		}
		mirrorH = sel
	}
	if v, ok := flagValue(j.Arguments, "--mirror-v"); ok {
		sel, err := parseSliceSelection(v)
		if err != nil {
			q.PushJobStdout(j.ID, "split: "+err.Error())
			q.ErrorJob(j.ID)
			return err
		}
		mirrorV = sel
	}

	expDir := experimentDir(cfg.WorkDir, expID)
	srcDir := filepath.Join(expDir, stackDir, mergedOriginalDir)
	files, err := filepath.Glob(filepath.Join(srcDir, "*."+cfg.InputExt))
	if err != nil || len(files) == 0 {
		q.PushJobStdout(j.ID, "split: no input stacks in "+srcDir)
		q.ErrorJob(j.ID)
		return fmt.Errorf("no input stacks in %s", srcDir)
	}
	sort.Strings(files)

	written := 0
	for _, path := range files {
		select {
		case <-j.Ctx.Done():
			q.PushJobStdout(j.ID, "split: task canceled")
			return j.Ctx.Err()
		default:
		}

		name := filepath.Base(path)
		n, ok := sliceNumber(name, cfg.InputPrefix, cfg.InputExt)
		if !ok {
			q.PushJobStdout(j.ID, "Warning: skipping unrecognized file "+name)
			continue
		}

		pixelSize, err := tiffio.ReadPixelSize(path)
		if err != nil {
			q.PushJobStdout(j.ID, "split: "+name+": "+err.Error())
			q.ErrorJob(j.ID)
			return err
		}

		pages, err := tiffio.DecodeGray16Pages(path)
		if err != nil {
			q.PushJobStdout(j.ID, "split: "+name+": "+err.Error())
			q.ErrorJob(j.ID)
			return err
		}

		outName := sliceBase(name, cfg.InputExt) + ".tiff"
		for ch, page := range pages {
			chDir := filepath.Join(expDir, stackDir, channelDirName(ch))
			if err := os.MkdirAll(chDir, 0755); err != nil {
				q.PushJobStdout(j.ID, "split: "+err.Error())
				q.ErrorJob(j.ID)
				return err
			}
			outPath := filepath.Join(chDir, outName)
			if !overwrite {
				if _, err := os.Stat(outPath); err == nil {
					continue
				}
			}

			if mirrorH.contains(n) {
				page = mirrorHorizontal(page)
			}
			if mirrorV.contains(n) {
				page = mirrorVertical(page)
			}

			if err := tiffio.WriteGray16(outPath, page, tiffio.WriteOptions{PixelSizeMicrons: pixelSize}); err != nil {
				q.PushJobStdout(j.ID, "split: failed to write "+outPath+": "+err.Error())
				q.ErrorJob(j.ID)
				return err
			}
			written++
		}
		q.PushJobStdout(j.ID, fmt.Sprintf("split: %s -> %d channels", name, len(pages)))
	}

	q.PushJobStdout(j.ID, fmt.Sprintf("split: wrote %d channel images", written))
	q.CompleteJob(j.ID)
	return nil
}
