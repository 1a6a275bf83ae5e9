package tasks

import (
	"bufio"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mlardeux/histopipe/appconfig"
	"github.com/mlardeux/histopipe/deps"
	"github.com/mlardeux/histopipe/imaging"
	"github.com/mlardeux/histopipe/jobqueue"
	"github.com/mlardeux/histopipe/tiffio"
)

// pyramidTask re-writes every OME-TIFF of a directory as a tiled
// pyramidal OME-TIFF into <dir>_pyramid. The job input is the source
// directory. When a QuPath install and script are configured the
// conversion is delegated to QuPath; --native forces the built-in
// writer.
func pyramidTask(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
	cfg := appconfig.Get()
	srcDir := strings.TrimSpace(j.Input)
	if srcDir == "" {
		q.PushJobStdout(j.ID, "pyramid: no directory provided")
		q.ErrorJob(j.ID)
		return fmt.Errorf("no directory provided")
	}
	overwrite := hasFlag(j.Arguments, "-overwrite", "--overwrite")
	useQuPath := cfg.QuPath.ScriptPath != "" && !hasFlag(j.Arguments, "--native")

	files, err := filepath.Glob(filepath.Join(srcDir, "*.ome.tiff"))
	if err != nil || len(files) == 0 {
		q.PushJobStdout(j.ID, "pyramid: no OME-TIFFs in "+srcDir)
		q.ErrorJob(j.ID)
		return fmt.Errorf("no OME-TIFFs in %s", srcDir)
	}
	sort.Strings(files)

	outDir := strings.TrimRight(srcDir, string(filepath.Separator)) + "_pyramid"
	if err := os.MkdirAll(outDir, 0755); err != nil {
		q.PushJobStdout(j.ID, "pyramid: "+err.Error())
		q.ErrorJob(j.ID)
		return err
	}

	for _, path := range files {
		select {
		case <-j.Ctx.Done():
			q.PushJobStdout(j.ID, "pyramid: task canceled")
			return j.Ctx.Err()
		default:
		}

		name := filepath.Base(path)
		outPath := filepath.Join(outDir, name)
		if !overwrite {
			if _, err := os.Stat(outPath); err == nil {
				q.PushJobStdout(j.ID, "pyramid: exists, skipping "+name)
				continue
			}
		}

		if useQuPath {
			err = qupathPyramidalize(j, q, path, outPath, cfg)
		} else {
			err = nativePyramidalize(path, outPath, cfg)
		}
		if err != nil {
			q.PushJobStdout(j.ID, "pyramid: "+name+": "+err.Error())
			q.ErrorJob(j.ID)
			return err
		}
		q.PushJobStdout(j.ID, "pyramid: wrote "+name)
	}

	q.CompleteJob(j.ID)
	return nil
}

// nativePyramidalize reads an OME-TIFF and re-writes it with reduced
// resolution levels, keeping the channel metadata of the original.
func nativePyramidalize(srcPath, outPath string, cfg appconfig.Config) error {
	info, err := tiffio.ReadInfo(srcPath)
	if err != nil {
		return err
	}
	pixelSize, err := tiffio.ReadPixelSize(srcPath)
	if err != nil {
		return err
	}

	pages, err := tiffio.DecodeGray16Pages(srcPath)
	if err != nil {
		return err
	}

	// Only the full-resolution pages are channels; reduced pages of an
	// already-pyramidal input are rebuilt from scratch.
	channels := make([]*image.Gray16, 0, len(pages))
	for _, idx := range info.FullPages() {
		if idx < len(pages) {
			channels = append(channels, pages[idx])
		}
	}
	if len(channels) == 0 {
		return fmt.Errorf("no full-resolution pages in %s", srcPath)
	}

	// A source with usable OME metadata keeps its description verbatim,
	// so channel names and acquisition details survive the re-write.
	// Plain TIFFs or OME without channel metadata get a synthesized one.
	var description string
	metas, err := tiffio.ChannelsFromDescription(info.Description())
	if err == nil && len(metas) == len(channels) {
		description = info.Description()
	} else {
		metas = make([]tiffio.ChannelMeta, len(channels))
		for i := range metas {
			metas[i] = tiffio.ChannelMeta{Name: fmt.Sprintf("ch%02d", i), Color: [3]uint8{255, 255, 255}}
		}
	}

	levels := imaging.BuildPyramidLevels(channels, cfg.Pyramid.Factor, cfg.Pyramid.MaxFactor)
	base := strings.TrimSuffix(filepath.Base(outPath), ".ome.tiff")
	return tiffio.WritePyramid(outPath, levels, tiffio.PyramidOptions{
		TileSize:         cfg.Pyramid.TileSize,
		Compression:      cfg.Pyramid.Compression,
		PixelSizeMicrons: pixelSize,
		Channels:         metas,
		Name:             base,
		Description:      description,
	})
}

// qupathPyramidalize shells out to the QuPath console with the
// configured Groovy script. The script writes a uuid-prefixed temp file
// which is renamed into place once QuPath exits.
func qupathPyramidalize(j *jobqueue.Job, q *jobqueue.Queue, srcPath, outPath string, cfg appconfig.Config) error {
	exe, err := deps.GetQuPathPath()
	if err != nil {
		return err
	}

	outDir := filepath.Dir(outPath)
	tmpName := uuid.NewString()[:8] + "_" + filepath.Base(outPath)
	tmpPath := filepath.Join(outDir, tmpName)

	args := []string{
		"script", cfg.QuPath.ScriptPath,
		"--args", srcPath,
		"--args", tmpPath,
		"--args", strconv.Itoa(cfg.Pyramid.TileSize),
		"--args", strconv.Itoa(cfg.Pyramid.Factor),
		"--args", strconv.Itoa(qupathThreads()),
	}
	cmd := exec.CommandContext(j.Ctx, exe, args...)

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
		_ = q.PushJobStdout(j.ID, "qupath: "+scan.Text())
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("QuPath failed: %w", err)
	}

	if _, err := os.Stat(tmpPath); err != nil {
		return fmt.Errorf("QuPath did not produce %s", tmpName)
	}
	return os.Rename(tmpPath, outPath)
}

func qupathThreads() int {
	n := runtime.NumCPU() - 1
	if n < 1 {
		n = 1
	}
	return n
}
