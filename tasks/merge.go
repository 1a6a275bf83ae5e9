package tasks

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mlardeux/histopipe/appconfig"
	"github.com/mlardeux/histopipe/imaging"
	"github.com/mlardeux/histopipe/jobqueue"
	"github.com/mlardeux/histopipe/tiffio"
)

// listCleanedDirs returns the chNN_cleaned directories of an
// experiment, sorted by channel index.
func listCleanedDirs(expDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(expDir, stackDir))
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() && strings.HasPrefix(name, "ch") && strings.HasSuffix(name, cleanedSuffix) {
			dirs = append(dirs, name)
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// channelMetas converts the configured channels to tiffio metadata.
func channelMetas(channels []appconfig.Channel) []tiffio.ChannelMeta {
	metas := make([]tiffio.ChannelMeta, len(channels))
	for i, c := range channels {
		metas[i] = tiffio.ChannelMeta{Name: c.Name, Color: c.Color}
	}
	return metas
}

// mergeTask stacks the cleaned channels of each slice into a tiled
// pyramidal OME-TIFF carrying the configured channel names and colors.
// The job input is the experiment ID.
func mergeTask(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
	cfg := appconfig.Get()
	expID := strings.TrimSpace(j.Input)
	if expID == "" {
		q.PushJobStdout(j.ID, "merge: no experiment ID provided")
		q.ErrorJob(j.ID)
		return fmt.Errorf("no experiment ID provided")
	}
	overwrite := hasFlag(j.Arguments, "-overwrite", "--overwrite")

	expDir := experimentDir(cfg.WorkDir, expID)
	cleaned, err := listCleanedDirs(expDir)
	if err != nil {
		q.PushJobStdout(j.ID, "merge: "+err.Error())
		q.ErrorJob(j.ID)
		return err
	}
	if len(cleaned) != len(cfg.Channels) {
		err := fmt.Errorf("found %d cleaned channel dirs but %d channels configured", len(cleaned), len(cfg.Channels))
		q.PushJobStdout(j.ID, "merge: "+err.Error())
		q.ErrorJob(j.ID)
		return err
	}

	// Slice names come from the first channel; every channel must
	// carry the same set.
	firstDir := filepath.Join(expDir, stackDir, cleaned[0])
	files, err := filepath.Glob(filepath.Join(firstDir, "*.tiff"))
	if err != nil || len(files) == 0 {
		q.PushJobStdout(j.ID, "merge: no slices in "+firstDir)
		q.ErrorJob(j.ID)
		return fmt.Errorf("no slices in %s", firstDir)
	}
	sort.Strings(files)

	outDir := filepath.Join(expDir, stackDir, pyramidOutputDir)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		q.PushJobStdout(j.ID, "merge: "+err.Error())
		q.ErrorJob(j.ID)
		return err
	}

	metas := channelMetas(cfg.Channels)
	merged := 0
	for _, path := range files {
		select {
		case <-j.Ctx.Done():
			q.PushJobStdout(j.ID, "merge: task canceled")
			return j.Ctx.Err()
		default:
		}

		name := filepath.Base(path)
		base := strings.TrimSuffix(name, ".tiff")
		outPath := filepath.Join(outDir, base+".ome.tiff")
		if !overwrite {
			if _, err := os.Stat(outPath); err == nil {
				q.PushJobStdout(j.ID, "merge: exists, skipping "+name)
				continue
			}
		}

		pixelSize, err := tiffio.ReadPixelSize(path)
		if err != nil {
			q.PushJobStdout(j.ID, "merge: "+name+": "+err.Error())
			q.ErrorJob(j.ID)
			return err
		}

		channels := make([]*image.Gray16, len(cleaned))
		for i, ch := range cleaned {
			img, err := readFirstPage(filepath.Join(expDir, stackDir, ch, name))
			if err != nil {
				q.PushJobStdout(j.ID, "merge: "+ch+"/"+name+": "+err.Error())
				q.ErrorJob(j.ID)
				return err
			}
			channels[i] = img
		}

		levels := imaging.BuildPyramidLevels(channels, cfg.Pyramid.Factor, cfg.Pyramid.MaxFactor)
		opts := tiffio.PyramidOptions{
			TileSize:         cfg.Pyramid.TileSize,
			Compression:      cfg.Pyramid.Compression,
			PixelSizeMicrons: pixelSize,
			Channels:         metas,
			Name:             base,
		}
		if err := tiffio.WritePyramid(outPath, levels, opts); err != nil {
			q.PushJobStdout(j.ID, "merge: failed to write "+outPath+": "+err.Error())
			q.ErrorJob(j.ID)
			return err
		}
		q.PushJobStdout(j.ID, fmt.Sprintf("merge: %s (%d levels)", base, len(levels)))
		merged++
	}

	q.PushJobStdout(j.ID, fmt.Sprintf("merge: wrote %d pyramids", merged))
	q.CompleteJob(j.ID)
	return nil
}
