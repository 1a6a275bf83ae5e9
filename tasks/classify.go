package tasks

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mlardeux/histopipe/appconfig"
	"github.com/mlardeux/histopipe/classifier"
	"github.com/mlardeux/histopipe/deps"
	"github.com/mlardeux/histopipe/jobqueue"
	"github.com/mlardeux/histopipe/tiffio"
)

// classifyTask runs the configured ONNX pixel classifier over every
// slice of a channel directory and writes the probability maps next to
// them. The job input is the channel directory.
func classifyTask(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
	cfg := appconfig.Get()
	dir := strings.TrimSpace(j.Input)
	if dir == "" {
		q.PushJobStdout(j.ID, "classify: no directory provided")
		q.ErrorJob(j.ID)
		return fmt.Errorf("no directory provided")
	}
	overwrite := hasFlag(j.Arguments, "-overwrite", "--overwrite")

	modelPath := cfg.Classifier.ModelPath
	if v, ok := flagValue(j.Arguments, "--model"); ok {
		modelPath = v
	}
	if modelPath == "" {
		q.PushJobStdout(j.ID, "classify: no model configured")
		q.ErrorJob(j.ID)
		return fmt.Errorf("no model configured")
	}

	ortPath := cfg.Classifier.ORTSharedLibraryPath
	if ortPath == "" {
		if err := deps.EnsureAvailable(j.Ctx, "onnxruntime", nil); err == nil {
			ortPath = deps.GetOnnxRuntimeLibPath()
		}
	}

	opts := classifier.Options{
		ORTSharedLibraryPath: ortPath,
		InputName:            cfg.Classifier.InputName,
		OutputName:           cfg.Classifier.OutputName,
		TileSize:             cfg.Classifier.TileSize,
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.tiff"))
	if err != nil || len(files) == 0 {
		q.PushJobStdout(j.ID, "classify: no images in "+dir)
		q.ErrorJob(j.ID)
		return fmt.Errorf("no images in %s", dir)
	}
	sort.Strings(files)

	for _, path := range files {
		select {
		case <-j.Ctx.Done():
			q.PushJobStdout(j.ID, "classify: task canceled")
			return j.Ctx.Err()
		default:
		}

		name := filepath.Base(path)
		if strings.HasSuffix(name, "_Probabilities.tiff") {
			continue
		}
		outPath := filepath.Join(dir, strings.TrimSuffix(name, ".tiff")+"_Probabilities.tiff")
		if !overwrite {
			if _, err := os.Stat(outPath); err == nil {
				q.PushJobStdout(j.ID, "classify: exists, skipping "+name)
				continue
			}
		}

		pixelSize, err := tiffio.ReadPixelSize(path)
		if err != nil {
			q.PushJobStdout(j.ID, "classify: "+name+": "+err.Error())
			q.ErrorJob(j.ID)
			return err
		}
		img, err := readFirstPage(path)
		if err != nil {
			q.PushJobStdout(j.ID, "classify: "+name+": "+err.Error())
			q.ErrorJob(j.ID)
			return err
		}

		proba, err := classifier.ProbabilityMap(img, modelPath, opts)
		if err != nil {
			q.PushJobStdout(j.ID, "classify: "+name+": "+err.Error())
			q.ErrorJob(j.ID)
			return err
		}

		if err := tiffio.WriteGray8(outPath, proba, tiffio.WriteOptions{PixelSizeMicrons: pixelSize}); err != nil {
			q.PushJobStdout(j.ID, "classify: failed to write "+outPath+": "+err.Error())
			q.ErrorJob(j.ID)
			return err
		}
		q.PushJobStdout(j.ID, "classify: wrote "+filepath.Base(outPath))
	}

	q.CompleteJob(j.ID)
	return nil
}
