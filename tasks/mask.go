package tasks

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/mlardeux/histopipe/appconfig"
	"github.com/mlardeux/histopipe/imaging"
	"github.com/mlardeux/histopipe/jobqueue"
	"github.com/mlardeux/histopipe/tiffio"
)

// resizeMode controls the optional padding applied to cleaned slices.
type resizeMode struct {
	auto   bool
	width  int
	height int
}

// parseResizeMode parses "none", "auto" or an explicit "WxH" size.
func parseResizeMode(arg string) (resizeMode, error) {
	arg = strings.TrimSpace(strings.ToLower(arg))
	switch arg {
	case "", "none":
		return resizeMode{}, nil
	case "auto":
		return resizeMode{auto: true}, nil
	}
	parts := strings.SplitN(arg, "x", 2)
	if len(parts) != 2 {
		return resizeMode{}, fmt.Errorf("invalid resize %q, expected none, auto or WxH", arg)
	}
	w, err1 := strconv.Atoi(parts[0])
	h, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || w < 1 || h < 1 {
		return resizeMode{}, fmt.Errorf("invalid resize %q, expected none, auto or WxH", arg)
	}
	return resizeMode{width: w, height: h}, nil
}

func (m resizeMode) enabled() bool {
	return m.auto || m.width > 0
}

// readFirstPage decodes the first 16-bit page of a TIFF file.
func readFirstPage(path string) (*image.Gray16, error) {
	pages, err := tiffio.DecodeGray16Pages(path)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%s: no pages", path)
	}
	return pages[0], nil
}

// listChannelDirs returns the chNN directories of an experiment's
// Stack_RIP, sorted, excluding the cleaned variants.
func listChannelDirs(expDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(expDir, stackDir))
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() && strings.HasPrefix(name, "ch") && !strings.HasSuffix(name, cleanedSuffix) {
			dirs = append(dirs, name)
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// maskTask detects a brain mask on each slice of the detection channel,
// saves the masks with overlay previews, then applies them to every
// channel into chNN_cleaned. The job input is the experiment ID.
//
// Arguments:
//
//	--channel N      detection channel index (default 0)
//	--resize MODE    none (default), auto, or an explicit WxH
//	--overwrite      redo existing outputs
func maskTask(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
	cfg := appconfig.Get()
	expID := strings.TrimSpace(j.Input)
	if expID == "" {
		q.PushJobStdout(j.ID, "mask: no experiment ID provided")
		q.ErrorJob(j.ID)
		return fmt.Errorf("no experiment ID provided")
	}
	overwrite := hasFlag(j.Arguments, "-overwrite", "--overwrite")

	detectionChannel := 0
	if v, ok := flagValue(j.Arguments, "--channel"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			q.PushJobStdout(j.ID, "mask: invalid channel index "+v)
			q.ErrorJob(j.ID)
			return fmt.Errorf("invalid channel index %q", v)
		}
		detectionChannel = n
	}

	resize := resizeMode{}
	if v, ok := flagValue(j.Arguments, "--resize"); ok {
		parsed, err := parseResizeMode(v)
		if err != nil {
			q.PushJobStdout(j.ID, "mask: "+err.Error())
			q.ErrorJob(j.ID)
			return err
		}
		resize = parsed
	}

	expDir := experimentDir(cfg.WorkDir, expID)
	detDir := filepath.Join(expDir, stackDir, channelDirName(detectionChannel))
	slices, err := filepath.Glob(filepath.Join(detDir, "*.tiff"))
	if err != nil || len(slices) == 0 {
		q.PushJobStdout(j.ID, "mask: no slices in "+detDir)
		q.ErrorJob(j.ID)
		return fmt.Errorf("no slices in %s", detDir)
	}
	sort.Strings(slices)

	maskDir := filepath.Join(expDir, stackDir, masksDir)
	previewDir := filepath.Join(maskDir, previewsDir)
	for _, d := range []string{maskDir, previewDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			q.PushJobStdout(j.ID, "mask: "+err.Error())
			q.ErrorJob(j.ID)
			return err
		}
	}

	opts := imaging.DetectionOptions{
		Background:         cfg.Detection.Background,
		CannySigma:         cfg.Detection.CannySigma,
		CannyThreshold:     cfg.Detection.CannyThreshold,
		CloseRadiusMicrons: cfg.Detection.CloseRadius,
		Downscale:          cfg.Detection.Downscale,
	}

	// Pass 1: detect a mask per slice of the detection channel.
	maxW, maxH := 0, 0
	for _, path := range slices {
		select {
		case <-j.Ctx.Done():
			q.PushJobStdout(j.ID, "mask: task canceled")
			return j.Ctx.Err()
		default:
		}

		name := filepath.Base(path)
		maskPath := filepath.Join(maskDir, name)
		if !overwrite {
			if _, err := os.Stat(maskPath); err == nil {
				q.PushJobStdout(j.ID, "mask: exists, skipping "+name)
				if img, err := readFirstPage(path); err == nil {
					b := img.Bounds()
					if b.Dx() > maxW {
						maxW = b.Dx()
					}
					if b.Dy() > maxH {
						maxH = b.Dy()
					}
				}
				continue
			}
		}

		pixelSize, err := tiffio.ReadPixelSize(path)
		if err != nil {
			q.PushJobStdout(j.ID, "mask: "+name+": "+err.Error())
			q.ErrorJob(j.ID)
			return err
		}
		img, err := readFirstPage(path)
		if err != nil {
			q.PushJobStdout(j.ID, "mask: "+name+": "+err.Error())
			q.ErrorJob(j.ID)
			return err
		}
		b := img.Bounds()
		if b.Dx() > maxW {
			maxW = b.Dx()
		}
		if b.Dy() > maxH {
			maxH = b.Dy()
		}

		mask, err := imaging.FindBrainMask(img, pixelSize, opts)
		if err != nil {
			q.PushJobStdout(j.ID, "mask: "+name+": "+err.Error())
			q.ErrorJob(j.ID)
			return err
		}
		if err := tiffio.WriteGray8(maskPath, mask, tiffio.WriteOptions{PixelSizeMicrons: pixelSize}); err != nil {
			q.PushJobStdout(j.ID, "mask: failed to write "+maskPath+": "+err.Error())
			q.ErrorJob(j.ID)
			return err
		}

		previewPath := filepath.Join(previewDir, strings.TrimSuffix(name, ".tiff")+".png")
		if err := imaging.WriteMaskPreview(previewPath, img, mask, 1024); err != nil {
			q.PushJobStdout(j.ID, "Warning: preview failed for "+name+": "+err.Error())
		}
		q.PushJobStdout(j.ID, "mask: detected "+name)
	}

	padW, padH := 0, 0
	if resize.auto {
		padW, padH = maxW, maxH
	} else if resize.width > 0 {
		padW, padH = resize.width, resize.height
	}

	// Pass 2: apply the masks to every channel.
	channels, err := listChannelDirs(expDir)
	if err != nil {
		q.PushJobStdout(j.ID, "mask: "+err.Error())
		q.ErrorJob(j.ID)
		return err
	}
	failures := 0
	for _, ch := range channels {
		srcDir := filepath.Join(expDir, stackDir, ch)
		dstDir := filepath.Join(expDir, stackDir, ch+cleanedSuffix)
		if err := os.MkdirAll(dstDir, 0755); err != nil {
			q.PushJobStdout(j.ID, "mask: "+err.Error())
			q.ErrorJob(j.ID)
			return err
		}

		files, _ := filepath.Glob(filepath.Join(srcDir, "*.tiff"))
		sort.Strings(files)
		for _, path := range files {
			select {
			case <-j.Ctx.Done():
				q.PushJobStdout(j.ID, "mask: task canceled")
				return j.Ctx.Err()
			default:
			}

			name := filepath.Base(path)
			dstPath := filepath.Join(dstDir, name)
			if !overwrite {
				if _, err := os.Stat(dstPath); err == nil {
					continue
				}
			}

			if err := cleanSlice(path, filepath.Join(maskDir, name), dstPath, padW, padH); err != nil {
				q.PushJobStdout(j.ID, "mask: "+ch+"/"+name+": "+err.Error())
				failures++
				continue
			}
			q.PushJobStdout(j.ID, "mask: cleaned "+ch+"/"+name)
		}
	}

	if failures > 0 {
		q.PushJobStdout(j.ID, fmt.Sprintf("mask: %d slices failed", failures))
		q.ErrorJob(j.ID)
		return fmt.Errorf("%d slices failed", failures)
	}
	q.CompleteJob(j.ID)
	return nil
}

// cleanSlice multiplies one channel slice by its mask and writes the
// result, optionally padded to padW x padH.
func cleanSlice(srcPath, maskPath, dstPath string, padW, padH int) error {
	img, err := readFirstPage(srcPath)
	if err != nil {
		return err
	}
	pixelSize, err := tiffio.ReadPixelSize(srcPath)
	if err != nil {
		return err
	}

	maskPages, err := tiffio.DecodePages(maskPath)
	if err != nil {
		return fmt.Errorf("reading mask: %w", err)
	}
	if len(maskPages) == 0 {
		return fmt.Errorf("mask %s has no pages", maskPath)
	}
	mask, ok := maskPages[0].(*image.Gray)
	if !ok {
		mask = grayFromImage(maskPages[0])
	}

	cleaned, err := imaging.ApplyMask(img, mask)
	if err != nil {
		return err
	}
	if padW > 0 && padH > 0 {
		cleaned, err = imaging.PadGray16(cleaned, padW, padH)
		if err != nil {
			return err
		}
	}
	return tiffio.WriteGray16(dstPath, cleaned, tiffio.WriteOptions{PixelSizeMicrons: pixelSize})
}

// grayFromImage converts any decoded image to 8-bit grayscale.
func grayFromImage(src image.Image) *image.Gray {
	b := src.Bounds()
	out := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(x, y, color.GrayModel.Convert(src.At(x, y)))
		}
	}
	return out
}
