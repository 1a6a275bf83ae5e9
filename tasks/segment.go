package tasks

import (
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/paulmach/orb"

	"github.com/mlardeux/histopipe/imaging"
	"github.com/mlardeux/histopipe/jobqueue"
	"github.com/mlardeux/histopipe/segmentation"
	"github.com/mlardeux/histopipe/tiffio"
)

// segmentKind is the geometry family produced for one object type.
type segmentKind int

const (
	kindPolygons segmentKind = iota
	kindPoints
	kindLines
)

// kindFromType derives the geometry family from the object type
// keyword: fibers and axons trace to lines, boutons and synapses
// collapse to points, everything else stays polygonal.
func kindFromType(objectType string) segmentKind {
	t := strings.ToLower(objectType)
	switch {
	case strings.Contains(t, "fiber"), strings.Contains(t, "fibre"), strings.Contains(t, "axon"):
		return kindLines
	case strings.Contains(t, "bouton"), strings.Contains(t, "synapse"), strings.Contains(t, "point"):
		return kindPoints
	default:
		return kindPolygons
	}
}

// parseColor parses "R,G,B" with components in 0..255.
func parseColor(arg string) ([3]uint8, error) {
	parts := strings.Split(arg, ",")
	if len(parts) != 3 {
		return [3]uint8{}, fmt.Errorf("invalid color %q, expected R,G,B", arg)
	}
	var c [3]uint8
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 255 {
			return [3]uint8{}, fmt.Errorf("invalid color %q, expected R,G,B", arg)
		}
		c[i] = uint8(n)
	}
	return c, nil
}

// floatFlag reads a float-valued flag, keeping def when absent.
func floatFlag(args []string, def float64, flags ...string) (float64, error) {
	v, ok := flagValue(args, flags...)
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q for %s", v, flags[0])
	}
	return f, nil
}

// segmentOptions collects everything one segmentation run needs.
type segmentOptions struct {
	kind      segmentKind
	params    segmentation.Params
	polygons  segmentation.PolygonFilters
	points    segmentation.PointFilters
	lines     segmentation.LineFilters
	maskDir   string
	erodeDist float64 // microns
	suffix    string
	overwrite bool
}

func parseSegmentOptions(args []string) (segmentOptions, error) {
	opts := segmentOptions{
		params: segmentation.Params{
			ProbaThreshold: 0.5,
			ObjectType:     "detection",
			ClassName:      "Positive",
			ClassColor:     [3]uint8{255, 0, 0},
		},
	}
	opts.overwrite = hasFlag(args, "-overwrite", "--overwrite")

	objectType := "cells"
	if v, ok := flagValue(args, "--type"); ok {
		objectType = v
	}
	opts.kind = kindFromType(objectType)

	if v, ok := flagValue(args, "--class"); ok {
		opts.params.ClassName = v
	}
	if v, ok := flagValue(args, "--object-type"); ok {
		opts.params.ObjectType = v
	}
	if v, ok := flagValue(args, "--color"); ok {
		c, err := parseColor(v)
		if err != nil {
			return opts, err
		}
		opts.params.ClassColor = c
	}

	var err error
	if opts.params.ProbaThreshold, err = floatFlag(args, 0.5, "--threshold"); err != nil {
		return opts, err
	}
	if opts.polygons.MinAreaMicrons, err = floatFlag(args, 0, "--min-area"); err != nil {
		return opts, err
	}
	if opts.polygons.MaxAreaMicrons, err = floatFlag(args, 0, "--max-area"); err != nil {
		return opts, err
	}
	if opts.polygons.MinEccentricity, err = floatFlag(args, 0, "--min-eccentricity"); err != nil {
		return opts, err
	}
	if opts.polygons.MaxEccentricity, err = floatFlag(args, 0, "--max-eccentricity"); err != nil {
		return opts, err
	}
	// Points stand for regions, so the same size and shape bounds apply.
	opts.points.MinAreaMicrons = opts.polygons.MinAreaMicrons
	opts.points.MaxAreaMicrons = opts.polygons.MaxAreaMicrons
	opts.points.MinEccentricity = opts.polygons.MinEccentricity
	opts.points.MaxEccentricity = opts.polygons.MaxEccentricity
	if opts.points.MergeDistanceMicrons, err = floatFlag(args, 0, "--merge-dist"); err != nil {
		return opts, err
	}
	if opts.lines.MinLengthMicrons, err = floatFlag(args, 0, "--min-length"); err != nil {
		return opts, err
	}
	if opts.erodeDist, err = floatFlag(args, 0, "--erode"); err != nil {
		return opts, err
	}
	if v, ok := flagValue(args, "--mask-dir"); ok {
		opts.maskDir = v
	}
	if v, ok := flagValue(args, "--suffix"); ok {
		opts.suffix = v
	}
	return opts, nil
}

// segmentTask converts the probability maps of a directory into
// QuPath-importable GeoJSON. The job input is the directory holding
// *_Probabilities.tiff files; output goes to a sibling geojson/ dir.
func segmentTask(j *jobqueue.Job, q *jobqueue.Queue, mu *sync.Mutex) error {
	dir := strings.TrimSpace(j.Input)
	if dir == "" {
		q.PushJobStdout(j.ID, "segment: no directory provided")
		q.ErrorJob(j.ID)
		return fmt.Errorf("no directory provided")
	}

	opts, err := parseSegmentOptions(j.Arguments)
	if err != nil {
		q.PushJobStdout(j.ID, "segment: "+err.Error())
		q.ErrorJob(j.ID)
		return err
	}

	files, err := filepath.Glob(filepath.Join(dir, "*_Probabilities.tiff"))
	if err != nil || len(files) == 0 {
		q.PushJobStdout(j.ID, "segment: no probability maps in "+dir)
		q.ErrorJob(j.ID)
		return fmt.Errorf("no probability maps in %s", dir)
	}
	sort.Strings(files)

	outDir := filepath.Join(filepath.Dir(strings.TrimRight(dir, string(filepath.Separator))), "geojson")
	if err := os.MkdirAll(outDir, 0755); err != nil {
		q.PushJobStdout(j.ID, "segment: "+err.Error())
		q.ErrorJob(j.ID)
		return err
	}

	// Record the run parameters before any map is processed. A leftover
	// parameters file from an earlier run fails the job here instead of
	// after hours of extraction.
	if err := writeSegmentParameters(outDir, opts); err != nil {
		q.PushJobStdout(j.ID, "segment: "+err.Error())
		q.ErrorJob(j.ID)
		return err
	}

	for _, path := range files {
		select {
		case <-j.Ctx.Done():
			q.PushJobStdout(j.ID, "segment: task canceled")
			return j.Ctx.Err()
		default:
		}

		name := filepath.Base(path)
		base := strings.TrimSuffix(name, "_Probabilities.tiff")
		outPath := filepath.Join(outDir, base+"_segmentation"+opts.suffix+".geojson")
		if !opts.overwrite {
			if _, err := os.Stat(outPath); err == nil {
				q.PushJobStdout(j.ID, "segment: exists, skipping "+name)
				continue
			}
		}

		count, err := segmentOne(path, outPath, base, opts)
		if err != nil {
			q.PushJobStdout(j.ID, "segment: "+name+": "+err.Error())
			q.ErrorJob(j.ID)
			return err
		}
		q.PushJobStdout(j.ID, fmt.Sprintf("segment: %s -> %d objects", name, count))
	}

	q.CompleteJob(j.ID)
	return nil
}

// segmentOne runs the full extraction for one probability map.
func segmentOne(path, outPath, base string, opts segmentOptions) (int, error) {
	pixelSize, err := tiffio.ReadPixelSize(path)
	if err != nil {
		return 0, err
	}
	opts.params.PixelSizeMicrons = pixelSize

	pages, err := tiffio.DecodePages(path)
	if err != nil {
		return 0, err
	}
	if len(pages) == 0 {
		return 0, fmt.Errorf("no pages")
	}
	proba, ok := pages[0].(*image.Gray)
	if !ok {
		proba = grayFromImage(pages[0])
	}

	binary := segmentation.Threshold(proba, opts.params.ProbaThreshold)

	if opts.maskDir != "" {
		if err := applyEdgeMask(binary, opts.maskDir, base, pixelSize, opts.erodeDist); err != nil {
			return 0, err
		}
	}

	var geoms []orb.Geometry
	switch opts.kind {
	case kindLines:
		lines, err := segmentation.ExtractLines(binary, pixelSize, opts.lines)
		if err != nil {
			return 0, err
		}
		for _, l := range lines {
			geoms = append(geoms, l)
		}
	case kindPoints:
		points, err := segmentation.ExtractPoints(binary, pixelSize, opts.points)
		if err != nil {
			return 0, err
		}
		for _, p := range points {
			geoms = append(geoms, p)
		}
	default:
		polys, err := segmentation.ExtractPolygons(binary, pixelSize, opts.polygons)
		if err != nil {
			return 0, err
		}
		for _, p := range polys {
			geoms = append(geoms, p)
		}
	}

	fc := segmentation.Features(geoms, opts.params)
	if err := segmentation.WriteGeoJSON(outPath, fc); err != nil {
		return 0, err
	}
	return len(geoms), nil
}

// applyEdgeMask zeroes the binary map outside the eroded brain mask so
// edge artifacts of the classifier are dropped.
func applyEdgeMask(binary *image.Gray, maskDir, base string, pixelSize, erodeMicrons float64) error {
	maskPath := filepath.Join(maskDir, base+".tiff")
	pages, err := tiffio.DecodePages(maskPath)
	if err != nil {
		return fmt.Errorf("reading mask: %w", err)
	}
	if len(pages) == 0 {
		return fmt.Errorf("mask %s has no pages", maskPath)
	}
	mask, ok := pages[0].(*image.Gray)
	if !ok {
		mask = grayFromImage(pages[0])
	}

	if erodeMicrons > 0 {
		radius := int(math.Round(erodeMicrons / pixelSize))
		if radius > 0 {
			mask, err = imaging.ErodeMask(mask, radius)
			if err != nil {
				return err
			}
		}
	}

	b := binary.Bounds()
	mb := mask.Bounds()
	// Pad an undersized mask with background so shapes line up.
	offX := (b.Dx() - mb.Dx()) / 2
	offY := (b.Dy() - mb.Dy()) / 2
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			mx, my := x-offX, y-offY
			inside := mx >= 0 && my >= 0 && mx < mb.Dx() && my < mb.Dy() &&
				mask.GrayAt(mb.Min.X+mx, mb.Min.Y+my).Y > 0
			if !inside {
				binary.Pix[binary.PixOffset(b.Min.X+x, b.Min.Y+y)] = 0
			}
		}
	}
	return nil
}

// writeSegmentParameters records the run parameters next to the
// GeoJSON output. A parameters file from an earlier run makes the
// write fail unless the run allows overwriting.
func writeSegmentParameters(outDir string, opts segmentOptions) error {
	params := map[string]string{
		"threshold":  fmt.Sprintf("%g", opts.params.ProbaThreshold),
		"objectType": opts.params.ObjectType,
		"class":      opts.params.ClassName,
		"color": fmt.Sprintf("%d,%d,%d", opts.params.ClassColor[0],
			opts.params.ClassColor[1], opts.params.ClassColor[2]),
	}
	filters := map[string]string{}
	switch opts.kind {
	case kindLines:
		filters["minLength"] = fmt.Sprintf("%g", opts.lines.MinLengthMicrons)
	case kindPoints:
		filters["minArea"] = fmt.Sprintf("%g", opts.points.MinAreaMicrons)
		filters["maxArea"] = fmt.Sprintf("%g", opts.points.MaxAreaMicrons)
		filters["minEccentricity"] = fmt.Sprintf("%g", opts.points.MinEccentricity)
		filters["maxEccentricity"] = fmt.Sprintf("%g", opts.points.MaxEccentricity)
		filters["mergeDist"] = fmt.Sprintf("%g", opts.points.MergeDistanceMicrons)
	default:
		filters["minArea"] = fmt.Sprintf("%g", opts.polygons.MinAreaMicrons)
		filters["maxArea"] = fmt.Sprintf("%g", opts.polygons.MaxAreaMicrons)
		filters["minEccentricity"] = fmt.Sprintf("%g", opts.polygons.MinEccentricity)
		filters["maxEccentricity"] = fmt.Sprintf("%g", opts.polygons.MaxEccentricity)
	}
	if opts.erodeDist > 0 {
		filters["erode"] = fmt.Sprintf("%g", opts.erodeDist)
	}

	path := filepath.Join(outDir, "parameters"+opts.suffix+".txt")
	if opts.overwrite {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return segmentation.WriteParameters(path, params, filters)
}
