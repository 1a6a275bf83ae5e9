// Package render builds turntable animations of a brain volume and its
// detected cells: frames are rendered to PNG and assembled into a
// video by ffmpeg.
package render

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Point3 is a position in atlas space, in microns. Class carries the
// detection's classification; surface points leave it empty.
type Point3 struct {
	X     float64
	Y     float64
	Z     float64
	Class string
}

// ParseDetections reads a tab-separated detection export and returns
// the cell positions in microns. Registered exports carry Atlas_X/Y/Z
// columns in millimeters; QuPath centroid exports ("Centroid X µm")
// are accepted as well. A Classification column, when present, is kept
// on each point.
func ParseDetections(path string) ([]Point3, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = '\t'
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading detection header: %w", err)
	}
	xi, yi, zi, atlasMM := findCoordColumns(header)
	if xi < 0 || yi < 0 || zi < 0 {
		return nil, fmt.Errorf("%s: no x/y/z columns in header %v", path, header)
	}
	ci := findClassColumn(header)

	// Atlas coordinates are exported in millimeters.
	scale := 1.0
	if atlasMM {
		scale = 1000
	}

	var pts []Point3
	line := 1
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		line++
		if len(rec) <= xi || len(rec) <= yi || len(rec) <= zi {
			continue
		}
		x, errX := strconv.ParseFloat(rec[xi], 64)
		y, errY := strconv.ParseFloat(rec[yi], 64)
		z, errZ := strconv.ParseFloat(rec[zi], 64)
		if errX != nil || errY != nil || errZ != nil {
			return nil, fmt.Errorf("%s line %d: bad coordinate in %v", path, line, rec)
		}
		p := Point3{X: x * scale, Y: y * scale, Z: z * scale}
		if ci >= 0 && len(rec) > ci {
			p.Class = strings.TrimSpace(rec[ci])
		}
		pts = append(pts, p)
	}
	if len(pts) == 0 {
		return nil, fmt.Errorf("%s contains no detections", path)
	}
	return pts, nil
}

// findCoordColumns locates x, y and z columns by name. Atlas_X style
// headers take precedence; atlasMM reports whether they were used, in
// which case values are millimeters. Otherwise a column matches when
// its lowercased name is the bare letter or starts with
// "centroid <letter>" or "position <letter>".
func findCoordColumns(header []string) (x, y, z int, atlasMM bool) {
	x, y, z = -1, -1, -1
	ax, ay, az := -1, -1, -1
	for i, name := range header {
		n := strings.ToLower(strings.TrimSpace(name))
		switch n {
		case "atlas_x":
			ax = i
		case "atlas_y":
			ay = i
		case "atlas_z":
			az = i
		}
		switch {
		case matchesCoord(n, "x"):
			if x < 0 {
				x = i
			}
		case matchesCoord(n, "y"):
			if y < 0 {
				y = i
			}
		case matchesCoord(n, "z"):
			if z < 0 {
				z = i
			}
		}
	}
	if ax >= 0 && ay >= 0 && az >= 0 {
		return ax, ay, az, true
	}
	return x, y, z, false
}

// findClassColumn locates the Classification column, if any.
func findClassColumn(header []string) int {
	for i, name := range header {
		n := strings.ToLower(strings.TrimSpace(name))
		if n == "classification" || n == "class" {
			return i
		}
	}
	return -1
}

func matchesCoord(name, letter string) bool {
	if name == letter {
		return true
	}
	for _, prefix := range []string{"centroid ", "position "} {
		if strings.HasPrefix(name, prefix+letter) {
			return true
		}
	}
	return false
}
