package atlas

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"time"

	"gocv.io/x/gocv"
)

// Outline is the traced boundary of one structure projected along one
// axis. Coordinates are microns; the frontal view is mirrored so left
// is left when looking at the face.
type Outline struct {
	Structure string         `json:"structure"`
	Axis      string         `json:"axis"`
	Color     [3]int         `json:"color"`
	Paths     [][][2]float64 `json:"paths"`
	Width     float64        `json:"width"`
	Height    float64        `json:"height"`
}

// OutlineSet is the on-disk collection of outlines for one atlas,
// stored as gzipped JSON.
type OutlineSet struct {
	Atlas             string     `json:"atlas"`
	ResolutionMicrons [3]float64 `json:"resolution_microns"`
	CreatedAt         time.Time  `json:"created_at"`
	Outlines          []Outline  `json:"outlines"`
}

// StructureOutline projects a structure (with its descendants) along
// an axis and traces the boundary of the projection.
func (a *Atlas) StructureOutline(acronym string, ax Axis) (Outline, error) {
	s, err := a.Structure(acronym)
	if err != nil {
		return Outline{}, err
	}
	ids, err := a.DescendantIDs(acronym)
	if err != nil {
		return Outline{}, err
	}

	mask := a.ProjectMask(ids, ax)
	pixPaths, err := maskOutlinePaths(mask)
	if err != nil {
		return Outline{}, fmt.Errorf("structure %s axis %s: %w", acronym, ax, err)
	}

	// Resolution is stored zyx; pick the in-plane components of the
	// projection. The frontal view is mirrored left/right.
	res := a.Meta.Resolution
	var resX, resY float64
	flip := false
	switch ax {
	case AxisZ:
		resX, resY = res[2], res[1]
		flip = true
	case AxisY:
		resX, resY = res[2], res[0]
	case AxisX:
		resX, resY = res[1], res[0]
	}

	b := mask.Bounds()
	return Outline{
		Structure: acronym,
		Axis:      ax.String(),
		Color:     s.RGB,
		Paths:     scalePaths(pixPaths, b.Dx(), resX, resY, flip),
		Width:     float64(b.Dx()) * resX,
		Height:    float64(b.Dy()) * resY,
	}, nil
}

// scalePaths converts pixel paths to microns, optionally mirroring the
// x coordinate across a width-pixel-wide projection.
func scalePaths(paths [][][2]int, width int, resX, resY float64, flip bool) [][][2]float64 {
	out := make([][][2]float64, len(paths))
	for i, path := range paths {
		out[i] = make([][2]float64, len(path))
		for j, p := range path {
			x := p[0]
			if flip {
				x = width - 1 - x
			}
			out[i][j] = [2]float64{float64(x) * resX, float64(p[1]) * resY}
		}
	}
	return out
}

// maskOutlinePaths traces every external boundary of a binary mask.
func maskOutlinePaths(mask *image.Gray) ([][][2]int, error) {
	b := mask.Bounds()
	src, err := gocv.NewMatFromBytes(b.Dy(), b.Dx(), gocv.MatTypeCV8UC1, mask.Pix)
	if err != nil {
		return nil, fmt.Errorf("wrapping projection mask: %w", err)
	}
	defer src.Close()

	contours := gocv.FindContours(src, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()
	if contours.Size() == 0 {
		return nil, fmt.Errorf("projection is empty")
	}

	paths := make([][][2]int, 0, contours.Size())
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		path := make([][2]int, 0, c.Size())
		for j := 0; j < c.Size(); j++ {
			p := c.At(j)
			path = append(path, [2]int{p.X, p.Y})
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// WriteOutlines stores an outline set as gzipped JSON.
func WriteOutlines(path string, set *OutlineSet) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := gzip.NewWriter(f)
	if err := json.NewEncoder(zw).Encode(set); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return f.Close()
}

// ReadOutlines loads an outline set written by WriteOutlines.
func ReadOutlines(path string) (*OutlineSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s is not gzipped: %w", path, err)
	}
	defer zr.Close()

	var set OutlineSet
	if err := json.NewDecoder(zr).Decode(&set); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return &set, nil
}
