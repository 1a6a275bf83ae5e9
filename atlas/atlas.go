// Package atlas loads BrainGlobe-style reference atlases and derives
// structure outlines from their annotation volumes.
package atlas

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mlardeux/histopipe/tiffio"
)

// Metadata mirrors a BrainGlobe atlas metadata.json.
type Metadata struct {
	Name        string     `json:"name"`
	Citation    string     `json:"citation"`
	Atlas       string     `json:"atlas_link"`
	Species     string     `json:"species"`
	Symmetric   bool       `json:"symmetric"`
	Resolution  [3]float64 `json:"resolution"` // microns per voxel, zyx
	Orientation string     `json:"orientation"`
	Shape       [3]int     `json:"shape"` // voxels, zyx
}

// Structure is one region of the atlas hierarchy.
type Structure struct {
	Acronym string `json:"acronym"`
	ID      uint32 `json:"id"`
	Name    string `json:"name"`
	IDPath  []int  `json:"structure_id_path"`
	RGB     [3]int `json:"rgb_triplet"`
}

// Atlas is an annotation volume with its structure hierarchy.
type Atlas struct {
	Meta       Metadata
	Structures []Structure

	// Annotation holds the structure ID of every voxel in zyx order:
	// Annotation[z*SizeY*SizeX + y*SizeX + x].
	Annotation []uint32
	SizeZ      int
	SizeY      int
	SizeX      int

	byAcronym map[string]*Structure
}

// Load reads an extracted atlas directory containing metadata.json,
// structures.json and annotation.tiff.
func Load(dir string) (*Atlas, error) {
	a := &Atlas{}

	metaData, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return nil, fmt.Errorf("reading atlas metadata: %w", err)
	}
	if err := json.Unmarshal(metaData, &a.Meta); err != nil {
		return nil, fmt.Errorf("parsing atlas metadata: %w", err)
	}

	structData, err := os.ReadFile(filepath.Join(dir, "structures.json"))
	if err != nil {
		return nil, fmt.Errorf("reading atlas structures: %w", err)
	}
	if err := json.Unmarshal(structData, &a.Structures); err != nil {
		return nil, fmt.Errorf("parsing atlas structures: %w", err)
	}

	pages, err := tiffio.DecodePages(filepath.Join(dir, "annotation.tiff"))
	if err != nil {
		return nil, fmt.Errorf("reading annotation volume: %w", err)
	}
	if err := a.setAnnotation(pages); err != nil {
		return nil, err
	}

	a.index()
	return a, nil
}

func (a *Atlas) setAnnotation(pages []image.Image) error {
	if len(pages) == 0 {
		return fmt.Errorf("annotation volume has no slices")
	}
	b := pages[0].Bounds()
	a.SizeZ = len(pages)
	a.SizeY = b.Dy()
	a.SizeX = b.Dx()
	a.Annotation = make([]uint32, a.SizeZ*a.SizeY*a.SizeX)

	for z, page := range pages {
		pb := page.Bounds()
		if pb.Dx() != a.SizeX || pb.Dy() != a.SizeY {
			return fmt.Errorf("annotation slice %d is %dx%d, slice 0 is %dx%d",
				z, pb.Dx(), pb.Dy(), a.SizeX, a.SizeY)
		}
		// Structure IDs are raw integer samples. Reading through the
		// color model would rescale 8-bit labels and clip IDs above
		// 65535, so each pixel format is read directly.
		out := a.Annotation[z*a.SizeY*a.SizeX:]
		if err := readLabelPlane(page, out, a.SizeX, a.SizeY); err != nil {
			return fmt.Errorf("annotation slice %d: %w", z, err)
		}
	}
	return nil
}

func readLabelPlane(page image.Image, out []uint32, w, h int) error {
	b := page.Bounds()
	switch img := page.(type) {
	case *image.Gray:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out[y*w+x] = uint32(img.Pix[img.PixOffset(b.Min.X+x, b.Min.Y+y)])
			}
		}
	case *image.Gray16:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := img.PixOffset(b.Min.X+x, b.Min.Y+y)
				out[y*w+x] = uint32(img.Pix[i])<<8 | uint32(img.Pix[i+1])
			}
		}
	default:
		// Anything else would need a lossy conversion, which silently
		// corrupts structure IDs. Refuse instead.
		return fmt.Errorf("unsupported label pixel format %T", page)
	}
	return nil
}

func (a *Atlas) index() {
	a.byAcronym = make(map[string]*Structure, len(a.Structures))
	for i := range a.Structures {
		a.byAcronym[a.Structures[i].Acronym] = &a.Structures[i]
	}
}

// Structure returns the structure with the given acronym.
func (a *Atlas) Structure(acronym string) (*Structure, error) {
	s, ok := a.byAcronym[acronym]
	if !ok {
		return nil, fmt.Errorf("atlas %s has no structure %q", a.Meta.Name, acronym)
	}
	return s, nil
}

// DescendantIDs returns the IDs of a structure and every structure
// below it in the hierarchy.
func (a *Atlas) DescendantIDs(acronym string) ([]uint32, error) {
	root, err := a.Structure(acronym)
	if err != nil {
		return nil, err
	}
	rootID := int(root.ID)

	var ids []uint32
	for i := range a.Structures {
		for _, p := range a.Structures[i].IDPath {
			if p == rootID {
				ids = append(ids, a.Structures[i].ID)
				break
			}
		}
	}
	if len(ids) == 0 {
		ids = []uint32{root.ID}
	}
	return ids, nil
}

// Axis selects a projection direction through the volume.
type Axis int

const (
	AxisZ Axis = iota // frontal
	AxisY             // horizontal
	AxisX             // sagittal
)

func (ax Axis) String() string {
	switch ax {
	case AxisZ:
		return "frontal"
	case AxisY:
		return "horizontal"
	case AxisX:
		return "sagittal"
	default:
		return "axis" + strconv.Itoa(int(ax))
	}
}

// ParseAxis accepts an axis by projection name or zyx letter.
func ParseAxis(s string) (Axis, error) {
	switch strings.ToLower(s) {
	case "frontal", "z":
		return AxisZ, nil
	case "horizontal", "y":
		return AxisY, nil
	case "sagittal", "x":
		return AxisX, nil
	}
	return 0, fmt.Errorf("unknown projection axis %q", s)
}

// ProjectMask flattens the voxels matching any of the given structure
// IDs along an axis into a binary image.
func (a *Atlas) ProjectMask(ids []uint32, ax Axis) *image.Gray {
	idSet := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}

	var w, h int
	switch ax {
	case AxisZ:
		w, h = a.SizeX, a.SizeY
	case AxisY:
		w, h = a.SizeX, a.SizeZ
	case AxisX:
		w, h = a.SizeY, a.SizeZ
	}
	out := image.NewGray(image.Rect(0, 0, w, h))

	for z := 0; z < a.SizeZ; z++ {
		for y := 0; y < a.SizeY; y++ {
			row := a.Annotation[z*a.SizeY*a.SizeX+y*a.SizeX:]
			for x := 0; x < a.SizeX; x++ {
				if _, ok := idSet[row[x]]; !ok {
					continue
				}
				switch ax {
				case AxisZ:
					out.Pix[y*w+x] = 255
				case AxisY:
					out.Pix[z*w+x] = 255
				case AxisX:
					out.Pix[z*w+y] = 255
				}
			}
		}
	}
	return out
}
