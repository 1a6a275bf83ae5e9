package render

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"github.com/mlardeux/histopipe/atlas"
)

// Scene holds what a turntable animation shows: the brain surface as a
// sparse point cloud and the detected cells. Each classification found
// among the cells gets its own sphere color.
type Scene struct {
	Surface []Point3
	Cells   []Point3

	SurfaceColor color.RGBA
	CellColor    color.RGBA
	ClassColors  map[string]color.RGBA

	center Point3
	radius float64
}

// cellPalette cycles through classification groups in the order they
// first appear in the detection file.
var cellPalette = []color.RGBA{
	{R: 255, G: 64, B: 32, A: 255},
	{R: 64, G: 160, B: 255, A: 255},
	{R: 80, G: 220, B: 100, A: 255},
	{R: 255, G: 200, B: 40, A: 255},
	{R: 200, G: 90, B: 255, A: 255},
	{R: 60, G: 220, B: 210, A: 255},
}

// FrameOptions controls turntable frame rendering.
type FrameOptions struct {
	Width  int
	Height int
	// Frames is the number of frames for a full rotation.
	Frames int
	// ElevationDeg tilts the camera above the horizontal plane.
	ElevationDeg float64
	// CellSize is the splat radius of a cell in pixels.
	CellSize int
}

// NewScene prepares a scene and precomputes its bounding sphere.
func NewScene(surface, cells []Point3) *Scene {
	s := &Scene{
		Surface:      surface,
		Cells:        cells,
		SurfaceColor: color.RGBA{R: 160, G: 160, B: 170, A: 255},
		CellColor:    cellPalette[0],
		ClassColors:  map[string]color.RGBA{},
	}
	for _, p := range cells {
		if p.Class == "" {
			continue
		}
		if _, ok := s.ClassColors[p.Class]; !ok {
			s.ClassColors[p.Class] = cellPalette[len(s.ClassColors)%len(cellPalette)]
		}
	}
	s.fit()
	return s
}

// cellColor returns the sphere color for a classification, falling
// back to CellColor for unclassified detections.
func (s *Scene) cellColor(class string) color.RGBA {
	if c, ok := s.ClassColors[class]; ok {
		return c
	}
	return s.CellColor
}

func (s *Scene) fit() {
	all := make([]Point3, 0, len(s.Surface)+len(s.Cells))
	all = append(all, s.Surface...)
	all = append(all, s.Cells...)
	if len(all) == 0 {
		s.radius = 1
		return
	}
	min := all[0]
	max := all[0]
	for _, p := range all {
		min.X = math.Min(min.X, p.X)
		min.Y = math.Min(min.Y, p.Y)
		min.Z = math.Min(min.Z, p.Z)
		max.X = math.Max(max.X, p.X)
		max.Y = math.Max(max.Y, p.Y)
		max.Z = math.Max(max.Z, p.Z)
	}
	s.center = Point3{
		X: (min.X + max.X) / 2,
		Y: (min.Y + max.Y) / 2,
		Z: (min.Z + max.Z) / 2,
	}
	s.radius = math.Max(max.X-min.X, math.Max(max.Y-min.Y, max.Z-min.Z)) / 2
	if s.radius == 0 {
		s.radius = 1
	}
}

// SurfaceFromAtlas samples the outer voxels of an annotation volume as
// a point cloud in microns. stride controls the sampling density.
func SurfaceFromAtlas(a *atlas.Atlas, stride int) []Point3 {
	if stride < 1 {
		stride = 1
	}
	inside := func(z, y, x int) bool {
		if z < 0 || y < 0 || x < 0 || z >= a.SizeZ || y >= a.SizeY || x >= a.SizeX {
			return false
		}
		return a.Annotation[z*a.SizeY*a.SizeX+y*a.SizeX+x] != 0
	}

	var pts []Point3
	for z := 0; z < a.SizeZ; z += stride {
		for y := 0; y < a.SizeY; y += stride {
			for x := 0; x < a.SizeX; x += stride {
				if !inside(z, y, x) {
					continue
				}
				// Keep only voxels on the volume surface.
				if inside(z-1, y, x) && inside(z+1, y, x) &&
					inside(z, y-1, x) && inside(z, y+1, x) &&
					inside(z, y, x-1) && inside(z, y, x+1) {
					continue
				}
				pts = append(pts, Point3{
					X: float64(x) * a.Meta.Resolution[2],
					Y: float64(y) * a.Meta.Resolution[1],
					Z: float64(z) * a.Meta.Resolution[0],
				})
			}
		}
	}
	return pts
}

// RenderFrame draws one orthographic view of the scene with the camera
// rotated frame/Frames of a full turn around the vertical axis.
func (s *Scene) RenderFrame(frame int, opts FrameOptions) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, opts.Width, opts.Height))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}

	azimuth := 2 * math.Pi * float64(frame) / float64(opts.Frames)
	elevation := opts.ElevationDeg * math.Pi / 180

	// Orthographic scale: the bounding sphere fills 90% of the frame.
	half := float64(minInt(opts.Width, opts.Height)) / 2
	scale := half * 0.9 / s.radius

	project := func(p Point3) (int, int, float64) {
		x := p.X - s.center.X
		y := p.Y - s.center.Y
		z := p.Z - s.center.Z

		// Rotate around the vertical (y) axis, then tilt.
		rx := x*math.Cos(azimuth) + z*math.Sin(azimuth)
		rz := -x*math.Sin(azimuth) + z*math.Cos(azimuth)
		ry := y*math.Cos(elevation) - rz*math.Sin(elevation)
		depth := y*math.Sin(elevation) + rz*math.Cos(elevation)

		px := opts.Width/2 + int(rx*scale)
		py := opts.Height/2 + int(ry*scale)
		return px, py, depth
	}

	for _, p := range s.Surface {
		px, py, _ := project(p)
		blendPixel(img, px, py, s.SurfaceColor, 0.35)
	}

	r := opts.CellSize
	if r < 1 {
		r = 1
	}
	for _, p := range s.Cells {
		px, py, _ := project(p)
		c := s.cellColor(p.Class)
		for dy := -r; dy <= r; dy++ {
			for dx := -r; dx <= r; dx++ {
				if dx*dx+dy*dy <= r*r {
					blendPixel(img, px+dx, py+dy, c, 1)
				}
			}
		}
	}
	return img
}

// WriteFrames renders a full rotation into numbered PNG files
// (frame_0001.png ...) inside dir and returns the file pattern ffmpeg
// expects.
func (s *Scene) WriteFrames(dir string, opts FrameOptions) (string, error) {
	if opts.Frames < 1 {
		return "", fmt.Errorf("frame count must be positive, got %d", opts.Frames)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	for i := 0; i < opts.Frames; i++ {
		img := s.RenderFrame(i, opts)
		path := filepath.Join(dir, fmt.Sprintf("frame_%04d.png", i+1))
		if err := writePNG(path, img); err != nil {
			return "", err
		}
	}
	return filepath.Join(dir, "frame_%04d.png"), nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func blendPixel(img *image.RGBA, x, y int, c color.RGBA, alpha float64) {
	b := img.Bounds()
	if x < b.Min.X || y < b.Min.Y || x >= b.Max.X || y >= b.Max.Y {
		return
	}
	old := img.RGBAAt(x, y)
	mix := func(o, n uint8) uint8 {
		return uint8(float64(o)*(1-alpha) + float64(n)*alpha)
	}
	img.SetRGBA(x, y, color.RGBA{
		R: mix(old.R, c.R),
		G: mix(old.G, c.G),
		B: mix(old.B, c.B),
		A: 255,
	})
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
