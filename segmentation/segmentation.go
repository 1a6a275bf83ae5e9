// Package segmentation turns pixel-classifier probability maps into
// QuPath-importable GeoJSON objects: polygons for regions, points for
// cell positions, lines for fibers.
package segmentation

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"gocv.io/x/gocv"
)

// Params describes how extracted geometry is labelled for QuPath.
type Params struct {
	// ProbaThreshold is the probability above which a pixel counts as
	// positive, in [0, 1].
	ProbaThreshold float64
	// PixelSizeMicrons converts pixel measurements to physical units
	// for the area and length filters. Coordinates stay in pixels.
	PixelSizeMicrons float64
	// ObjectType is a QuPath object type, "annotation" or "detection".
	ObjectType string
	ClassName  string
	ClassColor [3]uint8
	Locked     bool
}

// PolygonFilters drops regions by physical size and shape.
type PolygonFilters struct {
	MinAreaMicrons  float64 // square microns
	MaxAreaMicrons  float64 // square microns, zero for no upper bound
	MinEccentricity float64 // zero to keep round shapes
	MaxEccentricity float64 // zero to keep all shapes
}

// PointFilters drops and merges detected points. The area and
// eccentricity bounds apply to the region each point stands for.
type PointFilters struct {
	MinAreaMicrons       float64 // square microns
	MaxAreaMicrons       float64 // square microns, zero for no upper bound
	MinEccentricity      float64
	MaxEccentricity      float64
	MergeDistanceMicrons float64 // points closer than this collapse to one
}

// LineFilters drops traced lines by physical length.
type LineFilters struct {
	MinLengthMicrons float64
}

// Threshold binarizes a probability map. Pixels at or above
// probaThreshold of full scale become 255.
func Threshold(proba *image.Gray, probaThreshold float64) *image.Gray {
	level := uint8(math.Round(probaThreshold * 255))
	b := proba.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			if proba.GrayAt(b.Min.X+x, b.Min.Y+y).Y >= level {
				out.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return out
}

// ExtractPolygons finds the filled regions of a binary image as
// polygons in pixel coordinates, filtered by area and eccentricity.
func ExtractPolygons(binary *image.Gray, pixelSizeMicrons float64, f PolygonFilters) ([]orb.Polygon, error) {
	contours, err := findContours(binary)
	if err != nil {
		return nil, err
	}
	defer contours.Close()

	area2 := pixelSizeMicrons * pixelSizeMicrons
	var out []orb.Polygon
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		area := gocv.ContourArea(c) * area2
		if area < f.MinAreaMicrons {
			continue
		}
		if f.MaxAreaMicrons > 0 && area > f.MaxAreaMicrons {
			continue
		}
		if f.MinEccentricity > 0 || f.MaxEccentricity > 0 {
			b := binary.Bounds()
			ecc := contourEccentricity(c, b.Dy(), b.Dx())
			if ecc < f.MinEccentricity {
				continue
			}
			if f.MaxEccentricity > 0 && ecc > f.MaxEccentricity {
				continue
			}
		}
		out = append(out, contourPolygon(c))
	}
	return out, nil
}

// ExtractPoints finds region centroids as points in pixel coordinates,
// dropping small regions and merging nearby centroids.
func ExtractPoints(binary *image.Gray, pixelSizeMicrons float64, f PointFilters) ([]orb.Point, error) {
	contours, err := findContours(binary)
	if err != nil {
		return nil, err
	}
	defer contours.Close()

	area2 := pixelSizeMicrons * pixelSizeMicrons
	var pts []orb.Point
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		area := gocv.ContourArea(c) * area2
		if area < f.MinAreaMicrons {
			continue
		}
		if f.MaxAreaMicrons > 0 && area > f.MaxAreaMicrons {
			continue
		}
		if f.MinEccentricity > 0 || f.MaxEccentricity > 0 {
			b := binary.Bounds()
			ecc := contourEccentricity(c, b.Dy(), b.Dx())
			if ecc < f.MinEccentricity {
				continue
			}
			if f.MaxEccentricity > 0 && ecc > f.MaxEccentricity {
				continue
			}
		}
		pts = append(pts, contourCentroid(c))
	}
	if f.MergeDistanceMicrons > 0 && pixelSizeMicrons > 0 {
		pts = MergePoints(pts, f.MergeDistanceMicrons/pixelSizeMicrons)
	}
	return pts, nil
}

// ExtractLines skeletonizes a binary image and traces the skeleton
// branches as line strings in pixel coordinates, filtered by length.
func ExtractLines(binary *image.Gray, pixelSizeMicrons float64, f LineFilters) ([]orb.LineString, error) {
	b := binary.Bounds()
	src, err := gocv.NewMatFromBytes(b.Dy(), b.Dx(), gocv.MatTypeCV8UC1, binary.Pix)
	if err != nil {
		return nil, fmt.Errorf("wrapping binary image: %w", err)
	}
	defer src.Close()

	skel := skeletonize(src)
	defer skel.Close()

	lines := TraceSkeleton(skel.ToBytes(), b.Dx(), b.Dy())

	var out []orb.LineString
	for _, line := range lines {
		if LineLength(line)*pixelSizeMicrons >= f.MinLengthMicrons {
			out = append(out, line)
		}
	}
	return out, nil
}

// skeletonize thins a binary image to single-pixel-wide lines by
// iterated morphological erosion, keeping at each step the pixels the
// opening would remove.
func skeletonize(binary gocv.Mat) gocv.Mat {
	element := gocv.GetStructuringElement(gocv.MorphCross, image.Point{X: 3, Y: 3})
	defer element.Close()

	working := gocv.NewMat()
	binary.CopyTo(&working)
	defer working.Close()

	skeleton := gocv.NewMatWithSize(binary.Rows(), binary.Cols(), gocv.MatTypeCV8UC1)

	temp := gocv.NewMat()
	defer temp.Close()
	inverted := gocv.NewMat()
	defer inverted.Close()
	partial := gocv.NewMat()
	defer partial.Close()

	for i := 0; i < 200; i++ {
		gocv.MorphologyEx(working, &temp, gocv.MorphOpen, element)
		gocv.BitwiseNot(temp, &inverted)
		gocv.BitwiseAnd(working, inverted, &partial)
		gocv.BitwiseOr(skeleton, partial, &skeleton)
		gocv.MorphologyEx(working, &working, gocv.MorphErode, element)

		if gocv.CountNonZero(working) == 0 {
			break
		}
	}
	return skeleton
}

func findContours(binary *image.Gray) (gocv.PointsVector, error) {
	b := binary.Bounds()
	src, err := gocv.NewMatFromBytes(b.Dy(), b.Dx(), gocv.MatTypeCV8UC1, binary.Pix)
	if err != nil {
		return gocv.PointsVector{}, fmt.Errorf("wrapping binary image: %w", err)
	}
	defer src.Close()
	return gocv.FindContours(src, gocv.RetrievalExternal, gocv.ChainApproxSimple), nil
}

// contourEccentricity rasterizes a single contour and computes the
// eccentricity of the filled region from its central moments.
func contourEccentricity(c gocv.PointVector, rows, cols int) float64 {
	mask := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV8UC1)
	defer mask.Close()

	pv := gocv.NewPointsVector()
	defer pv.Close()
	pv.Append(c)
	gocv.DrawContours(&mask, pv, 0, color.RGBA{R: 255, G: 255, B: 255, A: 255}, -1)

	m := gocv.Moments(mask, true)
	return Eccentricity(m["mu20"], m["mu02"], m["mu11"])
}

func contourPolygon(c gocv.PointVector) orb.Polygon {
	ring := make(orb.Ring, 0, c.Size()+1)
	for i := 0; i < c.Size(); i++ {
		p := c.At(i)
		ring = append(ring, orb.Point{float64(p.X), float64(p.Y)})
	}
	if len(ring) > 0 && ring[0] != ring[len(ring)-1] {
		ring = append(ring, ring[0])
	}
	return orb.Polygon{ring}
}

func contourCentroid(c gocv.PointVector) orb.Point {
	pts := make([]orb.Point, c.Size())
	for i := 0; i < c.Size(); i++ {
		p := c.At(i)
		pts[i] = orb.Point{float64(p.X), float64(p.Y)}
	}
	return RingCentroid(pts)
}

// RingCentroid returns the area-weighted centroid of a closed ring of
// vertices. Degenerate rings with no enclosed area fall back to the
// vertex mean, so single pixels and straight runs still get a center.
func RingCentroid(pts []orb.Point) orb.Point {
	n := len(pts)
	if n == 0 {
		return orb.Point{}
	}
	var a, cx, cy float64
	for i := 0; i < n; i++ {
		p := pts[i]
		q := pts[(i+1)%n]
		cross := p[0]*q[1] - q[0]*p[1]
		a += cross
		cx += (p[0] + q[0]) * cross
		cy += (p[1] + q[1]) * cross
	}
	if a == 0 {
		var sx, sy float64
		for _, p := range pts {
			sx += p[0]
			sy += p[1]
		}
		return orb.Point{sx / float64(n), sy / float64(n)}
	}
	return orb.Point{cx / (3 * a), cy / (3 * a)}
}

// Eccentricity computes the eccentricity of the ellipse with the same
// second-order central moments as a region: 0 for a circle, towards 1
// for elongated shapes.
func Eccentricity(mu20, mu02, mu11 float64) float64 {
	common := math.Sqrt(4*mu11*mu11 + (mu20-mu02)*(mu20-mu02))
	l1 := (mu20 + mu02 + common) / 2
	l2 := (mu20 + mu02 - common) / 2
	if l1 <= 0 {
		return 0
	}
	return math.Sqrt(1 - l2/l1)
}

// MergePoints collapses clusters of points closer than dist pixels to
// their centroid, one pass in input order.
func MergePoints(pts []orb.Point, dist float64) []orb.Point {
	if dist <= 0 || len(pts) < 2 {
		return pts
	}
	used := make([]bool, len(pts))
	var out []orb.Point
	for i := range pts {
		if used[i] {
			continue
		}
		sx, sy := pts[i][0], pts[i][1]
		n := 1
		for j := i + 1; j < len(pts); j++ {
			if used[j] {
				continue
			}
			dx, dy := pts[j][0]-pts[i][0], pts[j][1]-pts[i][1]
			if math.Hypot(dx, dy) <= dist {
				used[j] = true
				sx += pts[j][0]
				sy += pts[j][1]
				n++
			}
		}
		out = append(out, orb.Point{sx / float64(n), sy / float64(n)})
	}
	return out
}

// LineLength returns the length of a line string in pixels.
func LineLength(line orb.LineString) float64 {
	var total float64
	for i := 1; i < len(line); i++ {
		total += math.Hypot(line[i][0]-line[i-1][0], line[i][1]-line[i-1][1])
	}
	return total
}

// Features wraps geometries as QuPath-importable GeoJSON features with
// the object type, classification name and color set.
func Features(geoms []orb.Geometry, p Params) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, g := range geoms {
		f := geojson.NewFeature(g)
		f.Properties = geojson.Properties{
			"objectType": p.ObjectType,
			"classification": map[string]interface{}{
				"name":  p.ClassName,
				"color": []int{int(p.ClassColor[0]), int(p.ClassColor[1]), int(p.ClassColor[2])},
			},
			"isLocked": p.Locked,
		}
		fc.Append(f)
	}
	return fc
}

// WriteGeoJSON writes a feature collection to disk.
func WriteGeoJSON(path string, fc *geojson.FeatureCollection) error {
	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
