package segmentation

import (
	"encoding/json"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

func TestThreshold(t *testing.T) {
	proba := image.NewGray(image.Rect(0, 0, 4, 1))
	proba.SetGray(0, 0, color.Gray{Y: 0})
	proba.SetGray(1, 0, color.Gray{Y: 127})
	proba.SetGray(2, 0, color.Gray{Y: 128})
	proba.SetGray(3, 0, color.Gray{Y: 255})

	bin := Threshold(proba, 0.5)
	want := []uint8{0, 0, 255, 255}
	for x, w := range want {
		if got := bin.GrayAt(x, 0).Y; got != w {
			t.Errorf("pixel %d = %d, want %d", x, got, w)
		}
	}
}

func TestEccentricity(t *testing.T) {
	// A circle has equal second moments and no cross term.
	if e := Eccentricity(10, 10, 0); e != 0 {
		t.Errorf("circle eccentricity = %g, want 0", e)
	}
	// A long thin shape approaches 1.
	if e := Eccentricity(100, 1, 0); e < 0.99 {
		t.Errorf("elongated eccentricity = %g, want near 1", e)
	}
	// Degenerate moments must not blow up.
	if e := Eccentricity(0, 0, 0); e != 0 {
		t.Errorf("degenerate eccentricity = %g, want 0", e)
	}
}

func TestMergePoints(t *testing.T) {
	pts := []orb.Point{{0, 0}, {1, 0}, {10, 10}, {10.5, 10}}
	merged := MergePoints(pts, 2)
	if len(merged) != 2 {
		t.Fatalf("merged to %d points, want 2", len(merged))
	}
	if math.Abs(merged[0][0]-0.5) > 1e-9 || merged[0][1] != 0 {
		t.Errorf("first cluster centroid = %v, want (0.5, 0)", merged[0])
	}
	if math.Abs(merged[1][0]-10.25) > 1e-9 {
		t.Errorf("second cluster centroid = %v, want (10.25, 10)", merged[1])
	}

	// Zero distance disables merging.
	if got := MergePoints(pts, 0); len(got) != 4 {
		t.Errorf("merge with zero distance dropped points: %v", got)
	}
}

func TestRingCentroid(t *testing.T) {
	// An L-shaped ring: the vertex mean sits away from the area
	// centroid, which weights the fat lower arm.
	ring := []orb.Point{
		{0, 0}, {4, 0}, {4, 2}, {1, 2}, {1, 4}, {0, 4},
	}
	c := RingCentroid(ring)
	// Area centroid of the L (4x2 arm plus 1x2 arm above it).
	wantX := (8*2.0 + 2*0.5) / 10
	wantY := (8*1.0 + 2*3.0) / 10
	if math.Abs(c[0]-wantX) > 1e-9 || math.Abs(c[1]-wantY) > 1e-9 {
		t.Errorf("centroid = %v, want (%g, %g)", c, wantX, wantY)
	}

	// A collinear ring has no area and falls back to the vertex mean.
	line := RingCentroid([]orb.Point{{0, 0}, {2, 0}, {4, 0}})
	if line[0] != 2 || line[1] != 0 {
		t.Errorf("degenerate centroid = %v, want (2, 0)", line)
	}

	if got := RingCentroid(nil); got != (orb.Point{}) {
		t.Errorf("empty ring centroid = %v", got)
	}
}

func TestLineLength(t *testing.T) {
	line := orb.LineString{{0, 0}, {3, 4}, {3, 10}}
	if got := LineLength(line); math.Abs(got-11) > 1e-9 {
		t.Errorf("length = %g, want 11", got)
	}
	if LineLength(orb.LineString{{5, 5}}) != 0 {
		t.Error("single-point line should have zero length")
	}
}

func TestTraceSkeletonStraightLine(t *testing.T) {
	w, h := 10, 5
	pix := make([]byte, w*h)
	for x := 2; x <= 7; x++ {
		pix[2*w+x] = 255
	}

	lines := TraceSkeleton(pix, w, h)
	if len(lines) != 1 {
		t.Fatalf("traced %d lines, want 1", len(lines))
	}
	if len(lines[0]) != 6 {
		t.Errorf("line has %d points, want 6", len(lines[0]))
	}
	if math.Abs(LineLength(lines[0])-5) > 1e-9 {
		t.Errorf("line length = %g, want 5", LineLength(lines[0]))
	}
}

func TestTraceSkeletonBranches(t *testing.T) {
	// A T shape: horizontal bar with a stem from its middle.
	w, h := 11, 8
	pix := make([]byte, w*h)
	for x := 1; x <= 9; x++ {
		pix[1*w+x] = 255
	}
	for y := 2; y <= 6; y++ {
		pix[y*w+5] = 255
	}

	lines := TraceSkeleton(pix, w, h)
	if len(lines) < 2 {
		t.Fatalf("traced %d lines from a T shape, want at least 2", len(lines))
	}

	// Every skeleton pixel is covered exactly once.
	covered := map[[2]int]int{}
	for _, line := range lines {
		for _, p := range line {
			covered[[2]int{int(p[0]), int(p[1])}]++
		}
	}
	for i, v := range pix {
		if v > 0 {
			pt := [2]int{i % w, i / w}
			if covered[pt] != 1 {
				t.Errorf("skeleton pixel %v covered %d times, want exactly once", pt, covered[pt])
			}
		}
	}
}

func TestTraceSkeletonLoop(t *testing.T) {
	// A 4x4 square ring has no endpoints.
	w, h := 8, 8
	pix := make([]byte, w*h)
	for i := 2; i <= 5; i++ {
		pix[2*w+i] = 255
		pix[5*w+i] = 255
		pix[i*w+2] = 255
		pix[i*w+5] = 255
	}

	lines := TraceSkeleton(pix, w, h)
	if len(lines) == 0 {
		t.Fatal("loop produced no lines")
	}
	points := 0
	for _, line := range lines {
		points += len(line)
	}
	if points != 12 {
		t.Errorf("covered %d points, want all 12 ring pixels", points)
	}
}

func TestFeatures(t *testing.T) {
	geoms := []orb.Geometry{
		orb.Point{10, 20},
		orb.Polygon{{{0, 0}, {4, 0}, {4, 4}, {0, 0}}},
	}
	fc := Features(geoms, Params{
		ObjectType: "detection",
		ClassName:  "cFos",
		ClassColor: [3]uint8{255, 0, 0},
		Locked:     true,
	})
	if len(fc.Features) != 2 {
		t.Fatalf("features = %d, want 2", len(fc.Features))
	}

	data, err := json.Marshal(fc)
	if err != nil {
		t.Fatalf("marshalling feature collection: %v", err)
	}
	parsed, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		t.Fatalf("unmarshalling feature collection: %v", err)
	}

	props := parsed.Features[0].Properties
	if props.MustString("objectType") != "detection" {
		t.Errorf("objectType = %v", props["objectType"])
	}
	if props.MustBool("isLocked") != true {
		t.Errorf("isLocked = %v", props["isLocked"])
	}
	cls, ok := props["classification"].(map[string]interface{})
	if !ok {
		t.Fatalf("classification = %T", props["classification"])
	}
	if cls["name"] != "cFos" {
		t.Errorf("class name = %v", cls["name"])
	}
}

func TestWriteGeoJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "detections.geojson")
	fc := Features([]orb.Geometry{orb.Point{1, 2}}, Params{ObjectType: "annotation"})
	if err := WriteGeoJSON(path, fc); err != nil {
		t.Fatalf("WriteGeoJSON failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if !strings.Contains(string(data), `"FeatureCollection"`) {
		t.Error("output is not a feature collection")
	}
}

func TestWriteParameters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parameters.txt")
	params := map[string]string{
		"proba_threshold": "0.6",
		"object_type":     "detection",
	}
	filters := map[string]string{"min_area": "25"}

	if err := WriteParameters(path, params, filters); err != nil {
		t.Fatalf("WriteParameters failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, "proba_threshold = 0.6") {
		t.Errorf("missing parameter line in:\n%s", text)
	}
	if !strings.Contains(text, "[filters]") || !strings.Contains(text, "min_area = 25") {
		t.Errorf("missing filters section in:\n%s", text)
	}

	// Parameter files document an existing run and must not be clobbered.
	if err := WriteParameters(path, params, nil); err == nil {
		t.Error("expected error when the parameter file already exists")
	}
}
