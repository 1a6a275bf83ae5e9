package render

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestParseDetections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "detections.tsv")
	content := "Image\tCentroid X µm\tCentroid Y µm\tCentroid Z µm\tClass\n" +
		"exp01_s001\t100.5\t200.25\t50\tcFos\n" +
		"exp01_s001\t300\t400\t50\tcFos\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	pts, err := ParseDetections(path)
	if err != nil {
		t.Fatalf("ParseDetections failed: %v", err)
	}
	if len(pts) != 2 {
		t.Fatalf("parsed %d points, want 2", len(pts))
	}
	if pts[0].X != 100.5 || pts[0].Y != 200.25 || pts[0].Z != 50 {
		t.Errorf("first point = %+v", pts[0])
	}
}

func TestParseDetectionsAtlasColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registered.tsv")
	content := "Image\tAtlas_X\tAtlas_Y\tAtlas_Z\tClassification\n" +
		"exp01_s001\t2.5\t4.0\t6.25\tcFos\n" +
		"exp01_s001\t1.0\t1.0\t1.0\ttdTomato\n" +
		"exp01_s002\t3.0\t3.0\t3.0\tcFos\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	pts, err := ParseDetections(path)
	if err != nil {
		t.Fatalf("ParseDetections failed: %v", err)
	}
	if len(pts) != 3 {
		t.Fatalf("parsed %d points, want 3", len(pts))
	}
	// Atlas coordinates are millimeters and come back in microns.
	if pts[0].X != 2500 || pts[0].Y != 4000 || pts[0].Z != 6250 {
		t.Errorf("first point = %+v, want millimeters scaled to microns", pts[0])
	}
	if pts[0].Class != "cFos" || pts[1].Class != "tdTomato" {
		t.Errorf("classes = %q, %q", pts[0].Class, pts[1].Class)
	}
}

func TestSceneClassColors(t *testing.T) {
	cells := []Point3{
		{X: 1, Class: "cFos"},
		{X: 2, Class: "tdTomato"},
		{X: 3, Class: "cFos"},
	}
	s := NewScene(nil, cells)
	if len(s.ClassColors) != 2 {
		t.Fatalf("ClassColors has %d entries, want 2", len(s.ClassColors))
	}
	if s.cellColor("cFos") == s.cellColor("tdTomato") {
		t.Error("distinct classifications share a sphere color")
	}
	// Unclassified detections keep the default cell color.
	if s.cellColor("") != s.CellColor {
		t.Error("unclassified cell did not fall back to CellColor")
	}
}

func TestParseDetectionsBareHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cells.tsv")
	content := "x\ty\tz\n1\t2\t3\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	pts, err := ParseDetections(path)
	if err != nil {
		t.Fatalf("ParseDetections failed: %v", err)
	}
	if len(pts) != 1 || pts[0].Z != 3 {
		t.Errorf("points = %+v", pts)
	}
}

func TestParseDetectionsErrors(t *testing.T) {
	dir := t.TempDir()

	noCoords := filepath.Join(dir, "bad_header.tsv")
	os.WriteFile(noCoords, []byte("Image\tClass\nfoo\tbar\n"), 0o644)
	if _, err := ParseDetections(noCoords); err == nil {
		t.Error("expected error for missing coordinate columns")
	}

	badValue := filepath.Join(dir, "bad_value.tsv")
	os.WriteFile(badValue, []byte("x\ty\tz\n1\toops\t3\n"), 0o644)
	if _, err := ParseDetections(badValue); err == nil {
		t.Error("expected error for non-numeric coordinate")
	}

	empty := filepath.Join(dir, "empty.tsv")
	os.WriteFile(empty, []byte("x\ty\tz\n"), 0o644)
	if _, err := ParseDetections(empty); err == nil {
		t.Error("expected error for a file with no detections")
	}
}

func TestFindCoordColumns(t *testing.T) {
	x, y, z, atlasMM := findCoordColumns([]string{"Object ID", "Position X", "Position Y", "Position Z"})
	if x != 1 || y != 2 || z != 3 || atlasMM {
		t.Errorf("columns = %d %d %d atlasMM=%v", x, y, z, atlasMM)
	}
	// The class column "zone" must not be mistaken for z.
	_, _, z, _ = findCoordColumns([]string{"x", "y", "zone"})
	if z != -1 {
		t.Errorf("matched %q as a z column", "zone")
	}
	// Atlas columns win over loose matches and flag millimeters.
	x, y, z, atlasMM = findCoordColumns([]string{"Centroid X µm", "Atlas_X", "Atlas_Y", "Atlas_Z"})
	if x != 1 || y != 2 || z != 3 || !atlasMM {
		t.Errorf("atlas columns = %d %d %d atlasMM=%v", x, y, z, atlasMM)
	}
}

func TestSceneFit(t *testing.T) {
	s := NewScene([]Point3{{X: 0}, {X: 10, Y: 20, Z: 30}}, nil)
	if s.center.X != 5 || s.center.Y != 10 || s.center.Z != 15 {
		t.Errorf("center = %+v", s.center)
	}
	if s.radius != 15 {
		t.Errorf("radius = %g, want 15 (half the largest extent)", s.radius)
	}

	// An empty scene must not divide by zero.
	empty := NewScene(nil, nil)
	if empty.radius <= 0 {
		t.Error("empty scene radius should be positive")
	}
}

func TestRenderFrameDrawsCells(t *testing.T) {
	cells := []Point3{{}}
	s := NewScene([]Point3{{X: -100, Y: -100, Z: -100}, {X: 100, Y: 100, Z: 100}}, cells)
	s.CellColor = color.RGBA{R: 255, A: 255}

	opts := FrameOptions{Width: 64, Height: 64, Frames: 36, CellSize: 2}
	img := s.RenderFrame(0, opts)

	// The cell sits at the scene center, so it lands mid-frame.
	c := img.RGBAAt(32, 32)
	if c.R != 255 || c.G != 0 {
		t.Errorf("center pixel = %+v, want pure red cell", c)
	}
	// A corner stays background black.
	corner := img.RGBAAt(0, 0)
	if corner.R != 0 || corner.G != 0 || corner.B != 0 {
		t.Errorf("corner pixel = %+v, want background", corner)
	}
}

func TestRenderFrameRotation(t *testing.T) {
	// A point on the +x axis projects to opposite sides half a turn apart.
	s := NewScene([]Point3{{X: -100}, {X: 100}}, []Point3{{X: 100}})
	opts := FrameOptions{Width: 64, Height: 64, Frames: 2, CellSize: 1}

	f0 := s.RenderFrame(0, opts)
	f1 := s.RenderFrame(1, opts)

	redX := func(img interface {
		RGBAAt(x, y int) color.RGBA
	}) int {
		for x := 0; x < 64; x++ {
			for y := 0; y < 64; y++ {
				c := img.RGBAAt(x, y)
				if c.R > 200 && c.G < 100 {
					return x
				}
			}
		}
		return -1
	}
	x0, x1 := redX(f0), redX(f1)
	if x0 < 0 || x1 < 0 {
		t.Fatal("cell not visible in rendered frames")
	}
	if (x0 < 32) == (x1 < 32) {
		t.Errorf("cell did not cross the frame between half turns: x0=%d x1=%d", x0, x1)
	}
}

func TestWriteFrames(t *testing.T) {
	s := NewScene([]Point3{{}, {X: 10, Y: 10, Z: 10}}, []Point3{{X: 5, Y: 5, Z: 5}})
	dir := filepath.Join(t.TempDir(), "frames")

	pattern, err := s.WriteFrames(dir, FrameOptions{Width: 32, Height: 32, Frames: 3})
	if err != nil {
		t.Fatalf("WriteFrames failed: %v", err)
	}
	if filepath.Base(pattern) != "frame_%04d.png" {
		t.Errorf("pattern = %q", pattern)
	}
	for i := 1; i <= 3; i++ {
		p := filepath.Join(dir, fmt.Sprintf("frame_%04d.png", i))
		if _, err := os.Stat(p); err != nil {
			t.Errorf("missing frame %s: %v", p, err)
		}
	}

	if _, err := s.WriteFrames(dir, FrameOptions{Width: 32, Height: 32}); err == nil {
		t.Error("expected error for zero frame count")
	}
}

func TestSurfaceAndCellsShareSpace(t *testing.T) {
	// Regression guard: scene fitting must include cells so that
	// detections outside the surface cloud stay in frame.
	s := NewScene([]Point3{{}}, []Point3{{X: 1000}})
	if math.Abs(s.center.X-500) > 1e-9 {
		t.Errorf("center.X = %g, want 500", s.center.X)
	}
}
