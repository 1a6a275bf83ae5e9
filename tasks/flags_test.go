package tasks

import (
	"image"
	"image/color"
	"testing"
)

func gray16(v uint16) color.Gray16 {
	return color.Gray16{Y: v}
}

func TestHasFlag(t *testing.T) {
	args := []string{"--mirror-h", "all", "-overwrite"}
	if !hasFlag(args, "-overwrite", "--overwrite") {
		t.Error("expected -overwrite to be found")
	}
	if hasFlag(args, "--dry-run") {
		t.Error("did not expect --dry-run")
	}
	if !hasFlag([]string{"--OVERWRITE"}, "--overwrite") {
		t.Error("flag matching should be case-insensitive")
	}
}

func TestFlagValue(t *testing.T) {
	args := []string{"--channel", "2", "--resize", "auto"}
	if v, ok := flagValue(args, "--channel"); !ok || v != "2" {
		t.Errorf("flagValue(--channel) = %q, %v", v, ok)
	}
	if v, ok := flagValue(args, "--resize"); !ok || v != "auto" {
		t.Errorf("flagValue(--resize) = %q, %v", v, ok)
	}
	if _, ok := flagValue(args, "--missing"); ok {
		t.Error("did not expect a value for --missing")
	}
	// A flag in last position has no value to consume.
	if _, ok := flagValue([]string{"--channel"}, "--channel"); ok {
		t.Error("trailing flag should not report a value")
	}
}

func TestParseSliceSelection(t *testing.T) {
	sel, err := parseSliceSelection("all")
	if err != nil || !sel.contains(1) || !sel.contains(999) {
		t.Errorf("all selection failed: %v", err)
	}

	sel, err = parseSliceSelection("1, 3,12")
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []int{1, 3, 12} {
		if !sel.contains(n) {
			t.Errorf("expected slice %d selected", n)
		}
	}
	if sel.contains(2) {
		t.Error("slice 2 should not be selected")
	}

	if _, err := parseSliceSelection("1,zero"); err == nil {
		t.Error("expected error for non-numeric index")
	}
	if _, err := parseSliceSelection("0"); err == nil {
		t.Error("expected error for index below 1")
	}
}

func TestSliceSelectionZeroValue(t *testing.T) {
	var sel sliceSelection
	if sel.contains(1) {
		t.Error("zero-value selection should select nothing")
	}
}

func TestParseResizeMode(t *testing.T) {
	cases := []struct {
		arg     string
		auto    bool
		w, h    int
		wantErr bool
	}{
		{"none", false, 0, 0, false},
		{"", false, 0, 0, false},
		{"auto", true, 0, 0, false},
		{"AUTO", true, 0, 0, false},
		{"2048x1536", false, 2048, 1536, false},
		{"2048", false, 0, 0, true},
		{"0x100", false, 0, 0, true},
		{"axb", false, 0, 0, true},
	}
	for _, c := range cases {
		m, err := parseResizeMode(c.arg)
		if c.wantErr {
			if err == nil {
				t.Errorf("parseResizeMode(%q): expected error", c.arg)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseResizeMode(%q): %v", c.arg, err)
			continue
		}
		if m.auto != c.auto || m.width != c.w || m.height != c.h {
			t.Errorf("parseResizeMode(%q) = %+v", c.arg, m)
		}
	}
}

func TestParseColor(t *testing.T) {
	c, err := parseColor("255, 0, 128")
	if err != nil {
		t.Fatal(err)
	}
	if c != [3]uint8{255, 0, 128} {
		t.Errorf("parseColor = %v", c)
	}
	for _, bad := range []string{"255,0", "256,0,0", "-1,0,0", "r,g,b"} {
		if _, err := parseColor(bad); err == nil {
			t.Errorf("parseColor(%q): expected error", bad)
		}
	}
}

func TestKindFromType(t *testing.T) {
	cases := []struct {
		objectType string
		want       segmentKind
	}{
		{"fibers", kindLines},
		{"Axons", kindLines},
		{"fibres", kindLines},
		{"boutons", kindPoints},
		{"synapses", kindPoints},
		{"cells", kindPolygons},
		{"plaques", kindPolygons},
	}
	for _, c := range cases {
		if got := kindFromType(c.objectType); got != c.want {
			t.Errorf("kindFromType(%q) = %v; want %v", c.objectType, got, c.want)
		}
	}
}

func TestParseExcludeList(t *testing.T) {
	excluded := parseExcludeList("a.tiff, b.tiff,,c.tiff")
	for _, n := range []string{"a.tiff", "b.tiff", "c.tiff"} {
		if !excluded[n] {
			t.Errorf("expected %s excluded", n)
		}
	}
	if len(excluded) != 3 {
		t.Errorf("expected 3 entries, got %d", len(excluded))
	}
}

func TestParseSegmentOptionsDefaults(t *testing.T) {
	opts, err := parseSegmentOptions(nil)
	if err != nil {
		t.Fatal(err)
	}
	if opts.kind != kindPolygons {
		t.Errorf("default kind = %v", opts.kind)
	}
	if opts.params.ProbaThreshold != 0.5 {
		t.Errorf("default threshold = %g", opts.params.ProbaThreshold)
	}
	if opts.params.ObjectType != "detection" {
		t.Errorf("default object type = %q", opts.params.ObjectType)
	}
}

func TestParseSegmentOptionsFull(t *testing.T) {
	args := []string{
		"--type", "fibers",
		"--class", "GFP fibers",
		"--color", "0,255,0",
		"--threshold", "0.65",
		"--min-length", "12.5",
		"--erode", "40",
		"--suffix", "_run2",
	}
	opts, err := parseSegmentOptions(args)
	if err != nil {
		t.Fatal(err)
	}
	if opts.kind != kindLines {
		t.Errorf("kind = %v", opts.kind)
	}
	if opts.params.ClassName != "GFP fibers" {
		t.Errorf("class = %q", opts.params.ClassName)
	}
	if opts.params.ClassColor != [3]uint8{0, 255, 0} {
		t.Errorf("color = %v", opts.params.ClassColor)
	}
	if opts.params.ProbaThreshold != 0.65 {
		t.Errorf("threshold = %g", opts.params.ProbaThreshold)
	}
	if opts.lines.MinLengthMicrons != 12.5 {
		t.Errorf("min length = %g", opts.lines.MinLengthMicrons)
	}
	if opts.erodeDist != 40 {
		t.Errorf("erode = %g", opts.erodeDist)
	}
	if opts.suffix != "_run2" {
		t.Errorf("suffix = %q", opts.suffix)
	}
}

func TestParseSegmentOptionsFilters(t *testing.T) {
	args := []string{
		"--type", "boutons",
		"--min-area", "5",
		"--max-area", "80",
		"--min-eccentricity", "0.2",
		"--max-eccentricity", "0.9",
		"--merge-dist", "3",
	}
	opts, err := parseSegmentOptions(args)
	if err != nil {
		t.Fatal(err)
	}
	if opts.kind != kindPoints {
		t.Errorf("kind = %v", opts.kind)
	}
	if opts.polygons.MinAreaMicrons != 5 || opts.polygons.MaxAreaMicrons != 80 {
		t.Errorf("polygon area bounds = %+v", opts.polygons)
	}
	if opts.polygons.MinEccentricity != 0.2 || opts.polygons.MaxEccentricity != 0.9 {
		t.Errorf("polygon eccentricity bounds = %+v", opts.polygons)
	}
	// The point path gets the same size and shape bounds.
	if opts.points.MinAreaMicrons != 5 || opts.points.MaxAreaMicrons != 80 {
		t.Errorf("point area bounds = %+v", opts.points)
	}
	if opts.points.MinEccentricity != 0.2 || opts.points.MaxEccentricity != 0.9 {
		t.Errorf("point eccentricity bounds = %+v", opts.points)
	}
	if opts.points.MergeDistanceMicrons != 3 {
		t.Errorf("merge dist = %g", opts.points.MergeDistanceMicrons)
	}
}

func TestMirrorHorizontal(t *testing.T) {
	img := image.NewGray16(image.Rect(0, 0, 3, 2))
	img.SetGray16(0, 0, gray16(100))
	img.SetGray16(2, 1, gray16(200))

	out := mirrorHorizontal(img)
	if out.Gray16At(2, 0).Y != 100 {
		t.Errorf("(0,0) should mirror to (2,0), got %d", out.Gray16At(2, 0).Y)
	}
	if out.Gray16At(0, 1).Y != 200 {
		t.Errorf("(2,1) should mirror to (0,1), got %d", out.Gray16At(0, 1).Y)
	}
}

func TestMirrorVertical(t *testing.T) {
	img := image.NewGray16(image.Rect(0, 0, 2, 3))
	img.SetGray16(0, 0, gray16(100))
	img.SetGray16(1, 2, gray16(200))

	out := mirrorVertical(img)
	if out.Gray16At(0, 2).Y != 100 {
		t.Errorf("(0,0) should mirror to (0,2), got %d", out.Gray16At(0, 2).Y)
	}
	if out.Gray16At(1, 0).Y != 200 {
		t.Errorf("(1,2) should mirror to (1,0), got %d", out.Gray16At(1, 0).Y)
	}
}
