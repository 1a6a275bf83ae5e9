package imaging

import (
	"image"
	"image/color"
	"image/png"
	"os"

	xdraw "golang.org/x/image/draw"
)

// WriteMaskPreview renders a small PNG of a slice with the mask
// boundary drawn in red, for eyeballing detection results without
// opening the full-size TIFFs.
func WriteMaskPreview(path string, img *image.Gray16, mask *image.Gray, maxDim int) error {
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	// Normalize the 16-bit range so dim slices stay visible.
	var min, max uint16 = 0xffff, 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := img.Gray16At(x, y).Y
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
	}
	scale := 0.0
	if max > min {
		scale = 255.0 / float64(max-min)
	}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			v := byte(float64(img.Gray16At(b.Min.X+x, b.Min.Y+y).Y-min) * scale)
			rgba.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}

	red := color.RGBA{R: 255, A: 255}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			if maskEdge(mask, x, y) {
				rgba.SetRGBA(x, y, red)
			}
		}
	}

	out := image.Image(rgba)
	if maxDim > 0 && (b.Dx() > maxDim || b.Dy() > maxDim) {
		w, h := b.Dx(), b.Dy()
		if w >= h {
			h = h * maxDim / w
			w = maxDim
		} else {
			w = w * maxDim / h
			h = maxDim
		}
		small := image.NewRGBA(image.Rect(0, 0, w, h))
		xdraw.ApproxBiLinear.Scale(small, small.Bounds(), rgba, rgba.Bounds(), xdraw.Over, nil)
		out = small
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := png.Encode(f, out); err != nil {
		return err
	}
	return f.Close()
}

// maskEdge reports whether a set mask pixel touches an unset neighbor.
func maskEdge(mask *image.Gray, x, y int) bool {
	b := mask.Bounds()
	if mask.GrayAt(b.Min.X+x, b.Min.Y+y).Y == 0 {
		return false
	}
	for _, d := range [4][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
		nx, ny := x+d[0], y+d[1]
		if nx < 0 || ny < 0 || nx >= b.Dx() || ny >= b.Dy() {
			continue
		}
		if mask.GrayAt(b.Min.X+nx, b.Min.Y+ny).Y == 0 {
			return true
		}
	}
	return false
}
