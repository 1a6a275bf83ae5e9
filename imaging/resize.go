package imaging

import (
	"fmt"
	"image"

	"github.com/nfnt/resize"
)

// PadGray16 centers an image on a larger canvas of the given size,
// filling the border with zeros. When the padding is odd the extra row
// or column goes after the image.
func PadGray16(img *image.Gray16, width, height int) (*image.Gray16, error) {
	b := img.Bounds()
	if b.Dx() > width || b.Dy() > height {
		return nil, fmt.Errorf("image %dx%d larger than pad target %dx%d", b.Dx(), b.Dy(), width, height)
	}
	if b.Dx() == width && b.Dy() == height {
		return img, nil
	}

	left := (width - b.Dx()) / 2
	top := (height - b.Dy()) / 2

	out := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			out.SetGray16(left+x, top+y, img.Gray16At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return out, nil
}

// DownscaleGray16 resizes a 16-bit image down to the given size.
// Nearest-neighbor sampling keeps discrete intensity values intact, so
// label and annotation planes survive pyramid reduction unblended.
func DownscaleGray16(img *image.Gray16, width, height int) *image.Gray16 {
	small := resize.Resize(uint(width), uint(height), img, resize.NearestNeighbor)
	if g, ok := small.(*image.Gray16); ok {
		return g
	}
	out := image.NewGray16(image.Rect(0, 0, width, height))
	b := small.Bounds()
	for y := 0; y < height && y < b.Dy(); y++ {
		for x := 0; x < width && x < b.Dx(); x++ {
			out.Set(x, y, small.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return out
}

// PyramidFactors returns the downscale factor of each reduced pyramid
// level: factor, factor^2, ... up to maxFactor inclusive.
func PyramidFactors(factor, maxFactor int) []int {
	if factor < 2 {
		return nil
	}
	var out []int
	for f := factor; f <= maxFactor; f *= factor {
		out = append(out, f)
	}
	return out
}

// BuildPyramidLevels downscales a set of channel planes into the level
// stack a pyramidal write expects: the full-resolution planes first,
// then one set per reduction factor. Factors that would shrink a
// dimension below one pixel are skipped.
func BuildPyramidLevels(channels []*image.Gray16, factor, maxFactor int) [][]*image.Gray16 {
	levels := [][]*image.Gray16{channels}
	if len(channels) == 0 {
		return levels
	}
	b := channels[0].Bounds()
	for _, f := range PyramidFactors(factor, maxFactor) {
		w, h := b.Dx()/f, b.Dy()/f
		if w < 1 || h < 1 {
			break
		}
		level := make([]*image.Gray16, len(channels))
		for i, ch := range channels {
			level[i] = DownscaleGray16(ch, w, h)
		}
		levels = append(levels, level)
	}
	return levels
}
