// Package imaging implements the slide-level image operations of the
// pipeline: brain mask detection, mask application, padding, and the
// downscales used for previews and pyramid levels.
package imaging

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"gocv.io/x/gocv"
)

// DetectionOptions controls brain outline detection on one slice.
type DetectionOptions struct {
	// Background is the intensity substituted for zero-valued padding
	// pixels so the canvas boundary does not register as an edge.
	Background uint16
	// CannySigma is the gaussian smoothing applied before edge
	// detection, in downscaled pixels.
	CannySigma float64
	// CannyThreshold is the quantile of the detection image's intensity
	// distribution used as the high hysteresis threshold. The low
	// threshold is 0.4 of the high one.
	CannyThreshold float64
	// CloseRadiusMicrons is the radius of the disk used to close the
	// detected edges into a solid outline.
	CloseRadiusMicrons float64
	// Downscale is the integer factor applied before detection.
	Downscale int
}

// FindBrainMask detects the tissue outline on a 16-bit slice and
// returns a full-resolution binary mask (0 background, 255 tissue).
// pixelSizeMicrons is the physical size of one full-resolution pixel.
//
// The detection runs on a downscaled 8-bit copy: edges from a Canny
// detector are closed with a disk sized in physical units, the outline
// is filled, and only the largest connected region is kept.
func FindBrainMask(img *image.Gray16, pixelSizeMicrons float64, opts DetectionOptions) (*image.Gray, error) {
	if opts.Downscale < 1 {
		return nil, fmt.Errorf("downscale factor must be at least 1, got %d", opts.Downscale)
	}
	if pixelSizeMicrons <= 0 {
		return nil, fmt.Errorf("pixel size must be positive, got %g", pixelSizeMicrons)
	}

	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	smallW := width / opts.Downscale
	smallH := height / opts.Downscale
	if smallW < 2 || smallH < 2 {
		return nil, fmt.Errorf("image %dx%d too small for downscale %d", width, height, opts.Downscale)
	}

	small := downscaleForDetection(img, opts.Background, smallW, smallH, opts.Downscale)

	src, err := gocv.NewMatFromBytes(smallH, smallW, gocv.MatTypeCV8UC1, small)
	if err != nil {
		return nil, fmt.Errorf("wrapping detection image: %w", err)
	}
	defer src.Close()

	blurred := gocv.NewMat()
	defer blurred.Close()
	if opts.CannySigma > 0 {
		// Kernel size follows the usual 4-sigma support rule.
		k := 2*int(math.Ceil(4*opts.CannySigma)) + 1
		gocv.GaussianBlur(src, &blurred, image.Pt(k, k), opts.CannySigma, opts.CannySigma, gocv.BorderDefault)
	} else {
		src.CopyTo(&blurred)
	}

	edges := gocv.NewMat()
	defer edges.Close()
	high := intensityQuantile(small, opts.CannyThreshold)
	gocv.Canny(blurred, &edges, 0.4*high, high)

	closed := gocv.NewMat()
	defer closed.Close()
	radius := int(math.Round(opts.CloseRadiusMicrons / (pixelSizeMicrons * float64(opts.Downscale))))
	if radius < 1 {
		radius = 1
	}
	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(2*radius+1, 2*radius+1))
	defer kernel.Close()
	gocv.MorphologyEx(edges, &closed, gocv.MorphClose, kernel)

	// Filling the largest external contour both drops debris and
	// closes interior holes in one pass.
	filled, err := fillLargestRegion(closed)
	if err != nil {
		return nil, err
	}
	defer filled.Close()

	full := gocv.NewMat()
	defer full.Close()
	gocv.Resize(filled, &full, image.Pt(width, height), 0, 0, gocv.InterpolationNearestNeighbor)

	out := image.NewGray(image.Rect(0, 0, width, height))
	data := full.ToBytes()
	for i, v := range data {
		if v > 0 {
			out.Pix[i] = 255
		}
	}
	return out, nil
}

// downscaleForDetection produces the 8-bit nearest-neighbor downscale
// the detector runs on. Zero-valued padding pixels take the background
// estimate before the 16-bit range is normalized, so the canvas edge
// carries no gradient.
func downscaleForDetection(img *image.Gray16, background uint16, smallW, smallH, factor int) []byte {
	b := img.Bounds()

	var min, max uint16 = 0xffff, 0
	for y := 0; y < smallH; y++ {
		for x := 0; x < smallW; x++ {
			v := img.Gray16At(b.Min.X+x*factor, b.Min.Y+y*factor).Y
			if v == 0 {
				v = background
			}
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

	out := make([]byte, smallW*smallH)
	for y := 0; y < smallH; y++ {
		for x := 0; x < smallW; x++ {
			v := img.Gray16At(b.Min.X+x*factor, b.Min.Y+y*factor).Y
			if v == 0 {
				v = background
			}
			if v <= min {
				continue
			}
			out[y*smallW+x] = byte(float64(v-min) * scale)
		}
	}
	return out
}

// intensityQuantile returns the 8-bit intensity below which the given
// fraction of pixels fall.
func intensityQuantile(pix []byte, q float64) float32 {
	if len(pix) == 0 {
		return 0
	}
	if q < 0 {
		q = 0
	}
	if q > 1 {
		q = 1
	}
	var hist [256]int
	for _, v := range pix {
		hist[v]++
	}
	target := int(q * float64(len(pix)-1))
	cum := 0
	for v, n := range hist {
		cum += n
		if cum > target {
			return float32(v)
		}
	}
	return 255
}

// fillLargestRegion keeps the largest external contour of a binary
// image and returns it filled.
func fillLargestRegion(binary gocv.Mat) (gocv.Mat, error) {
	contours := gocv.FindContours(binary, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	out := gocv.NewMatWithSize(binary.Rows(), binary.Cols(), gocv.MatTypeCV8UC1)
	if contours.Size() == 0 {
		return out, fmt.Errorf("no tissue outline detected")
	}

	largest := 0
	largestArea := 0.0
	for i := 0; i < contours.Size(); i++ {
		area := gocv.ContourArea(contours.At(i))
		if area > largestArea {
			largestArea = area
			largest = i
		}
	}
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	gocv.DrawContours(&out, contours, largest, white, -1)
	return out, nil
}

// ErodeMask shrinks a binary mask by a disk of the given radius in
// pixels. Used to pull the mask edge inside the tissue boundary before
// it is applied.
func ErodeMask(mask *image.Gray, radiusPixels int) (*image.Gray, error) {
	if radiusPixels < 1 {
		return mask, nil
	}
	b := mask.Bounds()

	src, err := gocv.NewMatFromBytes(b.Dy(), b.Dx(), gocv.MatTypeCV8UC1, mask.Pix)
	if err != nil {
		return nil, fmt.Errorf("wrapping mask: %w", err)
	}
	defer src.Close()

	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(2*radiusPixels+1, 2*radiusPixels+1))
	defer kernel.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.Erode(src, &dst, kernel)

	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	copy(out.Pix, dst.ToBytes())
	return out, nil
}

// MaskArea returns the fraction of mask pixels that are set.
func MaskArea(mask *image.Gray) float64 {
	if len(mask.Pix) == 0 {
		return 0
	}
	set := 0
	for _, v := range mask.Pix {
		if v > 0 {
			set++
		}
	}
	return float64(set) / float64(len(mask.Pix))
}

// ApplyMask zeroes every pixel outside the mask. The mask must have
// the same dimensions as the image.
func ApplyMask(img *image.Gray16, mask *image.Gray) (*image.Gray16, error) {
	ib, mb := img.Bounds(), mask.Bounds()
	if ib.Dx() != mb.Dx() || ib.Dy() != mb.Dy() {
		return nil, fmt.Errorf("mask %dx%d does not match image %dx%d", mb.Dx(), mb.Dy(), ib.Dx(), ib.Dy())
	}

	out := image.NewGray16(image.Rect(0, 0, ib.Dx(), ib.Dy()))
	for y := 0; y < ib.Dy(); y++ {
		for x := 0; x < ib.Dx(); x++ {
			if mask.GrayAt(mb.Min.X+x, mb.Min.Y+y).Y > 0 {
				out.SetGray16(x, y, img.Gray16At(ib.Min.X+x, ib.Min.Y+y))
			}
		}
	}
	return out, nil
}
