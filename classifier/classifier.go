//go:build cgo
// +build cgo

// Package classifier runs a semantic-segmentation ONNX model over a
// channel image, tile by tile, and stitches the per-pixel probabilities
// into a map the segmentation stage can threshold.
package classifier

import (
	"errors"
	"fmt"
	"image"
	"math"
	"os"

	ort "github.com/yalue/onnxruntime_go"
)

// Options configures one probability-map run.
type Options struct {
	// Path to the onnxruntime shared library (.dll/.so/.dylib). If
	// empty, the environment variable ONNXRUNTIME_SHARED_LIBRARY_PATH
	// will be respected.
	ORTSharedLibraryPath string

	// Input and output tensor names in the model graph.
	InputName  string
	OutputName string

	// TileSize is the square window fed to the model. The model must
	// accept [1, 1, TileSize, TileSize] float32 in 0..1 and produce a
	// tensor of the same spatial shape with per-pixel probabilities.
	TileSize int
}

// DefaultOptions returns the configuration most exported models use.
func DefaultOptions() Options {
	return Options{
		InputName:  "input",
		OutputName: "output",
		TileSize:   512,
	}
}

// ProbabilityMap runs the model at modelPath over every tile of img and
// returns the stitched 8-bit probability map.
func ProbabilityMap(img *image.Gray16, modelPath string, opts Options) (*image.Gray, error) {
	if opts.TileSize <= 0 {
		return nil, fmt.Errorf("invalid tile size %d", opts.TileSize)
	}
	if opts.InputName == "" || opts.OutputName == "" {
		return nil, errors.New("input and output names must be provided")
	}

	if opts.ORTSharedLibraryPath != "" {
		ort.SetSharedLibraryPath(opts.ORTSharedLibraryPath)
	} else if p := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); p != "" {
		ort.SetSharedLibraryPath(p)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return nil, err
	}
	defer ort.DestroyEnvironment()

	t := opts.TileSize
	shape := ort.NewShape(1, 1, int64(t), int64(t))
	input, err := ort.NewEmptyTensor[float32](shape)
	if err != nil {
		return nil, err
	}
	defer input.Destroy()
	output, err := ort.NewEmptyTensor[float32](shape)
	if err != nil {
		return nil, err
	}
	defer output.Destroy()

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{opts.InputName},
		[]string{opts.OutputName},
		[]ort.Value{input},
		[]ort.Value{output},
		nil,
	)
	if err != nil {
		return nil, err
	}
	defer session.Destroy()

	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	out := image.NewGray(image.Rect(0, 0, width, height))

	in := input.GetData()
	for ty := 0; ty < height; ty += t {
		for tx := 0; tx < width; tx += t {
			// Edge tiles are zero-padded; only the valid region is
			// copied back.
			fillTile(in, img, tx, ty, t)
			if err := session.Run(); err != nil {
				return nil, fmt.Errorf("tile (%d,%d): %w", tx, ty, err)
			}
			stitchTile(out, output.GetData(), tx, ty, t)
		}
	}
	return out, nil
}

// fillTile copies one tile of the image into the input tensor,
// normalized to 0..1, padding past the edges with zeros.
func fillTile(dst []float32, img *image.Gray16, tx, ty, t int) {
	b := img.Bounds()
	for y := 0; y < t; y++ {
		for x := 0; x < t; x++ {
			var v float32
			if tx+x < b.Dx() && ty+y < b.Dy() {
				v = float32(img.Gray16At(b.Min.X+tx+x, b.Min.Y+ty+y).Y) / 65535
			}
			dst[y*t+x] = v
		}
	}
}

// stitchTile writes one tile of probabilities back into the map.
func stitchTile(out *image.Gray, probs []float32, tx, ty, t int) {
	b := out.Bounds()
	for y := 0; y < t && ty+y < b.Dy(); y++ {
		for x := 0; x < t && tx+x < b.Dx(); x++ {
			p := float64(probs[y*t+x])
			if p < 0 {
				p = 0
			}
			if p > 1 {
				p = 1
			}
			out.Pix[out.PixOffset(tx+x, ty+y)] = uint8(math.Round(p * 255))
		}
	}
}
