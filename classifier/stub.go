//go:build !cgo
// +build !cgo

// Package classifier runs a semantic-segmentation ONNX model over a
// channel image. This is a stub for non-CGO builds where ONNX Runtime
// is not available.
package classifier

import (
	"errors"
	"image"
)

// ErrCGORequired is returned when classification is attempted without
// CGO support.
var ErrCGORequired = errors.New("classifier requires CGO support; rebuild with CGO_ENABLED=1")

// Options configures one probability-map run.
type Options struct {
	ORTSharedLibraryPath string
	InputName            string
	OutputName           string
	TileSize             int
}

// DefaultOptions returns default Options.
func DefaultOptions() Options {
	return Options{}
}

// ProbabilityMap returns an error indicating CGO is required.
func ProbabilityMap(img *image.Gray16, modelPath string, opts Options) (*image.Gray, error) {
	return nil, ErrCGORequired
}
