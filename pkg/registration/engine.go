// Package registration estimates rigid shifts between images and volumes and provides
// the image operations the reference builder needs around it: shifting, smoothing,
// edge tapering and registration masks.
package registration

import (
	"errors"

	"lbminit/internal/models"
)

var (
	// ErrShapeMismatch is returned when two images that must match in size do not
	ErrShapeMismatch = errors.New("image shapes differ")

	// ErrEmptyImage is returned for images with no pixels
	ErrEmptyImage = errors.New("image has no pixels")
)

// Engine is a rigid registration backend
type Engine interface {
	// EstimateShift returns the shift that, applied to img with Roll, best matches ref,
	// along with a confidence in [0, 1]. In-plane displacement is bounded by maxDisp and
	// by search[1] (y) and search[2] (x) when those are positive. search[0] bounds z.
	EstimateShift(ref, img *models.PlaneStack, maxDisp int, search [3]int) (models.Shift, float64, error)

	// Smooth returns a Gaussian-smoothed copy of img with sigmaYX in plane and sigmaZ
	// across planes. Borders are reflected.
	Smooth(img *models.PlaneStack, sigmaYX, sigmaZ float64) *models.PlaneStack

	// BuildMasks derives the registration masks of a single-plane reference image
	BuildMasks(ref *models.PlaneStack, p MaskParams) (*Masks, error)
}

// MaskParams controls mask construction
type MaskParams struct {
	// SmoothSigma is the width of the edge taper and of the spectral low-pass
	SmoothSigma float64

	// BlockSize is the (y, x) size of the blocks used for piecewise registration
	BlockSize [2]int

	// NormFrames clips the reference to its 1st and 99th percentile first
	NormFrames bool
}

// Block is a rectangle of the registration block grid, half-open on both axes
type Block struct {
	Y0, Y1, X0, X1 int
}

// Masks holds everything a downstream registration needs about one reference plane
type Masks struct {
	// MaskMul is the edge taper that multiplies each frame before correlation
	MaskMul []float64

	// MaskOffset fills the tapered border with the reference mean
	MaskOffset []float64

	// RefSpectrum is the whitened, low-passed conjugate spectrum of the masked reference
	RefSpectrum []complex128

	// NY, NX are the image dimensions the masks apply to
	NY, NX int

	// Blocks is the block grid and BlockSize the size actually used for it
	Blocks    []Block
	BlockSize [2]int
}
