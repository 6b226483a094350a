package registration

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/stat"

	"lbminit/internal/models"
)

// buildMasks computes the taper, offset and reference spectrum of a single plane
func buildMasks(ref *models.PlaneStack, params MaskParams) (*Masks, error) {
	if ref.NZ != 1 {
		return nil, fmt.Errorf("%w: masks need a single plane, got %d", ErrShapeMismatch, ref.NZ)
	}
	if len(ref.Data) == 0 {
		return nil, ErrEmptyImage
	}

	img := append([]float64(nil), ref.Data...)
	if params.NormFrames {
		clipPercentiles(img, 1, 99)
	}

	ny, nx := ref.NY, ref.NX
	mul := TaperMask(ny, nx, params.SmoothSigma)
	mean := stat.Mean(img, nil)
	offset := make([]float64, len(img))
	masked := make([]complex128, len(img))
	for i, v := range img {
		offset[i] = mean * (1 - mul[i])
		masked[i] = complex(v*mul[i]+offset[i], 0)
	}

	dims := [3]int{1, ny, nx}
	fftN(masked, dims, false)
	gain := (&PhaseCorrelator{TaperWidth: params.SmoothSigma}).lowPass(dims)
	for i, c := range masked {
		mag := cmplx.Abs(c)
		if mag < 1e-12 {
			masked[i] = 0
			continue
		}
		masked[i] = cmplx.Conj(c) / complex(mag, 0) * complex(gain[i], 0)
	}

	blocks, size := MakeBlocks(ny, nx, params.BlockSize)
	return &Masks{
		MaskMul:     mul,
		MaskOffset:  offset,
		RefSpectrum: masked,
		NY:          ny,
		NX:          nx,
		Blocks:      blocks,
		BlockSize:   size,
	}, nil
}

// MakeBlocks tiles an (ny, nx) image with overlapping blocks of at most blockSize.
// Each axis gets ceil(1.5 * length / size) blocks spread evenly from edge to edge.
func MakeBlocks(ny, nx int, blockSize [2]int) ([]Block, [2]int) {
	by := min(max(blockSize[0], 1), ny)
	bx := min(max(blockSize[1], 1), nx)
	ys := blockStarts(ny, by)
	xs := blockStarts(nx, bx)

	blocks := make([]Block, 0, len(ys)*len(xs))
	for _, y0 := range ys {
		for _, x0 := range xs {
			blocks = append(blocks, Block{Y0: y0, Y1: y0 + by, X0: x0, X1: x0 + bx})
		}
	}
	return blocks, [2]int{by, bx}
}

func blockStarts(length, size int) []int {
	n := max(1, int(math.Ceil(1.5*float64(length)/float64(size))))
	if size == length {
		n = 1
	}
	starts := make([]int, n)
	if n == 1 {
		return starts
	}
	span := float64(length - size)
	for i := range starts {
		starts[i] = int(math.Round(span * float64(i) / float64(n-1)))
	}
	return starts
}
