package registration

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/stat"

	"lbminit/internal/models"
)

// PhaseCorrelator registers images by phase correlation on gonum FFTs.
// It handles single images and volumes alike and is safe for concurrent use.
type PhaseCorrelator struct {
	// TaperWidth is the width of the logistic edge taper applied before the transform.
	// It also sets the standard deviation of the spectral low-pass.
	TaperWidth float64
}

// NewPhaseCorrelator creates a phase correlation engine
func NewPhaseCorrelator(taperWidth float64) *PhaseCorrelator {
	return &PhaseCorrelator{TaperWidth: taperWidth}
}

// spectrum mean-subtracts, tapers and transforms every plane of img
func (p *PhaseCorrelator) spectrum(img *models.PlaneStack, taper []float64) []complex128 {
	mean := stat.Mean(img.Data, nil)
	data := make([]complex128, len(img.Data))
	size := img.NY * img.NX
	for i, v := range img.Data {
		data[i] = complex((v-mean)*taper[i%size], 0)
	}
	fftN(data, img.Shape(), false)
	return data
}

// lowPass returns the Gaussian low-pass gain of every frequency bin
func (p *PhaseCorrelator) lowPass(dims [3]int) []float64 {
	gain := make([]float64, dims[0]*dims[1]*dims[2])
	s2 := 2 * math.Pi * math.Pi * p.TaperWidth * p.TaperWidth
	i := 0
	for z := 0; z < dims[0]; z++ {
		for y := 0; y < dims[1]; y++ {
			fy := frequency(y, dims[1])
			for x := 0; x < dims[2]; x++ {
				fx := frequency(x, dims[2])
				gain[i] = math.Exp(-s2 * (fy*fy + fx*fx))
				i++
			}
		}
	}
	return gain
}

// EstimateShift implements Engine
func (p *PhaseCorrelator) EstimateShift(ref, img *models.PlaneStack, maxDisp int, search [3]int) (models.Shift, float64, error) {
	if !ref.SameShape(img) {
		return models.Shift{}, 0, fmt.Errorf("%w: reference %v, image %v", ErrShapeMismatch, ref.Shape(), img.Shape())
	}
	if len(ref.Data) == 0 {
		return models.Shift{}, 0, ErrEmptyImage
	}

	dims := ref.Shape()
	taper := TaperMask(dims[1], dims[2], p.TaperWidth)
	fr := p.spectrum(ref, taper)
	fi := p.spectrum(img, taper)
	gain := p.lowPass(dims)

	// Whitened cross-power spectrum. Its inverse peaks at the shift that moves img onto ref.
	total := 0.0
	cross := make([]complex128, len(fr))
	for i := range fr {
		c := fr[i] * cmplx.Conj(fi[i])
		mag := cmplx.Abs(c)
		if mag < 1e-12 {
			continue
		}
		cross[i] = c / complex(mag, 0) * complex(gain[i], 0)
		total += gain[i]
	}
	if total == 0 {
		return models.Shift{}, 0, nil
	}
	fftN(cross, dims, true)

	lz, ly, lx := searchBounds(dims, maxDisp, search)
	best := math.Inf(-1)
	var bz, by, bx int
	for dz := -lz; dz <= lz; dz++ {
		z := wrap(dz, dims[0])
		for dy := -ly; dy <= ly; dy++ {
			y := wrap(dy, dims[1])
			for dx := -lx; dx <= lx; dx++ {
				x := wrap(dx, dims[2])
				v := real(cross[(z*dims[1]+y)*dims[2]+x])
				if v > best {
					best, bz, by, bx = v, dz, dy, dx
				}
			}
		}
	}

	// Identical images put all of the low-passed energy into the zero-shift bin
	confidence := best / (total / float64(len(cross)))
	confidence = math.Max(0, math.Min(1, confidence))
	return models.Shift{Z: float64(bz), Y: float64(by), X: float64(bx)}, confidence, nil
}

// searchBounds limits the displacement searched on each axis to half the axis length
func searchBounds(dims [3]int, maxDisp int, search [3]int) (int, int, int) {
	ly, lx := maxDisp, maxDisp
	if search[1] > 0 {
		ly = min(ly, search[1])
	}
	if search[2] > 0 {
		lx = min(lx, search[2])
	}
	lz := search[0]
	return clampBound(lz, dims[0]), clampBound(ly, dims[1]), clampBound(lx, dims[2])
}

func clampBound(l, n int) int {
	if l < 0 {
		l = 0
	}
	return min(l, (n-1)/2)
}

// Smooth implements Engine
func (p *PhaseCorrelator) Smooth(img *models.PlaneStack, sigmaYX, sigmaZ float64) *models.PlaneStack {
	return Smooth(img, sigmaYX, sigmaZ)
}

// BuildMasks implements Engine
func (p *PhaseCorrelator) BuildMasks(ref *models.PlaneStack, params MaskParams) (*Masks, error) {
	return buildMasks(ref, params)
}
