package registration

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"

	"lbminit/internal/models"
)

// gaussianKernel returns a normalized kernel truncated at four standard deviations
func gaussianKernel(sigma float64) []float64 {
	radius := int(math.Ceil(4 * sigma))
	if radius < 1 {
		radius = 1
	}
	kernel := make([]float64, 2*radius+1)
	sum := 0.0
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// reflect maps an out-of-range index back into [0, n) by mirroring about the edges
func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - 1 - i
	}
	return i
}

// lineFilter convolves lines of a fixed length with a symmetric kernel through gonum's
// real FFT. Lines are reflect-padded by the kernel radius so the output keeps the
// input length, and the transform is long enough that circular and linear convolution agree.
type lineFilter struct {
	n, radius int
	fft       *fourier.FFT
	kernel    []complex128
	padded    []float64
	coeffs    []complex128
	full      []float64
}

func newLineFilter(n int, kernel []float64) *lineFilter {
	radius := len(kernel) / 2
	size := n + 4*radius
	fft := fourier.NewFFT(size)

	seq := make([]float64, size)
	copy(seq, kernel)
	spectrum := fft.Coefficients(nil, seq)
	return &lineFilter{
		n:      n,
		radius: radius,
		fft:    fft,
		kernel: spectrum,
		padded: make([]float64, size),
		coeffs: make([]complex128, len(spectrum)),
		full:   make([]float64, size),
	}
}

// apply filters line in place
func (f *lineFilter) apply(line []float64) {
	for i := range f.padded {
		f.padded[i] = 0
	}
	for i := 0; i < f.n+2*f.radius; i++ {
		f.padded[i] = line[reflect(i-f.radius, f.n)]
	}
	f.fft.Coefficients(f.coeffs, f.padded)
	for i := range f.coeffs {
		f.coeffs[i] *= f.kernel[i]
	}
	f.fft.Sequence(f.full, f.coeffs)

	// The valid part of the full convolution starts one kernel length minus one in;
	// gonum's inverse is unnormalized
	scale := 1 / float64(len(f.full))
	for i := range line {
		line[i] = f.full[i+2*f.radius] * scale
	}
}

// convolveAxis filters data along one axis of a row-major (nz, ny, nx) array
func convolveAxis(data []float64, dims [3]int, axis int, kernel []float64) []float64 {
	strides := [3]int{dims[1] * dims[2], dims[2], 1}
	n := dims[axis]
	stride := strides[axis]
	filter := newLineFilter(n, kernel)
	out := append([]float64(nil), data...)
	line := make([]float64, n)

	// Every line along this axis starts at an index whose coordinate on the axis is zero
	for start := 0; start < len(data); start++ {
		if (start/stride)%n != 0 {
			continue
		}
		for i := range line {
			line[i] = data[start+i*stride]
		}
		filter.apply(line)
		for i, v := range line {
			out[start+i*stride] = v
		}
	}
	return out
}

// Smooth applies a separable Gaussian filter with sigmaYX in plane and sigmaZ across planes.
// A zero sigma leaves that axis untouched. The input is not modified.
func Smooth(img *models.PlaneStack, sigmaYX, sigmaZ float64) *models.PlaneStack {
	dims := img.Shape()
	data := append([]float64(nil), img.Data...)
	if sigmaZ > 0 && dims[0] > 1 {
		data = convolveAxis(data, dims, 0, gaussianKernel(sigmaZ))
	}
	if sigmaYX > 0 {
		kernel := gaussianKernel(sigmaYX)
		if dims[1] > 1 {
			data = convolveAxis(data, dims, 1, kernel)
		}
		if dims[2] > 1 {
			data = convolveAxis(data, dims, 2, kernel)
		}
	}
	return &models.PlaneStack{Data: data, NZ: dims[0], NY: dims[1], NX: dims[2]}
}

// TaperMask returns an (ny, nx) multiplier that falls smoothly from one in the centre
// to zero at the image border. sigma sets the width of the logistic edge.
func TaperMask(ny, nx int, sigma float64) []float64 {
	if sigma <= 0 {
		mask := make([]float64, ny*nx)
		for i := range mask {
			mask[i] = 1
		}
		return mask
	}
	my := taper1D(ny, sigma)
	mx := taper1D(nx, sigma)
	mask := make([]float64, ny*nx)
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			mask[y*nx+x] = my[y] * mx[x]
		}
	}
	return mask
}

func taper1D(n int, sigma float64) []float64 {
	centre := float64(n-1) / 2
	edge := centre - 2*sigma
	out := make([]float64, n)
	for i := range out {
		d := math.Abs(float64(i) - centre)
		out[i] = 1 / (1 + math.Exp((d-edge)/sigma))
	}
	return out
}

// clipPercentiles clamps values to the [lo, hi] percentiles of data, in place
func clipPercentiles(data []float64, lo, hi float64) {
	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)
	low := stat.Quantile(lo/100, stat.LinInterp, sorted, nil)
	high := stat.Quantile(hi/100, stat.LinInterp, sorted, nil)
	for i, v := range data {
		data[i] = math.Min(math.Max(v, low), high)
	}
}
