package registration

import (
	"gonum.org/v1/gonum/dsp/fourier"
)

// fftN transforms data in place along every axis of a row-major (nz, ny, nx) array.
// Axes of length one are skipped. The inverse transform is normalized so that
// fftN(fftN(x, false), true) == x.
//
// Parameters:
//   - data: complex samples in [z][y][x] order
//   - dims: the array dimensions (nz, ny, nx)
//   - inverse: compute the inverse transform
func fftN(data []complex128, dims [3]int, inverse bool) {
	strides := [3]int{dims[1] * dims[2], dims[2], 1}
	for axis := 0; axis < 3; axis++ {
		n := dims[axis]
		if n <= 1 {
			continue
		}
		fft := fourier.NewCmplxFFT(n)
		line := make([]complex128, n)
		out := make([]complex128, n)
		stride := strides[axis]

		// Every line along this axis starts at an index whose coordinate on the axis is zero
		for start := 0; start < len(data); start++ {
			if (start/stride)%n != 0 {
				continue
			}
			for i := 0; i < n; i++ {
				line[i] = data[start+i*stride]
			}
			if inverse {
				fft.Sequence(out, line)
			} else {
				fft.Coefficients(out, line)
			}
			for i := 0; i < n; i++ {
				data[start+i*stride] = out[i]
			}
		}
	}

	if inverse {
		scale := complex(1/float64(len(data)), 0)
		for i := range data {
			data[i] *= scale
		}
	}
}

// frequency returns the signed frequency of index i in a transform of length n, in cycles per sample
func frequency(i, n int) float64 {
	if i > n/2 {
		i -= n
	}
	return float64(i) / float64(n)
}
