// Package metrics provides image similarity measures used to follow reference refinement
// and to report how far the final reference moved from the plain temporal mean.
package metrics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Quality summarizes how closely one image matches another
type Quality struct {
	// RMSE is the root mean square difference between pixel intensities.
	// Lower values indicate closer images.
	RMSE float64 `yaml:"rmse"`

	// SSIM is the global structural similarity, in [-1, 1] with 1 for identical images.
	// It is computed on intensities normalized by the joint dynamic range.
	SSIM float64 `yaml:"ssim"`

	// Correlation is the Pearson correlation of the pixel intensities
	Correlation float64 `yaml:"correlation"`

	// MI is the Gaussian approximation of the mutual information
	MI float64 `yaml:"mutual_information"`

	// EntropyDiff is the absolute difference of the intensity histogram entropies
	EntropyDiff float64 `yaml:"entropy_diff"`
}

// Compare computes every quality measure of reconstructed against original.
// Mismatched or empty inputs give a zero Quality.
func Compare(original, reconstructed []float64) Quality {
	if len(original) != len(reconstructed) || len(original) == 0 {
		return Quality{}
	}
	return Quality{
		RMSE:        RMSE(original, reconstructed),
		SSIM:        SSIM(original, reconstructed),
		Correlation: correlation(original, reconstructed),
		MI:          MutualInformation(original, reconstructed),
		EntropyDiff: math.Abs(Entropy(original) - Entropy(reconstructed)),
	}
}

// MSE computes the mean square error
func MSE(original, reconstructed []float64) float64 {
	n := len(original)
	if n != len(reconstructed) || n == 0 {
		return 0
	}
	mse := 0.0
	for i := 0; i < n; i++ {
		diff := original[i] - reconstructed[i]
		mse += diff * diff
	}
	return mse / float64(n)
}

// RMSE computes the root mean square error
func RMSE(original, reconstructed []float64) float64 {
	return math.Sqrt(MSE(original, reconstructed))
}

// SSIM computes the Structural Similarity Index over the whole image
func SSIM(original, reconstructed []float64) float64 {
	const k1 = 0.01
	const k2 = 0.03

	n := len(original)
	if n != len(reconstructed) || n == 0 {
		return 0
	}

	// Scale both images by their joint range so the stabilizing constants are meaningful
	lo := math.Min(floats.Min(original), floats.Min(reconstructed))
	hi := math.Max(floats.Max(original), floats.Max(reconstructed))
	dynamic := hi - lo
	if dynamic == 0 {
		return 1
	}
	x := make([]float64, n)
	y := make([]float64, n)
	for i := range original {
		x[i] = (original[i] - lo) / dynamic
		y[i] = (reconstructed[i] - lo) / dynamic
	}

	c1 := k1 * k1
	c2 := k2 * k2

	muX := stat.Mean(x, nil)
	muY := stat.Mean(y, nil)
	sigmaX := stat.Variance(x, nil)
	sigmaY := stat.Variance(y, nil)
	sigmaXY := stat.Covariance(x, y, nil)

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)
	if den > 0 {
		return num / den
	}
	return 0
}

func correlation(a, b []float64) float64 {
	c := stat.Correlation(a, b, nil)
	if math.IsNaN(c) {
		return 0
	}
	return c
}

// MutualInformation approximates the mutual information of two images as jointly Gaussian
// signals: 0.5 * log(var(X) var(Y) / (var(X) var(Y) - cov(X,Y)^2))
func MutualInformation(original, reconstructed []float64) float64 {
	n := len(original)
	if n != len(reconstructed) || n < 2 {
		return 0
	}
	varX := stat.Variance(original, nil)
	varY := stat.Variance(reconstructed, nil)
	cov := stat.Covariance(original, reconstructed, nil)
	if varX > 0 && varY > 0 {
		det := varX*varY - cov*cov
		if det > 0 {
			return 0.5 * math.Log(varX*varY/det)
		}
	}
	return 0
}

// Entropy computes the Shannon entropy of a 256-bin intensity histogram
func Entropy(data []float64) float64 {
	n := len(data)
	if n == 0 {
		return 0
	}

	lo, hi := floats.Min(data), floats.Max(data)
	if hi <= lo {
		return 0
	}

	const numBins = 256
	dividers := make([]float64, numBins+1)
	floats.Span(dividers, lo, hi)
	// Histogram bins are half-open, so nudge the last divider past the maximum
	dividers[numBins] = math.Nextafter(hi, math.Inf(1))

	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)
	hist := stat.Histogram(nil, dividers, sorted, nil)

	entropy := 0.0
	for _, count := range hist {
		if count > 0 {
			p := count / float64(n)
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}
