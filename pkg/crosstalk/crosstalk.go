// Package crosstalk estimates and removes the optical bleed-through between imaging planes
// that sit one cavity apart.
package crosstalk

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"lbminit/internal/models"
)

// Bounds of a plausible crosstalk coefficient. Outside them the estimate most
// likely failed rather than describing real bleed-through.
const (
	MinPlausibleCoefficient = 0.01
	MaxPlausibleCoefficient = 0.4
)

var (
	// ErrNoDonorPlanes is returned when no plane has a donor plane one cavity below it
	ErrNoDonorPlanes = errors.New("no plane pair is separated by the cavity size")

	// ErrTooFewPixels is returned when the bright-pixel population is too small to fit
	ErrTooFewPixels = errors.New("too few bright pixels to fit a crosstalk coefficient")
)

// Model is the result of a crosstalk estimation
type Model struct {
	// Coefficient is the global bleed-through fraction
	Coefficient float64

	// CavitySize is the plane offset between donor and target
	CavitySize int

	// TargetPlanes lists the planes that were fitted, in order
	TargetPlanes []int

	// PlaneCoefficients holds the fit of each target plane
	PlaneCoefficients []float64

	// Skipped lists the target planes whose donor had too few bright pixels to fit
	Skipped []int
}

// Warning returns a calibration warning naming the skipped planes, or nil when every
// target plane was fitted
func (m *Model) Warning() *models.Warning {
	if len(m.Skipped) == 0 {
		return nil
	}
	w := models.NewWarning(models.CalibrationWarning,
		"crosstalk could not be fitted on planes %v, coefficient taken from planes %v",
		m.Skipped, m.TargetPlanes)
	return &w
}

// Estimate fits the crosstalk coefficient on a plane-averaged volume.
//
// For every target plane p >= cavity the donor plane p-cavity is thresholded at the
// given percentile and target = a + c*donor is fitted over the bright donor pixels,
// where the donor signal dominates what leaks into the target. The intercept absorbs
// the target's own background. The global coefficient is the median of the plane fits.
// Planes that cannot be fitted are listed in Skipped; an error is returned only when
// no plane can be fitted.
func Estimate(im3d *models.PlaneStack, cavity int, percentile float64) (*Model, error) {
	if cavity < 1 || cavity >= im3d.NZ {
		return nil, fmt.Errorf("%w: cavity %d with %d planes", ErrNoDonorPlanes, cavity, im3d.NZ)
	}

	model := &Model{CavitySize: cavity}
	for p := cavity; p < im3d.NZ; p++ {
		c, err := fitPlane(im3d.Plane(p-cavity), im3d.Plane(p), percentile)
		if errors.Is(err, ErrTooFewPixels) {
			model.Skipped = append(model.Skipped, p)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("plane %d from %d: %w", p, p-cavity, err)
		}
		model.TargetPlanes = append(model.TargetPlanes, p)
		model.PlaneCoefficients = append(model.PlaneCoefficients, c)
	}
	if len(model.TargetPlanes) == 0 {
		return nil, fmt.Errorf("%w on any of planes %v", ErrTooFewPixels, model.Skipped)
	}
	model.Coefficient = median(model.PlaneCoefficients)
	return model, nil
}

// fitPlane regresses target on donor over the donor pixels at or above the percentile
func fitPlane(donor, target []float64, percentile float64) (float64, error) {
	sorted := append([]float64(nil), donor...)
	sort.Float64s(sorted)
	threshold := stat.Quantile(percentile/100, stat.Empirical, sorted, nil)

	var xs, ys []float64
	for i, d := range donor {
		if d >= threshold {
			xs = append(xs, d)
			ys = append(ys, target[i])
		}
	}
	if len(xs) < 2 || stat.Variance(xs, nil) == 0 {
		return 0, ErrTooFewPixels
	}

	_, beta := stat.LinearRegression(xs, ys, nil, false)
	return beta, nil
}

// Check returns a calibration warning when the coefficient is outside the plausible range
func Check(coeff float64) *models.Warning {
	if coeff < MinPlausibleCoefficient || coeff > MaxPlausibleCoefficient || math.IsNaN(coeff) {
		w := models.NewWarning(models.CalibrationWarning,
			"crosstalk coefficient %.3f outside [%.2f, %.2f] - estimation likely failed",
			coeff, MinPlausibleCoefficient, MaxPlausibleCoefficient)
		return &w
	}
	return nil
}

// AffectedPlanes lists the planes a correction with this cavity size modifies
func AffectedPlanes(nz, cavity int) []int {
	var planes []int
	for p := cavity; p < nz; p++ {
		planes = append(planes, p)
	}
	return planes
}

// Correct subtracts coeff times the donor plane from every plane p >= cavity of vol, in place.
// Planes are visited from the last one down so each donor is still uncorrected when it is used.
// The correction is not invertible.
func Correct(vol *models.RawVolume, coeff float64, cavity int) []int {
	if cavity < 1 {
		return nil
	}
	c := float32(coeff)
	for p := vol.NZ - 1; p >= cavity; p-- {
		target := vol.Plane(p)
		donor := vol.Plane(p - cavity)
		for i := range target {
			target[i] -= c * donor[i]
		}
	}
	return AffectedPlanes(vol.NZ, cavity)
}

// CorrectStack applies the same correction to a plane-averaged volume, in place
func CorrectStack(stack *models.PlaneStack, coeff float64, cavity int) {
	if cavity < 1 {
		return
	}
	for p := stack.NZ - 1; p >= cavity; p-- {
		target := stack.Plane(p)
		donor := stack.Plane(p - cavity)
		for i := range target {
			target[i] -= coeff * donor[i]
		}
	}
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}
