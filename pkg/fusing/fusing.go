// Package fusing merges the laterally adjacent scan strips of each frame into one
// continuous image by removing the columns the strips share.
package fusing

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"lbminit/internal/models"
)

// ErrBadStrips is returned when strip start positions do not describe the frame
var ErrBadStrips = errors.New("invalid strip layout")

// Result describes how strips were fused
type Result struct {
	// Shift is the number of overlapping columns removed at each seam
	Shift int

	// Shifts holds the per-sample estimates; nil when the shift was not estimated
	Shifts []float64

	// Correlations holds the correlation of each per-sample estimate; nil when not estimated
	Correlations []float64

	// NewStarts are the strip start columns in the fused frame
	NewStarts []int

	// OriginalStarts are the strip start columns before fusing
	OriginalStarts []int

	// Warning is set when the shift could not be estimated and zero was used
	Warning *models.Warning
}

// Estimated reports whether the shift came from data rather than an override
func (r *Result) Estimated() bool {
	return r.Shifts != nil
}

// stripWidths returns the width of every strip and validates the layout
func stripWidths(starts []int, nx int) ([]int, error) {
	if len(starts) == 0 || starts[0] != 0 {
		return nil, fmt.Errorf("%w: strips must start at column 0, got %v", ErrBadStrips, starts)
	}
	widths := make([]int, len(starts))
	for i, s := range starts {
		end := nx
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		if end <= s {
			return nil, fmt.Errorf("%w: strip %d is empty in %v (width %d)", ErrBadStrips, i, starts, nx)
		}
		widths[i] = end - s
	}
	return widths, nil
}

// EstimateShifts estimates the strip overlap for every plane and seam of a mean image.
//
// An overlap of s columns means the last column of the left strip images the same
// tissue as column s-1 of the right strip. Each sample reports the s in [1, maxShift]
// whose column pair has the highest Pearson correlation, and that correlation.
func EstimateShifts(mean *models.PlaneStack, starts []int, maxShift int) ([]float64, []float64, error) {
	widths, err := stripWidths(starts, mean.NX)
	if err != nil {
		return nil, nil, err
	}
	if len(starts) < 2 {
		return nil, nil, fmt.Errorf("%w: need at least two strips to estimate a fuse shift", ErrBadStrips)
	}

	left := make([]float64, mean.NY)
	right := make([]float64, mean.NY)
	var shifts, ccs []float64
	for z := 0; z < mean.NZ; z++ {
		for seam := 0; seam+1 < len(starts); seam++ {
			lastCol := starts[seam+1] - 1
			column(mean, z, lastCol, left)

			bestShift, bestCC := 0, math.Inf(-1)
			limit := min(maxShift, widths[seam+1])
			for s := 1; s <= limit; s++ {
				column(mean, z, starts[seam+1]+s-1, right)
				cc := stat.Correlation(left, right, nil)
				if math.IsNaN(cc) {
					continue
				}
				if cc > bestCC {
					bestShift, bestCC = s, cc
				}
			}
			if math.IsInf(bestCC, -1) {
				bestCC = 0
			}
			shifts = append(shifts, float64(bestShift))
			ccs = append(ccs, bestCC)
		}
	}
	return shifts, ccs, nil
}

func column(stack *models.PlaneStack, z, x int, dst []float64) {
	plane := stack.Plane(z)
	for y := range dst {
		dst[y] = plane[y*stack.NX+x]
	}
}

// SelectShift rounds the median of the per-sample estimates.
// The median keeps a few misaligned or noisy samples from pulling the result.
func SelectShift(shifts []float64) int {
	if len(shifts) == 0 {
		return 0
	}
	sorted := append([]float64(nil), shifts...)
	sort.Float64s(sorted)
	n := len(sorted)
	med := sorted[n/2]
	if n%2 == 0 {
		med = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return int(math.RoundToEven(med))
}

// Resolve picks the fuse shift: the override when given, otherwise the estimate from mean.
// A frame with a single strip has no seam to estimate from; the shift is then zero and
// the result carries a warning.
func Resolve(mean *models.PlaneStack, starts []int, override *int, maxShift int) (*Result, error) {
	res := &Result{OriginalStarts: append([]int(nil), starts...)}
	if override != nil {
		res.Shift = *override
		return res, nil
	}
	if len(starts) < 2 {
		if _, err := stripWidths(starts, mean.NX); err != nil {
			return nil, err
		}
		w := models.NewWarning(models.DegenerateInputWarning,
			"only %d scan strip, fuse shift set to 0", len(starts))
		res.Warning = &w
		return res, nil
	}
	shifts, ccs, err := EstimateShifts(mean, starts, maxShift)
	if err != nil {
		return nil, err
	}
	res.Shift = SelectShift(shifts)
	res.Shifts = shifts
	res.Correlations = ccs
	return res, nil
}

// Fuse removes shift overlapping columns at every seam of every frame.
// Half of them (rounded down) are taken from the left edge of the right strip, the
// rest from the right edge of the left strip. It returns a new movie and the strip
// starts in the fused and the original frame.
func Fuse(vol *models.RawVolume, shift int, starts []int) (*models.RawVolume, []int, []int, error) {
	widths, err := stripWidths(starts, vol.NX)
	if err != nil {
		return nil, nil, nil, err
	}
	if shift < 0 {
		return nil, nil, nil, fmt.Errorf("fuse shift must not be negative, got %d", shift)
	}
	lshift := shift / 2
	rshift := shift - lshift

	type span struct{ from, to int }
	spans := make([]span, len(starts))
	newStarts := make([]int, len(starts))
	nx := 0
	for i, s := range starts {
		from, to := s, s+widths[i]
		if i > 0 {
			from += lshift
		}
		if i+1 < len(starts) {
			to -= rshift
		}
		if to <= from {
			return nil, nil, nil, fmt.Errorf("%w: fuse shift %d removes all of strip %d", ErrBadStrips, shift, i)
		}
		spans[i] = span{from, to}
		newStarts[i] = nx
		nx += to - from
	}

	out := models.NewRawVolume(vol.NZ, vol.NT, vol.NY, nx)
	out.StripStarts = newStarts
	for z := 0; z < vol.NZ; z++ {
		for t := 0; t < vol.NT; t++ {
			src := vol.Frame(z, t)
			dst := out.Frame(z, t)
			for y := 0; y < vol.NY; y++ {
				row := src[y*vol.NX : (y+1)*vol.NX]
				off := y * nx
				for _, sp := range spans {
					off += copy(dst[off:], row[sp.from:sp.to])
				}
			}
		}
	}
	return out, newStarts, append([]int(nil), starts...), nil
}
