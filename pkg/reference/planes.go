package reference

import (
	"fmt"
	"math"
	"sort"

	"lbminit/internal/models"
	"lbminit/pkg/registration"
)

// madScale converts a median absolute deviation to a normal standard deviation
const madScale = 1.4826

// minStepConfidence is the registration confidence below which two neighbouring planes
// are treated as sharing no structure. Such steps are taken as zero.
const minStepConfidence = 0.3

// planeShifts estimates the shift that aligns every plane of stack with plane 0.
// It returns the outlier-corrected shifts, the raw cumulative shifts and a warning for
// every replaced or unreliable step. Forced shifts and disabled alignment bypass estimation, in which
// case the raw shifts equal the returned ones.
func (b *Builder) planeShifts(stack *models.PlaneStack) ([]models.Shift, []models.Shift, []models.Warning, error) {
	nz := stack.NZ
	if b.params.ForcePlaneShifts != nil {
		shifts := make([]models.Shift, nz)
		// Forced shifts are taken relative to plane 0, which is never moved
		anchor := b.params.ForcePlaneShifts[0]
		for z, s := range b.params.ForcePlaneShifts {
			shifts[z] = models.Shift{Y: s[0] - anchor[0], X: s[1] - anchor[1]}
		}
		return shifts, append([]models.Shift(nil), shifts...), nil, nil
	}
	if !b.params.PlaneToPlaneAlignment || nz < 2 {
		shifts := make([]models.Shift, nz)
		return shifts, append([]models.Shift(nil), shifts...), nil, nil
	}

	search := [3]int{0, b.params.PCSize[1], b.params.PCSize[2]}
	steps := make([]models.Shift, nz)
	reliable := make([]models.Shift, nz)
	var warnings []models.Warning
	for z := 1; z < nz; z++ {
		s, conf, err := b.engine.EstimateShift(stack.PlaneImage(z-1), stack.PlaneImage(z), b.params.MaxRegXY, search)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("plane %d to %d: %w", z, z-1, err)
		}
		steps[z] = s
		if conf < minStepConfidence {
			warnings = append(warnings, models.NewWarning(models.ConvergenceWarning,
				"plane %d to %d shift (%.0f, %.0f) has confidence %.3f, planes left unshifted",
				z, z-1, s.Y, s.X, conf))
			b.log.Warn().Int("plane", z).Float64("confidence", conf).Msg("Unreliable plane shift ignored")
			continue
		}
		reliable[z] = s
	}

	corrected, outliers := b.correctSteps(reliable)
	return cumulative(corrected), cumulative(steps), append(warnings, outliers...), nil
}

// correctSteps replaces outlying plane-to-plane steps with the median step.
// A step is an outlier on an axis when it deviates from the median step by more than
// three scaled MADs (at least one pixel) or exceeds the in-plane displacement bound.
func (b *Builder) correctSteps(steps []models.Shift) ([]models.Shift, []models.Warning) {
	corrected := append([]models.Shift(nil), steps...)
	if len(steps) < 2 {
		return corrected, nil
	}

	ys := make([]float64, 0, len(steps)-1)
	xs := make([]float64, 0, len(steps)-1)
	for _, s := range steps[1:] {
		ys = append(ys, s.Y)
		xs = append(xs, s.X)
	}
	medY, limY := robustBounds(ys)
	medX, limX := robustBounds(xs)
	bound := float64(b.params.MaxRegXY)

	var warnings []models.Warning
	for z := 1; z < len(steps); z++ {
		s := steps[z]
		outY := math.Abs(s.Y-medY) > limY || math.Abs(s.Y) > bound
		outX := math.Abs(s.X-medX) > limX || math.Abs(s.X) > bound
		if !outY && !outX {
			continue
		}
		corrected[z] = models.Shift{Y: math.Round(medY), X: math.Round(medX)}
		warnings = append(warnings, models.NewWarning(models.ConvergenceWarning,
			"plane %d to %d shift (%.0f, %.0f) replaced by the median step (%.0f, %.0f)",
			z, z-1, s.Y, s.X, corrected[z].Y, corrected[z].X))
		b.log.Warn().Int("plane", z).Float64("y", s.Y).Float64("x", s.X).Msg("Outlying plane shift replaced")
	}
	return corrected, warnings
}

// robustBounds returns the median of values and the outlier threshold around it
func robustBounds(values []float64) (float64, float64) {
	med := median(values)
	dev := make([]float64, len(values))
	for i, v := range values {
		dev[i] = math.Abs(v - med)
	}
	return med, math.Max(3*madScale*median(dev), 1)
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}

func cumulative(steps []models.Shift) []models.Shift {
	out := make([]models.Shift, len(steps))
	for z := 1; z < len(steps); z++ {
		out[z] = out[z-1].Add(steps[z])
	}
	return out
}

// canvasLayout places planes of size (ny, nx) into a padded canvas large enough to
// hold every plane at its shift without cropping
type canvasLayout struct {
	shifts     []models.Shift
	ny, nx     int
	minY, minX int
	maxY, maxX int
}

func newCanvasLayout(shifts []models.Shift, ny, nx int) *canvasLayout {
	l := &canvasLayout{shifts: shifts, ny: ny, nx: nx}
	for i, s := range shifts {
		y, x := int(math.Round(s.Y)), int(math.Round(s.X))
		if i == 0 || y < l.minY {
			l.minY = y
		}
		if i == 0 || x < l.minX {
			l.minX = x
		}
		if i == 0 || y > l.maxY {
			l.maxY = y
		}
		if i == 0 || x > l.maxX {
			l.maxX = x
		}
	}
	return l
}

func (l *canvasLayout) padding() models.Padding {
	return models.Padding{X: l.maxX - l.minX, Y: l.maxY - l.minY}
}

func (l *canvasLayout) canvas(nz int) *models.PlaneStack {
	p := l.padding()
	return models.NewPlaneStack(nz, l.ny+p.Y, l.nx+p.X)
}

// offset returns the top-left corner of plane z inside the canvas
func (l *canvasLayout) offset(z int) (int, int) {
	return int(math.Round(l.shifts[z].Y)) - l.minY, int(math.Round(l.shifts[z].X)) - l.minX
}

// align places every plane at its shift
func (l *canvasLayout) align(stack *models.PlaneStack) *models.PlaneStack {
	out := l.canvas(stack.NZ)
	for z := 0; z < stack.NZ; z++ {
		oy, ox := l.offset(z)
		registration.Embed(out, z, stack.Plane(z), l.ny, l.nx, oy, ox)
	}
	return out
}

// unaligned places every plane where plane 0 sits, without its own shift
func (l *canvasLayout) unaligned(stack *models.PlaneStack) *models.PlaneStack {
	out := l.canvas(stack.NZ)
	for z := 0; z < stack.NZ; z++ {
		registration.Embed(out, z, stack.Plane(z), l.ny, l.nx, -l.minY, -l.minX)
	}
	return out
}

// alignMovie places every frame of every plane at its plane's shift
func (l *canvasLayout) alignMovie(vol *models.RawVolume) *models.RawVolume {
	p := l.padding()
	ny, nx := l.ny+p.Y, l.nx+p.X
	out := models.NewRawVolume(vol.NZ, vol.NT, ny, nx)
	out.StripStarts = append([]int(nil), vol.StripStarts...)
	for z := 0; z < vol.NZ; z++ {
		oy, ox := l.offset(z)
		for t := 0; t < vol.NT; t++ {
			src := vol.Frame(z, t)
			dst := out.Frame(z, t)
			for y := 0; y < l.ny; y++ {
				copy(dst[(y+oy)*nx+ox:(y+oy)*nx+ox+l.nx], src[y*l.nx:(y+1)*l.nx])
			}
		}
	}
	return out
}
