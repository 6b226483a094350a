package loader

import (
	"fmt"
	"math"
)

// NotchFilter is a second-order IIR filter that removes a narrow band around F0.
// It is applied forward and backward along every image row, so it adds no phase shift.
type NotchFilter struct {
	b [3]float64
	a [3]float64
}

// NewNotchFilter designs a notch at f0 with quality factor q for a signal sampled at
// sampleRate. The band is -3 dB wide at f0/q.
func NewNotchFilter(f0, q, sampleRate float64) (*NotchFilter, error) {
	if q <= 0 || sampleRate <= 0 || f0 <= 0 || f0 >= sampleRate/2 {
		return nil, fmt.Errorf("invalid notch filter: f0=%g q=%g rate=%g", f0, q, sampleRate)
	}
	w0 := 2 * math.Pi * f0 / sampleRate
	bw := w0 / q
	beta := math.Tan(bw / 2)
	gain := 1 / (1 + beta)
	c := math.Cos(w0)
	return &NotchFilter{
		b: [3]float64{gain, -2 * gain * c, gain},
		a: [3]float64{1, -2 * gain * c, 2*gain - 1},
	}, nil
}

// pass runs the biquad over x in place, starting from the steady state of the first sample
func (f *NotchFilter) pass(x []float64) {
	if len(x) == 0 {
		return
	}
	// Steady-state initial conditions for a constant input equal to x[0]
	dc := (f.b[0] + f.b[1] + f.b[2]) / (f.a[0] + f.a[1] + f.a[2])
	y0 := dc * x[0]
	z1 := y0 - f.b[0]*x[0]
	z2 := f.b[2]*x[0] - f.a[2]*y0

	for i, v := range x {
		out := f.b[0]*v + z1
		z1 = f.b[1]*v - f.a[1]*out + z2
		z2 = f.b[2]*v - f.a[2]*out
		x[i] = out
	}
}

// Apply filters one row forward and then backward, in place
func (f *NotchFilter) Apply(row []float64) {
	f.pass(row)
	for i, j := 0, len(row)-1; i < j; i, j = i+1, j-1 {
		row[i], row[j] = row[j], row[i]
	}
	f.pass(row)
	for i, j := 0, len(row)-1; i < j; i, j = i+1, j-1 {
		row[i], row[j] = row[j], row[i]
	}
}
