package metrics

import (
	"math"
	"testing"
)

func TestRMSE(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 2, 3}, []float64{1, 2, 3}, 0},
		{"offset", []float64{1, 2, 3, 4}, []float64{2, 3, 4, 5}, 1},
		{"mixed", []float64{0, 0}, []float64{3, 4}, math.Sqrt(12.5)},
		{"mismatched", []float64{1}, []float64{1, 2}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RMSE(tt.a, tt.b); math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("Expected RMSE %v, got %v", tt.want, got)
			}
		})
	}
}

func TestSSIM(t *testing.T) {
	a := []float64{10, 20, 30, 40, 50, 60, 70, 80}
	if got := SSIM(a, a); math.Abs(got-1) > 1e-12 {
		t.Errorf("Expected SSIM 1 for identical images, got %v", got)
	}

	reversed := make([]float64, len(a))
	for i := range a {
		reversed[i] = a[len(a)-1-i]
	}
	if got := SSIM(a, reversed); got >= 0 {
		t.Errorf("Expected negative SSIM for anti-correlated images, got %v", got)
	}

	flat := []float64{5, 5, 5}
	if got := SSIM(flat, flat); got != 1 {
		t.Errorf("Expected SSIM 1 for identical flat images, got %v", got)
	}
}

func TestEntropy(t *testing.T) {
	if got := Entropy([]float64{3, 3, 3}); got != 0 {
		t.Errorf("Expected zero entropy for a constant image, got %v", got)
	}
	// Two equally populated values fall in the first and last bin
	if got := Entropy([]float64{0, 1, 0, 1}); math.Abs(got-1) > 1e-12 {
		t.Errorf("Expected one bit of entropy, got %v", got)
	}
}

func TestCompare(t *testing.T) {
	a := []float64{1, 4, 2, 8, 5, 7, 3, 6}
	b := make([]float64, len(a))
	for i := range a {
		b[i] = a[i] + 0.1*float64(i%2)
	}
	q := Compare(a, b)
	if q.Correlation < 0.99 {
		t.Errorf("Expected high correlation, got %v", q.Correlation)
	}
	if q.MI <= 0 {
		t.Errorf("Expected positive mutual information, got %v", q.MI)
	}
	if q.RMSE <= 0 || q.RMSE > 0.1 {
		t.Errorf("Unexpected RMSE %v", q.RMSE)
	}

	if empty := Compare(nil, nil); empty != (Quality{}) {
		t.Errorf("Expected zero Quality for empty input, got %+v", empty)
	}
}
