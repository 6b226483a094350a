package registration

import (
	"errors"
	"math"
	"math/cmplx"
	"math/rand"
	"testing"

	"lbminit/internal/models"
)

// texture returns a smoothed random stack resembling a fluorescence image
func texture(nz, ny, nx int, seed int64) *models.PlaneStack {
	rng := rand.New(rand.NewSource(seed))
	img := models.NewPlaneStack(nz, ny, nx)
	for i := range img.Data {
		img.Data[i] = 100 + 50*rng.Float64()
	}
	return Smooth(img, 1, 0)
}

func TestFFTRoundTrip(t *testing.T) {
	dims := [3]int{3, 6, 5}
	rng := rand.New(rand.NewSource(4))
	orig := make([]complex128, dims[0]*dims[1]*dims[2])
	for i := range orig {
		orig[i] = complex(rng.Float64(), rng.Float64())
	}
	data := append([]complex128(nil), orig...)
	fftN(data, dims, false)
	fftN(data, dims, true)
	for i := range orig {
		if cmplx.Abs(data[i]-orig[i]) > 1e-9 {
			t.Fatalf("Round trip mismatch at %d: %v vs %v", i, data[i], orig[i])
		}
	}
}

func TestFFTConstantIsDC(t *testing.T) {
	dims := [3]int{1, 4, 4}
	data := make([]complex128, 16)
	for i := range data {
		data[i] = 2
	}
	fftN(data, dims, false)
	if cmplx.Abs(data[0]-32) > 1e-9 {
		t.Errorf("Expected DC 32, got %v", data[0])
	}
	for i := 1; i < len(data); i++ {
		if cmplx.Abs(data[i]) > 1e-9 {
			t.Errorf("Expected zero at bin %d, got %v", i, data[i])
		}
	}
}

func TestRollAndTranslate(t *testing.T) {
	img := models.NewPlaneStack(1, 3, 4)
	for i := range img.Data {
		img.Data[i] = float64(i + 1)
	}

	rolled := Roll(img, models.Shift{Y: 1, X: -1})
	// out[y+1][x-1] = in[y][x]
	if rolled.At(0, 1, 0) != img.At(0, 0, 1) {
		t.Errorf("Unexpected rolled value %v", rolled.At(0, 1, 0))
	}
	if rolled.At(0, 0, 3) != img.At(0, 2, 0) {
		t.Errorf("Roll should wrap: expected %v, got %v", img.At(0, 2, 0), rolled.At(0, 0, 3))
	}
	back := Roll(rolled, models.Shift{Y: -1, X: 1})
	for i := range img.Data {
		if back.Data[i] != img.Data[i] {
			t.Fatalf("Rolling back should restore the image")
		}
	}

	moved := Translate(img, models.Shift{X: 2})
	for y := 0; y < 3; y++ {
		if moved.At(0, y, 0) != 0 || moved.At(0, y, 1) != 0 {
			t.Errorf("Translate should zero-fill uncovered columns")
		}
		if moved.At(0, y, 2) != img.At(0, y, 0) {
			t.Errorf("Translate moved the wrong pixel")
		}
	}
}

func TestDisplaceDoesNotWrapPlanes(t *testing.T) {
	img := models.NewPlaneStack(3, 2, 3)
	for z := 0; z < 3; z++ {
		for i := range img.Plane(z) {
			img.Plane(z)[i] = float64(10*(z+1) + i)
		}
	}

	out, covered := Displace(img, models.Shift{Z: 1, X: 1})
	if covered[0] || !covered[1] || !covered[2] {
		t.Errorf("Expected planes 1 and 2 covered, got %v", covered)
	}
	for _, v := range out.Plane(0) {
		if v != 0 {
			t.Fatalf("The last plane must not wrap into plane 0, got %v", out.Plane(0))
		}
	}
	// plane 0 lands on plane 1 and its columns still wrap
	if out.At(1, 0, 1) != img.At(0, 0, 0) || out.At(1, 1, 0) != img.At(0, 1, 2) {
		t.Errorf("Unexpected in-plane placement %v", out.Plane(1))
	}

	back, covered := Displace(img, models.Shift{Z: -2})
	if !covered[0] || covered[1] || covered[2] {
		t.Errorf("Expected only plane 0 covered, got %v", covered)
	}
	if back.At(0, 1, 1) != img.At(2, 1, 1) {
		t.Errorf("Plane 2 should move to plane 0")
	}
}

func TestEmbed(t *testing.T) {
	canvas := models.NewPlaneStack(2, 4, 5)
	Embed(canvas, 1, []float64{1, 2, 3, 4}, 2, 2, 1, 3)
	if canvas.At(1, 1, 3) != 1 || canvas.At(1, 2, 4) != 4 {
		t.Errorf("Embed placed the plane at the wrong offset")
	}
	for _, v := range canvas.Plane(0) {
		if v != 0 {
			t.Fatalf("Embed touched another plane")
		}
	}
}

func TestSmoothPreservesConstant(t *testing.T) {
	img := models.NewPlaneStack(3, 8, 8)
	for i := range img.Data {
		img.Data[i] = 7
	}
	out := Smooth(img, 1.45, 1)
	for i, v := range out.Data {
		if math.Abs(v-7) > 1e-9 {
			t.Fatalf("Smoothing a constant changed pixel %d to %v", i, v)
		}
	}
	if img.Data[0] != 7 {
		t.Errorf("Smooth must not modify its input")
	}
}

// directSmooth convolves each line with a reflected border by summing over the kernel
func directSmooth(line []float64, kernel []float64) []float64 {
	r := len(kernel) / 2
	out := make([]float64, len(line))
	for i := range line {
		for k, w := range kernel {
			out[i] += w * line[reflect(i+k-r, len(line))]
		}
	}
	return out
}

func TestConvolveAxisMatchesDirectSum(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	dims := [3]int{2, 5, 9}
	data := make([]float64, dims[0]*dims[1]*dims[2])
	for i := range data {
		data[i] = 100 * rng.Float64()
	}
	// radius 8 exceeds the line length along y, so reflection wraps more than once
	kernel := gaussianKernel(2)

	byX := convolveAxis(data, dims, 2, kernel)
	for row := 0; row < dims[0]*dims[1]; row++ {
		want := directSmooth(data[row*dims[2]:(row+1)*dims[2]], kernel)
		for x, w := range want {
			if got := byX[row*dims[2]+x]; math.Abs(got-w) > 1e-9 {
				t.Fatalf("Row %d x %d: expected %v, got %v", row, x, w, got)
			}
		}
	}

	byY := convolveAxis(data, dims, 1, kernel)
	column := make([]float64, dims[1])
	for z := 0; z < dims[0]; z++ {
		for x := 0; x < dims[2]; x++ {
			for y := range column {
				column[y] = data[(z*dims[1]+y)*dims[2]+x]
			}
			for y, w := range directSmooth(column, kernel) {
				if got := byY[(z*dims[1]+y)*dims[2]+x]; math.Abs(got-w) > 1e-9 {
					t.Fatalf("Plane %d column %d y %d: expected %v, got %v", z, x, y, w, got)
				}
			}
		}
	}
}

func TestTaperMask(t *testing.T) {
	mask := TaperMask(32, 32, 1.15)
	centre := mask[16*32+16]
	corner := mask[0]
	if centre < 0.99 {
		t.Errorf("Expected centre near 1, got %v", centre)
	}
	if corner >= centre || corner > 0.5 {
		t.Errorf("Expected corner to be attenuated, got %v", corner)
	}
}

func TestEstimateShiftRecoversImageShift(t *testing.T) {
	engine := NewPhaseCorrelator(1.15)
	ref := texture(1, 32, 32, 1)

	tests := []models.Shift{
		{Y: 3, X: -2},
		{Y: -5, X: 4},
		{Y: 0, X: 0},
		{Y: 1, X: 7},
	}
	for _, applied := range tests {
		moved := Roll(ref, applied)
		got, conf, err := engine.EstimateShift(ref, moved, 10, [3]int{0, 0, 0})
		if err != nil {
			t.Fatalf("EstimateShift failed: %v", err)
		}
		want := models.Shift{Y: -applied.Y, X: -applied.X}
		if got != want {
			t.Errorf("Applied %+v: expected correction %+v, got %+v", applied, want, got)
		}
		if conf <= 0.2 || conf > 1 {
			t.Errorf("Applied %+v: unexpected confidence %v", applied, conf)
		}
	}
}

func TestEstimateShiftIdenticalImages(t *testing.T) {
	engine := NewPhaseCorrelator(1.15)
	ref := texture(1, 24, 24, 2)
	s, conf, err := engine.EstimateShift(ref, ref, 5, [3]int{})
	if err != nil {
		t.Fatalf("EstimateShift failed: %v", err)
	}
	if !s.IsZero() {
		t.Errorf("Expected zero shift, got %+v", s)
	}
	if conf < 0.999 {
		t.Errorf("Expected confidence 1 for identical images, got %v", conf)
	}
}

func TestEstimateShiftRespectsBounds(t *testing.T) {
	engine := NewPhaseCorrelator(1.15)
	ref := texture(1, 32, 32, 3)
	moved := Roll(ref, models.Shift{Y: 6})
	got, _, err := engine.EstimateShift(ref, moved, 3, [3]int{0, 0, 0})
	if err != nil {
		t.Fatalf("EstimateShift failed: %v", err)
	}
	if math.Abs(got.Y) > 3 || math.Abs(got.X) > 3 {
		t.Errorf("Shift %+v exceeds the displacement bound", got)
	}
}

func TestEstimateShiftVolume(t *testing.T) {
	engine := NewPhaseCorrelator(1.15)
	ref := texture(5, 24, 24, 5)
	moved := Roll(ref, models.Shift{Z: 1, Y: -2, X: 3})
	got, _, err := engine.EstimateShift(ref, moved, 8, [3]int{2, 20, 20})
	if err != nil {
		t.Fatalf("EstimateShift failed: %v", err)
	}
	want := models.Shift{Z: -1, Y: 2, X: -3}
	if got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}

	flat, _, err := engine.EstimateShift(ref, moved, 8, [3]int{0, 20, 20})
	if err != nil {
		t.Fatalf("EstimateShift failed: %v", err)
	}
	if flat.Z != 0 {
		t.Errorf("A zero z bound must not search across planes, got %+v", flat)
	}
}

func TestEstimateShiftShapeMismatch(t *testing.T) {
	engine := NewPhaseCorrelator(1)
	_, _, err := engine.EstimateShift(models.NewPlaneStack(1, 4, 4), models.NewPlaneStack(1, 4, 5), 2, [3]int{})
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch, got %v", err)
	}
}

func TestBuildMasks(t *testing.T) {
	engine := NewPhaseCorrelator(1.15)
	ref := texture(1, 40, 48, 6)
	masks, err := engine.BuildMasks(ref, MaskParams{SmoothSigma: 1.15, BlockSize: [2]int{16, 16}, NormFrames: true})
	if err != nil {
		t.Fatalf("BuildMasks failed: %v", err)
	}
	if len(masks.MaskMul) != 40*48 || len(masks.MaskOffset) != 40*48 || len(masks.RefSpectrum) != 40*48 {
		t.Fatalf("Mask sizes do not match the image")
	}
	for i, m := range masks.MaskMul {
		if m < 0 || m > 1 {
			t.Fatalf("Taper value %v out of range at %d", m, i)
		}
	}
	if masks.BlockSize != [2]int{16, 16} || len(masks.Blocks) != 4*5 {
		t.Errorf("Unexpected block grid %v with %d blocks", masks.BlockSize, len(masks.Blocks))
	}

	if _, err := engine.BuildMasks(texture(2, 8, 8, 1), MaskParams{SmoothSigma: 1}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for a volume, got %v", err)
	}
}

func TestMakeBlocksCoversImage(t *testing.T) {
	blocks, size := MakeBlocks(100, 70, [2]int{128, 32})
	if size != [2]int{100, 32} {
		t.Errorf("Block size should be clipped to the image, got %v", size)
	}
	covered := make([]bool, 100*70)
	for _, b := range blocks {
		if b.Y0 < 0 || b.Y1 > 100 || b.X0 < 0 || b.X1 > 70 {
			t.Fatalf("Block %+v outside the image", b)
		}
		for y := b.Y0; y < b.Y1; y++ {
			for x := b.X0; x < b.X1; x++ {
				covered[y*70+x] = true
			}
		}
	}
	for i, c := range covered {
		if !c {
			t.Fatalf("Pixel %d not covered by any block", i)
		}
	}
}
