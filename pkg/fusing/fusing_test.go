package fusing

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"lbminit/internal/models"
)

// tissue returns a smooth random pattern indexed by (y, column in tissue coordinates)
func tissue(ny, width int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	img := make([][]float64, ny)
	for y := range img {
		img[y] = make([]float64, width)
		for x := range img[y] {
			img[y][x] = 500 + 400*rng.Float64()
		}
	}
	return img
}

// overlappingStrips cuts tissue into two strips that share overlap columns
func overlappingStrips(nz, ny, stripWidth, overlap int) *models.PlaneStack {
	nx := 2 * stripWidth
	stack := models.NewPlaneStack(nz, ny, nx)
	for z := 0; z < nz; z++ {
		img := tissue(ny, 2*stripWidth-overlap, int64(z+1))
		plane := stack.Plane(z)
		for y := 0; y < ny; y++ {
			for x := 0; x < stripWidth; x++ {
				plane[y*nx+x] = img[y][x]
				plane[y*nx+stripWidth+x] = img[y][stripWidth-overlap+x]
			}
		}
	}
	return stack
}

func TestEstimateShiftsFindsOverlap(t *testing.T) {
	mean := overlappingStrips(3, 40, 16, 6)
	shifts, ccs, err := EstimateShifts(mean, []int{0, 16}, 10)
	if err != nil {
		t.Fatalf("EstimateShifts failed: %v", err)
	}
	if len(shifts) != 3 || len(ccs) != 3 {
		t.Fatalf("Expected one sample per plane and seam, got %d/%d", len(shifts), len(ccs))
	}
	for i, s := range shifts {
		if s != 6 {
			t.Errorf("Sample %d: expected overlap 6, got %v", i, s)
		}
		if ccs[i] < 0.999 {
			t.Errorf("Sample %d: expected near perfect correlation, got %v", i, ccs[i])
		}
	}
}

func TestSelectShiftUsesMedian(t *testing.T) {
	if got := SelectShift([]float64{6, 6, 7, 6, 19}); got != 6 {
		t.Errorf("Expected median 6, got %d", got)
	}
	if got := SelectShift([]float64{4, 7}); got != 6 {
		t.Errorf("Expected rounded median 6, got %d", got)
	}
	if got := SelectShift(nil); got != 0 {
		t.Errorf("Expected 0 for no samples, got %d", got)
	}
}

func TestResolveOverrideSkipsEstimation(t *testing.T) {
	mean := overlappingStrips(2, 20, 16, 4)
	override := 9
	res, err := Resolve(mean, []int{0, 16}, &override, 10)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Shift != 9 {
		t.Errorf("Expected override 9, got %d", res.Shift)
	}
	if res.Shifts != nil || res.Correlations != nil || res.Estimated() {
		t.Errorf("Override must not produce estimation diagnostics")
	}

	est, err := Resolve(mean, []int{0, 16}, nil, 10)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !est.Estimated() || est.Shift != 4 {
		t.Errorf("Expected estimated shift 4, got %d (estimated=%v)", est.Shift, est.Estimated())
	}
}

func TestFuseProducesContinuousFrame(t *testing.T) {
	const ny, stripWidth, overlap = 8, 10, 4
	img := tissue(ny, 2*stripWidth-overlap, 3)

	vol := models.NewRawVolume(1, 2, ny, 2*stripWidth)
	vol.StripStarts = []int{0, stripWidth}
	for ti := 0; ti < vol.NT; ti++ {
		frame := vol.Frame(0, ti)
		for y := 0; y < ny; y++ {
			for x := 0; x < stripWidth; x++ {
				frame[y*vol.NX+x] = float32(img[y][x])
				frame[y*vol.NX+stripWidth+x] = float32(img[y][stripWidth-overlap+x])
			}
		}
	}

	fused, newStarts, ogStarts, err := Fuse(vol, overlap, vol.StripStarts)
	if err != nil {
		t.Fatalf("Fuse failed: %v", err)
	}
	if fused.NX != 2*stripWidth-overlap {
		t.Fatalf("Expected fused width %d, got %d", 2*stripWidth-overlap, fused.NX)
	}
	if newStarts[1] != stripWidth-overlap+overlap/2 {
		t.Errorf("Unexpected new strip starts %v", newStarts)
	}
	if ogStarts[1] != stripWidth {
		t.Errorf("Original starts not preserved: %v", ogStarts)
	}
	for ti := 0; ti < fused.NT; ti++ {
		frame := fused.Frame(0, ti)
		for y := 0; y < ny; y++ {
			for x := 0; x < fused.NX; x++ {
				if math.Abs(float64(frame[y*fused.NX+x])-img[y][x]) > 1e-3 {
					t.Fatalf("Fused pixel (%d,%d) does not match tissue", y, x)
				}
			}
		}
	}
}

func TestFuseZeroShiftIsCopy(t *testing.T) {
	vol := models.NewRawVolume(2, 1, 2, 6)
	for i := range vol.Data {
		vol.Data[i] = float32(i)
	}
	fused, _, _, err := Fuse(vol, 0, []int{0, 3})
	if err != nil {
		t.Fatalf("Fuse failed: %v", err)
	}
	for i := range vol.Data {
		if fused.Data[i] != vol.Data[i] {
			t.Fatalf("Zero shift should keep every pixel")
		}
	}
}

func TestResolveSingleStripWarns(t *testing.T) {
	mean := overlappingStrips(1, 8, 8, 0)
	res, err := Resolve(mean, []int{0}, nil, 4)
	if err != nil {
		t.Fatalf("A single strip should not fail: %v", err)
	}
	if res.Shift != 0 || res.Estimated() {
		t.Errorf("Expected an unestimated zero shift, got %d (estimated=%v)", res.Shift, res.Estimated())
	}
	if res.Warning == nil || res.Warning.Kind != models.DegenerateInputWarning {
		t.Errorf("Expected a degenerate input warning, got %v", res.Warning)
	}

	if _, err := Resolve(mean, []int{3}, nil, 4); !errors.Is(err, ErrBadStrips) {
		t.Errorf("A layout not starting at 0 is still invalid, got %v", err)
	}
}

func TestBadStripLayouts(t *testing.T) {
	vol := models.NewRawVolume(1, 1, 2, 6)
	if _, _, _, err := Fuse(vol, 1, []int{1, 3}); !errors.Is(err, ErrBadStrips) {
		t.Errorf("Expected ErrBadStrips for a layout not starting at 0, got %v", err)
	}
	if _, _, _, err := Fuse(vol, 6, []int{0, 3}); !errors.Is(err, ErrBadStrips) {
		t.Errorf("Expected ErrBadStrips when the shift removes a strip, got %v", err)
	}
	if _, _, err := EstimateShifts(models.NewPlaneStack(1, 2, 6), []int{0}, 3); !errors.Is(err, ErrBadStrips) {
		t.Errorf("Expected ErrBadStrips for a single strip, got %v", err)
	}
}
