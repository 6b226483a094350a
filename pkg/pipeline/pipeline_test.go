package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"lbminit/internal/models"
	"lbminit/pkg/config"
	"lbminit/pkg/loader"
	"lbminit/pkg/metrics"
	"lbminit/pkg/registration"
	"lbminit/pkg/summary"
)

// fakeLoader synthesises a static movie. Planes below the cavity carry independent
// textures; the planes above carry no signal of their own, only coeff times the plane
// one cavity below. Every frame adds zero-mean noise.
type fakeLoader struct {
	clean          *models.PlaneStack
	framesPerFile  int
	coeff          float64
	cavity         int
	noise          float64
	offset         float64
	stripStarts    []int
	calls          int
	requestedFiles []string
}

func newFakeLoader(nz, ny, nx, frames int, coeff float64, cavity int) *fakeLoader {
	rng := rand.New(rand.NewSource(7))
	clean := models.NewPlaneStack(nz, ny, nx)
	for z := 0; z < min(cavity, nz); z++ {
		plane := clean.Plane(z)
		for i := range plane {
			plane[i] = 100 + 4000*rng.Float64()
		}
	}
	return &fakeLoader{clean: clean, framesPerFile: frames, coeff: coeff, cavity: cavity, noise: 5}
}

func (f *fakeLoader) Load(ctx context.Context, files []string, planes []int, filter *loader.NotchFilter, nChannels int, fixScanQuirk bool) (*models.RawVolume, error) {
	f.calls++
	f.requestedFiles = files
	rng := rand.New(rand.NewSource(int64(len(files))))
	c := f.clean
	vol := models.NewRawVolume(c.NZ, len(files)*f.framesPerFile, c.NY, c.NX)
	if f.stripStarts != nil {
		vol.StripStarts = f.stripStarts
	}
	for z := 0; z < c.NZ; z++ {
		for t := 0; t < vol.NT; t++ {
			frame := vol.Frame(z, t)
			for i := range frame {
				v := c.Plane(z)[i] + f.offset + f.noise*rng.NormFloat64()
				if z >= f.cavity {
					v += f.coeff * c.Plane(z - f.cavity)[i]
				}
				frame[i] = float32(v)
			}
		}
	}
	return vol, nil
}

func testFiles(n int) []string {
	files := make([]string, n)
	for i := range files {
		files[i] = fmt.Sprintf("rec_%d.tif", i)
	}
	return files
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Job.SummaryDir = t.TempDir()
	cfg.Loader.NumChannels = 3
	cfg.Init.NInitFiles = 4
	cfg.Init.SampleMethod = config.SampleEven
	cfg.Correction.CavitySize = 2
	cfg.Fusing.FuseStrips = false
	cfg.Reference.Reg3D = false
	cfg.Reference.NIter = 3
	cfg.Reference.Workers = 2
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Invalid test config: %v", err)
	}
	return cfg
}

func newTestDriver(cfg *config.Config, fl loader.FrameLoader, files []string) *Driver {
	d := NewDriver(cfg, fl, registration.NewPhaseCorrelator(cfg.Reference.SmoothSigma), zerolog.Nop())
	d.Files = files
	return d
}

func TestRunEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping end-to-end run in short mode")
	}

	cfg := testConfig(t)
	fl := newFakeLoader(3, 32, 32, 10, 0.2, 2)
	s, err := newTestDriver(cfg, fl, testFiles(4)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(fl.requestedFiles) != 4 || s.NumFrames != 40 {
		t.Errorf("Expected 4 files and 40 frames, got %d files and %d frames", len(fl.requestedFiles), s.NumFrames)
	}
	if s.CrosstalkCoeff == nil || *s.CrosstalkCoeff < 0.15 || *s.CrosstalkCoeff > 0.25 {
		t.Fatalf("Expected crosstalk coefficient in [0.15, 0.25], got %v", s.CrosstalkCoeff)
	}
	if len(s.CrosstalkPlanes) != 1 || s.CrosstalkPlanes[0] != 2 {
		t.Errorf("Expected only plane 2 corrected, got %v", s.CrosstalkPlanes)
	}

	// Plane 2 has no signal of its own, so after correction only noise is left
	contamination := 0.2 * stat.Mean(fl.clean.Plane(0), nil)
	if m := stat.Mean(s.Image.Plane(2), nil); math.Abs(m) > 0.05*contamination {
		t.Errorf("Corrected plane 2 mean %.2f should be near zero (contamination %.2f)", m, contamination)
	}
	clean := fl.clean.Plane(2)
	before := metrics.RMSE(s.RawImage.Plane(2), clean)
	after := metrics.RMSE(s.Image.Plane(2), clean)
	if after > 0.1*before {
		t.Errorf("Corrected plane 2 should match its clean signal: rmse %.2f before, %.2f after", before, after)
	}
	// Planes below the cavity are untouched
	if metrics.RMSE(s.Image.Plane(0), s.RawImage.Plane(0)) != 0 {
		t.Errorf("Plane 0 must not be corrected")
	}

	// Neighbouring planes share no structure, so plane alignment adds no padding
	for z, shift := range s.PlaneShifts {
		if !shift.IsZero() {
			t.Errorf("Plane %d: expected no shift between unrelated planes, got %+v", z, shift)
		}
	}
	if s.Padding != (models.Padding{}) {
		t.Errorf("Expected no padding, got %+v", s.Padding)
	}
	if s.Reference == nil || s.Reference.Shape() != [3]int{3, 32, 32} {
		t.Fatalf("Expected reference shape [3 32 32], got %v", s.Reference)
	}
	if len(s.PlaneShifts) != 3 {
		t.Errorf("Expected one shift per plane, got %v", s.PlaneShifts)
	}
	if len(s.Diagnostics) != 3 || len(s.Masks) != 3 {
		t.Errorf("Expected diagnostics and masks for 3 planes, got %d and %d", len(s.Diagnostics), len(s.Masks))
	}
	if s.FuseEstimated() || s.FuseShift != 0 {
		t.Errorf("Fusing was disabled but a shift was recorded")
	}
	if len(s.StripStarts) != 1 || s.StripStarts[0] != 0 {
		t.Errorf("Disabled fusing should report one continuous strip, got %v", s.StripStarts)
	}

	loaded, err := summary.NewStore(cfg.Job.SummaryDir).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.CrosstalkCoeff == nil || math.Abs(*loaded.CrosstalkCoeff-*s.CrosstalkCoeff) > 1e-12 {
		t.Errorf("Persisted coefficient differs")
	}
	if loaded.Reference.Shape() != s.Reference.Shape() {
		t.Errorf("Persisted reference shape differs")
	}
}

func TestRunMissingSummaryDirectory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Job.SummaryDir = filepath.Join(t.TempDir(), "missing")
	fl := newFakeLoader(3, 8, 8, 2, 0, 2)

	_, err := newTestDriver(cfg, fl, testFiles(4)).Run(context.Background())
	var missing *models.MissingDirectoryError
	if !errors.As(err, &missing) {
		t.Fatalf("Expected MissingDirectoryError, got %v", err)
	}
	if fl.calls != 0 {
		t.Errorf("Nothing should be loaded before the directory check")
	}
}

func TestRunRefusesExistingSummary(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(filepath.Join(cfg.Job.SummaryDir, summary.MetadataFile), nil, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	fl := newFakeLoader(3, 8, 8, 2, 0, 2)
	if _, err := newTestDriver(cfg, fl, testFiles(4)).Run(context.Background()); !errors.Is(err, summary.ErrSummaryExists) {
		t.Errorf("Expected ErrSummaryExists, got %v", err)
	}
	if fl.calls != 0 {
		t.Errorf("Nothing should be loaded when a summary exists")
	}
}

func TestRunTooFewFiles(t *testing.T) {
	cfg := testConfig(t)
	cfg.Init.NInitFiles = 5
	_, err := newTestDriver(cfg, newFakeLoader(3, 8, 8, 2, 0, 2), testFiles(4)).Run(context.Background())
	var insufficient *models.InsufficientDataError
	if !errors.As(err, &insufficient) {
		t.Errorf("Expected InsufficientDataError, got %v", err)
	}
}

func TestRunFuseOverrideAndPositivity(t *testing.T) {
	cfg := testConfig(t)
	cfg.Init.NInitFiles = 2
	shortfall := 50
	cfg.Init.InitNFrames = &shortfall
	cfg.Correction.SubtractCrosstalk = false
	cfg.Correction.EnforcePositivity = true
	override := 4
	cfg.Fusing.FuseStrips = true
	cfg.Fusing.FuseShiftOverride = &override
	cfg.Reference.NIter = 1
	cfg.Output.SavePreviews = true

	fl := newFakeLoader(3, 16, 32, 4, 0, 2)
	fl.stripStarts = []int{0, 16}
	fl.offset = -5000

	s, err := newTestDriver(cfg, fl, testFiles(6)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if s.FuseShift != 4 || s.FuseEstimated() || s.FuseCorrelations != nil {
		t.Errorf("An overridden fuse shift must carry no diagnostics: %d %v %v", s.FuseShift, s.FuseShifts, s.FuseCorrelations)
	}
	if len(s.StripStarts) != 2 || s.StripStarts[1] != 14 || s.OriginalStripStarts[1] != 16 {
		t.Errorf("Unexpected strip starts %v (original %v)", s.StripStarts, s.OriginalStripStarts)
	}
	if s.Reference.NX != 28 {
		t.Errorf("Expected fused width 28, got %d", s.Reference.NX)
	}
	if s.CrosstalkEnabled() {
		t.Errorf("Crosstalk was disabled but a coefficient was recorded")
	}

	if len(s.MinPixelValues) != 3 {
		t.Fatalf("Expected one minimum per plane, got %v", s.MinPixelValues)
	}
	for z := 0; z < s.Image.NZ; z++ {
		lo := math.Inf(1)
		for _, v := range s.Image.Plane(z) {
			lo = math.Min(lo, v)
		}
		// Truncation toward zero leaves negative minima just below zero
		if lo <= -1 || lo >= 1 {
			t.Errorf("Plane %d minimum should be within one count of zero, got %v", z, lo)
		}
	}

	if len(s.Warnings) == 0 || s.Warnings[0].Kind != models.ShortfallWarning {
		t.Errorf("Expected a shortfall warning, got %v", s.Warnings)
	}

	previews, _ := filepath.Glob(filepath.Join(cfg.Job.SummaryDir, cfg.Output.PreviewDir, "*.png"))
	if len(previews) != 6 {
		t.Errorf("Expected mean and reference previews for 3 planes, got %d", len(previews))
	}
}

func TestRunSkipsUnfittableCrosstalkPlane(t *testing.T) {
	cfg := testConfig(t)
	cfg.Reference.NIter = 1
	fl := newFakeLoader(4, 16, 16, 2, 0.2, 2)
	fl.noise = 0
	// A flat donor leaves plane 3 nothing to fit
	for i := range fl.clean.Plane(1) {
		fl.clean.Plane(1)[i] = 800
	}

	s, err := newTestDriver(cfg, fl, testFiles(4)).Run(context.Background())
	if err != nil {
		t.Fatalf("An unfittable plane should not fail the run: %v", err)
	}
	if s.CrosstalkCoeff == nil || math.Abs(*s.CrosstalkCoeff-0.2) > 1e-3 {
		t.Errorf("Expected the coefficient from plane 2 alone, got %v", s.CrosstalkCoeff)
	}
	if len(s.CrosstalkPlaneCoeffs) != 1 {
		t.Errorf("Expected one fitted plane, got %v", s.CrosstalkPlaneCoeffs)
	}
	if !hasWarning(s.Warnings, models.CalibrationWarning) {
		t.Errorf("Expected a calibration warning, got %v", s.Warnings)
	}
}

func TestRunSingleStripFuseWarns(t *testing.T) {
	cfg := testConfig(t)
	cfg.Correction.SubtractCrosstalk = false
	cfg.Fusing.FuseStrips = true
	cfg.Reference.NIter = 1
	fl := newFakeLoader(3, 16, 16, 2, 0, 2)

	s, err := newTestDriver(cfg, fl, testFiles(4)).Run(context.Background())
	if err != nil {
		t.Fatalf("A single strip should not fail the run: %v", err)
	}
	if s.FuseShift != 0 || s.FuseEstimated() {
		t.Errorf("Expected an unestimated zero fuse shift, got %d", s.FuseShift)
	}
	if s.Image.NX != 16 {
		t.Errorf("Expected the frame width unchanged, got %d", s.Image.NX)
	}
	if !hasWarning(s.Warnings, models.DegenerateInputWarning) {
		t.Errorf("Expected a degenerate input warning, got %v", s.Warnings)
	}
}

func hasWarning(warnings []models.Warning, kind models.WarningKind) bool {
	for _, w := range warnings {
		if w.Kind == kind {
			return true
		}
	}
	return false
}
