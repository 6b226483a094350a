// Package pipeline sequences the stages of an initialization run.
//
// A run samples raw frame files, loads them, removes crosstalk between planes,
// fuses scan strips, builds the reference volume and persists the summary:
//  1. Choose initialization files and load them
//  2. Normalise the frame count
//  3. Enforce positivity of the plane averages
//  4. Estimate and subtract crosstalk
//  5. Fuse scan strips
//  6. Build the reference volume
//  7. Persist the summary and optional previews
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"lbminit/internal/logging"
	"lbminit/internal/models"
	"lbminit/pkg/config"
	"lbminit/pkg/crosstalk"
	"lbminit/pkg/fusing"
	"lbminit/pkg/loader"
	"lbminit/pkg/reference"
	"lbminit/pkg/registration"
	"lbminit/pkg/sampling"
	"lbminit/pkg/summary"
	"lbminit/pkg/visualization"
)

// Driver runs one initialization
type Driver struct {
	cfg    *config.Config
	loader loader.FrameLoader
	engine registration.Engine
	store  *summary.Store
	log    zerolog.Logger

	// Files is the ordered list of recording files. When empty the input directory
	// of the job is searched.
	Files []string

	// Hook observes reference refinement iterations
	Hook reference.IterationHook
}

// NewDriver creates a driver for a validated configuration
func NewDriver(cfg *config.Config, fl loader.FrameLoader, engine registration.Engine, log zerolog.Logger) *Driver {
	return &Driver{
		cfg:    cfg,
		loader: fl,
		engine: engine,
		store:  summary.NewStore(cfg.Job.SummaryDir),
		log:    log,
	}
}

// run holds the state a single Run passes between steps
type run struct {
	vol      *models.RawVolume
	im3d     *models.PlaneStack
	sum      *summary.Summary
	warnings []models.Warning
}

func (r *run) warn(log zerolog.Logger, w models.Warning) {
	log.Warn().Str("kind", string(w.Kind)).Msg(w.Message)
	r.warnings = append(r.warnings, w)
}

// Run executes the pipeline and returns the persisted summary
func (d *Driver) Run(ctx context.Context) (*summary.Summary, error) {
	start := time.Now()
	if info, err := os.Stat(d.cfg.Job.SummaryDir); err != nil || !info.IsDir() {
		return nil, &models.MissingDirectoryError{Path: d.cfg.Job.SummaryDir}
	}
	if d.store.Exists() {
		return nil, fmt.Errorf("%w in %s", summary.ErrSummaryExists, d.cfg.Job.SummaryDir)
	}

	r := &run{sum: summary.New()}
	r.sum.Config = d.cfg

	d.log.Info().Msg("Step 1: Loading initialization files...")
	if err := d.load(ctx, r); err != nil {
		return nil, err
	}

	d.log.Info().Msg("Step 2: Normalising frame count...")
	d.normaliseFrames(r)

	// Keep the uncorrected average for the summary
	r.im3d = r.vol.Mean()
	r.sum.RawImage = r.im3d.Clone()

	if d.cfg.Correction.EnforcePositivity {
		d.log.Info().Msg("Step 3: Enforcing positivity...")
		d.enforcePositivity(r)
	}

	if d.cfg.Correction.SubtractCrosstalk {
		d.log.Info().Msg("Step 4: Subtracting crosstalk...")
		if err := d.subtractCrosstalk(r); err != nil {
			return nil, err
		}
	}
	r.sum.Image = r.im3d

	d.log.Info().Msg("Step 5: Fusing scan strips...")
	if err := d.fuse(r); err != nil {
		return nil, err
	}

	d.log.Info().Bool("reg3d", d.cfg.Reference.Reg3D).Msg("Step 6: Building reference volume...")
	if err := d.buildReference(ctx, r); err != nil {
		return nil, err
	}

	d.log.Info().Msg("Step 7: Saving summary...")
	r.sum.Warnings = r.warnings
	if err := d.store.Save(r.sum); err != nil {
		return nil, fmt.Errorf("failed to save summary: %w", err)
	}
	if d.cfg.Output.SavePreviews {
		d.savePreviews(r.sum)
	}

	d.log.Info().
		Dur("elapsed", time.Since(start)).
		Int("warnings", len(r.warnings)).
		Str("summary", d.cfg.Job.SummaryDir).
		Msg("Initialization complete")
	return r.sum, nil
}

func (d *Driver) load(ctx context.Context, r *run) error {
	log := logging.Stage(d.log, "load")

	files := d.Files
	if len(files) == 0 {
		var err error
		files, err = loader.DiscoverFiles(d.cfg.Job.InputDir, d.cfg.Job.FilePattern)
		if err != nil {
			return err
		}
	}

	ic := d.cfg.Init
	chosen, err := sampling.ChooseFiles(files, ic.NInitFiles, ic.InitFilePool, ic.SampleMethod, ic.Seed)
	if err != nil {
		return fmt.Errorf("failed to choose init files: %w", err)
	}
	log.Info().Strs("files", chosen).Msg("Chosen initialization files")

	var filter *loader.NotchFilter
	if nf := d.cfg.Loader.NotchFilter; nf != nil {
		filter, err = loader.NewNotchFilter(nf.F0, nf.Q, nf.LineFreq)
		if err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	vol, err := d.loader.Load(ctx, chosen, d.cfg.Loader.Planes, filter, d.cfg.Loader.NumChannels, d.cfg.Loader.FixScanQuirk)
	if err != nil {
		return fmt.Errorf("failed to load init files: %w", err)
	}
	shape := vol.Shape()
	log.Info().Ints("shape", shape[:]).Msg("Loaded movie")

	r.vol = vol
	r.sum.InitFiles = chosen
	return nil
}

func (d *Driver) normaliseFrames(r *run) {
	if n := d.cfg.Init.InitNFrames; n != nil {
		vol, w := sampling.SubsetFrames(r.vol, *n, d.cfg.Init.Seed)
		if w != nil {
			r.warn(d.log, *w)
		}
		r.vol = vol
	}
	r.sum.NumFrames = r.vol.NT
	d.log.Info().Int("frames", r.vol.NT).Msg("Frames per plane")
}

// enforcePositivity subtracts the integer part of each plane's minimum mean value
func (d *Driver) enforcePositivity(r *run) {
	mins := make([]float64, r.im3d.NZ)
	for z := 0; z < r.im3d.NZ; z++ {
		plane := r.im3d.Plane(z)
		lo := plane[0]
		for _, v := range plane {
			if v < lo {
				lo = v
			}
		}
		lo = float64(int64(lo))
		mins[z] = lo

		for i := range plane {
			plane[i] -= lo
		}
		raw := r.vol.Plane(z)
		for i := range raw {
			raw[i] -= float32(lo)
		}
	}
	r.sum.MinPixelValues = mins
	d.log.Debug().Floats64("min_pix_vals", mins).Msg("Subtracted plane minima")
}

func (d *Driver) subtractCrosstalk(r *run) error {
	log := logging.Stage(d.log, "crosstalk")
	cc := d.cfg.Correction

	var coeff float64
	if cc.OverrideCrosstalk != nil {
		coeff = *cc.OverrideCrosstalk
		log.Info().Float64("coeff", coeff).Msg("Using crosstalk override")
	} else {
		model, err := crosstalk.Estimate(r.im3d, cc.CavitySize, cc.CrosstalkPercentile)
		if err != nil {
			return fmt.Errorf("failed to estimate crosstalk: %w", err)
		}
		coeff = model.Coefficient
		r.sum.CrosstalkPlaneCoeffs = model.PlaneCoefficients
		log.Info().Float64("coeff", coeff).Ints("planes", model.TargetPlanes).Msg("Estimated crosstalk")
		if w := model.Warning(); w != nil {
			r.warn(log, *w)
		}
		if w := crosstalk.Check(coeff); w != nil {
			r.warn(log, *w)
		}
	}

	// The mean is linear in the frames, so the averaged volume is corrected directly
	r.sum.CrosstalkPlanes = crosstalk.Correct(r.vol, coeff, cc.CavitySize)
	crosstalk.CorrectStack(r.im3d, coeff, cc.CavitySize)
	r.sum.CrosstalkCoeff = &coeff
	return nil
}

func (d *Driver) fuse(r *run) error {
	log := logging.Stage(d.log, "fuse")
	starts := r.vol.StripStarts
	if len(starts) == 0 {
		starts = []int{0}
	}

	if !d.cfg.Fusing.FuseStrips {
		// Strips are treated as one continuous frame
		r.sum.StripStarts = []int{0}
		r.sum.OriginalStripStarts = append([]int(nil), starts...)
		r.vol.StripStarts = []int{0}
		log.Info().Msg("Strip fusing disabled")
		return nil
	}

	res, err := fusing.Resolve(r.im3d, starts, d.cfg.Fusing.FuseShiftOverride, d.cfg.Fusing.MaxFuseShift)
	if err != nil {
		return fmt.Errorf("failed to estimate fuse shift: %w", err)
	}
	if res.Warning != nil {
		r.warn(log, *res.Warning)
	}
	fused, newStarts, ogStarts, err := fusing.Fuse(r.vol, res.Shift, starts)
	if err != nil {
		return fmt.Errorf("failed to fuse strips: %w", err)
	}
	log.Info().Int("shift", res.Shift).Bool("estimated", res.Estimated()).Msg("Fused strips")

	r.vol = fused
	r.sum.FuseShift = res.Shift
	r.sum.FuseShifts = res.Shifts
	r.sum.FuseCorrelations = res.Correlations
	r.sum.StripStarts = newStarts
	r.sum.OriginalStripStarts = ogStarts
	return nil
}

func (d *Driver) buildReference(ctx context.Context, r *run) error {
	builder := reference.NewBuilder(d.engine, d.cfg.Reference, logging.Stage(d.log, "reference"))
	builder.Hook = d.Hook

	res, err := builder.Build(ctx, r.vol)
	if err != nil {
		return fmt.Errorf("failed to build reference: %w", err)
	}
	for _, w := range res.Warnings {
		r.warn(d.log, w)
	}

	s := r.sum
	s.Reference = res.Reference
	s.UnalignedReference = res.Unaligned
	s.Masks = res.Masks
	s.Padding = res.Padding
	s.PlaneShifts = res.PlaneShifts
	s.UncorrectedPlaneShifts = res.UncorrectedShifts
	s.Diagnostics = res.Diagnostics
	s.Quality = res.Quality
	s.InitMovie = res.ShiftedMovie
	return nil
}

// savePreviews writes PNG previews of the corrected mean and the reference.
// Failures are logged and do not fail the run.
func (d *Driver) savePreviews(s *summary.Summary) {
	dir := filepath.Join(d.cfg.Job.SummaryDir, d.cfg.Output.PreviewDir)
	var errs []error
	for _, item := range []struct {
		prefix string
		stack  *models.PlaneStack
	}{
		{"mean", s.Image},
		{"ref", s.Reference},
	} {
		if item.stack == nil {
			continue
		}
		if _, err := visualization.WritePreviews(item.stack, item.prefix, dir); err != nil {
			errs = append(errs, fmt.Errorf("%s previews: %w", item.prefix, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		d.log.Warn().Err(err).Msg("Failed to save previews")
		return
	}
	d.log.Info().Str("dir", dir).Msg("Saved previews")
}
