// Package reference builds the initial reference volume of a multi-plane recording:
// a clean motion-corrected image per plane, the shifts that align the planes with each
// other, and the registration masks derived from the aligned result.
//
// Two modes are supported. In 2-D mode every plane is refined on its own and the
// planes are aligned afterwards. In 3-D mode the planes are aligned first using the
// mean image and whole volumes are then registered frame by frame.
package reference

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"lbminit/internal/models"
	"lbminit/pkg/config"
	"lbminit/pkg/metrics"
	"lbminit/pkg/registration"
)

// IterationHook is called after every refinement iteration with the updated reference.
// plane is -1 when a whole volume is refined. In 2-D mode planes are refined
// concurrently, so the hook must be safe for concurrent use.
type IterationHook func(plane, iter int, ref *models.PlaneStack)

// IterationStats describes one refinement iteration
type IterationStats struct {
	Iteration int `yaml:"iteration"`

	// MeanConfidence is the average registration confidence of all frames
	MeanConfidence float64 `yaml:"mean_confidence"`

	// RMSChange is the root mean square difference between the old and new reference
	RMSChange float64 `yaml:"rms_change"`

	// Contributing is the number of frames with a non-zero weight
	Contributing int `yaml:"contributing"`
}

// Result is the outcome of reference construction
type Result struct {
	// PlaneShifts aligns every plane to plane 0; element 0 is always zero
	PlaneShifts []models.Shift

	// UncorrectedShifts are the raw cumulative estimates before outlier replacement (2-D only)
	UncorrectedShifts []models.Shift

	// Reference is the padded, plane-aligned reference volume
	Reference *models.PlaneStack

	// Unaligned is the padded reference before plane alignment (2-D only)
	Unaligned *models.PlaneStack

	// ShiftedMovie is the plane-aligned sample movie the volume was refined from (3-D only)
	ShiftedMovie *models.RawVolume

	// Masks holds the registration masks of every reference plane
	Masks []*registration.Masks

	Padding models.Padding

	// Params are the resolved parameters the reference was built with
	Params config.ReferenceConfig

	// Diagnostics holds the iteration statistics per plane in 2-D mode, or a single
	// series for the volume in 3-D mode
	Diagnostics [][]IterationStats

	// Quality compares each reference plane with the temporal mean it started from
	Quality []metrics.Quality

	Warnings []models.Warning
}

// Builder constructs reference volumes
type Builder struct {
	engine registration.Engine
	params config.ReferenceConfig
	log    zerolog.Logger

	// Hook, when set, observes every refinement iteration
	Hook IterationHook
}

// NewBuilder creates a reference builder. The parameters must already be validated.
func NewBuilder(engine registration.Engine, params config.ReferenceConfig, log zerolog.Logger) *Builder {
	if params.Workers < 1 {
		params.Workers = 1
	}
	if params.BatchSize < 1 {
		params.BatchSize = 1
	}
	return &Builder{
		engine: engine,
		params: params,
		log:    log,
	}
}

// Build runs reference construction on a fused, crosstalk-corrected movie
func (b *Builder) Build(ctx context.Context, vol *models.RawVolume) (*Result, error) {
	if vol.NT == 0 {
		return nil, &models.InsufficientDataError{What: "frames", Requested: 1, Available: 0}
	}
	if b.params.ForcePlaneShifts != nil && len(b.params.ForcePlaneShifts) != vol.NZ {
		return nil, fmt.Errorf("forced plane shifts cover %d planes, movie has %d",
			len(b.params.ForcePlaneShifts), vol.NZ)
	}

	var (
		res *Result
		err error
	)
	if b.params.Reg3D {
		res, err = b.build3D(ctx, vol)
	} else {
		res, err = b.build2D(ctx, vol)
	}
	if err != nil {
		return nil, err
	}

	res.Masks, err = b.buildMasks(res.Reference)
	if err != nil {
		return nil, fmt.Errorf("failed to build masks: %w", err)
	}
	res.Params = b.params
	return res, nil
}

// build2D refines every plane independently, then aligns the planes
func (b *Builder) build2D(ctx context.Context, vol *models.RawVolume) (*Result, error) {
	res := &Result{}
	refs, diags, warnings, err := b.refinePlanes(ctx, vol)
	if err != nil {
		return nil, err
	}
	res.Diagnostics = diags
	res.Warnings = append(res.Warnings, warnings...)

	unpadded := models.NewPlaneStack(vol.NZ, vol.NY, vol.NX)
	mean := vol.Mean()
	for z, ref := range refs {
		copy(unpadded.Plane(z), ref.Data)
		res.Quality = append(res.Quality, metrics.Compare(mean.Plane(z), ref.Data))
	}

	shifts, uncorrected, shiftWarnings, err := b.planeShifts(unpadded)
	if err != nil {
		return nil, err
	}
	res.PlaneShifts = shifts
	res.UncorrectedShifts = uncorrected
	res.Warnings = append(res.Warnings, shiftWarnings...)

	layout := newCanvasLayout(shifts, vol.NY, vol.NX)
	res.Padding = layout.padding()
	res.Reference = layout.align(unpadded)
	res.Unaligned = layout.unaligned(unpadded)

	b.log.Info().
		Int("planes", vol.NZ).
		Int("xpad", res.Padding.X).
		Int("ypad", res.Padding.Y).
		Msg("Built 2-D reference")
	return res, nil
}

// build3D aligns the planes on the mean image, then refines whole volumes
func (b *Builder) build3D(ctx context.Context, vol *models.RawVolume) (*Result, error) {
	res := &Result{}
	mean := vol.Mean()

	shifts, _, shiftWarnings, err := b.planeShifts(mean)
	if err != nil {
		return nil, err
	}
	res.PlaneShifts = shifts
	res.Warnings = append(res.Warnings, shiftWarnings...)

	layout := newCanvasLayout(shifts, vol.NY, vol.NX)
	res.Padding = layout.padding()
	res.ShiftedMovie = layout.alignMovie(vol)

	frames := make([]*models.PlaneStack, res.ShiftedMovie.NT)
	for t := range frames {
		frames[t] = res.ShiftedMovie.FrameStack(t)
	}
	search := [3]int{b.params.PCSize[0], b.params.PCSize[1], b.params.PCSize[2]}
	ref, stats, warning, err := b.refine(ctx, frames, -1, search, b.params.Workers)
	if err != nil {
		return nil, err
	}
	if warning != nil {
		res.Warnings = append(res.Warnings, *warning)
	}
	res.Reference = ref
	res.Diagnostics = [][]IterationStats{stats}

	alignedMean := res.ShiftedMovie.Mean()
	for z := 0; z < ref.NZ; z++ {
		res.Quality = append(res.Quality, metrics.Compare(alignedMean.Plane(z), ref.Plane(z)))
	}

	b.log.Info().
		Int("planes", vol.NZ).
		Int("xpad", res.Padding.X).
		Int("ypad", res.Padding.Y).
		Msg("Built 3-D reference")
	return res, nil
}

// refinePlanes refines every plane of the movie concurrently and merges the results by plane index.
// The worker budget is split between planes and the frame registrations inside each plane.
func (b *Builder) refinePlanes(ctx context.Context, vol *models.RawVolume) ([]*models.PlaneStack, [][]IterationStats, []models.Warning, error) {
	type planeResult struct {
		plane   int
		ref     *models.PlaneStack
		stats   []IterationStats
		warning *models.Warning
		err     error
	}

	resultChan := make(chan planeResult)
	planeWorkers := max(1, min(b.params.Workers, vol.NZ))
	frameWorkers := max(1, b.params.Workers/planeWorkers)
	sem := make(chan struct{}, planeWorkers)
	search := [3]int{0, b.params.PCSize[1], b.params.PCSize[2]}

	for z := 0; z < vol.NZ; z++ {
		go func(plane int) {
			sem <- struct{}{}
			defer func() { <-sem }()

			frames := make([]*models.PlaneStack, vol.NT)
			for t := range frames {
				src := vol.Frame(plane, t)
				data := make([]float64, len(src))
				for i, v := range src {
					data[i] = float64(v)
				}
				frames[t] = models.NewImage(data, vol.NY, vol.NX)
			}
			ref, stats, warning, err := b.refine(ctx, frames, plane, search, frameWorkers)
			resultChan <- planeResult{plane: plane, ref: ref, stats: stats, warning: warning, err: err}
		}(z)
	}

	refs := make([]*models.PlaneStack, vol.NZ)
	diags := make([][]IterationStats, vol.NZ)
	warnings := make([]*models.Warning, vol.NZ)
	var firstErr error
	for completed := 0; completed < vol.NZ; completed++ {
		res := <-resultChan
		if res.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("plane %d: %w", res.plane, res.err)
			}
			continue
		}
		refs[res.plane] = res.ref
		diags[res.plane] = res.stats
		warnings[res.plane] = res.warning
		b.log.Debug().Int("plane", res.plane).Msg("Plane reference refined")
	}
	if firstErr != nil {
		return nil, nil, nil, firstErr
	}

	var collected []models.Warning
	for _, w := range warnings {
		if w != nil {
			collected = append(collected, *w)
		}
	}
	return refs, diags, collected, nil
}

// buildMasks derives the registration masks of every plane of the aligned reference
func (b *Builder) buildMasks(ref *models.PlaneStack) ([]*registration.Masks, error) {
	params := registration.MaskParams{
		SmoothSigma: b.params.SmoothSigma,
		BlockSize:   b.params.BlockSize,
		NormFrames:  b.params.NormFrames,
	}
	masks := make([]*registration.Masks, ref.NZ)
	for z := 0; z < ref.NZ; z++ {
		m, err := b.engine.BuildMasks(ref.PlaneImage(z), params)
		if err != nil {
			return nil, fmt.Errorf("plane %d: %w", z, err)
		}
		masks[z] = m
	}
	return masks, nil
}
