// Package summary defines the record an initialization run produces and persists it.
//
// Scalars, small vectors and the resolved configuration go to a YAML file; images,
// masks and the sample movie go to an HDF5 file next to it. A summary is written once
// and never overwritten.
package summary

import (
	"time"

	"lbminit/internal/models"
	"lbminit/pkg/config"
	"lbminit/pkg/metrics"
	"lbminit/pkg/reference"
	"lbminit/pkg/registration"
)

// SchemaVersion identifies the layout of persisted summaries
const SchemaVersion = 1

// Summary is the immutable record of one initialization run
type Summary struct {
	SchemaVersion int       `yaml:"schema_version"`
	CreatedAt     time.Time `yaml:"created_at"`

	// InitFiles are the files the reference was built from, in load order
	InitFiles []string `yaml:"init_files"`

	// NumFrames is the number of frames per plane after sampling
	NumFrames int `yaml:"n_frames"`

	// CrosstalkCoeff is nil when crosstalk subtraction was disabled
	CrosstalkCoeff *float64 `yaml:"crosstalk_coeff"`

	// CrosstalkPlanes are the planes the correction modified
	CrosstalkPlanes []int `yaml:"crosstalk_planes,omitempty"`

	// CrosstalkPlaneCoeffs are the per-plane fits behind an estimated coefficient
	CrosstalkPlaneCoeffs []float64 `yaml:"crosstalk_plane_coeffs,omitempty"`

	FuseShift int `yaml:"fuse_shift"`

	// FuseShifts and FuseCorrelations are nil when the fuse shift was not estimated
	FuseShifts       []float64 `yaml:"fuse_shifts"`
	FuseCorrelations []float64 `yaml:"fuse_ccs"`

	StripStarts         []int `yaml:"new_strip_starts"`
	OriginalStripStarts []int `yaml:"og_strip_starts"`

	// MinPixelValues are the per-plane offsets removed to make the movie positive;
	// nil when positivity was not enforced
	MinPixelValues []float64 `yaml:"min_pix_vals"`

	Padding models.Padding `yaml:"padding"`

	PlaneShifts            []models.Shift `yaml:"plane_shifts"`
	UncorrectedPlaneShifts []models.Shift `yaml:"plane_shifts_uncorrected,omitempty"`

	// Config is the resolved configuration of the run
	Config *config.Config `yaml:"config"`

	Diagnostics [][]reference.IterationStats `yaml:"diagnostics"`
	Quality     []metrics.Quality            `yaml:"reference_quality"`
	Warnings    []models.Warning             `yaml:"warnings"`

	// Arrays stored in HDF5

	// Reference is the padded, plane-aligned reference volume
	Reference *models.PlaneStack `yaml:"-"`

	// RawImage is the temporal mean before any correction
	RawImage *models.PlaneStack `yaml:"-"`

	// Image is the temporal mean after positivity and crosstalk correction
	Image *models.PlaneStack `yaml:"-"`

	// UnalignedReference is the padded reference before plane alignment (2-D only)
	UnalignedReference *models.PlaneStack `yaml:"-"`

	// Masks are the registration masks of each reference plane.
	// Only the taper and offset are persisted: masks returned by Store.Load have no
	// RefSpectrum, Blocks or BlockSize. Rebuild them from the reference when needed.
	Masks []*registration.Masks `yaml:"-"`

	// InitMovie is the plane-aligned sample movie (3-D only)
	InitMovie *models.RawVolume `yaml:"-"`
}

// New creates a summary stamped with the current schema version and time
func New() *Summary {
	return &Summary{
		SchemaVersion: SchemaVersion,
		CreatedAt:     time.Now().UTC(),
	}
}

// CrosstalkEnabled reports whether crosstalk subtraction ran
func (s *Summary) CrosstalkEnabled() bool {
	return s.CrosstalkCoeff != nil
}

// FuseEstimated reports whether the fuse shift was estimated from data
func (s *Summary) FuseEstimated() bool {
	return s.FuseShifts != nil
}
