package models

import "fmt"

// InsufficientDataError is returned when a sampling request asks for more
// files or frames than are available. It aborts the run.
type InsufficientDataError struct {
	What      string
	Requested int
	Available int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: requested %d %s but only %d available",
		e.Requested, e.What, e.Available)
}

// MissingDirectoryError is returned when an expected output directory does not exist.
// It is raised before any computation starts.
type MissingDirectoryError struct {
	Path string
}

func (e *MissingDirectoryError) Error() string {
	return fmt.Sprintf("directory does not exist: %s", e.Path)
}

// WarningKind classifies a non-fatal anomaly found while estimating
type WarningKind string

const (
	// CalibrationWarning means the crosstalk coefficient fell outside its expected range
	CalibrationWarning WarningKind = "CalibrationWarning"

	// DegenerateInputWarning means too few frames were available for iterative refinement
	DegenerateInputWarning WarningKind = "DegenerateInputWarning"

	// ShortfallWarning means fewer frames were loaded than requested
	ShortfallWarning WarningKind = "ShortfallWarning"

	// ConvergenceWarning means the reference did not settle or registration confidence was poor
	ConvergenceWarning WarningKind = "ConvergenceWarning"
)

// Warning is a non-fatal anomaly attached to the run summary
type Warning struct {
	Kind    WarningKind `yaml:"kind"`
	Message string      `yaml:"message"`
}

func (w Warning) String() string {
	return string(w.Kind) + ": " + w.Message
}

// NewWarning builds a warning with a formatted message
func NewWarning(kind WarningKind, format string, args ...interface{}) Warning {
	return Warning{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
