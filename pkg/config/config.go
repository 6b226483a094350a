// Package config provides configuration loading and management for lbminit.
// It handles loading configuration from YAML files, fills in default values
// and validates the result once before the pipeline starts.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Sampling methods for choosing initialization files
const (
	SampleEven   = "even"
	SampleRandom = "random"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	Job        JobConfig        `yaml:"job"`
	Loader     LoaderConfig     `yaml:"loader"`
	Init       InitConfig       `yaml:"init"`
	Correction CorrectionConfig `yaml:"correction"`
	Fusing     FusingConfig     `yaml:"fusing"`
	Reference  ReferenceConfig  `yaml:"reference"`
	Output     OutputConfig     `yaml:"output"`
}

// JobConfig locates the input recording and the output summary
type JobConfig struct {
	// InputDir is the directory holding the raw frame files
	InputDir string `yaml:"inputDir"`

	// FilePattern is the glob used to find frame files inside InputDir
	FilePattern string `yaml:"filePattern"`

	// SummaryDir must exist before the run; the summary is written there
	SummaryDir string `yaml:"summaryDir"`
}

// LoaderConfig describes how raw frame files are decoded
type LoaderConfig struct {
	// Planes lists the plane ids to load, in order
	Planes []int `yaml:"planes"`

	// NumChannels is the number of channels interleaved in each file
	NumChannels int `yaml:"numChannels"`

	// ConvertPlaneIDs maps plane ids to the hardware channel order
	ConvertPlaneIDs bool `yaml:"convertPlaneIds"`

	// FixScanQuirk drops the trailing flyback frame of each file
	FixScanQuirk bool `yaml:"fixScanQuirk"`

	// NumStrips is the number of scan strips stacked in each channel image
	NumStrips int `yaml:"numStrips"`

	// LinesPerStrip is the number of rows of one scan strip
	LinesPerStrip int `yaml:"linesPerStrip"`

	// StripGap is the number of flyback rows between stacked strips
	StripGap int `yaml:"stripGap"`

	// NotchFilter optionally removes line noise along each row
	NotchFilter *NotchFilterConfig `yaml:"notchFilter,omitempty"`

	// RAMBudgetBytes caps bytes-per-file x files-in-flight while loading
	RAMBudgetBytes int64 `yaml:"ramBudgetBytes"`

	// Workers is the maximum number of files decoded concurrently
	Workers int `yaml:"workers"`
}

// NotchFilterConfig parameterises the IIR notch filter applied while loading
type NotchFilterConfig struct {
	F0       float64 `yaml:"f0"`
	Q        float64 `yaml:"q"`
	LineFreq float64 `yaml:"lineFreq"`
}

// InitConfig controls which files and frames are used for initialization
type InitConfig struct {
	// NInitFiles is the number of files sampled for the reference
	NInitFiles int `yaml:"nInitFiles"`

	// InitFilePool restricts the pool to [start, end) ranges of the file list
	InitFilePool [][2]int `yaml:"initFilePool,omitempty"`

	// SampleMethod is "even" or "random"
	SampleMethod string `yaml:"sampleMethod"`

	// InitNFrames is the number of frames kept after loading; nil keeps all
	InitNFrames *int `yaml:"initNFrames,omitempty"`

	// Seed drives every random choice of the run
	Seed uint64 `yaml:"seed"`
}

// CorrectionConfig controls positivity and crosstalk correction
type CorrectionConfig struct {
	// EnforcePositivity subtracts each plane's minimum mean value before crosstalk subtraction
	EnforcePositivity bool `yaml:"enforcePositivity"`

	// SubtractCrosstalk enables crosstalk estimation and subtraction
	SubtractCrosstalk bool `yaml:"subtractCrosstalk"`

	// OverrideCrosstalk forces the coefficient instead of estimating it
	OverrideCrosstalk *float64 `yaml:"overrideCrosstalk,omitempty"`

	// CavitySize is the plane offset between a donor plane and the plane it contaminates
	CavitySize int `yaml:"cavitySize"`

	// CrosstalkPercentile selects the bright donor pixels used for the fit
	CrosstalkPercentile float64 `yaml:"crosstalkPercentile"`
}

// FusingConfig controls how scan strips are merged
type FusingConfig struct {
	// FuseStrips enables strip fusing
	FuseStrips bool `yaml:"fuseStrips"`

	// FuseShiftOverride forces the fuse shift and skips estimation
	FuseShiftOverride *int `yaml:"fuseShiftOverride,omitempty"`

	// MaxFuseShift is the largest strip overlap examined
	MaxFuseShift int `yaml:"maxFuseShift"`
}

// ReferenceConfig parameterises the iterative reference construction
type ReferenceConfig struct {
	// PercentContribute is the fraction of best matching frames averaged each iteration
	PercentContribute float64 `yaml:"percentContribute"`

	// BlockSize is the (y, x) block size for block-wise registration masks
	BlockSize [2]int `yaml:"blockSize"`

	// Sigma is the smoothing applied to the registration target: (y/x, z)
	Sigma [2]float64 `yaml:"sigma"`

	// SmoothSigma is the width of the spatial taper near the image edges
	SmoothSigma float64 `yaml:"smoothSigma"`

	// NIter is the number of refinement iterations
	NIter int `yaml:"nIter"`

	// MaxRegXY is the largest in-plane displacement allowed while registering to the reference
	MaxRegXY int `yaml:"maxRegXY"`

	// PCSize is the (z, y, x) extent examined by the phase-correlation search
	PCSize [3]int `yaml:"pcSize"`

	// BatchSize is the number of frames registered together
	BatchSize int `yaml:"batchSize"`

	// Reg3D registers whole volumes instead of planes independently
	Reg3D bool `yaml:"reg3d"`

	// PlaneToPlaneAlignment estimates and applies shifts between planes
	PlaneToPlaneAlignment bool `yaml:"planeToPlaneAlignment"`

	// ForcePlaneShifts skips inter-plane shift estimation; one (y, x) pair per plane
	ForcePlaneShifts [][2]float64 `yaml:"forcePlaneShifts,omitempty"`

	// MinFrames is the smallest frame count for which refinement runs
	MinFrames int `yaml:"minFrames"`

	// NormFrames clips each plane to its 1st-99th percentile before building masks
	NormFrames bool `yaml:"normFrames"`

	// Workers bounds concurrent registrations. In 2-D mode the budget is shared
	// between planes refined at once and the frames registered within each plane.
	Workers int `yaml:"workers"`
}

// OutputConfig controls logging and optional previews
type OutputConfig struct {
	// SavePreviews writes PNG previews of mean and reference planes next to the summary
	SavePreviews bool `yaml:"savePreviews"`

	// PreviewDir is the preview directory, relative to the summary directory
	PreviewDir string `yaml:"previewDir"`

	// LogLevel is the zerolog level name
	LogLevel string `yaml:"logLevel"`

	// Engine names the registration engine ("phasecorr" or "opencv")
	Engine string `yaml:"engine"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Job.FilePattern = "*.tif"

	cfg.Loader.NumChannels = 30
	cfg.Loader.ConvertPlaneIDs = true
	cfg.Loader.NumStrips = 2
	cfg.Loader.LinesPerStrip = 512
	cfg.Loader.StripGap = 0
	cfg.Loader.RAMBudgetBytes = 8 << 30
	cfg.Loader.Workers = runtime.NumCPU()

	cfg.Init.NInitFiles = 1
	cfg.Init.SampleMethod = SampleEven
	cfg.Init.Seed = 2358

	cfg.Correction.EnforcePositivity = false
	cfg.Correction.SubtractCrosstalk = true
	cfg.Correction.CavitySize = 15
	cfg.Correction.CrosstalkPercentile = 90

	cfg.Fusing.FuseStrips = true
	cfg.Fusing.MaxFuseShift = 20

	cfg.Reference = DefaultReferenceConfig()

	cfg.Output.SavePreviews = false
	cfg.Output.PreviewDir = "previews"
	cfg.Output.LogLevel = "info"
	cfg.Output.Engine = "phasecorr"

	return cfg
}

// DefaultReferenceConfig returns the reference construction defaults
func DefaultReferenceConfig() ReferenceConfig {
	return ReferenceConfig{
		PercentContribute:     0.9,
		BlockSize:             [2]int{128, 128},
		Sigma:                 [2]float64{1.45, 0},
		SmoothSigma:           1.15,
		NIter:                 8,
		MaxRegXY:              50,
		PCSize:                [3]int{2, 20, 20},
		BatchSize:             20,
		Reg3D:                 true,
		PlaneToPlaneAlignment: true,
		MinFrames:             3,
		NormFrames:            false,
		Workers:               runtime.NumCPU(),
	}
}

// Validate checks the configuration for values the pipeline cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Init.NInitFiles < 1 {
		errs = append(errs, fmt.Errorf("init.nInitFiles must be at least 1, got %d", c.Init.NInitFiles))
	}
	if c.Init.SampleMethod != SampleEven && c.Init.SampleMethod != SampleRandom {
		errs = append(errs, fmt.Errorf("init.sampleMethod must be %q or %q, got %q",
			SampleEven, SampleRandom, c.Init.SampleMethod))
	}
	for i, lims := range c.Init.InitFilePool {
		if lims[0] < 0 || lims[1] < lims[0] {
			errs = append(errs, fmt.Errorf("init.initFilePool[%d] is not a valid range: %v", i, lims))
		}
	}
	if c.Init.InitNFrames != nil && *c.Init.InitNFrames < 1 {
		errs = append(errs, fmt.Errorf("init.initNFrames must be positive when set"))
	}
	if c.Correction.SubtractCrosstalk && c.Correction.CavitySize < 1 {
		errs = append(errs, fmt.Errorf("correction.cavitySize must be at least 1, got %d", c.Correction.CavitySize))
	}
	if p := c.Correction.CrosstalkPercentile; p < 0 || p >= 100 {
		errs = append(errs, fmt.Errorf("correction.crosstalkPercentile must be in [0, 100), got %g", p))
	}
	if c.Fusing.FuseShiftOverride != nil && *c.Fusing.FuseShiftOverride < 0 {
		errs = append(errs, fmt.Errorf("fusing.fuseShiftOverride must not be negative"))
	}
	if c.Fusing.FuseStrips && c.Fusing.MaxFuseShift < 1 {
		errs = append(errs, fmt.Errorf("fusing.maxFuseShift must be at least 1"))
	}
	if c.Loader.NumStrips < 1 {
		errs = append(errs, fmt.Errorf("loader.numStrips must be at least 1"))
	}
	if c.Loader.NumChannels < 1 {
		errs = append(errs, fmt.Errorf("loader.numChannels must be at least 1"))
	}
	for _, p := range c.Loader.Planes {
		if p < 0 || p >= c.Loader.NumChannels {
			errs = append(errs, fmt.Errorf("loader.planes contains %d, outside [0, %d)", p, c.Loader.NumChannels))
		}
	}
	if nf := c.Loader.NotchFilter; nf != nil && (nf.Q <= 0 || nf.LineFreq <= 0 || nf.F0 <= 0 || nf.F0 >= nf.LineFreq/2) {
		errs = append(errs, fmt.Errorf("loader.notchFilter needs 0 < f0 < lineFreq/2 and q > 0"))
	}
	if err := c.Reference.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Validate checks the reference parameters
func (r ReferenceConfig) Validate() error {
	var errs []error
	if r.NIter < 0 {
		errs = append(errs, fmt.Errorf("reference.nIter must not be negative"))
	}
	if r.PercentContribute <= 0 || r.PercentContribute > 1 {
		errs = append(errs, fmt.Errorf("reference.percentContribute must be in (0, 1], got %g", r.PercentContribute))
	}
	if r.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("reference.batchSize must be at least 1"))
	}
	if r.MaxRegXY < 0 {
		errs = append(errs, fmt.Errorf("reference.maxRegXY must not be negative"))
	}
	if r.BlockSize[0] < 1 || r.BlockSize[1] < 1 {
		errs = append(errs, fmt.Errorf("reference.blockSize must be positive, got %v", r.BlockSize))
	}
	if r.Sigma[0] < 0 || r.Sigma[1] < 0 || r.SmoothSigma < 0 {
		errs = append(errs, fmt.Errorf("reference sigmas must not be negative"))
	}
	return errors.Join(errs...)
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
