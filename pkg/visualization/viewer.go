// Package visualization renders plane stacks as 16-bit preview images so the mean
// and reference volumes of a run can be inspected without an HDF5 viewer.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/stat"

	"lbminit/internal/models"
)

// Display range percentiles used to normalise previews
const (
	lowPercentile  = 0.5
	highPercentile = 99.5
)

// Viewer extracts slices of a plane stack
type Viewer struct {
	stack *models.PlaneStack

	// lo and hi map to black and white
	lo, hi float64
}

// NewViewer creates a viewer whose display range is the 0.5-99.5 percentile
// range of the whole stack
func NewViewer(stack *models.PlaneStack) (*Viewer, error) {
	if stack == nil || len(stack.Data) == 0 {
		return nil, fmt.Errorf("cannot view an empty stack")
	}
	sorted := append([]float64(nil), stack.Data...)
	sort.Float64s(sorted)
	return &Viewer{
		stack: stack,
		lo:    stat.Quantile(lowPercentile/100, stat.LinInterp, sorted, nil),
		hi:    stat.Quantile(highPercentile/100, stat.LinInterp, sorted, nil),
	}, nil
}

func (v *Viewer) gray(value float64) color.Gray16 {
	if v.hi <= v.lo || math.IsNaN(value) {
		return color.Gray16{}
	}
	n := (value - v.lo) / (v.hi - v.lo)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, n*65535)))}
}

// ExtractSlice extracts a 2D slice from the stack along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	s := v.stack

	var img *image.Gray16
	switch axis {
	case "x", "X":
		// YZ plane
		if position >= s.NX {
			return nil, fmt.Errorf("position %d exceeds width %d", position, s.NX)
		}
		img = image.NewGray16(image.Rect(0, 0, s.NZ, s.NY))
		for y := 0; y < s.NY; y++ {
			for z := 0; z < s.NZ; z++ {
				img.SetGray16(z, y, v.gray(s.At(z, y, position)))
			}
		}

	case "y", "Y":
		// XZ plane
		if position >= s.NY {
			return nil, fmt.Errorf("position %d exceeds height %d", position, s.NY)
		}
		img = image.NewGray16(image.Rect(0, 0, s.NX, s.NZ))
		for z := 0; z < s.NZ; z++ {
			for x := 0; x < s.NX; x++ {
				img.SetGray16(x, z, v.gray(s.At(z, position, x)))
			}
		}

	case "z", "Z":
		if position >= s.NZ {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, s.NZ)
		}
		img = image.NewGray16(image.Rect(0, 0, s.NX, s.NY))
		for y := 0; y < s.NY; y++ {
			for x := 0; x < s.NX; x++ {
				img.SetGray16(x, y, v.gray(s.At(position, y, x)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a 16-bit PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := png.Encode(file, img); err != nil {
		return err
	}
	return file.Close()
}

// SaveSliceSequence extracts and saves every slice along the specified axis.
// Files are named <prefix>_<axis>_<position>.png.
func (v *Viewer) SaveSliceSequence(axis, prefix, outputDir string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.stack.NX
	case "y", "Y":
		maxPos = v.stack.NY
	case "z", "Z":
		maxPos = v.stack.NZ
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	written := make([]string, 0, maxPos)
	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return written, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s_%03d.png", prefix, axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return written, err
		}
		written = append(written, filename)
	}

	return written, nil
}

// WritePreviews saves every plane of stack to outputDir with its own viewer
func WritePreviews(stack *models.PlaneStack, prefix, outputDir string) ([]string, error) {
	v, err := NewViewer(stack)
	if err != nil {
		return nil, err
	}
	return v.SaveSliceSequence("z", prefix, outputDir)
}
