//go:build opencv

// Package cvengine registers single images with OpenCV's phase correlation.
// Volumes and mask construction are delegated to the gonum phase correlator.
package cvengine

import (
	"image"
	"math"

	"gocv.io/x/gocv"

	"lbminit/internal/models"
	"lbminit/pkg/registration"
)

// Engine implements registration.Engine on top of gocv
type Engine struct {
	fallback *registration.PhaseCorrelator
}

// New creates an OpenCV engine. taperWidth configures the gonum fallback.
func New(taperWidth float64) *Engine {
	return &Engine{fallback: registration.NewPhaseCorrelator(taperWidth)}
}

// toMat copies one plane into a new CV_64F Mat. The caller must Close it.
func toMat(img *models.PlaneStack) gocv.Mat {
	mat := gocv.NewMatWithSize(img.NY, img.NX, gocv.MatTypeCV64F)
	for y := 0; y < img.NY; y++ {
		for x := 0; x < img.NX; x++ {
			mat.SetDoubleAt(y, x, img.Data[y*img.NX+x])
		}
	}
	return mat
}

// EstimateShift implements registration.Engine
func (e *Engine) EstimateShift(ref, img *models.PlaneStack, maxDisp int, search [3]int) (models.Shift, float64, error) {
	if ref.NZ != 1 || img.NZ != 1 || !ref.SameShape(img) {
		return e.fallback.EstimateShift(ref, img, maxDisp, search)
	}

	a := toMat(ref)
	defer a.Close()
	b := toMat(img)
	defer b.Close()
	window := gocv.NewMat()
	defer window.Close()
	gocv.CreateHanningWindow(&window, image.Pt(ref.NX, ref.NY), gocv.MatTypeCV64F)

	// OpenCV reports how far img moved relative to ref; the correction is its negation
	moved, response := gocv.PhaseCorrelate(a, b, window)
	shift := models.Shift{
		Y: -math.Round(float64(moved.Y)),
		X: -math.Round(float64(moved.X)),
	}

	ly, lx := maxDisp, maxDisp
	if search[1] > 0 {
		ly = min(ly, search[1])
	}
	if search[2] > 0 {
		lx = min(lx, search[2])
	}
	if math.Abs(shift.Y) > float64(ly) || math.Abs(shift.X) > float64(lx) {
		return e.fallback.EstimateShift(ref, img, maxDisp, search)
	}
	return shift, math.Max(0, math.Min(1, response)), nil
}

// Smooth implements registration.Engine. Planes are blurred with gocv.GaussianBlur;
// smoothing across planes is left to the gonum fallback.
func (e *Engine) Smooth(img *models.PlaneStack, sigmaYX, sigmaZ float64) *models.PlaneStack {
	if sigmaZ > 0 && img.NZ > 1 {
		return e.fallback.Smooth(img, sigmaYX, sigmaZ)
	}
	out := img.Clone()
	if sigmaYX <= 0 {
		return out
	}

	radius := max(1, int(math.Ceil(4*sigmaYX)))
	ksize := image.Pt(2*radius+1, 2*radius+1)
	for z := 0; z < img.NZ; z++ {
		src := toMat(img.PlaneImage(z))
		dst := gocv.NewMat()
		gocv.GaussianBlur(src, &dst, ksize, sigmaYX, sigmaYX, gocv.BorderReflect)

		plane := out.Plane(z)
		for y := 0; y < img.NY; y++ {
			for x := 0; x < img.NX; x++ {
				v, _ := dst.GetDoubleAt(y, x)
				plane[y*img.NX+x] = v
			}
		}
		src.Close()
		dst.Close()
	}
	return out
}

// BuildMasks implements registration.Engine
func (e *Engine) BuildMasks(ref *models.PlaneStack, p registration.MaskParams) (*registration.Masks, error) {
	return e.fallback.BuildMasks(ref, p)
}
