package models

// RawVolume holds the sampled movie of a multi-plane recording
type RawVolume struct {
	// Data is the 4D movie as a 1D array in [plane][frame][y][x] row-major order
	Data []float32

	// NZ, NT, NY, NX are the number of planes, frames, rows and columns
	NZ, NT, NY, NX int

	// StripStarts is the x position at which each scan strip starts inside a frame.
	// A single element means the frame is already continuous.
	StripStarts []int
}

// NewRawVolume allocates a zeroed movie of the given shape
func NewRawVolume(nz, nt, ny, nx int) *RawVolume {
	return &RawVolume{
		Data:        make([]float32, nz*nt*ny*nx),
		NZ:          nz,
		NT:          nt,
		NY:          ny,
		NX:          nx,
		StripStarts: []int{0},
	}
}

// Shape returns the movie dimensions as (nz, nt, ny, nx)
func (v *RawVolume) Shape() [4]int {
	return [4]int{v.NZ, v.NT, v.NY, v.NX}
}

// Frame returns the pixels of one plane at one time point.
// The returned slice aliases the volume data.
func (v *RawVolume) Frame(z, t int) []float32 {
	size := v.NY * v.NX
	start := (z*v.NT + t) * size
	return v.Data[start : start+size]
}

// Plane returns every frame of one plane as a contiguous slice aliasing the volume data
func (v *RawVolume) Plane(z int) []float32 {
	size := v.NT * v.NY * v.NX
	return v.Data[z*size : (z+1)*size]
}

// Clone returns a deep copy of the movie
func (v *RawVolume) Clone() *RawVolume {
	out := &RawVolume{
		Data:        make([]float32, len(v.Data)),
		NZ:          v.NZ,
		NT:          v.NT,
		NY:          v.NY,
		NX:          v.NX,
		StripStarts: append([]int(nil), v.StripStarts...),
	}
	copy(out.Data, v.Data)
	return out
}

// SelectFrames returns a new movie made of the given time points, in the order given.
// The same time points are taken from every plane so planes stay aligned in time.
func (v *RawVolume) SelectFrames(ts []int) *RawVolume {
	out := NewRawVolume(v.NZ, len(ts), v.NY, v.NX)
	out.StripStarts = append([]int(nil), v.StripStarts...)
	for z := 0; z < v.NZ; z++ {
		for i, t := range ts {
			copy(out.Frame(z, i), v.Frame(z, t))
		}
	}
	return out
}

// Mean computes the time average of every plane
func (v *RawVolume) Mean() *PlaneStack {
	mean := NewPlaneStack(v.NZ, v.NY, v.NX)
	if v.NT == 0 {
		return mean
	}
	for z := 0; z < v.NZ; z++ {
		dst := mean.Plane(z)
		for t := 0; t < v.NT; t++ {
			for i, val := range v.Frame(z, t) {
				dst[i] += float64(val)
			}
		}
		inv := 1.0 / float64(v.NT)
		for i := range dst {
			dst[i] *= inv
		}
	}
	return mean
}

// FrameStack returns the frame at time t across all planes as a new 3D stack
func (v *RawVolume) FrameStack(t int) *PlaneStack {
	out := NewPlaneStack(v.NZ, v.NY, v.NX)
	for z := 0; z < v.NZ; z++ {
		dst := out.Plane(z)
		for i, val := range v.Frame(z, t) {
			dst[i] = float64(val)
		}
	}
	return out
}

// PlaneStack is a 3D float volume such as a mean image or a reference volume.
// A 2D image is a stack with a single plane.
type PlaneStack struct {
	// Data is the volume as a 1D array in [plane][y][x] row-major order
	Data []float64

	// NZ, NY, NX are the number of planes, rows and columns
	NZ, NY, NX int
}

// NewPlaneStack allocates a zeroed stack
func NewPlaneStack(nz, ny, nx int) *PlaneStack {
	return &PlaneStack{
		Data: make([]float64, nz*ny*nx),
		NZ:   nz,
		NY:   ny,
		NX:   nx,
	}
}

// NewImage wraps a single 2D image as a one-plane stack without copying
func NewImage(data []float64, ny, nx int) *PlaneStack {
	return &PlaneStack{Data: data, NZ: 1, NY: ny, NX: nx}
}

// Shape returns the stack dimensions as (nz, ny, nx)
func (s *PlaneStack) Shape() [3]int {
	return [3]int{s.NZ, s.NY, s.NX}
}

// Plane returns one plane, aliasing the stack data
func (s *PlaneStack) Plane(z int) []float64 {
	size := s.NY * s.NX
	return s.Data[z*size : (z+1)*size]
}

// PlaneImage returns one plane as a single-plane stack aliasing the stack data
func (s *PlaneStack) PlaneImage(z int) *PlaneStack {
	return NewImage(s.Plane(z), s.NY, s.NX)
}

// At returns the value at (z, y, x)
func (s *PlaneStack) At(z, y, x int) float64 {
	return s.Data[(z*s.NY+y)*s.NX+x]
}

// Clone returns a deep copy of the stack
func (s *PlaneStack) Clone() *PlaneStack {
	out := NewPlaneStack(s.NZ, s.NY, s.NX)
	copy(out.Data, s.Data)
	return out
}

// SameShape reports whether two stacks have identical dimensions
func (s *PlaneStack) SameShape(o *PlaneStack) bool {
	return s.NZ == o.NZ && s.NY == o.NY && s.NX == o.NX
}

// Shift is a rigid translation in voxels. Z is zero for in-plane shifts.
type Shift struct {
	Z float64 `yaml:"z"`
	Y float64 `yaml:"y"`
	X float64 `yaml:"x"`
}

// Add returns the component-wise sum of two shifts
func (s Shift) Add(o Shift) Shift {
	return Shift{Z: s.Z + o.Z, Y: s.Y + o.Y, X: s.X + o.X}
}

// Sub returns the component-wise difference of two shifts
func (s Shift) Sub(o Shift) Shift {
	return Shift{Z: s.Z - o.Z, Y: s.Y - o.Y, X: s.X - o.X}
}

// IsZero reports whether the shift is exactly zero on every axis
func (s Shift) IsZero() bool {
	return s.Z == 0 && s.Y == 0 && s.X == 0
}

// Padding is the extra border added on each axis when planes are shifted into one volume
type Padding struct {
	X int `yaml:"xpad"`
	Y int `yaml:"ypad"`
}
