package registration

import (
	"math"

	"lbminit/internal/models"
)

// wrap returns i modulo n in [0, n)
func wrap(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}

// Roll circularly shifts a stack so that out[z+dz][y+dy][x+dx] = in[z][y][x].
// Shift components are rounded to the nearest voxel.
func Roll(img *models.PlaneStack, s models.Shift) *models.PlaneStack {
	dz, dy, dx := roundShift(s)
	out := models.NewPlaneStack(img.NZ, img.NY, img.NX)
	for z := 0; z < img.NZ; z++ {
		oz := wrap(z+dz, img.NZ)
		for y := 0; y < img.NY; y++ {
			oy := wrap(y+dy, img.NY)
			src := img.Data[(z*img.NY+y)*img.NX : (z*img.NY+y+1)*img.NX]
			dst := out.Data[(oz*img.NY+oy)*img.NX : (oz*img.NY+oy+1)*img.NX]
			for x, v := range src {
				dst[wrap(x+dx, img.NX)] = v
			}
		}
	}
	return out
}

// Translate shifts a stack like Roll but fills uncovered voxels with zero instead of wrapping
func Translate(img *models.PlaneStack, s models.Shift) *models.PlaneStack {
	dz, dy, dx := roundShift(s)
	out := models.NewPlaneStack(img.NZ, img.NY, img.NX)
	for z := 0; z < img.NZ; z++ {
		oz := z + dz
		if oz < 0 || oz >= img.NZ {
			continue
		}
		for y := 0; y < img.NY; y++ {
			oy := y + dy
			if oy < 0 || oy >= img.NY {
				continue
			}
			for x := 0; x < img.NX; x++ {
				ox := x + dx
				if ox < 0 || ox >= img.NX {
					continue
				}
				out.Data[(oz*img.NY+oy)*img.NX+ox] = img.Data[(z*img.NY+y)*img.NX+x]
			}
		}
	}
	return out
}

// Displace shifts a volume circularly within each plane and without wrapping across planes.
// covered reports which output planes received a source plane; the others are zero.
func Displace(img *models.PlaneStack, s models.Shift) (out *models.PlaneStack, covered []bool) {
	rolled := Roll(img, models.Shift{Y: s.Y, X: s.X})
	out = Translate(rolled, models.Shift{Z: s.Z})

	dz, _, _ := roundShift(s)
	covered = make([]bool, img.NZ)
	for z := range covered {
		src := z - dz
		covered[z] = src >= 0 && src < img.NZ
	}
	return out, covered
}

// Embed copies a single plane into plane z of canvas with its top-left corner at (offY, offX).
// Pixels falling outside the canvas are dropped.
func Embed(canvas *models.PlaneStack, z int, plane []float64, ny, nx, offY, offX int) {
	dst := canvas.Plane(z)
	for y := 0; y < ny; y++ {
		cy := y + offY
		if cy < 0 || cy >= canvas.NY {
			continue
		}
		for x := 0; x < nx; x++ {
			cx := x + offX
			if cx < 0 || cx >= canvas.NX {
				continue
			}
			dst[cy*canvas.NX+cx] = plane[y*nx+x]
		}
	}
}

func roundShift(s models.Shift) (int, int, int) {
	return int(math.Round(s.Z)), int(math.Round(s.Y)), int(math.Round(s.X))
}
