// Package sampling chooses which raw files and frames are used to build the initial reference.
package sampling

import (
	"fmt"
	"sort"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"

	"lbminit/internal/models"
	"lbminit/pkg/config"
)

// BuildPool concatenates the [start, end) ranges of files into the sampling pool.
// With no ranges the pool is the whole list. Ranges are clamped to the list length.
func BuildPool(files []string, ranges [][2]int) []string {
	if len(ranges) == 0 {
		return append([]string(nil), files...)
	}
	var pool []string
	for _, lims := range ranges {
		start, end := clamp(lims[0], 0, len(files)), clamp(lims[1], 0, len(files))
		if end > start {
			pool = append(pool, files[start:end]...)
		}
	}
	return pool
}

// EvenIndices returns n indices spread evenly over a pool of the given size.
// They match int(linspace(0, size, n+2))[1:-1]: the two boundary samples are
// dropped, so unless n == size neither the first nor the last element is chosen.
func EvenIndices(size, n int) ([]int, error) {
	if n > size {
		return nil, &models.InsufficientDataError{What: "files", Requested: n, Available: size}
	}
	idx := make([]int, n)
	for k := 1; k <= n; k++ {
		// integer form of k*size/(n+1), exact for every pool size
		idx[k-1] = k * size / (n + 1)
	}
	return idx, nil
}

// RandomIndices draws n distinct indices from [0, size) using src
func RandomIndices(size, n int, src rand.Source) ([]int, error) {
	if n > size {
		return nil, &models.InsufficientDataError{What: "files", Requested: n, Available: size}
	}
	idx := make([]int, n)
	sampleuv.WithoutReplacement(idx, size, src)
	return idx, nil
}

// ChooseFiles selects the initialization files from the full ordered file list
func ChooseFiles(files []string, n int, ranges [][2]int, method string, seed uint64) ([]string, error) {
	if n < 1 {
		return nil, fmt.Errorf("number of init files must be positive, got %d", n)
	}
	pool := BuildPool(files, ranges)

	var idx []int
	var err error
	switch method {
	case config.SampleEven:
		idx, err = EvenIndices(len(pool), n)
	case config.SampleRandom:
		idx, err = RandomIndices(len(pool), n, rand.NewSource(seed))
	default:
		return nil, fmt.Errorf("unknown sampling method %q", method)
	}
	if err != nil {
		return nil, err
	}

	chosen := make([]string, len(idx))
	for i, j := range idx {
		chosen[i] = pool[j]
	}
	return chosen, nil
}

// SubsetFrames keeps target randomly chosen time points of vol, the same ones for every plane.
// Chosen frames stay in acquisition order. When the movie is shorter than the target the
// whole movie is returned together with a shortfall warning.
func SubsetFrames(vol *models.RawVolume, target int, seed uint64) (*models.RawVolume, *models.Warning) {
	switch {
	case target <= 0 || vol.NT == target:
		return vol, nil
	case vol.NT < target:
		w := models.NewWarning(models.ShortfallWarning,
			"not enough frames in loaded files - using %d init frames instead of %d", vol.NT, target)
		return vol, &w
	}

	ts := make([]int, target)
	sampleuv.WithoutReplacement(ts, vol.NT, rand.NewSource(seed))
	sort.Ints(ts)
	return vol.SelectFrames(ts), nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
