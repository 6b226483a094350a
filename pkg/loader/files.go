package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// DiscoverFiles lists the files of dir matching pattern, sorted by the number in their name
// so that acquisition order is kept even without zero padding
func DiscoverFiles(dir, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*.tif"
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("cannot read input directory: %w", err)
	}
	files, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("invalid file pattern %q: %w", pattern, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no files matching %q found in %s", pattern, dir)
	}

	sort.SliceStable(files, func(i, j int) bool {
		numI := extractNumber(files[i])
		numJ := extractNumber(files[j])
		if numI != numJ {
			return numI < numJ
		}
		return files[i] < files[j]
	})
	return files, nil
}

// extractNumber extracts the numeric part from a filename
func extractNumber(filename string) int {
	base := filepath.Base(filename)
	numStr := ""
	for _, c := range base {
		if c >= '0' && c <= '9' {
			numStr += string(c)
		}
	}

	if numStr != "" {
		num, err := strconv.Atoi(numStr)
		if err == nil {
			return num
		}
	}
	return 0
}
