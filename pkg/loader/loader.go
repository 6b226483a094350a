// Package loader reads raw multi-plane recordings into memory.
//
// A recording is a sequence of files. Every file holds a run of time points of all
// channels, and every channel image is a stack of scan strips that must be placed
// side by side to form the field of view.
package loader

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/image/tiff"

	"lbminit/internal/models"
	"lbminit/pkg/config"
)

// ErrBadLayout is returned when a file's size does not fit the configured mosaic geometry
var ErrBadLayout = errors.New("file does not match the mosaic layout")

// lbmChannelOrder maps plane id to 1-based channel id for 30-channel LBM recordings,
// where consecutive cavity depths are interleaved across the acquisition channels
var lbmChannelOrder = []int{
	1, 5, 6, 7, 8, 9, 2, 10, 11, 12, 13, 14, 15, 16, 17,
	3, 18, 19, 20, 21, 22, 23, 4, 24, 25, 26, 27, 28, 29, 30,
}

// FrameLoader loads the given planes of a list of files into one movie
type FrameLoader interface {
	Load(ctx context.Context, files []string, planes []int, filter *NotchFilter, nChannels int, fixScanQuirk bool) (*models.RawVolume, error)
}

// MosaicTIFF loads 16-bit grayscale TIFF files whose single page stacks
// frames x channels x strips vertically
type MosaicTIFF struct {
	// NumStrips is the number of scan strips per channel image
	NumStrips int

	// LinesPerStrip is the height of one strip
	LinesPerStrip int

	// StripGap is the number of discarded rows between strips
	StripGap int

	// ConvertPlaneIDs applies the LBM channel order to 30-channel recordings
	ConvertPlaneIDs bool

	// RAMBudgetBytes bounds the bytes of files decoded at once; zero means unbounded
	RAMBudgetBytes int64

	// Workers bounds the number of files decoded at once
	Workers int

	log zerolog.Logger
}

// NewMosaicTIFF creates a loader from the loader configuration
func NewMosaicTIFF(cfg config.LoaderConfig, log zerolog.Logger) *MosaicTIFF {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &MosaicTIFF{
		NumStrips:       cfg.NumStrips,
		LinesPerStrip:   cfg.LinesPerStrip,
		StripGap:        cfg.StripGap,
		ConvertPlaneIDs: cfg.ConvertPlaneIDs,
		RAMBudgetBytes:  cfg.RAMBudgetBytes,
		Workers:         workers,
		log:             log,
	}
}

// ChannelOf returns the 0-based channel holding a 0-based plane id
func ChannelOf(plane, nChannels int, convert bool) int {
	if convert && nChannels == len(lbmChannelOrder) {
		return lbmChannelOrder[plane] - 1
	}
	return plane
}

// channelHeight is the number of rows of one channel image
func (m *MosaicTIFF) channelHeight() int {
	return m.NumStrips*m.LinesPerStrip + (m.NumStrips-1)*m.StripGap
}

// StripStarts returns the column at which each strip starts in a stitched frame
func (m *MosaicTIFF) StripStarts(stripWidth int) []int {
	starts := make([]int, m.NumStrips)
	for i := range starts {
		starts[i] = i * stripWidth
	}
	return starts
}

// filesInFlight is the number of files that may be decoded at once
func (m *MosaicTIFF) filesInFlight(files []string) int {
	n := m.Workers
	if m.RAMBudgetBytes <= 0 || len(files) == 0 {
		return n
	}
	info, err := os.Stat(files[0])
	if err != nil || info.Size() == 0 {
		return n
	}
	byBudget := int(m.RAMBudgetBytes / info.Size())
	return min(n, max(1, byBudget))
}

// fileResult is the decoded content of one file
type fileResult struct {
	idx        int
	vol        *models.RawVolume
	stripWidth int
	err        error
}

// Load implements FrameLoader. Files are decoded concurrently and concatenated in the order given.
// An empty plane list loads every channel.
func (m *MosaicTIFF) Load(ctx context.Context, files []string, planes []int, filter *NotchFilter, nChannels int, fixScanQuirk bool) (*models.RawVolume, error) {
	if len(files) == 0 {
		return nil, &models.InsufficientDataError{What: "files", Requested: 1, Available: 0}
	}
	if nChannels < 1 || m.NumStrips < 1 || m.LinesPerStrip < 1 {
		return nil, fmt.Errorf("%w: %d channels, %d strips of %d lines", ErrBadLayout, nChannels, m.NumStrips, m.LinesPerStrip)
	}
	if len(planes) == 0 {
		planes = make([]int, nChannels)
		for i := range planes {
			planes[i] = i
		}
	}
	channels := make([]int, len(planes))
	for i, p := range planes {
		if p < 0 || p >= nChannels {
			return nil, fmt.Errorf("plane %d outside [0, %d)", p, nChannels)
		}
		channels[i] = ChannelOf(p, nChannels, m.ConvertPlaneIDs)
	}

	inFlight := m.filesInFlight(files)
	m.log.Info().Int("files", len(files)).Int("planes", len(planes)).Int("in_flight", inFlight).Msg("Loading files")

	resultChan := make(chan fileResult)
	sem := make(chan struct{}, inFlight)
	go func() {
		for i, path := range files {
			// Stop scheduling new files once cancelled; the collector reports the error
			if ctx.Err() != nil {
				resultChan <- fileResult{idx: i, err: ctx.Err()}
				continue
			}
			sem <- struct{}{}
			go func(idx int, path string) {
				defer func() { <-sem }()
				vol, width, err := m.loadFile(path, channels, filter, nChannels, fixScanQuirk)
				if err != nil {
					err = fmt.Errorf("failed to load %s: %w", path, err)
				}
				resultChan <- fileResult{idx: idx, vol: vol, stripWidth: width, err: err}
			}(i, path)
		}
	}()

	parts := make([]*models.RawVolume, len(files))
	stripWidth := 0
	var firstErr error
	for completed := 0; completed < len(files); completed++ {
		res := <-resultChan
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		parts[res.idx] = res.vol
		stripWidth = res.stripWidth
		m.log.Debug().Int("file", res.idx).Int("frames", res.vol.NT).Msg("Decoded file")
	}
	if firstErr != nil {
		return nil, firstErr
	}

	vol, err := concatFrames(parts)
	if err != nil {
		return nil, err
	}
	vol.StripStarts = m.StripStarts(stripWidth)
	m.log.Info().
		Int("planes", vol.NZ).
		Int("frames", vol.NT).
		Int("height", vol.NY).
		Int("width", vol.NX).
		Msg("Loaded movie")
	return vol, nil
}

// loadFile decodes one file and stitches the requested channels
func (m *MosaicTIFF) loadFile(path string, channels []int, filter *NotchFilter, nChannels int, fixScanQuirk bool) (*models.RawVolume, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	img, err := tiff.Decode(f)
	if err != nil {
		return nil, 0, err
	}
	gray, ok := img.(*image.Gray16)
	if !ok {
		return nil, 0, fmt.Errorf("%w: expected 16-bit grayscale, got %T", ErrBadLayout, img)
	}
	return m.stitch(gray, channels, filter, nChannels, fixScanQuirk)
}

// stitch cuts a decoded page into frames of the requested channels
func (m *MosaicTIFF) stitch(page *image.Gray16, channels []int, filter *NotchFilter, nChannels int, fixScanQuirk bool) (*models.RawVolume, int, error) {
	bounds := page.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	chHeight := m.channelHeight()
	if height%(chHeight*nChannels) != 0 {
		return nil, 0, fmt.Errorf("%w: height %d is not a multiple of %d channels x %d rows",
			ErrBadLayout, height, nChannels, chHeight)
	}
	nt := height / (chHeight * nChannels)
	if fixScanQuirk {
		nt--
	}
	if nt < 1 {
		return nil, 0, fmt.Errorf("%w: no frames left in file", ErrBadLayout)
	}

	ny, nx := m.LinesPerStrip, m.NumStrips*width
	vol := models.NewRawVolume(len(channels), nt, ny, nx)
	row := make([]float64, nx)
	for z, ch := range channels {
		for t := 0; t < nt; t++ {
			frame := vol.Frame(z, t)
			top := (t*nChannels + ch) * chHeight
			for y := 0; y < ny; y++ {
				for s := 0; s < m.NumStrips; s++ {
					srcY := top + s*(m.LinesPerStrip+m.StripGap) + y
					for x := 0; x < width; x++ {
						row[s*width+x] = float64(page.Gray16At(bounds.Min.X+x, bounds.Min.Y+srcY).Y)
					}
				}
				if filter != nil {
					filter.Apply(row)
				}
				for x, v := range row {
					frame[y*nx+x] = float32(v)
				}
			}
		}
	}
	return vol, width, nil
}

// concatFrames joins per-file movies along time
func concatFrames(parts []*models.RawVolume) (*models.RawVolume, error) {
	first := parts[0]
	nt := 0
	for i, p := range parts {
		if p.NZ != first.NZ || p.NY != first.NY || p.NX != first.NX {
			return nil, fmt.Errorf("%w: file %d has frame shape %dx%dx%d, expected %dx%dx%d",
				ErrBadLayout, i, p.NZ, p.NY, p.NX, first.NZ, first.NY, first.NX)
		}
		nt += p.NT
	}

	out := models.NewRawVolume(first.NZ, nt, first.NY, first.NX)
	for z := 0; z < first.NZ; z++ {
		t := 0
		for _, p := range parts {
			for pt := 0; pt < p.NT; pt++ {
				copy(out.Frame(z, t), p.Frame(z, pt))
				t++
			}
		}
	}
	return out, nil
}
