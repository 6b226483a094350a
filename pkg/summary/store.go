package summary

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/robert-malhotra/go-hdf5/hdf5"
	"gopkg.in/yaml.v3"

	"lbminit/internal/models"
	"lbminit/pkg/registration"
)

const (
	// MetadataFile is the name of the YAML record inside the summary directory
	MetadataFile = "summary.yaml"

	// ArraysFile is the name of the HDF5 array store inside the summary directory
	ArraysFile = "summary.h5"
)

var (
	// ErrSummaryExists is returned when saving into a directory that already holds a summary
	ErrSummaryExists = errors.New("summary already exists")

	// ErrSchemaVersion is returned when loading a summary written with another layout
	ErrSchemaVersion = errors.New("unsupported summary schema version")
)

// Store persists summaries in a directory
type Store struct {
	Dir string
}

// NewStore creates a store rooted at dir
func NewStore(dir string) *Store {
	return &Store{Dir: dir}
}

func (st *Store) metadataPath() string {
	return filepath.Join(st.Dir, MetadataFile)
}

func (st *Store) arraysPath() string {
	return filepath.Join(st.Dir, ArraysFile)
}

// Exists reports whether either summary file is present
func (st *Store) Exists() bool {
	for _, p := range []string{st.metadataPath(), st.arraysPath()} {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

// Save writes the arrays and then the metadata. It never overwrites an existing summary.
func (st *Store) Save(s *Summary) error {
	if info, err := os.Stat(st.Dir); err != nil || !info.IsDir() {
		return &models.MissingDirectoryError{Path: st.Dir}
	}
	if st.Exists() {
		return fmt.Errorf("%w in %s", ErrSummaryExists, st.Dir)
	}

	if err := st.saveArrays(s); err != nil {
		os.Remove(st.arraysPath())
		return fmt.Errorf("failed to write %s: %w", ArraysFile, err)
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("error marshaling summary: %w", err)
	}
	// O_EXCL keeps a concurrent writer from replacing the record
	f, err := os.OpenFile(st.metadataPath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w in %s", ErrSummaryExists, st.Dir)
		}
		return fmt.Errorf("error creating %s: %w", MetadataFile, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("error writing %s: %w", MetadataFile, err)
	}
	return f.Close()
}

func stackShape(s *models.PlaneStack) []int64 {
	return []int64{int64(s.NZ), int64(s.NY), int64(s.NX)}
}

func writeStack(g *hdf5.Group, name string, s *models.PlaneStack) error {
	if s == nil || len(s.Data) == 0 {
		return nil
	}
	_, err := g.CreateDataset(name, s.Data, hdf5.WithAttribute("shape", stackShape(s)))
	if err != nil {
		return fmt.Errorf("dataset %s: %w", name, err)
	}
	return nil
}

func shiftsArray(shifts []models.Shift) []float64 {
	out := make([]float64, 0, 3*len(shifts))
	for _, s := range shifts {
		out = append(out, s.Z, s.Y, s.X)
	}
	return out
}

func (st *Store) saveArrays(s *Summary) (err error) {
	f, err := hdf5.Create(st.arraysPath())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return writeArrays(f.Root(), s)
}

func writeArrays(root *hdf5.Group, s *Summary) error {
	stacks := []struct {
		name  string
		stack *models.PlaneStack
	}{
		{"ref_img_3d", s.Reference},
		{"raw_img", s.RawImage},
		{"img", s.Image},
		{"ref_img_3d_unaligned", s.UnalignedReference},
	}
	for _, item := range stacks {
		if err := writeStack(root, item.name, item.stack); err != nil {
			return err
		}
	}

	for _, item := range []struct {
		name   string
		shifts []models.Shift
	}{
		{"plane_shifts", s.PlaneShifts},
		{"plane_shifts_uncorrected", s.UncorrectedPlaneShifts},
	} {
		if len(item.shifts) == 0 {
			continue
		}
		_, err := root.CreateDataset(item.name, shiftsArray(item.shifts),
			hdf5.WithAttribute("shape", []int64{int64(len(item.shifts)), 3}),
			hdf5.WithAttribute("axes", "zyx"))
		if err != nil {
			return fmt.Errorf("dataset %s: %w", item.name, err)
		}
	}

	if len(s.Masks) > 0 {
		masks, err := root.CreateGroup("masks")
		if err != nil {
			return err
		}
		for z, m := range s.Masks {
			g, err := masks.CreateGroup(planeGroup(z))
			if err != nil {
				return err
			}
			shape := hdf5.WithAttribute("shape", []int64{int64(m.NY), int64(m.NX)})
			if _, err := g.CreateDataset("mask_mul", m.MaskMul, shape); err != nil {
				return fmt.Errorf("plane %d mask_mul: %w", z, err)
			}
			if _, err := g.CreateDataset("mask_offset", m.MaskOffset, shape); err != nil {
				return fmt.Errorf("plane %d mask_offset: %w", z, err)
			}
		}
	}

	if mov := s.InitMovie; mov != nil && len(mov.Data) > 0 {
		_, err := root.CreateDataset("init_mov", mov.Data,
			hdf5.WithAttribute("shape", []int64{int64(mov.NZ), int64(mov.NT), int64(mov.NY), int64(mov.NX)}))
		if err != nil {
			return fmt.Errorf("dataset init_mov: %w", err)
		}
	}
	return nil
}

func planeGroup(z int) string {
	return fmt.Sprintf("plane_%02d", z)
}

// Load reads a summary back from the store
func (st *Store) Load() (*Summary, error) {
	data, err := os.ReadFile(st.metadataPath())
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", MetadataFile, err)
	}
	s := &Summary{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", MetadataFile, err)
	}
	if s.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrSchemaVersion, s.SchemaVersion)
	}

	f, err := hdf5.Open(st.arraysPath())
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", ArraysFile, err)
	}
	defer f.Close()

	targets := []struct {
		name string
		dst  **models.PlaneStack
	}{
		{"ref_img_3d", &s.Reference},
		{"raw_img", &s.RawImage},
		{"img", &s.Image},
		{"ref_img_3d_unaligned", &s.UnalignedReference},
	}
	for _, tgt := range targets {
		stack, err := readStack(f, tgt.name)
		if err != nil {
			return nil, err
		}
		*tgt.dst = stack
	}

	if s.Reference != nil {
		for z := 0; z < s.Reference.NZ; z++ {
			m, err := readMasks(f, z)
			if err != nil {
				return nil, err
			}
			if m == nil {
				break
			}
			s.Masks = append(s.Masks, m)
		}
	}

	mov, err := readMovie(f)
	if err != nil {
		return nil, err
	}
	if mov != nil {
		mov.StripStarts = append([]int(nil), s.StripStarts...)
	}
	s.InitMovie = mov
	return s, nil
}

// readDataset returns the values and shape attribute of a dataset, or nil when the dataset is absent
func readDataset(f *hdf5.File, path string) ([]float64, []int64, error) {
	ds, err := f.OpenDataset(path)
	if errors.Is(err, hdf5.ErrNotFound) {
		// Optional arrays are simply not written
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dataset %s: %w", path, err)
	}
	values, err := ds.ReadFloat64()
	if err != nil {
		return nil, nil, fmt.Errorf("dataset %s: %w", path, err)
	}
	attr := ds.Attr("shape")
	if attr == nil {
		return nil, nil, fmt.Errorf("dataset %s has no shape attribute", path)
	}
	shape, err := attr.ReadInt64()
	if err != nil {
		return nil, nil, fmt.Errorf("dataset %s shape: %w", path, err)
	}
	size := int64(1)
	for _, d := range shape {
		size *= d
	}
	if size != int64(len(values)) {
		return nil, nil, fmt.Errorf("dataset %s: shape %v does not match %d values", path, shape, len(values))
	}
	return values, shape, nil
}

func readStack(f *hdf5.File, path string) (*models.PlaneStack, error) {
	values, shape, err := readDataset(f, path)
	if err != nil || values == nil {
		return nil, err
	}
	if len(shape) != 3 {
		return nil, fmt.Errorf("dataset %s: expected 3 dimensions, got %v", path, shape)
	}
	return &models.PlaneStack{Data: values, NZ: int(shape[0]), NY: int(shape[1]), NX: int(shape[2])}, nil
}

func readMasks(f *hdf5.File, z int) (*registration.Masks, error) {
	base := "masks/" + planeGroup(z)
	mul, shape, err := readDataset(f, base+"/mask_mul")
	if err != nil || mul == nil {
		return nil, err
	}
	offset, _, err := readDataset(f, base+"/mask_offset")
	if err != nil {
		return nil, err
	}
	return &registration.Masks{
		MaskMul:    mul,
		MaskOffset: offset,
		NY:         int(shape[0]),
		NX:         int(shape[1]),
	}, nil
}

func readMovie(f *hdf5.File) (*models.RawVolume, error) {
	ds, err := f.OpenDataset("init_mov")
	if errors.Is(err, hdf5.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dataset init_mov: %w", err)
	}
	values, err := ds.ReadFloat32()
	if err != nil {
		return nil, fmt.Errorf("dataset init_mov: %w", err)
	}
	attr := ds.Attr("shape")
	if attr == nil {
		return nil, fmt.Errorf("dataset init_mov has no shape attribute")
	}
	shape, err := attr.ReadInt64()
	if err != nil || len(shape) != 4 {
		return nil, fmt.Errorf("dataset init_mov: invalid shape %v: %v", shape, err)
	}
	return &models.RawVolume{
		Data:        values,
		NZ:          int(shape[0]),
		NT:          int(shape[1]),
		NY:          int(shape[2]),
		NX:          int(shape[3]),
		StripStarts: []int{0},
	}, nil
}
