package artifact

import (
	"errors"
	"fmt"

	"github.com/banshee-data/rtdecnef/internal/fsutil"
)

// ErrMaskSize is returned when a vector does not match the mask it is
// applied to.
var ErrMaskSize = errors.New("vector does not match mask")

// Mask selects the region-of-interest elements of a full-length vector.
type Mask struct {
	size int
	keep []int
}

// NewMask builds a mask from a full-length weight vector; non-zero entries
// are kept.
func NewMask(weights []float64) (*Mask, error) {
	m := &Mask{size: len(weights)}
	for i, w := range weights {
		if w != 0 {
			m.keep = append(m.keep, i)
		}
	}
	if len(m.keep) == 0 {
		return nil, errors.New("mask selects no elements")
	}
	return m, nil
}

// LoadMask reads a mask vector file.
func LoadMask(fs fsutil.FileSystem, path string) (*Mask, error) {
	w, err := LoadVector(fs, path)
	if err != nil {
		return nil, err
	}
	m, err := NewMask(w)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Size is the length of vectors the mask applies to.
func (m *Mask) Size() int { return m.size }

// Len is the number of elements the mask keeps.
func (m *Mask) Len() int { return len(m.keep) }

// Apply returns the kept elements of v in order.
func (m *Mask) Apply(v []float64) ([]float64, error) {
	if len(v) != m.size {
		return nil, fmt.Errorf("%w: got %d elements, mask has %d", ErrMaskSize, len(v), m.size)
	}
	out := make([]float64, len(m.keep))
	for i, k := range m.keep {
		out[i] = v[k]
	}
	return out, nil
}
