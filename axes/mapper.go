package axes

import (
	"fmt"

	"github.com/qri-io/bioimg/ndarray"
	"github.com/qri-io/bioimg/zarr"
)

// Mapper reorders shapes, arrays and tiles from a source axes order to a
// target order of the same labels.
type Mapper struct {
	source, target Axes
	// perm[i] is the position in source of target axis i
	perm []int
}

// NewMapper returns a mapper from source to target order.
func NewMapper(source, target Axes) (*Mapper, error) {
	if !sameSet(source.dims, target.dims) {
		return nil, &IncompatibleAxesError{Source: source.dims, Target: target.dims}
	}
	perm := make([]int, len(target.dims))
	for i := 0; i < len(target.dims); i++ {
		perm[i] = source.Index(target.dims[i])
	}
	return &Mapper{source: source, target: target, perm: perm}, nil
}

func (m *Mapper) Source() Axes { return m.source }

func (m *Mapper) Target() Axes { return m.target }

// Perm returns a copy of the permutation.
func (m *Mapper) Perm() []int { return append([]int(nil), m.perm...) }

// IsIdentity reports whether source and target share the same order.
func (m *Mapper) IsIdentity() bool { return m.source.Equal(m.target) }

// Inverted maps target back to source.
func (m *Mapper) Inverted() *Mapper {
	inv := make([]int, len(m.perm))
	for i, p := range m.perm {
		inv[p] = i
	}
	return &Mapper{source: m.target, target: m.source, perm: inv}
}

// MapShape reorders a source shape into target order.
func (m *Mapper) MapShape(shape []int) ([]int, error) {
	if len(shape) != len(m.perm) {
		return nil, fmt.Errorf("shape %v does not match axes %q", shape, m.source)
	}
	out := make([]int, len(shape))
	for i, p := range m.perm {
		out[i] = shape[p]
	}
	return out, nil
}

// MapTile reorders a source region into target order.
func (m *Mapper) MapTile(tile zarr.Region) (zarr.Region, error) {
	if len(tile) != len(m.perm) {
		return nil, fmt.Errorf("tile %s does not match axes %q", tile, m.source)
	}
	out := make(zarr.Region, len(tile))
	for i, p := range m.perm {
		out[i] = tile[p]
	}
	return out, nil
}

// MapArray transposes a source ordered array into target order. Element
// values are never altered.
func (m *Mapper) MapArray(a *ndarray.Array) (*ndarray.Array, error) {
	if a.Ndim() != len(m.perm) {
		return nil, fmt.Errorf("%s does not match axes %q", a, m.source)
	}
	return a.Transpose(m.perm)
}

// Transpose reorders an array from one axes string to another, e.g. from
// "CYX" to "YXC".
func Transpose(a *ndarray.Array, from, to string) (*ndarray.Array, error) {
	src, err := New(from)
	if err != nil {
		return nil, err
	}
	dst, err := New(to)
	if err != nil {
		return nil, err
	}
	m, err := NewMapper(src, dst)
	if err != nil {
		return nil, err
	}
	return m.MapArray(a)
}
