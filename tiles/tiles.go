// Package tiles enumerates the rectangular tiles covering an N-dimensional
// domain.
package tiles

import (
	"fmt"

	"github.com/qri-io/bioimg/zarr"
)

// Dim is the extent of one dimension and the tile size along it.
type Dim struct {
	Extent int
	Tile   int
}

func (d Dim) numTiles() int {
	if d.Extent == 0 {
		return 0
	}
	return (d.Extent + d.Tile - 1) / d.Tile
}

// FromShape pairs an array shape with its chunk shape.
func FromShape(shape, chunks []int) ([]Dim, error) {
	if len(shape) != len(chunks) {
		return nil, fmt.Errorf("shape %v and tiles %v differ in length", shape, chunks)
	}
	dims := make([]Dim, len(shape))
	for i := range shape {
		dims[i] = Dim{Extent: shape[i], Tile: chunks[i]}
	}
	return dims, validate(dims)
}

func validate(dims []Dim) error {
	for i, d := range dims {
		if d.Extent < 0 || d.Tile <= 0 {
			return fmt.Errorf("dimension %d: invalid extent %d or tile %d", i, d.Extent, d.Tile)
		}
	}
	return nil
}

// Count is the number of tiles covering dims: the product of
// ceil(extent/tile) over all dimensions.
func Count(dims []Dim) int {
	n := 1
	for _, d := range dims {
		n *= d.numTiles()
	}
	return n
}

// Iterator yields the tiles of a domain in row-major order of the tile grid,
// the last dimension varying fastest. Tiles at the upper edge are clipped to
// the domain.
type Iterator struct {
	dims []Dim
	idx  []int
	done bool
}

// NewIterator returns an iterator positioned before the first tile.
func NewIterator(dims []Dim) (*Iterator, error) {
	if err := validate(dims); err != nil {
		return nil, err
	}
	it := &Iterator{dims: append([]Dim(nil), dims...)}
	it.Reset()
	return it, nil
}

// Reset restarts iteration from the first tile.
func (it *Iterator) Reset() {
	it.idx = make([]int, len(it.dims))
	it.done = Count(it.dims) == 0
}

// Count is the total number of tiles the iterator yields.
func (it *Iterator) Count() int { return Count(it.dims) }

// Next returns the next tile, or false once every tile has been produced.
func (it *Iterator) Next() (zarr.Region, bool) {
	if it.done {
		return nil, false
	}
	tile := make(zarr.Region, len(it.dims))
	for i, d := range it.dims {
		start := it.idx[i] * d.Tile
		stop := start + d.Tile
		if stop > d.Extent {
			stop = d.Extent
		}
		tile[i] = zarr.Range{Start: start, Stop: stop}
	}

	i := len(it.idx) - 1
	for ; i >= 0; i-- {
		it.idx[i]++
		if it.idx[i] < it.dims[i].numTiles() {
			break
		}
		it.idx[i] = 0
	}
	if i < 0 {
		it.done = true
	}
	return tile, true
}

// All materializes every tile of dims.
func All(dims []Dim) ([]zarr.Region, error) {
	it, err := NewIterator(dims)
	if err != nil {
		return nil, err
	}
	out := make([]zarr.Region, 0, it.Count())
	for t, ok := it.Next(); ok; t, ok = it.Next() {
		out = append(out, t)
	}
	return out, nil
}
