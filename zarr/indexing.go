package zarr

import (
	"fmt"
	"strings"
)

// Range is a half-open interval [Start, Stop) along one dimension.
type Range struct {
	Start int
	Stop  int
}

func (r Range) Len() int { return r.Stop - r.Start }

func (r Range) String() string { return fmt.Sprintf("%d:%d", r.Start, r.Stop) }

// Region selects a rectangular block of an array, one Range per dimension.
type Region []Range

// FullRegion selects every element of an array with the given shape.
func FullRegion(shape []int) Region {
	r := make(Region, len(shape))
	for i, n := range shape {
		r[i] = Range{0, n}
	}
	return r
}

// Shape is the extent of the region along each dimension.
func (r Region) Shape() []int {
	s := make([]int, len(r))
	for i, rg := range r {
		s[i] = rg.Len()
	}
	return s
}

// Offset is the start of the region along each dimension.
func (r Region) Offset() []int {
	o := make([]int, len(r))
	for i, rg := range r {
		o[i] = rg.Start
	}
	return o
}

// NumElements counts the elements the region covers.
func (r Region) NumElements() int {
	n := 1
	for _, rg := range r {
		n *= rg.Len()
	}
	return n
}

// Within returns an error unless the region lies inside an array of the
// given shape.
func (r Region) Within(shape []int) error {
	if len(r) != len(shape) {
		return fmt.Errorf("%w: region %s has %d dimensions, array has %d", ErrOutOfBounds, r, len(r), len(shape))
	}
	for i, rg := range r {
		if rg.Start < 0 || rg.Stop < rg.Start || rg.Stop > shape[i] {
			return fmt.Errorf("%w: region %s outside shape %v", ErrOutOfBounds, r, shape)
		}
	}
	return nil
}

// Equal compares two regions.
func (r Region) Equal(o Region) bool {
	if len(r) != len(o) {
		return false
	}
	for i := range r {
		if r[i] != o[i] {
			return false
		}
	}
	return true
}

func (r Region) String() string {
	parts := make([]string, len(r))
	for i, rg := range r {
		parts[i] = rg.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

type chunkDimProjection struct {
	// Index of chunk.
	DimChunkIX int
	// Selection of items from chunk array.
	DimChunkSel Range
	// Selection of items in target (output) array.
	DimOutSel Range
}

// A mapping of items from chunk to output array. Can be used to extract items
// from the chunk array for loading into an output array. Can also be used to
// extract items from a value array for setting/updating in a chunk array.
type chunkProjection struct {
	// Indices of chunk
	ChunkCoords []int
	// Selection of items from chunk array.
	ChunkSelection Region
	// Selection of items in target (output) array.
	OutSelection Region
}

// covers reports whether the projection writes every element of the chunk
// that lies inside the array.
func (p chunkProjection) covers(shape, chunks []int) bool {
	for i, c := range p.ChunkCoords {
		start := c * chunks[i]
		valid := chunks[i]
		if start+valid > shape[i] {
			valid = shape[i] - start
		}
		if p.ChunkSelection[i].Start != 0 || p.ChunkSelection[i].Stop < valid {
			return false
		}
	}
	return true
}

func dimProjections(extent, chunk int, sel Range) []chunkDimProjection {
	if sel.Len() == 0 {
		return nil
	}
	first, last := sel.Start/chunk, (sel.Stop-1)/chunk
	out := make([]chunkDimProjection, 0, last-first+1)
	for c := first; c <= last; c++ {
		cstart := c * chunk
		cstop := cstart + chunk
		if cstop > extent {
			cstop = extent
		}
		lo, hi := cstart, cstop
		if sel.Start > lo {
			lo = sel.Start
		}
		if sel.Stop < hi {
			hi = sel.Stop
		}
		out = append(out, chunkDimProjection{
			DimChunkIX:  c,
			DimChunkSel: Range{lo - cstart, hi - cstart},
			DimOutSel:   Range{lo - sel.Start, hi - sel.Start},
		})
	}
	return out
}

// projections lists, in row-major chunk order, how a selection maps onto
// each chunk it touches.
func projections(shape, chunks []int, sel Region) []chunkProjection {
	dims := make([][]chunkDimProjection, len(shape))
	total := 1
	for i := range shape {
		dims[i] = dimProjections(shape[i], chunks[i], sel[i])
		total *= len(dims[i])
	}
	if total == 0 {
		return nil
	}
	out := make([]chunkProjection, 0, total)
	idx := make([]int, len(shape))
	for {
		p := chunkProjection{
			ChunkCoords:    make([]int, len(shape)),
			ChunkSelection: make(Region, len(shape)),
			OutSelection:   make(Region, len(shape)),
		}
		for i, j := range idx {
			d := dims[i][j]
			p.ChunkCoords[i] = d.DimChunkIX
			p.ChunkSelection[i] = d.DimChunkSel
			p.OutSelection[i] = d.DimOutSel
		}
		out = append(out, p)

		i := len(idx) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(dims[i]) {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return out
		}
	}
}

// Strides returns the byte strides of a C ordered array.
func Strides(shape []int, itemSize int) []int {
	s := make([]int, len(shape))
	acc := itemSize
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

// CopyRegion copies a block of count elements per dimension from the C
// ordered buffer src (of srcShape, starting at srcOff) into dst (of dstShape,
// starting at dstOff).
func CopyRegion(dst []byte, dstShape, dstOff []int, src []byte, srcShape, srcOff []int, count []int, itemSize int) {
	n := len(count)
	if n == 0 {
		copy(dst[:itemSize], src[:itemSize])
		return
	}
	for _, c := range count {
		if c == 0 {
			return
		}
	}
	dstStrides := Strides(dstShape, itemSize)
	srcStrides := Strides(srcShape, itemSize)
	rowBytes := count[n-1] * itemSize
	idx := make([]int, n-1)
	for {
		d := dstOff[n-1] * itemSize
		s := srcOff[n-1] * itemSize
		for i := 0; i < n-1; i++ {
			d += (dstOff[i] + idx[i]) * dstStrides[i]
			s += (srcOff[i] + idx[i]) * srcStrides[i]
		}
		copy(dst[d:d+rowBytes], src[s:s+rowBytes])

		i := n - 2
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < count[i] {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return
		}
	}
}
