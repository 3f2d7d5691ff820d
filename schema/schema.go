// Package schema decides how an image level is laid out as a chunked array:
// the tile size of every dimension, the integer type used to index it and
// the folding of channels into X for pixel packed encodings.
package schema

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/qri-io/bioimg/axes"
	"github.com/qri-io/bioimg/zarr"
)

const (
	// AttrDimensions lists the dimension names of a level array, as xarray
	// and other zarr readers expect.
	AttrDimensions = "_ARRAY_DIMENSIONS"
	// AttrIndexDtypes lists the index dtype of every dimension.
	AttrIndexDtypes = "_INDEX_DTYPES"
	// AttrPixelDepth is the number of channels folded into X, present only
	// for packed arrays.
	AttrPixelDepth = "pixel_depth"
)

// SchemaOverflowError reports a domain whose cell count no unsigned integer
// type can hold.
type SchemaOverflowError struct {
	Shape []int
}

func (e *SchemaOverflowError) Error() string {
	return fmt.Sprintf("number of cells in shape %v overflows uint64", e.Shape)
}

// UnsupportedPixelPackingError reports packing requested for data or an
// operation that needs a separate channel dimension.
type UnsupportedPixelPackingError struct {
	Dims   string
	Reason string
}

func (e *UnsupportedPixelPackingError) Error() string {
	return fmt.Sprintf("pixel packing of axes %q: %s", e.Dims, e.Reason)
}

// TileConfig maps a dimension label to its maximum tile size. Zero means
// the full extent of the dimension.
type TileConfig map[string]int

// DefaultTiles returns the per-kind tile defaults: one step along T and Z,
// every channel, and 1024 along Y and X.
func DefaultTiles() TileConfig {
	return TileConfig{"T": 1, "C": 0, "Z": 1, "Y": 1024, "X": 1024}
}

// Merge returns a copy of c with overrides applied.
func (c TileConfig) Merge(overrides map[string]int) TileConfig {
	out := make(TileConfig, len(c)+len(overrides))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Validate rejects unknown dimension names and negative sizes.
func (c TileConfig) Validate() error {
	for k, v := range c {
		if len(k) != 1 || !strings.Contains(axes.CanonicalOrder, k) {
			return &axes.InvalidAxesError{Dims: k, Reason: "unknown dimension in tile configuration"}
		}
		if v < 0 {
			return fmt.Errorf("negative tile size %d for dimension %s", v, k)
		}
	}
	return nil
}

// ChooseTile returns min(extent, cfg[name]), falling back to the default for
// the dimension kind when name is not configured. Tiles are at least one.
func ChooseTile(name string, extent int, cfg TileConfig) int {
	t, ok := cfg[name]
	if !ok {
		t = DefaultTiles()[name]
	}
	if t <= 0 || t > extent {
		t = extent
	}
	if t < 1 {
		t = 1
	}
	return t
}

// NumCells multiplies out a shape, failing when the product overflows.
func NumCells(shape []int) (uint64, error) {
	n := uint64(1)
	for _, s := range shape {
		if s < 0 {
			return 0, fmt.Errorf("negative extent in shape %v", shape)
		}
		hi, lo := bits.Mul64(n, uint64(s))
		if hi != 0 {
			return 0, &SchemaOverflowError{Shape: append([]int(nil), shape...)}
		}
		n = lo
	}
	return n, nil
}

// ChooseIndexDtype returns the narrowest unsigned integer type able to hold
// n: 255 fits in one byte, 256 needs two.
func ChooseIndexDtype(n uint64) zarr.Dtype {
	switch {
	case n <= 1<<8-1:
		return zarr.Uint8
	case n <= 1<<16-1:
		return zarr.Uint16
	case n <= 1<<32-1:
		return zarr.Uint32
	}
	return zarr.Uint64
}

// IndexDtype picks the index type for a domain from its total cell count.
func IndexDtype(shape []int) (zarr.Dtype, error) {
	n, err := NumCells(shape)
	if err != nil {
		return zarr.Dtype{}, err
	}
	return ChooseIndexDtype(n), nil
}

// Dimension describes one dimension of a level array.
type Dimension struct {
	Name   string
	Extent int
	Tile   int
	Dtype  zarr.Dtype
}

// Params are the inputs of Build.
type Params struct {
	// Dims names the dimensions of Shape, in storage order.
	Dims  string
	Shape []int
	Tiles TileConfig
	// Dtype of the stored pixel values.
	Dtype      zarr.Dtype
	Compressor *zarr.CompressionMeta
	// PixelPacking folds the C dimension into X. Dims and Shape still
	// include C; the built schema does not.
	PixelPacking bool
}

// Schema is the layout of one level array.
type Schema struct {
	Dimensions []Dimension
	Dtype      zarr.Dtype
	Compressor *zarr.CompressionMeta
	// PixelDepth is the number of channels folded into X, 0 when unpacked.
	PixelDepth int
}

// Build derives a schema from a level's dimensions and shape.
func Build(p Params) (*Schema, error) {
	if len(p.Dims) != len(p.Shape) {
		return nil, &axes.InvalidAxesError{
			Dims:   p.Dims,
			Reason: fmt.Sprintf("shape %v has %d dimensions", p.Shape, len(p.Shape)),
		}
	}
	if _, err := axes.New(p.Dims); err != nil {
		return nil, err
	}
	tiles := p.Tiles
	if tiles == nil {
		tiles = DefaultTiles()
	}
	if err := tiles.Validate(); err != nil {
		return nil, err
	}

	names, shape := p.Dims, append([]int(nil), p.Shape...)
	depth := 0
	tileX := maxTile(tiles, "X")
	if p.PixelPacking {
		ci, xi := strings.IndexByte(names, 'C'), strings.IndexByte(names, 'X')
		if ci < 0 || xi < 0 {
			return nil, &UnsupportedPixelPackingError{Dims: p.Dims, Reason: "packing needs both C and X dimensions"}
		}
		if xi != len(names)-2 || ci != len(names)-1 {
			return nil, &UnsupportedPixelPackingError{Dims: p.Dims, Reason: "packed dimensions must end with XC"}
		}
		depth = shape[ci]
		shape[xi] *= depth
		tileX *= depth
		names = names[:ci] + names[ci+1:]
		shape = append(shape[:ci], shape[ci+1:]...)
	}

	idx, err := IndexDtype(shape)
	if err != nil {
		return nil, err
	}
	s := &Schema{Dtype: p.Dtype, Compressor: p.Compressor, PixelDepth: depth}
	for i, n := range shape {
		name := string(names[i])
		cfg := tiles
		if name == "X" && p.PixelPacking {
			cfg = TileConfig{"X": tileX}
		}
		s.Dimensions = append(s.Dimensions, Dimension{
			Name:   name,
			Extent: n,
			Tile:   ChooseTile(name, n, cfg),
			Dtype:  idx,
		})
	}
	return s, nil
}

func maxTile(cfg TileConfig, name string) int {
	if t, ok := cfg[name]; ok {
		return t
	}
	return DefaultTiles()[name]
}

// Names returns the dimension labels in storage order.
func (s *Schema) Names() string {
	var b strings.Builder
	for _, d := range s.Dimensions {
		b.WriteString(d.Name)
	}
	return b.String()
}

func (s *Schema) Shape() []int {
	out := make([]int, len(s.Dimensions))
	for i, d := range s.Dimensions {
		out[i] = d.Extent
	}
	return out
}

func (s *Schema) Chunks() []int {
	out := make([]int, len(s.Dimensions))
	for i, d := range s.Dimensions {
		out[i] = d.Tile
	}
	return out
}

// Packed reports whether channels are folded into X.
func (s *Schema) Packed() bool { return s.PixelDepth > 0 }

// ArrayMeta is the zarr metadata of an array with this schema.
func (s *Schema) ArrayMeta() *zarr.ArrayMeta {
	return &zarr.ArrayMeta{
		ZarrFormat: zarr.FormatVersion,
		Shape:      s.Shape(),
		Chunks:     s.Chunks(),
		Dtype:      zarr.Basic(s.Dtype),
		Compressor: s.Compressor,
		FillValue:  0,
		Order:      "C",
	}
}

// Attributes records dimension names and index types on the array.
func (s *Schema) Attributes() zarr.Attributes {
	names := make([]string, len(s.Dimensions))
	dtypes := make([]string, len(s.Dimensions))
	for i, d := range s.Dimensions {
		names[i] = d.Name
		dtypes[i] = d.Dtype.String()
	}
	attrs := zarr.Attributes{
		AttrDimensions:  names,
		AttrIndexDtypes: dtypes,
	}
	if s.Packed() {
		attrs[AttrPixelDepth] = s.PixelDepth
	}
	return attrs
}

// PackedAxes is the order packed pixel data is laid out in before channels
// are merged into X: the canonical order of src without C, then C.
func PackedAxes(src axes.Axes, shape []int) (axes.Axes, error) {
	if !src.Has('C') || !src.Has('X') {
		return axes.Axes{}, &UnsupportedPixelPackingError{Dims: src.String(), Reason: "packing needs both C and X dimensions"}
	}
	canon, err := src.Canonical(shape)
	if err != nil {
		return axes.Axes{}, err
	}
	return axes.New(canon.Without('C').String() + "C")
}
