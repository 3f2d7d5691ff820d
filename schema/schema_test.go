package schema

import (
	"errors"
	"math"
	"testing"

	"github.com/qri-io/bioimg/axes"
	"github.com/qri-io/bioimg/zarr"
)

func TestChooseIndexDtype(t *testing.T) {
	cases := []struct {
		n    uint64
		want zarr.Dtype
	}{
		{0, zarr.Uint8},
		{255, zarr.Uint8},
		{256, zarr.Uint16},
		{65535, zarr.Uint16},
		{65536, zarr.Uint32},
		{math.MaxUint32, zarr.Uint32},
		{math.MaxUint32 + 1, zarr.Uint64},
		{math.MaxUint64, zarr.Uint64},
	}
	for _, c := range cases {
		if got := ChooseIndexDtype(c.n); got != c.want {
			t.Errorf("ChooseIndexDtype(%d) = %s, want %s", c.n, got, c.want)
		}
	}
}

func TestNumCellsOverflow(t *testing.T) {
	n, err := NumCells([]int{3, 1000, 1000})
	if err != nil {
		t.Fatal(err)
	}
	if n != 3000000 {
		t.Errorf("got %d cells", n)
	}
	_, err = IndexDtype([]int{math.MaxInt32, math.MaxInt32, math.MaxInt32})
	var overflow *SchemaOverflowError
	if !errors.As(err, &overflow) {
		t.Fatalf("expected SchemaOverflowError, got %v", err)
	}
}

func TestChooseTile(t *testing.T) {
	cfg := DefaultTiles().Merge(map[string]int{"Y": 256})
	cases := []struct {
		name   string
		extent int
		want   int
	}{
		{"T", 10, 1},
		{"C", 3, 3},
		{"Z", 40, 1},
		{"Y", 2000, 256},
		{"Y", 100, 100},
		{"X", 5000, 1024},
		{"X", 512, 512},
		{"X", 0, 1},
	}
	for _, c := range cases {
		if got := ChooseTile(c.name, c.extent, cfg); got != c.want {
			t.Errorf("ChooseTile(%s, %d) = %d, want %d", c.name, c.extent, got, c.want)
		}
	}
	if got := ChooseTile("Y", 5000, TileConfig{}); got != 1024 {
		t.Errorf("unset dimension should use the default, got %d", got)
	}
	if DefaultTiles()["Y"] != 1024 {
		t.Error("Merge modified the defaults")
	}
	if err := (TileConfig{"Q": 3}).Validate(); err == nil {
		t.Error("expected error for unknown dimension")
	}
}

func TestBuild(t *testing.T) {
	s, err := Build(Params{
		Dims:       "CYX",
		Shape:      []int{3, 2000, 700},
		Dtype:      zarr.Uint8,
		Compressor: zarr.Zstd(0),
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.Names() != "CYX" {
		t.Errorf("names %q", s.Names())
	}
	chunks := s.Chunks()
	if chunks[0] != 3 || chunks[1] != 1024 || chunks[2] != 700 {
		t.Errorf("unexpected chunks %v", chunks)
	}
	for _, d := range s.Dimensions {
		if d.Dtype != zarr.Uint32 {
			t.Errorf("dimension %s index dtype %s, want <u4", d.Name, d.Dtype)
		}
	}
	meta := s.ArrayMeta()
	if err := meta.Validate(); err != nil {
		t.Fatal(err)
	}
	attrs := s.Attributes()
	if names, ok := attrs.Strings(AttrDimensions); !ok || len(names) != 3 || names[2] != "X" {
		t.Errorf("unexpected dimension attribute %v", attrs[AttrDimensions])
	}
	if _, ok := attrs[AttrPixelDepth]; ok {
		t.Error("unpacked schema should not record pixel depth")
	}

	if _, err := Build(Params{Dims: "YX", Shape: []int{1, 2, 3}, Dtype: zarr.Uint8}); err == nil {
		t.Error("expected error for mismatched shape")
	}
}

func TestBuildPacked(t *testing.T) {
	s, err := Build(Params{
		Dims:         "YXC",
		Shape:        []int{50, 100, 3},
		Dtype:        zarr.Uint8,
		PixelPacking: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.Names() != "YX" {
		t.Fatalf("packed schema should not have a channel dimension, got %q", s.Names())
	}
	x := s.Dimensions[1]
	if x.Extent != 300 || x.Tile != 300 {
		t.Errorf("X extent %d tile %d, want 300 and 300", x.Extent, x.Tile)
	}
	if s.PixelDepth != 3 || s.Attributes()[AttrPixelDepth] != 3 {
		t.Errorf("pixel depth %d", s.PixelDepth)
	}

	wide, err := Build(Params{
		Dims:         "YXC",
		Shape:        []int{10, 2000, 3},
		Dtype:        zarr.Uint8,
		PixelPacking: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if x := wide.Dimensions[1]; x.Extent != 6000 || x.Tile != 3072 {
		t.Errorf("X extent %d tile %d, want 6000 and 3072", x.Extent, x.Tile)
	}

	for _, p := range []Params{
		{Dims: "ZYX", Shape: []int{1, 2, 3}, Dtype: zarr.Uint8, PixelPacking: true},
		{Dims: "CYX", Shape: []int{3, 2, 3}, Dtype: zarr.Uint8, PixelPacking: true},
	} {
		_, err := Build(p)
		var pe *UnsupportedPixelPackingError
		if !errors.As(err, &pe) {
			t.Errorf("%s: expected UnsupportedPixelPackingError, got %v", p.Dims, err)
		}
	}
}

func TestPackedAxes(t *testing.T) {
	got, err := PackedAxes(axes.MustNew("CYX"), []int{3, 4, 5})
	if err != nil {
		t.Fatal(err)
	}
	if got.String() != "YXC" {
		t.Errorf("got %q, want YXC", got)
	}
	got, err = PackedAxes(axes.MustNew("XCZY"), []int{1, 2, 3, 4})
	if err != nil {
		t.Fatal(err)
	}
	if got.String() != "ZYXC" {
		t.Errorf("got %q, want ZYXC", got)
	}
	if _, err := PackedAxes(axes.MustNew("ZYX"), []int{1, 2, 3}); err == nil {
		t.Error("expected error without C")
	}
}
