package scale

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/qri-io/bioimg/axes"
	"github.com/qri-io/bioimg/ndarray"
	"github.com/qri-io/bioimg/zarr"
)

type memArray struct {
	mu     sync.Mutex
	arr    *ndarray.Array
	chunks []int
	reads  int
}

func newMemArray(shape, chunks []int, dt zarr.Dtype) *memArray {
	return &memArray{arr: ndarray.Zeros(shape, dt), chunks: chunks}
}

func (m *memArray) Shape() []int      { return m.arr.Shape }
func (m *memArray) Chunks() []int     { return m.chunks }
func (m *memArray) Dtype() zarr.Dtype { return m.arr.Dtype }

func (m *memArray) ReadRegion(ctx context.Context, sel zarr.Region) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	sub, err := m.arr.Region(sel)
	if err != nil {
		return nil, err
	}
	return sub.Data, nil
}

func (m *memArray) WriteRegion(ctx context.Context, sel zarr.Region, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, err := ndarray.New(sel.Shape(), m.arr.Dtype, data)
	if err != nil {
		return err
	}
	return m.arr.SetRegion(sel, src)
}

func TestLevelShapes(t *testing.T) {
	s, err := New([]int{1000, 1000}, "YX", Options{ScaleFactors: []float64{2, 4}})
	if err != nil {
		t.Fatal(err)
	}
	shapes := s.LevelShapes()
	if len(shapes) != 2 || !equalShape(shapes[0], []int{500, 500}) || !equalShape(shapes[1], []int{250, 250}) {
		t.Errorf("unexpected level shapes %v", shapes)
	}

	s, err = New([]int{1001, 1000}, "YX", Options{ScaleFactors: []float64{2}})
	if err != nil {
		t.Fatal(err)
	}
	if got := s.LevelShapes()[0]; !equalShape(got, []int{501, 500}) {
		t.Errorf("odd extent: got %v, want [501 500]", got)
	}

	s, err = New([]int{3, 10, 99, 101}, "CZYX", Options{ScaleFactors: []float64{3}})
	if err != nil {
		t.Fatal(err)
	}
	if got := s.LevelShapes()[0]; !equalShape(got, []int{3, 10, 33, 34}) {
		t.Errorf("only X and Y should scale: got %v", got)
	}

	s, err = New([]int{3, 10, 99, 101}, "CZYX", Options{ScaleFactors: []float64{2}, ScaleAxes: "ZYX"})
	if err != nil {
		t.Fatal(err)
	}
	if got := s.LevelShapes()[0]; !equalShape(got, []int{3, 5, 50, 51}) {
		t.Errorf("ZYX scaling: got %v", got)
	}
}

func TestNoScaleFactors(t *testing.T) {
	s, err := New([]int{10, 10}, "YX", DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if s.NumLevels() != 0 || len(s.LevelShapes()) != 0 {
		t.Errorf("expected no levels")
	}
}

func TestInvalidOptions(t *testing.T) {
	for _, order := range []int{-1, 6} {
		_, err := New([]int{10, 10}, "YX", Options{ScaleFactors: []float64{2}}.WithOrder(order))
		var ioe *InvalidInterpolationOrderError
		if !errors.As(err, &ioe) {
			t.Errorf("order %d: expected InvalidInterpolationOrderError, got %v", order, err)
		}
	}
	if _, err := New([]int{10, 10}, "YX", Options{ScaleFactors: []float64{2}, ScaleAxes: "XQ"}); err == nil {
		t.Error("expected error for unknown scale axis")
	} else {
		var inv *axes.InvalidAxesError
		if !errors.As(err, &inv) {
			t.Errorf("expected InvalidAxesError, got %T", err)
		}
	}
	if _, err := New([]int{10, 10}, "YX", Options{ScaleFactors: []float64{0}}); err == nil {
		t.Error("expected error for zero scale factor")
	}
	if _, err := New([]int{10}, "YX", DefaultOptions()); err == nil {
		t.Error("expected error for mismatched base shape")
	}
}

func TestResampleLinear(t *testing.T) {
	a, err := ndarray.FromValues([]int{1, 8}, zarr.Uint8, []uint8{0, 10, 20, 30, 40, 50, 60, 70})
	if err != nil {
		t.Fatal(err)
	}
	out, err := Resample(a, []int{1, 4}, 1)
	if err != nil {
		t.Fatal(err)
	}
	expect := []byte{5, 25, 45, 65}
	for i, b := range expect {
		if out.Data[i] != b {
			t.Errorf("sample %d: got %d, want %d", i, out.Data[i], b)
		}
	}

	nearest, err := Resample(a, []int{1, 4}, 0)
	if err != nil {
		t.Fatal(err)
	}
	for i, b := range []byte{10, 30, 50, 70} {
		if nearest.Data[i] != b {
			t.Errorf("nearest sample %d: got %d, want %d", i, nearest.Data[i], b)
		}
	}
}

func TestResampleKeepsConstants(t *testing.T) {
	vals := make([]float32, 9*11)
	for i := range vals {
		vals[i] = 42
	}
	a, err := ndarray.FromValues([]int{9, 11}, zarr.Float32, vals)
	if err != nil {
		t.Fatal(err)
	}
	for order := 0; order <= MaxOrder; order++ {
		out, err := Resample(a, []int{4, 6}, order)
		if err != nil {
			t.Fatal(err)
		}
		got, err := out.Float64s()
		if err != nil {
			t.Fatal(err)
		}
		for i, v := range got {
			if math.Abs(v-42) > 1e-3 {
				t.Fatalf("order %d: sample %d is %v, want 42", order, i, v)
			}
		}
	}
}

func TestResampleIdentity(t *testing.T) {
	a, err := ndarray.FromValues([]int{2, 3}, zarr.Uint16, []uint16{1, 65535, 3, 4, 5, 6})
	if err != nil {
		t.Fatal(err)
	}
	out, err := Resample(a, []int{2, 3}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Equal(a) {
		t.Error("resampling to the same shape changed the data")
	}
}

func TestBSplinePartitionOfUnity(t *testing.T) {
	for n := 1; n <= MaxOrder; n++ {
		for _, x := range []float64{0, 0.1, 0.25, 0.5, 0.9} {
			var sum float64
			for k := -4; k <= 4; k++ {
				sum += bspline(n, x-float64(k))
			}
			if math.Abs(sum-1) > 1e-9 {
				t.Errorf("degree %d at %v: weights sum to %v", n, x, sum)
			}
		}
	}
}

func TestDefaultOrder(t *testing.T) {
	if (Options{}).InterpolationOrder() != DefaultOrder || DefaultOptions().InterpolationOrder() != 1 {
		t.Errorf("unset order should resample linearly")
	}
	base := newMemArray([]int{6, 8}, []int{6, 8}, zarr.Uint8)
	for i := range base.arr.Data {
		base.arr.Data[i] = byte(i * 5)
	}
	resample := func(opts Options) string {
		s, err := New(base.Shape(), "YX", opts)
		if err != nil {
			t.Fatal(err)
		}
		shape := s.LevelShapes()[0]
		dst := newMemArray(shape, shape, zarr.Uint8)
		if err := s.Apply(context.Background(), base, dst, 0); err != nil {
			t.Fatal(err)
		}
		return string(dst.arr.Data)
	}
	opts := Options{ScaleFactors: []float64{2}}
	unset := resample(opts)
	if unset != resample(opts.WithOrder(1)) {
		t.Error("options without an order should match order 1")
	}
	if unset == resample(opts.WithOrder(0)) {
		t.Error("options without an order should not use nearest neighbour")
	}
	if opts.Order != nil {
		t.Error("WithOrder modified the receiver")
	}
}

func TestMirror(t *testing.T) {
	cases := []struct{ k, n, want int }{
		{-1, 5, 1}, {-2, 5, 2}, {5, 5, 3}, {6, 5, 2}, {0, 1, 0}, {3, 1, 0}, {9, 5, 1},
	}
	for _, c := range cases {
		if got := mirror(c.k, c.n); got != c.want {
			t.Errorf("mirror(%d, %d) = %d, want %d", c.k, c.n, got, c.want)
		}
	}
}

func TestApplyChunkedMatchesWhole(t *testing.T) {
	base := newMemArray([]int{2, 16, 24}, []int{2, 16, 24}, zarr.Uint16)
	for i := 0; i < base.arr.Len(); i++ {
		base.arr.Data[2*i] = byte(i * 7)
		base.arr.Data[2*i+1] = byte(i / 3)
	}

	levels := map[string][]byte{}
	for _, chunked := range []bool{false, true} {
		for _, workers := range []int{0, 3} {
			opts := Options{ScaleFactors: []float64{2}, Chunked: chunked, MaxWorkers: workers}
			s, err := New(base.Shape(), "CYX", opts)
			if err != nil {
				t.Fatal(err)
			}
			dst := newMemArray(s.LevelShapes()[0], []int{1, 4, 6}, zarr.Uint16)
			if err := s.Apply(context.Background(), base, dst, 0); err != nil {
				t.Fatal(err)
			}
			levels[key(chunked, workers)] = dst.arr.Data
		}
	}
	whole := levels[key(false, 0)]
	for k, data := range levels {
		if string(data) != string(whole) {
			t.Errorf("%s differs from whole level resampling", k)
		}
	}
}

func key(chunked bool, workers int) string {
	if chunked {
		return "chunked/" + string(rune('0'+workers))
	}
	return "whole/" + string(rune('0'+workers))
}

func TestApplyRejectsWrongDestination(t *testing.T) {
	base := newMemArray([]int{8, 8}, []int{8, 8}, zarr.Uint8)
	s, err := New(base.Shape(), "YX", Options{ScaleFactors: []float64{2}})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Apply(context.Background(), base, newMemArray([]int{3, 3}, []int{3, 3}, zarr.Uint8), 0); err == nil {
		t.Error("expected error for wrong destination shape")
	}
	if err := s.Apply(context.Background(), base, newMemArray([]int{4, 4}, []int{4, 4}, zarr.Uint8), 1); err == nil {
		t.Error("expected error for out of range level")
	}
}

func TestSourceRegion(t *testing.T) {
	tile := zarr.Region{{Start: 0, Stop: 3}, {Start: 4, Stop: 8}, {Start: 5, Stop: 7}}
	got := SourceRegion(tile, []int{3, 17, 13}, []int{3, 9, 7})
	expect := zarr.Region{{Start: 0, Stop: 3}, {Start: 7, Stop: 16}, {Start: 9, Stop: 13}}
	if !got.Equal(expect) {
		t.Errorf("got %s, want %s", got, expect)
	}
}

func TestSourceLevel(t *testing.T) {
	prog, _ := New([]int{8, 8}, "YX", Options{ScaleFactors: []float64{2, 4, 8}, Progressive: true})
	flat, _ := New([]int{8, 8}, "YX", Options{ScaleFactors: []float64{2, 4, 8}})
	for i := 0; i < 3; i++ {
		if got := prog.SourceLevel(i); got != i-1 {
			t.Errorf("progressive level %d reads %d", i, got)
		}
		if got := flat.SourceLevel(i); got != -1 {
			t.Errorf("non-progressive level %d reads %d", i, got)
		}
	}
}
