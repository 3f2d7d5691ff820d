package converters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/qri-io/bioimg/axes"
	"github.com/qri-io/bioimg/ndarray"
	"github.com/qri-io/bioimg/scale"
	"github.com/qri-io/bioimg/schema"
	"github.com/qri-io/bioimg/zarr"
)

var errInjected = errors.New("injected read failure")

type memReader struct {
	axes   axes.Axes
	levels []*ndarray.Array

	mu    sync.Mutex
	calls map[int]int
	// failLevel makes reads of that level fail, after failAfter successful
	// reads of it
	failLevel int
	failAfter int
}

func newMemReader(dims string, dt zarr.Dtype, shapes ...[]int) *memReader {
	r := &memReader{axes: axes.MustNew(dims), calls: map[int]int{}, failLevel: -1}
	for l, shape := range shapes {
		a := ndarray.Zeros(shape, dt)
		for i := range a.Data {
			a.Data[i] = byte((i*31 + l*7) % 251)
		}
		r.levels = append(r.levels, a)
	}
	return r
}

func (r *memReader) Axes() axes.Axes                 { return r.axes }
func (r *memReader) LevelCount() int                 { return len(r.levels) }
func (r *memReader) LevelShape(level int) []int      { return append([]int(nil), r.levels[level].Shape...) }
func (r *memReader) LevelDtype(level int) zarr.Dtype { return r.levels[level].Dtype }
func (r *memReader) Close() error                    { return nil }

func (r *memReader) LevelImage(ctx context.Context, level int, tile zarr.Region) (*ndarray.Array, error) {
	r.mu.Lock()
	r.calls[level]++
	n := r.calls[level]
	r.mu.Unlock()
	if level == r.failLevel && n > r.failAfter {
		return nil, errInjected
	}
	if tile == nil {
		tile = zarr.FullRegion(r.levels[level].Shape)
	}
	return r.levels[level].Region(tile)
}

func (r *memReader) LevelMetadata(level int) (zarr.Attributes, error) {
	return zarr.Attributes{"resolution": fmt.Sprintf("r%d", level)}, nil
}

func (r *memReader) GroupMetadata() (zarr.Attributes, error) {
	return zarr.Attributes{"source": "memory"}, nil
}

func (r *memReader) callCount(level int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[level]
}

// recordingStore logs every store access in order.
type recordingStore struct {
	*zarr.MemoryStore
	mu     sync.Mutex
	events []string
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: zarr.NewMemoryStore()}
}

func (s *recordingStore) record(ev string) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingStore) Get(key string) (io.ReadCloser, error) {
	s.record("get " + key)
	return s.MemoryStore.Get(key)
}

func (s *recordingStore) Put(key string, val io.Reader) error {
	s.record("put " + key)
	return s.MemoryStore.Put(key, val)
}

func (s *recordingStore) reset() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.events
	s.events = nil
	return ev
}

func isChunkKey(key string) bool {
	return !strings.Contains(key[strings.LastIndex(key, "/")+1:], ".z")
}

type captureWriter struct {
	meta   zarr.Attributes
	images map[int]*ndarray.Array
	level  map[int]zarr.Attributes
}

func newCaptureWriter() *captureWriter {
	return &captureWriter{images: map[int]*ndarray.Array{}, level: map[int]zarr.Attributes{}}
}

func (w *captureWriter) WriteGroupMetadata(meta zarr.Attributes) error {
	w.meta = meta
	return nil
}

func (w *captureWriter) WriteLevelImage(ctx context.Context, level int, image *ndarray.Array, meta zarr.Attributes) error {
	w.images[level] = image
	w.level[level] = meta
	return nil
}

func (w *captureWriter) Close() error { return nil }

func readLevel(t *testing.T, store zarr.Store, path string) *ndarray.Array {
	t.Helper()
	a, err := zarr.Open(store, path, zarr.ModeRead)
	if err != nil {
		t.Fatal(err)
	}
	data, err := a.ReadAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	arr, err := ndarray.New(a.Shape(), a.Dtype(), data)
	if err != nil {
		t.Fatal(err)
	}
	return arr
}

func TestToZarr(t *testing.T) {
	ctx := context.Background()
	reader := newMemReader("YXC", zarr.Uint16, []int{20, 30, 3}, []int{10, 15, 3})
	store := zarr.NewMemoryStore()
	if err := ToZarr(ctx, reader, store, "img", DefaultOptions()); err != nil {
		t.Fatal(err)
	}

	group, err := zarr.OpenGroup(store, "img")
	if err != nil {
		t.Fatal(err)
	}
	attrs, err := group.Attrs()
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := attrs.String(AttrAxes); s != "YXC" {
		t.Errorf("axes attribute %q, want YXC", s)
	}
	if s, _ := attrs.String("source"); s != "memory" {
		t.Error("reader group metadata was not copied")
	}
	if s, _ := attrs.String(AttrIngestID); s == "" {
		t.Error("missing ingest id")
	}
	if err := CheckFormatVersion(attrs); err != nil {
		t.Error(err)
	}
	levels, err := GroupLevels(attrs)
	if err != nil {
		t.Fatal(err)
	}
	if len(levels) != 2 {
		t.Fatalf("expected 2 levels, got %d", len(levels))
	}
	if levels[0].URI != "l_0" || levels[0].Axes != "CYX" || !equalInts(levels[0].Shape, []int{3, 20, 30}) {
		t.Errorf("unexpected level 0 descriptor %+v", levels[0])
	}
	if levels[1].Level != 1 || !equalInts(levels[1].Shape, []int{3, 10, 15}) {
		t.Errorf("unexpected level 1 descriptor %+v", levels[1])
	}
	members, err := group.Members()
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 || members[0] != "l_0" || members[1] != "l_1" {
		t.Errorf("unexpected members %v", members)
	}
	if _, err := group.ConsolidatedMetadata(); err != nil {
		t.Errorf("group was not consolidated: %v", err)
	}

	for l, shape := range [][]int{{3, 20, 30}, {3, 10, 15}} {
		got := readLevel(t, store, "img/"+LevelPath(l))
		want, err := reader.levels[l].Transpose([]int{2, 0, 1})
		if err != nil {
			t.Fatal(err)
		}
		if !got.Equal(want) || !equalInts(got.Shape, shape) {
			t.Errorf("level %d content differs from the transposed source", l)
		}
		a, _ := zarr.Open(store, "img/"+LevelPath(l), zarr.ModeRead)
		la, _ := a.Attrs()
		if lv, _ := la.Int(AttrLevel); lv != l {
			t.Errorf("level %d array has level attribute %v", l, la[AttrLevel])
		}
		if s, _ := la.String("resolution"); s != fmt.Sprintf("r%d", l) {
			t.Errorf("level %d metadata was not copied", l)
		}
	}
}

func TestChunkedMatchesWhole(t *testing.T) {
	ctx := context.Background()
	shapes := [][]int{{2, 37, 41}, {2, 19, 21}}
	variants := []Options{
		{},
		{Chunked: true},
		{Chunked: true, MaxWorkers: 4},
		{MaxWorkers: 2},
	}
	var ref []*ndarray.Array
	for i, opts := range variants {
		opts.Tiles = map[string]int{"Y": 8, "X": 5}
		opts.Compressor = zarr.Zstd(1)
		store := zarr.NewMemoryStore()
		reader := newMemReader("CXY", zarr.Uint8, []int{2, 41, 37}, []int{2, 21, 19})
		if err := ToZarr(ctx, reader, store, "", opts); err != nil {
			t.Fatalf("variant %d: %v", i, err)
		}
		for l := range shapes {
			got := readLevel(t, store, LevelPath(l))
			if !equalInts(got.Shape, shapes[l]) {
				t.Fatalf("variant %d level %d: shape %v", i, l, got.Shape)
			}
			if i == 0 {
				ref = append(ref, got)
				continue
			}
			if !got.Equal(ref[l]) {
				t.Errorf("variant %d level %d differs from whole level ingestion", i, l)
			}
		}
	}
}

func TestResumeAfterFailure(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()

	failing := newMemReader("ZYX", zarr.Uint16, []int{2, 16, 16}, []int{2, 8, 8}, []int{2, 4, 4})
	failing.failLevel = 1
	failing.failAfter = 1
	opts := Options{Chunked: true, Tiles: map[string]int{"Y": 4, "X": 4}}
	err := ToZarr(ctx, failing, store, "g", opts)
	if !errors.Is(err, errInjected) {
		t.Fatalf("expected injected failure, got %v", err)
	}

	group, err := zarr.OpenGroup(store, "g")
	if err != nil {
		t.Fatal(err)
	}
	attrs, err := group.Attrs()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := attrs[AttrLevels]; ok {
		t.Fatal("failed ingestion must not write level descriptors")
	}
	if _, done, err := completedLevel(group, LevelPath(0)); err != nil || !done {
		t.Fatalf("level 0 should be complete: %v", err)
	}
	if _, done, err := completedLevel(group, LevelPath(1)); err != nil || done {
		t.Fatalf("level 1 should be incomplete: %v", err)
	}
	level0 := readLevel(t, store, "g/l_0")

	store.reset()
	reader := newMemReader("ZYX", zarr.Uint16, []int{2, 16, 16}, []int{2, 8, 8}, []int{2, 4, 4})
	if err := ToZarr(ctx, reader, store, "g", opts); err != nil {
		t.Fatal(err)
	}
	if n := reader.callCount(0); n != 0 {
		t.Errorf("level 0 was read %d times on resume", n)
	}
	if reader.callCount(1) == 0 || reader.callCount(2) == 0 {
		t.Error("levels 1 and 2 should be converted on resume")
	}
	for _, ev := range store.reset() {
		if strings.HasPrefix(ev, "put g/l_0/") {
			t.Errorf("resume modified level 0: %s", ev)
		}
	}
	if got := readLevel(t, store, "g/l_0"); !got.Equal(level0) {
		t.Error("level 0 changed on resume")
	}

	attrs, err = group.Attrs()
	if err != nil {
		t.Fatal(err)
	}
	levels, err := GroupLevels(attrs)
	if err != nil {
		t.Fatal(err)
	}
	if len(levels) != 3 {
		t.Fatalf("expected 3 levels after resume, got %d", len(levels))
	}
	for l, lm := range levels {
		if lm.Level != l || lm.Axes != "ZYX" {
			t.Errorf("unexpected descriptor %+v", lm)
		}
	}
	if got := readLevel(t, store, "g/l_1"); !got.Equal(reader.levels[1]) {
		t.Error("level 1 content is wrong after resume")
	}
}

func TestChunkFailureWithWorkers(t *testing.T) {
	ctx := context.Background()
	store := zarr.NewMemoryStore()
	reader := newMemReader("YX", zarr.Uint8, []int{64, 64})
	reader.failLevel = 0
	reader.failAfter = 5
	opts := Options{MaxWorkers: 3, Tiles: map[string]int{"Y": 8, "X": 8}}
	if err := ToZarr(ctx, reader, store, "", opts); !errors.Is(err, errInjected) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if n := reader.callCount(0); n >= 64 {
		t.Errorf("all %d tiles were dispatched after a failure", n)
	}
	group, _ := zarr.OpenGroup(store, "")
	if _, done, _ := completedLevel(group, LevelPath(0)); done {
		t.Error("failed level must not be marked complete")
	}

	reader.failLevel = -1
	if err := ToZarr(ctx, reader, store, "", opts); err != nil {
		t.Fatal(err)
	}
	if got := readLevel(t, store, LevelPath(0)); !got.Equal(reader.levels[0]) {
		t.Error("level content is wrong after retry")
	}
}

func TestPyramidSources(t *testing.T) {
	for _, progressive := range []bool{false, true} {
		ctx := context.Background()
		store := newRecordingStore()
		reader := newMemReader("YX", zarr.Uint8, []int{64, 48}, []int{32, 24})
		pyramid := scale.DefaultOptions()
		pyramid.ScaleFactors = []float64{2, 4}
		pyramid.Progressive = progressive
		opts := Options{Pyramid: &pyramid, Tiles: map[string]int{"Y": 16, "X": 16}}
		if err := ToZarr(ctx, reader, store, "p", opts); err != nil {
			t.Fatal(err)
		}
		if reader.callCount(1) != 0 {
			t.Error("source level 1 must be skipped when generating a pyramid")
		}

		expectSrc := "p/l_0/"
		if progressive {
			expectSrc = "p/l_1/"
		}
		started := false
		reads := 0
		for _, ev := range store.reset() {
			if ev == "put p/l_2/.zarray" {
				started = true
				continue
			}
			if !started || !strings.HasPrefix(ev, "get ") {
				continue
			}
			key := strings.TrimPrefix(ev, "get ")
			if !isChunkKey(key) {
				continue
			}
			if !strings.HasPrefix(key, expectSrc) {
				t.Errorf("progressive=%v: level 2 read %s, expected only %s chunks", progressive, key, expectSrc)
			}
			reads++
		}
		if reads == 0 {
			t.Errorf("progressive=%v: level 2 read no source chunks", progressive)
		}

		for l, shape := range [][]int{{64, 48}, {32, 24}, {16, 12}} {
			if got := readLevel(t, store, "p/"+LevelPath(l)); !equalInts(got.Shape, shape) {
				t.Errorf("level %d shape %v, want %v", l, got.Shape, shape)
			}
		}
		group, _ := zarr.OpenGroup(store, "p")
		attrs, _ := group.Attrs()
		levels, err := GroupLevels(attrs)
		if err != nil {
			t.Fatal(err)
		}
		if len(levels) != 3 {
			t.Errorf("expected 3 level descriptors, got %d", len(levels))
		}
	}
}

func TestPyramidResume(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	pyramid := scale.DefaultOptions()
	pyramid.ScaleFactors = []float64{2, 4}
	pyramid.Chunked = true
	pyramid.MaxWorkers = 2
	opts := Options{Pyramid: &pyramid, Tiles: map[string]int{"Y": 8, "X": 8}}
	if err := ToZarr(ctx, newMemReader("CYX", zarr.Uint16, []int{2, 32, 32}), store, "", opts); err != nil {
		t.Fatal(err)
	}
	store.reset()
	if err := ToZarr(ctx, newMemReader("CYX", zarr.Uint16, []int{2, 32, 32}), store, "", opts); err != nil {
		t.Fatal(err)
	}
	for _, ev := range store.reset() {
		if strings.HasPrefix(ev, "put l_") {
			t.Errorf("second run rewrote %s", ev)
		}
	}
}

func TestPackedRoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, chunked := range []bool{false, true} {
		store := zarr.NewMemoryStore()
		reader := newMemReader("CYX", zarr.Uint8, []int{3, 4, 5})
		opts := Options{PixelPacking: true, Chunked: chunked, Tiles: map[string]int{"Y": 3, "X": 2}}
		if err := ToZarr(ctx, reader, store, "", opts); err != nil {
			t.Fatal(err)
		}
		got := readLevel(t, store, LevelPath(0))
		if !equalInts(got.Shape, []int{4, 15}) {
			t.Fatalf("packed shape %v, want [4 15]", got.Shape)
		}
		src := reader.levels[0]
		for c := 0; c < 3; c++ {
			for y := 0; y < 4; y++ {
				for x := 0; x < 5; x++ {
					if got.Data[y*15+x*3+c] != src.Data[c*20+y*5+x] {
						t.Fatalf("chunked=%v: channel %d of pixel (%d,%d) misplaced", chunked, c, y, x)
					}
				}
			}
		}

		w := newCaptureWriter()
		if err := FromZarr(ctx, store, "", w, 0); err != nil {
			t.Fatal(err)
		}
		if img := w.images[0]; img == nil || !img.Equal(src) {
			t.Errorf("chunked=%v: export did not restore the packed source", chunked)
		}
	}
}

func TestValidationBeforeWrites(t *testing.T) {
	ctx := context.Background()
	pyramid := scale.DefaultOptions()
	pyramid.ScaleFactors = []float64{2}

	store := newRecordingStore()
	err := ToZarr(ctx, newMemReader("CYX", zarr.Uint8, []int{3, 8, 8}), store, "", Options{PixelPacking: true, Pyramid: &pyramid})
	var pe *schema.UnsupportedPixelPackingError
	if !errors.As(err, &pe) {
		t.Errorf("expected UnsupportedPixelPackingError, got %v", err)
	}

	bad := pyramid.WithOrder(6)
	err = ToZarr(ctx, newMemReader("YX", zarr.Uint8, []int{8, 8}), store, "", Options{Pyramid: &bad})
	var oe *scale.InvalidInterpolationOrderError
	if !errors.As(err, &oe) {
		t.Errorf("expected InvalidInterpolationOrderError, got %v", err)
	}

	err = ToZarr(ctx, newMemReader("ZYX", zarr.Uint8, []int{1, 8, 8}), store, "", Options{PixelPacking: true})
	if !errors.As(err, &pe) {
		t.Errorf("expected UnsupportedPixelPackingError without channels, got %v", err)
	}

	if err := ToZarr(ctx, newMemReader("YX", zarr.Uint8, []int{8, 8}), store, "", Options{LevelMin: 3}); err == nil {
		t.Error("expected error for out of range minimum level")
	}

	for _, ev := range store.reset() {
		if strings.HasPrefix(ev, "put ") {
			t.Errorf("validation failure wrote %s", ev)
		}
	}
	if keys := store.Keys(""); len(keys) != 0 {
		t.Errorf("store holds %v after validation failures", keys)
	}
}

func TestPreserveAxesAndLevelMin(t *testing.T) {
	ctx := context.Background()
	store := zarr.NewMemoryStore()
	reader := newMemReader("XYC", zarr.Uint8, []int{8, 6, 2}, []int{4, 3, 2}, []int{2, 2, 2})
	if err := ToZarr(ctx, reader, store, "", Options{PreserveAxes: true, LevelMin: 1}); err != nil {
		t.Fatal(err)
	}
	if reader.callCount(0) != 0 {
		t.Error("level below the minimum was read")
	}
	if ok, _ := zarr.ArrayExists(store, LevelPath(0)); ok {
		t.Error("level 0 should not be converted")
	}
	got := readLevel(t, store, LevelPath(1))
	if !got.Equal(reader.levels[1]) {
		t.Error("preserved axes level differs from the source")
	}
}

func TestFromZarr(t *testing.T) {
	ctx := context.Background()
	store := zarr.NewMemoryStore()
	reader := newMemReader("YXC", zarr.Uint16, []int{12, 10, 3}, []int{6, 5, 3})
	if err := ToZarr(ctx, reader, store, "a/b", DefaultOptions()); err != nil {
		t.Fatal(err)
	}

	w := newCaptureWriter()
	if err := FromZarr(ctx, store, "a/b", w, 1); err != nil {
		t.Fatal(err)
	}
	if _, ok := w.images[0]; ok {
		t.Error("level below levelMin was exported")
	}
	if img := w.images[1]; img == nil || !img.Equal(reader.levels[1]) {
		t.Error("exported level is not in source axes order")
	}
	if s, _ := w.meta.String(AttrAxes); s != "YXC" {
		t.Error("group metadata was not passed to the writer")
	}
	if s, _ := w.level[1].String("resolution"); s != "r1" {
		t.Error("level metadata was not passed to the writer")
	}

	group, _ := zarr.OpenGroup(store, "a/b")
	attrs, _ := group.Attrs()

	future := attrs.Copy()
	future[AttrFmtVersion] = "2.0.0"
	if err := group.SetAttrs(future); err != nil {
		t.Fatal(err)
	}
	if err := FromZarr(ctx, store, "a/b", newCaptureWriter(), 0); err == nil {
		t.Error("expected error for incompatible format version")
	}

	broken := attrs.Copy()
	broken[AttrLevels] = `[{"uri": "l_0", "level": -1}]`
	if err := group.SetAttrs(broken); err != nil {
		t.Fatal(err)
	}
	if err := FromZarr(ctx, store, "a/b", newCaptureWriter(), 0); !errors.Is(err, zarr.ErrInvalidMeta) {
		t.Errorf("expected invalid metadata error, got %v", err)
	}
}

func TestLevelsEncoding(t *testing.T) {
	s, err := EncodeLevels([]LevelMeta{
		{URI: "l_1", Level: 1, Axes: "YX", Shape: []int{5, 5}},
		{URI: "l_0", Level: 0, Axes: "YX", Shape: []int{10, 10}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(s, `[{"uri":"l_0","level":0,"axes":"YX","shape":[10,10]}`) {
		t.Errorf("unexpected encoding %s", s)
	}
	levels, err := DecodeLevels(s)
	if err != nil {
		t.Fatal(err)
	}
	if len(levels) != 2 || levels[1].URI != "l_1" {
		t.Errorf("unexpected decoded levels %+v", levels)
	}
	for _, bad := range []string{`{}`, `[{"uri": "x"}]`, `[{"uri":"x","level":0,"axes":"AB","shape":[1]}]`, `nope`} {
		if _, err := DecodeLevels(bad); !errors.Is(err, zarr.ErrInvalidMeta) {
			t.Errorf("DecodeLevels(%s): expected invalid metadata error, got %v", bad, err)
		}
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
