package zarr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

type Array struct {
	path  Path
	store Store
	mode  PersistenceMode
	meta  *ArrayMeta

	// per-chunk locks serialize read-modify-write of partially written chunks
	locks sync.Map
}

// Create writes array metadata (and optional attributes) at path and returns
// the array opened read/write. ModeWriteFail refuses to replace an existing
// array, ModeWrite replaces its metadata.
func Create(store Store, path string, meta *ArrayMeta, attrs Attributes, mode PersistenceMode) (*Array, error) {
	if mode != ModeWrite && mode != ModeWriteFail {
		return nil, fmt.Errorf("create needs mode %q or %q, got %q", ModeWrite, ModeWriteFail, mode)
	}
	p, err := NewPath(path)
	if err != nil {
		return nil, err
	}
	m := *meta
	if m.ZarrFormat == 0 {
		m.ZarrFormat = FormatVersion
	}
	if m.Order == "" {
		m.Order = "C"
	}
	if m.FillValue == nil {
		m.FillValue = 0
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	mp := p.Join(string(MTArray)).String()
	if mode == ModeWriteFail {
		exists, err := Exists(store, mp)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, fmt.Errorf("%w: array %q", ErrExists, p)
		}
	}
	if attrs != nil {
		if err := putJSON(store, p.Join(string(MTAttributes)).String(), attrs); err != nil {
			return nil, err
		}
	}
	if err := putJSON(store, mp, &m); err != nil {
		return nil, err
	}
	return &Array{path: p, store: store, mode: ModeReadWrite, meta: &m}, nil
}

// Open loads an existing array. Only ModeRead and ModeReadWrite are accepted;
// use Create for the creating modes.
func Open(store Store, path string, mode PersistenceMode) (*Array, error) {
	if mode != ModeRead && mode != ModeReadWrite {
		return nil, fmt.Errorf("open needs mode %q or %q, got %q", ModeRead, ModeReadWrite, mode)
	}
	p, err := NewPath(path)
	if err != nil {
		return nil, err
	}

	a := &Array{
		path:  p,
		store: store,
		mode:  mode,
	}

	mp := p.Join(string(MTArray)).String()
	f, err := store.Get(mp)
	if err != nil {
		return nil, fmt.Errorf("opening array %q: %w", p, err)
	}
	defer f.Close()
	a.meta = &ArrayMeta{}
	if err := json.NewDecoder(f).Decode(a.meta); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", mp, err)
	}
	if err := a.meta.Validate(); err != nil {
		return nil, fmt.Errorf("array %q: %w", p, err)
	}

	return a, nil
}

// ArrayExists reports whether array metadata is present at path.
func ArrayExists(store Store, path string) (bool, error) {
	p, err := NewPath(path)
	if err != nil {
		return false, err
	}
	return Exists(store, p.Join(string(MTArray)).String())
}

func (a *Array) Info() string {
	return fmt.Sprintf("<zarr-go.Array %q shape=%v chunks=%v dtype=%s compressor=%s>",
		a.Path(), a.meta.Shape, a.meta.Chunks, a.meta.Dtype.Dtype, a.meta.Compressor)
}

func (a *Array) Path() string {
	return a.path.String()
}

func (a *Array) Meta() ArrayMeta { return *a.meta }

func (a *Array) Shape() []int { return append([]int(nil), a.meta.Shape...) }

func (a *Array) Chunks() []int { return append([]int(nil), a.meta.Chunks...) }

func (a *Array) Dtype() Dtype { return a.meta.Dtype.Dtype }

func (a *Array) Mode() PersistenceMode { return a.mode }

// NumChunks is the number of chunks in the array's chunk grid.
func (a *Array) NumChunks() int {
	n := 1
	for i, s := range a.meta.Shape {
		n *= (s + a.meta.Chunks[i] - 1) / a.meta.Chunks[i]
	}
	return n
}

// Attrs returns the user attributes of the array, empty if none were written.
func (a *Array) Attrs() (Attributes, error) {
	return getAttrs(a.store, a.path)
}

// SetAttrs replaces the user attributes of the array.
func (a *Array) SetAttrs(attrs Attributes) error {
	if a.mode == ModeRead {
		return ErrReadOnly
	}
	return putJSON(a.store, a.path.Join(string(MTAttributes)).String(), attrs)
}

// UpdateAttrs merges attrs into the stored user attributes.
func (a *Array) UpdateAttrs(attrs Attributes) error {
	cur, err := a.Attrs()
	if err != nil {
		return err
	}
	cur.Update(attrs)
	return a.SetAttrs(cur)
}

// ReadAll returns the whole array as C ordered bytes.
func (a *Array) ReadAll(ctx context.Context) ([]byte, error) {
	return a.ReadRegion(ctx, FullRegion(a.meta.Shape))
}

// ReadRegion returns the selected block as C ordered bytes. Chunks never
// written read as zeros.
func (a *Array) ReadRegion(ctx context.Context, sel Region) ([]byte, error) {
	if err := sel.Within(a.meta.Shape); err != nil {
		return nil, err
	}
	itemSize := a.Dtype().ItemSize()
	outShape := sel.Shape()
	out := make([]byte, sel.NumElements()*itemSize)
	for _, p := range projections(a.meta.Shape, a.meta.Chunks, sel) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := a.readChunk(p.ChunkCoords)
		if err != nil {
			return nil, err
		}
		if chunk == nil {
			continue
		}
		CopyRegion(out, outShape, p.OutSelection.Offset(), chunk, a.meta.Chunks, p.ChunkSelection.Offset(), p.ChunkSelection.Shape(), itemSize)
	}
	return out, nil
}

// WriteRegion stores data, C ordered with the shape of sel, into the array.
// Concurrent writes of disjoint regions are safe.
func (a *Array) WriteRegion(ctx context.Context, sel Region, data []byte) error {
	if a.mode == ModeRead {
		return ErrReadOnly
	}
	if err := sel.Within(a.meta.Shape); err != nil {
		return err
	}
	itemSize := a.Dtype().ItemSize()
	if len(data) != sel.NumElements()*itemSize {
		return fmt.Errorf("writing %d bytes into region %s of %d elements of %s", len(data), sel, sel.NumElements(), a.Dtype())
	}
	inShape := sel.Shape()
	for _, p := range projections(a.meta.Shape, a.meta.Chunks, sel) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.writeProjection(p, data, inShape, itemSize); err != nil {
			return err
		}
	}
	return nil
}

func (a *Array) writeProjection(p chunkProjection, data []byte, inShape []int, itemSize int) error {
	key := a.chunkKey(p.ChunkCoords)
	mu, _ := a.locks.LoadOrStore(key, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	var chunk []byte
	if !p.covers(a.meta.Shape, a.meta.Chunks) {
		var err error
		if chunk, err = a.readChunk(p.ChunkCoords); err != nil {
			return err
		}
	}
	if chunk == nil {
		chunk = make([]byte, a.chunkBytes())
	}
	CopyRegion(chunk, a.meta.Chunks, p.ChunkSelection.Offset(), data, inShape, p.OutSelection.Offset(), p.ChunkSelection.Shape(), itemSize)
	return a.writeChunk(p.ChunkCoords, chunk)
}

func (a *Array) chunkBytes() int {
	n := a.Dtype().ItemSize()
	for _, c := range a.meta.Chunks {
		n *= c
	}
	return n
}

func (a *Array) readChunk(coords []int) ([]byte, error) {
	key := a.chunkKey(coords)
	f, err := a.store.Get(key)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	data, err := a.meta.Compressor.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding chunk %q: %w", key, err)
	}
	if len(data) != a.chunkBytes() {
		return nil, fmt.Errorf("chunk %q has %d bytes, expected %d", key, len(data), a.chunkBytes())
	}
	return data, nil
}

func (a *Array) writeChunk(coords []int, chunk []byte) error {
	enc, err := a.meta.Compressor.Encode(chunk)
	if err != nil {
		return err
	}
	return a.store.Put(a.chunkKey(coords), bytes.NewReader(enc))
}

func (a *Array) chunkKey(coords []int) string {
	return a.chunkPath(coords).String()
}

func (a *Array) chunkPath(ch []int) Path {
	if len(ch) == 0 {
		return a.path.Join("0")
	}
	parts := make([]string, len(ch))
	for i, c := range ch {
		parts[i] = strconv.Itoa(c)
	}
	return a.path.Join(strings.Join(parts, a.meta.separator()))
}

type PersistenceMode string

const (
	// Persistence mode:
	// ‘r’ means read only (must exist);
	ModeRead PersistenceMode = "r"
	//‘r+’ means read/write (must exist)
	ModeReadWrite PersistenceMode = "r+"
	// ‘a’ means read/write (create if doesn’t exist)
	ModeReadWriteCreate PersistenceMode = "a"
	// ‘w’ means create (overwrite if exists)
	ModeWrite PersistenceMode = "w"
	// ‘w-’ means create (fail if exists).
	ModeWriteFail PersistenceMode = "w-"
)

type Path []string

// NewPath normalizes a logical path:
// * Replace all backward slash characters (”\”) with forward slash characters (“/”)
// * Strip any leading “/” characters
// * Strip any trailing “/” characters
// * Collapse any sequence of more than one “/” character into a single “/” character
func NewPath(posix string) (Path, error) {
	posix = strings.ReplaceAll(posix, "\\", "/")
	var p Path
	for _, seg := range strings.Split(posix, "/") {
		switch seg {
		case "":
			continue
		case ".", "..":
			return nil, fmt.Errorf("invalid path segment %q in %q", seg, posix)
		}
		p = append(p, seg)
	}
	return p, nil
}

func (p Path) String() string {
	return strings.Join(p, "/")
}

func (p Path) Shift() (head string, ch Path) {
	switch len(p) {
	case 0:
		return "", nil
	case 1:
		return p[0], nil
	default:
		return p[0], p[1:]
	}
}

func (p Path) Join(elems ...string) Path {
	out := make(Path, 0, len(p)+len(elems))
	out = append(out, p...)
	return append(out, elems...)
}

func getAttrs(store Store, p Path) (Attributes, error) {
	f, err := store.Get(p.Join(string(MTAttributes)).String())
	if isNotFound(err) {
		return Attributes{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	attrs := Attributes{}
	if err := json.NewDecoder(f).Decode(&attrs); err != nil {
		return nil, fmt.Errorf("decoding attributes of %q: %w", p, err)
	}
	return attrs, nil
}

func putJSON(store Store, key string, v interface{}) error {
	d, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return store.Put(key, bytes.NewReader(d))
}
