package zarr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

var metaOne = &ArrayMeta{
	Shape:  []int{10, 7},
	Chunks: []int{4, 3},
	Dtype:  Basic(Uint16),
}

func sequence(n, itemSize int) []byte {
	d := make([]byte, n*itemSize)
	for i := range d {
		d[i] = byte(i * 7)
	}
	return d
}

func TestZarr(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	z, err := Create(s, "foo/bar", metaOne, nil, ModeWriteFail)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Create(s, "foo/bar", metaOne, nil, ModeWriteFail); !errors.Is(err, ErrExists) {
		t.Errorf("expected ErrExists, got %v", err)
	}

	full := sequence(70, 2)
	if err := z.WriteRegion(ctx, FullRegion(z.Shape()), full); err != nil {
		t.Fatal(err)
	}
	if z.NumChunks() != 9 {
		t.Errorf("expected 9 chunks, got %d", z.NumChunks())
	}

	z2, err := Open(s, "/foo//bar/", ModeRead)
	if err != nil {
		t.Fatal(err)
	}
	got, err := z2.ReadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, full) {
		t.Fatalf("full read mismatch")
	}

	sel := Region{{3, 9}, {2, 6}}
	part, err := z2.ReadRegion(ctx, sel)
	if err != nil {
		t.Fatal(err)
	}
	want := make([]byte, sel.NumElements()*2)
	CopyRegion(want, sel.Shape(), []int{0, 0}, full, z.Shape(), sel.Offset(), sel.Shape(), 2)
	if !bytes.Equal(part, want) {
		t.Errorf("region read mismatch")
	}

	if err := z2.WriteRegion(ctx, sel, part); !errors.Is(err, ErrReadOnly) {
		t.Errorf("expected ErrReadOnly, got %v", err)
	}
	if _, err := z2.ReadRegion(ctx, Region{{0, 11}, {0, 7}}); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("expected ErrOutOfBounds, got %v", err)
	}
}

func TestPartialChunkWrite(t *testing.T) {
	ctx := context.Background()
	z, err := Create(NewMemoryStore(), "a", metaOne, nil, ModeWrite)
	if err != nil {
		t.Fatal(err)
	}
	sel := Region{{1, 2}, {1, 5}}
	if err := z.WriteRegion(ctx, sel, sequence(4, 2)); err != nil {
		t.Fatal(err)
	}
	all, err := z.ReadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	nonzero := 0
	for _, b := range all {
		if b != 0 {
			nonzero++
		}
	}
	// sequence(4, 2) starts with a zero byte
	if nonzero != 7 {
		t.Errorf("expected 7 non-zero bytes, got %d", nonzero)
	}
	got, err := z.ReadRegion(ctx, sel)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, sequence(4, 2)) {
		t.Errorf("partial write lost data")
	}
}

func TestConcurrentDisjointWrites(t *testing.T) {
	ctx := context.Background()
	meta := &ArrayMeta{Shape: []int{16, 16}, Chunks: []int{16, 16}, Dtype: Basic(Uint8), Compressor: Zstd(0)}
	z, err := Create(NewMemoryStore(), "rows", meta, nil, ModeWrite)
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for row := 0; row < 16; row++ {
		wg.Add(1)
		go func(row int) {
			defer wg.Done()
			data := bytes.Repeat([]byte{byte(row + 1)}, 16)
			if err := z.WriteRegion(ctx, Region{{row, row + 1}, {0, 16}}, data); err != nil {
				t.Error(err)
			}
		}(row)
	}
	wg.Wait()
	all, err := z.ReadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for i, b := range all {
		if int(b) != i/16+1 {
			t.Fatalf("element %d: expected %d, got %d", i, i/16+1, b)
		}
	}
}

func TestStores(t *testing.T) {
	ctx := context.Background()
	local, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	blob, err := OpenBlobStore(ctx, "mem://")
	if err != nil {
		t.Fatal(err)
	}
	badger, err := OpenBadgerStore("")
	if err != nil {
		t.Fatal(err)
	}
	stores := []Store{
		NewMemoryStore(),
		local,
		blob,
		badger,
		NewCachedStore(NewMemoryStore(), 1024*1024),
	}
	for _, s := range stores {
		t.Run(s.Type(), func(t *testing.T) {
			defer CloseStore(s)
			if ok, err := Exists(s, "missing"); err != nil || ok {
				t.Fatalf("expected missing key, got %v %v", ok, err)
			}
			if _, err := s.Get("missing"); !errors.Is(err, ErrNotfound) {
				t.Fatalf("expected ErrNotfound, got %v", err)
			}
			z, err := Create(s, "img/l_0", metaOne, Attributes{"level": 0}, ModeWriteFail)
			if err != nil {
				t.Fatal(err)
			}
			full := sequence(70, 2)
			if err := z.WriteRegion(ctx, FullRegion(z.Shape()), full); err != nil {
				t.Fatal(err)
			}
			z2, err := Open(s, "img/l_0", ModeRead)
			if err != nil {
				t.Fatal(err)
			}
			got, err := z2.ReadAll(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, full) {
				t.Errorf("round trip mismatch")
			}
			attrs, err := z2.Attrs()
			if err != nil {
				t.Fatal(err)
			}
			if l, _ := attrs.Int("level"); l != 0 {
				t.Errorf("unexpected attrs %v", attrs)
			}
		})
	}
}

func TestCodecs(t *testing.T) {
	ctx := context.Background()
	for _, name := range []string{"none", "zst", "gzip", "zstd:5", "snappy"} {
		t.Run(name, func(t *testing.T) {
			c, err := ParseCompressor(name)
			if err != nil {
				t.Fatal(err)
			}
			meta := &ArrayMeta{Shape: []int{33, 17}, Chunks: []int{8, 8}, Dtype: Basic(Uint8), Compressor: c}
			z, err := Create(NewMemoryStore(), fmt.Sprintf("codec/%s", name), meta, nil, ModeWrite)
			if err != nil {
				t.Fatal(err)
			}
			full := sequence(33*17, 1)
			if err := z.WriteRegion(ctx, FullRegion(z.Shape()), full); err != nil {
				t.Fatal(err)
			}
			got, err := z.ReadAll(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, full) {
				t.Errorf("codec %s round trip mismatch", name)
			}
		})
	}
	if _, err := ParseCompressor("blosc"); !errors.Is(err, ErrUnsupportedCodec) {
		t.Errorf("expected ErrUnsupportedCodec, got %v", err)
	}
}

func TestPath(t *testing.T) {
	p, err := NewPath("\\a//b/c/")
	if err != nil {
		t.Fatal(err)
	}
	if p.String() != "a/b/c" {
		t.Errorf("expected a/b/c, got %q", p)
	}
	q := p.Join("d")
	r := p.Join("e")
	if q.String() != "a/b/c/d" || r.String() != "a/b/c/e" {
		t.Errorf("join aliasing: %q %q", q, r)
	}
	if _, err := NewPath("a/../b"); err == nil {
		t.Errorf("expected error for parent segment")
	}
}
