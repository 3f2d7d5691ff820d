package converters

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"io"
	"io/ioutil"
	"strconv"
	"strings"

	"github.com/qri-io/bioimg/axes"
	"github.com/qri-io/bioimg/ndarray"
	"github.com/qri-io/bioimg/zarr"
)

// PNGMetadataKey is the store key the PNG writer records group metadata in.
const PNGMetadataKey = "metadata.json"

// PNGReader reads a single PNG file as a one level YXC image.
type PNGReader struct {
	name  string
	image *ndarray.Array
}

var _ ImageReader = (*PNGReader)(nil)

// NewPNGReader decodes the PNG stored under key.
func NewPNGReader(store zarr.Store, key string) (*PNGReader, error) {
	rc, err := store.Get(key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	img, err := png.Decode(rc)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", key, err)
	}
	arr, err := fromImage(img)
	if err != nil {
		return nil, err
	}
	return &PNGReader{name: key, image: arr}, nil
}

// fromImage copies decoded pixels into a YXC array.
func fromImage(img image.Image) (*ndarray.Array, error) {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	switch m := img.(type) {
	case *image.Gray:
		out := ndarray.Zeros([]int{h, w, 1}, zarr.Uint8)
		for y := 0; y < h; y++ {
			copy(out.Data[y*w:(y+1)*w], m.Pix[y*m.Stride:y*m.Stride+w])
		}
		return out, nil
	case *image.Gray16:
		out := ndarray.Zeros([]int{h, w, 1}, zarr.Uint16)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := y*m.Stride + 2*x
				binary.LittleEndian.PutUint16(out.Data[2*(y*w+x):], binary.BigEndian.Uint16(m.Pix[i:]))
			}
		}
		return out, nil
	case *image.RGBA:
		// opaque truecolor: alpha is always 255
		return interleave(m.Pix, m.Stride, h, w, 4, 3, zarr.Uint8), nil
	case *image.NRGBA:
		return interleave(m.Pix, m.Stride, h, w, 4, 4, zarr.Uint8), nil
	case *image.RGBA64:
		return interleave(m.Pix, m.Stride, h, w, 4, 3, zarr.Uint16), nil
	case *image.NRGBA64:
		return interleave(m.Pix, m.Stride, h, w, 4, 4, zarr.Uint16), nil
	}
	rgba := image.NewNRGBA(b)
	draw.Draw(rgba, b, img, b.Min, draw.Src)
	return interleave(rgba.Pix, rgba.Stride, h, w, 4, 4, zarr.Uint8), nil
}

// interleave keeps the first keep of every in channels of a big-endian
// pixel buffer.
func interleave(pix []byte, stride, h, w, in, keep int, dt zarr.Dtype) *ndarray.Array {
	size := dt.ItemSize()
	out := ndarray.Zeros([]int{h, w, keep}, dt)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for c := 0; c < keep; c++ {
				src := y*stride + (x*in+c)*size
				dst := ((y*w+x)*keep + c) * size
				if size == 1 {
					out.Data[dst] = pix[src]
				} else {
					binary.LittleEndian.PutUint16(out.Data[dst:], binary.BigEndian.Uint16(pix[src:]))
				}
			}
		}
	}
	return out
}

func (r *PNGReader) Axes() axes.Axes { return axes.MustNew("YXC") }

func (r *PNGReader) LevelCount() int { return 1 }

func (r *PNGReader) LevelShape(level int) []int { return append([]int(nil), r.image.Shape...) }

func (r *PNGReader) LevelDtype(level int) zarr.Dtype { return r.image.Dtype }

func (r *PNGReader) LevelImage(ctx context.Context, level int, tile zarr.Region) (*ndarray.Array, error) {
	if level != 0 {
		return nil, fmt.Errorf("png images have a single level, got %d", level)
	}
	if tile == nil {
		return ndarray.New(r.image.Shape, r.image.Dtype, append([]byte(nil), r.image.Data...))
	}
	return r.image.Region(tile)
}

func (r *PNGReader) LevelMetadata(level int) (zarr.Attributes, error) {
	return zarr.Attributes{}, nil
}

func (r *PNGReader) GroupMetadata() (zarr.Attributes, error) {
	return zarr.Attributes{"source": r.name}, nil
}

func (r *PNGReader) Close() error { return nil }

// PNGWriter writes every exported level as "<level>.png" and the group
// metadata as metadata.json into a store.
type PNGWriter struct {
	store zarr.Store
	axes  axes.Axes
	meta  zarr.Attributes
}

var _ ImageWriter = (*PNGWriter)(nil)

func NewPNGWriter(store zarr.Store) (*PNGWriter, error) {
	return &PNGWriter{store: store}, nil
}

func (w *PNGWriter) WriteGroupMetadata(meta zarr.Attributes) error {
	dims, ok := meta.String(AttrAxes)
	if !ok {
		return fmt.Errorf("%w: group metadata has no %q", zarr.ErrInvalidMeta, AttrAxes)
	}
	ax, err := axes.New(dims)
	if err != nil {
		return err
	}
	w.axes = ax
	w.meta = withoutKeys(meta, AttrLevels, AttrMultiscales, zarr.MembersKey)
	d, err := json.MarshalIndent(w.meta, "", "  ")
	if err != nil {
		return err
	}
	return w.store.Put(PNGMetadataKey, bytes.NewReader(d))
}

func (w *PNGWriter) WriteLevelImage(ctx context.Context, level int, img *ndarray.Array, meta zarr.Attributes) error {
	if w.axes.Len() == 0 {
		return fmt.Errorf("group metadata must be written before level images")
	}
	yxc, err := toYXC(img, w.axes)
	if err != nil {
		return fmt.Errorf("level %d: %w", level, err)
	}
	buf := &bytes.Buffer{}
	if err := EncodePNG(buf, yxc); err != nil {
		return fmt.Errorf("level %d: %w", level, err)
	}
	return w.store.Put(strconv.Itoa(level)+".png", buf)
}

// EncodePNG writes a YXC image of 1, 3 or 4 channels as PNG.
func EncodePNG(w io.Writer, yxc *ndarray.Array) error {
	if yxc.Ndim() != 3 {
		return fmt.Errorf("png needs a YXC image, got shape %v", yxc.Shape)
	}
	img, err := toImage(yxc)
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}

func (w *PNGWriter) Close() error { return nil }

// toYXC drops unit T and Z dimensions and reorders img to YXC, adding a
// single channel when the image has none.
func toYXC(img *ndarray.Array, ax axes.Axes) (*ndarray.Array, error) {
	var dims strings.Builder
	var shape []int
	for i, d := range ax.String() {
		if d == 'T' || d == 'Z' {
			if img.Shape[i] != 1 {
				return nil, fmt.Errorf("png cannot hold %d steps along %c", img.Shape[i], d)
			}
			continue
		}
		dims.WriteRune(d)
		shape = append(shape, img.Shape[i])
	}
	from := dims.String()
	if !strings.Contains(from, "C") {
		from += "C"
		shape = append(shape, 1)
	}
	squeezed, err := img.Reshape(shape)
	if err != nil {
		return nil, err
	}
	return axes.Transpose(squeezed, from, "YXC")
}

// toImage builds a PNG encodable image from a YXC array of 1, 3 or 4
// channels.
func toImage(a *ndarray.Array) (image.Image, error) {
	h, w, c := a.Shape[0], a.Shape[1], a.Shape[2]
	rect := image.Rect(0, 0, w, h)
	var size int
	switch {
	case a.Dtype.Equal(zarr.Uint8):
		size = 1
	case a.Dtype.Equal(zarr.Uint16):
		size = 2
	default:
		return nil, fmt.Errorf("%w: png cannot hold %s pixels", zarr.ErrUnsupportedDtype, a.Dtype)
	}

	switch c {
	case 1:
		if size == 1 {
			g := image.NewGray(rect)
			for y := 0; y < h; y++ {
				copy(g.Pix[y*g.Stride:y*g.Stride+w], a.Data[y*w:(y+1)*w])
			}
			return g, nil
		}
		g := image.NewGray16(rect)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				binary.BigEndian.PutUint16(g.Pix[y*g.Stride+2*x:], binary.LittleEndian.Uint16(a.Data[2*(y*w+x):]))
			}
		}
		return g, nil
	case 3, 4:
		var pix []byte
		var stride int
		var out image.Image
		if size == 1 {
			m := image.NewNRGBA(rect)
			pix, stride, out = m.Pix, m.Stride, m
		} else {
			m := image.NewNRGBA64(rect)
			pix, stride, out = m.Pix, m.Stride, m
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				for ch := 0; ch < 4; ch++ {
					dst := y*stride + (x*4+ch)*size
					if ch == 3 && c == 3 {
						pix[dst] = 0xff
						if size == 2 {
							pix[dst+1] = 0xff
						}
						continue
					}
					src := ((y*w+x)*c + ch) * size
					if size == 1 {
						pix[dst] = a.Data[src]
					} else {
						binary.BigEndian.PutUint16(pix[dst:], binary.LittleEndian.Uint16(a.Data[src:]))
					}
				}
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("png cannot hold %d channels", c)
}

// ReadPNGMetadata returns the group metadata written by a PNGWriter.
func ReadPNGMetadata(store zarr.Store) (zarr.Attributes, error) {
	rc, err := store.Get(PNGMetadataKey)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	d, err := ioutil.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	attrs := zarr.Attributes{}
	if err := json.Unmarshal(d, &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}
