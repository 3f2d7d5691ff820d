package converters

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"image/color"
	"io"
	"io/ioutil"
	"math"
	"strings"
	"sync"

	"github.com/google/tiff"
	"github.com/klauspost/compress/zlib"
	xtiff "golang.org/x/image/tiff"

	"github.com/qri-io/bioimg/axes"
	"github.com/qri-io/bioimg/logging"
	"github.com/qri-io/bioimg/ndarray"
	"github.com/qri-io/bioimg/zarr"
)

const (
	// AttrTIFFWriterOptions is the group attribute holding the file level
	// options of an ingested TIFF as a JSON string.
	AttrTIFFWriterOptions = "tiff_writer_options"
	// AttrTIFFWriteOptions is the level attribute holding the IFD options of
	// an ingested TIFF level as a JSON string.
	AttrTIFFWriteOptions = "tiff_write_options"
)

// TIFF tags read or written by the OME-TIFF converter.
const (
	tagNewSubfileType  = 254
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagPhotometric     = 262
	tagDescription     = 270
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPlanarConfig    = 284
	tagSoftware        = 305
	tagDateTime        = 306
	tagSubIFDs         = 330
	tagExtraSamples    = 338
)

const (
	tiffShort = 3
	tiffLong  = 4
	tiffASCII = 2

	compressionNone    = 1
	compressionDeflate = 8

	photometricMinIsBlack = 1
	photometricRGB        = 2

	subfileReduced = 1

	// stripBytes is the target uncompressed size of a written strip.
	stripBytes = 64 << 10
)

// tiffWriterOptions are the file level options recorded in group metadata.
type tiffWriterOptions struct {
	// ByteOrder is "<" for little endian ("II") and ">" for big endian ("MM").
	ByteOrder string `json:"byteorder"`
	BigTIFF   bool   `json:"bigtiff"`
	OME       bool   `json:"ome"`
}

func (o tiffWriterOptions) order() binary.ByteOrder {
	if o.ByteOrder == ">" {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// tiffWriteOptions are the per IFD options recorded in level metadata.
type tiffWriteOptions struct {
	// SubIFDs is the number of reduced levels stored as SubIFDs of level 0.
	SubIFDs      int                    `json:"subifds,omitempty"`
	SubfileType  uint32                 `json:"subfiletype,omitempty"`
	Photometric  uint16                 `json:"photometric,omitempty"`
	Compression  uint16                 `json:"compression,omitempty"`
	RowsPerStrip int                    `json:"rowsperstrip,omitempty"`
	Software     string                 `json:"software,omitempty"`
	DateTime     string                 `json:"datetime,omitempty"`
	Description  string                 `json:"description,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// OMETIFFReader reads the first image series of a TIFF file. Level 0 is the
// first IFD; reduced levels are its SubIFDs, or the reduced resolution IFDs
// that follow it when it has none.
type OMETIFFReader struct {
	name   string
	data   []byte
	opts   tiffWriterOptions
	axes   axes.Axes
	levels []tiffLevel

	mu      sync.Mutex
	decoded int
	image   *ndarray.Array
}

type tiffLevel struct {
	offset uint32
	shape  []int
	dtype  zarr.Dtype
	opts   tiffWriteOptions
}

var _ ImageReader = (*OMETIFFReader)(nil)

// NewOMETIFFReader parses the TIFF stored under key.
func NewOMETIFFReader(store zarr.Store, key string) (*OMETIFFReader, error) {
	rc, err := store.Get(key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := ioutil.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	r := &OMETIFFReader{name: key, data: data, decoded: -1}
	if err := r.parse(); err != nil {
		return nil, fmt.Errorf("reading tiff %s: %w", key, err)
	}
	return r, nil
}

func (r *OMETIFFReader) parse() error {
	if len(r.data) < 8 {
		return fmt.Errorf("%w: file too short", zarr.ErrInvalidMeta)
	}
	var order binary.ByteOrder
	switch string(r.data[:2]) {
	case "II":
		order, r.opts.ByteOrder = binary.LittleEndian, "<"
	case "MM":
		order, r.opts.ByteOrder = binary.BigEndian, ">"
	default:
		return fmt.Errorf("%w: not a tiff file", zarr.ErrInvalidMeta)
	}
	if v := order.Uint16(r.data[2:]); v != 42 {
		return fmt.Errorf("unsupported tiff version %d", v)
	}

	t, err := tiff.Parse(bytes.NewReader(r.data), nil, nil)
	if err != nil {
		return err
	}
	ifds := t.IFDs()
	if len(ifds) == 0 {
		return fmt.Errorf("%w: no image file directories", zarr.ErrInvalidMeta)
	}
	offsets := make([]uint32, len(ifds))
	offsets[0] = order.Uint32(r.data[4:])
	for i := 1; i < len(ifds); i++ {
		offsets[i] = uint32(ifds[i-1].NextOffset())
	}

	first := readWriteOptions(ifds[0])
	r.opts.OME = strings.Contains(first.Description, "<OME")
	levels := []tiffLevel{{offset: offsets[0], opts: first}}
	skipped := 0
	if subs := fieldUints(ifds[0], tagSubIFDs); len(subs) > 0 {
		skipped = len(ifds) - 1
		levels[0].opts.SubIFDs = len(subs)
		for _, off := range subs {
			opts := tiffWriteOptions{
				SubfileType: subfileReduced,
				Photometric: first.Photometric,
				Compression: first.Compression,
			}
			levels = append(levels, tiffLevel{offset: uint32(off), opts: opts})
		}
	} else {
		for i := 1; i < len(ifds); i++ {
			opts := readWriteOptions(ifds[i])
			if opts.SubfileType&subfileReduced == 0 {
				skipped++
				continue
			}
			levels = append(levels, tiffLevel{offset: offsets[i], opts: opts})
		}
	}
	if skipped > 0 {
		logging.Warningf("Ignoring %d pages of %s outside the first series\n", skipped, r.name)
	}

	channels := -1
	for i := range levels {
		cfg, err := xtiff.DecodeConfig(r.view(levels[i].offset))
		if err != nil {
			return fmt.Errorf("level %d: %w", i, err)
		}
		c, dt, err := colorModelSamples(cfg.ColorModel)
		if err != nil {
			return fmt.Errorf("level %d: %w", i, err)
		}
		if channels >= 0 && c != channels {
			return fmt.Errorf("%w: level %d has %d samples, level 0 has %d", zarr.ErrInvalidMeta, i, c, channels)
		}
		channels = c
		levels[i].dtype = dt
		levels[i].shape = []int{cfg.Height, cfg.Width}
		if c > 1 {
			levels[i].shape = append(levels[i].shape, c)
		}
	}

	// tiff samples form the S axis, stored as channels
	series := "YX"
	if channels > 1 {
		series = "YXS"
	}
	levels[0].opts.Metadata = map[string]interface{}{"axes": series}
	if r.axes, err = axes.New(strings.Replace(series, "S", "C", 1)); err != nil {
		return err
	}
	r.levels = levels
	return nil
}

// view presents the file as if the IFD at offset were its first.
func (r *OMETIFFReader) view(offset uint32) *io.SectionReader {
	v := &ifdView{data: r.data}
	copy(v.header[:4], r.data[:4])
	if r.opts.ByteOrder == ">" {
		binary.BigEndian.PutUint32(v.header[4:], offset)
	} else {
		binary.LittleEndian.PutUint32(v.header[4:], offset)
	}
	return io.NewSectionReader(v, 0, int64(len(r.data)))
}

type ifdView struct {
	data   []byte
	header [8]byte
}

func (v *ifdView) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(v.data)) {
		return 0, io.EOF
	}
	n := copy(p, v.data[off:])
	for i := 0; i < n && off+int64(i) < int64(len(v.header)); i++ {
		p[i] = v.header[off+int64(i)]
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func colorModelSamples(m color.Model) (int, zarr.Dtype, error) {
	if _, ok := m.(color.Palette); ok {
		return 4, zarr.Uint8, nil
	}
	switch m {
	case color.GrayModel:
		return 1, zarr.Uint8, nil
	case color.Gray16Model:
		return 1, zarr.Uint16, nil
	case color.RGBAModel:
		return 3, zarr.Uint8, nil
	case color.RGBA64Model:
		return 3, zarr.Uint16, nil
	case color.NRGBAModel:
		return 4, zarr.Uint8, nil
	case color.NRGBA64Model:
		return 4, zarr.Uint16, nil
	}
	return 0, zarr.Dtype{}, fmt.Errorf("%w: unsupported tiff color model", zarr.ErrUnsupportedDtype)
}

func readWriteOptions(ifd tiff.IFD) tiffWriteOptions {
	var o tiffWriteOptions
	if v := fieldUints(ifd, tagNewSubfileType); len(v) > 0 {
		o.SubfileType = uint32(v[0])
	}
	if v := fieldUints(ifd, tagPhotometric); len(v) > 0 {
		o.Photometric = uint16(v[0])
	}
	if v := fieldUints(ifd, tagCompression); len(v) > 0 {
		o.Compression = uint16(v[0])
	}
	if v := fieldUints(ifd, tagRowsPerStrip); len(v) > 0 && v[0] < math.MaxInt32 {
		o.RowsPerStrip = int(v[0])
	}
	o.Software = fieldString(ifd, tagSoftware)
	o.DateTime = fieldString(ifd, tagDateTime)
	o.Description = fieldString(ifd, tagDescription)
	return o
}

// fieldUints decodes the integer values of a tag, nil when absent.
func fieldUints(ifd tiff.IFD, tag uint16) []uint64 {
	if !ifd.HasField(tag) {
		return nil
	}
	f := ifd.GetField(tag)
	var size int
	switch f.Type().ID() {
	case 1, 6, 7:
		size = 1
	case 3, 8:
		size = 2
	case 4, 9, 13:
		size = 4
	case 16, 17, 18:
		size = 8
	default:
		return nil
	}
	v := f.Value()
	b, order := v.Bytes(), v.Order()
	n := int(f.Count())
	if n*size > len(b) {
		n = len(b) / size
	}
	out := make([]uint64, n)
	for i := range out {
		p := b[i*size:]
		switch size {
		case 1:
			out[i] = uint64(p[0])
		case 2:
			out[i] = uint64(order.Uint16(p))
		case 4:
			out[i] = uint64(order.Uint32(p))
		case 8:
			out[i] = order.Uint64(p)
		}
	}
	return out
}

func fieldString(ifd tiff.IFD, tag uint16) string {
	if !ifd.HasField(tag) {
		return ""
	}
	f := ifd.GetField(tag)
	if f.Type().ID() != tiffASCII {
		return ""
	}
	b := f.Value().Bytes()
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func (r *OMETIFFReader) Axes() axes.Axes { return r.axes }

func (r *OMETIFFReader) LevelCount() int { return len(r.levels) }

func (r *OMETIFFReader) LevelShape(level int) []int {
	return append([]int(nil), r.levels[level].shape...)
}

func (r *OMETIFFReader) LevelDtype(level int) zarr.Dtype { return r.levels[level].dtype }

// LevelImage decodes the whole level and keeps the last decoded level for
// subsequent tile reads.
func (r *OMETIFFReader) LevelImage(ctx context.Context, level int, tile zarr.Region) (*ndarray.Array, error) {
	if level < 0 || level >= len(r.levels) {
		return nil, fmt.Errorf("level %d out of range [0, %d)", level, len(r.levels))
	}
	img, err := r.decode(level)
	if err != nil {
		return nil, err
	}
	if tile == nil {
		return ndarray.New(img.Shape, img.Dtype, append([]byte(nil), img.Data...))
	}
	return img.Region(tile)
}

func (r *OMETIFFReader) decode(level int) (*ndarray.Array, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.decoded == level {
		return r.image, nil
	}
	l := r.levels[level]
	img, err := xtiff.Decode(r.view(l.offset))
	if err != nil {
		return nil, fmt.Errorf("decoding level %d of %s: %w", level, r.name, err)
	}
	yxc, err := fromImage(img)
	if err != nil {
		return nil, err
	}
	arr, err := yxc.Reshape(l.shape)
	if err != nil {
		return nil, fmt.Errorf("level %d of %s: %w", level, r.name, err)
	}
	r.decoded, r.image = level, arr
	return arr, nil
}

func (r *OMETIFFReader) LevelMetadata(level int) (zarr.Attributes, error) {
	d, err := json.Marshal(r.levels[level].opts)
	if err != nil {
		return nil, err
	}
	return zarr.Attributes{AttrTIFFWriteOptions: string(d)}, nil
}

func (r *OMETIFFReader) GroupMetadata() (zarr.Attributes, error) {
	d, err := json.Marshal(r.opts)
	if err != nil {
		return nil, err
	}
	return zarr.Attributes{"source": r.name, AttrTIFFWriterOptions: string(d)}, nil
}

func (r *OMETIFFReader) Close() error { return nil }

// OMETIFFWriter writes exported levels into a single TIFF file, one IFD per
// level. Reduced levels become SubIFDs of level 0 when the level 0 options
// ask for them, and chained reduced resolution IFDs otherwise.
type OMETIFFWriter struct {
	store zarr.Store
	key   string
	axes  axes.Axes
	order binary.ByteOrder

	buf      []byte
	nextPtr  int
	subSlots []int
	written  int
}

var _ ImageWriter = (*OMETIFFWriter)(nil)

// NewOMETIFFWriter writes the file under key when closed.
func NewOMETIFFWriter(store zarr.Store, key string) (*OMETIFFWriter, error) {
	return &OMETIFFWriter{store: store, key: key}, nil
}

// WriteGroupMetadata starts the file with the byte order recorded at
// ingestion, little endian by default.
func (w *OMETIFFWriter) WriteGroupMetadata(meta zarr.Attributes) error {
	dims, ok := meta.String(AttrAxes)
	if !ok {
		return fmt.Errorf("%w: group metadata has no %q", zarr.ErrInvalidMeta, AttrAxes)
	}
	ax, err := axes.New(dims)
	if err != nil {
		return err
	}
	var opts tiffWriterOptions
	if s, ok := meta.String(AttrTIFFWriterOptions); ok {
		if err := json.Unmarshal([]byte(s), &opts); err != nil {
			return fmt.Errorf("%w: %s: %s", zarr.ErrInvalidMeta, AttrTIFFWriterOptions, err)
		}
	}
	if opts.BigTIFF {
		logging.Warningf("Writing %s as classic tiff, bigtiff is not supported\n", w.key)
	}
	w.axes = ax
	w.order = opts.order()
	w.buf = make([]byte, 8)
	if w.order == binary.BigEndian {
		copy(w.buf, "MM")
	} else {
		copy(w.buf, "II")
	}
	w.order.PutUint16(w.buf[2:], 42)
	w.nextPtr = 4
	return nil
}

func (w *OMETIFFWriter) WriteLevelImage(ctx context.Context, level int, img *ndarray.Array, meta zarr.Attributes) error {
	if w.buf == nil {
		return fmt.Errorf("group metadata must be written before level images")
	}
	var opts tiffWriteOptions
	if s, ok := meta.String(AttrTIFFWriteOptions); ok {
		if err := json.Unmarshal([]byte(s), &opts); err != nil {
			return fmt.Errorf("%w: level %d %s: %s", zarr.ErrInvalidMeta, level, AttrTIFFWriteOptions, err)
		}
	}
	yxc, err := toYXC(img, w.axes)
	if err != nil {
		return fmt.Errorf("level %d: %w", level, err)
	}
	h, width, c := yxc.Shape[0], yxc.Shape[1], yxc.Shape[2]
	size := yxc.ItemSize()
	if !yxc.Dtype.Equal(zarr.Uint8) && !yxc.Dtype.Equal(zarr.Uint16) {
		return fmt.Errorf("%w: tiff cannot hold %s pixels", zarr.ErrUnsupportedDtype, yxc.Dtype)
	}
	if c != 1 && c != 3 && c != 4 {
		return fmt.Errorf("tiff cannot hold %d channels", c)
	}

	sub := w.written > 0 && len(w.subSlots) > 0
	if w.written > 0 {
		opts.SubfileType |= subfileReduced
	} else {
		opts.SubfileType = 0
	}
	if opts.Compression != compressionNone {
		opts.Compression = compressionDeflate
	}

	rowBytes := width * c * size
	rows := opts.RowsPerStrip
	if rows <= 0 {
		rows = stripBytes / maxInt(rowBytes, 1)
	}
	rows = minInt(maxInt(rows, 1), maxInt(h, 1))

	src := yxc.Dtype.Order()
	var stripOffsets, stripCounts []uint32
	for y := 0; y < h; y += rows {
		end := minInt(y+rows, h)
		raw := yxc.Data[y*rowBytes : end*rowBytes]
		if size == 2 && src != w.order {
			swapped := make([]byte, len(raw))
			for i := 0; i+1 < len(raw); i += 2 {
				w.order.PutUint16(swapped[i:], src.Uint16(raw[i:]))
			}
			raw = swapped
		}
		if opts.Compression == compressionDeflate {
			if raw, err = deflate(raw); err != nil {
				return err
			}
		}
		stripOffsets = append(stripOffsets, uint32(len(w.buf)))
		stripCounts = append(stripCounts, uint32(len(raw)))
		w.buf = append(w.buf, raw...)
	}
	if len(w.buf)&1 == 1 {
		w.buf = append(w.buf, 0)
	}

	photometric := uint16(photometricMinIsBlack)
	if c > 1 {
		photometric = photometricRGB
	}
	bits := make([]uint16, c)
	for i := range bits {
		bits[i] = uint16(8 * size)
	}
	e := &ifdEncoder{order: w.order}
	if opts.SubfileType != 0 {
		e.long(tagNewSubfileType, opts.SubfileType)
	}
	e.long(tagImageWidth, uint32(width))
	e.long(tagImageLength, uint32(h))
	e.short(tagBitsPerSample, bits...)
	e.short(tagCompression, opts.Compression)
	e.short(tagPhotometric, photometric)
	if w.written == 0 {
		e.ascii(tagDescription, opts.Description)
	}
	e.long(tagStripOffsets, stripOffsets...)
	e.short(tagSamplesPerPixel, uint16(c))
	e.long(tagRowsPerStrip, uint32(rows))
	e.long(tagStripByteCounts, stripCounts...)
	e.short(tagPlanarConfig, 1)
	e.ascii(tagSoftware, opts.Software)
	e.ascii(tagDateTime, opts.DateTime)
	subIFDs := 0
	if w.written == 0 && opts.SubIFDs > 0 {
		subIFDs = opts.SubIFDs
		e.long(tagSubIFDs, make([]uint32, subIFDs)...)
	}
	if c == 4 {
		// unassociated alpha
		e.short(tagExtraSamples, 2)
	}

	ifdOffset := len(w.buf)
	block, layout := e.encode(ifdOffset)
	w.buf = append(w.buf, block...)
	if len(w.buf) > math.MaxUint32 {
		return fmt.Errorf("level %d: tiff file exceeds 4 GiB", level)
	}

	switch {
	case sub:
		w.order.PutUint32(w.buf[w.subSlots[0]:], uint32(ifdOffset))
		w.subSlots = w.subSlots[1:]
	default:
		w.order.PutUint32(w.buf[w.nextPtr:], uint32(ifdOffset))
		w.nextPtr = layout.next
	}
	if subIFDs > 0 {
		for i := 0; i < subIFDs; i++ {
			w.subSlots = append(w.subSlots, layout.values[tagSubIFDs]+4*i)
		}
	}
	w.written++
	return nil
}

// Close stores the file.
func (w *OMETIFFWriter) Close() error {
	if w.buf == nil || w.written == 0 {
		return nil
	}
	if len(w.subSlots) > 0 {
		return fmt.Errorf("%s: %d declared SubIFDs were not written", w.key, len(w.subSlots))
	}
	return w.store.Put(w.key, bytes.NewReader(w.buf))
}

func deflate(raw []byte) ([]byte, error) {
	buf := &bytes.Buffer{}
	zw := zlib.NewWriter(buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

// ifdEncoder collects the entries of one IFD. Entries must be added in
// ascending tag order.
type ifdEncoder struct {
	order   binary.ByteOrder
	entries []ifdEntry
}

func (e *ifdEncoder) short(tag uint16, vals ...uint16) {
	d := make([]byte, 2*len(vals))
	for i, v := range vals {
		e.order.PutUint16(d[2*i:], v)
	}
	e.entries = append(e.entries, ifdEntry{tag: tag, typ: tiffShort, count: uint32(len(vals)), data: d})
}

func (e *ifdEncoder) long(tag uint16, vals ...uint32) {
	d := make([]byte, 4*len(vals))
	for i, v := range vals {
		e.order.PutUint32(d[4*i:], v)
	}
	e.entries = append(e.entries, ifdEntry{tag: tag, typ: tiffLong, count: uint32(len(vals)), data: d})
}

func (e *ifdEncoder) ascii(tag uint16, s string) {
	if s == "" {
		return
	}
	d := append([]byte(s), 0)
	e.entries = append(e.entries, ifdEntry{tag: tag, typ: tiffASCII, count: uint32(len(d)), data: d})
}

type ifdLayout struct {
	// next is the file offset of the next IFD pointer.
	next int
	// values maps tags to the file offset of their value bytes.
	values map[uint16]int
}

// encode lays out the IFD at offset followed by the values that do not fit
// in their entry.
func (e *ifdEncoder) encode(offset int) ([]byte, ifdLayout) {
	n := len(e.entries)
	head := 2 + 12*n + 4
	out := make([]byte, head)
	layout := ifdLayout{next: offset + 2 + 12*n, values: map[uint16]int{}}
	e.order.PutUint16(out, uint16(n))
	for i, en := range e.entries {
		p := out[2+12*i:]
		e.order.PutUint16(p, en.tag)
		e.order.PutUint16(p[2:], en.typ)
		e.order.PutUint32(p[4:], en.count)
		if len(en.data) <= 4 {
			copy(p[8:12], en.data)
			layout.values[en.tag] = offset + 2 + 12*i + 8
			continue
		}
		at := offset + len(out)
		e.order.PutUint32(p[8:], uint32(at))
		layout.values[en.tag] = at
		out = append(out, en.data...)
		if len(out)&1 == 1 {
			out = append(out, 0)
		}
	}
	return out, layout
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
