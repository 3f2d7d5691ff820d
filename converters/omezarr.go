package converters

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/qri-io/bioimg/axes"
	"github.com/qri-io/bioimg/ndarray"
	"github.com/qri-io/bioimg/schema"
	"github.com/qri-io/bioimg/zarr"
)

// OMEZarrReader reads an OME-NGFF multiscale image stored as a zarr group.
type OMEZarrReader struct {
	store      zarr.Store
	group      *zarr.Group
	attrs      zarr.Attributes
	axes       axes.Axes
	levels     []*zarr.Array
	closeStore bool
}

var _ ImageReader = (*OMEZarrReader)(nil)

// NewOMEZarrReader opens the multiscale image of the group at groupPath.
func NewOMEZarrReader(store zarr.Store, groupPath string) (*OMEZarrReader, error) {
	group, err := zarr.OpenGroup(store, groupPath)
	if err != nil {
		return nil, err
	}
	attrs, err := group.Attrs()
	if err != nil {
		return nil, err
	}
	ms, ok := firstMultiscale(attrs)
	if !ok {
		return nil, fmt.Errorf("%w: group %q has no multiscales attribute", zarr.ErrInvalidMeta, groupPath)
	}

	r := &OMEZarrReader{store: store, group: group, attrs: attrs}
	datasets, _ := ms["datasets"].([]interface{})
	for i, d := range datasets {
		entry, _ := d.(map[string]interface{})
		path, ok := entry["path"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: dataset %d has no path", zarr.ErrInvalidMeta, i)
		}
		a, err := zarr.Open(store, group.ArrayPath(path), zarr.ModeRead)
		if err != nil {
			return nil, err
		}
		r.levels = append(r.levels, a)
	}
	if len(r.levels) == 0 {
		return nil, fmt.Errorf("%w: group %q has no datasets", zarr.ErrInvalidMeta, groupPath)
	}

	ndim := len(r.levels[0].Shape())
	dims, err := multiscaleAxes(ms, ndim)
	if err != nil {
		return nil, err
	}
	if r.axes, err = axes.New(dims); err != nil {
		return nil, err
	}
	for _, a := range r.levels {
		if len(a.Shape()) != ndim {
			return nil, fmt.Errorf("%w: level %q has %d dimensions, expected %d", zarr.ErrInvalidMeta, a.Path(), len(a.Shape()), ndim)
		}
	}
	return r, nil
}

func firstMultiscale(attrs zarr.Attributes) (map[string]interface{}, bool) {
	list, ok := attrs[AttrMultiscales].([]interface{})
	if !ok || len(list) == 0 {
		return nil, false
	}
	ms, ok := list[0].(map[string]interface{})
	return ms, ok
}

// multiscaleAxes reads the axes names of a multiscale entry. Entries written
// before axes were recorded imply the trailing dimensions of TCZYX.
func multiscaleAxes(ms map[string]interface{}, ndim int) (string, error) {
	list, ok := ms["axes"].([]interface{})
	if !ok {
		if ndim > len(axes.CanonicalOrder) {
			return "", fmt.Errorf("%w: %d dimensions without axes names", zarr.ErrInvalidMeta, ndim)
		}
		return axes.CanonicalOrder[len(axes.CanonicalOrder)-ndim:], nil
	}
	var b strings.Builder
	for _, el := range list {
		switch v := el.(type) {
		case string:
			b.WriteString(strings.ToUpper(v))
		case map[string]interface{}:
			name, _ := v["name"].(string)
			b.WriteString(strings.ToUpper(name))
		default:
			return "", fmt.Errorf("%w: unexpected axis entry %v", zarr.ErrInvalidMeta, el)
		}
	}
	if b.Len() != ndim {
		return "", fmt.Errorf("%w: axes %q do not match %d dimensions", zarr.ErrInvalidMeta, b.String(), ndim)
	}
	return b.String(), nil
}

func (r *OMEZarrReader) Axes() axes.Axes { return r.axes }

func (r *OMEZarrReader) LevelCount() int { return len(r.levels) }

func (r *OMEZarrReader) LevelShape(level int) []int { return r.levels[level].Shape() }

func (r *OMEZarrReader) LevelDtype(level int) zarr.Dtype { return r.levels[level].Dtype() }

func (r *OMEZarrReader) LevelImage(ctx context.Context, level int, tile zarr.Region) (*ndarray.Array, error) {
	a := r.levels[level]
	if tile == nil {
		tile = zarr.FullRegion(a.Shape())
	}
	data, err := a.ReadRegion(ctx, tile)
	if err != nil {
		return nil, err
	}
	return ndarray.New(tile.Shape(), a.Dtype(), data)
}

func (r *OMEZarrReader) LevelMetadata(level int) (zarr.Attributes, error) {
	attrs, err := r.levels[level].Attrs()
	if err != nil {
		return nil, err
	}
	return withoutKeys(attrs, AttrLevel, schema.AttrDimensions, schema.AttrIndexDtypes, schema.AttrPixelDepth), nil
}

func (r *OMEZarrReader) GroupMetadata() (zarr.Attributes, error) {
	return withoutKeys(r.attrs, AttrMultiscales, zarr.MembersKey), nil
}

func (r *OMEZarrReader) Close() error {
	if r.closeStore {
		return zarr.CloseStore(r.store)
	}
	return nil
}

// OMEZarrWriter writes exported levels as an OME-NGFF multiscale group, one
// array per level named by the level number.
type OMEZarrWriter struct {
	group *zarr.Group
	meta  zarr.Attributes
	axes  string
	paths []string
}

var _ ImageWriter = (*OMEZarrWriter)(nil)

// NewOMEZarrWriter creates the group at groupPath if needed.
func NewOMEZarrWriter(store zarr.Store, groupPath string) (*OMEZarrWriter, error) {
	group, err := zarr.CreateGroup(store, groupPath)
	if err != nil {
		return nil, err
	}
	return &OMEZarrWriter{group: group, meta: zarr.Attributes{}}, nil
}

func (w *OMEZarrWriter) WriteGroupMetadata(meta zarr.Attributes) error {
	w.meta = withoutKeys(meta, AttrLevels, AttrMultiscales, zarr.MembersKey)
	dims, ok := meta.String(AttrAxes)
	if !ok {
		return fmt.Errorf("%w: group metadata has no %q", zarr.ErrInvalidMeta, AttrAxes)
	}
	w.axes = dims
	return nil
}

func (w *OMEZarrWriter) WriteLevelImage(ctx context.Context, level int, image *ndarray.Array, meta zarr.Attributes) error {
	if w.axes == "" {
		return fmt.Errorf("group metadata must be written before level images")
	}
	s, err := schema.Build(schema.Params{
		Dims:       w.axes,
		Shape:      image.Shape,
		Dtype:      image.Dtype,
		Compressor: zarr.Zstd(0),
	})
	if err != nil {
		return err
	}
	path := strconv.Itoa(level)
	attrs := withoutKeys(meta, AttrLevel, schema.AttrPixelDepth)
	attrs.Update(s.Attributes())
	a, err := zarr.Create(w.group.Store(), w.group.ArrayPath(path), s.ArrayMeta(), attrs, zarr.ModeWrite)
	if err != nil {
		return err
	}
	if err := a.WriteRegion(ctx, zarr.FullRegion(image.Shape), image.Data); err != nil {
		return err
	}
	w.paths = append(w.paths, path)
	return nil
}

// Close writes the group attributes describing every written level.
func (w *OMEZarrWriter) Close() error {
	if len(w.paths) == 0 {
		return nil
	}
	attrs := w.meta.Copy()
	levels := make([]LevelMeta, len(w.paths))
	for i, p := range w.paths {
		levels[i] = LevelMeta{URI: p}
	}
	name := w.group.Path()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	attrs[AttrMultiscales] = multiscales(name, w.axes, levels)
	attrs = zarr.WithMembers(attrs, w.paths...)
	if err := w.group.SetAttrs(attrs); err != nil {
		return err
	}
	return w.group.Consolidate()
}

func withoutKeys(attrs zarr.Attributes, keys ...string) zarr.Attributes {
	out := attrs.Copy()
	for _, k := range keys {
		delete(out, k)
	}
	return out
}
