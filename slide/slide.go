// Package slide reads ingested images the way whole slide viewers do: one
// resolution level at a time, as YXC regions.
package slide

import (
	"context"
	"fmt"
	"image"
	"sort"
	"strings"

	"github.com/qri-io/bioimg/axes"
	"github.com/qri-io/bioimg/converters"
	"github.com/qri-io/bioimg/ndarray"
	"github.com/qri-io/bioimg/schema"
	"github.com/qri-io/bioimg/zarr"
)

// Slide is an opened group of level arrays, ordered from the highest
// resolution.
type Slide struct {
	group  *zarr.Group
	attrs  zarr.Attributes
	levels []level
}

type level struct {
	meta  converters.LevelMeta
	array *zarr.Array
	// dims of the array as stored, without the packed channel dimension
	dims  string
	depth int
}

// Open reads the level layout of the group at groupPath. Groups written by a
// completed ingestion list their levels in the group attributes; otherwise
// every registered member carrying a level attribute is used.
func Open(store zarr.Store, groupPath string) (*Slide, error) {
	group, err := zarr.OpenGroup(store, groupPath)
	if err != nil {
		return nil, err
	}
	attrs, err := group.Attrs()
	if err != nil {
		return nil, err
	}

	var metas []converters.LevelMeta
	if _, ok := attrs[converters.AttrLevels]; ok {
		if metas, err = converters.GroupLevels(attrs); err != nil {
			return nil, err
		}
	} else if metas, err = memberLevels(group); err != nil {
		return nil, err
	}
	if len(metas) == 0 {
		return nil, fmt.Errorf("%w: group %q holds no levels", zarr.ErrInvalidMeta, groupPath)
	}

	s := &Slide{group: group, attrs: attrs}
	for _, m := range metas {
		a, err := zarr.Open(store, group.ArrayPath(m.URI), zarr.ModeRead)
		if err != nil {
			return nil, err
		}
		la, err := a.Attrs()
		if err != nil {
			return nil, err
		}
		depth, _ := la.Int(schema.AttrPixelDepth)
		if !strings.Contains(m.Axes, "X") || !strings.Contains(m.Axes, "Y") {
			return nil, fmt.Errorf("%w: level %d has axes %q without X and Y", zarr.ErrInvalidMeta, m.Level, m.Axes)
		}
		s.levels = append(s.levels, level{meta: m, array: a, dims: m.Axes, depth: depth})
	}
	return s, nil
}

func memberLevels(group *zarr.Group) ([]converters.LevelMeta, error) {
	members, err := group.Members()
	if err != nil {
		return nil, err
	}
	var metas []converters.LevelMeta
	for _, m := range members {
		a, err := zarr.Open(group.Store(), group.ArrayPath(m), zarr.ModeRead)
		if err != nil {
			return nil, err
		}
		la, err := a.Attrs()
		if err != nil {
			return nil, err
		}
		l, ok := la.Int(converters.AttrLevel)
		if !ok {
			continue
		}
		dims, _ := la.Strings(schema.AttrDimensions)
		metas = append(metas, converters.LevelMeta{URI: m, Level: l, Axes: strings.Join(dims, ""), Shape: a.Shape()})
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Level < metas[j].Level })
	return metas, nil
}

// Metadata returns the group attributes.
func (s *Slide) Metadata() zarr.Attributes { return s.attrs.Copy() }

// LevelCount is the number of levels, numbered from 0 (highest resolution).
func (s *Slide) LevelCount() int { return len(s.levels) }

// Dimensions is the width and height of level 0.
func (s *Slide) Dimensions() image.Point { return s.levels[0].size() }

// LevelDimensions lists the width and height of every level.
func (s *Slide) LevelDimensions() []image.Point {
	out := make([]image.Point, len(s.levels))
	for i, l := range s.levels {
		out[i] = l.size()
	}
	return out
}

// LevelDownsamples lists the downsample factor of every level relative to
// level 0, averaged over width and height.
func (s *Slide) LevelDownsamples() []float64 {
	dims := s.LevelDimensions()
	base := dims[0]
	out := make([]float64, len(dims))
	for i, d := range dims {
		out[i] = (float64(base.X)/float64(d.X) + float64(base.Y)/float64(d.Y)) / 2
	}
	return out
}

// BestLevelForDownsample returns the lowest resolution level whose
// downsample is still below factor, or 0 when there is none.
func (s *Slide) BestLevelForDownsample(factor float64) int {
	best := 0
	for i, d := range s.LevelDownsamples() {
		if d < factor {
			best = i
		}
	}
	return best
}

// ReadRegion reads the size.X by size.Y region at loc of a level, in the
// pixel frame of that level. The result is YXC; images without channels
// get a single one and only the first T and Z plane is read.
func (s *Slide) ReadRegion(ctx context.Context, loc image.Point, lvl int, size image.Point) (*ndarray.Array, error) {
	if lvl < 0 || lvl >= len(s.levels) {
		return nil, fmt.Errorf("level %d out of range, slide has %d levels", lvl, len(s.levels))
	}
	if size.X <= 0 || size.Y <= 0 {
		return nil, fmt.Errorf("invalid region size %v", size)
	}
	return s.levels[lvl].read(ctx, loc, size)
}

// readLevel reads a whole level as YXC.
func (s *Slide) readLevel(ctx context.Context, lvl int) (*ndarray.Array, error) {
	l := s.levels[lvl]
	return l.read(ctx, image.Point{}, l.size())
}

func (l level) size() image.Point {
	shape := l.array.Shape()
	w := shape[strings.IndexByte(l.dims, 'X')]
	if l.depth > 0 {
		w /= l.depth
	}
	return image.Point{X: w, Y: shape[strings.IndexByte(l.dims, 'Y')]}
}

func (l level) read(ctx context.Context, loc image.Point, size image.Point) (*ndarray.Array, error) {
	shape := l.array.Shape()
	sel := make(zarr.Region, len(shape))
	var kept strings.Builder
	var keptShape []int
	for i, d := range l.dims {
		switch d {
		case 'X':
			depth := 1
			if l.depth > 0 {
				depth = l.depth
			}
			sel[i] = zarr.Range{Start: loc.X * depth, Stop: (loc.X + size.X) * depth}
		case 'Y':
			sel[i] = zarr.Range{Start: loc.Y, Stop: loc.Y + size.Y}
		case 'C':
			sel[i] = zarr.Range{Start: 0, Stop: shape[i]}
		default:
			sel[i] = zarr.Range{Start: 0, Stop: 1}
			continue
		}
		kept.WriteRune(d)
		keptShape = append(keptShape, sel[i].Len())
	}
	data, err := l.array.ReadRegion(ctx, sel)
	if err != nil {
		return nil, err
	}
	img, err := ndarray.New(sel.Shape(), l.array.Dtype(), data)
	if err != nil {
		return nil, err
	}

	dims := kept.String()
	switch {
	case l.depth > 0:
		keptShape[len(keptShape)-1] /= l.depth
		keptShape = append(keptShape, l.depth)
		dims += "C"
	case !strings.Contains(dims, "C"):
		keptShape = append(keptShape, 1)
		dims += "C"
	}
	if img, err = img.Reshape(keptShape); err != nil {
		return nil, err
	}
	return axes.Transpose(img, dims, "YXC")
}
