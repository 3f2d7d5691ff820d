// Package converters ingests multi-resolution images into zarr groups, one
// array per level, and exports such groups back to image formats.
package converters

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/twinj/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/qri-io/bioimg/axes"
	"github.com/qri-io/bioimg/logging"
	"github.com/qri-io/bioimg/ndarray"
	"github.com/qri-io/bioimg/scale"
	"github.com/qri-io/bioimg/schema"
	"github.com/qri-io/bioimg/tiles"
	"github.com/qri-io/bioimg/zarr"
)

// ImageReader provides the levels of a multi-resolution image. Level 0 is
// the highest resolution.
type ImageReader interface {
	// Axes is the dimension order of every level image.
	Axes() axes.Axes
	LevelCount() int
	LevelShape(level int) []int
	LevelDtype(level int) zarr.Dtype
	// LevelImage returns the level, or only the tile of it when tile is not
	// nil. Tiles are given in Axes order.
	LevelImage(ctx context.Context, level int, tile zarr.Region) (*ndarray.Array, error)
	LevelMetadata(level int) (zarr.Attributes, error)
	GroupMetadata() (zarr.Attributes, error)
	Close() error
}

// ImageWriter stores the levels of a multi-resolution image.
type ImageWriter interface {
	WriteGroupMetadata(meta zarr.Attributes) error
	// WriteLevelImage stores a level in the source axes order recorded in
	// the group metadata.
	WriteLevelImage(ctx context.Context, level int, image *ndarray.Array, meta zarr.Attributes) error
	Close() error
}

// Options configure ingestion.
type Options struct {
	// LevelMin is the first source level converted.
	LevelMin int
	// Tiles overrides the maximum tile size per dimension.
	Tiles map[string]int
	// PreserveAxes stores levels in the source axes order instead of TCZYX.
	PreserveAxes bool
	// Chunked converts one tile at a time instead of whole levels.
	Chunked bool
	// MaxWorkers bounds concurrent tile conversion. Setting it implies
	// chunked conversion.
	MaxWorkers int
	Compressor *zarr.CompressionMeta
	// PixelPacking stores channels interleaved along X.
	PixelPacking bool
	// Pyramid, when set, converts only LevelMin and generates the lower
	// resolution levels from it.
	Pyramid *scale.Options
}

// DefaultOptions converts every level whole, compressed with zstd.
func DefaultOptions() Options {
	return Options{Compressor: zarr.Zstd(0)}
}

// levelPlan is the validated layout of one level to ingest.
type levelPlan struct {
	level  int
	path   string
	mapper *axes.Mapper
	schema *schema.Schema
}

// ToZarr converts the levels of reader into arrays of the group at
// groupPath. Levels that were completely written by an earlier run are
// skipped, so an interrupted ingestion can be resumed by calling ToZarr
// again. Group metadata is written only after every level is complete.
func ToZarr(ctx context.Context, reader ImageReader, store zarr.Store, groupPath string, opts Options) error {
	plans, scaler, err := plan(reader, opts)
	if err != nil {
		return err
	}

	group, err := zarr.CreateGroup(store, groupPath)
	if err != nil {
		return err
	}

	var levels []LevelMeta
	for _, p := range plans {
		lm, err := ingestLevel(ctx, reader, group, p, opts)
		if err != nil {
			return fmt.Errorf("ingesting level %d: %w", p.level, err)
		}
		levels = append(levels, lm)
	}

	if scaler != nil {
		base := plans[0]
		generated, err := generateLevels(ctx, group, base, scaler, opts)
		if err != nil {
			return err
		}
		levels = append(levels, generated...)
	}

	return writeGroupMetadata(reader, group, levels)
}

// plan validates every level before anything is written.
func plan(reader ImageReader, opts Options) ([]levelPlan, *scale.Scaler, error) {
	if opts.PixelPacking && opts.Pyramid != nil {
		return nil, nil, &schema.UnsupportedPixelPackingError{
			Dims:   reader.Axes().String(),
			Reason: "pyramid generation needs a separate channel dimension",
		}
	}
	if opts.Pyramid != nil {
		if err := opts.Pyramid.Validate(); err != nil {
			return nil, nil, err
		}
	}
	if opts.MaxWorkers < 0 {
		return nil, nil, fmt.Errorf("negative max workers %d", opts.MaxWorkers)
	}
	count := reader.LevelCount()
	if opts.LevelMin < 0 || opts.LevelMin >= count {
		return nil, nil, fmt.Errorf("minimum level %d out of range, image has %d levels", opts.LevelMin, count)
	}
	levelMax := count
	if opts.Pyramid != nil {
		levelMax = opts.LevelMin + 1
		if count > levelMax {
			logging.Warningf("Image has %d levels but pyramid generation is enabled, levels after %d are skipped\n", count, opts.LevelMin)
		}
	}
	tileCfg := schema.DefaultTiles().Merge(opts.Tiles)
	if err := tileCfg.Validate(); err != nil {
		return nil, nil, err
	}

	src := reader.Axes()
	var plans []levelPlan
	for level := opts.LevelMin; level < levelMax; level++ {
		shape := reader.LevelShape(level)
		var target axes.Axes
		var err error
		switch {
		case opts.PixelPacking:
			target, err = schema.PackedAxes(src, shape)
		case opts.PreserveAxes:
			target = src
		default:
			target, err = src.Canonical(shape)
		}
		if err != nil {
			return nil, nil, err
		}
		m, err := axes.NewMapper(src, target)
		if err != nil {
			return nil, nil, err
		}
		dimShape, err := m.MapShape(shape)
		if err != nil {
			return nil, nil, err
		}
		s, err := schema.Build(schema.Params{
			Dims:         target.String(),
			Shape:        dimShape,
			Tiles:        tileCfg,
			Dtype:        reader.LevelDtype(level),
			Compressor:   opts.Compressor,
			PixelPacking: opts.PixelPacking,
		})
		if err != nil {
			return nil, nil, err
		}
		plans = append(plans, levelPlan{level: level, path: LevelPath(level), mapper: m, schema: s})
	}

	if opts.Pyramid == nil {
		return plans, nil, nil
	}
	base := plans[0].schema
	scaler, err := scale.New(base.Shape(), base.Names(), *opts.Pyramid)
	if err != nil {
		return nil, nil, err
	}
	if !base.Dtype.IsNumeric() {
		return nil, nil, fmt.Errorf("%w: cannot generate a pyramid of %s pixels", zarr.ErrUnsupportedDtype, base.Dtype)
	}
	return plans, scaler, nil
}

// completedLevel opens the array at path and returns its descriptor if the
// level was completely written.
func completedLevel(group *zarr.Group, path string) (LevelMeta, bool, error) {
	arrayPath := group.ArrayPath(path)
	exists, err := zarr.ArrayExists(group.Store(), arrayPath)
	if err != nil || !exists {
		return LevelMeta{}, false, err
	}
	a, err := zarr.Open(group.Store(), arrayPath, zarr.ModeRead)
	if err != nil {
		return LevelMeta{}, false, err
	}
	return levelDescriptor(a, path)
}

func ingestLevel(ctx context.Context, reader ImageReader, group *zarr.Group, p levelPlan, opts Options) (LevelMeta, error) {
	if lm, done, err := completedLevel(group, p.path); err != nil {
		return LevelMeta{}, err
	} else if done {
		logging.Infof("Level %d already converted, skipping\n", p.level)
		return lm, nil
	}

	tl := logging.NewTimeLog()
	a, err := zarr.Create(group.Store(), group.ArrayPath(p.path), p.schema.ArrayMeta(), p.schema.Attributes(), zarr.ModeWrite)
	if err != nil {
		return LevelMeta{}, err
	}

	if opts.Chunked || opts.MaxWorkers > 0 {
		err = writeTiles(ctx, reader, a, p, opts.MaxWorkers)
	} else {
		err = writeWhole(ctx, reader, a, p)
	}
	if err != nil {
		return LevelMeta{}, err
	}

	meta, err := reader.LevelMetadata(p.level)
	if err != nil {
		return LevelMeta{}, err
	}
	final := zarr.Attributes{}
	final.Update(meta)
	final[AttrLevel] = p.level
	if err := a.UpdateAttrs(final); err != nil {
		return LevelMeta{}, err
	}
	tl.Infof("Converted level %d %v", p.level, a.Shape())

	return LevelMeta{
		URI:   p.path,
		Level: p.level,
		Axes:  p.schema.Names(),
		Shape: a.Shape(),
	}, nil
}

// toStorage reorders a source image, or tile of it, into the storage layout
// of the level.
func toStorage(img *ndarray.Array, p levelPlan, shape []int) (*ndarray.Array, error) {
	mapped, err := p.mapper.MapArray(img)
	if err != nil {
		return nil, err
	}
	if p.schema.Packed() {
		// C is innermost after mapping, so merging it into X is a reshape
		mapped, err = mapped.Reshape(shape)
		if err != nil {
			return nil, err
		}
	}
	for i := range shape {
		if mapped.Shape[i] != shape[i] {
			return nil, fmt.Errorf("reader returned shape %v, expected %v", mapped.Shape, shape)
		}
	}
	if !mapped.Dtype.Equal(p.schema.Dtype) {
		return nil, fmt.Errorf("reader returned %s pixels, expected %s", mapped.Dtype, p.schema.Dtype)
	}
	return mapped, nil
}

func writeWhole(ctx context.Context, reader ImageReader, a *zarr.Array, p levelPlan) error {
	img, err := reader.LevelImage(ctx, p.level, nil)
	if err != nil {
		return err
	}
	data, err := toStorage(img, p, a.Shape())
	if err != nil {
		return err
	}
	return a.WriteRegion(ctx, zarr.FullRegion(a.Shape()), data.Data)
}

// sourceTile maps a tile of the storage domain to the source image.
func sourceTile(tile zarr.Region, p levelPlan) (zarr.Region, error) {
	if depth := p.schema.PixelDepth; p.schema.Packed() {
		x := tile[len(tile)-1]
		unpacked := append(zarr.Region(nil), tile[:len(tile)-1]...)
		unpacked = append(unpacked,
			zarr.Range{Start: x.Start / depth, Stop: x.Stop / depth},
			zarr.Range{Start: 0, Stop: depth})
		tile = unpacked
	}
	return p.mapper.Inverted().MapTile(tile)
}

func writeTiles(ctx context.Context, reader ImageReader, a *zarr.Array, p levelPlan, maxWorkers int) error {
	dims, err := tiles.FromShape(a.Shape(), a.Chunks())
	if err != nil {
		return err
	}
	it, err := tiles.NewIterator(dims)
	if err != nil {
		return err
	}
	total := it.Count()
	var written int64

	writeTile := func(ctx context.Context, tile zarr.Region) error {
		src, err := sourceTile(tile, p)
		if err != nil {
			return err
		}
		img, err := reader.LevelImage(ctx, p.level, src)
		if err != nil {
			return err
		}
		data, err := toStorage(img, p, tile.Shape())
		if err != nil {
			return err
		}
		if err := a.WriteRegion(ctx, tile, data.Data); err != nil {
			return err
		}
		atomic.AddInt64(&written, int64(len(data.Data)))
		return nil
	}

	logging.Debugf("Ingesting level %d in %s tiles\n", p.level, humanize.Comma(int64(total)))
	if maxWorkers == 0 {
		for tile, ok := it.Next(); ok; tile, ok = it.Next() {
			if err := writeTile(ctx, tile); err != nil {
				return err
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxWorkers)
		for tile, ok := it.Next(); ok; tile, ok = it.Next() {
			if gctx.Err() != nil {
				break
			}
			tile := tile
			g.Go(func() error {
				return writeTile(gctx, tile)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	logging.Debugf("Level %d: wrote %s in %d tiles\n", p.level, humanize.Bytes(uint64(atomic.LoadInt64(&written))), total)
	return nil
}

// generateLevels fills the pyramid levels below base by resampling.
func generateLevels(ctx context.Context, group *zarr.Group, base levelPlan, scaler *scale.Scaler, opts Options) ([]LevelMeta, error) {
	tileCfg := schema.DefaultTiles().Merge(opts.Tiles)
	var out []LevelMeta
	for index, shape := range scaler.LevelShapes() {
		level := base.level + 1 + index
		path := LevelPath(level)
		if lm, done, err := completedLevel(group, path); err != nil {
			return nil, err
		} else if done {
			logging.Infof("Level %d already generated, skipping\n", level)
			out = append(out, lm)
			continue
		}

		s, err := schema.Build(schema.Params{
			Dims:       base.schema.Names(),
			Shape:      shape,
			Tiles:      tileCfg,
			Dtype:      base.schema.Dtype,
			Compressor: opts.Compressor,
		})
		if err != nil {
			return nil, err
		}

		srcPath := base.path
		if prev := scaler.SourceLevel(index); prev >= 0 {
			srcPath = LevelPath(base.level + 1 + prev)
		}
		src, err := zarr.Open(group.Store(), group.ArrayPath(srcPath), zarr.ModeRead)
		if err != nil {
			return nil, err
		}

		tl := logging.NewTimeLog()
		dst, err := zarr.Create(group.Store(), group.ArrayPath(path), s.ArrayMeta(), s.Attributes(), zarr.ModeWrite)
		if err != nil {
			return nil, err
		}
		if err := scaler.Apply(ctx, src, dst, index); err != nil {
			return nil, fmt.Errorf("generating level %d: %w", level, err)
		}
		if err := dst.UpdateAttrs(zarr.Attributes{AttrLevel: level}); err != nil {
			return nil, err
		}
		tl.Infof("Generated level %d %v from %s", level, shape, srcPath)

		out = append(out, LevelMeta{URI: path, Level: level, Axes: s.Names(), Shape: dst.Shape()})
	}
	return out, nil
}

func writeGroupMetadata(reader ImageReader, group *zarr.Group, levels []LevelMeta) error {
	meta, err := reader.GroupMetadata()
	if err != nil {
		return err
	}
	encoded, err := EncodeLevels(levels)
	if err != nil {
		return err
	}

	attrs := zarr.Attributes{}
	attrs.Update(meta)
	attrs[AttrAxes] = reader.Axes().String()
	attrs[AttrPkgVersion] = PkgVersion.String()
	attrs[AttrFmtVersion] = FmtVersion.String()
	attrs[AttrDatasetType] = DatasetType
	attrs[AttrLevels] = encoded
	attrs[AttrIngestID] = uuid.NewV4().String()

	members := make([]string, len(levels))
	for i, l := range levels {
		members[i] = l.URI
	}
	if len(levels) > 0 {
		name := group.Path()
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
		attrs[AttrMultiscales] = multiscales(name, levels[0].Axes, levels)
	}
	attrs = zarr.WithMembers(attrs, members...)

	if err := group.SetAttrs(attrs); err != nil {
		return err
	}
	return group.Consolidate()
}

// FromZarr exports the levels of the group at groupPath, starting at
// levelMin, through writer. Levels are handed over in the axes order of
// the original source image.
func FromZarr(ctx context.Context, store zarr.Store, groupPath string, writer ImageWriter, levelMin int) error {
	group, err := zarr.OpenGroup(store, groupPath)
	if err != nil {
		return err
	}
	attrs, err := group.Attrs()
	if err != nil {
		return err
	}
	if err := CheckFormatVersion(attrs); err != nil {
		return err
	}
	levels, err := GroupLevels(attrs)
	if err != nil {
		return err
	}
	srcDims, ok := attrs.String(AttrAxes)
	if !ok {
		return fmt.Errorf("%w: group has no %q attribute", zarr.ErrInvalidMeta, AttrAxes)
	}
	srcAxes, err := axes.New(srcDims)
	if err != nil {
		return err
	}

	if err := writer.WriteGroupMetadata(attrs); err != nil {
		return err
	}
	for _, l := range levels {
		if l.Level < levelMin {
			continue
		}
		a, err := zarr.Open(store, group.ArrayPath(l.URI), zarr.ModeRead)
		if err != nil {
			return err
		}
		img, err := ReadLevel(ctx, a, l)
		if err != nil {
			return err
		}
		stored, err := storedAxes(a, l)
		if err != nil {
			return err
		}
		m, err := axes.NewMapper(stored, srcAxes)
		if err != nil {
			return err
		}
		img, err = m.MapArray(img)
		if err != nil {
			return err
		}
		levelAttrs, err := a.Attrs()
		if err != nil {
			return err
		}
		if err := writer.WriteLevelImage(ctx, l.Level, img, levelAttrs); err != nil {
			return err
		}
		logging.Debugf("Exported level %d %v\n", l.Level, img.Shape)
	}
	return nil
}

// ReadLevel reads a whole level array. Packed levels are unpacked, adding a
// trailing C dimension.
func ReadLevel(ctx context.Context, a *zarr.Array, l LevelMeta) (*ndarray.Array, error) {
	data, err := a.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	img, err := ndarray.New(a.Shape(), a.Dtype(), data)
	if err != nil {
		return nil, err
	}
	depth, err := pixelDepth(a)
	if err != nil || depth == 0 {
		return img, err
	}
	shape := append([]int(nil), img.Shape...)
	x := len(shape) - 1
	if shape[x]%depth != 0 {
		return nil, fmt.Errorf("%w: X extent %d of %q is not a multiple of pixel depth %d", zarr.ErrInvalidMeta, shape[x], l.URI, depth)
	}
	shape[x] /= depth
	return img.Reshape(append(shape, depth))
}

func pixelDepth(a *zarr.Array) (int, error) {
	attrs, err := a.Attrs()
	if err != nil {
		return 0, err
	}
	depth, _ := attrs.Int(schema.AttrPixelDepth)
	return depth, nil
}

// storedAxes is the axes order of the array returned by ReadLevel.
func storedAxes(a *zarr.Array, l LevelMeta) (axes.Axes, error) {
	depth, err := pixelDepth(a)
	if err != nil {
		return axes.Axes{}, err
	}
	if depth > 0 {
		return axes.New(l.Axes + "C")
	}
	return axes.New(l.Axes)
}
