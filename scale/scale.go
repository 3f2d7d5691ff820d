// Package scale derives the lower resolution levels of an image pyramid from
// a base level.
package scale

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/qri-io/bioimg/axes"
	"github.com/qri-io/bioimg/logging"
	"github.com/qri-io/bioimg/ndarray"
	"github.com/qri-io/bioimg/tiles"
	"github.com/qri-io/bioimg/zarr"
)

// MaxOrder is the highest supported spline interpolation order.
const MaxOrder = 5

// DefaultScaleAxes are the axes downsampled unless configured otherwise.
const DefaultScaleAxes = "XY"

// InvalidInterpolationOrderError reports an interpolation order outside
// [0, MaxOrder].
type InvalidInterpolationOrderError struct {
	Order int
}

func (e *InvalidInterpolationOrderError) Error() string {
	return fmt.Sprintf("interpolation order %d is not in the range 0-%d", e.Order, MaxOrder)
}

type shapeError struct {
	from, to []int
}

func (e *shapeError) Error() string {
	return fmt.Sprintf("cannot resample shape %v to %v", e.from, e.to)
}

// Options configure pyramid generation.
type Options struct {
	// ScaleFactors holds one downsampling factor per generated level,
	// relative to the base level.
	ScaleFactors []float64 `toml:"scale_factors"`
	// ScaleAxes lists the axes that are downsampled, DefaultScaleAxes when
	// empty.
	ScaleAxes string `toml:"scale_axes"`
	// Chunked resamples one destination chunk at a time instead of the
	// whole level.
	Chunked bool
	// Progressive derives every level from the level before it rather than
	// from the base level.
	Progressive bool
	// Order of the spline interpolation, DefaultOrder when nil. 0 is
	// nearest neighbour.
	Order *int
	// MaxWorkers bounds concurrent chunk resampling in chunked mode. 0 runs
	// no workers: chunks are resampled one after another on the calling
	// goroutine.
	MaxWorkers int `toml:"max_workers"`
}

// DefaultOrder is the interpolation order of Options without an Order.
const DefaultOrder = 1

// DefaultOptions returns linear interpolation over X and Y.
func DefaultOptions() Options {
	return Options{ScaleAxes: DefaultScaleAxes}
}

// InterpolationOrder returns the spline order to resample with.
func (o Options) InterpolationOrder() int {
	if o.Order == nil {
		return DefaultOrder
	}
	return *o.Order
}

// WithOrder returns a copy of o resampling with spline order n.
func (o Options) WithOrder(n int) Options {
	o.Order = &n
	return o
}

// Validate checks the interpolation order and worker count.
func (o Options) Validate() error {
	if n := o.InterpolationOrder(); n < 0 || n > MaxOrder {
		return &InvalidInterpolationOrderError{Order: n}
	}
	if o.MaxWorkers < 0 {
		return fmt.Errorf("negative max workers %d", o.MaxWorkers)
	}
	return nil
}

// ArrayReader is the source of a resampling step.
type ArrayReader interface {
	Shape() []int
	Dtype() zarr.Dtype
	ReadRegion(ctx context.Context, sel zarr.Region) ([]byte, error)
}

// ArrayWriter is the destination of a resampling step.
type ArrayWriter interface {
	Shape() []int
	Chunks() []int
	WriteRegion(ctx context.Context, sel zarr.Region, data []byte) error
}

// Scaler computes pyramid level shapes and fills levels by resampling.
type Scaler struct {
	baseShape []int
	axes      axes.Axes
	opts      Options
	scaled    []bool

	once   sync.Once
	shapes [][]int
}

// New validates opts for a base level with the given shape and axes.
func New(baseShape []int, dims string, opts Options) (*Scaler, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	ax, err := axes.New(dims)
	if err != nil {
		return nil, err
	}
	if ax.Len() != len(baseShape) {
		return nil, &axes.InvalidAxesError{Dims: dims, Reason: fmt.Sprintf("base shape %v has %d dimensions", baseShape, len(baseShape))}
	}
	if opts.ScaleAxes == "" {
		opts.ScaleAxes = DefaultScaleAxes
	}
	if _, err := axes.New(opts.ScaleAxes); err != nil {
		return nil, err
	}
	for _, f := range opts.ScaleFactors {
		if !(f > 0) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("invalid scale factor %v", f)
		}
	}
	scaled := make([]bool, ax.Len())
	for i, d := range ax.Dims() {
		scaled[i] = strings.Contains(opts.ScaleAxes, d)
	}
	return &Scaler{
		baseShape: append([]int(nil), baseShape...),
		axes:      ax,
		opts:      opts,
		scaled:    scaled,
	}, nil
}

func (s *Scaler) Options() Options { return s.opts }

func (s *Scaler) Progressive() bool { return s.opts.Progressive }

func (s *Scaler) Chunked() bool { return s.opts.Chunked }

// NumLevels is the number of levels the scaler generates.
func (s *Scaler) NumLevels() int { return len(s.opts.ScaleFactors) }

// LevelShapes returns one shape per scale factor. Scaled extents are rounded
// up so no source cell is dropped.
func (s *Scaler) LevelShapes() [][]int {
	s.once.Do(func() {
		s.shapes = make([][]int, len(s.opts.ScaleFactors))
		for l, f := range s.opts.ScaleFactors {
			shape := make([]int, len(s.baseShape))
			for i, n := range s.baseShape {
				shape[i] = n
				if s.scaled[i] {
					shape[i] = int(math.Ceil(float64(n) / f))
				}
			}
			s.shapes[l] = shape
		}
	})
	out := make([][]int, len(s.shapes))
	for i, sh := range s.shapes {
		out[i] = append([]int(nil), sh...)
	}
	return out
}

// SourceLevel is the index of the generated level that level index is
// resampled from, or -1 for the base level.
func (s *Scaler) SourceLevel(index int) int {
	if s.opts.Progressive {
		return index - 1
	}
	return -1
}

// Apply fills dst, the generated level at index, by resampling src.
func (s *Scaler) Apply(ctx context.Context, src ArrayReader, dst ArrayWriter, index int) error {
	if index < 0 || index >= s.NumLevels() {
		return fmt.Errorf("level index %d out of range, scaler generates %d levels", index, s.NumLevels())
	}
	want := s.LevelShapes()[index]
	dstShape := dst.Shape()
	if !equalShape(want, dstShape) {
		return fmt.Errorf("destination shape %v does not match level shape %v", dstShape, want)
	}
	if !src.Dtype().IsNumeric() {
		return fmt.Errorf("%w: cannot resample %s", zarr.ErrUnsupportedDtype, src.Dtype())
	}

	tl := logging.NewTimeLog()
	if !s.opts.Chunked {
		if err := s.applyWhole(ctx, src, dst); err != nil {
			return err
		}
		tl.Debugf("resampled %v to %v", src.Shape(), dstShape)
		return nil
	}

	dims, err := tiles.FromShape(dstShape, dst.Chunks())
	if err != nil {
		return err
	}
	it, err := tiles.NewIterator(dims)
	if err != nil {
		return err
	}
	if err := s.applyChunks(ctx, src, dst, it); err != nil {
		return err
	}
	tl.Debugf("resampled %v to %v in %s chunks", src.Shape(), dstShape, humanize.Comma(int64(it.Count())))
	return nil
}

func (s *Scaler) applyWhole(ctx context.Context, src ArrayReader, dst ArrayWriter) error {
	srcShape := src.Shape()
	data, err := src.ReadRegion(ctx, zarr.FullRegion(srcShape))
	if err != nil {
		return err
	}
	a, err := ndarray.New(srcShape, src.Dtype(), data)
	if err != nil {
		return err
	}
	out, err := Resample(a, dst.Shape(), s.opts.InterpolationOrder())
	if err != nil {
		return err
	}
	return dst.WriteRegion(ctx, zarr.FullRegion(out.Shape), out.Data)
}

func (s *Scaler) applyChunks(ctx context.Context, src ArrayReader, dst ArrayWriter, it *tiles.Iterator) error {
	srcShape, dstShape := src.Shape(), dst.Shape()
	resampleTile := func(ctx context.Context, tile zarr.Region) error {
		region := SourceRegion(tile, srcShape, dstShape)
		data, err := src.ReadRegion(ctx, region)
		if err != nil {
			return err
		}
		a, err := ndarray.New(region.Shape(), src.Dtype(), data)
		if err != nil {
			return err
		}
		out, err := Resample(a, tile.Shape(), s.opts.InterpolationOrder())
		if err != nil {
			return err
		}
		return dst.WriteRegion(ctx, tile, out.Data)
	}

	if s.opts.MaxWorkers == 0 {
		for tile, ok := it.Next(); ok; tile, ok = it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := resampleTile(ctx, tile); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MaxWorkers)
	for tile, ok := it.Next(); ok; tile, ok = it.Next() {
		if gctx.Err() != nil {
			break
		}
		tile := tile
		g.Go(func() error {
			return resampleTile(gctx, tile)
		})
	}
	return g.Wait()
}

// SourceRegion maps a destination tile back onto the source level by scaling
// its bounds with the source to destination ratio, rounding outwards.
func SourceRegion(tile zarr.Region, srcShape, dstShape []int) zarr.Region {
	out := make(zarr.Region, len(tile))
	for i, r := range tile {
		if srcShape[i] == dstShape[i] {
			out[i] = r
			continue
		}
		ratio := float64(srcShape[i]) / float64(dstShape[i])
		start := int(math.Floor(float64(r.Start) * ratio))
		stop := int(math.Ceil(float64(r.Stop) * ratio))
		if start < 0 {
			start = 0
		}
		if stop > srcShape[i] {
			stop = srcShape[i]
		}
		if stop <= start && start < srcShape[i] {
			stop = start + 1
		}
		out[i] = zarr.Range{Start: start, Stop: stop}
	}
	return out
}

func equalShape(a, b []int) bool {
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
