package converters

import (
	"context"
	"fmt"
	"strings"

	"github.com/qri-io/bioimg/zarr"
)

// Format is an image format with a reader and a writer.
type Format int

const (
	FormatOMEZarr Format = iota
	FormatPNG
	FormatOMETIFF
)

var formatNames = map[Format]string{
	FormatOMEZarr: "ome-zarr",
	FormatPNG:     "png",
	FormatOMETIFF: "ome-tiff",
}

func (f Format) String() string {
	if s, ok := formatNames[f]; ok {
		return s
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// ParseFormat reads a format name as used on the command line.
func ParseFormat(s string) (Format, error) {
	for f, name := range formatNames {
		if strings.EqualFold(s, name) {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown image format %q", s)
}

// OpenReader opens the image at location. OME-Zarr locations are store
// locations as accepted by zarr.OpenStore; PNG and OME-TIFF locations name a
// file in such a store.
func OpenReader(ctx context.Context, f Format, location string) (ImageReader, error) {
	switch f {
	case FormatOMEZarr:
		store, err := zarr.OpenStore(ctx, location)
		if err != nil {
			return nil, err
		}
		r, err := NewOMEZarrReader(store, "")
		if err != nil {
			zarr.CloseStore(store)
			return nil, err
		}
		r.closeStore = true
		return r, nil
	case FormatPNG:
		dir, name := splitLocation(location)
		store, err := zarr.OpenStore(ctx, dir)
		if err != nil {
			return nil, err
		}
		defer zarr.CloseStore(store)
		return NewPNGReader(store, name)
	case FormatOMETIFF:
		dir, name := splitLocation(location)
		store, err := zarr.OpenStore(ctx, dir)
		if err != nil {
			return nil, err
		}
		defer zarr.CloseStore(store)
		return NewOMETIFFReader(store, name)
	}
	return nil, fmt.Errorf("no reader for format %s", f)
}

// NewWriter creates a writer of format f at location. OME-TIFF locations
// name the file to write; the other formats write into the store at location.
func NewWriter(ctx context.Context, f Format, location string) (ImageWriter, error) {
	storeLoc, name := location, ""
	if f == FormatOMETIFF {
		storeLoc, name = splitLocation(location)
	}
	store, err := zarr.OpenStore(ctx, storeLoc)
	if err != nil {
		return nil, err
	}
	var w ImageWriter
	switch f {
	case FormatOMEZarr:
		w, err = NewOMEZarrWriter(store, "")
	case FormatPNG:
		w, err = NewPNGWriter(store)
	case FormatOMETIFF:
		w, err = NewOMETIFFWriter(store, name)
	default:
		err = fmt.Errorf("no writer for format %s", f)
	}
	if err != nil {
		zarr.CloseStore(store)
		return nil, err
	}
	return &closingWriter{ImageWriter: w, store: store}, nil
}

type closingWriter struct {
	ImageWriter
	store zarr.Store
}

func (w *closingWriter) Close() error {
	err := w.ImageWriter.Close()
	if cerr := zarr.CloseStore(w.store); err == nil {
		err = cerr
	}
	return err
}

// splitLocation separates the file name from the store location holding it.
func splitLocation(location string) (dir, name string) {
	i := strings.LastIndex(location, "/")
	if i < 0 {
		return ".", location
	}
	dir = location[:i]
	if strings.HasSuffix(dir, ":/") || dir == "" {
		dir = location[:i+1]
	}
	return dir, location[i+1:]
}
