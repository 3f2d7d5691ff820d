// Package axes names the dimensions of an image and maps shapes, arrays and
// tiles between two orderings of the same dimensions.
package axes

import (
	"fmt"
	"strings"
)

// CanonicalOrder is the dimension order images are stored in unless the
// source order is preserved.
const CanonicalOrder = "TCZYX"

// InvalidAxesError reports an axes string with repeated or unknown labels.
type InvalidAxesError struct {
	Dims   string
	Reason string
}

func (e *InvalidAxesError) Error() string {
	return fmt.Sprintf("invalid axes %q: %s", e.Dims, e.Reason)
}

// IncompatibleAxesError reports two axes that do not hold the same labels.
type IncompatibleAxesError struct {
	Source, Target string
}

func (e *IncompatibleAxesError) Error() string {
	return fmt.Sprintf("axes %q and %q do not have the same dimensions", e.Source, e.Target)
}

// Axes is an ordered set of distinct dimension labels drawn from TCZYX.
type Axes struct {
	dims string
}

// New validates dims and returns them as Axes.
func New(dims string) (Axes, error) {
	seen := map[rune]bool{}
	for _, d := range dims {
		if !strings.ContainsRune(CanonicalOrder, d) {
			return Axes{}, &InvalidAxesError{Dims: dims, Reason: fmt.Sprintf("unknown dimension %q", d)}
		}
		if seen[d] {
			return Axes{}, &InvalidAxesError{Dims: dims, Reason: fmt.Sprintf("repeated dimension %q", d)}
		}
		seen[d] = true
	}
	return Axes{dims: dims}, nil
}

// MustNew is New for literals known to be valid.
func MustNew(dims string) Axes {
	a, err := New(dims)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Axes) String() string { return a.dims }

// Dims returns the labels in order, one per string.
func (a Axes) Dims() []string {
	out := make([]string, 0, len(a.dims))
	for _, d := range a.dims {
		out = append(out, string(d))
	}
	return out
}

func (a Axes) Len() int { return len(a.dims) }

// Index is the position of dim, or -1.
func (a Axes) Index(dim byte) int {
	return strings.IndexByte(a.dims, dim)
}

func (a Axes) Has(dim byte) bool { return a.Index(dim) >= 0 }

// Without returns the axes with dim removed.
func (a Axes) Without(dim byte) Axes {
	return Axes{dims: strings.ReplaceAll(a.dims, string(dim), "")}
}

// Equal compares labels and their order.
func (a Axes) Equal(o Axes) bool { return a.dims == o.dims }

// Canonical returns the labels of a in TCZYX order. shape is the source shape
// and must have one extent per label.
func (a Axes) Canonical(shape []int) (Axes, error) {
	if len(shape) != len(a.dims) {
		return Axes{}, &InvalidAxesError{
			Dims:   a.dims,
			Reason: fmt.Sprintf("shape %v has %d dimensions", shape, len(shape)),
		}
	}
	var b strings.Builder
	for _, d := range CanonicalOrder {
		if strings.ContainsRune(a.dims, d) {
			b.WriteRune(d)
		}
	}
	return Axes{dims: b.String()}, nil
}

func sameSet(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for _, d := range a {
		if !strings.ContainsRune(b, d) {
			return false
		}
	}
	return true
}
