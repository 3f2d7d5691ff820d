// Package ndarray holds N-dimensional typed image data in memory as C ordered
// bytes, in the same encoding zarr chunks use.
package ndarray

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/qri-io/bioimg/zarr"
)

// Array is a dense N-dimensional array. Data holds len(Shape) dimensions of
// Dtype elements in row-major order.
type Array struct {
	Shape []int
	Dtype zarr.Dtype
	Data  []byte
}

// New wraps data, checking its length against shape and dtype.
func New(shape []int, dt zarr.Dtype, data []byte) (*Array, error) {
	n := NumElements(shape)
	if len(data) != n*dt.ItemSize() {
		return nil, fmt.Errorf("%d bytes do not hold shape %v of %s", len(data), shape, dt)
	}
	return &Array{Shape: append([]int(nil), shape...), Dtype: dt, Data: data}, nil
}

// Zeros allocates a zero filled array.
func Zeros(shape []int, dt zarr.Dtype) *Array {
	return &Array{
		Shape: append([]int(nil), shape...),
		Dtype: dt,
		Data:  make([]byte, NumElements(shape)*dt.ItemSize()),
	}
}

// FromValues encodes a typed Go slice (e.g. []uint16) into an array.
func FromValues(shape []int, dt zarr.Dtype, values interface{}) (*Array, error) {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, dt.Order(), values); err != nil {
		return nil, err
	}
	return New(shape, dt, buf.Bytes())
}

// NumElements is the product of a shape.
func NumElements(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

func (a *Array) Len() int { return NumElements(a.Shape) }

func (a *Array) Ndim() int { return len(a.Shape) }

func (a *Array) ItemSize() int { return a.Dtype.ItemSize() }

func (a *Array) String() string {
	return fmt.Sprintf("ndarray%v[%s]", a.Shape, a.Dtype)
}

// Values decodes the array into a typed Go slice.
func (a *Array) Values() (interface{}, error) {
	v, err := a.Dtype.NewSlice(a.Len())
	if err != nil {
		return nil, err
	}
	if err := binary.Read(bytes.NewReader(a.Data), a.Dtype.Order(), v); err != nil {
		return nil, err
	}
	return v, nil
}

// Equal reports whether both arrays have the same shape, dtype and bytes.
func (a *Array) Equal(b *Array) bool {
	if len(a.Shape) != len(b.Shape) || !a.Dtype.Equal(b.Dtype) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return bytes.Equal(a.Data, b.Data)
}

// Reshape reinterprets the data with a new shape of the same size.
func (a *Array) Reshape(shape []int) (*Array, error) {
	if NumElements(shape) != a.Len() {
		return nil, fmt.Errorf("cannot reshape %v into %v", a.Shape, shape)
	}
	return &Array{Shape: append([]int(nil), shape...), Dtype: a.Dtype, Data: a.Data}, nil
}

// Region copies out the selected block.
func (a *Array) Region(sel zarr.Region) (*Array, error) {
	if err := sel.Within(a.Shape); err != nil {
		return nil, err
	}
	out := Zeros(sel.Shape(), a.Dtype)
	zarr.CopyRegion(out.Data, out.Shape, make([]int, len(sel)), a.Data, a.Shape, sel.Offset(), sel.Shape(), a.ItemSize())
	return out, nil
}

// SetRegion copies src into the selected block.
func (a *Array) SetRegion(sel zarr.Region, src *Array) error {
	if err := sel.Within(a.Shape); err != nil {
		return err
	}
	if !a.Dtype.Equal(src.Dtype) {
		return fmt.Errorf("cannot copy %s values into %s array", src.Dtype, a.Dtype)
	}
	if NumElements(sel.Shape()) != src.Len() || len(src.Shape) != len(sel) {
		return fmt.Errorf("region %s does not match source shape %v", sel, src.Shape)
	}
	zarr.CopyRegion(a.Data, a.Shape, sel.Offset(), src.Data, src.Shape, make([]int, len(sel)), src.Shape, a.ItemSize())
	return nil
}

// Transpose reorders axes so that output axis i is input axis perm[i].
// Element values are copied unchanged.
func (a *Array) Transpose(perm []int) (*Array, error) {
	n := len(a.Shape)
	if len(perm) != n {
		return nil, fmt.Errorf("permutation %v does not match %d dimensions", perm, n)
	}
	seen := make([]bool, n)
	identity := true
	for i, p := range perm {
		if p < 0 || p >= n || seen[p] {
			return nil, fmt.Errorf("invalid permutation %v", perm)
		}
		seen[p] = true
		if p != i {
			identity = false
		}
	}
	outShape := make([]int, n)
	for i, p := range perm {
		outShape[i] = a.Shape[p]
	}
	if identity {
		return &Array{Shape: outShape, Dtype: a.Dtype, Data: append([]byte(nil), a.Data...)}, nil
	}
	out := Zeros(outShape, a.Dtype)
	if out.Len() == 0 {
		return out, nil
	}

	itemSize := a.ItemSize()
	srcStrides := zarr.Strides(a.Shape, itemSize)
	// stride in the source for a step along each output axis
	steps := make([]int, n)
	for i, p := range perm {
		steps[i] = srcStrides[p]
	}
	// when the innermost axis stays innermost whole rows are contiguous
	inner, innerBytes := n, itemSize
	if perm[n-1] == n-1 {
		inner, innerBytes = n-1, outShape[n-1]*itemSize
	}

	idx := make([]int, inner)
	dst := 0
	for {
		src := 0
		for i := 0; i < inner; i++ {
			src += idx[i] * steps[i]
		}
		copy(out.Data[dst:dst+innerBytes], a.Data[src:src+innerBytes])
		dst += innerBytes

		i := inner - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < outShape[i] {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return out, nil
		}
	}
}

// Float64s decodes every element to float64.
func (a *Array) Float64s() ([]float64, error) {
	if !a.Dtype.IsNumeric() {
		return nil, fmt.Errorf("%w: %s is not numeric", zarr.ErrUnsupportedDtype, a.Dtype)
	}
	n := a.Len()
	out := make([]float64, n)
	size := a.ItemSize()
	order := a.Dtype.Order()
	for i := 0; i < n; i++ {
		b := a.Data[i*size : (i+1)*size]
		out[i] = decode(a.Dtype.BasicType, size, order, b)
	}
	return out, nil
}

// FromFloat64s encodes values into an array of dtype dt. Values are rounded to
// the nearest integer and clamped to the type's range for integer types.
func FromFloat64s(shape []int, dt zarr.Dtype, values []float64) (*Array, error) {
	if !dt.IsNumeric() {
		return nil, fmt.Errorf("%w: %s is not numeric", zarr.ErrUnsupportedDtype, dt)
	}
	if len(values) != NumElements(shape) {
		return nil, fmt.Errorf("%d values do not fill shape %v", len(values), shape)
	}
	out := Zeros(shape, dt)
	size := dt.ItemSize()
	order := dt.Order()
	for i, v := range values {
		encode(dt.BasicType, size, order, out.Data[i*size:(i+1)*size], v)
	}
	return out, nil
}

func decode(bt zarr.BasicType, size int, order binary.ByteOrder, b []byte) float64 {
	switch bt {
	case zarr.BTBoolean:
		if b[0] != 0 {
			return 1
		}
		return 0
	case zarr.BTUnsigned:
		switch size {
		case 1:
			return float64(b[0])
		case 2:
			return float64(order.Uint16(b))
		case 4:
			return float64(order.Uint32(b))
		default:
			return float64(order.Uint64(b))
		}
	case zarr.BTInteger:
		switch size {
		case 1:
			return float64(int8(b[0]))
		case 2:
			return float64(int16(order.Uint16(b)))
		case 4:
			return float64(int32(order.Uint32(b)))
		default:
			return float64(int64(order.Uint64(b)))
		}
	default:
		if size == 4 {
			return float64(math.Float32frombits(order.Uint32(b)))
		}
		return math.Float64frombits(order.Uint64(b))
	}
}

func encode(bt zarr.BasicType, size int, order binary.ByteOrder, b []byte, v float64) {
	switch bt {
	case zarr.BTBoolean:
		if math.Round(v) != 0 && !math.IsNaN(v) {
			b[0] = 1
		} else {
			b[0] = 0
		}
	case zarr.BTUnsigned:
		max := math.Ldexp(1, 8*size) - 1
		u := clamp(v, 0, max)
		switch size {
		case 1:
			b[0] = uint8(u)
		case 2:
			order.PutUint16(b, uint16(u))
		case 4:
			order.PutUint32(b, uint32(u))
		default:
			if u >= math.Ldexp(1, 64) {
				order.PutUint64(b, math.MaxUint64)
			} else {
				order.PutUint64(b, uint64(u))
			}
		}
	case zarr.BTInteger:
		max := math.Ldexp(1, 8*size-1) - 1
		i := clamp(v, -max-1, max)
		switch size {
		case 1:
			b[0] = uint8(int8(i))
		case 2:
			order.PutUint16(b, uint16(int16(i)))
		case 4:
			order.PutUint32(b, uint32(int32(i)))
		default:
			if i >= math.Ldexp(1, 63) {
				order.PutUint64(b, uint64(math.MaxInt64))
			} else {
				order.PutUint64(b, uint64(int64(i)))
			}
		}
	default:
		if size == 4 {
			order.PutUint32(b, math.Float32bits(float32(v)))
		} else {
			order.PutUint64(b, math.Float64bits(v))
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Round(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
