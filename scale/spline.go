package scale

import (
	"math"

	"github.com/qri-io/bioimg/ndarray"
)

// poles of the B-spline interpolation prefilter by degree
var poles = map[int][]float64{
	2: {math.Sqrt(8) - 3},
	3: {math.Sqrt(3) - 2},
	4: {
		math.Sqrt(664-math.Sqrt(438976)) + math.Sqrt(304) - 19,
		math.Sqrt(664+math.Sqrt(438976)) - math.Sqrt(304) - 19,
	},
	5: {
		math.Sqrt(135.0/2-math.Sqrt(17745.0/4)) + math.Sqrt(105.0/4) - 13.0/2,
		math.Sqrt(135.0/2+math.Sqrt(17745.0/4)) - math.Sqrt(105.0/4) - 13.0/2,
	},
}

const prefilterTolerance = 1e-10

// Resample resizes a to shape with a separable B-spline of the given order,
// treating each element as a pixel centre. Dimensions whose extent does not
// change are left untouched; an array whose shape does not change is copied
// exactly. Integer results are rounded and clamped to the dtype range.
func Resample(a *ndarray.Array, shape []int, order int) (*ndarray.Array, error) {
	if order < 0 || order > MaxOrder {
		return nil, &InvalidInterpolationOrderError{Order: order}
	}
	if len(shape) != a.Ndim() {
		return nil, &shapeError{from: a.Shape, to: shape}
	}
	same := true
	for i := range shape {
		if shape[i] != a.Shape[i] {
			same = false
		}
	}
	if same {
		return ndarray.New(a.Shape, a.Dtype, append([]byte(nil), a.Data...))
	}

	data, err := a.Float64s()
	if err != nil {
		return nil, err
	}
	cur := append([]int(nil), a.Shape...)
	for axis := range shape {
		if cur[axis] == shape[axis] {
			continue
		}
		data = resampleAxis(data, cur, axis, shape[axis], order)
		cur[axis] = shape[axis]
	}
	return ndarray.FromFloat64s(shape, a.Dtype, data)
}

type tap struct {
	index  int
	weight float64
}

// resampleAxis resamples every line of data along axis to nOut samples.
func resampleAxis(data []float64, shape []int, axis, nOut, order int) []float64 {
	nIn := shape[axis]
	outer, inner := 1, 1
	for _, s := range shape[:axis] {
		outer *= s
	}
	for _, s := range shape[axis+1:] {
		inner *= s
	}
	out := make([]float64, outer*nOut*inner)
	if nIn == 0 || nOut == 0 {
		return out
	}

	taps := weights(nIn, nOut, order)
	line := make([]float64, nIn)
	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			base := o*nIn*inner + i
			for k := range line {
				line[k] = data[base+k*inner]
			}
			if order >= 2 {
				prefilter(line, order)
			}
			obase := o*nOut*inner + i
			for j, tw := range taps {
				var v float64
				for _, t := range tw {
					v += line[t.index] * t.weight
				}
				out[obase+j*inner] = v
			}
		}
	}
	return out
}

// weights lists, for every output sample, the input samples and spline
// weights contributing to it. Output sample j sits at input coordinate
// (j+0.5)*nIn/nOut - 0.5.
func weights(nIn, nOut, order int) [][]tap {
	ratio := float64(nIn) / float64(nOut)
	out := make([][]tap, nOut)
	for j := range out {
		x := (float64(j)+0.5)*ratio - 0.5
		if order == 0 {
			out[j] = []tap{{index: mirror(int(math.Floor(x+0.5)), nIn), weight: 1}}
			continue
		}
		half := float64(order+1) / 2
		lo := int(math.Ceil(x - half))
		hi := int(math.Floor(x + half))
		taps := make([]tap, 0, hi-lo+1)
		for k := lo; k <= hi; k++ {
			w := bspline(order, x-float64(k))
			if w == 0 {
				continue
			}
			taps = append(taps, tap{index: mirror(k, nIn), weight: w})
		}
		out[j] = taps
	}
	return out
}

// bspline evaluates the centred B-spline basis of degree n at x.
func bspline(n int, x float64) float64 {
	half := float64(n+1) / 2
	if x <= -half || x >= half {
		return 0
	}
	var sum float64
	binom := 1.0
	for k := 0; k <= n+1; k++ {
		if k > 0 {
			binom = binom * float64(n+2-k) / float64(k)
		}
		t := x + half - float64(k)
		if t <= 0 {
			continue
		}
		term := binom * math.Pow(t, float64(n))
		if k%2 == 1 {
			sum -= term
		} else {
			sum += term
		}
	}
	fact := 1.0
	for i := 2; i <= n; i++ {
		fact *= float64(i)
	}
	return sum / fact
}

// mirror reflects an out of range index back into [0, n) without repeating
// the edge sample.
func mirror(k, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	k %= period
	if k < 0 {
		k += period
	}
	if k >= n {
		k = period - k
	}
	return k
}

// prefilter converts samples into B-spline coefficients in place using
// recursive causal and anti-causal filters with mirror boundaries.
func prefilter(c []float64, order int) {
	n := len(c)
	if n < 2 {
		return
	}
	zs := poles[order]
	gain := 1.0
	for _, z := range zs {
		gain *= (1 - z) * (1 - 1/z)
	}
	for i := range c {
		c[i] *= gain
	}
	for _, z := range zs {
		c[0] = initialCausal(c, z)
		for k := 1; k < n; k++ {
			c[k] += z * c[k-1]
		}
		c[n-1] = (z / (z*z - 1)) * (z*c[n-2] + c[n-1])
		for k := n - 2; k >= 0; k-- {
			c[k] = z * (c[k+1] - c[k])
		}
	}
}

func initialCausal(c []float64, z float64) float64 {
	n := len(c)
	horizon := int(math.Ceil(math.Log(prefilterTolerance) / math.Log(math.Abs(z))))
	if horizon < n {
		zn := z
		sum := c[0]
		for k := 1; k < horizon; k++ {
			sum += zn * c[k]
			zn *= z
		}
		return sum
	}
	zn := z
	iz := 1 / z
	z2n := math.Pow(z, float64(n-1))
	sum := c[0] + z2n*c[n-1]
	z2n *= z2n * iz
	for k := 1; k < n-1; k++ {
		sum += (zn + z2n) * c[k]
		zn *= z
		z2n *= iz
	}
	return sum / (1 - zn*zn)
}
