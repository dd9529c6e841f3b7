package tensor

import (
	"fmt"
	"math"
)

// DType identifies the element type of a Tensor.
type DType int

const (
	Int64 DType = iota
	Float32
	Bool
)

func (d DType) String() string {
	switch d {
	case Int64:
		return "int64"
	case Float32:
		return "float32"
	case Bool:
		return "bool"
	}
	return fmt.Sprintf("dtype(%d)", int(d))
}

// Tensor is a dense row-major array of int64, float32 or bool elements.
// Shapes are fixed at construction. Not safe for concurrent mutation.
type Tensor struct {
	dtype  DType
	shape  []int
	ints   []int64
	floats []float32
	bools  []bool
}

func numel(shape []int) int {
	if len(shape) == 0 {
		panic("tensor: empty shape")
	}
	n := 1
	for i, d := range shape {
		if d <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, d))
		}
		n *= d
	}
	return n
}

// NewInt64 allocates a zeroed int64 tensor.
func NewInt64(shape ...int) *Tensor {
	return &Tensor{dtype: Int64, shape: append([]int(nil), shape...), ints: make([]int64, numel(shape))}
}

// NewFloat32 allocates a zeroed float32 tensor.
func NewFloat32(shape ...int) *Tensor {
	return &Tensor{dtype: Float32, shape: append([]int(nil), shape...), floats: make([]float32, numel(shape))}
}

// NewBool allocates a false-filled bool tensor.
func NewBool(shape ...int) *Tensor {
	return &Tensor{dtype: Bool, shape: append([]int(nil), shape...), bools: make([]bool, numel(shape))}
}

// FromInt64 wraps data in a tensor of the given shape. The slice is not copied.
func FromInt64(data []int64, shape ...int) *Tensor {
	if len(data) != numel(shape) {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{dtype: Int64, shape: append([]int(nil), shape...), ints: data}
}

// FromFloat32 wraps data in a tensor of the given shape. The slice is not copied.
func FromFloat32(data []float32, shape ...int) *Tensor {
	if len(data) != numel(shape) {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{dtype: Float32, shape: append([]int(nil), shape...), floats: data}
}

func (t *Tensor) DType() DType { return t.dtype }

// Shape returns the tensor dimensions. Callers must not mutate it.
func (t *Tensor) Shape() []int { return t.shape }

// Dim returns the size of dimension i.
func (t *Tensor) Dim(i int) int { return t.shape[i] }

// Len returns the total element count.
func (t *Tensor) Len() int { return numel(t.shape) }

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: got %d indices for %d dims", len(idx), len(t.shape)))
	}
	off := 0
	for i, x := range idx {
		if x < 0 || x >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %d out of range for dim %d (size %d)", x, i, t.shape[i]))
		}
		off = off*t.shape[i] + x
	}
	return off
}

// Int64s returns the backing int64 slice.
func (t *Tensor) Int64s() []int64 {
	t.mustBe(Int64)
	return t.ints
}

// Float32s returns the backing float32 slice.
func (t *Tensor) Float32s() []float32 {
	t.mustBe(Float32)
	return t.floats
}

// Bools returns the backing bool slice.
func (t *Tensor) Bools() []bool {
	t.mustBe(Bool)
	return t.bools
}

func (t *Tensor) mustBe(d DType) {
	if t.dtype != d {
		panic(fmt.Sprintf("tensor: want dtype %s, have %s", d, t.dtype))
	}
}

func (t *Tensor) IntAt(idx ...int) int64     { t.mustBe(Int64); return t.ints[t.offset(idx)] }
func (t *Tensor) FloatAt(idx ...int) float32 { t.mustBe(Float32); return t.floats[t.offset(idx)] }
func (t *Tensor) BoolAt(idx ...int) bool     { t.mustBe(Bool); return t.bools[t.offset(idx)] }
func (t *Tensor) SetInt(v int64, idx ...int) { t.mustBe(Int64); t.ints[t.offset(idx)] = v }
func (t *Tensor) SetFloat(v float32, idx ...int) {
	t.mustBe(Float32)
	t.floats[t.offset(idx)] = v
}
func (t *Tensor) SetBool(v bool, idx ...int) { t.mustBe(Bool); t.bools[t.offset(idx)] = v }

// Clone deep-copies the tensor.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{dtype: t.dtype, shape: append([]int(nil), t.shape...)}
	switch t.dtype {
	case Int64:
		c.ints = append([]int64(nil), t.ints...)
	case Float32:
		c.floats = append([]float32(nil), t.floats...)
	case Bool:
		c.bools = append([]bool(nil), t.bools...)
	}
	return c
}

// NarrowRows copies rows [from, to) along the leading dimension.
func (t *Tensor) NarrowRows(from, to int) *Tensor {
	if from < 0 || to > t.shape[0] || from >= to {
		panic(fmt.Sprintf("tensor: invalid row range [%d, %d) for leading dim %d", from, to, t.shape[0]))
	}
	rowLen := t.Len() / t.shape[0]
	shape := append([]int{to - from}, t.shape[1:]...)
	switch t.dtype {
	case Int64:
		return FromInt64(append([]int64(nil), t.ints[from*rowLen:to*rowLen]...), shape...)
	case Float32:
		return FromFloat32(append([]float32(nil), t.floats[from*rowLen:to*rowLen]...), shape...)
	default:
		out := NewBool(shape...)
		copy(out.bools, t.bools[from*rowLen:to*rowLen])
		return out
	}
}

// NarrowCols copies columns [from, to) along the trailing dimension of a 2D tensor.
func (t *Tensor) NarrowCols(from, to int) *Tensor {
	if len(t.shape) != 2 {
		panic(fmt.Sprintf("tensor: NarrowCols needs 2 dims, have %d", len(t.shape)))
	}
	if from < 0 || to > t.shape[1] || from >= to {
		panic(fmt.Sprintf("tensor: invalid col range [%d, %d) for trailing dim %d", from, to, t.shape[1]))
	}
	rows, cols := t.shape[0], t.shape[1]
	width := to - from
	switch t.dtype {
	case Int64:
		out := NewInt64(rows, width)
		for r := 0; r < rows; r++ {
			copy(out.ints[r*width:(r+1)*width], t.ints[r*cols+from:r*cols+to])
		}
		return out
	case Float32:
		out := NewFloat32(rows, width)
		for r := 0; r < rows; r++ {
			copy(out.floats[r*width:(r+1)*width], t.floats[r*cols+from:r*cols+to])
		}
		return out
	default:
		out := NewBool(rows, width)
		for r := 0; r < rows; r++ {
			copy(out.bools[r*width:(r+1)*width], t.bools[r*cols+from:r*cols+to])
		}
		return out
	}
}

// ConcatRows stacks tensors along the leading dimension. All inputs must share
// dtype and trailing shape.
func ConcatRows(ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("tensor: ConcatRows of nothing")
	}
	first := ts[0]
	rows := 0
	for _, t := range ts {
		if t.dtype != first.dtype {
			panic(fmt.Sprintf("tensor: mixed dtypes %s and %s in concat", first.dtype, t.dtype))
		}
		if fmt.Sprint(t.shape[1:]) != fmt.Sprint(first.shape[1:]) {
			panic(fmt.Sprintf("tensor: trailing shape mismatch %v vs %v", t.shape[1:], first.shape[1:]))
		}
		rows += t.shape[0]
	}
	shape := append([]int{rows}, first.shape[1:]...)
	switch first.dtype {
	case Int64:
		out := NewInt64(shape...)
		off := 0
		for _, t := range ts {
			off += copy(out.ints[off:], t.ints)
		}
		return out
	case Float32:
		out := NewFloat32(shape...)
		off := 0
		for _, t := range ts {
			off += copy(out.floats[off:], t.floats)
		}
		return out
	default:
		out := NewBool(shape...)
		off := 0
		for _, t := range ts {
			off += copy(out.bools[off:], t.bools)
		}
		return out
	}
}

// ConcatCols joins 2D tensors along the trailing dimension.
func ConcatCols(ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("tensor: ConcatCols of nothing")
	}
	rows := ts[0].shape[0]
	cols := 0
	for _, t := range ts {
		if len(t.shape) != 2 || t.shape[0] != rows || t.dtype != ts[0].dtype {
			panic("tensor: ConcatCols needs 2D tensors with matching rows and dtype")
		}
		cols += t.shape[1]
	}
	out := &Tensor{dtype: ts[0].dtype, shape: []int{rows, cols}}
	switch ts[0].dtype {
	case Int64:
		out.ints = make([]int64, rows*cols)
	case Float32:
		out.floats = make([]float32, rows*cols)
	default:
		out.bools = make([]bool, rows*cols)
	}
	for r := 0; r < rows; r++ {
		off := r * cols
		for _, t := range ts {
			w := t.shape[1]
			switch t.dtype {
			case Int64:
				copy(out.ints[off:off+w], t.ints[r*w:(r+1)*w])
			case Float32:
				copy(out.floats[off:off+w], t.floats[r*w:(r+1)*w])
			default:
				copy(out.bools[off:off+w], t.bools[r*w:(r+1)*w])
			}
			off += w
		}
	}
	return out
}

// FullInt64 allocates an int64 tensor filled with v.
func FullInt64(v int64, shape ...int) *Tensor {
	t := NewInt64(shape...)
	for i := range t.ints {
		t.ints[i] = v
	}
	return t
}

// ToFloat32 converts an int64 tensor elementwise.
func (t *Tensor) ToFloat32() *Tensor {
	t.mustBe(Int64)
	out := NewFloat32(t.shape...)
	for i, v := range t.ints {
		out.floats[i] = float32(v)
	}
	return out
}

// SumFloat returns the sum of a float32 tensor's elements in float64.
func (t *Tensor) SumFloat() float64 {
	t.mustBe(Float32)
	var s float64
	for _, v := range t.floats {
		s += float64(v)
	}
	return s
}

// HasNaN reports whether any element of a float32 tensor is NaN.
func (t *Tensor) HasNaN() bool {
	t.mustBe(Float32)
	for _, v := range t.floats {
		if math.IsNaN(float64(v)) {
			return true
		}
	}
	return false
}

// SameShape reports whether two tensors have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.shape) != len(b.shape) {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	return true
}
