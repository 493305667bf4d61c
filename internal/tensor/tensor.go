package tensor

import (
	"fmt"
	"unsafe"

	"github.com/x448/float16"
)

// Device indices. Accelerators are numbered 0..K-1 in preference order.
const (
	Host       = -1
	Unassigned = -2
)

// DeviceName renders a device index for logs and errors.
func DeviceName(idx int) string {
	switch {
	case idx == Host:
		return "cpu"
	case idx < Host:
		return "unassigned"
	default:
		return fmt.Sprintf("cuda:%d", idx)
	}
}

type DType int

const (
	Float32 DType = iota
	Float16
	Int32
	Bool
)

// Size is the element width in bytes.
func (d DType) Size() int {
	switch d {
	case Float16:
		return 2
	case Bool:
		return 1
	default:
		return 4
	}
}

func (d DType) String() string {
	switch d {
	case Float32:
		return "f32"
	case Float16:
		return "f16"
	case Int32:
		return "i32"
	case Bool:
		return "bool"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// Tensor is a dense row-major value tagged with the device it lives on.
// Exactly one backing slice is set, matching dtype.
type Tensor struct {
	dims   []int
	dtype  DType
	device int

	f32 []float32
	f16 []float16.Float16
	i32 []int32
	b   []bool
}

func numElements(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// New returns a zeroed tensor.
func New(dtype DType, dims []int, device int) *Tensor {
	t := &Tensor{dims: append([]int(nil), dims...), dtype: dtype, device: device}
	n := numElements(dims)
	switch dtype {
	case Float32:
		t.f32 = make([]float32, n)
	case Float16:
		t.f16 = make([]float16.Float16, n)
	case Int32:
		t.i32 = make([]int32, n)
	case Bool:
		t.b = make([]bool, n)
	}
	return t
}

func checkLen(dims []int, n int) {
	if numElements(dims) != n {
		panic(fmt.Sprintf("tensor: %d elements do not fill dims %v", n, dims))
	}
}

func FromFloat32(dims []int, data []float32) *Tensor {
	checkLen(dims, len(data))
	return &Tensor{dims: append([]int(nil), dims...), dtype: Float32, device: Host, f32: data}
}

func FromFloat16(dims []int, data []float16.Float16) *Tensor {
	checkLen(dims, len(data))
	return &Tensor{dims: append([]int(nil), dims...), dtype: Float16, device: Host, f16: data}
}

func FromInt32(dims []int, data []int32) *Tensor {
	checkLen(dims, len(data))
	return &Tensor{dims: append([]int(nil), dims...), dtype: Int32, device: Host, i32: data}
}

func FromBool(dims []int, data []bool) *Tensor {
	checkLen(dims, len(data))
	return &Tensor{dims: append([]int(nil), dims...), dtype: Bool, device: Host, b: data}
}

// ViewFloat32 wraps a byte buffer (typically a scratch slice) as a float32
// tensor without copying. buf must hold at least the requested elements.
func ViewFloat32(dims []int, buf []byte, device int) (*Tensor, error) {
	n := numElements(dims)
	if len(buf) < n*4 {
		return nil, fmt.Errorf("tensor: buffer of %d bytes too small for %v f32", len(buf), dims)
	}
	return &Tensor{dims: append([]int(nil), dims...), dtype: Float32, device: device, f32: Float32View(buf)[:n]}, nil
}

// Float32View reinterprets b as float32s. Trailing bytes that do not form a
// whole element are ignored.
func Float32View(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(b))), len(b)/4)
}

func (t *Tensor) Dims() []int   { return t.dims }
func (t *Tensor) Dim(i int) int { return t.dims[i] }
func (t *Tensor) DType() DType  { return t.dtype }
func (t *Tensor) Device() int   { return t.device }

func (t *Tensor) NumElements() int {
	return numElements(t.dims)
}

// Bytes is the storage size of the tensor.
func (t *Tensor) Bytes() int64 {
	return int64(t.NumElements()) * int64(t.dtype.Size())
}

func (t *Tensor) Float32() []float32         { return t.f32 }
func (t *Tensor) Float16() []float16.Float16 { return t.f16 }
func (t *Tensor) Int32() []int32             { return t.i32 }
func (t *Tensor) Bool() []bool               { return t.b }

// SameShape reports whether both tensors have identical dims.
func (t *Tensor) SameShape(o *Tensor) bool {
	return SameDims(t.dims, o.dims)
}

func SameDims(a, b []int) bool {
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

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.dims) {
		panic(fmt.Sprintf("tensor: index rank %d for dims %v", len(idx), t.dims))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.dims[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for dims %v", idx, t.dims))
		}
		off = off*t.dims[i] + v
	}
	return off
}

// At reads one element as float32 regardless of dtype. Bool reads as 0/1.
func (t *Tensor) At(idx ...int) float32 {
	off := t.offset(idx)
	switch t.dtype {
	case Float32:
		return t.f32[off]
	case Float16:
		return t.f16[off].Float32()
	case Int32:
		return float32(t.i32[off])
	default:
		if t.b[off] {
			return 1
		}
		return 0
	}
}

// CopyTo returns a deep copy labelled with device.
func (t *Tensor) CopyTo(device int) *Tensor {
	c := &Tensor{dims: append([]int(nil), t.dims...), dtype: t.dtype, device: device}
	switch t.dtype {
	case Float32:
		c.f32 = append([]float32(nil), t.f32...)
	case Float16:
		c.f16 = append([]float16.Float16(nil), t.f16...)
	case Int32:
		c.i32 = append([]int32(nil), t.i32...)
	case Bool:
		c.b = append([]bool(nil), t.b...)
	}
	return c
}

// Reshape returns a view sharing storage with new dims.
func (t *Tensor) Reshape(dims ...int) (*Tensor, error) {
	if numElements(dims) != t.NumElements() {
		return nil, fmt.Errorf("tensor: cannot reshape %v to %v", t.dims, dims)
	}
	c := *t
	c.dims = append([]int(nil), dims...)
	return &c, nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%s %v @%s)", t.dtype, t.dims, DeviceName(t.device))
}
