// Package tensors implements a host-memory tensor: a shape paired with a flat
// slice of float32 values in row-major order.
//
// It is the unit of data exchanged between datasets, models, optimizers and
// the collective layer. There is no device storage and no graph attached to
// it: values live in the process's memory and are manipulated directly.
//
//   - To create a tensor use FromShape (zero-initialized), FromScalar,
//     FromFlatDataAndDimensions or Clone.
//   - To access values use ConstFlatData or MutableFlatData.
//   - Tensors serialize with encoding/gob, see Save and Load.
//
// Tensors are not synchronized: concurrent mutation requires external
// coordination by the caller.
package tensors

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/lockstepml/lockstep/pkg/core/shapes"
)

// Tensor is a shape and its flat float32 data, row-major.
//
// Use it to feed batches to models, to hold parameters and gradients, and to
// move values through broadcast and all-reduce.
type Tensor struct {
	shape shapes.Shape
	flat  []float32
}

// FromShape returns a Tensor of the given shape with zero-initialized values.
func FromShape(shape shapes.Shape) *Tensor {
	return &Tensor{
		shape: shape.Clone(),
		flat:  make([]float32, shape.Size()),
	}
}

// FromScalar returns a rank-0 Tensor holding the given value.
func FromScalar(value float32) *Tensor {
	return &Tensor{
		shape: shapes.Scalar(),
		flat:  []float32{value},
	}
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions,
// initialized with the given flat values. The data is copied.
// It panics if len(data) doesn't match the dimensions.
func FromFlatDataAndDimensions(data []float32, dimensions ...int) *Tensor {
	shape := shapes.Make(dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions(): data has %d values, but shape %s needs %d",
			len(data), shape, shape.Size())
	}
	return &Tensor{
		shape: shape,
		flat:  slices.Clone(data),
	}
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// Rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar returns whether the tensor holds a single value.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size returns the number of values stored.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the bytes used by the tensor data.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		shape: t.shape.Clone(),
		flat:  slices.Clone(t.flat),
	}
}

// ConstFlatData calls accessFn with the tensor's flat data.
// The slice must not be modified; use MutableFlatData for writes.
func (t *Tensor) ConstFlatData(accessFn func(flat []float32)) {
	accessFn(t.flat)
}

// MutableFlatData calls accessFn with the tensor's flat data, which may be
// modified in place. The slice is only valid during the call.
func (t *Tensor) MutableFlatData(accessFn func(flat []float32)) {
	accessFn(t.flat)
}

// CopyFlatData returns a copy of the tensor's flat data.
func (t *Tensor) CopyFlatData() []float32 {
	return slices.Clone(t.flat)
}

// AssignFlatData copies fromFlat into the tensor.
// It panics if the lengths don't match.
func (t *Tensor) AssignFlatData(fromFlat []float32) {
	if len(fromFlat) != len(t.flat) {
		exceptions.Panicf("Tensor.AssignFlatData(): tensor shaped %s holds %d values, cannot assign %d",
			t.shape, len(t.flat), len(fromFlat))
	}
	copy(t.flat, fromFlat)
}

// ToScalar returns the value of a rank-0 tensor.
// It panics if the tensor is not a scalar.
func (t *Tensor) ToScalar() float32 {
	if !t.IsScalar() {
		exceptions.Panicf("Tensor.ToScalar() called on tensor shaped %s", t.shape)
	}
	return t.flat[0]
}

// Equal reports whether both tensors have the same shape and bit-identical
// values.
func (t *Tensor) Equal(t2 *Tensor) bool {
	return t.shape.Equal(t2.shape) && slices.Equal(t.flat, t2.flat)
}

// InDelta reports whether both tensors have the same shape and all values
// within delta of each other.
func (t *Tensor) InDelta(t2 *Tensor, delta float64) bool {
	if !t.shape.Equal(t2.shape) {
		return false
	}
	for i, v := range t.flat {
		diff := float64(v) - float64(t2.flat[i])
		if diff < -delta || diff > delta {
			return false
		}
	}
	return true
}

// LayoutStrides returns the strides for each axis of the row-major layout.
func (t *Tensor) LayoutStrides() (strides []int) {
	rank := t.Rank()
	if rank == 0 {
		return
	}
	strides = make([]int, rank)
	currentStride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		strides[axis] = currentStride
		currentStride *= t.shape.Dimensions[axis]
	}
	return
}

const maxStringValues = 16

// String prints the shape and a prefix of the values.
func (t *Tensor) String() string {
	if t.Size() <= maxStringValues {
		return fmt.Sprintf("%s: %v", t.shape, t.flat)
	}
	parts := make([]string, 0, maxStringValues)
	for _, v := range t.flat[:maxStringValues] {
		parts = append(parts, fmt.Sprintf("%v", v))
	}
	return fmt.Sprintf("%s: [%s, ...]", t.shape, strings.Join(parts, ", "))
}
