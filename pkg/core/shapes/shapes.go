// Package shapes defines Shape, the rank and dimensions of a tensor.
//
// Every tensor in this module holds float32 elements, so a Shape carries no
// element type, just the dimension sizes. A rank-0 Shape (no axes) is a
// scalar holding a single value.
//
// Naming follows the usual tensor vocabulary: an axis is identified by its
// index, and the size along it is that axis' dimension. The nested slice
// [][]float32{{0, 1, 2}, {3, 4, 5}} has shape [2 3], built with
// shapes.Make(2, 3).
package shapes

import (
	"encoding/gob"
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Shape is the rank and dimensions of a tensor.
//
// Use Make to create one. The zero value is a scalar shape.
type Shape struct {
	Dimensions []int
}

// Make returns a Shape with the given dimensions. It panics if any dimension
// is <= 0. Make() with no dimensions returns a scalar shape.
func Make(dimensions ...int) Shape {
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%v): every dimension must be >= 1", dimensions)
		}
	}
	return Shape{Dimensions: slices.Clone(dimensions)}
}

// Scalar returns a rank-0 shape.
func Scalar() Shape { return Shape{} }

// Rank of the shape, that is, the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape has no axes.
func (s Shape) IsScalar() bool { return s.Rank() == 0 }

// Dim returns the dimension of the given axis. Negative values count from
// the end, so Dim(-1) is the last axis. It panics for an out-of-bounds axis.
func (s Shape) Dim(axis int) int {
	idx := axis
	if idx < 0 {
		idx += s.Rank()
	}
	if idx < 0 || idx >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d): shape %s has only %d axes", axis, s, s.Rank())
	}
	return s.Dimensions[idx]
}

// Shape returns the shape itself, satisfying the HasShape interface.
func (s Shape) Shape() Shape { return s }

// Size returns the number of elements the shape holds: the product of all
// dimensions, 1 for a scalar.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Memory returns the bytes needed to store an array of the given shape.
func (s Shape) Memory() uintptr {
	const float32Bytes = 4
	return float32Bytes * uintptr(s.Size())
}

// String implements fmt.Stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.IsScalar() {
		return "(scalar)"
	}
	return fmt.Sprintf("%v", s.Dimensions)
}

// Equal compares the dimensions of two shapes.
func (s Shape) Equal(other Shape) bool {
	return slices.Equal(s.Dimensions, other.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{Dimensions: slices.Clone(s.Dimensions)}
}

// HasShape is an interface for objects with an associated Shape, e.g.
// tensors.Tensor. Shape itself implements it.
type HasShape interface {
	Shape() Shape
}

// GobSerialize writes the shape to the encoder.
func (s Shape) GobSerialize(encoder *gob.Encoder) error {
	return errors.Wrapf(encoder.Encode(s.Dimensions), "writing shape %s", s)
}

// GobDeserialize reads back a shape written by GobSerialize.
func GobDeserialize(decoder *gob.Decoder) (Shape, error) {
	var s Shape
	if err := decoder.Decode(&s.Dimensions); err != nil {
		return Shape{}, errors.Wrapf(err, "reading shape dimensions")
	}
	return s, nil
}
