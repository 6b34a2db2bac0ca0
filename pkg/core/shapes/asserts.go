package shapes

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// AnyDim matches any dimension when given to CheckDims or AssertDims.
const AnyDim = -1

// CheckDims returns an error unless the shape has exactly the given
// dimensions. An AnyDim entry matches any size on its axis, so a batch of
// RGB images checks as CheckDims(AnyDim, height, width, 3).
func (s Shape) CheckDims(dimensions ...int) error {
	if got := s.Rank(); got != len(dimensions) {
		return errors.Errorf("shape %s has rank %d, wanted rank %d", s, got, len(dimensions))
	}
	for axis, want := range dimensions {
		if want == AnyDim {
			continue
		}
		if got := s.Dimensions[axis]; got != want {
			return errors.Errorf("shape %s has dimension %d on axis %d, wanted %v", s, got, axis, dimensions)
		}
	}
	return nil
}

// AssertDims panics unless the shape has exactly the given dimensions, with
// AnyDim matching any size. Use it for programming errors; for conditions a
// caller may legitimately hit, use CheckDims and return the error.
func (s Shape) AssertDims(dimensions ...int) {
	if err := s.CheckDims(dimensions...); err != nil {
		exceptions.Panicf("shapes.AssertDims: %v", err)
	}
}

// CheckRank returns an error unless the shape has the given rank.
func (s Shape) CheckRank(rank int) error {
	if got := s.Rank(); got != rank {
		return errors.Errorf("shape %s has rank %d, wanted rank %d", s, got, rank)
	}
	return nil
}

// AssertRank panics unless the shape has the given rank.
func (s Shape) AssertRank(rank int) {
	if err := s.CheckRank(rank); err != nil {
		exceptions.Panicf("shapes.AssertRank: %v", err)
	}
}
