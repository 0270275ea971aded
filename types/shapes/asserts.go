/*
 *	Copyright 2025 Pluralis Research
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package shapes

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// HasShape is an interface for objects that have an associated Shape.
// Shape itself implements it, as does tensors.Tensor.
type HasShape interface {
	Shape() Shape
}

// AssertRank panics if the shape of shaped doesn't have the given rank.
//
// It can be used in conjunction with AssertDims as documentation of the
// expected shapes in model code.
func AssertRank(shaped HasShape, rank int) {
	if shaped.Shape().Rank() != rank {
		exceptions.Panicf("shape %s does not have expected rank %d", shaped.Shape(), rank)
	}
}

// AssertDims panics if the shape of shaped doesn't match the given
// dimensions. A value of -1 in dimensions means that axis can take any value.
//
// Example:
//
//	AssertDims(activations, batchSize, -1)
func AssertDims(shaped HasShape, dimensions ...int) {
	if !matchDims(shaped.Shape(), dimensions) {
		exceptions.Panicf("shape %s does not match expected dimensions %v", shaped.Shape(), dimensions)
	}
}

// AssertScalar panics if the shape of shaped is not a scalar.
func AssertScalar(shaped HasShape) {
	if !shaped.Shape().IsScalar() {
		exceptions.Panicf("shape %s is not a scalar", shaped.Shape())
	}
}

// CheckRank is the error-returning version of AssertRank.
func CheckRank(shaped HasShape, rank int) error {
	if shaped.Shape().Rank() != rank {
		return errors.Errorf("shape %s does not have expected rank %d", shaped.Shape(), rank)
	}
	return nil
}

// CheckDims is the error-returning version of AssertDims.
func CheckDims(shaped HasShape, dimensions ...int) error {
	if !matchDims(shaped.Shape(), dimensions) {
		return errors.Errorf("shape %s does not match expected dimensions %v", shaped.Shape(), dimensions)
	}
	return nil
}

func matchDims(shape Shape, dimensions []int) bool {
	if shape.Rank() != len(dimensions) {
		return false
	}
	for axis, wantDim := range dimensions {
		if wantDim != -1 && shape.Dimensions[axis] != wantDim {
			return false
		}
	}
	return true
}
