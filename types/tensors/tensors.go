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

// Package tensors implements Tensor, a representation of a multi-dimensional
// array backed by a flat slice of the underlying DType.
//
// Tensors are the unit of data moved between pipeline stages -- microbatch
// inputs, activations and gradients -- and the storage for stage parameters
// and optimizer state.
//
// There are various ways to construct a Tensor from local data:
//
//   - FromShape(shape shapes.Shape): a tensor with the given shape, zero
//     initialized.
//
//   - FromScalarAndDimensions[T shapes.Supported](value T, dimensions ...int):
//     a tensor with the given dimensions, filled with the scalar value given.
//
//   - FromFlatDataAndDimensions[T shapes.Supported](data []T, dimensions ...int):
//     a tensor with the given dimensions, with the flattened values copied
//     from data. Example:
//
//     t := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2) // [[1,2], [3,4]]
//
// Access to the underlying data is through ConstFlatData and MutableFlatData
// (and their generic versions), which lock the tensor for the duration of the
// access function. Even scalar tensors have a flat representation of one
// element.
package tensors

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/PluralisResearch/AsyncPP/types/shapes"
)

// Tensor is a multidimensional array (from scalar with 0 dimensions to
// arbitrarily large dimensions) defined by its shape and its content, stored
// as a flat slice of the shape's DType.
//
// A Tensor is safe for concurrent access through ConstFlatData and
// MutableFlatData; the shape is immutable after creation.
type Tensor struct {
	shape shapes.Shape

	// mu protects flat, but not the shape, which is considered immutable.
	mu   sync.Mutex
	flat any // Slice of the Go type for the DType of the shape.
}

// FromShape returns a Tensor with the given shape, zero initialized.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(): invalid shape %s", shape)
	}
	return &Tensor{shape: shape, flat: allocForDType(shape.DType, shape.Size())}
}

// FromScalarAndDimensions returns a Tensor with the given dimensions, filled
// with the scalar value given.
func FromScalarAndDimensions[T shapes.Supported](value T, dimensions ...int) *Tensor {
	shape := shapes.Make(shapes.FromGenericsType[T](), dimensions...)
	flat := make([]T, shape.Size())
	for ii := range flat {
		flat[ii] = value
	}
	return &Tensor{shape: shape, flat: flat}
}

// FromFlatDataAndDimensions returns a Tensor with the given dimensions, with
// the flattened values copied from data. The length of data must match the
// product of the dimensions.
func FromFlatDataAndDimensions[T shapes.Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(shapes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions(): data with %d values given for shape %s with %d elements",
			len(data), shape, shape.Size())
	}
	return &Tensor{shape: shape, flat: slices.Clone(data)}
}

// FromScalar returns a scalar (rank-0) Tensor holding the given value.
func FromScalar[T shapes.Supported](value T) *Tensor {
	return &Tensor{
		shape: shapes.Shape{DType: shapes.FromGenericsType[T]()},
		flat:  []T{value},
	}
}

func allocForDType(dtype shapes.DType, size int) any {
	switch dtype {
	case shapes.Bool:
		return make([]bool, size)
	case shapes.Int32:
		return make([]int32, size)
	case shapes.Int64:
		return make([]int64, size)
	case shapes.Float16:
		return make([]float16.Float16, size)
	case shapes.Float32:
		return make([]float32, size)
	case shapes.Float64:
		return make([]float64, size)
	}
	exceptions.Panicf("tensors: cannot allocate storage for DType %s", dtype)
	return nil
}

// Shape of the tensor, includes DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType is a shortcut to Tensor.Shape().DType.
func (t *Tensor) DType() shapes.DType { return t.shape.DType }

// Rank is a shortcut to Tensor.Shape().Rank().
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar is a shortcut to Tensor.Shape().IsScalar().
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size is a shortcut to Tensor.Shape().Size().
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// AssertValid panics if t is nil or if its shape is invalid.
func (t *Tensor) AssertValid() {
	if t == nil {
		panic(errors.New("Tensor is nil"))
	}
	if !t.shape.Ok() {
		panic(errors.New("Tensor shape is invalid"))
	}
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	clone := FromShape(t.shape)
	t.ConstBytes(func(data []byte) {
		clone.MutableBytes(func(cloneData []byte) {
			copy(cloneData, data)
		})
	})
	return clone
}

// ConstFlatData calls accessFn with the flattened data as a slice of the Go
// type corresponding to the DType. It locks the Tensor until accessFn
// returns.
//
// accessFn is given the actual Tensor data (not a copy); it must not modify
// it. See Tensor.MutableFlatData for write access.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) {
	t.AssertValid()
	t.mu.Lock()
	defer t.mu.Unlock()
	accessFn(t.flat)
}

// MutableFlatData calls accessFn with the flattened data as a slice of the Go
// type corresponding to the DType. The contents of the slice can be modified
// until accessFn returns. It locks the Tensor until accessFn returns.
func (t *Tensor) MutableFlatData(accessFn func(flat any)) {
	t.AssertValid()
	t.mu.Lock()
	defer t.mu.Unlock()
	accessFn(t.flat)
}

// ConstFlatData is the generics version of Tensor.ConstFlatData. It panics if
// T doesn't match the tensor's DType.
func ConstFlatData[T shapes.Supported](t *Tensor, accessFn func(flat []T)) {
	if t.shape.DType != shapes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("ConstFlatData[%T] is incompatible with Tensor's dtype %s", v, t.shape.DType)
	}
	t.ConstFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// MutableFlatData is the generics version of Tensor.MutableFlatData. It
// panics if T doesn't match the tensor's DType.
func MutableFlatData[T shapes.Supported](t *Tensor, accessFn func(flat []T)) {
	if t.shape.DType != shapes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("MutableFlatData[%T] is incompatible with Tensor's dtype %s", v, t.shape.DType)
	}
	t.MutableFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// CopyFrom copies the values of from into t. Shapes must be equal.
func (t *Tensor) CopyFrom(from *Tensor) {
	if !t.shape.Equal(from.shape) {
		exceptions.Panicf("Tensor.CopyFrom(): incompatible shapes %s and %s", t.shape, from.shape)
	}
	from.ConstBytes(func(data []byte) {
		t.MutableBytes(func(mine []byte) {
			copy(mine, data)
		})
	})
}

// ConstBytes calls accessFn with the tensor data as a byte slice. It locks
// the Tensor until accessFn returns. accessFn must not modify the data.
func (t *Tensor) ConstBytes(accessFn func(data []byte)) {
	t.ConstFlatData(func(flat any) {
		accessFn(flatBytes(flat))
	})
}

// MutableBytes calls accessFn with the tensor data as a mutable byte slice.
// It locks the Tensor until accessFn returns.
func (t *Tensor) MutableBytes(accessFn func(data []byte)) {
	t.MutableFlatData(func(flat any) {
		accessFn(flatBytes(flat))
	})
}

// flatBytes returns an unsafe byte view of a flat slice. Tensors always have
// at least one element (shapes with a zero dimension cannot be built).
func flatBytes(flat any) []byte {
	switch v := flat.(type) {
	case []bool:
		return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v))
	case []int32:
		return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*4)
	case []int64:
		return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*8)
	case []float16.Float16:
		return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*2)
	case []float32:
		return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*4)
	case []float64:
		return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*8)
	}
	exceptions.Panicf("tensors: unsupported flat data type %T", flat)
	return nil
}

// Equal checks whether t and other have the same shape and hold exactly the
// same values.
func (t *Tensor) Equal(other *Tensor) bool {
	if !t.shape.Equal(other.shape) {
		return false
	}
	equal := false
	t.ConstBytes(func(mine []byte) {
		other.ConstBytes(func(theirs []byte) {
			equal = slices.Equal(mine, theirs)
		})
	})
	return equal
}

// InDelta checks whether t and other have the same shape and all values are
// within +/- delta of each other. Only defined for float tensors.
func (t *Tensor) InDelta(other *Tensor, delta float64) bool {
	if !t.shape.Equal(other.shape) {
		return false
	}
	if !t.DType().IsFloat() {
		exceptions.Panicf("Tensor.InDelta() only defined for float dtypes, got %s", t.DType())
	}
	mine := t.toFloat64s()
	theirs := other.toFloat64s()
	for ii, v := range mine {
		diff := v - theirs[ii]
		if diff < -delta || diff > delta {
			return false
		}
	}
	return true
}

const maxStringValues = 16

// String prints the shape and a sample of the tensor values.
func (t *Tensor) String() string {
	t.AssertValid()
	var parts []string
	t.ConstFlatData(func(flat any) {
		switch v := flat.(type) {
		case []bool:
			parts = sampleToStrings(v)
		case []int32:
			parts = sampleToStrings(v)
		case []int64:
			parts = sampleToStrings(v)
		case []float16.Float16:
			parts = sampleToStrings(v)
		case []float32:
			parts = sampleToStrings(v)
		case []float64:
			parts = sampleToStrings(v)
		}
	})
	suffix := ""
	if t.Size() > maxStringValues {
		suffix = ", ..."
	}
	return fmt.Sprintf("%s: [%s%s]", t.shape, strings.Join(parts, ", "), suffix)
}

func sampleToStrings[T any](flat []T) []string {
	n := min(len(flat), maxStringValues)
	parts := make([]string, 0, n)
	for _, v := range flat[:n] {
		parts = append(parts, fmt.Sprintf("%v", v))
	}
	return parts
}
