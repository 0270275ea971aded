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
	"github.com/x448/float16"
)

// DType indicates the type of the unit element of a Tensor. It enumerates the
// data types supported by the runtime: Bool, Int32, Int64, Float16, Float32
// and Float64.
//
// Float16 values use the github.com/x448/float16 implementation, and are
// supported as a storage and wire format only -- arithmetic happens in
// float32 or float64.
type DType int32

const (
	InvalidDType DType = iota
	Bool
	Int32
	Int64
	Float16
	Float32
	Float64
)

// Aliases for the most common DTypes.
const (
	I32 = Int32
	I64 = Int64
	F16 = Float16
	F32 = Float32
	F64 = Float64
)

// String implements fmt.Stringer.
func (dtype DType) String() string {
	switch dtype {
	case Bool:
		return "Bool"
	case Int32:
		return "Int32"
	case Int64:
		return "Int64"
	case Float16:
		return "Float16"
	case Float32:
		return "Float32"
	case Float64:
		return "Float64"
	}
	return "InvalidDType"
}

// IsFloat returns whether dtype is one of the supported float types.
func (dtype DType) IsFloat() bool {
	return dtype == Float16 || dtype == Float32 || dtype == Float64
}

// IsInt returns whether dtype is one of the supported integer types.
func (dtype DType) IsInt() bool {
	return dtype == Int32 || dtype == Int64
}

// IsSupported returns whether dtype is a valid value of the enumeration.
func (dtype DType) IsSupported() bool {
	return dtype > InvalidDType && dtype <= Float64
}

// Memory returns the number of bytes needed to store one element of dtype.
func (dtype DType) Memory() uintptr {
	switch dtype {
	case Bool:
		return 1
	case Float16:
		return 2
	case Int32, Float32:
		return 4
	case Int64, Float64:
		return 8
	}
	return 0
}

// Supported lists the Go types that map to a DType. Used as a generics
// constraint. Notice int is not included: dimensions and sizes use int, while
// tensor elements are always of an explicitly sized type.
type Supported interface {
	bool | int32 | int64 | float16.Float16 | float32 | float64
}

// Number lists the Go numeric types that map to a DType, those on which
// arithmetic is done natively. Used as a generics constraint.
type Number interface {
	int32 | int64 | float32 | float64
}

// GoFloat lists the continuous Go numeric types supported natively.
type GoFloat interface {
	float32 | float64
}

// FromGenericsType returns the DType corresponding to the Go type T.
func FromGenericsType[T Supported]() DType {
	var t T
	switch (any(t)).(type) {
	case bool:
		return Bool
	case int32:
		return Int32
	case int64:
		return Int64
	case float16.Float16:
		return Float16
	case float32:
		return Float32
	case float64:
		return Float64
	}
	return InvalidDType
}
