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

package tensors

import (
	"github.com/x448/float16"

	"github.com/PluralisResearch/AsyncPP/types/shapes"
)

// ConvertTo returns a new tensor with the same dimensions and the values
// converted to the given DType. Converting float values to Float16 rounds to
// the nearest representable value; converting to an integer type truncates.
//
// If dtype is already the tensor's DType it returns a clone.
func (t *Tensor) ConvertTo(dtype shapes.DType) *Tensor {
	t.AssertValid()
	if dtype == t.DType() {
		return t.Clone()
	}
	values := t.toFloat64s()
	out := FromShape(shapes.Shape{DType: dtype, Dimensions: t.shape.Clone().Dimensions})
	out.MutableFlatData(func(flat any) {
		switch v := flat.(type) {
		case []bool:
			for ii, x := range values {
				v[ii] = x != 0
			}
		case []int32:
			for ii, x := range values {
				v[ii] = int32(x)
			}
		case []int64:
			for ii, x := range values {
				v[ii] = int64(x)
			}
		case []float16.Float16:
			for ii, x := range values {
				v[ii] = float16.Fromfloat32(float32(x))
			}
		case []float32:
			for ii, x := range values {
				v[ii] = float32(x)
			}
		case []float64:
			copy(v, values)
		}
	})
	return out
}

// toFloat64s returns a copy of the flat values converted to float64.
// Bool converts to 0 or 1.
func (t *Tensor) toFloat64s() []float64 {
	out := make([]float64, t.Size())
	t.ConstFlatData(func(flat any) {
		switch v := flat.(type) {
		case []bool:
			for ii, x := range v {
				if x {
					out[ii] = 1
				}
			}
		case []int32:
			for ii, x := range v {
				out[ii] = float64(x)
			}
		case []int64:
			for ii, x := range v {
				out[ii] = float64(x)
			}
		case []float16.Float16:
			for ii, x := range v {
				out[ii] = float64(x.Float32())
			}
		case []float32:
			for ii, x := range v {
				out[ii] = float64(x)
			}
		case []float64:
			copy(out, v)
		}
	})
	return out
}
