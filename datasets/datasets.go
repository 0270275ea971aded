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

// Package datasets provides the training data sources the pipeline driver
// consumes: an in-memory dataset with batching and shuffling, a synthetic
// linear-model generator and a CSV loader.
//
// All of them yield microbatches shaped [batchSize, ...] and signal the end
// of an epoch with io.EOF, matching the pipeline's Dataset contract.
package datasets

import (
	"github.com/PluralisResearch/AsyncPP/types/shapes"
	"github.com/PluralisResearch/AsyncPP/types/tensors"
)

// gatherRows copies the given rows (leading-axis entries) of src into a new
// tensor shaped [len(indices), ...]. Rows are contiguous, so the copies are
// dtype-agnostic byte moves.
func gatherRows(src *tensors.Tensor, indices []int) *tensors.Tensor {
	shape := src.Shape()
	rowBytes := int(shape.Memory()) / shape.Dim(0)
	dimensions := append([]int{len(indices)}, shape.Dimensions[1:]...)
	out := tensors.FromShape(shapes.Make(shape.DType, dimensions...))
	src.ConstBytes(func(data []byte) {
		out.MutableBytes(func(gathered []byte) {
			for ii, index := range indices {
				copy(gathered[ii*rowBytes:(ii+1)*rowBytes], data[index*rowBytes:(index+1)*rowBytes])
			}
		})
	})
	return out
}
