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

package layers

import (
	"math"
	"math/rand"

	"github.com/PluralisResearch/AsyncPP/types/shapes"
	"github.com/PluralisResearch/AsyncPP/types/tensors"
)

// Initializer creates the starting value of a parameter tensor of the given
// shape. All initializers here zero-initialize biases (anything with
// rank <= 1) and non-float shapes.
type Initializer func(shape shapes.Shape) *tensors.Tensor

// Zeros initializes parameters with zero.
func Zeros() Initializer {
	return tensors.FromShape
}

// Normal returns an initializer that draws from a normal distribution with
// mean 0 and the given standard deviation.
func Normal(rng *rand.Rand, stddev float64) Initializer {
	return func(shape shapes.Shape) *tensors.Tensor {
		return fillNormal(rng, shape, stddev)
	}
}

// XavierNormal returns an initializer that draws from a normal distribution
// with mean 0 and stddev sqrt(2 / (fanIn+fanOut)).
// See https://paperswithcode.com/method/xavier-initialization
func XavierNormal(rng *rand.Rand) Initializer {
	return func(shape shapes.Shape) *tensors.Tensor {
		if !shape.DType.IsFloat() || shape.Rank() <= 1 {
			return tensors.FromShape(shape)
		}
		fanIn, fanOut := computeFanInFanOut(shape)
		scale := max(1.0, float64(fanIn+fanOut))
		return fillNormal(rng, shape, math.Sqrt(2.0/scale))
	}
}

// GlorotUniform returns a Glorot uniform initializer, also called Xavier
// uniform initializer: it draws samples from a uniform distribution within
// [-limit, limit], where limit = sqrt(3 / ((fanIn+fanOut)/2)).
func GlorotUniform(rng *rand.Rand) Initializer {
	return func(shape shapes.Shape) *tensors.Tensor {
		if !shape.DType.IsFloat() || shape.Rank() <= 1 {
			return tensors.FromShape(shape)
		}
		fanIn, fanOut := computeFanInFanOut(shape)
		scale := max(1.0, float64(fanIn+fanOut)/2.0)
		limit := math.Sqrt(3.0 / scale)
		return fill(rng, shape, func(rng *rand.Rand) float64 {
			return rng.Float64()*2*limit - limit
		})
	}
}

// HeNormal returns the initializer that tries to preserve a variance of 1
// through Relu activations: normal with stddev sqrt(2 / fanIn).
// See https://arxiv.org/pdf/1502.01852
func HeNormal(rng *rand.Rand) Initializer {
	return func(shape shapes.Shape) *tensors.Tensor {
		if !shape.DType.IsFloat() || shape.Rank() <= 1 {
			return tensors.FromShape(shape)
		}
		fanIn, _ := computeFanInFanOut(shape)
		scale := max(1.0, float64(fanIn))
		return fillNormal(rng, shape, math.Sqrt(2.0/scale))
	}
}

// computeFanInFanOut of a parameter expected to belong to a Dense layer:
// rank 2 weights have fanIn/fanOut on axes 0/1 respectively.
func computeFanInFanOut(shape shapes.Shape) (fanIn, fanOut int) {
	rank := shape.Rank()
	switch rank {
	case 0:
		fanIn = 1
		fanOut = 1
	case 1:
		fanIn = 0
		fanOut = 0
	default:
		// Trailing two axes carry fanIn/fanOut; leading ones multiply both.
		receptiveFieldSize := 1
		for _, dim := range shape.Dimensions[:rank-2] {
			receptiveFieldSize *= dim
		}
		fanIn = shape.Dimensions[rank-2] * receptiveFieldSize
		fanOut = shape.Dimensions[rank-1] * receptiveFieldSize
	}
	return
}

func fillNormal(rng *rand.Rand, shape shapes.Shape, stddev float64) *tensors.Tensor {
	return fill(rng, shape, func(rng *rand.Rand) float64 {
		return rng.NormFloat64() * stddev
	})
}

// fill creates a tensor of the given shape with every element sampled from
// sampleFn. DTypes other than Float32 and Float64 get zeros.
func fill(rng *rand.Rand, shape shapes.Shape, sampleFn func(rng *rand.Rand) float64) *tensors.Tensor {
	t := tensors.FromShape(shape)
	switch shape.DType {
	case shapes.Float32:
		tensors.MutableFlatData[float32](t, func(flat []float32) {
			for ii := range flat {
				flat[ii] = float32(sampleFn(rng))
			}
		})
	case shapes.Float64:
		tensors.MutableFlatData[float64](t, func(flat []float64) {
			for ii := range flat {
				flat[ii] = sampleFn(rng)
			}
		})
	}
	return t
}
