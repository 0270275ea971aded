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

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/PluralisResearch/AsyncPP/types/shapes"
	"github.com/PluralisResearch/AsyncPP/types/tensors"
	"github.com/PluralisResearch/AsyncPP/types/xslices"
)

// Activation is an elementwise, parameter-free Module. Every supported
// activation preserves the sign of its input (or maps to a fixed sign), so
// its derivative can be computed from the output alone -- which is what
// Forward saves.
type Activation struct {
	name string
	fn   func(x float64) float64
	// grad is the derivative as a function of the OUTPUT y = fn(x).
	grad func(y float64) float64
}

// Tanh activation: y = tanh(x), with derivative 1 - y².
func Tanh() *Activation {
	return &Activation{
		name: "tanh",
		fn:   math.Tanh,
		grad: func(y float64) float64 { return 1 - y*y },
	}
}

// Relu activation: y = max(x, 0).
func Relu() *Activation {
	return &Activation{
		name: "relu",
		fn:   func(x float64) float64 { return math.Max(x, 0) },
		grad: func(y float64) float64 {
			if y > 0 {
				return 1
			}
			return 0
		},
	}
}

// LeakyRelu activation: y = x for x >= 0, alpha*x otherwise, with the alpha
// parameter fixed at 0.3.
func LeakyRelu() *Activation {
	const alpha = 0.3
	return &Activation{
		name: "leaky_relu",
		fn: func(x float64) float64 {
			if x >= 0 {
				return x
			}
			return alpha * x
		},
		grad: func(y float64) float64 {
			if y >= 0 {
				return 1
			}
			return alpha
		},
	}
}

// Sigmoid activation: y = 1/(1+e^-x), with derivative y(1-y).
func Sigmoid() *Activation {
	return &Activation{
		name: "sigmoid",
		fn:   func(x float64) float64 { return 1 / (1 + math.Exp(-x)) },
		grad: func(y float64) float64 { return y * (1 - y) },
	}
}

// KnownActivations maps the activation names accepted in flags and configs
// to their constructors.
var KnownActivations = map[string]func() *Activation{
	"tanh":       Tanh,
	"relu":       Relu,
	"leaky_relu": LeakyRelu,
	"sigmoid":    Sigmoid,
}

// MustActivationByName returns a new activation of the given registered
// name, or panics listing the known ones.
func MustActivationByName(name string) *Activation {
	ctor, found := KnownActivations[name]
	if !found {
		exceptions.Panicf("unknown activation %q, known ones are %v", name, xslices.SortedKeys(KnownActivations))
	}
	return ctor()
}

// Name returns the activation's registered name.
func (a *Activation) Name() string { return a.name }

// Parameters implements Module: activations have none.
func (a *Activation) Parameters() []*tensors.Tensor { return nil }

// Forward implements Module. The saved context is the output itself.
func (a *Activation) Forward(input *tensors.Tensor) (*tensors.Tensor, any, error) {
	if input == nil {
		return nil, nil, errors.Errorf("%s: nil input", a.name)
	}
	dtype := input.DType()
	if dtype != shapes.Float32 && dtype != shapes.Float64 {
		return nil, nil, errors.Errorf("%s: unsupported dtype %s", a.name, dtype)
	}
	output := tensors.FromShape(input.Shape())
	switch dtype {
	case shapes.Float32:
		elementwise[float32](input, output, a.fn)
	case shapes.Float64:
		elementwise[float64](input, output, a.fn)
	}
	return output, output, nil
}

// Backward implements Module: gradInput = gradOutput ⊙ grad(output).
func (a *Activation) Backward(saved any, gradOutput *tensors.Tensor) (*tensors.Tensor, []*tensors.Tensor, error) {
	output, ok := saved.(*tensors.Tensor)
	if !ok {
		return nil, nil, errors.Errorf("%s: saved context is %T, not a tensor", a.name, saved)
	}
	if !gradOutput.Shape().Equal(output.Shape()) {
		return nil, nil, errors.Errorf("%s: gradOutput shaped %s, want %s", a.name, gradOutput.Shape(), output.Shape())
	}
	gradInput := tensors.FromShape(output.Shape())
	switch output.DType() {
	case shapes.Float32:
		backwardElementwise[float32](output, gradOutput, gradInput, a.grad)
	case shapes.Float64:
		backwardElementwise[float64](output, gradOutput, gradInput, a.grad)
	}
	return gradInput, nil, nil
}

func elementwise[T shapes.GoFloat](input, output *tensors.Tensor, fn func(x float64) float64) {
	tensors.ConstFlatData[T](input, func(in []T) {
		tensors.MutableFlatData[T](output, func(out []T) {
			for ii, v := range in {
				out[ii] = T(fn(float64(v)))
			}
		})
	})
}

func backwardElementwise[T shapes.GoFloat](output, gradOutput, gradInput *tensors.Tensor, grad func(y float64) float64) {
	tensors.ConstFlatData[T](output, func(y []T) {
		tensors.ConstFlatData[T](gradOutput, func(gy []T) {
			tensors.MutableFlatData[T](gradInput, func(gx []T) {
				for ii, v := range y {
					gx[ii] = gy[ii] * T(grad(float64(v)))
				}
			})
		})
	})
}
