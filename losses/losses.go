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

// Package losses implements the loss functions that close the pipeline at
// the last stage.
//
// A loss consumes the final stage output and the target for one microbatch
// and returns the scalar loss plus the gradient of the loss with respect to
// the output -- the gradient that seeds the backward pass flowing back
// through the stages. All losses here share the signature of
// pipeline.LossFunc and can be passed to pipeline.Build directly.
package losses

import (
	"math"

	"github.com/pkg/errors"

	"github.com/PluralisResearch/AsyncPP/types/shapes"
	"github.com/PluralisResearch/AsyncPP/types/tensors"
)

// LossFunc mirrors pipeline.LossFunc, so this package doesn't need to import
// the pipeline.
type LossFunc = func(output, target *tensors.Tensor) (loss float64, grad *tensors.Tensor, err error)

// MeanSquaredError returns the mean squared error between target and output,
// and its gradient 2*(output-target)/n.
//
// output and target must have the same shape, of dtype Float32 or Float64.
func MeanSquaredError(output, target *tensors.Tensor) (loss float64, grad *tensors.Tensor, err error) {
	if err = checkLossOperands("MeanSquaredError", output, target); err != nil {
		return
	}
	grad = tensors.FromShape(output.Shape())
	loss = perElement(output, target, grad, func(diff float64, n int) (loss, grad float64) {
		return diff * diff, 2 * diff / float64(n)
	})
	return
}

// MeanAbsoluteError returns the mean absolute error between target and
// output, and its gradient sign(output-target)/n.
//
// output and target must have the same shape, of dtype Float32 or Float64.
func MeanAbsoluteError(output, target *tensors.Tensor) (loss float64, grad *tensors.Tensor, err error) {
	if err = checkLossOperands("MeanAbsoluteError", output, target); err != nil {
		return
	}
	grad = tensors.FromShape(output.Shape())
	loss = perElement(output, target, grad, func(diff float64, n int) (loss, grad float64) {
		return math.Abs(diff), sign(diff) / float64(n)
	})
	return
}

// MakeHuberLoss returns a Huber loss: quadratic for residuals smaller than
// delta, linear beyond it. It is less sensitive to outliers than
// MeanSquaredError, while remaining smooth around zero.
//
// See https://en.wikipedia.org/wiki/Huber_loss
func MakeHuberLoss(delta float64) LossFunc {
	if delta <= 0 {
		delta = 1
	}
	return func(output, target *tensors.Tensor) (loss float64, grad *tensors.Tensor, err error) {
		if err = checkLossOperands("HuberLoss", output, target); err != nil {
			return
		}
		grad = tensors.FromShape(output.Shape())
		loss = perElement(output, target, grad, func(diff float64, n int) (loss, grad float64) {
			if abs := math.Abs(diff); abs <= delta {
				return 0.5 * diff * diff, diff / float64(n)
			} else {
				return delta * (abs - 0.5*delta), delta * sign(diff) / float64(n)
			}
		})
		return
	}
}

func checkLossOperands(name string, output, target *tensors.Tensor) error {
	if target == nil {
		return errors.Errorf("%s: no target was provided for the microbatch", name)
	}
	if !output.Shape().Equal(target.Shape()) {
		return errors.Errorf("%s: output shape %s and target shape %s must match", name, output.Shape(), target.Shape())
	}
	if dtype := output.DType(); dtype != shapes.Float32 && dtype != shapes.Float64 {
		return errors.Errorf("%s: only defined for Float32 or Float64, got %s", name, dtype)
	}
	return nil
}

// perElement accumulates the mean of elementFn's loss over all elements and
// fills grad with its gradients. elementFn receives output-target and the
// element count.
func perElement(output, target, grad *tensors.Tensor,
	elementFn func(diff float64, n int) (loss, grad float64)) float64 {
	var sum float64
	n := output.Size()
	switch output.DType() {
	case shapes.Float32:
		tensors.ConstFlatData[float32](output, func(out []float32) {
			tensors.ConstFlatData[float32](target, func(tgt []float32) {
				tensors.MutableFlatData[float32](grad, func(g []float32) {
					for ii := range out {
						l, d := elementFn(float64(out[ii])-float64(tgt[ii]), n)
						sum += l
						g[ii] = float32(d)
					}
				})
			})
		})
	case shapes.Float64:
		tensors.ConstFlatData[float64](output, func(out []float64) {
			tensors.ConstFlatData[float64](target, func(tgt []float64) {
				tensors.MutableFlatData[float64](grad, func(g []float64) {
					for ii := range out {
						l, d := elementFn(out[ii]-tgt[ii], n)
						sum += l
						g[ii] = d
					}
				})
			})
		})
	}
	return sum / float64(n)
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
