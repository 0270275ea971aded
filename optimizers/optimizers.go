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

// Package optimizers implements the parameter update rules applied at each
// pipeline STEP: a staleness-compensated NAdamW and a plain SGD baseline,
// plus composable learning rate schedules.
//
// Each pipeline stage owns one Optimizer instance holding the moment buffers
// for that stage's parameters. The optimizer receives the accumulated
// (averaged) gradients for a step together with the parameter version the
// gradients were produced at and the version currently installed; the
// difference between the two is the staleness the update rule may
// compensate for.
package optimizers

import (
	"encoding/gob"
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/PluralisResearch/AsyncPP/types/shapes"
	"github.com/PluralisResearch/AsyncPP/types/tensors"
	"github.com/PluralisResearch/AsyncPP/types/xslices"
)

// Optimizer updates stage parameters in place, once per STEP.
//
// Implementations keep per-parameter state (moments, velocity) across calls,
// keyed by position: every Step call must pass the same parameter tensors in
// the same order. The caller retains ownership of params and grads; the
// optimizer only writes to params during Step (the "mutable borrow" of the
// stage's parameters for the duration of the call).
type Optimizer interface {
	// Step applies one update to params given grads, which were produced at
	// parameter version producedAt while the currently installed version is
	// current (current >= producedAt; the difference is the staleness).
	//
	// A returned NumericError means the update delta of the reported
	// parameters was skipped (non-finite values); the step still counts and
	// the caller must still advance its parameter version.
	Step(params, grads []*tensors.Tensor, producedAt, current int64) error

	// Clear drops all internal optimizer state.
	Clear()
}

// Factory builds a fresh Optimizer. The config types (NAdamWConfig,
// SGDConfig) implement it, so a configured builder can be handed to each
// stage to create its own instance.
type Factory interface {
	Done() Optimizer
}

// Serializable is implemented by optimizers whose internal state (step
// counter and moment buffers) can be written to a checkpoint and restored.
// Both NAdamW and SGD implement it.
type Serializable interface {
	GobSerialize(encoder *gob.Encoder) error
	GobDeserialize(decoder *gob.Decoder) error
}

// KnownOptimizers maps the optimizer names accepted in flags and configs to
// factories with default hyperparameters.
var KnownOptimizers = map[string]func() Optimizer{
	"nadamw": func() Optimizer { return NAdamW().Done() },
	"sgd":    func() Optimizer { return SGD().Done() },
}

// MustOptimizerByName returns a new optimizer of the given registered name,
// or panics listing the known ones.
func MustOptimizerByName(name string) Optimizer {
	factory, found := KnownOptimizers[name]
	if !found {
		exceptions.Panicf("unknown optimizer %q, known ones are %v", name, xslices.SortedKeys(KnownOptimizers))
	}
	return factory()
}

// NumericError reports that the update delta of one or more parameters came
// out non-finite and was skipped. The step itself still counts.
type NumericError struct {
	// Params holds the indices of the parameters whose delta was skipped.
	Params []int
}

// Error implements the error interface.
func (e *NumericError) Error() string {
	return fmt.Sprintf("optimizer update was non-finite for parameter(s) %v, delta skipped", e.Params)
}

// StalenessError reports a gradient staler than the configured bound. The
// scheduler prevents this by stalling forwards, so one surfacing from the
// optimizer indicates a scheduling bug and is not recoverable.
type StalenessError struct {
	Staleness, Max int64
}

// Error implements the error interface.
func (e *StalenessError) Error() string {
	return fmt.Sprintf("gradient staleness %d exceeds the configured maximum %d", e.Staleness, e.Max)
}

func checkStep(params, grads []*tensors.Tensor, producedAt, current int64) error {
	if len(params) != len(grads) {
		return errors.Errorf("Step() got %d params and %d grads", len(params), len(grads))
	}
	if producedAt > current {
		return errors.Errorf("Step() got producedAt version %d ahead of current version %d", producedAt, current)
	}
	for ii, param := range params {
		if !param.Shape().Equal(grads[ii].Shape()) {
			return errors.Errorf("parameter #%d has shape %s but its gradient has shape %s",
				ii, param.Shape(), grads[ii].Shape())
		}
		if dtype := param.DType(); dtype != shapes.Float32 && dtype != shapes.Float64 {
			return errors.Errorf("parameter #%d has dtype %s, optimizers update Float32 or Float64 parameters",
				ii, dtype)
		}
	}
	return nil
}

// globalNorm returns the L2 norm over all gradient elements of all
// parameters, used for gradient clipping.
func globalNorm(grads []*tensors.Tensor) float64 {
	var sumSquares float64
	for _, grad := range grads {
		switch grad.DType() {
		case shapes.Float32:
			tensors.ConstFlatData[float32](grad, func(flat []float32) {
				for _, v := range flat {
					sumSquares += float64(v) * float64(v)
				}
			})
		case shapes.Float64:
			tensors.ConstFlatData[float64](grad, func(flat []float64) {
				for _, v := range flat {
					sumSquares += v * v
				}
			})
		}
	}
	return math.Sqrt(sumSquares)
}

// clipFactor returns the factor gradients must be scaled by so their global
// norm doesn't exceed maxNorm. Returns 1 when no clipping applies.
func clipFactor(grads []*tensors.Tensor, maxNorm float64) float64 {
	if maxNorm <= 0 {
		return 1
	}
	norm := globalNorm(grads)
	if norm <= maxNorm || norm == 0 {
		return 1
	}
	return maxNorm / norm
}

// readFlat64 copies the tensor values into dst, converting to float64.
// dst must have the tensor's size; the tensor must be Float32 or Float64
// (checkStep enforces that before any state is touched).
func readFlat64(t *tensors.Tensor, dst []float64) {
	switch t.DType() {
	case shapes.Float32:
		tensors.ConstFlatData[float32](t, func(flat []float32) {
			for ii, v := range flat {
				dst[ii] = float64(v)
			}
		})
	case shapes.Float64:
		tensors.ConstFlatData[float64](t, func(flat []float64) {
			copy(dst, flat)
		})
	}
}

// writeFlat64 copies src back into the tensor, converting from float64.
func writeFlat64(t *tensors.Tensor, src []float64) {
	switch t.DType() {
	case shapes.Float32:
		tensors.MutableFlatData[float32](t, func(flat []float32) {
			for ii, v := range src {
				flat[ii] = float32(v)
			}
		})
	case shapes.Float64:
		tensors.MutableFlatData[float64](t, func(flat []float64) {
			copy(flat, src)
		})
	}
}
