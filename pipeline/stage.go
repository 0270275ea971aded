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

package pipeline

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/PluralisResearch/AsyncPP/optimizers"
	"github.com/PluralisResearch/AsyncPP/types/shapes"
	"github.com/PluralisResearch/AsyncPP/types/tensors"
)

// savedActivation is what the executor retains between a microbatch's
// forward and backward pass: the module's opaque context and the version
// the forward ran at.
type savedActivation struct {
	saved   any
	version int64
}

// executor runs one stage's compute and optimizer bookkeeping. It owns the
// saved forward contexts, the gradient accumulator and the optional weight
// stash; the scheduler loop calls it from a single goroutine.
type executor struct {
	stage  int
	module Module
	opt    optimizers.Optimizer
	ledger *Ledger
	loss   LossFunc
	trace  *TraceRecorder

	saved map[int]savedActivation

	accumTarget int
	accumCount  int
	accumGrads  []*tensors.Tensor
	// Version of the first gradient of the accumulation cycle. Backwards
	// retire in forward order and versions never decrease, so the first is
	// the oldest.
	accumVersion int64

	stashing  bool
	stash     map[int64][]*tensors.Tensor
	stashRefs map[int64]int
}

func newExecutor(stage int, module Module, opt optimizers.Optimizer, ledger *Ledger,
	accumTarget int, stashing bool, trace *TraceRecorder) *executor {
	e := &executor{
		stage:       stage,
		module:      module,
		opt:         opt,
		ledger:      ledger,
		trace:       trace,
		saved:       make(map[int]savedActivation),
		accumTarget: accumTarget,
		stashing:    stashing,
	}
	if stashing {
		e.stash = make(map[int64][]*tensors.Tensor)
		e.stashRefs = make(map[int64]int)
	}
	return e
}

// runForward executes the forward pass for microbatch mb, tagging it with
// the installed parameter version and retaining the module's saved context
// until the backward pass.
func (e *executor) runForward(mb int, input *tensors.Tensor) (output *tensors.Tensor, version int64, err error) {
	version = e.ledger.TagForward(mb)
	if e.stashing {
		if _, found := e.stash[version]; !found {
			e.stash[version] = cloneAll(e.module.Parameters())
		}
		e.stashRefs[version]++
	}
	output, saved, err := e.module.Forward(input)
	if err != nil {
		return nil, 0, &ComputeError{Stage: e.stage, Mb: mb, Phase: "forward", Err: err}
	}
	e.saved[mb] = savedActivation{saved: saved, version: version}
	e.record(ScheduleEntry{Stage: e.stage, Kind: EntryForward, Mb: mb, Version: version})
	return output, version, nil
}

// runLoss closes the forward pass at the last stage: loss value for the
// sink plus the gradient seeding the backward pass.
func (e *executor) runLoss(mb int, output, target *tensors.Tensor) (loss float64, grad *tensors.Tensor, err error) {
	loss, grad, err = e.loss(output, target)
	if err != nil {
		return 0, nil, &ComputeError{Stage: e.stage, Mb: mb, Phase: "loss", Err: err}
	}
	return loss, grad, nil
}

// runBackward executes the backward pass for microbatch mb, retires its
// ledger entry and folds the parameter gradients into the accumulator. The
// returned gradInput goes to the previous stage; producedAt is the version
// the microbatch's forward ran at.
func (e *executor) runBackward(mb int, gradOutput *tensors.Tensor) (gradInput *tensors.Tensor, producedAt int64, err error) {
	sc, found := e.saved[mb]
	if !found {
		return nil, 0, errors.Errorf("stage %d: gradient for microbatch %d but no saved forward context", e.stage, mb)
	}
	delete(e.saved, mb)

	var paramGrads []*tensors.Tensor
	if e.stashing && sc.version != e.ledger.CurrentVersion() {
		gradInput, paramGrads, err = e.backwardWithStash(sc, gradOutput)
	} else {
		gradInput, paramGrads, err = e.module.Backward(sc.saved, gradOutput)
	}
	if err != nil {
		return nil, 0, &ComputeError{Stage: e.stage, Mb: mb, Phase: "backward", Err: err}
	}

	producedAt, err = e.ledger.Retire(mb)
	if err != nil {
		return nil, 0, err
	}
	if producedAt != sc.version {
		return nil, 0, errors.Errorf("stage %d: microbatch %d saved at version %d but the ledger tagged it %d",
			e.stage, mb, sc.version, producedAt)
	}
	e.dropStashRef(sc.version)

	if e.accumCount == 0 {
		e.accumGrads = paramGrads
		e.accumVersion = producedAt
	} else {
		for ii, grad := range paramGrads {
			if err := addInto(e.accumGrads[ii], grad); err != nil {
				return nil, 0, errors.WithMessagef(err, "stage %d accumulating gradients", e.stage)
			}
		}
	}
	e.accumCount++

	e.record(ScheduleEntry{Stage: e.stage, Kind: EntryBackward, Mb: mb, Version: producedAt})
	return gradInput, producedAt, nil
}

// backwardWithStash swaps the stashed parameter values of the activation's
// version in for the duration of the backward pass, so the gradients are
// computed against the same weights the forward saw.
func (e *executor) backwardWithStash(sc savedActivation, gradOutput *tensors.Tensor) (*tensors.Tensor, []*tensors.Tensor, error) {
	stashed, found := e.stash[sc.version]
	if !found {
		return nil, nil, errors.Errorf("stage %d: no stashed parameters for version %d", e.stage, sc.version)
	}
	params := e.module.Parameters()
	installed := cloneAll(params)
	copyAll(params, stashed)
	gradInput, paramGrads, err := e.module.Backward(sc.saved, gradOutput)
	copyAll(params, installed)
	return gradInput, paramGrads, err
}

func (e *executor) dropStashRef(version int64) {
	if !e.stashing {
		return
	}
	e.stashRefs[version]--
	if e.stashRefs[version] <= 0 {
		delete(e.stashRefs, version)
		delete(e.stash, version)
	}
}

// applyStep runs the optimizer once the accumulation target is reached,
// incrementing the parameter version. With force it also applies a partial
// accumulation, which happens once at drain time. A non-finite update is
// logged and its deltas skipped; the version increments regardless, keeping
// the ledger contiguous.
func (e *executor) applyStep(force bool) (stepped bool, err error) {
	if e.accumCount == 0 || (e.accumCount < e.accumTarget && !force) {
		return false, nil
	}
	if e.accumCount > 1 {
		factor := 1 / float64(e.accumCount)
		for _, grad := range e.accumGrads {
			scaleInPlace(grad, factor)
		}
	}
	current := e.ledger.CurrentVersion()
	err = e.opt.Step(e.module.Parameters(), e.accumGrads, e.accumVersion, current)
	if err != nil {
		var numeric *optimizers.NumericError
		if !errors.As(err, &numeric) {
			return false, errors.WithMessagef(err, "stage %d optimizer step at version %d", e.stage, current)
		}
		klog.Warningf("stage %d: non-finite update for parameter(s) %v at version %d, deltas skipped",
			e.stage, numeric.Params, current)
	}
	version := e.ledger.RecordStep()
	e.accumGrads = nil
	e.accumCount = 0
	e.record(ScheduleEntry{Stage: e.stage, Kind: EntryStep, Version: version})
	return true, nil
}

func (e *executor) record(entry ScheduleEntry) {
	if e.trace != nil {
		e.trace.record(entry)
	}
	if klog.V(2).Enabled() {
		klog.Infof("schedule: %s", entry)
	}
}

func cloneAll(ts []*tensors.Tensor) []*tensors.Tensor {
	clones := make([]*tensors.Tensor, len(ts))
	for ii, t := range ts {
		clones[ii] = t.Clone()
	}
	return clones
}

func copyAll(dst, src []*tensors.Tensor) {
	for ii, t := range dst {
		t.CopyFrom(src[ii])
	}
}

// addInto adds src into dst elementwise. Both must be float tensors of the
// same shape.
func addInto(dst, src *tensors.Tensor) error {
	if !dst.Shape().Equal(src.Shape()) {
		return errors.Errorf("cannot accumulate %s into %s", src.Shape(), dst.Shape())
	}
	switch dst.DType() {
	case shapes.Float32:
		tensors.MutableFlatData[float32](dst, func(dstFlat []float32) {
			tensors.ConstFlatData[float32](src, func(srcFlat []float32) {
				for ii, v := range srcFlat {
					dstFlat[ii] += v
				}
			})
		})
	case shapes.Float64:
		tensors.MutableFlatData[float64](dst, func(dstFlat []float64) {
			tensors.ConstFlatData[float64](src, func(srcFlat []float64) {
				for ii, v := range srcFlat {
					dstFlat[ii] += v
				}
			})
		})
	default:
		return errors.Errorf("cannot accumulate gradients of dtype %s", dst.DType())
	}
	return nil
}

// scaleInPlace multiplies every element of t by factor.
func scaleInPlace(t *tensors.Tensor, factor float64) {
	switch t.DType() {
	case shapes.Float32:
		tensors.MutableFlatData[float32](t, func(flat []float32) {
			f := float32(factor)
			for ii := range flat {
				flat[ii] *= f
			}
		})
	case shapes.Float64:
		tensors.MutableFlatData[float64](t, func(flat []float64) {
			for ii := range flat {
				flat[ii] *= factor
			}
		})
	}
}
