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

// Package pipeline implements the asynchronous pipeline-parallel training
// runtime: per-stage scheduler loops, the version ledger that bounds
// gradient staleness, the stage executor that runs the model partitions,
// and the run coordinator that drives injection, draining and stopping.
//
// A model is split into sequential stages, each owning a contiguous slice
// of layers (a Module). Microbatches flow left to right as activations and
// right to left as gradients; each stage steps its own optimizer and its
// own parameter version, synchronized with nothing but the bounded
// transport windows. The same machine covers the synchronous (GPipe-style)
// and asynchronous regimes, selected by the SchedulePolicy.
//
// A minimal run:
//
//	coord := pipeline.Build(transports, modules, losses.MSE()).
//		Policy(pipeline.Asynchronous(2)).
//		Optimizer(optimizers.NAdamW().LearningRate(0.01)).
//		Done()
//	err := coord.Run(dataset)
package pipeline

import (
	"fmt"

	"github.com/PluralisResearch/AsyncPP/types/tensors"
)

// Module is one model partition: the compute collaborator a stage drives.
// The runtime treats tensors as opaque fixed-shape payloads; shape and
// dtype agreement between adjacent partitions is the model's concern.
//
// Forward returns the stage output plus an opaque saved context holding
// whatever the backward pass needs (typically the input and intermediate
// activations). The runtime stores the context keyed by microbatch between
// the two calls and never inspects it.
//
// Backward consumes the saved context and the gradient of the loss with
// respect to the stage output, returning the gradient with respect to the
// stage input (sent to the previous stage) and the gradients of the
// stage's parameters, ordered as Parameters().
//
// Parameters returns the parameter tensors themselves, not copies: the
// optimizer mutates them in place during a step. Modules must not mutate
// parameters on their own.
type Module interface {
	Forward(input *tensors.Tensor) (output *tensors.Tensor, saved any, err error)
	Backward(saved any, gradOutput *tensors.Tensor) (gradInput *tensors.Tensor, paramGrads []*tensors.Tensor, err error)
	Parameters() []*tensors.Tensor
}

// LossFunc closes the pipeline at the last stage: it consumes the final
// stage output and the target for one microbatch and returns the scalar
// loss plus the gradient of the loss with respect to the output, which the
// last stage feeds to its own backward pass.
type LossFunc func(output, target *tensors.Tensor) (loss float64, grad *tensors.Tensor, err error)

// Dataset provides the training data, one microbatch at a time.
type Dataset interface {
	// Name identifies the dataset. Used for pretty-printing and plots.
	Name() string

	// Reset restarts the dataset from the beginning. Called after io.EOF
	// when the driver runs more than one epoch.
	Reset()

	// Yield returns the next microbatch input and its target, or io.EOF at
	// the end of the data. Ownership of the tensors transfers to the caller.
	Yield() (input, target *tensors.Tensor, err error)
}

// Output is one drained result from the last stage: the forward output and
// loss for one microbatch.
type Output struct {
	Mb     int
	Loss   float64
	Output *tensors.Tensor
}

// SchedulePolicy parameterizes the per-stage scheduler machine. The same
// machine runs both classic regimes; only the numbers differ.
type SchedulePolicy struct {
	// Window bounds in-flight microbatches per stage and outstanding
	// payloads per transport channel.
	Window int

	// Accumulate is the number of backward passes folded into one optimizer
	// step: 1 applies every backward immediately, larger values defer the
	// step until that many gradients accumulated.
	Accumulate int
}

// Synchronous returns the GPipe-style policy: the window spans all
// microbatches of a step and the optimizer step waits for every one of
// them to finish its backward pass, giving staleness zero and a pipeline
// bubble.
func Synchronous(microbatchesPerStep int) SchedulePolicy {
	return SchedulePolicy{Window: microbatchesPerStep, Accumulate: microbatchesPerStep}
}

// Asynchronous returns the bubble-free policy: a small window keeps a few
// microbatches in flight and every backward pass steps immediately, so
// gradients carry staleness bounded by the window.
func Asynchronous(window int) SchedulePolicy {
	return SchedulePolicy{Window: window, Accumulate: 1}
}

// EntryKind distinguishes the three atomic scheduler decisions.
type EntryKind uint8

const (
	EntryForward EntryKind = iota
	EntryBackward
	EntryStep
)

// String implements fmt.Stringer.
func (k EntryKind) String() string {
	switch k {
	case EntryForward:
		return "FORWARD"
	case EntryBackward:
		return "BACKWARD"
	case EntryStep:
		return "STEP"
	}
	return fmt.Sprintf("EntryKind(%d)", int(k))
}

// ScheduleEntry is one executed scheduler decision, as recorded by a
// TraceRecorder: which stage ran what on which microbatch, at which
// parameter version.
type ScheduleEntry struct {
	Stage   int
	Kind    EntryKind
	Mb      int
	Version int64
}

// String implements fmt.Stringer.
func (e ScheduleEntry) String() string {
	if e.Kind == EntryStep {
		return fmt.Sprintf("STEP@stage%d->v%d", e.Stage, e.Version)
	}
	return fmt.Sprintf("%s(mb%d)@stage%d v%d", e.Kind, e.Mb, e.Stage, e.Version)
}
