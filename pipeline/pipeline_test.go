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
	"io"
	"math/rand"
	"slices"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PluralisResearch/AsyncPP/losses"
	"github.com/PluralisResearch/AsyncPP/optimizers"
	"github.com/PluralisResearch/AsyncPP/transport"
	"github.com/PluralisResearch/AsyncPP/transport/local"
	"github.com/PluralisResearch/AsyncPP/types/tensors"
)

// scaleModule multiplies its input elementwise by a single scalar weight,
// the smallest possible stage: output = w*x, dL/dx = w*dL/dy, dL/dw =
// sum(dL/dy * x).
type scaleModule struct {
	weight *tensors.Tensor
}

func newScaleModule(w float64) *scaleModule {
	return &scaleModule{weight: tensors.FromScalar(w)}
}

func (m *scaleModule) weightValue() (w float64) {
	tensors.ConstFlatData[float64](m.weight, func(flat []float64) { w = flat[0] })
	return
}

func (m *scaleModule) Forward(input *tensors.Tensor) (*tensors.Tensor, any, error) {
	w := m.weightValue()
	output := tensors.FromShape(input.Shape())
	tensors.ConstFlatData[float64](input, func(in []float64) {
		tensors.MutableFlatData[float64](output, func(out []float64) {
			for ii, v := range in {
				out[ii] = w * v
			}
		})
	})
	return output, input, nil
}

func (m *scaleModule) Backward(saved any, gradOutput *tensors.Tensor) (*tensors.Tensor, []*tensors.Tensor, error) {
	input := saved.(*tensors.Tensor)
	w := m.weightValue()
	gradInput := tensors.FromShape(gradOutput.Shape())
	var gradW float64
	tensors.ConstFlatData[float64](gradOutput, func(g []float64) {
		tensors.ConstFlatData[float64](input, func(in []float64) {
			tensors.MutableFlatData[float64](gradInput, func(gi []float64) {
				for ii, v := range g {
					gi[ii] = w * v
					gradW += v * in[ii]
				}
			})
		})
	})
	return gradInput, []*tensors.Tensor{tensors.FromScalar(gradW)}, nil
}

func (m *scaleModule) Parameters() []*tensors.Tensor { return []*tensors.Tensor{m.weight} }

// scalePipeline assembles one scaleModule per weight, connected over a local
// fabric.
func scalePipeline(window int, weights ...float64) (mods []*scaleModule, transports []transport.Transport, modules []Module) {
	fabric := local.NewFabric(len(weights), window)
	for ii, w := range weights {
		mod := newScaleModule(w)
		mods = append(mods, mod)
		modules = append(modules, mod)
		transports = append(transports, fabric.Endpoint(transport.Rank(ii)))
	}
	return
}

// sliceDataset yields [1]-shaped float64 microbatches from two slices.
type sliceDataset struct {
	name    string
	inputs  []float64
	targets []float64
	next    int
}

func (ds *sliceDataset) Name() string { return ds.name }

func (ds *sliceDataset) Reset() { ds.next = 0 }

func (ds *sliceDataset) Yield() (input, target *tensors.Tensor, err error) {
	if ds.next >= len(ds.inputs) {
		return nil, nil, io.EOF
	}
	input = tensors.FromFlatDataAndDimensions([]float64{ds.inputs[ds.next]}, 1)
	target = tensors.FromFlatDataAndDimensions([]float64{ds.targets[ds.next]}, 1)
	ds.next++
	return input, target, nil
}

// drainAll consumes outputs until the run finishes.
func drainAll(t *testing.T, coord *Coordinator) []Output {
	t.Helper()
	var outs []Output
	for {
		out, err := coord.Drain()
		if errors.Is(err, io.EOF) {
			return outs
		}
		require.NoError(t, err)
		outs = append(outs, out)
	}
}

func scalarOf(t *testing.T, tensor *tensors.Tensor) (v float64) {
	t.Helper()
	require.Equal(t, 1, tensor.Size())
	tensors.ConstFlatData[float64](tensor, func(flat []float64) { v = flat[0] })
	return
}

// checkStageSchedule validates one stage's recorded schedule: forwards and
// backwards in microbatch order, backward after its forward, the in-flight
// capacity never exceeded, versions consistent and contiguous, staleness
// within bound. Returns the number of optimizer steps.
func checkStageSchedule(t *testing.T, entries []ScheduleEntry, capacity int, maxStaleness int64) (numSteps int) {
	t.Helper()
	var steps int64
	inFlight := 0
	nextForward, nextBackward := 0, 0
	forwardVersion := make(map[int]int64)
	for _, entry := range entries {
		switch entry.Kind {
		case EntryForward:
			assert.Equal(t, nextForward, entry.Mb, "forwards must run in microbatch order")
			nextForward++
			inFlight++
			assert.LessOrEqual(t, inFlight, capacity, "in-flight microbatches exceeded the capacity")
			assert.Equal(t, steps, entry.Version, "forward must be tagged with the installed version")
			forwardVersion[entry.Mb] = entry.Version
		case EntryBackward:
			assert.Equal(t, nextBackward, entry.Mb, "backwards must retire in forward order")
			nextBackward++
			inFlight--
			tagged, found := forwardVersion[entry.Mb]
			require.True(t, found, "backward for microbatch %d without a forward", entry.Mb)
			assert.Equal(t, tagged, entry.Version)
			staleness := steps - entry.Version
			assert.GreaterOrEqual(t, staleness, int64(0))
			assert.LessOrEqual(t, staleness, maxStaleness, "staleness bound violated at microbatch %d", entry.Mb)
		case EntryStep:
			steps++
			assert.Equal(t, steps, entry.Version, "steps must produce contiguous versions")
		}
	}
	assert.Equal(t, nextForward, nextBackward, "every forward must be retired by a backward")
	assert.Zero(t, inFlight)
	return int(steps)
}

func TestSingleStageAsynchronousExactTrace(t *testing.T) {
	mods, transports, modules := scalePipeline(1, 2.0)
	trace := NewTraceRecorder()
	coord := Build(transports, modules, losses.MeanSquaredError).
		Policy(Asynchronous(1)).
		Optimizer(optimizers.SGD().LearningRate(0.1)).
		Trace(trace).
		Done()

	require.NoError(t, coord.Start())
	for mb, x := range []float64{1, 2, 3} {
		input := tensors.FromFlatDataAndDimensions([]float64{x}, 1)
		target := tensors.FromFlatDataAndDimensions([]float64{0}, 1)
		require.NoError(t, coord.Inject(mb, input, target))
	}
	coord.SignalStop()
	outs := drainAll(t, coord)
	require.NoError(t, coord.Wait())

	// With every backward stepping immediately: w 2 -> 1.6 -> 0.32 -> -0.256.
	require.Len(t, outs, 3)
	wantLosses := []float64{4, 10.24, 0.9216}
	wantOutputs := []float64{2, 3.2, 0.96}
	for mb, out := range outs {
		assert.Equal(t, mb, out.Mb)
		assert.InDelta(t, wantLosses[mb], out.Loss, 1e-9)
		assert.InDelta(t, wantOutputs[mb], scalarOf(t, out.Output), 1e-9)
	}
	assert.InDelta(t, -0.256, mods[0].weightValue(), 1e-9)
	assert.Equal(t, []int64{3}, coord.Versions())

	want := []ScheduleEntry{
		{Stage: 0, Kind: EntryForward, Mb: 0, Version: 0},
		{Stage: 0, Kind: EntryBackward, Mb: 0, Version: 0},
		{Stage: 0, Kind: EntryStep, Version: 1},
		{Stage: 0, Kind: EntryForward, Mb: 1, Version: 1},
		{Stage: 0, Kind: EntryBackward, Mb: 1, Version: 1},
		{Stage: 0, Kind: EntryStep, Version: 2},
		{Stage: 0, Kind: EntryForward, Mb: 2, Version: 2},
		{Stage: 0, Kind: EntryBackward, Mb: 2, Version: 2},
		{Stage: 0, Kind: EntryStep, Version: 3},
	}
	assert.Equal(t, want, trace.Stage(0))
}

func TestSingleStageSynchronousExactTrace(t *testing.T) {
	mods, transports, modules := scalePipeline(3, 2.0)
	trace := NewTraceRecorder()
	coord := Build(transports, modules, losses.MeanSquaredError).
		Policy(Synchronous(3)).
		Optimizer(optimizers.SGD().LearningRate(0.1)).
		Trace(trace).
		Done()

	require.NoError(t, coord.Start())
	for mb, x := range []float64{1, 2, 3} {
		input := tensors.FromFlatDataAndDimensions([]float64{x}, 1)
		target := tensors.FromFlatDataAndDimensions([]float64{0}, 1)
		require.NoError(t, coord.Inject(mb, input, target))
	}
	coord.SignalStop()
	outs := drainAll(t, coord)
	require.NoError(t, coord.Wait())

	// All three forwards run at w=2, the single step applies the averaged
	// gradient: w = 2 - 0.1*(4+16+36)/3.
	require.Len(t, outs, 3)
	wantLosses := []float64{4, 16, 36}
	for mb, out := range outs {
		assert.Equal(t, mb, out.Mb)
		assert.InDelta(t, wantLosses[mb], out.Loss, 1e-9)
	}
	assert.InDelta(t, 2-5.6/3, mods[0].weightValue(), 1e-9)
	assert.Equal(t, []int64{1}, coord.Versions())

	want := []ScheduleEntry{
		{Stage: 0, Kind: EntryForward, Mb: 0, Version: 0},
		{Stage: 0, Kind: EntryBackward, Mb: 0, Version: 0},
		{Stage: 0, Kind: EntryForward, Mb: 1, Version: 0},
		{Stage: 0, Kind: EntryBackward, Mb: 1, Version: 0},
		{Stage: 0, Kind: EntryForward, Mb: 2, Version: 0},
		{Stage: 0, Kind: EntryBackward, Mb: 2, Version: 0},
		{Stage: 0, Kind: EntryStep, Version: 1},
	}
	assert.Equal(t, want, trace.Stage(0))
}

func TestTwoStageSynchronousSchedule(t *testing.T) {
	mods, transports, modules := scalePipeline(2, 2.0, 3.0)
	trace := NewTraceRecorder()
	coord := Build(transports, modules, losses.MeanSquaredError).
		Policy(Synchronous(2)).
		Optimizer(optimizers.SGD().LearningRate(0.01)).
		Trace(trace).
		Done()

	require.NoError(t, coord.Start())
	for mb, x := range []float64{1, 2} {
		input := tensors.FromFlatDataAndDimensions([]float64{x}, 1)
		target := tensors.FromFlatDataAndDimensions([]float64{0}, 1)
		require.NoError(t, coord.Inject(mb, input, target))
	}
	coord.SignalStop()
	outs := drainAll(t, coord)
	require.NoError(t, coord.Wait())

	require.Len(t, outs, 2)
	assert.InDelta(t, 36.0, outs[0].Loss, 1e-9)
	assert.InDelta(t, 144.0, outs[1].Loss, 1e-9)

	// One averaged step per stage: dL/dw1 = (24+96)/2, dL/dw0 = (36+144)/2.
	assert.InDelta(t, 2.4, mods[1].weightValue(), 1e-9)
	assert.InDelta(t, 1.1, mods[0].weightValue(), 1e-9)
	assert.Equal(t, []int64{1, 1}, coord.Versions())

	// The last stage holds mb0's loss gradient right after its forward, so
	// the backward preempts mb1's forward.
	wantLast := []ScheduleEntry{
		{Stage: 1, Kind: EntryForward, Mb: 0, Version: 0},
		{Stage: 1, Kind: EntryBackward, Mb: 0, Version: 0},
		{Stage: 1, Kind: EntryForward, Mb: 1, Version: 0},
		{Stage: 1, Kind: EntryBackward, Mb: 1, Version: 0},
		{Stage: 1, Kind: EntryStep, Version: 1},
	}
	assert.Equal(t, wantLast, trace.Stage(1))

	// Stage 0 normally fills the window with both forwards before the
	// backwards drain it (the synchronous bubble), but mb0's gradient may
	// arrive ahead of the second injection being picked up, in which case it
	// preempts. Both orders keep every forward at version 0 and the step
	// after both backwards.
	bubble := []ScheduleEntry{
		{Stage: 0, Kind: EntryForward, Mb: 0, Version: 0},
		{Stage: 0, Kind: EntryForward, Mb: 1, Version: 0},
		{Stage: 0, Kind: EntryBackward, Mb: 0, Version: 0},
		{Stage: 0, Kind: EntryBackward, Mb: 1, Version: 0},
		{Stage: 0, Kind: EntryStep, Version: 1},
	}
	preempted := []ScheduleEntry{
		{Stage: 0, Kind: EntryForward, Mb: 0, Version: 0},
		{Stage: 0, Kind: EntryBackward, Mb: 0, Version: 0},
		{Stage: 0, Kind: EntryForward, Mb: 1, Version: 0},
		{Stage: 0, Kind: EntryBackward, Mb: 1, Version: 0},
		{Stage: 0, Kind: EntryStep, Version: 1},
	}
	first := trace.Stage(0)
	if !slices.Equal(first, preempted) {
		assert.Equal(t, bubble, first)
	}
}

func TestAsynchronousScheduleInvariants(t *testing.T) {
	_, transports, modules := scalePipeline(2, 0.5, 1.5)
	trace := NewTraceRecorder()
	coord := Build(transports, modules, losses.MeanSquaredError).
		Policy(Asynchronous(2)).
		Optimizer(optimizers.SGD().LearningRate(0.01)).
		Trace(trace).
		Done()

	ds := &sliceDataset{
		name:    "ramp",
		inputs:  []float64{1, 2, 3, 4, 5, 6},
		targets: []float64{0, 0, 0, 0, 0, 0},
	}
	var outputs []Output
	coord.OnStep("collect", 0, func(_ *Coordinator, out Output) error {
		outputs = append(outputs, out)
		return nil
	})
	require.NoError(t, coord.Run(ds))

	require.Len(t, outputs, 6)
	for mb, out := range outputs {
		assert.Equal(t, mb, out.Mb, "results must drain in microbatch order")
	}
	for stage := 0; stage < 2; stage++ {
		steps := checkStageSchedule(t, trace.Stage(stage), 2, 1)
		assert.Equal(t, 6, steps, "stage %d must step once per backward", stage)
	}
	assert.Equal(t, []int64{6, 6}, coord.Versions())
	assert.Equal(t, int64(6), coord.Injected())
	assert.Equal(t, int64(6), coord.Drained())

	// 6 activations plus the drain marker forward, 6 gradients backward;
	// every payload is a single float64.
	stats := coord.TransportStats()
	assert.Equal(t, int64(7), stats[0].SentMessages)
	assert.Equal(t, int64(6), stats[0].RecvMessages)
	assert.Equal(t, int64(6), stats[1].SentMessages)
	assert.Equal(t, int64(7), stats[1].RecvMessages)
	assert.Equal(t, int64(48), stats[0].SentBytes)
	assert.Equal(t, int64(48), stats[1].SentBytes)
}

func TestRandomizedInjectionInvariants(t *testing.T) {
	_, transports, modules := scalePipeline(2, 0.9, 1.1)
	trace := NewTraceRecorder()
	coord := Build(transports, modules, losses.MeanSquaredError).
		Policy(Asynchronous(2)).
		Optimizer(optimizers.SGD().LearningRate(0.001)).
		Trace(trace).
		Done()
	require.NoError(t, coord.Start())

	// Injections arrive at uneven times relative to the stage loops; the
	// in-flight capacity and the staleness bound must hold regardless.
	const numMicrobatches = 40
	rng := rand.New(rand.NewSource(17))
	go func() {
		defer coord.SignalStop()
		for mb := 0; mb < numMicrobatches; mb++ {
			time.Sleep(time.Duration(rng.Intn(300)) * time.Microsecond)
			input := tensors.FromFlatDataAndDimensions([]float64{float64(mb%7) - 3}, 1)
			target := tensors.FromFlatDataAndDimensions([]float64{0}, 1)
			if err := coord.Inject(mb, input, target); err != nil {
				return
			}
		}
	}()

	outs := drainAll(t, coord)
	require.NoError(t, coord.Wait())

	require.Len(t, outs, numMicrobatches)
	for mb, out := range outs {
		assert.Equal(t, mb, out.Mb)
	}
	for stage := 0; stage < 2; stage++ {
		steps := checkStageSchedule(t, trace.Stage(stage), 2, 1)
		assert.Equal(t, numMicrobatches, steps)
	}
}

func TestSynchronousZeroStaleness(t *testing.T) {
	_, transports, modules := scalePipeline(4, 1.0, 1.0)
	trace := NewTraceRecorder()
	coord := Build(transports, modules, losses.MeanSquaredError).
		Policy(Synchronous(4)).
		Optimizer(optimizers.SGD().LearningRate(0.01)).
		Trace(trace).
		Done()

	ds := &sliceDataset{
		name:    "eight",
		inputs:  []float64{1, 2, 3, 4, 5, 6, 7, 8},
		targets: []float64{1, 1, 1, 1, 1, 1, 1, 1},
	}
	require.NoError(t, coord.Run(ds))

	// Two full accumulation cycles; every gradient applies at the version
	// that produced it.
	for stage := 0; stage < 2; stage++ {
		steps := checkStageSchedule(t, trace.Stage(stage), 4, 0)
		assert.Equal(t, 2, steps)
	}
	assert.Equal(t, []int64{2, 2}, coord.Versions())
}

func TestDrainFlushesPartialAccumulation(t *testing.T) {
	_, transports, modules := scalePipeline(4, 1.0, 1.0)
	trace := NewTraceRecorder()
	coord := Build(transports, modules, losses.MeanSquaredError).
		Policy(Synchronous(4)).
		Optimizer(optimizers.SGD().LearningRate(0.01)).
		Trace(trace).
		Done()

	// 6 microbatches against an accumulation target of 4: the drain must
	// flush the partial cycle of 2 as a second step.
	ds := &sliceDataset{
		name:    "six",
		inputs:  []float64{1, 2, 3, 4, 5, 6},
		targets: []float64{0, 0, 0, 0, 0, 0},
	}
	require.NoError(t, coord.Run(ds))

	for stage := 0; stage < 2; stage++ {
		entries := trace.Stage(stage)
		steps := checkStageSchedule(t, entries, 4, 0)
		assert.Equal(t, 2, steps)
		require.NotEmpty(t, entries)
		assert.Equal(t, EntryStep, entries[len(entries)-1].Kind,
			"stage %d must flush the partial accumulation at drain", stage)
	}
	assert.Equal(t, []int64{2, 2}, coord.Versions())
}

func TestMaxStalenessTightensWindow(t *testing.T) {
	_, transports, modules := scalePipeline(4, 1.0, 1.0)
	trace := NewTraceRecorder()
	coord := Build(transports, modules, losses.MeanSquaredError).
		Policy(Asynchronous(4)).
		MaxStaleness(1).
		Optimizer(optimizers.SGD().LearningRate(0.01)).
		Trace(trace).
		Done()

	ds := &sliceDataset{
		name:    "six",
		inputs:  []float64{1, 2, 3, 4, 5, 6},
		targets: []float64{0, 0, 0, 0, 0, 0},
	}
	require.NoError(t, coord.Run(ds))

	// The staleness bound shrinks the effective capacity to 2 despite the
	// window of 4.
	for stage := 0; stage < 2; stage++ {
		steps := checkStageSchedule(t, trace.Stage(stage), 2, 1)
		assert.Equal(t, 6, steps)
	}
	assert.Equal(t, []int64{6, 6}, coord.Versions())
}

func TestRunEpochsConvergence(t *testing.T) {
	mods, transports, modules := scalePipeline(2, 1.0, 1.0)
	coord := Build(transports, modules, losses.MeanSquaredError).
		Policy(Asynchronous(2)).
		Optimizer(optimizers.SGD().LearningRate(0.05)).
		Done()

	// Learn y = 3x through the product of the two stage weights.
	ds := &sliceDataset{
		name:    "line",
		inputs:  []float64{1, -1},
		targets: []float64{3, -3},
	}
	var outputs []Output
	coord.OnStep("collect", 0, func(_ *Coordinator, out Output) error {
		outputs = append(outputs, out)
		return nil
	})
	const epochs = 150
	require.NoError(t, coord.RunEpochs(ds, epochs))

	require.Len(t, outputs, 2*epochs)
	assert.InDelta(t, 4.0, outputs[0].Loss, 1e-9, "first microbatch runs at the initial weights")
	assert.Less(t, outputs[len(outputs)-1].Loss, 1e-6)
	product := mods[0].weightValue() * mods[1].weightValue()
	assert.InDelta(t, 3.0, product, 1e-3)
	assert.Equal(t, []int64{2 * epochs, 2 * epochs}, coord.Versions())
	assert.Equal(t, int64(2*epochs), coord.Drained())
}

func TestHookOrderAndPriorities(t *testing.T) {
	_, transports, modules := scalePipeline(1, 1.0)
	coord := Build(transports, modules, losses.MeanSquaredError).
		Policy(Asynchronous(1)).
		Optimizer(optimizers.SGD().LearningRate(0.01)).
		Done()

	var calls []string
	coord.OnStart("b", 0, func(*Coordinator) error {
		calls = append(calls, "start:b")
		return nil
	})
	coord.OnStart("a", -1, func(*Coordinator) error {
		calls = append(calls, "start:a")
		return nil
	})
	coord.OnStep("y", 2, func(_ *Coordinator, out Output) error {
		calls = append(calls, "step:y")
		return nil
	})
	coord.OnStep("x", -1, func(_ *Coordinator, out Output) error {
		calls = append(calls, "step:x")
		return nil
	})
	coord.OnEnd("z", 0, func(*Coordinator) error {
		calls = append(calls, "end:z")
		return nil
	})

	ds := &sliceDataset{name: "two", inputs: []float64{1, 2}, targets: []float64{0, 0}}
	require.NoError(t, coord.Run(ds))

	want := []string{"start:a", "start:b", "step:x", "step:y", "step:x", "step:y", "end:z"}
	assert.Equal(t, want, calls)
}

func TestHookErrorsAbortRun(t *testing.T) {
	t.Run("OnStart", func(t *testing.T) {
		_, transports, modules := scalePipeline(1, 1.0)
		coord := Build(transports, modules, losses.MeanSquaredError).Done()
		coord.OnStart("boom", 0, func(*Coordinator) error {
			return errors.New("synthetic start failure")
		})
		ds := &sliceDataset{name: "two", inputs: []float64{1, 2}, targets: []float64{0, 0}}
		err := coord.Run(ds)
		require.Error(t, err)
		assert.ErrorContains(t, err, `OnStart hook "boom"`)
	})

	t.Run("OnStep", func(t *testing.T) {
		_, transports, modules := scalePipeline(1, 1.0)
		coord := Build(transports, modules, losses.MeanSquaredError).Done()
		steps := 0
		coord.OnStep("boom", 0, func(*Coordinator, Output) error {
			steps++
			if steps == 2 {
				return errors.New("synthetic step failure")
			}
			return nil
		})
		ds := &sliceDataset{name: "four", inputs: []float64{1, 2, 3, 4}, targets: []float64{0, 0, 0, 0}}
		err := coord.Run(ds)
		require.Error(t, err)
		assert.ErrorContains(t, err, `OnStep hook "boom"`)
	})
}

// failingModule wraps a Module and fails the nth forward or backward call
// (1-based; 0 disables).
type failingModule struct {
	inner                       Module
	failForward, failBackward   int
	forwardCalls, backwardCalls int
}

func (m *failingModule) Forward(input *tensors.Tensor) (*tensors.Tensor, any, error) {
	m.forwardCalls++
	if m.forwardCalls == m.failForward {
		return nil, nil, errors.New("synthetic forward failure")
	}
	return m.inner.Forward(input)
}

func (m *failingModule) Backward(saved any, gradOutput *tensors.Tensor) (*tensors.Tensor, []*tensors.Tensor, error) {
	m.backwardCalls++
	if m.backwardCalls == m.failBackward {
		return nil, nil, errors.New("synthetic backward failure")
	}
	return m.inner.Backward(saved, gradOutput)
}

func (m *failingModule) Parameters() []*tensors.Tensor { return m.inner.Parameters() }

func TestComputeFailureAbortsRun(t *testing.T) {
	ds := func() *sliceDataset {
		return &sliceDataset{
			name:    "six",
			inputs:  []float64{1, 2, 3, 4, 5, 6},
			targets: []float64{0, 0, 0, 0, 0, 0},
		}
	}

	t.Run("forward", func(t *testing.T) {
		_, transports, modules := scalePipeline(2, 1.0, 1.0)
		modules[1] = &failingModule{inner: modules[1], failForward: 3}
		coord := Build(transports, modules, losses.MeanSquaredError).
			Policy(Asynchronous(2)).
			Done()
		err := coord.Run(ds())
		require.Error(t, err)
		var ce *ComputeError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, 1, ce.Stage)
		assert.Equal(t, "forward", ce.Phase)
		assert.Equal(t, 2, ce.Mb)
	})

	t.Run("backward", func(t *testing.T) {
		_, transports, modules := scalePipeline(2, 1.0, 1.0)
		modules[0] = &failingModule{inner: modules[0], failBackward: 2}
		coord := Build(transports, modules, losses.MeanSquaredError).
			Policy(Asynchronous(2)).
			Done()
		err := coord.Run(ds())
		require.Error(t, err)
		var ce *ComputeError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, 0, ce.Stage)
		assert.Equal(t, "backward", ce.Phase)
		assert.Equal(t, 1, ce.Mb)
	})

	t.Run("loss", func(t *testing.T) {
		_, transports, modules := scalePipeline(2, 1.0, 1.0)
		lossCalls := 0
		failingLoss := func(output, target *tensors.Tensor) (float64, *tensors.Tensor, error) {
			lossCalls++
			if lossCalls == 2 {
				return 0, nil, errors.New("synthetic loss failure")
			}
			return losses.MeanSquaredError(output, target)
		}
		coord := Build(transports, modules, failingLoss).
			Policy(Asynchronous(2)).
			Done()
		err := coord.Run(ds())
		require.Error(t, err)
		var ce *ComputeError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, 1, ce.Stage)
		assert.Equal(t, "loss", ce.Phase)
		assert.Equal(t, 1, ce.Mb)
	})
}

func TestInjectValidation(t *testing.T) {
	_, transports, modules := scalePipeline(1, 1.0)
	coord := Build(transports, modules, losses.MeanSquaredError).Done()

	input := tensors.FromFlatDataAndDimensions([]float64{1}, 1)
	target := tensors.FromFlatDataAndDimensions([]float64{0}, 1)
	err := coord.Inject(0, input, target)
	require.Error(t, err)
	assert.ErrorContains(t, err, "not started")

	require.NoError(t, coord.Start())
	err = coord.Inject(1, input, target)
	require.Error(t, err)
	assert.ErrorContains(t, err, "contiguous")

	require.NoError(t, coord.Inject(0, input, target))
	coord.SignalStop()
	err = coord.Inject(1, input, target)
	require.ErrorIs(t, err, ErrStopped)

	outs := drainAll(t, coord)
	require.NoError(t, coord.Wait())
	require.Len(t, outs, 1)
	assert.Equal(t, 0, outs[0].Mb)
}

func TestCloseStopsCleanly(t *testing.T) {
	t.Run("neverStarted", func(t *testing.T) {
		_, transports, modules := scalePipeline(1, 1.0)
		coord := Build(transports, modules, losses.MeanSquaredError).Done()
		require.NoError(t, coord.Close())
	})

	t.Run("midRun", func(t *testing.T) {
		_, transports, modules := scalePipeline(1, 1.0)
		coord := Build(transports, modules, losses.MeanSquaredError).Done()
		require.NoError(t, coord.Start())
		input := tensors.FromFlatDataAndDimensions([]float64{1}, 1)
		target := tensors.FromFlatDataAndDimensions([]float64{0}, 1)
		require.NoError(t, coord.Inject(0, input, target))
		require.NoError(t, coord.Close())
		outs := drainAll(t, coord)
		require.Len(t, outs, 1)
	})
}

// recordingOptimizer captures Step arguments instead of updating anything.
type recordingOptimizer struct {
	grads      [][]float64
	producedAt []int64
	current    []int64
	err        error
}

func (o *recordingOptimizer) Step(params, grads []*tensors.Tensor, producedAt, current int64) error {
	for _, grad := range grads {
		tensors.ConstFlatData[float64](grad, func(flat []float64) {
			o.grads = append(o.grads, slices.Clone(flat))
		})
	}
	o.producedAt = append(o.producedAt, producedAt)
	o.current = append(o.current, current)
	return o.err
}

func (o *recordingOptimizer) Clear() {
	o.grads = nil
	o.producedAt = nil
	o.current = nil
}

func TestExecutorAccumulation(t *testing.T) {
	mod := newScaleModule(2)
	rec := &recordingOptimizer{}
	exec := newExecutor(0, mod, rec, NewLedger(0, 4, 3), 2, false, nil)

	x1 := tensors.FromFlatDataAndDimensions([]float64{1}, 1)
	x2 := tensors.FromFlatDataAndDimensions([]float64{3}, 1)
	gradOut := tensors.FromFlatDataAndDimensions([]float64{1}, 1)

	_, _, err := exec.runForward(0, x1)
	require.NoError(t, err)
	_, _, err = exec.runForward(1, x2)
	require.NoError(t, err)

	_, _, err = exec.runBackward(0, gradOut)
	require.NoError(t, err)
	stepped, err := exec.applyStep(false)
	require.NoError(t, err)
	assert.False(t, stepped, "one gradient must not reach an accumulation target of two")

	_, _, err = exec.runBackward(1, gradOut)
	require.NoError(t, err)
	stepped, err = exec.applyStep(false)
	require.NoError(t, err)
	require.True(t, stepped)

	// dL/dw per microbatch is gradOut*x: 1 and 3; the step receives their
	// average, tagged with the version of the oldest gradient.
	require.Len(t, rec.grads, 1)
	assert.InDeltaSlice(t, []float64{2}, rec.grads[0], 1e-12)
	assert.Equal(t, []int64{0}, rec.producedAt)
	assert.Equal(t, []int64{0}, rec.current)
	assert.Equal(t, int64(1), exec.ledger.CurrentVersion())

	// A partial cycle is only flushed when forced.
	_, _, err = exec.runForward(2, x1)
	require.NoError(t, err)
	_, _, err = exec.runBackward(2, gradOut)
	require.NoError(t, err)
	stepped, err = exec.applyStep(false)
	require.NoError(t, err)
	assert.False(t, stepped)
	stepped, err = exec.applyStep(true)
	require.NoError(t, err)
	require.True(t, stepped)
	require.Len(t, rec.grads, 2)
	assert.InDeltaSlice(t, []float64{1}, rec.grads[1], 1e-12)
	assert.Equal(t, int64(1), rec.producedAt[1])
	assert.Equal(t, int64(1), rec.current[1])
	assert.Equal(t, int64(2), exec.ledger.CurrentVersion())
}

func TestExecutorWeightStashing(t *testing.T) {
	input := tensors.FromFlatDataAndDimensions([]float64{1}, 1)
	gradOut := tensors.FromFlatDataAndDimensions([]float64{1}, 1)

	for _, stashing := range []bool{false, true} {
		name := "disabled"
		if stashing {
			name = "enabled"
		}
		t.Run(name, func(t *testing.T) {
			mod := newScaleModule(2)
			exec := newExecutor(0, mod, optimizers.SGD().LearningRate(0.1).Done(),
				NewLedger(0, 2, 1), 1, stashing, nil)

			_, version, err := exec.runForward(0, input)
			require.NoError(t, err)
			assert.Equal(t, int64(0), version)
			_, _, err = exec.runForward(1, input)
			require.NoError(t, err)

			_, _, err = exec.runBackward(0, gradOut)
			require.NoError(t, err)
			stepped, err := exec.applyStep(false)
			require.NoError(t, err)
			require.True(t, stepped)
			require.InDelta(t, 1.9, mod.weightValue(), 1e-12)

			// Microbatch 1 was forwarded at w=2 but the installed weight is
			// now 1.9. Stashing computes its backward against the stashed 2.
			gradInput, _, err := exec.runBackward(1, gradOut)
			require.NoError(t, err)
			want := 1.9
			if stashing {
				want = 2.0
			}
			assert.InDelta(t, want, scalarOf(t, gradInput), 1e-12)
			assert.InDelta(t, 1.9, mod.weightValue(), 1e-12,
				"installed weights must be restored after a stashed backward")
			if stashing {
				assert.Empty(t, exec.stash, "retired versions must drop their stash entry")
				assert.Empty(t, exec.stashRefs)
			}
		})
	}
}

func TestExecutorErrors(t *testing.T) {
	t.Run("unknownMicrobatch", func(t *testing.T) {
		exec := newExecutor(0, newScaleModule(1), optimizers.SGD().Done(), NewLedger(0, 2, 1), 1, false, nil)
		gradOut := tensors.FromFlatDataAndDimensions([]float64{1}, 1)
		_, _, err := exec.runBackward(7, gradOut)
		require.Error(t, err)
		assert.ErrorContains(t, err, "no saved forward context")
	})

	t.Run("numericErrorStillSteps", func(t *testing.T) {
		rec := &recordingOptimizer{err: &optimizers.NumericError{Params: []int{0}}}
		exec := newExecutor(0, newScaleModule(1), rec, NewLedger(0, 2, 1), 1, false, nil)
		input := tensors.FromFlatDataAndDimensions([]float64{1}, 1)
		gradOut := tensors.FromFlatDataAndDimensions([]float64{1}, 1)
		_, _, err := exec.runForward(0, input)
		require.NoError(t, err)
		_, _, err = exec.runBackward(0, gradOut)
		require.NoError(t, err)
		stepped, err := exec.applyStep(false)
		require.NoError(t, err, "a non-finite update is skipped, not fatal")
		assert.True(t, stepped)
		assert.Equal(t, int64(1), exec.ledger.CurrentVersion(), "the version advances even when the delta is skipped")
	})

	t.Run("fatalOptimizerError", func(t *testing.T) {
		rec := &recordingOptimizer{err: errors.New("synthetic optimizer failure")}
		exec := newExecutor(0, newScaleModule(1), rec, NewLedger(0, 2, 1), 1, false, nil)
		input := tensors.FromFlatDataAndDimensions([]float64{1}, 1)
		gradOut := tensors.FromFlatDataAndDimensions([]float64{1}, 1)
		_, _, err := exec.runForward(0, input)
		require.NoError(t, err)
		_, _, err = exec.runBackward(0, gradOut)
		require.NoError(t, err)
		stepped, err := exec.applyStep(false)
		require.Error(t, err)
		assert.False(t, stepped)
		assert.ErrorContains(t, err, "optimizer step")
	})
}

func TestBuildValidation(t *testing.T) {
	fabric := local.NewFabric(2, 1)
	mod := newScaleModule(1)

	require.Panics(t, func() {
		Build(nil, nil, losses.MeanSquaredError).Done()
	})
	require.Panics(t, func() {
		// One module, two transports.
		Build([]transport.Transport{fabric.Endpoint(0), fabric.Endpoint(1)},
			[]Module{mod}, losses.MeanSquaredError).Done()
	})
	require.Panics(t, func() {
		// Transport ranks must match the stage order.
		Build([]transport.Transport{fabric.Endpoint(1), fabric.Endpoint(0)},
			[]Module{mod, newScaleModule(1)}, losses.MeanSquaredError).Done()
	})
	require.Panics(t, func() {
		Build([]transport.Transport{fabric.Endpoint(0)}, []Module{mod}, nil).Done()
	})
	require.Panics(t, func() {
		Build([]transport.Transport{fabric.Endpoint(0)}, []Module{mod}, losses.MeanSquaredError).
			Policy(SchedulePolicy{Window: 0, Accumulate: 1}).
			Done()
	})
}
