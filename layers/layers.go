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

// Package layers provides the model partitions the pipeline stages drive:
// dense layers, elementwise activations, the Sequential container chaining
// them within a stage, and Partition to split a layer list across stages.
//
// Every layer carries a hand-written backward pass, so a stage can compute
// its parameter gradients from nothing but the gradient of the loss with
// respect to its output. Forward returns an opaque saved context; the
// runtime holds it between the two passes and hands it back to Backward.
package layers

import (
	"math/rand"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/PluralisResearch/AsyncPP/internal/workerspool"
	"github.com/PluralisResearch/AsyncPP/types/shapes"
	"github.com/PluralisResearch/AsyncPP/types/tensors"
)

// Module is one differentiable model fragment. It matches the compute
// contract of the pipeline stages, so any Module (or chain of them) can
// serve as a stage's model partition.
type Module interface {
	// Forward computes the output for one microbatch and returns an opaque
	// context with whatever Backward will need.
	Forward(input *tensors.Tensor) (output *tensors.Tensor, saved any, err error)

	// Backward consumes a context saved by Forward plus the gradient of the
	// loss with respect to the output, and returns the gradient with respect
	// to the input along with the parameter gradients, ordered as
	// Parameters().
	Backward(saved any, gradOutput *tensors.Tensor) (gradInput *tensors.Tensor, paramGrads []*tensors.Tensor, err error)

	// Parameters returns the parameter tensors themselves (not copies); the
	// optimizer updates them in place.
	Parameters() []*tensors.Tensor
}

// Dense is a fully connected layer: output = input · weights + bias, with
// weights shaped [inputDim, outputDim] and bias [outputDim]. Inputs are
// rank-2, [batchSize, inputDim].
//
// The matrix products run on a bounded workers pool, split by rows.
type Dense struct {
	inputDim, outputDim int
	dtype               shapes.DType
	weights, bias       *tensors.Tensor
	pool                *workerspool.Pool
}

// NewDense creates a Dense layer with XavierNormal-initialized weights and
// zero bias. Only Float32 and Float64 are supported.
func NewDense(rng *rand.Rand, dtype shapes.DType, inputDim, outputDim int) *Dense {
	return NewDenseInit(XavierNormal(rng), dtype, inputDim, outputDim)
}

// NewDenseInit is NewDense with an explicit weights initializer.
func NewDenseInit(init Initializer, dtype shapes.DType, inputDim, outputDim int) *Dense {
	if dtype != shapes.Float32 && dtype != shapes.Float64 {
		exceptions.Panicf("layers.NewDense: unsupported dtype %s", dtype)
	}
	if inputDim < 1 || outputDim < 1 {
		exceptions.Panicf("layers.NewDense: dimensions must be positive, got %dx%d", inputDim, outputDim)
	}
	return &Dense{
		inputDim:  inputDim,
		outputDim: outputDim,
		dtype:     dtype,
		weights:   init(shapes.Make(dtype, inputDim, outputDim)),
		bias:      tensors.FromShape(shapes.Make(dtype, outputDim)),
		pool:      workerspool.New(),
	}
}

// Parameters returns the weights and the bias, in that order.
func (d *Dense) Parameters() []*tensors.Tensor {
	return []*tensors.Tensor{d.weights, d.bias}
}

// Forward implements Module. The saved context is the input itself.
func (d *Dense) Forward(input *tensors.Tensor) (*tensors.Tensor, any, error) {
	batchSize, err := d.checkInput(input)
	if err != nil {
		return nil, nil, err
	}
	output := tensors.FromShape(shapes.Make(d.dtype, batchSize, d.outputDim))
	switch d.dtype {
	case shapes.Float32:
		denseForward[float32](d, input, output, batchSize)
	case shapes.Float64:
		denseForward[float64](d, input, output, batchSize)
	}
	return output, input, nil
}

// Backward implements Module.
func (d *Dense) Backward(saved any, gradOutput *tensors.Tensor) (*tensors.Tensor, []*tensors.Tensor, error) {
	input, ok := saved.(*tensors.Tensor)
	if !ok {
		return nil, nil, errors.Errorf("Dense.Backward: saved context is %T, not a tensor", saved)
	}
	batchSize := input.Shape().Dim(0)
	wantGradShape := shapes.Make(d.dtype, batchSize, d.outputDim)
	if !gradOutput.Shape().Equal(wantGradShape) {
		return nil, nil, errors.Errorf("Dense.Backward: gradOutput shaped %s, want %s", gradOutput.Shape(), wantGradShape)
	}
	gradInput := tensors.FromShape(input.Shape())
	gradWeights := tensors.FromShape(d.weights.Shape())
	gradBias := tensors.FromShape(d.bias.Shape())
	switch d.dtype {
	case shapes.Float32:
		denseBackward[float32](d, input, gradOutput, gradInput, gradWeights, gradBias, batchSize)
	case shapes.Float64:
		denseBackward[float64](d, input, gradOutput, gradInput, gradWeights, gradBias, batchSize)
	}
	return gradInput, []*tensors.Tensor{gradWeights, gradBias}, nil
}

func (d *Dense) checkInput(input *tensors.Tensor) (batchSize int, err error) {
	if input == nil {
		return 0, errors.New("Dense.Forward: nil input")
	}
	shape := input.Shape()
	if shape.DType != d.dtype || shape.Rank() != 2 || shape.Dim(1) != d.inputDim {
		return 0, errors.Errorf("Dense.Forward: input shaped %s, want (%s)[batchSize %d]",
			shape, d.dtype, d.inputDim)
	}
	return shape.Dim(0), nil
}

// denseForward computes output = input·weights + bias, parallelized over
// the batch rows.
func denseForward[T shapes.GoFloat](d *Dense, input, output *tensors.Tensor, batchSize int) {
	tensors.ConstFlatData[T](input, func(x []T) {
		tensors.ConstFlatData[T](d.weights, func(w []T) {
			tensors.ConstFlatData[T](d.bias, func(b []T) {
				tensors.MutableFlatData[T](output, func(y []T) {
					parallelRows(d.pool, batchSize, func(rowStart, rowEnd int) {
						for row := rowStart; row < rowEnd; row++ {
							xRow := x[row*d.inputDim : (row+1)*d.inputDim]
							yRow := y[row*d.outputDim : (row+1)*d.outputDim]
							copy(yRow, b)
							for ii, xv := range xRow {
								wRow := w[ii*d.outputDim : (ii+1)*d.outputDim]
								for oo, wv := range wRow {
									yRow[oo] += xv * wv
								}
							}
						}
					})
				})
			})
		})
	})
}

// denseBackward computes the three gradients of a Dense layer:
//
//	gradInput   = gradOutput · weightsᵀ       (parallel over batch rows)
//	gradWeights = inputᵀ · gradOutput         (parallel over input rows)
//	gradBias    = column sums of gradOutput
func denseBackward[T shapes.GoFloat](d *Dense, input, gradOutput, gradInput, gradWeights, gradBias *tensors.Tensor, batchSize int) {
	tensors.ConstFlatData[T](input, func(x []T) {
		tensors.ConstFlatData[T](gradOutput, func(gy []T) {
			tensors.ConstFlatData[T](d.weights, func(w []T) {
				tensors.MutableFlatData[T](gradInput, func(gx []T) {
					parallelRows(d.pool, batchSize, func(rowStart, rowEnd int) {
						for row := rowStart; row < rowEnd; row++ {
							gyRow := gy[row*d.outputDim : (row+1)*d.outputDim]
							gxRow := gx[row*d.inputDim : (row+1)*d.inputDim]
							for ii := range gxRow {
								wRow := w[ii*d.outputDim : (ii+1)*d.outputDim]
								var sum T
								for oo, gv := range gyRow {
									sum += gv * wRow[oo]
								}
								gxRow[ii] = sum
							}
						}
					})
				})
				tensors.MutableFlatData[T](gradWeights, func(gw []T) {
					parallelRows(d.pool, d.inputDim, func(rowStart, rowEnd int) {
						for ii := rowStart; ii < rowEnd; ii++ {
							gwRow := gw[ii*d.outputDim : (ii+1)*d.outputDim]
							for row := 0; row < batchSize; row++ {
								xv := x[row*d.inputDim+ii]
								gyRow := gy[row*d.outputDim : (row+1)*d.outputDim]
								for oo, gv := range gyRow {
									gwRow[oo] += xv * gv
								}
							}
						}
					})
				})
				tensors.MutableFlatData[T](gradBias, func(gb []T) {
					for row := 0; row < batchSize; row++ {
						gyRow := gy[row*d.outputDim : (row+1)*d.outputDim]
						for oo, gv := range gyRow {
							gb[oo] += gv
						}
					}
				})
			})
		})
	})
}

// parallelRows splits [0, numRows) into contiguous chunks, one per worker,
// and blocks until all chunks are done. With the pool disabled or a single
// row it runs inline.
func parallelRows(pool *workerspool.Pool, numRows int, fn func(rowStart, rowEnd int)) {
	numTasks := pool.MaxParallelism()
	if numTasks < 0 || numTasks > numRows {
		numTasks = numRows
	}
	if !pool.IsEnabled() || numTasks <= 1 {
		fn(0, numRows)
		return
	}
	chunk := (numRows + numTasks - 1) / numTasks
	var wg sync.WaitGroup
	for rowStart := 0; rowStart < numRows; rowStart += chunk {
		rowEnd := min(rowStart+chunk, numRows)
		wg.Add(1)
		pool.WaitToStart(func() {
			defer wg.Done()
			fn(rowStart, rowEnd)
		})
	}
	wg.Wait()
}

// Sequential chains modules within one stage: the output of each feeds the
// next. It is itself a Module.
type Sequential struct {
	modules []Module
}

// NewSequential creates a Sequential from the given modules, in order.
func NewSequential(modules ...Module) *Sequential {
	if len(modules) == 0 {
		exceptions.Panicf("layers.NewSequential: at least one module is required")
	}
	return &Sequential{modules: modules}
}

// Modules returns the chained modules, in forward order.
func (s *Sequential) Modules() []Module { return s.modules }

// Parameters returns the concatenated parameters of the chained modules, in
// forward order.
func (s *Sequential) Parameters() []*tensors.Tensor {
	var params []*tensors.Tensor
	for _, m := range s.modules {
		params = append(params, m.Parameters()...)
	}
	return params
}

// Forward implements Module: it threads the input through the chain. The
// saved context collects each module's own context.
func (s *Sequential) Forward(input *tensors.Tensor) (*tensors.Tensor, any, error) {
	saved := make([]any, len(s.modules))
	current := input
	for ii, m := range s.modules {
		var err error
		current, saved[ii], err = m.Forward(current)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "Sequential module #%d", ii)
		}
	}
	return current, saved, nil
}

// Backward implements Module: it walks the chain in reverse, feeding each
// module's gradInput to its predecessor. The parameter gradients come out
// in Parameters() order.
func (s *Sequential) Backward(saved any, gradOutput *tensors.Tensor) (*tensors.Tensor, []*tensors.Tensor, error) {
	contexts, ok := saved.([]any)
	if !ok || len(contexts) != len(s.modules) {
		return nil, nil, errors.Errorf("Sequential.Backward: saved context is %T, not a per-module list", saved)
	}
	perModule := make([][]*tensors.Tensor, len(s.modules))
	grad := gradOutput
	for ii := len(s.modules) - 1; ii >= 0; ii-- {
		var err error
		grad, perModule[ii], err = s.modules[ii].Backward(contexts[ii], grad)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "Sequential module #%d", ii)
		}
	}
	var paramGrads []*tensors.Tensor
	for _, grads := range perModule {
		paramGrads = append(paramGrads, grads...)
	}
	return grad, paramGrads, nil
}

// Partition splits modules into numStages contiguous groups with roughly
// balanced parameter counts (module count breaking ties), one Sequential
// per group. Use it to cut one model definition into per-stage partitions.
func Partition(modules []Module, numStages int) []*Sequential {
	if numStages < 1 {
		exceptions.Panicf("layers.Partition: numStages must be >= 1, got %d", numStages)
	}
	if len(modules) < numStages {
		exceptions.Panicf("layers.Partition: cannot split %d module(s) into %d stages", len(modules), numStages)
	}
	weights := make([]int, len(modules))
	remaining := 0
	for ii, m := range modules {
		weights[ii] = 1
		for _, p := range m.Parameters() {
			weights[ii] += p.Size()
		}
		remaining += weights[ii]
	}

	stages := make([]*Sequential, 0, numStages)
	groupStart := 0
	accumulated := 0
	for ii, weight := range weights {
		accumulated += weight
		remaining -= weight
		stagesLeft := numStages - len(stages)
		modulesLeft := len(modules) - ii - 1
		// Close the group once it reaches its fair share, as long as every
		// remaining stage can still get a module.
		if stagesLeft == 1 || modulesLeft < stagesLeft {
			if stagesLeft > 1 {
				stages = append(stages, NewSequential(modules[groupStart:ii+1]...))
				groupStart = ii + 1
				accumulated = 0
			}
			continue
		}
		if accumulated*(stagesLeft-1) >= remaining {
			stages = append(stages, NewSequential(modules[groupStart:ii+1]...))
			groupStart = ii + 1
			accumulated = 0
		}
	}
	stages = append(stages, NewSequential(modules[groupStart:]...))
	return stages
}
