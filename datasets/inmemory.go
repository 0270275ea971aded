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

package datasets

import (
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/PluralisResearch/AsyncPP/types/tensors"
)

// InMemory is a dataset held fully in memory: two tensors whose leading axis
// enumerates the examples. It supports batching, shuffling (with and without
// replacement) and looping, configured with chained calls:
//
//	ds := must.M1(datasets.InMemoryFromData("train", inputs, targets)).
//		BatchSize(32, true).Shuffle()
//
// Yield and the configuration methods are safe for concurrent use.
type InMemory struct {
	name            string
	inputs, targets *tensors.Tensor
	numExamples     int

	muSampling            sync.Mutex
	rng                   *rand.Rand
	batchSize             int
	dropIncomplete        bool
	randomWithReplacement bool
	shuffle               []int
	infinite              bool
	// next indexes the sampling order; -1 flags an exhausted epoch.
	next int
}

// InMemoryFromData creates an InMemory dataset from the static data given.
// The leading axis of inputs and targets is the example index; both must
// agree on its dimension. The dataset starts unshuffled with batch size 1.
func InMemoryFromData(name string, inputs, targets *tensors.Tensor) (*InMemory, error) {
	if inputs == nil || targets == nil {
		return nil, errors.Errorf("dataset %q: inputs and targets must not be nil", name)
	}
	if inputs.Rank() < 1 || targets.Rank() < 1 {
		return nil, errors.Errorf("dataset %q: inputs and targets must have a leading example axis, got %s and %s",
			name, inputs.Shape(), targets.Shape())
	}
	if inputs.Shape().Dim(0) != targets.Shape().Dim(0) {
		return nil, errors.Errorf("dataset %q: %d input example(s) but %d target(s)",
			name, inputs.Shape().Dim(0), targets.Shape().Dim(0))
	}
	return &InMemory{
		name:        name,
		inputs:      inputs,
		targets:     targets,
		numExamples: inputs.Shape().Dim(0),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		batchSize:   1,
	}, nil
}

// Name implements the pipeline's Dataset.
func (mds *InMemory) Name() string { return mds.name }

// NumExamples held by the dataset.
func (mds *InMemory) NumExamples() int { return mds.numExamples }

// BatchSize configures the dataset to yield batches of the given size. With
// dropIncomplete, a final partial batch is dropped instead of yielded.
func (mds *InMemory) BatchSize(n int, dropIncomplete bool) *InMemory {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	if n < 1 {
		n = 1
	}
	mds.batchSize = n
	mds.dropIncomplete = dropIncomplete
	return mds
}

// Shuffle configures the dataset to yield the examples in random order,
// without replacement. Each Reset reshuffles. Cancels RandomWithReplacement.
func (mds *InMemory) Shuffle() *InMemory {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.randomWithReplacement = false
	mds.shuffleLocked()
	return mds
}

// RandomWithReplacement configures the dataset to sample examples uniformly
// with replacement. Cancels Shuffle.
func (mds *InMemory) RandomWithReplacement() *InMemory {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.randomWithReplacement = true
	mds.shuffle = nil
	return mds
}

// WithRand sets the random number generator used for shuffling and
// sampling, for deterministic runs. The default is seeded with the clock.
// With Shuffle configured this reshuffles immediately.
func (mds *InMemory) WithRand(rng *rand.Rand) *InMemory {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.rng = rng
	if mds.shuffle != nil {
		mds.shuffleLocked()
	}
	return mds
}

// Infinite makes the dataset loop forever instead of finishing the epoch
// with io.EOF. Use with drivers that count steps rather than epochs.
func (mds *InMemory) Infinite(infinite bool) *InMemory {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.infinite = infinite
	return mds
}

// Copy returns a dataset over the same underlying data, with a fresh
// sampling state: sequential order, batch size 1, not looping.
func (mds *InMemory) Copy() *InMemory {
	return &InMemory{
		name:        mds.name,
		inputs:      mds.inputs,
		targets:     mds.targets,
		numExamples: mds.numExamples,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		batchSize:   1,
	}
}

// Reset implements the pipeline's Dataset: it restarts the epoch,
// reshuffling if shuffling is configured.
func (mds *InMemory) Reset() {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	mds.next = 0
	if mds.shuffle != nil {
		mds.shuffleLocked()
	}
}

func (mds *InMemory) shuffleLocked() {
	mds.shuffle = mds.rng.Perm(mds.numExamples)
}

// indicesNextYield picks the example indices of the next batch, or none if
// the epoch is exhausted.
func (mds *InMemory) indicesNextYield() (indices []int) {
	mds.muSampling.Lock()
	defer mds.muSampling.Unlock()
	if mds.next == -1 {
		return
	}
	indices = make([]int, 0, mds.batchSize)
	for mds.next < mds.numExamples && len(indices) < mds.batchSize {
		switch {
		case mds.shuffle != nil:
			indices = append(indices, mds.shuffle[mds.next])
		case mds.randomWithReplacement:
			indices = append(indices, mds.rng.Intn(mds.numExamples))
		default:
			indices = append(indices, mds.next)
		}
		mds.next++
	}
	if len(indices) < mds.batchSize && mds.dropIncomplete {
		indices = nil
	}
	if mds.next >= mds.numExamples {
		mds.next = -1
	}
	return
}

// Yield implements the pipeline's Dataset: the next batch of inputs and
// targets, each shaped [batchSize, ...], or io.EOF at the end of the epoch.
func (mds *InMemory) Yield() (input, target *tensors.Tensor, err error) {
	indices := mds.indicesNextYield()
	if len(indices) == 0 {
		if !mds.infinite {
			return nil, nil, io.EOF
		}
		mds.Reset()
		indices = mds.indicesNextYield()
		if len(indices) == 0 {
			return nil, nil, io.EOF
		}
	}
	return gatherRows(mds.inputs, indices), gatherRows(mds.targets, indices), nil
}
