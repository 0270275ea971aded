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
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PluralisResearch/AsyncPP/types/tensors"
)

// rampDataset builds a dataset whose example #i has input [i, i] and
// target [i].
func rampDataset(t *testing.T, numExamples int) *InMemory {
	inputs := make([]float64, 2*numExamples)
	targets := make([]float64, numExamples)
	for ii := 0; ii < numExamples; ii++ {
		inputs[2*ii] = float64(ii)
		inputs[2*ii+1] = float64(ii)
		targets[ii] = float64(ii)
	}
	ds, err := InMemoryFromData("ramp",
		tensors.FromFlatDataAndDimensions(inputs, numExamples, 2),
		tensors.FromFlatDataAndDimensions(targets, numExamples, 1))
	require.NoError(t, err)
	return ds
}

// drainEpoch yields until io.EOF, returning the target values in order.
func drainEpoch(t *testing.T, ds *InMemory) (targets []float64, batchSizes []int) {
	for {
		input, target, err := ds.Yield()
		if err == io.EOF {
			return
		}
		require.NoError(t, err)
		require.Equal(t, input.Shape().Dim(0), target.Shape().Dim(0))
		batchSizes = append(batchSizes, target.Shape().Dim(0))
		tensors.ConstFlatData[float64](target, func(flat []float64) {
			targets = append(targets, flat...)
		})
	}
}

func TestInMemorySequential(t *testing.T) {
	ds := rampDataset(t, 5).BatchSize(2, false)
	assert.Equal(t, "ramp", ds.Name())
	assert.Equal(t, 5, ds.NumExamples())

	targets, batchSizes := drainEpoch(t, ds)
	assert.Equal(t, []float64{0, 1, 2, 3, 4}, targets)
	assert.Equal(t, []int{2, 2, 1}, batchSizes, "last batch is partial")

	// Exhausted until Reset.
	_, _, err := ds.Yield()
	assert.Equal(t, io.EOF, err)
	ds.Reset()
	targets, _ = drainEpoch(t, ds)
	assert.Equal(t, []float64{0, 1, 2, 3, 4}, targets)
}

func TestInMemoryDropIncomplete(t *testing.T) {
	ds := rampDataset(t, 5).BatchSize(2, true)
	targets, batchSizes := drainEpoch(t, ds)
	assert.Equal(t, []float64{0, 1, 2, 3}, targets)
	assert.Equal(t, []int{2, 2}, batchSizes)
}

func TestInMemoryShuffle(t *testing.T) {
	numExamples := 8
	ds := rampDataset(t, numExamples).
		WithRand(rand.New(rand.NewSource(13))).
		Shuffle()

	seen := map[float64]bool{}
	targets, _ := drainEpoch(t, ds)
	require.Len(t, targets, numExamples)
	for _, v := range targets {
		assert.False(t, seen[v], "shuffling must not repeat examples")
		seen[v] = true
	}
	sort.Float64s(targets)
	assert.Equal(t, []float64{0, 1, 2, 3, 4, 5, 6, 7}, targets, "shuffling must cover every example")

	// Reset reshuffles but still yields a full permutation.
	ds.Reset()
	targets, _ = drainEpoch(t, ds)
	sort.Float64s(targets)
	assert.Equal(t, []float64{0, 1, 2, 3, 4, 5, 6, 7}, targets)
}

func TestInMemoryRandomWithReplacement(t *testing.T) {
	numExamples := 4
	ds := rampDataset(t, numExamples).
		WithRand(rand.New(rand.NewSource(3))).
		RandomWithReplacement().
		BatchSize(2, false)

	targets, _ := drainEpoch(t, ds)
	assert.Len(t, targets, numExamples, "an epoch still spans NumExamples draws")
	for _, v := range targets {
		assert.Contains(t, []float64{0, 1, 2, 3}, v)
	}
}

func TestInMemoryInfinite(t *testing.T) {
	ds := rampDataset(t, 4).BatchSize(2, false).Infinite(true)
	for ii := 0; ii < 6; ii++ {
		_, target, err := ds.Yield()
		require.NoError(t, err, "infinite dataset must not end at yield #%d", ii)
		require.Equal(t, 2, target.Shape().Dim(0))
	}
}

func TestInMemoryCopy(t *testing.T) {
	ds := rampDataset(t, 4).BatchSize(4, false)
	_, _, err := ds.Yield()
	require.NoError(t, err)
	_, _, err = ds.Yield()
	require.Equal(t, io.EOF, err)

	// The copy restarts from scratch over the same data.
	dup := ds.Copy()
	targets, batchSizes := drainEpoch(t, dup)
	assert.Equal(t, []float64{0, 1, 2, 3}, targets)
	assert.Equal(t, []int{1, 1, 1, 1}, batchSizes, "copies revert to batch size 1")
}

func TestInMemoryFromDataValidation(t *testing.T) {
	inputs := tensors.FromFlatDataAndDimensions([]float64{1, 2, 3, 4}, 2, 2)
	targets := tensors.FromFlatDataAndDimensions([]float64{1, 2, 3}, 3)
	_, err := InMemoryFromData("bad", inputs, targets)
	assert.Error(t, err, "example counts must agree")
	_, err = InMemoryFromData("bad", nil, targets)
	assert.Error(t, err)
}

func TestLinear(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	ds, coefficients, bias := Linear(rng, 3, 16, 0 /* noise */)
	assert.Equal(t, 16, ds.NumExamples())
	require.Equal(t, 3, coefficients.Size())

	var coef []float64
	tensors.ConstFlatData[float64](coefficients, func(flat []float64) {
		coef = append(coef, flat...)
	})

	// Without noise every target is exactly the linear model's output.
	ds.BatchSize(16, false)
	input, target, err := ds.Yield()
	require.NoError(t, err)
	tensors.ConstFlatData[float64](input, func(x []float64) {
		tensors.ConstFlatData[float64](target, func(y []float64) {
			for row := 0; row < 16; row++ {
				want := bias
				for ii, c := range coef {
					want += x[row*3+ii] * c
				}
				assert.InDelta(t, want, y[row], 1e-9)
			}
		})
	})
}

func TestFromCSV(t *testing.T) {
	csv := strings.Join([]string{
		"sepal_length,sepal_width,species,petal_length",
		"5.1,3.5,setosa,1.4",
		"4.9,3.0,setosa,1.5",
		"6.2,2.9,virginica,4.3",
	}, "\n")

	ds, err := FromCSV("iris", strings.NewReader(csv),
		[]string{"sepal_length", "sepal_width"}, "petal_length")
	require.NoError(t, err)
	assert.Equal(t, 3, ds.NumExamples())

	ds.BatchSize(3, false)
	input, target, err := ds.Yield()
	require.NoError(t, err)
	assert.True(t, input.InDelta(tensors.FromFlatDataAndDimensions(
		[]float64{5.1, 3.5, 4.9, 3.0, 6.2, 2.9}, 3, 2), 1e-9))
	assert.True(t, target.InDelta(tensors.FromFlatDataAndDimensions(
		[]float64{1.4, 1.5, 4.3}, 3, 1), 1e-9))

	_, err = FromCSV("iris", strings.NewReader(csv), []string{"no_such_column"}, "petal_length")
	assert.Error(t, err)
	_, err = FromCSV("empty", strings.NewReader("a,b\n"), []string{"a"}, "b")
	assert.Error(t, err)
}
