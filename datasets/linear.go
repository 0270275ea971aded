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
	"math/rand"

	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"

	"github.com/PluralisResearch/AsyncPP/types/tensors"
)

// Distribution of the true linear model Linear draws.
const (
	CoefficientMu    = 0.0
	CoefficientSigma = 5.0
	BiasMu           = 1.0
	BiasSigma        = 10.0
)

// Linear generates a synthetic dataset from a random linear model: it draws
// true coefficients and a true bias, samples normal inputs shaped
// [numExamples, numFeatures] and computes targets shaped [numExamples, 1]
// as inputs·coefficients + bias, plus optional normal noise scaled by
// noise. Everything is Float64.
//
// The returned coefficients and bias are the true values, so a training run
// can be checked against them.
func Linear(rng *rand.Rand, numFeatures, numExamples int, noise float64) (ds *InMemory, coefficients *tensors.Tensor, bias float64) {
	if numFeatures < 1 || numExamples < 1 {
		exceptions.Panicf("datasets.Linear: need at least one feature and one example, got %d and %d",
			numFeatures, numExamples)
	}
	coef := make([]float64, numFeatures)
	for ii := range coef {
		coef[ii] = rng.NormFloat64()*CoefficientSigma + CoefficientMu
	}
	bias = rng.NormFloat64()*BiasSigma + BiasMu

	inputs := make([]float64, numExamples*numFeatures)
	targets := make([]float64, numExamples)
	for row := 0; row < numExamples; row++ {
		label := bias
		for ii := range coef {
			v := rng.NormFloat64()
			inputs[row*numFeatures+ii] = v
			label += v * coef[ii]
		}
		if noise > 0 {
			label += rng.NormFloat64() * noise
		}
		targets[row] = label
	}

	ds = must.M1(InMemoryFromData("linear",
		tensors.FromFlatDataAndDimensions(inputs, numExamples, numFeatures),
		tensors.FromFlatDataAndDimensions(targets, numExamples, 1)))
	ds.WithRand(rng)
	coefficients = tensors.FromFlatDataAndDimensions(coef, numFeatures)
	return
}
