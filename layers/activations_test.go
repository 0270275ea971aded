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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PluralisResearch/AsyncPP/types/tensors"
)

func TestActivationForward(t *testing.T) {
	input := tensors.FromFlatDataAndDimensions([]float64{-2, -0.5, 0.5, 2}, 1, 4)

	for _, test := range []struct {
		activation *Activation
		want       []float64
	}{
		{Tanh(), []float64{math.Tanh(-2), math.Tanh(-0.5), math.Tanh(0.5), math.Tanh(2)}},
		{Relu(), []float64{0, 0, 0.5, 2}},
		{LeakyRelu(), []float64{-0.6, -0.15, 0.5, 2}},
		{Sigmoid(), []float64{1 / (1 + math.Exp(2)), 1 / (1 + math.Exp(0.5)), 1 / (1 + math.Exp(-0.5)), 1 / (1 + math.Exp(-2))}},
	} {
		output, saved, err := test.activation.Forward(input)
		require.NoErrorf(t, err, "%s", test.activation.Name())
		assert.Truef(t, output.InDelta(tensors.FromFlatDataAndDimensions(test.want, 1, 4), 1e-12),
			"%s: got %s", test.activation.Name(), output)
		assert.Same(t, output, saved)
		assert.Empty(t, test.activation.Parameters())
	}
}

func TestActivationGradients(t *testing.T) {
	// Points away from the relu kink, where all four are differentiable.
	input := tensors.FromFlatDataAndDimensions([]float64{-1.7, -0.4, 0.3, 1.2, 2.6, -2.2}, 2, 3)
	for name, ctor := range KnownActivations {
		t.Run(name, func(t *testing.T) {
			checkGradients(t, ctor(), input)
		})
	}
}

func TestActivationFloat32(t *testing.T) {
	input := tensors.FromFlatDataAndDimensions([]float32{-1, 1}, 2)
	output, _, err := Tanh().Forward(input)
	require.NoError(t, err)
	assert.True(t, output.InDelta(tensors.FromFlatDataAndDimensions(
		[]float32{float32(math.Tanh(-1)), float32(math.Tanh(1))}, 2), 1e-6))
}

func TestMustActivationByName(t *testing.T) {
	for name := range KnownActivations {
		activation := MustActivationByName(name)
		require.NotNil(t, activation)
		assert.Equal(t, name, activation.Name())
	}
	require.Panics(t, func() { MustActivationByName("softmax") })
}
