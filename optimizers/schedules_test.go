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

package optimizers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinearWarmup(t *testing.T) {
	warmup := LinearWarmup(4)
	assert.InDelta(t, 0.25, warmup(1), 1e-12)
	assert.InDelta(t, 0.5, warmup(2), 1e-12)
	assert.InDelta(t, 0.75, warmup(3), 1e-12)
	assert.Equal(t, 1.0, warmup(4))
	assert.Equal(t, 1.0, warmup(100))

	require.Panics(t, func() { LinearWarmup(0) })
}

func TestCosineAnnealing(t *testing.T) {
	const period = 100
	const minFactor = 0.001
	cosine := CosineAnnealing(period, minFactor)

	// Full multiplier at the start of each cycle.
	assert.InDelta(t, 1.0, cosine(1), 1e-12)
	assert.InDelta(t, 1.0, cosine(period+1), 1e-12)

	// Halfway through the cycle it's the midpoint.
	assert.InDelta(t, (1+minFactor)/2, cosine(period/2+1), 1e-9)

	// The last step of the cycle is close to the floor, never below it.
	last := cosine(period)
	assert.Greater(t, last, minFactor)
	assert.Less(t, last, minFactor+0.01)

	// Monotonically decreasing within a cycle.
	for step := int64(2); step <= period; step++ {
		assert.Less(t, cosine(step), cosine(step-1))
	}

	require.Panics(t, func() { CosineAnnealing(0, 0.1) })
	require.Panics(t, func() { CosineAnnealing(10, -0.1) })
}

func TestChainSchedules(t *testing.T) {
	chained := ChainSchedules(LinearWarmup(4), ConstantSchedule(0.5))
	assert.InDelta(t, 0.125, chained(1), 1e-12)
	assert.InDelta(t, 0.5, chained(10), 1e-12)

	require.Panics(t, func() { ChainSchedules() })
}
