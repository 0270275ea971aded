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
	"math"

	"github.com/gomlx/exceptions"
)

// This file implements learning rate schedules.

// Schedule maps the optimizer's step counter (starting at 1 for the first
// update) to a multiplier applied to the base learning rate. Attach one to
// an optimizer with its LearningRateSchedule configuration method.
type Schedule func(step int64) float64

// ConstantSchedule always returns the same multiplier.
func ConstantSchedule(factor float64) Schedule {
	return func(step int64) float64 { return factor }
}

// LinearWarmup ramps the multiplier linearly from 1/steps at the first step
// up to 1 at step number steps, and keeps it at 1 afterward.
func LinearWarmup(steps int64) Schedule {
	if steps <= 0 {
		exceptions.Panicf("LinearWarmup: steps must be > 0, got %d", steps)
	}
	return func(step int64) float64 {
		if step >= steps {
			return 1
		}
		return float64(step) / float64(steps)
	}
}

// CosineAnnealing decays the multiplier from 1 down to minFactor along a
// half cosine over periodSteps steps, then restarts the cycle. See
// https://paperswithcode.com/method/cosine-annealing.
//
// It's common to use only one period (so no annealing, just a cosine
// schedule), in which case set periodSteps to the total number of training
// steps. A typical minFactor is 1e-3.
func CosineAnnealing(periodSteps int64, minFactor float64) Schedule {
	if periodSteps <= 0 {
		exceptions.Panicf("CosineAnnealing: period in steps must be > 0, got %d", periodSteps)
	}
	if minFactor < 0 || minFactor > 1 {
		exceptions.Panicf("CosineAnnealing: minFactor must be in [0, 1], got %g", minFactor)
	}
	return func(step int64) float64 {
		// Step counting starts at 1.
		cycle := float64((step-1)%periodSteps) / float64(periodSteps)
		cosine := math.Cos(cycle * math.Pi)
		return minFactor + (1-minFactor)*(cosine+1)/2
	}
}

// ChainSchedules multiplies the given schedules together. Chaining
// LinearWarmup with CosineAnnealing gives the usual warmup-then-decay
// profile.
func ChainSchedules(schedules ...Schedule) Schedule {
	if len(schedules) == 0 {
		exceptions.Panicf("ChainSchedules requires at least one schedule")
	}
	return func(step int64) float64 {
		factor := 1.0
		for _, schedule := range schedules {
			factor *= schedule(step)
		}
		return factor
	}
}
