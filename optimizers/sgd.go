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
	"encoding/gob"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/PluralisResearch/AsyncPP/types/tensors"
)

// SgdDefaultLearningRate is the default learning rate used by the SGD
// optimizer.
const SgdDefaultLearningRate = 0.1

// SGDConfig configures a stochastic gradient descent optimizer. Create it
// with SGD(), set the hyperparameters with the chained methods and call
// Done when finished.
type SGDConfig struct {
	learningRate float64
	momentum     float64
	weightDecay  float64
	clipNorm     float64
	schedule     Schedule
}

// SGD returns a configuration builder for plain stochastic gradient
// descent, optionally with heavy-ball momentum.
//
// It applies gradients as they come, with no staleness compensation. It
// serves as the baseline the staleness-compensated NAdamW is compared
// against.
func SGD() *SGDConfig {
	return &SGDConfig{learningRate: SgdDefaultLearningRate}
}

// LearningRate sets the base learning rate. Defaults to
// SgdDefaultLearningRate.
func (c *SGDConfig) LearningRate(value float64) *SGDConfig {
	c.learningRate = value
	return c
}

// Momentum sets the heavy-ball momentum. Must be in [0, 1); 0 (the default)
// disables the velocity buffer.
func (c *SGDConfig) Momentum(value float64) *SGDConfig {
	c.momentum = value
	return c
}

// WeightDecay sets the decoupled weight decay rate, applied directly to the
// parameter values and scaled by the learning rate. Defaults to 0.
func (c *SGDConfig) WeightDecay(value float64) *SGDConfig {
	c.weightDecay = value
	return c
}

// ClipNorm enables global-norm gradient clipping: gradients are scaled down
// so their joint L2 norm doesn't exceed value. 0 (the default) disables it.
func (c *SGDConfig) ClipNorm(value float64) *SGDConfig {
	c.clipNorm = value
	return c
}

// LearningRateSchedule composes a schedule on top of the base learning rate.
func (c *SGDConfig) LearningRateSchedule(schedule Schedule) *SGDConfig {
	c.schedule = schedule
	return c
}

// Done validates the configuration and returns the optimizer.
func (c *SGDConfig) Done() Optimizer {
	if c.learningRate <= 0 {
		exceptions.Panicf("SGD: learning rate must be > 0, got %g", c.learningRate)
	}
	if c.momentum < 0 || c.momentum >= 1 {
		exceptions.Panicf("SGD: momentum must be in [0, 1), got %g", c.momentum)
	}
	if c.clipNorm < 0 {
		exceptions.Panicf("SGD: clip norm must be >= 0, got %g", c.clipNorm)
	}
	return &sgd{config: *c}
}

var _ Factory = (*SGDConfig)(nil)

// sgdState holds the per-parameter velocity, kept in float64 regardless of
// the parameter dtype.
type sgdState struct {
	velocity []float64

	paramBuf, gradBuf []float64
}

type sgd struct {
	config SGDConfig
	steps  int64
	state  []*sgdState
}

// Step implements Optimizer. Staleness is accepted and ignored.
func (o *sgd) Step(params, grads []*tensors.Tensor, producedAt, current int64) error {
	if err := checkStep(params, grads, producedAt, current); err != nil {
		return err
	}
	if o.state == nil {
		o.state = make([]*sgdState, len(params))
		for ii, param := range params {
			size := param.Size()
			o.state[ii] = &sgdState{
				velocity: make([]float64, size),
				paramBuf: make([]float64, size),
				gradBuf:  make([]float64, size),
			}
		}
	} else {
		if len(o.state) != len(params) {
			return errors.Errorf("Step() got %d params, optimizer state was created for %d", len(params), len(o.state))
		}
		for ii, param := range params {
			if len(o.state[ii].velocity) != param.Size() {
				return errors.Errorf("parameter #%d has %d values, optimizer state was created with %d",
					ii, param.Size(), len(o.state[ii].velocity))
			}
		}
	}

	o.steps++
	lr := o.config.learningRate
	if o.config.schedule != nil {
		lr *= o.config.schedule(o.steps)
	}
	clip := clipFactor(grads, o.config.clipNorm)

	var numeric *NumericError
	for ii := range params {
		if !o.stepParam(o.state[ii], params[ii], grads[ii], lr, clip) {
			if numeric == nil {
				numeric = &NumericError{}
			}
			numeric.Params = append(numeric.Params, ii)
		}
	}
	if numeric != nil {
		return numeric
	}
	return nil
}

// stepParam updates one parameter tensor. It reports false -- leaving the
// parameter and its velocity untouched -- if any element of the update delta
// comes out non-finite.
func (o *sgd) stepParam(st *sgdState, param, grad *tensors.Tensor, lr, clip float64) (applied bool) {
	cfg := &o.config
	readFlat64(param, st.paramBuf)
	readFlat64(grad, st.gradBuf)

	update := func(idx int, commit bool) (delta float64) {
		g := st.gradBuf[idx]
		if clip != 1 {
			g *= clip
		}
		newVelocity := g
		if cfg.momentum > 0 {
			newVelocity += cfg.momentum * st.velocity[idx]
		}
		delta = lr * (newVelocity + cfg.weightDecay*st.paramBuf[idx])
		if commit {
			st.velocity[idx] = newVelocity
			st.paramBuf[idx] -= delta
		}
		return
	}

	for idx := range st.paramBuf {
		if delta := update(idx, false); math.IsNaN(delta) || math.IsInf(delta, 0) {
			return false
		}
	}
	for idx := range st.paramBuf {
		update(idx, true)
	}
	writeFlat64(param, st.paramBuf)
	return true
}

// Clear implements Optimizer.
func (o *sgd) Clear() {
	o.state = nil
	o.steps = 0
}

// sgdSnapshot is the gob wire form of the optimizer state.
type sgdSnapshot struct {
	Steps    int64
	Velocity [][]float64
}

// GobSerialize writes the step counter and velocity buffers to the encoder.
func (o *sgd) GobSerialize(encoder *gob.Encoder) error {
	snapshot := sgdSnapshot{Steps: o.steps}
	for _, st := range o.state {
		snapshot.Velocity = append(snapshot.Velocity, st.velocity)
	}
	return errors.Wrapf(encoder.Encode(snapshot), "failed to serialize SGD state")
}

// GobDeserialize restores the step counter and velocity buffers from the
// decoder, replacing any current state.
func (o *sgd) GobDeserialize(decoder *gob.Decoder) error {
	var snapshot sgdSnapshot
	if err := decoder.Decode(&snapshot); err != nil {
		return errors.Wrapf(err, "failed to deserialize SGD state")
	}
	o.steps = snapshot.Steps
	o.state = nil
	if len(snapshot.Velocity) == 0 {
		return nil
	}
	o.state = make([]*sgdState, len(snapshot.Velocity))
	for ii, velocity := range snapshot.Velocity {
		o.state[ii] = &sgdState{
			velocity: velocity,
			paramBuf: make([]float64, len(velocity)),
			gradBuf:  make([]float64, len(velocity)),
		}
	}
	return nil
}

var _ Serializable = (*sgd)(nil)
