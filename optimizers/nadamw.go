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

const (
	// NAdamWDefaultLearningRate is used by NAdamW if no learning rate is set.
	NAdamWDefaultLearningRate = 0.001

	// NAdamWDefaultEpsilon is the denominator guard added to the root of the
	// second moment.
	NAdamWDefaultEpsilon = 1e-7

	// NAdamWDefaultMomentum is the decay of the velocity buffer used for the
	// staleness lookahead.
	NAdamWDefaultMomentum = 0.9
)

// NAdamWConfig configures a staleness-compensated NAdamW optimizer.
// Create it with NAdamW(), set the hyperparameters with the chained methods
// and call Done when finished.
type NAdamWConfig struct {
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	momentum     float64
	weightDecay  float64
	clipNorm     float64
	maxStaleness int64
	schedule     Schedule
}

// NAdamW returns a configuration builder for the staleness-compensated
// NAdamW optimizer.
//
// NAdamW is AdamW with a Nesterov-style step direction. On top of it, when a
// gradient arrives with staleness s > 0 -- produced at a parameter version s
// steps behind the one currently installed -- the raw gradient is corrected
// with a lookahead along the velocity buffer before entering the moment
// updates, compensating for the parameter travel the gradient never saw.
// With staleness 0 the update is exactly the plain NAdamW update.
func NAdamW() *NAdamWConfig {
	return &NAdamWConfig{
		learningRate: NAdamWDefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      NAdamWDefaultEpsilon,
		momentum:     NAdamWDefaultMomentum,
		maxStaleness: -1,
	}
}

// LearningRate sets the base learning rate. Defaults to
// NAdamWDefaultLearningRate.
func (c *NAdamWConfig) LearningRate(value float64) *NAdamWConfig {
	c.learningRate = value
	return c
}

// Betas sets the moment decay rates. Defaults to 0.9 and 0.999.
func (c *NAdamWConfig) Betas(beta1, beta2 float64) *NAdamWConfig {
	c.beta1 = beta1
	c.beta2 = beta2
	return c
}

// Epsilon sets the denominator guard. Defaults to NAdamWDefaultEpsilon.
func (c *NAdamWConfig) Epsilon(value float64) *NAdamWConfig {
	c.epsilon = value
	return c
}

// Momentum sets the velocity buffer decay used by the staleness lookahead.
// Must be in [0, 1); 0 disables the lookahead entirely. Defaults to
// NAdamWDefaultMomentum.
func (c *NAdamWConfig) Momentum(value float64) *NAdamWConfig {
	c.momentum = value
	return c
}

// WeightDecay sets the decoupled weight decay rate, applied directly to the
// parameter values and scaled by the learning rate. Defaults to 0.
func (c *NAdamWConfig) WeightDecay(value float64) *NAdamWConfig {
	c.weightDecay = value
	return c
}

// ClipNorm enables global-norm gradient clipping: gradients are scaled down
// so their joint L2 norm doesn't exceed value. 0 (the default) disables it.
func (c *NAdamWConfig) ClipNorm(value float64) *NAdamWConfig {
	c.clipNorm = value
	return c
}

// MaxStaleness makes Step fail on gradients staler than the given bound.
// The scheduler is responsible for never letting that happen, so this is a
// safety net. Negative (the default) disables the check.
func (c *NAdamWConfig) MaxStaleness(value int64) *NAdamWConfig {
	c.maxStaleness = value
	return c
}

// LearningRateSchedule composes a schedule on top of the base learning rate.
func (c *NAdamWConfig) LearningRateSchedule(schedule Schedule) *NAdamWConfig {
	c.schedule = schedule
	return c
}

// Done validates the configuration and returns the optimizer.
func (c *NAdamWConfig) Done() Optimizer {
	if c.learningRate <= 0 {
		exceptions.Panicf("NAdamW: learning rate must be > 0, got %g", c.learningRate)
	}
	if c.beta1 < 0 || c.beta1 >= 1 || c.beta2 < 0 || c.beta2 >= 1 {
		exceptions.Panicf("NAdamW: betas must be in [0, 1), got %g and %g", c.beta1, c.beta2)
	}
	if c.momentum < 0 || c.momentum >= 1 {
		exceptions.Panicf("NAdamW: momentum must be in [0, 1), got %g", c.momentum)
	}
	if c.epsilon <= 0 {
		exceptions.Panicf("NAdamW: epsilon must be > 0, got %g", c.epsilon)
	}
	if c.clipNorm < 0 {
		exceptions.Panicf("NAdamW: clip norm must be >= 0, got %g", c.clipNorm)
	}
	return &nadamw{config: *c}
}

var _ Factory = (*NAdamWConfig)(nil)

// nadamwState holds the per-parameter buffers: first moment, second moment
// and the velocity used for the staleness lookahead. State is kept in
// float64 regardless of the parameter dtype.
type nadamwState struct {
	M, V, U []float64

	paramBuf, gradBuf []float64
}

type nadamw struct {
	config NAdamWConfig
	steps  int64
	state  []*nadamwState
}

// Step implements Optimizer.
func (o *nadamw) Step(params, grads []*tensors.Tensor, producedAt, current int64) error {
	if err := checkStep(params, grads, producedAt, current); err != nil {
		return err
	}
	staleness := current - producedAt
	if o.config.maxStaleness >= 0 && staleness > o.config.maxStaleness {
		return &StalenessError{Staleness: staleness, Max: o.config.maxStaleness}
	}
	if o.state == nil {
		o.state = make([]*nadamwState, len(params))
		for ii, param := range params {
			size := param.Size()
			o.state[ii] = &nadamwState{
				M:        make([]float64, size),
				V:        make([]float64, size),
				U:        make([]float64, size),
				paramBuf: make([]float64, size),
				gradBuf:  make([]float64, size),
			}
		}
	} else {
		if len(o.state) != len(params) {
			return errors.Errorf("Step() got %d params, optimizer state was created for %d", len(params), len(o.state))
		}
		for ii, param := range params {
			if len(o.state[ii].M) != param.Size() {
				return errors.Errorf("parameter #%d has %d values, optimizer state was created with %d",
					ii, param.Size(), len(o.state[ii].M))
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
		if !o.stepParam(o.state[ii], params[ii], grads[ii], staleness, lr, clip) {
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
// parameter and all optimizer state for it untouched -- if any element of
// the update delta comes out non-finite.
func (o *nadamw) stepParam(st *nadamwState, param, grad *tensors.Tensor, staleness int64, lr, clip float64) (applied bool) {
	cfg := &o.config
	readFlat64(param, st.paramBuf)
	readFlat64(grad, st.gradBuf)

	t := float64(o.steps)
	debias1 := 1 / (1 - math.Pow(cfg.beta1, t))
	debias2 := 1 / (1 - math.Pow(cfg.beta2, t))
	// Nesterov step direction: the debiased first moment plus a debiased
	// share of the current effective gradient.
	nesterov := (1 - cfg.beta1) * debias1

	// Lookahead coefficient for staleness s: the geometric sum
	// mu + mu^2 + ... + mu^s, which is what s compositions of the velocity
	// decay contribute between the version the gradient saw and the
	// version installed now.
	var lookahead float64
	if staleness > 0 && cfg.momentum > 0 {
		lookahead = cfg.momentum * (1 - math.Pow(cfg.momentum, float64(staleness))) / (1 - cfg.momentum)
	}

	update := func(idx int, commit bool) (delta float64) {
		g := st.gradBuf[idx]
		if clip != 1 {
			g *= clip
		}
		gEff := g
		if lookahead != 0 {
			gEff += lookahead * st.U[idx]
		}
		newU := cfg.momentum*st.U[idx] + (1-cfg.momentum)*gEff
		newM := cfg.beta1*st.M[idx] + (1-cfg.beta1)*gEff
		newV := cfg.beta2*st.V[idx] + (1-cfg.beta2)*gEff*gEff
		direction := cfg.beta1*newM*debias1 + nesterov*gEff
		delta = lr * (direction/(math.Sqrt(newV*debias2)+cfg.epsilon) + cfg.weightDecay*st.paramBuf[idx])
		if commit {
			st.U[idx], st.M[idx], st.V[idx] = newU, newM, newV
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
func (o *nadamw) Clear() {
	o.state = nil
	o.steps = 0
}

// nadamwSnapshot is the gob wire form of the optimizer state.
type nadamwSnapshot struct {
	Steps   int64
	M, V, U [][]float64
}

// GobSerialize writes the step counter and moment buffers to the encoder.
// The hyperparameters are not included; they come from the configuration.
func (o *nadamw) GobSerialize(encoder *gob.Encoder) error {
	snapshot := nadamwSnapshot{Steps: o.steps}
	for _, st := range o.state {
		snapshot.M = append(snapshot.M, st.M)
		snapshot.V = append(snapshot.V, st.V)
		snapshot.U = append(snapshot.U, st.U)
	}
	return errors.Wrapf(encoder.Encode(snapshot), "failed to serialize NAdamW state")
}

// GobDeserialize restores the step counter and moment buffers from the
// decoder, replacing any current state.
func (o *nadamw) GobDeserialize(decoder *gob.Decoder) error {
	var snapshot nadamwSnapshot
	if err := decoder.Decode(&snapshot); err != nil {
		return errors.Wrapf(err, "failed to deserialize NAdamW state")
	}
	o.steps = snapshot.Steps
	o.state = nil
	if len(snapshot.M) == 0 {
		return nil
	}
	if len(snapshot.V) != len(snapshot.M) || len(snapshot.U) != len(snapshot.M) {
		return errors.Errorf("inconsistent NAdamW state: %d first moments, %d second moments, %d velocities",
			len(snapshot.M), len(snapshot.V), len(snapshot.U))
	}
	o.state = make([]*nadamwState, len(snapshot.M))
	for ii := range snapshot.M {
		size := len(snapshot.M[ii])
		if len(snapshot.V[ii]) != size || len(snapshot.U[ii]) != size {
			return errors.Errorf("inconsistent NAdamW state for parameter #%d", ii)
		}
		o.state[ii] = &nadamwState{
			M:        snapshot.M[ii],
			V:        snapshot.V[ii],
			U:        snapshot.U[ii],
			paramBuf: make([]float64, size),
			gradBuf:  make([]float64, size),
		}
	}
	return nil
}

var _ Serializable = (*nadamw)(nil)
