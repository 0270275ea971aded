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
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/PluralisResearch/AsyncPP/optimizers"
	"github.com/PluralisResearch/AsyncPP/transport"
	"github.com/PluralisResearch/AsyncPP/types/tensors"
	"github.com/PluralisResearch/AsyncPP/types/xsync"
)

// Config configures a pipeline run. Create it with Build, adjust it with
// the chained methods and call Done to assemble the Coordinator.
type Config struct {
	transports   []transport.Transport
	modules      []Module
	loss         LossFunc
	policy       SchedulePolicy
	factory      optimizers.Factory
	maxStaleness int64
	stashing     bool
	trace        *TraceRecorder
}

// Build starts the configuration of a pipeline: one transport and one
// module per stage, in stage order, plus the loss closing the last stage.
// The transports must already be connected to each other; their ranks must
// match the stage indices.
func Build(transports []transport.Transport, modules []Module, loss LossFunc) *Config {
	return &Config{
		transports:   transports,
		modules:      modules,
		loss:         loss,
		policy:       Asynchronous(1),
		factory:      optimizers.NAdamW(),
		maxStaleness: -1,
	}
}

// Policy selects the schedule. Defaults to Asynchronous(1), which keeps
// staleness at zero.
func (c *Config) Policy(policy SchedulePolicy) *Config {
	c.policy = policy
	return c
}

// Optimizer sets the optimizer configuration; each stage builds its own
// instance from it. Defaults to NAdamW with default hyperparameters.
func (c *Config) Optimizer(factory optimizers.Factory) *Config {
	c.factory = factory
	return c
}

// MaxStaleness overrides the staleness bound. The default, window-1, is
// the largest staleness the window can produce anyway; a smaller bound
// shrinks the effective in-flight capacity so the scheduler stalls
// forwards earlier.
func (c *Config) MaxStaleness(bound int64) *Config {
	c.maxStaleness = bound
	return c
}

// WeightStashing makes every backward pass run against the parameter
// values its forward pass saw, instead of the currently installed ones.
// Off by default: under the asynchronous policy the optimizer's staleness
// correction covers the version gap.
func (c *Config) WeightStashing(enabled bool) *Config {
	c.stashing = enabled
	return c
}

// Trace attaches a recorder that captures every executed schedule entry.
func (c *Config) Trace(recorder *TraceRecorder) *Config {
	c.trace = recorder
	return c
}

// Done validates the configuration and assembles the Coordinator. It
// panics on invalid configurations.
func (c *Config) Done() *Coordinator {
	numStages := len(c.modules)
	if numStages < 1 {
		exceptions.Panicf("pipeline.Build: at least one stage is required")
	}
	if len(c.transports) != numStages {
		exceptions.Panicf("pipeline.Build: %d modules but %d transports", numStages, len(c.transports))
	}
	for ii, tr := range c.transports {
		if tr == nil || c.modules[ii] == nil {
			exceptions.Panicf("pipeline.Build: stage %d has a nil module or transport", ii)
		}
		if tr.Rank() != transport.Rank(ii) {
			exceptions.Panicf("pipeline.Build: transport at position %d has rank %d", ii, tr.Rank())
		}
	}
	if c.loss == nil {
		exceptions.Panicf("pipeline.Build: a loss function is required")
	}
	if c.policy.Window < 1 || c.policy.Accumulate < 1 {
		exceptions.Panicf("pipeline.Build: invalid schedule policy %+v", c.policy)
	}
	maxStaleness := c.maxStaleness
	if maxStaleness < 0 {
		maxStaleness = int64(c.policy.Window - 1)
	}

	coord := &Coordinator{
		runID:      uuid.NewString(),
		numStages:  numStages,
		policy:     c.policy,
		transports: c.transports,
		inject:     make(chan injectEvent),
		targets:    make(chan *tensors.Tensor, c.policy.Window+1),
		outputs:    make(chan Output, c.policy.Window+1),
		failure:    xsync.NewLatchWithValue[error](),
		done:       xsync.NewLatch(),
		injectOpen: true,
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
	}
	for stage := 0; stage < numStages; stage++ {
		ledger := NewLedger(stage, c.policy.Window, maxStaleness)
		exec := newExecutor(stage, c.modules[stage], c.factory.Done(), ledger, c.policy.Accumulate, c.stashing, c.trace)
		w := &worker{
			exec:      exec,
			tr:        c.transports[stage],
			rank:      transport.Rank(stage),
			numStages: numStages,
			actIn:     make(chan transport.Message),
			gradIn:    make(chan transport.Message),
			failure:   coord.failure,
			done:      xsync.NewLatch(),
		}
		if stage == 0 {
			w.inject = coord.inject
		}
		if stage == numStages-1 {
			exec.loss = c.loss
			w.targets = coord.targets
			w.outputs = coord.outputs
		}
		coord.ledgers = append(coord.ledgers, ledger)
		coord.execs = append(coord.execs, exec)
		coord.workers = append(coord.workers, w)
	}
	return coord
}

// Priority orders hooks; the lowest values run first. Defaults to 0, and
// negative values are fine.
type Priority int

// OnStartFn is the type of OnStart hooks, run before the first injection.
type OnStartFn func(coord *Coordinator) error

// OnStepFn is the type of OnStep hooks, run for every microbatch result
// drained from the last stage.
type OnStepFn func(coord *Coordinator, out Output) error

// OnEndFn is the type of OnEnd hooks, run after a clean drain.
type OnEndFn func(coord *Coordinator) error

// Coordinator owns a pipeline run: it injects microbatches at stage 0,
// drains outputs from the last stage, and propagates stop and failure.
// Build one with Build(...).Done().
type Coordinator struct {
	runID      string
	numStages  int
	policy     SchedulePolicy
	transports []transport.Transport
	workers    []*worker
	execs      []*executor
	ledgers    []*Ledger

	inject  chan injectEvent
	targets chan *tensors.Tensor
	outputs chan Output

	failure *xsync.LatchWithValue[error]
	done    *xsync.Latch

	injectGate sync.Mutex
	mu         sync.Mutex
	started    bool
	stopped    bool
	injectOpen bool
	nextMb     int

	closeOnce sync.Once

	injected atomic.Int64
	drained  atomic.Int64

	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// RunID identifies this run, for logs and checkpoints.
func (c *Coordinator) RunID() string { return c.runID }

// NumStages returns the pipeline depth.
func (c *Coordinator) NumStages() int { return c.numStages }

// Policy returns the schedule policy the pipeline runs under.
func (c *Coordinator) Policy() SchedulePolicy { return c.policy }

// Versions returns a snapshot of every stage's installed parameter version.
func (c *Coordinator) Versions() []int64 {
	versions := make([]int64, c.numStages)
	for ii, ledger := range c.ledgers {
		versions[ii] = ledger.CurrentVersion()
	}
	return versions
}

// Injected returns how many microbatches entered the pipeline.
func (c *Coordinator) Injected() int64 { return c.injected.Load() }

// Drained returns how many microbatch results left the pipeline.
func (c *Coordinator) Drained() int64 { return c.drained.Load() }

// TransportStats returns a snapshot of each stage's transport counters.
func (c *Coordinator) TransportStats() []transport.StatsSnapshot {
	stats := make([]transport.StatsSnapshot, c.numStages)
	for ii, tr := range c.transports {
		stats[ii] = tr.Stats().Snapshot()
	}
	return stats
}

// OnStart adds a hook with the given priority and name (for error
// reporting) to the start of a run.
func (c *Coordinator) OnStart(name string, priority Priority, fn OnStartFn) {
	c.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with the given priority and name to every drained
// microbatch result.
func (c *Coordinator) OnStep(name string, priority Priority, fn OnStepFn) {
	c.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEnd adds a hook with the given priority and name to the end of a
// clean run.
func (c *Coordinator) OnEnd(name string, priority Priority, fn OnEndFn) {
	c.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// Start launches the stage goroutines. It is a no-op when already started.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	if c.stopped {
		return errors.New("pipeline has already been stopped")
	}
	c.started = true
	klog.V(1).Infof("run %s: starting %d stage(s), window %d, accumulate %d",
		c.runID, c.numStages, c.policy.Window, c.policy.Accumulate)
	for _, w := range c.workers {
		w.start()
	}
	go func() {
		for _, w := range c.workers {
			w.done.Wait()
		}
		c.closeTransports()
		close(c.outputs)
		c.done.Trigger()
	}()
	go func() {
		select {
		case <-c.failure.WaitChan():
			// Unblock workers stuck in transport calls.
			c.closeTransports()
		case <-c.done.WaitChan():
		}
	}()
	return nil
}

func (c *Coordinator) closeTransports() {
	c.closeOnce.Do(func() {
		for _, tr := range c.transports {
			if err := tr.Close(); err != nil {
				klog.V(1).Infof("run %s: closing transport %d: %v", c.runID, tr.Rank(), err)
			}
		}
	})
}

// Inject feeds one microbatch into stage 0. Ids must be contiguous,
// starting at 0. The target goes to the last stage's loss; it may be nil
// if the loss ignores it. Inject blocks while stage 0's window is full,
// which is the intended backpressure, and fails with ErrStopped once the
// pipeline is stopping.
func (c *Coordinator) Inject(mb int, input, target *tensors.Tensor) error {
	c.injectGate.Lock()
	defer c.injectGate.Unlock()
	return c.injectLocked(mb, input, target)
}

// InjectNext is Inject with the next microbatch id assigned automatically.
func (c *Coordinator) InjectNext(input, target *tensors.Tensor) (mb int, err error) {
	c.injectGate.Lock()
	defer c.injectGate.Unlock()
	c.mu.Lock()
	mb = c.nextMb
	c.mu.Unlock()
	return mb, c.injectLocked(mb, input, target)
}

func (c *Coordinator) injectLocked(mb int, input, target *tensors.Tensor) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return errors.New("pipeline not started")
	}
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if mb != c.nextMb {
		expected := c.nextMb
		c.mu.Unlock()
		return errors.Errorf("microbatch ids must be contiguous: got %d, expected %d", mb, expected)
	}
	c.mu.Unlock()
	if c.failure.Test() {
		return c.failure.Value()
	}

	// Target first: the last stage consumes it right after the microbatch's
	// activation arrives there.
	select {
	case c.targets <- target:
	case <-c.failure.WaitChan():
		return c.failure.Value()
	}
	select {
	case c.inject <- injectEvent{mb: mb, input: input}:
	case <-c.failure.WaitChan():
		return c.failure.Value()
	}
	c.mu.Lock()
	c.nextMb++
	c.mu.Unlock()
	c.injected.Add(1)
	return nil
}

// Drain returns the next microbatch result from the last stage, blocking
// until one is available. After the run finishes cleanly and all results
// were consumed it returns io.EOF; after an abort it returns the failure.
func (c *Coordinator) Drain() (Output, error) {
	out, ok := <-c.outputs
	if !ok {
		if c.failure.Test() {
			return Output{}, c.failure.Value()
		}
		return Output{}, io.EOF
	}
	c.drained.Add(1)
	return out, nil
}

// SignalStop begins a graceful drain: no new injections are accepted, the
// in-band drain marker trails the last accepted activation through the
// stages, every stage finishes its in-flight microbatches and applies any
// pending accumulation, then exits. Safe to call more than once.
func (c *Coordinator) SignalStop() {
	c.injectGate.Lock()
	defer c.injectGate.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.started && c.injectOpen {
		close(c.inject)
		c.injectOpen = false
	}
}

// abort stops the run with an error, as if a stage had failed.
func (c *Coordinator) abort(err error) {
	c.failure.Trigger(err)
}

// Wait blocks until every stage has exited and returns the run's failure,
// if any.
func (c *Coordinator) Wait() error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return errors.New("pipeline not started")
	}
	c.done.Wait()
	if c.failure.Test() {
		return c.failure.Value()
	}
	return nil
}

// Close stops the pipeline (gracefully if it is healthy) and releases the
// transports.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		c.closeTransports()
		return nil
	}
	c.SignalStop()
	return c.Wait()
}

// Run drives one pass over the dataset: it starts the pipeline, injects
// every yielded microbatch, drains all results through the OnStep hooks
// and performs a graceful stop at io.EOF.
func (c *Coordinator) Run(ds Dataset) error {
	return c.RunEpochs(ds, 1)
}

// RunEpochs is Run repeated over the dataset epochs times, resetting it
// between passes. The pipeline stays full across epoch boundaries; the
// drain happens once, after the last epoch.
func (c *Coordinator) RunEpochs(ds Dataset, epochs int) error {
	if epochs < 1 {
		exceptions.Panicf("RunEpochs: epochs must be >= 1, got %d", epochs)
	}
	if err := c.Start(); err != nil {
		return err
	}

	var startErr error
	c.onStart.Enumerate(func(hook *hookWithName[OnStartFn]) {
		if startErr == nil {
			startErr = errors.WithMessagef(hook.fn(c), "OnStart hook %q", hook.name)
		}
	})
	if startErr != nil {
		c.abort(startErr)
		_ = c.Wait()
		return startErr
	}

	drainDone := make(chan error, 1)
	go func() {
		for {
			out, err := c.Drain()
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = nil
				}
				drainDone <- err
				return
			}
			var hookErr error
			c.onStep.Enumerate(func(hook *hookWithName[OnStepFn]) {
				if hookErr == nil {
					hookErr = errors.WithMessagef(hook.fn(c, out), "OnStep hook %q", hook.name)
				}
			})
			if hookErr != nil {
				c.abort(hookErr)
			}
		}
	}()

	var injectErr error
injection:
	for epoch := 0; epoch < epochs; epoch++ {
		if epoch > 0 {
			ds.Reset()
		}
		for {
			input, target, err := ds.Yield()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				injectErr = errors.WithMessagef(err, "dataset %q", ds.Name())
				c.abort(injectErr)
				break injection
			}
			if _, err := c.InjectNext(input, target); err != nil {
				injectErr = err
				break injection
			}
		}
	}

	c.SignalStop()
	runErr := c.Wait()
	drainErr := <-drainDone
	switch {
	case runErr != nil:
		return runErr
	case injectErr != nil:
		return injectErr
	case drainErr != nil:
		return drainErr
	}

	var endErr error
	c.onEnd.Enumerate(func(hook *hookWithName[OnEndFn]) {
		if endErr == nil {
			endErr = errors.WithMessagef(hook.fn(c), "OnEnd hook %q", hook.name)
		}
	})
	return endErr
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks of one kind per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{hooks: make(map[Priority][]H)}
}

// Add registers hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// Enumerate calls fn for all registered hooks in priority order.
func (h *priorityHooks[H]) Enumerate(fn func(hook H)) {
	keys := make([]Priority, 0, len(h.hooks))
	for key := range h.hooks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, key := range keys {
		for _, hook := range h.hooks[key] {
			fn(hook)
		}
	}
}
