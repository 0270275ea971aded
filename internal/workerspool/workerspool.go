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

// Package workerspool bounds the parallelism of CPU-heavy inner loops, such
// as the matrix products inside the stage modules. One pool is shared per
// concern; tasks wait for a free worker instead of spawning unbounded
// goroutines.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool runs tasks in goroutines while keeping the number of concurrently
// running tasks near a soft parallelism target.
type Pool struct {
	// maxParallelism is a soft target for the number of tasks running at
	// once. 0 disables parallelism (tasks run inline), negative means
	// unlimited.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning decreases.
	numRunning int
}

// New returns a Pool with the default parallelism, runtime.NumCPU().
func New() *Pool {
	p := &Pool{maxParallelism: runtime.NumCPU()}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// IsEnabled returns whether parallelism is enabled (MaxParallelism != 0).
func (p *Pool) IsEnabled() bool { return p.maxParallelism != 0 }

// MaxParallelism returns the soft target for concurrently running tasks.
func (p *Pool) MaxParallelism() int { return p.maxParallelism }

// SetMaxParallelism changes the parallelism target: 0 disables parallelism,
// negative makes it unlimited. Only change it while no tasks are running.
func (p *Pool) SetMaxParallelism(maxParallelism int) {
	p.maxParallelism = maxParallelism
}

// WaitToStart waits until a worker is available, then runs task in its own
// goroutine. With parallelism disabled the task runs inline instead --
// callers must not depend on concurrency with the caller.
//
// Joining the completion of tasks is up to the caller (typically a
// sync.WaitGroup inside task).
func (p *Pool) WaitToStart(task func()) {
	if p.maxParallelism < 0 {
		go task()
		return
	}
	if p.maxParallelism == 0 {
		task()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.numRunning >= p.maxParallelism {
		p.cond.Wait()
	}
	p.lockedRunTaskInGoroutine(task)
}

// StartIfAvailable runs the task in its own goroutine if a worker is free,
// reporting whether it did. It never blocks and never runs the task inline.
func (p *Pool) StartIfAvailable(task func()) bool {
	if p.maxParallelism < 0 {
		go task()
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxParallelism == 0 || p.numRunning >= p.maxParallelism {
		return false
	}
	p.lockedRunTaskInGoroutine(task)
	return true
}

// lockedRunTaskInGoroutine starts task and keeps tabs on numRunning.
// It must be called with p.mu held.
func (p *Pool) lockedRunTaskInGoroutine(task func()) {
	p.numRunning++
	go func() {
		task()
		p.mu.Lock()
		p.numRunning--
		p.cond.Signal()
		p.mu.Unlock()
	}()
}
