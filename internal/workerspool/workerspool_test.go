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

package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PluralisResearch/AsyncPP/types/xsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_WaitToStart(t *testing.T) {
	pool := New()
	maxParallelism := 3
	pool.SetMaxParallelism(maxParallelism)

	var running, peak atomic.Int32
	release := xsync.NewLatch()
	var wg sync.WaitGroup
	numTasks := 10
	done := xsync.NewLatch()
	go func() {
		for range numTasks {
			wg.Add(1)
			pool.WaitToStart(func() {
				defer wg.Done()
				got := running.Add(1)
				for {
					current := peak.Load()
					if got <= current || peak.CompareAndSwap(current, got) {
						break
					}
				}
				if int(got) == maxParallelism {
					release.Trigger()
				}
				release.Wait()
				running.Add(-1)
			})
		}
		wg.Wait()
		done.Trigger()
	}()

	select {
	case <-done.WaitChan():
		// Success.
	case <-time.After(time.Second):
		t.Fatal("Timeout before all tasks were executed.")
	}
	assert.Equal(t, int32(maxParallelism), peak.Load())

	// No parallelism: task runs inline.
	pool.SetMaxParallelism(0)
	inlineRan := false
	pool.WaitToStart(func() { inlineRan = true })
	assert.True(t, inlineRan, "with parallelism disabled task must run inline")
}

func TestPool_StartIfAvailable(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(1)

	release := xsync.NewLatch()
	started := xsync.NewLatch()
	var wg sync.WaitGroup
	wg.Add(1)
	require.True(t, pool.StartIfAvailable(func() {
		defer wg.Done()
		started.Trigger()
		release.Wait()
	}))
	started.Wait()

	// Pool is saturated, the second task must be refused.
	assert.False(t, pool.StartIfAvailable(func() { t.Error("task must not run") }))
	release.Trigger()
	wg.Wait()

	// After the first task ends a worker frees up again. The worker count is
	// only decremented after the task returns, hence Eventually.
	var ran atomic.Bool
	require.Eventually(t, func() bool {
		return pool.StartIfAvailable(func() { ran.Store(true) })
	}, time.Second, time.Millisecond)
	require.Eventually(t, ran.Load, time.Second, time.Millisecond)

	// Disabled pool refuses everything.
	pool.SetMaxParallelism(0)
	assert.False(t, pool.StartIfAvailable(func() { t.Error("task must not run") }))
}
