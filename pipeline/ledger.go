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
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Ledger tracks, for one stage, the currently-installed parameter version
// and the version every in-flight microbatch was forwarded against. It is
// the authority for staleness: a gradient's staleness is the distance
// between the version it was produced at and the version installed when it
// is applied.
//
// The ledger enforces the staleness bound by capacity: it admits at most
// min(window, maxStaleness+1) in-flight microbatches. With at most one
// optimizer step per retired microbatch, no gradient can then be applied
// with staleness above maxStaleness, so the scheduler stalls forwards
// (backpressure) instead of ever producing an out-of-bound gradient.
//
// All mutating methods belong to the stage's own scheduler goroutine.
// CurrentVersion is safe to call from anywhere.
type Ledger struct {
	stage        int
	capacity     int
	maxStaleness int64

	current  atomic.Int64
	inFlight []ledgerEntry
	lastMb   int
}

type ledgerEntry struct {
	mb      int
	version int64
}

// NewLedger creates the version ledger for one stage. maxStaleness caps the
// version distance any gradient may be applied at; the usual value is
// window-1, which makes the window the only effective bound.
func NewLedger(stage, window int, maxStaleness int64) *Ledger {
	if window < 1 {
		exceptions.Panicf("pipeline.NewLedger: window must be >= 1, got %d", window)
	}
	if maxStaleness < 0 {
		exceptions.Panicf("pipeline.NewLedger: maxStaleness must be >= 0, got %d", maxStaleness)
	}
	capacity := window
	if maxStaleness < int64(window-1) {
		capacity = int(maxStaleness) + 1
	}
	return &Ledger{
		stage:        stage,
		capacity:     capacity,
		maxStaleness: maxStaleness,
		lastMb:       -1,
	}
}

// CurrentVersion returns the installed parameter version.
func (l *Ledger) CurrentVersion() int64 { return l.current.Load() }

// RecordStep increments the installed parameter version by exactly one and
// returns the new version. Versions are strictly increasing and contiguous.
func (l *Ledger) RecordStep() int64 { return l.current.Add(1) }

// MaxStaleness returns the configured staleness bound.
func (l *Ledger) MaxStaleness() int64 { return l.maxStaleness }

// Capacity returns how many microbatches may be in flight at once,
// min(window, maxStaleness+1).
func (l *Ledger) Capacity() int { return l.capacity }

// InFlight returns the number of microbatches forwarded but not yet
// retired by a backward pass.
func (l *Ledger) InFlight() int { return len(l.inFlight) }

// CanTagForward reports whether another forward may start without the
// possibility of exceeding the staleness bound. When false the scheduler
// must stall the forward until a backward retires an entry.
func (l *Ledger) CanTagForward() bool { return len(l.inFlight) < l.capacity }

// TagForward registers microbatch mb as in flight and returns the version
// its activation is produced at. Microbatch ids must be tagged in
// increasing order, and never beyond capacity; violations are scheduler
// bugs.
func (l *Ledger) TagForward(mb int) int64 {
	if !l.CanTagForward() {
		exceptions.Panicf("stage %d: forward for microbatch %d would exceed the in-flight capacity %d",
			l.stage, mb, l.capacity)
	}
	if mb <= l.lastMb {
		exceptions.Panicf("stage %d: forward for microbatch %d tagged after microbatch %d", l.stage, mb, l.lastMb)
	}
	l.lastMb = mb
	version := l.current.Load()
	l.inFlight = append(l.inFlight, ledgerEntry{mb: mb, version: version})
	return version
}

// OldestInFlight returns the microbatch whose backward pass is due next,
// if any. Backward passes retire microbatches strictly in forward order.
func (l *Ledger) OldestInFlight() (mb int, ok bool) {
	if len(l.inFlight) == 0 {
		return 0, false
	}
	return l.inFlight[0].mb, true
}

// Retire removes microbatch mb from the in-flight set after its backward
// pass consumed the saved activation, returning the version its forward
// was tagged with. Retiring out of order is an error: it means a gradient
// arrived for a microbatch that is not the oldest, which the FIFO channel
// contract rules out.
func (l *Ledger) Retire(mb int) (producedAt int64, err error) {
	if len(l.inFlight) == 0 {
		return 0, errors.Errorf("stage %d: no microbatch in flight, cannot retire %d", l.stage, mb)
	}
	head := l.inFlight[0]
	if head.mb != mb {
		return 0, errors.Errorf("stage %d: gradient for microbatch %d arrived while %d is the oldest in flight",
			l.stage, mb, head.mb)
	}
	l.inFlight = l.inFlight[1:]
	return head.version, nil
}

// Staleness returns how many optimizer steps the stage has installed since
// the given version was current.
func (l *Ledger) Staleness(producedAt int64) int64 {
	staleness := l.current.Load() - producedAt
	if staleness < 0 {
		exceptions.Panicf("stage %d: version %d claims to be produced after the installed version %d",
			l.stage, producedAt, l.current.Load())
	}
	return staleness
}

// restoreVersion installs a checkpointed version. Only valid while the
// stage is quiescent (nothing in flight).
func (l *Ledger) restoreVersion(version int64) {
	if len(l.inFlight) != 0 {
		exceptions.Panicf("stage %d: cannot restore a version with %d microbatches in flight",
			l.stage, len(l.inFlight))
	}
	l.current.Store(version)
}
