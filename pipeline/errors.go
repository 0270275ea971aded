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
	"fmt"

	"github.com/pkg/errors"
)

// The runtime distinguishes four failure classes:
//
//   - A compute failure (ComputeError) is fatal: the pipeline cannot make
//     progress with a missing stage, so the run aborts and a stop signal is
//     propagated to the peers.
//   - A transport failure (TransportError) is fatal for the same reason, and
//     is never retried: a lost activation or gradient would corrupt the
//     microbatch ordering invariant.
//   - A forward that would exceed the staleness bound is not an error at
//     all: the scheduler stalls it (backpressure). A staleness violation
//     surfacing from the optimizer therefore indicates a scheduler bug, and
//     is treated as fatal.
//   - A non-finite optimizer update (optimizers.NumericError) is reported
//     and the delta skipped; the parameter version still increments, so the
//     ledger invariants hold and the run continues.

// ErrStopped is returned by Inject once the coordinator has begun stopping:
// draining pipelines refuse new work.
var ErrStopped = errors.New("pipeline is stopping, no new microbatches accepted")

// ComputeError is a fatal failure inside a stage's forward, backward or
// loss computation.
type ComputeError struct {
	Stage int
	Mb    int
	Phase string
	Err   error
}

// Error implements the error interface.
func (e *ComputeError) Error() string {
	return fmt.Sprintf("stage %d: %s failed for microbatch %d: %v", e.Stage, e.Phase, e.Mb, e.Err)
}

// Unwrap returns the underlying compute error.
func (e *ComputeError) Unwrap() error { return e.Err }

// TransportError is a fatal failure sending or receiving between stages.
type TransportError struct {
	Stage int
	Err   error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("stage %d: transport failed: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *TransportError) Unwrap() error { return e.Err }
