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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerCapacity(t *testing.T) {
	// The window bounds capacity unless the staleness bound is tighter.
	assert.Equal(t, 4, NewLedger(0, 4, 3).Capacity())
	assert.Equal(t, 4, NewLedger(0, 4, 100).Capacity())
	assert.Equal(t, 2, NewLedger(0, 4, 1).Capacity())
	assert.Equal(t, 1, NewLedger(0, 4, 0).Capacity())
	assert.Equal(t, 1, NewLedger(0, 1, 0).Capacity())
	assert.Equal(t, int64(1), NewLedger(0, 4, 1).MaxStaleness())

	require.Panics(t, func() { NewLedger(0, 0, 0) })
	require.Panics(t, func() { NewLedger(0, 2, -1) })
}

func TestLedgerTagAndRetire(t *testing.T) {
	ledger := NewLedger(0, 2, 1)
	assert.Equal(t, int64(0), ledger.CurrentVersion())
	assert.Zero(t, ledger.InFlight())

	_, ok := ledger.OldestInFlight()
	assert.False(t, ok)

	require.True(t, ledger.CanTagForward())
	assert.Equal(t, int64(0), ledger.TagForward(0))
	require.True(t, ledger.CanTagForward())
	assert.Equal(t, int64(0), ledger.TagForward(1))
	assert.False(t, ledger.CanTagForward(), "the capacity of 2 is reached")
	assert.Equal(t, 2, ledger.InFlight())

	oldest, ok := ledger.OldestInFlight()
	require.True(t, ok)
	assert.Equal(t, 0, oldest)

	producedAt, err := ledger.Retire(0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), producedAt)
	assert.Equal(t, 1, ledger.InFlight())

	// A step in between: the next forward is tagged with the new version.
	assert.Equal(t, int64(1), ledger.RecordStep())
	require.True(t, ledger.CanTagForward())
	assert.Equal(t, int64(1), ledger.TagForward(2))

	// Microbatch 1 was forwarded at version 0 and retires after one step.
	producedAt, err = ledger.Retire(1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), producedAt)
	assert.Equal(t, int64(1), ledger.Staleness(producedAt))
}

func TestLedgerRetireErrors(t *testing.T) {
	ledger := NewLedger(3, 2, 1)

	_, err := ledger.Retire(0)
	require.Error(t, err)
	assert.ErrorContains(t, err, "no microbatch in flight")

	ledger.TagForward(0)
	ledger.TagForward(1)
	_, err = ledger.Retire(1)
	require.Error(t, err)
	assert.ErrorContains(t, err, "oldest in flight")

	// The in-flight set is untouched by the failed retire.
	producedAt, err := ledger.Retire(0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), producedAt)
}

func TestLedgerPanicsOnSchedulerBugs(t *testing.T) {
	t.Run("overCapacity", func(t *testing.T) {
		ledger := NewLedger(0, 1, 0)
		ledger.TagForward(0)
		require.Panics(t, func() { ledger.TagForward(1) })
	})

	t.Run("nonIncreasingMb", func(t *testing.T) {
		ledger := NewLedger(0, 4, 3)
		ledger.TagForward(1)
		require.Panics(t, func() { ledger.TagForward(1) })
		require.Panics(t, func() { ledger.TagForward(0) })
	})

	t.Run("versionFromTheFuture", func(t *testing.T) {
		ledger := NewLedger(0, 2, 1)
		require.Panics(t, func() { ledger.Staleness(5) })
	})
}

func TestLedgerRestoreVersion(t *testing.T) {
	ledger := NewLedger(0, 2, 1)
	ledger.restoreVersion(42)
	assert.Equal(t, int64(42), ledger.CurrentVersion())
	assert.Equal(t, int64(42), ledger.TagForward(0), "forwards are tagged with the restored version")

	require.Panics(t, func() { ledger.restoreVersion(7) }, "restore requires a quiescent stage")
}

func TestLedgerRecordStep(t *testing.T) {
	ledger := NewLedger(0, 2, 1)
	assert.Equal(t, int64(1), ledger.RecordStep())
	assert.Equal(t, int64(2), ledger.RecordStep())
	assert.Equal(t, int64(3), ledger.RecordStep())
	assert.Equal(t, int64(3), ledger.CurrentVersion())
	assert.Equal(t, int64(3), ledger.Staleness(0))
	assert.Equal(t, int64(0), ledger.Staleness(3))
}
