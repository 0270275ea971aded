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

import "sync"

// TraceRecorder captures every executed ScheduleEntry. Attach one through
// the builder's Trace option to observe the schedule a run actually
// produced; the scheduler tests are built on it.
//
// Entries of one stage are recorded in that stage's execution order. The
// global order reflects one observed interleaving of the stage goroutines.
type TraceRecorder struct {
	mu      sync.Mutex
	entries []ScheduleEntry
}

// NewTraceRecorder returns an empty recorder.
func NewTraceRecorder() *TraceRecorder {
	return &TraceRecorder{}
}

func (r *TraceRecorder) record(entry ScheduleEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

// All returns a copy of every recorded entry, in observed global order.
func (r *TraceRecorder) All() []ScheduleEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]ScheduleEntry, len(r.entries))
	copy(all, r.entries)
	return all
}

// Stage returns a copy of the entries executed by one stage, in order.
func (r *TraceRecorder) Stage(stage int) []ScheduleEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var entries []ScheduleEntry
	for _, entry := range r.entries {
		if entry.Stage == stage {
			entries = append(entries, entry)
		}
	}
	return entries
}

// Len returns the number of recorded entries.
func (r *TraceRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Reset discards all recorded entries.
func (r *TraceRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}
