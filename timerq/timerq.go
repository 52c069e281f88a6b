// Copyright 2024 The SLM Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package timerq is the timer plug-in interface and its reference
// implementation (spec.md §4.G): a per-CPU structure tracking each
// blocked descriptor's timeout, able to report the next absolute
// deadline to arm the kernel's one-shot timer with, and to wake every
// descriptor whose deadline has elapsed.
package timerq

import (
	"github.com/google/btree"

	"github.com/google/slm/cycles"
	"github.com/google/slm/thread"
)

// Source is the abstract timer interface the event loop drives.
type Source interface {
	// Init prepares the timer source for use.
	Init()
	// ThdInit registers t as a descriptor that may later be given a
	// timeout.
	ThdInit(t *thread.Descriptor)
	// Set arms a timeout for t at absolute cycle deadline.
	Set(t *thread.Descriptor, deadline cycles.Cycles)
	// Cancel removes any pending timeout for t, if one exists.
	Cancel(t *thread.Descriptor)
	// Expire wakes (via wake) every descriptor whose deadline is <= now,
	// removing their timeout entries.
	Expire(now cycles.Cycles, wake func(*thread.Descriptor))
	// Next returns the next absolute deadline across all pending
	// timeouts, or 0 if none are pending ("none", per spec.md §4.G).
	Next(now cycles.Cycles) cycles.Cycles
}

// entry is a single pending-timeout record. btree.Item orders entries by
// deadline, breaking ties by thread ID so two descriptors can never
// compare equal and silently overwrite each other in the tree.
type entry struct {
	deadline cycles.Cycles
	id       thread.ID
}

func (e *entry) Less(than btree.Item) bool {
	o := than.(*entry)
	if e.deadline != o.deadline {
		return e.deadline < o.deadline
	}
	return e.id < o.id
}

// Wheel is the reference Source, backed by a github.com/google/btree
// ordered index keyed by (deadline, thread.ID). A B-tree gives Next() an
// O(log n) minimum lookup and Expire() an efficient ordered walk of
// every entry at or before now, which is the actual access pattern a
// timeout wheel needs: "what's the next deadline" and "drain everything
// due so far", not random lookup by thread.
type Wheel struct {
	table       *thread.Table
	tree        *btree.BTree
	byID        map[thread.ID]*entry
	granularity cycles.Cycles
}

// NewWheel constructs a Wheel resolving descriptors through table.
func NewWheel(table *thread.Table, _ cycles.Calibration) *Wheel {
	return &Wheel{
		table: table,
		tree:  btree.New(32),
		byID:  make(map[thread.ID]*entry),
	}
}

// SetMinGranularity floors how close together two timeouts on this Wheel
// are allowed to be coalesced: Set rounds a requested deadline up to the
// next multiple of usec microseconds (converted via calib). A zero usec
// disables rounding, which is also NewWheel's starting state.
func (w *Wheel) SetMinGranularity(calib cycles.Calibration, usec uint64) {
	w.granularity = calib.Usec2Cyc(usec)
}

// round rounds deadline up to the next multiple of w.granularity, or
// returns it unchanged if no granularity was configured.
func (w *Wheel) round(deadline cycles.Cycles) cycles.Cycles {
	if w.granularity == 0 {
		return deadline
	}
	rem := uint64(deadline) % uint64(w.granularity)
	if rem == 0 {
		return deadline
	}
	return deadline + cycles.Cycles(uint64(w.granularity)-rem)
}

// Init implements Source.
func (w *Wheel) Init() {}

// ThdInit implements Source.
func (w *Wheel) ThdInit(t *thread.Descriptor) {}

// Set implements Source.
func (w *Wheel) Set(t *thread.Descriptor, deadline cycles.Cycles) {
	w.Cancel(t)
	e := &entry{deadline: w.round(deadline), id: t.ID}
	w.tree.ReplaceOrInsert(e)
	w.byID[t.ID] = e
	t.EventInfo.HasTimeout = true
}

// Cancel implements Source.
func (w *Wheel) Cancel(t *thread.Descriptor) {
	if e, ok := w.byID[t.ID]; ok {
		w.tree.Delete(e)
		delete(w.byID, t.ID)
	}
	t.EventInfo.HasTimeout = false
}

// Expire implements Source: wakes every descriptor whose deadline is
// <= now (spec.md §8 boundary behavior: "Timer with absolute = now fires
// on the next pass", i.e. the comparison is inclusive).
func (w *Wheel) Expire(now cycles.Cycles, wake func(*thread.Descriptor)) {
	// Pivot id must be the minimum possible (0), not the maximum: ties at
	// deadline == now+1 (not yet due) must NOT be pulled in by the id
	// tie-break, and the only way AscendLessThan's strict less-than holds
	// for equal deadlines is e.id < pivot.id, which is false for every
	// real id when pivot.id is 0.
	var due []*entry
	w.tree.AscendLessThan(&entry{deadline: now + 1, id: 0}, func(i btree.Item) bool {
		due = append(due, i.(*entry))
		return true
	})
	for _, e := range due {
		w.tree.Delete(e)
		delete(w.byID, e.id)
		t := w.table.Get(e.id)
		t.EventInfo.HasTimeout = false
		wake(t)
	}
}

// Next implements Source.
func (w *Wheel) Next(now cycles.Cycles) cycles.Cycles {
	var next cycles.Cycles
	w.tree.Ascend(func(i btree.Item) bool {
		next = i.(*entry).deadline
		return false
	})
	return next
}
