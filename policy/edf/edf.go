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

// Package edf is a second, optional reference policy.Policy: earliest-
// deadline-first. spec.md §4.E calls out Execution (execution-cycle
// accounting) as "meaningful for EDF/VTR policies" and the Design Notes
// (§9) stress that priority inheritance lives in the kernel precisely so
// that policies besides fixed-priority round-robin are pluggable without
// re-implementing it; edf exists to prove that pluggability with a
// second real implementation, not just a single parametrized one.
package edf

import (
	"container/heap"

	"github.com/google/slm/internal/assert"
	"github.com/google/slm/policy"
	"github.com/google/slm/thread"
)

// Deadline is a relative-to-absolute deadline conversion policy.Param
// value is interpreted against: ThdModify(t, policy.Priority, relUsec)
// sets t's next absolute deadline to now+relUsec microseconds, where
// "now" is supplied by the Clock passed to New (there is no wall clock
// inside the policy package itself).
type Deadline uint64

// Clock supplies the current time for deadline computation. Callers
// typically wire this to cycles.Calibration plus a kernext.Clock.
type Clock interface {
	NowUsec() uint64
}

type item struct {
	id       thread.ID
	deadline Deadline
	index    int
}

type itemHeap []*item

func (h itemHeap) Len() int            { return len(h) }
func (h itemHeap) Less(i, j int) bool  { return h[i].deadline < h[j].deadline }
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Policy is the earliest-deadline-first policy.Policy.
type Policy struct {
	clock     Clock
	byID      []*item // indexed by thread.ID; nil if not queued
	deadlines []Deadline
	h         itemHeap
}

// New constructs an empty Policy. capacity must be at least as large as
// the thread.Table capacity the owning runtime uses, since descriptor
// IDs index directly into Policy's bookkeeping slices.
func New(clock Clock, capacity int) *Policy {
	return &Policy{
		clock:     clock,
		byID:      make([]*item, capacity+1),
		deadlines: make([]Deadline, capacity+1),
	}
}

// ThdInit implements policy.Policy. New descriptors start with the
// maximum relative deadline (lowest urgency) until a caller sets one
// explicitly via ThdModify.
func (p *Policy) ThdInit(t *thread.Descriptor) {
	p.deadlines[t.ID] = Deadline(^uint64(0))
}

// ThdDeinit implements policy.Policy.
func (p *Policy) ThdDeinit(t *thread.Descriptor) {
	assert.That(p.byID[t.ID] == nil, "edf: ThdDeinit of still-queued thread %d", t.ID)
}

// ThdModify implements policy.Policy. value is a relative deadline in
// microseconds from now; it is converted to an absolute deadline and, if
// t is currently queued, its heap position is fixed up immediately.
func (p *Policy) ThdModify(t *thread.Descriptor, param policy.Param, value int) error {
	assert.That(param == policy.Priority, "edf: unsupported param %v", param)
	abs := Deadline(p.clock.NowUsec() + uint64(value))
	p.deadlines[t.ID] = abs
	if it := p.byID[t.ID]; it != nil {
		it.deadline = abs
		heap.Fix(&p.h, it.index)
	}
	return nil
}

// Block implements policy.Policy.
func (p *Policy) Block(t *thread.Descriptor) {
	it := p.byID[t.ID]
	assert.That(it != nil, "edf: Block of unqueued thread %d", t.ID)
	heap.Remove(&p.h, it.index)
	p.byID[t.ID] = nil
}

// Wakeup implements policy.Policy.
func (p *Policy) Wakeup(t *thread.Descriptor) {
	assert.That(p.byID[t.ID] == nil, "edf: Wakeup of already-queued thread %d", t.ID)
	it := &item{id: t.ID, deadline: p.deadlines[t.ID]}
	heap.Push(&p.h, it)
	p.byID[t.ID] = it
}

// Yield implements policy.Policy: EDF has no fairness rotation within a
// deadline class, so yielding is a no-op on queue order (the deadline
// alone determines the next pick).
func (p *Policy) Yield(t *thread.Descriptor, yieldTo thread.ID) {}

// Schedule implements policy.Policy: return the queued descriptor with
// the smallest absolute deadline, without removing it (ties do not
// matter for determinism here since Less is a strict order on
// (deadline) and heap order for equal deadlines is stable enough for a
// reference implementation; spec.md's tie-break rule is defined only for
// fprr).
func (p *Policy) Schedule() thread.ID {
	if len(p.h) == 0 {
		return thread.NoID
	}
	return p.h[0].id
}

// Execution implements policy.Policy. A production EDF/VTR policy would
// use cyc to detect budget overrun and demote/re-admit t; this reference
// implementation ignores cyc entirely (the call is a no-op), since
// admission control is an explicit spec.md Non-goal.
func (p *Policy) Execution(t *thread.Descriptor, cyc uint64) {}
