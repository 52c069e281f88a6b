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

// Package fprr is the fixed-priority round-robin reference policy
// (spec.md §4.F): 32 per-CPU FIFO run-queues indexed by priority, strict
// FIFO tie-breaking within a level, no aging, no starvation protection.
package fprr

import (
	"github.com/google/slm/internal/assert"
	"github.com/google/slm/policy"
	"github.com/google/slm/thread"
)

// NumLevels is the number of priority levels (spec.md: "1 (highest) …
// 32 (lowest)").
const NumLevels = 32

// LowestPriority is the default priority new descriptors receive
// (spec.md §4.E: "default priority = lowest").
const LowestPriority uint8 = NumLevels

// Policy is the fixed-priority round-robin reference policy.Policy.
type Policy struct {
	table  *thread.Table
	levels [NumLevels]*thread.List
}

// New constructs a Policy whose run-queues resolve descriptors through
// table. table must be the same Table the owning percpu.CPU uses for
// every descriptor this Policy will ever see.
func New(table *thread.Table) *Policy {
	p := &Policy{table: table}
	for i := range p.levels {
		p.levels[i] = thread.NewList(table, thread.PolicyLinks())
	}
	return p
}

func levelIndex(priority uint8) int {
	assert.That(priority >= 1 && priority <= NumLevels, "fprr: priority %d out of range [1,%d]", priority, NumLevels)
	return int(priority) - 1
}

// ThdInit implements policy.Policy.
func (p *Policy) ThdInit(t *thread.Descriptor) {
	t.Priority = LowestPriority
}

// ThdDeinit implements policy.Policy.
func (p *Policy) ThdDeinit(t *thread.Descriptor) {
	assert.That(!t.OnPolicyQueue(), "fprr: ThdDeinit of still-queued thread %d", t.ID)
}

// ThdModify implements policy.Policy.
func (p *Policy) ThdModify(t *thread.Descriptor, param policy.Param, value int) error {
	assert.That(param == policy.Priority, "fprr: unsupported param %v", param)
	newPrio := uint8(value)
	assert.That(value >= 1 && value <= NumLevels, "fprr: ThdModify priority %d out of range [1,%d]", value, NumLevels)

	if t.Priority == newPrio {
		// Idempotent: spec.md §8 round-trip law, "thd_modify(PRIO,p);
		// thd_modify(PRIO,p) is a no-op on observable state".
		return nil
	}

	wasQueued := t.OnPolicyQueue()
	if wasQueued {
		p.levels[levelIndex(t.Priority)].Remove(t.ID)
	}
	t.Priority = newPrio
	if wasQueued {
		p.levels[levelIndex(t.Priority)].PushBack(t.ID)
	}
	return nil
}

// Block implements policy.Policy.
func (p *Policy) Block(t *thread.Descriptor) {
	p.levels[levelIndex(t.Priority)].Remove(t.ID)
}

// Wakeup implements policy.Policy.
func (p *Policy) Wakeup(t *thread.Descriptor) {
	p.levels[levelIndex(t.Priority)].PushBack(t.ID)
}

// Yield implements policy.Policy. yieldTo is accepted for interface
// conformance but ignored: fprr's fairness rule is pure FIFO rotation
// within t's own level, independent of any hint about who should run
// next (spec.md §4.F only defines "rotate t to tail of its list").
func (p *Policy) Yield(t *thread.Descriptor, yieldTo thread.ID) {
	lvl := p.levels[levelIndex(t.Priority)]
	lvl.Remove(t.ID)
	lvl.PushBack(t.ID)
}

// Schedule implements policy.Policy: scan priority levels highest (index
// 0) to lowest, return the head of the first non-empty level after
// rotating that head to the level's tail.
func (p *Policy) Schedule() thread.ID {
	for _, lvl := range p.levels {
		if !lvl.Empty() {
			return lvl.RotateFront()
		}
	}
	return thread.NoID
}

// Execution implements policy.Policy. fprr does not track consumed
// budget; cycles are ignored (spec.md §4.E: "optional for RR").
func (p *Policy) Execution(t *thread.Descriptor, cyc uint64) {}
