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

// Package policy names the abstract operations the SLM runtime calls
// into to decide which thread runs next (spec.md §4.E). Reference
// implementations are policy/fprr (fixed-priority round-robin) and
// policy/edf (earliest-deadline-first).
//
// Preconditions: every method below is only ever called while the
// caller holds the CPU's cs.Lock (spec.md §4.E, §5).
package policy

import "github.com/google/slm/thread"

// Param names a tunable Modify can change. Only Priority exists today
// (spec.md §4.E); the type exists so a future policy can add params
// without changing Modify's signature.
type Param int

const (
	// Priority selects the descriptor's scheduling priority. For fprr,
	// value must be in [1,32]. For edf, value is interpreted as a
	// relative deadline in microseconds.
	Priority Param = iota
)

// Policy is the set of hooks the SLM runtime calls under the CS.
type Policy interface {
	// ThdInit registers a newly created descriptor with the policy,
	// assigning it a default priority (spec.md: "default priority =
	// lowest"). It does not enqueue t; the caller enqueues via Wakeup
	// once t's initial state (RUNNABLE or BLOCKED) is known.
	ThdInit(t *thread.Descriptor)

	// ThdDeinit unregisters t. t must not be queued (the caller removes
	// it via Block first if necessary).
	ThdDeinit(t *thread.Descriptor)

	// ThdModify adjusts param on t to value, re-queuing t if its queue
	// membership changes as a result (e.g. moving to a different
	// priority level).
	ThdModify(t *thread.Descriptor, param Param, value int) error

	// Block removes t from wherever it is queued. Called when t
	// transitions RUNNABLE -> BLOCKED.
	Block(t *thread.Descriptor)

	// Wakeup enqueues t. Called when t transitions BLOCKED -> RUNNABLE.
	Wakeup(t *thread.Descriptor)

	// Yield re-queues t per the policy's fairness rule (for fprr:
	// rotate to the tail of its level). yieldTo, if not thread.NoID,
	// hints a preferred next thread; policies may ignore the hint.
	Yield(t *thread.Descriptor, yieldTo thread.ID)

	// Schedule picks the next thread to dispatch on this CPU, or
	// thread.NoID if none is runnable (the caller dispatches idle in
	// that case). Must be deterministic given equivalent queue state
	// (spec.md invariant: same inputs, same decision).
	Schedule() thread.ID

	// Execution accounts cyc cycles of actual execution to t. A no-op
	// for pure round-robin policies; meaningful for policies that track
	// consumed budget (EDF, VTR).
	Execution(t *thread.Descriptor, cyc uint64)
}
