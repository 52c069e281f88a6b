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

// Package kernext names the capability-protected kernel primitives that
// the scheduler core (this module) consumes but does not implement:
// thread activation, the synchronous scheduler token, receive endpoints,
// the programmable timer, and the TSC. spec.md §1 calls these out as
// external collaborators, "interfaces only"; this package is that
// interface boundary. The only concrete implementation in this module is
// kernext/simkernel, an in-process simulator used by tests and the CLI
// demo.
package kernext

import "github.com/google/slm/cycles"

// DispatchResult is the outcome of a Dispatcher.Dispatch call.
type DispatchResult int

const (
	// DispatchOK indicates the switch completed; the caller resumed
	// execution normally (or, from the contended cs.Enter path, was
	// switched back to after the owner released the lock).
	DispatchOK DispatchResult = iota
	// DispatchAgain indicates the supplied scheduler token was stale;
	// the caller must re-read state and retry.
	DispatchAgain
	// DispatchBusy indicates the scheduler thread has pending events
	// and cannot be switched away from right now.
	DispatchBusy
)

// ThreadRef is an opaque kernel handle to a thread's dispatch capability
// (spec.md §3's `thd` capability field). SLM never interprets it beyond
// passing it back to Dispatcher calls.
type ThreadRef uint64

// Token is the kernel's per-CPU scheduler token: it changes on every
// context switch on that CPU, and is the basis for the optimistic
// concurrency the critical-section protocol relies on (spec.md §5).
type Token uint64

// Event is one kernel-delivered scheduling notification, as harvested by
// Dispatcher.SchedRcv (spec.md §4.H).
type Event struct {
	Thread    ThreadRef
	Blocked   bool // true: the kernel observed the thread block; false: unblock
	Elapsed   cycles.Cycles
	Timeout   cycles.Tick
	HasTimeout bool
}

// Dispatcher is the capability-protected kernel scheduling primitive:
// switching execution between threads, reading the per-CPU scheduler
// token, and draining pending scheduling events (spec.md §6).
type Dispatcher interface {
	// Dispatch switches execution to target, carrying token (the value
	// the caller last observed) for optimistic-concurrency validation.
	// If inheritPriority is set, target runs with (at least) the
	// caller's priority until it releases whatever made it contended —
	// this is the kernel-side priority-inheritance primitive spec.md
	// §9 describes; SLM's policies never implement inheritance
	// themselves.
	Dispatch(target ThreadRef, token Token, inheritPriority bool) DispatchResult

	// SchedSyncToken returns the current per-CPU scheduler token.
	SchedSyncToken() Token

	// SchedRcv drains events pending for the calling scheduler thread's
	// receive endpoint. If blocking is true and no events are pending,
	// SchedRcv parks until at least one arrives.
	SchedRcv(blocking bool) []Event
}

// Timer is the kernel's one-shot programmable timer primitive. At most
// one deadline is armed per CPU at a time (spec.md §4.G).
type Timer interface {
	// Arm programs the timer to fire at absolute deadline cyc.
	Arm(cyc cycles.Cycles)
	// Disarm clears any programmed deadline.
	Disarm()
}

// Clock supplies the raw timestamp counter.
type Clock interface {
	TSCNow() cycles.Cycles
}

// Topology reports how many CPUs exist and which one the calling
// goroutine is pinned to.
type Topology interface {
	CPUID() uint32
	CPUCount() uint32
}
