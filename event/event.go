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

// Package event drains kernel-delivered scheduling events and applies
// them to thread descriptors before any dispatch decision is made
// (spec.md §4.H). The scheduler's dedicated thread owns this loop; one
// Loop exists per percpu.CPU.
package event

import (
	"github.com/google/slm/internal/log"
	"github.com/google/slm/kernext"
	"github.com/google/slm/percpu"
	"github.com/google/slm/thread"
)

// Stats summarizes one Pass, for the CLI/tests to inspect directly.
// This is not a metrics pipeline (a named Non-goal of SPEC_FULL.md) —
// just a plain return value, in the spirit of gVisor's
// accountTaskGoroutineEnter/Leave bookkeeping.
type Stats struct {
	EventsDrained int
	ThreadsWoken  int
	ThreadsBlocked int
	TimerExpiries int
	Dispatched    thread.ID
	DispatchedIdle bool
}

// ref2id resolves a kernext.ThreadRef back to a thread.ID. Within this
// module a ThreadRef is always the underlying thread.ID reinterpreted;
// kernext treats it as opaque, but SLM itself (on both sides of the
// boundary) knows the encoding.
func ref2id(r kernext.ThreadRef) thread.ID { return thread.ID(r) }

// Loop drives one CPU's event-processing pass (spec.md §4.H).
type Loop struct {
	cpu  *percpu.CPU
	disp kernext.Dispatcher
	tmr  kernext.Timer
	clk  kernext.Clock
}

// NewLoop constructs a Loop for cpu, driven by the given kernel
// primitives.
func NewLoop(cpu *percpu.CPU, disp kernext.Dispatcher, tmr kernext.Timer, clk kernext.Clock) *Loop {
	return &Loop{cpu: cpu, disp: disp, tmr: tmr, clk: clk}
}

// Pass runs exactly one iteration of the event-processing loop: drain,
// apply, expire timeouts, consult the policy, reprogram the timer. It
// does not dispatch; callers (slm.SchedLoop) perform the actual
// dispatch using the returned Stats.Dispatched/DispatchedIdle, matching
// cs.ExitReschedule's ownership of the actual kernel dispatch call.
func (l *Loop) Pass(blocking bool) Stats {
	var st Stats

	events := l.disp.SchedRcv(blocking)
	st.EventsDrained = len(events)

	// Step 1-2: apply every event in the batch before any dispatch
	// decision (spec.md's ordering guarantee).
	for _, ev := range events {
		t := l.cpu.Table.Get(ref2id(ev.Thread))

		if !ev.Blocked {
			// "unblock" event.
			if thread.Has(t.Properties, thread.RCVSuspended) {
				t.Properties &^= thread.RCVSuspended
			}
			if t.State() == thread.Blocked {
				if t.Wakeup() {
					l.cpu.Timer.Cancel(t)
					l.cpu.Policy.Wakeup(t)
					st.ThreadsWoken++
				}
			}
		} else if t.State() == thread.Runnable {
			l.cpu.Policy.Block(t)
			t.Block()
			st.ThreadsBlocked++
		}

		t.EventInfo.ExecutedCycles += ev.Elapsed
		l.cpu.Policy.Execution(t, uint64(ev.Elapsed))
		t.EventInfo.Timeout = ev.Timeout
		t.EventInfo.HasTimeout = ev.HasTimeout

		if log.IsLogging(log.Debug) {
			log.Debugf("cpu %d: event thread=%d blocked=%v elapsed=%d", l.cpu.ID(), t.ID, ev.Blocked, ev.Elapsed)
		}
	}

	// Step 3: wake timed-out sleepers.
	now := l.clk.TSCNow()
	l.cpu.Timer.Expire(now, func(t *thread.Descriptor) {
		if t.State() == thread.Blocked && t.Wakeup() {
			l.cpu.Policy.Wakeup(t)
			st.TimerExpiries++
		}
	})

	// Step 4: consult the policy for the next thread.
	next := l.cpu.Policy.Schedule()
	if next == thread.NoID {
		st.DispatchedIdle = true
		st.Dispatched = l.cpu.IdleThd
	} else {
		st.Dispatched = next
	}

	// Step 5: program the next timeout = min(policy-requested,
	// timer_next). This policy does not request its own wakeup point
	// beyond the timer source's next deadline, so the two coincide.
	if deadline := l.cpu.Timer.Next(now); deadline != 0 {
		l.cpu.TimerSet = true
		l.cpu.TimerNextCycle = deadline
		l.tmr.Arm(deadline)
	} else if l.cpu.TimerSet {
		l.cpu.TimerSet = false
		l.tmr.Disarm()
	}

	return st
}
