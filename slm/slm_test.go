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

package slm

import (
	"testing"

	"github.com/google/slm/cycles"
	"github.com/google/slm/kernext"
	"github.com/google/slm/policy"
	"github.com/google/slm/policy/fprr"
	"github.com/google/slm/slmerr"
	"github.com/google/slm/thread"
	"github.com/google/slm/timerq"
)

// fakeDispatcher is a synchronous stand-in for kernext.Dispatcher: every
// Dispatch call "succeeds" immediately without ever parking a goroutine,
// which is sufficient to exercise the CS protocol's bookkeeping and the
// scheduler's state transitions on a single goroutine.
type fakeDispatcher struct {
	token      kernext.Token
	dispatches []kernext.ThreadRef
}

func (f *fakeDispatcher) Dispatch(target kernext.ThreadRef, token kernext.Token, inheritPriority bool) kernext.DispatchResult {
	f.dispatches = append(f.dispatches, target)
	return kernext.DispatchOK
}
func (f *fakeDispatcher) SchedSyncToken() kernext.Token { return f.token }
func (f *fakeDispatcher) SchedRcv(blocking bool) []kernext.Event { return nil }

type fakeTimer struct{}

func (fakeTimer) Arm(cycles.Cycles) {}
func (fakeTimer) Disarm()           {}

type fakeClock struct{ now cycles.Cycles }

func (c *fakeClock) TSCNow() cycles.Cycles { return c.now }

type fixedTopology struct{ count uint32 }

func (t fixedTopology) CPUID() uint32    { return 0 }
func (t fixedTopology) CPUCount() uint32 { return t.count }

func newTestRuntime(t *testing.T) (*Runtime, *fakeDispatcher) {
	t.Helper()
	rt, disp, _ := newTestRuntimeWithClock(t)
	return rt, disp
}

func newTestRuntimeWithClock(t *testing.T) (*Runtime, *fakeDispatcher, *fakeClock) {
	t.Helper()
	disp := &fakeDispatcher{}
	clk := &fakeClock{}
	cfg := Config{
		NewPolicy: func(tbl *thread.Table) policy.Policy { return fprr.New(tbl) },
		NewTimer: func(tbl *thread.Table, c cycles.Calibration) timerq.Source {
			return timerq.NewWheel(tbl, c)
		},
		TableCapacity: 16,
		Calibration:   cycles.NewCalibration(1000),
	}
	rt := NewRuntime(fixedTopology{count: 1}, disp, fakeTimer{}, clk, cfg)
	return rt, disp, clk
}

func TestInitCreatesUnqueuedIdleAndSchedThreads(t *testing.T) {
	rt, _ := newTestRuntime(t)
	cpu, err := rt.Init(0, 1, 2)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if cpu.IdleThd == thread.NoID {
		t.Fatalf("IdleThd not set")
	}
	if cpu.SchedThd == thread.NoID {
		t.Fatalf("SchedThd not set")
	}
	idle := cpu.Table.Get(cpu.IdleThd)
	if idle.State() != thread.Blocked {
		t.Fatalf("idle state = %s, want BLOCKED", idle.State())
	}
	if idle.OnPolicyQueue() {
		t.Fatalf("idle thread is queued by the policy, want never-queued")
	}
}

func TestThdInitRunnableIsQueued(t *testing.T) {
	rt, _ := newTestRuntime(t)
	cpu, err := rt.Init(0, 1, 2)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	worker, err := rt.ThdInit(cpu, 100, 0, 0, 0, 0, 0, false)
	if err != nil {
		t.Fatalf("ThdInit: %v", err)
	}
	if worker.State() != thread.Runnable {
		t.Fatalf("worker state = %s, want RUNNABLE", worker.State())
	}
	if !worker.OnPolicyQueue() {
		t.Fatalf("OnPolicyQueue() = false for a runnable worker")
	}
}

func TestThdBlockSuspendsAndThdWakeupResumes(t *testing.T) {
	rt, _ := newTestRuntime(t)
	cpu, err := rt.Init(0, 1, 2)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	worker, err := rt.ThdInit(cpu, 100, 0, 0, 0, 0, 0, false)
	if err != nil {
		t.Fatalf("ThdInit: %v", err)
	}

	if err := rt.ThdBlock(cpu, worker, 0); err != nil {
		t.Fatalf("ThdBlock: %v", err)
	}
	if worker.State() != thread.Blocked {
		t.Fatalf("worker state after ThdBlock = %s, want BLOCKED", worker.State())
	}

	if err := rt.ThdWakeup(cpu, worker, false); err != nil {
		t.Fatalf("ThdWakeup: %v", err)
	}
	if worker.State() != thread.Runnable {
		t.Fatalf("worker state after ThdWakeup = %s, want RUNNABLE", worker.State())
	}
}

func TestThdBlockWithDeadlineArmsTimeoutAndExpiryWakesViaSchedLoop(t *testing.T) {
	// Scenario 5 (spec.md §8): a thread blocks with a timeout, and the
	// event loop's timer_expire wakes it once the clock passes the
	// deadline, without any direct poke of the timer source.
	rt, _, clk := newTestRuntimeWithClock(t)
	cpu, err := rt.Init(0, 1, 2)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	worker, err := rt.ThdInit(cpu, 100, 0, 0, 0, 0, 0, false)
	if err != nil {
		t.Fatalf("ThdInit: %v", err)
	}

	if err := rt.ThdBlock(cpu, worker, cycles.Cycles(1000)); err != nil {
		t.Fatalf("ThdBlock: %v", err)
	}
	if worker.State() != thread.Blocked {
		t.Fatalf("worker state after ThdBlock = %s, want BLOCKED", worker.State())
	}
	if !worker.EventInfo.HasTimeout {
		t.Fatalf("HasTimeout = false after ThdBlock with a deadline")
	}

	clk.now = cycles.Cycles(1000)
	st := rt.SchedLoopNonblock(cpu)
	if st.TimerExpiries != 1 {
		t.Fatalf("TimerExpiries = %d, want 1", st.TimerExpiries)
	}
	if worker.State() != thread.Runnable {
		t.Fatalf("worker state after timer expiry = %s, want RUNNABLE", worker.State())
	}
	if worker.EventInfo.HasTimeout {
		t.Fatalf("HasTimeout still true after expiry")
	}
}

func TestThdWakeupCancelsPendingTimeout(t *testing.T) {
	rt, _, _ := newTestRuntimeWithClock(t)
	cpu, err := rt.Init(0, 1, 2)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	worker, err := rt.ThdInit(cpu, 100, 0, 0, 0, 0, 0, false)
	if err != nil {
		t.Fatalf("ThdInit: %v", err)
	}

	if err := rt.ThdBlock(cpu, worker, cycles.Cycles(1000)); err != nil {
		t.Fatalf("ThdBlock: %v", err)
	}
	if err := rt.ThdWakeup(cpu, worker, false); err != nil {
		t.Fatalf("ThdWakeup: %v", err)
	}

	if worker.EventInfo.HasTimeout {
		t.Fatalf("HasTimeout still true after ThdWakeup beat the deadline to it")
	}
	if next := cpu.Timer.Next(cycles.Cycles(0)); next != 0 {
		t.Fatalf("Timer.Next = %d, want 0 (no pending deadline) after ThdWakeup canceled it", next)
	}
}

func TestThdTeardownCancelsPendingTimeout(t *testing.T) {
	rt, _, _ := newTestRuntimeWithClock(t)
	cpu, err := rt.Init(0, 1, 2)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	worker, err := rt.ThdInit(cpu, 100, 0, 0, 0, 0, 0, false)
	if err != nil {
		t.Fatalf("ThdInit: %v", err)
	}

	if err := rt.ThdBlock(cpu, worker, cycles.Cycles(1000)); err != nil {
		t.Fatalf("ThdBlock: %v", err)
	}
	if err := rt.ThdTeardown(cpu, worker); err != nil {
		t.Fatalf("ThdTeardown: %v", err)
	}

	if worker.EventInfo.HasTimeout {
		t.Fatalf("HasTimeout still true after ThdTeardown")
	}
	if next := cpu.Timer.Next(cycles.Cycles(0)); next != 0 {
		t.Fatalf("Timer.Next = %d, want 0 (no pending deadline) after ThdTeardown canceled it", next)
	}
}

func TestThdWakeupNonRedundantOnRunnableIsInvalidState(t *testing.T) {
	rt, _ := newTestRuntime(t)
	cpu, err := rt.Init(0, 1, 2)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	worker, err := rt.ThdInit(cpu, 100, 0, 0, 0, 0, 0, false)
	if err != nil {
		t.Fatalf("ThdInit: %v", err)
	}

	if err := rt.ThdWakeup(cpu, worker, false); err != slmerr.InvalidState {
		t.Fatalf("ThdWakeup(redundant=false) on RUNNABLE = %v, want slmerr.InvalidState", err)
	}
}

func TestThdWakeupRedundantOnRunnableBecomesWoken(t *testing.T) {
	rt, _ := newTestRuntime(t)
	cpu, err := rt.Init(0, 1, 2)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	worker, err := rt.ThdInit(cpu, 100, 0, 0, 0, 0, 0, false)
	if err != nil {
		t.Fatalf("ThdInit: %v", err)
	}

	if err := rt.ThdWakeup(cpu, worker, true); err != nil {
		t.Fatalf("ThdWakeup(redundant=true): %v", err)
	}
	if worker.State() != thread.Woken {
		t.Fatalf("worker state = %s, want WOKEN", worker.State())
	}
	if !worker.OnPolicyQueue() {
		t.Fatalf("OnPolicyQueue() = false after redundant wakeup, want still queued (invariant 3)")
	}
}

func TestWakeupRaceBeforeBlockShortCircuits(t *testing.T) {
	// Scenario 4 (spec.md §8): a wakeup that completes its CS before the
	// target's own ThdBlock call must leave it WOKEN, so ThdBlock
	// returns without suspending instead of losing the wakeup.
	rt, _ := newTestRuntime(t)
	cpu, err := rt.Init(0, 1, 2)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	worker, err := rt.ThdInit(cpu, 100, 0, 0, 0, 0, 0, false)
	if err != nil {
		t.Fatalf("ThdInit: %v", err)
	}

	if err := rt.ThdWakeup(cpu, worker, true); err != nil {
		t.Fatalf("ThdWakeup(redundant=true): %v", err)
	}
	if worker.State() != thread.Woken {
		t.Fatalf("precondition failed: worker state = %s, want WOKEN", worker.State())
	}

	if err := rt.ThdBlock(cpu, worker, 0); err != nil {
		t.Fatalf("ThdBlock: %v", err)
	}
	if worker.State() != thread.Runnable {
		t.Fatalf("worker state after ThdBlock observed WOKEN = %s, want RUNNABLE", worker.State())
	}
}

func TestThdYieldRotatesRunQueue(t *testing.T) {
	rt, disp := newTestRuntime(t)
	cpu, err := rt.Init(0, 1, 2)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	a, err := rt.ThdInit(cpu, 100, 0, 0, 0, 5, 0, false)
	if err != nil {
		t.Fatalf("ThdInit a: %v", err)
	}
	b, err := rt.ThdInit(cpu, 101, 0, 0, 0, 5, 0, false)
	if err != nil {
		t.Fatalf("ThdInit b: %v", err)
	}

	// ThdYield's own internal Policy.Schedule() call (picking a dispatch
	// target) already rotates the queue once; asserting via a second,
	// external Schedule() call here would rotate it a second time and
	// observe a, not b. The fakeDispatcher's last recorded target is
	// ThdYield's actual dispatch decision, so check that instead.
	if err := rt.ThdYield(cpu, a, thread.NoID); err != nil {
		t.Fatalf("ThdYield: %v", err)
	}
	if len(disp.dispatches) == 0 {
		t.Fatalf("no dispatch recorded after ThdYield")
	}
	if got := disp.dispatches[len(disp.dispatches)-1]; got != kernext.ThreadRef(b.ID) {
		t.Fatalf("ThdYield dispatched to %d, want b (%d)", got, b.ID)
	}
}

func TestThdTeardownAndDeinitReleasesSlot(t *testing.T) {
	rt, _ := newTestRuntime(t)
	cpu, err := rt.Init(0, 1, 2)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	worker, err := rt.ThdInit(cpu, 100, 0, 0, 0, 0, 0, false)
	if err != nil {
		t.Fatalf("ThdInit: %v", err)
	}

	if err := rt.ThdTeardown(cpu, worker); err != nil {
		t.Fatalf("ThdTeardown: %v", err)
	}
	if worker.State() != thread.Dying {
		t.Fatalf("state after ThdTeardown = %s, want DYING", worker.State())
	}
	if worker.OnPolicyQueue() {
		t.Fatalf("OnPolicyQueue() = true after ThdTeardown")
	}

	if err := rt.ThdDeinit(cpu, worker); err != nil {
		t.Fatalf("ThdDeinit: %v", err)
	}
	if worker.State() != thread.Free {
		t.Fatalf("state after ThdDeinit = %s, want FREE", worker.State())
	}
}

func TestSchedLoopNonblockStopsWhenNoEventsPending(t *testing.T) {
	rt, _ := newTestRuntime(t)
	cpu, err := rt.Init(0, 1, 2)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := rt.ThdInit(cpu, 100, 0, 0, 0, 0, 0, false); err != nil {
		t.Fatalf("ThdInit: %v", err)
	}

	// The fakeDispatcher never reports pending events, so exactly one
	// pass should run before the nonblocking loop terminates.
	st := rt.SchedLoopNonblock(cpu)
	if st.EventsDrained != 0 {
		t.Fatalf("EventsDrained = %d, want 0", st.EventsDrained)
	}
}
