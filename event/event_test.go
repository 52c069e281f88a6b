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

package event

import (
	"testing"

	"github.com/google/slm/cycles"
	"github.com/google/slm/kernext"
	"github.com/google/slm/percpu"
	"github.com/google/slm/policy"
	"github.com/google/slm/policy/fprr"
	"github.com/google/slm/thread"
	"github.com/google/slm/timerq"
)

type fakeDispatcher struct {
	events []kernext.Event
}

func (f *fakeDispatcher) Dispatch(kernext.ThreadRef, kernext.Token, bool) kernext.DispatchResult {
	return kernext.DispatchOK
}
func (f *fakeDispatcher) SchedSyncToken() kernext.Token { return 0 }
func (f *fakeDispatcher) SchedRcv(blocking bool) []kernext.Event {
	out := f.events
	f.events = nil
	return out
}

type fakeTimer struct {
	armed    bool
	deadline cycles.Cycles
}

func (f *fakeTimer) Arm(cyc cycles.Cycles) { f.armed = true; f.deadline = cyc }
func (f *fakeTimer) Disarm()               { f.armed = false }

type fakeClock struct{ now cycles.Cycles }

func (f *fakeClock) TSCNow() cycles.Cycles { return f.now }

func newTestCPU(t *testing.T) *percpu.CPU {
	t.Helper()
	set := percpu.NewSet(1)
	cpu := set.Init(0,
		func(tbl *thread.Table) policy.Policy { return fprr.New(tbl) },
		func(tbl *thread.Table, c cycles.Calibration) timerq.Source { return timerq.NewWheel(tbl, c) },
		16, cycles.NewCalibration(1000))
	idle, err := cpu.Table.Alloc(1, 0, 0, 0, 0, 0)
	if err != nil {
		t.Fatalf("Alloc idle: %v", err)
	}
	idle.InitBlocked()
	cpu.IdleThd = idle.ID
	return cpu
}

func spawnRunnable(t *testing.T, cpu *percpu.CPU, priority uint8) *thread.Descriptor {
	t.Helper()
	d, err := cpu.Table.Alloc(1, 0, 0, 0, 0, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	cpu.Policy.ThdInit(d)
	if priority != 0 {
		if err := cpu.Policy.ThdModify(d, policy.Priority, int(priority)); err != nil {
			t.Fatalf("ThdModify: %v", err)
		}
	}
	d.InitRunnable()
	cpu.Policy.Wakeup(d)
	return d
}

func spawnBlocked(t *testing.T, cpu *percpu.CPU) *thread.Descriptor {
	t.Helper()
	d, err := cpu.Table.Alloc(1, 0, 0, 0, 0, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	cpu.Policy.ThdInit(d)
	d.InitBlocked()
	return d
}

func TestPassDispatchesIdleWhenNothingRunnable(t *testing.T) {
	cpu := newTestCPU(t)
	disp := &fakeDispatcher{}
	tmr := &fakeTimer{}
	clk := &fakeClock{}

	loop := NewLoop(cpu, disp, tmr, clk)
	st := loop.Pass(false)

	if !st.DispatchedIdle {
		t.Fatalf("DispatchedIdle = false, want true")
	}
	if st.Dispatched != cpu.IdleThd {
		t.Fatalf("Dispatched = %d, want idle thread %d", st.Dispatched, cpu.IdleThd)
	}
}

func TestPassAppliesUnblockEventBeforeDispatch(t *testing.T) {
	cpu := newTestCPU(t)
	worker := spawnBlocked(t, cpu)

	disp := &fakeDispatcher{events: []kernext.Event{
		{Thread: kernext.ThreadRef(worker.ID), Blocked: false},
	}}
	tmr := &fakeTimer{}
	clk := &fakeClock{}

	loop := NewLoop(cpu, disp, tmr, clk)
	st := loop.Pass(false)

	if st.ThreadsWoken != 1 {
		t.Fatalf("ThreadsWoken = %d, want 1", st.ThreadsWoken)
	}
	if worker.State() != thread.Runnable {
		t.Fatalf("worker state = %s, want RUNNABLE", worker.State())
	}
	if st.Dispatched != worker.ID {
		t.Fatalf("Dispatched = %d, want newly-woken worker %d", st.Dispatched, worker.ID)
	}
}

func TestPassUnblockEventCancelsPendingTimeout(t *testing.T) {
	cpu := newTestCPU(t)
	worker := spawnBlocked(t, cpu)
	cpu.Timer.Set(worker, cycles.Cycles(500))

	disp := &fakeDispatcher{events: []kernext.Event{
		{Thread: kernext.ThreadRef(worker.ID), Blocked: false},
	}}
	tmr := &fakeTimer{}
	clk := &fakeClock{now: cycles.Cycles(0)}

	loop := NewLoop(cpu, disp, tmr, clk)
	loop.Pass(false)

	if worker.EventInfo.HasTimeout {
		t.Fatalf("HasTimeout still true after a kernel unblock event beat the timeout to it")
	}
	if next := cpu.Timer.Next(cycles.Cycles(0)); next != 0 {
		t.Fatalf("Timer.Next = %d, want 0 (no pending deadline) after unblock canceled it", next)
	}
}

func TestPassAppliesBlockEvent(t *testing.T) {
	cpu := newTestCPU(t)
	worker := spawnRunnable(t, cpu, 5)

	disp := &fakeDispatcher{events: []kernext.Event{
		{Thread: kernext.ThreadRef(worker.ID), Blocked: true},
	}}
	tmr := &fakeTimer{}
	clk := &fakeClock{}

	loop := NewLoop(cpu, disp, tmr, clk)
	st := loop.Pass(false)

	if st.ThreadsBlocked != 1 {
		t.Fatalf("ThreadsBlocked = %d, want 1", st.ThreadsBlocked)
	}
	if worker.State() != thread.Blocked {
		t.Fatalf("worker state = %s, want BLOCKED", worker.State())
	}
	if !st.DispatchedIdle {
		t.Fatalf("DispatchedIdle = false, want true (no other runnable thread)")
	}
}

func TestPassExpiresTimersAndWakes(t *testing.T) {
	cpu := newTestCPU(t)
	worker := spawnBlocked(t, cpu)
	cpu.Timer.Set(worker, cycles.Cycles(50))

	disp := &fakeDispatcher{}
	tmr := &fakeTimer{}
	clk := &fakeClock{now: cycles.Cycles(100)}

	loop := NewLoop(cpu, disp, tmr, clk)
	st := loop.Pass(false)

	if st.TimerExpiries != 1 {
		t.Fatalf("TimerExpiries = %d, want 1", st.TimerExpiries)
	}
	if worker.State() != thread.Runnable {
		t.Fatalf("worker state = %s, want RUNNABLE after timer expiry", worker.State())
	}
	if st.Dispatched != worker.ID {
		t.Fatalf("Dispatched = %d, want timer-woken worker %d", st.Dispatched, worker.ID)
	}
}

func TestPassArmsTimerForNextDeadline(t *testing.T) {
	cpu := newTestCPU(t)
	worker := spawnBlocked(t, cpu)
	cpu.Timer.Set(worker, cycles.Cycles(500))

	disp := &fakeDispatcher{}
	tmr := &fakeTimer{}
	clk := &fakeClock{now: cycles.Cycles(0)}

	loop := NewLoop(cpu, disp, tmr, clk)
	loop.Pass(false)

	if !tmr.armed {
		t.Fatalf("timer not armed after pass with a pending deadline")
	}
	if tmr.deadline != cycles.Cycles(500) {
		t.Fatalf("armed deadline = %d, want 500", tmr.deadline)
	}
}

func TestPassDisarmsTimerWhenNonePending(t *testing.T) {
	cpu := newTestCPU(t)
	cpu.TimerSet = true

	disp := &fakeDispatcher{}
	tmr := &fakeTimer{armed: true}
	clk := &fakeClock{}

	loop := NewLoop(cpu, disp, tmr, clk)
	loop.Pass(false)

	if tmr.armed {
		t.Fatalf("timer still armed after pass with no pending deadlines")
	}
	if cpu.TimerSet {
		t.Fatalf("cpu.TimerSet still true after disarm")
	}
}
