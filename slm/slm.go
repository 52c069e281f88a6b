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

// Package slm is the public operations surface of the scheduler (spec.md
// §4.I, §6): thread lifecycle, block/wakeup/yield, and the scheduler
// loop. Runtime wires components B through H together per CPU.
package slm

import (
	"github.com/google/slm/cs"
	"github.com/google/slm/cycles"
	"github.com/google/slm/event"
	"github.com/google/slm/kernext"
	"github.com/google/slm/percpu"
	"github.com/google/slm/policy"
	"github.com/google/slm/slmerr"
	"github.com/google/slm/thread"
	"github.com/google/slm/timerq"
)

// Config bundles the per-CPU construction knobs a Runtime needs: which
// policy and timer source to build, and the thread table's capacity.
// slmconfig supplies only Calibration, IdlePriority and DefaultPriority
// (cmd/slmctl copies them in); the other fields are set by the caller.
type Config struct {
	NewPolicy     func(*thread.Table) policy.Policy
	NewTimer      func(*thread.Table, cycles.Calibration) timerq.Source
	TableCapacity int
	Calibration   cycles.Calibration

	// IdlePriority is the priority Init assigns each CPU's idle thread. 0
	// leaves the policy's own ThdInit default (fprr's LowestPriority) in
	// place.
	IdlePriority uint8

	// DefaultPriority is the priority ThdInit assigns when called with
	// priority 0, i.e. when a caller does not ask for a specific priority.
	// 0 leaves the policy's own default in place.
	DefaultPriority uint8
}

// Runtime is the facade wiring percpu (B), thread (C), cs (D), policy
// (E/F), timerq (G), and event (H) to the public operations below (I).
// One Runtime serves every CPU in the process.
type Runtime struct {
	cpus *percpu.Set
	disp kernext.Dispatcher
	tmr  kernext.Timer
	clk  kernext.Clock
	topo kernext.Topology
	cfg  Config
}

// NewRuntime constructs a Runtime over the given kernel primitives. It
// does not initialize any CPU; call Init once per CPU id before using it.
func NewRuntime(topo kernext.Topology, disp kernext.Dispatcher, tmr kernext.Timer, clk kernext.Clock, cfg Config) *Runtime {
	return &Runtime{
		cpus: percpu.NewSet(topo.CPUCount()),
		disp: disp,
		tmr:  tmr,
		clk:  clk,
		topo: topo,
		cfg:  cfg,
	}
}

// Init performs component B's one-shot per-CPU initialization and
// registers the CPU's idle and scheduler-loop descriptors (spec.md §6:
// init(idle_thd_cap, idle_tid)). The policy-side sched_init() of spec.md
// §6 has no further work of its own in this reference policy: cfg.NewPolicy
// already constructs it, so percpu.Set.Init folds both steps into one.
//
// Both descriptors are created BLOCKED: neither is ever queued by the
// policy. idle is dispatched directly by name whenever Schedule returns
// thread.NoID; sched is the thread Idle dispatches back to. Operations
// performed outside any application thread's own context (e.g. thd_init
// of a third thread) enter and exit the CS as thread.NoID, not as sched.
func (rt *Runtime) Init(cpuID uint32, idleThdCap, schedThdCap uint64) (*percpu.CPU, error) {
	cpu := rt.cpus.Init(cpuID, rt.cfg.NewPolicy, rt.cfg.NewTimer, rt.cfg.TableCapacity, rt.cfg.Calibration)
	cpu.Timer.Init()

	idle, err := rt.thdInit(cpu, idleThdCap, 0, 0, 0, 0, rt.cfg.IdlePriority, true)
	if err != nil {
		return nil, err
	}
	cpu.IdleThd = idle.ID

	sched, err := rt.thdInit(cpu, schedThdCap, 0, 0, 0, 0, 0, true)
	if err != nil {
		return nil, err
	}
	cpu.SchedThd = sched.ID

	return cpu, nil
}

// CPU returns the (already-initialized) record for cpuID.
func (rt *Runtime) CPU(cpuID uint32) *percpu.CPU { return rt.cpus.Get(cpuID) }

// Now returns the current TSC reading (spec.md §6: now()).
func (rt *Runtime) Now() cycles.Cycles { return rt.clk.TSCNow() }

// Cyc2Usec converts cyc to microseconds using cpu's calibration.
func (rt *Runtime) Cyc2Usec(cpu *percpu.CPU, cyc cycles.Cycles) uint64 { return cpu.Calib.Cyc2Usec(cyc) }

// Usec2Cyc converts usec microseconds to a cycle count using cpu's
// calibration.
func (rt *Runtime) Usec2Cyc(cpu *percpu.CPU, usec uint64) cycles.Cycles { return cpu.Calib.Usec2Cyc(usec) }

// ThdInit implements thd_init (spec.md §4.C, §6): allocate a descriptor,
// register it with the policy, and transition it to RUNNABLE (enqueued)
// or BLOCKED (not enqueued) per blocked. priority of 0 takes cfg's
// DefaultPriority if one was configured, else leaves the policy's own
// default (spec.md: "default priority = lowest").
func (rt *Runtime) ThdInit(cpu *percpu.CPU, thd, rcv, asnd, tc uint64, props thread.Property, priority uint8, blocked bool) (*thread.Descriptor, error) {
	if priority == 0 {
		priority = rt.cfg.DefaultPriority
	}
	return rt.thdInit(cpu, thd, rcv, asnd, tc, props, priority, blocked)
}

// thdInit is ThdInit without the DefaultPriority substitution, used for
// Init's own idle/sched bootstrap descriptors: those get their priority
// (if any) straight from cfg.IdlePriority, not from the fallback meant
// for application threads that called ThdInit with no priority of their
// own opinion.
func (rt *Runtime) thdInit(cpu *percpu.CPU, thd, rcv, asnd, tc uint64, props thread.Property, priority uint8, blocked bool) (*thread.Descriptor, error) {
	if _, err := cs.Enter(&cpu.Lock, thread.NoID, rt.disp, 0); err != nil {
		return nil, err
	}

	t, err := cpu.Table.Alloc(thd, rcv, asnd, tc, props, 0)
	if err != nil {
		cs.Exit(&cpu.Lock, thread.NoID, rt.disp)
		return nil, err
	}
	cpu.Policy.ThdInit(t)

	if priority != 0 {
		if err := cpu.Policy.ThdModify(t, policy.Priority, int(priority)); err != nil {
			cs.Exit(&cpu.Lock, thread.NoID, rt.disp)
			return nil, err
		}
	}
	cpu.Timer.ThdInit(t)

	if blocked {
		t.InitBlocked()
	} else {
		t.InitRunnable()
		cpu.Policy.Wakeup(t)
	}

	return t, cs.Exit(&cpu.Lock, thread.NoID, rt.disp)
}

// ThdTeardown implements the "any -> teardown -> DYING" transition of
// spec.md §4.C: remove t from the run-queue if it is queued, cancel any
// pending timeout so timerq never outlives the descriptor it was armed
// for, then mark it DYING so a subsequent ThdDeinit may release it.
func (rt *Runtime) ThdTeardown(cpu *percpu.CPU, t *thread.Descriptor) error {
	if _, err := cs.Enter(&cpu.Lock, thread.NoID, rt.disp, 0); err != nil {
		return err
	}
	if t.OnPolicyQueue() {
		cpu.Policy.Block(t)
	}
	cpu.Timer.Cancel(t)
	t.Teardown()
	return cs.Exit(&cpu.Lock, thread.NoID, rt.disp)
}

// ThdDeinit implements thd_deinit (spec.md §4.C, §6): release a DYING
// descriptor back to the table. Returns slmerr.InvalidState if t is not
// DYING.
func (rt *Runtime) ThdDeinit(cpu *percpu.CPU, t *thread.Descriptor) error {
	if _, err := cs.Enter(&cpu.Lock, thread.NoID, rt.disp, 0); err != nil {
		return err
	}
	cpu.Policy.ThdDeinit(t)
	opErr := t.Deinit()
	if opErr == nil {
		cpu.Table.Free(t.ID)
	}
	exitErr := cs.Exit(&cpu.Lock, thread.NoID, rt.disp)
	if opErr != nil {
		return opErr
	}
	return exitErr
}

// ThdModify implements thd_modify (spec.md §4.E, §6).
func (rt *Runtime) ThdModify(cpu *percpu.CPU, t *thread.Descriptor, param policy.Param, value int) error {
	if _, err := cs.Enter(&cpu.Lock, thread.NoID, rt.disp, 0); err != nil {
		return err
	}
	opErr := cpu.Policy.ThdModify(t, param, value)
	exitErr := cs.Exit(&cpu.Lock, thread.NoID, rt.disp)
	if opErr != nil {
		return opErr
	}
	return exitErr
}

// ThdBlock implements thd_block (spec.md §4.I). current must be the
// calling thread's own descriptor. deadline, if nonzero, arms a timeout
// for current at that absolute cycle (spec.md §4.G's set, §5's "a thread
// may be blocked with a timeout", §8 scenario 5); zero means block with
// no timeout, matching timerq.Source.Next's own "0 means none"
// convention. If a wakeup already raced ahead and left current WOKEN,
// ThdBlock converts it to RUNNABLE and returns without suspending
// (no timeout is armed in that case, since current never actually
// blocks); otherwise it transitions to BLOCKED and dispatches away.
func (rt *Runtime) ThdBlock(cpu *percpu.CPU, current *thread.Descriptor, deadline cycles.Cycles) error {
	if _, err := cs.Enter(&cpu.Lock, current.ID, rt.disp, 0); err != nil {
		return err
	}

	if current.ObserveWoken() {
		return cs.Exit(&cpu.Lock, current.ID, rt.disp)
	}

	cpu.Policy.Block(current)
	current.Block()
	if deadline != 0 {
		cpu.Timer.Set(current, deadline)
	}

	next := cpu.Policy.Schedule()
	if next == thread.NoID {
		next = cpu.IdleThd
	}

	if err := cs.ExitReschedule(&cpu.Lock, current.ID, rt.disp, next); err != nil && err != slmerr.Again {
		return err
	}
	return nil
}

// ThdWakeup implements thd_wakeup (spec.md §4.I). The redundant flag
// governs a RUNNABLE target: without it, waking an already-runnable
// thread is INVALID_STATE (scenario 6); with it, the wakeup is accepted
// without touching the run-queue. A RUNNABLE target transitioning under
// a redundant wakeup becomes WOKEN rather than a true no-op: spec.md §5's
// ordering guarantee requires that a wakeup completing its CS before the
// same thread's own block() is guaranteed to leave it WOKEN, so that
// block() short-circuits instead of suspending (scenario 4). Marking
// WOKEN does not touch the run-queue (invariant 3's runnable predicate
// already covers WOKEN), so this is consistent with "OK without mutating
// queue".
func (rt *Runtime) ThdWakeup(cpu *percpu.CPU, t *thread.Descriptor, redundant bool) error {
	if _, err := cs.Enter(&cpu.Lock, thread.NoID, rt.disp, 0); err != nil {
		return err
	}

	var opErr error
	switch t.State() {
	case thread.Blocked:
		cpu.Timer.Cancel(t)
		t.Wakeup()
		cpu.Policy.Wakeup(t)
	case thread.Runnable:
		if !redundant {
			opErr = slmerr.InvalidState
		} else {
			t.RaceToWoken()
		}
	case thread.Woken:
		// Already marked; a second racing wakeup is idempotent.
	default:
		opErr = slmerr.InvalidState
	}

	exitErr := cs.Exit(&cpu.Lock, thread.NoID, rt.disp)
	if opErr != nil {
		return opErr
	}
	return exitErr
}

// ThdYield implements thd_yield (spec.md §4.I). yieldTo, if not
// thread.NoID, is passed to the policy as a fairness hint and used
// directly as the dispatch target; otherwise the policy's own pick (or
// idle) is used.
func (rt *Runtime) ThdYield(cpu *percpu.CPU, current *thread.Descriptor, yieldTo thread.ID) error {
	if _, err := cs.Enter(&cpu.Lock, current.ID, rt.disp, 0); err != nil {
		return err
	}

	cpu.Policy.Yield(current, yieldTo)
	current.Yield()

	target := yieldTo
	if target == thread.NoID {
		target = cpu.Policy.Schedule()
		if target == thread.NoID {
			target = cpu.IdleThd
		}
	}

	if err := cs.ExitReschedule(&cpu.Lock, current.ID, rt.disp, target); err != nil && err != slmerr.Again {
		return err
	}
	return nil
}

// Idle is the body of a CPU's idle thread (spec.md §4.I): halt until the
// kernel delivers the next event. The actual halting is the kernel
// dispatch primitive's job (out of scope, per spec.md §1); once
// dispatched back to, idle's only job is to hand control straight back to
// the scheduler thread so it can run its next event-processing pass.
func (rt *Runtime) Idle(cpu *percpu.CPU) {
	rt.disp.Dispatch(kernext.ThreadRef(cpu.SchedThd), rt.disp.SchedSyncToken(), false)
}

// schedState is a reified state in the scheduler loop's state machine,
// grounded on gVisor's taskRunState/Task.run (pkg/sentry/kernel/task_run.go):
// a cooperative loop runs a named sequence of phases, tail-calling the
// next phase's state rather than inlining every branch into one function.
type schedState interface {
	execute(rt *Runtime, cpu *percpu.CPU) schedState
}

// drainEvents is the loop's first phase: drain and apply one batch of
// kernel events (event.Loop.Pass), per spec.md §4.H steps 1-5.
type drainEvents struct {
	blocking bool
}

func (s *drainEvents) execute(rt *Runtime, cpu *percpu.CPU) schedState {
	loop := event.NewLoop(cpu, rt.disp, rt.tmr, rt.clk)
	st := loop.Pass(s.blocking)
	return &dispatch{stats: st, blocking: s.blocking}
}

// dispatch is the loop's second phase: hand off execution to whichever
// thread the pass picked (spec.md §4.H step 6). If this is a non-blocking
// loop and the pass drained no events, the loop ends here; otherwise it
// tail-calls back into drainEvents for the next pass.
type dispatch struct {
	stats    event.Stats
	blocking bool
}

func (s *dispatch) execute(rt *Runtime, cpu *percpu.CPU) schedState {
	rt.disp.Dispatch(kernext.ThreadRef(s.stats.Dispatched), rt.disp.SchedSyncToken(), false)
	if !s.blocking && s.stats.EventsDrained == 0 {
		return nil
	}
	return &drainEvents{blocking: s.blocking}
}

// SchedLoop implements sched_loop (spec.md §4.I): the scheduler thread's
// main loop, parking on sched_rcv between passes. It never returns.
func (rt *Runtime) SchedLoop(cpu *percpu.CPU) {
	var st schedState = &drainEvents{blocking: true}
	for st != nil {
		st = st.execute(rt, cpu)
	}
}

// SchedLoopNonblock implements sched_loop_nonblock (spec.md §4.I): run
// passes until one drains no pending events, then return that pass's
// Stats. Used for bootstrap/test configurations that need the loop to
// make forward progress without ever parking.
func (rt *Runtime) SchedLoopNonblock(cpu *percpu.CPU) event.Stats {
	var st schedState = &drainEvents{blocking: false}
	var last event.Stats
	for st != nil {
		if d, ok := st.(*dispatch); ok {
			last = d.stats
		}
		st = st.execute(rt, cpu)
	}
	return last
}
