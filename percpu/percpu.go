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

// Package percpu holds the process-wide, CPU-partitioned scheduler state
// (spec.md §3, §4.B): one record per CPU, addressed by CPU id rather
// than any goroutine-local mechanism, since the scheduler thread itself
// is the thing pinned to a CPU. All fields of a CPU record are accessed
// only from the CPU that owns it (spec.md invariant 5), except for
// cross-CPU wakeups, which go through the kernel's notification
// primitive (kernext) rather than touching another CPU's record
// directly.
package percpu

import (
	"runtime"

	"github.com/google/slm/cs"
	"github.com/google/slm/cycles"
	"github.com/google/slm/internal/atomicbitops"
	"github.com/google/slm/policy"
	"github.com/google/slm/thread"
	"github.com/google/slm/timerq"
)

// CPU is one CPU's scheduler state. Cache-line padding is inserted
// around the hottest cross-thread-visible fields (the CS lock word and
// the ready flag) to avoid false sharing between neighboring CPU
// records, matching gVisor's pkg/atomicbitops field-padding idiom for
// per-CPU structures.
type CPU struct {
	id uint32

	ready atomicbitops.Uint32
	_     atomicbitops.CacheLinePad

	Lock cs.Lock
	_    atomicbitops.CacheLinePad

	Table    *thread.Table
	Policy   policy.Policy
	Timer    timerq.Source
	Calib    cycles.Calibration
	EventQ   *thread.List
	IdleThd  thread.ID
	SchedThd thread.ID

	TimerSet        bool
	TimerNextCycle  cycles.Cycles
	TimerNextTick   cycles.Tick
}

// ID returns the CPU id this record belongs to.
func (c *CPU) ID() uint32 { return c.id }

// Set is the full array of per-CPU records, one per kernext.Topology
// CPU. It is allocated once at startup; each slot's CPU.Init is called
// exactly once, by whichever goroutine (pinned to that CPU) reaches it
// first. Other callers for the same CPU id spin-wait on the ready flag
// rather than double-initializing.
type Set struct {
	cpus []CPU
}

// NewSet allocates (but does not initialize) records for count CPUs.
func NewSet(count uint32) *Set {
	return &Set{cpus: make([]CPU, count)}
}

// Count returns the number of CPU records in the set.
func (s *Set) Count() uint32 { return uint32(len(s.cpus)) }

// Init performs the one-shot initialization of the record for cpuID,
// building its thread table, policy, and timer source via the supplied
// constructors. If another goroutine is concurrently initializing the
// same cpuID, Init spin-waits (yielding via runtime.Gosched, since this
// is expected to resolve in at most a few scheduler quanta) for that
// initialization to complete instead of racing it, and returns the
// now-ready record either way.
func (s *Set) Init(cpuID uint32, newPolicy func(*thread.Table) policy.Policy, newTimer func(*thread.Table, cycles.Calibration) timerq.Source, tableCapacity int, calib cycles.Calibration) *CPU {
	c := &s.cpus[cpuID]

	if !c.ready.CompareAndSwap(0, 1) {
		// Lost the race (or this is a repeat call): someone else is
		// initializing, or already has. Spin until ready reaches 2.
		for c.ready.Load() != 2 {
			runtime.Gosched()
		}
		return c
	}

	c.id = cpuID
	c.Table = thread.NewTable(tableCapacity)
	c.Calib = calib
	c.Policy = newPolicy(c.Table)
	c.Timer = newTimer(c.Table, calib)
	c.EventQ = thread.NewList(c.Table, thread.EventLinks())

	c.ready.Store(2)
	return c
}

// Ready reports whether cpuID's record has completed Init.
func (s *Set) Ready(cpuID uint32) bool {
	return s.cpus[cpuID].ready.Load() == 2
}

// Get returns the record for cpuID. The caller must ensure Init has
// completed (e.g. by having called Init itself, which blocks until
// ready).
func (s *Set) Get(cpuID uint32) *CPU { return &s.cpus[cpuID] }
