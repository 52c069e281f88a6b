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

// Package thread is the SLM per-thread descriptor and its state machine
// (spec.md §3, §4.C). Descriptors live in a Table, an arena indexed by
// ID, per the Design Notes' recommended "arena + index" pattern: policy
// run-queues and the event-pending list hold IDs, never pointers, so
// there is no cyclic descriptor<->queue reference to break and no
// pinning requirement.
package thread

import (
	"fmt"

	"github.com/google/slm/cycles"
	"github.com/google/slm/internal/assert"
	"github.com/google/slm/internal/log"
	"github.com/google/slm/slmerr"
)

// ID is an index into a Table. The zero value, NoID, never identifies a
// live descriptor.
type ID uint32

// NoID is the sentinel "no thread" value, used as an empty back-
// reference (e.g. a critical-section lock word's owner field when
// unlocked) and as the arena's "free" marker.
const NoID ID = 0

// State is a state in the thread state machine of spec.md §4.C.
type State uint8

const (
	// Free means the descriptor slot is unused.
	Free State = iota
	// Blocked means the thread is suspended and not on any run-queue.
	Blocked
	// Woken means a wakeup raced ahead of the thread's own block() and
	// must be observed by that block() without suspending (invariant 4).
	Woken
	// Runnable means the thread is eligible for dispatch and is queued
	// by the policy.
	Runnable
	// Dying means the thread is tearing down; it has been removed from
	// the policy and awaits Deinit.
	Dying
)

func (s State) String() string {
	switch s {
	case Free:
		return "FREE"
	case Blocked:
		return "BLOCKED"
	case Woken:
		return "WOKEN"
	case Runnable:
		return "RUNNABLE"
	case Dying:
		return "DYING"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Property is a bit in a Descriptor's properties bit-set (spec.md §3).
type Property uint8

const (
	// OwnTCap marks that the descriptor owns (rather than borrows) its
	// time-budget container capability.
	OwnTCap Property = 1 << iota
	// Send marks that the descriptor holds a send-notify capability.
	Send
	// RCVSuspended mirrors kernel-visible receive-suspend status. It is
	// independent of State (invariant 6) and must be cleared by the
	// event loop before the policy is asked to consider the thread
	// runnable again in the sense of actually being dispatched — see
	// SPEC_FULL.md §9 for the resolved Open Question on ordering.
	RCVSuspended
)

// Has reports whether p is set in the property bit-set ps.
func Has(ps, p Property) bool { return ps&p != 0 }

// EventInfo is the mailbox the event loop writes and the policy reads
// (spec.md §3).
type EventInfo struct {
	Blocked        bool
	ExecutedCycles cycles.Cycles
	Timeout        cycles.Tick
	HasTimeout     bool
}

// Descriptor is one thread's scheduler-owned record. Capability fields
// (Thd, Rcv, Asnd, TC) are opaque kernel handles, immutable after Init,
// and never interpreted by this module.
type Descriptor struct {
	ID ID

	// Capability handles, opaque to SLM (spec.md §3).
	Thd, Rcv, Asnd, TC uint64

	Properties Property
	state      State
	// Priority is policy-specific; 1 (highest) .. 32 (lowest) for the
	// fixed-priority round-robin reference policy. Other policies may
	// interpret it differently (e.g. as a deadline class).
	Priority uint8

	EventInfo EventInfo

	// QPrev/QNext are the intrusive doubly-linked policy run-queue node
	// embedded in the descriptor (Design Notes §9); NoID terminates
	// either direction. EvPrev/EvNext are the analogous node for the
	// event loop's pending-event list. Both hold only IDs, never
	// pointers, so there is no cyclic descriptor<->queue reference to
	// break and no pinning requirement on the arena.
	QPrev, QNext   ID
	EvPrev, EvNext ID
	onPolicyQ      bool
	onEventQ       bool
}

// State returns the descriptor's current state.
func (d *Descriptor) State() State { return d.state }

// Runnable reports whether d's state makes it eligible for the policy to
// dispatch: RUNNABLE or WOKEN (spec.md §4.C).
func (d *Descriptor) Runnable() bool { return d.state == Runnable || d.state == Woken }

// OnPolicyQueue reports whether d is currently linked onto some policy
// run-queue (invariant 1: at most one, membership iff Runnable/Woken for
// the reference policy).
func (d *Descriptor) OnPolicyQueue() bool { return d.onPolicyQ }

// SetOnPolicyQueue is called by a policy implementation when it links or
// unlinks d from a run-queue.
func (d *Descriptor) SetOnPolicyQueue(v bool) { d.onPolicyQ = v }

// OnEventQueue reports whether d is linked onto the per-CPU pending-
// event list.
func (d *Descriptor) OnEventQueue() bool { return d.onEventQ }

// SetOnEventQueue is called by the event loop when it links or unlinks d.
func (d *Descriptor) SetOnEventQueue(v bool) { d.onEventQ = v }

func (d *Descriptor) transition(to State, reason string) {
	from := d.state
	d.state = to
	if log.IsLogging(log.Debug) {
		log.Debugf("thread %d: %s -> %s (%s)", d.ID, from, to, reason)
	}
}

// InitRunnable transitions a FREE descriptor to RUNNABLE (thd_init with
// no BLOCKED flag).
func (d *Descriptor) InitRunnable() {
	assert.That(d.state == Free, "thread %d: InitRunnable from %s", d.ID, d.state)
	d.transition(Runnable, "thd_init")
}

// InitBlocked transitions a FREE descriptor to BLOCKED (thd_init with the
// BLOCKED flag set).
func (d *Descriptor) InitBlocked() {
	assert.That(d.state == Free, "thread %d: InitBlocked from %s", d.ID, d.state)
	d.transition(Blocked, "thd_init")
}

// Block transitions RUNNABLE -> BLOCKED. The caller (cs under the CS)
// must have already removed d from the policy run-queue.
func (d *Descriptor) Block() {
	assert.That(d.state == Runnable, "thread %d: Block from %s", d.ID, d.state)
	d.transition(Blocked, "block()")
}

// Yield is a no-op on State: RUNNABLE -> RUNNABLE. It exists so call
// sites read symmetrically with the other transition methods and so the
// debug log records a yield happened.
func (d *Descriptor) Yield() {
	assert.That(d.state == Runnable, "thread %d: Yield from %s", d.ID, d.state)
	d.transition(Runnable, "yield()")
}

// Wakeup transitions BLOCKED -> RUNNABLE. Returns false if d was not
// BLOCKED (the caller must decide, per spec.md §4.I, whether that is a
// race to resolve as WOKEN, a redundant-wakeup success, or an error).
func (d *Descriptor) Wakeup() bool {
	if d.state != Blocked {
		return false
	}
	d.transition(Runnable, "wakeup()")
	return true
}

// RaceToWoken transitions RUNNABLE -> WOKEN: a wakeup landed between the
// target's own state mutation toward BLOCKED and its actual kernel park
// (spec.md §4.C transition table, invariant 4, scenario 4).
func (d *Descriptor) RaceToWoken() {
	assert.That(d.state == Runnable, "thread %d: RaceToWoken from %s", d.ID, d.state)
	d.transition(Woken, "wakeup() raced block()")
}

// ObserveWoken is called by a thread entering its own block() primitive.
// If d is WOKEN, it converts to RUNNABLE and the caller must not suspend
// (spec.md §4.C, invariant 4). Returns whether d was WOKEN.
func (d *Descriptor) ObserveWoken() bool {
	if d.state != Woken {
		return false
	}
	d.transition(Runnable, "block() observed WOKEN")
	return true
}

// Teardown transitions any state to DYING. The caller must already have
// removed d from the policy run-queue if it was queued.
func (d *Descriptor) Teardown() {
	d.transition(Dying, "teardown")
}

// Deinit transitions DYING -> FREE and clears d's properties, priority
// and event info. It does not return the slot to its Table; the caller
// does that with Table.Free. Returns slmerr.InvalidState if d is not
// DYING.
func (d *Descriptor) Deinit() error {
	if d.state != Dying {
		return slmerr.InvalidState
	}
	d.transition(Free, "thd_deinit")
	d.Properties = 0
	d.Priority = 0
	d.EventInfo = EventInfo{}
	return nil
}

// Links lets a List operate over either the policy-queue node pair
// (QPrev/QNext) or the event-queue node pair (EvPrev/EvNext) without
// duplicating the list algorithm for each.
type Links struct {
	Prev    func(d *Descriptor) ID
	SetPrev func(d *Descriptor, id ID)
	Next    func(d *Descriptor) ID
	SetNext func(d *Descriptor, id ID)
	OnQ     func(d *Descriptor) bool
	SetOnQ  func(d *Descriptor, v bool)
}

// PolicyLinks is the Links accessor for policy run-queues.
func PolicyLinks() Links {
	return Links{
		Prev:    func(d *Descriptor) ID { return d.QPrev },
		SetPrev: func(d *Descriptor, id ID) { d.QPrev = id },
		Next:    func(d *Descriptor) ID { return d.QNext },
		SetNext: func(d *Descriptor, id ID) { d.QNext = id },
		OnQ:     func(d *Descriptor) bool { return d.onPolicyQ },
		SetOnQ:  func(d *Descriptor, v bool) { d.onPolicyQ = v },
	}
}

// EventLinks is the Links accessor for the event-pending list.
func EventLinks() Links {
	return Links{
		Prev:    func(d *Descriptor) ID { return d.EvPrev },
		SetPrev: func(d *Descriptor, id ID) { d.EvPrev = id },
		Next:    func(d *Descriptor) ID { return d.EvNext },
		SetNext: func(d *Descriptor, id ID) { d.EvNext = id },
		OnQ:     func(d *Descriptor) bool { return d.onEventQ },
		SetOnQ:  func(d *Descriptor, v bool) { d.onEventQ = v },
	}
}

// List is an intrusive FIFO of descriptor IDs threaded through a Table
// via a Links accessor. The zero value is an empty list.
type List struct {
	front, back ID
	links       Links
	table       *Table
}

// NewList constructs an empty List over table using links.
func NewList(table *Table, links Links) *List {
	return &List{table: table, links: links}
}

// Empty reports whether the list has no elements.
func (l *List) Empty() bool { return l.front == NoID }

// Front returns the head element, or NoID if empty.
func (l *List) Front() ID { return l.front }

// PushBack appends id to the tail. id must not already be queued.
func (l *List) PushBack(id ID) {
	d := l.table.Get(id)
	assert.That(!l.links.OnQ(d), "thread %d: PushBack while already queued", id)
	l.links.SetPrev(d, l.back)
	l.links.SetNext(d, NoID)
	if l.back != NoID {
		l.links.SetNext(l.table.Get(l.back), id)
	} else {
		l.front = id
	}
	l.back = id
	l.links.SetOnQ(d, true)
}

// Remove unlinks id from the list. id must currently be queued on l.
func (l *List) Remove(id ID) {
	d := l.table.Get(id)
	assert.That(l.links.OnQ(d), "thread %d: Remove while not queued", id)
	prev, next := l.links.Prev(d), l.links.Next(d)
	if prev != NoID {
		l.links.SetNext(l.table.Get(prev), next)
	} else {
		l.front = next
	}
	if next != NoID {
		l.links.SetPrev(l.table.Get(next), prev)
	} else {
		l.back = next
	}
	l.links.SetPrev(d, NoID)
	l.links.SetNext(d, NoID)
	l.links.SetOnQ(d, false)
}

// RotateFront removes the head and re-appends it to the tail, returning
// its ID. The list must be non-empty. This is the "return head after
// rotating it to the tail" operation spec.md §4.F describes for
// schedule(), and the "rotate t to tail" operation it describes for
// yield().
func (l *List) RotateFront() ID {
	id := l.front
	l.Remove(id)
	l.PushBack(id)
	return id
}

// Table is an arena of descriptors, indexed by ID. One Table exists per
// CPU (percpu.CPU embeds one); descriptors are never shared across CPUs
// (spec.md invariant 5).
type Table struct {
	slots []Descriptor
	free  []ID
}

// NewTable constructs a Table with room for capacity descriptors.
func NewTable(capacity int) *Table {
	// Slot 0 is reserved for NoID so a zero ID is never a live
	// descriptor.
	t := &Table{slots: make([]Descriptor, capacity+1)}
	for i := capacity; i >= 1; i-- {
		t.free = append(t.free, ID(i))
	}
	return t
}

// Alloc reserves a FREE descriptor slot and returns it with the given
// capability handles populated, leaving it in the FREE state for the
// caller to move to RUNNABLE or BLOCKED via InitRunnable/InitBlocked.
// Returns slmerr.NoMem if the table is exhausted.
func (t *Table) Alloc(thd, rcv, asnd, tc uint64, props Property, priority uint8) (*Descriptor, error) {
	if len(t.free) == 0 {
		return nil, slmerr.NoMem
	}
	id := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	d := &t.slots[id]
	*d = Descriptor{
		ID:         id,
		Thd:        thd,
		Rcv:        rcv,
		Asnd:       asnd,
		TC:         tc,
		Properties: props,
		Priority:   priority,
	}
	return d, nil
}

// Free returns a DYING descriptor's slot to the free list. Callers
// should use Descriptor.Deinit first to validate and clear the state.
func (t *Table) Free(id ID) {
	t.free = append(t.free, id)
}

// Get resolves an ID to its Descriptor. Panics if id is out of range;
// callers are expected to only ever hold IDs this Table produced.
func (t *Table) Get(id ID) *Descriptor {
	assert.That(int(id) < len(t.slots), "thread ID %d out of range for table of size %d", id, len(t.slots)-1)
	return &t.slots[id]
}
