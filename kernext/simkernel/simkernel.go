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

// Package simkernel is an in-process discrete-event simulation of the
// capability-protected kernel substrate spec.md §6 names but leaves out
// of scope. It is the one concrete kernext backend in this module, good
// enough to drive package tests and the cmd/slmctl demo
// end to end without a real kernel underneath.
//
// One Kernel models one CPU's kernel-visible state: the scheduler token,
// which thread is currently "running" (i.e. which goroutine is not
// parked), the pending scheduling-event queue, and a one-shot timer. Each
// SLM thread is a goroutine; switching execution is a real channel
// hand-off, so cs.Enter's contended path genuinely blocks its caller
// until the owner releases, exactly as spec.md §5 describes.
package simkernel

import (
	"sync"
	"time"

	"github.com/google/slm/cycles"
	"github.com/google/slm/internal/assert"
	"github.com/google/slm/internal/log"
	"github.com/google/slm/kernext"
)

// Kernel is one CPU's simulated kernel substrate.
type Kernel struct {
	mu      sync.Mutex
	token   uint64
	current kernext.ThreadRef
	waiters map[kernext.ThreadRef]chan struct{}

	events   []kernext.Event
	eventSig chan struct{} // closed+replaced to wake a blocked SchedRcv

	calib   cycles.Calibration
	epoch   time.Time
	timerID uint64 // incremented on every Arm/Disarm to invalidate stale timers
}

// NewKernel constructs a Kernel calibrated to calib, with current set to
// thread.NoID (the bootstrap/scheduler identity; see slm.Runtime.Init).
func NewKernel(calib cycles.Calibration) *Kernel {
	return &Kernel{
		waiters:  make(map[kernext.ThreadRef]chan struct{}),
		eventSig: make(chan struct{}),
		calib:    calib,
		epoch:    time.Now(),
	}
}

func (k *Kernel) waiterLocked(ref kernext.ThreadRef) chan struct{} {
	ch, ok := k.waiters[ref]
	if !ok {
		ch = make(chan struct{}, 1)
		k.waiters[ref] = ch
	}
	return ch
}

// Dispatch implements kernext.Dispatcher. The calling goroutine is
// assumed to be the thread identified by Kernel's current field (only the
// currently-dispatched thread may call Dispatch, per spec.md §5's
// cooperative single-threading); Dispatch signals target's resume
// channel, then parks the caller on its own channel until some later
// Dispatch call switches back to it.
func (k *Kernel) Dispatch(target kernext.ThreadRef, token kernext.Token, inheritPriority bool) kernext.DispatchResult {
	k.mu.Lock()
	if kernext.Token(k.token) != token {
		k.mu.Unlock()
		return kernext.DispatchAgain
	}
	caller := k.current
	k.token++
	k.current = target
	targetCh := k.waiterLocked(target)
	callerCh := k.waiterLocked(caller)
	k.mu.Unlock()

	if log.IsLogging(log.Debug) {
		log.Debugf("simkernel: dispatch %d -> %d (inherit=%v)", caller, target, inheritPriority)
	}

	// Wake the target, then park until woken ourselves. A buffered size-1
	// channel makes both directions non-blocking sends, so there is no
	// ordering hazard between "signal target" and "park self" even if the
	// target races ahead and dispatches back to us immediately.
	select {
	case targetCh <- struct{}{}:
	default:
	}
	<-callerCh
	return kernext.DispatchOK
}

// SchedSyncToken implements kernext.Dispatcher.
func (k *Kernel) SchedSyncToken() kernext.Token {
	k.mu.Lock()
	defer k.mu.Unlock()
	return kernext.Token(k.token)
}

// SchedRcv implements kernext.Dispatcher. If blocking is true and no
// events are pending, SchedRcv parks until DeliverEvent (or a fired
// timer) signals eventSig, then returns whatever batch (possibly still
// empty, for a timer-only signal) is pending: a fired timer carries no
// event of its own, it only tells the caller to re-run its own
// timerq.Source.Expire check, which event.Loop.Pass does unconditionally
// after SchedRcv returns.
func (k *Kernel) SchedRcv(blocking bool) []kernext.Event {
	k.mu.Lock()
	if len(k.events) > 0 || !blocking {
		out := k.events
		k.events = nil
		k.mu.Unlock()
		return out
	}
	sig := k.eventSig
	k.mu.Unlock()

	<-sig

	k.mu.Lock()
	out := k.events
	k.events = nil
	k.mu.Unlock()
	return out
}

// DeliverEvent injects ev into the pending queue, as if the kernel had
// observed it, and wakes a blocked SchedRcv. Test and demo code use this
// to simulate kernel-observed block/unblock notifications.
func (k *Kernel) DeliverEvent(ev kernext.Event) {
	k.mu.Lock()
	k.events = append(k.events, ev)
	old := k.eventSig
	k.eventSig = make(chan struct{})
	k.mu.Unlock()
	close(old)
}

// Arm implements kernext.Timer: schedule a wakeup at absolute cycle cyc,
// converted to a real-time delay via the calibration this Kernel was
// constructed with. Firing wakes a blocked SchedRcv with an empty batch
// so the event loop re-runs timerq.Source.Expire; it does not itself
// know which descriptor to wake (that is timerq's job).
func (k *Kernel) Arm(cyc cycles.Cycles) {
	k.mu.Lock()
	k.timerID++
	id := k.timerID
	now := k.tscNowLocked()
	k.mu.Unlock()

	var delay time.Duration
	if cycles.AtOrAfter(now, cyc) {
		delay = 0
	} else {
		usec := k.calib.Cyc2Usec(cycles.Sub(cyc, now))
		delay = time.Duration(usec) * time.Microsecond
	}

	time.AfterFunc(delay, func() {
		k.mu.Lock()
		if k.timerID != id {
			// Disarmed or re-armed since; this firing is stale.
			k.mu.Unlock()
			return
		}
		old := k.eventSig
		k.eventSig = make(chan struct{})
		k.mu.Unlock()
		close(old)
	})
}

// Disarm implements kernext.Timer: invalidate any in-flight Arm so its
// firing becomes a no-op.
func (k *Kernel) Disarm() {
	k.mu.Lock()
	k.timerID++
	k.mu.Unlock()
}

func (k *Kernel) tscNowLocked() cycles.Cycles {
	usec := uint64(time.Since(k.epoch).Microseconds())
	return k.calib.Usec2Cyc(usec)
}

// TSCNow implements kernext.Clock.
func (k *Kernel) TSCNow() cycles.Cycles {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.tscNowLocked()
}

// Topology is a fixed, single-process kernext.Topology: count CPUs, this
// Topology value always reporting self as CPUID. Tests and the CLI demo
// construct one Topology per simulated CPU.
type Topology struct {
	Self  uint32
	Count uint32
}

// CPUID implements kernext.Topology.
func (t Topology) CPUID() uint32 { return t.Self }

// CPUCount implements kernext.Topology.
func (t Topology) CPUCount() uint32 {
	assert.That(t.Count > 0, "simkernel: Topology with zero CPUCount")
	return t.Count
}
