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

// Package cs implements the one-word critical-section lock that
// serializes access to a CPU's scheduler state, with priority-inheriting
// contended entry and resched-on-exit (spec.md §4.D). Exactly one thread
// per CPU may hold the CS at a time; holding it is a precondition for
// every policy.Policy call (spec.md §4.E).
package cs

import (
	"github.com/google/slm/internal/atomicbitops"
	"github.com/google/slm/internal/log"
	"github.com/google/slm/kernext"
	"github.com/google/slm/slmerr"
	"github.com/google/slm/thread"
)

// ownerMask covers the low 31 bits, which pack a thread.ID (plus one
// to distinguish ID 0 — thread.NoID — from "unlocked"); the top bit is
// the contention flag. This is the lock-word packing the Design Notes
// recommend: a descriptor index, not a pointer, so the word stays a
// single machine word regardless of descriptor size or address space
// layout.
const (
	contendedBit  uint32 = 1 << 31
	ownerMask     uint32 = contendedBit - 1
	noOwnerPacked uint32 = 0
)

func pack(owner thread.ID) uint32 {
	// Store owner+1 so that every owner, thread.NoID (0) included, packs
	// nonzero, leaving 0 reserved for "unlocked". The runtime enters the
	// CS as thread.NoID for operations performed outside any application
	// thread's own context.
	return uint32(owner) + 1
}

func unpack(word uint32) thread.ID {
	owner := word & ownerMask
	if owner == noOwnerPacked {
		return thread.NoID
	}
	return thread.ID(owner - 1)
}

// Lock is the per-CPU critical-section lock word.
type Lock struct {
	word atomicbitops.Uint32
}

// EnterFlags modifies Enter's contended-path behavior (spec.md §4.D).
type EnterFlags uint8

const (
	// NoSpin causes Enter to return (Failed, nil) once a contended
	// switch to the owner returns, or when the acquiring CAS loses a
	// race, instead of looping to try again.
	NoSpin EnterFlags = 1 << iota
	// SchedEvt causes Enter to return slmerr.Busy if the kernel
	// dispatch reports pending scheduler events, instead of looping.
	SchedEvt
)

// EnterResult is the outcome of a successful (non-error) Enter call.
type EnterResult int

const (
	// Acquired means the caller now holds the CS.
	Acquired EnterResult = iota
	// Failed means the caller does not hold the CS and must retry (or
	// abort, if it passed NoSpin) at its own discretion.
	Failed
)

// Enter implements cs_enter (spec.md §4.D). current is the calling
// thread; disp supplies the token read and the switch-to primitive.
func Enter(lock *Lock, current thread.ID, disp kernext.Dispatcher, flags EnterFlags) (EnterResult, error) {
	for {
		token := disp.SchedSyncToken()
		word := lock.word.Load()
		owner := unpack(word)

		if word&ownerMask == noOwnerPacked {
			if lock.word.CompareAndSwap(word, pack(current)) {
				return Acquired, nil
			}
			// Lost the race to acquire; another thread took it (or
			// set the contention bit). Retry from the top.
			if flags&NoSpin != 0 {
				return Failed, nil
			}
			continue
		}

		// Contended: mark the contention bit (CAS retry on failure),
		// then ask the kernel to switch to the owner with our
		// priority inherited until it exits the CS.
		contended := word | contendedBit
		if word&contendedBit == 0 && !lock.word.CompareAndSwap(word, contended) {
			continue
		}

		switch disp.Dispatch(kernext.ThreadRef(owner), token, true /* inheritPriority */) {
		case kernext.DispatchAgain:
			continue
		case kernext.DispatchBusy:
			if flags&SchedEvt != 0 {
				return Failed, slmerr.Busy
			}
			continue
		case kernext.DispatchOK:
			if flags&NoSpin != 0 {
				return Failed, nil
			}
			// Woke up because the owner released (or yielded
			// through) the CS; loop to attempt acquisition again.
			continue
		}
	}
}

// Exit implements cs_exit (spec.md §4.D): release the lock, waking the
// scheduler thread to pick the next owner if the lock was contended.
func Exit(lock *Lock, current thread.ID, disp kernext.Dispatcher) error {
	for {
		word := lock.word.Load()
		owner := unpack(word)
		if owner != current {
			log.Warningf("cs.Exit: thread %d released a CS held by %d", current, owner)
			return slmerr.NotOwner
		}

		if word&contendedBit != 0 {
			token := disp.SchedSyncToken()
			if !lock.word.CompareAndSwap(word, noOwnerPacked) {
				continue
			}
			// Reschedule to the scheduler thread so it can pick the
			// next owner among whoever is spinning on Dispatch.
			disp.Dispatch(kernext.ThreadRef(thread.NoID), token, false)
			return nil
		}

		if lock.word.CompareAndSwap(word, noOwnerPacked) {
			return nil
		}
	}
}

// ExitReschedule implements cs_exit_reschedule (spec.md §4.D): release
// the lock and dispatch to switchTo using the scheduler token read just
// before the release. If the kernel reports that token stale, it returns
// slmerr.Again with the lock already released; it does not retry the
// dispatch itself.
func ExitReschedule(lock *Lock, current thread.ID, disp kernext.Dispatcher, switchTo thread.ID) error {
	for {
		word := lock.word.Load()
		owner := unpack(word)
		if owner != current {
			log.Warningf("cs.ExitReschedule: thread %d released a CS held by %d", current, owner)
			return slmerr.NotOwner
		}

		token := disp.SchedSyncToken()
		if !lock.word.CompareAndSwap(word, noOwnerPacked) {
			continue
		}

		switch disp.Dispatch(kernext.ThreadRef(switchTo), token, false) {
		case kernext.DispatchAgain:
			// The token changed between our read and the dispatch
			// attempt; the lock is already released, so there is
			// nothing to retry here but the dispatch itself, which
			// the scheduler loop will pick up on its next pass.
			return slmerr.Again
		default:
			return nil
		}
	}
}
