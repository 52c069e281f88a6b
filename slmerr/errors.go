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

// Package slmerr defines the small, flat set of sentinel errors the
// scheduler core returns, in the shape of gVisor's pkg/errors/linuxerr:
// comparable values usable with errors.Is, carrying conventional
// meanings rather than ad-hoc formatted strings.
package slmerr

// Error is a scheduler sentinel error.
type Error struct {
	name string
}

// Error implements the error interface.
func (e *Error) Error() string { return e.name }

var (
	// Again indicates an optimistic-concurrency retry is required: the
	// scheduler token changed, or a CAS on the critical-section lock
	// word lost a race. Internal retry loops absorb this; it must never
	// reach a caller of a public operation (spec.md §7).
	Again = &Error{"slm: AGAIN: retry required"}

	// Busy indicates pending scheduler events block progress; surfaced
	// only to the scheduler loop, never to application thread callers.
	Busy = &Error{"slm: BUSY: pending scheduler events"}

	// InvalidState indicates an operation was attempted on a descriptor
	// in a state that does not permit it (e.g. a non-redundant wakeup of
	// an already-runnable thread).
	InvalidState = &Error{"slm: INVALID_STATE: operation not valid in current state"}

	// NotOwner indicates a critical-section exit was attempted by a
	// thread other than the one that entered it. This should never
	// occur; it is returned rather than asserted only at the lowest
	// layer so higher layers can choose to assert on it themselves.
	NotOwner = &Error{"slm: NOT_OWNER: critical section exit by non-owner"}

	// NoMem indicates descriptor allocation failed (the thread table is
	// exhausted).
	NoMem = &Error{"slm: NOMEM: descriptor allocation failed"}
)

// Fatal wraps an invariant-violation message. It is never returned from a
// public operation; internal/assert is its only caller, using it as the
// panic value so a recovered panic anywhere above the scheduler core can
// still tell a FATAL condition apart from an ordinary Go panic via
// errors.As.
func Fatal(msg string) *Error { return &Error{"slm: FATAL: " + msg} }
