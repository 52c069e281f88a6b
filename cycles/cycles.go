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

// Package cycles converts between the three time units the scheduler
// core deals in: raw TSC cycles, microseconds, and kernel ticks. All
// arithmetic is unsigned 64-bit; an underflow anywhere in this package is
// a bug in the caller, not a value to propagate, so it asserts (spec.md
// §4.A).
package cycles

import "github.com/google/slm/internal/assert"

// Cycles is a raw, monotonically increasing timestamp-counter value.
type Cycles uint64

// Tick is a kernel scheduling tick, an opaque unit the kernel defines;
// conversion to/from cycles is delegated to a TickConverter, since only
// the kernel (out of scope for this module) knows the tick period.
type Tick uint64

// TickConverter performs the kernel-specific tick<->cycle conversion.
// This module declares the interface only; no implementation of it ships
// here, in kernext or elsewhere.
type TickConverter interface {
	Cyc2Tick(c Cycles) Tick
	Tick2Cyc(t Tick) Cycles
}

// Calibration holds the CPU's calibrated cycles-per-microsecond constant.
// One Calibration is held per percpu.CPU record; it is set once during
// that CPU's init and never changes afterward.
type Calibration struct {
	cycPerUsec uint64
}

// NewCalibration constructs a Calibration from a measured cycles-per-
// microsecond value. cycPerUsec must be nonzero.
func NewCalibration(cycPerUsec uint64) Calibration {
	assert.That(cycPerUsec > 0, "cycles-per-microsecond calibration must be nonzero")
	return Calibration{cycPerUsec: cycPerUsec}
}

// CyclesPerUsec returns the calibrated constant.
func (c Calibration) CyclesPerUsec() uint64 { return c.cycPerUsec }

// Cyc2Usec converts a cycle count to microseconds, rounding down.
func (c Calibration) Cyc2Usec(cyc Cycles) uint64 {
	return uint64(cyc) / c.cycPerUsec
}

// Usec2Cyc converts a microsecond duration to a cycle count.
func (c Calibration) Usec2Cyc(usec uint64) Cycles {
	return Cycles(usec * c.cycPerUsec)
}

// Sub returns a-b, asserting that a >= b: cycle counts in this module
// only ever move forward, so a negative (wrapped) duration is always a
// bug at the call site.
func Sub(a, b Cycles) Cycles {
	assert.NoUnderflow(uint64(a), uint64(b), "cycles.Sub")
	return a - b
}

// Before reports whether a occurred strictly before b.
func Before(a, b Cycles) bool { return a < b }

// AtOrAfter reports whether a occurred at or after b, the predicate a
// timer deadline uses to decide it has expired (spec.md §4.G, §8
// boundary behavior: "Timer with absolute = now fires on the next
// pass").
func AtOrAfter(a, b Cycles) bool { return a >= b }
