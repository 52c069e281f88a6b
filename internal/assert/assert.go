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

// Package assert checks scheduler invariants that must never be violated
// by a correct caller. There is no kernel to recover into if one is, so
// a failed assertion logs and panics, mirroring gVisor's own
// panic-on-impossible-state-transition style (see, e.g.,
// Task.promoteLocked's panic on an invalid thread-group leader swap).
package assert

import (
	"fmt"

	"github.com/google/slm/internal/log"
	"github.com/google/slm/slmerr"
)

// That panics with a *slmerr.Error (via slmerr.Fatal) if cond is false, so
// that any recover above the scheduler core can tell a FATAL invariant
// violation apart from an ordinary Go panic.
func That(cond bool, msg string, args ...any) {
	if !cond {
		rendered := fmt.Sprintf(msg, args...)
		log.Warningf("invariant violation: %s", rendered)
		panic(slmerr.Fatal(rendered))
	}
}

// NoUnderflow asserts that subtracting b from a would not wrap a uint64,
// i.e. that a >= b. Time and cycle arithmetic in this module is 64-bit
// unsigned throughout; an underflow there is always a bug (spec.md §4.A).
func NoUnderflow(a, b uint64, context string) {
	That(a >= b, "unsigned underflow in %s: %d - %d", context, a, b)
}
