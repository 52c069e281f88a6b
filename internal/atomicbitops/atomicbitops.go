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

// Package atomicbitops provides atomic, CAS-capable machine words, in the
// shape of gVisor's pkg/atomicbitops: thin wrappers over sync/atomic that
// give call sites a named type instead of a bare uint32, and a
// CacheLinePad type for false-sharing avoidance between per-CPU records.
package atomicbitops

import "sync/atomic"

// Uint32 is an atomically-accessed 32-bit word. The zero value is 0.
type Uint32 struct {
	v atomic.Uint32
}

// Load reads the current value.
func (u *Uint32) Load() uint32 { return u.v.Load() }

// Store sets the value unconditionally.
func (u *Uint32) Store(val uint32) { u.v.Store(val) }

// CompareAndSwap sets the value to new iff the current value is old,
// reporting whether it did so.
func (u *Uint32) CompareAndSwap(old, new uint32) bool {
	return u.v.CompareAndSwap(old, new)
}

// Swap sets the value to new and returns the previous value.
func (u *Uint32) Swap(new uint32) uint32 { return u.v.Swap(new) }

// Uint64 is an atomically-accessed 64-bit word.
type Uint64 struct {
	v atomic.Uint64
}

// Load reads the current value.
func (u *Uint64) Load() uint64 { return u.v.Load() }

// Store sets the value unconditionally.
func (u *Uint64) Store(val uint64) { u.v.Store(val) }

// Add adds delta and returns the new value.
func (u *Uint64) Add(delta uint64) uint64 { return u.v.Add(delta) }

// CompareAndSwap sets the value to new iff the current value is old.
func (u *Uint64) CompareAndSwap(old, new uint64) bool {
	return u.v.CompareAndSwap(old, new)
}

// cacheLineSize is conservative for all common architectures this module
// targets; it only needs to be large enough to prevent false sharing, not
// exactly right.
const cacheLineSize = 64

// CacheLinePad reserves cache-line-sized padding. Embed it between fields
// (or structs) that are written from different CPUs to keep them off the
// same cache line, e.g. percpu.CPU's lock word and its neighbor's.
type CacheLinePad struct {
	_ [cacheLineSize]byte
}
