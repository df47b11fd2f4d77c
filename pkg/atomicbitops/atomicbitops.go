// Copyright 2026 The Phoenix Authors.
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

// Package atomicbitops provides extensions to the sync/atomic package for
// words that are shared with lock-free walkers, such as page table descriptors
// and the heap's slot bitmaps.
package atomicbitops

import (
	"sync/atomic"
)

// AndUint64 atomically applies bitwise and operation to *addr with val and
// returns the previous value.
func AndUint64(addr *uint64, val uint64) (prev uint64) {
	for {
		prev = atomic.LoadUint64(addr)
		if atomic.CompareAndSwapUint64(addr, prev, prev&val) {
			return
		}
	}
}

// OrUint64 atomically applies bitwise or operation to *addr with val and
// returns the previous value.
func OrUint64(addr *uint64, val uint64) (prev uint64) {
	for {
		prev = atomic.LoadUint64(addr)
		if atomic.CompareAndSwapUint64(addr, prev, prev|val) {
			return
		}
	}
}

// CompareAndSwapUint64 is like sync/atomic.CompareAndSwapUint64, but returns
// the value previously stored at addr. The swap happened iff prev == old.
func CompareAndSwapUint64(addr *uint64, old, new uint64) (prev uint64) {
	for {
		prev = atomic.LoadUint64(addr)
		if prev != old {
			return
		}
		if atomic.CompareAndSwapUint64(addr, old, new) {
			return
		}
	}
}

// UpdateUint64 atomically replaces *addr with fn(*addr) as long as fn
// returns ok, and returns the value fn was last applied to.
func UpdateUint64(addr *uint64, fn func(old uint64) (new uint64, ok bool)) (prev uint64, updated bool) {
	for {
		prev = atomic.LoadUint64(addr)
		next, ok := fn(prev)
		if !ok {
			return prev, false
		}
		if atomic.CompareAndSwapUint64(addr, prev, next) {
			return prev, true
		}
	}
}

// DecUnlessBelowInt64 decrements the value at addr by delta and returns true,
// unless doing so would leave fewer than floor, in which case the value is
// left unmodified and false is returned.
func DecUnlessBelowInt64(addr *atomic.Int64, delta, floor int64) bool {
	for {
		v := addr.Load()
		if v-delta < floor {
			return false
		}
		if addr.CompareAndSwap(v, v-delta) {
			return true
		}
	}
}
