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

// Package hostarch contains address arithmetic and memory attribute types
// shared by the physical allocator and the page table engine.
package hostarch

import (
	"fmt"
	"math/bits"
)

// Addr represents a virtual address.
type Addr uint64

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// RoundDown returns the address rounded down to a multiple of align, which
// must be a power of two.
func (v Addr) RoundDown(align uint64) Addr {
	return v &^ Addr(align-1)
}

// RoundUp returns the address rounded up to a multiple of align, which must
// be a power of two. ok is true iff rounding up did not wrap around.
func (v Addr) RoundUp(align uint64) (addr Addr, ok bool) {
	addr = Addr(uint64(v) + align - 1).RoundDown(align)
	ok = addr >= v
	return
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// IsAligned returns true if v is a multiple of align (a power of two).
func (v Addr) IsAligned(align uint64) bool {
	return uint64(v)&(align-1) == 0
}

// AlignUp rounds addr up to a multiple of align. Unlike Addr.RoundUp, align
// does not have to be a power of two. ok is false if the result does not fit
// in 64 bits.
func AlignUp(addr, align uint64) (aligned uint64, ok bool) {
	if align <= 1 {
		return addr, true
	}
	sum, carry := bits.Add64(addr, align-1, 0)
	if carry != 0 {
		return 0, false
	}
	return sum / align * align, true
}

// End returns base+size. ok is false if the range wraps the address space;
// a range that ends exactly at 2^64 reports end == 0 and ok == true.
func End(base, size uint64) (end uint64, ok bool) {
	end, carry := bits.Add64(base, size, 0)
	return end, carry == 0 || end == 0
}

// Last returns the last byte of a non-empty range. Unlike the exclusive end it
// never overflows for a range reaching the top of the address space.
func Last(base, size uint64) uint64 {
	return base + (size - 1)
}
