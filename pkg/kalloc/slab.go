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

package kalloc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// usedSlot marks a ring entry whose slot has been handed out.
const usedSlot = ^uint64(0)

var (
	// ErrSlabEmpty is returned by TryAllocate when every slot is in use.
	ErrSlabEmpty = errors.New("slab is empty")

	// ErrSlabBusy is returned by TryAllocate when another allocation is in
	// progress. The caller may retry or go elsewhere.
	ErrSlabBusy = errors.New("slab is busy")
)

// Slab divides an arena into equally sized slots and hands them out in
// constant time. Free slot addresses live in a ring: allocations take them
// in order behind a lock that is never waited on, and frees put them back
// at an atomically advanced position.
type Slab struct {
	base     uint64
	slotSize uint64

	// ring holds free slot addresses, or usedSlot.
	ring []atomic.Uint64

	// mu serializes allocations. It is only ever acquired with TryLock.
	mu sync.Mutex

	// next is the ring position of the next allocation. Protected by mu.
	next uint64

	// freed counts frees; it names the ring position of the next free.
	freed atomic.Uint64
}

// NewSlab divides [base, base+slotSize*count) into count slots. The slots
// have the alignment of base. count must be a power of two.
func NewSlab(base, slotSize uint64, count int) *Slab {
	if slotSize == 0 || count <= 0 || count&(count-1) != 0 {
		panic(fmt.Sprintf("cannot make a slab of %d slots of %#x bytes", count, slotSize))
	}
	s := &Slab{
		base:     base,
		slotSize: slotSize,
		ring:     make([]atomic.Uint64, count),
	}
	for i := range s.ring {
		s.ring[i].Store(base + uint64(i)*slotSize)
	}
	return s
}

// SlotSize returns the size of each slot.
func (s *Slab) SlotSize() uint64 {
	return s.slotSize
}

// TryAllocate returns the address of a free slot without blocking.
func (s *Slab) TryAllocate() (uint64, error) {
	if !s.mu.TryLock() {
		return 0, ErrSlabBusy
	}
	defer s.mu.Unlock()
	addr := s.ring[s.next].Swap(usedSlot)
	if addr == usedSlot {
		return 0, ErrSlabEmpty
	}
	s.next = (s.next + 1) % uint64(len(s.ring))
	return addr, nil
}

// Free returns the slot at addr. It panics if addr is not a slot of s or if
// more slots are freed than were allocated.
func (s *Slab) Free(addr uint64) {
	if !s.Owns(addr) {
		panic(fmt.Sprintf("free of %#x, which is not a slot of the slab at %#x", addr, s.base))
	}
	i := (s.freed.Add(1) - 1) % uint64(len(s.ring))
	if old := s.ring[i].Swap(addr); old != usedSlot {
		panic(fmt.Sprintf("slab at %#x overflowed freeing %#x: double free?", s.base, addr))
	}
}

// Owns returns true if addr is the start of one of the slots of s.
func (s *Slab) Owns(addr uint64) bool {
	return addr >= s.base && addr-s.base < s.slotSize*uint64(len(s.ring)) && (addr-s.base)%s.slotSize == 0
}

// Available returns the number of free slots. It is racy with concurrent
// allocations and frees.
func (s *Slab) Available() int {
	n := 0
	for i := range s.ring {
		if s.ring[i].Load() != usedSlot {
			n++
		}
	}
	return n
}
