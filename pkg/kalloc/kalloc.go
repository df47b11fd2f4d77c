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

// Package kalloc hands out backed physical memory.
//
// An Allocator pairs the physical heap, which decides where allocations go,
// with the simulated physical memory that backs them. Page tables and
// copy-on-write frames are allocated through it.
package kalloc

import (
	"errors"
	"fmt"
	"sync/atomic"

	"phoenix.dev/phoenix/pkg/heap"
	"phoenix.dev/phoenix/pkg/memmap"
	"phoenix.dev/phoenix/pkg/physmem"
)

// Allocator allocates physical memory. It is safe for concurrent use.
type Allocator struct {
	heap *heap.Heap
	mem  *physmem.Memory

	// pages serves single page allocations, if enabled.
	pages atomic.Pointer[Slab]
}

// New creates an allocator for the RAM in mm, backing every present RAM and
// ROM region. mm must not be modified afterwards.
func New(mm *memmap.Map) (*Allocator, error) {
	mem, err := physmem.New(mm)
	if err != nil {
		return nil, err
	}
	return &Allocator{heap: heap.New(mm), mem: mem}, nil
}

// Close releases the backing memory.
func (a *Allocator) Close() error {
	return a.mem.Close()
}

// Heap returns the underlying physical heap.
func (a *Allocator) Heap() *heap.Heap {
	return a.heap
}

// Memory returns the backing physical memory.
func (a *Allocator) Memory() *physmem.Memory {
	return a.mem
}

// Allocate reserves size bytes of RAM aligned to align and returns the
// physical address. The contents are unspecified.
func (a *Allocator) Allocate(size, align uint64) (uint64, error) {
	al, err := a.heap.Malloc(size, align)
	if err != nil {
		return 0, fmt.Errorf("allocating %#x bytes aligned to %#x: %w", size, align, err)
	}
	return al.Base(), nil
}

// AllocateZeroed is like Allocate, but the memory is zeroed.
func (a *Allocator) AllocateZeroed(size, align uint64) (uint64, error) {
	addr, err := a.Allocate(size, align)
	if err != nil {
		return 0, err
	}
	a.mem.Zero(addr, size)
	return addr, nil
}

// AllocateLow is like Allocate, but the memory lies entirely below
// 1<<maxBits, for devices that cannot address all of RAM.
func (a *Allocator) AllocateLow(size, align uint64, maxBits uint) (uint64, error) {
	al, err := a.heap.MallocLow(size, align, maxBits)
	if err != nil {
		return 0, fmt.Errorf("allocating %#x bytes below bit %d: %w", size, maxBits, err)
	}
	return al.Base(), nil
}

// ReserveMMIO reserves the exact range [base, base+size) so that nothing
// else is allocated over device registers.
func (a *Allocator) ReserveMMIO(base, size uint64) error {
	if _, err := a.heap.ReserveMMIO(base, size); err != nil {
		return fmt.Errorf("reserving MMIO range at %#x: %w", base, err)
	}
	return nil
}

// EnablePageSlab carves count pages of pageSize bytes out of the heap and
// serves AllocatePage from them in constant time. count must be a power of
// two. The slab's memory is never returned to the heap.
func (a *Allocator) EnablePageSlab(pageSize uint64, count int) error {
	if a.pages.Load() != nil {
		return errors.New("page slab already enabled")
	}
	base, err := a.Allocate(pageSize*uint64(count), pageSize)
	if err != nil {
		return fmt.Errorf("page slab: %w", err)
	}
	if !a.pages.CompareAndSwap(nil, NewSlab(base, pageSize, count)) {
		a.Free(base)
		return errors.New("page slab already enabled")
	}
	return nil
}

// PageSlab returns the page slab, or nil if it is not enabled.
func (a *Allocator) PageSlab() *Slab {
	return a.pages.Load()
}

// AllocatePage returns one page of pageSize bytes aligned to its size. It
// tries the page slab first and falls back to the heap.
func (a *Allocator) AllocatePage(pageSize uint64) (uint64, error) {
	if s := a.pages.Load(); s != nil && s.SlotSize() == pageSize {
		addr, err := s.TryAllocate()
		switch {
		case err == nil:
			slabAllocations.Increment("hit")
			return addr, nil
		case errors.Is(err, ErrSlabEmpty):
			slabAllocations.Increment("empty")
		default:
			slabAllocations.Increment("busy")
		}
	}
	return a.Allocate(pageSize, pageSize)
}

// Free releases the allocation or reservation starting at addr. It panics if
// there is none.
func (a *Allocator) Free(addr uint64) {
	if s := a.pages.Load(); s != nil && s.Owns(addr) {
		s.Free(addr)
		return
	}
	a.heap.Dealloc(addr)
}

// Slice returns the host bytes backing [addr, addr+length).
func (a *Allocator) Slice(addr, length uint64) []byte {
	return a.mem.Slice(addr, length)
}

// Words returns the n 64-bit words at addr for atomic access.
func (a *Allocator) Words(addr uint64, n int) []uint64 {
	return a.mem.Words(addr, n)
}
