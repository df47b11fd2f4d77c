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

// Package pagetables builds and edits VMSAv8-64 translation tables.
//
// Tables live in physical memory obtained from an Allocator and every entry
// is updated with atomic operations, so any number of goroutines may map,
// unmap and resolve faults in the same address space at once. Two mappings
// racing for the same page are resolved per page: exactly one wins, and the
// loser rolls back whatever it had already mapped.
//
// All three translation granules are supported. A Granule describes the
// level layout and the engine is driven by that description.
package pagetables

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"phoenix.dev/phoenix/pkg/atomicbitops"
	"phoenix.dev/phoenix/pkg/heap"
	"phoenix.dev/phoenix/pkg/log"
)

var (
	// ErrNoMemory is returned when a table or frame cannot be allocated.
	ErrNoMemory = fmt.Errorf("page tables: %w", heap.ErrNoMemory)

	// ErrProtection is returned when a fault must be delivered to the
	// faulting context as a protection violation.
	ErrProtection = errors.New("protection violation")

	// ErrMapped is returned when part of a range is already mapped.
	ErrMapped = errors.New("virtual range is already mapped")

	// ErrNoVirtualSpace is returned when no free virtual range is large
	// enough.
	ErrNoVirtualSpace = errors.New("no free virtual address range")

	// ErrNoASID is returned when all address space identifiers are in use.
	ErrNoASID = errors.New("out of address space identifiers")
)

// Allocator provides backed physical memory for tables and frames.
type Allocator interface {
	// Allocate returns the address of size bytes aligned to align.
	Allocate(size, align uint64) (uint64, error)

	// Free releases memory returned by Allocate.
	Free(addr uint64)

	// Slice returns the bytes at [addr, addr+length).
	Slice(addr, length uint64) []byte

	// Words returns the n words at addr for atomic access.
	Words(addr uint64, n int) []uint64
}

// PageAllocator is implemented by allocators with a constant-time path for
// single pages. Copy-on-write faults on pages use it when the MMU's
// allocator provides it.
type PageAllocator interface {
	// AllocatePage returns the address of pageSize bytes aligned to
	// pageSize, to be released with Allocator.Free.
	AllocatePage(pageSize uint64) (uint64, error)
}

// Config configures an MMU.
type Config struct {
	// Allocator provides physical memory.
	Allocator Allocator

	// TLB receives maintenance operations. If nil, a SoftTLB is used.
	TLB TLB

	// Granule is the translation granule.
	Granule *Granule

	// VirtBits and PhysBits are the widths of virtual and physical
	// addresses.
	VirtBits uint
	PhysBits uint

	// ASIDBits is 8 or 16. 0 means 16.
	ASIDBits uint
}

// MMU holds the translation state shared by all address spaces of a
// machine.
type MMU struct {
	alloc    Allocator
	pages    PageAllocator
	tlb      TLB
	granule  *Granule
	virtBits uint
	physBits uint
	asids    *ASIDs

	// zeroPage is a page of zeroes shared by all copy-on-write mappings of
	// zeroed memory.
	zeroOnce sync.Once
	zeroPage uint64
	zeroErr  error

	// kernel is the kernel's root table, installed once.
	kernel atomic.Pointer[RootTable]
}

// NewMMU validates cfg and returns an MMU.
func NewMMU(cfg Config) (*MMU, error) {
	if cfg.Allocator == nil {
		return nil, errors.New("no allocator")
	}
	if cfg.Granule == nil {
		return nil, errors.New("no translation granule")
	}
	if cfg.VirtBits < 48 || cfg.VirtBits > cfg.Granule.maxVirtBits {
		return nil, fmt.Errorf("%d-bit virtual addresses are not supported with the %v granule", cfg.VirtBits, cfg.Granule)
	}
	if cfg.PhysBits == 0 || cfg.PhysBits > 52 {
		return nil, fmt.Errorf("%d-bit physical addresses are not supported", cfg.PhysBits)
	}
	if cfg.PhysBits > 48 && cfg.Granule.pageShift != 16 {
		return nil, fmt.Errorf("physical addresses above 48 bits need the 64K granule")
	}
	if cfg.TLB == nil {
		cfg.TLB = &SoftTLB{}
	}
	if cfg.ASIDBits == 0 {
		cfg.ASIDBits = 16
	}
	if cfg.ASIDBits != 8 && cfg.ASIDBits != 16 {
		return nil, fmt.Errorf("ASIDs are 8 or 16 bits wide, not %d", cfg.ASIDBits)
	}
	pages, _ := cfg.Allocator.(PageAllocator)
	return &MMU{
		alloc:    cfg.Allocator,
		pages:    pages,
		tlb:      cfg.TLB,
		granule:  cfg.Granule,
		virtBits: cfg.VirtBits,
		physBits: cfg.PhysBits,
		asids:    NewASIDs(cfg.ASIDBits),
	}, nil
}

// allocateFrame allocates a frame of size bytes aligned to its size for a
// copy-on-write copy.
func (m *MMU) allocateFrame(size uint64) (uint64, error) {
	if m.pages != nil && size == m.granule.PageSize() {
		return m.pages.AllocatePage(size)
	}
	return m.alloc.Allocate(size, size)
}

// Granule returns the translation granule.
func (m *MMU) Granule() *Granule {
	return m.granule
}

// PageSize returns the page size.
func (m *MMU) PageSize() uint64 {
	return m.granule.PageSize()
}

// VirtBits returns the width of virtual addresses.
func (m *MMU) VirtBits() uint {
	return m.virtBits
}

// TLB returns the TLB maintenance interface.
func (m *MMU) TLB() TLB {
	return m.tlb
}

// Kernel returns the kernel's root table, or nil before InitKernelTables.
func (m *MMU) Kernel() *RootTable {
	return m.kernel.Load()
}

// zeroes returns the shared zero page, allocating it on first use.
func (m *MMU) zeroes() (uint64, error) {
	m.zeroOnce.Do(func() {
		size := m.PageSize()
		addr, err := m.alloc.Allocate(size, size)
		if err != nil {
			m.zeroErr = fmt.Errorf("%w: zero page: %w", ErrNoMemory, err)
			return
		}
		clear(m.alloc.Slice(addr, size))
		m.zeroPage = addr
	})
	return m.zeroPage, m.zeroErr
}

// table is a translation table in physical memory.
type table struct {
	addr  uint64
	words []uint64
}

// tableAt returns the level li table at addr.
func (m *MMU) tableAt(li int, addr uint64) table {
	return table{addr: addr, words: m.alloc.Words(addr, m.granule.entries(li))}
}

func (t table) load(i int) Descriptor {
	return Descriptor(atomic.LoadUint64(&t.words[i]))
}

// cas replaces entry i with new if it is old, and returns the previous value.
func (t table) cas(i int, old, new Descriptor) (Descriptor, bool) {
	prev := Descriptor(atomicbitops.CompareAndSwapUint64(&t.words[i], uint64(old), uint64(new)))
	return prev, prev == old
}

// newTable allocates an empty level li table.
func (m *MMU) newTable(li int) (uint64, error) {
	g := m.granule
	addr, err := m.alloc.Allocate(g.tableSize(li), g.tableAlign(li))
	if err != nil {
		tableAllocFailures.Increment()
		return 0, fmt.Errorf("%w: level %d table: %w", ErrNoMemory, g.LevelNumber(li), err)
	}
	m.initTable(li, addr)
	tablesAllocated.Increment()
	return addr, nil
}

// initTable sets every entry of the level li table at addr to Unmapped.
func (m *MMU) initTable(li int, addr uint64) {
	t := m.tableAt(li, addr)
	for i := range t.words {
		atomic.StoreUint64(&t.words[i], uint64(Unmapped))
	}
}

// freeTable releases the level li table at addr and every subtable it
// references, except those for which keep returns true. Mapped pages are
// not released: tables do not own them.
func (m *MMU) freeTable(li int, addr uint64, keep func(uint64) bool) {
	g := m.granule
	if !g.isLeaf(li) {
		t := m.tableAt(li, addr)
		for i := range t.words {
			if d := t.load(i); d.isTable() {
				m.freeTable(li+1, d.Address(g), keep)
			}
		}
	}
	if keep == nil || !keep(addr) {
		m.alloc.Free(addr)
		tablesFreed.Increment()
	}
}

// tableFlags returns the attributes of table descriptors installed for el.
func tableFlags(el ExceptionLevel) Descriptor {
	if el == El0 {
		return TablePXN
	}
	return TableUXN | TableEL1
}

func (m *MMU) logf(format string, v ...any) {
	if log.IsLogging(log.Debug) {
		log.Debugf("pagetables(%v): "+format, append([]any{m.granule}, v...)...)
	}
}
