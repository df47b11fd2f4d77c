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

package pagetables

import (
	"errors"
	"fmt"
	"sync/atomic"

	"phoenix.dev/phoenix/pkg/memmap"
)

// ExceptionLevel is the privilege level an address space belongs to.
type ExceptionLevel int

const (
	// El0 is user space.
	El0 ExceptionLevel = iota
	// El1 is the kernel.
	El1
)

// String implements fmt.Stringer.String.
func (el ExceptionLevel) String() string {
	switch el {
	case El0:
		return "EL0"
	case El1:
		return "EL1"
	default:
		return fmt.Sprintf("ExceptionLevel(%d)", int(el))
	}
}

// Anywhere passed as a virtual address asks the Map family to pick the
// lowest free range that fits.
const Anywhere = ^uint64(0)

// ttbrASIDOffset is the position of the ASID in a TTBR value.
const ttbrASIDOffset = 48

// RootTable is the root of one address space.
type RootTable struct {
	mmu  *MMU
	el   ExceptionLevel
	asid uint16
	addr uint64

	// poolBase and poolSize describe the block that holds preallocated
	// identity map tables, if any. Those tables are freed with the block.
	poolBase uint64
	poolSize uint64

	released atomic.Bool
}

func (m *MMU) newRootTable(el ExceptionLevel, asid uint16) (*RootTable, error) {
	addr, err := m.newTable(0)
	if err != nil {
		return nil, err
	}
	return &RootTable{mmu: m, el: el, asid: asid, addr: addr}, nil
}

// NewUserTable returns an empty EL0 address space with its own ASID.
func (m *MMU) NewUserTable() (*RootTable, error) {
	asid, ok := m.asids.Allocate()
	if !ok {
		return nil, ErrNoASID
	}
	r, err := m.newRootTable(El0, asid)
	if err != nil {
		m.asids.Release(asid)
		return nil, err
	}
	m.logf("new user table at %#x, ASID %d", r.addr, asid)
	return r, nil
}

// ExceptionLevel returns the level the address space belongs to.
func (r *RootTable) ExceptionLevel() ExceptionLevel {
	return r.el
}

// ASID returns the address space identifier.
func (r *RootTable) ASID() uint16 {
	return r.asid
}

// Address returns the physical address of the root table.
func (r *RootTable) Address() uint64 {
	return r.addr
}

// TTBR returns the translation table base register value that selects this
// address space.
func (r *RootTable) TTBR() uint64 {
	return r.addr | uint64(r.asid)<<ttbrASIDOffset
}

// String implements fmt.Stringer.String.
func (r *RootTable) String() string {
	return fmt.Sprintf("%v root table at %#x (ASID %d)", r.el, r.addr, r.asid)
}

// Release frees every table of the address space and its ASID. Mapped
// frames are not freed. The address space must no longer be in use.
func (r *RootTable) Release() {
	if !r.released.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("%v released twice", r))
	}
	m := r.mmu
	var keep func(uint64) bool
	if r.poolSize != 0 {
		keep = func(addr uint64) bool {
			return addr >= r.poolBase && addr-r.poolBase < r.poolSize
		}
	}
	m.freeTable(0, r.addr, keep)
	if r.poolSize != 0 {
		m.alloc.Free(r.poolBase)
	}
	m.tlb.InvalidateAll()
	if r.el == El0 {
		m.asids.Release(r.asid)
	}
	m.logf("released %v", r)
}

// policy adds the attributes every valid mapping of typ gets in this address
// space. Software states pass through unchanged.
func (r *RootTable) policy(flags Descriptor, typ memmap.RegionType) Descriptor {
	if !flags.IsValid() {
		return flags
	}
	flags |= attrFor(typ.MemoryType()) | Shareable
	if typ == memmap.RAM {
		flags |= UXN | PXN
		if flags&COW == 0 {
			flags |= DBM
		}
	}
	if r.el == El0 {
		flags |= PXN | EL0
	} else {
		flags |= UXN | Accessed
	}
	return flags
}

// checkRange panics unless [virt, virt+size) is a non-empty page-aligned
// range this address space can translate.
func (r *RootTable) checkRange(virt, size uint64) {
	ps := r.mmu.PageSize()
	if size == 0 || size%ps != 0 || virt%ps != 0 {
		panic(fmt.Sprintf("range [%#x, +%#x) is not page aligned", virt, size))
	}
	if !r.fits(virt, size) {
		panic(fmt.Sprintf("range [%#x, +%#x) is outside the %d-bit address space", virt, size, r.mmu.virtBits))
	}
}

// fits returns true if [virt, virt+size) lies below 1<<virtBits.
func (r *RootTable) fits(virt, size uint64) bool {
	end := virt + size
	return end >= virt && end <= 1<<r.mmu.virtBits
}

// checkPhys panics unless [phys, phys+size) is page aligned and inside the
// physical address space.
func (r *RootTable) checkPhys(phys, size uint64) {
	ps := r.mmu.PageSize()
	if phys%ps != 0 {
		panic(fmt.Sprintf("physical address %#x is not page aligned", phys))
	}
	if end := phys + size; end < phys || end > 1<<r.mmu.physBits {
		panic(fmt.Sprintf("physical range [%#x, +%#x) is outside the %d-bit address space", phys, size, r.mmu.physBits))
	}
}

// mapAt maps [virt, virt+size) to phys with the final flags. See mapRange
// for next.
func (r *RootTable) mapAt(phys, virt, size uint64, flags, expected Descriptor) (next uint64, err error) {
	r.checkRange(virt, size)
	if flags.IsValid() {
		r.checkPhys(phys, size)
	}
	return r.mapRange(0, r.addr, phys, virt, size, flags, expected)
}

// search calls try with candidate bases, lowest first, until one succeeds.
// Address 0 is never used. try returns the next candidate on ErrMapped.
func (r *RootTable) search(size uint64, try func(virt uint64) (uint64, error)) (uint64, error) {
	virt := r.mmu.PageSize()
	for {
		if !r.fits(virt, size) {
			return 0, ErrNoVirtualSpace
		}
		next, err := try(virt)
		if err == nil {
			return virt, nil
		}
		if !errors.Is(err, ErrMapped) {
			return 0, err
		}
		virt = next
	}
}

func (r *RootTable) mapImpl(phys, virt, size uint64, typ memmap.RegionType, flags, expected Descriptor) (uint64, error) {
	flags = r.policy(flags, typ)
	try := func(virt uint64) (uint64, error) {
		return r.mapAt(phys, virt, size, flags, expected)
	}
	if virt == Anywhere {
		r.checkRange(0, size)
		return r.search(size, try)
	}
	if _, err := try(virt); err != nil {
		return 0, err
	}
	return virt, nil
}

// mapZeroedImpl maps every page of the range to the shared zero page,
// copy-on-write.
func (r *RootTable) mapZeroedImpl(virt, size uint64, expected Descriptor) (uint64, error) {
	zero, err := r.mmu.zeroes()
	if err != nil {
		return 0, err
	}
	flags := r.policy(NotDirty|COW|Valid, memmap.RAM)
	ps := r.mmu.PageSize()
	try := func(base uint64) (uint64, error) {
		r.checkRange(base, size)
		for va := base; va < base+size; va += ps {
			next, err := r.mapRange(0, r.addr, zero, va, ps, flags, expected)
			if err != nil {
				r.rollback(0, r.addr, base, va, expected)
				return next, err
			}
		}
		return 0, nil
	}
	if virt == Anywhere {
		r.checkRange(0, size)
		return r.search(size, try)
	}
	if _, err := try(virt); err != nil {
		return 0, err
	}
	return virt, nil
}

func (r *RootTable) unmapImpl(virt, size uint64, newEntry Descriptor) error {
	r.checkRange(virt, size)
	return r.unmapRange(0, r.addr, virt, size, newEntry)
}

// Map maps [virt, virt+size) to phys read-only; the first write makes the
// page writable and dirty. virt may be Anywhere. It returns the base of the
// mapping, or ErrMapped if part of the range was mapped already, in which
// case nothing is left mapped by the call.
func (r *RootTable) Map(phys, virt, size uint64, typ memmap.RegionType) (uint64, error) {
	return r.mapImpl(phys, virt, size, typ, NotDirty|Valid, Unmapped)
}

// MapDirty is like Map but the pages start out writable and dirty.
func (r *RootTable) MapDirty(phys, virt, size uint64, typ memmap.RegionType) (uint64, error) {
	return r.mapImpl(phys, virt, size, typ, Valid, Unmapped)
}

// MapCOW maps RAM at phys copy-on-write: the first write to a page maps a
// private copy of it instead.
func (r *RootTable) MapCOW(phys, virt, size uint64) (uint64, error) {
	return r.mapImpl(phys, virt, size, memmap.RAM, NotDirty|COW|Valid, Unmapped)
}

// MapZeroed maps zero-filled memory, backed by frames only once written.
func (r *RootTable) MapZeroed(virt, size uint64) (uint64, error) {
	return r.mapZeroedImpl(virt, size, Unmapped)
}

// MapExeFile records that the pages of [virt, virt+size) are stored in the
// executable file.
func (r *RootTable) MapExeFile(virt, size uint64) (uint64, error) {
	return r.mapImpl(0, virt, size, memmap.RAM, InExeFile, Unmapped)
}

// MapFromExeFile maps pages loaded from the executable file over the
// markers MapExeFile left.
func (r *RootTable) MapFromExeFile(phys, virt, size uint64, typ memmap.RegionType) error {
	_, err := r.mapImpl(phys, virt, size, typ, NotDirty|Valid, InExeFile)
	return err
}

// MapZeroedFromExeFile maps zeroed memory over executable file markers.
func (r *RootTable) MapZeroedFromExeFile(virt, size uint64) error {
	_, err := r.mapZeroedImpl(virt, size, InExeFile)
	return err
}

// Unmap unmaps [virt, virt+size). Pages a fault resolver is working on are
// waited for. It fails only if a block has to be split and no table can be
// allocated.
func (r *RootTable) Unmap(virt, size uint64) error {
	return r.unmapImpl(virt, size, Unmapped)
}

// UnmapToSwapfile unmaps the page at virt and records that its contents are
// at loc in the swapfile.
func (r *RootTable) UnmapToSwapfile(virt, loc uint64) error {
	return r.unmapImpl(virt, r.mmu.PageSize(), swapEntry(loc))
}

// UnmapToExeFile unmaps [virt, virt+size) and records that its contents can
// be reloaded from the executable file.
func (r *RootTable) UnmapToExeFile(virt, size uint64) error {
	return r.unmapImpl(virt, size, InExeFile)
}

// PageStatus returns the state of the page containing virt.
func (r *RootTable) PageStatus(virt uint64) PageStatus {
	r.checkRange(virt&^(r.mmu.PageSize()-1), r.mmu.PageSize())
	return r.pageStatus(virt)
}

// LocationInSwapfile returns where the page containing virt is stored in
// the swapfile, or false if it is not in the swapfile.
func (r *RootTable) LocationInSwapfile(virt uint64) (uint64, bool) {
	r.checkRange(virt&^(r.mmu.PageSize()-1), r.mmu.PageSize())
	return r.locationInSwapfile(virt)
}
