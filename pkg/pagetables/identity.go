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
	"fmt"

	"phoenix.dev/phoenix/pkg/hostarch"
	"phoenix.dev/phoenix/pkg/memmap"
)

// IdentityRegion is a physical range to map at the same virtual address.
type IdentityRegion struct {
	Base         uint64
	Size         uint64
	Type         memmap.RegionType
	Shareability hostarch.Shareability
}

// String implements fmt.Stringer.String.
func (ir IdentityRegion) String() string {
	return fmt.Sprintf("[%#x, +%#x) %v %v", ir.Base, ir.Size, ir.Type, ir.Shareability)
}

// flags returns the block attributes of the region; pages add Level3.
func (ir IdentityRegion) flags() Descriptor {
	d := UXN | Accessed | Valid
	switch ir.Type {
	case memmap.RAM:
		d |= attrNormal | PXN
	case memmap.ROM:
		d |= attrNormal | NotDirty
	case memmap.MMIO:
		d |= attrDevice
	}
	switch ir.Shareability {
	case hostarch.InnerShareable:
		d |= Shareable | Inner
	case hostarch.OuterShareable:
		d |= Shareable
	}
	return d
}

// span is a half-open address range.
type span struct {
	base, end uint64
}

// identityTablesSize returns the number of bytes of subtables needed to
// identity map regions, assuming they do not overlap. Overlaps only make
// the real number smaller.
func (g *Granule) identityTablesSize(regions []IdentityRegion) uint64 {
	pieces := make([]span, 0, len(regions))
	for _, ir := range regions {
		pieces = append(pieces, span{ir.Base, ir.Base + ir.Size})
	}
	var total uint64
	for li := 0; li < g.leaf() && len(pieces) > 0; li++ {
		size := g.EntrySize(li)
		// Entries of this level that need a table below them, with the
		// parts of the pieces that fall inside each.
		need := make(map[uint64][]span)
		add := func(p span, c uint64) {
			lo, hi := max(p.base, c), min(p.end, c+size)
			if g.levels[li].blocks && lo == c && hi == c+size {
				return
			}
			need[c] = append(need[c], span{lo, hi})
		}
		for _, p := range pieces {
			first, last := p.base&^(size-1), (p.end-1)&^(size-1)
			if g.levels[li].blocks {
				// Entries strictly inside a piece become blocks.
				add(p, first)
				if last != first {
					add(p, last)
				}
				continue
			}
			for c := first; ; c += size {
				add(p, c)
				if c == last {
					break
				}
			}
		}
		total += uint64(len(need)) * g.tableSize(li+1)
		pieces = pieces[:0]
		for _, ps := range need {
			pieces = append(pieces, ps...)
		}
	}
	return total
}

// tablePool hands out tables from one preallocated block.
type tablePool struct {
	next, end uint64
}

// take returns an empty level li table, from the pool while it lasts.
func (m *MMU) take(p *tablePool, li int) (uint64, error) {
	g := m.granule
	if a, ok := hostarch.AlignUp(p.next, g.tableAlign(li)); ok && a < p.end && p.end-a >= g.tableSize(li) {
		p.next = a + g.tableSize(li)
		m.initTable(li, a)
		return a, nil
	}
	return m.newTable(li)
}

// identityMap maps [base, end) at the same address below the level li table
// at tbl. Entries that are already in use are left alone, except that a
// table where a block would go is filled in.
func (r *RootTable) identityMap(p *tablePool, li int, tbl, base, end uint64, flags Descriptor) error {
	m := r.mmu
	g := m.granule
	t := m.tableAt(li, tbl)
	for va := base; va < end; {
		pieceEnd := min(end, g.entryEnd(li, va))
		i := g.index(li, va)
		if g.isLeaf(li) {
			if prev, ok := t.cas(i, Unmapped, (flags|Level3).withAddress(g, va)); !ok {
				m.logf("identity page %#x already mapped: %v", va, prev)
			}
			va = pieceEnd
			continue
		}

		d := t.load(i)
		if g.levels[li].blocks && pieceEnd-va == g.EntrySize(li) {
			prev, ok := t.cas(i, Unmapped, flags.withAddress(g, va))
			if ok || !prev.isTable() {
				va = pieceEnd
				continue
			}
			d = prev
		}
		if d == Unmapped {
			sub, err := m.take(p, li+1)
			if err != nil {
				return err
			}
			nd := (TableUXN | typeTable).withAddress(g, sub)
			if prev, ok := t.cas(i, Unmapped, nd); ok {
				d = nd
			} else {
				d = prev
			}
		}
		if d.isTable() {
			if err := r.identityMap(p, li+1, d.Address(g), va, pieceEnd, flags); err != nil {
				return err
			}
		} else {
			m.logf("identity range [%#x, %#x) already mapped by a block", va, pieceEnd)
		}
		va = pieceEnd
	}
	return nil
}

// IdentityMap returns a new EL1 address space with asid that maps every
// region at its physical address. Where regions overlap the earlier one
// wins. Subtables are carved out of a single allocation sized up front.
func (m *MMU) IdentityMap(regions []IdentityRegion, asid uint16) (*RootTable, error) {
	ps := m.PageSize()
	for _, ir := range regions {
		if ir.Size == 0 || ir.Base%ps != 0 || ir.Size%ps != 0 {
			panic(fmt.Sprintf("identity region %v is not page aligned", ir))
		}
		if end := ir.Base + ir.Size; end < ir.Base || end > 1<<m.virtBits {
			panic(fmt.Sprintf("identity region %v is outside the %d-bit address space", ir, m.virtBits))
		}
	}

	r, err := m.newRootTable(El1, asid)
	if err != nil {
		return nil, err
	}
	var pool tablePool
	if size := m.granule.identityTablesSize(regions); size > 0 {
		base, err := m.alloc.Allocate(size, m.granule.tableAlign(1))
		if err != nil {
			r.Release()
			tableAllocFailures.Increment()
			return nil, fmt.Errorf("%w: %#x bytes of identity map tables: %w", ErrNoMemory, size, err)
		}
		r.poolBase, r.poolSize = base, size
		pool = tablePool{next: base, end: base + size}
	}
	for _, ir := range regions {
		if err := r.identityMap(&pool, 0, r.addr, ir.Base, ir.Base+ir.Size, ir.flags()); err != nil {
			r.Release()
			return nil, err
		}
	}
	m.logf("identity mapped %d regions, %#x of %#x pool bytes used", len(regions), pool.next-r.poolBase, r.poolSize)
	return r, nil
}
