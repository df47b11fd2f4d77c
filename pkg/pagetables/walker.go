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
	"runtime"
)

// mapRange installs flags for [virt, virt+size), translated to phys, below
// the level li table at tbl. Every entry must currently be expected.
//
// Block descriptors are used where a whole entry is covered and both
// addresses are aligned to it. On failure every entry the call installed is
// restored to expected, and next is the end of the entry that conflicted:
// the first address a retry could succeed at.
func (r *RootTable) mapRange(li int, tbl, phys, virt, size uint64, flags, expected Descriptor) (next uint64, err error) {
	m := r.mmu
	g := m.granule
	t := m.tableAt(li, tbl)
	end := virt + size
	valid := flags.IsValid()

	for va := virt; va < end; {
		pieceEnd := min(end, g.entryEnd(li, va))
		pa := phys + (va - virt)
		i := g.index(li, va)

		if g.isLeaf(li) {
			d := flags
			if valid {
				d = (flags | Level3).withAddress(g, pa)
			}
			if _, ok := t.cas(i, expected, d); !ok {
				r.rollback(li, tbl, virt, va, expected)
				return pieceEnd, ErrMapped
			}
			va = pieceEnd
			continue
		}

		if valid && g.levels[li].blocks && pieceEnd-va == g.EntrySize(li) && pa%g.EntrySize(li) == 0 {
			prev, ok := t.cas(i, expected, flags.withAddress(g, pa))
			if ok {
				va = pieceEnd
				continue
			}
			if !prev.isTable() {
				r.rollback(li, tbl, virt, va, expected)
				return pieceEnd, ErrMapped
			}
			// Something below is already set up; fill it in page by page.
		}

		sub, err := r.subtable(t, li, i)
		if err == ErrMapped {
			r.rollback(li, tbl, virt, va, expected)
			return pieceEnd, err
		}
		if err != nil {
			r.rollback(li, tbl, virt, va, expected)
			return 0, err
		}
		if next, err := r.mapRange(li+1, sub, pa, va, pieceEnd-va, flags, expected); err != nil {
			r.rollback(li, tbl, virt, va, expected)
			return next, err
		}
		va = pieceEnd
	}
	return 0, nil
}

// subtable returns the table that entry i of the level li table t points
// to, installing an empty one if the entry is unmapped. It returns ErrMapped
// if the entry is a block.
func (r *RootTable) subtable(t table, li, i int) (uint64, error) {
	m := r.mmu
	g := m.granule
	for {
		d := t.load(i)
		if d.isTable() {
			return d.Address(g), nil
		}
		if d != Unmapped {
			return 0, ErrMapped
		}
		sub, err := m.newTable(li + 1)
		if err != nil {
			return 0, err
		}
		desc := (tableFlags(r.el) | typeTable).withAddress(g, sub)
		if _, ok := t.cas(i, Unmapped, desc); ok {
			return sub, nil
		}
		// Lost the race to another mapper. Use theirs.
		m.alloc.Free(sub)
		tablesFreed.Increment()
	}
}

// rollback restores [virt, va) below the level li table at tbl to expected.
func (r *RootTable) rollback(li int, tbl, virt, va uint64, expected Descriptor) {
	if va == virt {
		return
	}
	if err := r.unmapRange(li, tbl, virt, va-virt, expected); err != nil {
		panic(fmt.Sprintf("rolling back [%#x, %#x): %v", virt, va, err))
	}
}

// unmapRange replaces every entry translating [virt, virt+size) below the
// level li table at tbl with newEntry. Blocks that are only partly covered,
// or that would have to hold a software state, are split first.
func (r *RootTable) unmapRange(li int, tbl, virt, size uint64, newEntry Descriptor) error {
	m := r.mmu
	g := m.granule
	t := m.tableAt(li, tbl)
	end := virt + size
	for va := virt; va < end; {
		pieceEnd := min(end, g.entryEnd(li, va))
		if err := r.unmapEntry(t, li, va, pieceEnd, newEntry); err != nil {
			return err
		}
		va = pieceEnd
	}
	return nil
}

// unmapEntry handles the part [va, pieceEnd) of the single entry of t that
// translates va.
func (r *RootTable) unmapEntry(t table, li int, va, pieceEnd uint64, newEntry Descriptor) error {
	m := r.mmu
	g := m.granule
	i := g.index(li, va)
	for {
		d := t.load(i)
		if g.isLeaf(li) {
			if d.IsTempUnmapped() {
				// A fault resolver owns the page; it will be done shortly.
				runtime.Gosched()
				continue
			}
			if d == newEntry {
				return nil
			}
			if _, ok := t.cas(i, d, newEntry); !ok {
				continue
			}
			if d.IsValid() {
				m.tlb.InvalidatePage(r.asid, va)
			}
			return nil
		}

		switch {
		case d.isTable():
			return r.unmapRange(li+1, d.Address(g), va, pieceEnd-va, newEntry)
		case d.isBlock():
			if pieceEnd-va == g.EntrySize(li) && newEntry == Unmapped {
				if _, ok := t.cas(i, d, Unmapped); !ok {
					continue
				}
				m.tlb.InvalidatePage(r.asid, va)
				return nil
			}
			if err := r.splitBlock(t, li, i, va, d); err != nil {
				return err
			}
		case d.IsTempUnmapped():
			runtime.Gosched()
		case d.IsSwap():
			panic(fmt.Sprintf("level %d entry for %#x is in a swapfile: %v", g.LevelNumber(li), va, d))
		case d.IsExeFile():
			panic(fmt.Sprintf("level %d entry for %#x is in an executable file: %v", g.LevelNumber(li), va, d))
		default:
			// Unmapped. Nothing below to replace.
			return nil
		}
	}
}

// splitBlock replaces the block d in entry i of the level li table t with a
// table that maps the same memory with the same attributes. Losing a race
// for the entry is not an error; the caller reloads it.
func (r *RootTable) splitBlock(t table, li, i int, va uint64, d Descriptor) error {
	m := r.mmu
	g := m.granule
	sub, err := m.newTable(li + 1)
	if err != nil {
		return err
	}
	st := m.tableAt(li+1, sub)
	attrs := d.withAddress(g, 0)
	if g.isLeaf(li + 1) {
		attrs |= Level3
	}
	base, step := d.Address(g), g.EntrySize(li+1)
	for k := range st.words {
		st.words[k] = uint64(attrs.withAddress(g, base+uint64(k)*step))
	}
	desc := (tableFlags(r.el) | typeTable).withAddress(g, sub)
	if _, ok := t.cas(i, d, desc); !ok {
		m.alloc.Free(sub)
		tablesFreed.Increment()
		return nil
	}
	m.tlb.Barrier()
	m.tlb.InvalidatePage(r.asid, va)
	blocksSplit.Increment()
	return nil
}

// lookup descends to the entry that finally translates va. It returns the
// table holding that entry, its level and its index.
func (r *RootTable) lookup(va uint64) (table, int, int) {
	m := r.mmu
	g := m.granule
	t := m.tableAt(0, r.addr)
	for li := 0; ; li++ {
		i := g.index(li, va)
		if g.isLeaf(li) {
			return t, li, i
		}
		d := t.load(i)
		if !d.isTable() {
			return t, li, i
		}
		t = m.tableAt(li+1, d.Address(g))
	}
}

// pageStatus returns the state of the page containing va.
func (r *RootTable) pageStatus(va uint64) PageStatus {
	t, _, i := r.lookup(va)
	d := t.load(i)
	switch {
	case d.IsValid(), d.IsSwap(), d.IsExeFile():
		return StatusMapped
	case d == Unmapped:
		return StatusUnmapped
	default:
		return StatusTempUnmapped
	}
}

// locationInSwapfile returns the swapfile location of the page containing
// va, if it is in the swapfile.
func (r *RootTable) locationInSwapfile(va uint64) (uint64, bool) {
	t, li, i := r.lookup(va)
	d := t.load(i)
	if !d.IsSwap() {
		return 0, false
	}
	if !r.mmu.granule.isLeaf(li) {
		panic(fmt.Sprintf("level %d entry for %#x is in a swapfile: %v", r.mmu.granule.LevelNumber(li), va, d))
	}
	return d.SwapLocation(), true
}
