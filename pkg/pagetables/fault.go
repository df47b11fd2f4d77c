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
	"time"

	"phoenix.dev/phoenix/pkg/atomicbitops"
	"phoenix.dev/phoenix/pkg/log"
)

// faultLog reports protection violations without flooding the log when a
// task keeps faulting.
var faultLog = log.BasicRateLimitedLogger(time.Second)

// Frame is a physical frame allocated by the fault resolver. The caller owns
// it and must free it when the mapping goes away.
type Frame struct {
	Base uint64
	Size uint64
}

// String implements fmt.Stringer.String.
func (f *Frame) String() string {
	return fmt.Sprintf("[%#x, +%#x)", f.Base, f.Size)
}

// ResolveWriteFault handles a permission fault caused by a write of
// accessSize bytes at addr from el, reported at translation level level.
//
// A nil error means the access can be retried. If a copy-on-write page was
// copied the new frame is returned. ErrProtection means the write is not
// allowed and must be reported to the faulting context; ErrNoMemory means
// no frame could be allocated for the copy and the page is left as it was.
func (r *RootTable) ResolveWriteFault(el ExceptionLevel, level int, addr, accessSize uint64) (*Frame, error) {
	m := r.mmu
	g := m.granule
	if accessSize == 0 || (addr+accessSize-1)>>g.pageShift != addr>>g.pageShift {
		panic(fmt.Sprintf("write of %#x bytes at %#x is not contained in a page", accessSize, addr))
	}
	li := g.levelIndex(level)
	if li < 0 {
		panic(fmt.Sprintf("translation level %d does not exist with the %v granule", level, g))
	}

	t := m.tableAt(0, r.addr)
	for i := 0; i < li; i++ {
		d := t.load(g.index(i, addr))
		if !d.isTable() || (el == El0 && d&TableEL1 != 0) {
			return nil, r.protectionFault(el, level, addr, d)
		}
		t = m.tableAt(i+1, d.Address(g))
	}

	i := g.index(li, addr)
	for {
		d := t.load(i)
		if !d.IsValid() || (!g.isLeaf(li) && d.isTable()) {
			// Unmapped or replaced since the fault was taken.
			faults.Increment(outcomeSpurious)
			return nil, nil
		}
		if (el == El0) != (d&EL0 != 0) {
			return nil, r.protectionFault(el, level, addr, d)
		}
		switch {
		case d&DBM != 0:
			if d&NotDirty == 0 {
				faults.Increment(outcomeSpurious)
				return nil, nil
			}
			if _, ok := t.cas(i, d, d&^NotDirty); !ok {
				continue
			}
			m.tlb.InvalidatePage(r.asid, addr)
			faults.Increment(outcomeDirty)
			return nil, nil
		case d&COW != 0:
			temp := d.tempUnmapped()
			if _, ok := t.cas(i, d, temp); !ok {
				continue
			}
			return r.copyOnWrite(t, li, i, addr, d, temp)
		case d&NotDirty == 0:
			faults.Increment(outcomeSpurious)
			return nil, nil
		default:
			return nil, r.protectionFault(el, level, addr, d)
		}
	}
}

// copyOnWrite replaces the copy-on-write entry d, which the caller has
// claimed by swapping in temp, with a private writable copy.
func (r *RootTable) copyOnWrite(t table, li, i int, addr uint64, d, temp Descriptor) (*Frame, error) {
	m := r.mmu
	g := m.granule
	m.tlb.Barrier()
	m.tlb.InvalidatePage(r.asid, addr)
	m.tlb.Barrier()

	size := g.EntrySize(li)
	frame, err := m.allocateFrame(size)
	if err != nil {
		r.install(t, i, addr, temp, d)
		faults.Increment(outcomeNoMemory)
		return nil, fmt.Errorf("%w: copying page at %#x: %w", ErrNoMemory, addr, err)
	}
	copy(m.alloc.Slice(frame, size), m.alloc.Slice(d.Address(g), size))
	r.install(t, i, addr, temp, (d&^(COW|NotDirty)|DBM).withAddress(g, frame))
	faults.Increment(outcomeCOW)
	return &Frame{Base: frame, Size: size}, nil
}

// install replaces the temporarily unmapped entry temp with d. Nobody else
// may touch an entry in that state.
func (r *RootTable) install(t table, i int, addr uint64, temp, d Descriptor) {
	if _, ok := t.cas(i, temp, d); !ok {
		panic(fmt.Sprintf("interference while working on temporarily unmapped page at %#x", addr))
	}
	r.mmu.tlb.Barrier()
}

func (r *RootTable) protectionFault(el ExceptionLevel, level int, addr uint64, d Descriptor) error {
	faults.Increment(outcomeProtection)
	faultLog.Warningf("%v write at %#x denied by level %d entry %v of %v", el, addr, level, d, r)
	return ErrProtection
}

// SetAccessedFlag sets the access flag of the valid entry that translates
// addr at translation level level, after an access flag fault. Entries that
// are not valid, or missing intermediate tables, are left alone.
func (r *RootTable) SetAccessedFlag(level int, addr uint64) {
	m := r.mmu
	g := m.granule
	li := g.levelIndex(level)
	if li < 0 {
		panic(fmt.Sprintf("translation level %d does not exist with the %v granule", level, g))
	}
	t := m.tableAt(0, r.addr)
	for i := 0; i < li; i++ {
		d := t.load(g.index(i, addr))
		if !d.isTable() {
			return
		}
		t = m.tableAt(i+1, d.Address(g))
	}
	_, updated := atomicbitops.UpdateUint64(&t.words[g.index(li, addr)], func(old uint64) (uint64, bool) {
		d := Descriptor(old)
		if !d.IsValid() || (!g.isLeaf(li) && d.isTable()) || d&Accessed != 0 {
			return old, false
		}
		return uint64(d | Accessed), true
	})
	if updated {
		m.tlb.InvalidatePage(r.asid, addr)
	}
}
