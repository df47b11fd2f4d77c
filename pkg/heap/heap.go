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

// Package heap is the physical memory allocator.
//
// The heap records every reservation of physical address space as a node in
// a singly-linked list sorted by base address. The list is shared by all
// goroutines without a lock: nodes are inserted and unlinked with
// compare-and-swap, and a node is only unlinked by a goroutine holding the
// sole reference to it. References are counted in the spare bits of the
// links (see link), and the number of concurrent traversals is capped at
// MaxVisitors so those counters cannot wrap.
//
// Node storage lives in master blocks. Each master block holds 64 node slots
// and occupies an allocation of its own; the first one is static. The heap
// allocates a new master block whenever fewer than MaxVisitors+2 slots are
// free, which guarantees that growth itself never runs out of slots.
//
// Freeing only marks a node. The node is unlinked, and its space becomes
// available again, the next time a traversal passes it while no one else
// holds a reference. Operations are lock-free but not wait-free: a search
// may be retried an unbounded number of times under contention.
package heap

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync/atomic"

	"phoenix.dev/phoenix/pkg/atomicbitops"
	"phoenix.dev/phoenix/pkg/hostarch"
	"phoenix.dev/phoenix/pkg/log"
	"phoenix.dev/phoenix/pkg/memmap"
)

var (
	// ErrNoMemory is returned when no free range satisfies a request.
	ErrNoMemory = errors.New("out of physical memory")

	// ErrInvalidRange is returned for a caller-supplied range that wraps the
	// address space or starts at the null address.
	ErrInvalidRange = errors.New("invalid physical range")

	// errOverlap is returned by place when the range was taken by a
	// concurrent allocation.
	errOverlap = fmt.Errorf("%w: range overlaps an allocation", ErrNoMemory)
)

// Heap is a lock-free physical memory allocator.
type Heap struct {
	// mm is the memory map. Only its RAM regions are allocated from.
	mm *memmap.Map

	// head links to the lowest node.
	head link

	// dir holds all master blocks.
	dir directory

	// unused is the number of free node slots not reserved by an in-flight
	// allocation.
	unused atomic.Int64

	// visitors is the number of goroutines traversing the list.
	visitors atomic.Int32

	// expected is the most recently requested allocation size. Best-fit
	// search prefers gaps whose leftover is close to a multiple of it.
	expected atomic.Uint64
}

// New returns a heap that allocates from the RAM regions of mm. mm must not
// be modified while the heap is in use.
func New(mm *memmap.Map) *Heap {
	h := &Heap{mm: mm}
	h.dir.add(&masterBlock{})
	h.unused.Store(nodesPerMasterBlock)
	return h
}

// Allocation is a live reservation returned by Malloc, MallocLow or
// ReserveMMIO. Free releases it.
type Allocation struct {
	n    *node
	gen  uint64
	base uint64
	size uint64
}

// Base returns the first address of the allocation.
func (a *Allocation) Base() uint64 {
	return a.base
}

// Size returns the size of the allocation in bytes.
func (a *Allocation) Size() uint64 {
	return a.size
}

// String implements fmt.Stringer.String.
func (a *Allocation) String() string {
	return fmt.Sprintf("[%#x, %#x]", a.base, hostarch.Last(a.base, a.size))
}

// Free releases the allocation. It panics if the allocation has already been
// released, through Free or Dealloc.
func (a *Allocation) Free() {
	if !a.n.markFreeing(a.gen) {
		panic(fmt.Sprintf("double free of allocation %v", a))
	}
	frees.Increment()
}

// Malloc reserves size bytes of RAM aligned to align. align need not be a
// power of two; 0 is treated as 1. The returned range never contains address
// 0 and never wraps.
func (h *Heap) Malloc(size, align uint64) (*Allocation, error) {
	return h.malloc(size, align, h.mm.RegionsOfType(memmap.RAM))
}

// MallocLow is like Malloc, but the allocation lies entirely below
// 1<<maxBits.
func (h *Heap) MallocLow(size, align uint64, maxBits uint) (*Allocation, error) {
	if maxBits >= 64 {
		return h.Malloc(size, align)
	}
	limit := uint64(1) << maxBits
	low := h.mm.Clone()
	if err := low.RemoveRegion(limit, -limit); err != nil {
		return nil, err
	}
	a, err := h.malloc(size, align, low.RegionsOfType(memmap.RAM))
	if err != nil {
		return nil, err
	}
	if hostarch.Last(a.base, a.size) >= limit {
		a.Free()
		return nil, fmt.Errorf("%w: no space below %#x", ErrNoMemory, limit)
	}
	return a, nil
}

func (h *Heap) malloc(size, align uint64, regions []memmap.Region) (*Allocation, error) {
	if size == 0 {
		panic("zero-sized allocation")
	}
	if align == 0 {
		align = 1
	}
	h.expected.Store(size)
	for {
		if err := h.growMasters(); err != nil {
			allocFailures.Increment()
			return nil, err
		}
		if !atomicbitops.DecUnlessBelowInt64(&h.unused, 1, reservedSlots) {
			continue
		}
		base, err := h.findBestBase(size, align, h.expected.Load(), regions)
		if err != nil {
			h.unused.Add(1)
			allocFailures.Increment()
			return nil, err
		}
		a, err := h.place(base, size, false)
		if err == errOverlap {
			// Someone else took the space between the search and the
			// insertion. Search again.
			continue
		}
		if err == nil {
			allocations.Increment("malloc")
		}
		return a, err
	}
}

// ReserveMMIO reserves exactly [base, base+size), typically for device
// registers. It fails with ErrNoMemory if the range overlaps a live
// allocation.
func (h *Heap) ReserveMMIO(base, size uint64) (*Allocation, error) {
	if size == 0 {
		panic("zero-sized reservation")
	}
	if _, ok := hostarch.End(base, size); !ok || base == 0 {
		return nil, fmt.Errorf("%w: base %#x size %#x", ErrInvalidRange, base, size)
	}
	if err := h.growMasters(); err != nil {
		return nil, err
	}
	for !atomicbitops.DecUnlessBelowInt64(&h.unused, 1, reservedSlots) {
		if err := h.growMasters(); err != nil {
			return nil, err
		}
	}
	a, err := h.place(base, size, false)
	if err != nil {
		return nil, err
	}
	allocations.Increment("mmio")
	return a, nil
}

// Dealloc releases the live allocation starting at base. It panics if there
// is none, since that means a double free or a corrupted handle.
func (h *Heap) Dealloc(base uint64) {
	found := false
	h.walk(func(n *node) bool {
		b := n.base.Load()
		if b > base {
			return false
		}
		if b != base || n.master.Load() {
			return true
		}
		s := n.state.Load()
		if s&stateFreeing != 0 {
			return true
		}
		if n.markFreeing(s) {
			found = true
			return false
		}
		// Lost a race with another free of the same node. Keep looking in
		// case the node was recycled at the same address.
		return true
	})
	if !found {
		panic(fmt.Sprintf("tried to free nothing at %#x", base))
	}
	frees.Increment()
}

// growMasters allocates master blocks until more than reservedSlots node
// slots are free.
func (h *Heap) growMasters() error {
	for h.unused.Load() <= reservedSlots {
		// Growth may use the reserved slots, but each grower needs one.
		if !atomicbitops.DecUnlessBelowInt64(&h.unused, 1, 0) {
			runtime.Gosched()
			continue
		}
		base, err := h.findBestBase(masterBlockSize, nodeAlign, masterBlockSize, h.mm.RegionsOfType(memmap.RAM))
		if err != nil {
			h.unused.Add(1)
			return err
		}
		a, err := h.place(base, masterBlockSize, true)
		if err == errOverlap {
			continue
		}
		if err != nil {
			return err
		}
		mb := &masterBlock{base: a.base}
		if !h.dir.add(mb) {
			a.n.master.Store(false)
			a.Free()
			return fmt.Errorf("%w: node directory is full", ErrNoMemory)
		}
		h.unused.Add(nodesPerMasterBlock)
		allocations.Increment("master")
		if log.IsLogging(log.Debug) {
			log.Debugf("heap: master block %d at %v", mb.index, a)
		}
	}
	return nil
}

// place records [base, base+size) as a new node. The caller must have
// reserved a slot from h.unused; place returns it on failure.
func (h *Heap) place(base, size uint64, master bool) (*Allocation, error) {
	nh, n := h.dir.claim()
	gen := n.state.Load()&^stateFreeing + stateGenUnit
	n.next.v.Store(0)
	n.released.Store(0)
	n.base.Store(base)
	n.size.Store(size)
	n.master.Store(master)
	n.state.Store(gen)
	if err := h.insert(nh, n); err != nil {
		h.dir.release(nh)
		h.unused.Add(1)
		return nil, err
	}
	return &Allocation{n: n, gen: gen, base: base, size: size}, nil
}

// enterVisitor blocks until the caller may traverse the list.
func (h *Heap) enterVisitor() {
	for {
		v := h.visitors.Load()
		if v >= MaxVisitors {
			runtime.Gosched()
			continue
		}
		if h.visitors.CompareAndSwap(v, v+1) {
			return
		}
	}
}

func (h *Heap) exitVisitor() {
	h.visitors.Add(-1)
}

// releaseNode drops a reference. n may be nil.
func releaseNode(n *node) {
	if n != nil {
		n.released.Add(tagUnit)
	}
}

// walk calls fn on every node in ascending order, holding a reference to the
// node for the duration of the call. Freeing nodes are unlinked on the way
// when possible; those that cannot be unlinked yet are passed to fn like any
// other node. walk stops early if fn returns false.
func (h *Heap) walk(fn func(n *node) bool) {
	h.enterVisitor()
	defer h.exitVisitor()

	var prev *node
	l := &h.head
	for {
		nh, _ := l.acquire()
		if nh == nilHandle {
			releaseNode(prev)
			return
		}
		n := h.dir.node(nh)
		if n.freeing() && h.unlink(nh, n, l) {
			continue
		}
		if !fn(n) {
			releaseNode(n)
			releaseNode(prev)
			return
		}
		releaseNode(prev)
		prev, l = n, &n.next
	}
}

// unlink removes the freeing node n from the list if the caller holds the
// only reference to it. from is a link that precedes n, owned by a node the
// caller holds (or the list head). On success the caller's reference is
// consumed along with the node.
func (h *Heap) unlink(nh handle, n *node, from *link) bool {
	var held []*node
	defer func() {
		for _, m := range held {
			releaseNode(m)
		}
	}()

	l := from
	for {
		ch, w := l.acquire()
		switch ch {
		case nh:
			// The reference just taken is dropped right away; what remains
			// outstanding must be exactly the caller's.
			releaseNode(n)
			if tagOf(w) != n.released.Load()+tagUnit {
				return false
			}
			if !l.v.CompareAndSwap(w, n.next.v.Load()) {
				return false
			}
			h.recycle(nh, n)
			return true
		case nilHandle:
			panic(fmt.Sprintf("node %v at %#x is not reachable from its predecessor", nh, n.base.Load()))
		default:
			m := h.dir.node(ch)
			held = append(held, m)
			l = &m.next
		}
	}
}

// recycle returns the slot of an unlinked node to its master block.
func (h *Heap) recycle(nh handle, n *node) {
	n.base.Store(0)
	n.size.Store(0)
	h.dir.release(nh)
	h.unused.Add(1)
	unlinked.Increment()
}

// insert links n into the list at its sorted position. It fails with
// errOverlap if n overlaps a node already in the list, including nodes that
// are freeing but not yet unlinked.
func (h *Heap) insert(nh handle, n *node) error {
	h.enterVisitor()
	defer h.exitVisitor()

	base, last := n.base.Load(), n.last()
	var prev *node
	defer func() { releaseNode(prev) }()

	l := &h.head
	for {
		ch, w := l.acquire()
		var c *node
		if ch != nilHandle {
			c = h.dir.node(ch)
			if c.freeing() && h.unlink(ch, c, l) {
				continue
			}
			if c.base.Load() < base {
				if c.last() >= base {
					releaseNode(c)
					return errOverlap
				}
				releaseNode(prev)
				prev, l = c, &c.next
				continue
			}
			if c.base.Load() <= last {
				releaseNode(c)
				return errOverlap
			}
		}
		// n goes between prev and c. The link word carries c's acquisition
		// count over to n.next.
		n.next.v.Store(w)
		ok := l.v.CompareAndSwap(w, uint64(nh))
		releaseNode(c)
		if ok {
			return nil
		}
		// Something changed after prev. prev is still held, so retry from
		// there.
	}
}

// fitScore rates a gap of avail bytes for a request of size bytes. Lower is
// better: the leftover should be close to a multiple of the expected
// allocation size, so that it can be used up without fragments.
func fitScore(avail, size, expected uint64) uint64 {
	if expected == 0 {
		return 0
	}
	r := (avail - size) % expected
	return min(r, expected-r)
}

// findBestBase returns the base of the best free gap for the request: the
// first gap that fits exactly, or else the fitting gap with the lowest
// fitScore, the earliest on ties. regions must be sorted.
func (h *Heap) findBestBase(size, align, expected uint64, regions []memmap.Region) (uint64, error) {
	var (
		best      uint64
		bestScore uint64
		found     bool
		perfect   bool
		ri        int
	)

	// consider rates every part of the free gap [lo, hi] that lies in a
	// region. It returns true on a perfect fit.
	consider := func(lo, hi uint64) bool {
		for ri < len(regions) && regions[ri].Last() < lo {
			ri++
		}
		for i := ri; i < len(regions) && regions[i].Base <= hi; i++ {
			start, end := max(lo, regions[i].Base), min(hi, regions[i].Last())
			if start == 0 {
				start = align
			}
			start, ok := hostarch.AlignUp(start, align)
			if !ok || start > end {
				continue
			}
			avail := end - start + 1
			if end-start < size-1 {
				continue
			}
			if avail == size {
				best, perfect = start, true
				return true
			}
			if score := fitScore(avail, size, expected); !found || score < bestScore {
				best, bestScore, found = start, score, true
			}
		}
		return false
	}

	lo, open := uint64(0), true
	h.walk(func(n *node) bool {
		base, last := n.base.Load(), n.last()
		if base > lo && consider(lo, base-1) {
			return false
		}
		if last == math.MaxUint64 {
			open = false
			return false
		}
		lo = max(lo, last+1)
		return true
	})
	if !perfect && open {
		consider(lo, math.MaxUint64)
	}
	if perfect || found {
		return best, nil
	}
	return 0, fmt.Errorf("%w: no gap of %#x bytes aligned to %#x", ErrNoMemory, size, align)
}
