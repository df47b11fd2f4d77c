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

package heap

import (
	"fmt"
	"math/bits"
	"runtime"
	"sync/atomic"

	"phoenix.dev/phoenix/pkg/atomicbitops"
	"phoenix.dev/phoenix/pkg/hostarch"
)

const (
	// nodesPerMasterBlock is the number of node slots in a master block. It
	// is the width of the slot bitmap.
	nodesPerMasterBlock = 64

	// nodeAlign is the size and alignment of one node slot in physical
	// memory.
	nodeAlign = 64

	// masterBlockSize is the amount of physical address space a master block
	// occupies.
	masterBlockSize = nodesPerMasterBlock * nodeAlign

	// MaxVisitors is the maximum number of goroutines that may traverse the
	// node list at once. Each visitor holds at most two references to any
	// one node, so this keeps the 6-bit reference counters from wrapping.
	MaxVisitors = nodeAlign/2 - 1

	// reservedSlots is the number of free slots ordinary allocations leave
	// untouched, so that master block growth can always make progress.
	reservedSlots = MaxVisitors + 1

	// maxMasterBlocks is the capacity of the node directory.
	maxMasterBlocks = 1 << 14
)

// node state bits. The rest of the state word is the generation of the slot,
// which changes every time the slot is claimed.
const (
	stateFreeing = 1
	stateGenUnit = 2
)

// node is an allocation record: one contiguous reserved range of physical
// address space.
type node struct {
	// next links to the following node in ascending address order.
	next link

	// released counts references dropped, in tag units.
	released atomic.Uint64

	base atomic.Uint64
	size atomic.Uint64

	// state holds the freeing bit and the slot generation.
	state atomic.Uint64

	// master is set if this node tracks the address space of a master
	// block. Master nodes are never freed.
	master atomic.Bool
}

func (n *node) last() uint64 {
	return hostarch.Last(n.base.Load(), n.size.Load())
}

func (n *node) freeing() bool {
	return n.state.Load()&stateFreeing != 0
}

// markFreeing sets the freeing bit if the node is still in generation gen.
// It returns false if the node was already freeing or has been recycled.
func (n *node) markFreeing(gen uint64) bool {
	return n.state.CompareAndSwap(gen, gen|stateFreeing)
}

// masterBlock is a fixed-capacity array of node slots.
type masterBlock struct {
	// index is the position of the block in the directory.
	index int

	// base is the physical address of the space the block occupies, or 0
	// for the static bootstrap block.
	base uint64

	// used has one bit set per claimed slot. It is only accessed
	// atomically.
	used uint64

	nodes [nodesPerMasterBlock]node
}

// claim reserves a free slot and returns its index, or -1 if the block is
// full.
func (m *masterBlock) claim() int {
	for {
		u := atomic.LoadUint64(&m.used)
		if u == ^uint64(0) {
			return -1
		}
		slot := bits.TrailingZeros64(^u)
		if old := atomicbitops.OrUint64(&m.used, 1<<slot); old&(1<<slot) == 0 {
			return slot
		}
	}
}

// release returns a slot to the block.
func (m *masterBlock) release(slot int) {
	if old := atomicbitops.AndUint64(&m.used, ^(uint64(1) << slot)); old&(1<<slot) == 0 {
		panic(fmt.Sprintf("release of free slot %d in master block %d", slot, m.index))
	}
}

// directory is the append-only table of master blocks. Node handles index
// into it.
type directory struct {
	count  atomic.Int64
	blocks [maxMasterBlocks]atomic.Pointer[masterBlock]
}

// add registers a master block and returns false if the directory is full.
func (d *directory) add(m *masterBlock) bool {
	for {
		n := d.count.Load()
		if n >= maxMasterBlocks {
			return false
		}
		if d.count.CompareAndSwap(n, n+1) {
			m.index = int(n)
			d.blocks[n].Store(m)
			return true
		}
	}
}

// len returns the number of registered master blocks.
func (d *directory) len() int {
	return int(d.count.Load())
}

// block returns the master block at index i. It may return nil for a block
// that is being registered.
func (d *directory) block(i int) *masterBlock {
	return d.blocks[i].Load()
}

// node resolves a non-nil handle.
func (d *directory) node(h handle) *node {
	return &d.blocks[h.master()].Load().nodes[h.slot()]
}

// claim reserves a slot in any master block. The caller must have reserved
// a slot in the global unused count, so a slot is guaranteed to free up
// eventually.
func (d *directory) claim() (handle, *node) {
	for {
		for i, n := 0, d.len(); i < n; i++ {
			m := d.block(i)
			if m == nil {
				continue
			}
			if slot := m.claim(); slot >= 0 {
				return makeHandle(i, slot), &m.nodes[slot]
			}
		}
		runtime.Gosched()
	}
}

// release returns the slot named by h to its master block.
func (d *directory) release(h handle) {
	d.block(h.master()).release(h.slot())
}
