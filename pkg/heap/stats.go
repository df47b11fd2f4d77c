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

	"phoenix.dev/phoenix/pkg/hostarch"
)

// Stats is a point-in-time summary of the heap. Fields are read without
// synchronization with each other and may be mutually inconsistent under
// concurrent use.
type Stats struct {
	// MasterBlocks is the number of registered master blocks, including the
	// static one.
	MasterBlocks int

	// FreeSlots is the number of node slots not claimed or reserved.
	FreeSlots int64

	// Nodes is the number of nodes in the list.
	Nodes int

	// Freeing is the number of listed nodes that are freed but not yet
	// unlinked.
	Freeing int

	// Reserved is the number of bytes covered by live nodes.
	Reserved uint64
}

// Stats walks the heap and returns a summary.
func (h *Heap) Stats() Stats {
	s := Stats{
		MasterBlocks: h.dir.len(),
		FreeSlots:    h.unused.Load(),
	}
	h.walk(func(n *node) bool {
		s.Nodes++
		if n.freeing() {
			s.Freeing++
		} else {
			s.Reserved += n.size.Load()
		}
		return true
	})
	return s
}

// NodeInfo describes one node of the list.
type NodeInfo struct {
	Base    uint64
	Size    uint64
	Master  bool
	Freeing bool
}

// String implements fmt.Stringer.String.
func (ni NodeInfo) String() string {
	var flags string
	if ni.Master {
		flags += " master"
	}
	if ni.Freeing {
		flags += " freeing"
	}
	return fmt.Sprintf("[%v, %v]%s", hostarch.Addr(ni.Base), hostarch.Addr(hostarch.Last(ni.Base, ni.Size)), flags)
}

// Nodes returns the nodes of the list in order.
func (h *Heap) Nodes() []NodeInfo {
	var out []NodeInfo
	h.walk(func(n *node) bool {
		out = append(out, NodeInfo{
			Base:    n.base.Load(),
			Size:    n.size.Load(),
			Master:  n.master.Load(),
			Freeing: n.freeing(),
		})
		return true
	})
	return out
}

// Validate checks that the node list is sorted, free of overlaps and clear of
// the null address. It is
// only meaningful while no allocation is in flight.
func (h *Heap) Validate() error {
	var (
		prev  NodeInfo
		first = true
		err   error
	)
	h.walk(func(n *node) bool {
		cur := NodeInfo{Base: n.base.Load(), Size: n.size.Load(), Master: n.master.Load(), Freeing: n.freeing()}
		if cur.Size == 0 {
			err = fmt.Errorf("empty node %v", cur)
			return false
		}
		if cur.Base == 0 {
			err = fmt.Errorf("node %v starts at the null address", cur)
			return false
		}
		if _, ok := hostarch.End(cur.Base, cur.Size); !ok {
			err = fmt.Errorf("node %v wraps", cur)
			return false
		}
		if !first && cur.Base <= hostarch.Last(prev.Base, prev.Size) {
			err = fmt.Errorf("node %v overlaps or precedes %v", cur, prev)
			return false
		}
		prev, first = cur, false
		return true
	})
	return err
}
