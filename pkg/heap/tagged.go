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
	"sync/atomic"
)

const (
	// tagBits is the width of the acquisition counter packed into a link.
	// It matches log2(nodeAlign): a node handle never needs those bits.
	tagBits = 6

	// tagShift is the position of the counter.
	tagShift = 64 - tagBits

	// tagUnit is one acquisition. Adding it to a link word increments the
	// counter; overflow falls off the top of the word.
	tagUnit = uint64(1) << tagShift

	// handleMask selects the node handle of a link word.
	handleMask = tagUnit - 1

	// tagMask selects the counter of a link word.
	tagMask = ^handleMask
)

// handle names a node slot: masterIndex*nodesPerMasterBlock + slot + 1.
// The zero handle is nil.
type handle uint64

const nilHandle handle = 0

func (h handle) String() string {
	if h == nilHandle {
		return "nil"
	}
	return fmt.Sprintf("%d/%d", h.master(), h.slot())
}

func makeHandle(master, slot int) handle {
	return handle(master*nodesPerMasterBlock + slot + 1)
}

func (h handle) master() int {
	return int(h-1) / nodesPerMasterBlock
}

func (h handle) slot() int {
	return int(h-1) % nodesPerMasterBlock
}

// link is a forward pointer to a node, packed with the number of references
// that have been acquired through it.
//
// Every node is reachable through exactly one link. The counter of that link
// and the node's released counter together track how many references to the
// node are outstanding: acquisitions - releases. The counters are 6 bits
// wide, so at most 63 references may be outstanding at once; the visitor cap
// guarantees that.
type link struct {
	v atomic.Uint64
}

// acquire takes a reference to the node the link points to. It returns the
// node's handle and the link word after the increment, which is the value a
// later compare-and-swap of the link must expect.
func (l *link) acquire() (handle, uint64) {
	w := l.v.Add(tagUnit)
	return handle(w & handleMask), w
}

// tagOf returns the acquisition counter of a link word, in tag units.
func tagOf(w uint64) uint64 {
	return w & tagMask
}
