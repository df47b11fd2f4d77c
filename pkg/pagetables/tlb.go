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

import "sync/atomic"

// TLB is the translation lookaside buffer maintenance interface of the
// machine.
type TLB interface {
	// InvalidatePage drops cached translations of the page containing addr
	// in address space asid, on every core.
	InvalidatePage(asid uint16, addr uint64)

	// InvalidateAll drops every cached translation.
	InvalidateAll()

	// Barrier is a full-system data synchronization barrier: every table
	// update made before it is visible to all observers after it.
	Barrier()
}

// SoftTLB is a TLB for machines without one. It only counts the maintenance
// operations it is asked to perform.
type SoftTLB struct {
	pages    atomic.Uint64
	all      atomic.Uint64
	barriers atomic.Uint64
}

// InvalidatePage implements TLB.InvalidatePage.
func (t *SoftTLB) InvalidatePage(uint16, uint64) {
	t.pages.Add(1)
}

// InvalidateAll implements TLB.InvalidateAll.
func (t *SoftTLB) InvalidateAll() {
	t.all.Add(1)
}

// Barrier implements TLB.Barrier. Go's atomic operations are sequentially
// consistent, so nothing else needs to happen.
func (t *SoftTLB) Barrier() {
	t.barriers.Add(1)
}

// TLBStats counts TLB maintenance operations.
type TLBStats struct {
	PageInvalidations uint64
	FullInvalidations uint64
	Barriers          uint64
}

// Stats returns the operation counts so far.
func (t *SoftTLB) Stats() TLBStats {
	return TLBStats{
		PageInvalidations: t.pages.Load(),
		FullInvalidations: t.all.Load(),
		Barriers:          t.barriers.Load(),
	}
}
