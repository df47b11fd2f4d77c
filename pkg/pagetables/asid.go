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

import "sync"

// KernelASID is the address space identifier of the kernel's tables. It is
// never handed out by ASIDs.
const KernelASID = 0

// ASIDs allocates address space identifiers.
//
// VMSAv8-64 implementations support 8 or 16 ASID bits; which one is an
// implementation choice reported by ID_AA64MMFR0_EL1.ASIDBits.
type ASIDs struct {
	mu sync.Mutex

	// limit is the largest valid ASID.
	limit uint16

	// next is the lowest ASID never handed out.
	next uint32

	// available holds released ASIDs for reuse.
	available []uint16
}

// NewASIDs returns an allocator for ASIDs of the given width, which must be
// 8 or 16.
func NewASIDs(bits uint) *ASIDs {
	if bits != 8 && bits != 16 {
		panic("ASIDs must be 8 or 16 bits wide")
	}
	return &ASIDs{limit: uint16(1<<bits - 1), next: KernelASID + 1}
}

// Allocate returns an unused ASID, or false if all are in use.
func (a *ASIDs) Allocate() (uint16, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.available); n > 0 {
		asid := a.available[n-1]
		a.available = a.available[:n-1]
		return asid, true
	}
	if a.next > uint32(a.limit) {
		return 0, false
	}
	asid := uint16(a.next)
	a.next++
	return asid, true
}

// Release returns asid to the pool.
func (a *ASIDs) Release(asid uint16) {
	if asid == KernelASID {
		panic("released the kernel ASID")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.available = append(a.available, asid)
}
