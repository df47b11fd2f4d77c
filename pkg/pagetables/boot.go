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
	"phoenix.dev/phoenix/pkg/log"
	"phoenix.dev/phoenix/pkg/memmap"
)

// Segment is a physical range of the kernel image.
type Segment struct {
	Base uint64
	Size uint64
}

func (s Segment) end() uint64 {
	return s.Base + s.Size
}

// KernelLayout describes the memory the kernel's tables must cover.
type KernelLayout struct {
	// Memory is the machine's memory map.
	Memory *memmap.Map

	// ReadOnly holds the kernel's code and constants.
	ReadOnly Segment

	// RWShareable holds data shared between cores.
	RWShareable Segment

	// RWNonShareable holds per-core data.
	RWNonShareable Segment
}

// kernelRegions returns the identity regions of the kernel's address space,
// in priority order.
func (m *MMU) kernelRegions(l KernelLayout) []IdentityRegion {
	ps := m.PageSize()
	var regions []IdentityRegion

	// padded shrinks a memory map region to the whole pages inside it.
	padded := func(r memmap.Region) {
		base, ok := hostarch.AlignUp(r.Base, ps)
		end := (r.Last() + 1) &^ (ps - 1)
		if !ok || end <= base {
			return
		}
		regions = append(regions, IdentityRegion{Base: base, Size: end - base, Type: r.Type, Shareability: hostarch.OuterShareable})
	}
	segment := func(name string, s Segment, typ memmap.RegionType, share hostarch.Shareability) {
		if s.Size == 0 {
			return
		}
		if s.Base%ps != 0 {
			panic(fmt.Sprintf("kernel %s segment at %#x is not page aligned", name, s.Base))
		}
		size, ok := hostarch.AlignUp(s.Size, ps)
		if !ok {
			panic(fmt.Sprintf("kernel %s segment at %#x is too large", name, s.Base))
		}
		regions = append(regions, IdentityRegion{Base: s.Base, Size: size, Type: typ, Shareability: share})
	}

	if l.ReadOnly.Size != 0 && l.RWShareable.Size != 0 && l.ReadOnly.end() > l.RWShareable.Base {
		panic(fmt.Sprintf("kernel read-only segment [%#x, %#x) overlaps the read-write segment at %#x", l.ReadOnly.Base, l.ReadOnly.end(), l.RWShareable.Base))
	}

	if l.Memory != nil {
		for _, r := range l.Memory.RegionsOfType(memmap.ROM) {
			padded(r)
		}
	}
	segment("read-only", l.ReadOnly, memmap.ROM, hostarch.OuterShareable)
	segment("shareable", l.RWShareable, memmap.RAM, hostarch.OuterShareable)
	segment("non-shareable", l.RWNonShareable, memmap.RAM, hostarch.NonShareable)
	if l.Memory != nil {
		for _, r := range l.Memory.RegionsOfType(memmap.RAM) {
			padded(r)
		}
	}
	// Everything else is potentially a device.
	regions = append(regions, IdentityRegion{Base: 0, Size: 1 << min(m.physBits, m.virtBits), Type: memmap.MMIO, Shareability: hostarch.OuterShareable})
	return regions
}

// InitKernelTables builds the kernel's identity mapped address space and
// installs it as the kernel root. Only the first call builds tables; later
// and concurrent calls return the installed root.
func (m *MMU) InitKernelTables(l KernelLayout) (*RootTable, error) {
	if r := m.kernel.Load(); r != nil {
		return r, nil
	}
	regions := m.kernelRegions(l)
	r, err := m.IdentityMap(regions, KernelASID)
	if err != nil {
		return nil, fmt.Errorf("building kernel tables: %w", err)
	}
	if !m.kernel.CompareAndSwap(nil, r) {
		r.Release()
		return m.kernel.Load(), nil
	}
	log.Infof("Kernel tables at %#x: %d regions, %v granule, TTBR %#x", r.addr, len(regions), m.granule, r.TTBR())
	for _, ir := range regions {
		m.logf("kernel region %v", ir)
	}
	return r, nil
}
