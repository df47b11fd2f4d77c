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

// Package memmap defines the machine's physical memory map: the ordered set
// of physical address ranges that hold RAM, ROM or device registers.
//
// The map is read-mostly. It is built once at boot and afterwards only
// cloned (for restricted allocations) or edited on hotplug events, so it is
// not safe for concurrent mutation; concurrent readers of a Map that is no
// longer being modified are fine.
package memmap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/btree"
	"phoenix.dev/phoenix/pkg/hostarch"
)

// MaxRegions is the maximum number of regions a Map can hold.
const MaxRegions = 64

// ErrTooManyRegions is returned when adding a region would exceed MaxRegions.
var ErrTooManyRegions = errors.New("memory map is full")

// RegionType is the kind of memory backing a region.
type RegionType uint8

const (
	// RAM is random-access memory.
	RAM RegionType = iota
	// ROM is read-only memory.
	ROM
	// MMIO is memory-mapped I/O.
	MMIO
)

// String implements fmt.Stringer.String.
func (t RegionType) String() string {
	switch t {
	case RAM:
		return "RAM"
	case ROM:
		return "ROM"
	case MMIO:
		return "MMIO"
	default:
		return fmt.Sprintf("RegionType(%d)", t)
	}
}

// ParseRegionType parses the textual form produced by RegionType.String,
// ignoring case.
func ParseRegionType(s string) (RegionType, error) {
	switch strings.ToLower(s) {
	case "ram":
		return RAM, nil
	case "rom":
		return ROM, nil
	case "mmio":
		return MMIO, nil
	default:
		return 0, fmt.Errorf("unknown region type %q", s)
	}
}

// MemoryType returns the memory type used to map a region of this type.
func (t RegionType) MemoryType() hostarch.MemoryType {
	if t == MMIO {
		return hostarch.MemoryTypeDevice
	}
	return hostarch.MemoryTypeNormal
}

// Region is one entry of the memory map.
type Region struct {
	Base uint64
	Size uint64
	Type RegionType

	// Hotpluggable regions may be added and removed at runtime. They are
	// never merged with their neighbours.
	Hotpluggable bool

	// Present is always true for regions that are not hotpluggable.
	Present bool
}

// Last returns the address of the last byte in the region.
func (r Region) Last() uint64 {
	return hostarch.Last(r.Base, r.Size)
}

// Contains returns true if addr is inside the region.
func (r Region) Contains(addr uint64) bool {
	return addr >= r.Base && addr <= r.Last()
}

// String implements fmt.Stringer.String.
func (r Region) String() string {
	s := fmt.Sprintf("[%#x, %#x] %v", r.Base, r.Last(), r.Type)
	if r.Hotpluggable {
		s += fmt.Sprintf(" hotpluggable present=%t", r.Present)
	}
	return s
}

// regionLess orders regions by base, then by the remaining fields so that
// overlapping regions of different kinds can coexist in the tree.
func regionLess(a, b Region) bool {
	if a.Base != b.Base {
		return a.Base < b.Base
	}
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	if a.Hotpluggable != b.Hotpluggable {
		return !a.Hotpluggable
	}
	return a.Size < b.Size
}

// Map is an ordered set of memory regions.
//
// Non-hotpluggable regions of the same type that overlap or touch are merged.
// Regions of different types, and hotpluggable regions, may overlap.
type Map struct {
	tree *btree.BTreeG[Region]

	// maxAddr is the first address that cannot be represented with the
	// machine's physical address bits, or 0 if all 64 bits are usable.
	maxAddr uint64
}

// New returns an empty map for a machine with the given number of physical
// address bits. Regions are cropped to that many bits.
func New(physBits uint) *Map {
	m := &Map{tree: btree.NewG[Region](8, regionLess)}
	if physBits < 64 {
		m.maxAddr = 1 << physBits
	}
	return m
}

// Len returns the number of regions.
func (m *Map) Len() int {
	return m.tree.Len()
}

// Clone returns a copy of m. The copy shares structure with m until either is
// modified.
func (m *Map) Clone() *Map {
	return &Map{tree: m.tree.Clone(), maxAddr: m.maxAddr}
}

// AddRegion adds [base, base+size) to the map.
func (m *Map) AddRegion(base, size uint64, t RegionType, hotpluggable bool) error {
	if size == 0 {
		return nil
	}
	if m.maxAddr != 0 {
		if base >= m.maxAddr {
			return nil
		}
		if hostarch.Last(base, size) >= m.maxAddr || base+size < base {
			size = m.maxAddr - base
		}
	} else if base+size < base && base+size != 0 {
		size = -base
	}
	r := Region{Base: base, Size: size, Type: t, Hotpluggable: hotpluggable, Present: !hotpluggable}

	if !hotpluggable {
		// Absorb every mergeable region that overlaps or touches r.
		var merged []Region
		m.tree.Ascend(func(o Region) bool {
			if o.Base > r.Last() && o.Base-r.Last() > 1 {
				return false
			}
			if o.Hotpluggable || o.Type != t {
				return true
			}
			if touches(o, r) {
				merged = append(merged, o)
			}
			return true
		})
		for _, o := range merged {
			m.tree.Delete(o)
			last := max(r.Last(), o.Last())
			r.Base = min(r.Base, o.Base)
			r.Size = last - r.Base + 1
		}
	}

	if m.tree.Len() >= MaxRegions {
		return ErrTooManyRegions
	}
	m.tree.ReplaceOrInsert(r)
	return nil
}

// touches returns true if a and b overlap or are adjacent.
func touches(a, b Region) bool {
	if a.Base > b.Base {
		a, b = b, a
	}
	return a.Last() == ^uint64(0) || b.Base <= a.Last()+1
}

// RemoveRegion removes [base, base+size) from every region in the map,
// splitting regions that straddle it. size may be -base to remove everything
// from base to the top of the address space.
func (m *Map) RemoveRegion(base, size uint64) error {
	if size == 0 {
		return nil
	}
	last := hostarch.Last(base, size)
	if last < base {
		last = ^uint64(0)
	}
	var hit []Region
	m.tree.Ascend(func(r Region) bool {
		if r.Base > last {
			return false
		}
		if r.Last() >= base {
			hit = append(hit, r)
		}
		return true
	})
	for _, r := range hit {
		m.tree.Delete(r)
		if r.Base < base {
			left := r
			left.Size = base - r.Base
			m.tree.ReplaceOrInsert(left)
		}
		if r.Last() > last {
			right := r
			right.Base = last + 1
			right.Size = r.Last() - last
			if m.tree.Len() >= MaxRegions {
				return ErrTooManyRegions
			}
			m.tree.ReplaceOrInsert(right)
		}
	}
	return nil
}

// SetPresent marks the hotpluggable region starting at base as present or
// absent. It returns false if no such region exists.
func (m *Map) SetPresent(base uint64, present bool) bool {
	var found *Region
	m.tree.AscendGreaterOrEqual(Region{Base: base}, func(r Region) bool {
		if r.Base != base {
			return false
		}
		if r.Hotpluggable {
			found = &r
			return false
		}
		return true
	})
	if found == nil {
		return false
	}
	found.Present = present
	m.tree.ReplaceOrInsert(*found)
	return true
}

// Regions returns every region in ascending order of base address.
func (m *Map) Regions() []Region {
	out := make([]Region, 0, m.tree.Len())
	m.tree.Ascend(func(r Region) bool {
		out = append(out, r)
		return true
	})
	return out
}

// PresentRegions returns the regions that are currently present, in
// ascending order of base address.
func (m *Map) PresentRegions() []Region {
	return m.filter(func(r Region) bool { return r.Present })
}

// RegionsOfType returns the present regions of type t in ascending order.
func (m *Map) RegionsOfType(t RegionType) []Region {
	return m.filter(func(r Region) bool { return r.Present && r.Type == t })
}

func (m *Map) filter(keep func(Region) bool) []Region {
	var out []Region
	m.tree.Ascend(func(r Region) bool {
		if keep(r) {
			out = append(out, r)
		}
		return true
	})
	return out
}

// Lookup returns the first present region containing addr.
func (m *Map) Lookup(addr uint64) (Region, bool) {
	var found Region
	ok := false
	m.tree.Ascend(func(r Region) bool {
		if r.Base > addr {
			return false
		}
		if r.Present && r.Contains(addr) {
			found, ok = r, true
			return false
		}
		return true
	})
	return found, ok
}

// String implements fmt.Stringer.String.
func (m *Map) String() string {
	var b strings.Builder
	b.WriteString("memory map:")
	m.tree.Ascend(func(r Region) bool {
		b.WriteString("\n  ")
		b.WriteString(r.String())
		return true
	})
	return b.String()
}
