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
	"strings"

	"phoenix.dev/phoenix/pkg/hostarch"
)

// Descriptor is a VMSAv8-64 translation table entry.
//
// The low two bits select the kind of entry. At a branch level 0b11 is a
// table descriptor and 0b01 a block; at the leaf level 0b11 is a page. Words
// with bit 0 clear are invalid to the hardware and carry software states:
// Unmapped, InExeFile, a swap location (0b10), or a descriptor whose valid
// bits were cleared while a fault resolver owns it.
type Descriptor uint64

// Table descriptor bits.
const (
	TableNonSecure Descriptor = 1 << 63
	TableReadOnly  Descriptor = 1 << 62
	TableEL1       Descriptor = 1 << 61
	TableUXN       Descriptor = 1 << 60
	TablePXN       Descriptor = 1 << 59
)

// Page and block descriptor bits.
const (
	// COW is a software bit: the page is shared and must be copied on the
	// first write.
	COW        Descriptor = 1 << 55
	UXN        Descriptor = 1 << 54
	PXN        Descriptor = 1 << 53
	Contiguous Descriptor = 1 << 52

	// DBM allows hardware dirty bit management, meaning the page is
	// writable once NotDirty is cleared.
	DBM       Descriptor = 1 << 51
	NotGlobal Descriptor = 0x800
	Accessed  Descriptor = 0x400
	Shareable Descriptor = 0x200
	Inner     Descriptor = 0x100

	// NotDirty is read-only to the hardware; it doubles as an inverted
	// dirty bit.
	NotDirty  Descriptor = 0x80
	EL0       Descriptor = 0x40
	NonSecure Descriptor = 0x20
	AttrIndex Descriptor = 0x1c
	Level3    Descriptor = 0x2
	Valid     Descriptor = 0x1
)

// Software encodings of invalid entries.
const (
	Unmapped  Descriptor = 0
	InExeFile Descriptor = 0x4
)

const (
	typeMask  Descriptor = 0x3
	typeTable Descriptor = 0x3
	typeBlock Descriptor = 0x1
	typeSwap  Descriptor = 0x2

	attrNormal Descriptor = 0
	attrDevice Descriptor = 1 << 2

	addressMask Descriptor = 0x0000_ffff_ffff_f000

	// address48to51 holds bits 48-51 of the output address with the 64K
	// granule.
	address48to51     Descriptor = 0xf000
	address48to51Shift           = 36
)

// attrFor returns the memory attribute index bits for mt.
func attrFor(mt hostarch.MemoryType) Descriptor {
	if mt == hostarch.MemoryTypeDevice {
		return attrDevice
	}
	return attrNormal
}

// IsValid returns true if the hardware may use the entry.
func (d Descriptor) IsValid() bool {
	return d&Valid != 0
}

// isTable returns true for a table descriptor. Only meaningful at branch
// levels.
func (d Descriptor) isTable() bool {
	return d&typeMask == typeTable
}

// isBlock returns true for a block descriptor. Only meaningful at branch
// levels.
func (d Descriptor) isBlock() bool {
	return d&typeMask == typeBlock
}

// IsSwap returns true if the entry records a swapfile location.
func (d Descriptor) IsSwap() bool {
	return d&typeMask == typeSwap
}

// IsExeFile returns true if the page is stored in the executable file.
func (d Descriptor) IsExeFile() bool {
	return d == InExeFile
}

// IsTempUnmapped returns true if the entry is a valid descriptor whose valid
// bits were cleared by a fault resolver.
func (d Descriptor) IsTempUnmapped() bool {
	return d&typeMask == 0 && d != Unmapped && d != InExeFile
}

// tempUnmapped returns the temporarily unmapped form of a valid descriptor.
func (d Descriptor) tempUnmapped() Descriptor {
	return d &^ typeMask
}

// SwapLocation returns the swapfile location recorded in a swap entry.
func (d Descriptor) SwapLocation() uint64 {
	return uint64(d &^ typeMask)
}

// swapEntry returns the entry recording loc, which must be 4-byte aligned.
func swapEntry(loc uint64) Descriptor {
	if loc&uint64(typeMask) != 0 {
		panic(fmt.Sprintf("swapfile location %#x is not 4-byte aligned", loc))
	}
	return Descriptor(loc) | typeSwap
}

// Address returns the output address of a table, block or page descriptor.
func (d Descriptor) Address(g *Granule) uint64 {
	if g.pageShift == 16 {
		return uint64(d&addressMask&^address48to51) | uint64(d&address48to51)<<address48to51Shift
	}
	return uint64(d & addressMask)
}

// withAddress returns d with its output address replaced by addr.
func (d Descriptor) withAddress(g *Granule, addr uint64) Descriptor {
	d &^= addressMask
	if g.pageShift == 16 {
		return d | Descriptor(addr)&addressMask&^address48to51 | Descriptor(addr>>address48to51Shift)&address48to51
	}
	return d | Descriptor(addr)&addressMask
}

// String implements fmt.Stringer.String.
func (d Descriptor) String() string {
	switch {
	case d == Unmapped:
		return "unmapped"
	case d.IsExeFile():
		return "exe-file"
	case d.IsSwap():
		return fmt.Sprintf("swap@%#x", d.SwapLocation())
	case d.IsTempUnmapped():
		return fmt.Sprintf("temp-unmapped(%#016x)", uint64(d))
	}
	var flags []string
	for _, f := range []struct {
		bit  Descriptor
		name string
	}{
		{COW, "cow"},
		{DBM, "dbm"},
		{NotDirty, "ro"},
		{EL0, "el0"},
		{Accessed, "af"},
		{UXN, "uxn"},
		{PXN, "pxn"},
	} {
		if d&f.bit != 0 {
			flags = append(flags, f.name)
		}
	}
	return fmt.Sprintf("%#016x[%s]", uint64(d), strings.Join(flags, ","))
}

// PageStatus is the state of a virtual page.
type PageStatus int

const (
	// StatusUnmapped pages have no mapping and nobody is working on them.
	StatusUnmapped PageStatus = iota

	// StatusTempUnmapped pages are being remapped by a fault resolver.
	StatusTempUnmapped

	// StatusMapped pages are mapped, in the swapfile, or in the executable
	// file.
	StatusMapped
)

// String implements fmt.Stringer.String.
func (s PageStatus) String() string {
	switch s {
	case StatusUnmapped:
		return "Unmapped"
	case StatusTempUnmapped:
		return "TempUnmapped"
	case StatusMapped:
		return "Mapped"
	default:
		return fmt.Sprintf("PageStatus(%d)", int(s))
	}
}
