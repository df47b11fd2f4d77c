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

package hostarch

import "fmt"

// MemoryType specifies CPU memory access behavior for a mapping.
type MemoryType uint8

const (
	// MemoryTypeNormal is normal write-back cacheable memory. It is the
	// memory type of RAM and ROM and must be the zero value for MemoryType.
	MemoryTypeNormal MemoryType = iota

	// MemoryTypeDevice is Device-nGnRnE memory, used for MMIO.
	MemoryTypeDevice

	// NumMemoryTypes is the number of memory types.
	NumMemoryTypes
)

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	switch mt {
	case MemoryTypeNormal:
		return "Normal"
	case MemoryTypeDevice:
		return "Device"
	default:
		return fmt.Sprintf("%d", mt)
	}
}

// ShortString returns a two-character string compactly representing the
// MemoryType.
func (mt MemoryType) ShortString() string {
	switch mt {
	case MemoryTypeNormal:
		return "NM"
	case MemoryTypeDevice:
		return "DV"
	default:
		return fmt.Sprintf("%02d", mt)
	}
}

// Shareability is the cache coherency domain of a mapping.
type Shareability uint8

const (
	// NonShareable memory is only coherent for the local core.
	NonShareable Shareability = iota

	// InnerShareable memory is coherent within the inner domain.
	InnerShareable

	// OuterShareable memory is coherent within the outer domain.
	OuterShareable
)

// String implements fmt.Stringer.String.
func (s Shareability) String() string {
	switch s {
	case NonShareable:
		return "NonShareable"
	case InnerShareable:
		return "InnerShareable"
	case OuterShareable:
		return "OuterShareable"
	default:
		return fmt.Sprintf("Shareability(%d)", s)
	}
}
