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

// Package physmem provides the machine's physical memory.
//
// Every present RAM and ROM region of a memory map is backed by an anonymous
// private host mapping, so physical addresses handed out by the allocator can
// be read and written, and page table words stored in them can be updated
// atomically. MMIO regions have no backing.
package physmem

import (
	"fmt"
	"sort"

	"golang.org/x/sys/unix"
	"phoenix.dev/phoenix/pkg/memmap"
)

// bank is one contiguous backed range of physical memory.
type bank struct {
	base uint64
	data []byte
}

func (b *bank) contains(addr, length uint64) bool {
	return addr >= b.base && addr-b.base <= uint64(len(b.data)) && length <= uint64(len(b.data))-(addr-b.base)
}

// Memory is backed physical memory. It is safe for concurrent use; the
// contents of memory are shared without synchronization, exactly like real
// RAM.
type Memory struct {
	// banks is sorted by base and immutable after New.
	banks []bank
}

// New maps backing memory for every present RAM and ROM region of m.
func New(m *memmap.Map) (*Memory, error) {
	mem := &Memory{}
	for _, r := range m.PresentRegions() {
		if r.Type == memmap.MMIO {
			continue
		}
		if r.Size > 1<<40 {
			mem.Close()
			return nil, fmt.Errorf("region %v is too large to back", r)
		}
		data, err := unix.Mmap(-1, 0, int(r.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
		if err != nil {
			mem.Close()
			return nil, fmt.Errorf("error mapping backing memory for %v: %w", r, err)
		}
		mem.banks = append(mem.banks, bank{base: r.Base, data: data})
	}
	sort.Slice(mem.banks, func(i, j int) bool { return mem.banks[i].base < mem.banks[j].base })
	return mem, nil
}

// Close releases all backing memory. Slices previously returned by Slice must
// not be used afterwards.
func (m *Memory) Close() error {
	var firstErr error
	for _, b := range m.banks {
		if err := unix.Munmap(b.data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.banks = nil
	return firstErr
}

// find returns the bank holding [addr, addr+length), or nil.
func (m *Memory) find(addr, length uint64) *bank {
	i := sort.Search(len(m.banks), func(i int) bool { return m.banks[i].base > addr })
	if i == 0 {
		return nil
	}
	if b := &m.banks[i-1]; b.contains(addr, length) {
		return b
	}
	return nil
}

// Backed returns true if [addr, addr+length) is entirely backed.
func (m *Memory) Backed(addr, length uint64) bool {
	return m.find(addr, length) != nil
}

// Slice returns the host bytes backing [addr, addr+length).
//
// Precondition: the range is backed. Accessing unbacked physical memory is a
// kernel bug, so Slice panics otherwise.
func (m *Memory) Slice(addr, length uint64) []byte {
	b := m.find(addr, length)
	if b == nil {
		panic(fmt.Sprintf("physical range [%#x, %#x) is not backed by memory", addr, addr+length))
	}
	off := addr - b.base
	return b.data[off : off+length : off+length]
}

// Zero fills [addr, addr+length) with zeroes.
func (m *Memory) Zero(addr, length uint64) {
	clear(m.Slice(addr, length))
}

// Copy copies length bytes from physical address src to dst.
func (m *Memory) Copy(dst, src, length uint64) {
	copy(m.Slice(dst, length), m.Slice(src, length))
}
