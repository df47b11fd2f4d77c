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

package kalloc

import (
	"bytes"
	"errors"
	"testing"

	"phoenix.dev/phoenix/pkg/heap"
	"phoenix.dev/phoenix/pkg/memmap"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	mm := memmap.New(40)
	if err := mm.AddRegion(0x10_0000, 0x10_0000, memmap.RAM, false); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	if err := mm.AddRegion(0x900_0000, 0x1000, memmap.MMIO, false); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	a, err := New(mm)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestAllocateIsBacked(t *testing.T) {
	a := newTestAllocator(t)
	addr, err := a.Allocate(0x2000, 0x1000)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if addr%0x1000 != 0 || addr < 0x10_0000 || addr+0x2000 > 0x20_0000 {
		t.Fatalf("Allocate = %#x, outside RAM or misaligned", addr)
	}
	b := a.Slice(addr, 0x2000)
	copy(b, "backed")
	if !bytes.HasPrefix(a.Slice(addr, 6), []byte("backed")) {
		t.Errorf("write through Slice was lost")
	}
	a.Free(addr)
}

func TestAllocateZeroed(t *testing.T) {
	a := newTestAllocator(t)
	addr, err := a.Allocate(0x100, 0x100)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	copy(a.Slice(addr, 0x100), bytes.Repeat([]byte{0xff}, 0x100))
	a.Free(addr)

	// The freed range is reused and must come back clean.
	z, err := a.AllocateZeroed(0x100, 0x100)
	if err != nil {
		t.Fatalf("AllocateZeroed: %v", err)
	}
	if got := a.Slice(z, 0x100); !bytes.Equal(got, make([]byte, 0x100)) {
		t.Errorf("AllocateZeroed returned dirty memory at %#x", z)
	}
}

func TestAllocateLow(t *testing.T) {
	a := newTestAllocator(t)
	if _, err := a.AllocateLow(0x1000, 0x1000, 20); !errors.Is(err, heap.ErrNoMemory) {
		t.Errorf("AllocateLow below 1M = %v, wanted ErrNoMemory", err)
	}
	addr, err := a.AllocateLow(0x1000, 0x1000, 21)
	if err != nil {
		t.Fatalf("AllocateLow: %v", err)
	}
	if addr+0x1000 > 1<<21 {
		t.Errorf("AllocateLow = %#x, not below 2M", addr)
	}
}

func TestReserveMMIO(t *testing.T) {
	a := newTestAllocator(t)
	if err := a.ReserveMMIO(0x900_0000, 0x1000); err != nil {
		t.Fatalf("ReserveMMIO: %v", err)
	}
	if err := a.ReserveMMIO(0x900_0000, 0x10); !errors.Is(err, heap.ErrNoMemory) {
		t.Errorf("second ReserveMMIO = %v, wanted ErrNoMemory", err)
	}
	a.Free(0x900_0000)
	if err := a.ReserveMMIO(0x900_0000, 0x10); err != nil {
		t.Errorf("ReserveMMIO after Free: %v", err)
	}
}

func TestOutOfMemory(t *testing.T) {
	a := newTestAllocator(t)
	if _, err := a.Allocate(0x20_0000, 1); !errors.Is(err, heap.ErrNoMemory) {
		t.Errorf("Allocate(2M) = %v, wanted ErrNoMemory", err)
	}
}
