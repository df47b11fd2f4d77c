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

package physmem

import (
	"bytes"
	"sync/atomic"
	"testing"

	"phoenix.dev/phoenix/pkg/memmap"
)

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	m := memmap.New(48)
	m.AddRegion(0x10000, 0x10000, memmap.RAM, false)
	m.AddRegion(0x40000, 0x4000, memmap.ROM, false)
	m.AddRegion(0x80000, 0x1000, memmap.MMIO, false)
	mem, err := New(m)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	return mem
}

func TestBacked(t *testing.T) {
	mem := newTestMemory(t)
	for _, tc := range []struct {
		addr, length uint64
		want         bool
	}{
		{0x10000, 0x10000, true},
		{0x1f000, 0x1000, true},
		{0x1f000, 0x1001, false},
		{0xf000, 0x2000, false},
		{0x40000, 0x100, true},
		{0x80000, 0x8, false},
		{0x0, 0x1, false},
	} {
		if got := mem.Backed(tc.addr, tc.length); got != tc.want {
			t.Errorf("Backed(%#x, %#x) = %t, wanted %t", tc.addr, tc.length, got, tc.want)
		}
	}
}

func TestCopyAndZero(t *testing.T) {
	mem := newTestMemory(t)
	src := mem.Slice(0x11000, 0x10)
	copy(src, "hello, physical!")
	mem.Copy(0x12000, 0x11000, 0x10)
	if got := mem.Slice(0x12000, 0x10); !bytes.Equal(got, []byte("hello, physical!")) {
		t.Errorf("copied bytes = %q", got)
	}
	mem.Zero(0x12000, 0x10)
	if got := mem.Slice(0x12000, 0x10); !bytes.Equal(got, make([]byte, 0x10)) {
		t.Errorf("zeroed bytes = %q", got)
	}
}

func TestWords(t *testing.T) {
	mem := newTestMemory(t)
	w := mem.Words(0x13000, 4)
	atomic.StoreUint64(&w[3], 0xdeadbeef)
	if got := mem.Words(0x13018, 1)[0]; got != 0xdeadbeef {
		t.Errorf("word at 0x13018 = %#x", got)
	}
}

func TestSliceUnbackedPanics(t *testing.T) {
	mem := newTestMemory(t)
	defer func() {
		if recover() == nil {
			t.Errorf("Slice of MMIO did not panic")
		}
	}()
	mem.Slice(0x80000, 8)
}
