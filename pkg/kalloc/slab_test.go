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
	"errors"
	"runtime"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

func TestSlabAllocateFree(t *testing.T) {
	s := NewSlab(0x10000, 0x1000, 4)
	var got []uint64
	for i := 0; i < 4; i++ {
		addr, err := s.TryAllocate()
		if err != nil {
			t.Fatalf("TryAllocate %d: %v", i, err)
		}
		got = append(got, addr)
	}
	if diff := cmp.Diff([]uint64{0x10000, 0x11000, 0x12000, 0x13000}, got); diff != "" {
		t.Errorf("slots mismatch (-want +got):\n%s", diff)
	}
	if _, err := s.TryAllocate(); !errors.Is(err, ErrSlabEmpty) {
		t.Errorf("TryAllocate on an empty slab = %v, wanted ErrSlabEmpty", err)
	}

	s.Free(0x12000)
	s.Free(0x10000)
	if n := s.Available(); n != 2 {
		t.Errorf("Available = %d, wanted 2", n)
	}
	// Freed slots come back in the order they were freed.
	for _, want := range []uint64{0x12000, 0x10000} {
		if addr, err := s.TryAllocate(); err != nil || addr != want {
			t.Errorf("TryAllocate = %#x, %v, wanted %#x", addr, err, want)
		}
	}
}

func TestSlabOwns(t *testing.T) {
	s := NewSlab(0x10000, 0x1000, 8)
	for _, tc := range []struct {
		addr uint64
		want bool
	}{
		{0x10000, true},
		{0x17000, true},
		{0x18000, false},
		{0xf000, false},
		{0x10800, false},
	} {
		if got := s.Owns(tc.addr); got != tc.want {
			t.Errorf("Owns(%#x) = %t, wanted %t", tc.addr, got, tc.want)
		}
	}
}

func TestSlabPanics(t *testing.T) {
	for name, fn := range map[string]func(){
		"count not a power of two": func() { NewSlab(0x10000, 0x1000, 3) },
		"zero slot size":           func() { NewSlab(0x10000, 0, 4) },
		"foreign address": func() {
			NewSlab(0x10000, 0x1000, 4).Free(0x20000)
		},
		"double free": func() {
			s := NewSlab(0x10000, 0x1000, 4)
			addr, _ := s.TryAllocate()
			s.Free(addr)
			s.Free(addr)
		},
	} {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("did not panic")
				}
			}()
			fn()
		})
	}
}

func TestSlabConcurrent(t *testing.T) {
	const slots = 16
	s := NewSlab(0x100000, 0x1000, slots)
	var (
		mu    sync.Mutex
		owned = make(map[uint64]bool)
	)
	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 500; i++ {
				addr, err := s.TryAllocate()
				if err != nil {
					runtime.Gosched()
					continue
				}
				mu.Lock()
				if owned[addr] {
					mu.Unlock()
					return errors.New("slot handed out twice")
				}
				owned[addr] = true
				mu.Unlock()

				runtime.Gosched()

				mu.Lock()
				delete(owned, addr)
				mu.Unlock()
				s.Free(addr)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if n := s.Available(); n != slots {
		t.Errorf("Available = %d after all frees, wanted %d", n, slots)
	}
}

func TestAllocatorPageSlab(t *testing.T) {
	a := newTestAllocator(t)
	if err := a.EnablePageSlab(0x1000, 2); err != nil {
		t.Fatalf("EnablePageSlab: %v", err)
	}
	if err := a.EnablePageSlab(0x1000, 2); err == nil {
		t.Errorf("second EnablePageSlab succeeded")
	}
	s := a.PageSlab()

	var pages []uint64
	for i := 0; i < 3; i++ {
		addr, err := a.AllocatePage(0x1000)
		if err != nil {
			t.Fatalf("AllocatePage %d: %v", i, err)
		}
		if addr%0x1000 != 0 {
			t.Errorf("page %#x is not aligned", addr)
		}
		pages = append(pages, addr)
	}
	if !s.Owns(pages[0]) || !s.Owns(pages[1]) {
		t.Errorf("first two pages %#x, %#x do not come from the slab", pages[0], pages[1])
	}
	if s.Owns(pages[2]) {
		t.Errorf("page %#x past the slab's capacity came from the slab", pages[2])
	}
	// Other sizes bypass the slab.
	big, err := a.AllocatePage(0x4000)
	if err != nil || s.Owns(big) {
		t.Errorf("AllocatePage(0x4000) = %#x, %v, wanted a heap page", big, err)
	}

	for _, p := range append(pages, big) {
		a.Free(p)
	}
	if n := s.Available(); n != 2 {
		t.Errorf("Available = %d, wanted 2", n)
	}
	if err := a.Heap().Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}
