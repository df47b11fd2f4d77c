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
	"errors"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
	"phoenix.dev/phoenix/pkg/kalloc"
	"phoenix.dev/phoenix/pkg/memmap"
)

const (
	ramBase = 0x4000_0000
	ramSize = 0x400_0000

	// userVA is aligned to every page size.
	userVA = 0x100_0000
)

var granules = []*Granule{Granule4K, Granule16K, Granule64K}

// failingAllocator fails every allocation while fail is set.
type failingAllocator struct {
	*kalloc.Allocator
	fail atomic.Bool
}

func (f *failingAllocator) Allocate(size, align uint64) (uint64, error) {
	if f.fail.Load() {
		return 0, errors.New("injected allocation failure")
	}
	return f.Allocator.Allocate(size, align)
}

func (f *failingAllocator) AllocatePage(pageSize uint64) (uint64, error) {
	if f.fail.Load() {
		return 0, errors.New("injected allocation failure")
	}
	return f.Allocator.AllocatePage(pageSize)
}

type testMachine struct {
	mmu   *MMU
	alloc *failingAllocator
	tlb   *SoftTLB
}

func newTestMachine(t *testing.T, g *Granule) *testMachine {
	t.Helper()
	mm := memmap.New(40)
	if err := mm.AddRegion(ramBase, ramSize, memmap.RAM, false); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	ka, err := kalloc.New(mm)
	if err != nil {
		t.Fatalf("kalloc.New: %v", err)
	}
	t.Cleanup(func() { ka.Close() })
	fa := &failingAllocator{Allocator: ka}
	tlb := &SoftTLB{}
	m, err := NewMMU(Config{Allocator: fa, TLB: tlb, Granule: g, VirtBits: 48, PhysBits: 40})
	if err != nil {
		t.Fatalf("NewMMU: %v", err)
	}
	return &testMachine{mmu: m, alloc: fa, tlb: tlb}
}

func (tm *testMachine) userTable(t *testing.T) *RootTable {
	t.Helper()
	r, err := tm.mmu.NewUserTable()
	if err != nil {
		t.Fatalf("NewUserTable: %v", err)
	}
	return r
}

func (tm *testMachine) frame(t *testing.T, size uint64) uint64 {
	t.Helper()
	addr, err := tm.alloc.Allocate(size, size)
	if err != nil {
		t.Fatalf("Allocate(%#x): %v", size, err)
	}
	return addr
}

// entry returns the descriptor that finally translates va and its
// architectural level.
func entry(r *RootTable, va uint64) (Descriptor, int) {
	t, li, i := r.lookup(va)
	return t.load(i), r.mmu.granule.LevelNumber(li)
}

func leafLevel(g *Granule) int {
	return g.LevelNumber(g.leaf())
}

func checkStatus(t *testing.T, r *RootTable, va uint64, want PageStatus) {
	t.Helper()
	if got := r.PageStatus(va); got != want {
		t.Errorf("PageStatus(%#x) = %v, want %v", va, got, want)
	}
}

func TestMapUnmap(t *testing.T) {
	for _, g := range granules {
		t.Run(g.String(), func(t *testing.T) {
			tm := newTestMachine(t, g)
			r := tm.userTable(t)
			ps := g.PageSize()
			phys := tm.frame(t, 4*ps)

			va, err := r.Map(phys, userVA, 4*ps, memmap.RAM)
			if err != nil {
				t.Fatalf("Map: %v", err)
			}
			if va != userVA {
				t.Errorf("Map = %#x, want %#x", va, uint64(userVA))
			}
			for i := uint64(0); i < 4; i++ {
				checkStatus(t, r, userVA+i*ps, StatusMapped)
				d, level := entry(r, userVA+i*ps)
				if level != leafLevel(g) || d.Address(g) != phys+i*ps {
					t.Errorf("page %d: level %d entry %v, want level %d page at %#x", i, level, d, leafLevel(g), phys+i*ps)
				}
			}
			checkStatus(t, r, userVA+4*ps, StatusUnmapped)
			checkStatus(t, r, userVA-ps, StatusUnmapped)

			if err := r.Unmap(userVA, 4*ps); err != nil {
				t.Fatalf("Unmap: %v", err)
			}
			for i := uint64(0); i < 4; i++ {
				checkStatus(t, r, userVA+i*ps, StatusUnmapped)
			}
			r.Release()
		})
	}
}

func TestMapPolicy(t *testing.T) {
	tm := newTestMachine(t, Granule4K)
	user := tm.userTable(t)
	ps := Granule4K.PageSize()
	phys := tm.frame(t, ps)

	for _, tc := range []struct {
		name string
		mapf func(va uint64) error
		want Descriptor
		not  Descriptor
	}{
		{
			name: "ram",
			mapf: func(va uint64) error { _, err := user.Map(phys, va, ps, memmap.RAM); return err },
			want: Valid | Level3 | NotDirty | DBM | UXN | PXN | EL0 | Shareable,
			not:  Accessed | COW,
		},
		{
			name: "dirty",
			mapf: func(va uint64) error { _, err := user.MapDirty(phys, va, ps, memmap.RAM); return err },
			want: Valid | DBM | EL0,
			not:  NotDirty,
		},
		{
			name: "cow",
			mapf: func(va uint64) error { _, err := user.MapCOW(phys, va, ps); return err },
			want: Valid | COW | NotDirty,
			not:  DBM,
		},
		{
			name: "rom",
			mapf: func(va uint64) error { _, err := user.Map(phys, va, ps, memmap.ROM); return err },
			want: Valid | NotDirty | PXN | EL0,
			not:  DBM | UXN,
		},
		{
			name: "mmio",
			mapf: func(va uint64) error { _, err := user.Map(0x900_0000, va, ps, memmap.MMIO); return err },
			want: Valid | attrDevice,
			not:  DBM,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			va := uint64(userVA)
			if err := tc.mapf(va); err != nil {
				t.Fatalf("map: %v", err)
			}
			defer user.Unmap(va, ps)
			d, _ := entry(user, va)
			if d&tc.want != tc.want {
				t.Errorf("entry %v is missing %v", d, tc.want&^d)
			}
			if d&tc.not != 0 {
				t.Errorf("entry %v has unexpected %v", d, d&tc.not)
			}
		})
	}
}

func TestMapConflictRollsBack(t *testing.T) {
	for _, g := range granules {
		t.Run(g.String(), func(t *testing.T) {
			tm := newTestMachine(t, g)
			r := tm.userTable(t)
			ps := g.PageSize()
			phys := tm.frame(t, 4*ps)

			if _, err := r.Map(phys, userVA+2*ps, ps, memmap.RAM); err != nil {
				t.Fatalf("Map: %v", err)
			}
			if _, err := r.Map(phys, userVA, 4*ps, memmap.RAM); !errors.Is(err, ErrMapped) {
				t.Fatalf("overlapping Map = %v, want %v", err, ErrMapped)
			}
			checkStatus(t, r, userVA, StatusUnmapped)
			checkStatus(t, r, userVA+ps, StatusUnmapped)
			checkStatus(t, r, userVA+2*ps, StatusMapped)
			checkStatus(t, r, userVA+3*ps, StatusUnmapped)
			if d, _ := entry(r, userVA+2*ps); d.Address(g) != phys {
				t.Errorf("surviving page maps %#x, want %#x", d.Address(g), phys)
			}
		})
	}
}

func TestConcurrentMapOneWinner(t *testing.T) {
	tm := newTestMachine(t, Granule4K)
	r := tm.userTable(t)
	ps := Granule4K.PageSize()
	const mappers = 16

	var eg errgroup.Group
	var winners atomic.Int32
	var winner atomic.Uint64
	for i := 0; i < mappers; i++ {
		phys := tm.frame(t, 8*ps)
		eg.Go(func() error {
			_, err := r.Map(phys, userVA, 8*ps, memmap.RAM)
			switch {
			case err == nil:
				winners.Add(1)
				winner.Store(phys)
			case !errors.Is(err, ErrMapped):
				return err
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got := winners.Load(); got != 1 {
		t.Fatalf("%d mappers succeeded, want 1", got)
	}
	for i := uint64(0); i < 8; i++ {
		if d, _ := entry(r, userVA+i*ps); d.Address(Granule4K) != winner.Load()+i*ps {
			t.Errorf("page %d maps %#x, want %#x", i, d.Address(Granule4K), winner.Load()+i*ps)
		}
	}
}

func TestMapAnywhere(t *testing.T) {
	tm := newTestMachine(t, Granule16K)
	r := tm.userTable(t)
	ps := Granule16K.PageSize()
	phys := tm.frame(t, 2*ps)

	mapAnywhere := func(pages uint64) uint64 {
		t.Helper()
		va, err := r.Map(phys, Anywhere, pages*ps, memmap.RAM)
		if err != nil {
			t.Fatalf("Map(Anywhere, %d pages): %v", pages, err)
		}
		return va
	}
	if va := mapAnywhere(2); va != ps {
		t.Errorf("first mapping at %#x, want %#x", va, ps)
	}
	if _, err := r.Map(phys, 4*ps, ps, memmap.RAM); err != nil {
		t.Fatalf("Map: %v", err)
	}
	// Pages 1-2 and 4 are taken, so two pages first fit at 5.
	if va := mapAnywhere(2); va != 5*ps {
		t.Errorf("second mapping at %#x, want %#x", va, 5*ps)
	}
	if va := mapAnywhere(1); va != 3*ps {
		t.Errorf("third mapping at %#x, want %#x", va, 3*ps)
	}
}

func TestMapNoVirtualSpace(t *testing.T) {
	tm := newTestMachine(t, Granule4K)
	r := tm.userTable(t)
	ps := Granule4K.PageSize()
	if _, err := r.MapZeroed(ps, ps); err != nil {
		t.Fatalf("MapZeroed: %v", err)
	}
	if _, err := r.MapZeroed(Anywhere, 1<<48-ps); !errors.Is(err, ErrNoVirtualSpace) {
		t.Errorf("MapZeroed(Anywhere) = %v, want %v", err, ErrNoVirtualSpace)
	}
}

func TestMapUnalignedPanics(t *testing.T) {
	tm := newTestMachine(t, Granule4K)
	r := tm.userTable(t)
	for _, tc := range []struct {
		name             string
		phys, virt, size uint64
	}{
		{"virt", 0x4000_0000, 0x1001, 0x1000},
		{"size", 0x4000_0000, 0x1000, 0x800},
		{"phys", 0x4000_0010, 0x1000, 0x1000},
		{"empty", 0x4000_0000, 0x1000, 0},
		{"beyond", 0x4000_0000, 1 << 48, 0x1000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("Map(%#x, %#x, %#x) did not panic", tc.phys, tc.virt, tc.size)
				}
			}()
			r.Map(tc.phys, tc.virt, tc.size, memmap.RAM)
		})
	}
}

func TestMapTableAllocationFailure(t *testing.T) {
	tm := newTestMachine(t, Granule4K)
	r := tm.userTable(t)
	tm.alloc.fail.Store(true)
	_, err := r.Map(ramBase, userVA, 0x1000, memmap.RAM)
	tm.alloc.fail.Store(false)
	if !errors.Is(err, ErrNoMemory) {
		t.Fatalf("Map = %v, want %v", err, ErrNoMemory)
	}
	checkStatus(t, r, userVA, StatusUnmapped)
}

func TestBlocks(t *testing.T) {
	tm := newTestMachine(t, Granule4K)
	r := tm.userTable(t)
	const block = 0x20_0000
	phys := tm.frame(t, block)

	if _, err := r.MapDirty(phys, 0x4000_0000, block, memmap.RAM); err != nil {
		t.Fatalf("MapDirty: %v", err)
	}
	d, level := entry(r, 0x4000_0000+0x1000)
	if level != 2 || !d.isBlock() {
		t.Fatalf("level %d entry %v, want a level 2 block", level, d)
	}

	// Unmapping one page splits the block.
	if err := r.Unmap(0x4000_0000+0x1000, 0x1000); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	checkStatus(t, r, 0x4000_0000+0x1000, StatusUnmapped)
	for _, off := range []uint64{0, 0x2000, block - 0x1000} {
		d, level := entry(r, 0x4000_0000+off)
		if level != 3 || !d.IsValid() || d.Address(Granule4K) != phys+off {
			t.Errorf("offset %#x: level %d entry %v, want a page at %#x", off, level, d, phys+off)
		}
		if d&DBM == 0 || d&NotDirty != 0 {
			t.Errorf("offset %#x: entry %v lost its permissions", off, d)
		}
	}
	if got := blocksSplit.Value(); got == 0 {
		t.Errorf("blocks_split = 0")
	}
}

func TestSwapAndExeFile(t *testing.T) {
	for _, g := range granules {
		t.Run(g.String(), func(t *testing.T) {
			tm := newTestMachine(t, g)
			r := tm.userTable(t)
			ps := g.PageSize()
			phys := tm.frame(t, 2*ps)

			if _, err := r.Map(phys, userVA, ps, memmap.RAM); err != nil {
				t.Fatalf("Map: %v", err)
			}
			if err := r.UnmapToSwapfile(userVA, 0x1234_5000); err != nil {
				t.Fatalf("UnmapToSwapfile: %v", err)
			}
			checkStatus(t, r, userVA, StatusMapped)
			if loc, ok := r.LocationInSwapfile(userVA); !ok || loc != 0x1234_5000 {
				t.Errorf("LocationInSwapfile = %#x, %t, want 0x12345000, true", loc, ok)
			}

			exe := uint64(userVA + 0x100_0000)
			if err := r.MapFromExeFile(phys, exe, 2*ps, memmap.RAM); !errors.Is(err, ErrMapped) {
				t.Errorf("MapFromExeFile without markers = %v, want %v", err, ErrMapped)
			}
			if _, err := r.MapExeFile(exe, 2*ps); err != nil {
				t.Fatalf("MapExeFile: %v", err)
			}
			checkStatus(t, r, exe, StatusMapped)
			if _, ok := r.LocationInSwapfile(exe); ok {
				t.Errorf("executable page reported in the swapfile")
			}
			if _, err := r.Map(phys, exe, ps, memmap.RAM); !errors.Is(err, ErrMapped) {
				t.Errorf("Map over markers = %v, want %v", err, ErrMapped)
			}
			if err := r.MapFromExeFile(phys, exe, 2*ps, memmap.RAM); err != nil {
				t.Fatalf("MapFromExeFile: %v", err)
			}
			if d, _ := entry(r, exe+ps); !d.IsValid() || d.Address(g) != phys+ps {
				t.Errorf("loaded page entry %v, want a page at %#x", d, phys+ps)
			}
			if err := r.UnmapToExeFile(exe, 2*ps); err != nil {
				t.Fatalf("UnmapToExeFile: %v", err)
			}
			if d, _ := entry(r, exe); !d.IsExeFile() {
				t.Errorf("entry %v, want executable file marker", d)
			}
			if err := r.MapZeroedFromExeFile(exe, 2*ps); err != nil {
				t.Fatalf("MapZeroedFromExeFile: %v", err)
			}
			if d, _ := entry(r, exe); d&COW == 0 {
				t.Errorf("zeroed page entry %v is not copy-on-write", d)
			}
		})
	}
}

func TestReleaseFreesTables(t *testing.T) {
	tm := newTestMachine(t, Granule4K)
	allocated, freed := tablesAllocated.Value(), tablesFreed.Value()
	r := tm.userTable(t)
	asid := r.ASID()
	if r.TTBR() != r.Address()|uint64(asid)<<48 {
		t.Errorf("TTBR = %#x, want table %#x with ASID %d", r.TTBR(), r.Address(), asid)
	}
	for _, va := range []uint64{userVA, 0x80_0000_0000, 0x7f_ffff_f000} {
		if _, err := r.MapZeroed(va, 0x1000); err != nil {
			t.Fatalf("MapZeroed(%#x): %v", va, err)
		}
	}
	r.Release()
	if a, f := tablesAllocated.Value()-allocated, tablesFreed.Value()-freed; a != f || a == 0 {
		t.Errorf("allocated %d tables and freed %d", a, f)
	}
	if err := tm.alloc.Heap().Validate(); err != nil {
		t.Errorf("heap: %v", err)
	}
	again := tm.userTable(t)
	if again.ASID() != asid {
		t.Errorf("ASID %d was not reused, got %d", asid, again.ASID())
	}
}

func TestASIDExhaustion(t *testing.T) {
	tm := newTestMachine(t, Granule4K)
	m, err := NewMMU(Config{Allocator: tm.alloc, Granule: Granule4K, VirtBits: 48, PhysBits: 40, ASIDBits: 8})
	if err != nil {
		t.Fatalf("NewMMU: %v", err)
	}
	var tables []*RootTable
	for i := 0; i < 255; i++ {
		r, err := m.NewUserTable()
		if err != nil {
			t.Fatalf("NewUserTable %d: %v", i, err)
		}
		tables = append(tables, r)
	}
	if _, err := m.NewUserTable(); !errors.Is(err, ErrNoASID) {
		t.Fatalf("NewUserTable = %v, want %v", err, ErrNoASID)
	}
	tables[7].Release()
	if _, err := m.NewUserTable(); err != nil {
		t.Errorf("NewUserTable after Release: %v", err)
	}
}

func TestNewMMUValidation(t *testing.T) {
	tm := newTestMachine(t, Granule4K)
	for _, tc := range []struct {
		name string
		cfg  Config
	}{
		{"no allocator", Config{Granule: Granule4K, VirtBits: 48, PhysBits: 40}},
		{"no granule", Config{Allocator: tm.alloc, VirtBits: 48, PhysBits: 40}},
		{"52-bit VA with 4K", Config{Allocator: tm.alloc, Granule: Granule4K, VirtBits: 52, PhysBits: 40}},
		{"52-bit PA with 16K", Config{Allocator: tm.alloc, Granule: Granule16K, VirtBits: 48, PhysBits: 52}},
		{"12-bit ASIDs", Config{Allocator: tm.alloc, Granule: Granule4K, VirtBits: 48, PhysBits: 40, ASIDBits: 12}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewMMU(tc.cfg); err == nil {
				t.Errorf("NewMMU succeeded")
			}
		})
	}
	if _, err := NewMMU(Config{Allocator: tm.alloc, Granule: Granule64K, VirtBits: 52, PhysBits: 52}); err != nil {
		t.Errorf("NewMMU with 64K and 52 bits: %v", err)
	}
}
