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

// Package cmd holds implementations of the memsim commands.
package cmd

import (
	"fmt"

	"phoenix.dev/phoenix/memsim/config"
	"phoenix.dev/phoenix/pkg/kalloc"
	"phoenix.dev/phoenix/pkg/log"
	"phoenix.dev/phoenix/pkg/memmap"
	"phoenix.dev/phoenix/pkg/pagetables"
)

// machine is a simulated machine built from a profile.
type machine struct {
	profile *config.Profile
	mm      *memmap.Map
	alloc   *kalloc.Allocator
	tlb     *pagetables.SoftTLB
	mmu     *pagetables.MMU
}

// loadProfile returns the profile selected by conf with command line
// overrides applied.
func loadProfile(conf *config.Config) (*config.Profile, error) {
	p := config.DefaultProfile()
	if conf.Profile != "" {
		loaded, err := config.LoadProfile(conf.Profile)
		if err != nil {
			return nil, err
		}
		p = loaded.Clone()
	}
	if conf.PhysBits != 0 {
		p.PhysBits = conf.PhysBits
	}
	return p, p.Validate()
}

// newMachine creates the machine described by conf. The kernel image
// segments are reserved so that nothing is allocated over them.
func newMachine(conf *config.Config) (*machine, error) {
	p, err := loadProfile(conf)
	if err != nil {
		return nil, err
	}
	mm, err := p.MemoryMap()
	if err != nil {
		return nil, err
	}
	alloc, err := kalloc.New(mm)
	if err != nil {
		return nil, fmt.Errorf("backing physical memory: %w", err)
	}
	for _, s := range []config.Segment{p.Kernel.ReadOnly, p.Kernel.RWShareable, p.Kernel.RWNonShareable} {
		if s.Size == 0 {
			continue
		}
		if _, err := alloc.Heap().ReserveMMIO(s.Base, s.Size); err != nil {
			alloc.Close()
			return nil, fmt.Errorf("reserving kernel segment at %#x: %w", s.Base, err)
		}
	}
	g, err := conf.Granule()
	if err != nil {
		alloc.Close()
		return nil, err
	}
	if conf.SlabPages != 0 {
		if err := alloc.EnablePageSlab(g.PageSize(), int(conf.SlabPages)); err != nil {
			alloc.Close()
			return nil, err
		}
	}
	tlb := &pagetables.SoftTLB{}
	mmu, err := pagetables.NewMMU(pagetables.Config{
		Allocator: alloc,
		TLB:       tlb,
		Granule:   g,
		VirtBits:  conf.VirtBits,
		PhysBits:  p.PhysBits,
		ASIDBits:  conf.ASIDBits,
	})
	if err != nil {
		alloc.Close()
		return nil, err
	}
	log.Infof("Machine %q: %d memory regions, %d-bit physical addresses, %v granule", p.Name, mm.Len(), p.PhysBits, g)
	if log.IsLogging(log.Debug) {
		log.Debugf("Memory map:\n%v", mm)
	}
	return &machine{profile: p, mm: mm, alloc: alloc, tlb: tlb, mmu: mmu}, nil
}

// boot builds the kernel's translation tables.
func (m *machine) boot() (*pagetables.RootTable, error) {
	return m.mmu.InitKernelTables(m.profile.KernelLayout(m.mm))
}

// Close releases the machine's memory.
func (m *machine) Close() error {
	return m.alloc.Close()
}
