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

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"
	"phoenix.dev/phoenix/pkg/memmap"
	"phoenix.dev/phoenix/pkg/pagetables"
)

// Profile describes a simulated machine: its memory map and where the
// kernel image lives in it.
type Profile struct {
	Name     string   `toml:"name" yaml:"name"`
	PhysBits uint     `toml:"phys_bits" yaml:"phys_bits"`
	Regions  []Region `toml:"region" yaml:"regions"`
	Kernel   Kernel   `toml:"kernel" yaml:"kernel"`
}

// Region is one memory map entry of a profile.
type Region struct {
	Base uint64 `toml:"base" yaml:"base"`
	Size uint64 `toml:"size" yaml:"size"`

	// Type is RAM, ROM or MMIO.
	Type string `toml:"type" yaml:"type"`

	// Hotpluggable regions start out absent unless Present is set.
	Hotpluggable bool `toml:"hotpluggable" yaml:"hotpluggable"`
	Present      bool `toml:"present" yaml:"present"`
}

// Segment is a physical range of the kernel image.
type Segment struct {
	Base uint64 `toml:"base" yaml:"base"`
	Size uint64 `toml:"size" yaml:"size"`
}

// Kernel holds the kernel image segments.
type Kernel struct {
	ReadOnly       Segment `toml:"read_only" yaml:"read_only"`
	RWShareable    Segment `toml:"rw_shareable" yaml:"rw_shareable"`
	RWNonShareable Segment `toml:"rw_non_shareable" yaml:"rw_non_shareable"`
}

// defaultProfile is a small virt-like machine.
var defaultProfile = Profile{
	Name:     "virt",
	PhysBits: 40,
	Regions: []Region{
		{Base: 0x0, Size: 0x10_0000, Type: "ROM"},
		{Base: 0x900_0000, Size: 0x1000, Type: "MMIO"},
		{Base: 0x4000_0000, Size: 0x1000_0000, Type: "RAM"},
		{Base: 0x8000_0000, Size: 0x400_0000, Type: "RAM", Hotpluggable: true},
	},
	Kernel: Kernel{
		ReadOnly:       Segment{Base: 0x4000_0000, Size: 0x8_0000},
		RWShareable:    Segment{Base: 0x4008_0000, Size: 0x4_0000},
		RWNonShareable: Segment{Base: 0x400c_0000, Size: 0x1_0000},
	},
}

// DefaultProfile returns a copy of the built-in profile.
func DefaultProfile() *Profile {
	return defaultProfile.Clone()
}

// LoadProfile reads a profile from path. The format is picked by extension.
func LoadProfile(path string) (*Profile, error) {
	p := &Profile{}
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		if _, err := toml.DecodeFile(path, p); err != nil {
			return nil, fmt.Errorf("decode profile %q: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read profile: %w", err)
		}
		if err := yaml.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("decode profile %q: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("profile %q: unknown format %q, want .toml, .yaml or .yml", path, ext)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("profile %q: %w", path, err)
	}
	return p, nil
}

// Clone returns a deep copy of p, so that command line overrides do not leak
// into the original.
func (p *Profile) Clone() *Profile {
	return deepcopy.Copy(p).(*Profile)
}

// Validate checks that the profile describes a usable machine.
func (p *Profile) Validate() error {
	if p.PhysBits == 0 || p.PhysBits > 52 {
		return fmt.Errorf("invalid physical address width %d", p.PhysBits)
	}
	if len(p.Regions) == 0 {
		return errors.New("no memory regions")
	}
	ram := false
	for i, r := range p.Regions {
		t, err := memmap.ParseRegionType(r.Type)
		if err != nil {
			return fmt.Errorf("region %d: %w", i, err)
		}
		if r.Size == 0 {
			return fmt.Errorf("region %d at %#x is empty", i, r.Base)
		}
		if r.Base+r.Size < r.Base {
			return fmt.Errorf("region %d at %#x wraps around", i, r.Base)
		}
		if t == memmap.RAM && (!r.Hotpluggable || r.Present) {
			ram = true
		}
	}
	if !ram {
		return errors.New("no present RAM")
	}
	return nil
}

// MemoryMap builds the memory map the profile describes.
func (p *Profile) MemoryMap() (*memmap.Map, error) {
	mm := memmap.New(p.PhysBits)
	for _, r := range p.Regions {
		t, err := memmap.ParseRegionType(r.Type)
		if err != nil {
			return nil, err
		}
		if err := mm.AddRegion(r.Base, r.Size, t, r.Hotpluggable); err != nil {
			return nil, fmt.Errorf("adding region at %#x: %w", r.Base, err)
		}
		if r.Hotpluggable && r.Present {
			mm.SetPresent(r.Base, true)
		}
	}
	return mm, nil
}

// KernelLayout returns the kernel layout over mm.
func (p *Profile) KernelLayout(mm *memmap.Map) pagetables.KernelLayout {
	seg := func(s Segment) pagetables.Segment {
		return pagetables.Segment{Base: s.Base, Size: s.Size}
	}
	return pagetables.KernelLayout{
		Memory:         mm,
		ReadOnly:       seg(p.Kernel.ReadOnly),
		RWShareable:    seg(p.Kernel.RWShareable),
		RWNonShareable: seg(p.Kernel.RWNonShareable),
	}
}
