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
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"phoenix.dev/phoenix/pkg/memmap"
	"phoenix.dev/phoenix/pkg/pagetables"
)

func TestNewFromFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"-debug", "-page-size=64K", "-virt-bits=52", "-profile=machine.toml"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	conf, err := NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	want := &Config{
		LogFormat: "text",
		Debug:     true,
		Profile:   "machine.toml",
		PageSize:  "64K",
		VirtBits:  52,
		ASIDBits:  16,
		SlabPages: 256,
	}
	if diff := cmp.Diff(want, conf); diff != "" {
		t.Errorf("Config mismatch (-want +got):\n%s", diff)
	}
	if g, err := conf.Granule(); err != nil || g != pagetables.Granule64K {
		t.Errorf("Granule = %v, %v, want 64K", g, err)
	}
}

func TestGranule(t *testing.T) {
	for _, tc := range []struct {
		pageSize string
		want     *pagetables.Granule
	}{
		{"4K", pagetables.Granule4K},
		{"16K", pagetables.Granule16K},
		{"64K", pagetables.Granule64K},
	} {
		c := Config{PageSize: tc.pageSize}
		if g, err := c.Granule(); err != nil || g != tc.want {
			t.Errorf("Granule(%q) = %v, %v, want %v", tc.pageSize, g, err, tc.want)
		}
	}
	for _, bad := range []string{"", "K", "8K", "4096", "4k"} {
		c := Config{PageSize: bad}
		if g, err := c.Granule(); err == nil {
			t.Errorf("Granule(%q) = %v, want an error", bad, g)
		}
	}
}

func TestNewFromFlagsInvalid(t *testing.T) {
	for _, args := range [][]string{
		{"-page-size=8K"},
		{"-log-format=xml"},
		{"-asid-bits=12"},
		{"-slab-pages=48"},
		{"-page-size=32K"},
		{"-page-size=4M"},
	} {
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		RegisterFlags(fs)
		if err := fs.Parse(args); err != nil {
			t.Fatalf("Parse(%v): %v", args, err)
		}
		if _, err := NewFromFlags(fs); err == nil {
			t.Errorf("NewFromFlags(%v) succeeded", args)
		}
	}
}

func TestLoadProfileFormats(t *testing.T) {
	fromTOML, err := LoadProfile("testdata/small.toml")
	if err != nil {
		t.Fatalf("LoadProfile(toml): %v", err)
	}
	fromYAML, err := LoadProfile("testdata/small.yaml")
	if err != nil {
		t.Fatalf("LoadProfile(yaml): %v", err)
	}
	if diff := cmp.Diff(fromTOML, fromYAML); diff != "" {
		t.Errorf("TOML and YAML profiles differ (-toml +yaml):\n%s", diff)
	}
	if fromTOML.Name != "small" || fromTOML.PhysBits != 36 || len(fromTOML.Regions) != 3 {
		t.Errorf("unexpected profile %+v", fromTOML)
	}
	if got := fromTOML.Kernel.RWNonShareable; got != (Segment{Base: 0x40030000, Size: 0x4000}) {
		t.Errorf("non-shareable segment = %+v", got)
	}
}

func TestLoadProfileErrors(t *testing.T) {
	dir := t.TempDir()
	ini := filepath.Join(dir, "machine.ini")
	if err := os.WriteFile(ini, []byte("name=x"), 0644); err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("regions: [base: 1"), 0644); err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct {
		path string
		want string
	}{
		{ini, "unknown format"},
		{bad, "decode profile"},
		{"testdata/noram.toml", "no present RAM"},
		{filepath.Join(dir, "missing.toml"), "decode profile"},
	} {
		if _, err := LoadProfile(tc.path); err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("LoadProfile(%q) = %v, want error containing %q", tc.path, err, tc.want)
		}
	}
}

func TestProfileMemoryMap(t *testing.T) {
	p, err := LoadProfile("testdata/small.toml")
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	mm, err := p.MemoryMap()
	if err != nil {
		t.Fatalf("MemoryMap: %v", err)
	}
	want := []memmap.Region{
		{Base: 0, Size: 0x10000, Type: memmap.ROM, Present: true},
		{Base: 0x40000000, Size: 0x2000000, Type: memmap.RAM, Present: true},
		{Base: 0x50000000, Size: 0x1000000, Type: memmap.RAM, Hotpluggable: true, Present: true},
	}
	if diff := cmp.Diff(want, mm.Regions()); diff != "" {
		t.Errorf("regions mismatch (-want +got):\n%s", diff)
	}
	layout := p.KernelLayout(mm)
	if layout.ReadOnly != (pagetables.Segment{Base: 0x40000000, Size: 0x20000}) || layout.Memory != mm {
		t.Errorf("unexpected layout %+v", layout)
	}
}

func TestDefaultProfile(t *testing.T) {
	p := DefaultProfile()
	if err := p.Validate(); err != nil {
		t.Fatalf("built-in profile: %v", err)
	}
	p.Regions[0].Size = 0
	p.PhysBits = 48
	if again := DefaultProfile(); again.Regions[0].Size == 0 || again.PhysBits != 40 {
		t.Errorf("changes to a copy leaked into the built-in profile")
	}
	if err := p.Validate(); err == nil {
		t.Errorf("Validate accepted an empty region")
	}
	mm, err := DefaultProfile().MemoryMap()
	if err != nil {
		t.Fatalf("MemoryMap: %v", err)
	}
	for _, r := range mm.Regions() {
		if r.Hotpluggable && r.Present {
			t.Errorf("hotpluggable region %v is present", r)
		}
	}
}
