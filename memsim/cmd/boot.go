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

package cmd

import (
	"context"
	"flag"

	"github.com/google/subcommands"
	"phoenix.dev/phoenix/memsim/cmd/util"
	"phoenix.dev/phoenix/memsim/config"
	"phoenix.dev/phoenix/pkg/hostarch"
	"phoenix.dev/phoenix/pkg/pagetables"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	// translate lists the status of the first and last page of every region.
	translate bool
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "build the kernel's identity mapped translation tables"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - builds the kernel translation tables for the machine profile and prints the TTBR value.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&b.translate, "translate", false, "print the translation of the first and last page of every memory region.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	m, err := newMachine(conf)
	if err != nil {
		return util.Errorf("creating machine: %v", err)
	}
	defer m.Close()

	k, err := m.boot()
	if err != nil {
		return util.Errorf("boot failed: %v", err)
	}
	util.Infof("Kernel root table at %#x, TTBR %#x", k.Address(), k.TTBR())

	if b.translate {
		ps := m.mmu.PageSize()
		for _, r := range m.mm.Regions() {
			first, ok := hostarch.AlignUp(r.Base, ps)
			if !ok || first > r.Last() {
				continue
			}
			last := r.Last() &^ (ps - 1)
			util.Infof("%v: first page %v, last page %v", r, status(m, k, first), status(m, k, last))
		}
	}

	s := m.alloc.Heap().Stats()
	t := m.tlb.Stats()
	util.Infof("Heap: %d nodes, %#x bytes reserved, %d master blocks", s.Nodes, s.Reserved, s.MasterBlocks)
	util.Infof("TLB: %d page invalidations, %d full invalidations, %d barriers", t.PageInvalidations, t.FullInvalidations, t.Barriers)
	return subcommands.ExitSuccess
}

// status describes the kernel's translation of the page at va.
func status(m *machine, k *pagetables.RootTable, va uint64) string {
	if va>>m.mmu.VirtBits() != 0 {
		return "untranslatable"
	}
	return k.PageStatus(va).String()
}
