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
	"bytes"
	"context"
	"flag"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"phoenix.dev/phoenix/memsim/cmd/util"
	"phoenix.dev/phoenix/memsim/config"
	"phoenix.dev/phoenix/pkg/pagetables"
)

// COW implements subcommands.Command for the "cow" command.
type COW struct {
	pages   int
	writers int
	zeroed  bool
}

// Name implements subcommands.Command.Name.
func (*COW) Name() string {
	return "cow"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*COW) Synopsis() string {
	return "race writers against copy-on-write pages"
}

// Usage implements subcommands.Command.Usage.
func (*COW) Usage() string {
	return `cow [flags] - maps copy-on-write pages into a user address space and has concurrent writers fault on all of them. Each page must be copied exactly once and every copy must match its source.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *COW) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.pages, "pages", 64, "number of copy-on-write pages.")
	f.IntVar(&c.writers, "writers", 8, "number of concurrent writers.")
	f.BoolVar(&c.zeroed, "zeroed", false, "map the shared zero page instead of a filled source.")
}

// Execute implements subcommands.Command.Execute.
func (c *COW) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || c.pages <= 0 || c.writers <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	m, err := newMachine(conf)
	if err != nil {
		return util.Errorf("creating machine: %v", err)
	}
	defer m.Close()

	user, err := m.mmu.NewUserTable()
	if err != nil {
		return util.Errorf("creating address space: %v", err)
	}
	defer user.Release()

	g := m.mmu.Granule()
	ps := g.PageSize()
	size := uint64(c.pages) * ps
	var src, va uint64
	if c.zeroed {
		va, err = user.MapZeroed(pagetables.Anywhere, size)
	} else {
		if src, err = m.alloc.Allocate(size, ps); err != nil {
			return util.Errorf("allocating source: %v", err)
		}
		defer m.alloc.Free(src)
		for p := 0; p < c.pages; p++ {
			page := m.alloc.Slice(src+uint64(p)*ps, ps)
			for i := range page {
				page[i] = byte(p)
			}
		}
		va, err = user.MapCOW(src, pagetables.Anywhere, size)
	}
	if err != nil {
		return util.Errorf("mapping pages: %v", err)
	}

	leaf := g.LevelNumber(g.Levels() - 1)
	frames := make([]atomic.Uint64, c.pages)
	var copies atomic.Int64
	start := time.Now()
	eg, ctx := errgroup.WithContext(ctx)
	for w := 0; w < c.writers; w++ {
		w := w
		eg.Go(func() error {
			for n := 0; n < c.pages; n++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				p := (n + w) % c.pages
				addr := va + uint64(p)*ps + uint64(w*8)%ps
				frame, err := user.ResolveWriteFault(pagetables.El0, leaf, addr, 8)
				if err != nil {
					return fmt.Errorf("write fault at %#x: %w", addr, err)
				}
				if frame == nil {
					continue
				}
				copies.Add(1)
				if !frames[p].CompareAndSwap(0, frame.Base) {
					return fmt.Errorf("page %d copied twice", p)
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return util.Errorf("cow failed: %v", err)
	}
	elapsed := time.Since(start)

	status := subcommands.ExitSuccess
	for p := range frames {
		base := frames[p].Load()
		if base == 0 {
			status = util.Errorf("page %d was never copied", p)
			continue
		}
		want := bytes.Repeat([]byte{byte(p)}, int(ps))
		if c.zeroed {
			want = make([]byte, ps)
		}
		if !bytes.Equal(m.alloc.Slice(base, ps), want) {
			status = util.Errorf("copy of page %d at %#x does not match its source", p, base)
		}
	}

	if err := user.Unmap(va, size); err != nil {
		return util.Errorf("unmapping pages: %v", err)
	}
	for p := range frames {
		if base := frames[p].Load(); base != 0 {
			m.alloc.Free(base)
		}
	}
	if status == subcommands.ExitSuccess {
		util.Infof("%d writers copied %d pages in %v", c.writers, copies.Load(), elapsed)
		if s := m.alloc.PageSlab(); s != nil {
			util.Infof("Page slab: %d of %d pages free", s.Available(), conf.SlabPages)
		}
	}
	return status
}
