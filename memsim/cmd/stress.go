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
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"phoenix.dev/phoenix/memsim/cmd/util"
	"phoenix.dev/phoenix/memsim/config"
	"phoenix.dev/phoenix/pkg/heap"
	"phoenix.dev/phoenix/pkg/log"
	"phoenix.dev/phoenix/pkg/memmap"
	"phoenix.dev/phoenix/pkg/pagetables"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers  int
	ops      int
	seed     int64
	maxPages int
	maxHeld  int
	retries  uint64
	mapPages bool
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "hammer the physical heap from many goroutines"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - runs concurrent workers that allocate and free physical memory, optionally mapping every allocation into a shared address space, and then checks the heap for consistency.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 50, "number of concurrent workers.")
	f.IntVar(&s.ops, "ops", 1000, "operations per worker.")
	f.Int64Var(&s.seed, "seed", 1, "random seed; worker i uses seed+i.")
	f.IntVar(&s.maxPages, "max-pages", 4, "largest allocation, in pages.")
	f.IntVar(&s.maxHeld, "max-held", 64, "most allocations a worker holds at once.")
	f.Uint64Var(&s.retries, "retries", 8, "times an allocation is retried when memory is exhausted.")
	f.BoolVar(&s.mapPages, "map", false, "map every allocation into a shared user address space.")
}

// stressStats counts what the workers did.
type stressStats struct {
	allocs    atomic.Uint64
	frees     atomic.Uint64
	exhausted atomic.Uint64
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.workers <= 0 || s.maxPages <= 0 || s.maxHeld <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	m, err := newMachine(conf)
	if err != nil {
		return util.Errorf("creating machine: %v", err)
	}
	defer m.Close()

	var user *pagetables.RootTable
	if s.mapPages {
		if user, err = m.mmu.NewUserTable(); err != nil {
			return util.Errorf("creating address space: %v", err)
		}
		defer user.Release()
	}

	var stats stressStats
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < s.workers; w++ {
		rng := rand.New(rand.NewSource(s.seed + int64(w)))
		g.Go(func() error {
			return s.worker(ctx, m, user, rng, &stats)
		})
	}
	if err := g.Wait(); err != nil {
		return util.Errorf("stress failed: %v", err)
	}
	elapsed := time.Since(start)

	if err := m.alloc.Heap().Validate(); err != nil {
		return util.Errorf("heap is inconsistent: %v", err)
	}
	hs := m.alloc.Heap().Stats()
	util.Infof("%d workers: %d allocations, %d frees, %d exhausted in %v", s.workers, stats.allocs.Load(), stats.frees.Load(), stats.exhausted.Load(), elapsed)
	util.Infof("Heap: %d nodes (%d freeing), %d master blocks, %d free slots", hs.Nodes, hs.Freeing, hs.MasterBlocks, hs.FreeSlots)
	return subcommands.ExitSuccess
}

// held is an allocation a worker owns.
type held struct {
	base, size, va uint64
}

func (s *Stress) worker(ctx context.Context, m *machine, user *pagetables.RootTable, rng *rand.Rand, stats *stressStats) error {
	ps := m.mmu.PageSize()
	var live []held
	release := func(i int) error {
		h := live[i]
		if user != nil {
			if err := user.Unmap(h.va, h.size); err != nil {
				return fmt.Errorf("unmapping %#x: %w", h.va, err)
			}
		}
		m.alloc.Free(h.base)
		stats.frees.Add(1)
		live[i] = live[len(live)-1]
		live = live[:len(live)-1]
		return nil
	}
	defer func() {
		for len(live) > 0 {
			if err := release(0); err != nil {
				log.Warningf("Releasing at exit: %v", err)
				return
			}
		}
	}()

	for i := 0; i < s.ops; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch op := rng.Intn(4); {
		case op == 0 && len(live) > 0, len(live) >= s.maxHeld:
			if err := release(rng.Intn(len(live))); err != nil {
				return err
			}
		case op == 1:
			runtime.Gosched()
		default:
			h, err := s.allocate(ctx, m, rng, ps)
			if errors.Is(err, heap.ErrNoMemory) {
				stats.exhausted.Add(1)
				continue
			}
			if err != nil {
				return err
			}
			if user != nil {
				if h.va, err = user.Map(h.base, pagetables.Anywhere, h.size, memmap.RAM); err != nil {
					m.alloc.Free(h.base)
					return fmt.Errorf("mapping %#x: %w", h.base, err)
				}
				if st := user.PageStatus(h.va); st != pagetables.StatusMapped {
					return fmt.Errorf("page %#x is %v right after mapping", h.va, st)
				}
			}
			stats.allocs.Add(1)
			live = append(live, h)
		}
	}
	return nil
}

// allocate reserves up to maxPages pages, backing off while other workers
// hold the memory.
func (s *Stress) allocate(ctx context.Context, m *machine, rng *rand.Rand, ps uint64) (held, error) {
	size := uint64(rng.Intn(s.maxPages)+1) * ps
	var base uint64
	op := func() error {
		var err error
		base, err = m.alloc.Allocate(size, ps)
		if err != nil && !errors.Is(err, heap.ErrNoMemory) {
			return backoff.Permanent(err)
		}
		return err
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Millisecond
	eb.MaxInterval = 50 * time.Millisecond
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(eb, s.retries), ctx)); err != nil {
		return held{}, err
	}
	return held{base: base, size: size}, nil
}
