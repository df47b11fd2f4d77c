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

import "phoenix.dev/phoenix/pkg/metric"

var (
	tablesAllocated    = metric.MustCreateNewUint64Metric("/memory/pagetables/tables_allocated", "Number of translation tables allocated.")
	tablesFreed        = metric.MustCreateNewUint64Metric("/memory/pagetables/tables_freed", "Number of translation tables freed.")
	tableAllocFailures = metric.MustCreateNewUint64Metric("/memory/pagetables/table_alloc_failures", "Number of translation table allocations that failed.")
	blocksSplit        = metric.MustCreateNewUint64Metric("/memory/pagetables/blocks_split", "Number of block descriptors replaced by tables.")
	faults             = metric.MustCreateNewUint64Metric("/memory/pagetables/write_faults", "Number of write faults resolved, by outcome.",
		metric.NewField("outcome", []string{outcomeSpurious, outcomeDirty, outcomeCOW, outcomeProtection, outcomeNoMemory}))
)

// Write fault outcomes.
const (
	outcomeSpurious   = "spurious"
	outcomeDirty      = "dirty"
	outcomeCOW        = "cow"
	outcomeProtection = "protection"
	outcomeNoMemory   = "nomem"
)
