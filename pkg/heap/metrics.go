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

package heap

import "phoenix.dev/phoenix/pkg/metric"

var (
	allocations = metric.MustCreateNewUint64Metric("/memory/heap/allocations", "Number of ranges reserved, by kind.",
		metric.NewField("kind", []string{"malloc", "mmio", "master"}))
	frees         = metric.MustCreateNewUint64Metric("/memory/heap/frees", "Number of allocations released.")
	allocFailures = metric.MustCreateNewUint64Metric("/memory/heap/alloc_failures", "Number of allocations that failed for lack of space.")
	unlinked      = metric.MustCreateNewUint64Metric("/memory/heap/nodes_unlinked", "Number of freed nodes removed from the node list.")
)
