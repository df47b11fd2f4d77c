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

import "phoenix.dev/phoenix/pkg/metric"

var slabAllocations = metric.MustCreateNewUint64Metric("/memory/kalloc/page_slab_allocations", "Number of single page allocations tried on the page slab, by result.",
	metric.NewField("result", []string{"hit", "empty", "busy"}))
