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

package physmem

import (
	"fmt"
	"unsafe"
)

// Words returns the n 64-bit words starting at physical address addr, for
// use with sync/atomic.
//
// Precondition: addr is 8-byte aligned and the range is backed.
func (m *Memory) Words(addr uint64, n int) []uint64 {
	if addr%8 != 0 {
		panic(fmt.Sprintf("unaligned word access at %#x", addr))
	}
	b := m.Slice(addr, uint64(n)*8)
	return unsafe.Slice((*uint64)(unsafe.Pointer(unsafe.SliceData(b))), n)
}
