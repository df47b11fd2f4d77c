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

package hostarch

import (
	"math"
	"testing"
)

func TestAlignUp(t *testing.T) {
	for _, tc := range []struct {
		addr, align uint64
		want        uint64
		ok          bool
	}{
		{addr: 0, align: 50, want: 0, ok: true},
		{addr: 1, align: 50, want: 50, ok: true},
		{addr: 50, align: 50, want: 50, ok: true},
		{addr: 0x1001, align: 0x1000, want: 0x2000, ok: true},
		{addr: 7, align: 1, want: 7, ok: true},
		{addr: math.MaxUint64 - 2, align: 0x1000, ok: false},
	} {
		got, ok := AlignUp(tc.addr, tc.align)
		if ok != tc.ok || (ok && got != tc.want) {
			t.Errorf("AlignUp(%#x, %#x) = %#x, %t; wanted %#x, %t", tc.addr, tc.align, got, ok, tc.want, tc.ok)
		}
	}
}

func TestEnd(t *testing.T) {
	for _, tc := range []struct {
		base, size uint64
		want       uint64
		ok         bool
	}{
		{base: 0x1000, size: 0x1000, want: 0x2000, ok: true},
		{base: 1 << 63, size: 1 << 63, want: 0, ok: true},
		{base: math.MaxUint64, size: 2, ok: false},
	} {
		got, ok := End(tc.base, tc.size)
		if ok != tc.ok || (ok && got != tc.want) {
			t.Errorf("End(%#x, %#x) = %#x, %t; wanted %#x, %t", tc.base, tc.size, got, ok, tc.want, tc.ok)
		}
	}
}

func TestRoundUp(t *testing.T) {
	if got, ok := Addr(0x1234).RoundUp(0x1000); !ok || got != 0x2000 {
		t.Errorf("RoundUp got %v, %t; wanted 0x2000, true", got, ok)
	}
	if _, ok := Addr(math.MaxUint64).RoundUp(0x1000); ok {
		t.Errorf("RoundUp of the last address should wrap")
	}
	if got := Addr(0x1fff).RoundDown(0x1000); got != 0x1000 {
		t.Errorf("RoundDown got %v, wanted 0x1000", got)
	}
}
