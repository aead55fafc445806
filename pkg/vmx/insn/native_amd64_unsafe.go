// Copyright 2026 The gVisor Authors.
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

//go:build amd64
// +build amd64

package insn

import (
	"unsafe"
)

// trBase returns the base of the TSS selected by tr in the descriptor table
// gdtr, or zero if the selector lies outside the table.
func trBase(gdtr DescriptorTable, tr uint16) uint64 {
	index := uintptr(tr >> 3)
	if (index+2)*8 > uintptr(gdtr.Limit)+1 {
		return 0
	}
	entry := uintptr(gdtr.Base) + index*8
	lo := *(*uint64)(unsafe.Pointer(entry))
	hi := *(*uint64)(unsafe.Pointer(entry + 8))
	return systemDescriptorBase(lo, hi)
}
