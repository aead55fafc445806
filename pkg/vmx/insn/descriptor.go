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

package insn

import "encoding/binary"

// decodeDescriptorTable decodes the 10-byte SGDT/SIDT memory operand.
func decodeDescriptorTable(b [10]byte) DescriptorTable {
	return DescriptorTable{
		Limit: binary.LittleEndian.Uint16(b[0:2]),
		Base:  binary.LittleEndian.Uint64(b[2:10]),
	}
}

// systemDescriptorBase returns the base address encoded in a 16-byte system
// segment descriptor (a TSS or LDT descriptor in IA-32e mode).
func systemDescriptorBase(lo, hi uint64) uint64 {
	return (lo>>16)&0xffffff | ((lo>>56)&0xff)<<24 | (hi&0xffffffff)<<32
}
