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

package vmx

import (
	"fmt"
	"strings"
)

// GeneralRegisters holds the guest general purpose registers that the
// processor does not save in the VMCS.
//
// The field order is the x86 register encoding order and is relied upon by
// the entry trampoline in package insn. RSP is kept for the encoding order
// only: the live guest stack pointer is the VMCS guest RSP field.
type GeneralRegisters struct {
	RAX uint64
	RCX uint64
	RDX uint64
	RBX uint64
	RSP uint64
	RBP uint64
	RSI uint64
	RDI uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

// Register indices in x86 encoding order.
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	NumGeneralRegisters
)

var registerNames = [NumGeneralRegisters]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// RegisterName returns the lower-case mnemonic for register index i.
func RegisterName(i int) string {
	if i < 0 || i >= NumGeneralRegisters {
		return fmt.Sprintf("reg%d", i)
	}
	return registerNames[i]
}

func (r *GeneralRegisters) slot(i int) *uint64 {
	switch i {
	case RAX:
		return &r.RAX
	case RCX:
		return &r.RCX
	case RDX:
		return &r.RDX
	case RBX:
		return &r.RBX
	case RSP:
		return &r.RSP
	case RBP:
		return &r.RBP
	case RSI:
		return &r.RSI
	case RDI:
		return &r.RDI
	case R8:
		return &r.R8
	case R9:
		return &r.R9
	case R10:
		return &r.R10
	case R11:
		return &r.R11
	case R12:
		return &r.R12
	case R13:
		return &r.R13
	case R14:
		return &r.R14
	case R15:
		return &r.R15
	}
	panic(fmt.Sprintf("invalid register index %d", i))
}

// Get returns the register with encoding index i.
//
// Precondition: 0 <= i < NumGeneralRegisters.
func (r *GeneralRegisters) Get(i int) uint64 {
	return *r.slot(i)
}

// Set sets the register with encoding index i.
//
// Precondition: 0 <= i < NumGeneralRegisters.
func (r *GeneralRegisters) Set(i int, v uint64) {
	*r.slot(i) = v
}

// Diff returns a description of the registers that differ between r and
// other, or the empty string if they are equal.
func (r *GeneralRegisters) Diff(other *GeneralRegisters) string {
	var b strings.Builder
	for i := 0; i < NumGeneralRegisters; i++ {
		if a, o := r.Get(i), other.Get(i); a != o {
			if b.Len() > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s: %#x -> %#x", registerNames[i], a, o)
		}
	}
	return b.String()
}

// AccessWidth is the width of a port or memory access.
type AccessWidth uint8

// Access widths.
const (
	Byte  AccessWidth = 1
	Word  AccessWidth = 2
	Dword AccessWidth = 4
	Qword AccessWidth = 8
)

// AccessWidthFromSize converts a size in bytes to an AccessWidth.
func AccessWidthFromSize(size int) (AccessWidth, bool) {
	switch size {
	case 1, 2, 4, 8:
		return AccessWidth(size), true
	}
	return 0, false
}

// Size returns the width in bytes.
func (w AccessWidth) Size() int {
	return int(w)
}

// Mask returns a mask covering the low w bytes.
func (w AccessWidth) Mask() uint64 {
	if w >= Qword {
		return ^uint64(0)
	}
	return (uint64(1) << (8 * uint(w))) - 1
}

// String implements fmt.Stringer.
func (w AccessWidth) String() string {
	switch w {
	case Byte:
		return "byte"
	case Word:
		return "word"
	case Dword:
		return "dword"
	case Qword:
		return "qword"
	}
	return fmt.Sprintf("width(%d)", uint8(w))
}
