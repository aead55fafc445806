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
	"gvisor.dev/gvisor/pkg/cpuid"
	"gvisor.dev/vmx/pkg/vmx"
)

// Status bits returned by the assembly stubs: CF reports VMfailInvalid, ZF
// reports VMfailValid.
const (
	statusFailInvalid = 1 << 0
	statusFailValid   = 1 << 1
)

// Implemented in native_amd64.s.
func cpuidRaw(eax, ecx uint32) (a, b, c, d uint32)
func rdmsr(index uint32) uint64
func wrmsr(index uint32, value uint64)
func readCR0() uint64
func readCR3() uint64
func readCR4() uint64
func writeCR4(value uint64)
func xgetbv(index uint32) uint64
func xsetbv(index uint32, value uint64)
func readSelectors(sel *[7]uint16)
func sgdt(dt *[10]byte)
func sidt(dt *[10]byte)
func vmxon(phys uint64) uint8
func vmxoff() uint8
func vmclear(phys uint64) uint8
func vmptrld(phys uint64) uint8
func vmread(field uint64) (value uint64, status uint8)
func vmwrite(field, value uint64) uint8
func invept(t uint64, desc *[2]uint64) uint8
func vmentry(regs *vmx.GeneralRegisters, launch bool) uint8
func vmexit()
func nmi()

// Native executes the instructions on the current processor.
//
// All methods except CPUID require CPL 0; they fault when called from a
// user process.
type Native struct{}

var _ Hardware = (*Native)(nil)

// CPUID implements Hardware.CPUID.
//
// Unlike cpuid.Native, every leaf is passed through.
func (*Native) CPUID(in cpuid.In) cpuid.Out {
	a, b, c, d := cpuidRaw(in.Eax, in.Ecx)
	return cpuid.Out{Eax: a, Ebx: b, Ecx: c, Edx: d}
}

// ReadMSR implements Hardware.ReadMSR and msr.Reader.
func (*Native) ReadMSR(index uint32) uint64 {
	return rdmsr(index)
}

// WriteMSR implements Hardware.WriteMSR.
func (*Native) WriteMSR(index uint32, value uint64) {
	wrmsr(index, value)
}

// ReadCR0 implements Hardware.ReadCR0.
func (*Native) ReadCR0() uint64 {
	return readCR0()
}

// ReadCR3 implements Hardware.ReadCR3.
func (*Native) ReadCR3() uint64 {
	return readCR3()
}

// ReadCR4 implements Hardware.ReadCR4.
func (*Native) ReadCR4() uint64 {
	return readCR4()
}

// WriteCR4 implements Hardware.WriteCR4.
func (*Native) WriteCR4(value uint64) {
	writeCR4(value)
}

// XGetBV implements Hardware.XGetBV.
func (*Native) XGetBV(index uint32) uint64 {
	return xgetbv(index)
}

// XSetBV implements Hardware.XSetBV.
func (*Native) XSetBV(index uint32, value uint64) {
	xsetbv(index, value)
}

// HostSegments implements Hardware.HostSegments.
func (*Native) HostSegments() HostSegments {
	var (
		sel      [7]uint16
		gdt, idt [10]byte
	)
	readSelectors(&sel)
	sgdt(&gdt)
	sidt(&idt)
	s := HostSegments{
		CS:   sel[0],
		SS:   sel[1],
		DS:   sel[2],
		ES:   sel[3],
		FS:   sel[4],
		GS:   sel[5],
		TR:   sel[6],
		GDTR: decodeDescriptorTable(gdt),
		IDTR: decodeDescriptorTable(idt),
	}
	s.TRBase = trBase(s.GDTR, s.TR)
	return s
}

func (n *Native) status(op string, s uint8) error {
	switch {
	case s&statusFailInvalid != 0:
		return vmx.NewInstructionError(op, vmx.VMFailInvalid)
	case s&statusFailValid != 0:
		return ReadInstructionError(n, op)
	}
	return nil
}

// VMXOn implements Hardware.VMXOn.
func (n *Native) VMXOn(phys uint64) error {
	return n.status("vmxon", vmxon(phys))
}

// VMXOff implements Hardware.VMXOff.
func (n *Native) VMXOff() error {
	return n.status("vmxoff", vmxoff())
}

// VMClear implements Hardware.VMClear.
func (n *Native) VMClear(phys uint64) error {
	return n.status("vmclear", vmclear(phys))
}

// VMPtrLoad implements Hardware.VMPtrLoad.
func (n *Native) VMPtrLoad(phys uint64) error {
	return n.status("vmptrld", vmptrld(phys))
}

// VMRead implements Hardware.VMRead.
func (n *Native) VMRead(field uint32) (uint64, error) {
	v, s := vmread(uint64(field))
	if s&statusFailInvalid != 0 {
		return 0, vmx.NewInstructionError("vmread", vmx.VMFailInvalid)
	}
	if s&statusFailValid != 0 {
		// Reading the error field itself cannot fail with a current VMCS.
		e, _ := vmread(0x4400)
		return 0, vmx.NewInstructionError("vmread", vmx.InstructionErrorNumber(e))
	}
	return v, nil
}

// VMWrite implements Hardware.VMWrite.
func (n *Native) VMWrite(field uint32, value uint64) error {
	return n.status("vmwrite", vmwrite(uint64(field), value))
}

// InvEPT implements Hardware.InvEPT.
func (n *Native) InvEPT(t InvEPTType, eptp uint64) error {
	desc := [2]uint64{eptp, 0}
	return n.status("invept", invept(uint64(t), &desc))
}

// Enter implements Hardware.Enter.
//
// HOST_RSP and HOST_RIP are written by the entry stub on every call.
func (n *Native) Enter(regs *vmx.GeneralRegisters, launch bool) error {
	op := "vmresume"
	if launch {
		op = "vmlaunch"
	}
	return n.status(op, vmentry(regs, launch))
}

// RaiseNMI implements Hardware.RaiseNMI.
func (*Native) RaiseNMI() {
	nmi()
}
