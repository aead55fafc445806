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

// Package insn exposes the privileged instructions used by the VMX engine.
//
// Hardware is implemented natively on amd64 (Native), which requires CPL 0,
// and by the software model in package sim. All methods operate on the
// logical core executing the call; callers are responsible for running them
// on the right core.
package insn

import (
	"gvisor.dev/gvisor/pkg/cpuid"
	"gvisor.dev/vmx/pkg/vmx"
)

// InvEPTType selects the scope of an INVEPT.
type InvEPTType uint64

// INVEPT types.
const (
	// InvEPTSingleContext invalidates mappings tagged with one EPTP.
	InvEPTSingleContext InvEPTType = 1

	// InvEPTAllContext invalidates mappings for every EPTP. The engine
	// never issues it.
	InvEPTAllContext InvEPTType = 2
)

// DescriptorTable is the value stored by SGDT or SIDT.
type DescriptorTable struct {
	Base  uint64
	Limit uint16
}

// HostSegments is the host selector and descriptor-table state programmed
// into the VMCS host-state area.
type HostSegments struct {
	CS, SS, DS, ES, FS, GS, TR uint16

	// TRBase is the base address of the TSS referenced by TR.
	TRBase uint64

	GDTR DescriptorTable
	IDTR DescriptorTable
}

// Hardware is the set of privileged operations of one logical core.
type Hardware interface {
	// CPUID executes CPUID with the given leaf and subleaf.
	CPUID(in cpuid.In) cpuid.Out

	// ReadMSR executes RDMSR.
	ReadMSR(index uint32) uint64

	// WriteMSR executes WRMSR.
	WriteMSR(index uint32, value uint64)

	ReadCR0() uint64
	ReadCR3() uint64
	ReadCR4() uint64
	WriteCR4(value uint64)

	// XGetBV and XSetBV access extended control registers.
	XGetBV(index uint32) uint64
	XSetBV(index uint32, value uint64)

	// HostSegments returns the current segment and descriptor table state.
	HostSegments() HostSegments

	// VMXOn enters VMX root operation using the region at phys.
	VMXOn(phys uint64) error

	// VMXOff leaves VMX operation.
	VMXOff() error

	// VMClear flushes the VMCS at phys to memory and marks it clear.
	VMClear(phys uint64) error

	// VMPtrLoad makes the VMCS at phys current and active.
	VMPtrLoad(phys uint64) error

	// VMRead reads a field of the current VMCS.
	VMRead(field uint32) (uint64, error)

	// VMWrite writes a field of the current VMCS.
	VMWrite(field uint32, value uint64) error

	// InvEPT invalidates cached EPT translations.
	InvEPT(t InvEPTType, eptp uint64) error

	// Enter executes VMLAUNCH if launch is set and VMRESUME otherwise,
	// loading regs into the guest beforehand and saving them back after
	// the next VM exit. It returns once the VM exit has been taken, or an
	// *vmx.InstructionError if the entry instruction itself failed.
	Enter(regs *vmx.GeneralRegisters, launch bool) error

	// RaiseNMI delivers an NMI to the host, used to forward NMIs that
	// arrived while a guest was running.
	RaiseNMI()
}

// ReadInstructionError reads the VM-instruction error field of the current
// VMCS and converts it into an error attributed to op.
func ReadInstructionError(hw Hardware, op string) error {
	const instructionErrorField = 0x4400
	n, err := hw.VMRead(instructionErrorField)
	if err != nil {
		return vmx.NewInstructionError(op, vmx.VMFailInvalid)
	}
	return vmx.NewInstructionError(op, vmx.InstructionErrorNumber(n))
}

// CPUIDFunction adapts the CPUID method of a Hardware to cpuid.Function.
type CPUIDFunction struct {
	Hardware
}

// Query implements cpuid.Function.Query.
func (f CPUIDFunction) Query(in cpuid.In) cpuid.Out {
	return f.Hardware.CPUID(in)
}
