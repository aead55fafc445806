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

// Package vmx holds the types shared by the VMX engine packages: the error
// taxonomy, the guest general register file and I/O access widths.
//
// None of the errors here are retryable. A failed privileged instruction
// fails again identically when reissued against the same state.
package vmx

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported indicates that a required capability is absent or has
	// been disabled by firmware.
	ErrUnsupported = errors.New("unsupported by processor or firmware")

	// ErrResourceBusy indicates a caller ordering error: the resource is
	// already enabled or already bound.
	ErrResourceBusy = errors.New("resource busy")

	// ErrBadState indicates that register or structure contents violate a
	// fixed precondition, or that an operation was called in the wrong
	// lifecycle state.
	ErrBadState = errors.New("bad state")

	// ErrInstructionFailure matches any *InstructionError via errors.Is.
	ErrInstructionFailure = errors.New("VMX instruction failed")
)

// InstructionErrorNumber is the VM-instruction error number reported in the
// read-only VMCS field of the same name (SDM Vol. 3C, Section 31.4).
type InstructionErrorNumber uint32

// VM-instruction error numbers.
//
// VMFailInvalid is not an architectural number: it is reported when the
// failing instruction had no current VMCS to record a number in.
const (
	VMFailInvalid                       InstructionErrorNumber = 0
	VMCallInRoot                        InstructionErrorNumber = 1
	VMClearInvalidAddress               InstructionErrorNumber = 2
	VMClearVMXONPointer                 InstructionErrorNumber = 3
	VMLaunchNonClear                    InstructionErrorNumber = 4
	VMResumeNonLaunched                 InstructionErrorNumber = 5
	VMResumeAfterVMXOff                 InstructionErrorNumber = 6
	EntryInvalidControlFields           InstructionErrorNumber = 7
	EntryInvalidHostState               InstructionErrorNumber = 8
	VMPtrLoadInvalidAddress             InstructionErrorNumber = 9
	VMPtrLoadVMXONPointer               InstructionErrorNumber = 10
	VMPtrLoadBadRevision                InstructionErrorNumber = 11
	UnsupportedComponent                InstructionErrorNumber = 12
	VMWriteReadOnly                     InstructionErrorNumber = 13
	VMXOnInRoot                         InstructionErrorNumber = 15
	EntryInvalidExecutivePointer        InstructionErrorNumber = 16
	EntryNonLaunchedExecutive           InstructionErrorNumber = 17
	EntryExecutiveNotVMXON              InstructionErrorNumber = 18
	VMCallNonClear                      InstructionErrorNumber = 19
	VMCallInvalidExitControls           InstructionErrorNumber = 20
	VMCallBadMSEGRevision               InstructionErrorNumber = 22
	VMXOffDualMonitor                   InstructionErrorNumber = 23
	VMCallInvalidSMMFeatures            InstructionErrorNumber = 24
	EntryInvalidExecutiveControls       InstructionErrorNumber = 25
	EntryEventsBlockedByMovSS           InstructionErrorNumber = 26
	InvalidInvalidationOperand          InstructionErrorNumber = 28
	instructionErrorNumberSentinelLimit InstructionErrorNumber = 29
)

var instructionErrorNames = [instructionErrorNumberSentinelLimit]string{
	VMFailInvalid:                 "VMfailInvalid",
	VMCallInRoot:                  "VMCALL executed in VMX root operation",
	VMClearInvalidAddress:         "VMCLEAR with invalid physical address",
	VMClearVMXONPointer:           "VMCLEAR with VMXON pointer",
	VMLaunchNonClear:              "VMLAUNCH with non-clear VMCS",
	VMResumeNonLaunched:           "VMRESUME with non-launched VMCS",
	VMResumeAfterVMXOff:           "VMRESUME after VMXOFF",
	EntryInvalidControlFields:     "VM entry with invalid control field(s)",
	EntryInvalidHostState:         "VM entry with invalid host-state field(s)",
	VMPtrLoadInvalidAddress:       "VMPTRLD with invalid physical address",
	VMPtrLoadVMXONPointer:         "VMPTRLD with VMXON pointer",
	VMPtrLoadBadRevision:          "VMPTRLD with incorrect VMCS revision identifier",
	UnsupportedComponent:          "VMREAD/VMWRITE from/to unsupported VMCS component",
	VMWriteReadOnly:               "VMWRITE to read-only VMCS component",
	VMXOnInRoot:                   "VMXON executed in VMX root operation",
	EntryInvalidExecutivePointer:  "VM entry with invalid executive-VMCS pointer",
	EntryNonLaunchedExecutive:     "VM entry with non-launched executive VMCS",
	EntryExecutiveNotVMXON:        "VM entry with executive-VMCS pointer not VMXON pointer",
	VMCallNonClear:                "VMCALL with non-clear VMCS",
	VMCallInvalidExitControls:     "VMCALL with invalid VM-exit control fields",
	VMCallBadMSEGRevision:         "VMCALL with incorrect MSEG revision identifier",
	VMXOffDualMonitor:             "VMXOFF under dual-monitor treatment of SMIs and SMM",
	VMCallInvalidSMMFeatures:      "VMCALL with invalid SMM-monitor features",
	EntryInvalidExecutiveControls: "VM entry with invalid VM-execution control fields in executive VMCS",
	EntryEventsBlockedByMovSS:     "VM entry with events blocked by MOV SS",
	InvalidInvalidationOperand:    "invalid operand to INVEPT/INVVPID",
}

// String implements fmt.Stringer.
func (n InstructionErrorNumber) String() string {
	if n < instructionErrorNumberSentinelLimit && instructionErrorNames[n] != "" {
		return instructionErrorNames[n]
	}
	return fmt.Sprintf("unknown VM-instruction error %d", uint32(n))
}

// InstructionError is returned when a VMX instruction reports VMfailValid or
// VMfailInvalid.
type InstructionError struct {
	// Op is the mnemonic of the failing instruction.
	Op string

	// Number is the VM-instruction error number, or VMFailInvalid.
	Number InstructionErrorNumber
}

// Error implements error.Error.
func (e *InstructionError) Error() string {
	return fmt.Sprintf("%s failed: %v (%d)", e.Op, e.Number, uint32(e.Number))
}

// Is allows errors.Is(err, ErrInstructionFailure).
func (e *InstructionError) Is(target error) bool {
	return target == ErrInstructionFailure
}

// NewInstructionError returns an *InstructionError for op.
func NewInstructionError(op string, n InstructionErrorNumber) error {
	return &InstructionError{Op: op, Number: n}
}
