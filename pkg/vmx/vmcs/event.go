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

package vmcs

import "fmt"

// InterruptionType is the type field of interruption information.
type InterruptionType uint8

// Interruption types.
const (
	ExternalInterrupt           InterruptionType = 0
	NMI                         InterruptionType = 2
	HardwareException           InterruptionType = 3
	SoftwareInterrupt           InterruptionType = 4
	PrivilegedSoftwareException InterruptionType = 5
	SoftwareException           InterruptionType = 6
	OtherEvent                  InterruptionType = 7
)

// Soft returns true for event types delivered by an instruction, which
// need the instruction length on injection.
func (t InterruptionType) Soft() bool {
	switch t {
	case SoftwareInterrupt, PrivilegedSoftwareException, SoftwareException:
		return true
	}
	return false
}

// Exception vectors used by the engine.
const (
	VectorDE  = 0
	VectorDB  = 1
	VectorNMI = 2
	VectorBP  = 3
	VectorOF  = 4
	VectorUD  = 6
	VectorDF  = 8
	VectorTS  = 10
	VectorNP  = 11
	VectorSS  = 12
	VectorGP  = 13
	VectorPF  = 14
	VectorAC  = 17
	VectorMC  = 18
	VectorCP  = 21
)

// VectorHasErrorCode returns true for exceptions that push an error code.
func VectorHasErrorCode(vector uint8) bool {
	switch vector {
	case VectorDF, VectorTS, VectorNP, VectorSS, VectorGP, VectorPF, VectorAC, VectorCP:
		return true
	}
	return false
}

// InterruptionInfo is the format shared by the VM-entry interruption
// information field and the VM-exit interruption information field.
type InterruptionInfo struct {
	Vector         uint8
	Type           InterruptionType
	ErrorCodeValid bool

	// NMIUnblocking is set on exit when the fault happened while IRET was
	// unblocking NMIs.
	NMIUnblocking bool

	Valid bool
}

// DecodeInterruptionInfo decodes an interruption information field.
func DecodeInterruptionInfo(v uint32) InterruptionInfo {
	return InterruptionInfo{
		Vector:         uint8(v),
		Type:           InterruptionType((v >> 8) & 7),
		ErrorCodeValid: v&(1<<11) != 0,
		NMIUnblocking:  v&(1<<12) != 0,
		Valid:          v&(1<<31) != 0,
	}
}

// Encode returns the raw field value.
func (i InterruptionInfo) Encode() uint32 {
	v := uint32(i.Vector) | uint32(i.Type&7)<<8
	if i.ErrorCodeValid {
		v |= 1 << 11
	}
	if i.NMIUnblocking {
		v |= 1 << 12
	}
	if i.Valid {
		v |= 1 << 31
	}
	return v
}

// String implements fmt.Stringer.
func (i InterruptionInfo) String() string {
	return fmt.Sprintf("vector=%d type=%d errcode=%t valid=%t", i.Vector, i.Type, i.ErrorCodeValid, i.Valid)
}

// EventInfo returns the interruption information used to inject vector.
//
// Vector 2 is an NMI, #BP and #OF are software exceptions, other vectors
// below 32 are hardware exceptions and the rest are external interrupts.
func EventInfo(vector uint8, hasErrorCode bool) InterruptionInfo {
	info := InterruptionInfo{Vector: vector, Valid: true}
	switch {
	case vector == VectorNMI:
		info.Type = NMI
	case vector == VectorBP || vector == VectorOF:
		info.Type = SoftwareException
	case vector < 32:
		info.Type = HardwareException
		info.ErrorCodeValid = hasErrorCode
	default:
		info.Type = ExternalInterrupt
	}
	return info
}

// InjectEvent arranges for vector to be delivered on the next VM entry.
//
// For exceptions that push an error code and when none is supplied, the
// error code of the last exit's interruption is reused.
//
// #BP and #OF are injected as hardware exceptions. An injected event was
// not raised by the instruction that caused the last exit, so there is no
// instruction length to report for it, and a zero length is rejected on
// entry by processors without IA32_VMX_MISC bit 30.
func (a *Accessor) InjectEvent(vector uint8, errorCode *uint32) error {
	hasErr := vector < 32 && VectorHasErrorCode(vector)
	info := EventInfo(vector, hasErr)
	if info.Type == SoftwareException {
		info.Type = HardwareException
	}
	if hasErr {
		code := uint32(0)
		if errorCode != nil {
			code = *errorCode
		} else {
			var err error
			if code, err = a.Read32(ExitInterruptionErrorCode); err != nil {
				return err
			}
		}
		if err := a.Write32(EntryExceptionErrorCode, code); err != nil {
			return err
		}
	}
	return a.Write32(EntryInterruptionInfo, info.Encode())
}
