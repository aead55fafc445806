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

package vcpu

import (
	"fmt"

	"gvisor.dev/vmx/pkg/vmx"
	"gvisor.dev/vmx/pkg/vmx/ept"
	"gvisor.dev/vmx/pkg/vmx/vmcs"
)

// ExitReason is the normalized result of Run.
//
// Exits the engine resolves itself are reported as Nothing; the guest has
// already been moved past the trapping instruction and the caller may call
// Run again immediately.
type ExitReason interface {
	fmt.Stringer

	isExitReason()
}

// Nothing reports an exit handled inside the engine.
type Nothing struct{}

// Hypercall is a VMCALL. Number is taken from RAX and the arguments from
// RDI, RSI, RDX, RCX, R8 and R9. The guest RIP has been advanced; the
// result, if any, is returned by setting RAX.
type Hypercall struct {
	Number uint64
	Args   [6]uint64
}

// IORead is an IN from port. The guest RIP has been advanced; the caller
// completes the access with CompleteIORead.
type IORead struct {
	Port  uint16
	Width vmx.AccessWidth
}

// IOWrite is an OUT to port. Data is masked to Width.
type IOWrite struct {
	Port  uint16
	Width vmx.AccessWidth
	Data  uint64
}

// SystemDown is a guest request to power off.
type SystemDown struct{}

// NestedPageFault is an EPT violation. The guest RIP is unchanged, so
// fixing the mapping and calling Run again retries the access.
type NestedPageFault struct {
	*ept.Fault
}

// ExternalInterrupt is a host interrupt that arrived while the guest ran.
// Vector is valid only if Acknowledged is set.
type ExternalInterrupt struct {
	Vector       uint8
	Acknowledged bool
}

// MSRRead is an RDMSR of a register the engine does not emulate. The guest
// RIP has been advanced; the caller completes it with CompleteMSRRead.
type MSRRead struct {
	Index uint32
}

// MSRWrite is a WRMSR of a register the engine does not emulate. The guest
// RIP has been advanced.
type MSRWrite struct {
	Index uint32
	Value uint64
}

// Halt is a HLT. The guest RIP has been advanced.
type Halt struct{}

// TripleFault reports that the guest shut down.
type TripleFault struct{}

// FailEntry is a VM entry that failed on guest state checks. The VMCS was
// not launched.
type FailEntry struct {
	Reason        vmcs.ExitReason
	Qualification uint64
}

// Exception is a guest exception intercepted through the exception bitmap.
type Exception struct {
	Vector       uint8
	ErrorCode    uint32
	HasErrorCode bool
	RIP          uint64
}

// Unknown is an exit the engine does not decode. Info carries the raw exit
// information for diagnosis.
type Unknown struct {
	Info vmcs.ExitInfo
}

func (Nothing) isExitReason()           {}
func (Hypercall) isExitReason()         {}
func (IORead) isExitReason()            {}
func (IOWrite) isExitReason()           {}
func (SystemDown) isExitReason()        {}
func (NestedPageFault) isExitReason()   {}
func (ExternalInterrupt) isExitReason() {}
func (MSRRead) isExitReason()           {}
func (MSRWrite) isExitReason()          {}
func (Halt) isExitReason()              {}
func (TripleFault) isExitReason()       {}
func (FailEntry) isExitReason()         {}
func (Exception) isExitReason()         {}
func (Unknown) isExitReason()           {}

// String implements fmt.Stringer.
func (Nothing) String() string { return "nothing" }

// String implements fmt.Stringer.
func (h Hypercall) String() string {
	return fmt.Sprintf("hypercall %d %#x", h.Number, h.Args)
}

// String implements fmt.Stringer.
func (r IORead) String() string {
	return fmt.Sprintf("io read port %#x %v", r.Port, r.Width)
}

// String implements fmt.Stringer.
func (w IOWrite) String() string {
	return fmt.Sprintf("io write port %#x %v data %#x", w.Port, w.Width, w.Data)
}

// String implements fmt.Stringer.
func (SystemDown) String() string { return "system down" }

// String implements fmt.Stringer.
func (f NestedPageFault) String() string {
	if f.Fault == nil {
		return "nested page fault"
	}
	return f.Fault.Error()
}

// String implements fmt.Stringer.
func (e ExternalInterrupt) String() string {
	if !e.Acknowledged {
		return "external interrupt"
	}
	return fmt.Sprintf("external interrupt vector %#x", e.Vector)
}

// String implements fmt.Stringer.
func (r MSRRead) String() string { return fmt.Sprintf("rdmsr %#x", r.Index) }

// String implements fmt.Stringer.
func (w MSRWrite) String() string { return fmt.Sprintf("wrmsr %#x = %#x", w.Index, w.Value) }

// String implements fmt.Stringer.
func (Halt) String() string { return "halt" }

// String implements fmt.Stringer.
func (TripleFault) String() string { return "triple fault" }

// String implements fmt.Stringer.
func (f FailEntry) String() string {
	return fmt.Sprintf("entry failure: %v qual=%#x", f.Reason, f.Qualification)
}

// String implements fmt.Stringer.
func (e Exception) String() string {
	if e.HasErrorCode {
		return fmt.Sprintf("exception %d error %#x at %#x", e.Vector, e.ErrorCode, e.RIP)
	}
	return fmt.Sprintf("exception %d at %#x", e.Vector, e.RIP)
}

// String implements fmt.Stringer.
func (u Unknown) String() string { return "unknown exit: " + u.Info.String() }
