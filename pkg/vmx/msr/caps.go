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

package msr

import (
	"fmt"

	"gvisor.dev/vmx/pkg/vmx"
)

// MemoryTypeWriteBack is the write-back memory type encoding used by
// IA32_VMX_BASIC and EPT entries.
const MemoryTypeWriteBack = 6

// Basic is the decoded IA32_VMX_BASIC register.
type Basic struct {
	// RevisionID must be written to the first word of every VMXON region
	// and VMCS.
	RevisionID uint32

	// RegionSize is the number of bytes to allocate for VMXON regions and
	// VMCSs.
	RegionSize uint32

	// PhysAddr32 restricts VMX structures to the low 4GB.
	PhysAddr32 bool

	DualMonitor bool

	// MemoryType is the memory type the processor uses to access VMX
	// structures.
	MemoryType uint8

	// IOExitInfo reports that INS/OUTS exits save instruction information.
	IOExitInfo bool

	// TrueControls reports that the IA32_VMX_TRUE_*_CTLS registers exist.
	TrueControls bool
}

// DecodeBasic decodes IA32_VMX_BASIC.
func DecodeBasic(v uint64) Basic {
	return Basic{
		RevisionID:   uint32(v & 0x7fffffff),
		RegionSize:   uint32((v >> 32) & 0x1fff),
		PhysAddr32:   v&(1<<48) != 0,
		DualMonitor:  v&(1<<49) != 0,
		MemoryType:   uint8((v >> 50) & 0xf),
		IOExitInfo:   v&(1<<54) != 0,
		TrueControls: v&(1<<55) != 0,
	}
}

// Encode returns the raw register value for b.
func (b Basic) Encode() uint64 {
	v := uint64(b.RevisionID&0x7fffffff) |
		uint64(b.RegionSize&0x1fff)<<32 |
		uint64(b.MemoryType&0xf)<<50
	if b.PhysAddr32 {
		v |= 1 << 48
	}
	if b.DualMonitor {
		v |= 1 << 49
	}
	if b.IOExitInfo {
		v |= 1 << 54
	}
	if b.TrueControls {
		v |= 1 << 55
	}
	return v
}

// String implements fmt.Stringer.
func (b Basic) String() string {
	return fmt.Sprintf("revision=%#x region=%d memtype=%d phys32=%t ioinfo=%t truectls=%t",
		b.RevisionID, b.RegionSize, b.MemoryType, b.PhysAddr32, b.IOExitInfo, b.TrueControls)
}

// AllowedSettings is the decoded form of a control capability MSR.
type AllowedSettings struct {
	// Allowed0 has a bit set for each control that must be one.
	Allowed0 uint32

	// Allowed1 has a bit set for each control that may be one.
	Allowed1 uint32
}

// DecodeAllowed decodes a pin, processor, exit or entry capability MSR.
func DecodeAllowed(v uint64) AllowedSettings {
	return AllowedSettings{
		Allowed0: uint32(v),
		Allowed1: uint32(v >> 32),
	}
}

// Encode returns the raw register value for a.
func (a AllowedSettings) Encode() uint64 {
	return uint64(a.Allowed0) | uint64(a.Allowed1)<<32
}

// Permits returns true if value is a legal setting of the control.
func (a AllowedSettings) Permits(value uint32) bool {
	return value&a.Allowed0 == a.Allowed0 && value&^a.Allowed1 == 0
}

// Fixed describes the required bits of a control register in VMX
// operation: bits set in Fixed0 must be one, bits clear in Fixed1 must be
// zero.
type Fixed struct {
	Fixed0 uint64
	Fixed1 uint64
}

// Valid returns true if v satisfies f.
func (f Fixed) Valid(v uint64) bool {
	return v&f.Fixed0 == f.Fixed0 && v&^f.Fixed1 == 0
}

// Adjust forces v to satisfy f.
func (f Fixed) Adjust(v uint64) uint64 {
	return (v | f.Fixed0) & f.Fixed1
}

// FixedCheck names a control register and the pair of MSRs that constrain
// it.
type FixedCheck struct {
	Name   string
	Fixed0 uint32
	Fixed1 uint32
}

// Load reads the constraint from r.
func (c FixedCheck) Load(r Reader) Fixed {
	return Fixed{Fixed0: r.ReadMSR(c.Fixed0), Fixed1: r.ReadMSR(c.Fixed1)}
}

// Check returns an ErrBadState error if value violates the constraint.
func (c FixedCheck) Check(r Reader, value uint64) error {
	f := c.Load(r)
	if f.Valid(value) {
		return nil
	}
	return fmt.Errorf("%s %#x violates VMX fixed bits (must be 1: %#x, must be 0: %#x): %w",
		c.Name, value, f.Fixed0&^value, value&^f.Fixed1, vmx.ErrBadState)
}

// CR0 and CR4 are the fixed-bit checks applied to host and guest control
// registers.
var (
	CR0 = FixedCheck{Name: "CR0", Fixed0: VMXCR0Fixed0, Fixed1: VMXCR0Fixed1}
	CR4 = FixedCheck{Name: "CR4", Fixed0: VMXCR4Fixed0, Fixed1: VMXCR4Fixed1}
)

// EPTVPIDCap is IA32_VMX_EPT_VPID_CAP.
type EPTVPIDCap uint64

// EPT and VPID capability bits.
const (
	EPTExecuteOnly        EPTVPIDCap = 1 << 0
	EPTPageWalk4          EPTVPIDCap = 1 << 6
	EPTUncacheable        EPTVPIDCap = 1 << 8
	EPTWriteBack          EPTVPIDCap = 1 << 14
	EPT2MPage             EPTVPIDCap = 1 << 16
	EPT1GPage             EPTVPIDCap = 1 << 17
	EPTInvept             EPTVPIDCap = 1 << 20
	EPTAccessedDirty      EPTVPIDCap = 1 << 21
	EPTInveptSingle       EPTVPIDCap = 1 << 25
	EPTInveptAll          EPTVPIDCap = 1 << 26
	VPIDInvvpid           EPTVPIDCap = 1 << 32
	VPIDInvvpidSingle     EPTVPIDCap = 1 << 41
	VPIDInvvpidAllContext EPTVPIDCap = 1 << 42
)

var eptCapNames = []struct {
	bit  EPTVPIDCap
	name string
}{
	{EPTExecuteOnly, "execute-only"},
	{EPTPageWalk4, "4-level"},
	{EPTUncacheable, "uc"},
	{EPTWriteBack, "wb"},
	{EPT2MPage, "2m"},
	{EPT1GPage, "1g"},
	{EPTInvept, "invept"},
	{EPTAccessedDirty, "ad"},
	{EPTInveptSingle, "invept-single"},
	{EPTInveptAll, "invept-all"},
	{VPIDInvvpid, "invvpid"},
	{VPIDInvvpidSingle, "invvpid-single"},
	{VPIDInvvpidAllContext, "invvpid-all"},
}

// Has returns true if all bits of want are set.
func (c EPTVPIDCap) Has(want EPTVPIDCap) bool {
	return c&want == want
}

// String implements fmt.Stringer.
func (c EPTVPIDCap) String() string {
	s := ""
	for _, n := range eptCapNames {
		if c.Has(n.bit) {
			if s != "" {
				s += " "
			}
			s += n.name
		}
	}
	return s
}

// Misc is IA32_VMX_MISC.
type Misc uint64

// PreemptionTimerRate returns X such that the preemption timer counts down
// once every time bit X of the TSC changes.
func (m Misc) PreemptionTimerRate() uint {
	return uint(m & 0x1f)
}

// CR3TargetCount returns the number of supported CR3-target values.
func (m Misc) CR3TargetCount() uint {
	return uint((m >> 16) & 0x1ff)
}

// ControlMSRs names the capability MSR for a control word and its "true"
// counterpart, which is zero for controls that have none.
type ControlMSRs struct {
	Name    string
	Default uint32
	True    uint32
}

// Control capability MSR pairs.
var (
	PinControls       = ControlMSRs{Name: "pin-based", Default: VMXPinbasedCtls, True: VMXTruePinbasedCtls}
	PrimaryControls   = ControlMSRs{Name: "primary processor-based", Default: VMXProcbasedCtls, True: VMXTrueProcbasedCtls}
	SecondaryControls = ControlMSRs{Name: "secondary processor-based", Default: VMXProcbasedCtls2}
	ExitControls      = ControlMSRs{Name: "VM-exit", Default: VMXExitCtls, True: VMXTrueExitCtls}
	EntryControls     = ControlMSRs{Name: "VM-entry", Default: VMXEntryCtls, True: VMXTrueEntryCtls}
)

// Capability returns the allowed settings for the control. The "true"
// register is preferred when IA32_VMX_BASIC reports it.
func (c ControlMSRs) Capability(r Reader) AllowedSettings {
	if c.True != 0 && DecodeBasic(r.ReadMSR(VMXBasic)).TrueControls {
		return DecodeAllowed(r.ReadMSR(c.True))
	}
	return DecodeAllowed(r.ReadMSR(c.Default))
}

// DefaultSettings returns the default-one settings, which are the allowed-0
// bits of the non-true register.
func (c ControlMSRs) DefaultSettings(r Reader) uint32 {
	return DecodeAllowed(r.ReadMSR(c.Default)).Allowed0
}
