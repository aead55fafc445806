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

// Package msr defines the model-specific registers used by the VMX engine
// and decodes the VMX capability registers.
//
// Every index and bit position here is an architectural constant taken from
// the Intel SDM, Vol. 3D, Appendix A.
package msr

// Reader reads a model-specific register on the current core.
type Reader interface {
	ReadMSR(index uint32) uint64
}

// Architectural MSR indices.
const (
	APICBase       uint32 = 0x1b
	FeatureControl uint32 = 0x3a
	UmwaitControl  uint32 = 0xe1
	SysenterCS     uint32 = 0x174
	SysenterESP    uint32 = 0x175
	SysenterEIP    uint32 = 0x176
	PAT            uint32 = 0x277
	XSS            uint32 = 0xda0
	EFER           uint32 = 0xc0000080
	FSBase         uint32 = 0xc0000100
	GSBase         uint32 = 0xc0000101
	KernelGSBase   uint32 = 0xc0000102

	// X2APICFirst and X2APICLast bound the x2APIC register range.
	X2APICFirst uint32 = 0x800
	X2APICLast  uint32 = 0x8ff
)

// VMX capability MSR indices.
const (
	VMXBasic             uint32 = 0x480
	VMXPinbasedCtls      uint32 = 0x481
	VMXProcbasedCtls     uint32 = 0x482
	VMXExitCtls          uint32 = 0x483
	VMXEntryCtls         uint32 = 0x484
	VMXMisc              uint32 = 0x485
	VMXCR0Fixed0         uint32 = 0x486
	VMXCR0Fixed1         uint32 = 0x487
	VMXCR4Fixed0         uint32 = 0x488
	VMXCR4Fixed1         uint32 = 0x489
	VMXVMCSEnum          uint32 = 0x48a
	VMXProcbasedCtls2    uint32 = 0x48b
	VMXEPTVPIDCap        uint32 = 0x48c
	VMXTruePinbasedCtls  uint32 = 0x48d
	VMXTrueProcbasedCtls uint32 = 0x48e
	VMXTrueExitCtls      uint32 = 0x48f
	VMXTrueEntryCtls     uint32 = 0x490
	VMXVMFunc            uint32 = 0x491
)

// CapabilityMSRs lists the VMX capability MSRs in index order.
var CapabilityMSRs = []uint32{
	VMXBasic,
	VMXPinbasedCtls,
	VMXProcbasedCtls,
	VMXExitCtls,
	VMXEntryCtls,
	VMXMisc,
	VMXCR0Fixed0,
	VMXCR0Fixed1,
	VMXCR4Fixed0,
	VMXCR4Fixed1,
	VMXVMCSEnum,
	VMXProcbasedCtls2,
	VMXEPTVPIDCap,
	VMXTruePinbasedCtls,
	VMXTrueProcbasedCtls,
	VMXTrueExitCtls,
	VMXTrueEntryCtls,
	VMXVMFunc,
}

// IA32_FEATURE_CONTROL bits.
const (
	FeatureControlLock          uint64 = 1 << 0
	FeatureControlVMXInsideSMX  uint64 = 1 << 1
	FeatureControlVMXOutsideSMX uint64 = 1 << 2
)

// IA32_EFER bits.
const (
	EFERSCE uint64 = 1 << 0
	EFERLME uint64 = 1 << 8
	EFERLMA uint64 = 1 << 10
	EFERNXE uint64 = 1 << 11
)

// Control register bits used by the engine.
const (
	CR0PE uint64 = 1 << 0
	CR0MP uint64 = 1 << 1
	CR0ET uint64 = 1 << 4
	CR0NE uint64 = 1 << 5
	CR0WP uint64 = 1 << 16
	CR0NW uint64 = 1 << 29
	CR0CD uint64 = 1 << 30
	CR0PG uint64 = 1 << 31

	CR4PAE     uint64 = 1 << 5
	CR4VMXE    uint64 = 1 << 13
	CR4OSXSAVE uint64 = 1 << 18
)

// RFLAGS bits used by the engine.
const (
	RFLAGSReserved uint64 = 1 << 1
	RFLAGSIF       uint64 = 1 << 9
)
