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

// Package vmcs provides typed access to the virtual-machine control
// structure.
//
// Field encodings follow the Intel SDM, Vol. 3D, Appendix B. An encoding
// packs the access type (bit 0), index (bits 9:1), region (bits 11:10) and
// width (bits 14:13). Constants are typed by width so that a field can only
// be accessed with a value of its own size.
package vmcs

import "fmt"

// Field is a raw VMCS field encoding.
type Field uint32

// Width is the width of a field.
type Width uint8

// Field widths.
const (
	Width16      Width = 0
	Width64      Width = 1
	Width32      Width = 2
	WidthNatural Width = 3
)

// Region is the part of the VMCS that holds a field.
type Region uint8

// Field regions.
const (
	RegionControl  Region = 0
	RegionReadOnly Region = 1
	RegionGuest    Region = 2
	RegionHost     Region = 3
)

const reservedBits = ^Field(0x6fff)

// Width returns the width of f.
func (f Field) Width() Width {
	return Width((f >> 13) & 3)
}

// Region returns the region of f.
func (f Field) Region() Region {
	return Region((f >> 10) & 3)
}

// Index returns the index of f within its width and region.
func (f Field) Index() uint32 {
	return uint32(f>>1) & 0x1ff
}

// High returns true if f selects the high half of a 64-bit field.
func (f Field) High() bool {
	return f&1 != 0
}

// Valid returns true if f is well formed: no reserved bits, and the high
// access type only on 64-bit fields.
func (f Field) Valid() bool {
	if f&reservedBits != 0 {
		return false
	}
	return !f.High() || f.Width() == Width64
}

// ReadOnly returns true for fields in the exit-information region.
func (f Field) ReadOnly() bool {
	return f.Region() == RegionReadOnly
}

// String implements fmt.Stringer.
func (f Field) String() string {
	return fmt.Sprintf("%#04x", uint32(f))
}

// Typed field encodings.
type (
	Field16 Field
	Field32 Field
	Field64 Field
	FieldNW Field
)

// 16-bit control fields.
const (
	VPID                        Field16 = 0x0000
	PostedInterruptNotifyVector Field16 = 0x0002
	EPTPIndex                   Field16 = 0x0004
)

// 16-bit guest-state fields.
const (
	GuestESSelector      Field16 = 0x0800
	GuestCSSelector      Field16 = 0x0802
	GuestSSSelector      Field16 = 0x0804
	GuestDSSelector      Field16 = 0x0806
	GuestFSSelector      Field16 = 0x0808
	GuestGSSelector      Field16 = 0x080a
	GuestLDTRSelector    Field16 = 0x080c
	GuestTRSelector      Field16 = 0x080e
	GuestInterruptStatus Field16 = 0x0810
	GuestPMLIndex        Field16 = 0x0812
)

// 16-bit host-state fields.
const (
	HostESSelector Field16 = 0x0c00
	HostCSSelector Field16 = 0x0c02
	HostSSSelector Field16 = 0x0c04
	HostDSSelector Field16 = 0x0c06
	HostFSSelector Field16 = 0x0c08
	HostGSSelector Field16 = 0x0c0a
	HostTRSelector Field16 = 0x0c0c
)

// 64-bit control fields.
const (
	IOBitmapA             Field64 = 0x2000
	IOBitmapB             Field64 = 0x2002
	MSRBitmap             Field64 = 0x2004
	ExitMSRStoreAddr      Field64 = 0x2006
	ExitMSRLoadAddr       Field64 = 0x2008
	EntryMSRLoadAddr      Field64 = 0x200a
	ExecutiveVMCSPointer  Field64 = 0x200c
	PMLAddress            Field64 = 0x200e
	TSCOffset             Field64 = 0x2010
	VirtualAPICAddr       Field64 = 0x2012
	APICAccessAddr        Field64 = 0x2014
	PostedInterruptDesc   Field64 = 0x2016
	VMFunctionControls    Field64 = 0x2018
	EPTPointer            Field64 = 0x201a
	EOIExitBitmap0        Field64 = 0x201c
	EOIExitBitmap1        Field64 = 0x201e
	EOIExitBitmap2        Field64 = 0x2020
	EOIExitBitmap3        Field64 = 0x2022
	EPTPListAddr          Field64 = 0x2024
	VMReadBitmap          Field64 = 0x2026
	VMWriteBitmap         Field64 = 0x2028
	VirtualizationExcInfo Field64 = 0x202a
	XSSExitingBitmap      Field64 = 0x202c
	ENCLSExitingBitmap    Field64 = 0x202e
	TSCMultiplier         Field64 = 0x2032
)

// 64-bit read-only data fields.
const (
	GuestPhysicalAddress Field64 = 0x2400
)

// 64-bit guest-state fields.
const (
	LinkPointer         Field64 = 0x2800
	GuestDebugCtl       Field64 = 0x2802
	GuestPAT            Field64 = 0x2804
	GuestEFER           Field64 = 0x2806
	GuestPerfGlobalCtrl Field64 = 0x2808
	GuestPDPTE0         Field64 = 0x280a
	GuestPDPTE1         Field64 = 0x280c
	GuestPDPTE2         Field64 = 0x280e
	GuestPDPTE3         Field64 = 0x2810
	GuestBNDCFGS        Field64 = 0x2812
)

// 64-bit host-state fields.
const (
	HostPAT            Field64 = 0x2c00
	HostEFER           Field64 = 0x2c02
	HostPerfGlobalCtrl Field64 = 0x2c04
)

// 32-bit control fields.
const (
	PinBasedControls        Field32 = 0x4000
	PrimaryProcControls     Field32 = 0x4002
	ExceptionBitmap         Field32 = 0x4004
	PageFaultErrorCodeMask  Field32 = 0x4006
	PageFaultErrorCodeMatch Field32 = 0x4008
	CR3TargetCount          Field32 = 0x400a
	ExitControlsField       Field32 = 0x400c
	ExitMSRStoreCount       Field32 = 0x400e
	ExitMSRLoadCount        Field32 = 0x4010
	EntryControlsField      Field32 = 0x4012
	EntryMSRLoadCount       Field32 = 0x4014
	EntryInterruptionInfo   Field32 = 0x4016
	EntryExceptionErrorCode Field32 = 0x4018
	EntryInstructionLength  Field32 = 0x401a
	TPRThreshold            Field32 = 0x401c
	SecondaryProcControls   Field32 = 0x401e
	PLEGap                  Field32 = 0x4020
	PLEWindow               Field32 = 0x4022
)

// 32-bit read-only data fields.
const (
	InstructionError          Field32 = 0x4400
	ExitReasonField           Field32 = 0x4402
	ExitInterruptionInfo      Field32 = 0x4404
	ExitInterruptionErrorCode Field32 = 0x4406
	IDTVectoringInfo          Field32 = 0x4408
	IDTVectoringErrorCode     Field32 = 0x440a
	ExitInstructionLength     Field32 = 0x440c
	ExitInstructionInfo       Field32 = 0x440e
)

// 32-bit guest-state fields.
const (
	GuestESLimit              Field32 = 0x4800
	GuestCSLimit              Field32 = 0x4802
	GuestSSLimit              Field32 = 0x4804
	GuestDSLimit              Field32 = 0x4806
	GuestFSLimit              Field32 = 0x4808
	GuestGSLimit              Field32 = 0x480a
	GuestLDTRLimit            Field32 = 0x480c
	GuestTRLimit              Field32 = 0x480e
	GuestGDTRLimit            Field32 = 0x4810
	GuestIDTRLimit            Field32 = 0x4812
	GuestESAccessRights       Field32 = 0x4814
	GuestCSAccessRights       Field32 = 0x4816
	GuestSSAccessRights       Field32 = 0x4818
	GuestDSAccessRights       Field32 = 0x481a
	GuestFSAccessRights       Field32 = 0x481c
	GuestGSAccessRights       Field32 = 0x481e
	GuestLDTRAccessRights     Field32 = 0x4820
	GuestTRAccessRights       Field32 = 0x4822
	GuestInterruptibility     Field32 = 0x4824
	GuestActivityState        Field32 = 0x4826
	GuestSMBASE               Field32 = 0x4828
	GuestSysenterCS           Field32 = 0x482a
	GuestPreemptionTimerValue Field32 = 0x482e
)

// 32-bit host-state fields.
const (
	HostSysenterCS Field32 = 0x4c00
)

// Natural-width control fields.
const (
	CR0Mask       FieldNW = 0x6000
	CR4Mask       FieldNW = 0x6002
	CR0ReadShadow FieldNW = 0x6004
	CR4ReadShadow FieldNW = 0x6006
	CR3Target0    FieldNW = 0x6008
	CR3Target1    FieldNW = 0x600a
	CR3Target2    FieldNW = 0x600c
	CR3Target3    FieldNW = 0x600e
)

// Natural-width read-only data fields.
const (
	ExitQualification  FieldNW = 0x6400
	IORCX              FieldNW = 0x6402
	IORSI              FieldNW = 0x6404
	IORDI              FieldNW = 0x6406
	IORIP              FieldNW = 0x6408
	GuestLinearAddress FieldNW = 0x640a
)

// Natural-width guest-state fields.
const (
	GuestCR0             FieldNW = 0x6800
	GuestCR3             FieldNW = 0x6802
	GuestCR4             FieldNW = 0x6804
	GuestESBase          FieldNW = 0x6806
	GuestCSBase          FieldNW = 0x6808
	GuestSSBase          FieldNW = 0x680a
	GuestDSBase          FieldNW = 0x680c
	GuestFSBase          FieldNW = 0x680e
	GuestGSBase          FieldNW = 0x6810
	GuestLDTRBase        FieldNW = 0x6812
	GuestTRBase          FieldNW = 0x6814
	GuestGDTRBase        FieldNW = 0x6816
	GuestIDTRBase        FieldNW = 0x6818
	GuestDR7             FieldNW = 0x681a
	GuestRSP             FieldNW = 0x681c
	GuestRIP             FieldNW = 0x681e
	GuestRFLAGS          FieldNW = 0x6820
	GuestPendingDebugExc FieldNW = 0x6822
	GuestSysenterESP     FieldNW = 0x6824
	GuestSysenterEIP     FieldNW = 0x6826
)

// Natural-width host-state fields.
const (
	HostCR0         FieldNW = 0x6c00
	HostCR3         FieldNW = 0x6c02
	HostCR4         FieldNW = 0x6c04
	HostFSBase      FieldNW = 0x6c06
	HostGSBase      FieldNW = 0x6c08
	HostTRBase      FieldNW = 0x6c0a
	HostGDTRBase    FieldNW = 0x6c0c
	HostIDTRBase    FieldNW = 0x6c0e
	HostSysenterESP FieldNW = 0x6c10
	HostSysenterEIP FieldNW = 0x6c12
	HostRSP         FieldNW = 0x6c14
	HostRIP         FieldNW = 0x6c16
)
