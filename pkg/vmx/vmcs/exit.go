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

// ExitReason is the basic exit reason (SDM Vol. 3D, Appendix C).
type ExitReason uint16

// Basic exit reasons.
const (
	ExitExceptionNMI      ExitReason = 0
	ExitExternalInterrupt ExitReason = 1
	ExitTripleFault       ExitReason = 2
	ExitINIT              ExitReason = 3
	ExitSIPI              ExitReason = 4
	ExitIOSMI             ExitReason = 5
	ExitOtherSMI          ExitReason = 6
	ExitInterruptWindow   ExitReason = 7
	ExitNMIWindow         ExitReason = 8
	ExitTaskSwitch        ExitReason = 9
	ExitCPUID             ExitReason = 10
	ExitGETSEC            ExitReason = 11
	ExitHLT               ExitReason = 12
	ExitINVD              ExitReason = 13
	ExitINVLPG            ExitReason = 14
	ExitRDPMC             ExitReason = 15
	ExitRDTSC             ExitReason = 16
	ExitRSM               ExitReason = 17
	ExitVMCALL            ExitReason = 18
	ExitVMCLEAR           ExitReason = 19
	ExitVMLAUNCH          ExitReason = 20
	ExitVMPTRLD           ExitReason = 21
	ExitVMPTRST           ExitReason = 22
	ExitVMREAD            ExitReason = 23
	ExitVMRESUME          ExitReason = 24
	ExitVMWRITE           ExitReason = 25
	ExitVMXOFF            ExitReason = 26
	ExitVMXON             ExitReason = 27
	ExitCRAccess          ExitReason = 28
	ExitDRAccess          ExitReason = 29
	ExitIOInstruction     ExitReason = 30
	ExitMSRRead           ExitReason = 31
	ExitMSRWrite          ExitReason = 32
	ExitInvalidGuestState ExitReason = 33
	ExitMSRLoadFail       ExitReason = 34
	ExitMWAIT             ExitReason = 36
	ExitMonitorTrapFlag   ExitReason = 37
	ExitMONITOR           ExitReason = 39
	ExitPAUSE             ExitReason = 40
	ExitMachineCheck      ExitReason = 41
	ExitTPRBelowThreshold ExitReason = 43
	ExitAPICAccess        ExitReason = 44
	ExitVirtualizedEOI    ExitReason = 45
	ExitGDTRIDTRAccess    ExitReason = 46
	ExitLDTRTRAccess      ExitReason = 47
	ExitEPTViolation      ExitReason = 48
	ExitEPTMisconfig      ExitReason = 49
	ExitINVEPT            ExitReason = 50
	ExitRDTSCP            ExitReason = 51
	ExitPreemptionTimer   ExitReason = 52
	ExitINVVPID           ExitReason = 53
	ExitWBINVD            ExitReason = 54
	ExitXSETBV            ExitReason = 55
	ExitAPICWrite         ExitReason = 56
	ExitRDRAND            ExitReason = 57
	ExitINVPCID           ExitReason = 58
	ExitVMFUNC            ExitReason = 59
	ExitENCLS             ExitReason = 60
	ExitRDSEED            ExitReason = 61
	ExitPMLFull           ExitReason = 62
	ExitXSAVES            ExitReason = 63
	ExitXRSTORS           ExitReason = 64
	ExitSPPEvent          ExitReason = 66
	ExitUMWAIT            ExitReason = 67
	ExitTPAUSE            ExitReason = 68
	ExitLOADIWKEY         ExitReason = 69
)

var exitReasonNames = map[ExitReason]string{
	ExitExceptionNMI:      "EXCEPTION_NMI",
	ExitExternalInterrupt: "EXTERNAL_INTERRUPT",
	ExitTripleFault:       "TRIPLE_FAULT",
	ExitINIT:              "INIT",
	ExitSIPI:              "SIPI",
	ExitIOSMI:             "IO_SMI",
	ExitOtherSMI:          "OTHER_SMI",
	ExitInterruptWindow:   "INTERRUPT_WINDOW",
	ExitNMIWindow:         "NMI_WINDOW",
	ExitTaskSwitch:        "TASK_SWITCH",
	ExitCPUID:             "CPUID",
	ExitGETSEC:            "GETSEC",
	ExitHLT:               "HLT",
	ExitINVD:              "INVD",
	ExitINVLPG:            "INVLPG",
	ExitRDPMC:             "RDPMC",
	ExitRDTSC:             "RDTSC",
	ExitRSM:               "RSM",
	ExitVMCALL:            "VMCALL",
	ExitVMCLEAR:           "VMCLEAR",
	ExitVMLAUNCH:          "VMLAUNCH",
	ExitVMPTRLD:           "VMPTRLD",
	ExitVMPTRST:           "VMPTRST",
	ExitVMREAD:            "VMREAD",
	ExitVMRESUME:          "VMRESUME",
	ExitVMWRITE:           "VMWRITE",
	ExitVMXOFF:            "VMXOFF",
	ExitVMXON:             "VMXON",
	ExitCRAccess:          "CR_ACCESS",
	ExitDRAccess:          "DR_ACCESS",
	ExitIOInstruction:     "IO_INSTRUCTION",
	ExitMSRRead:           "MSR_READ",
	ExitMSRWrite:          "MSR_WRITE",
	ExitInvalidGuestState: "INVALID_GUEST_STATE",
	ExitMSRLoadFail:       "MSR_LOAD_FAIL",
	ExitMWAIT:             "MWAIT",
	ExitMonitorTrapFlag:   "MONITOR_TRAP_FLAG",
	ExitMONITOR:           "MONITOR",
	ExitPAUSE:             "PAUSE",
	ExitMachineCheck:      "MACHINE_CHECK",
	ExitTPRBelowThreshold: "TPR_BELOW_THRESHOLD",
	ExitAPICAccess:        "APIC_ACCESS",
	ExitVirtualizedEOI:    "VIRTUALIZED_EOI",
	ExitGDTRIDTRAccess:    "GDTR_IDTR",
	ExitLDTRTRAccess:      "LDTR_TR",
	ExitEPTViolation:      "EPT_VIOLATION",
	ExitEPTMisconfig:      "EPT_MISCONFIG",
	ExitINVEPT:            "INVEPT",
	ExitRDTSCP:            "RDTSCP",
	ExitPreemptionTimer:   "PREEMPTION_TIMER",
	ExitINVVPID:           "INVVPID",
	ExitWBINVD:            "WBINVD",
	ExitXSETBV:            "XSETBV",
	ExitAPICWrite:         "APIC_WRITE",
	ExitRDRAND:            "RDRAND",
	ExitINVPCID:           "INVPCID",
	ExitVMFUNC:            "VMFUNC",
	ExitENCLS:             "ENCLS",
	ExitRDSEED:            "RDSEED",
	ExitPMLFull:           "PML_FULL",
	ExitXSAVES:            "XSAVES",
	ExitXRSTORS:           "XRSTORS",
	ExitSPPEvent:          "SPP_EVENT",
	ExitUMWAIT:            "UMWAIT",
	ExitTPAUSE:            "TPAUSE",
	ExitLOADIWKEY:         "LOADIWKEY",
}

// String implements fmt.Stringer.
func (r ExitReason) String() string {
	if name, ok := exitReasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("EXIT_%d", uint16(r))
}

// ExitReasonEntryFailure is set in the exit reason field when VM entry
// failed after the instruction itself succeeded.
const ExitReasonEntryFailure = 1 << 31

// EncodeExitReason returns the raw exit reason field.
func EncodeExitReason(r ExitReason, entryFailure bool) uint32 {
	v := uint32(r)
	if entryFailure {
		v |= ExitReasonEntryFailure
	}
	return v
}

// ExitInfo is the information recorded by the processor on a VM exit.
type ExitInfo struct {
	// Reason is the basic exit reason.
	Reason ExitReason

	// EntryFailure is set when the exit reports a failed VM entry.
	EntryFailure bool

	// Raw is the unmodified exit reason field.
	Raw uint32

	Qualification     uint64
	InstructionLength uint32
	GuestRIP          uint64
}

// String implements fmt.Stringer.
func (e ExitInfo) String() string {
	s := fmt.Sprintf("%v qual=%#x len=%d rip=%#x", e.Reason, e.Qualification, e.InstructionLength, e.GuestRIP)
	if e.EntryFailure {
		s = "entry failure: " + s
	}
	return s
}

// ExitInfo reads the exit information of the last VM exit.
func (a *Accessor) ExitInfo() (ExitInfo, error) {
	raw, err := a.Read32(ExitReasonField)
	if err != nil {
		return ExitInfo{}, err
	}
	info := ExitInfo{
		Reason:       ExitReason(raw & 0xffff),
		EntryFailure: raw&ExitReasonEntryFailure != 0,
		Raw:          raw,
	}
	if info.Qualification, err = a.ReadNW(ExitQualification); err != nil {
		return ExitInfo{}, err
	}
	if info.InstructionLength, err = a.Read32(ExitInstructionLength); err != nil {
		return ExitInfo{}, err
	}
	if info.GuestRIP, err = a.ReadNW(GuestRIP); err != nil {
		return ExitInfo{}, err
	}
	return info, nil
}

// AdvanceRIP moves the guest past the instruction that caused the last
// exit.
func (a *Accessor) AdvanceRIP() error {
	n, err := a.Read32(ExitInstructionLength)
	if err != nil {
		return err
	}
	rip, err := a.ReadNW(GuestRIP)
	if err != nil {
		return err
	}
	return a.WriteNW(GuestRIP, rip+uint64(n))
}

// IOQualification is the exit qualification of an I/O instruction exit.
type IOQualification struct {
	// Size is the access size in bytes: 1, 2 or 4.
	Size int

	// In is set for IN and INS.
	In bool

	// String is set for INS and OUTS.
	String bool

	// Rep is set when a REP prefix was present.
	Rep bool

	// Immediate is set when the port was an immediate operand.
	Immediate bool

	Port uint16
}

// DecodeIOQualification decodes the exit qualification of an I/O exit.
func DecodeIOQualification(q uint64) IOQualification {
	return IOQualification{
		Size:      int(q&7) + 1,
		In:        q&(1<<3) != 0,
		String:    q&(1<<4) != 0,
		Rep:       q&(1<<5) != 0,
		Immediate: q&(1<<6) != 0,
		Port:      uint16(q >> 16),
	}
}

// Encode returns the raw exit qualification.
func (q IOQualification) Encode() uint64 {
	v := uint64(q.Size-1)&7 | uint64(q.Port)<<16
	if q.In {
		v |= 1 << 3
	}
	if q.String {
		v |= 1 << 4
	}
	if q.Rep {
		v |= 1 << 5
	}
	if q.Immediate {
		v |= 1 << 6
	}
	return v
}

// CRAccessType is the kind of control register access.
type CRAccessType uint8

// Control register access types.
const (
	MovToCR   CRAccessType = 0
	MovFromCR CRAccessType = 1
	CLTS      CRAccessType = 2
	LMSW      CRAccessType = 3
)

// CRAccess is the exit qualification of a control register access exit.
type CRAccess struct {
	CR   uint8
	Type CRAccessType

	// GPR is the general register operand, in encoding order.
	GPR int

	// LMSWMemory is set when the LMSW operand was in memory.
	LMSWMemory bool

	// LMSWSource is the LMSW source data.
	LMSWSource uint16
}

// DecodeCRAccess decodes the exit qualification of a CR access exit.
func DecodeCRAccess(q uint64) CRAccess {
	return CRAccess{
		CR:         uint8(q & 0xf),
		Type:       CRAccessType((q >> 4) & 3),
		LMSWMemory: q&(1<<6) != 0,
		GPR:        int((q >> 8) & 0xf),
		LMSWSource: uint16(q >> 16),
	}
}

// Encode returns the raw exit qualification.
func (c CRAccess) Encode() uint64 {
	v := uint64(c.CR&0xf) | uint64(c.Type&3)<<4 | uint64(c.GPR&0xf)<<8 | uint64(c.LMSWSource)<<16
	if c.LMSWMemory {
		v |= 1 << 6
	}
	return v
}

// EPTViolation is the exit qualification of an EPT violation.
type EPTViolation struct {
	// Read, Write and Fetch describe the access that faulted.
	Read, Write, Fetch bool

	// Readable, Writable and Executable are the permissions of the
	// translation that faulted, all false when it was not present.
	Readable, Writable, Executable bool

	// LinearValid is set when the guest linear address field is valid.
	LinearValid bool

	// Translated is set when the access was to the final translated
	// address rather than to a guest paging structure.
	Translated bool
}

// EPT violation qualification bits.
const (
	eptvRead        = 1 << 0
	eptvWrite       = 1 << 1
	eptvFetch       = 1 << 2
	eptvReadable    = 1 << 3
	eptvWritable    = 1 << 4
	eptvExecutable  = 1 << 5
	eptvLinearValid = 1 << 7
	eptvTranslated  = 1 << 8
)

// DecodeEPTViolation decodes the exit qualification of an EPT violation.
func DecodeEPTViolation(q uint64) EPTViolation {
	return EPTViolation{
		Read:        q&eptvRead != 0,
		Write:       q&eptvWrite != 0,
		Fetch:       q&eptvFetch != 0,
		Readable:    q&eptvReadable != 0,
		Writable:    q&eptvWritable != 0,
		Executable:  q&eptvExecutable != 0,
		LinearValid: q&eptvLinearValid != 0,
		Translated:  q&eptvTranslated != 0,
	}
}

// Encode returns the raw exit qualification.
func (v EPTViolation) Encode() uint64 {
	var q uint64
	for _, b := range []struct {
		set bool
		bit uint64
	}{
		{v.Read, eptvRead},
		{v.Write, eptvWrite},
		{v.Fetch, eptvFetch},
		{v.Readable, eptvReadable},
		{v.Writable, eptvWritable},
		{v.Executable, eptvExecutable},
		{v.LinearValid, eptvLinearValid},
		{v.Translated, eptvTranslated},
	} {
		if b.set {
			q |= b.bit
		}
	}
	return q
}
