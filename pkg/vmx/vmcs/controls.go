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

import (
	"fmt"
	"strings"

	"gvisor.dev/vmx/pkg/vmx"
	"gvisor.dev/vmx/pkg/vmx/msr"
)

type bitName struct {
	bit  uint32
	name string
}

func formatBits(v uint32, names []bitName) string {
	var parts []string
	for _, n := range names {
		if v&n.bit != 0 {
			parts = append(parts, n.name)
			v &^= n.bit
		}
	}
	if v != 0 {
		parts = append(parts, fmt.Sprintf("%#x", v))
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// PinControls are the pin-based VM-execution controls.
type PinControls uint32

// Pin-based controls.
const (
	ExternalInterruptExiting PinControls = 1 << 0
	NMIExiting               PinControls = 1 << 3
	VirtualNMIs              PinControls = 1 << 5
	ActivatePreemptionTimer  PinControls = 1 << 6
	ProcessPostedInterrupts  PinControls = 1 << 7
)

var pinNames = []bitName{
	{uint32(ExternalInterruptExiting), "EXT_INTR"},
	{uint32(NMIExiting), "NMI"},
	{uint32(VirtualNMIs), "VIRTUAL_NMI"},
	{uint32(ActivatePreemptionTimer), "PREEMPTION_TIMER"},
	{uint32(ProcessPostedInterrupts), "POSTED_INTR"},
}

// String implements fmt.Stringer.
func (c PinControls) String() string { return formatBits(uint32(c), pinNames) }

// PrimaryControls are the primary processor-based VM-execution controls.
type PrimaryControls uint32

// Primary processor-based controls.
const (
	InterruptWindowExiting PrimaryControls = 1 << 2
	UseTSCOffsetting       PrimaryControls = 1 << 3
	HLTExiting             PrimaryControls = 1 << 7
	INVLPGExiting          PrimaryControls = 1 << 9
	MWAITExiting           PrimaryControls = 1 << 10
	RDPMCExiting           PrimaryControls = 1 << 11
	RDTSCExiting           PrimaryControls = 1 << 12
	CR3LoadExiting         PrimaryControls = 1 << 15
	CR3StoreExiting        PrimaryControls = 1 << 16
	ActivateTertiary       PrimaryControls = 1 << 17
	CR8LoadExiting         PrimaryControls = 1 << 19
	CR8StoreExiting        PrimaryControls = 1 << 20
	UseTPRShadow           PrimaryControls = 1 << 21
	NMIWindowExiting       PrimaryControls = 1 << 22
	MovDRExiting           PrimaryControls = 1 << 23
	UnconditionalIOExiting PrimaryControls = 1 << 24
	UseIOBitmaps           PrimaryControls = 1 << 25
	MonitorTrapFlag        PrimaryControls = 1 << 27
	UseMSRBitmaps          PrimaryControls = 1 << 28
	MONITORExiting         PrimaryControls = 1 << 29
	PAUSEExiting           PrimaryControls = 1 << 30
	ActivateSecondary      PrimaryControls = 1 << 31
)

var primaryNames = []bitName{
	{uint32(InterruptWindowExiting), "INTR_WINDOW"},
	{uint32(UseTSCOffsetting), "TSC_OFFSET"},
	{uint32(HLTExiting), "HLT"},
	{uint32(INVLPGExiting), "INVLPG"},
	{uint32(MWAITExiting), "MWAIT"},
	{uint32(RDPMCExiting), "RDPMC"},
	{uint32(RDTSCExiting), "RDTSC"},
	{uint32(CR3LoadExiting), "CR3_LOAD"},
	{uint32(CR3StoreExiting), "CR3_STORE"},
	{uint32(ActivateTertiary), "TERTIARY"},
	{uint32(CR8LoadExiting), "CR8_LOAD"},
	{uint32(CR8StoreExiting), "CR8_STORE"},
	{uint32(UseTPRShadow), "TPR_SHADOW"},
	{uint32(NMIWindowExiting), "NMI_WINDOW"},
	{uint32(MovDRExiting), "MOV_DR"},
	{uint32(UnconditionalIOExiting), "UNCOND_IO"},
	{uint32(UseIOBitmaps), "IO_BITMAPS"},
	{uint32(MonitorTrapFlag), "MTF"},
	{uint32(UseMSRBitmaps), "MSR_BITMAPS"},
	{uint32(MONITORExiting), "MONITOR"},
	{uint32(PAUSEExiting), "PAUSE"},
	{uint32(ActivateSecondary), "SECONDARY"},
}

// String implements fmt.Stringer.
func (c PrimaryControls) String() string { return formatBits(uint32(c), primaryNames) }

// SecondaryControls are the secondary processor-based VM-execution controls.
type SecondaryControls uint32

// Secondary processor-based controls.
const (
	VirtualizeAPICAccesses     SecondaryControls = 1 << 0
	EnableEPT                  SecondaryControls = 1 << 1
	DescriptorTableExiting     SecondaryControls = 1 << 2
	EnableRDTSCP               SecondaryControls = 1 << 3
	VirtualizeX2APIC           SecondaryControls = 1 << 4
	EnableVPID                 SecondaryControls = 1 << 5
	WBINVDExiting              SecondaryControls = 1 << 6
	UnrestrictedGuest          SecondaryControls = 1 << 7
	APICRegisterVirtualization SecondaryControls = 1 << 8
	VirtualInterruptDelivery   SecondaryControls = 1 << 9
	PAUSELoopExiting           SecondaryControls = 1 << 10
	RDRANDExiting              SecondaryControls = 1 << 11
	EnableINVPCID              SecondaryControls = 1 << 12
	EnableVMFunctions          SecondaryControls = 1 << 13
	VMCSShadowing              SecondaryControls = 1 << 14
	ENCLSExiting               SecondaryControls = 1 << 15
	RDSEEDExiting              SecondaryControls = 1 << 16
	EnablePML                  SecondaryControls = 1 << 17
	EPTViolationVE             SecondaryControls = 1 << 18
	ConcealVMXFromPT           SecondaryControls = 1 << 19
	EnableXSAVES               SecondaryControls = 1 << 20
	ModeBasedEPTExecute        SecondaryControls = 1 << 22
	SubPageWritePermissions    SecondaryControls = 1 << 23
	PTUsesGuestPhysical        SecondaryControls = 1 << 24
	UseTSCScaling              SecondaryControls = 1 << 25
	EnableUserWaitPause        SecondaryControls = 1 << 26
	ENCLVExiting               SecondaryControls = 1 << 28
)

var secondaryNames = []bitName{
	{uint32(VirtualizeAPICAccesses), "VIRT_APIC_ACCESS"},
	{uint32(EnableEPT), "EPT"},
	{uint32(DescriptorTableExiting), "DESC_TABLE"},
	{uint32(EnableRDTSCP), "RDTSCP"},
	{uint32(VirtualizeX2APIC), "VIRT_X2APIC"},
	{uint32(EnableVPID), "VPID"},
	{uint32(WBINVDExiting), "WBINVD"},
	{uint32(UnrestrictedGuest), "UNRESTRICTED_GUEST"},
	{uint32(APICRegisterVirtualization), "APIC_REG_VIRT"},
	{uint32(VirtualInterruptDelivery), "VIRT_INTR_DELIVERY"},
	{uint32(PAUSELoopExiting), "PAUSE_LOOP"},
	{uint32(RDRANDExiting), "RDRAND"},
	{uint32(EnableINVPCID), "INVPCID"},
	{uint32(EnableVMFunctions), "VMFUNC"},
	{uint32(VMCSShadowing), "VMCS_SHADOW"},
	{uint32(ENCLSExiting), "ENCLS"},
	{uint32(RDSEEDExiting), "RDSEED"},
	{uint32(EnablePML), "PML"},
	{uint32(EPTViolationVE), "EPT_VE"},
	{uint32(ConcealVMXFromPT), "CONCEAL_PT"},
	{uint32(EnableXSAVES), "XSAVES"},
	{uint32(ModeBasedEPTExecute), "MODE_BASED_EXEC"},
	{uint32(SubPageWritePermissions), "SPP"},
	{uint32(PTUsesGuestPhysical), "PT_GUEST_PHYS"},
	{uint32(UseTSCScaling), "TSC_SCALING"},
	{uint32(EnableUserWaitPause), "USER_WAIT_PAUSE"},
	{uint32(ENCLVExiting), "ENCLV"},
}

// String implements fmt.Stringer.
func (c SecondaryControls) String() string { return formatBits(uint32(c), secondaryNames) }

// ExitControls are the VM-exit controls.
type ExitControls uint32

// VM-exit controls.
const (
	ExitSaveDebugControls   ExitControls = 1 << 2
	HostAddressSpaceSize    ExitControls = 1 << 9
	ExitLoadPerfGlobalCtrl  ExitControls = 1 << 12
	AckInterruptOnExit      ExitControls = 1 << 15
	ExitSavePAT             ExitControls = 1 << 18
	ExitLoadPAT             ExitControls = 1 << 19
	ExitSaveEFER            ExitControls = 1 << 20
	ExitLoadEFER            ExitControls = 1 << 21
	ExitSavePreemptionTimer ExitControls = 1 << 22
	ExitClearBNDCFGS        ExitControls = 1 << 23
	ExitConcealVMXFromPT    ExitControls = 1 << 24
)

var exitNames = []bitName{
	{uint32(ExitSaveDebugControls), "SAVE_DEBUG"},
	{uint32(HostAddressSpaceSize), "HOST_ADDR_SPACE_SIZE"},
	{uint32(ExitLoadPerfGlobalCtrl), "LOAD_PERF_GLOBAL"},
	{uint32(AckInterruptOnExit), "ACK_INTR"},
	{uint32(ExitSavePAT), "SAVE_PAT"},
	{uint32(ExitLoadPAT), "LOAD_PAT"},
	{uint32(ExitSaveEFER), "SAVE_EFER"},
	{uint32(ExitLoadEFER), "LOAD_EFER"},
	{uint32(ExitSavePreemptionTimer), "SAVE_PREEMPTION_TIMER"},
	{uint32(ExitClearBNDCFGS), "CLEAR_BNDCFGS"},
	{uint32(ExitConcealVMXFromPT), "CONCEAL_PT"},
}

// String implements fmt.Stringer.
func (c ExitControls) String() string { return formatBits(uint32(c), exitNames) }

// EntryControls are the VM-entry controls.
type EntryControls uint32

// VM-entry controls.
const (
	EntryLoadDebugControls  EntryControls = 1 << 2
	IA32eModeGuest          EntryControls = 1 << 9
	EntryToSMM              EntryControls = 1 << 10
	DeactivateDualMonitor   EntryControls = 1 << 11
	EntryLoadPerfGlobalCtrl EntryControls = 1 << 13
	EntryLoadPAT            EntryControls = 1 << 14
	EntryLoadEFER           EntryControls = 1 << 15
	EntryLoadBNDCFGS        EntryControls = 1 << 16
	EntryConcealVMXFromPT   EntryControls = 1 << 17
)

var entryNames = []bitName{
	{uint32(EntryLoadDebugControls), "LOAD_DEBUG"},
	{uint32(IA32eModeGuest), "IA32E_MODE_GUEST"},
	{uint32(EntryToSMM), "ENTRY_TO_SMM"},
	{uint32(DeactivateDualMonitor), "DEACTIVATE_DUAL_MONITOR"},
	{uint32(EntryLoadPerfGlobalCtrl), "LOAD_PERF_GLOBAL"},
	{uint32(EntryLoadPAT), "LOAD_PAT"},
	{uint32(EntryLoadEFER), "LOAD_EFER"},
	{uint32(EntryLoadBNDCFGS), "LOAD_BNDCFGS"},
	{uint32(EntryConcealVMXFromPT), "CONCEAL_PT"},
}

// String implements fmt.Stringer.
func (c EntryControls) String() string { return formatBits(uint32(c), entryNames) }

// Control pairs a control field with the capability MSRs that constrain it.
type Control struct {
	Field Field32
	MSRs  msr.ControlMSRs
}

// The five VM-execution, exit and entry control words.
var (
	PinControl       = Control{Field: PinBasedControls, MSRs: msr.PinControls}
	PrimaryControl   = Control{Field: PrimaryProcControls, MSRs: msr.PrimaryControls}
	SecondaryControl = Control{Field: SecondaryProcControls, MSRs: msr.SecondaryControls}
	ExitControl      = Control{Field: ExitControlsField, MSRs: msr.ExitControls}
	EntryControl     = Control{Field: EntryControlsField, MSRs: msr.EntryControls}
)

// Compute returns the value to program for c given the bits that must be
// set and the bits that must be cleared.
//
// Bits that are neither requested nor fixed by the capability MSR take the
// value of the processor's default setting, which is the allowed-0 word of
// the non-true capability register (SDM Vol. 3D, Appendix A.2).
func (c Control) Compute(r msr.Reader, set, clear uint32) (uint32, error) {
	if set&clear != 0 {
		return 0, fmt.Errorf("%s controls %#x both set and cleared: %w", c.MSRs.Name, set&clear, vmx.ErrBadState)
	}
	caps := c.MSRs.Capability(r)
	if bad := set &^ caps.Allowed1; bad != 0 {
		return 0, fmt.Errorf("%s controls %#x cannot be set: %w", c.MSRs.Name, bad, vmx.ErrUnsupported)
	}
	if bad := clear & caps.Allowed0; bad != 0 {
		return 0, fmt.Errorf("%s controls %#x cannot be cleared: %w", c.MSRs.Name, bad, vmx.ErrUnsupported)
	}
	flexible := ^caps.Allowed0 & caps.Allowed1
	unknown := flexible &^ (set | clear)
	defaults := unknown & c.MSRs.DefaultSettings(r)
	return caps.Allowed0 | defaults | set, nil
}

// Set computes the control word and writes it to the current VMCS.
func (c Control) Set(a *Accessor, r msr.Reader, set, clear uint32) error {
	v, err := c.Compute(r, set, clear)
	if err != nil {
		return err
	}
	return a.Write32(c.Field, v)
}

// Update reads the current value of c, applies set and clear without any
// capability adjustment, and writes it back. It is used to toggle bits
// already validated at setup, such as interrupt-window exiting.
func (c Control) Update(a *Accessor, set, clear uint32) error {
	v, err := a.Read32(c.Field)
	if err != nil {
		return err
	}
	return a.Write32(c.Field, (v|set)&^clear)
}
