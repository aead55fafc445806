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
	"gvisor.dev/gvisor/pkg/cpuid"
	"gvisor.dev/vmx/pkg/vmx/insn"
	"gvisor.dev/vmx/pkg/vmx/msr"
	"gvisor.dev/vmx/pkg/vmx/vmcs"
)

// CPUID feature bits that gate optional secondary controls.
const (
	cpuidExtRDTSCP   = 1 << 27 // 0x80000001 EDX
	cpuid7EBXINVPCID = 1 << 10 // 7.0 EBX
	cpuidDXSAVES     = 1 << 3  // 0xd.1 EAX
)

// Guest segment access rights for a flat real-mode guest.
const (
	arData = 0x93
	arCode = 0x9b
	arTSS  = 0x8b
	arLDT  = 0x82
)

// initialCR0 is the CR0 value of a processor after reset.
const initialCR0 = msr.CR0NW | msr.CR0CD | msr.CR0ET

// programControls writes the execution, exit and entry controls, the
// bitmaps and the EPT pointer.
func (v *Vcpu) programControls(a *vmcs.Accessor, hw insn.Hardware) error {
	pin := uint32(vmcs.NMIExiting | vmcs.ExternalInterruptExiting)
	if v.opts.PreemptionTimer != 0 {
		pin |= uint32(vmcs.ActivatePreemptionTimer)
	}
	if err := vmcs.PinControl.Set(a, hw, pin, 0); err != nil {
		return err
	}

	primary := uint32(vmcs.UseIOBitmaps | vmcs.UseMSRBitmaps | vmcs.ActivateSecondary | vmcs.HLTExiting)
	primaryClear := uint32(vmcs.CR3LoadExiting | vmcs.CR3StoreExiting | vmcs.CR8LoadExiting |
		vmcs.CR8StoreExiting | vmcs.InterruptWindowExiting | vmcs.UnconditionalIOExiting)
	if err := vmcs.PrimaryControl.Set(a, hw, primary, primaryClear); err != nil {
		return err
	}

	if err := vmcs.SecondaryControl.Set(a, hw, uint32(secondaryControls(hw)), 0); err != nil {
		return err
	}

	exit := uint32(vmcs.HostAddressSpaceSize | vmcs.AckInterruptOnExit |
		vmcs.ExitSavePAT | vmcs.ExitLoadPAT | vmcs.ExitSaveEFER | vmcs.ExitLoadEFER)
	if err := vmcs.ExitControl.Set(a, hw, exit, 0); err != nil {
		return err
	}
	entry := uint32(vmcs.EntryLoadPAT | vmcs.EntryLoadEFER)
	if err := vmcs.EntryControl.Set(a, hw, entry, uint32(vmcs.IA32eModeGuest)); err != nil {
		return err
	}

	w := a.Batch()
	w.W32(vmcs.ExceptionBitmap, 1<<vmcs.VectorUD)
	w.W32(vmcs.CR3TargetCount, 0)
	w.W32(vmcs.ExitMSRStoreCount, 0)
	w.W32(vmcs.ExitMSRLoadCount, 0)
	w.W32(vmcs.EntryMSRLoadCount, 0)
	w.W32(vmcs.EntryInterruptionInfo, 0)
	w.W64(vmcs.IOBitmapA, v.io.PhysA())
	w.W64(vmcs.IOBitmapB, v.io.PhysB())
	w.W64(vmcs.MSRBitmap, v.msrs.Phys())
	w.W64(vmcs.EPTPointer, v.table.EPTP())
	return w.Err()
}

// secondaryControls returns the secondary controls to request: EPT and
// unrestricted guest always, and the instructions the guest may see in
// CPUID when the processor can pass them through.
func secondaryControls(hw insn.Hardware) vmcs.SecondaryControls {
	c := vmcs.EnableEPT | vmcs.UnrestrictedGuest
	allowed := vmcs.SecondaryControls(msr.SecondaryControls.Capability(hw).Allowed1)
	optional := func(ctl vmcs.SecondaryControls, present bool) {
		if present && allowed&ctl != 0 {
			c |= ctl
		}
	}
	optional(vmcs.EnableRDTSCP, hw.CPUID(cpuid.In{Eax: 0x80000001}).Edx&cpuidExtRDTSCP != 0)
	optional(vmcs.EnableINVPCID, hw.CPUID(cpuid.In{Eax: 7}).Ebx&cpuid7EBXINVPCID != 0)
	optional(vmcs.EnableXSAVES, hw.CPUID(cpuid.In{Eax: 0xd, Ecx: 1}).Eax&cpuidDXSAVES != 0)
	return c
}

// programGuest writes the initial guest state: a real-mode processor
// starting at the entry point with flat 64KiB segments.
func (v *Vcpu) programGuest(a *vmcs.Accessor, hw insn.Hardware) error {
	if err := setCR0(a, hw, initialCR0); err != nil {
		return err
	}
	if err := setCR4(a, hw, 0); err != nil {
		return err
	}

	w := a.Batch()
	w.WNW(vmcs.GuestCR3, 0)
	segments := []struct {
		sel   vmcs.Field16
		base  vmcs.FieldNW
		limit vmcs.Field32
		ar    vmcs.Field32
		value uint32
	}{
		{vmcs.GuestESSelector, vmcs.GuestESBase, vmcs.GuestESLimit, vmcs.GuestESAccessRights, arData},
		{vmcs.GuestCSSelector, vmcs.GuestCSBase, vmcs.GuestCSLimit, vmcs.GuestCSAccessRights, arCode},
		{vmcs.GuestSSSelector, vmcs.GuestSSBase, vmcs.GuestSSLimit, vmcs.GuestSSAccessRights, arData},
		{vmcs.GuestDSSelector, vmcs.GuestDSBase, vmcs.GuestDSLimit, vmcs.GuestDSAccessRights, arData},
		{vmcs.GuestFSSelector, vmcs.GuestFSBase, vmcs.GuestFSLimit, vmcs.GuestFSAccessRights, arData},
		{vmcs.GuestGSSelector, vmcs.GuestGSBase, vmcs.GuestGSLimit, vmcs.GuestGSAccessRights, arData},
		{vmcs.GuestTRSelector, vmcs.GuestTRBase, vmcs.GuestTRLimit, vmcs.GuestTRAccessRights, arTSS},
		{vmcs.GuestLDTRSelector, vmcs.GuestLDTRBase, vmcs.GuestLDTRLimit, vmcs.GuestLDTRAccessRights, arLDT},
	}
	for _, s := range segments {
		w.W16(s.sel, 0)
		w.WNW(s.base, 0)
		w.W32(s.limit, 0xffff)
		w.W32(s.ar, s.value)
	}
	w.WNW(vmcs.GuestGDTRBase, 0)
	w.W32(vmcs.GuestGDTRLimit, 0xffff)
	w.WNW(vmcs.GuestIDTRBase, 0)
	w.W32(vmcs.GuestIDTRLimit, 0xffff)

	w.WNW(vmcs.GuestDR7, 0x400)
	w.WNW(vmcs.GuestRSP, 0)
	w.WNW(vmcs.GuestRIP, v.entry)
	w.WNW(vmcs.GuestRFLAGS, msr.RFLAGSReserved)
	w.WNW(vmcs.GuestPendingDebugExc, 0)
	w.W32(vmcs.GuestSysenterCS, 0)
	w.WNW(vmcs.GuestSysenterESP, 0)
	w.WNW(vmcs.GuestSysenterEIP, 0)
	w.W32(vmcs.GuestInterruptibility, 0)
	w.W32(vmcs.GuestActivityState, 0)
	w.W32(vmcs.GuestPreemptionTimerValue, v.opts.PreemptionTimer)
	w.W64(vmcs.LinkPointer, ^uint64(0))
	w.W64(vmcs.GuestDebugCtl, 0)
	w.W64(vmcs.GuestPAT, hw.ReadMSR(msr.PAT))
	w.W64(vmcs.GuestEFER, 0)
	return w.Err()
}

// programHost writes the host state restored on every exit. HOST_RSP and
// HOST_RIP are written by the entry path.
func programHost(a *vmcs.Accessor, hw insn.Hardware) error {
	seg := hw.HostSegments()
	// Host selectors must have RPL and TI clear.
	sel := func(s uint16) uint16 { return s &^ 7 }

	w := a.Batch()
	w.W64(vmcs.HostPAT, hw.ReadMSR(msr.PAT))
	w.W64(vmcs.HostEFER, hw.ReadMSR(msr.EFER))
	w.WNW(vmcs.HostCR0, hw.ReadCR0())
	w.WNW(vmcs.HostCR3, hw.ReadCR3())
	w.WNW(vmcs.HostCR4, hw.ReadCR4())
	w.W16(vmcs.HostESSelector, sel(seg.ES))
	w.W16(vmcs.HostCSSelector, sel(seg.CS))
	w.W16(vmcs.HostSSSelector, sel(seg.SS))
	w.W16(vmcs.HostDSSelector, sel(seg.DS))
	w.W16(vmcs.HostFSSelector, sel(seg.FS))
	w.W16(vmcs.HostGSSelector, sel(seg.GS))
	w.W16(vmcs.HostTRSelector, sel(seg.TR))
	w.WNW(vmcs.HostFSBase, hw.ReadMSR(msr.FSBase))
	w.WNW(vmcs.HostGSBase, hw.ReadMSR(msr.GSBase))
	w.WNW(vmcs.HostTRBase, seg.TRBase)
	w.WNW(vmcs.HostGDTRBase, seg.GDTR.Base)
	w.WNW(vmcs.HostIDTRBase, seg.IDTR.Base)
	w.W32(vmcs.HostSysenterCS, 0)
	w.WNW(vmcs.HostSysenterESP, 0)
	w.WNW(vmcs.HostSysenterEIP, 0)
	return w.Err()
}

// setCR0 sets the guest CR0 as the guest would with MOV to CR0.
//
// Bits the processor forces in VMX operation are owned by the host: the
// guest sees value through the read shadow while the real register holds
// the forced bits. PE and PG are left to the guest, which runs
// unrestricted, and CD and NW are never passed to the processor.
func setCR0(a *vmcs.Accessor, r msr.Reader, value uint64) error {
	fixed := msr.CR0.Load(r)
	must0 := fixed.Fixed1 &^ (msr.CR0NW | msr.CR0CD)
	must1 := fixed.Fixed0 &^ (msr.CR0PG | msr.CR0PE)

	w := a.Batch()
	w.WNW(vmcs.GuestCR0, value&must0|must1)
	w.WNW(vmcs.CR0ReadShadow, value)
	w.WNW(vmcs.CR0Mask, must1|^must0)
	return w.Err()
}

// setCR4 sets the guest CR4. VMXE is forced on and hidden by the read
// shadow.
func setCR4(a *vmcs.Accessor, r msr.Reader, value uint64) error {
	fixed := msr.CR4.Load(r)
	must0 := fixed.Fixed1
	must1 := fixed.Fixed0 | msr.CR4VMXE

	w := a.Batch()
	w.WNW(vmcs.GuestCR4, value&must0|must1)
	w.WNW(vmcs.CR4ReadShadow, value)
	w.WNW(vmcs.CR4Mask, must1|^must0)
	return w.Err()
}
