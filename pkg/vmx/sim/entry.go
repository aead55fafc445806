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

package sim

import (
	"gvisor.dev/vmx/pkg/vmx"
	"gvisor.dev/vmx/pkg/vmx/frame"
	"gvisor.dev/vmx/pkg/vmx/msr"
	"gvisor.dev/vmx/pkg/vmx/vmcs"
)

// Guest activity states.
const (
	activityActive = 0
	activityHLT    = 1
)

// exit describes a VM exit before it is recorded in the VMCS.
type exit struct {
	reason       vmcs.ExitReason
	entryFailure bool
	qual         uint64
	length       uint32
	intr         vmcs.InterruptionInfo
	errCode      uint32
	gpa          uint64
	gla          uint64
}

// Enter implements insn.Hardware.Enter.
//
// It runs the guest until the next VM exit. Failures of the instruction
// itself are reported the way the processor reports them; guest-state
// check failures are reported as an exit with the entry-failure bit set,
// leaving the launch state unchanged.
func (c *Core) Enter(regs *vmx.GeneralRegisters, launch bool) error {
	op := "vmresume"
	if launch {
		op = "vmlaunch"
	}
	if !c.vmxon {
		return errUD(op)
	}
	s := c.current
	if s == nil {
		return vmx.NewInstructionError(op, vmx.VMFailInvalid)
	}
	switch {
	case launch && s.launched:
		return c.fail(op, vmx.VMLaunchNonClear)
	case !launch && !s.launched:
		return c.fail(op, vmx.VMResumeNonLaunched)
	}
	if n, ok := c.checkControls(s); !ok {
		return c.fail(op, n)
	}

	c.mu.Lock()
	if launch {
		c.launches++
	} else {
		c.resumes++
	}
	c.mu.Unlock()

	var e exit
	if c.checkGuest(s) {
		s.launched = true
		e = c.run(s, regs)
	} else {
		e = exit{reason: vmcs.ExitInvalidGuestState, entryFailure: true}
	}
	c.finish(s, e)
	return nil
}

// checkControls performs the VM-entry checks on controls and host state.
func (c *Core) checkControls(s *vmcsState) (vmx.InstructionErrorNumber, bool) {
	controls := []vmcs.Control{vmcs.PinControl, vmcs.PrimaryControl, vmcs.ExitControl, vmcs.EntryControl}
	if s.primary()&vmcs.ActivateSecondary != 0 {
		controls = append(controls, vmcs.SecondaryControl)
	}
	for _, ctl := range controls {
		if !ctl.MSRs.Capability(c).Permits(s.u32(ctl.Field)) {
			return vmx.EntryInvalidControlFields, false
		}
	}

	sec := s.secondary()
	if sec&vmcs.UnrestrictedGuest != 0 && sec&vmcs.EnableEPT == 0 {
		return vmx.EntryInvalidControlFields, false
	}
	if sec&vmcs.EnableEPT != 0 && !c.eptpOK(s.u64(vmcs.EPTPointer)) {
		return vmx.EntryInvalidControlFields, false
	}
	if s.primary()&vmcs.UseIOBitmaps != 0 && (!c.regionOK(s.u64(vmcs.IOBitmapA)) || !c.regionOK(s.u64(vmcs.IOBitmapB))) {
		return vmx.EntryInvalidControlFields, false
	}
	if s.primary()&vmcs.UseMSRBitmaps != 0 && !c.regionOK(s.u64(vmcs.MSRBitmap)) {
		return vmx.EntryInvalidControlFields, false
	}

	if !msr.CR0.Load(c).Valid(s.nw(vmcs.HostCR0)) || !msr.CR4.Load(c).Valid(s.nw(vmcs.HostCR4)) {
		return vmx.EntryInvalidHostState, false
	}
	if s.exitControls()&vmcs.HostAddressSpaceSize == 0 {
		return vmx.EntryInvalidHostState, false
	}
	return 0, true
}

// eptpOK checks an EPT pointer: write-back or uncacheable, a 4-level
// walk, no reserved bits, and a root table in memory.
func (c *Core) eptpOK(eptp uint64) bool {
	const (
		memTypeUC = 0
		memTypeWB = 6
		walk4     = 3 << 3
		reserved  = 0xf80
	)
	if mt := eptp & 7; mt != memTypeUC && mt != memTypeWB {
		return false
	}
	if eptp&(7<<3) != walk4 || eptp&reserved != 0 {
		return false
	}
	return c.regionOK(eptp &^ (frame.Size - 1))
}

// checkGuest performs the VM-entry checks on guest state.
func (c *Core) checkGuest(s *vmcsState) bool {
	fixed0 := msr.CR0.Load(c)
	if s.secondary()&vmcs.UnrestrictedGuest != 0 {
		fixed0.Fixed0 &^= msr.CR0PE | msr.CR0PG
	}
	cr0 := s.nw(vmcs.GuestCR0)
	if !fixed0.Valid(cr0) || (cr0&msr.CR0PG != 0 && cr0&msr.CR0PE == 0) {
		return false
	}
	if !msr.CR4.Load(c).Valid(s.nw(vmcs.GuestCR4)) {
		return false
	}
	if rflags := s.nw(vmcs.GuestRFLAGS); rflags&msr.RFLAGSReserved == 0 || rflags>>22 != 0 {
		return false
	}
	if s.u64(vmcs.LinkPointer) != ^uint64(0) {
		return false
	}
	if entry := s.entryControls(); entry&vmcs.EntryLoadEFER != 0 {
		lma := s.u64(vmcs.GuestEFER)&msr.EFERLMA != 0
		if lma != (entry&vmcs.IA32eModeGuest != 0) {
			return false
		}
	}
	return s.u32(vmcs.GuestActivityState) <= 3
}

// finish records e in the exit-information fields.
func (c *Core) finish(s *vmcsState, e exit) {
	s.setU32(vmcs.ExitReasonField, vmcs.EncodeExitReason(e.reason, e.entryFailure))
	s.setNW(vmcs.ExitQualification, e.qual)
	s.setU32(vmcs.ExitInstructionLength, e.length)
	s.setU32(vmcs.ExitInterruptionInfo, e.intr.Encode())
	s.setU32(vmcs.ExitInterruptionErrorCode, e.errCode)
	s.setU64(vmcs.GuestPhysicalAddress, e.gpa)
	s.setNW(vmcs.GuestLinearAddress, e.gla)
	if !e.entryFailure {
		info := s.u32(vmcs.EntryInterruptionInfo)
		s.setU32(vmcs.EntryInterruptionInfo, info&^(1<<31))
	}
}

// run executes the guest until it exits.
func (c *Core) run(s *vmcsState, regs *vmx.GeneralRegisters) exit {
	g := newGuest(c, s, regs)
	if info := vmcs.DecodeInterruptionInfo(s.u32(vmcs.EntryInterruptionInfo)); info.Valid {
		c.deliver(info)
		s.setU32(vmcs.GuestActivityState, activityActive)
	}

	timer := s.pin()&vmcs.ActivatePreemptionTimer != 0
	remaining := s.u32(vmcs.GuestPreemptionTimerValue)
	saveTimer := func() {
		if s.exitControls()&vmcs.ExitSavePreemptionTimer != 0 {
			s.setU32(vmcs.GuestPreemptionTimerValue, remaining)
		}
	}
	for steps := 0; ; steps++ {
		if e := g.events(); e != nil {
			saveTimer()
			return *e
		}
		if timer {
			if remaining == 0 {
				saveTimer()
				return exit{reason: vmcs.ExitPreemptionTimer}
			}
			remaining--
		}
		halted := s.u32(vmcs.GuestActivityState) == activityHLT
		if steps >= c.m.cfg.StepLimit || (halted && !timer) {
			saveTimer()
			return c.timerExit(s)
		}
		if halted {
			continue
		}
		if e := g.step(); e != nil {
			saveTimer()
			return *e
		}
	}
}

// timerExit is the exit caused by a host timer interrupt.
func (c *Core) timerExit(s *vmcsState) exit {
	return c.interruptExit(s, c.m.cfg.TimerVector)
}

func (c *Core) interruptExit(s *vmcsState, vector uint8) exit {
	e := exit{reason: vmcs.ExitExternalInterrupt}
	if s.exitControls()&vmcs.AckInterruptOnExit != 0 {
		e.intr = vmcs.InterruptionInfo{Vector: vector, Type: vmcs.ExternalInterrupt, Valid: true}
	}
	return e
}
