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

	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/vmx/pkg/vmx"
	"gvisor.dev/vmx/pkg/vmx/ept"
	"gvisor.dev/vmx/pkg/vmx/insn"
	"gvisor.dev/vmx/pkg/vmx/msr"
	"gvisor.dev/vmx/pkg/vmx/vmcs"
)

// Run enters the guest and returns once it exits in a way the caller must
// handle. Exits resolved internally return Nothing.
//
// Run blocks for as long as the guest executes. An error is returned only
// when the entry instruction itself fails or the VMCS cannot be accessed;
// both indicate a bug in the engine or the hardware setup.
func (v *Vcpu) Run() (ExitReason, error) {
	if v.state != Bound && v.state != Exited {
		return nil, v.badState("run")
	}
	if err := v.syncEPT(); err != nil {
		return nil, err
	}
	if err := v.injectPending(); err != nil {
		return nil, err
	}

	v.state = Running
	v.stats.entries.Add(1)
	launch := v.launch == NeverActivated
	v.xstate.switchToGuest(v.hw)
	err := v.hw.Enter(&v.regs, launch)
	v.xstate.switchToHost(v.hw)
	if err != nil {
		v.state = Exited
		v.stats.failedRun.Add(1)
		log.Warningf("vCPU %d: entry on core %d failed: %v", v.id, v.core, err)
		return nil, err
	}

	info, err := v.acc.ExitInfo()
	if err != nil {
		v.state = Exited
		return nil, err
	}
	if !info.EntryFailure {
		v.launch = Activated
	}
	v.state = Exited
	v.stats.exits.Add(1)
	if log.IsLogging(log.Debug) {
		log.Debugf("vCPU %d: exit %v", v.id, info)
	}

	exit, err := v.handleExit(info)
	if err != nil {
		return nil, err
	}
	if _, ok := exit.(Nothing); ok {
		v.stats.internal.Add(1)
	}
	return exit, nil
}

// syncEPT invalidates cached translations of the EPT on the bound core if
// the table changed since the last invalidation, or if the Vcpu has just
// been bound.
func (v *Vcpu) syncEPT() error {
	gen := v.table.Generation()
	if !v.needFlush && gen == v.flushed {
		return nil
	}
	if err := v.hw.InvEPT(insn.InvEPTSingleContext, v.table.EPTP()); err != nil {
		return err
	}
	v.flushed = gen
	v.needFlush = false
	v.stats.invepts.Add(1)
	return nil
}

// interruptible returns true if the guest can take an external interrupt.
func (v *Vcpu) interruptible() (bool, error) {
	rflags, err := v.acc.ReadNW(vmcs.GuestRFLAGS)
	if err != nil {
		return false, err
	}
	blocking, err := v.acc.Read32(vmcs.GuestInterruptibility)
	if err != nil {
		return false, err
	}
	return rflags&msr.RFLAGSIF != 0 && blocking == 0, nil
}

// injectPending injects the event at the head of the queue if the guest
// can take it, and arms interrupt-window exiting otherwise.
func (v *Vcpu) injectPending() error {
	if len(v.events) == 0 {
		return nil
	}
	e := v.events[0]
	ok := e.Vector < 32
	if !ok {
		var err error
		if ok, err = v.interruptible(); err != nil {
			return err
		}
	}
	if !ok {
		if v.window {
			return nil
		}
		if err := vmcs.PrimaryControl.Update(v.acc, uint32(vmcs.InterruptWindowExiting), 0); err != nil {
			return err
		}
		v.window = true
		v.stats.windows.Add(1)
		return nil
	}
	var code *uint32
	if e.HasErrorCode {
		code = &e.ErrorCode
	}
	if err := v.acc.InjectEvent(e.Vector, code); err != nil {
		return err
	}
	v.events = v.events[1:]
	v.stats.injected.Add(1)
	if log.IsLogging(log.Debug) {
		log.Debugf("vCPU %d: injected vector %#x", v.id, e.Vector)
	}
	return nil
}

// handleExit decodes info, resolving the exits the engine handles itself.
func (v *Vcpu) handleExit(info vmcs.ExitInfo) (ExitReason, error) {
	if info.EntryFailure {
		log.Warningf("vCPU %d: VM entry failed: %v", v.id, info)
		return FailEntry{Reason: info.Reason, Qualification: info.Qualification}, nil
	}
	switch info.Reason {
	case vmcs.ExitInterruptWindow:
		if err := vmcs.PrimaryControl.Update(v.acc, 0, uint32(vmcs.InterruptWindowExiting)); err != nil {
			return nil, err
		}
		v.window = false
		return Nothing{}, nil
	case vmcs.ExitPreemptionTimer:
		if err := v.acc.Write32(vmcs.GuestPreemptionTimerValue, v.opts.PreemptionTimer); err != nil {
			return nil, err
		}
		return Nothing{}, nil
	case vmcs.ExitExceptionNMI:
		return v.handleException()
	case vmcs.ExitExternalInterrupt:
		raw, err := v.acc.Read32(vmcs.ExitInterruptionInfo)
		if err != nil {
			return nil, err
		}
		intr := vmcs.DecodeInterruptionInfo(raw)
		return ExternalInterrupt{Vector: intr.Vector, Acknowledged: intr.Valid}, nil
	case vmcs.ExitTripleFault:
		log.Warningf("vCPU %d: triple fault at rip %#x", v.id, info.GuestRIP)
		return TripleFault{}, nil
	case vmcs.ExitCPUID:
		return v.handleCPUID()
	case vmcs.ExitHLT:
		if err := v.acc.AdvanceRIP(); err != nil {
			return nil, err
		}
		return Halt{}, nil
	case vmcs.ExitVMCALL:
		if err := v.acc.AdvanceRIP(); err != nil {
			return nil, err
		}
		r := &v.regs
		return Hypercall{
			Number: r.RAX,
			Args:   [6]uint64{r.RDI, r.RSI, r.RDX, r.RCX, r.R8, r.R9},
		}, nil
	case vmcs.ExitCRAccess:
		return v.handleCRAccess(info)
	case vmcs.ExitIOInstruction:
		return v.handleIO(info)
	case vmcs.ExitMSRRead:
		return v.handleRDMSR()
	case vmcs.ExitMSRWrite:
		return v.handleWRMSR()
	case vmcs.ExitEPTViolation:
		return v.handleEPTViolation(info)
	case vmcs.ExitXSETBV:
		return v.handleXSETBV()
	}
	exitLog.Warningf("vCPU %d: unhandled exit %v", v.id, info)
	return Unknown{Info: info}, nil
}

// guestRIP returns the current guest RIP, for diagnostics.
func (v *Vcpu) guestRIP() uint64 {
	rip, err := v.acc.ReadNW(vmcs.GuestRIP)
	if err != nil {
		return 0
	}
	return rip
}

func (v *Vcpu) handleException() (ExitReason, error) {
	raw, err := v.acc.Read32(vmcs.ExitInterruptionInfo)
	if err != nil {
		return nil, err
	}
	intr := vmcs.DecodeInterruptionInfo(raw)
	if intr.Type == vmcs.NMI {
		v.hw.RaiseNMI()
		return Nothing{}, nil
	}
	e := Exception{Vector: intr.Vector, HasErrorCode: intr.ErrorCodeValid, RIP: v.guestRIP()}
	if intr.ErrorCodeValid {
		if e.ErrorCode, err = v.acc.Read32(vmcs.ExitInterruptionErrorCode); err != nil {
			return nil, err
		}
	}
	var code [16]byte
	if n, err := v.ReadInstruction(code[:]); err == nil {
		exitLog.Warningf("vCPU %d: %v, code % x", v.id, e, code[:n])
	} else {
		exitLog.Warningf("vCPU %d: %v", v.id, e)
	}
	return e, nil
}

func (v *Vcpu) handleEPTViolation(info vmcs.ExitInfo) (ExitReason, error) {
	gpa, err := v.acc.Read64(vmcs.GuestPhysicalAddress)
	if err != nil {
		return nil, err
	}
	gla, err := v.acc.ReadNW(vmcs.GuestLinearAddress)
	if err != nil {
		return nil, err
	}
	q := vmcs.DecodeEPTViolation(info.Qualification)
	return NestedPageFault{Fault: ept.FaultFromViolation(gpa, gla, q)}, nil
}

func (v *Vcpu) handleIO(info vmcs.ExitInfo) (ExitReason, error) {
	q := vmcs.DecodeIOQualification(info.Qualification)
	width, ok := vmx.AccessWidthFromSize(q.Size)
	if q.String || q.Rep || !ok {
		exitLog.Warningf("vCPU %d: unsupported I/O %+v at rip %#x", v.id, q, info.GuestRIP)
		return Unknown{Info: info}, nil
	}
	if err := v.acc.AdvanceRIP(); err != nil {
		return nil, err
	}
	if q.In {
		return IORead{Port: q.Port, Width: width}, nil
	}
	data := v.regs.RAX & width.Mask()
	switch {
	case q.Port == v.opts.DiagnosticPort:
		v.diag = data
		if log.IsLogging(log.Debug) {
			log.Debugf("vCPU %d: diagnostic code %#x", v.id, data)
		}
		return Nothing{}, nil
	case q.Port == exitPort && width == vmx.Word && data == shutdownValue:
		log.Infof("vCPU %d: guest requested power off", v.id)
		return SystemDown{}, nil
	}
	return IOWrite{Port: q.Port, Width: width, Data: data}, nil
}

// CompleteIORead stores value, the result of an IORead, into the guest's
// accumulator. As with IN, byte and word results leave the upper bits of
// RAX unchanged and dword results zero-extend.
func (v *Vcpu) CompleteIORead(width vmx.AccessWidth, value uint64) {
	if width == vmx.Dword {
		// 32-bit results zero-extend into RAX.
		v.regs.RAX = value & width.Mask()
		return
	}
	v.regs.RAX = v.regs.RAX&^width.Mask() | value&width.Mask()
}

// CompleteMSRRead stores value, the result of an MSRRead, in EDX:EAX.
func (v *Vcpu) CompleteMSRRead(value uint64) {
	v.regs.RAX = value & 0xffffffff
	v.regs.RDX = value >> 32
}

func (v *Vcpu) msrValue() uint64 {
	return v.regs.RDX<<32 | v.regs.RAX&0xffffffff
}

func (v *Vcpu) handleRDMSR() (ExitReason, error) {
	index := uint32(v.regs.RCX)
	switch {
	case index >= msr.X2APICFirst && index <= msr.X2APICLast && v.opts.APIC != nil:
		value, err := v.opts.APIC.Read(index)
		if err != nil {
			exitLog.Warningf("vCPU %d: rdmsr %#x: %v", v.id, index, err)
			v.queueFault(vmcs.VectorGP, 0)
			return Nothing{}, nil
		}
		v.CompleteMSRRead(value)
	case index == msr.FeatureControl:
		// Locked with VMX disabled: nested VMX is not offered.
		v.CompleteMSRRead(msr.FeatureControlLock)
	case index >= msr.VMXBasic && index <= msr.VMXVMFunc:
		v.queueFault(vmcs.VectorGP, 0)
		return Nothing{}, nil
	default:
		if err := v.acc.AdvanceRIP(); err != nil {
			return nil, err
		}
		return MSRRead{Index: index}, nil
	}
	if err := v.acc.AdvanceRIP(); err != nil {
		return nil, err
	}
	return Nothing{}, nil
}

func (v *Vcpu) handleWRMSR() (ExitReason, error) {
	index := uint32(v.regs.RCX)
	value := v.msrValue()
	switch {
	case index >= msr.X2APICFirst && index <= msr.X2APICLast && v.opts.APIC != nil:
		if err := v.opts.APIC.Write(index, value); err != nil {
			exitLog.Warningf("vCPU %d: wrmsr %#x: %v", v.id, index, err)
			v.queueFault(vmcs.VectorGP, 0)
			return Nothing{}, nil
		}
	case index == msr.FeatureControl || index >= msr.VMXBasic && index <= msr.VMXVMFunc:
		v.queueFault(vmcs.VectorGP, 0)
		return Nothing{}, nil
	default:
		if err := v.acc.AdvanceRIP(); err != nil {
			return nil, err
		}
		return MSRWrite{Index: index, Value: value}, nil
	}
	if err := v.acc.AdvanceRIP(); err != nil {
		return nil, err
	}
	return Nothing{}, nil
}

func (v *Vcpu) handleCRAccess(info vmcs.ExitInfo) (ExitReason, error) {
	q := vmcs.DecodeCRAccess(info.Qualification)
	if q.Type != vmcs.MovToCR || (q.CR != 0 && q.CR != 4) {
		exitLog.Warningf("vCPU %d: unsupported control register access %+v", v.id, q)
		return Unknown{Info: info}, nil
	}
	value, err := v.Register(q.GPR)
	if err != nil {
		return nil, err
	}
	if err := v.acc.AdvanceRIP(); err != nil {
		return nil, err
	}
	if q.CR == 4 {
		if err := setCR4(v.acc, v.hw, value); err != nil {
			return nil, err
		}
		return Nothing{}, nil
	}
	if err := setCR0(v.acc, v.hw, value); err != nil {
		return nil, err
	}
	return Nothing{}, v.updateLongMode(value)
}

// updateLongMode activates IA-32e mode when the guest enables paging with
// EFER.LME set, and deactivates it when paging is turned off.
func (v *Vcpu) updateLongMode(cr0 uint64) error {
	efer, err := v.acc.Read64(vmcs.GuestEFER)
	if err != nil {
		return err
	}
	if efer&msr.EFERLME == 0 {
		return nil
	}
	if cr0&msr.CR0PG != 0 {
		efer |= msr.EFERLMA
		if err := vmcs.EntryControl.Update(v.acc, uint32(vmcs.IA32eModeGuest), 0); err != nil {
			return err
		}
	} else {
		efer &^= msr.EFERLMA
		if err := vmcs.EntryControl.Update(v.acc, 0, uint32(vmcs.IA32eModeGuest)); err != nil {
			return err
		}
	}
	return v.acc.Write64(vmcs.GuestEFER, efer)
}

func (v *Vcpu) handleXSETBV() (ExitReason, error) {
	if !v.xstate.xsave {
		v.queueFault(vmcs.VectorUD, 0)
		return Nothing{}, nil
	}
	value := v.msrValue()
	if uint32(v.regs.RCX) != 0 || !v.xstate.validXCR0(value) {
		v.queueFault(vmcs.VectorGP, 0)
		return Nothing{}, nil
	}
	v.xstate.guestXCR0 = value
	if err := v.acc.AdvanceRIP(); err != nil {
		return nil, err
	}
	return Nothing{}, nil
}

func (v *Vcpu) String() string {
	return fmt.Sprintf("vCPU %d (%v, %v, core %d)", v.id, v.state, v.launch, v.core)
}
