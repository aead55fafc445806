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
	"fmt"

	"gvisor.dev/gvisor/pkg/cpuid"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/vmx/pkg/vmx"
	"gvisor.dev/vmx/pkg/vmx/ept"
	"gvisor.dev/vmx/pkg/vmx/frame"
	"gvisor.dev/vmx/pkg/vmx/insn"
	"gvisor.dev/vmx/pkg/vmx/msr"
	"gvisor.dev/vmx/pkg/vmx/vmcs"
)

// notActive marks a VMCS that is not active on any core.
const notActive = -1

// vmcsState is the processor's view of one VMCS.
type vmcsState struct {
	phys uint64

	// launched is the launch state: clear or launched.
	launched bool

	// active is the core the VMCS is active on, or notActive.
	active int

	// fields holds field values by encoding. The high half of a 64-bit
	// field is stored with the full field.
	fields map[vmcs.Field]uint64
}

func newVMCSState(phys uint64) *vmcsState {
	return &vmcsState{phys: phys, active: notActive, fields: make(map[vmcs.Field]uint64)}
}

func (s *vmcsState) u16(f vmcs.Field16) uint16         { return uint16(s.fields[vmcs.Field(f)]) }
func (s *vmcsState) u32(f vmcs.Field32) uint32         { return uint32(s.fields[vmcs.Field(f)]) }
func (s *vmcsState) u64(f vmcs.Field64) uint64         { return s.fields[vmcs.Field(f)] }
func (s *vmcsState) nw(f vmcs.FieldNW) uint64          { return s.fields[vmcs.Field(f)] }
func (s *vmcsState) setU32(f vmcs.Field32, v uint32)   { s.fields[vmcs.Field(f)] = uint64(v) }
func (s *vmcsState) setU64(f vmcs.Field64, v uint64)   { s.fields[vmcs.Field(f)] = v }
func (s *vmcsState) setNW(f vmcs.FieldNW, v uint64)    { s.fields[vmcs.Field(f)] = v }
func (s *vmcsState) primary() vmcs.PrimaryControls     { return vmcs.PrimaryControls(s.u32(vmcs.PrimaryProcControls)) }
func (s *vmcsState) pin() vmcs.PinControls             { return vmcs.PinControls(s.u32(vmcs.PinBasedControls)) }
func (s *vmcsState) exitControls() vmcs.ExitControls   { return vmcs.ExitControls(s.u32(vmcs.ExitControlsField)) }
func (s *vmcsState) entryControls() vmcs.EntryControls { return vmcs.EntryControls(s.u32(vmcs.EntryControlsField)) }

func (s *vmcsState) secondary() vmcs.SecondaryControls {
	if s.primary()&vmcs.ActivateSecondary == 0 {
		return 0
	}
	return vmcs.SecondaryControls(s.u32(vmcs.SecondaryProcControls))
}

// tlbKey identifies a cached guest-physical page translation.
type tlbKey struct {
	eptp uint64
	gpa  uint64
}

// Core is one simulated logical core.
//
// All methods except RaiseExternalInterrupt and the statistics accessors
// must be called from the goroutine driving the core, as with a real
// processor.
type Core struct {
	m  *Machine
	id int

	cr0, cr3, cr4 uint64
	xcr0          uint64
	msrs          map[uint32]uint64

	vmxon     bool
	vmxonPhys uint64
	current   *vmcsState

	// tlb caches EPT translations until INVEPT.
	tlb map[tlbKey]ept.Translation

	// mu protects the fields below.
	mu sync.Mutex

	// pending holds host interrupts raised by RaiseExternalInterrupt.
	pending []uint8

	// delivered records events delivered to guests, in order.
	delivered []vmcs.InterruptionInfo

	launches, resumes, invepts, nmis int
}

var _ insn.Hardware = (*Core)(nil)

func newCore(m *Machine, id int) *Core {
	return &Core{
		m:    m,
		id:   id,
		cr0:  hostCR0,
		cr3:  hostCR3,
		cr4:  hostCR4,
		xcr0: hostXCR0,
		msrs: map[uint32]uint64{
			msr.FeatureControl: msr.FeatureControlLock | msr.FeatureControlVMXOutsideSMX,
			msr.EFER:           msr.EFERSCE | msr.EFERLME | msr.EFERLMA | msr.EFERNXE,
			msr.PAT:            0x0007040600070406,
			msr.APICBase:       0xfee00900,
		},
		tlb: make(map[tlbKey]ept.Translation),
	}
}

// ID returns the core number.
func (c *Core) ID() int {
	return c.id
}

// errUD and errGP report instructions that would fault on real hardware.
func errUD(op string) error {
	return fmt.Errorf("sim: %s raised #UD: %w", op, vmx.ErrBadState)
}

func errGP(op, why string) error {
	return fmt.Errorf("sim: %s raised #GP (%s): %w", op, why, vmx.ErrBadState)
}

// fail reports VMfailValid with n if a VMCS is current, and VMfailInvalid
// otherwise.
func (c *Core) fail(op string, n vmx.InstructionErrorNumber) error {
	if c.current == nil {
		return vmx.NewInstructionError(op, vmx.VMFailInvalid)
	}
	c.current.setU32(vmcs.InstructionError, uint32(n))
	return vmx.NewInstructionError(op, n)
}

// CPUID implements insn.Hardware.CPUID.
//
// Leaf 0xd subleaf 0 reports the XSAVE size for the current XCR0.
func (c *Core) CPUID(in cpuid.In) cpuid.Out {
	out := c.m.cpuid.Query(in)
	if in.Eax == 0xd && in.Ecx == 0 {
		out.Ebx = xsaveSize(c.xcr0)
	}
	return out
}

// ReadMSR implements insn.Hardware.ReadMSR.
func (c *Core) ReadMSR(index uint32) uint64 {
	if v, ok := c.m.caps[index]; ok {
		return v
	}
	return c.msrs[index]
}

// WriteMSR implements insn.Hardware.WriteMSR.
//
// Writes to capability MSRs and to a locked IA32_FEATURE_CONTROL are
// dropped.
func (c *Core) WriteMSR(index uint32, value uint64) {
	if _, ok := c.m.caps[index]; ok {
		return
	}
	if index == msr.FeatureControl && c.msrs[index]&msr.FeatureControlLock != 0 {
		return
	}
	c.msrs[index] = value
}

// SetMSR sets an MSR without any lock semantics. It is used to model
// firmware configuration.
func (c *Core) SetMSR(index uint32, value uint64) {
	c.msrs[index] = value
}

// ReadCR0 implements insn.Hardware.ReadCR0.
func (c *Core) ReadCR0() uint64 { return c.cr0 }

// ReadCR3 implements insn.Hardware.ReadCR3.
func (c *Core) ReadCR3() uint64 { return c.cr3 }

// ReadCR4 implements insn.Hardware.ReadCR4.
func (c *Core) ReadCR4() uint64 { return c.cr4 }

// WriteCR4 implements insn.Hardware.WriteCR4.
func (c *Core) WriteCR4(value uint64) { c.cr4 = value }

// SetCR0 sets the host CR0.
func (c *Core) SetCR0(value uint64) { c.cr0 = value }

// XGetBV implements insn.Hardware.XGetBV.
func (c *Core) XGetBV(index uint32) uint64 {
	if index != 0 {
		return 0
	}
	return c.xcr0
}

// XSetBV implements insn.Hardware.XSetBV.
func (c *Core) XSetBV(index uint32, value uint64) {
	if index == 0 {
		c.xcr0 = value
	}
}

// HostSegments implements insn.Hardware.HostSegments.
func (c *Core) HostSegments() insn.HostSegments {
	base := 0xfffffe0000000000 + uint64(c.id)<<16
	return insn.HostSegments{
		CS:     0x10,
		SS:     0x18,
		TR:     0x40,
		TRBase: base + 0x3000,
		GDTR:   insn.DescriptorTable{Base: base + 0x1000, Limit: 0x7f},
		IDTR:   insn.DescriptorTable{Base: base, Limit: 0xfff},
	}
}

// RaiseNMI implements insn.Hardware.RaiseNMI.
func (c *Core) RaiseNMI() {
	c.mu.Lock()
	c.nmis++
	c.mu.Unlock()
}

// regionOK returns true if phys is the address of an allocated frame.
func (c *Core) regionOK(phys uint64) bool {
	if phys%frame.Size != 0 {
		return false
	}
	_, ok := c.m.mem.Lookup(phys)
	return ok
}

// revisionOK returns true if the region at phys starts with the VMCS
// revision identifier.
func (c *Core) revisionOK(phys uint64) bool {
	p, _ := c.m.mem.Lookup(phys)
	return p.Uint32(0)&0x7fffffff == c.m.cfg.Revision
}

// VMXOn implements insn.Hardware.VMXOn.
func (c *Core) VMXOn(phys uint64) error {
	const op = "vmxon"
	if c.cr4&msr.CR4VMXE == 0 {
		return errUD(op)
	}
	if c.vmxon {
		return c.fail(op, vmx.VMXOnInRoot)
	}
	fc := c.msrs[msr.FeatureControl]
	if fc&msr.FeatureControlLock == 0 || fc&msr.FeatureControlVMXOutsideSMX == 0 {
		return errGP(op, "feature control")
	}
	if !msr.CR0.Load(c).Valid(c.cr0) || !msr.CR4.Load(c).Valid(c.cr4) {
		return errGP(op, "fixed bits")
	}
	if !c.regionOK(phys) || !c.revisionOK(phys) {
		return vmx.NewInstructionError(op, vmx.VMFailInvalid)
	}
	c.vmxon = true
	c.vmxonPhys = phys
	return nil
}

// VMXOff implements insn.Hardware.VMXOff.
func (c *Core) VMXOff() error {
	if !c.vmxon {
		return errUD("vmxoff")
	}
	c.vmxon = false
	c.current = nil
	return nil
}

// VMClear implements insn.Hardware.VMClear.
func (c *Core) VMClear(phys uint64) error {
	const op = "vmclear"
	if !c.vmxon {
		return errUD(op)
	}
	if !c.regionOK(phys) {
		return c.fail(op, vmx.VMClearInvalidAddress)
	}
	if phys == c.vmxonPhys {
		return c.fail(op, vmx.VMClearVMXONPointer)
	}
	s := c.m.vmcs(phys)
	c.m.mu.Lock()
	s.launched = false
	s.active = notActive
	c.m.mu.Unlock()
	if c.current == s {
		c.current = nil
	}
	return nil
}

// VMPtrLoad implements insn.Hardware.VMPtrLoad.
//
// Loading a VMCS that is active on another core is a programming error the
// processor does not detect; the model reports it as vmx.ErrBadState.
func (c *Core) VMPtrLoad(phys uint64) error {
	const op = "vmptrld"
	if !c.vmxon {
		return errUD(op)
	}
	if !c.regionOK(phys) {
		return c.fail(op, vmx.VMPtrLoadInvalidAddress)
	}
	if phys == c.vmxonPhys {
		return c.fail(op, vmx.VMPtrLoadVMXONPointer)
	}
	if !c.revisionOK(phys) {
		return c.fail(op, vmx.VMPtrLoadBadRevision)
	}
	s := c.m.vmcs(phys)
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if s.active != notActive && s.active != c.id {
		return fmt.Errorf("sim: VMCS %#x is active on core %d: %w", phys, s.active, vmx.ErrBadState)
	}
	s.active = c.id
	c.current = s
	return nil
}

// VMRead implements insn.Hardware.VMRead.
func (c *Core) VMRead(field uint32) (uint64, error) {
	const op = "vmread"
	if !c.vmxon {
		return 0, errUD(op)
	}
	if c.current == nil {
		return 0, vmx.NewInstructionError(op, vmx.VMFailInvalid)
	}
	f := vmcs.Field(field)
	if !f.Valid() {
		return 0, c.fail(op, vmx.UnsupportedComponent)
	}
	if f.High() {
		return c.current.fields[f&^1] >> 32, nil
	}
	v := c.current.fields[f]
	switch f.Width() {
	case vmcs.Width16:
		v &= 0xffff
	case vmcs.Width32:
		v &= 0xffffffff
	}
	return v, nil
}

// VMWrite implements insn.Hardware.VMWrite.
func (c *Core) VMWrite(field uint32, value uint64) error {
	const op = "vmwrite"
	if !c.vmxon {
		return errUD(op)
	}
	if c.current == nil {
		return vmx.NewInstructionError(op, vmx.VMFailInvalid)
	}
	f := vmcs.Field(field)
	if !f.Valid() {
		return c.fail(op, vmx.UnsupportedComponent)
	}
	if f.ReadOnly() {
		return c.fail(op, vmx.VMWriteReadOnly)
	}
	if f.High() {
		base := f &^ 1
		c.current.fields[base] = c.current.fields[base]&0xffffffff | value<<32
		return nil
	}
	switch f.Width() {
	case vmcs.Width16:
		value &= 0xffff
	case vmcs.Width32:
		value &= 0xffffffff
	}
	c.current.fields[f] = value
	return nil
}

// InvEPT implements insn.Hardware.InvEPT.
func (c *Core) InvEPT(t insn.InvEPTType, eptp uint64) error {
	const op = "invept"
	if !c.vmxon {
		return errUD(op)
	}
	caps := msr.EPTVPIDCap(c.ReadMSR(msr.VMXEPTVPIDCap))
	switch {
	case t == insn.InvEPTSingleContext && caps.Has(msr.EPTInveptSingle):
		for k := range c.tlb {
			if k.eptp == eptp {
				delete(c.tlb, k)
			}
		}
	case t == insn.InvEPTAllContext && caps.Has(msr.EPTInveptAll):
		clear(c.tlb)
	default:
		return c.fail(op, vmx.InvalidInvalidationOperand)
	}
	c.mu.Lock()
	c.invepts++
	c.mu.Unlock()
	return nil
}

// RaiseExternalInterrupt queues a host interrupt on the core. It is
// recognized before the next guest instruction. It may be called from any
// goroutine.
func (c *Core) RaiseExternalInterrupt(vector uint8) {
	c.mu.Lock()
	c.pending = append(c.pending, vector)
	c.mu.Unlock()
}

// popInterrupt dequeues the oldest pending host interrupt.
func (c *Core) popInterrupt() (uint8, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return 0, false
	}
	v := c.pending[0]
	c.pending = c.pending[1:]
	return v, true
}

func (c *Core) deliver(info vmcs.InterruptionInfo) {
	c.mu.Lock()
	c.delivered = append(c.delivered, info)
	c.mu.Unlock()
}

// Stats are counters kept by a core.
type Stats struct {
	Launches int
	Resumes  int
	InvEPTs  int
	NMIs     int
}

// Stats returns the core's counters.
func (c *Core) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Launches: c.launches, Resumes: c.resumes, InvEPTs: c.invepts, NMIs: c.nmis}
}

// Delivered returns the events delivered to guests on this core, oldest
// first.
func (c *Core) Delivered() []vmcs.InterruptionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]vmcs.InterruptionInfo(nil), c.delivered...)
}

// VMXEnabled returns true between VMXON and VMXOFF.
func (c *Core) VMXEnabled() bool {
	return c.vmxon
}

// Current returns the address of the current VMCS.
func (c *Core) Current() (uint64, bool) {
	if c.current == nil {
		return 0, false
	}
	return c.current.phys, true
}
