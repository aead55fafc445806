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

package percpu

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/vmx/pkg/vmx"
	"gvisor.dev/vmx/pkg/vmx/frame"
	"gvisor.dev/vmx/pkg/vmx/insn"
	"gvisor.dev/vmx/pkg/vmx/msr"
)

// begin marks core id as in transition and returns it.
func (r *Registry) begin(id int, enable bool) (*core, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	switch {
	case c.transition:
		return nil, fmt.Errorf("core %d: enable or disable in progress: %w", id, vmx.ErrResourceBusy)
	case enable && c.enabled:
		return nil, fmt.Errorf("core %d: VMX already enabled: %w", id, vmx.ErrResourceBusy)
	case !enable && !c.enabled:
		return nil, fmt.Errorf("core %d: VMX not enabled: %w", id, vmx.ErrBadState)
	case !enable && c.owner != noOwner:
		return nil, fmt.Errorf("core %d: vCPU %d still bound: %w", id, c.owner, vmx.ErrResourceBusy)
	}
	c.transition = true
	return c, nil
}

// end clears the transition mark of c.
func (r *Registry) end(c *core) {
	r.mu.Lock()
	c.transition = false
	r.mu.Unlock()
}

// Enable enters VMX root operation on core id.
//
// If IA32_FEATURE_CONTROL is unlocked, Enable locks it with VMX outside
// SMX enabled. This cannot be undone until the next reset.
//
// Errors: vmx.ErrUnsupported if the processor lacks VMX, firmware locked it
// off, or the capability registers describe an unusable VMXON region;
// vmx.ErrResourceBusy if VMX is already enabled on the core, by this
// Registry or by someone else; vmx.ErrBadState if CR0 or CR4 violate the
// VMX fixed bits; *vmx.InstructionError if VMXON fails.
func (r *Registry) Enable(id int) error {
	c, err := r.begin(id, true)
	if err != nil {
		return err
	}
	defer r.end(c)

	hw := c.hw
	if !ProbeSupport(insn.CPUIDFunction{Hardware: hw}) {
		return fmt.Errorf("core %d: no VMX in CPUID: %w", id, vmx.ErrUnsupported)
	}
	if err := unlockFeatureControl(id, hw); err != nil {
		return err
	}

	basic := msr.DecodeBasic(hw.ReadMSR(msr.VMXBasic))
	switch {
	case basic.RegionSize == 0 || basic.RegionSize > frame.Size:
		return fmt.Errorf("core %d: VMXON region size %d: %w", id, basic.RegionSize, vmx.ErrUnsupported)
	case basic.MemoryType != msr.MemoryTypeWriteBack:
		return fmt.Errorf("core %d: VMX structures need memory type %d: %w", id, basic.MemoryType, vmx.ErrUnsupported)
	}

	cr4 := hw.ReadCR4()
	if cr4&msr.CR4VMXE != 0 {
		return fmt.Errorf("core %d: CR4.VMXE already set, VMX in use: %w", id, vmx.ErrResourceBusy)
	}
	if err := msr.CR0.Check(hw, hw.ReadCR0()); err != nil {
		return fmt.Errorf("core %d: %w", id, err)
	}
	if err := msr.CR4.Check(hw, cr4|msr.CR4VMXE); err != nil {
		return fmt.Errorf("core %d: %w", id, err)
	}

	region, err := r.alloc.Alloc()
	if err != nil {
		return fmt.Errorf("core %d: allocating VMXON region: %w", id, err)
	}
	cu := cleanup.Make(func() { r.alloc.Free(region) })
	defer cu.Clean()
	if basic.PhysAddr32 && region.Phys+frame.Size > 1<<32 {
		return fmt.Errorf("core %d: VMXON region %v above 4GB: %w", id, region, vmx.ErrUnsupported)
	}
	region.Page.SetUint32(0, basic.RevisionID)

	hw.WriteCR4(cr4 | msr.CR4VMXE)
	cu.Add(func() { hw.WriteCR4(cr4) })

	if err := hw.VMXOn(region.Phys); err != nil {
		return fmt.Errorf("core %d: %w", id, err)
	}
	cu.Release()

	r.mu.Lock()
	c.enabled = true
	c.basic = basic
	c.region = region
	c.savedCR4 = cr4
	r.mu.Unlock()
	log.Infof("VMX enabled on core %d: %v", id, basic)
	return nil
}

// unlockFeatureControl checks IA32_FEATURE_CONTROL, locking it with VMX
// enabled when firmware left it unlocked.
func unlockFeatureControl(id int, hw insn.Hardware) error {
	fc := hw.ReadMSR(msr.FeatureControl)
	if fc&msr.FeatureControlLock != 0 {
		if fc&msr.FeatureControlVMXOutsideSMX == 0 {
			return fmt.Errorf("core %d: VMX disabled by firmware (feature control %#x): %w", id, fc, vmx.ErrUnsupported)
		}
		return nil
	}
	fc |= msr.FeatureControlLock | msr.FeatureControlVMXOutsideSMX
	hw.WriteMSR(msr.FeatureControl, fc)
	log.Infof("Core %d: locked IA32_FEATURE_CONTROL to %#x", id, fc)
	return nil
}

// Disable leaves VMX operation on core id and frees its VMXON region.
//
// It fails with vmx.ErrBadState if VMX is not enabled and with
// vmx.ErrResourceBusy while a vCPU is bound to the core.
func (r *Registry) Disable(id int) error {
	c, err := r.begin(id, false)
	if err != nil {
		return err
	}
	defer r.end(c)

	if err := c.hw.VMXOff(); err != nil {
		return fmt.Errorf("core %d: %w", id, err)
	}
	c.hw.WriteCR4(c.savedCR4 &^ msr.CR4VMXE)
	r.alloc.Free(c.region)

	r.mu.Lock()
	c.enabled = false
	c.region = frame.Frame{}
	r.mu.Unlock()
	log.Infof("VMX disabled on core %d", id)
	return nil
}
