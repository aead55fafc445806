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

	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/vmx/pkg/vmx"
	"gvisor.dev/vmx/pkg/vmx/frame"
	"gvisor.dev/vmx/pkg/vmx/guestmem"
	"gvisor.dev/vmx/pkg/vmx/msr"
	"gvisor.dev/vmx/pkg/vmx/vmcs"
)

// Regs returns the general-purpose registers saved at the last exit and
// loaded at the next entry. The RSP slot is unused; see Register.
func (v *Vcpu) Regs() *vmx.GeneralRegisters {
	return &v.regs
}

// Register returns general-purpose register i in x86 encoding order. RSP
// lives in the VMCS and can only be read while bound.
func (v *Vcpu) Register(i int) (uint64, error) {
	if i < 0 || i >= vmx.NumGeneralRegisters {
		return 0, fmt.Errorf("register %d: %w", i, vmx.ErrBadState)
	}
	if i == vmx.RSP {
		if !v.bound() {
			return 0, v.badState("read rsp")
		}
		return v.acc.ReadNW(vmcs.GuestRSP)
	}
	return v.regs.Get(i), nil
}

// SetRegister sets general-purpose register i.
func (v *Vcpu) SetRegister(i int, value uint64) error {
	if i < 0 || i >= vmx.NumGeneralRegisters {
		return fmt.Errorf("register %d: %w", i, vmx.ErrBadState)
	}
	if i == vmx.RSP {
		if !v.bound() {
			return v.badState("write rsp")
		}
		return v.acc.WriteNW(vmcs.GuestRSP, value)
	}
	v.regs.Set(i, value)
	return nil
}

// RIP returns the guest instruction pointer.
func (v *Vcpu) RIP() (uint64, error) {
	if !v.bound() {
		return 0, v.badState("read rip")
	}
	return v.acc.ReadNW(vmcs.GuestRIP)
}

// SetRIP sets the guest instruction pointer.
func (v *Vcpu) SetRIP(rip uint64) error {
	if !v.bound() {
		return v.badState("write rip")
	}
	return v.acc.WriteNW(vmcs.GuestRIP, rip)
}

// Mode is the guest's operating mode.
type Mode int

// Operating modes.
const (
	RealMode Mode = iota
	ProtectedMode
	CompatibilityMode
	LongMode
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case RealMode:
		return "real"
	case ProtectedMode:
		return "protected"
	case CompatibilityMode:
		return "compatibility"
	case LongMode:
		return "long"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// csLong is the L bit of the code segment access rights.
const csLong = 1 << 13

// Mode returns the guest's current operating mode.
func (v *Vcpu) Mode() (Mode, error) {
	if !v.bound() {
		return 0, v.badState("read mode")
	}
	cr0, err := v.acc.ReadNW(vmcs.GuestCR0)
	if err != nil {
		return 0, err
	}
	if cr0&msr.CR0PE == 0 {
		return RealMode, nil
	}
	efer, err := v.acc.Read64(vmcs.GuestEFER)
	if err != nil {
		return 0, err
	}
	if efer&msr.EFERLMA == 0 {
		return ProtectedMode, nil
	}
	ar, err := v.acc.Read32(vmcs.GuestCSAccessRights)
	if err != nil {
		return 0, err
	}
	if ar&csLong != 0 {
		return LongMode, nil
	}
	return CompatibilityMode, nil
}

// Paging returns the guest's paging state.
func (v *Vcpu) Paging() (guestmem.Paging, error) {
	if !v.bound() {
		return guestmem.Paging{}, v.badState("read paging state")
	}
	var (
		p   guestmem.Paging
		err error
	)
	if p.CR0, err = v.acc.ReadNW(vmcs.GuestCR0); err != nil {
		return p, err
	}
	if p.CR3, err = v.acc.ReadNW(vmcs.GuestCR3); err != nil {
		return p, err
	}
	if p.CR4, err = v.acc.ReadNW(vmcs.GuestCR4); err != nil {
		return p, err
	}
	p.EFER, err = v.acc.Read64(vmcs.GuestEFER)
	return p, err
}

// memory returns the guest's memory as seen through its EPT.
func (v *Vcpu) memory() (*guestmem.Memory, error) {
	if v.opts.Memory == nil {
		return nil, fmt.Errorf("vCPU %d: no host memory access: %w", v.id, vmx.ErrUnsupported)
	}
	if v.table == nil {
		return nil, v.badState("access guest memory")
	}
	return guestmem.New(v.opts.Memory, v.table.EPTP()), nil
}

// ReadGuestPhys reads len(dst) bytes of guest-physical memory at gpa.
// Untranslated addresses return an *ept.Fault.
func (v *Vcpu) ReadGuestPhys(gpa uint64, dst []byte) error {
	m, err := v.memory()
	if err != nil {
		return err
	}
	return m.ReadPhys(gpa, dst, hostarch.Read)
}

// WriteGuestPhys writes src to guest-physical memory at gpa.
func (v *Vcpu) WriteGuestPhys(gpa uint64, src []byte) error {
	m, err := v.memory()
	if err != nil {
		return err
	}
	return m.WritePhys(gpa, src)
}

// ReadGuestVirt reads len(dst) bytes at guest linear address gva using the
// guest's current page tables.
func (v *Vcpu) ReadGuestVirt(gva uint64, dst []byte) error {
	m, err := v.memory()
	if err != nil {
		return err
	}
	p, err := v.Paging()
	if err != nil {
		return err
	}
	return m.ReadLinear(p, gva, dst, hostarch.Read)
}

// ReadInstruction reads the bytes at the guest's CS:RIP into dst, stopping
// at the first page that cannot be read. It returns the number of bytes
// read.
func (v *Vcpu) ReadInstruction(dst []byte) (int, error) {
	m, err := v.memory()
	if err != nil {
		return 0, err
	}
	p, err := v.Paging()
	if err != nil {
		return 0, err
	}
	rip, err := v.RIP()
	if err != nil {
		return 0, err
	}
	mode, err := v.Mode()
	if err != nil {
		return 0, err
	}
	addr := rip
	if mode != LongMode {
		base, err := v.acc.ReadNW(vmcs.GuestCSBase)
		if err != nil {
			return 0, err
		}
		addr = uint64(uint32(base + rip))
	}
	n := 0
	for n < len(dst) {
		chunk := min(len(dst)-n, int(frame.Size-(addr+uint64(n))%frame.Size))
		if err := m.ReadLinear(p, addr+uint64(n), dst[n:n+chunk], hostarch.Execute); err != nil {
			if n == 0 {
				return 0, err
			}
			break
		}
		n += chunk
	}
	return n, nil
}
