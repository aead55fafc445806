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

// Package sim is a software model of VMX hardware.
//
// A Machine has a fixed number of cores sharing physical memory, CPUID
// leaves and VMX capability MSRs. Each *Core implements insn.Hardware and
// models the VMX instructions closely enough to enforce the protocol the
// engine must follow: VMXON preconditions, VMCS launch state, read-only and
// unsupported fields, control settings against the capability MSRs, guest
// state checks, and a per-core EPT translation cache that is only flushed
// by INVEPT.
//
// Guests run on a small interpreter covering the instructions listed in
// interp.go. Exceptions are never delivered through a guest IDT: those not
// intercepted by the exception bitmap shut the guest down with a triple
// fault. Injected events are recorded in Core.Delivered.
package sim

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/cpuid"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/vmx/pkg/vmx/frame"
	"gvisor.dev/vmx/pkg/vmx/msr"
)

// Config describes a simulated machine.
type Config struct {
	// Cores is the number of logical cores. Zero means one.
	Cores int

	// MemoryBase and MemorySize bound the physical address space handed
	// out by the frame allocator. A zero MemorySize means unlimited.
	MemoryBase uint64
	MemorySize uint64

	// Revision is the VMCS revision identifier. Zero selects a default.
	Revision uint32

	// StepLimit is the number of guest instructions executed per entry
	// before a host timer interrupt forces an exit. Zero selects a
	// default.
	StepLimit int

	// TimerVector is the vector reported for host timer interrupts.
	// Zero selects a default.
	TimerVector uint8
}

// Defaults.
const (
	DefaultMemoryBase  = 0x10000000
	DefaultRevision    = 0x12
	DefaultStepLimit   = 1 << 16
	DefaultTimerVector = 0xec
)

// Host control register values of a freshly reset core: a 64-bit kernel
// with PAE, PGE, OSFXSR, OSXMMEXCPT, OSXSAVE, SMEP and SMAP.
const (
	hostCR0 = msr.CR0PE | msr.CR0MP | msr.CR0ET | msr.CR0NE | msr.CR0WP | msr.CR0PG
	hostCR4 = 0x3406a0
	hostCR3 = 0x1000
)

// XCR0 components.
const (
	XCR0X87 = 1 << 0
	XCR0SSE = 1 << 1
	XCR0AVX = 1 << 2

	hostXCR0 = XCR0X87 | XCR0SSE | XCR0AVX
)

// CPUID feature bits set by default.
const (
	cpuid1ECXVMX     = 1 << 5
	cpuid1ECXXSAVE   = 1 << 26
	cpuid1ECXOSXSAVE = 1 << 27
	cpuid7EBXINVPCID = 1 << 10
	cpuid7ECXWAITPKG = 1 << 5
	cpuid7ECXLA57    = 1 << 16
	cpuidDXSAVES     = 1 << 3
	cpuidExtRDTSCP   = 1 << 27
	cpuidExtLM       = 1 << 29
)

// Machine is a simulated multi-core machine.
type Machine struct {
	cfg Config
	mem *frame.Heap

	// cpuid and caps are shared by all cores. Tests may modify them
	// before the cores are used.
	cpuid cpuid.Static
	caps  map[uint32]uint64

	cores []*Core

	// mu protects vmcss.
	mu sync.Mutex

	// vmcss holds every VMCS the machine has seen, by region address.
	vmcss map[uint64]*vmcsState
}

// New returns a machine described by cfg.
func New(cfg Config) *Machine {
	if cfg.Cores <= 0 {
		cfg.Cores = 1
	}
	if cfg.MemoryBase == 0 {
		cfg.MemoryBase = DefaultMemoryBase
	}
	if cfg.Revision == 0 {
		cfg.Revision = DefaultRevision
	}
	if cfg.StepLimit <= 0 {
		cfg.StepLimit = DefaultStepLimit
	}
	if cfg.TimerVector == 0 {
		cfg.TimerVector = DefaultTimerVector
	}
	m := &Machine{
		cfg:   cfg,
		mem:   frame.NewHeap(cfg.MemoryBase, cfg.MemorySize),
		cpuid: defaultCPUID(),
		caps:  defaultCapabilities(cfg.Revision),
		vmcss: make(map[uint64]*vmcsState),
	}
	for i := 0; i < cfg.Cores; i++ {
		m.cores = append(m.cores, newCore(m, i))
	}
	return m
}

// Memory returns the physical memory of the machine, which is also its
// frame allocator.
func (m *Machine) Memory() *frame.Heap {
	return m.mem
}

// NumCores returns the number of cores.
func (m *Machine) NumCores() int {
	return len(m.cores)
}

// Core returns core i.
func (m *Machine) Core(i int) *Core {
	return m.cores[i]
}

// CPUID returns the CPUID leaves reported by every core. The returned map
// may be modified before the machine is used.
func (m *Machine) CPUID() cpuid.Static {
	return m.cpuid
}

// SetCapability overrides a VMX capability MSR on every core.
func (m *Machine) SetCapability(index uint32, v uint64) {
	m.caps[index] = v
}

// Capability returns a VMX capability MSR.
func (m *Machine) Capability(index uint32) uint64 {
	return m.caps[index]
}

// Revision returns the VMCS revision identifier.
func (m *Machine) Revision() uint32 {
	return m.cfg.Revision
}

// String implements fmt.Stringer.
func (m *Machine) String() string {
	return fmt.Sprintf("sim.Machine{cores: %d, revision: %#x}", len(m.cores), m.cfg.Revision)
}

// vmcs returns the state of the VMCS at phys, creating it clear if the
// machine has not seen it before.
func (m *Machine) vmcs(phys uint64) *vmcsState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.vmcss[phys]
	if !ok {
		s = newVMCSState(phys)
		m.vmcss[phys] = s
	}
	return s
}

func allowed(a0, a1 uint32) uint64 {
	return msr.AllowedSettings{Allowed0: a0, Allowed1: a1}.Encode()
}

// defaultCapabilities returns capability MSRs resembling a recent server
// part, with true controls.
func defaultCapabilities(revision uint32) map[uint32]uint64 {
	return map[uint32]uint64{
		msr.VMXBasic: msr.Basic{
			RevisionID:   revision,
			RegionSize:   frame.Size,
			MemoryType:   msr.MemoryTypeWriteBack,
			IOExitInfo:   true,
			TrueControls: true,
		}.Encode(),
		msr.VMXPinbasedCtls:      allowed(0x16, 0xff),
		msr.VMXTruePinbasedCtls:  allowed(0x16, 0xff),
		msr.VMXProcbasedCtls:     allowed(0x0401e172, 0xfff9fffe),
		msr.VMXTrueProcbasedCtls: allowed(0x04006172, 0xfff9fffe),
		msr.VMXProcbasedCtls2:    allowed(0, 0x001fffff),
		msr.VMXExitCtls:          allowed(0x00036dff, 0x01ffffff),
		msr.VMXTrueExitCtls:      allowed(0x00036dfb, 0x01ffffff),
		msr.VMXEntryCtls:         allowed(0x000011ff, 0x0003ffff),
		msr.VMXTrueEntryCtls:     allowed(0x000011fb, 0x0003ffff),
		msr.VMXMisc:              0x5,
		msr.VMXCR0Fixed0:         msr.CR0PE | msr.CR0NE | msr.CR0PG,
		msr.VMXCR0Fixed1:         0xffffffff,
		msr.VMXCR4Fixed0:         msr.CR4VMXE,
		msr.VMXCR4Fixed1:         0x003fffff,
		msr.VMXVMCSEnum:          0x2e,
		msr.VMXEPTVPIDCap: uint64(msr.EPTExecuteOnly | msr.EPTPageWalk4 | msr.EPTUncacheable |
			msr.EPTWriteBack | msr.EPT2MPage | msr.EPT1GPage | msr.EPTInvept |
			msr.EPTInveptSingle | msr.EPTInveptAll | msr.VPIDInvvpid | msr.VPIDInvvpidSingle |
			msr.VPIDInvvpidAllContext),
		msr.VMXVMFunc: 0,
	}
}

// defaultCPUID returns the CPUID leaves of the simulated processor.
func defaultCPUID() cpuid.Static {
	s := make(cpuid.Static)
	// "GenuineIntel".
	s.Set(cpuid.In{Eax: 0}, cpuid.Out{Eax: 0xd, Ebx: 0x756e6547, Edx: 0x49656e69, Ecx: 0x6c65746e})
	s.Set(cpuid.In{Eax: 1}, cpuid.Out{
		Eax: 0x000906ea,
		Ebx: 0x00100800,
		Ecx: 1<<0 | cpuid1ECXVMX | 1<<9 | 1<<13 | 1<<19 | 1<<20 | 1<<23 | cpuid1ECXXSAVE | cpuid1ECXOSXSAVE | 1<<28,
		Edx: 0x178bfbff,
	})
	s.Set(cpuid.In{Eax: 7}, cpuid.Out{
		Ebx: 1<<0 | cpuid7EBXINVPCID,
		Ecx: cpuid7ECXWAITPKG | cpuid7ECXLA57,
	})
	s.Set(cpuid.In{Eax: 0xd, Ecx: 0}, cpuid.Out{Eax: hostXCR0, Ebx: xsaveSize(hostXCR0), Ecx: xsaveSize(hostXCR0)})
	s.Set(cpuid.In{Eax: 0xd, Ecx: 1}, cpuid.Out{Eax: 1<<0 | cpuidDXSAVES})
	s.Set(cpuid.In{Eax: 0x80000000}, cpuid.Out{Eax: 0x80000008})
	s.Set(cpuid.In{Eax: 0x80000001}, cpuid.Out{Ecx: 1, Edx: 1<<11 | 1<<20 | cpuidExtRDTSCP | cpuidExtLM})
	return s
}

// xsaveSize returns the XSAVE area size for the enabled components.
func xsaveSize(xcr0 uint64) uint32 {
	size := uint32(512 + 64)
	if xcr0&XCR0AVX != 0 {
		size += 256
	}
	return size
}
