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
	"gvisor.dev/gvisor/pkg/hostarch"
)

// Leaves with emulated contents.
const (
	leafFeatures        = 1
	leafExtendedFeature = 7
	leafXSave           = 0xd
	leafTSC             = 0x16
	leafHypervisor      = 0x40000000
	leafHypervisorInfo  = 0x40000001
)

const (
	cpuid1ECXVMX        = 1 << 5
	cpuid1ECXHypervisor = 1 << 31
	cpuid7ECXWAITPKG    = 1 << 5
	cpuid7ECXLA57       = 1 << 16
)

func (v *Vcpu) handleCPUID() (ExitReason, error) {
	out := v.emulateCPUID(cpuid.In{Eax: uint32(v.regs.RAX), Ecx: uint32(v.regs.RCX)})
	v.regs.RAX = uint64(out.Eax)
	v.regs.RBX = uint64(out.Ebx)
	v.regs.RCX = uint64(out.Ecx)
	v.regs.RDX = uint64(out.Edx)
	if err := v.acc.AdvanceRIP(); err != nil {
		return nil, err
	}
	return Nothing{}, nil
}

// emulateCPUID returns the guest's view of a CPUID leaf: the host's, with
// VMX hidden and the hypervisor leaves added.
func (v *Vcpu) emulateCPUID(in cpuid.In) cpuid.Out {
	switch in.Eax {
	case leafHypervisor:
		var vendor [12]byte
		copy(vendor[:], v.opts.HypervisorVendor)
		return cpuid.Out{
			Eax: leafHypervisorInfo,
			Ebx: hostarch.ByteOrder.Uint32(vendor[0:4]),
			Ecx: hostarch.ByteOrder.Uint32(vendor[4:8]),
			Edx: hostarch.ByteOrder.Uint32(vendor[8:12]),
		}
	case leafHypervisorInfo:
		return cpuid.Out{}
	case leafXSave:
		// Sizes depend on XCR0, so query under the guest's value.
		x := &v.xstate
		if x.xsave && x.guestXCR0 != x.hostXCR0 {
			v.hw.XSetBV(0, x.guestXCR0)
			defer v.hw.XSetBV(0, x.hostXCR0)
		}
		return v.hw.CPUID(in)
	}

	out := v.hw.CPUID(in)
	switch in.Eax {
	case leafFeatures:
		out.Ecx = out.Ecx&^cpuid1ECXVMX | cpuid1ECXHypervisor
	case leafExtendedFeature:
		if in.Ecx == 0 {
			out.Ecx &^= cpuid7ECXWAITPKG | cpuid7ECXLA57
		}
	case leafTSC:
		if out.Eax == 0 {
			exitLog.Warningf("vCPU %d: processor does not report its TSC frequency, using %d MHz", v.id, v.opts.TSCMHz)
			out.Eax = v.opts.TSCMHz
		}
	}
	return out
}
