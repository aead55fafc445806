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
)

const cpuid1ECXXSAVE = 1 << 26

// XCR0 state components checked by XSETBV.
const (
	xcr0X87      = 1 << 0
	xcr0SSE      = 1 << 1
	xcr0AVX      = 1 << 2
	xcr0BNDREG   = 1 << 3
	xcr0BNDCSR   = 1 << 4
	xcr0Opmask   = 1 << 5
	xcr0ZMMHi256 = 1 << 6
	xcr0Hi16ZMM  = 1 << 7

	xcr0MPX    = xcr0BNDREG | xcr0BNDCSR
	xcr0AVX512 = xcr0Opmask | xcr0ZMMHi256 | xcr0Hi16ZMM
)

// xstate holds the extended state control registers that differ between
// host and guest. Host values are sampled at bind time.
type xstate struct {
	// xsave and xsaves are set when XCR0 and IA32_XSS exist and the host
	// uses them.
	xsave  bool
	xsaves bool

	// supported is the set of XCR0 components the processor supports.
	supported uint64

	hostXCR0, guestXCR0 uint64
	hostXSS, guestXSS   uint64
}

func newXState(hw insn.Hardware) xstate {
	var x xstate
	x.xsave = hw.CPUID(cpuid.In{Eax: 1}).Ecx&cpuid1ECXXSAVE != 0 && hw.ReadCR4()&msr.CR4OSXSAVE != 0
	if !x.xsave {
		return x
	}
	leaf := hw.CPUID(cpuid.In{Eax: 0xd})
	x.supported = uint64(leaf.Eax) | uint64(leaf.Edx)<<32
	x.hostXCR0 = hw.XGetBV(0)
	x.guestXCR0 = x.hostXCR0
	x.xsaves = hw.CPUID(cpuid.In{Eax: 0xd, Ecx: 1}).Eax&cpuidDXSAVES != 0
	if x.xsaves {
		x.hostXSS = hw.ReadMSR(msr.XSS)
		x.guestXSS = x.hostXSS
	}
	return x
}

// switchToGuest loads the guest values before entry.
func (x *xstate) switchToGuest(hw insn.Hardware) {
	if !x.xsave {
		return
	}
	if x.guestXCR0 != x.hostXCR0 {
		hw.XSetBV(0, x.guestXCR0)
	}
	if x.xsaves && x.guestXSS != x.hostXSS {
		hw.WriteMSR(msr.XSS, x.guestXSS)
	}
}

// switchToHost restores the host values after an exit.
func (x *xstate) switchToHost(hw insn.Hardware) {
	if !x.xsave {
		return
	}
	if x.guestXCR0 != x.hostXCR0 {
		hw.XSetBV(0, x.hostXCR0)
	}
	if x.xsaves && x.guestXSS != x.hostXSS {
		hw.WriteMSR(msr.XSS, x.hostXSS)
	}
}

// validXCR0 returns true if the guest may load v into XCR0.
func (x *xstate) validXCR0(v uint64) bool {
	switch {
	case v&^x.supported != 0:
		return false
	case v&xcr0X87 == 0:
		return false
	case v&xcr0AVX != 0 && v&xcr0SSE == 0:
		return false
	case v&xcr0MPX != 0 && v&xcr0MPX != xcr0MPX:
		return false
	case v&xcr0AVX512 != 0 && (v&xcr0AVX512 != xcr0AVX512 || v&xcr0AVX == 0):
		return false
	}
	return true
}
