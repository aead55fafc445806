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

// Package apic provides the interrupt controller model that backs guest
// x2APIC register accesses.
//
// Registers are identified by their x2APIC MSR index (0x800 + MMIO offset /
// 16). The engine intercepts the x2APIC range and forwards each access to a
// Controller; everything else about interrupt delivery, such as timers and
// inter-processor routing, is the embedder's responsibility.
package apic

import (
	"fmt"
	"math/bits"

	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/vmx/pkg/vmx"
	"gvisor.dev/vmx/pkg/vmx/msr"
)

// Controller handles guest accesses to x2APIC registers.
//
// Implementations must be safe for concurrent use: interrupts may be
// accepted from other goroutines while the owning vCPU runs.
type Controller interface {
	// Read returns the value of register reg.
	Read(reg uint32) (uint64, error)

	// Write stores value into register reg.
	Write(reg uint32, value uint64) error
}

// x2APIC register indices.
const (
	RegID           uint32 = 0x802
	RegVersion      uint32 = 0x803
	RegTPR          uint32 = 0x808
	RegPPR          uint32 = 0x80a
	RegEOI          uint32 = 0x80b
	RegLDR          uint32 = 0x80d
	RegSVR          uint32 = 0x80f
	RegISR          uint32 = 0x810
	RegTMR          uint32 = 0x818
	RegIRR          uint32 = 0x820
	RegESR          uint32 = 0x828
	RegLVTCMCI      uint32 = 0x82f
	RegICR          uint32 = 0x830
	RegLVTTimer     uint32 = 0x832
	RegLVTThermal   uint32 = 0x833
	RegLVTPerf      uint32 = 0x834
	RegLVTLINT0     uint32 = 0x835
	RegLVTLINT1     uint32 = 0x836
	RegLVTError     uint32 = 0x837
	RegTimerInitial uint32 = 0x838
	RegTimerCurrent uint32 = 0x839
	RegTimerDivide  uint32 = 0x83e
	RegSelfIPI      uint32 = 0x83f
)

const (
	// version reports an integrated APIC with 7 LVT entries and no EOI
	// broadcast suppression.
	version = 0x00060014

	svrEnabled  = 1 << 8
	lvtMasked   = 1 << 16
	icrShortcut = 3 << 18

	// ICR destination shorthands other than self address every APIC.
	shortcutSelf         = 1 << 18
	broadcastDestination = 0xffffffff
)

// Deliver is called for every interrupt the guest sends through the ICR or
// the self-IPI register. dest is the x2APIC ID of the target, or
// 0xffffffff for a broadcast.
type Deliver func(dest uint32, vector uint8)

// X2APIC is a register-level model of one local x2APIC.
//
// It tracks the requested and in-service vectors so that EOI, TPR and PPR
// behave as the guest expects. Interrupts sent by the guest are passed to
// the Deliver callback; interrupts for this APIC enter through Accept.
type X2APIC struct {
	id      uint32
	deliver Deliver

	// mu protects the fields below.
	mu      sync.Mutex
	tpr     uint32
	ldr     uint32
	svr     uint32
	esr     uint32
	icr     uint64
	lvt     [7]uint32
	initial uint32
	divide  uint32
	irr     [8]uint32
	isr     [8]uint32
	tmr     [8]uint32
}

var _ Controller = (*X2APIC)(nil)

// NewX2APIC returns an APIC with the given x2APIC ID in its reset state.
// deliver may be nil, in which case guest IPIs are dropped.
func NewX2APIC(id uint32, deliver Deliver) *X2APIC {
	a := &X2APIC{
		id:      id,
		deliver: deliver,
		svr:     0xff,
		// Logical destination in cluster mode: cluster in bits 31:16 and
		// a one-hot position within the cluster.
		ldr: (id>>4)<<16 | 1<<(id&0xf),
	}
	for i := range a.lvt {
		a.lvt[i] = lvtMasked
	}
	return a
}

// lvtIndex maps an LVT register to its slot.
func lvtIndex(reg uint32) (int, bool) {
	switch reg {
	case RegLVTCMCI:
		return 0, true
	case RegLVTTimer, RegLVTThermal, RegLVTPerf, RegLVTLINT0, RegLVTLINT1, RegLVTError:
		return int(reg-RegLVTTimer) + 1, true
	}
	return 0, false
}

// highest returns the highest vector set in v.
func highest(v *[8]uint32) (uint8, bool) {
	for i := len(v) - 1; i >= 0; i-- {
		if v[i] != 0 {
			return uint8(i*32 + 31 - bits.LeadingZeros32(v[i])), true
		}
	}
	return 0, false
}

func setVector(v *[8]uint32, vector uint8) { v[vector/32] |= 1 << (vector % 32) }

func clearVector(v *[8]uint32, vector uint8) { v[vector/32] &^= 1 << (vector % 32) }

// ppr computes the processor priority.
//
// Preconditions: a.mu must be locked.
func (a *X2APIC) ppr() uint32 {
	isrv := uint32(0)
	if v, ok := highest(&a.isr); ok {
		isrv = uint32(v)
	}
	if a.tpr&0xf0 >= isrv&0xf0 {
		return a.tpr & 0xff
	}
	return isrv & 0xf0
}

func errReserved(op string, reg uint32) error {
	return fmt.Errorf("x2APIC %s of register %#x: %w", op, reg, vmx.ErrUnsupported)
}

// Read implements Controller.Read.
func (a *X2APIC) Read(reg uint32) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case reg == RegID:
		return uint64(a.id), nil
	case reg == RegVersion:
		return version, nil
	case reg == RegTPR:
		return uint64(a.tpr), nil
	case reg == RegPPR:
		return uint64(a.ppr()), nil
	case reg == RegLDR:
		return uint64(a.ldr), nil
	case reg == RegSVR:
		return uint64(a.svr), nil
	case reg >= RegISR && reg < RegISR+8:
		return uint64(a.isr[reg-RegISR]), nil
	case reg >= RegTMR && reg < RegTMR+8:
		return uint64(a.tmr[reg-RegTMR]), nil
	case reg >= RegIRR && reg < RegIRR+8:
		return uint64(a.irr[reg-RegIRR]), nil
	case reg == RegESR:
		return uint64(a.esr), nil
	case reg == RegICR:
		return a.icr, nil
	case reg == RegTimerInitial:
		return uint64(a.initial), nil
	case reg == RegTimerCurrent:
		// The timer is not modelled; it never counts.
		return 0, nil
	case reg == RegTimerDivide:
		return uint64(a.divide), nil
	}
	if i, ok := lvtIndex(reg); ok {
		return uint64(a.lvt[i]), nil
	}
	return 0, errReserved("read", reg)
}

// Write implements Controller.Write.
func (a *X2APIC) Write(reg uint32, value uint64) error {
	var (
		dest   uint32
		vector uint8
		send   bool
	)
	if err := func() error {
		a.mu.Lock()
		defer a.mu.Unlock()
		switch reg {
		case RegTPR:
			a.tpr = uint32(value) & 0xff
		case RegEOI:
			if value != 0 {
				return errReserved("non-zero write", reg)
			}
			if v, ok := highest(&a.isr); ok {
				clearVector(&a.isr, v)
			}
		case RegSVR:
			a.svr = uint32(value) & 0x11ff
		case RegESR:
			a.esr = 0
		case RegICR:
			a.icr = value &^ (1 << 12)
			vector = uint8(value)
			switch value & icrShortcut {
			case 0:
				dest = uint32(value >> 32)
			case shortcutSelf:
				dest = a.id
			default:
				dest = broadcastDestination
			}
			send = a.svr&svrEnabled != 0
		case RegSelfIPI:
			vector, dest = uint8(value), a.id
			send = a.svr&svrEnabled != 0
		case RegTimerInitial:
			a.initial = uint32(value)
		case RegTimerDivide:
			a.divide = uint32(value) & 0xb
		default:
			i, ok := lvtIndex(reg)
			if !ok {
				return errReserved("write", reg)
			}
			v := uint32(value)
			if a.svr&svrEnabled == 0 {
				v |= lvtMasked
			}
			a.lvt[i] = v
		}
		return nil
	}(); err != nil {
		return err
	}
	if send {
		if log.IsLogging(log.Debug) {
			log.Debugf("x2APIC %d: IPI vector %#x to %#x", a.id, vector, dest)
		}
		if a.deliver != nil {
			a.deliver(dest, vector)
		}
	}
	return nil
}

// Accept marks vector as requested.
func (a *X2APIC) Accept(vector uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()
	setVector(&a.irr, vector)
}

// Ack moves the highest requested vector above the processor priority into
// service and returns it. The caller injects the returned vector.
func (a *X2APIC) Ack() (uint8, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.svr&svrEnabled == 0 {
		return 0, false
	}
	v, ok := highest(&a.irr)
	if !ok || uint32(v)&0xf0 <= a.ppr()&0xf0 {
		return 0, false
	}
	clearVector(&a.irr, v)
	setVector(&a.isr, v)
	return v, true
}

// IsX2APICRegister returns true if index lies in the x2APIC MSR range.
func IsX2APICRegister(index uint32) bool {
	return index >= msr.X2APICFirst && index <= msr.X2APICLast
}
