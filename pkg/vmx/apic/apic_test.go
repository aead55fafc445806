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

package apic

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/vmx/pkg/vmx"
)

type ipi struct {
	Dest   uint32
	Vector uint8
}

func newAPIC(id uint32) (*X2APIC, *[]ipi) {
	var sent []ipi
	a := NewX2APIC(id, func(dest uint32, vector uint8) {
		sent = append(sent, ipi{dest, vector})
	})
	return a, &sent
}

func mustRead(t *testing.T, a *X2APIC, reg uint32) uint64 {
	t.Helper()
	v, err := a.Read(reg)
	if err != nil {
		t.Fatalf("Read(%#x) failed: %v", reg, err)
	}
	return v
}

func mustWrite(t *testing.T, a *X2APIC, reg uint32, v uint64) {
	t.Helper()
	if err := a.Write(reg, v); err != nil {
		t.Fatalf("Write(%#x, %#x) failed: %v", reg, v, err)
	}
}

func TestResetState(t *testing.T) {
	a, _ := newAPIC(0x13)
	for _, tc := range []struct {
		reg  uint32
		want uint64
	}{
		{RegID, 0x13},
		{RegVersion, version},
		{RegTPR, 0},
		{RegSVR, 0xff},
		{RegLDR, 1<<16 | 1<<3},
		{RegLVTTimer, lvtMasked},
		{RegLVTError, lvtMasked},
		{RegTimerCurrent, 0},
	} {
		if got := mustRead(t, a, tc.reg); got != tc.want {
			t.Errorf("Read(%#x) = %#x, want %#x", tc.reg, got, tc.want)
		}
	}
}

func TestReservedRegisters(t *testing.T) {
	a, _ := newAPIC(0)
	if _, err := a.Read(RegEOI); !errors.Is(err, vmx.ErrUnsupported) {
		t.Errorf("Read(EOI) = %v, want ErrUnsupported", err)
	}
	if _, err := a.Read(0x8ff); !errors.Is(err, vmx.ErrUnsupported) {
		t.Errorf("Read(0x8ff) = %v, want ErrUnsupported", err)
	}
	if err := a.Write(RegID, 1); !errors.Is(err, vmx.ErrUnsupported) {
		t.Errorf("Write(ID) = %v, want ErrUnsupported", err)
	}
	if err := a.Write(RegEOI, 1); !errors.Is(err, vmx.ErrUnsupported) {
		t.Errorf("non-zero EOI = %v, want ErrUnsupported", err)
	}
}

func TestLVTMaskedWhileSoftwareDisabled(t *testing.T) {
	a, _ := newAPIC(0)
	mustWrite(t, a, RegLVTLINT0, 0x700)
	if got := mustRead(t, a, RegLVTLINT0); got != 0x700|lvtMasked {
		t.Errorf("LINT0 with APIC disabled = %#x, want masked", got)
	}
	mustWrite(t, a, RegSVR, svrEnabled|0xff)
	mustWrite(t, a, RegLVTLINT0, 0x700)
	if got := mustRead(t, a, RegLVTLINT0); got != 0x700 {
		t.Errorf("LINT0 with APIC enabled = %#x, want 0x700", got)
	}
}

func TestIPI(t *testing.T) {
	a, sent := newAPIC(2)
	// Dropped while the APIC is software disabled.
	mustWrite(t, a, RegSelfIPI, 0x40)
	mustWrite(t, a, RegSVR, svrEnabled|0xff)
	mustWrite(t, a, RegSelfIPI, 0x41)
	mustWrite(t, a, RegICR, 5<<32|0x42)
	mustWrite(t, a, RegICR, shortcutSelf|0x43)
	mustWrite(t, a, RegICR, 2<<18|0x44)
	want := []ipi{{2, 0x41}, {5, 0x42}, {2, 0x43}, {broadcastDestination, 0x44}}
	if diff := cmp.Diff(want, *sent); diff != "" {
		t.Errorf("IPIs mismatch (-want +got):\n%s", diff)
	}
	if got := mustRead(t, a, RegICR); got != 2<<18|0x44 {
		t.Errorf("ICR = %#x, want last value written", got)
	}
}

func TestAckAndEOI(t *testing.T) {
	a, _ := newAPIC(0)
	a.Accept(0x30)
	if _, ok := a.Ack(); ok {
		t.Fatalf("Ack succeeded with the APIC software disabled")
	}
	mustWrite(t, a, RegSVR, svrEnabled|0xff)
	a.Accept(0x51)
	v, ok := a.Ack()
	if !ok || v != 0x51 {
		t.Fatalf("Ack = %#x, %t, want 0x51", v, ok)
	}
	if got := mustRead(t, a, RegPPR); got != 0x50 {
		t.Errorf("PPR with 0x51 in service = %#x, want 0x50", got)
	}
	// 0x30 is below the in-service priority class.
	if v, ok := a.Ack(); ok {
		t.Fatalf("Ack = %#x while blocked by the in-service vector", v)
	}
	if got := mustRead(t, a, RegISR+2); got != 1<<(0x51-64) {
		t.Errorf("ISR[2] = %#x", got)
	}
	mustWrite(t, a, RegEOI, 0)
	if got := mustRead(t, a, RegPPR); got != 0 {
		t.Errorf("PPR after EOI = %#x, want 0", got)
	}
	mustWrite(t, a, RegTPR, 0x40)
	if v, ok := a.Ack(); ok {
		t.Fatalf("Ack = %#x with TPR 0x40", v)
	}
	mustWrite(t, a, RegTPR, 0x20)
	if v, ok := a.Ack(); !ok || v != 0x30 {
		t.Fatalf("Ack = %#x, %t, want 0x30", v, ok)
	}
}

func TestIsX2APICRegister(t *testing.T) {
	for index, want := range map[uint32]bool{0x7ff: false, 0x800: true, 0x830: true, 0x8ff: true, 0x900: false} {
		if got := IsX2APICRegister(index); got != want {
			t.Errorf("IsX2APICRegister(%#x) = %t, want %t", index, got, want)
		}
	}
}
