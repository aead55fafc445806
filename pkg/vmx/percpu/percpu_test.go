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
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gvisor/pkg/cpuid"
	"gvisor.dev/vmx/pkg/vmx"
	"gvisor.dev/vmx/pkg/vmx/msr"
	"gvisor.dev/vmx/pkg/vmx/sim"
)

func newRegistry(t *testing.T, cores int) (*sim.Machine, *Registry) {
	t.Helper()
	m := sim.New(sim.Config{Cores: cores})
	r := NewRegistry(m.Memory(), Options{})
	for i := 0; i < cores; i++ {
		if err := r.Attach(i, m.Core(i)); err != nil {
			t.Fatalf("Attach(%d): %v", i, err)
		}
	}
	return m, r
}

func TestProbeSupport(t *testing.T) {
	s := cpuid.Static{}
	if ProbeSupport(s) {
		t.Errorf("ProbeSupport with empty CPUID = true")
	}
	s.Set(cpuid.In{Eax: 1}, cpuid.Out{Ecx: cpuidVMX})
	if !ProbeSupport(s) {
		t.Errorf("ProbeSupport with VMX = false")
	}
}

func TestAttach(t *testing.T) {
	m, r := newRegistry(t, 2)
	if err := r.Attach(1, m.Core(1)); !errors.Is(err, vmx.ErrResourceBusy) {
		t.Errorf("second Attach = %v, want ErrResourceBusy", err)
	}
	if diff := cmp.Diff([]int{0, 1}, r.Cores()); diff != "" {
		t.Errorf("Cores mismatch (-want +got):\n%s", diff)
	}
	if err := r.Enable(7); !errors.Is(err, vmx.ErrBadState) {
		t.Errorf("Enable of unattached core = %v, want ErrBadState", err)
	}
}

func TestEnableDisable(t *testing.T) {
	m, r := newRegistry(t, 1)
	c := m.Core(0)
	cr4 := c.ReadCR4()
	frames := m.Memory().Allocated()

	if err := r.Enable(0); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if !r.IsEnabled(0) || !c.VMXEnabled() {
		t.Errorf("core not in VMX operation after Enable")
	}
	if c.ReadCR4()&msr.CR4VMXE == 0 {
		t.Errorf("CR4.VMXE clear after Enable")
	}
	basic, err := r.Basic(0)
	if err != nil {
		t.Fatalf("Basic: %v", err)
	}
	if basic.RevisionID != m.Revision() {
		t.Errorf("revision = %#x, want %#x", basic.RevisionID, m.Revision())
	}
	if err := r.Enable(0); !errors.Is(err, vmx.ErrResourceBusy) {
		t.Errorf("second Enable = %v, want ErrResourceBusy", err)
	}

	if err := r.Disable(0); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if r.IsEnabled(0) || c.VMXEnabled() {
		t.Errorf("core still in VMX operation after Disable")
	}
	if got := c.ReadCR4(); got != cr4 {
		t.Errorf("CR4 = %#x after Disable, want %#x", got, cr4)
	}
	if got := m.Memory().Allocated(); got != frames {
		t.Errorf("%d frames allocated after Disable, want %d", got, frames)
	}
	if err := r.Disable(0); !errors.Is(err, vmx.ErrBadState) {
		t.Errorf("second Disable = %v, want ErrBadState", err)
	}
	if _, err := r.Basic(0); !errors.Is(err, vmx.ErrBadState) {
		t.Errorf("Basic after Disable = %v, want ErrBadState", err)
	}
}

func TestEnableFailures(t *testing.T) {
	for _, tc := range []struct {
		name  string
		setup func(m *sim.Machine, c *sim.Core)
		want  error
	}{
		{
			name: "no VMX in CPUID",
			setup: func(m *sim.Machine, c *sim.Core) {
				m.CPUID().Set(cpuid.In{Eax: 1}, cpuid.Out{})
			},
			want: vmx.ErrUnsupported,
		},
		{
			name: "locked off by firmware",
			setup: func(m *sim.Machine, c *sim.Core) {
				c.SetMSR(msr.FeatureControl, msr.FeatureControlLock)
			},
			want: vmx.ErrUnsupported,
		},
		{
			name: "no region size",
			setup: func(m *sim.Machine, c *sim.Core) {
				b := msr.DecodeBasic(m.Capability(msr.VMXBasic))
				b.RegionSize = 0
				m.SetCapability(msr.VMXBasic, b.Encode())
			},
			want: vmx.ErrUnsupported,
		},
		{
			name: "uncacheable structures",
			setup: func(m *sim.Machine, c *sim.Core) {
				b := msr.DecodeBasic(m.Capability(msr.VMXBasic))
				b.MemoryType = 0
				m.SetCapability(msr.VMXBasic, b.Encode())
			},
			want: vmx.ErrUnsupported,
		},
		{
			name: "VMXE already set",
			setup: func(m *sim.Machine, c *sim.Core) {
				c.WriteCR4(c.ReadCR4() | msr.CR4VMXE)
			},
			want: vmx.ErrResourceBusy,
		},
		{
			name: "CR0 without NE",
			setup: func(m *sim.Machine, c *sim.Core) {
				c.SetCR0(c.ReadCR0() &^ msr.CR0NE)
			},
			want: vmx.ErrBadState,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, r := newRegistry(t, 1)
			c := m.Core(0)
			tc.setup(m, c)
			cr4 := c.ReadCR4()
			frames := m.Memory().Allocated()
			if err := r.Enable(0); !errors.Is(err, tc.want) {
				t.Fatalf("Enable = %v, want %v", err, tc.want)
			}
			if r.IsEnabled(0) || c.VMXEnabled() {
				t.Errorf("core enabled after failure")
			}
			if got := c.ReadCR4(); got != cr4 {
				t.Errorf("CR4 = %#x after failure, want %#x", got, cr4)
			}
			if got := m.Memory().Allocated(); got != frames {
				t.Errorf("%d frames allocated after failure, want %d", got, frames)
			}
		})
	}
}

func TestEnableLocksFeatureControl(t *testing.T) {
	m, r := newRegistry(t, 1)
	c := m.Core(0)
	c.SetMSR(msr.FeatureControl, 0)
	if err := r.Enable(0); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	want := msr.FeatureControlLock | msr.FeatureControlVMXOutsideSMX
	if got := c.ReadMSR(msr.FeatureControl); got != want {
		t.Errorf("feature control = %#x, want %#x", got, want)
	}
}

func TestClaim(t *testing.T) {
	_, r := newRegistry(t, 1)
	if _, err := r.Claim(0, 1); !errors.Is(err, vmx.ErrBadState) {
		t.Errorf("Claim before Enable = %v, want ErrBadState", err)
	}
	if err := r.Enable(0); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if _, err := r.Claim(0, 1); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := r.Claim(0, 1); err != nil {
		t.Errorf("repeated Claim by the owner: %v", err)
	}
	if _, err := r.Claim(0, 2); !errors.Is(err, vmx.ErrResourceBusy) {
		t.Errorf("Claim by another vCPU = %v, want ErrResourceBusy", err)
	}
	if owner, ok := r.Owner(0); !ok || owner != 1 {
		t.Errorf("Owner = %d, %t, want 1, true", owner, ok)
	}
	if err := r.Disable(0); !errors.Is(err, vmx.ErrResourceBusy) {
		t.Errorf("Disable while claimed = %v, want ErrResourceBusy", err)
	}

	// Only the owner can release.
	r.Release(0, 2)
	if _, ok := r.Owner(0); !ok {
		t.Errorf("Release by a non-owner released the core")
	}
	r.Release(0, 1)
	if _, ok := r.Owner(0); ok {
		t.Errorf("core still owned after Release")
	}
	if err := r.Disable(0); err != nil {
		t.Errorf("Disable: %v", err)
	}
}

func TestEnableAll(t *testing.T) {
	m, r := newRegistry(t, 4)
	if err := r.EnableAll(context.Background()); err != nil {
		t.Fatalf("EnableAll: %v", err)
	}
	for i := 0; i < m.NumCores(); i++ {
		if !m.Core(i).VMXEnabled() {
			t.Errorf("core %d not enabled", i)
		}
	}
	if err := r.DisableAll(context.Background()); err != nil {
		t.Fatalf("DisableAll: %v", err)
	}
	for i := 0; i < m.NumCores(); i++ {
		if m.Core(i).VMXEnabled() {
			t.Errorf("core %d still enabled", i)
		}
	}
}

func TestEnableAllRollsBack(t *testing.T) {
	m, r := newRegistry(t, 4)
	m.Core(2).SetMSR(msr.FeatureControl, msr.FeatureControlLock)
	frames := m.Memory().Allocated()
	if err := r.EnableAll(context.Background()); !errors.Is(err, vmx.ErrUnsupported) {
		t.Fatalf("EnableAll = %v, want ErrUnsupported", err)
	}
	for i := 0; i < m.NumCores(); i++ {
		if r.IsEnabled(i) || m.Core(i).VMXEnabled() {
			t.Errorf("core %d left enabled", i)
		}
		if m.Core(i).ReadCR4()&msr.CR4VMXE != 0 {
			t.Errorf("core %d left with CR4.VMXE", i)
		}
	}
	if got := m.Memory().Allocated(); got != frames {
		t.Errorf("%d frames allocated after rollback, want %d", got, frames)
	}
}

func TestDisableAllSkipsDisabled(t *testing.T) {
	_, r := newRegistry(t, 3)
	if err := r.Enable(1); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if err := r.DisableAll(context.Background()); err != nil {
		t.Fatalf("DisableAll: %v", err)
	}
	if r.IsEnabled(1) {
		t.Errorf("core 1 still enabled")
	}
}
