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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/vmx/pkg/vmx"
	"gvisor.dev/vmx/pkg/vmx/apic"
	"gvisor.dev/vmx/pkg/vmx/ept"
	"gvisor.dev/vmx/pkg/vmx/frame"
	"gvisor.dev/vmx/pkg/vmx/msr"
	"gvisor.dev/vmx/pkg/vmx/percpu"
	"gvisor.dev/vmx/pkg/vmx/sim"
	"gvisor.dev/vmx/pkg/vmx/vmcs"
)

const (
	entryGPA = 0x1000
	dataGPA  = 0x3000
)

// testVM is a simulated machine with VMX enabled on every core and one EPT.
type testVM struct {
	m     *sim.Machine
	r     *percpu.Registry
	table *ept.Table
	apic  *apic.X2APIC
}

func newVM(t *testing.T, cores int) *testVM {
	t.Helper()
	m := sim.New(sim.Config{Cores: cores})
	r := percpu.NewRegistry(m.Memory(), percpu.Options{})
	for i := 0; i < cores; i++ {
		if err := r.Attach(i, m.Core(i)); err != nil {
			t.Fatalf("Attach(%d): %v", i, err)
		}
		if err := r.Enable(i); err != nil {
			t.Fatalf("Enable(%d): %v", i, err)
		}
	}
	table, err := ept.New(m.Memory(), ept.Opts{})
	if err != nil {
		t.Fatalf("ept.New: %v", err)
	}
	return &testVM{m: m, r: r, table: table, apic: apic.NewX2APIC(0, nil)}
}

// load maps a fresh page at gpa holding b.
func (vm *testVM) load(t *testing.T, gpa uint64, b []byte) frame.Frame {
	t.Helper()
	f, err := vm.m.Memory().Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	copy(f.Page[:], b)
	if _, err := vm.table.Map(gpa, f.Phys, frame.Size, ept.MapOpts{AccessType: hostarch.AnyAccess}); err != nil {
		t.Fatalf("Map(%#x): %v", gpa, err)
	}
	return f
}

func (vm *testVM) options() Options {
	return Options{
		Registry: vm.r,
		Alloc:    vm.m.Memory(),
		Memory:   vm.m.Memory(),
		APIC:     vm.apic,
	}
}

func (vm *testVM) newVcpu(t *testing.T, id int, opts Options) *Vcpu {
	t.Helper()
	v, err := New(id, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := v.Setup(entryGPA, vm.table); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	return v
}

// vmcsField reads a field of the VMCS current on core 0.
func (vm *testVM) vmcsField(t *testing.T, f vmcs.Field) uint64 {
	t.Helper()
	v, err := vm.m.Core(0).VMRead(uint32(f))
	if err != nil {
		t.Fatalf("VMRead(%v): %v", f, err)
	}
	return v
}

func (vm *testVM) setVMCSField(t *testing.T, f vmcs.Field, v uint64) {
	t.Helper()
	if err := vm.m.Core(0).VMWrite(uint32(f), v); err != nil {
		t.Fatalf("VMWrite(%v): %v", f, err)
	}
}

// start returns a Vcpu bound to core 0 of a one-core machine, with code at
// the entry point.
func start(t *testing.T, code ...byte) (*testVM, *Vcpu) {
	t.Helper()
	return startWith(t, func(*Options) {}, code...)
}

func startWith(t *testing.T, configure func(*Options), code ...byte) (*testVM, *Vcpu) {
	t.Helper()
	vm := newVM(t, 1)
	vm.load(t, entryGPA, code)
	opts := vm.options()
	configure(&opts)
	v := vm.newVcpu(t, 0, opts)
	if err := v.Bind(0); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	return vm, v
}

func run(t *testing.T, v *Vcpu) ExitReason {
	t.Helper()
	exit, err := v.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return exit
}

func wantExit(t *testing.T, v *Vcpu, want ExitReason) {
	t.Helper()
	if diff := cmp.Diff(want, run(t, v)); diff != "" {
		t.Fatalf("Run exit mismatch (-want +got):\n%s", diff)
	}
}

func wantRIP(t *testing.T, v *Vcpu, want uint64) {
	t.Helper()
	rip, err := v.RIP()
	if err != nil {
		t.Fatalf("RIP: %v", err)
	}
	if rip != want {
		t.Fatalf("rip = %#x, want %#x", rip, want)
	}
}

func setReg(t *testing.T, v *Vcpu, i int, value uint64) {
	t.Helper()
	if err := v.SetRegister(i, value); err != nil {
		t.Fatalf("SetRegister(%s): %v", vmx.RegisterName(i), err)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(0, Options{}); !errors.Is(err, vmx.ErrBadState) {
		t.Errorf("New without registry = %v, want ErrBadState", err)
	}
}

func TestReleaseFreesFrames(t *testing.T) {
	vm := newVM(t, 1)
	before := vm.m.Memory().Allocated()
	opts := vm.options()
	opts.InterceptMSRs = []uint32{msr.EFER}
	v, err := New(0, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := v.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := vm.m.Memory().Allocated(); got != before {
		t.Errorf("Allocated after Release = %d, want %d", got, before)
	}
}

func TestLaunchState(t *testing.T) {
	vm, v := start(t, 0xf4, 0xf4, 0xf4)
	core := vm.m.Core(0)
	if got := v.LaunchState(); got != NeverActivated {
		t.Fatalf("fresh LaunchState = %v, want %v", got, NeverActivated)
	}
	wantExit(t, v, Halt{})
	if got := v.LaunchState(); got != Activated {
		t.Fatalf("LaunchState after first run = %v, want %v", got, Activated)
	}
	wantExit(t, v, Halt{})
	if got := v.LaunchState(); got != Activated {
		t.Fatalf("LaunchState after second run = %v, want %v", got, Activated)
	}
	if s := core.Stats(); s.Launches != 1 || s.Resumes != 1 {
		t.Errorf("core stats = %+v, want one launch and one resume", s)
	}

	if err := v.Unbind(); err != nil {
		t.Fatalf("Unbind: %v", err)
	}
	if got := v.LaunchState(); got != NeverActivated {
		t.Fatalf("LaunchState after Unbind = %v, want %v", got, NeverActivated)
	}
	if got := v.State(); got != Created {
		t.Errorf("State after Unbind = %v, want %v", got, Created)
	}
	if _, ok := core.Current(); ok {
		t.Errorf("VMCS still current after Unbind")
	}
	if err := v.Bind(0); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	wantExit(t, v, Halt{})
	if s := core.Stats(); s.Launches != 2 || s.Resumes != 1 {
		t.Errorf("core stats after rebind = %+v, want two launches", s)
	}
	wantRIP(t, v, entryGPA+3)
}

func TestBindRules(t *testing.T) {
	vm := newVM(t, 2)
	vm.load(t, entryGPA, []byte{0xf4})

	v, err := New(0, vm.options())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := v.Bind(0); !errors.Is(err, vmx.ErrBadState) {
		t.Errorf("Bind before Setup = %v, want ErrBadState", err)
	}
	if _, err := v.Run(); !errors.Is(err, vmx.ErrBadState) {
		t.Errorf("Run before Bind = %v, want ErrBadState", err)
	}
	if err := v.Setup(entryGPA, nil); !errors.Is(err, vmx.ErrBadState) {
		t.Errorf("Setup without EPT = %v, want ErrBadState", err)
	}
	if err := v.Setup(entryGPA, vm.table); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := v.Bind(0); err != nil {
		t.Fatalf("Bind(0): %v", err)
	}
	if err := v.Bind(1); !errors.Is(err, vmx.ErrResourceBusy) {
		t.Errorf("Bind(1) while bound to 0 = %v, want ErrResourceBusy", err)
	}
	if owner, ok := vm.r.Owner(1); ok {
		t.Errorf("core 1 claimed by vCPU %d after rejected bind", owner)
	}
	if err := v.Setup(entryGPA, vm.table); !errors.Is(err, vmx.ErrBadState) {
		t.Errorf("Setup while bound = %v, want ErrBadState", err)
	}
	if err := v.Release(); !errors.Is(err, vmx.ErrResourceBusy) {
		t.Errorf("Release while bound = %v, want ErrResourceBusy", err)
	}

	other := vm.newVcpu(t, 1, vm.options())
	if err := other.Bind(0); !errors.Is(err, vmx.ErrResourceBusy) {
		t.Errorf("Bind to a core held by another vCPU = %v, want ErrResourceBusy", err)
	}
	if err := vm.r.Disable(1); err != nil {
		t.Fatalf("Disable(1): %v", err)
	}
	if err := other.Bind(1); !errors.Is(err, vmx.ErrBadState) {
		t.Errorf("Bind to a disabled core = %v, want ErrBadState", err)
	}

	if err := v.Unbind(); err != nil {
		t.Fatalf("Unbind: %v", err)
	}
	if err := v.Unbind(); !errors.Is(err, vmx.ErrBadState) {
		t.Errorf("second Unbind = %v, want ErrBadState", err)
	}
	if err := v.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := v.Bind(0); !errors.Is(err, vmx.ErrBadState) {
		t.Errorf("Bind after Release = %v, want ErrBadState", err)
	}
}

func TestMigrate(t *testing.T) {
	vm := newVM(t, 2)
	vm.load(t, entryGPA, []byte{0xf4, 0xf4})
	v := vm.newVcpu(t, 0, vm.options())
	if err := v.Bind(0); err != nil {
		t.Fatalf("Bind(0): %v", err)
	}
	wantExit(t, v, Halt{})
	if err := v.Unbind(); err != nil {
		t.Fatalf("Unbind: %v", err)
	}
	if err := v.Bind(1); err != nil {
		t.Fatalf("Bind(1): %v", err)
	}
	wantExit(t, v, Halt{})
	wantRIP(t, v, entryGPA+2)
	if s := vm.m.Core(1).Stats(); s.Launches != 1 || s.InvEPTs != 1 {
		t.Errorf("core 1 stats = %+v, want one launch after one INVEPT", s)
	}
}

func TestGuestStateDefaults(t *testing.T) {
	vm, _ := start(t, 0xf4)
	for _, tc := range []struct {
		field vmcs.Field
		want  uint64
	}{
		{vmcs.Field(vmcs.GuestRIP), entryGPA},
		{vmcs.Field(vmcs.GuestRFLAGS), 2},
		{vmcs.Field(vmcs.GuestCR0), msr.CR0ET | msr.CR0NE},
		{vmcs.Field(vmcs.CR0ReadShadow), initialCR0},
		{vmcs.Field(vmcs.GuestCR4), msr.CR4VMXE},
		{vmcs.Field(vmcs.CR4ReadShadow), 0},
		{vmcs.Field(vmcs.GuestCSAccessRights), arCode},
		{vmcs.Field(vmcs.GuestTRAccessRights), arTSS},
		{vmcs.Field(vmcs.GuestDSLimit), 0xffff},
		{vmcs.Field(vmcs.GuestDR7), 0x400},
		{vmcs.Field(vmcs.LinkPointer), ^uint64(0)},
		{vmcs.Field(vmcs.ExceptionBitmap), 1 << vmcs.VectorUD},
		{vmcs.Field(vmcs.EPTPointer), vm.table.EPTP()},
	} {
		if got := vm.vmcsField(t, tc.field); got != tc.want {
			t.Errorf("field %v = %#x, want %#x", tc.field, got, tc.want)
		}
	}
	primary := vmcs.PrimaryControls(vm.vmcsField(t, vmcs.Field(vmcs.PrimaryProcControls)))
	if want := vmcs.UseIOBitmaps | vmcs.UseMSRBitmaps | vmcs.ActivateSecondary | vmcs.HLTExiting; primary&want != want {
		t.Errorf("primary controls %v, missing %v", primary, want&^primary)
	}
	if primary&(vmcs.CR3LoadExiting|vmcs.CR3StoreExiting) != 0 {
		t.Errorf("primary controls %v exit on CR3 accesses", primary)
	}
	secondary := vmcs.SecondaryControls(vm.vmcsField(t, vmcs.Field(vmcs.SecondaryProcControls)))
	if want := vmcs.EnableEPT | vmcs.UnrestrictedGuest | vmcs.EnableRDTSCP | vmcs.EnableINVPCID | vmcs.EnableXSAVES; secondary != want {
		t.Errorf("secondary controls = %v, want %v", secondary, want)
	}
}

func TestIOReadExitPort(t *testing.T) {
	// in al, dx
	_, v := start(t, 0xec, 0xf4)
	setReg(t, v, vmx.RDX, 0x604)
	setReg(t, v, vmx.RAX, 0x1234)
	wantExit(t, v, IORead{Port: 0x604, Width: vmx.Byte})
	wantRIP(t, v, entryGPA+1)
	v.CompleteIORead(vmx.Byte, 0x5a)
	if got := v.Regs().RAX; got != 0x125a {
		t.Errorf("rax = %#x, want 0x125a", got)
	}
	wantExit(t, v, Halt{})
}

func TestIOWrite(t *testing.T) {
	// mov al, 0x41; out 0x70, al
	_, v := startWith(t, func(o *Options) { o.InterceptPorts = []uint16{0x70} }, 0xb0, 0x41, 0xe6, 0x70, 0xf4)
	wantExit(t, v, IOWrite{Port: 0x70, Width: vmx.Byte, Data: 0x41})
	wantRIP(t, v, entryGPA+4)
}

func TestIOPassthrough(t *testing.T) {
	// in al, 0x71 reads all ones from an absent device.
	_, v := start(t, 0xe4, 0x71, 0xf4)
	wantExit(t, v, Halt{})
	if got := v.Regs().RAX & 0xff; got != 0xff {
		t.Errorf("al = %#x, want 0xff", got)
	}
}

func TestInterceptAllIO(t *testing.T) {
	_, v := startWith(t, func(o *Options) { o.InterceptAllIO = true }, 0xe4, 0x71, 0xf4)
	wantExit(t, v, IORead{Port: 0x71, Width: vmx.Byte})
}

func TestDiagnosticPort(t *testing.T) {
	// mov al, 0x41; out 0x80, al; hlt
	_, v := start(t, 0xb0, 0x41, 0xe6, 0x80, 0xf4)
	wantExit(t, v, Nothing{})
	wantRIP(t, v, entryGPA+4)
	if got := v.DiagnosticCode(); got != 0x41 {
		t.Errorf("DiagnosticCode = %#x, want 0x41", got)
	}
	wantExit(t, v, Halt{})
	if got := v.Stats().Internal; got != 1 {
		t.Errorf("internal exits = %d, want 1", got)
	}
}

func TestSystemDown(t *testing.T) {
	for _, tc := range []struct {
		name string
		rax  uint64
		want ExitReason
	}{
		{"shutdown", shutdownValue, SystemDown{}},
		{"other value", 0x1234, IOWrite{Port: exitPort, Width: vmx.Word, Data: 0x1234}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			// out dx, ax
			_, v := start(t, 0xef, 0xf4)
			setReg(t, v, vmx.RDX, exitPort)
			setReg(t, v, vmx.RAX, tc.rax)
			wantExit(t, v, tc.want)
		})
	}
}

func TestStringIOIsUnknown(t *testing.T) {
	// outsb
	_, v := start(t, 0x6e, 0xf4)
	setReg(t, v, vmx.RDX, exitPort)
	exit := run(t, v)
	u, ok := exit.(Unknown)
	if !ok || u.Info.Reason != vmcs.ExitIOInstruction {
		t.Fatalf("Run = %v, want unknown I/O exit", exit)
	}
	wantRIP(t, v, entryGPA)
}

func TestAPICWriteResolvedInternally(t *testing.T) {
	// wrmsr; hlt
	vm, v := start(t, 0x0f, 0x30, 0xf4)
	setReg(t, v, vmx.RCX, uint64(apic.RegTPR))
	setReg(t, v, vmx.RAX, 0x20)
	wantExit(t, v, Nothing{})
	wantRIP(t, v, entryGPA+2)
	if got, err := vm.apic.Read(apic.RegTPR); err != nil || got != 0x20 {
		t.Errorf("TPR = %#x, %v, want 0x20", got, err)
	}
	wantExit(t, v, Halt{})
}

func TestAPICRead(t *testing.T) {
	// rdmsr; hlt
	_, v := start(t, 0x0f, 0x32, 0xf4)
	setReg(t, v, vmx.RCX, uint64(apic.RegVersion))
	setReg(t, v, vmx.RDX, 0xdead)
	wantExit(t, v, Nothing{})
	wantRIP(t, v, entryGPA+2)
	r := v.Regs()
	if r.RAX != 0x00060014 || r.RDX != 0 {
		t.Errorf("edx:eax = %#x:%#x, want APIC version", r.RDX, r.RAX)
	}
}

func TestAPICErrorInjectsGP(t *testing.T) {
	vm, v := start(t, 0x0f, 0x32, 0xf4)
	setReg(t, v, vmx.RCX, uint64(apic.RegEOI))
	wantExit(t, v, Nothing{})
	wantRIP(t, v, entryGPA)
	if got := v.PendingEvents(); got != 1 {
		t.Fatalf("pending events = %d, want #GP", got)
	}
	// The #GP is delivered on the next entry; the guest then retries.
	run(t, v)
	delivered := vm.m.Core(0).Delivered()
	if len(delivered) == 0 || delivered[0].Vector != vmcs.VectorGP || !delivered[0].ErrorCodeValid {
		t.Errorf("delivered = %v, want #GP with error code", delivered)
	}
}

func TestAPICWithoutController(t *testing.T) {
	_, v := startWith(t, func(o *Options) { o.APIC = nil }, 0x0f, 0x32, 0xf4)
	setReg(t, v, vmx.RCX, uint64(apic.RegID))
	wantExit(t, v, MSRRead{Index: apic.RegID})
}

func TestMSRExits(t *testing.T) {
	const tsc = 0x10
	t.Run("read", func(t *testing.T) {
		_, v := startWith(t, func(o *Options) { o.InterceptMSRs = []uint32{tsc} }, 0x0f, 0x32, 0xf4)
		setReg(t, v, vmx.RCX, tsc)
		wantExit(t, v, MSRRead{Index: tsc})
		wantRIP(t, v, entryGPA+2)
		v.CompleteMSRRead(0x1122334455667788)
		if r := v.Regs(); r.RAX != 0x55667788 || r.RDX != 0x11223344 {
			t.Errorf("edx:eax = %#x:%#x", r.RDX, r.RAX)
		}
	})
	t.Run("write", func(t *testing.T) {
		_, v := startWith(t, func(o *Options) { o.InterceptMSRs = []uint32{tsc} }, 0x0f, 0x30, 0xf4)
		setReg(t, v, vmx.RCX, tsc)
		setReg(t, v, vmx.RAX, 0xffffffff_00000001)
		setReg(t, v, vmx.RDX, 2)
		wantExit(t, v, MSRWrite{Index: tsc, Value: 2<<32 | 1})
	})
	t.Run("passthrough", func(t *testing.T) {
		vm, v := start(t, 0x0f, 0x32, 0xf4)
		vm.m.Core(0).SetMSR(tsc, 0x42)
		setReg(t, v, vmx.RCX, tsc)
		wantExit(t, v, Halt{})
		if got := v.Regs().RAX; got != 0x42 {
			t.Errorf("rax = %#x, want 0x42", got)
		}
	})
	t.Run("feature control", func(t *testing.T) {
		_, v := start(t, 0x0f, 0x32, 0xf4)
		setReg(t, v, vmx.RCX, uint64(msr.FeatureControl))
		wantExit(t, v, Nothing{})
		if got := v.Regs().RAX; got != msr.FeatureControlLock {
			t.Errorf("feature control = %#x, want locked with VMX off", got)
		}
	})
	t.Run("vmx capability", func(t *testing.T) {
		_, v := start(t, 0x0f, 0x32, 0xf4)
		setReg(t, v, vmx.RCX, uint64(msr.VMXBasic))
		wantExit(t, v, Nothing{})
		wantRIP(t, v, entryGPA)
		if got := v.PendingEvents(); got != 1 {
			t.Errorf("pending events = %d, want #GP", got)
		}
	})
}

func TestHypercall(t *testing.T) {
	// vmcall
	_, v := start(t, 0x0f, 0x01, 0xc1, 0xf4)
	r := v.Regs()
	r.RAX, r.RDI, r.RSI, r.RDX, r.RCX, r.R8, r.R9 = 7, 1, 2, 3, 4, 5, 6
	wantExit(t, v, Hypercall{Number: 7, Args: [6]uint64{1, 2, 3, 4, 5, 6}})
	wantRIP(t, v, entryGPA+3)
}

func TestCPUID(t *testing.T) {
	vendor := "GVISORVMXABC"
	for _, tc := range []struct {
		name     string
		eax, ecx uint64
		check    func(t *testing.T, r *vmx.GeneralRegisters)
	}{
		{"features", 1, 0, func(t *testing.T, r *vmx.GeneralRegisters) {
			if r.RCX&cpuid1ECXVMX != 0 || r.RCX&cpuid1ECXHypervisor == 0 {
				t.Errorf("leaf 1 ecx = %#x, want VMX hidden and hypervisor set", r.RCX)
			}
		}},
		{"extended features", 7, 0, func(t *testing.T, r *vmx.GeneralRegisters) {
			if r.RCX&(cpuid7ECXWAITPKG|cpuid7ECXLA57) != 0 {
				t.Errorf("leaf 7 ecx = %#x, want WAITPKG and LA57 hidden", r.RCX)
			}
			if r.RBX&cpuid7EBXINVPCID == 0 {
				t.Errorf("leaf 7 ebx = %#x, want INVPCID passed through", r.RBX)
			}
		}},
		{"hypervisor", leafHypervisor, 0, func(t *testing.T, r *vmx.GeneralRegisters) {
			var b [12]byte
			hostarch.ByteOrder.PutUint32(b[0:], uint32(r.RBX))
			hostarch.ByteOrder.PutUint32(b[4:], uint32(r.RCX))
			hostarch.ByteOrder.PutUint32(b[8:], uint32(r.RDX))
			if r.RAX != leafHypervisorInfo || string(b[:]) != vendor {
				t.Errorf("hypervisor leaf = %#x %q", r.RAX, b)
			}
		}},
		{"hypervisor info", leafHypervisorInfo, 0, func(t *testing.T, r *vmx.GeneralRegisters) {
			if r.RAX|r.RBX|r.RCX|r.RDX != 0 {
				t.Errorf("hypervisor info leaf = %+v, want zeros", r)
			}
		}},
		{"tsc fallback", leafTSC, 0, func(t *testing.T, r *vmx.GeneralRegisters) {
			if r.RAX != 2400 {
				t.Errorf("leaf 0x16 eax = %d, want 2400", r.RAX)
			}
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, v := startWith(t, func(o *Options) {
				o.HypervisorVendor = vendor
				o.TSCMHz = 2400
			}, 0x0f, 0xa2, 0xf4)
			r := v.Regs()
			r.RAX, r.RCX = tc.eax, tc.ecx
			wantExit(t, v, Nothing{})
			wantRIP(t, v, entryGPA+2)
			tc.check(t, r)
		})
	}
}

func TestXSETBV(t *testing.T) {
	code := []byte{
		0x0f, 0x01, 0xd1, // xsetbv
		0x66, 0xb8, 0x0d, 0x00, 0x00, 0x00, // mov eax, 0xd
		0x66, 0xb9, 0x00, 0x00, 0x00, 0x00, // mov ecx, 0
		0x0f, 0xa2, // cpuid
		0xf4,
	}
	vm, v := start(t, code...)
	core := vm.m.Core(0)
	hostXCR0 := core.XGetBV(0)
	r := v.Regs()
	r.RCX, r.RAX, r.RDX = 0, sim.XCR0X87|sim.XCR0SSE, 0
	wantExit(t, v, Nothing{})
	wantRIP(t, v, entryGPA+3)
	if got := core.XGetBV(0); got != hostXCR0 {
		t.Errorf("host XCR0 = %#x after exit, want %#x", got, hostXCR0)
	}
	// CPUID exits and reports the size for the guest's XCR0.
	wantExit(t, v, Nothing{})
	if got := r.RBX; got != 512+64 {
		t.Errorf("xsave size = %d, want %d", got, 512+64)
	}
	if got := core.XGetBV(0); got != hostXCR0 {
		t.Errorf("host XCR0 = %#x after CPUID, want %#x", got, hostXCR0)
	}
	wantExit(t, v, Halt{})
}

func TestXSETBVInvalid(t *testing.T) {
	for _, tc := range []struct {
		name     string
		rcx, rax uint64
	}{
		{"no x87", 0, sim.XCR0SSE},
		{"avx without sse", 0, sim.XCR0X87 | sim.XCR0AVX},
		{"unsupported component", 0, sim.XCR0X87 | xcr0BNDREG | xcr0BNDCSR},
		{"bad index", 1, sim.XCR0X87},
	} {
		t.Run(tc.name, func(t *testing.T) {
			vm, v := start(t, 0x0f, 0x01, 0xd1, 0xf4)
			r := v.Regs()
			r.RCX, r.RAX = tc.rcx, tc.rax
			wantExit(t, v, Nothing{})
			wantRIP(t, v, entryGPA)
			run(t, v)
			delivered := vm.m.Core(0).Delivered()
			if len(delivered) == 0 || delivered[0].Vector != vmcs.VectorGP {
				t.Errorf("delivered = %v, want #GP", delivered)
			}
		})
	}
}

func TestValidXCR0(t *testing.T) {
	x := xstate{supported: 0xff}
	for _, tc := range []struct {
		v    uint64
		want bool
	}{
		{xcr0X87, true},
		{xcr0X87 | xcr0SSE | xcr0AVX, true},
		{xcr0X87 | xcr0BNDREG, false},
		{xcr0X87 | xcr0MPX, true},
		{xcr0X87 | xcr0SSE | xcr0AVX512, false},
		{xcr0X87 | xcr0SSE | xcr0AVX | xcr0AVX512, true},
		{xcr0X87 | xcr0SSE | xcr0AVX | xcr0Opmask, false},
		{xcr0X87 | 1<<9, false},
	} {
		if got := x.validXCR0(tc.v); got != tc.want {
			t.Errorf("validXCR0(%#x) = %t, want %t", tc.v, got, tc.want)
		}
	}
}

func TestCRAccess(t *testing.T) {
	code := []byte{
		0x66, 0xb8, 0x11, 0x00, 0x00, 0x00, // mov eax, PE|ET
		0x0f, 0x22, 0xc0, // mov cr0, eax
		0xf4,
	}
	vm, v := start(t, code...)
	wantExit(t, v, Nothing{})
	wantRIP(t, v, entryGPA+9)
	if got, want := vm.vmcsField(t, vmcs.Field(vmcs.GuestCR0)), msr.CR0PE|msr.CR0ET|msr.CR0NE; got != want {
		t.Errorf("guest CR0 = %#x, want %#x", got, want)
	}
	if got := vm.vmcsField(t, vmcs.Field(vmcs.CR0ReadShadow)); got != 0x11 {
		t.Errorf("CR0 read shadow = %#x, want 0x11", got)
	}
	if m, err := v.Mode(); err != nil || m != ProtectedMode {
		t.Errorf("Mode = %v, %v, want protected", m, err)
	}
	wantExit(t, v, Halt{})
}

func TestLongModeActivation(t *testing.T) {
	code := []byte{
		0x66, 0xb8, 0x11, 0x00, 0x00, 0x80, // mov eax, PG|PE|ET
		0x0f, 0x22, 0xc0, // mov cr0, eax
	}
	vm, v := start(t, code...)
	vm.setVMCSField(t, vmcs.Field(vmcs.GuestEFER), msr.EFERLME)
	wantExit(t, v, Nothing{})
	if got := vm.vmcsField(t, vmcs.Field(vmcs.GuestEFER)); got&msr.EFERLMA == 0 {
		t.Errorf("guest EFER = %#x, want LMA", got)
	}
	entry := vmcs.EntryControls(vm.vmcsField(t, vmcs.Field(vmcs.EntryControlsField)))
	if entry&vmcs.IA32eModeGuest == 0 {
		t.Errorf("entry controls %v, want IA-32e mode guest", entry)
	}
}

func TestEventOrder(t *testing.T) {
	// sti; nop; hlt; hlt
	vm, v := start(t, 0xfb, 0x90, 0xf4, 0xf4)
	core := vm.m.Core(0)
	v.QueueEvent(Event{Vector: 0x30})
	v.QueueEvent(Event{Vector: 0x31})

	// Interrupts are disabled: nothing is injected and the window is
	// armed. It opens after the instruction following STI.
	wantExit(t, v, Nothing{})
	if got := core.Delivered(); len(got) != 0 {
		t.Fatalf("delivered %v with interrupts disabled", got)
	}
	if got := v.PendingEvents(); got != 2 {
		t.Fatalf("pending events = %d, want 2", got)
	}
	wantRIP(t, v, entryGPA+2)
	primary := vmcs.PrimaryControls(vm.vmcsField(t, vmcs.Field(vmcs.PrimaryProcControls)))
	if primary&vmcs.InterruptWindowExiting != 0 {
		t.Errorf("interrupt window still armed after its exit")
	}

	wantExit(t, v, Halt{})
	wantExit(t, v, Halt{})
	var got []uint8
	for _, info := range core.Delivered() {
		got = append(got, info.Vector)
	}
	if diff := cmp.Diff([]uint8{0x30, 0x31}, got); diff != "" {
		t.Errorf("delivery order mismatch (-want +got):\n%s", diff)
	}
	if s := v.Stats(); s.Injected != 2 || s.Windows != 1 {
		t.Errorf("stats = %+v, want 2 injections and 1 window", s)
	}
}

func TestExceptionInjectedWhileInterruptsDisabled(t *testing.T) {
	vm, v := start(t, 0xf4)
	v.QueueEvent(Event{Vector: vmcs.VectorPF, ErrorCode: 2, HasErrorCode: true})
	wantExit(t, v, Halt{})
	want := []vmcs.InterruptionInfo{{Vector: vmcs.VectorPF, Type: vmcs.HardwareException, ErrorCodeValid: true, Valid: true}}
	if diff := cmp.Diff(want, vm.m.Core(0).Delivered()); diff != "" {
		t.Errorf("delivered mismatch (-want +got):\n%s", diff)
	}
	if got := vm.vmcsField(t, vmcs.Field(vmcs.EntryExceptionErrorCode)); got != 2 {
		t.Errorf("error code = %d, want 2", got)
	}
}

func TestQueuedExceptionReusesExitErrorCode(t *testing.T) {
	vm, v := start(t, 0xf4)

	// Enable 4-level paging over an empty PML4 so that the first fetch
	// raises a #PF that carries an error code.
	const pml4 = 0x10000
	vm.load(t, pml4, nil)
	vm.setVMCSField(t, vmcs.Field(vmcs.ExceptionBitmap), 1<<vmcs.VectorUD|1<<vmcs.VectorPF)
	vm.setVMCSField(t, vmcs.Field(vmcs.GuestCR0), msr.CR0PE|msr.CR0ET|msr.CR0NE|msr.CR0PG)
	vm.setVMCSField(t, vmcs.Field(vmcs.GuestCR3), pml4)
	vm.setVMCSField(t, vmcs.Field(vmcs.GuestCR4), vm.vmcsField(t, vmcs.Field(vmcs.GuestCR4))|msr.CR4PAE)
	vm.setVMCSField(t, vmcs.Field(vmcs.GuestEFER), msr.EFERLME|msr.EFERLMA)
	vm.setVMCSField(t, vmcs.Field(vmcs.EntryControlsField), vm.vmcsField(t, vmcs.Field(vmcs.EntryControlsField))|uint64(vmcs.IA32eModeGuest))

	exc, ok := run(t, v).(Exception)
	if !ok || exc.Vector != vmcs.VectorPF || !exc.HasErrorCode || exc.ErrorCode == 0 {
		t.Fatalf("Run exit = %v, want #PF with a nonzero error code", exc)
	}

	// Reflect the fault without naming an error code.
	v.QueueEvent(Event{Vector: vmcs.VectorPF})
	run(t, v)
	if got := vm.m.Core(0).Delivered(); len(got) == 0 || got[0].Vector != vmcs.VectorPF || !got[0].ErrorCodeValid {
		t.Fatalf("delivered = %v, want #PF with error code", got)
	}
	if got := uint32(vm.vmcsField(t, vmcs.Field(vmcs.EntryExceptionErrorCode))); got != exc.ErrorCode {
		t.Errorf("error code = %#x, want the exit's %#x", got, exc.ErrorCode)
	}
}

func TestExternalInterrupt(t *testing.T) {
	vm, v := start(t, 0xf4)
	vm.m.Core(0).RaiseExternalInterrupt(0x30)
	wantExit(t, v, ExternalInterrupt{Vector: 0x30, Acknowledged: true})
	wantRIP(t, v, entryGPA)
}

func TestPreemptionTimer(t *testing.T) {
	// jmp $
	vm, v := startWith(t, func(o *Options) { o.PreemptionTimer = 10 }, 0xeb, 0xfe)
	wantExit(t, v, Nothing{})
	if got := vm.vmcsField(t, vmcs.Field(vmcs.GuestPreemptionTimerValue)); got != 10 {
		t.Errorf("timer value = %d, want 10", got)
	}
	wantExit(t, v, Nothing{})
	if s := v.Stats(); s.Internal != 2 || s.Exits != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestNestedPageFault(t *testing.T) {
	// mov al, [0x3000]; hlt
	vm, v := start(t, 0xa0, 0x00, 0x30, 0xf4)
	exit := run(t, v)
	f, ok := exit.(NestedPageFault)
	if !ok {
		t.Fatalf("Run = %v, want nested page fault", exit)
	}
	if f.GPA != dataGPA || !f.Access.Read || f.Access.Write || f.Present {
		t.Errorf("fault = %+v", f.Fault)
	}
	wantRIP(t, v, entryGPA)

	vm.load(t, dataGPA, []byte{0x5a})
	wantExit(t, v, Halt{})
	if got := v.Regs().RAX & 0xff; got != 0x5a {
		t.Errorf("al = %#x, want 0x5a", got)
	}
	if got := v.Stats().InvEPTs; got != 2 {
		t.Errorf("INVEPTs = %d, want 2", got)
	}
}

func TestGuestMemory(t *testing.T) {
	vm, v := start(t, 0xf4)
	vm.load(t, dataGPA, nil)
	if err := v.WriteGuestPhys(dataGPA+0xffe, []byte{1, 2}); err != nil {
		t.Fatalf("WriteGuestPhys: %v", err)
	}
	got := make([]byte, 2)
	if err := v.ReadGuestVirt(dataGPA+0xffe, got); err != nil {
		t.Fatalf("ReadGuestVirt: %v", err)
	}
	if diff := cmp.Diff([]byte{1, 2}, got); diff != "" {
		t.Errorf("ReadGuestVirt mismatch (-want +got):\n%s", diff)
	}
	var f *ept.Fault
	if err := v.ReadGuestPhys(0x100000, got); !errors.As(err, &f) {
		t.Errorf("ReadGuestPhys of unmapped memory = %v, want *ept.Fault", err)
	}

	_, bare := startWith(t, func(o *Options) { o.Memory = nil }, 0xf4)
	if err := bare.ReadGuestPhys(entryGPA, got); !errors.Is(err, vmx.ErrUnsupported) {
		t.Errorf("ReadGuestPhys without memory = %v, want ErrUnsupported", err)
	}
}

func TestException(t *testing.T) {
	// ud2
	_, v := start(t, 0x0f, 0x0b)
	wantExit(t, v, Exception{Vector: vmcs.VectorUD, RIP: entryGPA})
	var code [4]byte
	n, err := v.ReadInstruction(code[:])
	if err != nil {
		t.Fatalf("ReadInstruction: %v", err)
	}
	if diff := cmp.Diff([]byte{0x0f, 0x0b, 0, 0}, code[:n]); diff != "" {
		t.Errorf("instruction bytes mismatch (-want +got):\n%s", diff)
	}
}

func TestTripleFault(t *testing.T) {
	vm, v := start(t, 0x0f, 0x0b)
	vm.setVMCSField(t, vmcs.Field(vmcs.ExceptionBitmap), 0)
	wantExit(t, v, TripleFault{})
}

func TestFailEntry(t *testing.T) {
	vm, v := start(t, 0xf4)
	vm.setVMCSField(t, vmcs.Field(vmcs.LinkPointer), 0)
	wantExit(t, v, FailEntry{Reason: vmcs.ExitInvalidGuestState})
	if got := v.LaunchState(); got != NeverActivated {
		t.Errorf("LaunchState after failed entry = %v, want %v", got, NeverActivated)
	}
	// The next attempt launches again rather than resuming.
	vm.setVMCSField(t, vmcs.Field(vmcs.LinkPointer), ^uint64(0))
	wantExit(t, v, Halt{})
	if got := v.LaunchState(); got != Activated {
		t.Errorf("LaunchState = %v, want %v", got, Activated)
	}
}

func TestRegisters(t *testing.T) {
	vm := newVM(t, 1)
	v := vm.newVcpu(t, 0, vm.options())
	if _, err := v.Register(vmx.RSP); !errors.Is(err, vmx.ErrBadState) {
		t.Errorf("Register(RSP) unbound = %v, want ErrBadState", err)
	}
	if _, err := v.Register(vmx.NumGeneralRegisters); !errors.Is(err, vmx.ErrBadState) {
		t.Errorf("Register(16) = %v, want ErrBadState", err)
	}
	if err := v.SetRegister(vmx.R12, 12); err != nil {
		t.Fatalf("SetRegister(R12): %v", err)
	}
	if got, _ := v.Register(vmx.R12); got != 12 {
		t.Errorf("R12 = %d, want 12", got)
	}
	if err := v.Bind(0); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	setReg(t, v, vmx.RSP, 0x8000)
	if got := vm.vmcsField(t, vmcs.Field(vmcs.GuestRSP)); got != 0x8000 {
		t.Errorf("guest RSP = %#x, want 0x8000", got)
	}
	if m, err := v.Mode(); err != nil || m != RealMode {
		t.Errorf("Mode = %v, %v, want real", m, err)
	}
}
