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

// Package vcpu implements the virtual CPU execution engine.
//
// A Vcpu owns one VMCS and its intercept bitmaps. It is configured with an
// entry point and an EPT, bound to a core whose VMX operation has been
// enabled through a percpu.Registry, and then run in a loop:
//
//	v, _ := vcpu.New(0, opts)
//	v.Setup(entry, table)
//	v.Bind(core)
//	for {
//		exit, err := v.Run()
//		...
//	}
//
// Run resolves a set of exits itself (CPUID, XSETBV, control register
// writes, x2APIC register accesses, the diagnostic port, interrupt windows
// and the preemption timer) and normalizes the rest into an ExitReason.
//
// A Vcpu is not safe for concurrent use. Bind, Run and Unbind must be
// called from a thread running on the bound core; QueueEvent may be called
// from the same thread between runs.
package vcpu

import (
	"fmt"
	"time"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/vmx/pkg/vmx"
	"gvisor.dev/vmx/pkg/vmx/apic"
	"gvisor.dev/vmx/pkg/vmx/bitmap"
	"gvisor.dev/vmx/pkg/vmx/ept"
	"gvisor.dev/vmx/pkg/vmx/frame"
	"gvisor.dev/vmx/pkg/vmx/insn"
	"gvisor.dev/vmx/pkg/vmx/msr"
	"gvisor.dev/vmx/pkg/vmx/percpu"
	"gvisor.dev/vmx/pkg/vmx/vmcs"
)

// LaunchState tracks whether the VMCS must be entered with VMLAUNCH or
// VMRESUME.
type LaunchState int

// Launch states.
const (
	NeverActivated LaunchState = iota
	Activated
)

// String implements fmt.Stringer.
func (s LaunchState) String() string {
	if s == Activated {
		return "activated"
	}
	return "never activated"
}

// State is the lifecycle state of a Vcpu.
type State int

// Lifecycle states. Unbind returns a Vcpu to Created; the configuration
// given to Setup is kept, so it may be bound again without another Setup.
const (
	Created State = iota
	Configured
	Bound
	Running
	Exited
	Released
)

var stateNames = map[State]string{
	Created:    "created",
	Configured: "configured",
	Bound:      "bound",
	Running:    "running",
	Exited:     "exited",
	Released:   "released",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Defaults for Options.
const (
	DefaultDiagnosticPort   = 0x80
	DefaultHypervisorVendor = "gVisorVMXgVi"
	DefaultTSCMHz           = 3000
)

// Ports with built-in meaning.
const (
	// exitPort is QEMU's ACPI shutdown port; a 16-bit write of
	// shutdownValue powers the guest off.
	exitPort      = 0x604
	shutdownValue = 0x2000
)

// Options configures a Vcpu.
type Options struct {
	// Registry provides the cores a Vcpu binds to. Required.
	Registry *percpu.Registry

	// Alloc provides the VMCS and bitmap frames. Required.
	Alloc frame.Allocator

	// Memory gives access to host physical memory. It is optional; without
	// it the guest memory helpers return vmx.ErrUnsupported and exception
	// exits are logged without instruction bytes.
	Memory frame.PhysicalMemory

	// APIC handles x2APIC register accesses. If nil, they are surfaced as
	// MSRRead and MSRWrite exits.
	APIC apic.Controller

	// DiagnosticPort is the port whose writes are absorbed. Zero selects
	// DefaultDiagnosticPort.
	DiagnosticPort uint16

	// InterceptAllIO intercepts every port instead of only the diagnostic
	// port, the exit port and InterceptPorts.
	InterceptAllIO bool

	// InterceptPorts are additional ports to intercept.
	InterceptPorts []uint16

	// InterceptMSRs are additional MSRs to intercept for reads and writes.
	InterceptMSRs []uint32

	// PreemptionTimer, if non-zero, activates the VMX-preemption timer
	// with this value on every entry.
	PreemptionTimer uint32

	// HypervisorVendor is reported by CPUID leaf 0x40000000. It is padded
	// or truncated to 12 bytes. Empty selects DefaultHypervisorVendor.
	HypervisorVendor string

	// TSCMHz is reported by CPUID leaf 0x16 when the processor reports
	// zero. Zero selects DefaultTSCMHz.
	TSCMHz uint32
}

func (o *Options) setDefaults() {
	if o.DiagnosticPort == 0 {
		o.DiagnosticPort = DefaultDiagnosticPort
	}
	if o.HypervisorVendor == "" {
		o.HypervisorVendor = DefaultHypervisorVendor
	}
	if o.TSCMHz == 0 {
		o.TSCMHz = DefaultTSCMHz
	}
}

// Event is an interrupt or exception waiting to be injected.
type Event struct {
	Vector uint8

	// ErrorCode is pushed for exceptions that take one. If HasErrorCode
	// is false the error code of the last exit is reused.
	ErrorCode    uint32
	HasErrorCode bool
}

// Stats are exit counters of a Vcpu.
type Stats struct {
	Entries   uint64
	Exits     uint64
	Internal  uint64
	Injected  uint64
	Windows   uint64
	InvEPTs   uint64
	FailedRun uint64
}

type stats struct {
	entries   atomicbitops.Uint64
	exits     atomicbitops.Uint64
	internal  atomicbitops.Uint64
	injected  atomicbitops.Uint64
	windows   atomicbitops.Uint64
	invepts   atomicbitops.Uint64
	failedRun atomicbitops.Uint64
}

// exitLog rate limits warnings emitted on exit paths that a guest can
// trigger at will.
var exitLog = log.BasicRateLimitedLogger(time.Second)

// Vcpu is a virtual CPU.
type Vcpu struct {
	id   int
	opts Options

	vmcs frame.Frame
	io   *bitmap.IOBitmap
	msrs *bitmap.MSRBitmap

	state  State
	launch LaunchState

	// entry and table are set by Setup. programmed is cleared by Setup and
	// set once the guest state has been written to the VMCS.
	entry      uint64
	table      *ept.Table
	programmed bool

	// core, hw and acc are valid while bound.
	core int
	hw   insn.Hardware
	acc  *vmcs.Accessor

	// flushed is the EPT generation last invalidated on the bound core.
	// needFlush forces an invalidation on the next entry.
	flushed   uint64
	needFlush bool

	regs vmx.GeneralRegisters

	// events is the pending event queue, oldest first. window is set
	// while interrupt-window exiting is armed.
	events []Event
	window bool

	xstate xstate

	// diag is the last value written to the diagnostic port.
	diag uint64

	stats stats
}

// New returns a Vcpu identified by id. Identifiers are used to claim cores
// and must be unique among the Vcpus sharing a Registry.
func New(id int, opts Options) (*Vcpu, error) {
	if opts.Registry == nil || opts.Alloc == nil {
		return nil, fmt.Errorf("vCPU %d: registry and allocator are required: %w", id, vmx.ErrBadState)
	}
	opts.setDefaults()

	cu := cleanup.Make(func() {})
	defer cu.Clean()

	region, err := opts.Alloc.Alloc()
	if err != nil {
		return nil, fmt.Errorf("vCPU %d: allocating VMCS: %w", id, err)
	}
	cu.Add(func() { opts.Alloc.Free(region) })

	newIO := bitmap.IOPassthroughAll
	if opts.InterceptAllIO {
		newIO = bitmap.IOInterceptAll
	}
	io, err := newIO(opts.Alloc)
	if err != nil {
		return nil, fmt.Errorf("vCPU %d: %w", id, err)
	}
	cu.Add(io.Release)
	io.SetIntercept(opts.DiagnosticPort, true)
	io.SetIntercept(exitPort, true)
	for _, p := range opts.InterceptPorts {
		io.SetIntercept(p, true)
	}

	msrs, err := bitmap.MSRPassthroughAll(opts.Alloc)
	if err != nil {
		return nil, fmt.Errorf("vCPU %d: %w", id, err)
	}
	cu.Add(msrs.Release)
	if err := interceptMSRs(msrs, opts.InterceptMSRs); err != nil {
		return nil, fmt.Errorf("vCPU %d: %w", id, err)
	}

	cu.Release()
	return &Vcpu{
		id:   id,
		opts: opts,
		vmcs: region,
		io:   io,
		msrs: msrs,
		core: -1,
	}, nil
}

// interceptMSRs sets up the MSR bitmap: the x2APIC range, feature control
// and the VMX capability registers are always intercepted.
func interceptMSRs(b *bitmap.MSRBitmap, extra []uint32) error {
	if err := b.SetInterceptRange(msr.X2APICFirst, msr.X2APICLast-msr.X2APICFirst+1, true); err != nil {
		return err
	}
	if err := b.SetIntercept(msr.FeatureControl, true); err != nil {
		return err
	}
	if err := b.SetInterceptRange(msr.VMXBasic, msr.VMXVMFunc-msr.VMXBasic+1, true); err != nil {
		return err
	}
	for _, index := range extra {
		// MSRs outside the bitmap always exit.
		if !bitmap.Covered(index) {
			continue
		}
		if err := b.SetIntercept(index, true); err != nil {
			return err
		}
	}
	return nil
}

// ID returns the identifier given to New.
func (v *Vcpu) ID() int {
	return v.id
}

// State returns the lifecycle state.
func (v *Vcpu) State() State {
	return v.state
}

// LaunchState returns whether the VMCS has been launched since it was last
// cleared.
func (v *Vcpu) LaunchState() LaunchState {
	return v.launch
}

// Core returns the bound core, or -1.
func (v *Vcpu) Core() int {
	return v.core
}

// Stats returns a snapshot of the exit counters.
func (v *Vcpu) Stats() Stats {
	return Stats{
		Entries:   v.stats.entries.Load(),
		Exits:     v.stats.exits.Load(),
		Internal:  v.stats.internal.Load(),
		Injected:  v.stats.injected.Load(),
		Windows:   v.stats.windows.Load(),
		InvEPTs:   v.stats.invepts.Load(),
		FailedRun: v.stats.failedRun.Load(),
	}
}

// DiagnosticCode returns the last value the guest wrote to the diagnostic
// port.
func (v *Vcpu) DiagnosticCode() uint64 {
	return v.diag
}

// IOBitmap returns the I/O bitmap, which may be edited between runs.
func (v *Vcpu) IOBitmap() *bitmap.IOBitmap {
	return v.io
}

// MSRBitmap returns the MSR bitmap, which may be edited between runs.
func (v *Vcpu) MSRBitmap() *bitmap.MSRBitmap {
	return v.msrs
}

func (v *Vcpu) badState(op string) error {
	return fmt.Errorf("vCPU %d: %s in state %v: %w", v.id, op, v.state, vmx.ErrBadState)
}

func (v *Vcpu) bound() bool {
	switch v.state {
	case Bound, Running, Exited:
		return true
	}
	return false
}

// Setup sets the guest entry point and the EPT. The guest state is
// programmed into the VMCS on the next Bind, so Setup resets the guest to
// its initial state.
//
// Setup must not be called while bound.
func (v *Vcpu) Setup(entry uint64, root *ept.Table) error {
	if v.state != Created && v.state != Configured {
		return v.badState("setup")
	}
	if root == nil {
		return fmt.Errorf("vCPU %d: no EPT: %w", v.id, vmx.ErrBadState)
	}
	v.entry = entry
	v.table = root
	v.programmed = false
	v.regs = vmx.GeneralRegisters{}
	v.events = nil
	v.window = false
	v.state = Configured
	return nil
}

// Bind makes the VMCS current on core, which must have VMX enabled and no
// other Vcpu bound. Binding a bound Vcpu fails with vmx.ErrResourceBusy.
func (v *Vcpu) Bind(core int) error {
	switch {
	case v.bound():
		return fmt.Errorf("vCPU %d already bound to core %d: %w", v.id, v.core, vmx.ErrResourceBusy)
	case v.state == Released:
		return v.badState("bind")
	case v.table == nil:
		return fmt.Errorf("vCPU %d: bind before setup: %w", v.id, vmx.ErrBadState)
	}
	basic, err := v.opts.Registry.Basic(core)
	if err != nil {
		return fmt.Errorf("vCPU %d: %w", v.id, err)
	}
	hw, err := v.opts.Registry.Claim(core, v.id)
	if err != nil {
		return fmt.Errorf("vCPU %d: %w", v.id, err)
	}
	cu := cleanup.Make(func() { v.opts.Registry.Release(core, v.id) })
	defer cu.Clean()

	caps := msr.EPTVPIDCap(hw.ReadMSR(msr.VMXEPTVPIDCap))
	if !caps.Has(msr.EPTInvept | msr.EPTInveptSingle) {
		return fmt.Errorf("vCPU %d: single-context INVEPT not available on core %d: %w", v.id, core, vmx.ErrUnsupported)
	}

	v.vmcs.Page.SetUint32(0, basic.RevisionID)
	// Clear any activation left by an earlier binding.
	if err := hw.VMClear(v.vmcs.Phys); err != nil {
		return err
	}
	if err := hw.VMPtrLoad(v.vmcs.Phys); err != nil {
		return err
	}
	acc := vmcs.NewAccessor(hw)
	if !v.programmed {
		if err := v.programControls(acc, hw); err != nil {
			return err
		}
		if err := v.programGuest(acc, hw); err != nil {
			return err
		}
		v.programmed = true
	}
	if err := programHost(acc, hw); err != nil {
		return err
	}
	cu.Release()

	v.core, v.hw, v.acc = core, hw, acc
	v.launch = NeverActivated
	v.needFlush = true
	v.xstate = newXState(hw)
	v.state = Bound
	log.Infof("vCPU %d bound to core %d", v.id, core)
	return nil
}

// Unbind clears the VMCS, releasing the core. The next Run after a Bind
// uses VMLAUNCH again.
func (v *Vcpu) Unbind() error {
	if v.state != Bound && v.state != Exited {
		return v.badState("unbind")
	}
	if err := v.hw.VMClear(v.vmcs.Phys); err != nil {
		return err
	}
	v.opts.Registry.Release(v.core, v.id)
	log.Infof("vCPU %d unbound from core %d", v.id, v.core)
	v.core, v.hw, v.acc = -1, nil, nil
	v.launch = NeverActivated
	v.state = Created
	return nil
}

// Release frees the VMCS and bitmaps. The Vcpu must not be bound.
func (v *Vcpu) Release() error {
	switch {
	case v.state == Released:
		return nil
	case v.bound():
		return fmt.Errorf("vCPU %d: release while bound to core %d: %w", v.id, v.core, vmx.ErrResourceBusy)
	}
	v.io.Release()
	v.msrs.Release()
	v.opts.Alloc.Free(v.vmcs)
	v.vmcs = frame.Frame{}
	v.state = Released
	return nil
}

// QueueEvent appends e to the pending event queue. Events are injected in
// order, one per entry, as the guest becomes able to take them.
func (v *Vcpu) QueueEvent(e Event) {
	v.events = append(v.events, e)
}

// PendingEvents returns the number of queued events.
func (v *Vcpu) PendingEvents() int {
	return len(v.events)
}

// queueFault puts an exception at the head of the queue so that it is
// injected on the next entry.
func (v *Vcpu) queueFault(vector uint8, errorCode uint32) {
	v.events = append([]Event{{Vector: vector, ErrorCode: errorCode, HasErrorCode: true}}, v.events...)
}
