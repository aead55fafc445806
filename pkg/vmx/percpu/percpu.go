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

// Package percpu tracks VMX operation on each logical core.
//
// A Registry is owned by the hypervisor and injected into the vCPU engine.
// It records which cores have executed VMXON, holds their VMXON regions,
// and arbitrates which vCPU's VMCS is current on each core.
//
// Enable and Disable execute privileged instructions on the core whose
// Hardware is passed to Attach. On real hardware the caller must be running
// on that core; Registry.Pin and EnableAll arrange this when pinning is
// configured.
package percpu

import (
	"fmt"
	"sort"

	"gvisor.dev/gvisor/pkg/cpuid"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/vmx/pkg/vmx"
	"gvisor.dev/vmx/pkg/vmx/frame"
	"gvisor.dev/vmx/pkg/vmx/insn"
	"gvisor.dev/vmx/pkg/vmx/msr"
)

// CPUID.1:ECX.VMX.
const cpuidVMX = 1 << 5

// ProbeSupport returns true if fs reports VMX.
//
// It does not account for firmware disabling VMX through
// IA32_FEATURE_CONTROL; Enable reports that case as vmx.ErrUnsupported.
func ProbeSupport(fs cpuid.Function) bool {
	return fs.Query(cpuid.In{Eax: 1}).Ecx&cpuidVMX != 0
}

// noOwner marks a core with no current VMCS owner.
const noOwner = -1

// core is the state of one logical core.
type core struct {
	// hw executes instructions on this core.
	hw insn.Hardware

	// enabled is set between a successful VMXON and VMXOFF.
	enabled bool

	// basic is IA32_VMX_BASIC, read at enable time.
	basic msr.Basic

	// region is the VMXON region. It is valid only when enabled.
	region frame.Frame

	// savedCR4 is CR4 before VMXE was set.
	savedCR4 uint64

	// transition is set while Enable or Disable runs on this core.
	transition bool

	// owner is the identity of the vCPU whose VMCS is current on this
	// core, or noOwner.
	owner int
}

// Options configures a Registry.
type Options struct {
	// Pin makes EnableAll and DisableAll bind each worker goroutine to the
	// core it operates on. It must be set on real hardware and is
	// meaningless for simulated cores.
	Pin bool
}

// Registry holds the per-core VMX state of the machine.
//
// All methods are safe for concurrent use.
type Registry struct {
	alloc frame.Allocator
	opts  Options

	// mu protects cores and every field of each core.
	mu    sync.Mutex
	cores map[int]*core
}

// NewRegistry returns an empty Registry allocating VMXON regions from alloc.
func NewRegistry(alloc frame.Allocator, opts Options) *Registry {
	return &Registry{
		alloc: alloc,
		opts:  opts,
		cores: make(map[int]*core),
	}
}

// Attach registers a logical core and the Hardware that executes on it.
//
// Attaching an already attached core returns vmx.ErrResourceBusy.
func (r *Registry) Attach(id int, hw insn.Hardware) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cores[id]; ok {
		return fmt.Errorf("core %d already attached: %w", id, vmx.ErrResourceBusy)
	}
	r.cores[id] = &core{hw: hw, owner: noOwner}
	return nil
}

// Cores returns the attached core identifiers in increasing order.
func (r *Registry) Cores() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int, 0, len(r.cores))
	for id := range r.cores {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// lookup returns the core for id.
//
// Preconditions: r.mu must be locked.
func (r *Registry) lookup(id int) (*core, error) {
	c, ok := r.cores[id]
	if !ok {
		return nil, fmt.Errorf("core %d not attached: %w", id, vmx.ErrBadState)
	}
	return c, nil
}

// Hardware returns the Hardware of core id.
func (r *Registry) Hardware(id int) (insn.Hardware, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return c.hw, nil
}

// IsEnabled returns true if VMX operation is enabled on core id.
func (r *Registry) IsEnabled(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cores[id]
	return ok && c.enabled
}

// Basic returns IA32_VMX_BASIC as read when core id was enabled.
func (r *Registry) Basic(id int) (msr.Basic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.lookup(id)
	if err != nil {
		return msr.Basic{}, err
	}
	if !c.enabled {
		return msr.Basic{}, fmt.Errorf("core %d: VMX not enabled: %w", id, vmx.ErrBadState)
	}
	return c.basic, nil
}

// Claim records that the vCPU identified by owner is making its VMCS
// current on core id, and returns the core's Hardware.
//
// It fails with vmx.ErrBadState if VMX is not enabled on the core and with
// vmx.ErrResourceBusy if another vCPU holds the core.
func (r *Registry) Claim(id, owner int) (insn.Hardware, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	if !c.enabled {
		return nil, fmt.Errorf("core %d: VMX not enabled: %w", id, vmx.ErrBadState)
	}
	if c.owner != noOwner && c.owner != owner {
		return nil, fmt.Errorf("core %d bound to vCPU %d: %w", id, c.owner, vmx.ErrResourceBusy)
	}
	c.owner = owner
	return c.hw, nil
}

// Release drops the claim of owner on core id. Releasing a claim that is
// not held is a no-op.
func (r *Registry) Release(id, owner int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.cores[id]; ok && c.owner == owner {
		c.owner = noOwner
	}
}

// Owner returns the vCPU holding core id, if any.
func (r *Registry) Owner(id int) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cores[id]
	if !ok || c.owner == noOwner {
		return 0, false
	}
	return c.owner, true
}
