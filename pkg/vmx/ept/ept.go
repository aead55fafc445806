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

// Package ept implements extended page tables, the guest-physical to
// host-physical translation consulted by the processor in VMX non-root
// operation.
//
// A Table may be shared by the vCPUs of one guest. Edits are serialized by
// the table and bump a generation counter; each vCPU compares the counter
// with the value it last saw before every VM entry and, if it changed,
// issues a single-context INVEPT for the table's EPTP on its own core. A
// global invalidation is never used.
package ept

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/vmx/pkg/vmx"
	"gvisor.dev/vmx/pkg/vmx/frame"
)

// Opts are table options.
type Opts struct {
	// Allow2M and Allow1G permit large leaves. They should be set from
	// the processor's EPT capabilities.
	Allow2M bool
	Allow1G bool
}

// Table is a 4-level EPT.
type Table struct {
	mu sync.Mutex

	alloc frame.Allocator
	opts  Opts

	// root is the PML4 frame.
	root frame.Frame

	// tables holds every table below the root by physical address.
	tables map[uint64]frame.Frame

	// generation is incremented by every edit that changes an entry.
	generation atomicbitops.Uint64

	// splits counts large leaves split by edits.
	splits atomicbitops.Uint64
}

// New returns an empty table.
func New(alloc frame.Allocator, opts Opts) (*Table, error) {
	root, err := alloc.Alloc()
	if err != nil {
		return nil, fmt.Errorf("allocating EPT root: %w", err)
	}
	return &Table{
		alloc:  alloc,
		opts:   opts,
		root:   root,
		tables: make(map[uint64]frame.Frame),
	}, nil
}

func (t *Table) rootPTEs() *PTEs {
	return ptes(t.root.Page)
}

// newTable allocates a table and points parent at it.
func (t *Table) newTable(parent *PTE) (*PTEs, error) {
	f, err := t.alloc.Alloc()
	if err != nil {
		return nil, fmt.Errorf("allocating EPT table: %w", err)
	}
	t.tables[f.Phys] = f
	parent.setPageTable(f.Phys)
	return ptes(f.Page), nil
}

func (t *Table) lookupTable(phys uint64) *PTEs {
	f, ok := t.tables[phys]
	if !ok {
		panic(fmt.Sprintf("EPT entry points at unknown table %#x", phys))
	}
	return ptes(f.Page)
}

// freeTable clears parent and releases the table it points at.
func (t *Table) freeTable(parent *PTE) {
	phys := parent.Address()
	parent.Clear()
	t.releaseTable(phys)
}

// releaseTable returns the table at phys to the allocator.
func (t *Table) releaseTable(phys uint64) {
	if f, ok := t.tables[phys]; ok {
		delete(t.tables, phys)
		t.alloc.Free(f)
	}
}

// Root returns the physical address of the PML4 table.
func (t *Table) Root() uint64 {
	return t.root.Phys
}

// EPTP returns the EPT pointer to program into the VMCS: write-back
// paging-structure accesses, 4-level walk, accessed/dirty flags off.
func (t *Table) EPTP() uint64 {
	return MakeEPTP(t.root.Phys)
}

// MakeEPTP returns the EPT pointer for the PML4 at root.
func MakeEPTP(root uint64) uint64 {
	return root&entryAddrMask | memTypeWB | (4-1)<<3
}

// Generation returns the edit generation.
func (t *Table) Generation() uint64 {
	return t.generation.Load()
}

// Splits returns the number of large leaves split so far.
func (t *Table) Splits() uint64 {
	return t.splits.Load()
}

func checkRange(gpa, length uint64) error {
	if gpa%pteSize != 0 || length%pteSize != 0 {
		return fmt.Errorf("range [%#x, +%#x) not page aligned: %w", gpa, length, vmx.ErrBadState)
	}
	if length == 0 || gpa >= AddressSpaceSize || length > AddressSpaceSize-gpa {
		return fmt.Errorf("range [%#x, +%#x) outside guest-physical space: %w", gpa, length, vmx.ErrBadState)
	}
	return nil
}

// mapVisitor installs leaves.
type mapVisitor struct {
	gpa, hpa uint64
	opts     MapOpts
	changed  bool
}

func (v *mapVisitor) visit(start uint64, pte *PTE, align uint64) error {
	addr := v.hpa + (start - v.gpa)
	old := *pte
	if addr&align != 0 {
		// A leaf of this size cannot be installed; the walker continues
		// at a smaller size once the entry is clear.
		pte.Clear()
	} else {
		pte.Set(addr, v.opts, align != pteSize-1)
	}
	v.changed = v.changed || old != *pte
	return nil
}

func (*mapVisitor) requiresAlloc() bool { return true }
func (*mapVisitor) requiresSplit() bool { return true }
func (*mapVisitor) requiresFree() bool  { return false }

// Map maps [gpa, gpa+length) to [hpa, hpa+length) with opts, replacing any
// existing mappings. A large leaf that partially overlaps the range is
// split first so that the rest of it keeps its attributes.
//
// Mapping with no access is equivalent to Unmap. Misaligned or
// out-of-range requests fail without changing the table, as does a request
// that runs out of frames for tables part way. True is returned
// if any entry changed.
func (t *Table) Map(gpa, hpa, length uint64, opts MapOpts) (bool, error) {
	if !opts.AccessType.Any() {
		return t.Unmap(gpa, length)
	}
	if err := checkRange(gpa, length); err != nil {
		return false, err
	}
	if hpa%pteSize != 0 || hpa+length < hpa || hpa+length > 1<<52 {
		return false, fmt.Errorf("host range [%#x, +%#x) invalid: %w", hpa, length, vmx.ErrBadState)
	}
	if opts.AccessType.Write && !opts.AccessType.Read {
		// Write without read is an EPT misconfiguration.
		return false, fmt.Errorf("write-only mapping %v: %w", opts, vmx.ErrBadState)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	v := &mapVisitor{gpa: gpa, hpa: hpa, opts: opts}
	w := walker{table: t, visitor: v}
	if err := w.run(gpa, gpa+length); err != nil {
		// The walk was rolled back. No entry changed.
		return false, err
	}
	if v.changed {
		t.generation.Add(1)
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("EPT map [%#x, %#x) -> %#x %v", gpa, gpa+length, hpa, opts)
	}
	return v.changed, nil
}

// unmapVisitor clears leaves.
type unmapVisitor struct {
	count int
}

func (v *unmapVisitor) visit(start uint64, pte *PTE, align uint64) error {
	pte.Clear()
	v.count++
	return nil
}

func (*unmapVisitor) requiresAlloc() bool { return false }
func (*unmapVisitor) requiresSplit() bool { return true }
func (*unmapVisitor) requiresFree() bool  { return true }

// Unmap unmaps [gpa, gpa+length). Tables left empty are freed. True is
// returned if anything was mapped in the range. If a large leaf cannot be
// split for lack of frames the table is left unchanged.
func (t *Table) Unmap(gpa, length uint64) (bool, error) {
	if err := checkRange(gpa, length); err != nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	v := &unmapVisitor{}
	w := walker{table: t, visitor: v}
	if err := w.run(gpa, gpa+length); err != nil {
		return false, err
	}
	if v.count > 0 {
		t.generation.Add(1)
	}
	return v.count > 0, nil
}

// Lookup returns the translation of gpa, or ok false if it is not mapped.
func (t *Table) Lookup(gpa uint64) (Translation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, err := Translate(tableMemory{t}, t.EPTP(), gpa)
	if err != nil {
		return Translation{}, false
	}
	return tr, true
}

// tableMemory exposes the table's own frames as physical memory.
type tableMemory struct {
	t *Table
}

// Lookup implements frame.PhysicalMemory.Lookup.
func (m tableMemory) Lookup(phys uint64) (*frame.Page, bool) {
	phys &^= frame.Size - 1
	if phys == m.t.root.Phys {
		return m.t.root.Page, true
	}
	f, ok := m.t.tables[phys]
	return f.Page, ok
}

// Mapping is a leaf returned by Mappings.
type Mapping struct {
	GPA    uint64
	Length uint64
	HPA    uint64
	Opts   MapOpts
}

type collectVisitor struct {
	mappings []Mapping
}

func (v *collectVisitor) visit(start uint64, pte *PTE, align uint64) error {
	v.mappings = append(v.mappings, Mapping{
		GPA:    start,
		Length: align + 1,
		HPA:    pte.Address(),
		Opts:   pte.Opts(),
	})
	return nil
}

func (*collectVisitor) requiresAlloc() bool { return false }
func (*collectVisitor) requiresSplit() bool { return false }
func (*collectVisitor) requiresFree() bool  { return false }

// Mappings returns every leaf in guest-physical order. Adjacent leaves are
// not merged.
func (t *Table) Mappings() []Mapping {
	t.mu.Lock()
	defer t.mu.Unlock()
	v := &collectVisitor{}
	w := walker{table: t, visitor: v}
	w.run(0, AddressSpaceSize)
	return v.mappings
}

// Tables returns the number of tables below the root.
func (t *Table) Tables() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tables)
}

// Release unmaps everything and frees the root. The table must not be in
// use by any vCPU.
func (t *Table) Release() {
	t.Unmap(0, AddressSpaceSize)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.alloc.Free(t.root)
	t.root = frame.Frame{}
}

// ReadWriteExecute is the access type of ordinary guest RAM.
var ReadWriteExecute = hostarch.AnyAccess
