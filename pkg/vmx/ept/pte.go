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

package ept

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/hostarch"
)

// Entry bits (SDM Vol. 3C, Section 29.3.2).
const (
	entryRead      = 1 << 0
	entryWrite     = 1 << 1
	entryExecute   = 1 << 2
	memTypeShift   = 3
	memTypeMask    = 7 << memTypeShift
	entryIgnorePAT = 1 << 6
	entryLarge     = 1 << 7
	entryPermsMask = entryRead | entryWrite | entryExecute
	entryAddrMask  = 0x000ffffffffff000
	entryOptsMask  = entryPermsMask | memTypeMask | entryIgnorePAT
)

// Address space layout.
const (
	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	pteMask = 0x1ff << pteShift
	pmdMask = 0x1ff << pmdShift
	pudMask = 0x1ff << pudShift
	pgdMask = 0x1ff << pgdShift

	pteSize = 1 << pteShift
	pmdSize = 1 << pmdShift
	pudSize = 1 << pudShift
	pgdSize = 1 << pgdShift

	entriesPerPage = 512

	// AddressSpaceSize is the size of the guest-physical space reachable
	// through a 4-level EPT.
	AddressSpaceSize = 1 << 48
)

// Leaf sizes.
const (
	PageSize = pteSize
	Size2M   = pmdSize
	Size1G   = pudSize
)

// EPT memory type encodings.
const (
	memTypeUC = 0
	memTypeWC = 1
	memTypeWB = 6
)

func encodeMemoryType(mt hostarch.MemoryType) uint64 {
	switch mt {
	case hostarch.MemoryTypeWriteCombine:
		return memTypeWC
	case hostarch.MemoryTypeUncached:
		return memTypeUC
	default:
		return memTypeWB
	}
}

func decodeMemoryType(v uint64) hostarch.MemoryType {
	switch v {
	case memTypeWC:
		return hostarch.MemoryTypeWriteCombine
	case memTypeUC:
		return hostarch.MemoryTypeUncached
	default:
		return hostarch.MemoryTypeWriteBack
	}
}

// MapOpts are the attributes of a mapping.
type MapOpts struct {
	// AccessType is the permissions granted to the guest.
	AccessType hostarch.AccessType

	// MemoryType is the effective memory type of the mapping. The guest
	// PAT is ignored.
	MemoryType hostarch.MemoryType
}

// String implements fmt.Stringer.
func (o MapOpts) String() string {
	return fmt.Sprintf("%s/%s", o.AccessType, o.MemoryType.ShortString())
}

// PTE is an EPT entry.
type PTE uint64

// PTEs is one EPT table.
type PTEs [entriesPerPage]PTE

// Valid returns true if the entry grants any access. An EPT entry with no
// permission bits is not present.
func (p *PTE) Valid() bool {
	return *p&entryPermsMask != 0
}

// IsSuper returns true if the entry is a 2MiB or 1GiB leaf.
func (p *PTE) IsSuper() bool {
	return *p&entryLarge != 0
}

// Address returns the address this entry points to.
func (p *PTE) Address() uint64 {
	return uint64(*p & entryAddrMask)
}

// Opts returns the attributes of a leaf entry.
func (p *PTE) Opts() MapOpts {
	v := uint64(*p)
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:    v&entryRead != 0,
			Write:   v&entryWrite != 0,
			Execute: v&entryExecute != 0,
		},
		MemoryType: decodeMemoryType((v & memTypeMask) >> memTypeShift),
	}
}

// Clear clears the entry.
func (p *PTE) Clear() {
	*p = 0
}

// Set installs a leaf. super selects a 2MiB or 1GiB leaf.
func (p *PTE) Set(addr uint64, opts MapOpts, super bool) {
	if !opts.AccessType.Any() {
		p.Clear()
		return
	}
	v := addr&entryAddrMask | encodeMemoryType(opts.MemoryType)<<memTypeShift | entryIgnorePAT
	if opts.AccessType.Read {
		v |= entryRead
	}
	if opts.AccessType.Write {
		v |= entryWrite
	}
	if opts.AccessType.Execute {
		v |= entryExecute
	}
	if super {
		v |= entryLarge
	}
	*p = PTE(v)
}

// setPageTable points the entry at a lower-level table. Non-leaf entries
// grant everything; the leaf decides.
func (p *PTE) setPageTable(addr uint64) {
	*p = PTE(addr&entryAddrMask | entryPermsMask)
}

// copyLeaf returns the entry for a piece of a split leaf.
func (p *PTE) copyLeaf(addr uint64, super bool) PTE {
	v := uint64(*p)&entryOptsMask | addr&entryAddrMask
	if super {
		v |= entryLarge
	}
	return PTE(v)
}

func (p *PTEs) empty() bool {
	for i := range p {
		if p[i].Valid() {
			return false
		}
	}
	return true
}
