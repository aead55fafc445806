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
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/vmx/pkg/vmx/frame"
	"gvisor.dev/vmx/pkg/vmx/vmcs"
)

// Translation errors.
var (
	// ErrNotPresent is returned when no leaf maps the address.
	ErrNotPresent = errors.New("EPT translation not present")

	// ErrMisconfigured is returned for entries the processor rejects, such
	// as write permission without read permission.
	ErrMisconfigured = errors.New("EPT misconfiguration")
)

// Translation is the result of an EPT walk.
type Translation struct {
	// HPA is the host-physical address.
	HPA uint64

	// Size is the size of the leaf: 4KiB, 2MiB or 1GiB.
	Size uint64

	Opts MapOpts
}

// Base returns the host-physical address of the start of the leaf.
func (t Translation) Base() uint64 {
	return t.HPA &^ (t.Size - 1)
}

// Translate walks the EPT at eptp the way the processor does, reading the
// tables from mem.
func Translate(mem frame.PhysicalMemory, eptp, gpa uint64) (Translation, error) {
	if gpa >= AddressSpaceSize {
		return Translation{}, fmt.Errorf("gpa %#x: %w", gpa, ErrNotPresent)
	}
	table := eptp & entryAddrMask
	for _, level := range []struct {
		shift uint
		large bool
	}{
		{pgdShift, false},
		{pudShift, true},
		{pmdShift, true},
		{pteShift, false},
	} {
		index := (gpa >> level.shift) & (entriesPerPage - 1)
		raw, err := frame.ReadUint64(mem, table+index*8)
		if err != nil {
			return Translation{}, fmt.Errorf("reading EPT entry for %#x: %w", gpa, err)
		}
		pte := PTE(raw)
		if !pte.Valid() {
			return Translation{}, fmt.Errorf("gpa %#x: %w", gpa, ErrNotPresent)
		}
		if raw&entryWrite != 0 && raw&entryRead == 0 {
			return Translation{}, fmt.Errorf("gpa %#x entry %#x: %w", gpa, raw, ErrMisconfigured)
		}
		leaf := level.shift == pteShift || (level.large && pte.IsSuper())
		if !leaf {
			table = pte.Address()
			continue
		}
		size := uint64(1) << level.shift
		return Translation{
			HPA:  pte.Address()&^(size-1) | gpa&(size-1),
			Size: size,
			Opts: pte.Opts(),
		}, nil
	}
	panic("unreachable")
}

// Fault is a guest access that the EPT did not allow.
type Fault struct {
	// GPA is the guest-physical address accessed.
	GPA uint64

	// Access is the attempted access.
	Access hostarch.AccessType

	// Present is set when a translation exists but does not permit the
	// access. Allowed holds its permissions.
	Present bool
	Allowed hostarch.AccessType

	// GuestLinear is the guest linear address, valid if LinearValid.
	GuestLinear uint64
	LinearValid bool
}

// Error implements error.Error.
func (f *Fault) Error() string {
	cause := "not present"
	if f.Present {
		cause = fmt.Sprintf("allowed %s", f.Allowed)
	}
	return fmt.Sprintf("EPT fault: %s access to gpa %#x, %s", f.Access, f.GPA, cause)
}

// Check returns the fault for an access of the given type to gpa, or nil if
// the translation permits it.
func Check(tr Translation, err error, gpa uint64, access hostarch.AccessType) *Fault {
	if err != nil {
		return &Fault{GPA: gpa, Access: access}
	}
	a := tr.Opts.AccessType
	if (access.Read && !a.Read) || (access.Write && !a.Write) || (access.Execute && !a.Execute) {
		return &Fault{GPA: gpa, Access: access, Present: true, Allowed: a}
	}
	return nil
}

// FaultFromViolation builds a fault from EPT violation exit information.
func FaultFromViolation(gpa, gla uint64, q vmcs.EPTViolation) *Fault {
	allowed := hostarch.AccessType{Read: q.Readable, Write: q.Writable, Execute: q.Executable}
	return &Fault{
		GPA:         gpa,
		Access:      hostarch.AccessType{Read: q.Read, Write: q.Write, Execute: q.Fetch},
		Present:     allowed.Any(),
		Allowed:     allowed,
		GuestLinear: gla,
		LinearValid: q.LinearValid,
	}
}

// Violation returns the exit qualification describing f.
func (f *Fault) Violation() vmcs.EPTViolation {
	return vmcs.EPTViolation{
		Read:        f.Access.Read,
		Write:       f.Access.Write,
		Fetch:       f.Access.Execute,
		Readable:    f.Allowed.Read,
		Writable:    f.Allowed.Write,
		Executable:  f.Allowed.Execute,
		LinearValid: f.LinearValid,
		Translated:  f.LinearValid,
	}
}
