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

// Package guestmem reads and writes guest memory from the host, through
// the guest's EPT and, for linear addresses, the guest's own page tables.
package guestmem

import (
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/vmx/pkg/vmx/ept"
	"gvisor.dev/vmx/pkg/vmx/frame"
	"gvisor.dev/vmx/pkg/vmx/msr"
)

// ErrUnsupportedPaging is returned for guest paging modes other than
// 4-level paging.
var ErrUnsupportedPaging = errors.New("unsupported guest paging mode")

// Memory is a guest's physical memory as seen through its EPT.
type Memory struct {
	phys frame.PhysicalMemory
	eptp uint64
}

// New returns the guest memory described by eptp over host memory phys.
func New(phys frame.PhysicalMemory, eptp uint64) *Memory {
	return &Memory{phys: phys, eptp: eptp}
}

// Translate returns the host-physical address for an access to gpa, or an
// *ept.Fault.
func (m *Memory) Translate(gpa uint64, access hostarch.AccessType) (uint64, error) {
	tr, err := ept.Translate(m.phys, m.eptp, gpa)
	if f := ept.Check(tr, err, gpa, access); f != nil {
		if errors.Is(err, ept.ErrMisconfigured) || errors.Is(err, frame.ErrNoFrame) {
			return 0, err
		}
		return 0, f
	}
	return tr.HPA, nil
}

// access performs fn on each host-contiguous piece of [gpa, gpa+n).
func (m *Memory) access(gpa uint64, n int, at hostarch.AccessType, fn func(hpa uint64, off, len int) error) error {
	off := 0
	for off < n {
		hpa, err := m.Translate(gpa, at)
		if err != nil {
			return err
		}
		chunk := min(n-off, int(frame.Size-gpa%frame.Size))
		if err := fn(hpa, off, chunk); err != nil {
			return err
		}
		off += chunk
		gpa += uint64(chunk)
	}
	return nil
}

// ReadPhys reads len(dst) bytes at gpa with the given access type, which
// is hostarch.Read for data and hostarch.Execute for instruction fetches.
func (m *Memory) ReadPhys(gpa uint64, dst []byte, at hostarch.AccessType) error {
	return m.access(gpa, len(dst), at, func(hpa uint64, off, n int) error {
		return frame.Read(m.phys, hpa, dst[off:off+n])
	})
}

// WritePhys writes src at gpa.
func (m *Memory) WritePhys(gpa uint64, src []byte) error {
	return m.access(gpa, len(src), hostarch.Write, func(hpa uint64, off, n int) error {
		return frame.Write(m.phys, hpa, src[off:off+n])
	})
}

// Paging is the guest paging state.
type Paging struct {
	CR0, CR3, CR4, EFER uint64
}

// Enabled returns true if the guest translates linear addresses.
func (p Paging) Enabled() bool {
	return p.CR0&msr.CR0PG != 0
}

// PageFault is a guest page fault.
type PageFault struct {
	Addr   uint64
	Access hostarch.AccessType

	// Present is set for protection violations.
	Present bool
}

// Error implements error.Error.
func (f *PageFault) Error() string {
	return fmt.Sprintf("guest page fault: %s access to %#x (present=%t)", f.Access, f.Addr, f.Present)
}

// ErrorCode returns the #PF error code for f.
func (f *PageFault) ErrorCode() uint32 {
	var code uint32
	if f.Present {
		code |= 1 << 0
	}
	if f.Access.Write {
		code |= 1 << 1
	}
	if f.Access.Execute {
		code |= 1 << 4
	}
	return code
}

// Guest paging-structure entry bits.
const (
	ptePresent  = 1 << 0
	pteWritable = 1 << 1
	pteLarge    = 1 << 7
	pteNX       = 1 << 63
	pteAddrMask = 0x000ffffffffff000
)

// Linear translates the linear address gva to a guest-physical address.
//
// Only 4-level paging is supported. Supervisor accesses are assumed, so
// writes honour CR0.WP.
func (m *Memory) Linear(p Paging, gva uint64, at hostarch.AccessType) (uint64, error) {
	if !p.Enabled() {
		return gva, nil
	}
	if p.CR4&msr.CR4PAE == 0 || p.EFER&msr.EFERLMA == 0 {
		return 0, ErrUnsupportedPaging
	}
	table := p.CR3 & pteAddrMask
	writable, executable := true, true
	for shift := uint(39); ; shift -= 9 {
		var b [8]byte
		if err := m.ReadPhys(table+((gva>>shift)&0x1ff)*8, b[:], hostarch.Read); err != nil {
			return 0, err
		}
		e := hostarch.ByteOrder.Uint64(b[:])
		if e&ptePresent == 0 {
			return 0, &PageFault{Addr: gva, Access: at}
		}
		writable = writable && e&pteWritable != 0
		executable = executable && (p.EFER&msr.EFERNXE == 0 || e&pteNX == 0)
		if shift == 12 || ((shift == 21 || shift == 30) && e&pteLarge != 0) {
			if (at.Write && !writable && p.CR0&msr.CR0WP != 0) || (at.Execute && !executable) {
				return 0, &PageFault{Addr: gva, Access: at, Present: true}
			}
			size := uint64(1) << shift
			return e&pteAddrMask&^(size-1) | gva&(size-1), nil
		}
		table = e & pteAddrMask
	}
}

// ReadLinear reads len(dst) bytes at linear address gva.
func (m *Memory) ReadLinear(p Paging, gva uint64, dst []byte, at hostarch.AccessType) error {
	for len(dst) > 0 {
		gpa, err := m.Linear(p, gva, at)
		if err != nil {
			return err
		}
		n := min(len(dst), int(frame.Size-gva%frame.Size))
		if err := m.ReadPhys(gpa, dst[:n], at); err != nil {
			return err
		}
		dst = dst[n:]
		gva += uint64(n)
	}
	return nil
}

// WriteLinear writes src at linear address gva.
func (m *Memory) WriteLinear(p Paging, gva uint64, src []byte) error {
	for len(src) > 0 {
		gpa, err := m.Linear(p, gva, hostarch.Write)
		if err != nil {
			return err
		}
		n := min(len(src), int(frame.Size-gva%frame.Size))
		if err := m.WritePhys(gpa, src[:n]); err != nil {
			return err
		}
		src = src[n:]
		gva += uint64(n)
	}
	return nil
}
