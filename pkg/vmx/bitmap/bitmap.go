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

// Package bitmap implements the VMX I/O and MSR intercept bitmaps.
//
// A set bit makes the corresponding guest access cause a VM exit. The
// processor reads the bitmaps on every access, so a change affects only
// accesses made after it.
package bitmap

import (
	"fmt"

	"gvisor.dev/vmx/pkg/vmx"
	"gvisor.dev/vmx/pkg/vmx/frame"
)

// NumPorts is the size of the I/O port space.
const NumPorts = 1 << 16

const portsPerPage = NumPorts / 2

// IOBit returns the location of the intercept bit for port: page 0 is
// bitmap A (ports 0x0000-0x7fff), page 1 is bitmap B.
func IOBit(port uint16) (page int, off int, mask byte) {
	p := uint32(port)
	return int(p / portsPerPage), int(p%portsPerPage) / 8, 1 << (p % 8)
}

// IOBitmap is the pair of I/O bitmap pages.
type IOBitmap struct {
	alloc frame.Allocator
	pages [2]frame.Frame
}

func newIOBitmap(alloc frame.Allocator, fill byte) (*IOBitmap, error) {
	b := &IOBitmap{alloc: alloc}
	for i := range b.pages {
		f, err := alloc.Alloc()
		if err != nil {
			b.Release()
			return nil, fmt.Errorf("allocating I/O bitmap: %w", err)
		}
		if fill != 0 {
			for j := range f.Page {
				f.Page[j] = fill
			}
		}
		b.pages[i] = f
	}
	return b, nil
}

// IOPassthroughAll returns an I/O bitmap with no port intercepted.
func IOPassthroughAll(alloc frame.Allocator) (*IOBitmap, error) {
	return newIOBitmap(alloc, 0)
}

// IOInterceptAll returns an I/O bitmap with every port intercepted.
func IOInterceptAll(alloc frame.Allocator) (*IOBitmap, error) {
	return newIOBitmap(alloc, 0xff)
}

// PhysA returns the address of bitmap A.
func (b *IOBitmap) PhysA() uint64 { return b.pages[0].Phys }

// PhysB returns the address of bitmap B.
func (b *IOBitmap) PhysB() uint64 { return b.pages[1].Phys }

// SetIntercept sets whether accesses to port exit.
func (b *IOBitmap) SetIntercept(port uint16, intercept bool) {
	page, off, mask := IOBit(port)
	setBit(&b.pages[page].Page[off], mask, intercept)
}

// SetInterceptRange sets whether accesses to ports [base, base+count) exit.
// Nothing is changed if the range extends past the port space.
func (b *IOBitmap) SetInterceptRange(base uint16, count uint32, intercept bool) error {
	if uint32(base)+count > NumPorts {
		return fmt.Errorf("port range [%#x, %#x) exceeds port space: %w", base, uint32(base)+count, vmx.ErrBadState)
	}
	for i := uint32(0); i < count; i++ {
		b.SetIntercept(base+uint16(i), intercept)
	}
	return nil
}

// Intercepted returns true if accesses to port exit.
func (b *IOBitmap) Intercepted(port uint16) bool {
	page, off, mask := IOBit(port)
	return b.pages[page].Page[off]&mask != 0
}

// Release returns the bitmap pages to the allocator.
func (b *IOBitmap) Release() {
	for i, f := range b.pages {
		if f.Valid() {
			b.alloc.Free(f)
			b.pages[i] = frame.Frame{}
		}
	}
}

func setBit(p *byte, mask byte, set bool) {
	if set {
		*p |= mask
	} else {
		*p &^= mask
	}
}
