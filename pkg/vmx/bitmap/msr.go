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

package bitmap

import (
	"fmt"

	"gvisor.dev/vmx/pkg/vmx"
	"gvisor.dev/vmx/pkg/vmx/frame"
)

// MSR ranges covered by the bitmap. Accesses to any other MSR always exit.
const (
	LowMSRFirst  uint32 = 0x00000000
	LowMSRLast   uint32 = 0x00001fff
	HighMSRFirst uint32 = 0xc0000000
	HighMSRLast  uint32 = 0xc0001fff
)

// Sub-table offsets within the MSR bitmap page.
const (
	readLowOffset   = 0x000
	readHighOffset  = 0x400
	writeLowOffset  = 0x800
	writeHighOffset = 0xc00
)

// MSRBit returns the location of the intercept bit for a read or write of
// index. ok is false if the MSR is outside the covered ranges.
func MSRBit(index uint32, write bool) (off int, mask byte, ok bool) {
	var base int
	switch {
	case index <= LowMSRLast:
		base = readLowOffset
	case index >= HighMSRFirst && index <= HighMSRLast:
		base = readHighOffset
	default:
		return 0, 0, false
	}
	if write {
		base += writeLowOffset
	}
	n := int(index & 0x1fff)
	return base + n/8, 1 << (n % 8), true
}

// Covered returns true if index has intercept bits.
func Covered(index uint32) bool {
	_, _, ok := MSRBit(index, false)
	return ok
}

// MSRBitmap is the MSR bitmap page.
type MSRBitmap struct {
	alloc frame.Allocator
	page  frame.Frame
}

func newMSRBitmap(alloc frame.Allocator, fill byte) (*MSRBitmap, error) {
	f, err := alloc.Alloc()
	if err != nil {
		return nil, fmt.Errorf("allocating MSR bitmap: %w", err)
	}
	if fill != 0 {
		for i := range f.Page {
			f.Page[i] = fill
		}
	}
	return &MSRBitmap{alloc: alloc, page: f}, nil
}

// MSRPassthroughAll returns an MSR bitmap where no covered MSR is
// intercepted.
func MSRPassthroughAll(alloc frame.Allocator) (*MSRBitmap, error) {
	return newMSRBitmap(alloc, 0)
}

// MSRInterceptAll returns an MSR bitmap where every MSR is intercepted.
func MSRInterceptAll(alloc frame.Allocator) (*MSRBitmap, error) {
	return newMSRBitmap(alloc, 0xff)
}

// Phys returns the address of the bitmap page.
func (b *MSRBitmap) Phys() uint64 { return b.page.Phys }

func (b *MSRBitmap) set(index uint32, write, intercept bool) error {
	off, mask, ok := MSRBit(index, write)
	if !ok {
		if intercept {
			// Uncovered MSRs always exit.
			return nil
		}
		return fmt.Errorf("MSR %#x cannot be passed through: %w", index, vmx.ErrUnsupported)
	}
	setBit(&b.page.Page[off], mask, intercept)
	return nil
}

// SetReadIntercept sets whether RDMSR of index exits.
func (b *MSRBitmap) SetReadIntercept(index uint32, intercept bool) error {
	return b.set(index, false, intercept)
}

// SetWriteIntercept sets whether WRMSR of index exits.
func (b *MSRBitmap) SetWriteIntercept(index uint32, intercept bool) error {
	return b.set(index, true, intercept)
}

// SetIntercept sets whether both RDMSR and WRMSR of index exit.
func (b *MSRBitmap) SetIntercept(index uint32, intercept bool) error {
	if err := b.set(index, false, intercept); err != nil {
		return err
	}
	return b.set(index, true, intercept)
}

// SetInterceptRange sets the read and write intercepts of MSRs
// [base, base+count). Passthrough of an uncovered MSR fails before any bit
// is changed.
func (b *MSRBitmap) SetInterceptRange(base, count uint32, intercept bool) error {
	end := uint64(base) + uint64(count)
	if end > 1<<32 {
		return fmt.Errorf("MSR range [%#x, %#x) wraps: %w", base, end, vmx.ErrBadState)
	}
	if !intercept {
		for _, r := range [][2]uint64{
			{uint64(LowMSRLast) + 1, uint64(HighMSRFirst)},
			{uint64(HighMSRLast) + 1, 1 << 32},
		} {
			if uint64(base) < r[1] && end > r[0] {
				return fmt.Errorf("MSR range [%#x, %#x) includes uncovered MSRs: %w", base, end, vmx.ErrUnsupported)
			}
		}
	}
	for _, r := range [][2]uint64{
		{uint64(LowMSRFirst), uint64(LowMSRLast) + 1},
		{uint64(HighMSRFirst), uint64(HighMSRLast) + 1},
	} {
		lo, hi := max(uint64(base), r[0]), min(end, r[1])
		for i := lo; i < hi; i++ {
			b.set(uint32(i), false, intercept)
			b.set(uint32(i), true, intercept)
		}
	}
	return nil
}

// ReadIntercepted returns true if RDMSR of index exits.
func (b *MSRBitmap) ReadIntercepted(index uint32) bool {
	off, mask, ok := MSRBit(index, false)
	return !ok || b.page.Page[off]&mask != 0
}

// WriteIntercepted returns true if WRMSR of index exits.
func (b *MSRBitmap) WriteIntercepted(index uint32) bool {
	off, mask, ok := MSRBit(index, true)
	return !ok || b.page.Page[off]&mask != 0
}

// Release returns the bitmap page to the allocator.
func (b *MSRBitmap) Release() {
	if b.page.Valid() {
		b.alloc.Free(b.page)
		b.page = frame.Frame{}
	}
}
