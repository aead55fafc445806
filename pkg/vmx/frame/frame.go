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

// Package frame supplies page-sized, page-aligned physical frames for VMX
// structures: VMXON regions, VMCSs, intercept bitmaps and EPT tables.
package frame

import (
	"errors"
	"fmt"

	"github.com/google/btree"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/sync"
)

// Size is the size of a frame.
const Size = hostarch.PageSize

// ErrExhausted is returned when an allocator has no frames left.
var ErrExhausted = errors.New("out of physical frames")

// Page is the contents of one frame.
type Page [Size]byte

// Frame is a physical frame and its host mapping.
type Frame struct {
	// Phys is the physical address of the frame. It is page aligned.
	Phys uint64

	// Page is the frame contents as seen by the host.
	Page *Page
}

// Valid returns true if f refers to a frame.
func (f Frame) Valid() bool {
	return f.Page != nil
}

// String implements fmt.Stringer.
func (f Frame) String() string {
	return fmt.Sprintf("frame@%#x", f.Phys)
}

// Allocator allocates frames.
type Allocator interface {
	// Alloc returns a zeroed frame.
	Alloc() (Frame, error)

	// Free returns f to the allocator. f must not be used afterwards.
	Free(f Frame)
}

// PhysicalMemory resolves physical addresses to host pages.
type PhysicalMemory interface {
	// Lookup returns the page containing phys.
	Lookup(phys uint64) (*Page, bool)
}

func frameLess(a, b Frame) bool {
	return a.Phys < b.Phys
}

// Heap is an Allocator backed by Go memory. Physical addresses are assigned
// sequentially from a base address, so a Heap models a flat physical
// address space for software that reads structures back by address.
//
// Freed frames are reused lowest address first.
type Heap struct {
	mu sync.Mutex

	// next is the physical address of the next never-used frame.
	next uint64

	// limit is the end of the physical range, or zero if unbounded.
	limit uint64

	// frames indexes every live frame by address.
	frames *btree.BTreeG[Frame]

	// free holds released frames.
	free *btree.BTreeG[Frame]
}

var _ Allocator = (*Heap)(nil)
var _ PhysicalMemory = (*Heap)(nil)

const btreeDegree = 16

// NewHeap returns a Heap handing out addresses in [base, base+size). A size
// of zero means no limit.
func NewHeap(base, size uint64) *Heap {
	if base%Size != 0 {
		panic(fmt.Sprintf("unaligned heap base %#x", base))
	}
	h := &Heap{
		next:   base,
		frames: btree.NewG(btreeDegree, frameLess),
		free:   btree.NewG(btreeDegree, frameLess),
	}
	if size != 0 {
		h.limit = base + size
	}
	return h
}

// Alloc implements Allocator.Alloc.
func (h *Heap) Alloc() (Frame, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if f, ok := h.free.DeleteMin(); ok {
		*f.Page = Page{}
		h.frames.ReplaceOrInsert(f)
		return f, nil
	}
	if h.limit != 0 && h.next >= h.limit {
		return Frame{}, ErrExhausted
	}
	f := Frame{Phys: h.next, Page: new(Page)}
	h.next += Size
	h.frames.ReplaceOrInsert(f)
	return f, nil
}

// Free implements Allocator.Free.
func (h *Heap) Free(f Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.frames.Delete(f); !ok {
		panic(fmt.Sprintf("free of unallocated %v", f))
	}
	h.free.ReplaceOrInsert(f)
}

// Lookup implements PhysicalMemory.Lookup.
func (h *Heap) Lookup(phys uint64) (*Page, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.frames.Get(Frame{Phys: phys &^ (Size - 1)})
	if !ok {
		return nil, false
	}
	return f.Page, true
}

// Allocated returns the number of live frames.
func (h *Heap) Allocated() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frames.Len()
}

// Ranges calls fn for each run of physically contiguous live frames, in
// address order.
func (h *Heap) Ranges(fn func(start, end uint64)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var start, end uint64
	first := true
	h.frames.Ascend(func(f Frame) bool {
		switch {
		case first:
			start, end, first = f.Phys, f.Phys+Size, false
		case f.Phys == end:
			end += Size
		default:
			fn(start, end)
			start, end = f.Phys, f.Phys+Size
		}
		return true
	})
	if !first {
		fn(start, end)
	}
}
