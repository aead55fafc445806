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
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/vmx/pkg/vmx"
	"gvisor.dev/vmx/pkg/vmx/frame"
	"gvisor.dev/vmx/pkg/vmx/vmcs"
)

var (
	readOnly  = MapOpts{AccessType: hostarch.Read}
	readWrite = MapOpts{AccessType: hostarch.ReadWrite}
	rwx       = MapOpts{AccessType: hostarch.AnyAccess}
)

func newTable(t *testing.T, opts Opts) (*Table, *frame.Heap) {
	t.Helper()
	h := frame.NewHeap(0x100000, 0)
	pt, err := New(h, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return pt, h
}

func mustMap(t *testing.T, pt *Table, gpa, hpa, length uint64, opts MapOpts) {
	t.Helper()
	if _, err := pt.Map(gpa, hpa, length, opts); err != nil {
		t.Fatalf("Map(%#x, %#x, %#x): %v", gpa, hpa, length, err)
	}
}

func mustUnmap(t *testing.T, pt *Table, gpa, length uint64) {
	t.Helper()
	if _, err := pt.Unmap(gpa, length); err != nil {
		t.Fatalf("Unmap(%#x, %#x): %v", gpa, length, err)
	}
}

func checkMappings(t *testing.T, pt *Table, want []Mapping) {
	t.Helper()
	if diff := cmp.Diff(want, pt.Mappings()); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmap(t *testing.T) {
	pt, h := newTable(t, Opts{})
	before := h.Allocated()

	mustMap(t, pt, 0x400000, pteSize*42, pteSize, readWrite)
	mustUnmap(t, pt, 0x400000, pteSize)

	checkMappings(t, pt, nil)
	if got := h.Allocated(); got != before {
		t.Errorf("tables leaked: %d frames allocated, want %d", got, before)
	}
}

func TestReadOnly(t *testing.T) {
	pt, _ := newTable(t, Opts{})
	mustMap(t, pt, 0x400000, pteSize*42, pteSize, readOnly)
	checkMappings(t, pt, []Mapping{
		{0x400000, pteSize, pteSize * 42, readOnly},
	})
}

func TestSerialEntries(t *testing.T) {
	pt, _ := newTable(t, Opts{})
	mustMap(t, pt, 0x400000, pteSize*42, pteSize, readWrite)
	mustMap(t, pt, 0x401000, pteSize*47, pteSize, readWrite)
	checkMappings(t, pt, []Mapping{
		{0x400000, pteSize, pteSize * 42, readWrite},
		{0x401000, pteSize, pteSize * 47, readWrite},
	})
}

func TestSpanningEntries(t *testing.T) {
	pt, _ := newTable(t, Opts{})

	// Span a pgd with two pages.
	mustMap(t, pt, 0x007ffffffff000, pteSize*42, 2*pteSize, readOnly)
	checkMappings(t, pt, []Mapping{
		{0x007ffffffff000, pteSize, pteSize * 42, readOnly},
		{0x800000000000, pteSize, pteSize * 43, readOnly},
	})
}

func Test2MAnd4K(t *testing.T) {
	pt, _ := newTable(t, Opts{Allow2M: true, Allow1G: true})
	mustMap(t, pt, 0x400000, pteSize*42, pteSize, readWrite)
	mustMap(t, pt, 0x7f0000000000, pmdSize*47, pmdSize, readOnly)
	checkMappings(t, pt, []Mapping{
		{0x400000, pteSize, pteSize * 42, readWrite},
		{0x7f0000000000, pmdSize, pmdSize * 47, readOnly},
	})
}

func Test1GAnd4K(t *testing.T) {
	pt, _ := newTable(t, Opts{Allow2M: true, Allow1G: true})
	mustMap(t, pt, 0x400000, pteSize*42, pteSize, readWrite)
	mustMap(t, pt, 0x7f0000000000, pudSize*47, pudSize, readOnly)
	checkMappings(t, pt, []Mapping{
		{0x400000, pteSize, pteSize * 42, readWrite},
		{0x7f0000000000, pudSize, pudSize * 47, readOnly},
	})
}

func TestLargeLeavesDisabled(t *testing.T) {
	pt, _ := newTable(t, Opts{})
	mustMap(t, pt, 0, 0, pmdSize, readWrite)
	if got := len(pt.Mappings()); got != entriesPerPage {
		t.Errorf("got %d leaves, want %d 4KiB leaves", got, entriesPerPage)
	}
}

func TestMisalignedHostAddress(t *testing.T) {
	pt, _ := newTable(t, Opts{Allow2M: true})

	// A 2MiB guest range backed by a host range that is only 4KiB
	// aligned must fall back to 4KiB leaves.
	mustMap(t, pt, 0, pteSize, pmdSize, readWrite)
	m := pt.Mappings()
	if len(m) != entriesPerPage || m[1].HPA != 2*pteSize {
		t.Errorf("got %d leaves (second at %#x), want %d 4KiB leaves", len(m), m[1].HPA, entriesPerPage)
	}
}

func TestSplit2MPage(t *testing.T) {
	pt, _ := newTable(t, Opts{Allow2M: true})

	// Map a huge page and knock out the middle.
	mustMap(t, pt, 0x7f0000000000, pmdSize*42, pmdSize, readOnly)
	mustUnmap(t, pt, 0x7f0000000000+pteSize, pmdSize-2*pteSize)

	checkMappings(t, pt, []Mapping{
		{0x7f0000000000, pteSize, pmdSize * 42, readOnly},
		{0x7f0000000000 + pmdSize - pteSize, pteSize, pmdSize*42 + pmdSize - pteSize, readOnly},
	})
	if pt.Splits() != 1 {
		t.Errorf("Splits = %d, want 1", pt.Splits())
	}
}

func TestSplit1GPage(t *testing.T) {
	pt, _ := newTable(t, Opts{Allow2M: true, Allow1G: true})

	// Map a super page and knock out the middle.
	mustMap(t, pt, 0x7f0000000000, pudSize*42, pudSize, readOnly)
	mustUnmap(t, pt, 0x7f0000000000+pteSize, pudSize-2*pteSize)

	checkMappings(t, pt, []Mapping{
		{0x7f0000000000, pteSize, pudSize * 42, readOnly},
		{0x7f0000000000 + pudSize - pteSize, pteSize, pudSize*42 + pudSize - pteSize, readOnly},
	})
}

// Mapping one page inside a 2MiB leaf changes only that page.
func TestMapInsideLargeLeaf(t *testing.T) {
	pt, _ := newTable(t, Opts{Allow2M: true})
	const (
		gpa  = 0x200000
		hpa  = 0x40000000
		page = gpa + 5*pteSize
	)
	mustMap(t, pt, gpa, hpa, pmdSize, rwx)
	mustMap(t, pt, page, 0x1234000, pteSize, readOnly)

	m := pt.Mappings()
	if len(m) != entriesPerPage {
		t.Fatalf("got %d leaves, want %d", len(m), entriesPerPage)
	}
	for i, got := range m {
		want := Mapping{gpa + uint64(i)*pteSize, pteSize, hpa + uint64(i)*pteSize, rwx}
		if want.GPA == page {
			want = Mapping{page, pteSize, 0x1234000, readOnly}
		}
		if got != want {
			t.Errorf("leaf %d = %+v, want %+v", i, got, want)
		}
	}
}

func TestLookupRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name          string
		opts          Opts
		gpa, hpa, len uint64
		mo            MapOpts
	}{
		{"4k", Opts{}, 0x1000, 0x5000, pteSize, readOnly},
		{"range", Opts{}, 0x10000, 0x80000, 16 * pteSize, rwx},
		{"2m", Opts{Allow2M: true}, 0x200000, 0x600000, pmdSize, readWrite},
		{"1g", Opts{Allow2M: true, Allow1G: true}, 0x40000000, 0x80000000, pudSize, rwx},
		{"uc", Opts{}, 0xfee00000, 0xfee00000, pteSize, MapOpts{AccessType: hostarch.ReadWrite, MemoryType: hostarch.MemoryTypeUncached}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			pt, _ := newTable(t, tc.opts)
			mustMap(t, pt, tc.gpa, tc.hpa, tc.len, tc.mo)
			for _, off := range []uint64{0, 0x123, tc.len - 1} {
				tr, ok := pt.Lookup(tc.gpa + off)
				if !ok {
					t.Fatalf("Lookup(%#x) not present", tc.gpa+off)
				}
				if tr.HPA != tc.hpa+off || tr.Opts != tc.mo {
					t.Errorf("Lookup(%#x) = %#x %v, want %#x %v", tc.gpa+off, tr.HPA, tr.Opts, tc.hpa+off, tc.mo)
				}
			}
			mustUnmap(t, pt, tc.gpa, tc.len)
			for _, off := range []uint64{0, tc.len - 1} {
				if _, ok := pt.Lookup(tc.gpa + off); ok {
					t.Errorf("Lookup(%#x) present after unmap", tc.gpa+off)
				}
			}
		})
	}
}

func TestMapRejectsBadRanges(t *testing.T) {
	pt, _ := newTable(t, Opts{})
	for _, tc := range []struct {
		name          string
		gpa, hpa, len uint64
		opts          MapOpts
	}{
		{"unaligned gpa", 0x1001, 0, pteSize, readOnly},
		{"unaligned hpa", 0x1000, 0x10, pteSize, readOnly},
		{"unaligned length", 0x1000, 0, 10, readOnly},
		{"zero length", 0x1000, 0, 0, readOnly},
		{"past end", AddressSpaceSize - pteSize, 0, 2 * pteSize, readOnly},
		{"write only", 0x1000, 0, pteSize, MapOpts{AccessType: hostarch.Write}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			gen := pt.Generation()
			if _, err := pt.Map(tc.gpa, tc.hpa, tc.len, tc.opts); !errors.Is(err, vmx.ErrBadState) {
				t.Errorf("Map = %v, want ErrBadState", err)
			}
			if pt.Generation() != gen || len(pt.Mappings()) != 0 {
				t.Errorf("rejected Map changed the table")
			}
		})
	}
}

func TestGeneration(t *testing.T) {
	pt, _ := newTable(t, Opts{})
	g0 := pt.Generation()
	mustMap(t, pt, 0x1000, 0x2000, pteSize, readOnly)
	g1 := pt.Generation()
	if g1 == g0 {
		t.Errorf("Map did not bump the generation")
	}
	// Identical mapping: nothing changed.
	if changed, _ := pt.Map(0x1000, 0x2000, pteSize, readOnly); changed || pt.Generation() != g1 {
		t.Errorf("identical Map reported a change")
	}
	// Unmap of nothing: nothing changed.
	if prev, _ := pt.Unmap(0x100000, pteSize); prev || pt.Generation() != g1 {
		t.Errorf("empty Unmap reported a change")
	}
	mustUnmap(t, pt, 0x1000, pteSize)
	if pt.Generation() == g1 {
		t.Errorf("Unmap did not bump the generation")
	}
}

func TestEPTP(t *testing.T) {
	pt, _ := newTable(t, Opts{})
	if got, want := pt.EPTP(), pt.Root()|0x1e; got != want {
		t.Errorf("EPTP = %#x, want %#x", got, want)
	}
}

func TestTranslateMisconfigured(t *testing.T) {
	pt, h := newTable(t, Opts{})
	mustMap(t, pt, 0, 0x5000, pteSize, readWrite)

	// Corrupt the leaf into write-only.
	var leaf *PTE
	for _, f := range pt.tables {
		if e := &ptes(f.Page)[0]; e.Valid() && !e.IsSuper() && e.Address() == 0x5000 {
			leaf = e
		}
	}
	if leaf == nil {
		t.Fatalf("leaf not found")
	}
	*leaf &^= entryRead
	if _, err := Translate(h, pt.EPTP(), 0); !errors.Is(err, ErrMisconfigured) {
		t.Errorf("Translate = %v, want ErrMisconfigured", err)
	}
}

func TestCheck(t *testing.T) {
	pt, h := newTable(t, Opts{})
	mustMap(t, pt, 0x1000, 0x9000, pteSize, readOnly)

	tr, err := Translate(h, pt.EPTP(), 0x1008)
	if f := Check(tr, err, 0x1008, hostarch.Read); f != nil {
		t.Errorf("read fault: %v", f)
	}
	f := Check(tr, err, 0x1008, hostarch.Write)
	if f == nil || !f.Present || f.Allowed != hostarch.Read {
		t.Errorf("write fault = %+v, want present read-only fault", f)
	}

	tr, err = Translate(h, pt.EPTP(), 0x3000)
	f = Check(tr, err, 0x3000, hostarch.Execute)
	if f == nil || f.Present {
		t.Errorf("fetch fault = %+v, want not-present fault", f)
	}
}

func TestFaultViolationRoundTrip(t *testing.T) {
	f := &Fault{
		GPA:         0x1000,
		Access:      hostarch.Write,
		Present:     true,
		Allowed:     hostarch.Read,
		GuestLinear: 0xffff1000,
		LinearValid: true,
	}
	q := f.Violation()
	want := vmcs.EPTViolation{Write: true, Readable: true, LinearValid: true, Translated: true}
	if q != want {
		t.Errorf("Violation = %+v, want %+v", q, want)
	}
	if diff := cmp.Diff(f, FaultFromViolation(0x1000, 0xffff1000, q)); diff != "" {
		t.Errorf("FaultFromViolation mismatch (-want +got):\n%s", diff)
	}
}

func TestRelease(t *testing.T) {
	pt, h := newTable(t, Opts{Allow2M: true})
	mustMap(t, pt, 0, 0, 4*pmdSize+pteSize, rwx)
	pt.Release()
	if got := h.Allocated(); got != 0 {
		t.Errorf("%d frames still allocated after Release", got)
	}
}

func TestMapExhaustedRollsBack(t *testing.T) {
	// The root and the tables for the first 2MiB use up the heap, so the
	// table for the second 2MiB cannot be allocated.
	h := frame.NewHeap(0x100000, 4*frame.Size)
	pt, err := New(h, Opts{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	changed, err := pt.Map(0, 0x40000000, 2*pmdSize, rwx)
	if !errors.Is(err, frame.ErrExhausted) {
		t.Fatalf("Map got err %v, want %v", err, frame.ErrExhausted)
	}
	if changed {
		t.Errorf("Map got changed true, want false")
	}
	checkMappings(t, pt, nil)
	if got := pt.Generation(); got != 0 {
		t.Errorf("Generation got %d, want 0", got)
	}
	if got := pt.Tables(); got != 0 {
		t.Errorf("Tables got %d, want 0", got)
	}
	if got := h.Allocated(); got != 1 {
		t.Errorf("Allocated got %d frames, want 1", got)
	}

	// The frames returned by the rollback are usable again.
	mustMap(t, pt, 0, 0x40000000, pmdSize, rwx)
	if got := len(pt.Mappings()); got != entriesPerPage {
		t.Errorf("got %d leaves, want %d", got, entriesPerPage)
	}
}

func TestMapExhaustedKeepsExisting(t *testing.T) {
	// Room for the root, one table per level and one more leaf table.
	h := frame.NewHeap(0x100000, 5*frame.Size)
	pt, err := New(h, Opts{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustMap(t, pt, 0, pteSize*42, pteSize, readOnly)
	gen := pt.Generation()

	if _, err := pt.Map(0, 0x40000000, 3*pmdSize, rwx); !errors.Is(err, frame.ErrExhausted) {
		t.Fatalf("Map got err %v, want %v", err, frame.ErrExhausted)
	}
	checkMappings(t, pt, []Mapping{
		{0, pteSize, pteSize * 42, readOnly},
	})
	if got := pt.Generation(); got != gen {
		t.Errorf("Generation got %d, want %d", got, gen)
	}
	if got := h.Allocated(); got != 4 {
		t.Errorf("Allocated got %d frames, want 4", got)
	}
}

func TestSplitExhaustedKeepsLeaf(t *testing.T) {
	// Room for the root, a pud table and a pmd table only.
	h := frame.NewHeap(0x100000, 3*frame.Size)
	pt, err := New(h, Opts{Allow2M: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mustMap(t, pt, 0, 0, pmdSize, readWrite)
	want := []Mapping{{0, pmdSize, 0, readWrite}}

	if _, err := pt.Map(pteSize, 0x40000000, pteSize, readOnly); !errors.Is(err, frame.ErrExhausted) {
		t.Errorf("Map got err %v, want %v", err, frame.ErrExhausted)
	}
	checkMappings(t, pt, want)

	if _, err := pt.Unmap(pteSize, pteSize); !errors.Is(err, frame.ErrExhausted) {
		t.Errorf("Unmap got err %v, want %v", err, frame.ErrExhausted)
	}
	checkMappings(t, pt, want)
	if got := pt.Splits(); got != 0 {
		t.Errorf("Splits got %d, want 0", got)
	}
}

// clearVisitor clears leaves without freeing the tables it empties.
type clearVisitor struct{}

func (clearVisitor) visit(start uint64, pte *PTE, align uint64) error {
	pte.Clear()
	return nil
}

func (clearVisitor) requiresAlloc() bool { return false }
func (clearVisitor) requiresSplit() bool { return false }
func (clearVisitor) requiresFree() bool  { return false }

func TestMappingsKeepsEmptyTables(t *testing.T) {
	pt, h := newTable(t, Opts{})
	mustMap(t, pt, 0x400000, pteSize*42, pteSize, readWrite)
	w := walker{table: pt, visitor: clearVisitor{}}
	if err := w.run(0x400000, 0x400000+pteSize); err != nil {
		t.Fatalf("clearing leaf: %v", err)
	}
	tables, frames, gen := pt.Tables(), h.Allocated(), pt.Generation()

	checkMappings(t, pt, nil)
	if got := pt.Tables(); got != tables {
		t.Errorf("Tables got %d, want %d", got, tables)
	}
	if got := h.Allocated(); got != frames {
		t.Errorf("Allocated got %d frames, want %d", got, frames)
	}
	if got := pt.Generation(); got != gen {
		t.Errorf("Generation got %d, want %d", got, gen)
	}
}
