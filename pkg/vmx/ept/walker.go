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

// visitor is called for each leaf in a walked range.
type visitor interface {
	// visit is called on each leaf entry covering [start, start+align+1).
	// It may modify the entry. An error stops the walk.
	visit(start uint64, pte *PTE, align uint64) error

	// requiresAlloc is true if the walk must create missing tables.
	requiresAlloc() bool

	// requiresSplit is true if large leaves partially covered by the range
	// must be split.
	requiresSplit() bool

	// requiresFree is true if tables left empty by the walk must be freed.
	// Only visitors that clear leaves can empty a table.
	requiresFree() bool
}

// savedPTE is an entry as it was before the walk changed it.
type savedPTE struct {
	pte *PTE
	old PTE
}

// walker walks a table with a visitor.
//
// A walk that allocates, including one that splits large leaves, may fail
// part way. Such a walk is journaled: it records every entry it changes and
// every table it allocates, and defers freeing emptied tables until commit,
// so that rollback can return the table to its state before the walk.
type walker struct {
	table   *Table
	visitor visitor

	saved     []savedPTE
	allocated []uint64
	emptied   []uint64

	// splits counts large leaves split by the walk. It is added to the
	// table on commit.
	splits uint64
}

func (w *walker) journaled() bool {
	return w.visitor.requiresAlloc() || w.visitor.requiresSplit()
}

func (w *walker) save(pte *PTE) {
	if w.journaled() {
		w.saved = append(w.saved, savedPTE{pte: pte, old: *pte})
	}
}

// visit passes a leaf to the visitor.
func (w *walker) visit(start uint64, pte *PTE, align uint64) error {
	w.save(pte)
	return w.visitor.visit(start, pte, align)
}

// newTable allocates a table under parent.
func (w *walker) newTable(parent *PTE) (*PTEs, error) {
	old := *parent
	entries, err := w.table.newTable(parent)
	if err != nil {
		return nil, err
	}
	if w.journaled() {
		w.saved = append(w.saved, savedPTE{pte: parent, old: old})
		w.allocated = append(w.allocated, parent.Address())
	}
	return entries, nil
}

// freeTable detaches the empty table under parent.
func (w *walker) freeTable(parent *PTE) {
	if !w.journaled() {
		w.table.freeTable(parent)
		return
	}
	w.save(parent)
	w.emptied = append(w.emptied, parent.Address())
	parent.Clear()
}

// rollback undoes a failed walk. Entries are restored newest first, then
// the tables the walk allocated are freed.
func (w *walker) rollback() {
	for i := len(w.saved) - 1; i >= 0; i-- {
		*w.saved[i].pte = w.saved[i].old
	}
	for _, phys := range w.allocated {
		w.table.releaseTable(phys)
	}
	w.reset()
}

// commit frees the tables emptied by a successful walk and publishes its
// statistics.
func (w *walker) commit() {
	for _, phys := range w.emptied {
		w.table.releaseTable(phys)
	}
	if w.splits > 0 {
		w.table.splits.Add(w.splits)
	}
	w.reset()
}

func (w *walker) reset() {
	w.saved = nil
	w.allocated = nil
	w.emptied = nil
	w.splits = 0
}

// run walks [start, end), rolling the table back if the walk fails.
func (w *walker) run(start, end uint64) error {
	if err := w.iterateRange(start, end); err != nil {
		w.rollback()
		return err
	}
	w.commit()
	return nil
}

// addrEnd returns the next boundary of size after addr, or end if that
// comes first.
func addrEnd(addr, end, size uint64) uint64 {
	next := (addr + size) &^ (size - 1)
	if next < addr || next > end {
		return end
	}
	return next
}

// iterateRange walks [start, end).
//
// Precondition: start and end are page aligned and end <= AddressSpaceSize.
func (w *walker) iterateRange(start, end uint64) error {
	root := w.table.rootPTEs()
	for start < end {
		nextBoundary := addrEnd(start, end, pgdSize)
		pgdEntry := &root[(start&pgdMask)>>pgdShift]
		var pudEntries *PTEs
		if !pgdEntry.Valid() {
			if !w.visitor.requiresAlloc() {
				start = nextBoundary
				continue
			}
			var err error
			if pudEntries, err = w.newTable(pgdEntry); err != nil {
				return err
			}
		} else {
			pudEntries = w.table.lookupTable(pgdEntry.Address())
		}
		if err := w.walkPUDs(pudEntries, start, nextBoundary); err != nil {
			return err
		}
		if w.visitor.requiresFree() && pudEntries.empty() {
			w.freeTable(pgdEntry)
		}
		start = nextBoundary
	}
	return nil
}

// walkPUDs walks the 1GiB entries of one table.
func (w *walker) walkPUDs(pudEntries *PTEs, start, end uint64) error {
	for start < end {
		nextBoundary := addrEnd(start, end, pudSize)
		pudEntry := &pudEntries[(start&pudMask)>>pudShift]
		var pmdEntries *PTEs
		switch {
		case !pudEntry.Valid():
			if !w.visitor.requiresAlloc() {
				start = nextBoundary
				continue
			}

			// Is the entire region covered by this entry? If so a
			// 1GiB leaf may be installed without a pmd table.
			if w.table.opts.Allow1G && start&(pudSize-1) == 0 && end-start >= pudSize {
				if err := w.visit(start, pudEntry, pudSize-1); err != nil {
					return err
				}
				if pudEntry.Valid() {
					start = nextBoundary
					continue
				}
			}
			var err error
			if pmdEntries, err = w.newTable(pudEntry); err != nil {
				return err
			}

		case pudEntry.IsSuper():
			if !w.visitor.requiresSplit() || (start&(pudSize-1) == 0 && end-start >= pudSize) {
				// The whole leaf is visited.
				if err := w.visit(start&^(pudSize-1), pudEntry, pudSize-1); err != nil {
					return err
				}
				if pudEntry.Valid() || !w.visitor.requiresAlloc() {
					start = nextBoundary
					continue
				}

				// The leaf could not be replaced at this size.
				var err error
				if pmdEntries, err = w.newTable(pudEntry); err != nil {
					return err
				}
				break
			}

			// Split into 2MiB leaves with the same attributes.
			leaf := *pudEntry
			var err error
			if pmdEntries, err = w.newTable(pudEntry); err != nil {
				*pudEntry = leaf
				return err
			}
			for index := uint64(0); index < entriesPerPage; index++ {
				pmdEntries[index] = leaf.copyLeaf(leaf.Address()+pmdSize*index, true)
			}
			w.splits++

		default:
			pmdEntries = w.table.lookupTable(pudEntry.Address())
		}

		if err := w.walkPMDs(pmdEntries, start, nextBoundary); err != nil {
			return err
		}
		if w.visitor.requiresFree() && pmdEntries.empty() {
			w.freeTable(pudEntry)
		}
		start = nextBoundary
	}
	return nil
}

// walkPMDs walks the 2MiB entries of one table.
func (w *walker) walkPMDs(pmdEntries *PTEs, start, end uint64) error {
	for start < end {
		nextBoundary := addrEnd(start, end, pmdSize)
		pmdEntry := &pmdEntries[(start&pmdMask)>>pmdShift]
		var pteEntries *PTEs
		switch {
		case !pmdEntry.Valid():
			if !w.visitor.requiresAlloc() {
				start = nextBoundary
				continue
			}
			if w.table.opts.Allow2M && start&(pmdSize-1) == 0 && end-start >= pmdSize {
				if err := w.visit(start, pmdEntry, pmdSize-1); err != nil {
					return err
				}
				if pmdEntry.Valid() {
					start = nextBoundary
					continue
				}
			}
			var err error
			if pteEntries, err = w.newTable(pmdEntry); err != nil {
				return err
			}

		case pmdEntry.IsSuper():
			if !w.visitor.requiresSplit() || (start&(pmdSize-1) == 0 && end-start >= pmdSize) {
				if err := w.visit(start&^(pmdSize-1), pmdEntry, pmdSize-1); err != nil {
					return err
				}
				if pmdEntry.Valid() || !w.visitor.requiresAlloc() {
					start = nextBoundary
					continue
				}

				// The leaf could not be replaced at this size.
				var err error
				if pteEntries, err = w.newTable(pmdEntry); err != nil {
					return err
				}
				break
			}

			// Split into 4KiB leaves with the same attributes.
			leaf := *pmdEntry
			var err error
			if pteEntries, err = w.newTable(pmdEntry); err != nil {
				*pmdEntry = leaf
				return err
			}
			for index := uint64(0); index < entriesPerPage; index++ {
				pteEntries[index] = leaf.copyLeaf(leaf.Address()+pteSize*index, false)
			}
			w.splits++

		default:
			pteEntries = w.table.lookupTable(pmdEntry.Address())
		}

		if err := w.walkPTEs(pteEntries, start, nextBoundary); err != nil {
			return err
		}
		if w.visitor.requiresFree() && pteEntries.empty() {
			w.freeTable(pmdEntry)
		}
		start = nextBoundary
	}
	return nil
}

// walkPTEs walks the 4KiB entries of one table.
func (w *walker) walkPTEs(pteEntries *PTEs, start, end uint64) error {
	for start < end {
		entry := &pteEntries[(start&pteMask)>>pteShift]
		if entry.Valid() || w.visitor.requiresAlloc() {
			if err := w.visit(start, entry, pteSize-1); err != nil {
				return err
			}
		}
		start += pteSize
	}
	return nil
}
