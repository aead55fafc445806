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

package vmcs

import (
	"fmt"

	"gvisor.dev/vmx/pkg/vmx"
)

// Device executes VMREAD and VMWRITE against the current VMCS.
//
// insn.Hardware implements Device.
type Device interface {
	VMRead(field uint32) (uint64, error)
	VMWrite(field uint32, value uint64) error
}

// Accessor reads and writes fields of the current VMCS of one core.
//
// An Accessor carries no VMCS identity: it always operates on whichever
// VMCS is current on the core that owns dev, so callers must only use it
// between VMPTRLD and VMCLEAR.
type Accessor struct {
	dev Device

	// wordBits is the host word size. On a 32-bit host a 64-bit field is
	// accessed as two halves.
	wordBits int
}

// NewAccessor returns an Accessor for a 64-bit host.
func NewAccessor(dev Device) *Accessor {
	return &Accessor{dev: dev, wordBits: 64}
}

// NewAccessor32 returns an Accessor that splits 64-bit fields, as required
// on a 32-bit host.
func NewAccessor32(dev Device) *Accessor {
	return &Accessor{dev: dev, wordBits: 32}
}

func (a *Accessor) check(op string, f Field) error {
	if !f.Valid() {
		return vmx.NewInstructionError(op, vmx.UnsupportedComponent)
	}
	return nil
}

// Read reads f as a raw value.
func (a *Accessor) Read(f Field) (uint64, error) {
	if err := a.check("vmread", f); err != nil {
		return 0, err
	}
	if f.Width() == Width64 && !f.High() && a.wordBits == 32 {
		lo, err := a.dev.VMRead(uint32(f))
		if err != nil {
			return 0, err
		}
		hi, err := a.dev.VMRead(uint32(f | 1))
		if err != nil {
			return 0, err
		}
		return lo&0xffffffff | hi<<32, nil
	}
	v, err := a.dev.VMRead(uint32(f))
	if err != nil {
		return 0, err
	}
	return truncate(f, v, a.wordBits), nil
}

// Write writes f as a raw value.
//
// Writes to read-only fields fail without touching the hardware.
func (a *Accessor) Write(f Field, v uint64) error {
	if err := a.check("vmwrite", f); err != nil {
		return err
	}
	if f.ReadOnly() {
		return vmx.NewInstructionError("vmwrite", vmx.VMWriteReadOnly)
	}
	if f.Width() == Width64 && !f.High() && a.wordBits == 32 {
		if err := a.dev.VMWrite(uint32(f), v&0xffffffff); err != nil {
			return err
		}
		return a.dev.VMWrite(uint32(f|1), v>>32)
	}
	return a.dev.VMWrite(uint32(f), truncate(f, v, a.wordBits))
}

func truncate(f Field, v uint64, wordBits int) uint64 {
	switch {
	case f.High():
		return v & 0xffffffff
	case f.Width() == Width16:
		return v & 0xffff
	case f.Width() == Width32:
		return v & 0xffffffff
	case f.Width() == WidthNatural && wordBits == 32:
		return v & 0xffffffff
	}
	return v
}

// Read16 reads a 16-bit field.
func (a *Accessor) Read16(f Field16) (uint16, error) {
	v, err := a.Read(Field(f))
	return uint16(v), err
}

// Write16 writes a 16-bit field.
func (a *Accessor) Write16(f Field16, v uint16) error {
	return a.Write(Field(f), uint64(v))
}

// Read32 reads a 32-bit field.
func (a *Accessor) Read32(f Field32) (uint32, error) {
	v, err := a.Read(Field(f))
	return uint32(v), err
}

// Write32 writes a 32-bit field.
func (a *Accessor) Write32(f Field32, v uint32) error {
	return a.Write(Field(f), uint64(v))
}

// Read64 reads a 64-bit field.
func (a *Accessor) Read64(f Field64) (uint64, error) {
	return a.Read(Field(f))
}

// Write64 writes a 64-bit field.
func (a *Accessor) Write64(f Field64, v uint64) error {
	return a.Write(Field(f), v)
}

// ReadNW reads a natural-width field.
func (a *Accessor) ReadNW(f FieldNW) (uint64, error) {
	return a.Read(Field(f))
}

// WriteNW writes a natural-width field.
func (a *Accessor) WriteNW(f FieldNW, v uint64) error {
	return a.Write(Field(f), v)
}

// Writer batches writes, keeping the first error. It is used for long
// sequences such as guest and host state setup.
type Writer struct {
	a   *Accessor
	err error
}

// Batch returns a Writer over a.
func (a *Accessor) Batch() *Writer {
	return &Writer{a: a}
}

func (w *Writer) write(f Field, v uint64) {
	if w.err != nil {
		return
	}
	if err := w.a.Write(f, v); err != nil {
		w.err = fmt.Errorf("writing field %v: %w", f, err)
	}
}

// W16 writes a 16-bit field.
func (w *Writer) W16(f Field16, v uint16) { w.write(Field(f), uint64(v)) }

// W32 writes a 32-bit field.
func (w *Writer) W32(f Field32, v uint32) { w.write(Field(f), uint64(v)) }

// W64 writes a 64-bit field.
func (w *Writer) W64(f Field64, v uint64) { w.write(Field(f), v) }

// WNW writes a natural-width field.
func (w *Writer) WNW(f FieldNW, v uint64) { w.write(Field(f), v) }

// Err returns the first error encountered.
func (w *Writer) Err() error {
	return w.err
}
