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

package frame

import (
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/hostarch"
)

// ErrNoFrame is returned when a physical address is not backed.
var ErrNoFrame = errors.New("no frame at physical address")

// Read copies len(dst) bytes starting at phys into dst. The range may span
// frames.
func Read(mem PhysicalMemory, phys uint64, dst []byte) error {
	for len(dst) > 0 {
		p, ok := mem.Lookup(phys)
		if !ok {
			return fmt.Errorf("read %#x: %w", phys, ErrNoFrame)
		}
		n := copy(dst, p[phys%Size:])
		dst = dst[n:]
		phys += uint64(n)
	}
	return nil
}

// Write copies src to physical memory starting at phys.
func Write(mem PhysicalMemory, phys uint64, src []byte) error {
	for len(src) > 0 {
		p, ok := mem.Lookup(phys)
		if !ok {
			return fmt.Errorf("write %#x: %w", phys, ErrNoFrame)
		}
		n := copy(p[phys%Size:], src)
		src = src[n:]
		phys += uint64(n)
	}
	return nil
}

// ReadUint64 reads a little-endian word at phys.
func ReadUint64(mem PhysicalMemory, phys uint64) (uint64, error) {
	var b [8]byte
	if err := Read(mem, phys, b[:]); err != nil {
		return 0, err
	}
	return hostarch.ByteOrder.Uint64(b[:]), nil
}

// WriteUint64 writes a little-endian word at phys.
func WriteUint64(mem PhysicalMemory, phys uint64, v uint64) error {
	var b [8]byte
	hostarch.ByteOrder.PutUint64(b[:], v)
	return Write(mem, phys, b[:])
}

// Uint32 returns the little-endian word at off in p.
func (p *Page) Uint32(off int) uint32 {
	return hostarch.ByteOrder.Uint32(p[off:])
}

// SetUint32 stores v at off in p.
func (p *Page) SetUint32(off int, v uint32) {
	hostarch.ByteOrder.PutUint32(p[off:], v)
}
