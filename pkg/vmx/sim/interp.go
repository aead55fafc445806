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

package sim

import (
	"errors"

	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/vmx/pkg/vmx"
	"gvisor.dev/vmx/pkg/vmx/bitmap"
	"gvisor.dev/vmx/pkg/vmx/ept"
	"gvisor.dev/vmx/pkg/vmx/frame"
	"gvisor.dev/vmx/pkg/vmx/guestmem"
	"gvisor.dev/vmx/pkg/vmx/msr"
	"gvisor.dev/vmx/pkg/vmx/vmcs"
)

// The interpreter executes:
//
//	90            NOP
//	F4            HLT
//	FA, FB        CLI, STI
//	B0+r ib       MOV r8, imm8
//	B8+r iw/id/io MOV r, imm
//	E4-E7, EC-EF  IN and OUT, immediate and DX forms
//	6C-6F         INS and OUTS (intercepted only)
//	A0-A3         MOV AL/eAX, moffs and MOV moffs, AL/eAX
//	EB cb         JMP rel8
//	0F 0B         UD2
//	0F A2         CPUID
//	0F 30, 0F 32  WRMSR, RDMSR
//	0F 01 C1      VMCALL
//	0F 01 D1      XSETBV
//	0F 20, 0F 22  MOV r, CRn and MOV CRn, r
//
// with the 66, 67, F2, F3 and REX prefixes. Anything else raises #UD.

// Interruptibility-state blocking by STI and by MOV SS.
const (
	blockingSTI        = 1
	blockingSTIOrMovSS = 3
)

// mode is the execution mode of the guest.
type mode struct {
	// op and addr are the default operand and address sizes in bytes.
	op, addr int
	long     bool
}

// guest is the interpreter state for one entry.
type guest struct {
	c    *Core
	s    *vmcsState
	regs *vmx.GeneralRegisters
	mem  *guestmem.Memory
}

func newGuest(c *Core, s *vmcsState, regs *vmx.GeneralRegisters) *guest {
	return &guest{c: c, s: s, regs: regs, mem: guestmem.New(c.m.mem, s.u64(vmcs.EPTPointer))}
}

func (g *guest) mode() mode {
	const (
		arL  = 1 << 13
		arDB = 1 << 14
	)
	cr0 := g.s.nw(vmcs.GuestCR0)
	ar := g.s.u32(vmcs.GuestCSAccessRights)
	switch {
	case cr0&msr.CR0PE == 0:
		return mode{op: 2, addr: 2}
	case g.s.u64(vmcs.GuestEFER)&msr.EFERLMA != 0 && ar&arL != 0:
		return mode{op: 4, addr: 8, long: true}
	case ar&arDB != 0:
		return mode{op: 4, addr: 4}
	}
	return mode{op: 2, addr: 2}
}

func (g *guest) paging() guestmem.Paging {
	return guestmem.Paging{
		CR0:  g.s.nw(vmcs.GuestCR0),
		CR3:  g.s.nw(vmcs.GuestCR3),
		CR4:  g.s.nw(vmcs.GuestCR4),
		EFER: g.s.u64(vmcs.GuestEFER),
	}
}

func (g *guest) rflags() uint64 {
	return g.s.nw(vmcs.GuestRFLAGS)
}

// interruptible returns true if the guest accepts maskable interrupts.
func (g *guest) interruptible() bool {
	return g.rflags()&msr.RFLAGSIF != 0 && g.s.u32(vmcs.GuestInterruptibility)&blockingSTIOrMovSS == 0
}

// events checks for host interrupts and the interrupt window before an
// instruction.
func (g *guest) events() *exit {
	if g.s.pin()&vmcs.ExternalInterruptExiting != 0 {
		if v, ok := g.c.popInterrupt(); ok {
			e := g.c.interruptExit(g.s, v)
			return &e
		}
	} else if g.interruptible() {
		if v, ok := g.c.popInterrupt(); ok {
			g.c.deliver(vmcs.InterruptionInfo{Vector: v, Type: vmcs.ExternalInterrupt, Valid: true})
			g.s.setU32(vmcs.GuestActivityState, activityActive)
		}
	}
	if g.s.primary()&vmcs.InterruptWindowExiting != 0 && g.interruptible() {
		return &exit{reason: vmcs.ExitInterruptWindow}
	}
	return nil
}

// eptTranslate translates gpa for an access through the linear address
// lin, using and filling the core's translation cache.
func (g *guest) eptTranslate(gpa, lin uint64, at hostarch.AccessType) (uint64, *exit) {
	eptp := g.s.u64(vmcs.EPTPointer)
	key := tlbKey{eptp: eptp, gpa: gpa &^ (frame.Size - 1)}
	tr, ok := g.c.tlb[key]
	var err error
	if !ok {
		tr, err = ept.Translate(g.c.m.mem, eptp, key.gpa)
		if errors.Is(err, ept.ErrMisconfigured) {
			return 0, &exit{reason: vmcs.ExitEPTMisconfig, gpa: gpa}
		}
		if err == nil {
			g.c.tlb[key] = tr
		}
	}
	if f := ept.Check(tr, err, gpa, at); f != nil {
		f.GuestLinear, f.LinearValid = lin, true
		return 0, &exit{reason: vmcs.ExitEPTViolation, qual: f.Violation().Encode(), gpa: gpa, gla: lin}
	}
	return tr.HPA + gpa%frame.Size, nil
}

// translate translates the linear address lin to a host-physical address.
func (g *guest) translate(lin uint64, at hostarch.AccessType) (uint64, *exit) {
	gpa, err := g.mem.Linear(g.paging(), lin, at)
	if err != nil {
		var (
			pf *guestmem.PageFault
			ef *ept.Fault
		)
		switch {
		case errors.As(err, &pf):
			code := pf.ErrorCode()
			return 0, g.exception(vmcs.VectorPF, &code, lin)
		case errors.As(err, &ef):
			q := ef.Violation()
			q.LinearValid, q.Translated = true, false
			return 0, &exit{reason: vmcs.ExitEPTViolation, qual: q.Encode(), gpa: ef.GPA, gla: lin}
		case errors.Is(err, ept.ErrMisconfigured):
			return 0, &exit{reason: vmcs.ExitEPTMisconfig}
		}
		return 0, &exit{reason: vmcs.ExitTripleFault}
	}
	return g.eptTranslate(gpa, lin, at)
}

// access performs fn on each page-contiguous piece of [lin, lin+n).
func (g *guest) access(lin uint64, n int, at hostarch.AccessType, fn func(hpa uint64, off, len int) error) *exit {
	for off := 0; off < n; {
		hpa, e := g.translate(lin, at)
		if e != nil {
			return e
		}
		chunk := min(n-off, int(frame.Size-lin%frame.Size))
		if err := fn(hpa, off, chunk); err != nil {
			// The EPT points at memory that does not exist.
			return &exit{reason: vmcs.ExitTripleFault}
		}
		off += chunk
		lin += uint64(chunk)
	}
	return nil
}

func (g *guest) read(lin uint64, dst []byte, at hostarch.AccessType) *exit {
	return g.access(lin, len(dst), at, func(hpa uint64, off, n int) error {
		return frame.Read(g.c.m.mem, hpa, dst[off:off+n])
	})
}

func (g *guest) write(lin uint64, src []byte) *exit {
	return g.access(lin, len(src), hostarch.Write, func(hpa uint64, off, n int) error {
		return frame.Write(g.c.m.mem, hpa, src[off:off+n])
	})
}

// exception raises a hardware exception in the guest.
func (g *guest) exception(vector uint8, code *uint32, qual uint64) *exit {
	if g.s.u32(vmcs.ExceptionBitmap)&(1<<vector) == 0 {
		return &exit{reason: vmcs.ExitTripleFault}
	}
	e := &exit{
		reason: vmcs.ExitExceptionNMI,
		qual:   qual,
		intr:   vmcs.InterruptionInfo{Vector: vector, Type: vmcs.HardwareException, Valid: true},
	}
	if code != nil {
		e.intr.ErrorCodeValid = true
		e.errCode = *code
	}
	return e
}

func (g *guest) reg(i int) uint64 {
	if i == vmx.RSP {
		return g.s.nw(vmcs.GuestRSP)
	}
	return g.regs.Get(i)
}

// setReg writes the low size bytes of register i with x86 semantics:
// 32-bit writes zero the upper half, narrower writes preserve it.
func (g *guest) setReg(i, size int, v uint64) {
	old := g.reg(i)
	switch size {
	case 1:
		v = old&^0xff | v&0xff
	case 2:
		v = old&^0xffff | v&0xffff
	case 4:
		v &= 0xffffffff
	}
	if i == vmx.RSP {
		g.s.setNW(vmcs.GuestRSP, v)
		return
	}
	g.regs.Set(i, v)
}

// setReg8 writes an 8-bit register. Without REX, encodings 4-7 select
// AH, CH, DH and BH.
func (g *guest) setReg8(i int, rex bool, v uint8) {
	if rex || i < 4 {
		g.setReg(i, 1, uint64(v))
		return
	}
	old := g.reg(i - 4)
	g.setReg(i-4, 8, old&^0xff00|uint64(v)<<8)
}

// decoder fetches the bytes of one instruction.
type decoder struct {
	g    *guest
	m    mode
	lin  uint64
	n    int
	op   int
	addr int
	rex  byte
	rep  bool
}

func (d *decoder) next() (byte, *exit) {
	var b [1]byte
	if e := d.g.read(d.lin+uint64(d.n), b[:], hostarch.Execute); e != nil {
		return 0, e
	}
	d.n++
	return b[0], nil
}

// imm fetches a little-endian immediate of size bytes.
func (d *decoder) imm(size int) (uint64, *exit) {
	var v uint64
	for i := 0; i < size; i++ {
		b, e := d.next()
		if e != nil {
			return 0, e
		}
		v |= uint64(b) << (8 * i)
	}
	return v, nil
}

// exit returns a VM exit caused by the instruction.
func (d *decoder) exit(reason vmcs.ExitReason, qual uint64) *exit {
	return &exit{reason: reason, qual: qual, length: uint32(d.n)}
}

// retire completes the instruction and moves RIP past it.
func (d *decoder) retire() *exit {
	d.g.jump(d.g.s.nw(vmcs.GuestRIP) + uint64(d.n))
	return nil
}

func (g *guest) jump(rip uint64) {
	switch g.mode().addr {
	case 2:
		rip &= 0xffff
	case 4:
		rip &= 0xffffffff
	}
	g.s.setNW(vmcs.GuestRIP, rip)
}

// step executes one instruction, returning the exit it causes, if any.
// Blocking by STI or MOV SS lasts until the following instruction retires.
func (g *guest) step() *exit {
	blocking := g.s.u32(vmcs.GuestInterruptibility)
	e := g.exec()
	if e == nil && blocking&blockingSTIOrMovSS != 0 {
		g.s.setU32(vmcs.GuestInterruptibility, blocking&^blockingSTIOrMovSS)
	}
	return e
}

func (g *guest) exec() *exit {
	m := g.mode()
	d := &decoder{g: g, m: m, addr: m.addr}
	if !m.long {
		d.lin = g.s.nw(vmcs.GuestCSBase)
	}
	d.lin += g.s.nw(vmcs.GuestRIP)

	opOverride := false
	var op byte
prefixes:
	for {
		b, e := d.next()
		if e != nil {
			return e
		}
		switch {
		case d.n > 15:
			return g.exception(vmcs.VectorGP, new(uint32), 0)
		case b == 0x66:
			opOverride = true
		case b == 0x67:
			switch m.addr {
			case 2:
				d.addr = 4
			case 4:
				d.addr = 2
			case 8:
				d.addr = 4
			}
		case b == 0xf2 || b == 0xf3:
			d.rep = true
		case m.long && b&0xf0 == 0x40:
			d.rex = b
		default:
			op = b
			break prefixes
		}
	}
	d.op = m.op
	switch {
	case d.rex&8 != 0:
		d.op = 8
	case opOverride && d.op == 2:
		d.op = 4
	case opOverride:
		d.op = 2
	}
	rexB := int(d.rex&1) << 3

	switch {
	case op == 0x90:
		return d.retire()
	case op == 0xf4:
		if g.s.primary()&vmcs.HLTExiting != 0 {
			return d.exit(vmcs.ExitHLT, 0)
		}
		g.s.setU32(vmcs.GuestActivityState, activityHLT)
		return d.retire()
	case op == 0xfa:
		g.s.setNW(vmcs.GuestRFLAGS, g.rflags()&^msr.RFLAGSIF)
		return d.retire()
	case op == 0xfb:
		if g.rflags()&msr.RFLAGSIF == 0 {
			g.s.setU32(vmcs.GuestInterruptibility, g.s.u32(vmcs.GuestInterruptibility)|blockingSTI)
		}
		g.s.setNW(vmcs.GuestRFLAGS, g.rflags()|msr.RFLAGSIF)
		return d.retire()
	case op == 0xeb:
		rel, e := d.next()
		if e != nil {
			return e
		}
		g.jump(g.s.nw(vmcs.GuestRIP) + uint64(d.n) + uint64(int64(int8(rel))))
		return nil
	case op >= 0xb0 && op <= 0xb7:
		v, e := d.next()
		if e != nil {
			return e
		}
		g.setReg8(int(op-0xb0)+rexB, d.rex != 0, v)
		return d.retire()
	case op >= 0xb8 && op <= 0xbf:
		v, e := d.imm(d.op)
		if e != nil {
			return e
		}
		g.setReg(int(op-0xb8)+rexB, d.op, v)
		return d.retire()
	case op >= 0xe4 && op <= 0xe7:
		port, e := d.next()
		if e != nil {
			return e
		}
		return g.io(d, op&2 == 0, uint16(port), g.ioSize(d, op), true)
	case op >= 0xec && op <= 0xef:
		return g.io(d, op&2 == 0, uint16(g.reg(vmx.RDX)), g.ioSize(d, op), false)
	case op >= 0x6c && op <= 0x6f:
		return g.stringIO(d, op)
	case op >= 0xa0 && op <= 0xa3:
		return g.moffs(d, op)
	case op == 0x0f:
		return g.twoByte(d)
	}
	return g.exception(vmcs.VectorUD, nil, 0)
}

// ioSize returns the access size of an IN or OUT opcode.
func (g *guest) ioSize(d *decoder, op byte) int {
	if op&1 == 0 {
		return 1
	}
	if d.op == 2 {
		return 2
	}
	return 4
}

// ioExits returns true if an access to size bytes at port exits.
func (g *guest) ioExits(port uint16, size int) bool {
	prim := g.s.primary()
	if prim&vmcs.UseIOBitmaps == 0 {
		return prim&vmcs.UnconditionalIOExiting != 0
	}
	for i := 0; i < size; i++ {
		p := uint32(port) + uint32(i)
		if p > 0xffff {
			return true
		}
		page, off, mask := bitmap.IOBit(uint16(p))
		phys := g.s.u64(vmcs.IOBitmapA)
		if page == 1 {
			phys = g.s.u64(vmcs.IOBitmapB)
		}
		var b [1]byte
		if err := frame.Read(g.c.m.mem, phys+uint64(off), b[:]); err != nil || b[0]&mask != 0 {
			return true
		}
	}
	return false
}

// io executes IN or OUT. Ports with no exit read as all ones and discard
// writes.
func (g *guest) io(d *decoder, in bool, port uint16, size int, immediate bool) *exit {
	if g.ioExits(port, size) {
		q := vmcs.IOQualification{Size: size, In: in, Immediate: immediate, Port: port}
		return d.exit(vmcs.ExitIOInstruction, q.Encode())
	}
	if in {
		g.setReg(vmx.RAX, size, ^uint64(0))
	}
	return d.retire()
}

// stringIO executes INS or OUTS, which only the exit path models.
func (g *guest) stringIO(d *decoder, op byte) *exit {
	size := g.ioSize(d, op)
	port := uint16(g.reg(vmx.RDX))
	if !g.ioExits(port, size) {
		return g.exception(vmcs.VectorUD, nil, 0)
	}
	q := vmcs.IOQualification{Size: size, In: op&2 == 0, String: true, Rep: d.rep, Port: port}
	return d.exit(vmcs.ExitIOInstruction, q.Encode())
}

// moffs executes MOV between the accumulator and a direct memory offset.
func (g *guest) moffs(d *decoder, op byte) *exit {
	off, e := d.imm(d.addr)
	if e != nil {
		return e
	}
	lin := off
	if !d.m.long {
		lin = (g.s.nw(vmcs.GuestDSBase) + off) & 0xffffffff
	}
	size := 1
	if op&1 != 0 {
		size = d.op
	}
	buf := make([]byte, size)
	if op&2 == 0 {
		if e := g.read(lin, buf, hostarch.Read); e != nil {
			return e
		}
		var v uint64
		for i := size - 1; i >= 0; i-- {
			v = v<<8 | uint64(buf[i])
		}
		g.setReg(vmx.RAX, size, v)
		return d.retire()
	}
	v := g.reg(vmx.RAX)
	for i := range buf {
		buf[i] = byte(v >> (8 * i))
	}
	if e := g.write(lin, buf); e != nil {
		return e
	}
	return d.retire()
}

// msrExits returns true if an access to MSR index exits.
func (g *guest) msrExits(index uint32, write bool) bool {
	if g.s.primary()&vmcs.UseMSRBitmaps == 0 {
		return true
	}
	off, mask, ok := bitmap.MSRBit(index, write)
	if !ok {
		return true
	}
	var b [1]byte
	if err := frame.Read(g.c.m.mem, g.s.u64(vmcs.MSRBitmap)+uint64(off), b[:]); err != nil {
		return true
	}
	return b[0]&mask != 0
}

// twoByte executes the 0F opcode map.
func (g *guest) twoByte(d *decoder) *exit {
	op, e := d.next()
	if e != nil {
		return e
	}
	switch op {
	case 0x0b:
		return g.exception(vmcs.VectorUD, nil, 0)
	case 0xa2:
		return d.exit(vmcs.ExitCPUID, 0)
	case 0x30, 0x32:
		write := op == 0x30
		index := uint32(g.reg(vmx.RCX))
		if g.msrExits(index, write) {
			if write {
				return d.exit(vmcs.ExitMSRWrite, 0)
			}
			return d.exit(vmcs.ExitMSRRead, 0)
		}
		if write {
			g.c.WriteMSR(index, g.reg(vmx.RDX)<<32|g.reg(vmx.RAX)&0xffffffff)
		} else {
			v := g.c.ReadMSR(index)
			g.setReg(vmx.RAX, 4, v)
			g.setReg(vmx.RDX, 4, v>>32)
		}
		return d.retire()
	case 0x01:
		op3, e := d.next()
		if e != nil {
			return e
		}
		switch op3 {
		case 0xc1:
			return d.exit(vmcs.ExitVMCALL, 0)
		case 0xd1:
			return d.exit(vmcs.ExitXSETBV, 0)
		}
	case 0x20, 0x22:
		return g.movCR(d, op == 0x22)
	}
	return g.exception(vmcs.VectorUD, nil, 0)
}

// movCR executes MOV to or from a control register. CR0 and CR4 writes
// that change a bit owned by the host exit; reads of owned bits return the
// read shadow.
func (g *guest) movCR(d *decoder, to bool) *exit {
	modrm, e := d.next()
	if e != nil {
		return e
	}
	if modrm>>6 != 3 {
		return g.exception(vmcs.VectorUD, nil, 0)
	}
	cr := int(modrm>>3) & 7
	if d.rex&4 != 0 {
		cr += 8
	}
	gpr := int(modrm & 7)
	if d.rex&1 != 0 {
		gpr += 8
	}
	size := 4
	if d.m.long {
		size = 8
	}
	value := g.reg(gpr)
	if size == 4 {
		value &= 0xffffffff
	}
	qual := func(t vmcs.CRAccessType) uint64 {
		return vmcs.CRAccess{CR: uint8(cr), Type: t, GPR: gpr}.Encode()
	}
	prim := g.s.primary()

	switch cr {
	case 0, 4:
		mask, shadow, field := vmcs.CR0Mask, vmcs.CR0ReadShadow, vmcs.GuestCR0
		if cr == 4 {
			mask, shadow, field = vmcs.CR4Mask, vmcs.CR4ReadShadow, vmcs.GuestCR4
		}
		owned := g.s.nw(mask)
		if to {
			if (value^g.s.nw(shadow))&owned != 0 {
				return d.exit(vmcs.ExitCRAccess, qual(vmcs.MovToCR))
			}
			g.s.setNW(field, value&^owned|g.s.nw(field)&owned)
		} else {
			g.setReg(gpr, size, g.s.nw(field)&^owned|g.s.nw(shadow)&owned)
		}
	case 3:
		if to {
			if prim&vmcs.CR3LoadExiting != 0 {
				return d.exit(vmcs.ExitCRAccess, qual(vmcs.MovToCR))
			}
			g.s.setNW(vmcs.GuestCR3, value)
		} else {
			if prim&vmcs.CR3StoreExiting != 0 {
				return d.exit(vmcs.ExitCRAccess, qual(vmcs.MovFromCR))
			}
			g.setReg(gpr, size, g.s.nw(vmcs.GuestCR3))
		}
	case 8:
		switch {
		case to && prim&vmcs.CR8LoadExiting != 0:
			return d.exit(vmcs.ExitCRAccess, qual(vmcs.MovToCR))
		case !to && prim&vmcs.CR8StoreExiting != 0:
			return d.exit(vmcs.ExitCRAccess, qual(vmcs.MovFromCR))
		case !to:
			g.setReg(gpr, size, 0)
		}
	default:
		return g.exception(vmcs.VectorUD, nil, 0)
	}
	return d.retire()
}
