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

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/runsc/flag"
	"gvisor.dev/vmx/pkg/vmx/msr"
	"gvisor.dev/vmx/pkg/vmx/vmcs"
)

// Caps implements subcommands.Command for the "caps" command.
type Caps struct {
	cpu int
}

// Name implements subcommands.Command.Name.
func (*Caps) Name() string {
	return "caps"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Caps) Synopsis() string {
	return "dump the VMX capability MSRs of a processor"
}

// Usage implements subcommands.Command.Usage.
func (*Caps) Usage() string {
	return `caps [flags]

Reads the IA32_VMX_* capability MSRs through /dev/cpu/N/msr and prints the
decoded control settings. Requires the msr kernel module and root.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Caps) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.cpu, "cpu", 0, "logical processor to read.")
}

// Execute implements subcommands.Command.Execute.
func (c *Caps) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	r, err := openMSR(c.cpu)
	if err != nil {
		return Errorf("%v", err)
	}
	defer r.Close()
	printCaps(r, os.Stdout)
	if r.err != nil {
		return Errorf("%v", r.err)
	}
	return subcommands.ExitSuccess
}

// devMSR reads MSRs of one processor through the msr device. The first
// read error is kept and later reads return zero.
type devMSR struct {
	fd  int
	err error
}

func openMSR(cpu int) (*devMSR, error) {
	path := fmt.Sprintf("/dev/cpu/%d/msr", cpu)
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return &devMSR{fd: fd}, nil
}

// ReadMSR implements msr.Reader.ReadMSR.
func (d *devMSR) ReadMSR(index uint32) uint64 {
	if d.err != nil {
		return 0
	}
	var buf [8]byte
	if _, err := unix.Pread(d.fd, buf[:], int64(index)); err != nil {
		d.err = fmt.Errorf("reading MSR %#x: %w", index, err)
		return 0
	}
	return hostarch.ByteOrder.Uint64(buf[:])
}

// Close closes the device.
func (d *devMSR) Close() error {
	return unix.Close(d.fd)
}

// printCaps writes the decoded capability MSRs read from r to w.
//
// The secondary controls and EPT capabilities are only read when the
// processor reports them, since reading an absent MSR faults.
func printCaps(r msr.Reader, w io.Writer) {
	fmt.Fprintf(w, "basic: %v\n", msr.DecodeBasic(r.ReadMSR(msr.VMXBasic)))

	pin := msr.PinControls.Capability(r)
	fmt.Fprintf(w, "%s: must=%v may=%v\n", msr.PinControls.Name,
		vmcs.PinControls(pin.Allowed0), vmcs.PinControls(pin.Allowed1))
	primary := msr.PrimaryControls.Capability(r)
	fmt.Fprintf(w, "%s: must=%v may=%v\n", msr.PrimaryControls.Name,
		vmcs.PrimaryControls(primary.Allowed0), vmcs.PrimaryControls(primary.Allowed1))
	var secondary msr.AllowedSettings
	if primary.Allowed1&uint32(vmcs.ActivateSecondary) != 0 {
		secondary = msr.SecondaryControls.Capability(r)
		fmt.Fprintf(w, "%s: must=%v may=%v\n", msr.SecondaryControls.Name,
			vmcs.SecondaryControls(secondary.Allowed0), vmcs.SecondaryControls(secondary.Allowed1))
	}
	exit := msr.ExitControls.Capability(r)
	fmt.Fprintf(w, "%s: must=%v may=%v\n", msr.ExitControls.Name,
		vmcs.ExitControls(exit.Allowed0), vmcs.ExitControls(exit.Allowed1))
	entry := msr.EntryControls.Capability(r)
	fmt.Fprintf(w, "%s: must=%v may=%v\n", msr.EntryControls.Name,
		vmcs.EntryControls(entry.Allowed0), vmcs.EntryControls(entry.Allowed1))

	for _, c := range []msr.FixedCheck{msr.CR0, msr.CR4} {
		f := c.Load(r)
		fmt.Fprintf(w, "%s fixed: must be 1 %#x, may be 1 %#x\n", c.Name, f.Fixed0, f.Fixed1)
	}

	misc := msr.Misc(r.ReadMSR(msr.VMXMisc))
	fmt.Fprintf(w, "misc: preemption timer rate %d, cr3 targets %d\n", misc.PreemptionTimerRate(), misc.CR3TargetCount())

	if secondary.Allowed1&uint32(vmcs.EnableEPT) != 0 {
		fmt.Fprintf(w, "ept: %v\n", msr.EPTVPIDCap(r.ReadMSR(msr.VMXEPTVPIDCap)))
	}
}
