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
	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/hostarch"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/runsc/flag"
	"gvisor.dev/vmx/pkg/vmx"
	"gvisor.dev/vmx/pkg/vmx/apic"
	"gvisor.dev/vmx/pkg/vmx/config"
	"gvisor.dev/vmx/pkg/vmx/ept"
	"gvisor.dev/vmx/pkg/vmx/frame"
	"gvisor.dev/vmx/pkg/vmx/percpu"
	"gvisor.dev/vmx/pkg/vmx/sim"
	"gvisor.dev/vmx/pkg/vmx/vcpu"
)

// Serial port registers of COM1.
const (
	serialBase      = 0x3f8
	serialLast      = 0x3ff
	serialLineState = serialBase + 5

	// lineStateIdle reports an empty transmitter.
	lineStateIdle = 0x60
)

// Run implements subcommands.Command for the "run" command.
type Run struct{}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a real-mode guest image on the simulated machine"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] [image]

Loads a flat image at --entry and runs it on vCPU 0 of a simulated machine
until it halts, powers off or triple faults. The image is the argument if
given and --image otherwise. Bytes written to the COM1 data port are copied
to stdout. Guest memory below --memory-size is mapped on first access.
Without an image a built-in greeting program is run.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Run) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() > 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	path := conf.Image
	if f.NArg() == 1 {
		path = f.Arg(0)
	}

	diag := uint16(conf.DiagnosticPort)
	if diag == 0 {
		diag = vcpu.DefaultDiagnosticPort
	}
	image := demoImage(diag)
	if path != "" {
		var err error
		if image, err = os.ReadFile(path); err != nil {
			return Errorf("reading image: %v", err)
		}
	}
	exit, err := runGuest(ctx, conf, image, os.Stdout)
	if err != nil {
		return Errorf("%v", err)
	}
	log.Infof("guest stopped: %v", exit)
	return subcommands.ExitSuccess
}

// runGuest runs image on a fresh simulated machine described by conf and
// returns the exit that stopped it. Serial output is written to out.
func runGuest(ctx context.Context, conf *config.Config, image []byte, out io.Writer) (vcpu.ExitReason, error) {
	memSize := uint64(conf.MemorySize)
	if conf.Entry+uint64(len(image)) > memSize {
		return nil, fmt.Errorf("image of %d bytes at %#x does not fit in %v of memory: %w", len(image), conf.Entry, conf.MemorySize, vmx.ErrBadState)
	}

	m := sim.New(sim.Config{Cores: conf.Cores})
	r := percpu.NewRegistry(m.Memory(), percpu.Options{})
	for i := 0; i < m.NumCores(); i++ {
		if err := r.Attach(i, m.Core(i)); err != nil {
			return nil, err
		}
	}
	if err := r.EnableAll(ctx); err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() {
		if err := r.DisableAll(context.Background()); err != nil {
			log.Warningf("disabling VMX: %v", err)
		}
	})
	defer cu.Clean()

	table, err := ept.New(m.Memory(), ept.Opts{Allow2M: true})
	if err != nil {
		return nil, err
	}
	cu.Add(table.Release)

	g := &guest{mem: m.Memory(), table: table, size: memSize}
	cu.Add(g.release)
	if err := g.load(conf.Entry, image); err != nil {
		return nil, err
	}

	var v *vcpu.Vcpu
	lapic := apic.NewX2APIC(0, func(dest uint32, vector uint8) {
		if dest != 0 {
			log.Warningf("dropping IPI %#x to absent APIC %d", vector, dest)
			return
		}
		v.QueueEvent(vcpu.Event{Vector: vector})
	})

	opts := conf.VcpuOptions()
	opts.Registry = r
	opts.Alloc = m.Memory()
	opts.Memory = m.Memory()
	opts.APIC = lapic
	for p := uint16(serialBase); p <= serialLast; p++ {
		opts.InterceptPorts = append(opts.InterceptPorts, p)
	}
	if v, err = vcpu.New(0, opts); err != nil {
		return nil, err
	}
	cu.Add(func() {
		if err := v.Release(); err != nil {
			log.Warningf("releasing %v: %v", v, err)
		}
	})
	if err := v.Setup(conf.Entry, table); err != nil {
		return nil, err
	}
	if err := v.Bind(0); err != nil {
		return nil, err
	}
	cu.Add(func() {
		if err := v.Unbind(); err != nil {
			log.Warningf("unbinding %v: %v", v, err)
		}
	})

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		exit, err := v.Run()
		if err != nil {
			return nil, err
		}
		switch e := exit.(type) {
		case vcpu.Nothing, vcpu.ExternalInterrupt:
		case vcpu.IOWrite:
			if e.Port == serialBase {
				if _, err := out.Write([]byte{byte(e.Data)}); err != nil {
					return nil, err
				}
			}
		case vcpu.IORead:
			value := e.Width.Mask()
			if e.Port == serialLineState {
				value = lineStateIdle
			}
			v.CompleteIORead(e.Width, value)
		case vcpu.Hypercall:
			log.Infof("%v: %v", v, e)
		case vcpu.MSRRead:
			v.CompleteMSRRead(0)
		case vcpu.MSRWrite:
			log.Debugf("%v: ignoring %v", v, e)
		case vcpu.NestedPageFault:
			if err := g.fault(e.Fault); err != nil {
				return nil, err
			}
		case vcpu.Halt, vcpu.SystemDown, vcpu.TripleFault:
			return exit, nil
		default:
			return exit, fmt.Errorf("%v: %v", v, exit)
		}
	}
}

// guest is the guest-physical memory of runGuest, backed by frames of the
// simulated machine.
type guest struct {
	mem    *frame.Heap
	table  *ept.Table
	size   uint64
	frames []frame.Frame
}

// mapPage backs the page containing gpa with a zeroed frame.
func (g *guest) mapPage(gpa uint64) (frame.Frame, error) {
	f, err := g.mem.Alloc()
	if err != nil {
		return frame.Frame{}, err
	}
	if _, err := g.table.Map(gpa&^(frame.Size-1), f.Phys, frame.Size, ept.MapOpts{AccessType: hostarch.AnyAccess}); err != nil {
		g.mem.Free(f)
		return frame.Frame{}, err
	}
	g.frames = append(g.frames, f)
	return f, nil
}

// load copies image into guest memory starting at gpa.
func (g *guest) load(gpa uint64, image []byte) error {
	for len(image) > 0 {
		f, err := g.mapPage(gpa)
		if err != nil {
			return err
		}
		n := copy(f.Page[gpa%frame.Size:], image)
		image = image[n:]
		gpa += uint64(n)
	}
	return nil
}

// fault resolves a nested page fault by mapping the page on demand.
func (g *guest) fault(f *ept.Fault) error {
	if f.Present || f.GPA >= g.size {
		return f
	}
	_, err := g.mapPage(f.GPA)
	return err
}

func (g *guest) release() {
	for _, f := range g.frames {
		g.mem.Free(f)
	}
	g.frames = nil
}
