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
	"gvisor.dev/gvisor/pkg/cpuid"
	"gvisor.dev/gvisor/runsc/flag"
	"gvisor.dev/vmx/pkg/vmx/percpu"
)

// cpuid1ECXHypervisor is set when running under a hypervisor.
const cpuid1ECXHypervisor = 1 << 31

// Probe implements subcommands.Command for the "probe" command.
type Probe struct{}

// Name implements subcommands.Command.Name.
func (*Probe) Name() string {
	return "probe"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Probe) Synopsis() string {
	return "report whether the host processor supports VMX"
}

// Usage implements subcommands.Command.Usage.
func (*Probe) Usage() string {
	return `probe

Reports the processor vendor, VMX support and whether the host itself runs
under a hypervisor, using CPUID. Exits with status 1 if VMX is absent.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Probe) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Probe) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if !probe(cpuid.FeatureSet{Function: &cpuid.Native{}}, os.Stdout) {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// probe writes the probe report for fs to w and returns true if VMX is
// supported.
func probe(fs cpuid.FeatureSet, w io.Writer) bool {
	vendor := fs.VendorID()
	supported := percpu.ProbeSupport(fs)
	fmt.Fprintf(w, "vendor:     %s\n", vendor[:])
	fmt.Fprintf(w, "family:     %d model: %d stepping: %d\n", fs.Family(), fs.Model(), fs.SteppingID())
	fmt.Fprintf(w, "vmx:        %t\n", supported)
	fmt.Fprintf(w, "hypervisor: %t\n", fs.Query(cpuid.In{Eax: 1}).Ecx&cpuid1ECXHypervisor != 0)
	fmt.Fprintf(w, "xsave:      %t\n", fs.HasFeature(cpuid.X86FeatureXSAVE))
	return supported
}
