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

// Package config holds the tunables of the VMX engine and of the vmxctl
// tool. Values come from flags, optionally layered over a TOML or YAML
// file: defaults < file < flags set on the command line.
package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/runsc/flag"
	"gvisor.dev/vmx/pkg/vmx"
	"gvisor.dev/vmx/pkg/vmx/bitmap"
	"gvisor.dev/vmx/pkg/vmx/frame"
	"gvisor.dev/vmx/pkg/vmx/vcpu"
)

// Config holds the engine configuration. Every field that has a "flag" tag
// is also a command line flag of the same name.
type Config struct {
	// DiagnosticPort is the I/O port whose writes are recorded as a
	// diagnostic code and otherwise ignored.
	DiagnosticPort uint `toml:"diagnostic_port" yaml:"diagnostic_port" flag:"diagnostic-port"`

	// IOPolicy is the default treatment of ports not listed in
	// InterceptPorts.
	IOPolicy IOPolicy `toml:"io_policy" yaml:"io_policy" flag:"io-policy"`

	// InterceptPorts are ports that always exit.
	InterceptPorts PortList `toml:"intercept_ports" yaml:"intercept_ports" flag:"intercept-ports"`

	// InterceptMSRs are MSRs whose reads and writes exit.
	InterceptMSRs MSRList `toml:"intercept_msrs" yaml:"intercept_msrs" flag:"intercept-msrs"`

	// PreemptionTimer is the VMX-preemption timer value loaded on every
	// entry. Zero disables the timer.
	PreemptionTimer uint `toml:"preemption_timer" yaml:"preemption_timer" flag:"preemption-timer"`

	// HypervisorVendor is the vendor string of CPUID leaf 0x40000000.
	HypervisorVendor string `toml:"hypervisor_vendor" yaml:"hypervisor_vendor" flag:"hypervisor-vendor"`

	// TSCMHz is reported by CPUID leaf 0x16 when the host reports no TSC
	// frequency.
	TSCMHz uint `toml:"tsc_mhz" yaml:"tsc_mhz" flag:"tsc-mhz"`

	// Cores is the number of simulated cores.
	Cores int `toml:"cores" yaml:"cores" flag:"cores"`

	// MemorySize is the amount of guest memory mapped at guest-physical
	// address zero.
	MemorySize ByteSize `toml:"memory_size" yaml:"memory_size" flag:"memory-size"`

	// Entry is the guest-physical address of the first instruction, which
	// is also where the image is loaded.
	Entry uint64 `toml:"entry" yaml:"entry" flag:"entry"`

	// Image is the path of a flat binary guest image. Empty selects the
	// built-in demo guest.
	Image string `toml:"image" yaml:"image" flag:"image"`

	// Debug enables debug logging.
	Debug bool `toml:"debug" yaml:"debug" flag:"debug"`
}

// Defaults.
const (
	DefaultCores      = 1
	DefaultMemorySize = 16 << 20
	DefaultEntry      = 0x1000
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.Uint("diagnostic-port", vcpu.DefaultDiagnosticPort, "I/O port whose writes are recorded as a diagnostic code.")
	flagSet.Var(ioPolicyPtr(IOPassthrough), "io-policy", "treatment of ports that are not intercepted explicitly: passthrough (default), intercept.")
	flagSet.Var(&PortList{}, "intercept-ports", "comma-separated list of additional I/O ports that exit.")
	flagSet.Var(&MSRList{}, "intercept-msrs", "comma-separated list of MSRs whose accesses exit.")
	flagSet.Uint("preemption-timer", 0, "VMX-preemption timer value loaded on every entry; 0 disables the timer.")
	flagSet.String("hypervisor-vendor", vcpu.DefaultHypervisorVendor, "vendor string reported by CPUID leaf 0x40000000, at most 12 bytes.")
	flagSet.Uint("tsc-mhz", vcpu.DefaultTSCMHz, "TSC frequency reported by CPUID leaf 0x16 when the host reports none.")
	flagSet.Int("cores", DefaultCores, "number of simulated cores.")
	flagSet.Var(byteSizePtr(DefaultMemorySize), "memory-size", "guest memory size, with an optional K, M or G suffix.")
	flagSet.Uint64("entry", DefaultEntry, "guest-physical address of the first guest instruction.")
	flagSet.String("image", "", "flat binary guest image loaded at the entry point; empty runs the built-in demo.")
	flagSet.Bool("debug", false, "enable debug logging.")
}

// NewFromFlags creates a new Config with values coming from the given flag
// set.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	if err := conf.forEachFlag(flagSet, func(*flag.Flag) bool { return true }); err != nil {
		return nil, err
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Load creates a Config from the file at path, using flag defaults for keys
// the file omits. Files ending in .yaml or .yml are YAML, anything else is
// TOML. Flags set explicitly on flagSet override the file.
func Load(flagSet *flag.FlagSet, path string) (*Config, error) {
	conf := &Config{}
	if err := conf.forEachFlag(flagSet, func(*flag.Flag) bool { return true }); err != nil {
		return nil, err
	}
	decode := decodeTOML
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		decode = decodeYAML
	}
	if err := decode(path, conf); err != nil {
		return nil, err
	}

	set := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if err := conf.forEachFlag(flagSet, func(f *flag.Flag) bool { return set[f.Name] }); err != nil {
		return nil, err
	}
	if err := conf.validate(); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	log.Infof("Loaded configuration from %q", path)
	return conf, nil
}

func decodeTOML(path string, conf *Config) error {
	md, err := toml.DecodeFile(path, conf)
	if err != nil {
		return fmt.Errorf("reading config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config %q: unknown keys %v", path, undecoded)
	}
	return nil
}

func decodeYAML(path string, conf *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("reading config %q: %w", path, err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	// An empty document leaves the defaults in place.
	if err := dec.Decode(conf); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading config %q: %w", path, err)
	}
	return nil
}

// validate checks the values that the engine would otherwise reject later,
// or silently change.
func (c *Config) validate() error {
	if c.DiagnosticPort > math.MaxUint16 {
		return fmt.Errorf("diagnostic port %#x out of range: %w", c.DiagnosticPort, vmx.ErrBadState)
	}
	if len(c.HypervisorVendor) > 12 {
		return fmt.Errorf("hypervisor vendor %q longer than 12 bytes: %w", c.HypervisorVendor, vmx.ErrBadState)
	}
	if uint64(c.TSCMHz) > math.MaxUint32 {
		return fmt.Errorf("TSC frequency %d MHz out of range: %w", c.TSCMHz, vmx.ErrBadState)
	}
	if uint64(c.PreemptionTimer) > math.MaxUint32 {
		return fmt.Errorf("preemption timer %d out of range: %w", c.PreemptionTimer, vmx.ErrBadState)
	}
	for _, index := range c.InterceptMSRs {
		if !bitmap.Covered(index) {
			return fmt.Errorf("MSR %#x is outside the MSR bitmap: %w", index, vmx.ErrBadState)
		}
	}
	if c.Cores < 1 {
		return fmt.Errorf("need at least one core, got %d: %w", c.Cores, vmx.ErrBadState)
	}
	if c.MemorySize == 0 || c.MemorySize%frame.Size != 0 {
		return fmt.Errorf("memory size %v is not a positive multiple of %d: %w", c.MemorySize, frame.Size, vmx.ErrBadState)
	}
	if c.Entry >= uint64(c.MemorySize) {
		return fmt.Errorf("entry %#x outside guest memory of %v: %w", c.Entry, c.MemorySize, vmx.ErrBadState)
	}
	return nil
}

// VcpuOptions returns the vcpu options described by c. The caller fills in
// the collaborators: registry, allocator, memory and interrupt controller.
func (c *Config) VcpuOptions() vcpu.Options {
	return vcpu.Options{
		DiagnosticPort:   uint16(c.DiagnosticPort),
		InterceptAllIO:   c.IOPolicy == IOIntercept,
		InterceptPorts:   append([]uint16(nil), c.InterceptPorts...),
		InterceptMSRs:    append([]uint32(nil), c.InterceptMSRs...),
		PreemptionTimer:  uint32(c.PreemptionTimer),
		HypervisorVendor: c.HypervisorVendor,
		TSCMHz:           uint32(c.TSCMHz),
	}
}
