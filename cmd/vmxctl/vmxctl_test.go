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
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/gvisor/pkg/cpuid"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/runsc/flag"
	"gvisor.dev/vmx/pkg/vmx"
	"gvisor.dev/vmx/pkg/vmx/config"
	"gvisor.dev/vmx/pkg/vmx/ept"
	"gvisor.dev/vmx/pkg/vmx/msr"
	"gvisor.dev/vmx/pkg/vmx/sim"
	"gvisor.dev/vmx/pkg/vmx/vcpu"
)

func testConfig(t *testing.T, flags map[string]string) *config.Config {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(testFlags)
	for name, value := range flags {
		if err := testFlags.Set(name, value); err != nil {
			t.Fatalf("Set(%q, %q): %v", name, value, err)
		}
	}
	conf, err := config.NewFromFlags(testFlags)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	return conf
}

func TestRunDemo(t *testing.T) {
	conf := testConfig(t, nil)
	var out bytes.Buffer
	exit, err := runGuest(context.Background(), conf, demoImage(vcpu.DefaultDiagnosticPort), &out)
	if err != nil {
		t.Fatalf("runGuest: %v", err)
	}
	if diff := cmp.Diff(vcpu.ExitReason(vcpu.SystemDown{}), exit); diff != "" {
		t.Errorf("exit mismatch (-want +got):\n%s", diff)
	}
	if got := out.String(); got != demoGreeting {
		t.Errorf("serial output = %q, want %q", got, demoGreeting)
	}
}

func TestRunHalt(t *testing.T) {
	conf := testConfig(t, map[string]string{"cores": "2", "entry": "0x7c00"})
	exit, err := runGuest(context.Background(), conf, []byte{0xf4}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("runGuest: %v", err)
	}
	if _, ok := exit.(vcpu.Halt); !ok {
		t.Errorf("exit = %v, want halt", exit)
	}
}

func TestRunSerialStatus(t *testing.T) {
	conf := testConfig(t, nil)
	image := []byte{
		0xba, 0xfd, 0x03, // mov dx, 0x3fd
		0xec,             // in al, dx
		0xba, 0xf8, 0x03, // mov dx, 0x3f8
		0xee,             // out dx, al
		0xf4,             // hlt
	}
	var out bytes.Buffer
	if _, err := runGuest(context.Background(), conf, image, &out); err != nil {
		t.Fatalf("runGuest: %v", err)
	}
	if got, want := out.Bytes(), []byte{lineStateIdle}; !bytes.Equal(got, want) {
		t.Errorf("serial output = %x, want %x", got, want)
	}
}

func TestRunFaultOutsideMemory(t *testing.T) {
	conf := testConfig(t, map[string]string{"memory-size": "8K"})
	image := []byte{0xa0, 0x00, 0x30} // mov al, [0x3000]
	_, err := runGuest(context.Background(), conf, image, &bytes.Buffer{})
	var fault *ept.Fault
	if !errors.As(err, &fault) {
		t.Fatalf("runGuest = %v, want *ept.Fault", err)
	}
	if fault.GPA != 0x3000 {
		t.Errorf("fault GPA = %#x, want 0x3000", fault.GPA)
	}
}

func TestRunImageTooLarge(t *testing.T) {
	conf := testConfig(t, map[string]string{"memory-size": "8K"})
	image := make([]byte, 0x1001)
	if _, err := runGuest(context.Background(), conf, image, &bytes.Buffer{}); !errors.Is(err, vmx.ErrBadState) {
		t.Errorf("runGuest = %v, want ErrBadState", err)
	}
}

// cancelWriter cancels a context on its first write.
type cancelWriter struct {
	cancel context.CancelFunc
}

func (w cancelWriter) Write(b []byte) (int, error) {
	w.cancel()
	return len(b), nil
}

func TestRunCancel(t *testing.T) {
	conf := testConfig(t, nil)
	image := []byte{
		0xba, 0xf8, 0x03, // mov dx, 0x3f8
		0xb0, 0x41,       // mov al, 'A'
		0xee,             // out dx, al
		0xeb, 0xfb,       // jmp to mov al
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := runGuest(ctx, conf, image, cancelWriter{cancel}); !errors.Is(err, context.Canceled) {
		t.Errorf("runGuest = %v, want context.Canceled", err)
	}
}

func TestPrintCaps(t *testing.T) {
	m := sim.New(sim.Config{})
	var out bytes.Buffer
	printCaps(m.Core(0), &out)
	for _, want := range []string{
		"revision=0x12",
		"pin-based: must=",
		"secondary processor-based: must=",
		"CR4 fixed: must be 1 0x2000",
		"preemption timer rate 5",
		"ept: execute-only 4-level",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestPrintCapsWithoutSecondary(t *testing.T) {
	m := sim.New(sim.Config{})
	m.SetCapability(msr.VMXTrueProcbasedCtls, msr.AllowedSettings{Allowed0: 0x04006172, Allowed1: 0x7ff9fffe}.Encode())
	var out bytes.Buffer
	printCaps(m.Core(0), &out)
	for _, absent := range []string{"secondary", "ept:"} {
		if strings.Contains(out.String(), absent) {
			t.Errorf("output contains %q:\n%s", absent, out.String())
		}
	}
}

func TestProbe(t *testing.T) {
	fs := sim.New(sim.Config{}).CPUID()
	var out bytes.Buffer
	if !probe(fs.ToFeatureSet(), &out) {
		t.Errorf("probe = false, want true")
	}
	for _, want := range []string{"GenuineIntel", "vmx:        true", "hypervisor: false", "xsave:      true"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}

	// Clear VMX.
	leaf1 := fs.Query(cpuid.In{Eax: 1})
	leaf1.Ecx &^= 1 << 5
	fs.Set(cpuid.In{Eax: 1}, leaf1)
	out.Reset()
	if probe(fs.ToFeatureSet(), &out) {
		t.Errorf("probe without VMX = true, want false")
	}
}

func TestConfigFlagUsage(t *testing.T) {
	f := flag.CommandLine.Lookup("config")
	if f == nil {
		t.Fatalf("--config not registered")
	}
	for _, format := range []string{"TOML", "YAML"} {
		if !strings.Contains(f.Usage, format) {
			t.Errorf("--config usage %q does not mention %s", f.Usage, format)
		}
	}
}

func TestLogTarget(t *testing.T) {
	var out bytes.Buffer
	logTarget(&out).Emit(log.Warning, time.Date(2026, 10, 17, 8, 30, 0, 0, time.UTC), "vCPU %d: %s", 1, "stopped")
	got := out.String()
	if !strings.HasPrefix(got, "W1017 08:30:00.000000") {
		t.Errorf("log line %q does not have a glog header", got)
	}
	if !strings.HasSuffix(got, "vCPU 1: stopped\n") {
		t.Errorf("log line %q does not end with the message", got)
	}
}
