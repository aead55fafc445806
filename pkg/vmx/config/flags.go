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

package config

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"gvisor.dev/gvisor/runsc/flag"
)

// forEachFlag copies the value of every flag accepted by want into the
// field tagged with its name.
func (c *Config) forEachFlag(flagSet *flag.FlagSet, want func(*flag.Flag) bool) error {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if !want(fl) {
			continue
		}
		x := reflect.ValueOf(flag.Get(fl.Value))
		if !x.Type().AssignableTo(f.Type) {
			return fmt.Errorf("flag %q has type %v, field %s has type %v", name, x.Type(), f.Name, f.Type)
		}
		obj.Field(i).Set(x)
	}
	return nil
}

// IOPolicy is the default treatment of I/O ports.
type IOPolicy int

const (
	// IOPassthrough lets the guest access ports that are not intercepted
	// explicitly.
	IOPassthrough IOPolicy = iota

	// IOIntercept makes every port access exit.
	IOIntercept
)

func ioPolicyPtr(v IOPolicy) *IOPolicy {
	return &v
}

// Set implements flag.Value and flag.Getter.
func (p *IOPolicy) Set(v string) error {
	switch v {
	case "passthrough":
		*p = IOPassthrough
	case "intercept":
		*p = IOIntercept
	default:
		return fmt.Errorf("invalid I/O policy %q", v)
	}
	return nil
}

// Get implements flag.Getter.
func (p *IOPolicy) Get() any {
	return *p
}

// String implements flag.Value.
func (p IOPolicy) String() string {
	switch p {
	case IOPassthrough:
		return "passthrough"
	case IOIntercept:
		return "intercept"
	}
	panic(fmt.Sprintf("Invalid I/O policy %d", p))
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *IOPolicy) UnmarshalText(b []byte) error {
	return p.Set(string(b))
}

// PortList is a list of I/O ports.
type PortList []uint16

// Set implements flag.Value. It appends to the list so that the flag may
// be repeated.
func (l *PortList) Set(v string) error {
	for _, s := range strings.Split(v, ",") {
		port, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", s, err)
		}
		*l = append(*l, uint16(port))
	}
	return nil
}

// Get implements flag.Getter.
func (l *PortList) Get() any {
	return *l
}

// String implements flag.Value.
func (l *PortList) String() string {
	if l == nil {
		return ""
	}
	parts := make([]string, 0, len(*l))
	for _, p := range *l {
		parts = append(parts, fmt.Sprintf("%#x", p))
	}
	return strings.Join(parts, ",")
}

// MSRList is a list of MSR indices.
type MSRList []uint32

// Set implements flag.Value. It appends to the list so that the flag may
// be repeated.
func (l *MSRList) Set(v string) error {
	for _, s := range strings.Split(v, ",") {
		index, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
		if err != nil {
			return fmt.Errorf("invalid MSR %q: %w", s, err)
		}
		*l = append(*l, uint32(index))
	}
	return nil
}

// Get implements flag.Getter.
func (l *MSRList) Get() any {
	return *l
}

// String implements flag.Value.
func (l *MSRList) String() string {
	if l == nil {
		return ""
	}
	parts := make([]string, 0, len(*l))
	for _, m := range *l {
		parts = append(parts, fmt.Sprintf("%#x", m))
	}
	return strings.Join(parts, ",")
}

// ByteSize is a size in bytes. Its text form takes an optional binary K, M
// or G suffix.
type ByteSize uint64

func byteSizePtr(v ByteSize) *ByteSize {
	return &v
}

var sizeSuffixes = map[byte]uint{'K': 10, 'M': 20, 'G': 30}

// Set implements flag.Value.
func (s *ByteSize) Set(v string) error {
	num := strings.TrimSpace(v)
	shift := uint(0)
	if !strings.HasPrefix(strings.ToLower(num), "0x") {
		num = strings.TrimSuffix(strings.TrimSuffix(strings.ToUpper(num), "B"), "I")
		if n := len(num); n > 0 {
			if sh, ok := sizeSuffixes[num[n-1]]; ok {
				shift = sh
				num = num[:n-1]
			}
		}
	}
	n, err := strconv.ParseUint(num, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", v, err)
	}
	if n > math.MaxUint64>>shift {
		return fmt.Errorf("size %q overflows", v)
	}
	*s = ByteSize(n << shift)
	return nil
}

// Get implements flag.Getter.
func (s *ByteSize) Get() any {
	return *s
}

// String implements flag.Value.
func (s ByteSize) String() string {
	for _, u := range []struct {
		suffix string
		shift  uint
	}{{"G", 30}, {"M", 20}, {"K", 10}} {
		if s != 0 && uint64(s)&(1<<u.shift-1) == 0 {
			return fmt.Sprintf("%d%s", uint64(s)>>u.shift, u.suffix)
		}
	}
	return strconv.FormatUint(uint64(s), 10)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ByteSize) UnmarshalText(b []byte) error {
	return s.Set(string(b))
}
