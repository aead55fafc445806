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

// demoGreeting is printed by the demo guest on COM1.
const demoGreeting = "hello from the guest\n"

// demoScratch is an address the demo guest reads without it being loaded,
// so that it is mapped on demand.
const demoScratch = 0x2000

// demoDone is the diagnostic code the demo guest posts before powering off.
const demoDone = 0x42

// Real-mode encodings used by the demo guest.
const (
	opMovDX  = 0xba // mov dx, imm16
	opMovAL  = 0xb0 // mov al, imm8
	opMovAX  = 0xb8 // mov ax, imm16
	opOutB   = 0xee // out dx, al
	opOutW   = 0xef // out dx, ax
	opLoadAL = 0xa0 // mov al, [moffs16]
)

// vmcall is the hypercall instruction.
var vmcall = []byte{0x0f, 0x01, 0xc1}

func le16(v uint16) []byte {
	return []byte{byte(v), byte(v >> 8)}
}

// demoImage returns a real-mode program that writes demoGreeting to COM1,
// posts demoDone on diagPort, issues a hypercall, touches demoScratch and
// then asks for power off.
func demoImage(diagPort uint16) []byte {
	var b []byte
	b = append(b, opMovDX)
	b = append(b, le16(serialBase)...)
	for i := 0; i < len(demoGreeting); i++ {
		b = append(b, opMovAL, demoGreeting[i], opOutB)
	}

	b = append(b, opMovDX)
	b = append(b, le16(diagPort)...)
	b = append(b, opMovAL, demoDone, opOutB)

	b = append(b, vmcall...)

	b = append(b, opLoadAL)
	b = append(b, le16(demoScratch)...)

	// Power off through the ACPI shutdown port.
	b = append(b, opMovAX)
	b = append(b, le16(0x2000)...)
	b = append(b, opMovDX)
	b = append(b, le16(0x604)...)
	b = append(b, opOutW)
	return b
}
