// Copyright 2019 The gVisor Authors.
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

package boardcfg

import "testing"

const sampleBoard = `
hart_count = 4
timebase_frequency = 10000000
clint_base = 0x2000000
clint_size = 0x10000
uart_base = 0x10000000
uart_size = 0x1000

[[memory]]
name = "ram"
start = 0x80000000
size = 0x8000000
`

func TestLoad(t *testing.T) {
	b, err := Load(sampleBoard)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if b.HartCount != 4 {
		t.Errorf("HartCount = %d, want 4", b.HartCount)
	}
	if b.ClintBase != 0x2000000 {
		t.Errorf("ClintBase = %#x, want 0x2000000", b.ClintBase)
	}
	if got, want := b.TotalMemory(), uint64(0x8000000); got != want {
		t.Errorf("TotalMemory() = %#x, want %#x", got, want)
	}
}

func TestLoadRejectsMissingHarts(t *testing.T) {
	if _, err := Load(`hart_count = 0`); err == nil {
		t.Error("Load with hart_count=0 should fail")
	}
}

func TestLoadRejectsNoMemory(t *testing.T) {
	if _, err := Load(`hart_count = 1`); err == nil {
		t.Error("Load with no memory regions should fail")
	}
}
