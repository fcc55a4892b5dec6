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

// Package boardcfg describes the subset of the flattened device tree
// the monitor's cold-boot sequence consults. Parsing a real .dtb blob
// is the job of an external FDT reader, out of scope here; this
// package only fixes the data the init sequence needs out of it, and
// loads a stand-in TOML board file for simulation and tests.
package boardcfg

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// MemRegion is a physical [Start, Start+Size) region as described by
// the device tree's memory or reserved-memory nodes.
type MemRegion struct {
	Name  string `toml:"name"`
	Start uint64 `toml:"start"`
	Size  uint64 `toml:"size"`
}

// Board is everything the cold-boot sequence reads out of the device
// tree: hart count, CLINT base, UART node, timebase frequency, and
// the memory map.
type Board struct {
	// HartCount is the number of cpu* nodes under /cpus.
	HartCount int `toml:"hart_count"`

	// TimebaseFrequency is /cpus/cpu*/timebase-frequency.
	TimebaseFrequency uint64 `toml:"timebase_frequency"`

	// ClintBase and ClintSize describe /soc/clint.
	ClintBase uint64 `toml:"clint_base"`
	ClintSize uint64 `toml:"clint_size"`

	// UartBase and UartSize describe the single UART node this
	// monitor mediates; device passthrough beyond this one region is
	// out of scope.
	UartBase uint64 `toml:"uart_base"`
	UartSize uint64 `toml:"uart_size"`

	// Memory is every physical memory region, including reserved
	// ranges (e.g. the SBI firmware region identified separately by
	// PMP scan at boot, not listed here).
	Memory []MemRegion `toml:"memory"`
}

// Load parses board configuration from TOML text. In a real boot this
// data originates from the FDT blob handed by the prior-stage
// firmware; in this software model and in tests it is supplied as a
// static board file.
func Load(text string) (*Board, error) {
	var b Board
	if _, err := toml.Decode(text, &b); err != nil {
		return nil, fmt.Errorf("boardcfg: decode: %w", err)
	}
	if b.HartCount <= 0 {
		return nil, fmt.Errorf("boardcfg: hart_count must be positive, got %d", b.HartCount)
	}
	if len(b.Memory) == 0 {
		return nil, fmt.Errorf("boardcfg: at least one memory region is required")
	}
	return &b, nil
}

// TotalMemory returns the sum of all memory region sizes.
func (b *Board) TotalMemory() uint64 {
	var total uint64
	for _, m := range b.Memory {
		total += m.Size
	}
	return total
}
