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

// Package physmem provides a flat simulated physical address space
// backed by an anonymous mmap, standing in for the real DRAM a
// machine-mode monitor runs against. Every other package addresses
// this memory by physical address, exactly as the monitor core does
// against real hardware; only the backing allocation is a host-test
// affordance.
package physmem

import (
	"crypto/sha256"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/lattice-sm/monitor/pkg/pagesize"
)

// Arena is a simulated physical address range [Base, Base+len(bytes)).
type Arena struct {
	base  uintptr
	bytes []byte
	file  *os.File // non-nil when backed by NewFile
}

// New allocates an Arena of size bytes (rounded up to a page) mapped
// starting at physical address base. size must be nonzero.
func New(base uintptr, size uintptr) (*Arena, error) {
	if size == 0 {
		return nil, fmt.Errorf("physmem: zero-size arena")
	}
	size = pagesize.AlignUp(size)
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("physmem: mmap %d bytes: %w", size, err)
	}
	return &Arena{base: base, bytes: b}, nil
}

// NewFile allocates an Arena backed by a MAP_SHARED mapping of path,
// so the simulated RAM contents (and therefore every enclave's memory
// and metadata) survive across process invocations — cmd/smctl uses
// this to let a sequence of CLI commands act as if they were issued
// against one persistent machine.
func NewFile(path string, base uintptr, size uintptr) (*Arena, error) {
	if size == 0 {
		return nil, fmt.Errorf("physmem: zero-size arena")
	}
	size = pagesize.AlignUp(size)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("physmem: open %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("physmem: truncate %s to %d: %w", path, size, err)
	}
	b, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("physmem: mmap %s: %w", path, err)
	}
	return &Arena{base: base, bytes: b, file: f}, nil
}

// Close releases the backing mapping.
func (a *Arena) Close() error {
	if a.bytes == nil {
		return nil
	}
	err := unix.Munmap(a.bytes)
	a.bytes = nil
	if a.file != nil {
		if cerr := a.file.Close(); err == nil {
			err = cerr
		}
		a.file = nil
	}
	return err
}

// Base returns the physical address of the first byte of the arena.
func (a *Arena) Base() uintptr { return a.base }

// Size returns the arena's length in bytes.
func (a *Arena) Size() uintptr { return uintptr(len(a.bytes)) }

// End returns the physical address one past the last byte.
func (a *Arena) End() uintptr { return a.base + a.Size() }

// Contains reports whether addr falls within the arena.
func (a *Arena) Contains(addr uintptr) bool {
	return addr >= a.base && addr < a.End()
}

// Slice returns the byte slice backing [addr, addr+size) of physical
// memory. It panics if the range is not entirely within the arena,
// the same contract as a real memory-mapped I/O window: callers are
// expected to have validated the range against the PMA ledger first.
func (a *Arena) Slice(addr, size uintptr) []byte {
	if addr < a.base || addr+size > a.End() || addr+size < addr {
		panic(fmt.Sprintf("physmem: range [%#x, %#x) outside arena [%#x, %#x)", addr, addr+size, a.base, a.End()))
	}
	off := addr - a.base
	return a.bytes[off : off+size]
}

// ZeroPage zeros the page-sized range starting at addr, used by
// enclave destroy to scrub every page before it's returned to HOST.
func (a *Arena) ZeroPage(addr uintptr) {
	page := a.Slice(pagesize.Align(addr), pagesize.Size)
	for i := range page {
		page[i] = 0
	}
}

// ReadUint64 and WriteUint64 give the enclave metadata frame (C6) and
// bootargs writer (C7) a way to address physical memory as a stream of
// machine words without exposing the raw backing slice's lifetime.

// ReadUint64 reads a little-endian uint64 at addr.
func (a *Arena) ReadUint64(addr uintptr) uint64 {
	b := a.Slice(addr, 8)
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

// WriteUint64 writes a little-endian uint64 at addr.
func (a *Arena) WriteUint64(addr uintptr, v uint64) {
	b := a.Slice(addr, 8)
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}

// Measure returns the SHA-256 digest of the physical range [addr,
// addr+size). cmd/smctl's inspect command uses this to print a
// binary's content hash without needing a host-side copy of the
// enclave's loaded image; it is the one content-hash primitive this
// monitor carries.
func (a *Arena) Measure(addr, size uintptr) [sha256.Size]byte {
	return sha256.Sum256(a.Slice(addr, size))
}
