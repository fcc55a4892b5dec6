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

// Package pma implements the Physical-Memory-Area ownership ledger
// (C1): an ordered, disjoint, gapless map from physical ranges to
// (owner, permission), with adjacent-coalescing and range-splitting
// insert semantics. It is the single source of truth the PMP encoder
// (pkg/pmp) and the fault resolver (pkg/fault) consult on every trap.
package pma

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lattice-sm/monitor/pkg/pagesize"
	"github.com/lattice-sm/monitor/pkg/smerr"
)

var log = logrus.WithField("subsys", "pma")

// EnclaveID is a dense nonzero integer identifying an enclave. Two
// sentinels are reserved: Host denotes the normal world, Everyone
// denotes memory visible to every context (e.g. shared MMIO).
type EnclaveID uint64

const (
	// Host is the normal-world owner id.
	Host EnclaveID = 0

	// Everyone marks memory every context may access, regardless of
	// its own id. It is the largest id that fits in a Prop's 61 owner
	// bits, so it survives NewProp/Owner unchanged.
	Everyone EnclaveID = ^EnclaveID(0) >> 3

	// FirstEnclaveID is the first id the monotonic counter hands out.
	FirstEnclaveID EnclaveID = 1
)

// Permission is a 3-bit set whose encoding matches the hardware PMP
// permission bits.
type Permission uint8

const (
	PermRead Permission = 1 << iota
	PermWrite
	PermExec
)

// None grants no access, used for the metadata frame.
const None Permission = 0

// RWX grants every permission.
const RWX = PermRead | PermWrite | PermExec

func (p Permission) String() string {
	s := [3]byte{'-', '-', '-'}
	if p&PermRead != 0 {
		s[0] = 'r'
	}
	if p&PermWrite != 0 {
		s[1] = 'w'
	}
	if p&PermExec != 0 {
		s[2] = 'x'
	}
	return string(s[:])
}

// Prop is the packed 64-bit value stored per PMA: the low 3 bits are
// the Permission, the remaining 61 bits are the owner EnclaveID.
type Prop uint64

// NewProp packs an owner and permission into a single Prop.
func NewProp(owner EnclaveID, perm Permission) Prop {
	return Prop(uint64(owner)<<3 | uint64(perm&0x7))
}

// Owner unpacks the owner id.
func (p Prop) Owner() EnclaveID { return EnclaveID(uint64(p) >> 3) }

// Perm unpacks the permission bits.
func (p Prop) Perm() Permission { return Permission(uint64(p) & 0x7) }

func (p Prop) String() string {
	return fmt.Sprintf("owner=%d perm=%s", p.Owner(), p.Perm())
}

// Area is a half-open physical range [Start, End) plus its Prop.
type Area struct {
	Start uintptr
	End   uintptr
	Prop  Prop
}

// Size returns End-Start.
func (a Area) Size() uintptr { return a.End - a.Start }

// Contains reports whether addr falls within the area.
func (a Area) Contains(addr uintptr) bool {
	return addr >= a.Start && addr < a.End
}

// containsRange reports whether [start, end) is entirely within a.
func (a Area) containsRange(start, end uintptr) bool {
	return start >= a.Start && end <= a.End
}

// Ledger is the ordered map from physical range to (owner,
// permission). All mutations run under a single writer lock; lookups
// run under the shared reader lock: one RW lock total, since
// mutations are rare and lookups are frequent.
//
// Callers needing to hold the lock across several operations (the
// enclave builder and the cold-boot sequence do) use
// Lock/RLock/Unlock/RUnlock directly;
// single-shot callers use the convenience methods below.
type Ledger struct {
	mu    rwLocker
	areas []Area // sorted by Start, disjoint, gapless
}

// rwLocker is satisfied by sync.RWMutex; it is named so tests can
// substitute a no-op lock when exercising the algorithm alone.
type rwLocker interface {
	Lock()
	Unlock()
	RLock()
	RUnlock()
}

// New creates a ledger covering [0, size) with the given initial
// owner and permission, as the init sequence does at cold boot.
func New(size uintptr, owner EnclaveID, perm Permission, lock rwLocker) *Ledger {
	return &Ledger{
		mu:    lock,
		areas: []Area{{Start: 0, End: size, Prop: NewProp(owner, perm)}},
	}
}

// NewWithMutex is New backed by a plain sync.RWMutex, the ordinary
// constructor for production and most tests.
func NewWithMutex(size uintptr, owner EnclaveID, perm Permission) *Ledger {
	return New(size, owner, perm, &sync.RWMutex{})
}

// Lock acquires the ledger's writer lock.
func (l *Ledger) Lock() { l.mu.Lock() }

// Unlock releases the ledger's writer lock.
func (l *Ledger) Unlock() { l.mu.Unlock() }

// RLock acquires the ledger's reader lock.
func (l *Ledger) RLock() { l.mu.RLock() }

// RUnlock releases the ledger's reader lock.
func (l *Ledger) RUnlock() { l.mu.RUnlock() }

// indexOf returns the index of the area containing addr, via
// predecessor-or-equal binary search on Start. Callers must hold at
// least the reader lock.
func (l *Ledger) indexOf(addr uintptr) int {
	i := sort.Search(len(l.areas), func(i int) bool {
		return l.areas[i].Start > addr
	})
	return i - 1
}

// Lookup returns the PMA containing addr. It is always defined because
// the ledger is gapless by construction. Callers must hold at least
// the reader lock; use LookupLocked for a self-locking convenience
// call.
func (l *Ledger) Lookup(addr uintptr) Area {
	i := l.indexOf(addr)
	a := l.areas[i]
	if addr < a.Start || addr >= a.End {
		panic(fmt.Sprintf("pma: ledger has a gap at %#x", addr))
	}
	return a
}

// LookupLocked takes the reader lock, looks up addr, and releases it.
func (l *Ledger) LookupLocked(addr uintptr) Area {
	l.RLock()
	defer l.RUnlock()
	return l.Lookup(addr)
}

// Insert replaces the ledger's notion of pma.Start..pma.End with
// pma.Prop, per the ledger's four insert cases (identical range,
// same-start, same-end, strictly interior). pma's range must be
// entirely contained within a single existing area, or Insert returns
// smerr.ErrSizeOverflow. On success Insert returns the Prop that
// previously covered pma's range (useful to a caller like the
// enclave builder's bump allocator that wants to know what it
// overwrote). Callers must hold the writer lock.
func (l *Ledger) Insert(pma Area) (Prop, error) {
	if pma.Start >= pma.End {
		return 0, fmt.Errorf("pma: empty or inverted range [%#x, %#x)", pma.Start, pma.End)
	}
	i := l.indexOf(pma.Start)
	existing := l.areas[i]
	if !existing.containsRange(pma.Start, pma.End) {
		log.WithFields(logrus.Fields{
			"insert":   fmt.Sprintf("[%#x,%#x)", pma.Start, pma.End),
			"existing": fmt.Sprintf("[%#x,%#x)", existing.Start, existing.End),
		}).Warn("insert range not contained in a single pma")
		return 0, smerr.ErrSizeOverflow
	}
	oldProp := existing.Prop

	switch {
	case pma.Start == existing.Start && pma.End == existing.End:
		// Case 1: identical range, replace prop in place.
		l.areas[i].Prop = pma.Prop
		l.mergeAt(i)

	case pma.Start == existing.Start:
		// Case 2: same start, shrink existing from the left.
		l.areas[i] = Area{Start: pma.End, End: existing.End, Prop: existing.Prop}
		l.insertAt(i, pma)
		l.mergeAt(i)

	case pma.End == existing.End:
		// Case 3: same end, shrink existing from the right.
		l.areas[i] = Area{Start: existing.Start, End: pma.Start, Prop: existing.Prop}
		l.insertAt(i+1, pma)
		l.mergeAt(i + 1)

	default:
		// Case 4: strictly interior, three-way split.
		right := Area{Start: pma.End, End: existing.End, Prop: existing.Prop}
		l.areas[i] = Area{Start: existing.Start, End: pma.Start, Prop: existing.Prop}
		l.insertAt(i+1, pma)
		l.insertAt(i+2, right)
		l.mergeAt(i + 1)
	}
	return oldProp, nil
}

// insertAt inserts pma at index i, shifting later elements right.
func (l *Ledger) insertAt(i int, pma Area) {
	l.areas = append(l.areas, Area{})
	copy(l.areas[i+1:], l.areas[i:])
	l.areas[i] = pma
}

// mergeAt attempts to coalesce the area at index i with its left and
// right neighbours if their Prop is bitwise equal, per the ledger's
// eager-coalescing invariant.
func (l *Ledger) mergeAt(i int) {
	if i+1 < len(l.areas) && l.areas[i].Prop == l.areas[i+1].Prop {
		l.areas[i].End = l.areas[i+1].End
		l.areas = append(l.areas[:i+1], l.areas[i+2:]...)
	}
	if i > 0 && l.areas[i-1].Prop == l.areas[i].Prop {
		l.areas[i-1].End = l.areas[i].End
		l.areas = append(l.areas[:i], l.areas[i+1:]...)
	}
}

// InsertPage is a thin wrapper over Insert using a page-sized range
// starting at addr. Callers must hold the writer lock.
func (l *Ledger) InsertPage(addr uintptr, prop Prop) (Prop, error) {
	start := pagesize.Align(addr)
	return l.Insert(Area{Start: start, End: start + pagesize.Size, Prop: prop})
}

// IterPmas calls fn for every area in the ledger in ascending Start
// order, for auditing. Callers must hold at least the reader lock.
// fn must not mutate the ledger.
func (l *Ledger) IterPmas(fn func(Area)) {
	for _, a := range l.areas {
		fn(a)
	}
}

// Areas returns a copy of the ledger's areas in order, for tests and
// auditing that need a snapshot rather than a callback.
func (l *Ledger) Areas() []Area {
	out := make([]Area, len(l.areas))
	copy(out, l.areas)
	return out
}

// CheckInvariants verifies disjointness, completeness, and
// no-adjacent-equal-props over the ledger, the three structural
// invariants every reachable state must hold. It is intended for
// test use.
func (l *Ledger) CheckInvariants(totalSize uintptr) error {
	if len(l.areas) == 0 {
		return fmt.Errorf("pma: empty ledger")
	}
	if l.areas[0].Start != 0 {
		return fmt.Errorf("pma: ledger does not start at 0")
	}
	for i, a := range l.areas {
		if a.Start >= a.End {
			return fmt.Errorf("pma: area %d is empty or inverted: [%#x,%#x)", i, a.Start, a.End)
		}
		if i+1 < len(l.areas) {
			n := l.areas[i+1]
			if a.End != n.Start {
				return fmt.Errorf("pma: gap or overlap between area %d [%#x,%#x) and %d [%#x,%#x)", i, a.Start, a.End, i+1, n.Start, n.End)
			}
			if a.Prop == n.Prop {
				return fmt.Errorf("pma: adjacent areas %d and %d share prop %v, should have coalesced", i, i+1, a.Prop)
			}
		}
	}
	if last := l.areas[len(l.areas)-1]; last.End != totalSize {
		return fmt.Errorf("pma: ledger ends at %#x, want %#x", last.End, totalSize)
	}
	return nil
}
