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

// Package hart implements per-CPU state (C3) and CLINT-based
// inter-hart synchronization (C9). Each hart has its own trap frame,
// scratch buffer, and pending-ops cell; only the PMA ledger (pkg/pma)
// is truly shared across harts.
package hart

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/lattice-sm/monitor/pkg/pma"
)

// MaxHarts bounds concurrency: up to this many harts execute
// concurrently.
const MaxHarts = 16

// ScratchCapacity sizes the fixed-capacity scratch buffer the fault
// resolver collects a fault's PMAs into, reused across faults on this
// hart instead of a fresh slice each time. The encoder does not use
// it, and the resolver's other steps (the translated-mode walk, the
// union with the installed PMPs, dedup and encode) still allocate on
// every fault.
const ScratchCapacity = 16

// PendingOps is written by other harts and consumed by the target hart
// when it takes a machine-software-interrupt.
type PendingOps struct {
	CleanPmp bool
}

// State is the per-hart record. PrivEnclave is zero when the hart is
// running normal-world code.
type State struct {
	ID int

	// PrivEnclave is the physical address of the currently-executing
	// enclave's metadata frame, or 0 if none (normal world).
	PrivEnclave uintptr

	// Scratch is reused by the fault resolver across fault handling
	// calls (see ScratchCapacity).
	Scratch  [ScratchCapacity]pma.Area
	nScratch int

	// InstalledPMP is the live PMP configuration on this hart, read
	// back by the fault resolver's union step.
	InstalledPMP []pma.Area

	// HostPMPCache is a copy of the last PMP configuration the fault
	// resolver installed for the host. Nothing copies it back into
	// InstalledPMP when the hart returns from an enclave.
	HostPMPCache []pma.Area

	pending    atomic.Pointer[PendingOps]
	msiPending atomic.Bool
}

// ResetScratch empties the scratch buffer without deallocating it.
func (s *State) ResetScratch() { s.nScratch = 0 }

// PushScratch appends a to the scratch buffer. It panics on overflow:
// callers in the trap path must never exceed ScratchCapacity, which
// the resolver's design guarantees by constraining how many
// page-table levels and leaves a single fault can touch.
func (s *State) PushScratch(a pma.Area) {
	if s.nScratch >= len(s.Scratch) {
		panic("hart: scratch buffer overflow")
	}
	s.Scratch[s.nScratch] = a
	s.nScratch++
}

// ScratchSlice returns the in-use prefix of the scratch buffer.
func (s *State) ScratchSlice() []pma.Area {
	return s.Scratch[:s.nScratch]
}

// InEnclave reports whether this hart currently has an enclave bound.
func (s *State) InEnclave() bool { return s.PrivEnclave != 0 }

// Clint is the simulated core-local interruptor: the memory-mapped
// device used for inter-hart software interrupts.
type Clint struct {
	Base uintptr
}

// Cluster owns every hart's State and the shared Clint, initialized
// together during the cold-boot sequence.
type Cluster struct {
	Clint Clint
	harts []*State
}

// NewCluster allocates n harts (n must be 1..=MaxHarts) and their
// shared CLINT.
func NewCluster(n int, clintBase uintptr) (*Cluster, error) {
	if n <= 0 || n > MaxHarts {
		return nil, fmt.Errorf("hart: invalid hart count %d (max %d)", n, MaxHarts)
	}
	c := &Cluster{Clint: Clint{Base: clintBase}, harts: make([]*State, n)}
	for i := range c.harts {
		c.harts[i] = &State{ID: i}
	}
	return c, nil
}

// Count returns the number of harts in the cluster.
func (c *Cluster) Count() int { return len(c.harts) }

// Hart returns the State for hart id, or nil if out of range.
func (c *Cluster) Hart(id int) *State {
	if id < 0 || id >= len(c.harts) {
		return nil
	}
	return c.harts[id]
}

// SendOps stores ops into target's pending cell and raises its
// simulated machine-software-interrupt.
func (c *Cluster) SendOps(target int, ops PendingOps) error {
	h := c.Hart(target)
	if h == nil {
		return fmt.Errorf("hart: no such hart %d", target)
	}
	opsCopy := ops
	h.pending.Store(&opsCopy)
	h.msiPending.Store(true)
	return nil
}

// TakeMSI is called by a hart taking its own machine-software
// interrupt: it atomically swaps out the pending-ops cell, runs
// CleanPmp if requested, and clears the MSI.
func (s *State) TakeMSI(cleanPmp func()) {
	ops := s.pending.Swap(nil)
	if ops != nil && ops.CleanPmp && cleanPmp != nil {
		cleanPmp()
	}
	s.msiPending.Store(false)
}

// MSIPending reports whether this hart has an outstanding simulated
// MSI, used by tests and by BroadcastCleanPmp's spin loop below.
func (s *State) MSIPending() bool { return s.msiPending.Load() }

// BroadcastCleanPmp sends {CleanPmp: true} to every hart in the
// cluster except except, and spin-waits for each target to clear its
// pending-ops flag before returning: no hart proceeds past a ledger
// update until cross-hart clean_pmp MSIs are observed-and-cleared by
// their targets. It uses golang.org/x/sync/errgroup to fan the sends
// out concurrently; in the real monitor this would instead be N
// CLINT MSI writes issued back-to-back, but the wait discipline is
// identical.
func (c *Cluster) BroadcastCleanPmp(ctx context.Context, except int, takeFn func(target int)) error {
	var g errgroup.Group
	for i := range c.harts {
		if i == except {
			continue
		}
		i := i
		g.Go(func() error {
			if err := c.SendOps(i, PendingOps{CleanPmp: true}); err != nil {
				return err
			}
			// Spin-read the target's ops cell until cleared. This is
			// correct because MSIs are edge-triggered and delivered
			// in-order per pair of harts.
			for c.Hart(i).MSIPending() {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				if takeFn != nil {
					takeFn(i)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// cleanLocal is a convenience used by the enclave builder to also run
// clean_pmp on the calling hart itself after broadcasting to the rest
// of the cluster.
func (s *State) cleanLocal(cleanPmp func()) {
	if cleanPmp != nil {
		cleanPmp()
	}
}

// CleanLocal exposes cleanLocal.
func (s *State) CleanLocal(cleanPmp func()) { s.cleanLocal(cleanPmp) }
