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

// Package fault implements the access-fault resolver (C5): on every
// PMP fault it walks the faulting supervisor's page table, collects
// the physical areas that must be admitted, verifies ownership, and
// asks pkg/pmp to program a new PMP configuration. This is the
// isolation guarantee: the resolver refuses to admit a PMA whose
// owner is neither the current context nor EVERYONE.
package fault

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/lattice-sm/monitor/pkg/hart"
	"github.com/lattice-sm/monitor/pkg/pma"
	"github.com/lattice-sm/monitor/pkg/pmp"
	"github.com/lattice-sm/monitor/pkg/smerr"
	"github.com/lattice-sm/monitor/pkg/vm"
)

var log = logrus.WithField("subsys", "fault")

// FaultInfo is the subset of trap state the resolver needs at the
// faulting moment: mepc, mtval, and the faulting context's
// translation mode and page table. The faulting context's id is passed
// to Resolve separately.
type FaultInfo struct {
	MEPC     uintptr
	MTval    uintptr
	SatpMode vm.SatpMode
	PT       *vm.PageTable // nil when SatpMode == vm.Bare
}

// ViolationPolicy decides what happens when an ownership check fails.
// The security invariant (must refuse) is fixed; recovery (panic vs.
// redirect to supervisor) is left as an implementation choice.
type ViolationPolicy int

const (
	// PolicyPanic aborts the monitor immediately (debug builds).
	PolicyPanic ViolationPolicy = iota

	// PolicyForward reports failure to the caller; the trap proxy then
	// continues the trap to the SBI firmware (release builds).
	PolicyForward
)

// Resolver implements C5 against one shared PMA ledger and a
// per-hart budget of PMP registers.
type Resolver struct {
	Ledger  *pma.Ledger
	Budget  int
	Policy  ViolationPolicy
	HostCtx pma.EnclaveID // the id meaning "normal world", pma.Host
}

// New creates a Resolver with the caller's PMP budget and violation
// policy; neither is defaulted (pkg/monitor passes a 16-entry budget).
func New(ledger *pma.Ledger, budget int, policy ViolationPolicy) *Resolver {
	return &Resolver{Ledger: ledger, Budget: budget, Policy: policy, HostCtx: pma.Host}
}

// Resolve runs the six-step fault-resolution algorithm and returns
// whether the fault was satisfied (the frame's pending access should
// now succeed on retry). h is mutated: its scratch buffer is reset and
// reused, and its InstalledPMP (and, for HOST, HostPMPCache) are
// updated to the new configuration.
func (r *Resolver) Resolve(info FaultInfo, h *hart.State, who pma.EnclaveID) (bool, error) {
	h.ResetScratch()

	// Step 2/3: collect the PMAs that must be admitted.
	if info.SatpMode == vm.Bare {
		if err := r.collectBare(info, h); err != nil {
			return r.handleError(err)
		}
	} else {
		if err := r.collectTranslated(info, h); err != nil {
			return r.handleError(err)
		}
	}

	// Step 4: verify ownership of every collected PMA.
	for _, a := range h.ScratchSlice() {
		owner := a.Prop.Owner()
		if owner != who && owner != pma.Everyone {
			err := smerr.WithOwnershipViolation(a.Start, uint64(who), uint64(owner))
			return r.handleError(err)
		}
	}

	// Step 5: union with the currently-installed PMAs, clipped to
	// budget, and invoke the encoder.
	needed := append([]pma.Area(nil), h.InstalledPMP...)
	needed = append(needed, h.ScratchSlice()...)
	needed = dedupAreas(needed)
	entries := pmp.Encode(needed, r.Budget)

	// Step 6: flush CSRs (simulated: store into the hart's installed
	// config) and, for HOST, refresh the restorable cache.
	installed := make([]pma.Area, 0, len(entries))
	for _, e := range entries {
		if e.Mode == pmp.Off {
			continue
		}
		installed = append(installed, pma.Area{Start: e.Start, End: e.End, Prop: pma.NewProp(who, e.Permission)})
	}
	h.InstalledPMP = installed
	if who == r.HostCtx {
		h.HostPMPCache = append([]pma.Area(nil), installed...)
	}

	log.WithFields(logrus.Fields{
		"who":      who,
		"mepc":     fmt.Sprintf("%#x", info.MEPC),
		"mtval":    fmt.Sprintf("%#x", info.MTval),
		"admitted": len(installed),
	}).Debug("fault resolved")
	return true, nil
}

func (r *Resolver) collectBare(info FaultInfo, h *hart.State) error {
	h.PushScratch(r.Ledger.LookupLocked(info.MEPC))
	if info.MTval != info.MEPC {
		h.PushScratch(r.Ledger.LookupLocked(info.MTval))
	}
	return nil
}

func (r *Resolver) collectTranslated(info FaultInfo, h *hart.State) error {
	addrs := []uintptr{info.MEPC}
	if info.MTval != info.MEPC {
		addrs = append(addrs, info.MTval)
	}
	seen := make(map[uintptr]bool)
	for _, va := range addrs {
		res, err := info.PT.Translate(va)
		if err != nil {
			return err
		}
		for _, frame := range res.Frames {
			if seen[frame] {
				continue
			}
			seen[frame] = true
			h.PushScratch(r.Ledger.LookupLocked(frame))
		}
		if !seen[res.Leaf] {
			seen[res.Leaf] = true
			h.PushScratch(r.Ledger.LookupLocked(res.Leaf))
		}
	}
	return nil
}

func (r *Resolver) handleError(err error) (bool, error) {
	if r.Policy == PolicyPanic {
		panic(err)
	}
	log.WithError(err).Warn("fault resolution failed")
	return false, err
}

// dedupAreas removes exact duplicates while preserving order.
// Duplicates are merged by flagging the need for wider coverage; here
// "merged" means deduplicated, since pmp.Encode treats each entry
// independently.
func dedupAreas(areas []pma.Area) []pma.Area {
	seen := make(map[pma.Area]bool, len(areas))
	out := make([]pma.Area, 0, len(areas))
	for _, a := range areas {
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}
