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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/lattice-sm/monitor/pkg/boardcfg"
	"github.com/lattice-sm/monitor/pkg/enclave"
	"github.com/lattice-sm/monitor/pkg/fault"
	"github.com/lattice-sm/monitor/pkg/monitor"
	"github.com/lattice-sm/monitor/pkg/physmem"
	"github.com/lattice-sm/monitor/pkg/pma"
	"github.com/lattice-sm/monitor/pkg/sbi"
	"github.com/lattice-sm/monitor/pkg/vm"
)

var log = logrus.WithField("subsys", "smctl")

// machine bundles the flags every subcommand needs to locate the three
// files that stand in for a persistent machine across one-shot CLI
// invocations: the board description, the simulated DRAM image, and
// the ledger/enclave/hart snapshot.
type machine struct {
	board string
	mem   string
	state string
}

func (m *machine) setFlags(f *flag.FlagSet) {
	f.StringVar(&m.board, "board", "board.toml", "path to the board configuration (TOML)")
	f.StringVar(&m.mem, "mem", "smctl.mem", "path to the backing file for simulated physical memory")
	f.StringVar(&m.state, "state", "smctl.state.json", "path to the ledger/enclave/hart state snapshot")
}

// arenaSpan returns the [base, base+size) range that spans every
// configured DRAM region, mirroring how the monitor's own tests size
// an Arena from a board's memory map. CLINT and UART are MMIO windows
// the ledger tracks ownership of but that never back an enclave's
// donated memory, so the arena itself need not cover them.
func arenaSpan(board *boardcfg.Board) (base, size uintptr) {
	lo := board.Memory[0].Start
	hi := board.Memory[0].Start + board.Memory[0].Size
	for _, r := range board.Memory[1:] {
		if r.Start < lo {
			lo = r.Start
		}
		if e := r.Start + r.Size; e > hi {
			hi = e
		}
	}
	return uintptr(lo), uintptr(hi - lo)
}

// open loads the board file, maps the backing memory file, builds a
// fresh Monitor, and replays the saved snapshot on top of it. hostPT
// always reports an identity-mapped (Bare) host, since smctl drives
// the monitor directly rather than through a real supervisor.
func (m *machine) open() (*monitor.Monitor, error) {
	text, err := os.ReadFile(m.board)
	if err != nil {
		return nil, fmt.Errorf("smctl: reading board file %s: %w", m.board, err)
	}
	board, err := boardcfg.Load(string(text))
	if err != nil {
		return nil, fmt.Errorf("smctl: %w", err)
	}
	base, size := arenaSpan(board)
	arena, err := physmem.NewFile(m.mem, base, size)
	if err != nil {
		return nil, fmt.Errorf("smctl: %w", err)
	}
	hostPT := func(int) (*vm.PageTable, vm.SatpMode) { return nil, vm.Bare }
	mon, err := monitor.New(board, arena, hostPT, fault.PolicyForward)
	if err != nil {
		arena.Close()
		return nil, fmt.Errorf("smctl: %w", err)
	}
	if err := loadSnapshot(m.state, mon); err != nil {
		arena.Close()
		return nil, err
	}
	return mon, nil
}

// close persists mon's current state and releases its memory mapping.
func (m *machine) close(mon *monitor.Monitor) error {
	defer mon.Arena.Close()
	return saveSnapshot(m.state, mon, mon.Board.HartCount)
}

func fail(err error) subcommands.ExitStatus {
	fmt.Fprintln(os.Stderr, err)
	return subcommands.ExitFailure
}

// bootCommand runs the cold-boot sequence against a fresh machine:
// it carves the CLINT and UART windows out as M-only and writes the
// initial state snapshot that every later subcommand builds on.
type bootCommand struct {
	machine
}

func (*bootCommand) Name() string     { return "boot" }
func (*bootCommand) Synopsis() string { return "cold-boot a monitor from a board configuration" }
func (*bootCommand) Usage() string {
	return "boot -board <file> [-mem <file>] [-state <file>]\n"
}
func (c *bootCommand) SetFlags(f *flag.FlagSet) { c.setFlags(f) }

func (c *bootCommand) Execute(context.Context, *flag.FlagSet, ...interface{}) subcommands.ExitStatus {
	text, err := os.ReadFile(c.board)
	if err != nil {
		return fail(fmt.Errorf("smctl: reading board file %s: %w", c.board, err))
	}
	board, err := boardcfg.Load(string(text))
	if err != nil {
		return fail(fmt.Errorf("smctl: %w", err))
	}
	if _, err := os.Stat(c.mem); err == nil {
		log.WithField("path", c.mem).Warn("overwriting existing memory image")
	}
	base, size := arenaSpan(board)
	arena, err := physmem.NewFile(c.mem, base, size)
	if err != nil {
		return fail(fmt.Errorf("smctl: %w", err))
	}
	defer arena.Close()

	hostPT := func(int) (*vm.PageTable, vm.SatpMode) { return nil, vm.Bare }
	mon, err := monitor.New(board, arena, hostPT, fault.PolicyForward)
	if err != nil {
		return fail(fmt.Errorf("smctl: %w", err))
	}

	reservations := []monitor.Reservation{
		{Name: "clint", Start: uintptr(board.ClintBase), Size: uintptr(board.ClintSize)},
		{Name: "uart", Start: uintptr(board.UartBase), Size: uintptr(board.UartSize)},
	}
	sbiTrap := func(frame *sbi.TrapFrame) {
		log.WithField("mcause", frame.MCause).Warn("trap fell through to firmware; no firmware wired")
	}
	if err := mon.ColdBoot(reservations, sbiTrap); err != nil {
		return fail(err)
	}
	for i := 0; i < board.HartCount; i++ {
		if err := mon.WarmBoot(i); err != nil {
			return fail(err)
		}
	}
	if err := saveSnapshot(c.state, mon, board.HartCount); err != nil {
		return fail(err)
	}
	fmt.Printf("booted %d hart(s), %d byte arena, state written to %s\n", board.HartCount, arena.Size(), c.state)
	return subcommands.ExitSuccess
}

// rangeFlags holds the five physical ranges a LueInfo blob carries,
// exposed as command-line flags since smctl has no real host virtual
// address space to resolve them from.
type rangeFlags struct {
	memStart, memSize       uint64
	rtStart, rtSize         uint64
	binStart, binSize       uint64
	sharedStart, sharedSize uint64
	unusedStart, unusedSize uint64
}

func (r *rangeFlags) setFlags(f *flag.FlagSet) {
	f.Uint64Var(&r.memStart, "mem-start", 0, "physical start of the enclave's donated memory")
	f.Uint64Var(&r.memSize, "mem-size", 0, "size of the enclave's donated memory")
	f.Uint64Var(&r.rtStart, "rt-start", 0, "physical start of the runtime image")
	f.Uint64Var(&r.rtSize, "rt-size", 0, "size of the runtime image")
	f.Uint64Var(&r.binStart, "bin-start", 0, "physical start of the enclave binary")
	f.Uint64Var(&r.binSize, "bin-size", 0, "size of the enclave binary")
	f.Uint64Var(&r.sharedStart, "shared-start", 0, "physical start of the shared region (0 to omit)")
	f.Uint64Var(&r.sharedSize, "shared-size", 0, "size of the shared region")
	f.Uint64Var(&r.unusedStart, "unused-start", 0, "physical start of the scratch region used to build page tables")
	f.Uint64Var(&r.unusedSize, "unused-size", 0, "size of the scratch region")
}

func (r *rangeFlags) lueInfo() enclave.LueInfo {
	return enclave.LueInfo{
		Mem:    enclave.PhysRange{Start: uintptr(r.memStart), Size: uintptr(r.memSize)},
		Rt:     enclave.PhysRange{Start: uintptr(r.rtStart), Size: uintptr(r.rtSize)},
		Bin:    enclave.PhysRange{Start: uintptr(r.binStart), Size: uintptr(r.binSize)},
		Shared: enclave.PhysRange{Start: uintptr(r.sharedStart), Size: uintptr(r.sharedSize)},
		Unused: enclave.PhysRange{Start: uintptr(r.unusedStart), Size: uintptr(r.unusedSize)},
	}
}

// createCommand runs the enclave creation sequence: it carves the
// ledger, builds the page table, and registers the new enclave.
type createCommand struct {
	machine
	rangeFlags
	kind string
	hart int
}

func (*createCommand) Name() string     { return "create" }
func (*createCommand) Synopsis() string { return "create a user or service enclave" }
func (*createCommand) Usage() string {
	return "create -kind {user|service} -mem-start <addr> -mem-size <bytes> ... \n"
}

func (c *createCommand) SetFlags(f *flag.FlagSet) {
	c.machine.setFlags(f)
	c.rangeFlags.setFlags(f)
	f.StringVar(&c.kind, "kind", "user", "enclave kind: user or service")
	f.IntVar(&c.hart, "hart", 0, "hart issuing the create call")
}

func (c *createCommand) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	mon, err := c.open()
	if err != nil {
		return fail(err)
	}
	defer func() {
		if cerr := c.close(mon); cerr != nil {
			fmt.Fprintln(os.Stderr, cerr)
		}
	}()

	info := c.lueInfo()
	var e *enclave.Enclave
	switch c.kind {
	case "user":
		e, err = mon.Builder.CreateUser(ctx, info, c.hart)
	case "service":
		e, err = mon.Builder.CreateService(ctx, info, c.hart)
	default:
		return fail(fmt.Errorf("smctl: unknown enclave kind %q", c.kind))
	}
	if err != nil {
		return fail(fmt.Errorf("smctl: create: %w", err))
	}
	fmt.Printf("created enclave id=%d kind=%s meta_addr=%#x\n", e.ID, e.Kind, e.MetaAddr)
	return subcommands.ExitSuccess
}

// launchCommand binds an existing enclave to a hart and reports the
// entry point the hart should jump to.
type launchCommand struct {
	machine
	id   uint64
	hart int
}

func (*launchCommand) Name() string     { return "launch" }
func (*launchCommand) Synopsis() string { return "launch an enclave on a hart" }
func (*launchCommand) Usage() string    { return "launch -id <enclave-id> -hart <n>\n" }

func (c *launchCommand) SetFlags(f *flag.FlagSet) {
	c.machine.setFlags(f)
	f.Uint64Var(&c.id, "id", 0, "enclave id to launch")
	f.IntVar(&c.hart, "hart", 0, "hart to bind the enclave to")
}

func (c *launchCommand) Execute(context.Context, *flag.FlagSet, ...interface{}) subcommands.ExitStatus {
	mon, err := c.open()
	if err != nil {
		return fail(err)
	}
	defer func() {
		if cerr := c.close(mon); cerr != nil {
			fmt.Fprintln(os.Stderr, cerr)
		}
	}()

	e, ok := mon.Manager.Get(pma.EnclaveID(c.id))
	if !ok {
		return fail(fmt.Errorf("smctl: no such enclave %d", c.id))
	}
	h := mon.Harts.Hart(c.hart)
	if h == nil {
		return fail(fmt.Errorf("smctl: no such hart %d", c.hart))
	}
	entry, err := e.Launch(h, enclave.RegContext{})
	if err != nil {
		return fail(fmt.Errorf("smctl: launch: %w", err))
	}
	fmt.Printf("launched enclave %d on hart %d: entry=%#x satp=%#x bootargs=%#x\n", c.id, c.hart, entry, e.Satp, e.BootArgsAddr)
	return subcommands.ExitSuccess
}

// pauseCommand simulates the enclave issuing the PAUSE ecall: it saves
// the enclave's current register context and restores the host's.
type pauseCommand struct {
	machine
	id     uint64
	hart   int
	retval uint64
}

func (*pauseCommand) Name() string     { return "pause" }
func (*pauseCommand) Synopsis() string { return "pause a running enclave, returning control to the host" }
func (*pauseCommand) Usage() string    { return "pause -id <enclave-id> -hart <n> [-retval <v>]\n" }

func (c *pauseCommand) SetFlags(f *flag.FlagSet) {
	c.machine.setFlags(f)
	f.Uint64Var(&c.id, "id", 0, "enclave id to pause")
	f.IntVar(&c.hart, "hart", 0, "hart the enclave is bound to")
	f.Uint64Var(&c.retval, "retval", 0, "value the host's PAUSE-call return should see")
}

func (c *pauseCommand) Execute(context.Context, *flag.FlagSet, ...interface{}) subcommands.ExitStatus {
	mon, err := c.open()
	if err != nil {
		return fail(err)
	}
	defer func() {
		if cerr := c.close(mon); cerr != nil {
			fmt.Fprintln(os.Stderr, cerr)
		}
	}()

	e, ok := mon.Manager.Get(pma.EnclaveID(c.id))
	if !ok {
		return fail(fmt.Errorf("smctl: no such enclave %d", c.id))
	}
	h := mon.Harts.Hart(c.hart)
	if h == nil {
		return fail(fmt.Errorf("smctl: no such hart %d", c.hart))
	}
	if h.PrivEnclave != e.MetaAddr {
		return fail(fmt.Errorf("smctl: hart %d is not bound to enclave %d", c.hart, c.id))
	}
	hostCtx, rv := e.Pause(h, enclave.RegContext{}, c.retval)
	fmt.Printf("paused enclave %d: retval=%d host_sepc=%#x\n", c.id, rv, hostCtx.Sepc)
	return subcommands.ExitSuccess
}

// resumeCommand is the inverse of pauseCommand: it rebinds the enclave
// to a hart and restores its cached PMP configuration.
type resumeCommand struct {
	machine
	id   uint64
	hart int
}

func (*resumeCommand) Name() string     { return "resume" }
func (*resumeCommand) Synopsis() string { return "resume a paused enclave on a hart" }
func (*resumeCommand) Usage() string    { return "resume -id <enclave-id> -hart <n>\n" }

func (c *resumeCommand) SetFlags(f *flag.FlagSet) {
	c.machine.setFlags(f)
	f.Uint64Var(&c.id, "id", 0, "enclave id to resume")
	f.IntVar(&c.hart, "hart", 0, "hart to rebind the enclave to")
}

func (c *resumeCommand) Execute(context.Context, *flag.FlagSet, ...interface{}) subcommands.ExitStatus {
	mon, err := c.open()
	if err != nil {
		return fail(err)
	}
	defer func() {
		if cerr := c.close(mon); cerr != nil {
			fmt.Fprintln(os.Stderr, cerr)
		}
	}()

	e, ok := mon.Manager.Get(pma.EnclaveID(c.id))
	if !ok {
		return fail(fmt.Errorf("smctl: no such enclave %d", c.id))
	}
	h := mon.Harts.Hart(c.hart)
	if h == nil {
		return fail(fmt.Errorf("smctl: no such hart %d", c.hart))
	}
	if h.InEnclave() {
		return fail(fmt.Errorf("smctl: hart %d already bound to an enclave", c.hart))
	}
	encCtx := e.Resume(h, enclave.RegContext{})
	fmt.Printf("resumed enclave %d on hart %d: enc_sepc=%#x\n", c.id, c.hart, encCtx.Sepc)
	return subcommands.ExitSuccess
}

// destroyCommand tears an enclave down, zeroing and returning its
// pages to HOST.
type destroyCommand struct {
	machine
	id uint64
}

func (*destroyCommand) Name() string     { return "destroy" }
func (*destroyCommand) Synopsis() string { return "destroy an enclave and reclaim its memory" }
func (*destroyCommand) Usage() string    { return "destroy -id <enclave-id>\n" }

func (c *destroyCommand) SetFlags(f *flag.FlagSet) {
	c.machine.setFlags(f)
	f.Uint64Var(&c.id, "id", 0, "enclave id to destroy")
}

func (c *destroyCommand) Execute(context.Context, *flag.FlagSet, ...interface{}) subcommands.ExitStatus {
	mon, err := c.open()
	if err != nil {
		return fail(err)
	}
	defer func() {
		if cerr := c.close(mon); cerr != nil {
			fmt.Fprintln(os.Stderr, cerr)
		}
	}()

	hostCtx, err := mon.Builder.Destroy(pma.EnclaveID(c.id))
	if err != nil {
		return fail(fmt.Errorf("smctl: destroy: %w", err))
	}
	fmt.Printf("destroyed enclave %d: host_sepc=%#x\n", c.id, hostCtx.Sepc)
	return subcommands.ExitSuccess
}

// inspectCommand prints the current ledger, enclave, and hart state
// without mutating it.
type inspectCommand struct {
	machine
}

func (*inspectCommand) Name() string     { return "inspect" }
func (*inspectCommand) Synopsis() string { return "print the current ledger, enclave, and hart state" }
func (*inspectCommand) Usage() string    { return "inspect\n" }

func (c *inspectCommand) SetFlags(f *flag.FlagSet) { c.setFlags(f) }

func (c *inspectCommand) Execute(context.Context, *flag.FlagSet, ...interface{}) subcommands.ExitStatus {
	mon, err := c.open()
	if err != nil {
		return fail(err)
	}
	defer mon.Arena.Close()

	mon.Ledger.RLock()
	fmt.Println("ledger:")
	for _, a := range mon.Ledger.Areas() {
		fmt.Printf("  [%#x, %#x) owner=%d perm=%v\n", a.Start, a.End, a.Prop.Owner(), a.Prop.Perm())
	}
	mon.Ledger.RUnlock()

	fmt.Println("enclaves:")
	for k := enclave.KindUser; k <= enclave.KindDriver; k++ {
		for _, e := range mon.Manager.ByKind(k) {
			fmt.Printf("  id=%d kind=%s meta_addr=%#x faults=%d\n", e.ID, e.Kind, e.MetaAddr, e.PmpFaultRecord.Total)
			if e.Bin.Size > 0 {
				digest := mon.Arena.Measure(e.Bin.Start, e.Bin.Size)
				fmt.Printf("    bin digest: %x\n", digest)
			}
		}
	}

	fmt.Println("harts:")
	for i := 0; i < mon.Board.HartCount; i++ {
		h := mon.Harts.Hart(i)
		if h == nil {
			continue
		}
		status := "idle"
		if h.InEnclave() {
			if e, ok := mon.Manager.ByMetaAddr(h.PrivEnclave); ok {
				status = fmt.Sprintf("bound to enclave %d", e.ID)
			}
		}
		fmt.Printf("  hart %d: %s, %d PMP entries installed\n", i, status, len(h.InstalledPMP))
	}
	return subcommands.ExitSuccess
}
