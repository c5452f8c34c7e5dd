// Command kernel is the boot orchestrator (spec component C18): it
// wires one of each C1-C17 component together from a config.BootConfig
// and runs the simulated single hart. The hart-loop/timer-loop split
// coordinated by golang.org/x/sync/errgroup is grounded on the pack's
// tinyrange-cc cmd/*, which run a VM loop and a supporting goroutine
// side by side and tear both down on the first error; here the "VM
// loop" is trap.Dispatcher.Dispatch fed a synthetic instruction
// stream, and the supporting goroutine advances the firmware's
// free-running clock instead of a real timer interrupt source.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ilo/aspace"
	"ilo/captbl"
	"ilo/clock"
	"ilo/config"
	"ilo/defs"
	"ilo/fdt"
	"ilo/frame"
	"ilo/ipc"
	"ilo/limits"
	"ilo/loader"
	"ilo/profiling"
	"ilo/ptable"
	"ilo/sbi"
	"ilo/sched"
	"ilo/task"
	"ilo/trap"
)

// Machine owns one instance of every kernel component and the single
// mutex that stands in for "only one hart has the kernel locked at a
// time" (spec.md §5's SMP hook, realized at the host level since this
// repository simulates the hart rather than driving real hardware).
type Machine struct {
	cfg   *config.BootConfig
	fw    *sbi.Sim
	alloc *frame.Allocator
	caps  *captbl.Table
	tasks *task.Table
	ipc   *ipc.Engine
	clk   *clock.Clock
	sched *sched.Scheduler
	trapD *trap.Dispatcher
	dt    fdt.DeviceTree
	rd    loader.Ramdisk

	mu sync.Mutex /* hart-local: serializes every call into trap.Dispatch */

	tickEvery time.Duration
}

// NewMachine builds a Machine from cfg, a device tree, and a ramdisk
// (both narrow collaborator interfaces per spec.md §1's scope cuts —
// this repository never parses a real FDT blob or ELF-adjacent image
// format beyond loader.ParseFlat's minimal reader).
func NewMachine(cfg *config.BootConfig, dt fdt.DeviceTree, rd loader.Ramdisk) (*Machine, error) {
	if err := cfg.Validate(); err != 0 {
		return nil, fmt.Errorf("kernel: invalid boot config: %v", err)
	}

	fw := sbi.NewSim()
	alloc := frame.New(0, cfg.MaxFrames)
	kernelRoot, err := ptable.NewRoot(alloc)
	if err != 0 {
		return nil, fmt.Errorf("kernel: allocating kernel page table: %v", err)
	}
	tasks := task.NewTable(cfg.MaxTasks)
	caps := captbl.New(64)
	engine := ipc.NewEngine(tasks, alloc, cfg.QueueDepth)
	timebase := dt.TimebaseFrequency()
	quantumTicks := cfg.QuantumMicros * timebase / 1_000_000
	clk := clock.New(fw, timebase, quantumTicks)
	scheduler := sched.New(tasks, engine, clk)

	sys := limits.NewSystem(int64(cfg.MaxTasks), int64(cfg.QueueDepth*cfg.MaxTasks), int64(cfg.MaxCaps))
	engine.SetBudget(sys.Queues)

	disp := &trap.Dispatcher{
		Tasks:  tasks,
		Sched:  scheduler,
		IPC:    engine,
		Alloc:  alloc,
		Clock:  clk,
		Caps:   caps,
		FW:     fw,
		Root:   kernelRoot,
		Limits: sys,
	}

	m := &Machine{
		cfg:       cfg,
		fw:        fw,
		alloc:     alloc,
		caps:      caps,
		tasks:     tasks,
		ipc:       engine,
		clk:       clk,
		sched:     scheduler,
		trapD:     disp,
		dt:        dt,
		rd:        rd,
		tickEvery: time.Millisecond,
	}
	return m, nil
}

// BootInitd loads name out of the ramdisk, maps it into a fresh
// address space, sets up its stack with argv, and installs it as pid
// 0 — the one task every other task is eventually descended from, per
// spec.md §4.5.
func (m *Machine) BootInitd(name string, argv []string) (int32, error) {
	raw, ok := m.rd.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("kernel: ramdisk has no entry %q", name)
	}
	img, err := loader.ParseFlat(raw)
	if err != nil {
		return 0, fmt.Errorf("kernel: parsing %q: %w", name, err)
	}
	as, aerr := aspace.New(m.alloc, m.trapD.Root)
	if aerr != 0 {
		return 0, fmt.Errorf("kernel: building address space: %v", aerr)
	}
	if aerr := as.LoadImage(*img); aerr != 0 {
		return 0, fmt.Errorf("kernel: loading image: %v", aerr)
	}
	sp, _, aerr := as.SetupStack(m.cfg.StackPages, argv)
	if aerr != 0 {
		return 0, fmt.Errorf("kernel: setting up stack: %v", aerr)
	}
	pid, terr := m.tasks.SpawnFromImage(name, 0, -1, as, img.Entry, sp, true)
	if terr != 0 {
		return 0, fmt.Errorf("kernel: spawning initd: %v", terr)
	}
	m.sched.PushReady(pid)
	m.clk.ArmNextQuantum()
	return pid, nil
}

// Run drives the hart loop and the timer loop concurrently until ctx
// is cancelled or either goroutine returns an error, per spec.md §5's
// single-hart invariant realized as "one goroutine at a time inside
// trap.Dispatch," enforced by Machine.mu rather than by there only
// being one goroutine at the host level.
func (m *Machine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return m.hartLoop(gctx) })
	g.Go(func() error { return m.timerLoop(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// hartLoop steps whichever task the scheduler currently has running,
// synthesizing an ecall cause for it once per iteration (there is no
// real decoded instruction stream in this simulation; a real port
// would decode scause out of hardware instead). An idle hart (no
// runnable task) spins gently on a short sleep rather than busy-looping.
func (m *Machine) hartLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		m.mu.Lock()
		pid, ok := m.sched.Current()
		if !ok {
			m.mu.Unlock()
			time.Sleep(m.tickEvery)
			continue
		}
		m.trapD.Dispatch(pid, trap.Cause{Interrupt: false, Code: trap.ExcEnvCallFromUser})
		m.mu.Unlock()
		time.Sleep(m.tickEvery)
	}
}

// timerLoop advances the simulated firmware clock and, once the
// programmed quantum deadline passes, delivers a timer interrupt
// through the same Dispatch entry point the hart loop uses — spec.md
// §4.10's "on tick: schedule one quantum ahead" realized as the only
// other source of Dispatch calls, serialized against hartLoop by mu.
func (m *Machine) timerLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.tickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.mu.Lock()
			fired := m.fw.Advance(m.clk.QuantumTicks())
			if fired {
				pid, _ := m.sched.Current()
				m.trapD.Dispatch(pid, trap.Cause{Interrupt: true, Code: trap.IntTimer})
			}
			m.mu.Unlock()
		}
	}
}

// ProfileSnapshot answers the D_PROF device: a pprof-format dump of
// frame ownership across every live task (spec component C17).
func (m *Machine) ProfileSnapshot() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return profiling.Snapshot(m.tasks)
}

func main() {
	configPath := flag.String("config", "", "path to a boot_config.yaml; defaults applied when empty")
	initdName := flag.String("initd", "initd", "ramdisk entry to boot as pid 0")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("loading boot config", "err", err)
		os.Exit(1)
	}

	dt := fdt.Static{
		Base:      0x8000_0000,
		Size:      cfg.RAMBytes,
		Timebase:  10_000_000,
		AddrCells: 2,
		SizeCells: 2,
	}

	rd := loader.MapRamdisk{}

	m, err := NewMachine(cfg, dt, rd)
	if err != nil {
		logger.Error("building machine", "err", err)
		os.Exit(1)
	}

	if len(rd) > 0 {
		if _, err := m.BootInitd(*initdName, nil); err != nil {
			logger.Error("booting initd", "err", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("no ramdisk supplied; machine built with no initd task", "prof_device", defs.D_PROF)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Run(ctx); err != nil {
		logger.Error("machine run", "err", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.BootConfig, error) {
	if path == "" {
		return config.Load(strings.NewReader(""))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return config.Load(f)
}
