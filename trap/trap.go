// Package trap is the kernel's single trap vector and syscall
// dispatcher (spec component C9). Dispatch takes the pid whose
// registers the trap saved and the trap cause, applies the resulting
// state transition to the kernel's tables, and returns the pid to run
// next, per spec.md §4.9's framing of the trap handler as a plain
// state transition rather than anything generator-like. The error
// codes placed in a syscall's a0 on the return path mirror the
// teacher's own `-defs.EFAULT`-style returns, renumbered to the small
// positive wire codes spec.md's syscall table specifies (0/1/2/3 etc.
// rather than Unix-style negative errno); uart_write alone returns the
// negated Err_t on a bad buffer.
package trap

import (
	"log/slog"

	"ilo/aspace"
	"ilo/captbl"
	"ilo/clock"
	"ilo/debugtrace"
	"ilo/defs"
	"ilo/frame"
	"ilo/ipc"
	"ilo/limits"
	"ilo/loader"
	"ilo/mqueue"
	"ilo/ptable"
	"ilo/sbi"
	"ilo/sched"
	"ilo/task"
	"ilo/util"
)

// Cause values, following the standard RISC-V convention: the top bit
// of the full scause register marks an interrupt; the low bits
// distinguish interrupt/exception types. Dispatch's caller is
// expected to pass the already-split (isInterrupt, code) pair via
// Cause.
type Cause struct {
	Interrupt bool
	Code      uint64
}

const (
	IntSoftware = 1
	IntTimer    = 5
	IntExternal = 9

	ExcEnvCallFromUser = 8
)

// Syscall numbers, matching spec.md §4.9's table exactly.
const (
	SysUartWrite           = 0
	SysAllocPage           = 1
	SysPagePerms           = 2
	SysDeallocPage         = 3
	SysGetpid              = 4
	SysGetuid              = 5
	SysSetuid              = 6
	SysSleep               = 7
	SysSpawn               = 8
	SysKill                = 9
	SysSend                = 10
	SysRecv                = 11
	SysLock                = 12
	SysSpawnThread         = 13
	SysSubscribeInterrupt  = 14
	SysAllocPagesPhysical  = 15
)

// Dispatcher wires together every kernel subsystem the trap vector
// touches.
type Dispatcher struct {
	Tasks  *task.Table
	Sched  *sched.Scheduler
	IPC    *ipc.Engine
	Alloc  *frame.Allocator
	Clock  *clock.Clock
	Caps   *captbl.Table
	FW     sbi.Firmware
	Root   ptable.Root    /// kernel root, cloned into every new AddressSpace
	Limits *limits.System /// admission ceilings on the task/capability tables; nil admits unconditionally
}

// admitTask consults the task-table admission ceiling, if one is
// configured. A nil Limits admits unconditionally, matching the
// zero-value Dispatcher tests build when they don't care about
// admission control.
func (d *Dispatcher) admitTask() bool {
	if d.Limits == nil {
		return true
	}
	return d.Limits.Tasks.Take()
}

func (d *Dispatcher) admitCap() bool {
	if d.Limits == nil {
		return true
	}
	return d.Limits.Caps.Take()
}

// releaseTask credits one task-table slot back, mirroring a prior
// admitTask that succeeded.
func (d *Dispatcher) releaseTask() {
	if d.Limits != nil {
		d.Limits.Tasks.Give()
	}
}

// releaseCaps credits n capability-table slots back, n being exactly
// the number captbl.RevokeAllOwnedBy reports as revoked.
func (d *Dispatcher) releaseCaps(n int) {
	if d.Limits != nil && n > 0 {
		d.Limits.Caps.Given(uint(n))
	}
}

// Dispatch handles one trap for pid, the task whose registers were
// just saved. It returns the pid that should run next (which may be
// pid itself, or a task picked by the scheduler after a preemption).
func (d *Dispatcher) Dispatch(pid int32, c Cause) int32 {
	tk := d.Tasks.Get(pid)
	if tk == nil {
		return pid
	}
	if c.Interrupt {
		return d.dispatchInterrupt(pid, c.Code)
	}
	switch c.Code {
	case ExcEnvCallFromUser:
		tk.Regs.PC += 4 // step past the ecall instruction
		d.dispatchSyscall(tk)
		return pid
	default:
		d.fatal(tk, c.Code)
		next, _, ok := d.Sched.Next(d.Clock.Ticks())
		if !ok {
			return pid
		}
		return next
	}
}

func (d *Dispatcher) dispatchInterrupt(pid int32, code uint64) int32 {
	switch code {
	case IntTimer:
		d.Clock.ArmNextQuantum()
		next, _, ok := d.Sched.Next(d.Clock.Ticks())
		if !ok {
			return pid
		}
		return next
	case IntSoftware, IntExternal:
		// no software IPI payload or external device model beyond
		// SendIPI/interrupt-subscription capabilities in this kernel;
		// nothing else to do on the trap path itself.
		return pid
	default:
		return pid
	}
}

// fatal logs a best-effort diagnostic and kills the task, per spec.md
// §4.9: "all other exception causes for now are fatal to the process."
func (d *Dispatcher) fatal(tk *task.Task, cause uint64) {
	var mnemonic string
	if text, ok := tk.AS.TranslateRead(tk.Regs.PC, 4); ok {
		mnemonic = debugtrace.Disassemble(text, tk.Regs.PC)
	} else {
		mnemonic = "<unreadable>"
	}
	slog.Error("fatal exception",
		"task", tk.Pid, "cause", cause, "pc", tk.Regs.PC, "instruction", mnemonic)
	d.killLocked(tk.Pid)
}

func (d *Dispatcher) dispatchSyscall(tk *task.Task) {
	a0 := tk.Regs.X[10]
	switch a0 {
	case SysUartWrite:
		tk.Regs.X[10] = d.sysUartWrite(tk)
	case SysAllocPage:
		tk.Regs.X[10] = d.sysAllocPage(tk)
	case SysPagePerms:
		tk.Regs.X[10] = d.sysPagePerms(tk)
	case SysDeallocPage:
		tk.Regs.X[10] = d.sysDeallocPage(tk)
	case SysGetpid:
		tk.Regs.X[10] = uint64(uint32(tk.Pid))
	case SysGetuid:
		tk.Regs.X[10] = d.sysGetuid(tk)
	case SysSetuid:
		tk.Regs.X[10] = d.sysSetuid(tk)
	case SysSleep:
		tk.Regs.X[10] = d.sysSleep(tk)
	case SysSpawn:
		tk.Regs.X[10] = d.sysSpawn(tk)
	case SysKill:
		tk.Regs.X[10] = d.sysKill(tk)
	case SysSend:
		tk.Regs.X[10] = d.sysSend(tk)
	case SysRecv:
		tk.Regs.X[10] = d.sysRecv(tk)
	case SysLock:
		tk.Regs.X[10] = d.sysLock(tk)
	case SysSpawnThread:
		tk.Regs.X[10] = d.sysSpawnThread(tk)
	case SysSubscribeInterrupt:
		d.sysSubscribeInterrupt(tk)
	case SysAllocPagesPhysical:
		d.sysAllocPagesPhysical(tk)
	default:
		tk.Regs.X[10] = uint64(int64(-1))
	}
}

func decodePerm(raw uint64) (ptable.Perm, bool) {
	exec := raw&1 != 0
	write := raw&2 != 0
	read := raw&4 != 0
	if write && exec {
		return 0, false
	}
	var p ptable.Perm
	if read {
		p |= ptable.PermR
	}
	if write {
		p |= ptable.PermW
	}
	if exec {
		p |= ptable.PermX
	}
	return p | ptable.PermU, true
}

func (d *Dispatcher) sysUartWrite(tk *task.Task) uint64 {
	ptr, length := tk.Regs.X[11], tk.Regs.X[12]
	buf := make([]byte, length)
	if err := tk.AS.ReadUser(buf, ptr); err != 0 {
		return uint64(int64(-int64(err)))
	}
	for _, b := range buf {
		d.FW.Putchar(b)
	}
	return 0
}

func (d *Dispatcher) sysAllocPage(tk *task.Task) uint64 {
	virtHint, count, rawPerm := tk.Regs.X[11], tk.Regs.X[12], tk.Regs.X[13]
	if count == 0 {
		return 0
	}
	perm, ok := decodePerm(rawPerm)
	if !ok {
		return 0
	}
	base := virtHint
	if base == 0 {
		base = tk.AS.ReserveVirt(int(count))
	}
	for i := uint64(0); i < count; i++ {
		if _, err := tk.AS.AllocAndMap(base+i*frame.PageSize, perm); err != 0 {
			return 0
		}
	}
	return base
}

func (d *Dispatcher) sysPagePerms(tk *task.Task) uint64 {
	virt, count, rawPerm := tk.Regs.X[11], tk.Regs.X[12], tk.Regs.X[13]
	if count == 0 {
		return 1
	}
	perm, ok := decodePerm(rawPerm)
	if !ok {
		return 2
	}
	for i := uint64(0); i < count; i++ {
		va := virt + i*frame.PageSize
		if _, ok := tk.AS.Translate(va); !ok {
			return 1
		}
		tk.AS.ChangeFlags(va, perm)
	}
	return 0
}

func (d *Dispatcher) sysDeallocPage(tk *task.Task) uint64 {
	virt, count := tk.Regs.X[11], tk.Regs.X[12]
	if count == 0 {
		return 1
	}
	for i := uint64(0); i < count; i++ {
		va := virt + i*frame.PageSize
		phys, ok := tk.AS.Unmap(va)
		if !ok {
			return 1
		}
		d.Alloc.Decr(phys&^(frame.PageSize-1), 1, 1)
	}
	return 0
}

func (d *Dispatcher) sysGetuid(tk *task.Task) uint64 {
	other := d.Tasks.Get(int32(tk.Regs.X[11]))
	if other == nil || other.State.Kind == task.Dead {
		return uint64(int64(-1))
	}
	return uint64(other.UserID)
}

func (d *Dispatcher) sysSetuid(tk *task.Task) uint64 {
	other := d.Tasks.Get(int32(tk.Regs.X[11]))
	if other == nil || other.State.Kind == task.Dead {
		return 1
	}
	if tk.UserID != 0 {
		return 2
	}
	other.UserID = int64(tk.Regs.X[12])
	return 0
}

func (d *Dispatcher) sysSleep(tk *task.Task) uint64 {
	secs, micros := tk.Regs.X[11], tk.Regs.X[12]
	nowSecs, nowMicros := d.Clock.Now()
	deadline := d.Clock.DeadlineAfterMicros(secs*1_000_000 + micros)
	d.Sched.Block(tk.Pid, task.State{Kind: task.BlockedSleep, WakeDeadline: deadline})
	return nowSecs<<32 | nowMicros
}

func (d *Dispatcher) sysSpawn(tk *task.Task) uint64 {
	exePtr, exeLen, argsPtr, argsLen, capOut := tk.Regs.X[11], tk.Regs.X[12], tk.Regs.X[13], tk.Regs.X[14], tk.Regs.X[15]
	raw := make([]byte, exeLen)
	if err := tk.AS.ReadUser(raw, exePtr); err != 0 {
		return uint64(int64(-1))
	}
	img, perr := loader.ParseFlat(raw)
	if perr != nil {
		return uint64(int64(-1))
	}
	argsRaw := make([]byte, argsLen)
	if argsLen > 0 {
		if err := tk.AS.ReadUser(argsRaw, argsPtr); err != 0 {
			return uint64(int64(-1))
		}
	}
	if !d.admitTask() {
		return uint64(int64(-1))
	}
	as, err := aspace.New(d.Alloc, d.Root)
	if err != 0 {
		d.releaseTask()
		return uint64(int64(-1))
	}
	if err := as.LoadImage(*img); err != 0 {
		d.releaseTask()
		return uint64(int64(-1))
	}
	sp, _, err := as.SetupStack(8, splitArgs(argsRaw))
	if err != 0 {
		d.releaseTask()
		return uint64(int64(-1))
	}
	newPid, err := d.Tasks.SpawnFromImage("spawned", tk.UserID, tk.Pid, as, img.Entry, sp, false)
	if err != 0 {
		d.releaseTask()
		return uint64(int64(-1))
	}
	if !d.admitCap() {
		d.killLocked(newPid)
		return uint64(int64(-1))
	}
	d.Sched.PushReady(newPid)
	tok := d.Caps.Mint(uint64(uint32(newPid)), captbl.Endpoint{OwnerPid: newPid, QueueIdx: 0})
	writeToken(tk, capOut, tok)
	return uint64(uint32(newPid))
}

func splitArgs(raw []byte) []string {
	var out []string
	start := 0
	for i, b := range raw {
		if b == 0 {
			out = append(out, string(raw[start:i]))
			start = i + 1
		}
	}
	return out
}

func writeToken(tk *task.Task, addr uint64, tok captbl.Token) {
	var buf [16]byte
	util.Writen(buf[:], 8, 0, tok.Hi)
	util.Writen(buf[:], 8, 8, tok.Lo)
	tk.AS.WriteUser(addr, buf[:])
}

func readToken(tk *task.Task, addr uint64) (captbl.Token, defs.Err_t) {
	var buf [16]byte
	if err := tk.AS.ReadUser(buf[:], addr); err != 0 {
		return captbl.Token{}, err
	}
	return captbl.Token{Hi: util.Readn(buf[:], 8, 0), Lo: util.Readn(buf[:], 8, 8)}, 0
}

func (d *Dispatcher) sysKill(tk *task.Task) uint64 {
	target := int32(tk.Regs.X[11])
	if target == 0 {
		return 2 // pid 0 (initd) is never recycled, per spec.md §4.5
	}
	victim := d.Tasks.Get(target)
	if victim == nil || victim.State.Kind == task.Dead {
		return 1
	}
	if tk.UserID != 0 && victim.UserID != tk.UserID {
		return 2
	}
	if err := d.killLocked(target); err != 0 {
		return 1
	}
	return 0
}

func (d *Dispatcher) killLocked(pid int32) defs.Err_t {
	target := d.Tasks.Get(pid)
	if target == nil || target.State.Kind == task.Dead {
		return defs.ESRCH
	}
	hasSibling := d.Tasks.HasLivingSibling(pid)
	if err := d.Tasks.Kill(pid); err != 0 {
		return err
	}
	if !target.IsThread || !hasSibling {
		target.AS.Destroy()
	}
	if q := d.IPC.QueueFor(pid); q != nil {
		q.Drain()
	}
	revoked := d.Caps.RevokeAllOwnedBy(pid)
	d.Sched.Remove(pid)
	d.FW.SendIPI(^uint64(0))
	d.releaseTask()
	d.releaseCaps(revoked)
	return 0
}

func (d *Dispatcher) sysSend(tk *task.Task) uint64 {
	block, chanAddr, typ, data, meta := tk.Regs.X[11], tk.Regs.X[12], tk.Regs.X[13], tk.Regs.X[14], tk.Regs.X[15]
	tok, err := readToken(tk, chanAddr)
	if err != 0 {
		return 1
	}
	ep, err := d.Caps.Resolve(tok)
	if err != 0 {
		return 1
	}
	err = d.IPC.Send(tk.Pid, ep.OwnerPid, mqueue.Type(typ), data, meta, block != 0)
	switch err {
	case 0:
		return 0
	case defs.EFULL:
		return 2
	case defs.EINVAL:
		return 3
	default:
		return 1
	}
}

func (d *Dispatcher) sysRecv(tk *task.Task) uint64 {
	block, chanAddr, outPid, outType, outPayload, outMeta := tk.Regs.X[11], tk.Regs.X[12], tk.Regs.X[13], tk.Regs.X[14], tk.Regs.X[15], tk.Regs.X[16]
	tok, err := readToken(tk, chanAddr)
	if err != 0 {
		return 1
	}
	ep, err := d.Caps.Resolve(tok)
	if err != 0 || ep.OwnerPid != tk.Pid {
		return 1
	}
	delivered, err, ok := d.IPC.Recv(tk.Pid, block != 0)
	if !ok {
		tk.State.RecvOutPid, tk.State.RecvOutType = outPid, outType
		tk.State.RecvOutPayload, tk.State.RecvOutMeta = outPayload, outMeta
		return 0
	}
	if err != 0 {
		return 1
	}
	writeU64(tk, outPid, uint64(uint32(delivered.SourcePid)))
	writeU64(tk, outType, uint64(delivered.Type))
	writeU64(tk, outPayload, delivered.Payload)
	writeU64(tk, outMeta, delivered.Metadata)
	return 0
}

func writeU64(tk *task.Task, addr, val uint64) {
	var b [8]byte
	util.Writen(b[:], 8, 0, val)
	tk.AS.WriteUser(addr, b[:])
}

func (d *Dispatcher) sysLock(tk *task.Task) uint64 {
	ref, wordSize, expected := tk.Regs.X[11], tk.Regs.X[12], tk.Regs.X[13]
	d.Sched.Block(tk.Pid, task.State{
		Kind:         task.BlockedLock,
		LockPtr:      ref,
		LockWordSize: int(wordSize),
		LockExpected: expected,
		WakeIfEqual:  true,
	})
	return 0
}

func (d *Dispatcher) sysSpawnThread(tk *task.Task) uint64 {
	fn, args := tk.Regs.X[11], tk.Regs.X[12]
	if !d.admitTask() {
		return uint64(int64(-1))
	}
	sp, _, err := tk.AS.SetupStack(8, nil)
	if err != 0 {
		d.releaseTask()
		return uint64(int64(-1))
	}
	newPid, err := d.Tasks.SpawnThread(tk.Pid, fn, sp, args)
	if err != 0 {
		d.releaseTask()
		return uint64(int64(-1))
	}
	if !d.admitCap() {
		d.killLocked(newPid)
		return uint64(int64(-1))
	}
	d.Sched.PushReady(newPid)
	capOut := tk.Regs.X[14]
	tok := d.Caps.Mint(uint64(uint32(newPid)), captbl.Endpoint{OwnerPid: newPid, QueueIdx: 0})
	writeToken(tk, capOut, tok)
	return uint64(uint32(newPid))
}

func (d *Dispatcher) sysSubscribeInterrupt(tk *task.Task) {
	id, capOut := tk.Regs.X[11], tk.Regs.X[12]
	tok := d.Caps.Mint(uint64(uint32(tk.Pid)), captbl.Endpoint{OwnerPid: tk.Pid, QueueIdx: int(id)})
	writeToken(tk, capOut, tok)
}

func (d *Dispatcher) sysAllocPagesPhysical(tk *task.Task) {
	count, rawPerm := tk.Regs.X[11], tk.Regs.X[12]
	if count == 0 {
		tk.Regs.X[10], tk.Regs.X[11] = 0, 0
		return
	}
	perm, ok := decodePerm(rawPerm)
	if !ok {
		tk.Regs.X[10], tk.Regs.X[11] = 0, 0
		return
	}
	phys, err := d.Alloc.AllocFrames(int(count))
	if err != 0 {
		tk.Regs.X[10], tk.Regs.X[11] = 0, 0
		return
	}
	virt := tk.AS.ReserveVirt(int(count))
	for i := uint64(0); i < count; i++ {
		va := virt + i*frame.PageSize
		pa := phys + i*frame.PageSize
		if err := tk.AS.MapPage(va, pa, perm); err != 0 {
			tk.Regs.X[10], tk.Regs.X[11] = 0, 0
			return
		}
	}
	tk.Regs.X[10], tk.Regs.X[11] = virt, phys
}
