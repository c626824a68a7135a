// Package proc implements process lifecycle: fork, waitpid, zombie
// reaping, and orphan reparenting to PID 1, gluing internal/vmm's
// address spaces and internal/sched's tasks together. Fork duplicates
// descriptors by asking each resource for an independent reference
// (Resource.Dup); waitpid folds a reaped zombie's accounting into the
// parent before the TCB is freed.
package proc

import (
	"sync"
	"sync/atomic"

	"github.com/corekernel-os/corekernel/internal/accnt"
	"github.com/corekernel-os/corekernel/internal/ipc"
	"github.com/corekernel-os/corekernel/internal/kerr"
	"github.com/corekernel-os/corekernel/internal/limits"
	"github.com/corekernel-os/corekernel/internal/sched"
	"github.com/corekernel-os/corekernel/internal/vmm"
)

// DefaultMailboxCapacity is how many messages a fresh process's IPC
// mailbox can hold before Send blocks or fails.
const DefaultMailboxCapacity = 32

// Process is one process: a scheduler Task plus everything
// fork/waitpid/exit operate on — address space, descriptor table,
// signal state, and parent/child/zombie linkage.
type Process struct {
	Task *sched.Task

	AS      *vmm.AddressSpace
	FDs     *FDTable
	Signals *SignalState
	Mailbox *ipc.Queue

	mu       sync.Mutex
	Parent   *Process
	Children []*Process
	Zombies  []*Process
	waitCond *sync.Cond

	ExitStatus int
	ExitSignal int
}

// Wstatus packs the exit status the way waitpid reports it to user
// space: exit code in bits 8..15, terminating signal in bits 0..6.
func (p *Process) Wstatus() int {
	return (p.ExitStatus&0xff)<<8 | (p.ExitSignal & 0x7f)
}

// Table owns every live process, the PID allocator, and the
// scheduler/IPC registry they're admitted into.
type Table struct {
	sched   *sched.Scheduler
	ipcReg  *ipc.Registry
	limits  *limits.Syslimit_t
	nextPID int32

	mu    sync.Mutex
	procs map[int]*Process
	Init  *Process
}

// NewTable returns an empty process table driving the given
// scheduler. reg may be nil if channel delivery isn't wired up.
func NewTable(s *sched.Scheduler, reg *ipc.Registry) *Table {
	return &Table{sched: s, ipcReg: reg, limits: limits.MkSysLimit(), nextPID: 999, procs: make(map[int]*Process)}
}

// SetLimits replaces the table's system-wide resource ceilings, for
// tests that exercise exhaustion with small numbers.
func (tb *Table) SetLimits(l *limits.Syslimit_t) { tb.limits = l }

func (tb *Table) newProcess(pid int, name string, priority uint8, as *vmm.AddressSpace) *Process {
	task := sched.NewTask(pid, name, priority)
	task.AddrSpace = as
	p := &Process{
		Task:    task,
		AS:      as,
		FDs:     NewFDTable(),
		Signals: NewSignalState(),
		Mailbox: ipc.NewQueue(pid, DefaultMailboxCapacity),
	}
	p.waitCond = sync.NewCond(&p.mu)

	tb.mu.Lock()
	tb.procs[pid] = p
	tb.mu.Unlock()
	if tb.ipcReg != nil {
		tb.ipcReg.RegisterMailbox(pid, p.Mailbox)
	}
	return p
}

// Bootstrap creates PID 1, the init process every orphan is
// reparented to. It must be called exactly once, before any Fork.
func (tb *Table) Bootstrap(name string, priority uint8, as *vmm.AddressSpace) *Process {
	tb.limits.Tasks.Take()
	p := tb.newProcess(1, name, priority, as)
	tb.Init = p
	tb.sched.Admit(p.Task)
	return p
}

// Lookup returns the live process with the given pid.
func (tb *Table) Lookup(pid int) (*Process, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	p, ok := tb.procs[pid]
	return p, ok
}

// Fork implements fork(): a COW clone of the address space, a deep
// copy of the descriptor table preserving references, a copy of the
// signal vector and mask with pending signals dropped, and admission
// to the scheduler in Ready.
func (tb *Table) Fork(parent *Process) (*Process, kerr.Err_t) {
	if !tb.limits.Tasks.Take() {
		return nil, kerr.NOMEM
	}
	pid := int(atomic.AddInt32(&tb.nextPID, 1))

	childAS, aerr := parent.AS.Clone()
	if aerr != kerr.SUCCESS {
		tb.limits.Tasks.Give()
		return nil, aerr
	}
	child := tb.newProcess(pid, parent.Task.Name, parent.Task.Priority, childAS)
	child.FDs = parent.FDs.Clone()
	child.Signals = parent.Signals.Clone()
	child.Task.Regs = parent.Task.Regs
	child.Task.Regs.SetRetval(0)
	child.Parent = parent

	parent.mu.Lock()
	parent.Children = append(parent.Children, child)
	parent.mu.Unlock()

	tb.sched.Admit(child.Task)
	return child, kerr.SUCCESS
}

func findZombieLocked(p *Process, pid int) (int, bool) {
	for i, c := range p.Zombies {
		if pid == -1 || c.Task.PID == pid {
			return i, true
		}
	}
	return 0, false
}

func hasChildLocked(p *Process, pid int) bool {
	if pid == -1 {
		return len(p.Children)+len(p.Zombies) > 0
	}
	for _, c := range p.Children {
		if c.Task.PID == pid {
			return true
		}
	}
	for _, c := range p.Zombies {
		if c.Task.PID == pid {
			return true
		}
	}
	return false
}

// WaitPid implements waitpid(): pid==-1 waits for any child, pid>0
// for a specific one, nonBlocking mirrors WNOHANG. A reaped
// zombie's accounting is folded into the parent and its resources are
// released.
func (tb *Table) WaitPid(parent *Process, pid int, nonBlocking bool) (*Process, accnt.Rusage, kerr.Err_t) {
	parent.mu.Lock()
	defer parent.mu.Unlock()
	for {
		if i, ok := findZombieLocked(parent, pid); ok {
			child := parent.Zombies[i]
			parent.Zombies = append(parent.Zombies[:i], parent.Zombies[i+1:]...)
			parent.Task.Acct.Add(&child.Task.Acct)
			rusage := child.Task.Acct.Fetch()
			child.Task.State = sched.Terminated
			tb.forget(child)
			return child, rusage, kerr.SUCCESS
		}
		if !hasChildLocked(parent, pid) {
			if pid == -1 {
				return nil, accnt.Rusage{}, kerr.ErrNoChildren
			}
			return nil, accnt.Rusage{}, kerr.ErrNoSuchChild
		}
		if nonBlocking {
			return nil, accnt.Rusage{}, kerr.SUCCESS
		}
		parent.Task.State = sched.Waiting
		parent.waitCond.Wait()
		parent.Task.State = sched.Running
	}
}

func (tb *Table) forget(p *Process) {
	tb.mu.Lock()
	delete(tb.procs, p.Task.PID)
	tb.mu.Unlock()
	tb.limits.Tasks.Give()
}

// Exit implements exit(): releases the address space and
// descriptor table, reparents surviving children and zombies to
// init, moves the caller onto its own parent's zombie list, and wakes
// a parent blocked in WaitPid.
func (tb *Table) Exit(p *Process, code, signal int) {
	p.mu.Lock()
	p.ExitStatus = code
	p.ExitSignal = signal
	children := p.Children
	zombies := p.Zombies
	p.Children = nil
	p.Zombies = nil
	p.mu.Unlock()

	tb.reparentToInit(children, zombies)

	if p.AS != nil {
		p.AS.Teardown()
	}
	if p.FDs != nil {
		p.FDs.CloseAll()
	}
	if tb.ipcReg != nil {
		tb.ipcReg.UnregisterMailbox(p.Task.PID)
	}
	// wake any peer blocked on the dead process's mailbox; they observe
	// the queue as destroyed.
	p.Mailbox.Close()

	p.Task.ExitCode = code
	p.Task.State = sched.Zombie

	parent := p.Parent
	if parent == nil {
		return
	}
	parent.mu.Lock()
	for i, c := range parent.Children {
		if c == p {
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
			break
		}
	}
	parent.Zombies = append(parent.Zombies, p)
	parent.mu.Unlock()
	parent.waitCond.Broadcast()
}

func (tb *Table) reparentToInit(children, zombies []*Process) {
	init := tb.Init
	for _, c := range children {
		c.mu.Lock()
		c.Parent = init
		c.mu.Unlock()
		if init != nil {
			init.mu.Lock()
			init.Children = append(init.Children, c)
			init.mu.Unlock()
		}
	}
	if init == nil {
		return
	}
	var anyZombie bool
	for _, z := range zombies {
		z.mu.Lock()
		z.Parent = init
		z.mu.Unlock()
		init.mu.Lock()
		init.Zombies = append(init.Zombies, z)
		init.mu.Unlock()
		anyZombie = true
	}
	if anyZombie {
		init.waitCond.Broadcast()
	}
}
