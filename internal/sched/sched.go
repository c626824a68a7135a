// Package sched implements the task scheduler: per-priority ready
// queues, timer-tick preemption, and the yield/sleep/exit/block
// primitives the rest of the kernel dispatches through. A Task is an
// explicit struct the scheduler can enqueue, dequeue, and requeue
// without any hook into the Go runtime's own goroutine scheduling.
package sched

import (
	"sync"
	"time"

	"github.com/corekernel-os/corekernel/internal/accnt"
	"github.com/corekernel-os/corekernel/internal/kerr"
)

// State is a task's scheduling state.
type State int

const (
	Ready State = iota
	Running
	Blocked
	Waiting
	Zombie
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Blocked:
		return "Blocked"
	case Waiting:
		return "Waiting"
	case Zombie:
		return "Zombie"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Policy selects how the ready queues are organized and drained.
type Policy int

const (
	// PolicyRoundRobin runs every task through one circular queue,
	// ignoring Priority.
	PolicyRoundRobin Policy = iota
	// PolicyPriority keeps 256 per-priority FIFOs and always dispatches
	// the lowest-numbered non-empty one, preempting a running task the
	// moment a strictly higher-priority task becomes ready.
	PolicyPriority
	// PolicyFIFO is PolicyPriority without quantum-driven rotation: a
	// task keeps the CPU until it blocks, sleeps, yields, or exits.
	PolicyFIFO
)

const (
	// IdlePID is the reserved PID of the per-scheduler idle task.
	IdlePID = 0
	// DefaultQuantum is the number of ticks a freshly dispatched task
	// is entitled to before round-robin preemption.
	DefaultQuantum = 10
	// DefaultTickHz is the timer frequency assumed when converting a
	// sleep duration to a tick count.
	DefaultTickHz = 1000
)

// Task is one schedulable thread of control: the TCB, minus the
// process-lifecycle fields (parent, children, fd table) that
// internal/proc layers on top.
type Task struct {
	PID      int
	Name     string
	State    State
	Priority uint8 // 0 = highest
	Quantum  int
	ExitCode int

	// AddrSpace is opaque to the scheduler: it is carried only so a
	// context switch has something to swap alongside the register
	// file. internal/proc and internal/vmm give it concrete meaning.
	AddrSpace any

	// Regs is the task's saved CPU context while it is off the CPU.
	Regs RegFile

	Acct accnt.Accnt_t

	remaining int
	wakeTick  uint64
}

// NewTask returns a fresh task in state Ready, not yet admitted to any
// scheduler.
func NewTask(pid int, name string, priority uint8) *Task {
	return &Task{PID: pid, Name: name, Priority: priority, Quantum: DefaultQuantum, State: Ready}
}

// Scheduler holds the ready queues and per-CPU dispatch state for one
// kernel instance.
type Scheduler struct {
	mu       sync.Mutex
	Policy   Policy
	TickHz   int
	prio     [256][]*Task
	sleeping []*Task
	current  []*Task
	idle     *Task
	ticks    uint64
}

// New returns a scheduler for ncpu CPUs (minimum 1), running the given
// policy, with an idle task already dispatched on every CPU.
func New(ncpu int, policy Policy) *Scheduler {
	if ncpu < 1 {
		ncpu = 1
	}
	idle := NewTask(IdlePID, "idle", 255)
	idle.State = Running
	s := &Scheduler{Policy: policy, TickHz: DefaultTickHz, idle: idle}
	s.current = make([]*Task, ncpu)
	for i := range s.current {
		s.current[i] = idle
	}
	return s
}

// Idle returns the scheduler's idle task.
func (s *Scheduler) Idle() *Task { return s.idle }

// Ticks returns how many timer ticks have elapsed.
func (s *Scheduler) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// Current returns the task presently running on cpu.
func (s *Scheduler) Current(cpu int) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current[cpu]
}

func (s *Scheduler) bucketLocked(t *Task) int {
	if s.Policy == PolicyRoundRobin {
		return 0
	}
	return int(t.Priority)
}

// Admit moves a freshly created (or woken-for-the-first-time) task
// into Ready and enqueues it.
func (s *Scheduler) Admit(t *Task) kerr.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.State == Zombie || t.State == Terminated {
		return kerr.ErrAlreadyTerminated
	}
	s.requeueLocked(t)
	return kerr.SUCCESS
}

func (s *Scheduler) requeueLocked(t *Task) {
	t.State = Ready
	t.remaining = t.Quantum
	b := s.bucketLocked(t)
	s.prio[b] = append(s.prio[b], t)
}

// popLocked removes and returns the head of the lowest-numbered
// non-empty bucket, or nil if every bucket is empty.
func (s *Scheduler) popLocked() *Task {
	b, ok := s.lowestReadyBucketLocked()
	if !ok {
		return nil
	}
	q := s.prio[b]
	t := q[0]
	s.prio[b] = q[1:]
	return t
}

func (s *Scheduler) lowestReadyBucketLocked() (int, bool) {
	for b := 0; b < len(s.prio); b++ {
		if len(s.prio[b]) > 0 {
			return b, true
		}
	}
	return 0, false
}

func (s *Scheduler) anyReadyLocked() bool {
	_, ok := s.lowestReadyBucketLocked()
	return ok
}

func (s *Scheduler) dispatchNextLocked(cpu int) *Task {
	next := s.popLocked()
	if next == nil {
		next = s.idle
	}
	next.State = Running
	next.remaining = next.Quantum
	s.current[cpu] = next
	return next
}

// Dispatch picks the next task to run on cpu without an intervening
// tick (used to bring the first real task onto an idle CPU).
func (s *Scheduler) Dispatch(cpu int) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispatchNextLocked(cpu)
}

func ticksFor(hz, ms int) int {
	if hz <= 0 {
		hz = DefaultTickHz
	}
	return ms * hz / 1000
}

func tickNs(hz int) int64 {
	if hz <= 0 {
		hz = DefaultTickHz
	}
	return int64(time.Second) / int64(hz)
}

// wakeSleepersLocked moves any sleeper whose deadline has passed back
// onto a ready queue.
func (s *Scheduler) wakeSleepersLocked() {
	if len(s.sleeping) == 0 {
		return
	}
	still := s.sleeping[:0:0]
	for _, t := range s.sleeping {
		if t.wakeTick <= s.ticks {
			s.requeueLocked(t)
		} else {
			still = append(still, t)
		}
	}
	s.sleeping = still
}

// Tick advances the timer by one period on cpu: it accounts CPU time
// to the running task, decrements its quantum, wakes any sleepers
// whose deadline has passed, and preempts when the quantum hits zero,
// the CPU was idle and work became ready, or (PolicyPriority only) a
// strictly higher-priority task just became ready. Returns whichever
// task is current on cpu after the tick.
func (s *Scheduler) Tick(cpu int) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks++
	s.wakeSleepersLocked()

	cur := s.current[cpu]
	preempt := false
	switch {
	case cur == s.idle:
		preempt = s.anyReadyLocked()
	case s.Policy == PolicyPriority:
		if b, ok := s.lowestReadyBucketLocked(); ok && b < int(cur.Priority) {
			preempt = true
		}
	}

	if !preempt && cur != s.idle {
		cur.Acct.Utadd(tickNs(s.TickHz))
		if s.Policy != PolicyFIFO {
			cur.remaining--
			if cur.remaining <= 0 {
				preempt = true
			}
		}
	}

	if !preempt {
		return cur
	}
	if cur != s.idle && cur.State == Running {
		s.requeueLocked(cur)
	}
	return s.dispatchNextLocked(cpu)
}

// Yield forces an immediate reschedule of cpu's current task,
// regardless of remaining quantum.
func (s *Scheduler) Yield(cpu int) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.current[cpu]
	if cur != s.idle && cur.State == Running {
		s.requeueLocked(cur)
	}
	return s.dispatchNextLocked(cpu)
}

// Sleep blocks cpu's current task on a timer event for ms
// milliseconds and dispatches the next ready task in its place. The
// idle task never sleeps.
func (s *Scheduler) Sleep(cpu int, ms int) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.current[cpu]
	if cur == s.idle {
		return cur
	}
	cur.State = Blocked
	cur.wakeTick = s.ticks + uint64(ticksFor(s.TickHz, ms))
	s.sleeping = append(s.sleeping, cur)
	return s.dispatchNextLocked(cpu)
}

// BlockCurrent takes cpu's current task off the CPU in state Blocked
// (waiting on IPC or page I/O) without a wake deadline; a later
// Unblock call is what makes it ready again.
func (s *Scheduler) BlockCurrent(cpu int) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.current[cpu]
	if cur != s.idle {
		cur.State = Blocked
	}
	return s.dispatchNextLocked(cpu)
}

// WaitCurrent takes cpu's current task off the CPU in state Waiting
// (blocked in waitpid for a child), the same way BlockCurrent does for
// IPC waits.
func (s *Scheduler) WaitCurrent(cpu int) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.current[cpu]
	if cur != s.idle {
		cur.State = Waiting
	}
	return s.dispatchNextLocked(cpu)
}

// Unblock moves a Blocked or Waiting task back onto its ready queue.
func (s *Scheduler) Unblock(t *Task) kerr.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.State != Blocked && t.State != Waiting {
		return kerr.INVALID
	}
	s.requeueLocked(t)
	return kerr.SUCCESS
}

// Exit sets cpu's current task to Zombie with the given exit code and
// dispatches the next ready task. The zombie stays reachable only
// through whatever reference internal/proc already holds; the
// scheduler does not track it further.
func (s *Scheduler) Exit(cpu int, code int) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.current[cpu]
	if cur != s.idle {
		cur.State = Zombie
		cur.ExitCode = code
	}
	return s.dispatchNextLocked(cpu)
}
