package ksys

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/corekernel-os/corekernel/internal/ipc"
	"github.com/corekernel-os/corekernel/internal/kerr"
	"github.com/corekernel-os/corekernel/internal/limits"
	"github.com/corekernel-os/corekernel/internal/proc"
)

// queueResource lets an *ipc.Queue sit in a process's descriptor
// table. Dup hands back a reference to the same queue rather than a
// copy — a duplicated ipc queue descriptor still names the one
// mailbox. The refcount keeps a fork-duplicated descriptor from
// destroying the queue (and releasing its limit slot) until the last
// holder closes it.
type queueResource struct {
	q    *ipc.Queue
	lim  *limits.Atomic
	refs int32
}

func (r *queueResource) Dup() proc.Resource {
	atomic.AddInt32(&r.refs, 1)
	return r
}

func (r *queueResource) Close() kerr.Err_t {
	if atomic.AddInt32(&r.refs, -1) > 0 {
		return kerr.SUCCESS
	}
	r.q.Close()
	if r.lim != nil {
		r.lim.Give()
	}
	return kerr.SUCCESS
}

// writerResource adapts an io.Writer (the only thing SysWrite can
// plausibly reach with no real filesystem or tty in scope) into a
// Resource.
type writerResource struct{ w io.Writer }

func (r *writerResource) Dup() proc.Resource { return r }
func (r *writerResource) Close() kerr.Err_t  { return kerr.SUCCESS }

// Context is everything the syscall boundary needs to actually do
// something: the process table fork/exit/waitpid operate on and the
// channel/mailbox registry IPC operates on. One Context is shared by
// every CPU's dispatch loop.
type Context struct {
	Procs  *proc.Table
	IPC    *ipc.Registry
	Limits *limits.Syslimit_t

	mu       sync.Mutex
	channels map[uint64]*ipc.Channel
}

// NewContext wires a syscall dispatcher to the given process table and
// IPC registry.
func NewContext(procs *proc.Table, reg *ipc.Registry) *Context {
	return &Context{Procs: procs, IPC: reg, Limits: limits.MkSysLimit(), channels: make(map[uint64]*ipc.Channel)}
}

// Getpid implements syscall 39.
func (c *Context) Getpid(caller *proc.Process) int {
	return caller.Task.PID
}

// Write implements syscall 1: bytes through whatever descriptor fd
// names, if it can be written to at all. Real device and filesystem
// backends are out of scope; this exists so the numeric surface is
// complete and testable against an in-memory writerResource.
func (c *Context) Write(caller *proc.Process, fdnum int, data []byte) (int, kerr.Err_t) {
	res, perms, ok := caller.FDs.Get(fdnum)
	if !ok {
		return 0, kerr.NOTFOUND
	}
	if perms&proc.FDWrite == 0 {
		return 0, kerr.PERMISSION
	}
	wr, ok := res.(*writerResource)
	if !ok {
		return 0, kerr.INVALID
	}
	n, err := wr.w.Write(data)
	if err != nil {
		return n, kerr.NODEV
	}
	return n, kerr.SUCCESS
}

// InstallWriter gives caller a fresh write-only descriptor over w,
// for tests and for cmd/kcoreboot wiring a console.
func (c *Context) InstallWriter(caller *proc.Process, w io.Writer) int {
	return caller.FDs.Install(&writerResource{w: w}, proc.FDWrite)
}

// IPCCreateQueue implements syscall 50: allocates a bounded queue
// owned by caller and installs it in caller's descriptor table,
// returning the descriptor as the qid.
func (c *Context) IPCCreateQueue(caller *proc.Process, maxMsgs int) (int, kerr.Err_t) {
	if maxMsgs <= 0 {
		return 0, kerr.INVALID
	}
	if !c.Limits.Queues.Take() {
		return 0, kerr.NOMEM
	}
	q := ipc.NewQueue(caller.Task.PID, maxMsgs)
	qid := caller.FDs.Install(&queueResource{q: q, lim: c.Limits.Queues, refs: 1}, proc.FDRead|proc.FDWrite)
	return qid, kerr.SUCCESS
}

// IPCDestroyQueue implements syscall 51.
func (c *Context) IPCDestroyQueue(caller *proc.Process, qid int) kerr.Err_t {
	return caller.FDs.Close(qid)
}

func (c *Context) queueAt(caller *proc.Process, qid int) (*ipc.Queue, kerr.Err_t) {
	res, _, ok := caller.FDs.Get(qid)
	if !ok {
		return nil, kerr.ErrNoSuchQueue
	}
	qr, ok := res.(*queueResource)
	if !ok {
		return nil, kerr.ErrNoSuchQueue
	}
	return qr.q, kerr.SUCCESS
}

// IPCSendMessage implements syscall 52.
func (c *Context) IPCSendMessage(caller *proc.Process, qid int, payload []byte, nonBlocking bool) kerr.Err_t {
	q, err := c.queueAt(caller, qid)
	if err != kerr.SUCCESS {
		return err
	}
	msg, err := ipc.NewMessage(caller.Task.PID, q.OwnerPID, payload)
	if err != kerr.SUCCESS {
		return err
	}
	return q.Send(msg, nonBlocking)
}

// IPCReceiveMessage implements syscall 53.
func (c *Context) IPCReceiveMessage(caller *proc.Process, qid int, nonBlocking bool) (*ipc.Message, kerr.Err_t) {
	q, err := c.queueAt(caller, qid)
	if err != kerr.SUCCESS {
		return nil, err
	}
	return q.Recv(nonBlocking)
}

// IPCCreateChannel implements syscall 54, returning the cid.
func (c *Context) IPCCreateChannel(name string, broadcast, persistent bool) (uint64, kerr.Err_t) {
	if !c.Limits.Channels.Take() {
		return 0, kerr.NOMEM
	}
	ch, err := c.IPC.Create(name, broadcast, persistent)
	if err != kerr.SUCCESS {
		c.Limits.Channels.Give()
		return 0, err
	}
	c.mu.Lock()
	c.channels[ch.ID] = ch
	c.mu.Unlock()
	return ch.ID, kerr.SUCCESS
}

func (c *Context) channelAt(cid uint64) (*ipc.Channel, kerr.Err_t) {
	c.mu.Lock()
	ch, ok := c.channels[cid]
	c.mu.Unlock()
	if !ok {
		return nil, kerr.ErrNoSuchChannel
	}
	return ch, kerr.SUCCESS
}

// IPCSubscribeChannel implements syscall 55.
func (c *Context) IPCSubscribeChannel(cid uint64, pid int) kerr.Err_t {
	ch, err := c.channelAt(cid)
	if err != kerr.SUCCESS {
		return err
	}
	if _, ok := c.Procs.Lookup(pid); !ok {
		return kerr.INVALID_PID
	}
	ch.Subscribe(pid)
	return kerr.SUCCESS
}

// IPCSendToChannel implements syscall 56.
func (c *Context) IPCSendToChannel(caller *proc.Process, cid uint64, payload []byte) kerr.Err_t {
	ch, err := c.channelAt(cid)
	if err != kerr.SUCCESS {
		return err
	}
	msg, err := ipc.NewMessage(caller.Task.PID, 0, payload)
	if err != kerr.SUCCESS {
		return err
	}
	return ch.Send(msg)
}

// IPCSendAsync implements syscall 59: a fire-and-forget send straight
// to a target pid's mailbox, non-blocking.
func (c *Context) IPCSendAsync(caller *proc.Process, targetPID int, payload []byte) kerr.Err_t {
	mb, ok := c.IPC.Mailbox(targetPID)
	if !ok {
		return kerr.INVALID_PID
	}
	msg, err := ipc.NewMessage(caller.Task.PID, targetPID, payload)
	if err != kerr.SUCCESS {
		return err
	}
	return mb.Send(msg, true)
}

// IPCSendRequest implements syscall 57. yield is called between polls
// of caller's mailbox for the matching reply; a real dispatch loop
// passes internal/sched.Yield, tests pass a no-op or counting stub.
func (c *Context) IPCSendRequest(caller *proc.Process, targetPID int, payload []byte, timeoutMs int, yield func()) (*ipc.Message, kerr.Err_t) {
	mb, ok := c.IPC.Mailbox(targetPID)
	if !ok {
		return nil, kerr.INVALID_PID
	}
	return ipc.SendRequest(mb, caller.Mailbox, caller.Task.PID, payload, timeoutMs, yield)
}

// IPCSendReply implements syscall 58.
func (c *Context) IPCSendReply(caller *proc.Process, req *ipc.Message, payload []byte) kerr.Err_t {
	requesterMB, ok := c.IPC.Mailbox(req.SenderPID)
	if !ok {
		return kerr.INVALID_PID
	}
	return ipc.SendReply(requesterMB, req, caller.Task.PID, payload)
}

// IPCBroadcast implements syscall 60 (the ipc_broadcast slot of that
// number, not exit — see numbers.go).
func (c *Context) IPCBroadcast(caller *proc.Process, payload []byte, pids []int) kerr.Err_t {
	msg, err := ipc.NewMessage(caller.Task.PID, 0, payload)
	if err != kerr.SUCCESS {
		return err
	}
	return ipc.BroadcastToPIDs(c.IPC, msg, pids)
}
