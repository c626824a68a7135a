package ksys

import (
	"bytes"
	"testing"
	"time"

	"github.com/corekernel-os/corekernel/internal/bud"
	"github.com/corekernel-os/corekernel/internal/ipc"
	"github.com/corekernel-os/corekernel/internal/kerr"
	"github.com/corekernel-os/corekernel/internal/limits"
	"github.com/corekernel-os/corekernel/internal/proc"
	"github.com/corekernel-os/corekernel/internal/sched"
	"github.com/corekernel-os/corekernel/internal/vmm"
	"github.com/corekernel-os/corekernel/internal/zpf"
)

func newAS() *vmm.AddressSpace {
	ft := zpf.Init([]zpf.Region{{Kind: zpf.ZoneNormal, Pages: 256}})
	bd := bud.New(ft)
	as, _ := vmm.New(bd, ft, 0x10000)
	return as
}

func fixture() (*Context, *proc.Table, *proc.Process) {
	s := sched.New(1, sched.PolicyPriority)
	reg := ipc.NewRegistry()
	tb := proc.NewTable(s, reg)
	init := tb.Bootstrap("init", 128, newAS())
	return NewContext(tb, reg), tb, init
}

func TestGetpidReturnsCallerPID(t *testing.T) {
	c, _, init := fixture()
	if got := c.Getpid(init); got != init.Task.PID {
		t.Fatalf("Getpid = %d, want %d", got, init.Task.PID)
	}
}

func TestWriteGoesToInstalledWriter(t *testing.T) {
	c, _, init := fixture()
	var buf bytes.Buffer
	fdnum := c.InstallWriter(init, &buf)

	n, err := c.Write(init, fdnum, []byte("hi"))
	if err != kerr.SUCCESS || n != 2 {
		t.Fatalf("Write = (%d,%v), want (2,SUCCESS)", n, err)
	}
	if buf.String() != "hi" {
		t.Fatalf("buf = %q, want %q", buf.String(), "hi")
	}
}

func TestWriteRejectsUnknownDescriptor(t *testing.T) {
	c, _, init := fixture()
	if _, err := c.Write(init, 99, []byte("x")); err != kerr.NOTFOUND {
		t.Fatalf("Write(bad fd) = %v, want NOTFOUND", err)
	}
}

func TestQueueCreateSendReceiveRoundTrip(t *testing.T) {
	c, _, init := fixture()
	qid, err := c.IPCCreateQueue(init, 4)
	if err != kerr.SUCCESS {
		t.Fatalf("IPCCreateQueue: %v", err)
	}

	if err := c.IPCSendMessage(init, qid, []byte("payload"), false); err != kerr.SUCCESS {
		t.Fatalf("IPCSendMessage: %v", err)
	}
	msg, err := c.IPCReceiveMessage(init, qid, false)
	if err != kerr.SUCCESS {
		t.Fatalf("IPCReceiveMessage: %v", err)
	}
	if string(msg.Payload) != "payload" {
		t.Fatalf("Payload = %q, want %q", msg.Payload, "payload")
	}
}

func TestQueueCreateFailsPastLimit(t *testing.T) {
	c, _, init := fixture()
	c.Limits.Queues = limits.NewAtomic(1)

	if _, err := c.IPCCreateQueue(init, 4); err != kerr.SUCCESS {
		t.Fatalf("first IPCCreateQueue under limit: %v", err)
	}
	if _, err := c.IPCCreateQueue(init, 4); err != kerr.NOMEM {
		t.Fatalf("IPCCreateQueue past limit = %v, want NOMEM", err)
	}
}

func TestQueueDestroyGivesLimitBack(t *testing.T) {
	c, _, init := fixture()
	c.Limits.Queues = limits.NewAtomic(1)

	qid, _ := c.IPCCreateQueue(init, 4)
	if err := c.IPCDestroyQueue(init, qid); err != kerr.SUCCESS {
		t.Fatalf("IPCDestroyQueue: %v", err)
	}
	if _, err := c.IPCCreateQueue(init, 4); err != kerr.SUCCESS {
		t.Fatalf("IPCCreateQueue after destroy = %v, want SUCCESS", err)
	}
}

func TestQueueDestroyThenSendFails(t *testing.T) {
	c, _, init := fixture()
	qid, _ := c.IPCCreateQueue(init, 4)
	if err := c.IPCDestroyQueue(init, qid); err != kerr.SUCCESS {
		t.Fatalf("IPCDestroyQueue: %v", err)
	}
	if err := c.IPCSendMessage(init, qid, []byte("x"), true); err != kerr.ErrNoSuchQueue {
		t.Fatalf("Send after destroy = %v, want ErrNoSuchQueue", err)
	}
}

func TestChannelCreateSubscribeSendUnicast(t *testing.T) {
	c, tb, init := fixture()
	worker, _ := tb.Fork(init)

	cid, err := c.IPCCreateChannel("jobs", false, false)
	if err != kerr.SUCCESS {
		t.Fatalf("IPCCreateChannel: %v", err)
	}
	if err := c.IPCSubscribeChannel(cid, worker.Task.PID); err != kerr.SUCCESS {
		t.Fatalf("IPCSubscribeChannel: %v", err)
	}
	if err := c.IPCSendToChannel(init, cid, []byte("task")); err != kerr.SUCCESS {
		t.Fatalf("IPCSendToChannel: %v", err)
	}
	msg, err := worker.Mailbox.Recv(true)
	if err != kerr.SUCCESS {
		t.Fatalf("worker mailbox Recv: %v", err)
	}
	if string(msg.Payload) != "task" {
		t.Fatalf("Payload = %q, want %q", msg.Payload, "task")
	}
}

func TestSubscribeUnknownChannelFails(t *testing.T) {
	c, _, init := fixture()
	if err := c.IPCSubscribeChannel(999, init.Task.PID); err != kerr.ErrNoSuchChannel {
		t.Fatalf("IPCSubscribeChannel(unknown cid) = %v, want ErrNoSuchChannel", err)
	}
}

func TestSendAsyncDeliversToMailbox(t *testing.T) {
	c, tb, init := fixture()
	worker, _ := tb.Fork(init)

	if err := c.IPCSendAsync(init, worker.Task.PID, []byte("ping")); err != kerr.SUCCESS {
		t.Fatalf("IPCSendAsync: %v", err)
	}
	msg, err := worker.Mailbox.Recv(true)
	if err != kerr.SUCCESS || string(msg.Payload) != "ping" {
		t.Fatalf("Recv = (%v,%v), want ping/SUCCESS", msg, err)
	}
}

func TestSendRequestReplyRoundTrip(t *testing.T) {
	c, tb, init := fixture()
	server, _ := tb.Fork(init)

	go func() {
		req, err := server.Mailbox.Recv(false)
		if err != kerr.SUCCESS {
			return
		}
		c.IPCSendReply(server, req, []byte("pong"))
	}()

	yields := 0
	reply, err := c.IPCSendRequest(init, server.Task.PID, []byte("ping"), 1000, func() {
		yields++
		time.Sleep(time.Millisecond)
	})
	if err != kerr.SUCCESS {
		t.Fatalf("IPCSendRequest: %v", err)
	}
	if string(reply.Payload) != "pong" {
		t.Fatalf("reply payload = %q, want %q", reply.Payload, "pong")
	}
}

func TestBroadcastReachesAllPIDs(t *testing.T) {
	c, tb, init := fixture()
	a, _ := tb.Fork(init)
	b, _ := tb.Fork(init)

	err := c.IPCBroadcast(init, []byte("alert"), []int{a.Task.PID, b.Task.PID})
	if err != kerr.SUCCESS {
		t.Fatalf("IPCBroadcast: %v", err)
	}
	for _, p := range []*proc.Process{a, b} {
		msg, err := p.Mailbox.Recv(true)
		if err != kerr.SUCCESS || string(msg.Payload) != "alert" {
			t.Fatalf("pid %d Recv = (%v,%v)", p.Task.PID, msg, err)
		}
	}
}
