package ipc

import (
	"time"

	"github.com/corekernel-os/corekernel/internal/kerr"
)

// SendRequest enqueues payload on target as a REQUEST from senderPID,
// then polls mailbox (the sender's own queue) for the matching REPLY,
// yielding between polls so the caller never busy-spins. It
// returns Timeout once timeoutMs elapses without a match.
func SendRequest(target, mailbox *Queue, senderPID int, payload []byte, timeoutMs int, yield func()) (*Message, kerr.Err_t) {
	req, err := NewMessage(senderPID, target.OwnerPID, payload)
	if err != kerr.SUCCESS {
		return nil, err
	}
	req.Type = MsgRequest
	if err := target.Send(req, true); err != kerr.SUCCESS {
		return nil, err
	}

	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for {
		if reply, ok := mailbox.TakeMatching(func(m *Message) bool {
			return m.Type == MsgReply && m.ReplyTo == req.WireID
		}); ok {
			return reply, kerr.SUCCESS
		}
		if !time.Now().Before(deadline) {
			return nil, kerr.ErrTimeout
		}
		if yield != nil {
			yield()
		}
	}
}

// SendReply stamps payload as the REPLY to req and enqueues it on the
// original requester's mailbox.
func SendReply(requesterMailbox *Queue, req *Message, replierPID int, payload []byte) kerr.Err_t {
	reply, err := NewMessage(replierPID, req.SenderPID, payload)
	if err != kerr.SUCCESS {
		return err
	}
	reply.Type = MsgReply
	reply.ReplyTo = req.WireID
	return requesterMailbox.Send(reply, true)
}

// BroadcastToPIDs enqueues one copy of msg on each listed pid's
// mailbox found in reg, succeeding if at least one delivery lands.
// Unlike a Channel in broadcast mode, this targets explicit PIDs
// rather than a subscriber list.
func BroadcastToPIDs(reg *Registry, msg *Message, pids []int) kerr.Err_t {
	delivered := false
	for _, pid := range pids {
		mb, ok := reg.Mailbox(pid)
		if !ok {
			continue
		}
		cp := *msg
		cp.ReceiverPID = pid
		if mb.Send(&cp, true) == kerr.SUCCESS {
			delivered = true
		}
	}
	if !delivered {
		return kerr.ErrNoSuchQueue
	}
	return kerr.SUCCESS
}
