// Package ipc implements the message-passing layer: bounded queues,
// named publish/subscribe channels, and request/reply on top of them.
// Blocking send/receive park the caller on a sync.Cond rather than
// spinning; a kernel thread of control is a goroutine in this module,
// so blocking one blocks exactly the right task. The channel-name
// registry sits on internal/hashtable for lock-free lookup from the
// send fast path.
package ipc

import (
	"sync/atomic"

	"github.com/corekernel-os/corekernel/internal/kerr"
	"github.com/google/uuid"
)

// MsgType distinguishes a fire-and-forget send from a request/reply
// pair.
type MsgType int

const (
	MsgNotify MsgType = iota
	MsgRequest
	MsgReply
)

// MaxPayload is the largest payload a Message may carry.
const MaxPayload = 512

// Message is one IPC datum. ID is a collision-free internal key for
// dedup and log correlation; WireID is the 32-bit msg_id that
// actually crosses the user/kernel copy boundary.
type Message struct {
	ID          uuid.UUID
	WireID      uint32
	Type        MsgType
	SenderPID   int
	ReceiverPID int
	ReplyTo     uint32
	Timestamp   int64
	Payload     []byte
}

var nextWireID uint32

// NewMessage allocates a fresh Notify-typed message addressed from
// senderPID to receiverPID. Send/SendRequest/SendReply adjust Type and
// ReplyTo as needed.
func NewMessage(senderPID, receiverPID int, payload []byte) (*Message, kerr.Err_t) {
	if len(payload) > MaxPayload {
		return nil, kerr.ErrMessageTooLarge
	}
	return &Message{
		ID:          uuid.New(),
		WireID:      atomic.AddUint32(&nextWireID, 1),
		SenderPID:   senderPID,
		ReceiverPID: receiverPID,
		Payload:     append([]byte(nil), payload...),
	}, kerr.SUCCESS
}
