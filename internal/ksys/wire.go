package ksys

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/corekernel-os/corekernel/internal/ipc"
	"github.com/corekernel-os/corekernel/internal/kerr"
)

// WireSize is the exact on-the-wire byte length of a WireMessage:
// six u32 fields, one u64, one more u32, then the 512-byte payload.
const WireSize = 4*7 + 8 + ipc.MaxPayload

// WireMessage is the fixed-size layout a syscall actually copies
// across the user/kernel boundary.
// internal/ipc.Message is the in-kernel representation; this struct
// exists only to encode/decode it, since a hardware-facing wire
// format and an in-memory working struct are different concerns (the
// same split internal/vmm makes between its PTE struct and
// EncodeSwapPTE/DecodeSwapPTE).
type WireMessage struct {
	MsgID       uint32
	Type        uint32
	ReceiverPID uint32
	SenderPID   uint32
	DataSize    uint32
	Flags       uint32
	Timestamp   uint64
	ReplyTo     uint32
	Data        [ipc.MaxPayload]byte
}

// Encode converts an internal Message into its wire layout.
func Encode(msg *ipc.Message) (*WireMessage, kerr.Err_t) {
	if len(msg.Payload) > ipc.MaxPayload {
		return nil, kerr.ErrMessageTooLarge
	}
	w := &WireMessage{
		MsgID:       msg.WireID,
		Type:        uint32(msg.Type),
		ReceiverPID: uint32(msg.ReceiverPID),
		SenderPID:   uint32(msg.SenderPID),
		DataSize:    uint32(len(msg.Payload)),
		Timestamp:   uint64(msg.Timestamp),
		ReplyTo:     msg.ReplyTo,
	}
	copy(w.Data[:], msg.Payload)
	return w, kerr.SUCCESS
}

// Decode converts a wire-format message back into an internal
// Message, truncating Data to DataSize.
func Decode(w *WireMessage) (*ipc.Message, kerr.Err_t) {
	if w.DataSize > ipc.MaxPayload {
		return nil, kerr.ErrMessageTooLarge
	}
	return &ipc.Message{
		WireID:      w.MsgID,
		Type:        ipc.MsgType(w.Type),
		ReceiverPID: int(w.ReceiverPID),
		SenderPID:   int(w.SenderPID),
		ReplyTo:     w.ReplyTo,
		Timestamp:   int64(w.Timestamp),
		Payload:     append([]byte(nil), w.Data[:w.DataSize]...),
	}, kerr.SUCCESS
}

// Marshal serializes a WireMessage to its exact byte layout,
// little-endian, for a real syscall copy-in/copy-out boundary.
func Marshal(w *WireMessage) []byte {
	buf := new(bytes.Buffer)
	buf.Grow(WireSize)
	binary.Write(buf, binary.LittleEndian, w.MsgID)
	binary.Write(buf, binary.LittleEndian, w.Type)
	binary.Write(buf, binary.LittleEndian, w.ReceiverPID)
	binary.Write(buf, binary.LittleEndian, w.SenderPID)
	binary.Write(buf, binary.LittleEndian, w.DataSize)
	binary.Write(buf, binary.LittleEndian, w.Flags)
	binary.Write(buf, binary.LittleEndian, w.Timestamp)
	binary.Write(buf, binary.LittleEndian, w.ReplyTo)
	buf.Write(w.Data[:])
	return buf.Bytes()
}

// Unmarshal is the inverse of Marshal.
func Unmarshal(raw []byte) (*WireMessage, kerr.Err_t) {
	if len(raw) != WireSize {
		return nil, kerr.ErrMessageTooLarge
	}
	r := bytes.NewReader(raw)
	w := &WireMessage{}
	for _, f := range []interface{}{&w.MsgID, &w.Type, &w.ReceiverPID, &w.SenderPID,
		&w.DataSize, &w.Flags, &w.Timestamp, &w.ReplyTo} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, kerr.INVALID
		}
	}
	if _, err := io.ReadFull(r, w.Data[:]); err != nil {
		return nil, kerr.INVALID
	}
	return w, kerr.SUCCESS
}
