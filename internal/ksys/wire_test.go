package ksys

import (
	"bytes"
	"testing"

	"github.com/corekernel-os/corekernel/internal/ipc"
	"github.com/corekernel-os/corekernel/internal/kerr"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg, err := ipc.NewMessage(7, 9, []byte("hello kernel"))
	if err != kerr.SUCCESS {
		t.Fatalf("NewMessage: %v", err)
	}
	msg.Type = ipc.MsgRequest
	msg.ReplyTo = 42
	msg.Timestamp = 123456789

	w, err := Encode(msg)
	if err != kerr.SUCCESS {
		t.Fatalf("Encode: %v", err)
	}
	back, err := Decode(w)
	if err != kerr.SUCCESS {
		t.Fatalf("Decode: %v", err)
	}
	if back.WireID != msg.WireID || back.SenderPID != msg.SenderPID ||
		back.ReceiverPID != msg.ReceiverPID || back.ReplyTo != msg.ReplyTo ||
		back.Timestamp != msg.Timestamp || string(back.Payload) != string(msg.Payload) {
		t.Fatalf("round trip mismatch: got %+v, want payload/fields of %+v", back, msg)
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	msg := &ipc.Message{Payload: make([]byte, ipc.MaxPayload+1)}
	if _, err := Encode(msg); err != kerr.ErrMessageTooLarge {
		t.Fatalf("Encode(oversized) = %v, want ErrMessageTooLarge", err)
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	w := &WireMessage{MsgID: 5, Type: 1, ReceiverPID: 100, SenderPID: 200, DataSize: 3, Flags: 0, Timestamp: 999, ReplyTo: 0}
	copy(w.Data[:], "abc")

	raw := Marshal(w)
	if len(raw) != WireSize {
		t.Fatalf("Marshal length = %d, want %d", len(raw), WireSize)
	}
	back, err := Unmarshal(raw)
	if err != kerr.SUCCESS {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.MsgID != w.MsgID || back.ReceiverPID != w.ReceiverPID || back.SenderPID != w.SenderPID ||
		back.DataSize != w.DataSize || back.Timestamp != w.Timestamp {
		t.Fatalf("Unmarshal(Marshal(w)) = %+v, want %+v", back, w)
	}
	if !bytes.Equal(back.Data[:back.DataSize], w.Data[:w.DataSize]) {
		t.Fatal("payload bytes did not survive the round trip")
	}
}

func TestUnmarshalRejectsWrongLength(t *testing.T) {
	if _, err := Unmarshal(make([]byte, 10)); err != kerr.ErrMessageTooLarge {
		t.Fatalf("Unmarshal(short buffer) = %v, want ErrMessageTooLarge", err)
	}
}
