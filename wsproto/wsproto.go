// Package wsproto provides helpers for sending and receiving protobuf
// messages over a *wsdriver.Driver, the same convenience role the
// teacher's wspb package plays above Conn.Write/Reader. It does not
// add a session layer -- Unmarshal is meant to be called from within
// a FrameHandler the caller already registered with wsdriver.New.
package wsproto

import (
	"fmt"

	"github.com/golang/protobuf/proto"

	"github.com/flowframe/wsdriver/wsdriver"
	"github.com/flowframe/wsdriver/wsext"
	"github.com/flowframe/wsdriver/wsframe"
)

// Write marshals v and enqueues it as a single BINARY frame. cb, if
// non-nil, is invoked once the frame's flush outcome is known, same
// contract as Driver.OutgoingFrame.
func Write(d *wsdriver.Driver, v proto.Message, cb func(error)) error {
	b, err := proto.Marshal(v)
	if err != nil {
		return fmt.Errorf("wsproto: failed to marshal protobuf: %w", err)
	}
	d.OutgoingFrame(wsframe.OutgoingFrame{
		Opcode:  wsframe.OpBinary,
		Fin:     true,
		Payload: b,
	}, cb, wsext.BatchOff)
	return nil
}

// Unmarshal decodes a BINARY frame delivered to a FrameHandler into v.
// It rejects TEXT frames -- protobuf messages are only ever carried
// as BINARY on this driver, matching the teacher's MessageBinary
// check in wspb.Read.
func Unmarshal(opcode wsframe.Opcode, payload []byte, v proto.Message) error {
	if opcode != wsframe.OpBinary {
		return fmt.Errorf("wsproto: unexpected frame opcode for protobuf (expected %v): %v", wsframe.OpBinary, opcode)
	}
	if err := proto.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("wsproto: failed to unmarshal protobuf: %w", err)
	}
	return nil
}
