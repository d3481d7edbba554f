package wsproto_test

import (
	"net"
	"testing"
	"time"

	"github.com/golang/protobuf/ptypes/wrappers"

	"github.com/flowframe/wsdriver/wsdriver"
	"github.com/flowframe/wsdriver/wsframe"
	"github.com/flowframe/wsdriver/wsproto"
)

func TestWriteThenUnmarshal(t *testing.T) {
	server, peer := net.Pipe()
	defer peer.Close()

	d, err := wsdriver.New(server, wsdriver.Policy{
		Behavior:         wsdriver.BehaviorServer,
		InputBufferSize:  4096,
		OutputBufferSize: 4096,
	}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.Open()

	msg := &wrappers.StringValue{Value: "hello protobuf"}
	sent := make(chan error, 1)
	if err := wsproto.Write(d, msg, func(err error) { sent <- err }); err != nil {
		t.Fatalf("Write: %v", err)
	}

	peer.SetReadDeadline(time.Now().Add(time.Second))
	header := make([]byte, wsframe.MaxHeaderLength)
	n, err := peer.Read(header)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	header = header[:n]

	// Unmasked server frame with a one-byte length prefix: opcode/fin
	// byte, then length byte (payload is short enough not to need an
	// extended length field).
	if wsframe.Opcode(header[0]&0x0f) != wsframe.OpBinary {
		t.Fatalf("expected BINARY frame, got opcode %v", header[0]&0x0f)
	}
	payloadLen := int(header[1] & 0x7f)
	payload := append([]byte(nil), header[2:]...)
	for len(payload) < payloadLen {
		buf := make([]byte, payloadLen-len(payload))
		n, err := peer.Read(buf)
		if err != nil {
			t.Fatalf("read payload: %v", err)
		}
		payload = append(payload, buf[:n]...)
	}

	// net.Pipe has no buffer, so the flush completes only once the
	// frame above has been read.
	select {
	case err := <-sent:
		if err != nil {
			t.Fatalf("flush failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("write never completed")
	}

	var got wrappers.StringValue
	if err := wsproto.Unmarshal(wsframe.OpBinary, payload, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Value != msg.Value {
		t.Fatalf("got %q, want %q", got.Value, msg.Value)
	}
}

func TestUnmarshalRejectsTextOpcode(t *testing.T) {
	var got wrappers.StringValue
	err := wsproto.Unmarshal(wsframe.OpText, []byte("irrelevant"), &got)
	if err == nil {
		t.Fatalf("expected an error for a TEXT opcode")
	}
}
