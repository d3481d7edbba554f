package wstest

import (
	"testing"
	"time"

	"github.com/flowframe/wsdriver/wsframe"
)

func TestPipeDeliversAMessageBothWays(t *testing.T) {
	var fromServer, fromClient []byte
	serverDone := make(chan struct{}, 1)
	clientDone := make(chan struct{}, 1)

	// fromServer/fromClient name what each side *received*: the server's
	// handler fires when a frame arrives from the client, and vice versa.
	server, client, err := Pipe(nil, nil,
		func(op wsframe.Opcode, payload []byte) { fromServer = payload; serverDone <- struct{}{} },
		func(op wsframe.Opcode, payload []byte) { fromClient = payload; clientDone <- struct{}{} },
	)
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer server.Close()
	defer client.Close()

	server.OutgoingFrame(wsframe.OutgoingFrame{Opcode: wsframe.OpText, Fin: true, Payload: []byte("from server")}, nil, 0)
	client.OutgoingFrame(wsframe.OutgoingFrame{Opcode: wsframe.OpText, Fin: true, Payload: []byte("from client")}, nil, 0)

	select {
	case <-clientDone:
	case <-time.After(time.Second):
		t.Fatalf("client never received server's message")
	}
	select {
	case <-serverDone:
	case <-time.After(time.Second):
		t.Fatalf("server never received client's message")
	}

	if string(fromClient) != "from server" {
		t.Fatalf("client got %q", fromClient)
	}
	if string(fromServer) != "from client" {
		t.Fatalf("server got %q", fromServer)
	}
}
