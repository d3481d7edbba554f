// Package wstest builds an in-memory pair of connected Drivers,
// analogous to the teacher's internal/test/wstest.Pipe but built
// directly on net.Pipe and wsdriver.New instead of an
// http.Hijacker-backed upgrade -- this module's driver never performs
// the HTTP upgrade handshake itself (out of scope per the connection
// driver's own spec), so there is no listener to fake a transport
// against.
package wstest

import (
	"fmt"
	"net"

	"github.com/flowframe/wsdriver/wsdriver"
	"github.com/flowframe/wsdriver/wsext"
)

// DefaultBufferSize is used for both input and output buffers when
// the caller doesn't need to exercise a specific size.
const DefaultBufferSize = 4096

// Pipe builds a server Driver and a client Driver wired to opposite
// ends of a net.Pipe, with serverChain/clientChain (either may be nil)
// as their respective extension chains, and opens both. The caller is
// responsible for eventually closing one side.
func Pipe(serverChain, clientChain *wsext.Chain, serverHandler, clientHandler wsdriver.FrameHandler) (server, client *wsdriver.Driver, err error) {
	serverConn, clientConn := net.Pipe()

	server, err = wsdriver.New(serverConn, wsdriver.Policy{
		Behavior:         wsdriver.BehaviorServer,
		InputBufferSize:  DefaultBufferSize,
		OutputBufferSize: DefaultBufferSize,
	}, serverChain, serverHandler)
	if err != nil {
		return nil, nil, fmt.Errorf("wstest: server driver: %w", err)
	}

	client, err = wsdriver.New(clientConn, wsdriver.Policy{
		Behavior:         wsdriver.BehaviorClient,
		InputBufferSize:  DefaultBufferSize,
		OutputBufferSize: DefaultBufferSize,
	}, clientChain, clientHandler)
	if err != nil {
		return nil, nil, fmt.Errorf("wstest: client driver: %w", err)
	}

	server.Open()
	client.Open()
	return server, client, nil
}
