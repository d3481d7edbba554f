package wsdriver

import (
	"fmt"
	"net"
)

// ID is a human-readable connection identifier derived from the local
// and remote socket addresses, fixed at construction time.
type ID string

func newID(local, remote net.Addr) ID {
	return ID(fmt.Sprintf("%s->%s", addrString(local), addrString(remote)))
}

func addrString(a net.Addr) string {
	if a == nil {
		return "?"
	}
	return a.String()
}
