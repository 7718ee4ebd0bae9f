package ws

import (
	"errors"
	"net"
	"syscall"
)

// errNoFD is returned for connections that do not expose a socket.
var errNoFD = errors.New("ws: connection has no socket descriptor")

// poller reports registered connections that have input waiting. wait may
// return an empty batch; the event loop checks for shutdown between calls.
type poller interface {
	add(c *Connection) error
	remove(c *Connection) error
	wait() ([]*Connection, error)
	close() error
}

// socketFD returns the descriptor behind conn without duplicating it, or -1.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	if err := raw.Control(func(sfd uintptr) { fd = int(sfd) }); err != nil {
		return -1
	}
	return fd
}
