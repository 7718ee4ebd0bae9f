//go:build !linux

package ws

import (
	"fmt"
	"runtime"
)

// The read loop is built on epoll; other platforms can run the tests but not
// the server.
func newPoller() (poller, error) {
	return nil, fmt.Errorf("ws: epoll is not available on %s", runtime.GOOS)
}
