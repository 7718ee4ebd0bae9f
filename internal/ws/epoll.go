//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// pollTimeoutMs bounds one epoll_wait so Close is noticed promptly.
const pollTimeoutMs = 250

// epollPoller multiplexes connection reads over one epoll instance rather
// than a goroutine per connection. Registration is level-triggered; the
// server's per-connection processing flag absorbs repeat notifications.
type epollPoller struct {
	fd     int
	mu     sync.RWMutex
	byFd   map[int32]*Connection
	events []unix.EpollEvent
	closed bool
}

func newPoller() (poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{
		fd:     fd,
		byFd:   make(map[int32]*Connection),
		events: make([]unix.EpollEvent, 256),
	}, nil
}

func (p *epollPoller) add(c *Connection) error {
	if c.Fd < 0 {
		return errNoFD
	}
	fd := int32(c.Fd)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return net.ErrClosed
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP, Fd: fd}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, c.Fd, &ev); err != nil {
		return err
	}
	p.byFd[fd] = c
	return nil
}

func (p *epollPoller) remove(c *Connection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.byFd[int32(c.Fd)] != c {
		return nil
	}
	delete(p.byFd, int32(c.Fd))
	// ENOENT/EBADF: the socket was already closed, which deregisters it.
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, c.Fd, nil); err != nil &&
		!errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return err
	}
	return nil
}

func (p *epollPoller) wait() ([]*Connection, error) {
	n, err := unix.EpollWait(p.fd, p.events, pollTimeoutMs)
	if errors.Is(err, unix.EINTR) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, net.ErrClosed
	}
	ready := make([]*Connection, 0, n)
	for _, ev := range p.events[:n] {
		// Removed between epoll_wait and the lookup.
		if c, ok := p.byFd[ev.Fd]; ok {
			ready = append(ready, c)
		}
	}
	return ready, nil
}

func (p *epollPoller) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.byFd = nil
	return unix.Close(p.fd)
}
