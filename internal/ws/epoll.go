//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// maxEventBatch bounds how many ready connections one Wait call hands to the
// dispatch loop. The worker pool drains each batch before the next Wait, so
// a bigger batch only trades latency for fewer syscalls.
const maxEventBatch = 256

// Epoll multiplexes read readiness for every client connection on a single
// kernel epoll instance. A chat connection is idle almost all of the time;
// parking them all here instead of one goroutine each keeps the per-user
// footprint to the Connection struct.
type Epoll struct {
	pollFd int
	mu     sync.RWMutex
	conns  map[int]net.Conn // fd -> registered connection
	events []unix.EpollEvent
}

// NewEpoll creates the epoll instance.
func NewEpoll() (*Epoll, error) {
	pollFd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		pollFd: pollFd,
		conns:  make(map[int]net.Conn),
		events: make([]unix.EpollEvent, maxEventBatch),
	}, nil
}

// Add registers the connection for read readiness. EPOLLRDHUP is included so
// a peer that half-closes (a mobile client losing signal mid-session) wakes
// the loop instead of lingering until the heartbeat sweep.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if err := unix.EpollCtl(e.pollFd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}

	e.mu.Lock()
	e.conns[fd] = conn
	e.mu.Unlock()
	return nil
}

// Remove drops the connection from the interest list and the fd map.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	if err := unix.EpollCtl(e.pollFd, syscall.EPOLL_CTL_DEL, fd, nil); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.conns, fd)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one registered connection is readable and
// returns the batch. An fd removed between the kernel reporting it and the
// map lookup is skipped; its removal already handled cleanup.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.pollFd, e.events, -1)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	ready := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if conn, ok := e.conns[int(e.events[i].Fd)]; ok {
			ready = append(ready, conn)
		}
	}
	e.mu.RUnlock()
	return ready, nil
}

// Close releases the epoll instance. Registered connections are closed by the
// connection manager, not here.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns = nil
	return unix.Close(e.pollFd)
}
