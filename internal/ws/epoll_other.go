//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms.
// On Linux this is replaced by the real epoll implementation. The fallback
// exists so the server can run on a macOS/Windows dev machine; it is not
// intended for production load.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]chan struct{} // conn -> per-connection stop signal
	readyCh chan net.Conn              // connections with pending data
	done    chan struct{}
}

// NewEpoll creates a new fallback instance that uses a goroutine per
// connection to watch for incoming data.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection by spawning a goroutine that blocks on a 1-byte
// read. When data arrives the connection is sent to the ready channel for
// pickup by Wait.
func (e *Epoll) Add(conn net.Conn) error {
	stop := make(chan struct{})
	e.mu.Lock()
	e.conns[conn] = stop
	e.mu.Unlock()

	go e.monitor(conn, stop)
	return nil
}

// monitor blocks reading a single byte from the connection to detect when
// data is available, then signals readiness until the connection is removed
// or the instance is closed.
func (e *Epoll) monitor(conn net.Conn, stop chan struct{}) {
	buf := make([]byte, 1)
	for {
		_, err := conn.Read(buf)
		if err != nil {
			// Closed or errored. Signal readiness once so the read path
			// can observe the closure and clean up.
			select {
			case e.readyCh <- conn:
			case <-stop:
			case <-e.done:
			}
			return
		}

		// One byte has been consumed here; the frame reader tolerates this
		// only in dev use. The Linux epoll path never consumes bytes.
		select {
		case e.readyCh <- conn:
		case <-stop:
			return
		case <-e.done:
			return
		}
	}
}

// Remove unregisters a connection and stops its monitor goroutine.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	stop, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()

	if ok {
		close(stop)
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading, then
// drains any additional ready connections without blocking.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback instance and all monitor goroutines.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}
