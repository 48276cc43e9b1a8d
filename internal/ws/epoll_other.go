//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms
// so the server can run on developer machines. It never reads from the
// socket itself: each connection is offered to Wait once, and offered again
// only after the worker calls Rearm.
type Epoll struct {
	mu        sync.Mutex
	conns     map[net.Conn]chan struct{} // rearm signal per connection
	readyCh   chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection and starts offering it to Wait.
func (e *Epoll) Add(conn net.Conn) error {
	rearm := make(chan struct{}, 1)

	e.mu.Lock()
	e.conns[conn] = rearm
	e.mu.Unlock()

	go e.monitor(conn, rearm)
	return nil
}

// monitor hands the connection to Wait, then parks until it is re-armed or
// removed. The worker's blocking read (bounded by the read timeout) stands
// in for readiness notification.
func (e *Epoll) monitor(conn net.Conn, rearm chan struct{}) {
	for {
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}

		select {
		case _, ok := <-rearm:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Rearm offers conn to Wait again.
func (e *Epoll) Rearm(conn net.Conn) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rearm, ok := e.conns[conn]; ok {
		select {
		case rearm <- struct{}{}:
		default:
		}
	}
	return nil
}

// Remove unregisters a connection from the fallback epoll.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rearm, ok := e.conns[conn]; ok {
		delete(e.conns, conn)
		close(rearm)
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading and returns
// every connection that is ready at that moment.
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

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	return nil
}

func isEINTR(error) bool { return false }
