//go:build !linux

package ws

import (
	"bufio"
	"io"
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms.
// Each connection gets a monitor goroutine that peeks through a buffered
// reader, so detecting readiness never consumes frame bytes. The monitor
// waits for Resume before peeking again, which keeps it from racing the
// worker that reads the frame.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]*watched
	readyCh chan net.Conn
	done    chan struct{}
}

type watched struct {
	br     *bufio.Reader
	resume chan struct{}
}

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*watched),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring conn.
func (e *Epoll) Add(conn net.Conn) error {
	w := &watched{
		br:     bufio.NewReader(conn),
		resume: make(chan struct{}, 1),
	}
	e.mu.Lock()
	e.conns[conn] = w
	e.mu.Unlock()

	go e.monitor(conn, w)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, w *watched) {
	for {
		// Peek blocks until data or an error is available and leaves the
		// bytes in the buffer for the worker.
		_, err := w.br.Peek(1)

		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-w.resume:
		case <-e.done:
			return
		}
		if !e.watching(conn) {
			return
		}
	}
}

func (e *Epoll) watching(conn net.Conn) bool {
	e.mu.RLock()
	_, ok := e.conns[conn]
	e.mu.RUnlock()
	return ok
}

// Reader returns the buffered reader the monitor peeks through. Workers must
// read frames from it, not from conn.
func (e *Epoll) Reader(conn net.Conn) io.Reader {
	e.mu.RLock()
	w, ok := e.conns[conn]
	e.mu.RUnlock()
	if !ok {
		return conn
	}
	return w.br
}

// Resume lets the monitor of conn wait for the next frame.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.RLock()
	w, ok := e.conns[conn]
	e.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
}

// Remove unregisters a connection from the fallback epoll.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	w, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		select {
		case w.resume <- struct{}{}:
		default:
		}
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading. It
// collects all currently ready connections from the channel and returns them.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}

	// Drain any additional ready connections without blocking.
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
	close(e.done)
	e.mu.Lock()
	e.conns = make(map[net.Conn]*watched)
	e.mu.Unlock()
	return nil
}
