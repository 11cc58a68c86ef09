package testutil

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
)

// InMemoryListener is a net.Listener for in-process ingest tests. Each Dial
// produces a net.Pipe pair; the server end is handed out by Accept and
// reports a distinct remote address so per-connection logs and hooks can be
// told apart.
type InMemoryListener struct {
	conns  chan net.Conn
	closed chan struct{}
	seq    atomic.Int64
}

type memAddr string

func (m memAddr) Network() string { return "inmem" }
func (m memAddr) String() string  { return string(m) }

// pipeConn overrides the addresses net.Pipe reports.
type pipeConn struct {
	net.Conn
	local, remote net.Addr
}

func (c *pipeConn) LocalAddr() net.Addr  { return c.local }
func (c *pipeConn) RemoteAddr() net.Addr { return c.remote }

// NewInMemoryListener creates a listener that queues up to backlog unaccepted connections.
func NewInMemoryListener(backlog int) *InMemoryListener {
	if backlog <= 0 {
		backlog = 16
	}
	return &InMemoryListener{
		conns:  make(chan net.Conn, backlog),
		closed: make(chan struct{}),
	}
}

func (l *InMemoryListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

// Close stops Accept and closes connections that were never accepted.
func (l *InMemoryListener) Close() error {
	select {
	case <-l.closed:
		return nil
	default:
	}
	close(l.closed)

	for {
		select {
		case c := <-l.conns:
			_ = c.Close()
		default:
			return nil
		}
	}
}

func (l *InMemoryListener) Addr() net.Addr { return memAddr("relayhub-inmem") }

// Dial returns the sensor end of a new connection. The server end is
// returned by the next Accept.
func (l *InMemoryListener) Dial(ctx context.Context) (net.Conn, error) {
	n := l.seq.Add(1)
	sensorAddr := memAddr(fmt.Sprintf("sensor-%d", n))
	serverEnd, sensorEnd := net.Pipe()

	select {
	case l.conns <- &pipeConn{Conn: serverEnd, local: l.Addr(), remote: sensorAddr}:
		return &pipeConn{Conn: sensorEnd, local: sensorAddr, remote: l.Addr()}, nil
	case <-l.closed:
	case <-ctx.Done():
	}
	serverEnd.Close()
	sensorEnd.Close()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, net.ErrClosed
}
