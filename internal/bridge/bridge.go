// Package bridge owns the host-side socket of each flow and couples it to
// the transport engine through two bounded byte queues.
package bridge

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"sync"

	"tunrelay/internal/metrics"
)

// SocketFactory produces host sockets bound to the configured egress
// interface. It is the only collaborator that knows the host network.
type SocketFactory interface {
	DialStream(ctx context.Context, remote netip.AddrPort) (net.Conn, error)
	DialDatagram(ctx context.Context, remote netip.AddrPort) (net.Conn, error)
}

// EventKind enumerates bridge notifications to the engine.
type EventKind int

const (
	// EventDialOK: the host socket is connected and the pumps are running.
	EventDialOK EventKind = iota
	// EventDialErr: the dial failed; Err is set.
	EventDialErr
	// EventDownData: new bytes are available on the downstream queue.
	EventDownData
	// EventEOF: the host socket reached end of stream.
	EventEOF
	// EventError: a socket read or write failed; Err is set.
	EventError
)

// Event is a bridge notification pushed to the engine's event queue.
type Event struct {
	Kind EventKind
	Err  error
}

// Bridge runs the upstream and downstream pumps for one stream flow.
type Bridge struct {
	up     *Queue // TUN -> host
	down   *Queue // host -> TUN
	notify func(Event)

	mu        sync.Mutex
	conn      net.Conn
	closed    bool
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// NewStream dials remote through factory and starts the two pumps. The
// dial happens asynchronously: the engine learns the outcome through
// EventDialOK or EventDialErr on notify.
func NewStream(ctx context.Context, factory SocketFactory, remote netip.AddrPort, up, down *Queue, notify func(Event)) *Bridge {
	ctx, cancel := context.WithCancel(ctx)
	b := &Bridge{up: up, down: down, notify: notify, cancel: cancel}
	go func() {
		conn, err := factory.DialStream(ctx, remote)
		if err != nil {
			notify(Event{Kind: EventDialErr, Err: err})
			return
		}
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			_ = conn.Close()
			return
		}
		b.conn = conn
		b.mu.Unlock()
		notify(Event{Kind: EventDialOK})
		go b.pumpUp(ctx, conn)
		go b.pumpDown(ctx, conn)
	}()
	return b
}

// Close tears the socket down and unblocks both pumps. Idempotent.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		conn := b.conn
		b.mu.Unlock()
		b.cancel()
		if conn != nil {
			_ = conn.Close()
		}
	})
}

// pumpUp moves bytes from the upstream queue to the host socket. When the
// engine closes the queue (peer FIN fully enqueued) the socket write side
// is half-closed.
func (b *Bridge) pumpUp(ctx context.Context, conn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := b.up.Read(ctx, buf)
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				b.notify(Event{Kind: EventError, Err: werr})
				return
			}
			metrics.RelayedBytes.WithLabelValues("up").Add(float64(n))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				_ = closeWrite(conn)
			}
			return
		}
	}
}

// pumpDown moves bytes from the host socket to the downstream queue. The
// blocking queue write is what keeps the socket unread while the TUN side
// is not draining.
func (b *Bridge) pumpDown(ctx context.Context, conn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, qerr := b.down.Write(ctx, buf[:n]); qerr != nil {
				return
			}
			metrics.RelayedBytes.WithLabelValues("down").Add(float64(n))
			b.notify(Event{Kind: EventDownData})
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				b.down.Close()
				b.notify(Event{Kind: EventEOF})
			} else if ctx.Err() == nil {
				b.notify(Event{Kind: EventError, Err: err})
			}
			return
		}
	}
}

// closeWrite performs a TCP half-close when the socket supports it.
func closeWrite(c net.Conn) error {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := c.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return c.Close()
}
