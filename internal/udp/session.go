// Package udp relays datagram flows between the TUN side and connected
// host sockets. Sessions are created on the first datagram of a key and
// evicted by the flow table after the configured idle interval.
package udp

import (
	"context"
	"net/netip"
	"sync"

	"github.com/sirupsen/logrus"

	"tunrelay/internal/bridge"
	"tunrelay/internal/metrics"
	"tunrelay/internal/packet"
)

// PacketWriter emits one IP packet toward the TUN device; the buffer is
// returned to the pool by the writer.
type PacketWriter interface {
	WritePacket(ctx context.Context, buf []byte, n int) error
}

// Datagrams queued toward the host while the socket dial is in flight.
const sendBacklog = 64

// Config carries the collaborators of one session.
type Config struct {
	Local, Remote netip.AddrPort

	Factory bridge.SocketFactory
	Pool    *packet.Pool
	Writer  PacketWriter
	Log     *logrus.Entry

	// OnTerminal marks the flow record for removal.
	OnTerminal func()
	// Touch records reply-direction activity on the flow record.
	Touch func()
}

// Session is one UDP flow. Ingress datagrams are relayed verbatim to the
// host socket and replies verbatim back to the TUN side.
type Session struct {
	cfg    Config
	log    *logrus.Entry
	ctx    context.Context
	cancel context.CancelFunc

	send chan []byte

	closeOnce sync.Once
	ipID      uint16
}

// New creates the session and dials the remote endpoint asynchronously.
func New(ctx context.Context, cfg Config) *Session {
	s := &Session{
		cfg:  cfg,
		log:  cfg.Log,
		send: make(chan []byte, sendBacklog),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.run()
	return s
}

// Deliver implements flow.Engine. A full send queue drops the datagram,
// matching normal UDP loss semantics.
func (s *Session) Deliver(pkt packet.Packet) {
	payload := append([]byte(nil), pkt.Payload()...)
	select {
	case s.send <- payload:
	default:
		s.log.Debug("send queue full, datagram dropped")
	}
}

// Shutdown implements flow.Engine. Idempotent.
func (s *Session) Shutdown() {
	s.closeOnce.Do(s.cancel)
}

func (s *Session) run() {
	defer s.cfg.OnTerminal()
	defer s.cancel()

	conn, err := s.cfg.Factory.DialDatagram(s.ctx, s.cfg.Remote)
	if err != nil {
		s.log.WithError(err).Debug("udp dial failed")
		return
	}
	defer conn.Close()

	go func() {
		<-s.ctx.Done()
		_ = conn.Close()
	}()

	// Reply pump: host socket back to the TUN side.
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 65535)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			if n == 0 {
				continue
			}
			s.emitReply(buf[:n])
			metrics.RelayedBytes.WithLabelValues("down").Add(float64(n))
			s.cfg.Touch()
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			<-done
			return
		case p := <-s.send:
			if _, err := conn.Write(p); err != nil {
				s.log.WithError(err).Debug("udp socket write failed")
				<-done
				return
			}
			metrics.RelayedBytes.WithLabelValues("up").Add(float64(len(p)))
		}
	}
}

func (s *Session) emitReply(payload []byte) {
	// Replies that cannot fit one MTU-sized packet are dropped; egress
	// fragmentation is out of scope.
	if len(payload) > s.cfg.Pool.BufSize()-28 {
		s.log.WithField("len", len(payload)).Debug("oversized reply dropped")
		return
	}
	buf, err := s.cfg.Pool.Get(s.ctx)
	if err != nil {
		return
	}
	s.ipID++
	n := packet.EncodeUDP(buf, s.cfg.Remote, s.cfg.Local, s.ipID, payload)
	if err := s.cfg.Writer.WritePacket(s.ctx, buf, n); err != nil {
		s.log.WithError(err).Debug("tun write failed")
	}
}
