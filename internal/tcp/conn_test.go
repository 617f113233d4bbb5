package tcp

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"tunrelay/internal/packet"
	"tunrelay/internal/timer"
)

// outSeg is one packet emitted toward the TUN side, reparsed.
type outSeg struct {
	flags   header.TCPFlags
	seq     uint32
	ack     uint32
	wnd     uint16
	payload []byte
	mss     uint16
	ws      int
}

type captureWriter struct {
	pool *packet.Pool
	out  chan outSeg
}

func (w *captureWriter) WritePacket(ctx context.Context, buf []byte, n int) error {
	pkt, err := packet.Decode(buf[:n])
	if err != nil {
		w.pool.Put(buf)
		return err
	}
	s := outSeg{
		flags:   pkt.TCP.Flags(),
		seq:     pkt.TCP.SequenceNumber(),
		ack:     pkt.TCP.AckNumber(),
		wnd:     pkt.TCP.WindowSize(),
		payload: append([]byte(nil), pkt.Payload()...),
		ws:      -1,
	}
	if s.flags&header.TCPFlagSyn != 0 {
		so := header.ParseSynOptions(pkt.TCP.Options(), true)
		s.mss = so.MSS
		s.ws = so.WS
	}
	w.pool.Put(buf)
	select {
	case w.out <- s:
	case <-ctx.Done():
	}
	return nil
}

// loopbackFactory dials a local listener so the host side is a real TCP
// socket with working half-close semantics.
type loopbackFactory struct {
	ln      net.Listener
	peers   chan net.Conn
	dialErr error
}

func newLoopbackFactory(t *testing.T) *loopbackFactory {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	f := &loopbackFactory{ln: ln, peers: make(chan net.Conn, 4)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			f.peers <- c
		}
	}()
	return f
}

func (f *loopbackFactory) DialStream(ctx context.Context, remote netip.AddrPort) (net.Conn, error) {
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", f.ln.Addr().String())
}

func (f *loopbackFactory) DialDatagram(ctx context.Context, remote netip.AddrPort) (net.Conn, error) {
	return f.DialStream(ctx, remote)
}

type harness struct {
	t        *testing.T
	conn     *Conn
	out      chan outSeg
	factory  *loopbackFactory
	terminal chan struct{}

	local, remote netip.AddrPort
	seq           uint32 // client-side next sequence
	lastAck       uint32 // last ack we sent (engine's seq space)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	pool := packet.NewPool(128, 2048)
	wheel := timer.NewWheel(time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go wheel.Run(ctx)

	h := &harness{
		t:        t,
		out:      make(chan outSeg, 256),
		factory:  newLoopbackFactory(t),
		terminal: make(chan struct{}),
		local:    netip.MustParseAddrPort("10.0.0.2:40000"),
		remote:   netip.MustParseAddrPort("10.0.0.4:5201"),
		seq:      7000,
	}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	h.conn = New(ctx, Config{
		Local:      h.local,
		Remote:     h.remote,
		MSS:        1460,
		QueueBytes: 64 * 1024,
		Pool:       pool,
		Writer:     &captureWriter{pool: pool, out: h.out},
		Factory:    h.factory,
		Wheel:      wheel,
		Log:        logrus.NewEntry(log),
		OnTerminal: func() { close(h.terminal) },
	})
	h.conn.Start()
	t.Cleanup(h.conn.Shutdown)
	return h
}

// inject builds a client segment with valid checksums and delivers it.
func (h *harness) inject(flags header.TCPFlags, seq, ack uint32, wnd uint16, payload []byte) {
	h.t.Helper()
	ip := &layers.IPv4{
		Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.IP(h.local.Addr().AsSlice()), DstIP: net.IP(h.remote.Addr().AsSlice()),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(h.local.Port()), DstPort: layers.TCPPort(h.remote.Port()),
		Seq: seq, Ack: ack, Window: wnd,
		SYN: flags&header.TCPFlagSyn != 0,
		ACK: flags&header.TCPFlagAck != 0,
		FIN: flags&header.TCPFlagFin != 0,
		RST: flags&header.TCPFlagRst != 0,
		PSH: flags&header.TCPFlagPsh != 0,
	}
	if tcp.SYN {
		tcp.Options = []layers.TCPOption{{
			OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{0x05, 0xb4}, // 1460
		}}
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		h.t.Fatalf("checksum layer: %v", err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(payload)); err != nil {
		h.t.Fatalf("serialize: %v", err)
	}
	pkt, err := packet.Decode(buf.Bytes())
	if err != nil {
		h.t.Fatalf("self-decode: %v", err)
	}
	h.conn.Deliver(pkt)
}

func (h *harness) expect(match func(outSeg) bool, what string) outSeg {
	h.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-h.out:
			if match(s) {
				return s
			}
		case <-deadline:
			h.t.Fatalf("did not observe %s", what)
		}
	}
}

// handshake completes the three-way handshake and returns the engine's ISS.
func (h *harness) handshake() uint32 {
	h.t.Helper()
	h.inject(header.TCPFlagSyn, h.seq, 0, 65535, nil)
	synAck := h.expect(func(s outSeg) bool {
		return s.flags&(header.TCPFlagSyn|header.TCPFlagAck) == header.TCPFlagSyn|header.TCPFlagAck
	}, "SYN,ACK")
	if synAck.ack != h.seq+1 {
		h.t.Fatalf("SYN,ACK acks %d, want %d", synAck.ack, h.seq+1)
	}
	h.seq++
	h.lastAck = synAck.seq + 1
	h.inject(header.TCPFlagAck, h.seq, h.lastAck, 65535, nil)
	return synAck.seq
}

func (h *harness) hostConn() net.Conn {
	h.t.Helper()
	select {
	case c := <-h.factory.peers:
		return c
	case <-time.After(5 * time.Second):
		h.t.Fatalf("bridge never dialed")
		return nil
	}
}

func (h *harness) waitTerminal() {
	h.t.Helper()
	select {
	case <-h.terminal:
	case <-time.After(5 * time.Second):
		h.t.Fatalf("flow never became terminal")
	}
}

func TestHandshakeAdvertisesMSS(t *testing.T) {
	h := newHarness(t)
	h.inject(header.TCPFlagSyn, h.seq, 0, 65535, nil)
	synAck := h.expect(func(s outSeg) bool {
		return s.flags&header.TCPFlagSyn != 0
	}, "SYN,ACK")
	if synAck.mss != 1460 {
		t.Fatalf("advertised MSS %d, want 1460", synAck.mss)
	}
	if synAck.ws != -1 {
		// Our SYN carried no window-scale option, so the reply must not either.
		t.Fatalf("window scale offered without peer support: %d", synAck.ws)
	}
}

func TestUpstreamDelivery(t *testing.T) {
	h := newHarness(t)
	h.handshake()
	host := h.hostConn()

	h.inject(header.TCPFlagAck|header.TCPFlagPsh, h.seq, h.lastAck, 65535, []byte("ping"))

	buf := make([]byte, 16)
	_ = host.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := host.Read(buf)
	if err != nil || string(buf[:n]) != "ping" {
		t.Fatalf("host read: %q %v", buf[:n], err)
	}

	// The delayed ACK must arrive and cover the payload.
	h.expect(func(s outSeg) bool {
		return s.flags&header.TCPFlagAck != 0 && s.ack == h.seq+4
	}, "ACK of payload")
}

func TestReplayYieldsDuplicateAckOnly(t *testing.T) {
	h := newHarness(t)
	h.handshake()
	host := h.hostConn()

	h.inject(header.TCPFlagAck, h.seq, h.lastAck, 65535, []byte("once"))
	buf := make([]byte, 16)
	_ = host.SetReadDeadline(time.Now().Add(5 * time.Second))
	if n, err := host.Read(buf); err != nil || string(buf[:n]) != "once" {
		t.Fatalf("host read: %q %v", buf[:n], err)
	}
	h.expect(func(s outSeg) bool { return s.ack == h.seq+4 }, "first ACK")

	// Replay the same segment: expect an immediate ACK and no re-delivery.
	h.inject(header.TCPFlagAck, h.seq, h.lastAck, 65535, []byte("once"))
	h.expect(func(s outSeg) bool {
		return s.flags&header.TCPFlagAck != 0 && s.ack == h.seq+4 && len(s.payload) == 0
	}, "duplicate ACK")

	_ = host.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if n, _ := host.Read(buf); n != 0 {
		t.Fatalf("replayed data re-delivered: %q", buf[:n])
	}
}

func TestDownstreamSegmentsAndAck(t *testing.T) {
	h := newHarness(t)
	iss := h.handshake()
	host := h.hostConn()

	if _, err := host.Write([]byte("pong")); err != nil {
		t.Fatalf("host write: %v", err)
	}
	data := h.expect(func(s outSeg) bool { return len(s.payload) > 0 }, "data segment")
	if string(data.payload) != "pong" {
		t.Fatalf("payload %q", data.payload)
	}
	if data.seq != iss+1 {
		t.Fatalf("data seq %d, want %d", data.seq, iss+1)
	}
	// Acknowledge so the retransmission queue empties.
	h.inject(header.TCPFlagAck, h.seq, data.seq+uint32(len(data.payload)), 65535, nil)
}

func TestOutOfOrderReassembly(t *testing.T) {
	h := newHarness(t)
	h.handshake()
	host := h.hostConn()

	// Second half first: engine must hold it and dup-ACK.
	h.inject(header.TCPFlagAck, h.seq+5, h.lastAck, 65535, []byte("world"))
	h.expect(func(s outSeg) bool {
		return s.flags&header.TCPFlagAck != 0 && s.ack == h.seq
	}, "dup ACK for gap")

	h.inject(header.TCPFlagAck, h.seq, h.lastAck, 65535, []byte("hello"))

	buf := make([]byte, 16)
	_ = host.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got []byte
	for len(got) < 10 {
		n, err := host.Read(buf)
		if err != nil {
			t.Fatalf("host read after %q: %v", got, err)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != "helloworld" {
		t.Fatalf("reassembled %q", got)
	}
	h.expect(func(s outSeg) bool { return s.ack == h.seq+10 }, "cumulative ACK")
}

func TestPeerFinThenHostEOF(t *testing.T) {
	h := newHarness(t)
	h.handshake()
	host := h.hostConn()

	// Client closes its half.
	h.inject(header.TCPFlagFin|header.TCPFlagAck, h.seq, h.lastAck, 65535, nil)
	finAck := h.expect(func(s outSeg) bool {
		return s.flags&header.TCPFlagAck != 0 && s.ack == h.seq+1
	}, "ACK of FIN")
	h.seq++

	// The upstream half-close propagates to the host socket.
	_ = host.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := host.Read(make([]byte, 1)); !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("host socket not half-closed: %v", err)
	}

	// Host closes; the engine must send its own FIN (LAST-ACK path).
	_ = host.Close()
	fin := h.expect(func(s outSeg) bool {
		return s.flags&header.TCPFlagFin != 0
	}, "engine FIN")

	// Final ACK closes the flow and the record becomes removable.
	h.inject(header.TCPFlagAck, h.seq, fin.seq+1, 65535, nil)
	h.waitTerminal()
	_ = finAck
}

func TestPeerResetTearsDown(t *testing.T) {
	h := newHarness(t)
	h.handshake()
	host := h.hostConn()

	h.inject(header.TCPFlagRst, h.seq, 0, 0, nil)
	h.waitTerminal()

	// The host socket must be released.
	_ = host.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := host.Read(make([]byte, 1)); err == nil {
		t.Fatalf("host socket still open after RST")
	}
}

func TestDialFailureEmitsReset(t *testing.T) {
	h := newHarness(t)
	h.factory.dialErr = errors.New("unreachable")

	h.inject(header.TCPFlagSyn, h.seq, 0, 65535, nil)
	h.expect(func(s outSeg) bool {
		return s.flags&header.TCPFlagSyn != 0
	}, "SYN,ACK")
	h.expect(func(s outSeg) bool {
		return s.flags&header.TCPFlagRst != 0
	}, "RST after dial failure")
	h.waitTerminal()
}

func TestRetransmitOnMissingAck(t *testing.T) {
	h := newHarness(t)
	iss := h.handshake()
	host := h.hostConn()

	if _, err := host.Write([]byte("data")); err != nil {
		t.Fatalf("host write: %v", err)
	}
	first := h.expect(func(s outSeg) bool { return len(s.payload) > 0 }, "data segment")

	// Withhold the ACK: the same sequence range must be re-emitted.
	re := h.expect(func(s outSeg) bool {
		return len(s.payload) > 0 && s.seq == first.seq
	}, "retransmission")
	if string(re.payload) != "data" {
		t.Fatalf("retransmitted payload %q", re.payload)
	}
	if re.seq != iss+1 {
		t.Fatalf("retransmit seq %d", re.seq)
	}
	// Now acknowledge; no further retransmissions should tear the flow down.
	h.inject(header.TCPFlagAck, h.seq, re.seq+4, 65535, nil)
}

func TestAckOfUnsentDataResets(t *testing.T) {
	h := newHarness(t)
	iss := h.handshake()

	// Acknowledge far beyond anything sent.
	h.inject(header.TCPFlagAck, h.seq, iss+100000, 65535, nil)
	h.expect(func(s outSeg) bool {
		return s.flags&header.TCPFlagRst != 0
	}, "RST for ack of unsent data")
	h.waitTerminal()
}

func TestZeroWindowProbe(t *testing.T) {
	h := newHarness(t)
	h.handshake()
	host := h.hostConn()

	// Close the client window, then hand the engine data to send.
	h.inject(header.TCPFlagAck, h.seq, h.lastAck, 0, nil)
	if _, err := host.Write([]byte("x")); err != nil {
		t.Fatalf("host write: %v", err)
	}

	// The persist timer must produce a 1-byte probe.
	probe := h.expect(func(s outSeg) bool { return len(s.payload) == 1 }, "window probe")
	if string(probe.payload) != "x" {
		t.Fatalf("probe payload %q", probe.payload)
	}
}
