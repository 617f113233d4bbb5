// Package tcp terminates TUN-side TCP flows against an RFC-793-style
// state machine and bridges their payload to host sockets.
package tcp

import (
	"context"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"tunrelay/internal/bridge"
	"tunrelay/internal/metrics"
	"tunrelay/internal/packet"
	"tunrelay/internal/timer"
)

// PacketWriter emits one IP packet toward the TUN device. The buffer was
// taken from the shared pool; the writer returns it after the write.
type PacketWriter interface {
	WritePacket(ctx context.Context, buf []byte, n int) error
}

const (
	delayedAckDelay  = 40 * time.Millisecond
	timeWaitDuration = 60 * time.Second // 2 x MSL
	maxRetries       = 5
	dupAckThreshold  = 3
	maxOOOSegments   = 128
	eventBacklog     = 128
)

// Config carries the collaborators of one connection.
type Config struct {
	// Local is the TUN-side endpoint, Remote the destination the bridge
	// dials. Replies are emitted from Remote to Local.
	Local, Remote netip.AddrPort

	// MSS is the configured ceiling; the peer's SYN option can lower it.
	MSS        int
	QueueBytes int

	Pool    *packet.Pool
	Writer  PacketWriter
	Factory bridge.SocketFactory
	Wheel   *timer.Wheel
	Log     *logrus.Entry

	// OnTerminal marks the flow record for removal. Called exactly once,
	// after both queues are released and the socket is closed.
	OnTerminal func()
}

// timer flag bits, latched by wheel callbacks and drained by the loop
const (
	tfRetrans uint32 = 1 << iota
	tfPersist
	tfDelayedAck
	tfTimeWait
)

type segment struct {
	seq, ack uint32
	flags    header.TCPFlags
	wnd      uint16
	payload  []byte
	synOpts  header.TCPSynOptions
}

func (s *segment) has(f header.TCPFlags) bool { return s.flags&f != 0 }

type event struct {
	seg *segment
	bev *bridge.Event
}

// rtSegment is one unacknowledged unit on the retransmission queue.
type rtSegment struct {
	seq     uint32
	flags   header.TCPFlags
	payload []byte
	sentAt  time.Time
	rtx     int
}

func (s *rtSegment) seqLen() uint32 {
	n := uint32(len(s.payload))
	if s.flags&header.TCPFlagSyn != 0 {
		n++
	}
	if s.flags&header.TCPFlagFin != 0 {
		n++
	}
	return n
}

type oooSegment struct {
	seq     uint32
	payload []byte
	fin     bool
}

// Conn is the per-flow TCP control block plus its event loop. All state
// is owned by the run goroutine; external callers only push events.
type Conn struct {
	cfg    Config
	log    *logrus.Entry
	ctx    context.Context
	cancel context.CancelFunc

	events chan event
	kick   chan struct{}
	tflags atomic.Uint32

	state     State
	stateView atomic.Int32

	// send direction (toward the TUN side)
	iss          uint32
	sndUna       uint32
	sndNxt       uint32
	sndWnd       uint32
	sndWl1       uint32
	sndWl2       uint32
	cwnd         int
	ssthresh     int
	dupAcks      int
	rtq          []*rtSegment
	retransArmed bool
	retransBkoff uint
	persistArmed bool
	persistBkoff uint

	// receive direction
	irs          uint32
	rcvNxt       uint32
	ooo          []oooSegment
	ackPending   bool
	peerWndShift uint8
	rcvWndShift  uint8

	mss     int
	rto     rtoEstimator
	scratch []byte
	ipID    uint16

	finSent     bool
	finSeq      uint32
	peerFinSeen bool
	eofSeen     bool

	upQ   *bridge.Queue // TUN -> host
	downQ *bridge.Queue // host -> TUN
	br    *bridge.Bridge

	retransT, persistT, delayedAckT, timeWaitT *timer.Timer
}

// New creates a connection in LISTEN; the first delivered segment must be
// the SYN that created the flow record.
func New(ctx context.Context, cfg Config) *Conn {
	c := &Conn{
		cfg:    cfg,
		log:    cfg.Log,
		events: make(chan event, eventBacklog),
		kick:   make(chan struct{}, 1),
		state:  StateListen,
		mss:    cfg.MSS,
		rto:    newRTOEstimator(),
		upQ:    bridge.NewQueue(cfg.QueueBytes),
		downQ:  bridge.NewQueue(cfg.QueueBytes),
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.retransT = cfg.Wheel.NewTimer(c.latch(tfRetrans))
	c.persistT = cfg.Wheel.NewTimer(c.latch(tfPersist))
	c.delayedAckT = cfg.Wheel.NewTimer(c.latch(tfDelayedAck))
	c.timeWaitT = cfg.Wheel.NewTimer(c.latch(tfTimeWait))
	return c
}

func (c *Conn) latch(flag uint32) func() {
	return func() {
		c.tflags.Or(flag)
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
}

// Start launches the event loop.
func (c *Conn) Start() { go c.run() }

// Deliver implements flow.Engine. The packet view is copied; the call
// blocks only when the flow's event queue is full, which serializes a
// too-fast sender against this flow instead of dropping.
func (c *Conn) Deliver(pkt packet.Packet) {
	th := pkt.TCP
	seg := &segment{
		seq:   th.SequenceNumber(),
		ack:   th.AckNumber(),
		flags: th.Flags(),
		wnd:   th.WindowSize(),
	}
	if p := th.Payload(); len(p) > 0 {
		seg.payload = append([]byte(nil), p...)
	}
	if seg.has(header.TCPFlagSyn) {
		seg.synOpts = header.ParseSynOptions(th.Options(), false)
	}
	select {
	case c.events <- event{seg: seg}:
	case <-c.ctx.Done():
	}
}

// Shutdown implements flow.Engine: it cancels the loop, which releases
// the socket and queues. Idempotent.
func (c *Conn) Shutdown() { c.cancel() }

func (c *Conn) pushBridgeEvent(ev bridge.Event) {
	select {
	case c.events <- event{bev: &ev}:
	case <-c.ctx.Done():
	}
}

func (c *Conn) run() {
	defer c.cleanup()
	for c.state != StateClosed {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.events:
			switch {
			case ev.seg != nil:
				c.handleSegment(ev.seg)
			case ev.bev != nil:
				c.handleBridge(*ev.bev)
			}
		case <-c.kick:
			flags := c.tflags.Swap(0)
			if flags&tfRetrans != 0 {
				c.onRetransTimeout()
			}
			if flags&tfPersist != 0 {
				c.onPersistTimeout()
			}
			if flags&tfDelayedAck != 0 {
				c.onDelayedAck()
			}
			if flags&tfTimeWait != 0 && c.state == StateTimeWait {
				c.setState(StateClosed)
			}
		}
	}
}

func (c *Conn) cleanup() {
	c.retransT.Stop()
	c.persistT.Stop()
	c.delayedAckT.Stop()
	c.timeWaitT.Stop()
	c.upQ.Abort()
	c.downQ.Abort()
	if c.br != nil {
		c.br.Close()
	}
	c.cancel()
	c.state = StateClosed
	c.stateView.Store(int32(StateClosed))
	c.cfg.OnTerminal()
	c.log.Debug("flow closed")
}

func (c *Conn) setState(s State) {
	if !legalTransition(c.state, s) {
		c.log.WithFields(logrus.Fields{"from": c.state, "to": s}).Error("illegal state transition")
		return
	}
	c.log.WithFields(logrus.Fields{"from": c.state, "to": s}).Debug("state")
	c.state = s
	c.stateView.Store(int32(s))
}

// abort tears the flow down immediately, optionally answering with RST.
func (c *Conn) abort(sendRST bool, reason string) {
	if c.state == StateClosed {
		return
	}
	if sendRST {
		metrics.ResetsSent.WithLabelValues(reason).Inc()
		c.emit(header.TCPFlagRst|header.TCPFlagAck, c.sndNxt, nil, nil)
	}
	c.state = StateClosed
	c.stateView.Store(int32(StateClosed))
}

// ---- segment processing ----

func (c *Conn) handleSegment(seg *segment) {
	switch c.state {
	case StateListen:
		c.handleListen(seg)
		return
	case StateTimeWait:
		// A retransmitted FIN means our last ACK was lost.
		if seg.has(header.TCPFlagFin) {
			c.sendACKNow()
		}
		return
	}

	if seg.has(header.TCPFlagRst) {
		if seg.seq == c.rcvNxt || seqIn(seg.seq, c.rcvNxt, c.receiveWindow()) {
			c.log.Debug("reset by peer")
			c.abort(false, "")
		}
		return
	}

	if seg.has(header.TCPFlagSyn) {
		// A retransmitted SYN for this flow re-elicits the SYN,ACK.
		if c.state == StateSynReceived && seg.seq+1 == c.rcvNxt {
			c.resendHandshake()
			return
		}
		c.abort(true, "unexpected_syn")
		return
	}

	if !seg.has(header.TCPFlagAck) {
		// Everything past the handshake must carry ACK.
		return
	}

	if !c.processAck(seg) {
		return
	}
	if c.state == StateClosed {
		return
	}
	c.processPayload(seg)
	c.trySend()
}

func (c *Conn) handleListen(seg *segment) {
	if !seg.has(header.TCPFlagSyn) || seg.has(header.TCPFlagAck|header.TCPFlagRst|header.TCPFlagFin) {
		c.abort(!seg.has(header.TCPFlagRst), "bad_first_segment")
		return
	}

	c.irs = seg.seq
	c.rcvNxt = seg.seq + 1
	c.iss = initialSequence(c.cfg.Local, c.cfg.Remote)
	c.sndUna = c.iss
	c.sndNxt = c.iss + 1
	c.sndWnd = uint32(seg.wnd) // never scaled in the SYN itself
	c.sndWl1 = seg.seq
	c.sndWl2 = seg.ack

	if seg.synOpts.WS >= 0 {
		c.peerWndShift = uint8(seg.synOpts.WS)
		c.rcvWndShift = windowScaleSelf
	}
	c.mss = effectiveMSS(seg.synOpts.MSS, c.cfg.MSS)
	c.scratch = make([]byte, c.mss)
	c.cwnd = 2 * c.mss
	c.ssthresh = int(^uint(0) >> 2)

	c.log.WithFields(logrus.Fields{"mss": c.mss, "ws": seg.synOpts.WS}).Debug("flow open")

	c.rtq = append(c.rtq, &rtSegment{
		seq:    c.iss,
		flags:  header.TCPFlagSyn | header.TCPFlagAck,
		sentAt: time.Now(),
	})
	c.setState(StateSynReceived)
	c.sendSynAck()
	c.armRetrans()

	// Dial in parallel with the handshake; a failure surfaces later as an
	// EventDialErr and resets the flow.
	c.br = bridge.NewStream(c.ctx, c.cfg.Factory, c.cfg.Remote, c.upQ, c.downQ, c.pushBridgeEvent)
}

// processAck applies the segment's ACK and window fields. It returns
// false when the segment tore the flow down.
func (c *Conn) processAck(seg *segment) bool {
	ack := seg.ack

	if seqGT(ack, c.sndNxt) {
		c.abort(true, "ack_unsent")
		return false
	}

	// Window update per RFC 793.
	if seqLT(c.sndWl1, seg.seq) || (c.sndWl1 == seg.seq && seqLEQ(c.sndWl2, ack)) {
		c.sndWnd = uint32(seg.wnd) << c.peerWndShift
		c.sndWl1 = seg.seq
		c.sndWl2 = ack
		if c.sndWnd > 0 {
			c.persistBkoff = 0
			if c.persistArmed {
				c.persistT.Stop()
				c.persistArmed = false
			}
		}
	}

	switch {
	case seqGT(ack, c.sndUna):
		c.sndUna = ack
		c.dupAcks = 0
		c.retransBkoff = 0
		c.dropAcked(ack)
		if len(c.rtq) == 0 {
			c.retransT.Stop()
			c.retransArmed = false
		} else {
			c.armRetrans()
		}
		c.growCwnd()

		if c.state == StateSynReceived {
			c.setState(StateEstablished)
		}
		if c.finSent && ack == c.finSeq+1 {
			switch c.state {
			case StateFinWait1:
				c.setState(StateFinWait2)
			case StateClosing:
				c.enterTimeWait()
			case StateLastAck:
				c.setState(StateClosed)
				return false
			}
		}

	case ack == c.sndUna:
		if c.state != StateSynReceived &&
			len(seg.payload) == 0 && !seg.has(header.TCPFlagFin) &&
			c.sndNxt != c.sndUna && uint32(seg.wnd)<<c.peerWndShift == c.sndWnd {
			c.dupAcks++
			if c.dupAcks == dupAckThreshold {
				c.fastRetransmit()
			}
		}
	}
	// Older ACKs are ignored.
	return true
}

func (c *Conn) processPayload(seg *segment) {
	fin := seg.has(header.TCPFlagFin)
	payload := seg.payload
	seq := seg.seq

	if len(payload) == 0 && !fin {
		// Keep-alive probes sit one before the expected sequence.
		if seq == c.rcvNxt-1 {
			c.sendACKNow()
		}
		return
	}

	if seqLT(seq, c.rcvNxt) {
		over := c.rcvNxt - seq
		if over >= uint32(len(payload)) {
			if fin && seq+uint32(len(payload)) == c.rcvNxt-1 {
				// Retransmitted FIN we already consumed.
				c.sendACKNow()
				return
			}
			// Fully duplicate data: acknowledge, deliver nothing.
			c.sendACKNow()
			return
		}
		payload = payload[over:]
		seq = c.rcvNxt
	}

	if seq != c.rcvNxt {
		if !seqIn(seq, c.rcvNxt, c.receiveWindow()) {
			// Outside the window entirely.
			c.sendACKNow()
			return
		}
		if len(payload) > 0 || fin {
			c.bufferOOO(seq, payload, fin)
		}
		c.sendACKNow()
		return
	}

	c.acceptData(payload, fin)
}

func (c *Conn) acceptData(payload []byte, fin bool) {
	if len(payload) > 0 {
		if !c.receivingAllowed() {
			c.sendACKNow()
			return
		}
		n := c.upQ.TryWrite(payload)
		c.rcvNxt += uint32(n)
		if n < len(payload) {
			// The peer overran our advertised window; the tail will be
			// retransmitted once the queue drains.
			c.sendACKNow()
			return
		}
		c.scheduleAck()
	}
	c.drainOOO()
	if fin {
		c.handlePeerFin()
	}
}

func (c *Conn) receivingAllowed() bool {
	switch c.state {
	case StateEstablished, StateFinWait1, StateFinWait2:
		return true
	}
	return false
}

func (c *Conn) bufferOOO(seq uint32, payload []byte, fin bool) {
	if len(c.ooo) >= maxOOOSegments {
		return
	}
	idx := len(c.ooo)
	for i, s := range c.ooo {
		if s.seq == seq {
			return
		}
		if seqGT(s.seq, seq) {
			idx = i
			break
		}
	}
	seg := oooSegment{seq: seq, payload: append([]byte(nil), payload...), fin: fin}
	c.ooo = append(c.ooo, oooSegment{})
	copy(c.ooo[idx+1:], c.ooo[idx:])
	c.ooo[idx] = seg
}

func (c *Conn) drainOOO() {
	for len(c.ooo) > 0 {
		s := c.ooo[0]
		if seqGT(s.seq, c.rcvNxt) {
			return
		}
		payload := s.payload
		if over := c.rcvNxt - s.seq; over > 0 {
			if over >= uint32(len(payload)) {
				payload = nil
			} else {
				payload = payload[over:]
			}
		}
		if len(payload) > 0 {
			n := c.upQ.TryWrite(payload)
			c.rcvNxt += uint32(n)
			if n < len(payload) {
				// Queue full; keep the remainder buffered.
				c.ooo[0] = oooSegment{seq: c.rcvNxt, payload: payload[n:], fin: s.fin}
				c.scheduleAck()
				return
			}
			c.scheduleAck()
		}
		c.ooo = c.ooo[1:]
		if s.fin {
			c.handlePeerFin()
			return
		}
	}
}

func (c *Conn) handlePeerFin() {
	if c.peerFinSeen {
		c.sendACKNow()
		return
	}
	c.peerFinSeen = true
	c.rcvNxt++
	c.upQ.Close()
	c.sendACKNow()

	switch c.state {
	case StateEstablished:
		c.setState(StateCloseWait)
		c.maybeSendFin()
	case StateFinWait1:
		// Our FIN is unacked, or processAck would have moved us on.
		c.setState(StateClosing)
	case StateFinWait2:
		c.enterTimeWait()
	}
}

func (c *Conn) enterTimeWait() {
	c.setState(StateTimeWait)
	c.timeWaitT.Reset(timeWaitDuration)
}

// ---- bridge events ----

func (c *Conn) handleBridge(ev bridge.Event) {
	switch ev.Kind {
	case bridge.EventDialOK:
		c.log.Debug("host socket connected")
	case bridge.EventDialErr:
		c.log.WithError(ev.Err).Debug("host dial failed")
		c.abort(true, "dial_failed")
	case bridge.EventDownData:
		c.trySend()
	case bridge.EventEOF:
		c.eofSeen = true
		c.trySend()
	case bridge.EventError:
		c.log.WithError(ev.Err).Debug("host socket error")
		c.abort(true, "socket_error")
	}
}

// ---- transmission ----

func (c *Conn) sendingAllowed() bool {
	switch c.state {
	case StateEstablished, StateCloseWait:
		return true
	}
	return false
}

func (c *Conn) trySend() {
	for c.sendingAllowed() && !c.finSent {
		inflight := c.sndNxt - c.sndUna
		wnd := c.sndWnd
		if uint32(c.cwnd) < wnd {
			wnd = uint32(c.cwnd)
		}
		if wnd <= inflight {
			if c.sndWnd == 0 && c.downQ.Len() > 0 {
				c.armPersist()
			}
			return
		}
		budget := wnd - inflight
		if budget > uint32(c.mss) {
			budget = uint32(c.mss)
		}
		n := c.downQ.TryRead(c.scratch[:budget])
		if n == 0 {
			break
		}
		c.sendData(c.scratch[:n])
	}
	c.maybeSendFin()
}

func (c *Conn) sendData(p []byte) {
	flags := header.TCPFlagAck
	if c.downQ.Len() == 0 {
		flags |= header.TCPFlagPsh
	}
	e := &rtSegment{
		seq:     c.sndNxt,
		flags:   flags,
		payload: append([]byte(nil), p...),
		sentAt:  time.Now(),
	}
	c.rtq = append(c.rtq, e)
	c.sndNxt += uint32(len(p))
	c.emit(flags, e.seq, e.payload, nil)
	if !c.retransArmed {
		c.armRetrans()
	}
}

func (c *Conn) maybeSendFin() {
	if c.finSent || !c.eofSeen {
		return
	}
	if !c.downQ.Closed() || c.downQ.Len() > 0 {
		return
	}
	switch c.state {
	case StateEstablished:
		c.setState(StateFinWait1)
	case StateCloseWait:
		c.setState(StateLastAck)
	default:
		return
	}
	c.finSent = true
	c.finSeq = c.sndNxt
	e := &rtSegment{
		seq:    c.sndNxt,
		flags:  header.TCPFlagFin | header.TCPFlagAck,
		sentAt: time.Now(),
	}
	c.rtq = append(c.rtq, e)
	c.sndNxt++
	c.emit(e.flags, e.seq, nil, nil)
	if !c.retransArmed {
		c.armRetrans()
	}
}

func (c *Conn) sendSynAck() {
	opts := synAckOptions(uint16(c.mss), c.rcvWndShift > 0)
	// The SYN,ACK window field is never scaled.
	c.emitRaw(header.TCPFlagSyn|header.TCPFlagAck, c.iss, nil, opts, c.rawWindow())
}

func (c *Conn) resendHandshake() {
	if len(c.rtq) > 0 && c.rtq[0].flags&header.TCPFlagSyn != 0 {
		c.rtq[0].rtx++
		c.sendSynAck()
	}
}

func (c *Conn) sendACKNow() {
	c.ackPending = false
	c.delayedAckT.Stop()
	c.emit(header.TCPFlagAck, c.sndNxt, nil, nil)
}

func (c *Conn) scheduleAck() {
	if c.ackPending {
		return
	}
	c.ackPending = true
	c.delayedAckT.Reset(delayedAckDelay)
}

func (c *Conn) onDelayedAck() {
	if c.ackPending {
		c.sendACKNow()
	}
}

// emit builds and writes one segment. Any segment carrying ACK satisfies
// a pending delayed acknowledgment.
func (c *Conn) emit(flags header.TCPFlags, seq uint32, payload, opts []byte) {
	c.emitRaw(flags, seq, payload, opts, c.advertisedWindow())
}

func (c *Conn) emitRaw(flags header.TCPFlags, seq uint32, payload, opts []byte, wnd uint16) {
	if flags&header.TCPFlagAck != 0 && c.ackPending {
		c.ackPending = false
		c.delayedAckT.Stop()
	}
	buf, err := c.cfg.Pool.Get(c.ctx)
	if err != nil {
		return
	}
	c.ipID++
	n := packet.EncodeTCP(buf, c.cfg.Remote, c.cfg.Local, c.ipID, flags, seq, c.rcvNxt, wnd, opts, payload)
	if err := c.cfg.Writer.WritePacket(c.ctx, buf, n); err != nil {
		c.log.WithError(err).Debug("tun write failed")
	}
}

// receiveWindow is the true window in bytes, before scaling-down for the
// header field.
func (c *Conn) receiveWindow() uint32 {
	return uint32(c.upQ.Free())
}

func (c *Conn) advertisedWindow() uint16 {
	w := c.receiveWindow() >> c.rcvWndShift
	if w > 0xffff {
		w = 0xffff
	}
	return uint16(w)
}

func (c *Conn) rawWindow() uint16 {
	w := c.receiveWindow()
	if w > 0xffff {
		w = 0xffff
	}
	return uint16(w)
}

// ---- retransmission, congestion, probing ----

func (c *Conn) dropAcked(ack uint32) {
	var sample time.Duration
	i := 0
	for ; i < len(c.rtq); i++ {
		e := c.rtq[i]
		if seqGT(e.seq+e.seqLen(), ack) {
			break
		}
		if e.rtx == 0 {
			sample = time.Since(e.sentAt)
		}
	}
	if i > 0 {
		c.rtq = c.rtq[i:]
	}
	if sample > 0 {
		c.rto.sample(sample)
	}
}

func (c *Conn) growCwnd() {
	if c.cwnd < c.ssthresh {
		c.cwnd += c.mss
		return
	}
	inc := c.mss * c.mss / c.cwnd
	if inc < 1 {
		inc = 1
	}
	c.cwnd += inc
}

func (c *Conn) flightSize() int {
	return int(c.sndNxt - c.sndUna)
}

func (c *Conn) halveSsthresh() {
	half := c.flightSize() / 2
	floor := 2 * c.mss
	if half < floor {
		half = floor
	}
	c.ssthresh = half
}

// resend re-emits a queued segment, trimmed so that no retransmission
// covers sequence space below sndUna (a partial ACK can land inside a
// segment).
func (c *Conn) resend(e *rtSegment) {
	seq, payload := e.seq, e.payload
	if seqLT(seq, c.sndUna) && len(payload) > 0 {
		trim := c.sndUna - seq
		if trim < uint32(len(payload)) {
			payload = payload[trim:]
			seq = c.sndUna
		}
	}
	metrics.Retransmissions.Inc()
	if e.flags&header.TCPFlagSyn != 0 {
		// The SYN,ACK window field is never scaled.
		opts := synAckOptions(uint16(c.mss), c.rcvWndShift > 0)
		c.emitRaw(e.flags, seq, payload, opts, c.rawWindow())
		return
	}
	c.emit(e.flags, seq, payload, nil)
}

func (c *Conn) fastRetransmit() {
	if len(c.rtq) == 0 {
		return
	}
	c.halveSsthresh()
	c.cwnd = c.ssthresh
	e := c.rtq[0]
	e.rtx++
	c.log.WithField("seq", e.seq-c.iss).Debug("fast retransmit")
	c.resend(e)
}

func (c *Conn) armRetrans() {
	d := clampRTO(c.rto.current() << c.retransBkoff)
	c.retransT.Reset(d)
	c.retransArmed = true
}

func (c *Conn) onRetransTimeout() {
	c.retransArmed = false
	if len(c.rtq) == 0 || c.state == StateClosed {
		return
	}
	e := c.rtq[0]
	if e.rtx >= maxRetries {
		c.log.Debug("retransmit limit exceeded")
		c.abort(true, "retransmit_limit")
		return
	}
	e.rtx++
	c.halveSsthresh()
	c.cwnd = c.mss
	c.dupAcks = 0
	c.retransBkoff++
	c.resend(e)
	c.armRetrans()
}

func (c *Conn) armPersist() {
	if c.persistArmed {
		return
	}
	d := clampRTO(c.rto.current() << c.persistBkoff)
	c.persistT.Reset(d)
	c.persistArmed = true
}

// onPersistTimeout sends a 1-byte window probe past the closed window.
func (c *Conn) onPersistTimeout() {
	c.persistArmed = false
	if c.sndWnd != 0 || !c.sendingAllowed() {
		return
	}
	var b [1]byte
	if c.downQ.TryRead(b[:]) != 1 {
		return
	}
	e := &rtSegment{
		seq:     c.sndNxt,
		flags:   header.TCPFlagAck,
		payload: []byte{b[0]},
		sentAt:  time.Now(),
		rtx:     1, // never sample RTT from a probe
	}
	c.rtq = append(c.rtq, e)
	c.sndNxt++
	c.emit(e.flags, e.seq, e.payload, nil)
	if c.persistBkoff < 8 {
		c.persistBkoff++
	}
	c.armPersist()
}

// State returns the current state; safe from any goroutine, used by
// logging and tests.
func (c *Conn) State() State { return State(c.stateView.Load()) }
