// Package relay wires the packet codec, flow table, and transport
// engines into the TUN read loop.
package relay

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"tunrelay/internal/bridge"
	"tunrelay/internal/config"
	"tunrelay/internal/flow"
	"tunrelay/internal/metrics"
	"tunrelay/internal/packet"
	"tunrelay/internal/tcp"
	"tunrelay/internal/timer"
	"tunrelay/internal/udp"
)

// FrameDevice is the bidirectional frame transport: one IP packet per
// read, one per write. The TUN device satisfies it; tests use in-memory
// implementations.
type FrameDevice io.ReadWriter

// Relay is the core engine. It owns the shared buffer pool, the flow
// table, and the timer wheel; all per-flow state lives in the engines.
type Relay struct {
	cfg     *config.Config
	log     *logrus.Logger
	dev     FrameDevice
	factory bridge.SocketFactory

	table *flow.Table
	pool  *packet.Pool
	wheel *timer.Wheel

	writeMu sync.Mutex
}

// New assembles a relay around an open frame device and socket factory.
func New(cfg *config.Config, log *logrus.Logger, dev FrameDevice, factory bridge.SocketFactory) *Relay {
	c := *cfg
	c.ApplyDefaults()
	if limit := c.Tun.MTU - 40; c.TCP.MSS > limit {
		c.TCP.MSS = limit
	}
	return &Relay{
		cfg:     &c,
		log:     log,
		dev:     dev,
		factory: factory,
		table:   flow.NewTable(c.TCP.MaxFlows, c.UDP.MaxFlows),
		pool:    packet.NewPool(c.Queues.PoolBuffers, c.Tun.MTU),
		wheel:   timer.NewWheel(timer.Granularity),
	}
}

// Run processes the TUN channel until ctx is done or the channel fails.
// Only a TUN I/O error is terminal; every flow-level error stays inside
// its flow.
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go r.wheel.Run(ctx)
	go r.gcLoop(ctx)

	buf := make([]byte, r.cfg.Tun.MTU)
	for {
		n, err := r.dev.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("tun read: %w", err)
		}
		if n == 0 {
			continue
		}
		r.handleFrame(ctx, buf[:n])
	}
}

func (r *Relay) handleFrame(ctx context.Context, frame []byte) {
	pkt, err := packet.Decode(frame)
	if err != nil {
		metrics.MalformedPackets.WithLabelValues(packet.Reason(err)).Inc()
		return
	}

	key := flow.KeyOf(pkt)
	now := time.Now()

	rec := r.table.Lookup(key)
	if rec == nil {
		rec = r.createFlow(ctx, pkt, key, now)
		if rec == nil {
			return
		}
	} else {
		r.table.Touch(rec, now)
	}
	rec.Engine.Deliver(pkt)
}

func (r *Relay) createFlow(ctx context.Context, pkt packet.Packet, key flow.Key, now time.Time) *flow.Record {
	switch key.Proto {
	case packet.ProtoTCP:
		// Only a SYN may open a flow; anything else for an unknown key is
		// answered with RST (unless it is itself a RST).
		flags := pkt.TCP.Flags()
		if flags&header.TCPFlagSyn == 0 || flags&(header.TCPFlagAck|header.TCPFlagRst) != 0 {
			r.sendReset(ctx, pkt, "unknown_flow")
			return nil
		}
		rec := &flow.Record{Key: key}
		if err := r.table.Insert(rec, now); err != nil {
			r.sendReset(ctx, pkt, "table_full")
			return nil
		}
		log := r.log.WithFields(logrus.Fields{"flow": rec.ID.String(), "key": key.String()})
		conn := tcp.New(ctx, tcp.Config{
			Local:      key.Local,
			Remote:     key.Remote,
			MSS:        r.cfg.TCP.MSS,
			QueueBytes: r.cfg.Queues.QueueBytes,
			Pool:       r.pool,
			Writer:     r,
			Factory:    r.factory,
			Wheel:      r.wheel,
			Log:        log,
			OnTerminal: rec.SetTerminal,
		})
		rec.Engine = conn
		conn.Start()
		metrics.FlowsCreated.WithLabelValues("tcp").Inc()
		metrics.LiveFlows.WithLabelValues("tcp").Set(float64(r.table.Len(packet.ProtoTCP)))
		log.Debug("tcp flow created")
		return rec

	case packet.ProtoUDP:
		rec := &flow.Record{Key: key, IdleTimeout: r.cfg.UDP.IdleTimeout}
		if err := r.table.Insert(rec, now); err != nil {
			// At capacity new datagrams are dropped until eviction frees a
			// slot; UDP generates no ICMP.
			return nil
		}
		log := r.log.WithFields(logrus.Fields{"flow": rec.ID.String(), "key": key.String()})
		rec.Engine = udp.New(ctx, udp.Config{
			Local:      key.Local,
			Remote:     key.Remote,
			Factory:    r.factory,
			Pool:       r.pool,
			Writer:     r,
			Log:        log,
			OnTerminal: rec.SetTerminal,
			Touch:      func() { r.table.Touch(rec, time.Now()) },
		})
		metrics.FlowsCreated.WithLabelValues("udp").Inc()
		metrics.LiveFlows.WithLabelValues("udp").Set(float64(r.table.Len(packet.ProtoUDP)))
		log.Debug("udp flow created")
		return rec
	}
	return nil
}

func (r *Relay) sendReset(ctx context.Context, pkt packet.Packet, reason string) {
	buf, err := r.pool.Get(ctx)
	if err != nil {
		return
	}
	n := tcp.ResetFor(pkt, buf)
	if n == 0 {
		r.pool.Put(buf)
		return
	}
	metrics.ResetsSent.WithLabelValues(reason).Inc()
	_ = r.WritePacket(ctx, buf, n)
}

// gcLoop drives flow expiry: terminal records are collected and idle UDP
// sessions evicted on every tick.
func (r *Relay) gcLoop(ctx context.Context) {
	t := time.NewTicker(r.cfg.FlowGCInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			for _, rec := range r.table.Tick(now) {
				cause := "closed"
				if !rec.Terminal() {
					cause = "idle"
				}
				rec.Engine.Shutdown()
				metrics.FlowsEvicted.WithLabelValues(rec.Key.Proto.String(), cause).Inc()
				r.log.WithFields(logrus.Fields{"flow": rec.ID.String(), "cause": cause}).Debug("flow removed")
			}
			metrics.LiveFlows.WithLabelValues("tcp").Set(float64(r.table.Len(packet.ProtoTCP)))
			metrics.LiveFlows.WithLabelValues("udp").Set(float64(r.table.Len(packet.ProtoUDP)))
		}
	}
}

// WritePacket serializes writes to the frame device and returns the
// buffer to the pool. It implements the engines' packet writer.
func (r *Relay) WritePacket(ctx context.Context, buf []byte, n int) error {
	r.writeMu.Lock()
	_, err := r.dev.Write(buf[:n])
	r.writeMu.Unlock()
	r.pool.Put(buf)
	if err != nil && ctx.Err() == nil {
		r.log.WithError(err).Warn("tun write failed")
	}
	return err
}
