package flow

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"tunrelay/internal/packet"
)

type nopEngine struct{ shutdowns int }

func (e *nopEngine) Deliver(packet.Packet) {}
func (e *nopEngine) Shutdown()             { e.shutdowns++ }

func key(proto packet.Proto, port uint16) Key {
	return Key{
		Proto:  proto,
		Local:  netip.AddrPortFrom(netip.MustParseAddr("10.0.0.2"), port),
		Remote: netip.MustParseAddrPort("10.0.0.4:5201"),
	}
}

func TestInsertLookupRemove(t *testing.T) {
	tb := NewTable(4, 4)
	now := time.Now()

	r := &Record{Key: key(packet.ProtoTCP, 1000), Engine: &nopEngine{}}
	if err := tb.Insert(r, now); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if r.ID.IsNil() {
		t.Fatalf("record not stamped with an id")
	}
	if got := tb.Lookup(r.Key); got != r {
		t.Fatalf("Lookup: got %v", got)
	}
	if got := tb.Len(packet.ProtoTCP); got != 1 {
		t.Fatalf("Len: %d", got)
	}
	if got := tb.Remove(r.Key); got != r {
		t.Fatalf("Remove: got %v", got)
	}
	if tb.Lookup(r.Key) != nil {
		t.Fatalf("Lookup after Remove: non-nil")
	}
	if got := tb.Len(packet.ProtoTCP); got != 0 {
		t.Fatalf("Len after Remove: %d", got)
	}
}

func TestInsertCapPerProtocol(t *testing.T) {
	tb := NewTable(2, 1)
	now := time.Now()

	for i := uint16(0); i < 2; i++ {
		if err := tb.Insert(&Record{Key: key(packet.ProtoTCP, 1000+i)}, now); err != nil {
			t.Fatalf("Insert tcp %d: %v", i, err)
		}
	}
	if err := tb.Insert(&Record{Key: key(packet.ProtoTCP, 2000)}, now); !errors.Is(err, ErrTableFull) {
		t.Fatalf("tcp over cap: got %v", err)
	}
	// UDP cap is independent.
	if err := tb.Insert(&Record{Key: key(packet.ProtoUDP, 1000)}, now); err != nil {
		t.Fatalf("Insert udp: %v", err)
	}
	if err := tb.Insert(&Record{Key: key(packet.ProtoUDP, 1001)}, now); !errors.Is(err, ErrTableFull) {
		t.Fatalf("udp over cap: got %v", err)
	}
}

func TestDuplicateKeyRejected(t *testing.T) {
	tb := NewTable(4, 4)
	now := time.Now()
	k := key(packet.ProtoTCP, 1000)
	if err := tb.Insert(&Record{Key: k}, now); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tb.Insert(&Record{Key: k}, now); err == nil {
		t.Fatalf("duplicate insert succeeded")
	}
}

func TestTickIdleExpiry(t *testing.T) {
	tb := NewTable(4, 4)
	start := time.Now()

	idle := &Record{Key: key(packet.ProtoUDP, 1000), IdleTimeout: time.Minute, Engine: &nopEngine{}}
	busy := &Record{Key: key(packet.ProtoUDP, 1001), IdleTimeout: time.Minute, Engine: &nopEngine{}}
	tcp := &Record{Key: key(packet.ProtoTCP, 1000), Engine: &nopEngine{}}
	for _, r := range []*Record{idle, busy, tcp} {
		if err := tb.Insert(r, start); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	// Activity on busy keeps it alive past the idle deadline.
	tb.Touch(busy, start.Add(90*time.Second))

	expired := tb.Tick(start.Add(100 * time.Second))
	if len(expired) != 1 || expired[0] != idle {
		t.Fatalf("expired: %v", expired)
	}
	if tb.Lookup(idle.Key) != nil {
		t.Fatalf("idle record still present")
	}
	// TCP records have no idle timeout and survive regardless.
	if tb.Lookup(tcp.Key) == nil {
		t.Fatalf("tcp record evicted")
	}
}

func TestTickTerminal(t *testing.T) {
	tb := NewTable(4, 4)
	now := time.Now()

	r := &Record{Key: key(packet.ProtoTCP, 1000), Engine: &nopEngine{}}
	if err := tb.Insert(r, now); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if got := tb.Tick(now); len(got) != 0 {
		t.Fatalf("premature expiry: %v", got)
	}
	r.SetTerminal()
	got := tb.Tick(now)
	if len(got) != 1 || got[0] != r {
		t.Fatalf("terminal not collected: %v", got)
	}
	if tb.Len(packet.ProtoTCP) != 0 {
		t.Fatalf("count not decremented")
	}
}

func TestKeyOfUsesPacketDirection(t *testing.T) {
	// Pin the convention that the packet source is the local side and the
	// destination the remote one.
	buf := make([]byte, 64)
	n := packet.EncodeTCP(buf, netip.MustParseAddrPort("10.0.0.2:40000"),
		netip.MustParseAddrPort("10.0.0.4:5201"), 1, 0, 1, 0, 0, nil, nil)
	pkt, err := packet.Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	k := KeyOf(pkt)
	if k.String() != "tcp 10.0.0.2:40000 -> 10.0.0.4:5201" {
		t.Fatalf("String: %q", k.String())
	}
}
