// Package flow maps 5-tuple keys to per-flow records and handles
// capacity limits and idle expiry.
package flow

import (
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/xid"

	"tunrelay/internal/packet"
)

// ErrTableFull is returned by Insert when the per-protocol cap is reached.
var ErrTableFull = errors.New("flow table full")

// Key identifies one bidirectional flow. Local is the TUN-side endpoint
// (the application's address); Remote is the destination the application
// tried to reach, which the bridge dials on the host.
type Key struct {
	Proto  packet.Proto
	Local  netip.AddrPort
	Remote netip.AddrPort
}

// KeyOf derives the flow key from an ingress packet: the packet's source
// is the local endpoint, its destination the remote one.
func KeyOf(pkt packet.Packet) Key {
	return Key{Proto: pkt.Proto, Local: pkt.Src(), Remote: pkt.Dst()}
}

func (k Key) String() string {
	return k.Proto.String() + " " + k.Local.String() + " -> " + k.Remote.String()
}

// Engine is the per-protocol state machine attached to a record.
type Engine interface {
	// Deliver hands one decoded segment to the engine. The packet view is
	// only valid for the duration of the call.
	Deliver(pkt packet.Packet)
	// Shutdown releases the engine's socket and goroutines. Idempotent.
	Shutdown()
}

// Record is the table's entry for one flow.
type Record struct {
	Key    Key
	ID     xid.ID
	Engine Engine

	// IdleTimeout enables expiry through Tick when non-zero.
	IdleTimeout time.Duration

	mu       sync.Mutex
	terminal bool

	// activity list links, guarded by the table mutex
	lastSeen   time.Time
	prev, next *Record
}

// SetTerminal marks the record for removal on the next Tick. The engine
// calls it once its queues are drained and the socket is closed.
func (r *Record) SetTerminal() {
	r.mu.Lock()
	r.terminal = true
	r.mu.Unlock()
}

// Terminal reports whether the record has been marked for removal.
func (r *Record) Terminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminal
}

// Table is the flow table. All methods are safe for concurrent use.
type Table struct {
	mu     sync.Mutex
	flows  map[Key]*Record
	tcpN   int
	udpN   int
	tcpMax int
	udpMax int

	// doubly-linked activity list, head = most recently active
	head, tail *Record
}

// NewTable creates a table with the given per-protocol caps.
func NewTable(tcpMax, udpMax int) *Table {
	return &Table{
		flows:  make(map[Key]*Record),
		tcpMax: tcpMax,
		udpMax: udpMax,
	}
}

// Lookup returns the record for k, or nil.
func (t *Table) Lookup(k Key) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flows[k]
}

// Insert adds a record for its key, enforcing the per-protocol cap.
// The record is stamped with a fresh ID and current activity time.
func (t *Table) Insert(r *Record, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.flows[r.Key]; ok {
		return errors.New("duplicate flow key")
	}
	switch r.Key.Proto {
	case packet.ProtoTCP:
		if t.tcpN >= t.tcpMax {
			return ErrTableFull
		}
		t.tcpN++
	case packet.ProtoUDP:
		if t.udpN >= t.udpMax {
			return ErrTableFull
		}
		t.udpN++
	}
	r.ID = xid.New()
	r.lastSeen = now
	t.flows[r.Key] = r
	t.pushFront(r)
	return nil
}

// Touch records activity on r, moving it to the front of the idle list.
func (t *Table) Touch(r *Record, now time.Time) {
	t.mu.Lock()
	if t.flows[r.Key] == r {
		r.lastSeen = now
		t.unlink(r)
		t.pushFront(r)
	}
	t.mu.Unlock()
}

// Remove deletes the record for k and returns it, or nil.
func (t *Table) Remove(k Key) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.flows[k]
	if r == nil {
		return nil
	}
	t.removeLocked(r)
	return r
}

func (t *Table) removeLocked(r *Record) {
	delete(t.flows, r.Key)
	t.unlink(r)
	switch r.Key.Proto {
	case packet.ProtoTCP:
		t.tcpN--
	case packet.ProtoUDP:
		t.udpN--
	}
}

// Tick removes and returns expired records: terminal ones, plus records
// whose IdleTimeout elapsed without activity. The caller shuts down the
// returned engines outside the table lock.
func (t *Table) Tick(now time.Time) []*Record {
	t.mu.Lock()
	var expired []*Record
	// Walk from the least recently active end. Terminal records can sit
	// anywhere in the list, so the whole list is visited; the list order
	// still keeps idle victims at the tail.
	for r := t.tail; r != nil; {
		prev := r.prev
		if r.Terminal() {
			t.removeLocked(r)
			expired = append(expired, r)
		} else if r.IdleTimeout > 0 && now.Sub(r.lastSeen) > r.IdleTimeout {
			t.removeLocked(r)
			expired = append(expired, r)
		}
		r = prev
	}
	t.mu.Unlock()
	return expired
}

// Len returns the current record count for proto.
func (t *Table) Len(proto packet.Proto) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch proto {
	case packet.ProtoTCP:
		return t.tcpN
	case packet.ProtoUDP:
		return t.udpN
	}
	return 0
}

func (t *Table) pushFront(r *Record) {
	r.prev = nil
	r.next = t.head
	if t.head != nil {
		t.head.prev = r
	}
	t.head = r
	if t.tail == nil {
		t.tail = r
	}
}

func (t *Table) unlink(r *Record) {
	if r.prev != nil {
		r.prev.next = r.next
	} else if t.head == r {
		t.head = r.next
	}
	if r.next != nil {
		r.next.prev = r.prev
	} else if t.tail == r {
		t.tail = r.prev
	}
	r.prev = nil
	r.next = nil
}
