// Package packet parses and emits IPv4 packets carrying TCP or UDP
// segments. Decoded packets are borrowed views over the ingress buffer;
// emitted packets are built into caller-supplied buffers, normally taken
// from the shared Pool.
package packet

import (
	"errors"
	"fmt"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Proto is the IP transport protocol of a decoded packet.
type Proto uint8

const (
	ProtoTCP Proto = 6
	ProtoUDP Proto = 17
)

func (p Proto) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto-%d", uint8(p))
	}
}

// Decode failure kinds. Callers bucket drop counters by Reason.
var (
	ErrTruncated   = errors.New("truncated packet")
	ErrBadHeader   = errors.New("bad IP header")
	ErrBadChecksum = errors.New("bad checksum")
	ErrFragment    = errors.New("fragmented packet")
	ErrUnsupported = errors.New("unsupported protocol")
)

// Reason maps a decode error to a short counter label.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrTruncated):
		return "truncated"
	case errors.Is(err, ErrBadHeader):
		return "bad_header"
	case errors.Is(err, ErrBadChecksum):
		return "bad_checksum"
	case errors.Is(err, ErrFragment):
		return "fragment"
	case errors.Is(err, ErrUnsupported):
		return "unsupported"
	default:
		return "other"
	}
}

// Packet is a validated view over one IPv4 packet. It borrows the buffer
// passed to Decode and must not be retained across a reuse of that buffer.
type Packet struct {
	IP    header.IPv4
	Proto Proto

	// Exactly one of TCP/UDP is valid, per Proto.
	TCP header.TCP
	UDP header.UDP
}

// Src returns the packet's source endpoint.
func (p Packet) Src() netip.AddrPort {
	a := netip.AddrFrom4(p.IP.SourceAddress().As4())
	if p.Proto == ProtoTCP {
		return netip.AddrPortFrom(a, p.TCP.SourcePort())
	}
	return netip.AddrPortFrom(a, p.UDP.SourcePort())
}

// Dst returns the packet's destination endpoint.
func (p Packet) Dst() netip.AddrPort {
	a := netip.AddrFrom4(p.IP.DestinationAddress().As4())
	if p.Proto == ProtoTCP {
		return netip.AddrPortFrom(a, p.TCP.DestinationPort())
	}
	return netip.AddrPortFrom(a, p.UDP.DestinationPort())
}

// Payload returns the transport payload bytes.
func (p Packet) Payload() []byte {
	if p.Proto == ProtoTCP {
		return p.TCP.Payload()
	}
	return p.UDP.Payload()
}

// Decode validates buf as an IPv4 packet carrying TCP or UDP and returns a
// borrowed view. The buffer is never mutated.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < header.IPv4MinimumSize {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrTruncated, len(buf))
	}
	ip := header.IPv4(buf)
	if ver := buf[0] >> 4; ver != 4 {
		return Packet{}, fmt.Errorf("%w: version %d", ErrUnsupported, ver)
	}
	hl := int(ip.HeaderLength())
	if hl < header.IPv4MinimumSize || hl > len(buf) {
		return Packet{}, fmt.Errorf("%w: header length %d", ErrBadHeader, hl)
	}
	tl := int(ip.TotalLength())
	if tl < hl || tl > len(buf) {
		return Packet{}, fmt.Errorf("%w: total length %d, buffer %d", ErrBadHeader, tl, len(buf))
	}
	// Reslice to the declared total length so trailing bytes (e.g. a short
	// read into a larger buffer) never reach payload accessors.
	ip = header.IPv4(buf[:tl])
	if ip.CalculateChecksum() != 0xffff {
		return Packet{}, fmt.Errorf("%w: IP header", ErrBadChecksum)
	}
	if ip.Flags()&header.IPv4FlagMoreFragments != 0 || ip.FragmentOffset() != 0 {
		return Packet{}, ErrFragment
	}

	seg := ip.Payload()
	segLen := uint16(len(seg))
	pseudo := header.PseudoHeaderChecksum(
		tcpip.TransportProtocolNumber(ip.Protocol()),
		ip.SourceAddress(), ip.DestinationAddress(), segLen)

	switch Proto(ip.Protocol()) {
	case ProtoTCP:
		if len(seg) < header.TCPMinimumSize {
			return Packet{}, fmt.Errorf("%w: TCP segment %d bytes", ErrTruncated, len(seg))
		}
		tcp := header.TCP(seg)
		off := int(tcp.DataOffset())
		if off < header.TCPMinimumSize || off > len(seg) {
			return Packet{}, fmt.Errorf("%w: TCP data offset %d", ErrBadHeader, off)
		}
		if checksum.Checksum(seg, pseudo) != 0xffff {
			return Packet{}, fmt.Errorf("%w: TCP segment", ErrBadChecksum)
		}
		return Packet{IP: ip, Proto: ProtoTCP, TCP: tcp}, nil

	case ProtoUDP:
		if len(seg) < header.UDPMinimumSize {
			return Packet{}, fmt.Errorf("%w: UDP datagram %d bytes", ErrTruncated, len(seg))
		}
		udp := header.UDP(seg)
		if int(udp.Length()) != len(seg) {
			return Packet{}, fmt.Errorf("%w: UDP length %d", ErrBadHeader, udp.Length())
		}
		// A zero UDP checksum means "not computed" and is accepted.
		if udp.Checksum() != 0 && checksum.Checksum(seg, pseudo) != 0xffff {
			return Packet{}, fmt.Errorf("%w: UDP datagram", ErrBadChecksum)
		}
		return Packet{IP: ip, Proto: ProtoUDP, UDP: udp}, nil

	default:
		return Packet{}, fmt.Errorf("%w: IP protocol %d", ErrUnsupported, ip.Protocol())
	}
}

const defaultTTL = 64

// EncodeTCP builds a complete IPv4+TCP packet into buf and returns its
// length. src and dst are in wire order (src is the remote peer when
// replying toward the TUN side). opts must be a multiple of 4 bytes.
func EncodeTCP(buf []byte, src, dst netip.AddrPort, ipID uint16, flags header.TCPFlags, seq, ack uint32, wnd uint16, opts, payload []byte) int {
	tcpLen := header.TCPMinimumSize + len(opts) + len(payload)
	total := header.IPv4MinimumSize + tcpLen

	ip := header.IPv4(buf[:total])
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(total),
		ID:          ipID,
		TTL:         defaultTTL,
		Protocol:    uint8(ProtoTCP),
		SrcAddr:     tcpip.AddrFrom4(src.Addr().As4()),
		DstAddr:     tcpip.AddrFrom4(dst.Addr().As4()),
	})
	ip.SetChecksum(0)
	ip.SetChecksum(^ip.CalculateChecksum())

	tcp := header.TCP(buf[header.IPv4MinimumSize:total])
	tcp.Encode(&header.TCPFields{
		SrcPort:    src.Port(),
		DstPort:    dst.Port(),
		SeqNum:     seq,
		AckNum:     ack,
		DataOffset: uint8(header.TCPMinimumSize + len(opts)),
		Flags:      flags,
		WindowSize: wnd,
	})
	copy(tcp[header.TCPMinimumSize:], opts)
	copy(tcp[header.TCPMinimumSize+len(opts):], payload)

	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber,
		ip.SourceAddress(), ip.DestinationAddress(), uint16(tcpLen))
	xsum = checksum.Checksum(payload, xsum)
	tcp.SetChecksum(^tcp.CalculateChecksum(xsum))
	return total
}

// EncodeUDP builds a complete IPv4+UDP packet into buf and returns its length.
func EncodeUDP(buf []byte, src, dst netip.AddrPort, ipID uint16, payload []byte) int {
	udpLen := header.UDPMinimumSize + len(payload)
	total := header.IPv4MinimumSize + udpLen

	ip := header.IPv4(buf[:total])
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(total),
		ID:          ipID,
		TTL:         defaultTTL,
		Protocol:    uint8(ProtoUDP),
		SrcAddr:     tcpip.AddrFrom4(src.Addr().As4()),
		DstAddr:     tcpip.AddrFrom4(dst.Addr().As4()),
	})
	ip.SetChecksum(0)
	ip.SetChecksum(^ip.CalculateChecksum())

	udp := header.UDP(buf[header.IPv4MinimumSize:total])
	udp.Encode(&header.UDPFields{
		SrcPort: src.Port(),
		DstPort: dst.Port(),
		Length:  uint16(udpLen),
	})
	copy(udp[header.UDPMinimumSize:], payload)

	xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber,
		ip.SourceAddress(), ip.DestinationAddress(), uint16(udpLen))
	xsum = checksum.Checksum(payload, xsum)
	udp.SetChecksum(^udp.CalculateChecksum(xsum))
	return total
}

// MaxTCPPayload returns the payload capacity of an MTU-sized packet with
// the given TCP option length.
func MaxTCPPayload(mtu, optLen int) int {
	return mtu - header.IPv4MinimumSize - header.TCPMinimumSize - optLen
}
