package tcp

import (
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"tunrelay/internal/packet"
)

// ResetFor builds an RST reply to an ingress segment into buf and
// returns the packet length, or 0 when the segment must not be answered
// (it is itself an RST). Used for segments with no flow record.
func ResetFor(pkt packet.Packet, buf []byte) int {
	th := pkt.TCP
	if th.Flags()&header.TCPFlagRst != 0 {
		return 0
	}
	// Reply swaps the endpoints: we send from the segment's destination
	// back to its source.
	src, dst := pkt.Dst(), pkt.Src()
	if th.Flags()&header.TCPFlagAck != 0 {
		return packet.EncodeTCP(buf, src, dst, 0, header.TCPFlagRst,
			th.AckNumber(), 0, 0, nil, nil)
	}
	seqLen := uint32(len(th.Payload()))
	if th.Flags()&header.TCPFlagSyn != 0 {
		seqLen++
	}
	if th.Flags()&header.TCPFlagFin != 0 {
		seqLen++
	}
	return packet.EncodeTCP(buf, src, dst, 0, header.TCPFlagRst|header.TCPFlagAck,
		0, th.SequenceNumber()+seqLen, 0, nil, nil)
}
