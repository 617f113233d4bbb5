package tcp

import (
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// The receive window scale advertised in our SYN,ACK. Only used when the
// peer offered window scaling itself.
const windowScaleSelf = 7

// synAckOptions builds the option block for the SYN,ACK reply: our MSS,
// plus a window-scale option when the peer negotiated one. The result is
// NOP-padded to a multiple of 4.
func synAckOptions(mss uint16, withWS bool) []byte {
	opts := make([]byte, 0, 8)
	var b [4]byte
	n := header.EncodeMSSOption(uint32(mss), b[:])
	opts = append(opts, b[:n]...)
	if withWS {
		n = header.EncodeWSOption(windowScaleSelf, b[:])
		opts = append(opts, b[:n]...)
	}
	for len(opts)%4 != 0 {
		var nop [1]byte
		header.EncodeNOP(nop[:])
		opts = append(opts, nop[0])
	}
	return opts
}

// effectiveMSS clamps the peer-advertised MSS to the configured ceiling.
// A zero peer MSS means the option was absent.
func effectiveMSS(peerMSS uint16, configured int) int {
	if peerMSS == 0 {
		return configured
	}
	if int(peerMSS) < configured {
		return int(peerMSS)
	}
	return configured
}
