package tcp

import (
	"crypto/rand"
	"encoding/binary"
	"hash/maphash"
	"net/netip"
)

// The initial send sequence is a keyed hash of the flow key and a
// per-process epoch seed, so applications on the TUN side cannot predict
// it for blind injection.
var (
	issSeed  = maphash.MakeSeed()
	issEpoch = func() uint64 {
		var b [8]byte
		if _, err := rand.Read(b[:]); err != nil {
			// maphash seed alone still gives an unpredictable value.
			return 0
		}
		return binary.LittleEndian.Uint64(b[:])
	}()
)

func initialSequence(local, remote netip.AddrPort) uint32 {
	var h maphash.Hash
	h.SetSeed(issSeed)
	la, ra := local.Addr().As4(), remote.Addr().As4()
	_, _ = h.Write(la[:])
	_, _ = h.Write(ra[:])
	var ports [4]byte
	binary.BigEndian.PutUint16(ports[0:], local.Port())
	binary.BigEndian.PutUint16(ports[2:], remote.Port())
	_, _ = h.Write(ports[:])
	var epoch [8]byte
	binary.LittleEndian.PutUint64(epoch[:], issEpoch)
	_, _ = h.Write(epoch[:])
	v := h.Sum64()
	return uint32(v) ^ uint32(v>>32)
}
