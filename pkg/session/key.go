package session

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/cespare/xxhash/v2"

	"github.com/cybwan/f4nat/pkg/nat"
)

// PackedLen is the size of a packed Key.
const PackedLen = 17

// Key identifies a flow. ICMP echo request and reply carry the echo
// identifier in both port fields.
type Key struct {
	SrcAddr  netip.Addr
	DstAddr  netip.Addr
	SrcPort  uint16
	DstPort  uint16
	Proto    uint8
	FibIndex uint32
}

// Pack lays the key out in network byte order: source and destination
// address, source and destination port, protocol, fib index.
func (k Key) Pack() [PackedLen]byte {
	var b [PackedLen]byte
	binary.BigEndian.PutUint32(b[0:], nat.AddrToU32(k.SrcAddr))
	binary.BigEndian.PutUint32(b[4:], nat.AddrToU32(k.DstAddr))
	binary.BigEndian.PutUint16(b[8:], k.SrcPort)
	binary.BigEndian.PutUint16(b[10:], k.DstPort)
	b[12] = k.Proto
	binary.BigEndian.PutUint32(b[13:], k.FibIndex)
	return b
}

// Hash returns the xxhash of the packed key. It is stable across processes.
func (k Key) Hash() uint64 {
	b := k.Pack()
	return xxhash.Sum64(b[:])
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d->%s:%d/%d@%d", k.SrcAddr, k.SrcPort, k.DstAddr, k.DstPort, k.Proto, k.FibIndex)
}
