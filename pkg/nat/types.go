// Package nat holds the types shared by the session engine, the checksum
// arithmetic and the packet helpers.
package nat

import (
	"encoding/binary"
	"net/netip"
	"strings"
)

// IP protocol numbers handled by the worker.
const (
	ProtoICMP uint8 = 1
	ProtoTCP  uint8 = 6
	ProtoUDP  uint8 = 17
)

// Instructions selects which header fields a session rewrites.
type Instructions uint8

const (
	InstrSourceAddress Instructions = 1 << iota
	InstrDestinationAddress
	InstrSourcePort
	InstrDestinationPort
)

// Has reports whether all bits of o are set in i.
func (i Instructions) Has(o Instructions) bool {
	return i&o == o
}

func (i Instructions) String() string {
	if i == 0 {
		return "none"
	}
	var parts []string
	if i.Has(InstrSourceAddress) {
		parts = append(parts, "src-addr")
	}
	if i.Has(InstrDestinationAddress) {
		parts = append(parts, "dst-addr")
	}
	if i.Has(InstrSourcePort) {
		parts = append(parts, "src-port")
	}
	if i.Has(InstrDestinationPort) {
		parts = append(parts, "dst-port")
	}
	return strings.Join(parts, "|")
}

// AddrToU32 returns the IPv4 address as a big-endian integer. Anything that
// is not an IPv4 address maps to zero.
func AddrToU32(a netip.Addr) uint32 {
	if !a.Is4() {
		return 0
	}
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

// U32ToAddr is the inverse of AddrToU32.
func U32ToAddr(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}
