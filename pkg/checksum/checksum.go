// Package checksum implements incremental IP/TCP/UDP/ICMP checksum
// maintenance for translated headers.
//
// A Delta is a ones'-complement partial sum of 16-bit words. Deltas are
// computed once per session from the pre- and post-translation header fields
// and applied to every packet of the session with Adjust, so rewriting a
// header never rescans the packet.
package checksum

import (
	"github.com/cybwan/f4nat/pkg/nat"
)

// Delta is a folded ones'-complement sum. Both 0x0000 and 0xffff represent
// zero.
type Delta uint16

func (d Delta) add16(x uint16) Delta {
	s := uint32(d) + uint32(x)
	return Delta(s + s>>16)
}

// AddEven adds a 32-bit field located at an even offset.
func (d Delta) AddEven(x uint32) Delta {
	return d.add16(uint16(x >> 16)).add16(uint16(x))
}

// SubEven subtracts a 32-bit field located at an even offset.
func (d Delta) SubEven(x uint32) Delta {
	return d.AddEven(^x)
}

// AddEven16 adds a 16-bit field located at an even offset.
func (d Delta) AddEven16(x uint16) Delta {
	return d.add16(x)
}

// SubEven16 subtracts a 16-bit field located at an even offset.
func (d Delta) SubEven16(x uint16) Delta {
	return d.add16(^x)
}

// IsZero reports whether the delta leaves a checksum unchanged.
func (d Delta) IsZero() bool {
	return d == 0 || d == 0xffff
}

// L3Delta returns the IPv4 header checksum delta for the address
// substitutions enabled by instr.
func L3Delta(instr nat.Instructions, preSrc, postSrc, preDst, postDst uint32) Delta {
	var c Delta
	if instr.Has(nat.InstrSourceAddress) {
		c = c.AddEven(postSrc)
		c = c.SubEven(preSrc)
	}
	if instr.Has(nat.InstrDestinationAddress) {
		c = c.SubEven(preDst)
		c = c.AddEven(postDst)
	}
	return c
}

// L4Delta accumulates the port substitutions enabled by instr on top of seed.
func L4Delta(instr nat.Instructions, seed Delta, preSport, postSport, preDport, postDport uint16) Delta {
	c := seed
	if instr.Has(nat.InstrSourcePort) {
		c = c.AddEven16(postSport)
		c = c.SubEven16(preSport)
	}
	if instr.Has(nat.InstrDestinationPort) {
		c = c.AddEven16(postDport)
		c = c.SubEven16(preDport)
	}
	return c
}

// L4Seed returns the seed for L4Delta. TCP and UDP checksums cover the IP
// pseudo-header and therefore inherit the address delta; ICMP does not.
func L4Seed(proto uint8, l3 Delta) Delta {
	if proto == nat.ProtoICMP {
		return 0
	}
	return l3
}

// Adjust applies d to a checksum field as carried on the wire.
func Adjust(csum uint16, d Delta) uint16 {
	return ^uint16(Delta(^csum).add16(uint16(d)))
}

// Checksum calculates the RFC 1071 ones'-complement sum of buf, folded to
// 16 bits and starting from initial. The result is not complemented.
func Checksum(buf []byte, initial uint16) uint16 {
	v := uint32(initial)

	l := len(buf)
	if l&1 != 0 {
		l--
		v += uint32(buf[l]) << 8
	}
	for i := 0; i < l; i += 2 {
		v += uint32(buf[i])<<8 | uint32(buf[i+1])
	}
	for v > 0xffff {
		v = v&0xffff + v>>16
	}
	return uint16(v)
}
