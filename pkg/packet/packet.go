// Package packet extracts session keys from IPv4 packets and applies a
// session's translation to them in place.
package packet

import (
	"encoding/binary"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	"github.com/cybwan/f4nat/pkg/checksum"
	"github.com/cybwan/f4nat/pkg/nat"
	"github.com/cybwan/f4nat/pkg/session"
)

var (
	ErrNotIPv4   = errors.New("not an IPv4 packet")
	ErrTruncated = errors.New("truncated packet")
)

const (
	ipv4MinLen     = 20
	ipv4CsumOff    = 10
	ipv4SrcOff     = 12
	ipv4DstOff     = 16
	ipv4FragOff    = 6
	fragOffsetMask = 0x1fff

	tcpCsumOff  = 16
	udpCsumOff  = 6
	icmpCsumOff = 2
	icmpIDOff   = 4
)

// Parser decodes the headers a session key is built from. A Parser reuses
// its layers between packets and is not safe for concurrent use.
type Parser struct {
	ip4     layers.IPv4
	tcp     layers.TCP
	udp     layers.UDP
	icmp4   layers.ICMPv4
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func NewParser() *Parser {
	p := &Parser{}
	p.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeIPv4,
		&p.ip4, &p.tcp, &p.udp, &p.icmp4)
	p.parser.IgnoreUnsupported = true
	p.decoded = make([]gopacket.LayerType, 0, 4)
	return p
}

func isEcho(t uint8) bool {
	return t == layers.ICMPv4TypeEchoRequest || t == layers.ICMPv4TypeEchoReply
}

func toAddr(ip net.IP) netip.Addr {
	a, _ := netip.AddrFromSlice(ip.To4())
	return a
}

// Key builds the session key of an IPv4 packet in routing domain fib.
// Non-first fragments and protocols without ports key with zero ports.
func (p *Parser) Key(fib uint32, data []byte) (session.Key, error) {
	if err := p.parser.DecodeLayers(data, &p.decoded); err != nil {
		return session.Key{}, errors.Wrap(ErrTruncated, err.Error())
	}

	var k session.Key
	ip4 := false
	for _, typ := range p.decoded {
		switch typ {
		case layers.LayerTypeIPv4:
			ip4 = true
			k.SrcAddr = toAddr(p.ip4.SrcIP)
			k.DstAddr = toAddr(p.ip4.DstIP)
			k.Proto = uint8(p.ip4.Protocol)
			k.FibIndex = fib
		case layers.LayerTypeTCP:
			k.SrcPort = uint16(p.tcp.SrcPort)
			k.DstPort = uint16(p.tcp.DstPort)
		case layers.LayerTypeUDP:
			k.SrcPort = uint16(p.udp.SrcPort)
			k.DstPort = uint16(p.udp.DstPort)
		case layers.LayerTypeICMPv4:
			if isEcho(p.icmp4.TypeCode.Type()) {
				k.SrcPort = p.icmp4.Id
				k.DstPort = p.icmp4.Id
			}
		}
	}
	if !ip4 {
		return session.Key{}, ErrNotIPv4
	}
	return k, nil
}

// KeyFromPacket is Key with a throwaway Parser.
func KeyFromPacket(fib uint32, data []byte) (session.Key, error) {
	return NewParser().Key(fib, data)
}

func adjustAt(b []byte, off int, d checksum.Delta) {
	binary.BigEndian.PutUint16(b[off:], checksum.Adjust(binary.BigEndian.Uint16(b[off:]), d))
}

// Rewrite applies the translation of s to the IPv4 packet in data and
// repairs the checksums with the session's precomputed deltas. A UDP packet
// without a checksum keeps none. Only the IP header of a non-first fragment
// is rewritten.
//
// ICMP echo carries one identifier: it is taken from the source port when
// the session rewrites it, else from the destination port.
func Rewrite(data []byte, s session.Session) error {
	if len(data) < ipv4MinLen || data[0]>>4 != 4 {
		return ErrNotIPv4
	}
	ihl := int(data[0]&0x0f) * 4
	if ihl < ipv4MinLen || len(data) < ihl {
		return errors.Wrapf(ErrTruncated, "ihl %d", ihl)
	}

	e := &s.Entry
	instr := e.Instructions
	if instr.Has(nat.InstrSourceAddress) {
		binary.BigEndian.PutUint32(data[ipv4SrcOff:], nat.AddrToU32(e.PostSrcAddr))
	}
	if instr.Has(nat.InstrDestinationAddress) {
		binary.BigEndian.PutUint32(data[ipv4DstOff:], nat.AddrToU32(e.PostDstAddr))
	}
	adjustAt(data, ipv4CsumOff, e.L3Delta)

	if binary.BigEndian.Uint16(data[ipv4FragOff:])&fragOffsetMask != 0 {
		return nil
	}

	l4 := data[ihl:]
	switch data[9] {
	case nat.ProtoTCP:
		if len(l4) < tcpCsumOff+2 {
			return errors.Wrap(ErrTruncated, "tcp header")
		}
		rewritePorts(l4, e)
		adjustAt(l4, tcpCsumOff, e.L4Delta)
	case nat.ProtoUDP:
		if len(l4) < udpCsumOff+2 {
			return errors.Wrap(ErrTruncated, "udp header")
		}
		rewritePorts(l4, e)
		if binary.BigEndian.Uint16(l4[udpCsumOff:]) != 0 {
			adjustAt(l4, udpCsumOff, e.L4Delta)
			if binary.BigEndian.Uint16(l4[udpCsumOff:]) == 0 {
				binary.BigEndian.PutUint16(l4[udpCsumOff:], 0xffff)
			}
		}
	case nat.ProtoICMP:
		if len(l4) < icmpIDOff+2 {
			return errors.Wrap(ErrTruncated, "icmp header")
		}
		if !isEcho(l4[0]) {
			break
		}
		switch {
		case instr.Has(nat.InstrSourcePort):
			binary.BigEndian.PutUint16(l4[icmpIDOff:], e.PostSrcPort)
		case instr.Has(nat.InstrDestinationPort):
			binary.BigEndian.PutUint16(l4[icmpIDOff:], e.PostDstPort)
		}
		adjustAt(l4, icmpCsumOff, e.L4Delta)
	}
	return nil
}

func rewritePorts(l4 []byte, e *session.Entry) {
	if e.Instructions.Has(nat.InstrSourcePort) {
		binary.BigEndian.PutUint16(l4[0:], e.PostSrcPort)
	}
	if e.Instructions.Has(nat.InstrDestinationPort) {
		binary.BigEndian.PutUint16(l4[2:], e.PostDstPort)
	}
}
