package packet

import (
	"encoding/binary"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/cybwan/f4nat/pkg/checksum"
	"github.com/cybwan/f4nat/pkg/nat"
	"github.com/cybwan/f4nat/pkg/session"
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return append([]byte(nil), buf.Bytes()...)
}

func ipv4(src, dst string, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       0x1234,
		Protocol: proto,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
}

func tcpPacket(t *testing.T, src, dst string, sport, dport uint16) []byte {
	ip := ipv4(src, dst, layers.IPProtocolTCP)
	tcp := &layers.TCP{SrcPort: layers.TCPPort(sport), DstPort: layers.TCPPort(dport), Seq: 7, SYN: true, Window: 1024}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip, tcp, gopacket.Payload("hello, mapper"))
}

func udpPacket(t *testing.T, src, dst string, sport, dport uint16) []byte {
	ip := ipv4(src, dst, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip, udp, gopacket.Payload("query"))
}

func echoPacket(t *testing.T, src, dst string, id uint16) []byte {
	ip := ipv4(src, dst, layers.IPProtocolICMPv4)
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: id, Seq: 1}
	return serialize(t, ip, icmp, gopacket.Payload("ping"))
}

// translated adds k with e to a fresh table and returns the stored session.
func translated(t *testing.T, k session.Key, e session.Entry) session.Session {
	t.Helper()
	tbl := session.New(session.Options{Shards: 1, Buckets: 16})
	ref, err := tbl.Add(k, e)
	require.NoError(t, err)
	s, ok := tbl.Get(ref)
	require.True(t, ok)
	return s
}

func TestKey(t *testing.T) {
	p := NewParser()

	k, err := p.Key(3, tcpPacket(t, "10.0.0.1", "198.51.100.7", 40000, 443))
	require.NoError(t, err)
	require.Equal(t, session.Key{
		SrcAddr:  netip.MustParseAddr("10.0.0.1"),
		DstAddr:  netip.MustParseAddr("198.51.100.7"),
		SrcPort:  40000,
		DstPort:  443,
		Proto:    nat.ProtoTCP,
		FibIndex: 3,
	}, k)

	k, err = p.Key(0, udpPacket(t, "10.0.0.1", "8.8.8.8", 5353, 53))
	require.NoError(t, err)
	require.Equal(t, uint16(5353), k.SrcPort)
	require.Equal(t, uint8(nat.ProtoUDP), k.Proto)

	k, err = p.Key(0, echoPacket(t, "10.0.0.1", "8.8.8.8", 0xbeef))
	require.NoError(t, err)
	require.Equal(t, uint16(0xbeef), k.SrcPort)
	require.Equal(t, uint16(0xbeef), k.DstPort)

	_, err = KeyFromPacket(0, []byte{0x45, 0})
	require.Error(t, err)
}

func TestKeyIgnoresNonEchoICMP(t *testing.T) {
	ip := ipv4("10.0.0.1", "10.0.0.2", layers.IPProtocolICMPv4)
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, 3)}
	k, err := KeyFromPacket(0, serialize(t, ip, icmp))
	require.NoError(t, err)
	require.Zero(t, k.SrcPort)
	require.Zero(t, k.DstPort)
}

func TestRewriteTCPMatchesRecomputedPacket(t *testing.T) {
	pkt := tcpPacket(t, "10.0.0.1", "198.51.100.7", 40000, 443)
	k, err := KeyFromPacket(1, pkt)
	require.NoError(t, err)

	s := translated(t, k, session.Entry{
		Instructions: nat.InstrSourceAddress | nat.InstrSourcePort,
		PostSrcAddr:  netip.MustParseAddr("203.0.113.200"),
		PostDstAddr:  k.DstAddr,
		PostSrcPort:  61001,
		PostDstPort:  k.DstPort,
	})
	require.NoError(t, Rewrite(pkt, s))

	want := tcpPacket(t, "203.0.113.200", "198.51.100.7", 61001, 443)
	require.Equal(t, want, pkt)
}

func TestRewriteDestination(t *testing.T) {
	pkt := udpPacket(t, "198.51.100.7", "203.0.113.200", 53, 61001)
	k, err := KeyFromPacket(1, pkt)
	require.NoError(t, err)

	s := translated(t, k, session.Entry{
		Instructions: nat.InstrDestinationAddress | nat.InstrDestinationPort,
		PostSrcAddr:  k.SrcAddr,
		PostDstAddr:  netip.MustParseAddr("10.0.0.1"),
		PostSrcPort:  k.SrcPort,
		PostDstPort:  5353,
	})
	require.NoError(t, Rewrite(pkt, s))

	want := udpPacket(t, "198.51.100.7", "10.0.0.1", 53, 5353)
	require.Equal(t, want, pkt)
}

func TestRewriteUDPWithoutChecksum(t *testing.T) {
	pkt := udpPacket(t, "10.0.0.1", "8.8.8.8", 5353, 53)
	binary.BigEndian.PutUint16(pkt[20+udpCsumOff:], 0)
	k, err := KeyFromPacket(0, pkt)
	require.NoError(t, err)

	s := translated(t, k, session.Entry{
		Instructions: nat.InstrSourceAddress,
		PostSrcAddr:  netip.MustParseAddr("203.0.113.1"),
		PostDstAddr:  k.DstAddr,
	})
	require.NoError(t, Rewrite(pkt, s))
	require.Zero(t, binary.BigEndian.Uint16(pkt[20+udpCsumOff:]))
	require.Equal(t, uint16(0xffff), checksum.Checksum(pkt[:20], 0))
}

func TestRewriteICMPEcho(t *testing.T) {
	pkt := echoPacket(t, "10.0.0.1", "8.8.8.8", 0x0101)
	k, err := KeyFromPacket(0, pkt)
	require.NoError(t, err)

	s := translated(t, k, session.Entry{
		Instructions: nat.InstrSourceAddress | nat.InstrSourcePort,
		PostSrcAddr:  netip.MustParseAddr("203.0.113.9"),
		PostDstAddr:  k.DstAddr,
		PostSrcPort:  0x7777,
		PostDstPort:  k.DstPort,
	})
	require.NoError(t, Rewrite(pkt, s))

	want := echoPacket(t, "203.0.113.9", "8.8.8.8", 0x7777)
	require.Equal(t, want, pkt)
}

func TestRewriteNonFirstFragment(t *testing.T) {
	ip := ipv4("10.0.0.1", "198.51.100.7", layers.IPProtocolTCP)
	ip.FragOffset = 185
	payload := []byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	pkt := serialize(t, ip, gopacket.Payload(payload))

	k, err := KeyFromPacket(0, pkt)
	require.NoError(t, err)
	require.Zero(t, k.SrcPort)

	s := translated(t, k, session.Entry{
		Instructions: nat.InstrSourceAddress | nat.InstrSourcePort,
		PostSrcAddr:  netip.MustParseAddr("203.0.113.9"),
		PostDstAddr:  k.DstAddr,
		PostSrcPort:  999,
	})
	require.NoError(t, Rewrite(pkt, s))

	require.Equal(t, []byte{203, 0, 113, 9}, pkt[ipv4SrcOff:ipv4SrcOff+4])
	require.Equal(t, uint16(0xffff), checksum.Checksum(pkt[:20], 0))
	require.Equal(t, payload, pkt[20:])
}

func TestRewriteRejectsGarbage(t *testing.T) {
	require.ErrorIs(t, Rewrite([]byte{0x60, 0, 0}, session.Session{}), ErrNotIPv4)

	pkt := tcpPacket(t, "10.0.0.1", "10.0.0.2", 1, 2)
	_, err := KeyFromPacket(0, pkt[:24])
	require.Error(t, err)
	require.ErrorIs(t, Rewrite(pkt[:24], session.Session{Entry: session.Entry{}}), ErrTruncated)
}

func TestRewriteICMPEchoWithBothPortInstructions(t *testing.T) {
	pkt := echoPacket(t, "10.0.0.1", "8.8.8.8", 1000)
	k, err := KeyFromPacket(0, pkt)
	require.NoError(t, err)

	s := translated(t, k, session.Entry{
		Instructions: nat.InstrSourceAddress | nat.InstrSourcePort | nat.InstrDestinationPort,
		PostSrcAddr:  netip.MustParseAddr("203.0.113.9"),
		PostDstAddr:  k.DstAddr,
		PostSrcPort:  2000,
		PostDstPort:  2000,
	})
	require.NoError(t, Rewrite(pkt, s))

	want := echoPacket(t, "203.0.113.9", "8.8.8.8", 2000)
	require.Equal(t, want, pkt)
}
