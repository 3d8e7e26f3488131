package session

import (
	"net/netip"
	"time"

	"github.com/cybwan/f4nat/pkg/arena"
	"github.com/cybwan/f4nat/pkg/checksum"
	"github.com/cybwan/f4nat/pkg/nat"
)

// StaleTimeout is the idle time after which a session may be evicted by a
// colliding insert.
const StaleTimeout = 10 * time.Second

// BufferRef is an opaque handle to a packet held by the forwarding path.
type BufferRef uint32

// Entry is the translation state of a session.
type Entry struct {
	Instructions nat.Instructions
	// FibIndex is the routing domain of the post-translation lookup.
	FibIndex    uint32
	PostSrcAddr netip.Addr
	PostDstAddr netip.Addr
	PostSrcPort uint16
	PostDstPort uint16
	L3Delta     checksum.Delta
	L4Delta     checksum.Delta
	Tunnel      bool
	LastHeard   time.Time
	// Buffer is meaningful only when Buffered is set.
	Buffer   BufferRef
	Buffered bool
	Packets  uint64
	Bytes    uint64
}

// Session is a key and its entry.
type Session struct {
	Key   Key
	Entry Entry
}

// Incomplete reports whether the session is still waiting for its mapper.
func (s *Session) Incomplete() bool {
	return s.Entry.Instructions == 0 && s.Entry.Buffered
}

// Ref addresses a session in a Table. A Ref outlives its session safely:
// once the session is freed every lookup through the Ref fails.
type Ref struct {
	shard  uint32
	handle arena.Handle
}

// Index returns the arena index within the owning shard.
func (r Ref) Index() uint32 {
	return r.handle.Index
}

// computeDeltas fills in the checksum deltas of e for a flow keyed by k.
func computeDeltas(k Key, e *Entry) {
	preSrc, preDst := nat.AddrToU32(k.SrcAddr), nat.AddrToU32(k.DstAddr)
	e.L3Delta = checksum.L3Delta(e.Instructions, preSrc, nat.AddrToU32(e.PostSrcAddr), preDst, nat.AddrToU32(e.PostDstAddr))
	e.L4Delta = checksum.L4Delta(l4Instructions(k.Proto, e.Instructions), checksum.L4Seed(k.Proto, e.L3Delta),
		k.SrcPort, e.PostSrcPort, k.DstPort, e.PostDstPort)
}

// l4Instructions returns the port rewrites that reach the L4 checksum. An
// ICMP echo carries one identifier in both key ports; only one rewrite of it
// lands in the packet, the source port one when both are set.
func l4Instructions(proto uint8, instr nat.Instructions) nat.Instructions {
	if proto == nat.ProtoICMP && instr.Has(nat.InstrSourcePort) {
		return instr &^ nat.InstrDestinationPort
	}
	return instr
}
