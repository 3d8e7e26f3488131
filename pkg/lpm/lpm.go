// Package lpm implements a longest-prefix-match index over IPv4 prefixes
// scoped by a 32-bit table id (a fib index or a pool id).
//
// The table id and the address are combined into one 64-bit key, id in the
// high half. A prefix of length p is stored, masked to p+32 bits, in an
// exact-match table dedicated to that length. Lookups probe the populated
// lengths longest first.
package lpm

import (
	"fmt"
	"math/bits"

	"github.com/cybwan/f4nat/pkg/bihash"
	"github.com/cybwan/f4nat/pkg/lock"
	"github.com/cybwan/f4nat/pkg/logger"
)

const (
	// MaxLen is the length of a fully specified compound key.
	MaxLen = 64
	// MinLen is the compound length of a /0 prefix.
	MinLen = 32

	defaultBuckets = 64 * 1024
)

var (
	log = logger.New("f4nat-lpm")
)

// lengthSet is a bit set of populated compound lengths. Bit i stands for
// length MaxLen-i, so ascending bit order is longest prefix first.
type lengthSet uint64

func (s lengthSet) with(l int) lengthSet {
	return s | 1<<(MaxLen-l)
}

func (s lengthSet) without(l int) lengthSet {
	return s &^ (1 << (MaxLen - l))
}

func (s lengthSet) has(l int) bool {
	return s&(1<<(MaxLen-l)) != 0
}

// next pops the longest remaining length.
func (s *lengthSet) next() (int, bool) {
	if *s == 0 {
		return 0, false
	}
	i := bits.TrailingZeros64(uint64(*s))
	*s &= *s - 1
	return MaxLen - i, true
}

// Table maps (id, address) to a uint32 value by longest prefix.
type Table struct {
	mu       lock.RWMutex
	buckets  int
	exact    [MaxLen + 1]*bihash.Table[uint64]
	refcount [MaxLen + 1]uint32
	present  lengthSet
}

// New returns an empty table. buckets sizes each per-length exact-match
// table; zero selects a default.
func New(buckets int) *Table {
	if buckets <= 0 {
		buckets = defaultBuckets
	}
	return &Table{buckets: buckets}
}

func compoundKey(id, addr uint32) uint64 {
	return uint64(id)<<32 | uint64(addr)
}

func masked(k uint64, l int) uint64 {
	return k &^ (^uint64(0) >> l)
}

func compoundLen(plen uint8) int {
	if plen > 32 {
		panic(fmt.Sprintf("lpm: invalid prefix length %d", plen))
	}
	return int(plen) + MinLen
}

// Lookup returns the value of the longest prefix in table id covering addr.
func (t *Table) Lookup(id, addr uint32) (uint32, bool) {
	k := compoundKey(id, addr)

	t.mu.RLock()
	defer t.mu.RUnlock()

	lengths := t.present
	for l, ok := lengths.next(); ok; l, ok = lengths.next() {
		if v, found := t.exact[l].Search(masked(k, l)); found {
			return uint32(v), true
		}
	}
	return 0, false
}

// LookupExact returns the value stored for exactly addr/plen in table id.
func (t *Table) LookupExact(id, addr uint32, plen uint8) (uint32, bool) {
	l := compoundLen(plen)

	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.present.has(l) {
		return 0, false
	}
	v, ok := t.exact[l].Search(masked(compoundKey(id, addr), l))
	return uint32(v), ok
}

// Insert stores value for addr/plen in table id. The caller must have
// rejected duplicates; a failing insert means the index is corrupt and
// panics.
func (t *Table) Insert(id, addr uint32, plen uint8, value uint32) {
	l := compoundLen(plen)
	k := masked(compoundKey(id, addr), l)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.exact[l] == nil {
		t.exact[l] = bihash.New[uint64](fmt.Sprintf("lpm-%d", l), t.buckets, bihash.Hash64)
	}
	if _, dup := t.exact[l].Search(k); dup {
		panic(fmt.Sprintf("lpm: insert of existing key %#x/%d", k, l))
	}
	if err := t.exact[l].Add(bihash.KV[uint64]{Key: k, Value: uint64(value)}); err != nil {
		panic(fmt.Sprintf("lpm: insert %#x/%d: %v", k, l, err))
	}
	t.refcount[l]++
	t.present = t.present.with(l)

	log.Debug().Uint32("id", id).Uint8("plen", plen).Uint32("value", value).Msg("prefix added")
}

// Delete removes addr/plen from table id. Deleting an absent entry panics.
func (t *Table) Delete(id, addr uint32, plen uint8) {
	l := compoundLen(plen)
	k := masked(compoundKey(id, addr), l)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.exact[l] == nil || !t.exact[l].Del(k) {
		panic(fmt.Sprintf("lpm: delete of missing key %#x/%d", k, l))
	}
	if t.refcount[l] == 0 {
		panic(fmt.Sprintf("lpm: refcount underflow at length %d", l))
	}
	t.refcount[l]--
	if t.refcount[l] == 0 {
		t.present = t.present.without(l)
	}

	log.Debug().Uint32("id", id).Uint8("plen", plen).Msg("prefix deleted")
}

// Lengths returns the populated prefix lengths (0-32), longest first.
func (t *Table) Lengths() []uint8 {
	t.mu.RLock()
	lengths := t.present
	t.mu.RUnlock()

	var out []uint8
	for l, ok := lengths.next(); ok; l, ok = lengths.next() {
		out = append(out, uint8(l-MinLen))
	}
	return out
}

// RefCount returns the number of entries with prefix length plen.
func (t *Table) RefCount(plen uint8) uint32 {
	l := compoundLen(plen)

	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.refcount[l]
}

// Len returns the total number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for l := MinLen; l <= MaxLen; l++ {
		n += int(t.refcount[l])
	}
	return n
}
