// Package bihash implements a bucketed exact-match hash index.
//
// Keys hash to a fixed set of buckets. Each bucket holds a page of key/value
// slots; a page starts with KVPerPage slots and doubles when it is full, up
// to MaxPageSlots. AddOrOverwriteStale lets the caller reclaim an occupied
// slot of a full page instead of growing it.
//
// A Table is not safe for concurrent use.
package bihash

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

const (
	// KVPerPage is the initial number of slots in a bucket.
	KVPerPage = 4
	// MaxPageSlots bounds the growth of a single bucket.
	MaxPageSlots = 1024
)

var (
	// ErrBucketFull is returned when a bucket can neither reclaim a slot nor
	// grow any further.
	ErrBucketFull = errors.New("bihash: bucket full")
)

// KV is a key and its value.
type KV[K comparable] struct {
	Key   K
	Value uint64
}

// StaleFunc decides whether an occupied slot may be reclaimed. It runs while
// the insert is in progress and may release whatever the value refers to.
type StaleFunc[K comparable] func(kv KV[K]) bool

type entry[K comparable] struct {
	kv   KV[K]
	used bool
}

type bucket[K comparable] struct {
	page []entry[K]
	n    int
}

// Table is a bucketed hash index from K to uint64.
type Table[K comparable] struct {
	name    string
	hash    func(K) uint64
	buckets []bucket[K]
	mask    uint64
	count   int
}

// New creates a table with nBuckets buckets, rounded up to a power of two.
func New[K comparable](name string, nBuckets int, hash func(K) uint64) *Table[K] {
	n := 1
	for n < nBuckets {
		n <<= 1
	}
	return &Table[K]{
		name:    name,
		hash:    hash,
		buckets: make([]bucket[K], n),
		mask:    uint64(n - 1),
	}
}

func (t *Table[K]) bucket(k K) *bucket[K] {
	return &t.buckets[t.hash(k)&t.mask]
}

func (b *bucket[K]) find(k K) int {
	for i := range b.page {
		if b.page[i].used && b.page[i].kv.Key == k {
			return i
		}
	}
	return -1
}

func (b *bucket[K]) freeSlot() int {
	if b.n == len(b.page) {
		return -1
	}
	for i := range b.page {
		if !b.page[i].used {
			return i
		}
	}
	return -1
}

func (b *bucket[K]) grow() bool {
	size := len(b.page) * 2
	if size == 0 {
		size = KVPerPage
	}
	if size > MaxPageSlots {
		return false
	}
	page := make([]entry[K], size)
	copy(page, b.page)
	b.page = page
	return true
}

// Search returns the value stored for k.
func (t *Table[K]) Search(k K) (uint64, bool) {
	b := t.bucket(k)
	if i := b.find(k); i >= 0 {
		return b.page[i].kv.Value, true
	}
	return 0, false
}

// Add inserts kv, overwriting the value of an existing key.
func (t *Table[K]) Add(kv KV[K]) error {
	return t.AddOrOverwriteStale(kv, nil)
}

// AddOrOverwriteStale inserts kv. An existing key has its value overwritten.
// Otherwise a free slot is used; if the bucket is full, the first occupant
// for which stale returns true is replaced. Only when no slot can be
// reclaimed does the bucket grow.
func (t *Table[K]) AddOrOverwriteStale(kv KV[K], stale StaleFunc[K]) error {
	b := t.bucket(kv.Key)
	if i := b.find(kv.Key); i >= 0 {
		b.page[i].kv.Value = kv.Value
		return nil
	}
	if i := b.freeSlot(); i >= 0 {
		b.page[i] = entry[K]{kv: kv, used: true}
		b.n++
		t.count++
		return nil
	}
	if stale != nil {
		for i := range b.page {
			if stale(b.page[i].kv) {
				b.page[i].kv = kv
				return nil
			}
		}
	}
	if !b.grow() {
		return errors.Wrapf(ErrBucketFull, "%s: %d slots", t.name, len(b.page))
	}
	i := b.freeSlot()
	b.page[i] = entry[K]{kv: kv, used: true}
	b.n++
	t.count++
	return nil
}

// Del removes k. It returns false if k was not present.
func (t *Table[K]) Del(k K) bool {
	b := t.bucket(k)
	i := b.find(k)
	if i < 0 {
		return false
	}
	b.page[i] = entry[K]{}
	b.n--
	t.count--
	return true
}

// Len returns the number of stored keys.
func (t *Table[K]) Len() int {
	return t.count
}

// Foreach calls fn for every stored pair until fn returns false.
func (t *Table[K]) Foreach(fn func(KV[K]) bool) {
	for bi := range t.buckets {
		for _, e := range t.buckets[bi].page {
			if e.used && !fn(e.kv) {
				return
			}
		}
	}
}

// Hash64 hashes an 8-byte key.
func Hash64(k uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], k)
	return xxhash.Sum64(b[:])
}
