// Package pool keeps the mapper pool entries of the worker. Entries are
// indexed by (pool id, prefix) in an LPM table for outside to inside
// classification; inside to outside flows pick a mapper from the
// load-balance buckets of their routing domain.
package pool

import (
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/cybwan/f4nat/pkg/arena"
	"github.com/cybwan/f4nat/pkg/lock"
	"github.com/cybwan/f4nat/pkg/logger"
	"github.com/cybwan/f4nat/pkg/lpm"
	"github.com/cybwan/f4nat/pkg/nat"
)

var (
	ErrDuplicate = errors.New("pool entry exists")
	ErrNotFound  = errors.New("pool entry not found")
	ErrInvalid   = errors.New("invalid pool entry")
)

var (
	log = logger.New("f4nat-pool")
)

// Entry is one mapper of a pool.
type Entry struct {
	PoolID uint32
	// Prefix is the outside-facing match key, always masked.
	Prefix netip.Prefix
	Mapper netip.Addr
	// Src is the source address of tunnel encapsulation towards Mapper.
	Src     netip.Addr
	UDPPort uint16
}

func (e Entry) String() string {
	return fmt.Sprintf("pool %d %s mapper %s src %s port %d", e.PoolID, e.Prefix, e.Mapper, e.Src, e.UDPPort)
}

// Observer is told about committed changes. Errors are logged and do not
// undo the change.
type Observer interface {
	PoolEntryAdded(index uint32, e Entry) error
	PoolEntryDeleted(index uint32, e Entry) error
}

// Metrics receives pool size changes.
type Metrics interface {
	PoolEntriesChanged(delta int)
}

type Options struct {
	// LpmBuckets sizes each per-length table of the LPM index.
	LpmBuckets int
	Observer   Observer
	Metrics    Metrics
}

// Registry holds the pool entries and the load-balance buckets.
type Registry struct {
	mu      lock.RWMutex
	entries arena.Arena[Entry]
	index   *lpm.Table
	buckets map[uint32]*atomic.Pointer[[]uint32]

	observer Observer
	metrics  Metrics
}

func New(opts Options) *Registry {
	return &Registry{
		index:    lpm.New(opts.LpmBuckets),
		buckets:  make(map[uint32]*atomic.Pointer[[]uint32]),
		observer: opts.Observer,
		metrics:  opts.Metrics,
	}
}

func prefixParts(prefix netip.Prefix) (uint32, uint8, error) {
	if !prefix.IsValid() || !prefix.Addr().Is4() {
		return 0, 0, errors.Wrapf(ErrInvalid, "prefix %s", prefix)
	}
	return nat.AddrToU32(prefix.Masked().Addr()), uint8(prefix.Bits()), nil
}

// Add stores a new mapper for prefix in pool poolID and returns its index.
// An entry with the same pool id, masked prefix and length is a duplicate.
func (r *Registry) Add(poolID uint32, prefix netip.Prefix, mapper, src netip.Addr, udpPort uint16) (uint32, error) {
	addr, plen, err := prefixParts(prefix)
	if err != nil {
		return 0, err
	}
	if !mapper.Is4() {
		return 0, errors.Wrapf(ErrInvalid, "mapper %s", mapper)
	}

	r.mu.Lock()
	if idx, dup := r.index.LookupExact(poolID, addr, plen); dup {
		r.mu.Unlock()
		return 0, errors.Wrapf(ErrDuplicate, "pool %d prefix %s at index %d", poolID, prefix.Masked(), idx)
	}
	h, e := r.entries.Alloc()
	*e = Entry{
		PoolID:  poolID,
		Prefix:  prefix.Masked(),
		Mapper:  mapper,
		Src:     src,
		UDPPort: udpPort,
	}
	added := *e
	r.index.Insert(poolID, addr, plen, h.Index)
	r.mu.Unlock()

	log.Info().Uint32("index", h.Index).Str("entry", added.String()).Msg("pool entry added")
	if r.metrics != nil {
		r.metrics.PoolEntriesChanged(1)
	}
	if r.observer != nil {
		if err := r.observer.PoolEntryAdded(h.Index, added); err != nil {
			log.Warn().Err(err).Uint32("index", h.Index).Msg("pool observer failed")
		}
	}
	return h.Index, nil
}

// Delete removes the entry stored for exactly prefix in pool poolID.
func (r *Registry) Delete(poolID uint32, prefix netip.Prefix) error {
	addr, plen, err := prefixParts(prefix)
	if err != nil {
		return err
	}

	r.mu.Lock()
	idx, ok := r.index.LookupExact(poolID, addr, plen)
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "pool %d prefix %s", poolID, prefix.Masked())
	}
	r.index.Delete(poolID, addr, plen)
	e, _, live := r.entries.At(idx)
	if !live {
		r.mu.Unlock()
		panic(fmt.Sprintf("pool: index %d for pool %d prefix %s is free", idx, poolID, prefix.Masked()))
	}
	deleted := *e
	r.entries.Free(idx)
	r.mu.Unlock()

	log.Info().Uint32("index", idx).Str("entry", deleted.String()).Msg("pool entry deleted")
	if r.metrics != nil {
		r.metrics.PoolEntriesChanged(-1)
	}
	if r.observer != nil {
		if err := r.observer.PoolEntryDeleted(idx, deleted); err != nil {
			log.Warn().Err(err).Uint32("index", idx).Msg("pool observer failed")
		}
	}
	return nil
}

// Lookup returns the entry of pool poolID whose prefix is the longest match
// for addr.
func (r *Registry) Lookup(poolID uint32, addr netip.Addr) (Entry, uint32, bool) {
	if !addr.Is4() {
		return Entry{}, 0, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.index.Lookup(poolID, nat.AddrToU32(addr))
	if !ok {
		return Entry{}, 0, false
	}
	e, _, ok := r.entries.At(idx)
	if !ok {
		return Entry{}, 0, false
	}
	return *e, idx, true
}

// Get returns the entry at index.
func (r *Registry) Get(index uint32) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, _, ok := r.entries.At(index)
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries.Len()
}

// SetLoadBalanceBuckets replaces the bucket sequence of routing domain fib.
// Readers see either the previous or the new sequence, never a mix. Indices
// are not checked against the entries; a bucket naming a free index selects
// nothing.
func (r *Registry) SetLoadBalanceBuckets(fib uint32, indices []uint32) {
	next := make([]uint32, len(indices))
	copy(next, indices)

	r.mu.Lock()
	p, ok := r.buckets[fib]
	if !ok {
		p = new(atomic.Pointer[[]uint32])
		r.buckets[fib] = p
	}
	r.mu.Unlock()

	p.Store(&next)
	log.Info().Uint32("fib", fib).Int("buckets", len(next)).Msg("load-balance buckets replaced")
}

func (r *Registry) loadBuckets(fib uint32) []uint32 {
	r.mu.RLock()
	p, ok := r.buckets[fib]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if b := p.Load(); b != nil {
		return *b
	}
	return nil
}

// Buckets returns a copy of the bucket sequence of routing domain fib.
func (r *Registry) Buckets(fib uint32) []uint32 {
	b := r.loadBuckets(fib)
	if b == nil {
		return nil
	}
	out := make([]uint32, len(b))
	copy(out, b)
	return out
}

// SelectMapper picks the bucket hash selects in routing domain fib and
// returns the entry it names.
func (r *Registry) SelectMapper(fib uint32, hash uint64) (Entry, uint32, bool) {
	b := r.loadBuckets(fib)
	if len(b) == 0 {
		return Entry{}, 0, false
	}
	idx := b[hash%uint64(len(b))]
	e, ok := r.Get(idx)
	return e, idx, ok
}
