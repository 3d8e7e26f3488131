// Package session implements the shared session cache of the NAT worker.
//
// The table is split into shards selected by the high bits of the key hash.
// Each shard owns a bihash index from Key to arena index and the arena of
// sessions, guarded by one RWMutex. Lookups and activity updates take the
// read lock; everything that changes the index or an entry takes the write
// lock.
package session

import (
	"math/bits"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/cybwan/f4nat/pkg/arena"
	"github.com/cybwan/f4nat/pkg/bihash"
	"github.com/cybwan/f4nat/pkg/lock"
	"github.com/cybwan/f4nat/pkg/logger"
	"github.com/cybwan/f4nat/pkg/metrics"
	"github.com/cybwan/f4nat/pkg/nat"
)

const (
	DefaultShards  = 64
	DefaultBuckets = 64 * 1024
)

var (
	ErrDuplicate = errors.New("session exists")
	ErrNotFound  = errors.New("session not found")
)

var (
	log = logger.New("f4nat-session")
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Metrics receives session table events.
type Metrics interface {
	SessionCreated(kind string)
	SessionDeleted()
	SessionStaleReuse()
	SessionBufferDrop()
}

// Options configures a Table. Zero values select defaults.
type Options struct {
	// Shards is rounded up to a power of two.
	Shards int
	// Buckets is the total number of index buckets across all shards.
	Buckets int
	Clock   Clock
	Metrics Metrics
}

// record is the arena payload. lastHeard, packets and bytes are updated with
// atomics under the read lock; everything else changes under the write lock.
type record struct {
	key       Key
	entry     Entry
	lastHeard int64
	packets   uint64
	bytes     uint64
}

func (r *record) snapshot() Session {
	s := Session{Key: r.key, Entry: r.entry}
	s.Entry.LastHeard = time.Unix(0, atomic.LoadInt64(&r.lastHeard))
	s.Entry.Packets = atomic.LoadUint64(&r.packets)
	s.Entry.Bytes = atomic.LoadUint64(&r.bytes)
	return s
}

type shard struct {
	mu       lock.RWMutex
	index    *bihash.Table[Key]
	sessions arena.Arena[record]
}

// Table is a concurrent session cache.
type Table struct {
	shards    []*shard
	shardBits int
	clock     Clock
	metrics   Metrics
}

func hashKey(k Key) uint64 {
	return k.Hash()
}

// New creates an empty table.
func New(opts Options) *Table {
	if opts.Shards <= 0 {
		opts.Shards = DefaultShards
	}
	if opts.Buckets <= 0 {
		opts.Buckets = DefaultBuckets
	}
	if opts.Clock == nil {
		opts.Clock = wallClock{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoOpMetrics()
	}

	shardBits := bits.Len(uint(opts.Shards - 1))
	n := 1 << shardBits
	perShard := opts.Buckets / n
	if perShard < 1 {
		perShard = 1
	}

	t := &Table{
		shards:    make([]*shard, n),
		shardBits: shardBits,
		clock:     opts.Clock,
		metrics:   opts.Metrics,
	}
	for i := range t.shards {
		t.shards[i] = &shard{
			index: bihash.New[Key]("session", perShard, hashKey),
		}
	}
	return t
}

func (t *Table) shardOf(k Key) uint32 {
	if t.shardBits == 0 {
		return 0
	}
	return uint32(k.Hash() >> (64 - t.shardBits))
}

func (t *Table) isStale(r *record, now time.Time) bool {
	return now.UnixNano() >= atomic.LoadInt64(&r.lastHeard)+int64(StaleTimeout)
}

// lookup returns the live record indexed under k. The shard lock must be held.
func (sh *shard) lookup(k Key) (*record, arena.Handle, bool) {
	v, ok := sh.index.Search(k)
	if !ok {
		return nil, arena.Handle{}, false
	}
	return sh.sessions.At(uint32(v))
}

// insert indexes the freshly allocated slot h under k, reclaiming an idle
// occupant of a full bucket. The shard write lock must be held.
func (t *Table) insert(sh *shard, k Key, h arena.Handle, now time.Time) {
	stale := func(kv bihash.KV[Key]) bool {
		r, _, ok := sh.sessions.At(uint32(kv.Value))
		if !ok || !t.isStale(r, now) {
			return false
		}
		log.Debug().Str("key", kv.Key.String()).Str("by", k.String()).Msg("reusing stale session")
		if r.entry.Buffered {
			t.metrics.SessionBufferDrop()
		}
		sh.sessions.Free(uint32(kv.Value))
		t.metrics.SessionStaleReuse()
		return true
	}
	if err := sh.index.AddOrOverwriteStale(bihash.KV[Key]{Key: k, Value: uint64(h.Index)}, stale); err != nil {
		panic(errors.Wrapf(err, "session index insert %s", k))
	}
}

// Find returns the session indexed under k.
func (t *Table) Find(k Key) (Ref, bool) {
	si := t.shardOf(k)
	sh := t.shards[si]

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	_, h, ok := sh.lookup(k)
	if !ok {
		return Ref{}, false
	}
	return Ref{shard: si, handle: h}, true
}

// Add creates a session for k. It fails with ErrDuplicate if a live session
// exists; an existing session idle for StaleTimeout or more is replaced.
// Checksum deltas are computed from k and the post-translation fields of e.
// LastHeard is set to now unless e carries one.
func (t *Table) Add(k Key, e Entry) (Ref, error) {
	si := t.shardOf(k)
	sh := t.shards[si]
	now := t.clock.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if r, old, ok := sh.lookup(k); ok {
		if !t.isStale(r, now) {
			return Ref{}, errors.Wrap(ErrDuplicate, k.String())
		}
		log.Debug().Str("key", k.String()).Msg("replacing stale session")
		if r.entry.Buffered {
			t.metrics.SessionBufferDrop()
		}
		sh.sessions.Free(old.Index)
		t.metrics.SessionStaleReuse()
	}

	h, r := sh.sessions.Alloc()
	r.key = k
	r.entry = e
	computeDeltas(k, &r.entry)
	heard := e.LastHeard
	if heard.IsZero() {
		heard = now
	}
	r.lastHeard = heard.UnixNano()
	r.packets = e.Packets
	r.bytes = e.Bytes
	r.entry.LastHeard, r.entry.Packets, r.entry.Bytes = time.Time{}, 0, 0

	t.insert(sh, k, h, now)
	t.metrics.SessionCreated(metrics.KindComplete)
	return Ref{shard: si, handle: h}, nil
}

// AddIncomplete holds buf on the session for k in routing domain fibIndex,
// creating a provisional session if none exists. A session holds at most one
// packet; a packet already held is replaced and reported as dropped.
func (t *Table) AddIncomplete(k Key, fibIndex uint32, buf BufferRef, tunnel bool) Ref {
	k.FibIndex = fibIndex
	si := t.shardOf(k)
	sh := t.shards[si]
	now := t.clock.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if r, h, ok := sh.lookup(k); ok {
		if r.entry.Buffered {
			log.Debug().Str("key", k.String()).Uint32("buffer", uint32(r.entry.Buffer)).Msg("dropping buffered packet")
			t.metrics.SessionBufferDrop()
		}
		r.entry.Buffer = buf
		r.entry.Buffered = true
		return Ref{shard: si, handle: h}
	}

	h, r := sh.sessions.Alloc()
	r.key = k
	r.entry.Buffer = buf
	r.entry.Buffered = true
	r.entry.Tunnel = tunnel
	r.lastHeard = now.UnixNano()

	t.insert(sh, k, h, now)
	t.metrics.SessionCreated(metrics.KindIncomplete)
	return Ref{shard: si, handle: h}
}

// Update sets the translation of the session at ref and recomputes its
// checksum deltas.
func (t *Table) Update(ref Ref, instr nat.Instructions, fibIndex uint32, postSrc, postDst netip.Addr, postSport, postDport uint16) error {
	sh, err := t.shard(ref)
	if err != nil {
		return err
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	r, ok := sh.sessions.Get(ref.handle)
	if !ok {
		return ErrNotFound
	}
	r.entry.Instructions = instr
	r.entry.FibIndex = fibIndex
	r.entry.PostSrcAddr = postSrc
	r.entry.PostDstAddr = postDst
	r.entry.PostSrcPort = postSport
	r.entry.PostDstPort = postDport
	computeDeltas(r.key, &r.entry)
	return nil
}

// Delete removes the session indexed under k.
func (t *Table) Delete(k Key) error {
	sh := t.shards[t.shardOf(k)]

	sh.mu.Lock()
	defer sh.mu.Unlock()

	v, ok := sh.index.Search(k)
	if !ok {
		return errors.Wrap(ErrNotFound, k.String())
	}
	if !sh.sessions.Free(uint32(v)) {
		log.Warn().Str("key", k.String()).Uint64("index", v).Msg("indexed session already free")
	}
	sh.index.Del(k)
	t.metrics.SessionDeleted()
	return nil
}

// Get returns a copy of the session at ref.
func (t *Table) Get(ref Ref) (Session, bool) {
	sh, err := t.shard(ref)
	if err != nil {
		return Session{}, false
	}

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	r, ok := sh.sessions.Get(ref.handle)
	if !ok {
		return Session{}, false
	}
	return r.snapshot(), true
}

// Touch records a packet of n bytes on the session at ref.
func (t *Table) Touch(ref Ref, n int) bool {
	sh, err := t.shard(ref)
	if err != nil {
		return false
	}
	now := t.clock.Now().UnixNano()

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	r, ok := sh.sessions.Get(ref.handle)
	if !ok {
		return false
	}
	atomic.StoreInt64(&r.lastHeard, now)
	atomic.AddUint64(&r.packets, 1)
	atomic.AddUint64(&r.bytes, uint64(n))
	return true
}

// TakeBuffer removes and returns the packet held by the session at ref.
func (t *Table) TakeBuffer(ref Ref) (BufferRef, bool) {
	sh, err := t.shard(ref)
	if err != nil {
		return 0, false
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	r, ok := sh.sessions.Get(ref.handle)
	if !ok || !r.entry.Buffered {
		return 0, false
	}
	buf := r.entry.Buffer
	r.entry.Buffer = 0
	r.entry.Buffered = false
	return buf, true
}

// Len returns the number of sessions.
func (t *Table) Len() int {
	n := 0
	for _, sh := range t.shards {
		sh.mu.RLock()
		n += sh.sessions.Len()
		sh.mu.RUnlock()
	}
	return n
}

// Walk calls fn with a copy of every session until fn returns false. Each
// shard is read locked while it is walked, so fn must not modify the table.
func (t *Table) Walk(fn func(Ref, Session) bool) {
	for si, sh := range t.shards {
		cont := true
		sh.mu.RLock()
		sh.sessions.Walk(func(h arena.Handle, r *record) bool {
			cont = fn(Ref{shard: uint32(si), handle: h}, r.snapshot())
			return cont
		})
		sh.mu.RUnlock()
		if !cont {
			return
		}
	}
}

func (t *Table) shard(ref Ref) (*shard, error) {
	if int(ref.shard) >= len(t.shards) {
		return nil, errors.Wrapf(ErrNotFound, "shard %d", ref.shard)
	}
	return t.shards[ref.shard], nil
}
