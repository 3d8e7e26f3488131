package pool

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	added   []uint32
	deleted []uint32
	fail    bool
}

func (o *recordingObserver) PoolEntryAdded(index uint32, e Entry) error {
	o.added = append(o.added, index)
	if o.fail {
		return errors.New("map update failed")
	}
	return nil
}

func (o *recordingObserver) PoolEntryDeleted(index uint32, e Entry) error {
	o.deleted = append(o.deleted, index)
	return nil
}

var (
	mapperA = netip.MustParseAddr("192.0.2.1")
	mapperB = netip.MustParseAddr("192.0.2.2")
	src     = netip.MustParseAddr("192.0.2.254")
)

func TestAddDuplicate(t *testing.T) {
	r := New(Options{LpmBuckets: 64})

	idx, err := r.Add(1, netip.MustParsePrefix("203.0.113.0/24"), mapperA, src, 4789)
	require.NoError(t, err)
	require.Equal(t, 1, r.Len())

	_, err = r.Add(1, netip.MustParsePrefix("203.0.113.77/24"), mapperB, src, 4789)
	require.ErrorIs(t, err, ErrDuplicate)
	require.Equal(t, 1, r.Len())
	require.Equal(t, 1, r.entries.Cap())

	e, ok := r.Get(idx)
	require.True(t, ok)
	require.Equal(t, mapperA, e.Mapper)
	require.Equal(t, netip.MustParsePrefix("203.0.113.0/24"), e.Prefix)

	_, err = r.Add(2, netip.MustParsePrefix("203.0.113.0/24"), mapperB, src, 4789)
	require.NoError(t, err)
	_, err = r.Add(1, netip.MustParsePrefix("203.0.113.0/25"), mapperB, src, 4789)
	require.NoError(t, err)
}

func TestAddInvalid(t *testing.T) {
	r := New(Options{LpmBuckets: 64})

	_, err := r.Add(1, netip.MustParsePrefix("2001:db8::/32"), mapperA, src, 1)
	require.ErrorIs(t, err, ErrInvalid)
	_, err = r.Add(1, netip.MustParsePrefix("10.0.0.0/8"), netip.Addr{}, src, 1)
	require.ErrorIs(t, err, ErrInvalid)
	require.Zero(t, r.Len())
}

func TestLookupLongestPrefix(t *testing.T) {
	r := New(Options{LpmBuckets: 64})

	wide, err := r.Add(7, netip.MustParsePrefix("198.51.0.0/16"), mapperA, src, 1)
	require.NoError(t, err)
	narrow, err := r.Add(7, netip.MustParsePrefix("198.51.100.0/24"), mapperB, src, 1)
	require.NoError(t, err)

	e, idx, ok := r.Lookup(7, netip.MustParseAddr("198.51.100.9"))
	require.True(t, ok)
	require.Equal(t, narrow, idx)
	require.Equal(t, mapperB, e.Mapper)

	_, idx, ok = r.Lookup(7, netip.MustParseAddr("198.51.1.9"))
	require.True(t, ok)
	require.Equal(t, wide, idx)

	_, _, ok = r.Lookup(8, netip.MustParseAddr("198.51.100.9"))
	require.False(t, ok)

	require.NoError(t, r.Delete(7, netip.MustParsePrefix("198.51.100.0/24")))
	_, idx, ok = r.Lookup(7, netip.MustParseAddr("198.51.100.9"))
	require.True(t, ok)
	require.Equal(t, wide, idx)
}

func TestDelete(t *testing.T) {
	obs := &recordingObserver{}
	r := New(Options{LpmBuckets: 64, Observer: obs})

	require.ErrorIs(t, r.Delete(1, netip.MustParsePrefix("10.0.0.0/8")), ErrNotFound)

	idx, err := r.Add(1, netip.MustParsePrefix("10.0.0.0/8"), mapperA, src, 1)
	require.NoError(t, err)
	require.NoError(t, r.Delete(1, netip.MustParsePrefix("10.1.2.3/8")))
	require.Zero(t, r.Len())

	_, ok := r.Get(idx)
	require.False(t, ok)
	require.ErrorIs(t, r.Delete(1, netip.MustParsePrefix("10.0.0.0/8")), ErrNotFound)

	require.Equal(t, []uint32{idx}, obs.added)
	require.Equal(t, []uint32{idx}, obs.deleted)
}

func TestObserverFailureKeepsEntry(t *testing.T) {
	obs := &recordingObserver{fail: true}
	r := New(Options{LpmBuckets: 64, Observer: obs})

	_, err := r.Add(1, netip.MustParsePrefix("10.0.0.0/8"), mapperA, src, 1)
	require.NoError(t, err)
	require.Equal(t, 1, r.Len())
}

func TestLoadBalanceBuckets(t *testing.T) {
	r := New(Options{LpmBuckets: 64})

	a, err := r.Add(1, netip.MustParsePrefix("10.0.0.0/24"), mapperA, src, 1)
	require.NoError(t, err)
	b, err := r.Add(1, netip.MustParsePrefix("10.0.1.0/24"), mapperB, src, 1)
	require.NoError(t, err)

	_, _, ok := r.SelectMapper(3, 0)
	require.False(t, ok)

	in := []uint32{a, b, a}
	r.SetLoadBalanceBuckets(3, in)
	in[0] = 99
	require.Equal(t, []uint32{a, b, a}, r.Buckets(3))

	e, idx, ok := r.SelectMapper(3, 4)
	require.True(t, ok)
	require.Equal(t, b, idx)
	require.Equal(t, mapperB, e.Mapper)

	r.SetLoadBalanceBuckets(3, []uint32{b})
	for h := uint64(0); h < 8; h++ {
		_, idx, ok := r.SelectMapper(3, h)
		require.True(t, ok)
		require.Equal(t, b, idx)
	}

	r.SetLoadBalanceBuckets(3, []uint32{42})
	_, idx, ok = r.SelectMapper(3, 0)
	require.False(t, ok)
	require.Equal(t, uint32(42), idx)

	r.SetLoadBalanceBuckets(3, nil)
	require.Empty(t, r.Buckets(3))
	_, _, ok = r.SelectMapper(3, 0)
	require.False(t, ok)
}

func TestBucketReplacementIsAtomic(t *testing.T) {
	r := New(Options{LpmBuckets: 64})
	odd := []uint32{1, 1, 1, 1}
	even := []uint32{2, 2, 2, 2, 2, 2}
	r.SetLoadBalanceBuckets(0, odd)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if i%2 == 0 {
				r.SetLoadBalanceBuckets(0, even)
			} else {
				r.SetLoadBalanceBuckets(0, odd)
			}
		}
		close(stop)
	}()

	for {
		select {
		case <-stop:
			wg.Wait()
			return
		default:
		}
		b := r.Buckets(0)
		switch len(b) {
		case 4:
			require.Equal(t, odd, b)
		case 6:
			require.Equal(t, even, b)
		default:
			t.Fatalf("torn bucket vector %v", b)
		}
	}
}
