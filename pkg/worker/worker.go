// Package worker is the NAT worker context: it owns the session table, the
// mapper pools and the interface registry, and exposes the control-plane
// operations and the fast-path helpers the forwarding path calls.
package worker

import (
	"net/netip"
	"sync"

	"github.com/pkg/errors"

	"github.com/cybwan/f4nat/pkg/iface"
	"github.com/cybwan/f4nat/pkg/lock"
	"github.com/cybwan/f4nat/pkg/logger"
	"github.com/cybwan/f4nat/pkg/metrics"
	"github.com/cybwan/f4nat/pkg/nat"
	"github.com/cybwan/f4nat/pkg/packet"
	"github.com/cybwan/f4nat/pkg/pool"
	"github.com/cybwan/f4nat/pkg/session"
)

var (
	log = logger.New("f4nat-worker")
)

// PortRegistrar hands the worker's UDP port to the slow path.
type PortRegistrar interface {
	RegisterPort(port uint16) error
}

type Options struct {
	Sessions   session.Options
	LpmBuckets int
	FeatureArc iface.FeatureArc
	Ports      PortRegistrar
	// PoolObserver mirrors pool changes, e.g. into a kernel map.
	PoolObserver pool.Observer
	Metrics      metrics.MetricsAPI
}

// Worker is one NAT worker instance. All methods are safe for concurrent
// use.
type Worker struct {
	sessions   *session.Table
	pools      *pool.Registry
	interfaces *iface.Registry
	ports      PortRegistrar
	parsers    sync.Pool

	mu      lock.Mutex
	udpPort uint16
}

func New(opts Options) *Worker {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoOpMetrics()
	}
	if opts.Sessions.Metrics == nil {
		opts.Sessions.Metrics = opts.Metrics
	}

	w := &Worker{
		sessions: session.New(opts.Sessions),
		pools: pool.New(pool.Options{
			LpmBuckets: opts.LpmBuckets,
			Observer:   opts.PoolObserver,
			Metrics:    opts.Metrics,
		}),
		interfaces: iface.New(opts.FeatureArc, opts.Metrics),
		ports:      opts.Ports,
	}
	w.parsers.New = func() any { return packet.NewParser() }
	opts.Metrics.SessionCount(w.sessions.Len)
	return w
}

func (w *Worker) Sessions() *session.Table {
	return w.sessions
}

func (w *Worker) Pools() *pool.Registry {
	return w.pools
}

func (w *Worker) Interfaces() *iface.Registry {
	return w.interfaces
}

// Enable registers udpPort as the port mapper traffic reaches the worker on.
func (w *Worker) Enable(udpPort uint16) error {
	if udpPort == 0 {
		return errors.Wrap(pool.ErrInvalid, "udp port 0")
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ports != nil {
		if err := w.ports.RegisterPort(udpPort); err != nil {
			return errors.Wrapf(err, "register udp port %d", udpPort)
		}
	}
	w.udpPort = udpPort
	log.Info().Uint16("udp_port", udpPort).Msg("worker enabled")
	return nil
}

// UDPPort returns the port passed to Enable, zero before.
func (w *Worker) UDPPort() uint16 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.udpPort
}

func (w *Worker) InterfaceAddDel(swIfIndex uint32, mode iface.Mode, isAdd bool) error {
	return w.interfaces.AddDel(swIfIndex, mode, isAdd)
}

// PoolEntryAddDel adds or deletes a mapper. On add the new entry index is
// returned.
func (w *Worker) PoolEntryAddDel(isAdd bool, poolID uint32, prefix netip.Prefix, mapper, src netip.Addr, udpPort uint16) (uint32, error) {
	if isAdd {
		return w.pools.Add(poolID, prefix, mapper, src, udpPort)
	}
	return 0, w.pools.Delete(poolID, prefix)
}

func (w *Worker) SetLoadBalanceBuckets(fib uint32, indices []uint32) {
	w.pools.SetLoadBalanceBuckets(fib, indices)
}

func (w *Worker) CacheAdd(k session.Key, e session.Entry) (session.Ref, error) {
	return w.sessions.Add(k, e)
}

// CacheAddIncomplete holds buf on the session of the packet in data while
// its mapper is being resolved.
func (w *Worker) CacheAddIncomplete(fib uint32, data []byte, buf session.BufferRef, tunnel bool) (session.Ref, error) {
	k, err := w.key(fib, data)
	if err != nil {
		return session.Ref{}, err
	}
	return w.sessions.AddIncomplete(k, fib, buf, tunnel), nil
}

func (w *Worker) CacheUpdate(ref session.Ref, instr nat.Instructions, fib uint32, postSrc, postDst netip.Addr, postSport, postDport uint16) error {
	return w.sessions.Update(ref, instr, fib, postSrc, postDst, postSport, postDport)
}

func (w *Worker) CacheDelete(k session.Key) error {
	return w.sessions.Delete(k)
}

func (w *Worker) key(fib uint32, data []byte) (session.Key, error) {
	p := w.parsers.Get().(*packet.Parser)
	defer w.parsers.Put(p)
	return p.Key(fib, data)
}

// FindPacket looks up the session of the packet in data.
func (w *Worker) FindPacket(fib uint32, data []byte) (session.Ref, bool, error) {
	k, err := w.key(fib, data)
	if err != nil {
		return session.Ref{}, false, err
	}
	ref, ok := w.sessions.Find(k)
	return ref, ok, nil
}

// Translate rewrites the packet in data with its session and records the
// activity. It returns false, leaving data untouched, when there is no
// session or the session is still incomplete.
func (w *Worker) Translate(fib uint32, data []byte) (bool, error) {
	ref, ok, err := w.FindPacket(fib, data)
	if err != nil || !ok {
		return false, err
	}
	s, ok := w.sessions.Get(ref)
	if !ok || s.Entry.Instructions == 0 {
		return false, nil
	}
	if err := packet.Rewrite(data, s); err != nil {
		return false, err
	}
	w.sessions.Touch(ref, len(data))
	return true, nil
}

// Resolve picks the mapper for a flow arriving on swIfIndex. Inside flows
// are spread over the load-balance buckets of their routing domain by key
// hash. Outside flows match their destination against the pool whose id is
// the routing domain.
func (w *Worker) Resolve(swIfIndex uint32, k session.Key) (pool.Entry, uint32, bool) {
	switch w.interfaces.Mode(swIfIndex) {
	case iface.ModeInside:
		return w.pools.SelectMapper(k.FibIndex, k.Hash())
	case iface.ModeOutside:
		return w.pools.Lookup(k.FibIndex, k.DstAddr)
	default:
		return pool.Entry{}, 0, false
	}
}

// API result codes.
const (
	ResultOK           int32 = 0
	ResultValueExists  int32 = -1
	ResultNoSuchEntry  int32 = -2
	ResultInvalidValue int32 = -3
	ResultUnspecified  int32 = -99
)

// ResultCode maps an operation's error to the code reported to the API
// layer.
func ResultCode(err error) int32 {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, session.ErrDuplicate), errors.Is(err, pool.ErrDuplicate), errors.Is(err, iface.ErrExists):
		return ResultValueExists
	case errors.Is(err, session.ErrNotFound), errors.Is(err, pool.ErrNotFound), errors.Is(err, iface.ErrNotFound):
		return ResultNoSuchEntry
	case errors.Is(err, pool.ErrInvalid), errors.Is(err, iface.ErrInvalid):
		return ResultInvalidValue
	default:
		return ResultUnspecified
	}
}
