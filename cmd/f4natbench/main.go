package main

import (
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"

	"github.com/cybwan/f4nat/pkg/iface"
	"github.com/cybwan/f4nat/pkg/logger"
	"github.com/cybwan/f4nat/pkg/nat"
	"github.com/cybwan/f4nat/pkg/session"
	"github.com/cybwan/f4nat/pkg/worker"
)

var (
	flags = pflag.NewFlagSet(`f4natbench`, pflag.ExitOnError)
	log   = logger.New("f4natbench")
)

var (
	workers  int
	flows    int
	shards   int
	buckets  int
	duration time.Duration
	logLevel string
)

func init() {
	flags.IntVarP(&workers, "workers", "w", 4, "concurrent packet workers")
	flags.IntVarP(&flows, "flows", "f", 100000, "distinct flows per worker")
	flags.IntVar(&shards, "shards", session.DefaultShards, "session table shards")
	flags.IntVar(&buckets, "buckets", session.DefaultBuckets, "session table buckets")
	flags.DurationVarP(&duration, "duration", "d", 10*time.Second, "run time")
	flags.StringVar(&logLevel, "log-level", "info", "log level")
}

func flowKey(id, flow int) session.Key {
	return session.Key{
		SrcAddr:  netip.AddrFrom4([4]byte{10, byte(id), byte(flow >> 8), byte(flow)}),
		DstAddr:  netip.AddrFrom4([4]byte{198, 51, 100, byte(flow >> 16)}),
		SrcPort:  uint16(1024 + flow%60000),
		DstPort:  443,
		Proto:    nat.ProtoTCP,
		FibIndex: 0,
	}
}

func main() {
	if err := flags.Parse(os.Args); err != nil {
		log.Fatal().Msg(err.Error())
	}
	if err := logger.SetLogLevel(logLevel); err != nil {
		log.Fatal().Msg(err.Error())
	}

	w := worker.New(worker.Options{
		Sessions: session.Options{Shards: shards, Buckets: buckets},
	})
	if err := w.InterfaceAddDel(1, iface.ModeInside, true); err != nil {
		log.Fatal().Err(err).Msg("interface")
	}
	mapper, err := w.PoolEntryAddDel(true, 0, netip.MustParsePrefix("203.0.113.0/24"),
		netip.MustParseAddr("192.0.2.1"), netip.MustParseAddr("192.0.2.254"), 4789)
	if err != nil {
		log.Fatal().Err(err).Msg("pool")
	}
	w.SetLoadBalanceBuckets(0, []uint32{mapper})

	var hits, misses, created atomic.Uint64
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for n := 0; n < workers; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sessions := w.Sessions()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				k := flowKey(n, i%flows)
				if ref, ok := sessions.Find(k); ok {
					sessions.Touch(ref, 64)
					hits.Add(1)
					continue
				}
				misses.Add(1)
				ref := sessions.AddIncomplete(k, k.FibIndex, session.BufferRef(i), false)
				e, _, ok := w.Resolve(1, k)
				if !ok {
					continue
				}
				post := e.Prefix.Addr().Next()
				if err := sessions.Update(ref, nat.InstrSourceAddress|nat.InstrSourcePort, e.PoolID, post, k.DstAddr, uint16(i), k.DstPort); err == nil {
					sessions.TakeBuffer(ref)
					created.Add(1)
				}
			}
		}(n)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	deadline := time.NewTimer(duration)
	defer deadline.Stop()

	start := time.Now()
	var last uint64
	for running := true; running; {
		select {
		case <-ticker.C:
			total := hits.Load() + misses.Load()
			log.Info().
				Uint64("ops", total-last).
				Int("sessions", w.Sessions().Len()).
				Msg("last second")
			last = total
		case <-deadline.C:
			running = false
		}
	}
	close(stop)
	wg.Wait()

	elapsed := time.Since(start)
	total := hits.Load() + misses.Load()
	log.Info().
		Int("workers", workers).
		Uint64("hits", hits.Load()).
		Uint64("misses", misses.Load()).
		Uint64("created", created.Load()).
		Int("sessions", w.Sessions().Len()).
		Float64("ops_per_sec", float64(total)/elapsed.Seconds()).
		Msg("done")
}
