package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/cybwan/f4nat/pkg/bpf/datapath"
	"github.com/cybwan/f4nat/pkg/config"
	"github.com/cybwan/f4nat/pkg/iface"
	"github.com/cybwan/f4nat/pkg/logger"
	"github.com/cybwan/f4nat/pkg/metrics"
	"github.com/cybwan/f4nat/pkg/session"
	"github.com/cybwan/f4nat/pkg/worker"
)

var (
	flags = pflag.NewFlagSet(`f4nat`, pflag.ExitOnError)
	log   = logger.New("f4nat")
)

var (
	cfg         string
	logLevel    string
	metricsAddr string
)

func init() {
	flags.StringVarP(&cfg, "conf", "c", "nat.json", "worker configuration file")
	flags.StringVar(&logLevel, "log-level", "info", "log level")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "prometheus listen address, overrides the configuration")
}

func main() {
	if err := flags.Parse(os.Args); err != nil {
		log.Fatal().Msg(err.Error())
	}
	if err := logger.SetLogLevel(logLevel); err != nil {
		log.Fatal().Msg(err.Error())
	}

	natCfg, err := config.Load(cfg)
	if err != nil {
		log.Fatal().Msg(err.Error())
	}

	bytes, err := json.MarshalIndent(natCfg, ``, `  `)
	if err != nil {
		log.Fatal().Msg(err.Error())
	}
	fmt.Println(string(bytes))

	registry := prometheus.NewRegistry()
	m := metrics.NewPrometheusMetrics("f4nat", registry)
	dp := datapath.New(natCfg.MapperLink)
	if err := dp.Init(natCfg.BpfObject); err != nil {
		log.Fatal().Err(err).Msg("datapath init")
	}
	defer dp.Close()

	w := worker.New(worker.Options{
		Sessions: session.Options{
			Shards:  natCfg.Session.Shards,
			Buckets: natCfg.Session.Buckets,
		},
		LpmBuckets:   natCfg.LpmBuckets,
		FeatureArc:   dp,
		Ports:        dp,
		PoolObserver: dp,
		Metrics:      m,
	})

	if metricsAddr == "" {
		metricsAddr = natCfg.MetricsAddr
	}
	if metricsAddr != "" {
		go serveMetrics(metricsAddr, registry)
	}

	if err := apply(w, dp, natCfg); err != nil {
		log.Error().Err(err).Msg("apply configuration")
		return
	}

	workDuration, err := natCfg.RunFor()
	if err != nil {
		log.Fatal().Msg(err.Error())
	}
	quitTimer := time.NewTimer(workDuration)
	defer quitTimer.Stop()

	sigCh := make(chan os.Signal, 5)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	log.Info().Msg("Press Ctrl-C to exit and remove the program")
	select {
	case <-sigCh:
	case <-quitTimer.C:
	}
	log.Info().Int("sessions", w.Sessions().Len()).Msg("shutting down")
}

func apply(w *worker.Worker, dp *datapath.F4Nat, c *config.Config) error {
	if c.UDPPort != 0 {
		if err := w.Enable(c.UDPPort); err != nil {
			return err
		}
	}

	indices := make([]uint32, len(c.Pools))
	for n, p := range c.Pools {
		prefix, _ := p.ParsePrefix()
		src, _ := p.SrcAddr()
		idx, err := w.PoolEntryAddDel(true, p.PoolID, prefix, netip.MustParseAddr(p.Mapper), src, p.UDPPort)
		if err != nil {
			return errors.Wrapf(err, "pools[%d] (result %d)", n, worker.ResultCode(err))
		}
		indices[n] = idx
	}

	for _, b := range c.Buckets {
		mappers := make([]uint32, len(b.Mappers))
		for n, pos := range b.Mappers {
			mappers[n] = indices[pos]
		}
		w.SetLoadBalanceBuckets(b.FibIndex, mappers)
	}

	for _, i := range c.Interfaces {
		mode, _ := iface.ParseMode(i.Mode)
		ifindex, err := dp.LinkIndex(i.Name)
		if err != nil {
			return err
		}
		if err := w.InterfaceAddDel(ifindex, mode, true); err != nil {
			return errors.Wrapf(err, "interface %s (result %d)", i.Name, worker.ResultCode(err))
		}
	}
	return nil
}

func serveMetrics(addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error().Err(err).Str("addr", addr).Msg("metrics listener")
		return
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")
	if err := http.Serve(ln, mux); err != nil {
		log.Error().Err(err).Msg("metrics server")
	}
}
