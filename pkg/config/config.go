// Package config holds the JSON configuration of the f4nat daemon.
package config

import (
	"encoding/json"
	"io"
	"math"
	"net/netip"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/cybwan/f4nat/pkg/iface"
)

type Session struct {
	Shards  int `json:"shards"`
	Buckets int `json:"buckets"`
}

type Interface struct {
	Name string `json:"name"`
	Mode string `json:"mode"`
}

type PoolEntry struct {
	PoolID  uint32 `json:"poolId"`
	Prefix  string `json:"prefix"`
	Mapper  string `json:"mapper"`
	Src     string `json:"src"`
	UDPPort uint16 `json:"udpPort"`
}

// Buckets lists the mappers of a routing domain as positions in Pools.
type Buckets struct {
	FibIndex uint32 `json:"fibIndex"`
	Mappers  []int  `json:"mappers"`
}

type Config struct {
	WorkDuration string `json:"workDuration"`
	UDPPort      uint16 `json:"udpPort"`
	// BpfObject is the compiled datapath; empty runs without one.
	BpfObject   string      `json:"bpfObject"`
	MapperLink  string      `json:"mapperLink"`
	MetricsAddr string      `json:"metricsAddr"`
	LpmBuckets  int         `json:"lpmBuckets"`
	Session     Session     `json:"session"`
	Interfaces  []Interface `json:"interfaces"`
	Pools       []PoolEntry `json:"pools"`
	Buckets     []Buckets   `json:"buckets"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

func Decode(r io.Reader) (*Config, error) {
	bytes, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	cfg := new(Config)
	if err := json.Unmarshal(bytes, cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Duration returns how long the daemon runs; zero means forever.
func (c *Config) Duration() (time.Duration, error) {
	if c.WorkDuration == "" {
		return 0, nil
	}
	return time.ParseDuration(c.WorkDuration)
}

// RunFor returns the timer duration for the daemon's work period. A zero
// Duration becomes the longest representable one.
func (c *Config) RunFor() (time.Duration, error) {
	d, err := c.Duration()
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return time.Duration(math.MaxInt64), nil
	}
	return d, nil
}

func (c *Config) Validate() error {
	if _, err := c.Duration(); err != nil {
		return errors.Wrapf(err, "workDuration %q", c.WorkDuration)
	}
	if c.Session.Shards < 0 || c.Session.Buckets < 0 {
		return errors.New("session shards and buckets must not be negative")
	}
	for _, i := range c.Interfaces {
		if i.Name == "" {
			return errors.New("interface without name")
		}
		if _, err := iface.ParseMode(i.Mode); err != nil {
			return errors.Wrapf(err, "interface %s", i.Name)
		}
	}
	for n, p := range c.Pools {
		if _, err := p.ParsePrefix(); err != nil {
			return errors.Wrapf(err, "pools[%d]", n)
		}
		if _, err := netip.ParseAddr(p.Mapper); err != nil {
			return errors.Wrapf(err, "pools[%d] mapper", n)
		}
		if _, err := p.SrcAddr(); err != nil {
			return errors.Wrapf(err, "pools[%d] src", n)
		}
	}
	for _, b := range c.Buckets {
		for _, m := range b.Mappers {
			if m < 0 || m >= len(c.Pools) {
				return errors.Errorf("fib %d: bucket names pools[%d], have %d pools", b.FibIndex, m, len(c.Pools))
			}
		}
	}
	return nil
}

func (p PoolEntry) ParsePrefix() (netip.Prefix, error) {
	return netip.ParsePrefix(p.Prefix)
}

// SrcAddr returns Src, defaulting to the mapper address.
func (p PoolEntry) SrcAddr() (netip.Addr, error) {
	if p.Src == "" {
		return netip.ParseAddr(p.Mapper)
	}
	return netip.ParseAddr(p.Src)
}
