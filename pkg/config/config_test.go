package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const sample = `{
  "workDuration": "1h",
  "udpPort": 4789,
  "mapperLink": "eth1",
  "session": {"shards": 16, "buckets": 4096},
  "interfaces": [
    {"name": "eth0", "mode": "inside"},
    {"name": "eth1", "mode": "outside"}
  ],
  "pools": [
    {"poolId": 1, "prefix": "203.0.113.0/24", "mapper": "192.0.2.1", "src": "192.0.2.254", "udpPort": 4789},
    {"poolId": 1, "prefix": "198.51.100.0/24", "mapper": "192.0.2.2", "udpPort": 4789}
  ],
  "buckets": [
    {"fibIndex": 0, "mappers": [0, 1, 0]}
  ]
}`

func TestDecode(t *testing.T) {
	cfg, err := Decode(strings.NewReader(sample))
	require.NoError(t, err)

	want := &Config{
		WorkDuration: "1h",
		UDPPort:      4789,
		MapperLink:   "eth1",
		Session:      Session{Shards: 16, Buckets: 4096},
		Interfaces:   []Interface{{Name: "eth0", Mode: "inside"}, {Name: "eth1", Mode: "outside"}},
		Pools: []PoolEntry{
			{PoolID: 1, Prefix: "203.0.113.0/24", Mapper: "192.0.2.1", Src: "192.0.2.254", UDPPort: 4789},
			{PoolID: 1, Prefix: "198.51.100.0/24", Mapper: "192.0.2.2", UDPPort: 4789},
		},
		Buckets: []Buckets{{FibIndex: 0, Mappers: []int{0, 1, 0}}},
	}
	require.Empty(t, cmp.Diff(want, cfg))

	d, err := cfg.Duration()
	require.NoError(t, err)
	require.Equal(t, time.Hour, d)

	src, err := cfg.Pools[1].SrcAddr()
	require.NoError(t, err)
	require.Equal(t, "192.0.2.2", src.String())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nat.json")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Pools, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	for name, doc := range map[string]string{
		"bad duration": `{"workDuration": "soon"}`,
		"bad mode":     `{"interfaces": [{"name": "eth0", "mode": "sideways"}]}`,
		"no name":      `{"interfaces": [{"mode": "inside"}]}`,
		"bad prefix":   `{"pools": [{"prefix": "10.0.0.0/99", "mapper": "10.0.0.1"}]}`,
		"bad mapper":   `{"pools": [{"prefix": "10.0.0.0/8", "mapper": "nope"}]}`,
		"bad bucket":   `{"pools": [{"prefix": "10.0.0.0/8", "mapper": "10.0.0.1"}], "buckets": [{"mappers": [1]}]}`,
		"not json":     `{`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(doc))
			require.Error(t, err)
		})
	}

	cfg, err := Decode(strings.NewReader(`{}`))
	require.NoError(t, err)
	d, err := cfg.Duration()
	require.NoError(t, err)
	require.Zero(t, d)
}

func TestRunForZeroMeansForever(t *testing.T) {
	for _, doc := range []string{`{}`, `{"workDuration": "0s"}`} {
		cfg, err := Decode(strings.NewReader(doc))
		require.NoError(t, err)

		d, err := cfg.RunFor()
		require.NoError(t, err)
		require.Equal(t, time.Duration(math.MaxInt64), d)

		timer := time.NewTimer(d)
		select {
		case <-timer.C:
			t.Fatalf("%s: timer fired", doc)
		case <-time.After(20 * time.Millisecond):
		}
		timer.Stop()
	}

	cfg, err := Decode(strings.NewReader(`{"workDuration": "90s"}`))
	require.NoError(t, err)
	d, err := cfg.RunFor()
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, d)
}
