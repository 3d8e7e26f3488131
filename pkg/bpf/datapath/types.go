package datapath

import (
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	"github.com/cybwan/f4nat/pkg/lock"
	"github.com/cybwan/f4nat/pkg/logger"
)

const (
	progName = "f4nat"

	xdpProgram = "xdp_hanat"
	configMap  = "hanat_config"
	poolsMap   = "hanat_pools"
)

// Slots of the hanat_config array map.
const (
	ConfigUDPPort = uint32(0)
)

var (
	log = logger.New("f4nat-datapath")
)

// F4Nat owns the kernel side of the worker: the loaded BPF collection, the
// XDP attachments and the maps mirroring the pools.
type F4Nat struct {
	mu         lock.Mutex
	coll       *ebpf.Collection
	links      map[uint32]link.Link
	mapperLink string

	cleanCallbacks map[string]func() error
}

// PoolKey is the hanat_pools LPM trie key. PrefixLen counts the pool id
// bits, so a /24 pool prefix is stored with PrefixLen 56.
type PoolKey struct {
	PrefixLen uint32
	PoolID    [4]byte
	Addr      [4]byte
}

// PoolValue is the hanat_pools value. Addresses and the port are in network
// byte order.
type PoolValue struct {
	Index     uint32
	Mapper    [4]byte
	Src       [4]byte
	UDPPort   [2]byte
	MapperMac [6]uint8
}
