package datapath

import (
	"encoding/binary"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/mdlayher/arp"
	"github.com/pkg/errors"

	"github.com/cybwan/f4nat/pkg/bpf"
	"github.com/cybwan/f4nat/pkg/libbpf"
	"github.com/cybwan/f4nat/pkg/pool"
)

const arpTimeout = 2 * time.Second

// New returns a datapath resolving mapper next hops on mapperLink. Until
// Init loads an object every operation only logs.
func New(mapperLink string) *F4Nat {
	return &F4Nat{
		links:          make(map[uint32]link.Link),
		mapperLink:     mapperLink,
		cleanCallbacks: make(map[string]func() error),
	}
}

// Init loads the BPF object at objPath and pins its maps under the bpf
// file system. An empty objPath leaves the datapath detached.
func (nat *F4Nat) Init(objPath string) error {
	if objPath == "" {
		log.Warn().Msg("no bpf object configured, running without kernel datapath")
		return nil
	}

	if err := libbpf.RemoveMemlock(); err != nil {
		return errors.Wrap(err, "remove memlock")
	}

	if !libbpf.IsBpfFS(bpf.BPF_FS) {
		success, err := libbpf.MountBpfFS(bpf.BPF_FS)
		if err != nil {
			return errors.Wrap(err, "mount bpf file system")
		}
		if !success {
			return errors.New("mount bpf file system error")
		}
	}

	if err := libbpf.UnloadAll(bpf.BPF_FS, progName); err != nil {
		return errors.Wrap(err, "unloading bpf objects")
	}
	pinDir := libbpf.PinDir(bpf.BPF_FS, progName)
	if err := os.MkdirAll(pinDir, 0o755); err != nil {
		return errors.Wrap(err, "creating pin dir")
	}

	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return errors.Wrapf(err, "loading %s", objPath)
	}
	for _, name := range []string{configMap, poolsMap} {
		m, ok := spec.Maps[name]
		if !ok {
			return errors.Errorf("%s: missing map %s", objPath, name)
		}
		m.Pinning = ebpf.PinByName
	}
	if _, ok := spec.Programs[xdpProgram]; !ok {
		return errors.Errorf("%s: missing program %s", objPath, xdpProgram)
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, ebpf.CollectionOptions{
		Maps: ebpf.MapOptions{PinPath: pinDir},
	})
	if err != nil {
		return errors.Wrap(err, "loading bpf objects")
	}

	nat.mu.Lock()
	nat.coll = coll
	nat.mu.Unlock()

	nat.cleanCallbacks[`clean bpf objects`] = func() error {
		coll.Close()
		return libbpf.UnloadAll(bpf.BPF_FS, progName)
	}
	log.Info().Str("object", objPath).Str("pins", pinDir).Msg("bpf objects loaded")
	return nil
}

func (nat *F4Nat) Close() {
	nat.mu.Lock()
	for ifindex, l := range nat.links {
		if err := l.Close(); err != nil {
			log.Error().Err(err).Uint32("ifindex", ifindex).Msg("detach xdp")
		}
		delete(nat.links, ifindex)
	}
	nat.mu.Unlock()

	for msg, cb := range nat.cleanCallbacks {
		log.Info().Msg(msg)
		if err := cb(); err != nil {
			log.Error().Err(err).Msg(msg)
		}
	}
}

// EnableDisable attaches or detaches the NAT XDP program on ifindex.
func (nat *F4Nat) EnableDisable(ifindex uint32, enable bool) error {
	nat.mu.Lock()
	defer nat.mu.Unlock()

	if nat.coll == nil {
		log.Debug().Uint32("ifindex", ifindex).Bool("enable", enable).Msg("no datapath, skip xdp attach")
		return nil
	}

	if !enable {
		l, ok := nat.links[ifindex]
		if !ok {
			return nil
		}
		delete(nat.links, ifindex)
		if err := l.Close(); err != nil {
			return errors.Wrapf(err, "detach xdp from ifindex %d", ifindex)
		}
		log.Info().Uint32("ifindex", ifindex).Msg("Detached XDP program")
		return nil
	}

	if _, ok := nat.links[ifindex]; ok {
		return nil
	}
	l, err := link.AttachXDP(link.XDPOptions{
		Program:   nat.coll.Programs[xdpProgram],
		Interface: int(ifindex),
	})
	if err != nil {
		return errors.Wrapf(err, "could not attach XDP program to ifindex %d", ifindex)
	}
	nat.links[ifindex] = l
	log.Info().Uint32("ifindex", ifindex).Msg("Attached XDP program")
	return nil
}

// RegisterPort tells the XDP program which UDP port carries mapper traffic.
func (nat *F4Nat) RegisterPort(port uint16) error {
	m := nat.lookupMap(configMap)
	if m == nil {
		return nil
	}
	if err := m.Update(ConfigUDPPort, uint32(port), ebpf.UpdateAny); err != nil {
		return errors.Wrapf(err, "updating %s", configMap)
	}
	return nil
}

func (nat *F4Nat) PoolEntryAdded(index uint32, e pool.Entry) error {
	m := nat.lookupMap(poolsMap)
	if m == nil {
		return nil
	}
	mac, err := nat.arpQuery(nat.mapperLink, e.Mapper)
	if err != nil {
		log.Warn().Err(err).Str("mapper", e.Mapper.String()).Msg("mapper mac unresolved")
	}
	key := NewPoolKey(e)
	value := NewPoolValue(index, e, mac)
	if err := m.Update(&key, &value, ebpf.UpdateAny); err != nil {
		return errors.Wrapf(err, "updating %s", poolsMap)
	}
	return nil
}

func (nat *F4Nat) PoolEntryDeleted(index uint32, e pool.Entry) error {
	m := nat.lookupMap(poolsMap)
	if m == nil {
		return nil
	}
	key := NewPoolKey(e)
	if err := m.Delete(&key); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return errors.Wrapf(err, "deleting from %s", poolsMap)
	}
	return nil
}

func (nat *F4Nat) lookupMap(name string) *ebpf.Map {
	nat.mu.Lock()
	defer nat.mu.Unlock()
	if nat.coll == nil {
		return nil
	}
	return nat.coll.Maps[name]
}

func addr4(a netip.Addr) [4]byte {
	if !a.Is4() {
		return [4]byte{}
	}
	return a.As4()
}

func NewPoolKey(e pool.Entry) PoolKey {
	var k PoolKey
	k.PrefixLen = uint32(32 + e.Prefix.Bits())
	binary.BigEndian.PutUint32(k.PoolID[:], e.PoolID)
	k.Addr = addr4(e.Prefix.Masked().Addr())
	return k
}

func NewPoolValue(index uint32, e pool.Entry, mac net.HardwareAddr) PoolValue {
	v := PoolValue{
		Index:  index,
		Mapper: addr4(e.Mapper),
		Src:    addr4(e.Src),
	}
	binary.BigEndian.PutUint16(v.UDPPort[:], e.UDPPort)
	copy(v.MapperMac[:], mac)
	return v
}

func (nat *F4Nat) linkQuery(ifaceName string) (net.HardwareAddr, int, error) {
	iface, ifaceErr := net.InterfaceByName(ifaceName)
	if ifaceErr != nil {
		log.Error().Msgf("lookup network iface %s: %s", ifaceName, ifaceErr)
		return nil, -1, ifaceErr
	}

	return iface.HardwareAddr, iface.Index, nil
}

func (nat *F4Nat) arpQuery(viaIface string, ipAddr netip.Addr) (net.HardwareAddr, error) {
	if viaIface == "" {
		return nil, errors.Errorf("no link to resolve %s on", ipAddr)
	}
	iface, ifaceErr := net.InterfaceByName(viaIface)
	if ifaceErr != nil {
		return nil, ifaceErr
	}

	client, clientErr := arp.Dial(iface)
	if clientErr != nil {
		return nil, clientErr
	}
	defer client.Close()

	if err := client.SetDeadline(time.Now().Add(arpTimeout)); err != nil {
		return nil, err
	}
	return client.Resolve(ipAddr)
}

// LinkIndex resolves a link name to the ifindex used as sw_if_index.
func (nat *F4Nat) LinkIndex(name string) (uint32, error) {
	_, index, err := nat.linkQuery(name)
	if err != nil {
		return 0, err
	}
	return uint32(index), nil
}
