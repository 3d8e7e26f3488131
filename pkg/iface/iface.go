// Package iface tracks the interfaces NAT is enabled on and their mode.
package iface

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/cybwan/f4nat/pkg/arena"
	"github.com/cybwan/f4nat/pkg/lock"
	"github.com/cybwan/f4nat/pkg/logger"
)

var (
	ErrExists   = errors.New("interface exists")
	ErrNotFound = errors.New("interface not found")
	ErrInvalid  = errors.New("invalid interface")
)

var (
	log = logger.New("f4nat-iface")
)

const noIndex = ^uint32(0)

// MaxSwIfIndex bounds the sw_if_index values that can be registered.
const MaxSwIfIndex = 1 << 20

// Mode is the NAT role of an interface.
type Mode uint8

const (
	ModeOff Mode = iota
	ModeInside
	ModeOutside
)

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeInside:
		return "inside"
	case ModeOutside:
		return "outside"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode parses the names returned by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "off", "":
		return ModeOff, nil
	case "inside", "in":
		return ModeInside, nil
	case "outside", "out":
		return ModeOutside, nil
	}
	return ModeOff, errors.Errorf("unknown interface mode %q", s)
}

type Interface struct {
	SwIfIndex uint32
	Mode      Mode
}

// FeatureArc turns NAT packet processing on or off for an interface.
type FeatureArc interface {
	EnableDisable(swIfIndex uint32, enable bool) error
}

type Metrics interface {
	InterfacesChanged(delta int)
}

// Registry holds the registered interfaces.
type Registry struct {
	mu         lock.Mutex
	interfaces arena.Arena[Interface]
	// byIndex maps a sw_if_index to its arena index.
	byIndex []uint32

	arc     FeatureArc
	metrics Metrics
}

func New(arc FeatureArc, m Metrics) *Registry {
	return &Registry{arc: arc, metrics: m}
}

func (r *Registry) slot(swIfIndex uint32) (uint32, bool) {
	if int(swIfIndex) >= len(r.byIndex) || r.byIndex[swIfIndex] == noIndex {
		return 0, false
	}
	return r.byIndex[swIfIndex], true
}

func (r *Registry) setSlot(swIfIndex, idx uint32) {
	for int(swIfIndex) >= len(r.byIndex) {
		r.byIndex = append(r.byIndex, noIndex)
	}
	r.byIndex[swIfIndex] = idx
}

// AddDel registers or unregisters swIfIndex and enables or disables the
// feature arc on it. If the feature arc fails the registration is undone.
func (r *Registry) AddDel(swIfIndex uint32, mode Mode, isAdd bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if isAdd {
		return r.add(swIfIndex, mode)
	}
	return r.del(swIfIndex)
}

func (r *Registry) add(swIfIndex uint32, mode Mode) error {
	if swIfIndex >= MaxSwIfIndex {
		return errors.Wrapf(ErrInvalid, "sw_if_index %d out of range", swIfIndex)
	}
	if _, ok := r.slot(swIfIndex); ok {
		return errors.Wrapf(ErrExists, "sw_if_index %d", swIfIndex)
	}
	h, i := r.interfaces.Alloc()
	*i = Interface{SwIfIndex: swIfIndex, Mode: mode}
	r.setSlot(swIfIndex, h.Index)

	if r.arc != nil {
		if err := r.arc.EnableDisable(swIfIndex, true); err != nil {
			r.interfaces.Free(h.Index)
			r.byIndex[swIfIndex] = noIndex
			return errors.Wrapf(err, "enable sw_if_index %d", swIfIndex)
		}
	}
	if r.metrics != nil {
		r.metrics.InterfacesChanged(1)
	}
	log.Info().Uint32("sw_if_index", swIfIndex).Str("mode", mode.String()).Msg("interface added")
	return nil
}

func (r *Registry) del(swIfIndex uint32) error {
	idx, ok := r.slot(swIfIndex)
	if !ok {
		return errors.Wrapf(ErrNotFound, "sw_if_index %d", swIfIndex)
	}
	if r.arc != nil {
		if err := r.arc.EnableDisable(swIfIndex, false); err != nil {
			return errors.Wrapf(err, "disable sw_if_index %d", swIfIndex)
		}
	}
	r.interfaces.Free(idx)
	r.byIndex[swIfIndex] = noIndex
	if r.metrics != nil {
		r.metrics.InterfacesChanged(-1)
	}
	log.Info().Uint32("sw_if_index", swIfIndex).Msg("interface deleted")
	return nil
}

// Get returns the registration of swIfIndex.
func (r *Registry) Get(swIfIndex uint32) (Interface, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.slot(swIfIndex)
	if !ok {
		return Interface{}, false
	}
	i, _, ok := r.interfaces.At(idx)
	if !ok {
		return Interface{}, false
	}
	return *i, true
}

// Mode returns the mode of swIfIndex, ModeOff if it is not registered.
func (r *Registry) Mode(swIfIndex uint32) Mode {
	i, _ := r.Get(swIfIndex)
	return i.Mode
}

// List returns the registered interfaces in registration slot order.
func (r *Registry) List() []Interface {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Interface, 0, r.interfaces.Len())
	r.interfaces.Walk(func(_ arena.Handle, i *Interface) bool {
		out = append(out, *i)
		return true
	})
	return out
}
